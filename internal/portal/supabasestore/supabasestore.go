// Package supabasestore adapts github.com/supabase-community/supabase-go to
// internal/portal.Store, following the teacher's internal/database.SupabaseClient
// From/Select/Insert/Update/Upsert/ExecuteTo wrapping pattern, generalized
// from the teacher's trust/reputation tables to the gateway's organizations,
// executor_tokens, sessions, session_events, and workspaces tables.
package supabasestore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	supabase "github.com/supabase-community/supabase-go"

	"github.com/ocx/gatewayd/internal/gatewaytypes"
)

// Store wraps a supabase-go client with the gateway's repository operations.
type Store struct {
	client *supabase.Client
}

// New creates a Store against projectURL/serviceKey.
func New(projectURL, serviceKey string) (*Store, error) {
	client, err := supabase.NewClient(projectURL, serviceKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}
	return &Store{client: client}, nil
}

// =============================================================================
// Organizations / quotas
// =============================================================================

type organizationRow struct {
	OrganizationID string                 `json:"organization_id"`
	Settings       map[string]interface{} `json:"settings"`
}

// GetOrgMaxExecutorInFlight reads organizationSettings.execution.quotas.maxExecutorInFlight
// (spec §4.5 step 1), returning 0 when unset so the caller falls back to default.
func (s *Store) GetOrgMaxExecutorInFlight(ctx context.Context, organizationID string) (int, error) {
	var rows []organizationRow
	_, err := s.client.From("organizations").
		Select("organization_id,settings", "", false).
		Eq("organization_id", organizationID).
		ExecuteTo(&rows)
	if err != nil {
		return 0, fmt.Errorf("query organization: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	execution, _ := rows[0].Settings["execution"].(map[string]interface{})
	if execution == nil {
		return 0, nil
	}
	quotas, _ := execution["quotas"].(map[string]interface{})
	if quotas == nil {
		return 0, nil
	}
	v, _ := quotas["maxExecutorInFlight"].(float64)
	return int(v), nil
}

// =============================================================================
// Executor tokens
// =============================================================================

type executorTokenRow struct {
	TokenHash string `json:"token_hash"`
	SubjectID string `json:"subject_id"`
	Pool      string `json:"pool"`
	Revoked   bool   `json:"revoked"`
}

func (s *Store) ResolveExecutorToken(ctx context.Context, tokenHash string) (string, gatewaytypes.Pool, bool, error) {
	var rows []executorTokenRow
	_, err := s.client.From("executor_tokens").
		Select("*", "", false).
		Eq("token_hash", tokenHash).
		ExecuteTo(&rows)
	if err != nil {
		return "", "", false, fmt.Errorf("query executor token: %w", err)
	}
	if len(rows) == 0 {
		return "", "", false, fmt.Errorf("token not found")
	}
	row := rows[0]
	return row.SubjectID, gatewaytypes.Pool(row.Pool), row.Revoked, nil
}

// =============================================================================
// Sessions
// =============================================================================

type sessionRow struct {
	SessionID          string          `json:"session_id"`
	OrganizationID     string          `json:"organization_id"`
	EngineID           string          `json:"engine_id"`
	LLMProvider        string          `json:"llm_provider"`
	LLMModel           string          `json:"llm_model"`
	LLMSecretID        string          `json:"llm_secret_id"`
	PromptSystem       string          `json:"prompt_system"`
	PromptInstructions string          `json:"prompt_instructions"`
	ToolsAllow         json.RawMessage `json:"tools_allow"`
	Limits             json.RawMessage `json:"limits"`
	MemoryProvider     string          `json:"memory_provider"`
	ExecutorSelector   json.RawMessage `json:"executor_selector"`
	PinnedExecutorID   string          `json:"pinned_executor_id"`
	PinnedExecutorPool string          `json:"pinned_executor_pool"`
	RoutedAgentID      string          `json:"routed_agent_id"`
	SessionKey         string          `json:"session_key"`
	Runtime            json.RawMessage `json:"runtime"`
	TimeoutMs          int             `json:"timeout_ms"`
}

func (r *sessionRow) toDomain() *gatewaytypes.Session {
	s := &gatewaytypes.Session{
		SessionID:          r.SessionID,
		OrganizationID:     r.OrganizationID,
		EngineID:           gatewaytypes.EngineID(r.EngineID),
		LLMProvider:        r.LLMProvider,
		LLMModel:           r.LLMModel,
		LLMSecretID:        r.LLMSecretID,
		PromptSystem:       r.PromptSystem,
		PromptInstructions: r.PromptInstructions,
		MemoryProvider:     r.MemoryProvider,
		PinnedExecutorID:   r.PinnedExecutorID,
		PinnedExecutorPool: gatewaytypes.Pool(r.PinnedExecutorPool),
		RoutedAgentID:      r.RoutedAgentID,
		SessionKey:         r.SessionKey,
		TimeoutMs:          r.TimeoutMs,
	}
	_ = json.Unmarshal(r.ToolsAllow, &s.ToolsAllow)
	_ = json.Unmarshal(r.Limits, &s.Limits)
	_ = json.Unmarshal(r.Runtime, &s.Runtime)
	if len(r.ExecutorSelector) > 0 {
		var sel gatewaytypes.Selector
		if json.Unmarshal(r.ExecutorSelector, &sel) == nil {
			s.ExecutorSelector = &sel
		}
	}
	return s
}

func (s *Store) LoadSession(ctx context.Context, sessionID string) (*gatewaytypes.Session, error) {
	var rows []sessionRow
	_, err := s.client.From("sessions").
		Select("*", "", false).
		Eq("session_id", sessionID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("session not found: %s", sessionID)
	}
	return rows[0].toDomain(), nil
}

func (s *Store) SaveSession(ctx context.Context, session *gatewaytypes.Session) error {
	toolsAllow, _ := json.Marshal(session.ToolsAllow)
	limits, _ := json.Marshal(session.Limits)
	runtime, _ := json.Marshal(session.Runtime)
	update := map[string]interface{}{
		"pinned_executor_id":   session.PinnedExecutorID,
		"pinned_executor_pool": string(session.PinnedExecutorPool),
		"tools_allow":          json.RawMessage(toolsAllow),
		"limits":               json.RawMessage(limits),
		"runtime":              json.RawMessage(runtime),
	}
	_, _, err := s.client.From("sessions").
		Update(update, "", "").
		Eq("session_id", session.SessionID).
		Execute()
	return err
}

// =============================================================================
// Session events
// =============================================================================

type sessionEventRow struct {
	SessionID      string          `json:"session_id"`
	Seq            int64           `json:"seq,omitempty"`
	EventType      string          `json:"event_type"`
	Level          string          `json:"level"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      string          `json:"created_at"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// AppendSessionEvent inserts an event into session_events without a seq, so
// the column's database-side default (a Postgres `nextval` sequence) assigns
// it, and returns the seq read back from the inserted row (spec §3).
func (s *Store) AppendSessionEvent(ctx context.Context, ev *gatewaytypes.SessionEvent) (int64, error) {
	row := sessionEventRow{
		SessionID:      ev.SessionID,
		EventType:      ev.EventType,
		Level:          ev.Level,
		Payload:        ev.Payload,
		CreatedAt:      time.UnixMilli(ev.CreatedAt).UTC().Format(time.RFC3339),
		IdempotencyKey: ev.IdempotencyKey,
	}
	var result []sessionEventRow
	_, err := s.client.From("session_events").
		Insert(row, false, "", "representation", "").
		ExecuteTo(&result)
	if err != nil {
		return 0, fmt.Errorf("insert session event: %w", err)
	}
	if len(result) == 0 {
		return 0, fmt.Errorf("insert session event: no seq returned")
	}
	return result[0].Seq, nil
}

// RecentSessionEvents returns the LAST limit events in ascending seq order:
// the nil OrderOpts means descending, newest-first, and the slice is
// reversed before returning so replay arrives oldest-first.
func (s *Store) RecentSessionEvents(ctx context.Context, sessionID string, limit int) ([]gatewaytypes.SessionEvent, error) {
	var rows []sessionEventRow
	_, err := s.client.From("session_events").
		Select("*", "", false).
		Eq("session_id", sessionID).
		Order("seq", nil).
		Limit(limit, "").
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("query session events: %w", err)
	}
	out := make([]gatewaytypes.SessionEvent, len(rows))
	for i, r := range rows {
		createdAt, _ := time.Parse(time.RFC3339, r.CreatedAt)
		out[len(rows)-1-i] = gatewaytypes.SessionEvent{
			SessionID:      r.SessionID,
			Seq:            r.Seq,
			EventType:      r.EventType,
			Level:          r.Level,
			Payload:        r.Payload,
			CreatedAt:      createdAt.UnixMilli(),
			IdempotencyKey: r.IdempotencyKey,
		}
	}
	return out, nil
}

// =============================================================================
// Workspaces
// =============================================================================

type workspaceRow struct {
	WorkspaceID      string `json:"workspace_id"`
	OrganizationID   string `json:"organization_id"`
	OwnerType        string `json:"owner_type"`
	OwnerID          string `json:"owner_id"`
	CurrentVersion   int64  `json:"current_version"`
	CurrentObjectKey string `json:"current_object_key"`
	CurrentEtag      string `json:"current_etag"`
}

func (s *Store) LoadOrCreateWorkspace(ctx context.Context, organizationID string, ownerType gatewaytypes.WorkspaceOwnerType, ownerID string) (*gatewaytypes.Workspace, error) {
	var rows []workspaceRow
	_, err := s.client.From("workspaces").
		Select("*", "", false).
		Eq("organization_id", organizationID).
		Eq("owner_type", string(ownerType)).
		Eq("owner_id", ownerID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("query workspace: %w", err)
	}
	if len(rows) > 0 {
		r := rows[0]
		return &gatewaytypes.Workspace{
			WorkspaceID:      r.WorkspaceID,
			OrganizationID:   r.OrganizationID,
			OwnerType:        gatewaytypes.WorkspaceOwnerType(r.OwnerType),
			OwnerID:          r.OwnerID,
			CurrentVersion:   r.CurrentVersion,
			CurrentObjectKey: r.CurrentObjectKey,
			CurrentEtag:      r.CurrentEtag,
		}, nil
	}

	workspaceID := organizationID + ":" + string(ownerType) + ":" + ownerID
	newRow := workspaceRow{
		WorkspaceID:    workspaceID,
		OrganizationID: organizationID,
		OwnerType:      string(ownerType),
		OwnerID:        ownerID,
		CurrentVersion: 0,
	}
	var created []workspaceRow
	_, err = s.client.From("workspaces").
		Insert(newRow, false, "", "representation", "").
		ExecuteTo(&created)
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &gatewaytypes.Workspace{
		WorkspaceID:    workspaceID,
		OrganizationID: organizationID,
		OwnerType:      ownerType,
		OwnerID:        ownerID,
		CurrentVersion: 0,
	}, nil
}

// CommitWorkspaceVersion advances currentVersion by one if and only if the
// caller's expectedCurrentVersion still matches (spec §3 commit invariant).
// The conditional update is expressed as an Eq filter on current_version so
// a stale writer affects zero rows instead of overwriting a newer commit.
func (s *Store) CommitWorkspaceVersion(ctx context.Context, workspaceID string, expectedCurrentVersion int64, nextObjectKey, nextEtag string) error {
	update := map[string]interface{}{
		"current_version":    expectedCurrentVersion + 1,
		"current_object_key": nextObjectKey,
		"current_etag":       nextEtag,
	}
	var result []workspaceRow
	_, err := s.client.From("workspaces").
		Update(update, "", "representation").
		Eq("workspace_id", workspaceID).
		Eq("current_version", fmt.Sprintf("%d", expectedCurrentVersion)).
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("commit workspace version: %w", err)
	}
	if len(result) == 0 {
		return fmt.Errorf("expected version %d no longer current", expectedCurrentVersion)
	}
	return nil
}

// =============================================================================
// Secrets
// =============================================================================

type secretRow struct {
	SecretID       string `json:"secret_id"`
	OrganizationID string `json:"organization_id"`
	CiphertextB64  string `json:"ciphertext"`
	NonceB64       string `json:"nonce"`
}

func (s *Store) GetEncryptedSecret(ctx context.Context, organizationID, secretID string) ([]byte, []byte, error) {
	var rows []secretRow
	_, err := s.client.From("secrets").
		Select("*", "", false).
		Eq("organization_id", organizationID).
		Eq("secret_id", secretID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, nil, fmt.Errorf("query secret: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil, fmt.Errorf("secret not found: %s", secretID)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(rows[0].CiphertextB64)
	if err != nil {
		return nil, nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(rows[0].NonceB64)
	if err != nil {
		return nil, nil, fmt.Errorf("decode nonce: %w", err)
	}
	return ciphertext, nonce, nil
}
