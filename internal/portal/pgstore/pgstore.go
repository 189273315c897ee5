// Package pgstore adapts internal/portal.Store directly to Postgres via
// database/sql and github.com/lib/pq, the way the teacher's
// internal/gvisor.DatabaseStateManager opens and pings a *sql.DB. It is an
// alternate to supabasestore for deployments that talk to Postgres
// directly (DATABASE_URL) instead of through Supabase's REST layer, and is
// the adapter internal/workspace and internal/brain exercise whenever
// SUPABASE_URL is unset but DATABASE_URL is present.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/ocx/gatewayd/internal/gatewaytypes"
)

// Store wraps a *sql.DB with the gateway's repository operations.
type Store struct {
	db *sql.DB
}

// New opens a connection pool against dbURL and verifies connectivity.
func New(dbURL string) (*Store, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Store{db: db}, nil
}

// Close shuts down the pool.
func (s *Store) Close() error { return s.db.Close() }

// GetOrgMaxExecutorInFlight reads organizations.settings->execution->quotas->maxExecutorInFlight.
func (s *Store) GetOrgMaxExecutorInFlight(ctx context.Context, organizationID string) (int, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT settings->'execution'->'quotas'->'maxExecutorInFlight' FROM organizations WHERE organization_id = $1`,
		organizationID,
	).Scan(&raw)
	if err == sql.ErrNoRows || len(raw) == 0 {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query organization: %w", err)
	}
	var v int
	if jerr := json.Unmarshal(raw, &v); jerr != nil {
		return 0, nil
	}
	return v, nil
}

// ResolveExecutorToken looks up an executor/byon token by its hash.
func (s *Store) ResolveExecutorToken(ctx context.Context, tokenHash string) (string, gatewaytypes.Pool, bool, error) {
	var subjectID, pool string
	var revoked bool
	err := s.db.QueryRowContext(ctx,
		`SELECT subject_id, pool, revoked FROM executor_tokens WHERE token_hash = $1`,
		tokenHash,
	).Scan(&subjectID, &pool, &revoked)
	if err == sql.ErrNoRows {
		return "", "", false, fmt.Errorf("token not found")
	}
	if err != nil {
		return "", "", false, fmt.Errorf("query executor token: %w", err)
	}
	return subjectID, gatewaytypes.Pool(pool), revoked, nil
}

// LoadSession loads a session row by id.
func (s *Store) LoadSession(ctx context.Context, sessionID string) (*gatewaytypes.Session, error) {
	var sess gatewaytypes.Session
	var toolsAllow, limits, runtime, selector []byte
	var pinnedPool string
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, organization_id, engine_id, llm_provider, llm_model, llm_secret_id,
		       prompt_system, prompt_instructions, tools_allow, limits, memory_provider,
		       executor_selector, pinned_executor_id, pinned_executor_pool, routed_agent_id,
		       session_key, runtime, timeout_ms
		FROM sessions WHERE session_id = $1`, sessionID,
	).Scan(&sess.SessionID, &sess.OrganizationID, &sess.EngineID, &sess.LLMProvider, &sess.LLMModel,
		&sess.LLMSecretID, &sess.PromptSystem, &sess.PromptInstructions, &toolsAllow, &limits,
		&sess.MemoryProvider, &selector, &sess.PinnedExecutorID, &pinnedPool, &sess.RoutedAgentID,
		&sess.SessionKey, &runtime, &sess.TimeoutMs)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session not found: %s", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	sess.PinnedExecutorPool = gatewaytypes.Pool(pinnedPool)
	_ = json.Unmarshal(toolsAllow, &sess.ToolsAllow)
	_ = json.Unmarshal(limits, &sess.Limits)
	_ = json.Unmarshal(runtime, &sess.Runtime)
	if len(selector) > 0 {
		var sel gatewaytypes.Selector
		if json.Unmarshal(selector, &sel) == nil {
			sess.ExecutorSelector = &sel
		}
	}
	return &sess, nil
}

// SaveSession persists the mutable fields the brain updates (spec §3: the
// brain is the only writer of pinning and runtime state).
func (s *Store) SaveSession(ctx context.Context, session *gatewaytypes.Session) error {
	toolsAllow, _ := json.Marshal(session.ToolsAllow)
	limits, _ := json.Marshal(session.Limits)
	runtime, _ := json.Marshal(session.Runtime)
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET pinned_executor_id = $2, pinned_executor_pool = $3,
		    tools_allow = $4, limits = $5, runtime = $6
		WHERE session_id = $1`,
		session.SessionID, session.PinnedExecutorID, string(session.PinnedExecutorPool),
		toolsAllow, limits, runtime,
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// AppendSessionEvent inserts an event and returns its seq, computed inside
// the INSERT as one more than the session's current highest seq (spec §3
// invariant). No retry is made if a concurrent append claims the same seq
// first; that insert's error is returned.
func (s *Store) AppendSessionEvent(ctx context.Context, ev *gatewaytypes.SessionEvent) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO session_events (session_id, seq, event_type, level, payload, created_at, idempotency_key)
		VALUES ($1, (SELECT COALESCE(MAX(seq), 0) + 1 FROM session_events WHERE session_id = $1), $2, $3, $4, $5, $6)
		RETURNING seq`,
		ev.SessionID, ev.EventType, ev.Level, ev.Payload, time.UnixMilli(ev.CreatedAt).UTC(), nullableString(ev.IdempotencyKey),
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("insert session event: %w", err)
	}
	return seq, nil
}

// RecentSessionEvents returns the LAST limit events for sessionID in
// ascending seq order, for session_join replay.
func (s *Store) RecentSessionEvents(ctx context.Context, sessionID string, limit int) ([]gatewaytypes.SessionEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, seq, event_type, level, payload, created_at, COALESCE(idempotency_key, '')
		FROM session_events WHERE session_id = $1 ORDER BY seq DESC LIMIT $2`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query session events: %w", err)
	}
	defer rows.Close()

	var out []gatewaytypes.SessionEvent
	for rows.Next() {
		var ev gatewaytypes.SessionEvent
		var createdAt time.Time
		if err := rows.Scan(&ev.SessionID, &ev.Seq, &ev.EventType, &ev.Level, &ev.Payload, &createdAt, &ev.IdempotencyKey); err != nil {
			return nil, fmt.Errorf("scan session event: %w", err)
		}
		ev.CreatedAt = createdAt.UnixMilli()
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// LoadOrCreateWorkspace loads a workspace row, creating one at version 0 if
// absent.
func (s *Store) LoadOrCreateWorkspace(ctx context.Context, organizationID string, ownerType gatewaytypes.WorkspaceOwnerType, ownerID string) (*gatewaytypes.Workspace, error) {
	var ws gatewaytypes.Workspace
	err := s.db.QueryRowContext(ctx, `
		SELECT workspace_id, organization_id, owner_type, owner_id, current_version,
		       COALESCE(current_object_key, ''), COALESCE(current_etag, '')
		FROM workspaces WHERE organization_id = $1 AND owner_type = $2 AND owner_id = $3`,
		organizationID, string(ownerType), ownerID,
	).Scan(&ws.WorkspaceID, &ws.OrganizationID, &ws.OwnerType, &ws.OwnerID, &ws.CurrentVersion,
		&ws.CurrentObjectKey, &ws.CurrentEtag)
	if err == nil {
		return &ws, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("query workspace: %w", err)
	}

	workspaceID := organizationID + ":" + string(ownerType) + ":" + ownerID
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workspaces (workspace_id, organization_id, owner_type, owner_id, current_version)
		VALUES ($1, $2, $3, $4, 0)
		ON CONFLICT (workspace_id) DO NOTHING`,
		workspaceID, organizationID, string(ownerType), ownerID,
	)
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

// CommitWorkspaceVersion advances current_version by exactly one, failing
// the update (and returning WORKSPACE_VERSION_CONFLICT-worthy zero rows) if
// expectedCurrentVersion is stale (spec §3 invariant).
func (s *Store) CommitWorkspaceVersion(ctx context.Context, workspaceID string, expectedCurrentVersion int64, nextObjectKey, nextEtag string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workspaces
		SET current_version = $2, current_object_key = $3, current_etag = $4
		WHERE workspace_id = $1 AND current_version = $5`,
		workspaceID, expectedCurrentVersion+1, nextObjectKey, nextEtag, expectedCurrentVersion,
	)
	if err != nil {
		return fmt.Errorf("commit workspace version: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("expected version %d no longer current", expectedCurrentVersion)
	}
	return nil
}

// GetEncryptedSecret reads a secret's ciphertext/nonce columns (bytea).
func (s *Store) GetEncryptedSecret(ctx context.Context, organizationID, secretID string) ([]byte, []byte, error) {
	var ciphertext, nonce []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT ciphertext, nonce FROM secrets WHERE organization_id = $1 AND secret_id = $2`,
		organizationID, secretID,
	).Scan(&ciphertext, &nonce)
	if err == sql.ErrNoRows {
		return nil, nil, fmt.Errorf("secret not found: %s", secretID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("query secret: %w", err)
	}
	return ciphertext, nonce, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
