// Package gatewaytypes holds the shared data model for the gateway: the
// executor registry, sessions, workspaces, and the frame envelopes exchanged
// between edge, brain, and executors.
package gatewaytypes

import "encoding/json"

// Pool identifies the ownership class of an executor.
type Pool string

const (
	PoolManaged Pool = "managed"
	PoolBYON    Pool = "byon"
)

// ExecutorKind enumerates the invocation types an executor can service.
type ExecutorKind string

const (
	KindConnectorAction ExecutorKind = "connector.action"
	KindAgentExecute    ExecutorKind = "agent.execute"
	KindAgentRun        ExecutorKind = "agent.run"
)

// EngineID enumerates the fixed, supported session engines (spec §4.4).
type EngineID string

const (
	EngineCodexV2    EngineID = "gateway.codex.v2"
	EngineClaudeV2   EngineID = "gateway.claude.v2"
	EngineOpenCodeV2 EngineID = "gateway.opencode.v2"
)

// EngineRule describes one row of the fixed engine-selection table.
type EngineRule struct {
	Valid                 bool
	RequiresExecutorOAuth bool
}

// EngineTable is the fixed engine selection table from spec §4.4.
var EngineTable = map[EngineID]EngineRule{
	EngineCodexV2:    {Valid: true, RequiresExecutorOAuth: true},
	EngineClaudeV2:   {Valid: true, RequiresExecutorOAuth: true},
	EngineOpenCodeV2: {Valid: true, RequiresExecutorOAuth: false},
}

// EngineAuthStatus is the per-engine OAuth verification state an executor
// reports in its hello message.
type EngineAuthStatus struct {
	OAuthVerified bool   `json:"oauthVerified"`
	CheckedAt     int64  `json:"checkedAt"`
	Reason        string `json:"reason,omitempty"`
}

// ExecutorRoute is the runtime registration for a connected executor: built
// from its hello on the owning edge, serialized to a TTL'd key for the
// scheduler. Absence of the key means the executor is unavailable.
type ExecutorRoute struct {
	ExecutorID     string                        `json:"executorId"`
	Pool           Pool                          `json:"pool"`
	OrganizationID string                        `json:"organizationId,omitempty"`
	EdgeID         string                        `json:"edgeId"`
	Labels         []string                      `json:"labels"`
	Kinds          []ExecutorKind                `json:"kinds"`
	MaxInFlight    int                           `json:"maxInFlight"`
	EngineAuth     map[EngineID]EngineAuthStatus `json:"engineAuth"`
	LastUsedMs     int64                         `json:"lastUsedMs"`
	LastSeenAtMs   int64                         `json:"lastSeenAtMs"`
}

// IsOAuthVerified reports whether engineId is verified on this route.
func (r *ExecutorRoute) IsOAuthVerified(engine EngineID) bool {
	status, ok := r.EngineAuth[engine]
	return ok && status.OAuthVerified
}

// Selector restricts the candidate executor set for a scheduling decision.
type Selector struct {
	Pool       Pool     `json:"pool,omitempty"`
	Labels     []string `json:"labels,omitempty"`
	Group      string   `json:"group,omitempty"`
	Tag        string   `json:"tag,omitempty"`
	ExecutorID string   `json:"executorId,omitempty"`
}

// Session is the persistent session record the brain operates on.
type Session struct {
	SessionID          string         `json:"sessionId"`
	OrganizationID     string         `json:"organizationId"`
	EngineID           EngineID       `json:"engineId"`
	LLMProvider        string         `json:"llmProvider,omitempty"`
	LLMModel           string         `json:"llmModel,omitempty"`
	LLMSecretID        string         `json:"llmSecretId,omitempty"`
	PromptSystem       string         `json:"promptSystem,omitempty"`
	PromptInstructions string         `json:"promptInstructions,omitempty"`
	ToolsAllow         []string       `json:"toolsAllow,omitempty"`
	Limits             map[string]int `json:"limits,omitempty"`
	MemoryProvider     string         `json:"memoryProvider,omitempty"`
	ExecutorSelector   *Selector      `json:"executorSelector,omitempty"`
	PinnedExecutorID   string         `json:"pinnedExecutorId,omitempty"`
	PinnedExecutorPool Pool           `json:"pinnedExecutorPool,omitempty"`
	RoutedAgentID      string         `json:"routedAgentId,omitempty"`
	SessionKey         string         `json:"sessionKey,omitempty"`
	Runtime            map[string]any `json:"runtime,omitempty"`
	TimeoutMs          int            `json:"timeoutMs,omitempty"`
}

// IsPinned reports whether the session currently has a pinned executor.
func (s *Session) IsPinned() bool {
	return s.PinnedExecutorID != ""
}

// SessionEvent is one append-only log entry for a session.
type SessionEvent struct {
	SessionID      string          `json:"sessionId"`
	Seq            int64           `json:"seq"`
	EventType      string          `json:"eventType"`
	Level          string          `json:"level,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	CreatedAt      int64           `json:"createdAt"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
}

// Event type constants used throughout session orchestration.
const (
	EventUserMessage  = "user_message"
	EventAgentMessage = "agent_message"
	EventAgentFinal   = "agent_final"
	EventError        = "error"
	EventSystem       = "system"
)

// Structured v2 and legacy raw client frame types. Spec §9 keeps both alive
// until consumers migrate off the legacy shapes ("a future cleanup should
// retire legacy frames once consumers migrate; in the meantime
// implementations must emit both").
const (
	FrameSessionEventV2 = "session_event_v2"
	FrameAgentDelta     = "agent_delta"
	FrameAgentFinalRaw  = "agent_final"
)

// System event action constants (spec §4.4/§8 scenarios).
const (
	ActionSessionExecutorFailover = "session_executor_failover"
	ActionSessionResetAgent       = "session_reset_agent"
	ActionSessionCancelRequested  = "session_cancel_requested"
	ActionSessionTurnCanceled     = "session_turn_canceled"
)

// WorkspaceOwnerType distinguishes whose lifecycle a workspace tracks.
type WorkspaceOwnerType string

const (
	OwnerSession     WorkspaceOwnerType = "session"
	OwnerWorkflowRun WorkspaceOwnerType = "workflow_run"
)

// Workspace is a versioned blob mutated under an advisory lock.
type Workspace struct {
	WorkspaceID      string             `json:"workspaceId"`
	OrganizationID   string             `json:"organizationId"`
	OwnerType        WorkspaceOwnerType `json:"ownerType"`
	OwnerID          string             `json:"ownerId"`
	CurrentVersion   int64              `json:"currentVersion"`
	CurrentObjectKey string             `json:"currentObjectKey,omitempty"`
	CurrentEtag      string             `json:"currentEtag,omitempty"`
}

// ReplyStatus is the terminal status of a reply envelope.
type ReplyStatus string

const (
	ReplySucceeded ReplyStatus = "succeeded"
	ReplyFailed    ReplyStatus = "failed"
)

// ReplyEnvelope is the payload stored under reply:<requestId>.
type ReplyEnvelope struct {
	Status    ReplyStatus     `json:"status"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	Workspace *WorkspaceAck   `json:"workspace,omitempty"`
}

// WorkspaceAck is the workspace-commit acknowledgement an executor reports
// back inside a reply envelope.
type WorkspaceAck struct {
	Version   int64  `json:"version"`
	ObjectKey string `json:"objectKey"`
	Etag      string `json:"etag,omitempty"`
}
