package gatewaytypes

import "encoding/json"

// Frame type discriminators (spec §6.1).
const (
	FrameWorkflowDispatch = "workflow_dispatch"
	FrameSessionSend      = "session_send"
	FrameSessionReset     = "session_reset"
	FrameSessionCancel    = "session_cancel"
	FrameExecutorEvent    = "executor_event"

	FrameExecutorInvoke  = "executor_invoke"
	FrameExecutorSession = "executor_session"
	FrameClientBroadcast = "client_broadcast"
	FrameWorkflowReply   = "workflow_reply"
	FrameChannelOutbound = "channel_outbound"

	FrameExecutorHelloV2   = "executor_hello_v2"
	FrameToolResultV2      = "tool_result_v2"
	FrameToolEventV2       = "tool_event_v2"
	FrameSessionOpened     = "session_opened"
	FrameTurnFinal         = "turn_final"
	FrameTurnError         = "turn_error"
	FrameMemorySyncResult  = "memory_sync_result"
	FrameMemoryQueryResult = "memory_query_result"

	FrameInvokeToolV2   = "invoke_tool_v2"
	FrameSessionOpen    = "session_open"
	FrameSessionTurn    = "session_turn"
	FrameSessionCancelW = "session_cancel"
)

// Dispatch describes the opaque inner payload of a workflow_dispatch frame.
type Dispatch struct {
	Kind           string          `json:"kind"`
	OrganizationID string          `json:"organizationId"`
	RunID          string          `json:"runId"`
	WorkflowID     string          `json:"workflowId,omitempty"`
	NodeID         string          `json:"nodeId"`
	AttemptCount   int             `json:"attemptCount"`
	TimeoutMs      int             `json:"timeoutMs,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// WorkflowDispatchFrame is an edge→brain `workflow_dispatch` frame.
type WorkflowDispatchFrame struct {
	RequestID string   `json:"requestId"`
	Dispatch  Dispatch `json:"dispatch"`
	Async     bool     `json:"async"`
}

// SessionSendFrame is an edge→brain `session_send` frame.
type SessionSendFrame struct {
	RequestID      string          `json:"requestId"`
	OrganizationID string          `json:"organizationId"`
	UserID         string          `json:"userId,omitempty"`
	SessionID      string          `json:"sessionId"`
	UserEventSeq   int64           `json:"userEventSeq"`
	Message        string          `json:"message,omitempty"`
	Attachments    json.RawMessage `json:"attachments,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	OriginEdgeID   string          `json:"originEdgeId,omitempty"`
	Source         string          `json:"source,omitempty"`
}

// SessionResetFrame is an edge→brain `session_reset` frame.
type SessionResetFrame struct {
	RequestID      string `json:"requestId"`
	OrganizationID string `json:"organizationId"`
	UserID         string `json:"userId,omitempty"`
	SessionID      string `json:"sessionId"`
	Mode           string `json:"mode,omitempty"`
	OriginEdgeID   string `json:"originEdgeId,omitempty"`
}

// SessionCancelFrame is an edge→brain `session_cancel` frame.
type SessionCancelFrame struct {
	RequestID      string `json:"requestId"`
	OrganizationID string `json:"organizationId"`
	UserID         string `json:"userId,omitempty"`
	SessionID      string `json:"sessionId"`
	OriginEdgeID   string `json:"originEdgeId,omitempty"`
}

// ExecutorEventFrame passes executor telemetry through to the brain.
type ExecutorEventFrame struct {
	ExecutorID string          `json:"executorId"`
	Event      json.RawMessage `json:"event"`
}

// ToolPolicy constrains an invoked tool's execution environment.
type ToolPolicy struct {
	NetworkModeDefaultDeny bool    `json:"networkModeDefaultDeny"`
	NetworkMode            string  `json:"networkMode,omitempty"`
	TimeoutMs              int     `json:"timeoutMs"`
	OutputMaxChars         int     `json:"outputMaxChars"`
	MountsAllowlist        []Mount `json:"mountsAllowlist"`
}

// Mount is one allowed filesystem mount for tool execution.
type Mount struct {
	Path string `json:"path"`
	Mode string `json:"mode"`
}

// WorkspaceRef describes the workspace state handed to an executor.
type WorkspaceRef struct {
	WorkspaceID string `json:"workspaceId"`
	Version     int64  `json:"version"`
	ObjectKey   string `json:"objectKey,omitempty"`
	Etag        string `json:"etag,omitempty"`
}

// WorkspaceUpload is the pre-signed upload target for the next object.
type WorkspaceUpload struct {
	URL       string `json:"url"`
	ObjectKey string `json:"objectKey"`
	Version   int64  `json:"version"`
}

// WorkspaceAccess bundles pre-signed URLs handed to the executor.
type WorkspaceAccess struct {
	DownloadURL string          `json:"downloadUrl,omitempty"`
	Upload      WorkspaceUpload `json:"upload"`
}

// InvokeToolV2 is the edge→executor tool invocation frame.
type InvokeToolV2 struct {
	RequestID       string          `json:"requestId"`
	ToolPolicy      ToolPolicy      `json:"toolPolicy"`
	Workspace       WorkspaceRef    `json:"workspace"`
	WorkspaceAccess WorkspaceAccess `json:"workspaceAccess"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}

// EngineConfig describes the engine the executor should run a session with.
type EngineConfig struct {
	ID       EngineID        `json:"id"`
	Model    string          `json:"model,omitempty"`
	AuthMode string          `json:"authMode"`
	Runtime  json.RawMessage `json:"runtime,omitempty"`
	Auth     json.RawMessage `json:"auth,omitempty"`
}

// SessionConfig is the payload of a session_open command.
type SessionConfig struct {
	Engine         EngineConfig   `json:"engine"`
	Prompt         SessionPrompt  `json:"prompt"`
	ToolsAllow     []string       `json:"toolsAllow,omitempty"`
	Limits         map[string]int `json:"limits,omitempty"`
	MemoryProvider string         `json:"memoryProvider,omitempty"`
}

// SessionPrompt bundles the system/instructions text for a session open.
type SessionPrompt struct {
	System       string `json:"system,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// ExecutorSessionPayload is the inner payload of an `executor_session` frame;
// exactly one of Open/Turn/Cancel is set, discriminated by Type.
type ExecutorSessionPayload struct {
	Type   string            `json:"type"`
	Open   *SessionOpenMsg   `json:"sessionOpen,omitempty"`
	Turn   *SessionTurnMsg   `json:"sessionTurn,omitempty"`
	Cancel *SessionCancelMsg `json:"sessionCancel,omitempty"`
}

type SessionOpenMsg struct {
	SessionID     string        `json:"sessionId"`
	RequestID     string        `json:"requestId"`
	SessionConfig SessionConfig `json:"sessionConfig"`
}

type SessionTurnMsg struct {
	SessionID string `json:"sessionId"`
	RequestID string `json:"requestId"`
	Message   string `json:"message,omitempty"`
}

type SessionCancelMsg struct {
	SessionID string `json:"sessionId"`
	RequestID string `json:"requestId"`
}

// RequestID returns the correlation id of whichever sub-message is set.
func (p ExecutorSessionPayload) RequestID() string {
	if p.Open != nil {
		return p.Open.RequestID
	}
	if p.Turn != nil {
		return p.Turn.RequestID
	}
	if p.Cancel != nil {
		return p.Cancel.RequestID
	}
	return ""
}

// ExecutorInvokeFrame is a brain→edge `executor_invoke` frame.
type ExecutorInvokeFrame struct {
	ExecutorID string       `json:"executorId"`
	Invoke     InvokeToolV2 `json:"invoke"`
}

// ExecutorSessionFrame is a brain→edge `executor_session` frame.
type ExecutorSessionFrame struct {
	ExecutorID string                 `json:"executorId"`
	Payload    ExecutorSessionPayload `json:"payload"`
}

// ClientBroadcastFrame is a brain→edge `client_broadcast` frame.
type ClientBroadcastFrame struct {
	SessionID string          `json:"sessionId"`
	Event     json.RawMessage `json:"event"`
}

// WorkflowReplyFrame is a brain→edge `workflow_reply` frame.
type WorkflowReplyFrame struct {
	RequestID string        `json:"requestId"`
	Response  ReplyEnvelope `json:"response"`
}

// ChannelOutboundFrame routes a reply back to its originating channel.
type ChannelOutboundFrame struct {
	OrganizationID  string `json:"organizationId"`
	SessionID       string `json:"sessionId"`
	SessionEventSeq int64  `json:"sessionEventSeq"`
	Source          string `json:"source"`
	Text            string `json:"text"`
}

// AgentRunEnv carries the environment the workflow-run payload expects.
type AgentRunEnv struct {
	GithubAPIBaseURL string `json:"githubApiBaseUrl"`
}

// AgentRunPayload is the `agent.run` dispatch.payload shape (spec §4.4).
type AgentRunPayload struct {
	NodeID       string          `json:"nodeId"`
	Node         json.RawMessage `json:"node"`
	RunID        string          `json:"runId"`
	WorkflowID   string          `json:"workflowId"`
	AttemptCount int             `json:"attemptCount"`
	Env          AgentRunEnv     `json:"env"`
	SecretRefs   []string        `json:"secretRefs,omitempty"`
}
