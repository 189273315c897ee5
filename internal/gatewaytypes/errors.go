package gatewaytypes

import "fmt"

// ErrorCode is a member of the gateway's fixed error taxonomy (spec §7).
type ErrorCode string

const (
	ErrNoExecutorAvailable       ErrorCode = "NO_EXECUTOR_AVAILABLE"
	ErrExecutorOverCapacity      ErrorCode = "EXECUTOR_OVER_CAPACITY"
	ErrOrgQuotaExceeded          ErrorCode = "ORG_QUOTA_EXCEEDED"
	ErrExecutorOAuthNotVerified  ErrorCode = "EXECUTOR_OAUTH_NOT_VERIFIED"
	ErrPinnedAgentOffline        ErrorCode = "PINNED_AGENT_OFFLINE"
	ErrNodeExecutionTimeout      ErrorCode = "NodeExecutionTimeout"
	ErrNodeExecutionFailed       ErrorCode = "NodeExecutionFailed"
	ErrWorkspaceLocked           ErrorCode = "WORKSPACE_LOCKED"
	ErrWorkspaceVersionConflict  ErrorCode = "WORKSPACE_VERSION_CONFLICT"
	ErrWorkspaceS3NotConfigured  ErrorCode = "WORKSPACE_S3_NOT_CONFIGURED"
	ErrExecutorUnsupportedEngine ErrorCode = "ExecutorUnsupportedEngine"
	ErrInvalidAgentRunPayload    ErrorCode = "INVALID_AGENT_RUN_PAYLOAD"
	ErrInvalidBlockKind          ErrorCode = "INVALID_BLOCK_KIND"
	ErrUnsupportedKind           ErrorCode = "UNSUPPORTED_KIND"
	ErrGatewayTimeout            ErrorCode = "GATEWAY_TIMEOUT"
	ErrGatewayResponseInvalid    ErrorCode = "GATEWAY_RESPONSE_INVALID"
	ErrTurnCanceled              ErrorCode = "TURN_CANCELED"
	ErrNoAgentAvailable          ErrorCode = "NO_AGENT_AVAILABLE"
)

// GatewayError is the tagged result type used instead of exceptions
// throughout the scheduler and brain runtime (spec §9 "Replacing exceptions").
type GatewayError struct {
	Code    ErrorCode
	Message string
}

func (e *GatewayError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a GatewayError for code with an optional detail message.
func NewError(code ErrorCode, message string) *GatewayError {
	return &GatewayError{Code: code, Message: message}
}

// CodeOf extracts the ErrorCode from err if it is a *GatewayError, else "".
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	if ge, ok := err.(*GatewayError); ok {
		return ge.Code
	}
	return ""
}

// httpStatusByCode maps the error taxonomy to the internal HTTP surface's
// status codes (spec §6.2), following the teacher's small errorCode→status
// lookup table pattern.
var httpStatusByCode = map[ErrorCode]int{
	ErrGatewayTimeout:         504,
	ErrNodeExecutionTimeout:   504,
	ErrInvalidAgentRunPayload: 400,
	ErrInvalidBlockKind:       400,
	ErrUnsupportedKind:        400,
	ErrGatewayResponseInvalid: 502,
}

// HTTPStatus returns the HTTP status the internal dispatch API should use
// for code, defaulting to 200 with a failed-status body for anything not
// explicitly mapped (the taxonomy is mostly surfaced in-band, not via
// status code).
func HTTPStatus(code ErrorCode) int {
	if status, ok := httpStatusByCode[code]; ok {
		return status
	}
	return 200
}
