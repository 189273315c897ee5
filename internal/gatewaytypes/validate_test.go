package gatewaytypes

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAgentRunPayloadAcceptsCompletePayload(t *testing.T) {
	raw := json.RawMessage(`{
		"nodeId": "n1",
		"node": {"engineId": "gateway.codex.v2"},
		"runId": "r1",
		"workflowId": "w1",
		"attemptCount": 1,
		"env": {"githubApiBaseUrl": "https://api.github.com"},
		"secretRefs": ["s1"]
	}`)
	payload, err := ValidateAgentRunPayload(raw)
	require.NoError(t, err)
	assert.Equal(t, "n1", payload.NodeID)
	assert.Equal(t, "r1", payload.RunID)
	assert.Equal(t, 1, payload.AttemptCount)
	assert.Equal(t, "https://api.github.com", payload.Env.GithubAPIBaseURL)
	assert.Equal(t, []string{"s1"}, payload.SecretRefs)
}

func TestValidateAgentRunPayloadRejectsMissingEnv(t *testing.T) {
	raw := json.RawMessage(`{"nodeId":"n1","runId":"r1","attemptCount":1}`)
	_, err := ValidateAgentRunPayload(raw)
	require.Error(t, err)
	assert.Equal(t, ErrInvalidAgentRunPayload, CodeOf(err))
}

func TestValidateAgentRunPayloadRejectsEmpty(t *testing.T) {
	_, err := ValidateAgentRunPayload(nil)
	require.Error(t, err)
	assert.Equal(t, ErrInvalidAgentRunPayload, CodeOf(err))
}

func TestValidateWorkspaceAck(t *testing.T) {
	ack, err := ValidateWorkspaceAck(json.RawMessage(`{"version":1,"objectKey":"o/w/v1","etag":"e"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1), ack.Version)
	assert.Equal(t, "o/w/v1", ack.ObjectKey)

	_, err = ValidateWorkspaceAck(json.RawMessage(`{"version":"one"}`))
	require.Error(t, err)
	assert.Equal(t, ErrGatewayResponseInvalid, CodeOf(err))

	ack, err = ValidateWorkspaceAck(nil)
	require.NoError(t, err)
	assert.Nil(t, ack, "an absent ack is not an error")
}

func TestEngineTableRows(t *testing.T) {
	codex := EngineTable[EngineCodexV2]
	assert.True(t, codex.Valid)
	assert.True(t, codex.RequiresExecutorOAuth)

	opencode := EngineTable[EngineOpenCodeV2]
	assert.True(t, opencode.Valid)
	assert.False(t, opencode.RequiresExecutorOAuth)

	_, known := EngineTable["gateway.other.v1"]
	assert.False(t, known)
}

func TestHTTPStatusMapsTimeoutsAndDefaults(t *testing.T) {
	assert.Equal(t, 504, HTTPStatus(ErrGatewayTimeout))
	assert.Equal(t, 504, HTTPStatus(ErrNodeExecutionTimeout))
	assert.Equal(t, 400, HTTPStatus(ErrInvalidAgentRunPayload))
	assert.Equal(t, 200, HTTPStatus(ErrOrgQuotaExceeded), "capacity errors surface in-band")
}

func TestExecutorSessionPayloadRequestID(t *testing.T) {
	open := ExecutorSessionPayload{Open: &SessionOpenMsg{RequestID: "r-open"}}
	assert.Equal(t, "r-open", open.RequestID())

	turn := ExecutorSessionPayload{Turn: &SessionTurnMsg{RequestID: "r-turn"}}
	assert.Equal(t, "r-turn", turn.RequestID())

	cancel := ExecutorSessionPayload{Cancel: &SessionCancelMsg{RequestID: "r-cancel"}}
	assert.Equal(t, "r-cancel", cancel.RequestID())

	assert.Empty(t, ExecutorSessionPayload{}.RequestID())
}

func TestRouteOAuthVerification(t *testing.T) {
	route := &ExecutorRoute{
		EngineAuth: map[EngineID]EngineAuthStatus{
			EngineCodexV2:  {OAuthVerified: true},
			EngineClaudeV2: {OAuthVerified: false},
		},
	}
	assert.True(t, route.IsOAuthVerified(EngineCodexV2))
	assert.False(t, route.IsOAuthVerified(EngineClaudeV2))
	assert.False(t, route.IsOAuthVerified(EngineOpenCodeV2), "an engine never reported is unverified")
}
