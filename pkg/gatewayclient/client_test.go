package gatewayclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/internal/v1/dispatch", r.URL.Path)
		assert.Equal(t, "svc-token", r.Header.Get("x-gateway-token"))

		var req DispatchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "connector.action", req.Kind)

		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(ReplyEnvelope{Status: "succeeded", Output: json.RawMessage(`{"ok":true}`)})
	}))
	defer srv.Close()

	client := New(Config{EdgeURL: srv.URL, ServiceToken: "svc-token"})
	env, err := client.Dispatch(context.Background(), DispatchRequest{
		OrganizationID: "org-1",
		Kind:           "connector.action",
		RunID:          "r",
		NodeID:         "n",
		AttemptCount:   1,
	})
	require.NoError(t, err)
	assert.Equal(t, "succeeded", env.Status)
	assert.JSONEq(t, `{"ok":true}`, string(env.Output))
}

func TestGetResultNotReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := New(Config{EdgeURL: srv.URL, ServiceToken: "svc-token"})
	_, err := client.GetResult(context.Background(), "r:n:1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "result not ready")
}

func TestSessionSendReturnsRequestID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"requestId": "req-123"})
	}))
	defer srv.Close()

	client := New(Config{EdgeURL: srv.URL, ServiceToken: "svc-token"})
	requestID, err := client.SessionSend(context.Background(), SessionSendRequest{
		OrganizationID: "org-1",
		SessionID:      "sess-1",
		Message:        "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, "req-123", requestID)
}
