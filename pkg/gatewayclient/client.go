// Package gatewayclient is a thin client for the internal dispatch HTTP API
// (spec §6.2), for workflow engines and other internal callers that would
// otherwise hand-roll the x-gateway-token header and requestId plumbing
// themselves. Grounded on the teacher's pkg/sdk.Client: a Config struct, an
// http.Client with a default timeout, and one method per REST operation
// returning a typed result or a wrapped error.
package gatewayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Config holds the client's connection settings.
type Config struct {
	// EdgeURL is the base URL of any edge process (internal load balancer
	// or a specific edge instance). Required.
	EdgeURL string
	// ServiceToken is sent as x-gateway-token on every request. Required.
	ServiceToken string
	// Timeout bounds each HTTP call; defaults to 65s (safely above the
	// gateway's own default dispatch timeout of 60s).
	Timeout time.Duration
}

// Client calls the gateway's internal dispatch HTTP API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// New builds a Client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 65 * time.Second
	}
	return &Client{cfg: cfg, httpClient: &http.Client{Timeout: cfg.Timeout}}
}

// DispatchRequest mirrors the internal API's dispatch request body.
type DispatchRequest struct {
	OrganizationID string          `json:"organizationId"`
	Kind           string          `json:"kind"`
	RunID          string          `json:"runId"`
	WorkflowID     string          `json:"workflowId,omitempty"`
	NodeID         string          `json:"nodeId"`
	AttemptCount   int             `json:"attemptCount"`
	TimeoutMs      int             `json:"timeoutMs,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// ReplyEnvelope mirrors gatewaytypes.ReplyEnvelope without importing the
// internal package (pkg/ must not depend on internal/).
type ReplyEnvelope struct {
	Status  string          `json:"status"`
	Output  json.RawMessage `json:"output,omitempty"`
	Error   string          `json:"error,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

// Dispatch calls POST /internal/v1/dispatch and blocks for the reply.
func (c *Client) Dispatch(ctx context.Context, req DispatchRequest) (*ReplyEnvelope, error) {
	var env ReplyEnvelope
	if err := c.post(ctx, "/internal/v1/dispatch", req, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// DispatchAsyncResult is the response shape of POST /internal/v1/dispatch-async.
type DispatchAsyncResult struct {
	RequestID  string `json:"requestId"`
	Dispatched bool   `json:"dispatched"`
	Cached     bool   `json:"cached,omitempty"`
}

// DispatchAsync calls POST /internal/v1/dispatch-async, returning immediately.
func (c *Client) DispatchAsync(ctx context.Context, req DispatchRequest) (*DispatchAsyncResult, error) {
	var out DispatchAsyncResult
	if err := c.post(ctx, "/internal/v1/dispatch-async", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetResult calls GET /internal/v1/results/:requestId. A 404 is reported as
// an error carrying "result not ready" so callers can distinguish it from a
// transport failure by string-matching, matching the teacher SDK's plain
// error style.
func (c *Client) GetResult(ctx context.Context, requestID string) (*ReplyEnvelope, error) {
	url := fmt.Sprintf("%s/internal/v1/results/%s", c.cfg.EdgeURL, requestID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("gatewayclient: build request: %w", err)
	}
	httpReq.Header.Set("x-gateway-token", c.cfg.ServiceToken)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gatewayclient: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("gatewayclient: result not ready for %s", requestID)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("gatewayclient: read response: %w", err)
	}
	var env ReplyEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("gatewayclient: parse response: %w", err)
	}
	return &env, nil
}

// SessionSendRequest mirrors the internal API's session send body.
type SessionSendRequest struct {
	OrganizationID string          `json:"organizationId"`
	SessionID      string          `json:"sessionId"`
	Message        string          `json:"message"`
	Attachments    json.RawMessage `json:"attachments,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	Source         string          `json:"source,omitempty"`
}

// SessionSend calls POST /internal/v1/sessions/send.
func (c *Client) SessionSend(ctx context.Context, req SessionSendRequest) (string, error) {
	var out struct {
		RequestID string `json:"requestId"`
	}
	if err := c.post(ctx, "/internal/v1/sessions/send", req, &out); err != nil {
		return "", err
	}
	return out.RequestID, nil
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("gatewayclient: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.EdgeURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("gatewayclient: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-gateway-token", c.cfg.ServiceToken)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("gatewayclient: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("gatewayclient: read response: %w", err)
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("gatewayclient: parse response: %w", err)
	}
	return nil
}
