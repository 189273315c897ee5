package edge

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/gatewayd/internal/bus"
	"github.com/ocx/gatewayd/internal/gatewaytypes"
	"github.com/ocx/gatewayd/internal/results"
	"github.com/ocx/gatewayd/internal/scheduler"
)

type memKV struct {
	mu   sync.Mutex
	vals map[string][]byte
}

func newMemKV() *memKV { return &memKV{vals: map[string][]byte{}} }

func (k *memKV) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.vals[key] = value
	return nil
}

func (k *memKV) Get(_ context.Context, key string) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	v, ok := k.vals[key]
	if !ok {
		return nil, bus.ErrNotFound
	}
	return v, nil
}

func (k *memKV) SetNX(_ context.Context, key string, value []byte, _ time.Duration) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.vals[key]; ok {
		return false, nil
	}
	k.vals[key] = value
	return true, nil
}

func (k *memKV) Del(_ context.Context, keys ...string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, key := range keys {
		delete(k.vals, key)
	}
	return nil
}

// kvBus adds no-op stream/presence methods so memKV satisfies bus.Bus for
// HTTPAPIDeps.
type kvBus struct{ *memKV }

func (kvBus) Append(context.Context, string, []byte) error         { return nil }
func (kvBus) EnsureGroup(context.Context, string, string) error    { return nil }
func (kvBus) Ack(context.Context, string, string, ...string) error { return nil }
func (kvBus) ReadGroup(context.Context, string, string, string, int, int) ([]bus.Message, error) {
	return nil, nil
}
func (kvBus) Add(context.Context, string, string, time.Duration) error { return nil }
func (kvBus) Remove(context.Context, string, string) error             { return nil }
func (kvBus) Members(context.Context, string) ([]string, error)        { return nil, nil }

// recordingPublisher counts published frames and, when respond is set, plays
// the brain by writing the reply key the edge is about to poll.
type recordingPublisher struct {
	mu      sync.Mutex
	frames  []interface{}
	respond func(frame interface{})
}

func (p *recordingPublisher) PublishToBrain(frame interface{}) error {
	p.mu.Lock()
	p.frames = append(p.frames, frame)
	respond := p.respond
	p.mu.Unlock()
	if respond != nil {
		respond(frame)
	}
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}

const testServiceToken = "svc-token"

func newTestRouter(t *testing.T, kv *memKV, publisher *recordingPublisher) (http.Handler, *results.Store) {
	t.Helper()
	resultsStore := results.New(kv, time.Minute)
	b := kvBus{kv}
	router := NewRouter(HTTPAPIDeps{
		Bus:            b,
		ToBrain:        publisher,
		Results:        resultsStore,
		Scheduler:      scheduler.New(kv),
		ListRoutes:     func(context.Context, gatewaytypes.Pool, string) ([]string, error) { return nil, nil },
		DefaultPools:   []gatewaytypes.Pool{gatewaytypes.PoolBYON, gatewaytypes.PoolManaged},
		EdgeID:         "edge-test",
		DefaultTimeout: 2 * time.Second,
	}, testServiceToken, nil)
	return router, resultsStore
}

func authedRequest(method, target string, body []byte) *http.Request {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	req.Header.Set("x-gateway-token", testServiceToken)
	return req
}

func TestHealthzReportsEdgeID(t *testing.T) {
	router, _ := newTestRouter(t, newMemKV(), &recordingPublisher{})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "edge-test", body["edgeId"])
}

func TestDispatchRejectsMissingServiceToken(t *testing.T) {
	router, _ := newTestRouter(t, newMemKV(), &recordingPublisher{})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/internal/v1/dispatch", bytes.NewReader([]byte(`{}`))))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDispatchSyncRoundTrip(t *testing.T) {
	kv := newMemKV()
	publisher := &recordingPublisher{
		respond: func(frame interface{}) {
			f := frame.(gatewaytypes.WorkflowDispatchFrame)
			_ = results.PutReply(context.Background(), kv, f.RequestID, gatewaytypes.ReplyEnvelope{
				Status: gatewaytypes.ReplySucceeded,
				Output: json.RawMessage(`{"ok":true}`),
			}, time.Minute)
		},
	}
	router, _ := newTestRouter(t, kv, publisher)

	body := []byte(`{"kind":"connector.action","organizationId":"o","runId":"r","workflowId":"w","nodeId":"n","attemptCount":1,"payload":{"connectorId":"c","actionId":"a"}}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodPost, "/internal/v1/dispatch", body))

	require.Equal(t, http.StatusOK, rec.Code)
	var env gatewaytypes.ReplyEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, gatewaytypes.ReplySucceeded, env.Status)
	assert.JSONEq(t, `{"ok":true}`, string(env.Output))

	published := publisher.frames[0].(gatewaytypes.WorkflowDispatchFrame)
	assert.Equal(t, "r:n:1", published.RequestID)
	assert.False(t, published.Async)
}

func TestDispatchSyncServedFromCacheWithoutRepublish(t *testing.T) {
	kv := newMemKV()
	publisher := &recordingPublisher{}
	router, resultsStore := newTestRouter(t, kv, publisher)

	require.NoError(t, resultsStore.Put(context.Background(), "r:n:1", gatewaytypes.ReplyEnvelope{
		Status: gatewaytypes.ReplySucceeded,
		Output: json.RawMessage(`{"cached":true}`),
	}))

	body := []byte(`{"kind":"connector.action","organizationId":"o","runId":"r","nodeId":"n","attemptCount":1}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodPost, "/internal/v1/dispatch", body))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, publisher.count(), "a cached requestId must not re-invoke the executor")
	var env gatewaytypes.ReplyEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.JSONEq(t, `{"cached":true}`, string(env.Output))
}

func TestDispatchSyncTimesOutWith504(t *testing.T) {
	router, _ := newTestRouter(t, newMemKV(), &recordingPublisher{})

	body := []byte(`{"kind":"connector.action","organizationId":"o","runId":"r","nodeId":"n","attemptCount":1,"timeoutMs":100}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodPost, "/internal/v1/dispatch", body))

	require.Equal(t, http.StatusGatewayTimeout, rec.Code)
	var env gatewaytypes.ReplyEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, gatewaytypes.ReplyFailed, env.Status)
}

func TestDispatchAsyncFreshAndCached(t *testing.T) {
	kv := newMemKV()
	publisher := &recordingPublisher{}
	router, resultsStore := newTestRouter(t, kv, publisher)

	body := []byte(`{"kind":"connector.action","organizationId":"o","runId":"r","nodeId":"n","attemptCount":2}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodPost, "/internal/v1/dispatch-async", body))

	require.Equal(t, http.StatusCreated, rec.Code)
	var fresh struct {
		RequestID  string `json:"requestId"`
		Dispatched bool   `json:"dispatched"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fresh))
	assert.Equal(t, "r:n:2", fresh.RequestID)
	assert.True(t, fresh.Dispatched)
	published := publisher.frames[0].(gatewaytypes.WorkflowDispatchFrame)
	assert.True(t, published.Async)

	// Once the result is cached, the same dispatch is a no-op.
	require.NoError(t, resultsStore.Put(context.Background(), "r:n:2", gatewaytypes.ReplyEnvelope{Status: gatewaytypes.ReplySucceeded}))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodPost, "/internal/v1/dispatch-async", body))

	require.Equal(t, http.StatusOK, rec.Code)
	var cached struct {
		Dispatched bool `json:"dispatched"`
		Cached     bool `json:"cached"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cached))
	assert.False(t, cached.Dispatched)
	assert.True(t, cached.Cached)
	assert.Equal(t, 1, publisher.count())
}

func TestGetResultNotReadyIs404(t *testing.T) {
	router, resultsStore := newTestRouter(t, newMemKV(), &recordingPublisher{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodGet, "/internal/v1/results/r:n:9", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, resultsStore.Put(context.Background(), "r:n:9", gatewaytypes.ReplyEnvelope{Status: gatewaytypes.ReplySucceeded}))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodGet, "/internal/v1/results/r:n:9", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSessionSendInjectorReturnsRequestID(t *testing.T) {
	publisher := &recordingPublisher{}
	router, _ := newTestRouter(t, newMemKV(), publisher)

	body := []byte(`{"organizationId":"o","sessionId":"s","message":"hi"}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodPost, "/internal/v1/sessions/send", body))

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp struct {
		RequestID string `json:"requestId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.RequestID)

	require.Equal(t, 1, publisher.count())
	frame := publisher.frames[0].(gatewaytypes.SessionSendFrame)
	assert.Equal(t, "s", frame.SessionID)
	assert.Equal(t, "edge-test", frame.OriginEdgeID)
	assert.Zero(t, frame.UserEventSeq, "the injector path leaves the user_message append to the brain")
}
