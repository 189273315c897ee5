package edge

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/ocx/gatewayd/internal/bus"
	"github.com/ocx/gatewayd/internal/gatewaytypes"
	"github.com/ocx/gatewayd/internal/portal"
	"github.com/ocx/gatewayd/internal/results"
	"github.com/ocx/gatewayd/internal/scheduler"
)

// HTTPAPIDeps bundles the collaborators the internal dispatch API calls out
// to. Workflow engines and channel webhooks are the only internal callers;
// client/executor traffic never touches this surface.
type HTTPAPIDeps struct {
	Bus            bus.Bus
	ToBrain        BrainPublisher
	Results        *results.Store
	Scheduler      *scheduler.Scheduler
	ListRoutes     scheduler.ListRoutesFn
	DefaultPools   []gatewaytypes.Pool
	Channels       portal.ChannelIngress
	EdgeID         string
	DefaultTimeout time.Duration
	Redis          interface {
		Ping(ctx context.Context) error
	}
}

// NewRouter builds the internal HTTP dispatch API, gorilla/mux-routed the way
// the teacher's cmd/api wires its REST surface, service-token guarded except
// for /healthz and the channel-ingress webhook receiver.
func NewRouter(deps HTTPAPIDeps, serviceToken string, rateLimiter *OrgRateLimiter) *mux.Router {
	r := mux.NewRouter()
	api := &httpAPI{deps: deps}

	r.HandleFunc("/healthz", api.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/ingress/channels/{channelId}/{accountKey}", api.handleChannelIngress).Methods(http.MethodPost)

	internal := r.PathPrefix("/internal/v1").Subrouter()
	internal.Use(RequireServiceToken(serviceToken))
	if rateLimiter != nil {
		internal.Use(rateLimiter.Middleware(orgFromBody))
	}
	internal.HandleFunc("/dispatch", api.handleDispatch).Methods(http.MethodPost)
	internal.HandleFunc("/dispatch-async", api.handleDispatchAsync).Methods(http.MethodPost)
	internal.HandleFunc("/results/{requestId}", api.handleGetResult).Methods(http.MethodGet)
	internal.HandleFunc("/executors/routes", api.handleListRoutes).Methods(http.MethodGet)
	internal.HandleFunc("/sessions/send", api.handleSessionSend).Methods(http.MethodPost)
	internal.HandleFunc("/channels/test-send", api.handleChannelTestSend).Methods(http.MethodPost)

	return r
}

type httpAPI struct {
	deps HTTPAPIDeps
}

// orgFromBody is a placeholder organization extractor for the rate limiter
// middleware; the internal API's callers are trusted workflow/channel
// services rather than per-tenant browsers, so rate limiting here guards
// against a single misbehaving caller rather than enforcing tenant fairness.
func orgFromBody(r *http.Request) string {
	return r.Header.Get("x-organization-id")
}

func (a *httpAPI) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	degraded := false
	if a.deps.Redis != nil {
		if err := a.deps.Redis.Ping(ctx); err != nil {
			degraded = true
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "edgeId": a.deps.EdgeID, "degraded": degraded})
}

func (a *httpAPI) handleChannelIngress(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "failed to read body"})
		return
	}
	if a.deps.Channels == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "channel ingress not configured"})
		return
	}
	if err := a.deps.Channels.HandleInbound(r.Context(), vars["channelId"], vars["accountKey"], body); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "accepted"})
}

// dispatchRequest is the internal API's dispatch request body, mirroring
// gatewaytypes.Dispatch field for field.
type dispatchRequest struct {
	OrganizationID string          `json:"organizationId"`
	Kind           string          `json:"kind"`
	RunID          string          `json:"runId"`
	WorkflowID     string          `json:"workflowId,omitempty"`
	NodeID         string          `json:"nodeId"`
	AttemptCount   int             `json:"attemptCount"`
	TimeoutMs      int             `json:"timeoutMs,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// decodeDispatch parses the request body and computes the idempotent
// requestId = runId:nodeId:attemptCount (spec §9 "Distributed request/
// reply"). Returns ok=false after writing a 400 response itself.
func (a *httpAPI) decodeDispatch(w http.ResponseWriter, r *http.Request) (req dispatchRequest, requestID string, ok bool) {
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return req, "", false
	}
	return req, results.RequestID(req.RunID, req.NodeID, req.AttemptCount), true
}

func (a *httpAPI) publishDispatch(req dispatchRequest, requestID string, async bool) error {
	frame := gatewaytypes.WorkflowDispatchFrame{
		RequestID: requestID,
		Async:     async,
		Dispatch: gatewaytypes.Dispatch{
			Kind:           req.Kind,
			OrganizationID: req.OrganizationID,
			RunID:          req.RunID,
			WorkflowID:     req.WorkflowID,
			NodeID:         req.NodeID,
			AttemptCount:   req.AttemptCount,
			TimeoutMs:      req.TimeoutMs,
			Payload:        req.Payload,
		},
	}
	return a.deps.ToBrain.PublishToBrain(frame)
}

// handleDispatch implements spec §6.2 `POST /internal/v1/dispatch`:
// synchronous, polling the reply key until it appears or the deadline
// passes (200 on success, 504/mapped error status on timeout).
func (a *httpAPI) handleDispatch(w http.ResponseWriter, r *http.Request) {
	req, requestID, ok := a.decodeDispatch(w, r)
	if !ok {
		return
	}

	if cached, err := a.deps.Results.Get(r.Context(), requestID); err == nil {
		writeJSON(w, http.StatusOK, cached)
		return
	}

	if err := a.publishDispatch(req, requestID, false); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": "failed to enqueue dispatch"})
		return
	}

	const maxDispatchTimeout = 10 * time.Minute
	timeout := a.deps.DefaultTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	if timeout > maxDispatchTimeout {
		timeout = maxDispatchTimeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	envelope, err := results.AwaitReply(ctx, a.deps.Bus, requestID)
	if err != nil {
		code := gatewaytypes.CodeOf(err)
		if code == "" {
			code = gatewaytypes.ErrGatewayTimeout
		}
		writeJSON(w, gatewaytypes.HTTPStatus(code), gatewaytypes.ReplyEnvelope{
			Status: gatewaytypes.ReplyFailed,
			Error:  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, envelope)
}

// handleDispatchAsync implements spec §6.2 `POST /internal/v1/dispatch-async`:
// 201 `{requestId, dispatched: true}` on a fresh dispatch, or 200
// `{requestId, dispatched: false, cached: true}` when the results cache
// already has a response for this requestId.
func (a *httpAPI) handleDispatchAsync(w http.ResponseWriter, r *http.Request) {
	req, requestID, ok := a.decodeDispatch(w, r)
	if !ok {
		return
	}

	if _, err := a.deps.Results.Get(r.Context(), requestID); err == nil {
		writeJSON(w, http.StatusOK, map[string]any{"requestId": requestID, "dispatched": false, "cached": true})
		return
	}

	if err := a.publishDispatch(req, requestID, true); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": "failed to enqueue dispatch"})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"requestId": requestID, "dispatched": true})
}

func (a *httpAPI) handleGetResult(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["requestId"]
	envelope, err := a.deps.Results.Get(r.Context(), requestID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "result not found"})
		return
	}
	writeJSON(w, http.StatusOK, envelope)
}

func (a *httpAPI) handleListRoutes(w http.ResponseWriter, r *http.Request) {
	organizationID := r.URL.Query().Get("organizationId")
	ctx := r.Context()

	all := []*gatewaytypes.ExecutorRoute{}
	for _, pool := range a.deps.DefaultPools {
		if pool == gatewaytypes.PoolBYON && organizationID == "" {
			continue // byon listing requires a tenant filter
		}
		routes, err := a.deps.Scheduler.ListRoutes(ctx, pool, organizationID, a.deps.ListRoutes)
		if err != nil {
			writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error()})
			return
		}
		all = append(all, routes...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"routes": all})
}

type sessionSendRequest struct {
	OrganizationID string          `json:"organizationId"`
	SessionID      string          `json:"sessionId"`
	Message        string          `json:"message"`
	Attachments    json.RawMessage `json:"attachments,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	Source         string          `json:"source,omitempty"`
}

func (a *httpAPI) handleSessionSend(w http.ResponseWriter, r *http.Request) {
	var req sessionSendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}
	requestID := uuid.NewString()
	frame := gatewaytypes.SessionSendFrame{
		RequestID:      requestID,
		OrganizationID: req.OrganizationID,
		SessionID:      req.SessionID,
		Message:        req.Message,
		Attachments:    req.Attachments,
		IdempotencyKey: req.IdempotencyKey,
		OriginEdgeID:   a.deps.EdgeID,
		Source:         req.Source,
	}
	if err := a.deps.ToBrain.PublishToBrain(frame); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": "failed to enqueue session_send"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"requestId": requestID})
}

func (a *httpAPI) handleChannelTestSend(w http.ResponseWriter, r *http.Request) {
	var frame gatewaytypes.ChannelOutboundFrame
	if err := json.NewDecoder(r.Body).Decode(&frame); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}
	if a.deps.Channels == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "channel ingress not configured"})
		return
	}
	if err := a.deps.Channels.SendOutbound(r.Context(), frame); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "sent"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
