package edge

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ocx/gatewayd/internal/gatewaytypes"
	"github.com/ocx/gatewayd/internal/metrics"
)

var executorUpgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 8192,
	CheckOrigin:     func(r *http.Request) bool { return true }, // executors are token-authenticated, not browser clients
}

// ExecutorConn is one authenticated executor socket, single-writer owned by
// the edge that accepted it (spec §5 "Executor sockets are single-writer").
type ExecutorConn struct {
	ExecutorID     string
	Pool           gatewaytypes.Pool
	OrganizationID string // set for byon; the token's UUID prefix names the org
	conn           *websocket.Conn
	send           chan []byte
	closeOnce      sync.Once

	mu        sync.Mutex
	lastRoute *gatewaytypes.ExecutorRoute
}

// ExecutorHub terminates `/ws/executor` connections, maintains the route
// registry, and forwards brain-issued invocations to the right socket.
type ExecutorHub struct {
	mu    sync.RWMutex
	conns map[string]*ExecutorConn

	deps ExecutorHubDeps
	log  *log.Logger
}

// ExecutorHubDeps bundles the collaborators ExecutorHub calls out to.
type ExecutorHubDeps struct {
	Tokens         TokenStore
	Routes         RouteRegistry
	Replies        ReplyStore
	ToBrain        BrainPublisher
	EdgeID         string
	StaleTTL       time.Duration
	MaxInFlightCap int
	Metrics        *metrics.Metrics
}

// TokenStore resolves an executor bearer token's hash to its subject.
type TokenStore interface {
	// Resolve returns executorId (managed) or organizationId (byon), the
	// pool, and whether the token is revoked.
	Resolve(tokenHash string) (subjectID string, pool gatewaytypes.Pool, revoked bool, err error)
}

// RouteRegistry is the subset of internal/scheduler.Scheduler the executor
// hub needs to register/refresh/remove routes.
type RouteRegistry interface {
	RegisterRoute(route *gatewaytypes.ExecutorRoute) error
	DeregisterRoute(executorID string) error
}

// ReplyStore stores reply envelopes and tool/telemetry events under their
// correlation id, first-write-wins (spec §5).
type ReplyStore interface {
	StoreReply(requestID string, envelope gatewaytypes.ReplyEnvelope) error
	ForwardToolEvent(executorID string, event json.RawMessage) error
}

// NewExecutorHub builds an ExecutorHub with deps.
func NewExecutorHub(deps ExecutorHubDeps) *ExecutorHub {
	return &ExecutorHub{
		conns: make(map[string]*ExecutorConn),
		deps:  deps,
		log:   log.New(log.Writer(), "[EXECUTOR-HUB] ", log.LstdFlags),
	}
}

// hashToken computes the stored lookup hash for a bearer token, per spec §9
// "Executor authentication": SHA-256 of the full token, no cleartext stored.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func (h *ExecutorHub) authenticate(r *http.Request) (subjectID string, pool gatewaytypes.Pool, err error) {
	authz := r.Header.Get("Authorization")
	token := strings.TrimPrefix(authz, "Bearer ")
	if token == "" || token == authz {
		return "", "", http.ErrNoCookie
	}
	subjectID, pool, revoked, err := h.deps.Tokens.Resolve(hashToken(token))
	if err != nil {
		return "", "", err
	}
	if revoked {
		return "", "", http.ErrAbortHandler
	}
	return subjectID, pool, nil
}

// HandleWebSocket upgrades and registers an executor connection.
func (h *ExecutorHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	subjectID, pool, err := h.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := executorUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Printf("upgrade failed: %v", err)
		return
	}

	// The token's UUID prefix names the executor itself (managed) or the
	// owning organization (byon); a byon executor gets its globally unique
	// id minted here, on upgrade.
	executorID, organizationID := subjectID, ""
	if pool == gatewaytypes.PoolBYON {
		organizationID = subjectID
		executorID = subjectID + ":" + uuid.NewString()
	}
	ec := &ExecutorConn{ExecutorID: executorID, Pool: pool, OrganizationID: organizationID, conn: conn, send: make(chan []byte, 256)}

	h.mu.Lock()
	h.conns[executorID] = ec
	h.mu.Unlock()
	if h.deps.Metrics != nil {
		h.deps.Metrics.ExecutorsConnected.WithLabelValues(string(pool)).Inc()
	}

	go h.writePump(ec)
	h.readPump(ec)
}

func (h *ExecutorHub) readPump(ec *ExecutorConn) {
	defer h.dropConn(ec)

	ec.conn.SetReadDeadline(time.Now().Add(pongWait))
	ec.conn.SetPongHandler(func(string) error {
		ec.conn.SetReadDeadline(time.Now().Add(pongWait))
		// A live socket keeps its route key alive: each pong re-registers
		// the route, restarting the staleExecutorMs TTL.
		h.refreshRoute(ec)
		return nil
	})

	for {
		_, payload, err := ec.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Printf("read error: %v", err)
			}
			return
		}
		h.handleFrame(ec, payload)
	}
}

func (h *ExecutorHub) writePump(ec *ExecutorConn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ec.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-ec.send:
			ec.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				ec.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := ec.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			ec.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ec.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type executorFrame struct {
	Type        string                                                  `json:"type"`
	RequestID   string                                                  `json:"requestId,omitempty"`
	Code        string                                                  `json:"code,omitempty"`
	Labels      []string                                                `json:"labels,omitempty"`
	Kinds       []gatewaytypes.ExecutorKind                             `json:"kinds,omitempty"`
	MaxInFlight int                                                     `json:"maxInFlight,omitempty"`
	EngineAuth  map[gatewaytypes.EngineID]gatewaytypes.EngineAuthStatus `json:"engineAuth,omitempty"`
	Status      gatewaytypes.ReplyStatus                                `json:"status,omitempty"`
	Output      json.RawMessage                                         `json:"output,omitempty"`
	Error       string                                                  `json:"error,omitempty"`
	Content     json.RawMessage                                         `json:"content,omitempty"`
	Workspace   json.RawMessage                                         `json:"workspace,omitempty"`
	Event       json.RawMessage                                         `json:"event,omitempty"`
}

func (h *ExecutorHub) handleFrame(ec *ExecutorConn, payload []byte) {
	var f executorFrame
	if err := json.Unmarshal(payload, &f); err != nil {
		h.log.Printf("invalid frame from %s: %v", ec.ExecutorID, err)
		return
	}

	switch f.Type {
	case gatewaytypes.FrameExecutorHelloV2:
		h.handleHello(ec, f)
	case gatewaytypes.FrameToolResultV2, gatewaytypes.FrameSessionOpened,
		gatewaytypes.FrameTurnFinal, gatewaytypes.FrameTurnError,
		gatewaytypes.FrameMemorySyncResult, gatewaytypes.FrameMemoryQueryResult:
		h.storeReply(f)
		h.refreshRoute(ec)
	case gatewaytypes.FrameToolEventV2:
		_ = h.deps.Replies.ForwardToolEvent(ec.ExecutorID, f.Event)
	}
}

func (h *ExecutorHub) handleHello(ec *ExecutorConn, f executorFrame) {
	route := &gatewaytypes.ExecutorRoute{
		ExecutorID:     ec.ExecutorID,
		Pool:           ec.Pool,
		OrganizationID: ec.OrganizationID,
		EdgeID:         h.deps.EdgeID,
		Labels:         f.Labels,
		Kinds:          f.Kinds,
		MaxInFlight:    h.clipMaxInFlight(f.MaxInFlight),
		EngineAuth:     f.EngineAuth,
		LastSeenAtMs:   time.Now().UnixMilli(),
	}
	ec.mu.Lock()
	if prev := ec.lastRoute; prev != nil {
		if diff := capabilityDiff(prev, route); diff != "" {
			h.log.Printf("executor %s capabilities changed: %s", ec.ExecutorID, diff)
		}
	}
	ec.lastRoute = route
	ec.mu.Unlock()
	if err := h.deps.Routes.RegisterRoute(route); err != nil {
		h.log.Printf("register route failed for %s: %v", ec.ExecutorID, err)
	}
}

// capabilityDiff summarizes label/kind/capacity changes between two hellos.
func capabilityDiff(prev, next *gatewaytypes.ExecutorRoute) string {
	var parts []string
	if !equalStrings(prev.Labels, next.Labels) {
		parts = append(parts, fmt.Sprintf("labels %v -> %v", prev.Labels, next.Labels))
	}
	kindsChanged := len(prev.Kinds) != len(next.Kinds)
	for i := 0; !kindsChanged && i < len(prev.Kinds); i++ {
		kindsChanged = prev.Kinds[i] != next.Kinds[i]
	}
	if kindsChanged {
		parts = append(parts, fmt.Sprintf("kinds %v -> %v", prev.Kinds, next.Kinds))
	}
	if prev.MaxInFlight != next.MaxInFlight {
		parts = append(parts, fmt.Sprintf("maxInFlight %d -> %d", prev.MaxInFlight, next.MaxInFlight))
	}
	return strings.Join(parts, ", ")
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// refreshRoute re-registers the executor's last-announced route with a fresh
// LastSeenAtMs, restarting its TTL. A no-op before the first hello.
func (h *ExecutorHub) refreshRoute(ec *ExecutorConn) {
	ec.mu.Lock()
	route := ec.lastRoute
	ec.mu.Unlock()
	if route == nil {
		return
	}
	refreshed := *route
	refreshed.LastSeenAtMs = time.Now().UnixMilli()
	if err := h.deps.Routes.RegisterRoute(&refreshed); err != nil {
		h.log.Printf("refresh route failed for %s: %v", ec.ExecutorID, err)
	}
}

// clipMaxInFlight enforces spec §3's "maxInFlight (positive integer clipped
// to a server cap)" — an executor cannot self-declare unbounded capacity.
func (h *ExecutorHub) clipMaxInFlight(v int) int {
	if v <= 0 {
		v = 1
	}
	if h.deps.MaxInFlightCap > 0 && v > h.deps.MaxInFlightCap {
		return h.deps.MaxInFlightCap
	}
	return v
}

func (h *ExecutorHub) storeReply(f executorFrame) {
	env := gatewaytypes.ReplyEnvelope{
		Status:  f.Status,
		Output:  f.Output,
		Error:   f.Error,
		Content: f.Content,
	}
	// turn_error frames carry a code rather than an error string; turn_final
	// and turn_error imply their status when the executor omits one.
	if env.Error == "" && f.Code != "" {
		env.Error = f.Code
	}
	if env.Status == "" {
		switch f.Type {
		case gatewaytypes.FrameTurnError:
			env.Status = gatewaytypes.ReplyFailed
		default:
			env.Status = gatewaytypes.ReplySucceeded
		}
	}
	if len(f.Workspace) > 0 {
		if ack, err := gatewaytypes.ValidateWorkspaceAck(f.Workspace); err == nil {
			env.Workspace = ack
		}
	}
	if f.RequestID == "" {
		return
	}
	if err := h.deps.Replies.StoreReply(f.RequestID, env); err != nil {
		h.log.Printf("store reply failed for %s: %v", f.RequestID, err)
	}
}

// Send delivers payload to the socket for executorID. If the send buffer is
// full or the executor is unknown, the caller should treat this as a failed
// send and fill the reply key with NO_AGENT_AVAILABLE (spec §4.3).
func (h *ExecutorHub) Send(executorID string, payload any) bool {
	h.mu.RLock()
	ec := h.conns[executorID]
	h.mu.RUnlock()
	if ec == nil {
		return false
	}
	select {
	case ec.send <- mustMarshal(payload):
		return true
	default:
		h.dropConn(ec)
		return false
	}
}

func (h *ExecutorHub) dropConn(ec *ExecutorConn) {
	h.mu.Lock()
	removed := h.conns[ec.ExecutorID] == ec
	if removed {
		delete(h.conns, ec.ExecutorID)
	}
	h.mu.Unlock()
	// dropConn can fire twice for one socket (failed send + read-pump exit);
	// only the call that actually removed the entry moves the gauge.
	if removed && h.deps.Metrics != nil {
		h.deps.Metrics.ExecutorsConnected.WithLabelValues(string(ec.Pool)).Dec()
	}

	_ = h.deps.Routes.DeregisterRoute(ec.ExecutorID)

	ec.closeOnce.Do(func() {
		close(ec.send)
		ec.conn.Close()
	})
}
