package edge

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ocx/gatewayd/internal/gatewaytypes"
	"github.com/ocx/gatewayd/internal/metrics"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

var clientUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     buildCheckOrigin(),
}

// buildCheckOrigin validates the WebSocket Origin header in production,
// allowing all origins with a warning otherwise — the teacher's
// internal/fabric.buildCheckOrigin pattern, generalized to the gateway's
// GATEWAY_ALLOWED_ORIGINS list.
func buildCheckOrigin() func(r *http.Request) bool {
	env := os.Getenv("GATEWAY_ENV")
	allowedRaw := os.Getenv("GATEWAY_ALLOWED_ORIGINS")

	if env == "production" && allowedRaw != "" {
		allowed := make(map[string]bool)
		for _, origin := range strings.Split(allowedRaw, ",") {
			allowed[strings.TrimSpace(origin)] = true
		}
		return func(r *http.Request) bool {
			return allowed[r.Header.Get("Origin")]
		}
	}
	if env == "production" {
		log.Println("[edge] GATEWAY_ALLOWED_ORIGINS not set in production — allowing all origins")
	}
	return func(r *http.Request) bool { return true }
}

// ClientConn is one authenticated client socket joined to zero or more
// sessions.
type ClientConn struct {
	ID             string
	OrganizationID string
	UserID         string
	conn           *websocket.Conn
	send           chan []byte
	sessions       map[string]struct{}
	mu             sync.Mutex
}

// ClientHub terminates `/ws/client` connections, tracks which sessions each
// socket has joined, and broadcasts session events to joined sockets.
type ClientHub struct {
	mu        sync.RWMutex
	conns     map[string]*ClientConn
	bySession map[string]map[string]struct{} // sessionId -> set of conn IDs

	deps ClientHubDeps
	log  *log.Logger
}

// ClientHubDeps bundles the collaborators ClientHub calls out to; concrete
// wiring happens in cmd/edge/main.go.
type ClientHubDeps struct {
	Auth     ClientAuthenticator
	Sessions SessionStore
	Presence PresenceTracker
	ToBrain  BrainPublisher
	EdgeID   string
	Metrics  *metrics.Metrics
}

// ClientAuthenticator validates a client socket's bearer/cookie credentials
// and returns the authenticated organization/user.
type ClientAuthenticator interface {
	Authenticate(r *http.Request) (organizationID, userID string, err error)
}

// SessionStore loads session records and recent events for session_join.
type SessionStore interface {
	LoadSession(sessionID string) (*gatewaytypes.Session, error)
	RecentEvents(sessionID string, limit int) ([]gatewaytypes.SessionEvent, error)
	AppendEvent(ev *gatewaytypes.SessionEvent) (int64, error)
}

// PresenceTracker refreshes `session:edges:<sessionId>` membership.
type PresenceTracker interface {
	Join(sessionID, edgeID string) error
	Leave(sessionID, edgeID string) error
}

// BrainPublisher appends frames to `gateway:bus:to_brain`.
type BrainPublisher interface {
	PublishToBrain(frame interface{}) error
}

// NewClientHub builds a ClientHub with deps.
func NewClientHub(deps ClientHubDeps) *ClientHub {
	return &ClientHub{
		conns:     make(map[string]*ClientConn),
		bySession: make(map[string]map[string]struct{}),
		deps:      deps,
		log:       log.New(log.Writer(), "[CLIENT-HUB] ", log.LstdFlags),
	}
}

// HandleWebSocket upgrades and registers a client connection.
func (h *ClientHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	orgID, userID, err := h.deps.Auth.Authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := clientUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Printf("upgrade failed: %v", err)
		return
	}

	cc := &ClientConn{
		ID:             uuid.NewString(),
		OrganizationID: orgID,
		UserID:         userID,
		conn:           conn,
		send:           make(chan []byte, 64),
		sessions:       make(map[string]struct{}),
	}

	h.mu.Lock()
	h.conns[cc.ID] = cc
	h.mu.Unlock()
	if h.deps.Metrics != nil {
		h.deps.Metrics.ClientsConnected.Inc()
	}

	go h.writePump(cc)
	h.readPump(cc)
}

func (h *ClientHub) readPump(cc *ClientConn) {
	defer h.dropConn(cc)

	cc.conn.SetReadDeadline(time.Now().Add(pongWait))
	cc.conn.SetPongHandler(func(string) error {
		cc.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := cc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Printf("read error: %v", err)
			}
			return
		}
		h.handleFrame(cc, payload)
	}
}

func (h *ClientHub) writePump(cc *ClientConn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cc.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-cc.send:
			cc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				cc.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := cc.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			cc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type clientFrame struct {
	Type           string          `json:"type"`
	SessionID      string          `json:"sessionId"`
	Message        string          `json:"message,omitempty"`
	Attachments    json.RawMessage `json:"attachments,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	Mode           string          `json:"mode,omitempty"`
}

const maxReplayEvents = 200

func (h *ClientHub) handleFrame(cc *ClientConn, payload []byte) {
	var f clientFrame
	if err := json.Unmarshal(payload, &f); err != nil {
		h.log.Printf("invalid frame from %s: %v", cc.ID, err)
		return
	}

	switch f.Type {
	case "session_join":
		h.handleJoin(cc, f.SessionID)
	case "session_send":
		h.handleSend(cc, f)
	case "session_reset_agent":
		_ = h.deps.ToBrain.PublishToBrain(gatewaytypes.SessionResetFrame{
			RequestID:      uuid.NewString(),
			OrganizationID: cc.OrganizationID,
			UserID:         cc.UserID,
			SessionID:      f.SessionID,
			Mode:           f.Mode,
			OriginEdgeID:   h.deps.EdgeID,
		})
	case "session_cancel":
		_ = h.deps.ToBrain.PublishToBrain(gatewaytypes.SessionCancelFrame{
			RequestID:      uuid.NewString(),
			OrganizationID: cc.OrganizationID,
			UserID:         cc.UserID,
			SessionID:      f.SessionID,
			OriginEdgeID:   h.deps.EdgeID,
		})
	case "session_leave":
		h.handleLeave(cc, f.SessionID)
	}
}

func (h *ClientHub) handleJoin(cc *ClientConn, sessionID string) {
	session, err := h.deps.Sessions.LoadSession(sessionID)
	if err != nil {
		h.sendError(cc, sessionID, "session not found")
		return
	}
	if session.OrganizationID != cc.OrganizationID {
		h.sendError(cc, sessionID, "forbidden")
		return
	}

	cc.mu.Lock()
	cc.sessions[sessionID] = struct{}{}
	cc.mu.Unlock()

	h.mu.Lock()
	if h.bySession[sessionID] == nil {
		h.bySession[sessionID] = make(map[string]struct{})
	}
	h.bySession[sessionID][cc.ID] = struct{}{}
	h.mu.Unlock()

	_ = h.deps.Presence.Join(sessionID, h.deps.EdgeID)

	events, _ := h.deps.Sessions.RecentEvents(sessionID, maxReplayEvents)
	for _, ev := range events {
		h.sendTo(cc, ev)
	}
}

func (h *ClientHub) handleLeave(cc *ClientConn, sessionID string) {
	cc.mu.Lock()
	delete(cc.sessions, sessionID)
	cc.mu.Unlock()

	h.mu.Lock()
	if set, ok := h.bySession[sessionID]; ok {
		delete(set, cc.ID)
		if len(set) == 0 {
			delete(h.bySession, sessionID)
			h.mu.Unlock()
			_ = h.deps.Presence.Leave(sessionID, h.deps.EdgeID)
			return
		}
	}
	h.mu.Unlock()
}

func (h *ClientHub) handleSend(cc *ClientConn, f clientFrame) {
	// A send is only honored for a session this socket joined (join already
	// verified the org membership against the session record).
	cc.mu.Lock()
	_, joined := cc.sessions[f.SessionID]
	cc.mu.Unlock()
	if !joined {
		h.sendError(cc, f.SessionID, "join the session before sending")
		return
	}

	ev := &gatewaytypes.SessionEvent{
		SessionID:      f.SessionID,
		EventType:      gatewaytypes.EventUserMessage,
		Payload:        mustMarshal(map[string]any{"message": f.Message, "attachments": f.Attachments}),
		CreatedAt:      time.Now().UnixMilli(),
		IdempotencyKey: f.IdempotencyKey,
	}
	seq, err := h.deps.Sessions.AppendEvent(ev)
	if err != nil {
		h.sendError(cc, f.SessionID, "failed to record message")
		return
	}
	h.BroadcastToSession(f.SessionID, ev)

	_ = h.deps.ToBrain.PublishToBrain(gatewaytypes.SessionSendFrame{
		RequestID:      uuid.NewString(),
		OrganizationID: cc.OrganizationID,
		UserID:         cc.UserID,
		SessionID:      f.SessionID,
		UserEventSeq:   seq,
		Message:        f.Message,
		Attachments:    f.Attachments,
		IdempotencyKey: f.IdempotencyKey,
		OriginEdgeID:   h.deps.EdgeID,
	})
}

// BroadcastToSession fans an event out to every local socket joined to
// sessionID.
func (h *ClientHub) BroadcastToSession(sessionID string, event any) {
	h.mu.RLock()
	members := h.bySession[sessionID]
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	for _, id := range ids {
		h.mu.RLock()
		cc := h.conns[id]
		h.mu.RUnlock()
		if cc != nil {
			h.sendTo(cc, event)
		}
	}
}

func (h *ClientHub) sendTo(cc *ClientConn, payload any) {
	data := mustMarshal(payload)
	select {
	case cc.send <- data:
	default:
		h.log.Printf("send buffer full for conn %s, dropping", cc.ID)
	}
}

func (h *ClientHub) sendError(cc *ClientConn, sessionID, message string) {
	h.sendTo(cc, map[string]any{
		"type":      "session_error",
		"sessionId": sessionID,
		"error":     message,
	})
}

func (h *ClientHub) dropConn(cc *ClientConn) {
	cc.mu.Lock()
	sessions := make([]string, 0, len(cc.sessions))
	for s := range cc.sessions {
		sessions = append(sessions, s)
	}
	cc.mu.Unlock()

	for _, s := range sessions {
		h.handleLeave(cc, s)
	}

	h.mu.Lock()
	delete(h.conns, cc.ID)
	h.mu.Unlock()
	if h.deps.Metrics != nil {
		h.deps.Metrics.ClientsConnected.Dec()
	}

	close(cc.send)
	cc.conn.Close()
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
