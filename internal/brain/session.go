package brain

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ocx/gatewayd/internal/gatewaytypes"
	"github.com/ocx/gatewayd/internal/results"
	"github.com/ocx/gatewayd/internal/scheduler"
)

const brainLockPrefix = "session:brain:"
const presenceKeyPrefix = "session:edges:"

// acquireBrainLock is the single-owner-per-session guard: only the brain
// instance holding session:brain:<sessionId> may drive that session's turns
// at a given moment. Resets and cancels do not take this lock.
func (r *Runtime) acquireBrainLock(ctx context.Context, sessionID string, ttl time.Duration) (bool, error) {
	return r.deps.Bus.SetNX(ctx, brainLockPrefix+sessionID, []byte(r.consumerID), ttl)
}

func (r *Runtime) releaseBrainLock(ctx context.Context, sessionID string) {
	if err := r.deps.Bus.Del(ctx, brainLockPrefix+sessionID); err != nil {
		slog.Warn("brain: release session lock failed", "sessionId", sessionID, "error", err)
	}
}

// handleSessionSend drives one session turn: lock, pin-reuse-or-select,
// open/turn exchange with the executor, broadcast, cleanup.
func (r *Runtime) handleSessionSend(ctx context.Context, f gatewaytypes.SessionSendFrame) {
	start := time.Now()
	locked, err := r.acquireBrainLock(ctx, f.SessionID, r.cfg.SessionOpenTimeout+30*time.Second)
	if err != nil {
		slog.Warn("brain: acquire session lock failed", "sessionId", f.SessionID, "error", err)
		return
	}
	if !locked {
		// Another brain owns this turn; drop the frame.
		slog.Debug("brain: session lock held elsewhere, dropping turn", "sessionId", f.SessionID)
		return
	}
	defer r.releaseBrainLock(context.Background(), f.SessionID)

	session, err := r.deps.Store.LoadSession(ctx, f.SessionID)
	if err != nil {
		r.broadcastError(ctx, f.SessionID, f.OriginEdgeID, gatewaytypes.ErrGatewayResponseInvalid, "session not found")
		return
	}

	rule, ok := gatewaytypes.EngineTable[session.EngineID]
	if !ok || !rule.Valid {
		r.broadcastError(ctx, f.SessionID, f.OriginEdgeID, gatewaytypes.ErrExecutorUnsupportedEngine, "session engine is not in the supported engine table")
		return
	}

	priorPin := session.PinnedExecutorID
	route, reserveToken, selErr := r.selectSessionExecutorWithPinReuse(ctx, session, rule)
	if selErr != nil {
		r.broadcastError(ctx, f.SessionID, f.OriginEdgeID, gatewaytypes.CodeOf(selErr), selErr.Error())
		return
	}
	r.observeInFlight(ctx, route.ExecutorID, session.OrganizationID)
	defer func() {
		if err := scheduler.Release(context.Background(), r.deps.Counters, route.ExecutorID, session.OrganizationID, reserveToken); err != nil {
			slog.Warn("brain: release session capacity failed", "executorId", route.ExecutorID, "error", err)
		}
		r.observeInFlight(context.Background(), route.ExecutorID, session.OrganizationID)
	}()

	if route.ExecutorID != priorPin {
		session.PinnedExecutorID = route.ExecutorID
		session.PinnedExecutorPool = route.Pool
		if err := r.deps.Store.SaveSession(ctx, session); err != nil {
			slog.Warn("brain: save pin failed", "sessionId", f.SessionID, "error", err)
		}
		r.broadcastToSessionEdges(ctx, f.SessionID, gatewaytypes.FrameClientBroadcast, map[string]any{
			"type":               "session_state",
			"pinnedExecutorId":   route.ExecutorID,
			"pinnedExecutorPool": route.Pool,
		})
		if priorPin != "" {
			r.appendSystemEvent(ctx, f.SessionID, gatewaytypes.ActionSessionExecutorFailover, map[string]any{
				"from": priorPin,
				"to":   route.ExecutorID,
			})
		}
	}

	// The HTTP injector path publishes session_send without appending the
	// user_message event first; the client hub already did. userEventSeq == 0
	// marks the former.
	userEventSeq := f.UserEventSeq
	if userEventSeq == 0 {
		userEventSeq, err = r.deps.Store.AppendSessionEvent(ctx, &gatewaytypes.SessionEvent{
			SessionID:      f.SessionID,
			EventType:      gatewaytypes.EventUserMessage,
			Payload:        rawJSON(map[string]any{"message": f.Message, "attachments": f.Attachments}),
			CreatedAt:      time.Now().UnixMilli(),
			IdempotencyKey: f.IdempotencyKey,
		})
		if err != nil {
			slog.Warn("brain: append user_message failed", "sessionId", f.SessionID, "error", err)
		}
	}

	// Correlation id for the turn: sessionId:turn:userEventSeq, so a
	// redelivered session_send frame dedupes against the stored reply.
	requestID := fmt.Sprintf("%s:turn:%d", f.SessionID, userEventSeq)

	turn := &activeTurn{RequestID: requestID, OrganizationID: session.OrganizationID, ExecutorID: route.ExecutorID, EdgeID: route.EdgeID}
	r.turns.start(f.SessionID, turn)
	defer r.turns.finish(f.SessionID, turn)

	if session.RoutedAgentID != route.ExecutorID {
		if err := r.openSessionOnExecutor(ctx, session, route, userEventSeq); err != nil {
			r.broadcastError(ctx, f.SessionID, f.OriginEdgeID, gatewaytypes.CodeOf(err), err.Error())
			return
		}
		session.RoutedAgentID = route.ExecutorID
		if err := r.deps.Store.SaveSession(ctx, session); err != nil {
			slog.Warn("brain: save routed agent failed", "sessionId", f.SessionID, "error", err)
		}
	}

	turnPayload := gatewaytypes.ExecutorSessionPayload{
		Type: gatewaytypes.FrameSessionTurn,
		Turn: &gatewaytypes.SessionTurnMsg{SessionID: f.SessionID, RequestID: requestID, Message: f.Message},
	}
	if err := r.publishToEdge(ctx, route.EdgeID, gatewaytypes.ExecutorSessionFrame{
		ExecutorID: route.ExecutorID,
		Payload:    turnPayload,
	}, gatewaytypes.FrameExecutorSession); err != nil {
		r.broadcastError(ctx, f.SessionID, f.OriginEdgeID, gatewaytypes.ErrNodeExecutionFailed, "failed to dispatch turn to executor")
		return
	}

	awaitCtx, cancel := context.WithTimeout(ctx, clampTimeout(session.TimeoutMs, r.cfg))
	defer cancel()
	reply, err := results.AwaitReply(awaitCtx, r.deps.Bus, requestID)
	if err != nil {
		if turn.Canceled {
			r.finishCanceledTurn(ctx, f.SessionID)
			return
		}
		r.broadcastError(ctx, f.SessionID, f.OriginEdgeID, gatewaytypes.ErrNodeExecutionTimeout, "executor did not reply before the session timeout")
		return
	}

	r.deps.Scheduler.MarkUsed(ctx, route.ExecutorID, time.Now().UnixMilli())

	if reply.Status == gatewaytypes.ReplyFailed {
		if turn.Canceled || reply.Error == string(gatewaytypes.ErrTurnCanceled) {
			r.finishCanceledTurn(ctx, f.SessionID)
			return
		}
		r.broadcastError(ctx, f.SessionID, f.OriginEdgeID, errCodeFromString(reply.Error), reply.Error)
		if r.deps.Metrics != nil {
			r.deps.Metrics.SessionTurnTotal.WithLabelValues("failed").Inc()
		}
		return
	}

	deltaSeq, _ := r.deps.Store.AppendSessionEvent(ctx, &gatewaytypes.SessionEvent{
		SessionID: f.SessionID,
		EventType: gatewaytypes.EventAgentMessage,
		Payload:   rawJSON(map[string]any{"delta": true, "message": reply.Content}),
		CreatedAt: time.Now().UnixMilli(),
	})
	r.broadcastTurnEvent(ctx, f.SessionID, gatewaytypes.EventAgentMessage, gatewaytypes.FrameAgentDelta, deltaSeq, reply.Content)

	finalSeq, _ := r.deps.Store.AppendSessionEvent(ctx, &gatewaytypes.SessionEvent{
		SessionID: f.SessionID,
		EventType: gatewaytypes.EventAgentFinal,
		Payload:   rawJSON(map[string]any{"message": reply.Content, "output": reply.Output}),
		CreatedAt: time.Now().UnixMilli(),
	})
	r.broadcastTurnEvent(ctx, f.SessionID, gatewaytypes.EventAgentFinal, gatewaytypes.FrameAgentFinalRaw, finalSeq, reply.Content)

	if f.Source != "" {
		r.publishChannelOutbound(ctx, f.OriginEdgeID, session.OrganizationID, f.SessionID, finalSeq, f.Source, reply.Content)
	}

	if r.deps.Metrics != nil {
		r.deps.Metrics.SessionTurnTotal.WithLabelValues("succeeded").Inc()
		r.deps.Metrics.SessionTurnDuration.WithLabelValues(string(session.EngineID)).Observe(time.Since(start).Seconds())
	}
}

// finishCanceledTurn records that a turn ended by cancellation rather than
// completion; no agent_final may follow it.
func (r *Runtime) finishCanceledTurn(ctx context.Context, sessionID string) {
	r.appendSystemEvent(ctx, sessionID, gatewaytypes.ActionSessionTurnCanceled, nil)
	r.broadcastToSessionEdges(ctx, sessionID, gatewaytypes.FrameClientBroadcast, map[string]any{
		"type":   gatewaytypes.EventSystem,
		"action": gatewaytypes.ActionSessionTurnCanceled,
	})
	if r.deps.Metrics != nil {
		r.deps.Metrics.SessionTurnTotal.WithLabelValues("canceled").Inc()
	}
}

// selectSessionExecutorWithPinReuse tries the session's pinned executor
// first. A reservation failure of ORG_QUOTA_EXCEEDED or
// EXECUTOR_OAUTH_NOT_VERIFIED fails the turn hard; any other pin failure
// (stale route, over capacity, no pin at all) falls through to a fresh
// pool-ordered selection, which is how failover happens. Returns the
// reserved route and the reservation token the caller must release.
func (r *Runtime) selectSessionExecutorWithPinReuse(ctx context.Context, session *gatewaytypes.Session, rule gatewaytypes.EngineRule) (*gatewaytypes.ExecutorRoute, string, error) {
	orgCap, err := r.resolveOrgMaxInFlight(ctx, session.OrganizationID)
	if err != nil {
		return nil, "", err
	}

	requireOAuth := rule.RequiresExecutorOAuth && session.LLMSecretID == ""

	if session.IsPinned() {
		route, reserveRes, pinErr := r.reservePinned(ctx, session, orgCap, requireOAuth)
		if pinErr == nil && reserveRes.OK {
			return route, reserveRes.Token, nil
		}
		if reserveRes.Reason == gatewaytypes.ErrOrgQuotaExceeded || reserveRes.Reason == gatewaytypes.ErrExecutorOAuthNotVerified {
			return nil, "", gatewaytypes.NewError(reserveRes.Reason, "pinned executor reservation failed")
		}
		// Any other reason (route stale/missing, over capacity) falls
		// through to fresh selection below, enabling failover.
	}

	req := invokeRequest{
		OrganizationID: session.OrganizationID,
		Kind:           gatewaytypes.KindAgentExecute,
		EngineID:       session.EngineID,
		RequireOAuth:   requireOAuth,
	}
	if session.ExecutorSelector != nil {
		req.Selector = *session.ExecutorSelector
	}
	route, reserveRes, err := r.selectAndReserve(ctx, req, orgCap)
	if err != nil {
		return nil, "", err
	}
	if !reserveRes.OK {
		return nil, "", gatewaytypes.NewError(reserveRes.Reason, "no executor available for session")
	}
	return route, reserveRes.Token, nil
}

func (r *Runtime) reservePinned(ctx context.Context, session *gatewaytypes.Session, orgCap int, requireOAuth bool) (*gatewaytypes.ExecutorRoute, scheduler.ReserveResult, error) {
	route, err := r.deps.Scheduler.GetRoute(ctx, session.PinnedExecutorID)
	if err != nil {
		return nil, scheduler.ReserveResult{Reason: gatewaytypes.ErrPinnedAgentOffline}, nil
	}
	if requireOAuth && !route.IsOAuthVerified(session.EngineID) {
		return nil, scheduler.ReserveResult{Reason: gatewaytypes.ErrExecutorOAuthNotVerified}, nil
	}
	res, err := scheduler.Reserve(ctx, r.deps.Counters, scheduler.ReserveParams{
		ExecutorID:     route.ExecutorID,
		OrganizationID: session.OrganizationID,
		ExecCap:        route.MaxInFlight,
		OrgCap:         orgCap,
		TTL:            r.cfg.ReserveTTL,
	})
	if err != nil {
		return nil, scheduler.ReserveResult{}, err
	}
	return route, res, nil
}

// openSessionOnExecutor sends session_open and awaits the executor's
// session_opened reply, capped at session_open_timeout (itself capped at the
// session's own timeoutMs) per spec §4.4 step 7. A non-ok reply fails the
// turn before any session_turn is ever sent.
func (r *Runtime) openSessionOnExecutor(ctx context.Context, session *gatewaytypes.Session, route *gatewaytypes.ExecutorRoute, userEventSeq int64) error {
	requestID := fmt.Sprintf("%s:open:%d", session.SessionID, userEventSeq)
	authMode, auth := r.resolveEngineAuth(ctx, session, route)
	openPayload := gatewaytypes.ExecutorSessionPayload{
		Type: gatewaytypes.FrameSessionOpen,
		Open: &gatewaytypes.SessionOpenMsg{
			SessionID: session.SessionID,
			RequestID: requestID,
			SessionConfig: gatewaytypes.SessionConfig{
				Engine: gatewaytypes.EngineConfig{
					ID:       session.EngineID,
					Model:    session.LLMModel,
					AuthMode: authMode,
					Auth:     auth,
				},
				Prompt: gatewaytypes.SessionPrompt{
					System:       session.PromptSystem,
					Instructions: session.PromptInstructions,
				},
				ToolsAllow:     session.ToolsAllow,
				Limits:         session.Limits,
				MemoryProvider: session.MemoryProvider,
			},
		},
	}
	if err := r.publishToEdge(ctx, route.EdgeID, gatewaytypes.ExecutorSessionFrame{
		ExecutorID: route.ExecutorID,
		Payload:    openPayload,
	}, gatewaytypes.FrameExecutorSession); err != nil {
		return gatewaytypes.NewError(gatewaytypes.ErrNodeExecutionFailed, "failed to open session on executor")
	}

	openTimeout := r.cfg.SessionOpenTimeout
	if sessionTimeout := clampTimeout(session.TimeoutMs, r.cfg); sessionTimeout < openTimeout {
		openTimeout = sessionTimeout
	}
	awaitCtx, cancel := context.WithTimeout(ctx, openTimeout)
	defer cancel()

	reply, err := results.AwaitReply(awaitCtx, r.deps.Bus, requestID)
	if err != nil {
		return gatewaytypes.NewError(gatewaytypes.ErrNodeExecutionTimeout, "session_open_timeout")
	}
	if reply.Status == gatewaytypes.ReplyFailed {
		return gatewaytypes.NewError(errCodeFromString(reply.Error), "executor rejected session_open")
	}
	return nil
}

// errCodeFromString wraps a raw error string from an executor reply as an
// ErrorCode, falling back to NodeExecutionFailed when the executor didn't
// surface one of the fixed taxonomy codes.
func errCodeFromString(raw string) gatewaytypes.ErrorCode {
	if raw == "" {
		return gatewaytypes.ErrNodeExecutionFailed
	}
	return gatewaytypes.ErrorCode(raw)
}

// resolveEngineAuth picks the auth mode for a session open: inline key when
// one is configured AND the selected pool may hold it (managed only — a
// tenant-owned executor never receives platform-held secrets); else executor
// OAuth when the engine supports it and the route is verified; else env.
func (r *Runtime) resolveEngineAuth(ctx context.Context, session *gatewaytypes.Session, route *gatewaytypes.ExecutorRoute) (string, json.RawMessage) {
	if session.LLMSecretID != "" && route.Pool == gatewaytypes.PoolManaged {
		if r.deps.Secrets != nil {
			if plain, err := r.deps.Secrets.Resolve(ctx, session.OrganizationID, session.LLMSecretID); err == nil {
				return "inline_secret", rawJSON(map[string]any{"apiKey": string(plain)})
			} else {
				slog.Warn("brain: resolve session secret failed", "sessionId", session.SessionID, "error", err)
			}
		}
		return "inline_secret", nil
	}
	if rule, ok := gatewaytypes.EngineTable[session.EngineID]; ok && rule.RequiresExecutorOAuth && route.IsOAuthVerified(session.EngineID) {
		return "executor_oauth", nil
	}
	return "env", nil
}

// handleSessionReset implements spec §4.4 session reset: clear the pin/
// routed agent and append a system event, without touching any in-flight
// turn (a reset does not cancel a running turn).
func (r *Runtime) handleSessionReset(ctx context.Context, f gatewaytypes.SessionResetFrame) {
	session, err := r.deps.Store.LoadSession(ctx, f.SessionID)
	if err != nil {
		slog.Warn("brain: session_reset load failed", "sessionId", f.SessionID, "error", err)
		return
	}
	session.PinnedExecutorID = ""
	session.PinnedExecutorPool = ""
	session.RoutedAgentID = ""
	if err := r.deps.Store.SaveSession(ctx, session); err != nil {
		slog.Warn("brain: session_reset save failed", "sessionId", f.SessionID, "error", err)
		return
	}
	r.appendSystemEvent(ctx, f.SessionID, gatewaytypes.ActionSessionResetAgent, map[string]any{"mode": f.Mode})
	r.broadcastToSessionEdges(ctx, f.SessionID, gatewaytypes.FrameClientBroadcast, map[string]any{
		"type":               "session_state",
		"pinnedExecutorId":   nil,
		"pinnedExecutorPool": nil,
	})
}

// handleSessionCancel marks the session's active turn canceled (if any) and
// forwards a session_cancel command to the executor currently holding it.
// Per spec §4.4 "Session cancel", the active-turn entry must belong to the
// caller's org; a turn owned by a different org is treated as if no turn
// were active — neither canceled nor forwarded, and no event is appended
// (that would leak the existence of another tenant's in-flight turn).
func (r *Runtime) handleSessionCancel(ctx context.Context, f gatewaytypes.SessionCancelFrame) {
	turn := r.turns.cancel(f.SessionID, f.OrganizationID)
	if turn == nil {
		slog.Warn("brain: session_cancel found no active turn for this org", "sessionId", f.SessionID, "organizationId", f.OrganizationID)
		return
	}
	r.appendSystemEvent(ctx, f.SessionID, gatewaytypes.ActionSessionCancelRequested, nil)
	cancelPayload := gatewaytypes.ExecutorSessionPayload{
		Type:   gatewaytypes.FrameSessionCancelW,
		Cancel: &gatewaytypes.SessionCancelMsg{SessionID: f.SessionID, RequestID: turn.RequestID},
	}
	if err := r.publishToEdge(ctx, turn.EdgeID, gatewaytypes.ExecutorSessionFrame{
		ExecutorID: turn.ExecutorID,
		Payload:    cancelPayload,
	}, gatewaytypes.FrameExecutorSession); err != nil {
		slog.Warn("brain: forward session_cancel failed", "sessionId", f.SessionID, "error", err)
	}
}

// appendSystemEvent records a system-type SessionEvent.
func (r *Runtime) appendSystemEvent(ctx context.Context, sessionID, action string, detail map[string]any) {
	payload := map[string]any{"action": action}
	for k, v := range detail {
		payload[k] = v
	}
	_, err := r.deps.Store.AppendSessionEvent(ctx, &gatewaytypes.SessionEvent{
		SessionID: sessionID,
		EventType: gatewaytypes.EventSystem,
		Payload:   rawJSON(payload),
		CreatedAt: time.Now().UnixMilli(),
	})
	if err != nil {
		slog.Warn("brain: append system event failed", "sessionId", sessionID, "action", action, "error", err)
	}
}

// broadcastError appends an error SessionEvent and fans it out to every edge
// holding a socket for the session.
func (r *Runtime) broadcastError(ctx context.Context, sessionID, originEdgeID string, code gatewaytypes.ErrorCode, message string) {
	_, err := r.deps.Store.AppendSessionEvent(ctx, &gatewaytypes.SessionEvent{
		SessionID: sessionID,
		EventType: gatewaytypes.EventError,
		Payload:   rawJSON(map[string]any{"code": code, "message": message}),
		CreatedAt: time.Now().UnixMilli(),
	})
	if err != nil {
		slog.Warn("brain: append error event failed", "sessionId", sessionID, "error", err)
	}
	r.broadcastToSessionEdges(ctx, sessionID, gatewaytypes.FrameClientBroadcast, map[string]any{
		"type":    gatewaytypes.EventError,
		"code":    code,
		"message": message,
	})
	if r.deps.Metrics != nil {
		r.deps.Metrics.SelectionFailures.WithLabelValues(string(code)).Inc()
	}
	_ = originEdgeID // origin edge is always a presence-set member; no special-case delivery needed
}

// broadcastTurnEvent fans out an agent_message/agent_final turn event in both
// shapes spec §9's open question requires kept alive side by side: a
// structured session_event_v2 envelope, and the legacy raw frame
// (agent_delta/agent_final) older clients still expect. Both travel as
// separate client_broadcast bus frames so each lands as its own WebSocket
// message.
func (r *Runtime) broadcastTurnEvent(ctx context.Context, sessionID, eventType, legacyFrameType string, seq int64, content json.RawMessage) {
	r.broadcastToSessionEdges(ctx, sessionID, gatewaytypes.FrameClientBroadcast, map[string]any{
		"type":    gatewaytypes.FrameSessionEventV2,
		"event":   eventType,
		"seq":     seq,
		"content": content,
	})
	r.broadcastToSessionEdges(ctx, sessionID, gatewaytypes.FrameClientBroadcast, map[string]any{
		"type":    legacyFrameType,
		"seq":     seq,
		"content": content,
	})
}

// broadcastToSessionEdges publishes a client_broadcast frame to every edge
// currently holding a socket for sessionID (spec §5 "multi-edge fan-out").
func (r *Runtime) broadcastToSessionEdges(ctx context.Context, sessionID, frameType string, event map[string]any) {
	edges, err := r.deps.Bus.Members(ctx, presenceKeyPrefix+sessionID)
	if err != nil {
		slog.Warn("brain: list session edges failed", "sessionId", sessionID, "error", err)
		return
	}
	for _, edgeID := range edges {
		frame := gatewaytypes.ClientBroadcastFrame{SessionID: sessionID, Event: rawJSON(event)}
		if err := r.publishToEdge(ctx, edgeID, frame, frameType); err != nil {
			slog.Warn("brain: publish client_broadcast failed", "sessionId", sessionID, "edgeId", edgeID, "error", err)
		}
	}
}

// publishChannelOutbound writes a channel_outbound command to the origin
// edge's stream; only the edge tier owns channel I/O, so the brain routes a
// channel-originated turn's final text back the same way it routes every
// other brain→edge frame.
func (r *Runtime) publishChannelOutbound(ctx context.Context, originEdgeID, organizationID, sessionID string, seq int64, source string, content json.RawMessage) {
	if originEdgeID == "" {
		return
	}
	frame := gatewaytypes.ChannelOutboundFrame{
		OrganizationID:  organizationID,
		SessionID:       sessionID,
		SessionEventSeq: seq,
		Source:          source,
		Text:            string(content),
	}
	if err := r.publishToEdge(ctx, originEdgeID, frame, gatewaytypes.FrameChannelOutbound); err != nil {
		slog.Warn("brain: publish channel_outbound failed", "sessionId", sessionID, "edgeId", originEdgeID, "error", err)
	}
}

func rawJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(fmt.Sprintf("%q", err.Error()))
	}
	return data
}
