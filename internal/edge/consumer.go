package edge

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/gatewayd/internal/bus"
	"github.com/ocx/gatewayd/internal/gatewaytypes"
	"github.com/ocx/gatewayd/internal/portal"
	"github.com/ocx/gatewayd/internal/results"
)

// ToEdgeConsumer reads this edge's dedicated to-edge stream and fans
// executor_invoke/executor_session frames to the executor hub,
// client_broadcast frames to the client hub, and channel_outbound commands
// to the channel ingress, mirroring the brain's own
// ReadGroup→dispatch-by-type→Ack consumer loop.
type ToEdgeConsumer struct {
	Bus         bus.Bus
	EdgeID      string
	ExecutorHub *ExecutorHub
	ClientHub   *ClientHub
	Channels    portal.ChannelIngress
	ReplyTTL    time.Duration

	consumerID string
}

const toEdgeGroup = "edge"

// Run consumes ToEdgeStream(c.EdgeID) until ctx is canceled.
func (c *ToEdgeConsumer) Run(ctx context.Context) error {
	if c.consumerID == "" {
		c.consumerID = "edge-" + uuid.NewString()
	}
	stream := ToEdgeStream(c.EdgeID)
	if err := c.Bus.EnsureGroup(ctx, stream, toEdgeGroup); err != nil {
		return err
	}
	slog.Info("edge: to-edge consumer started", "edgeId", c.EdgeID, "consumer", c.consumerID)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		messages, err := c.Bus.ReadGroup(ctx, stream, toEdgeGroup, c.consumerID, 32, 5000)
		if err != nil {
			slog.Warn("edge: read group failed", "error", err)
			time.Sleep(250 * time.Millisecond)
			continue
		}
		for _, msg := range messages {
			c.handle(msg)
			_ = c.Bus.Ack(ctx, stream, toEdgeGroup, msg.ID)
		}
	}
}

type envelope struct {
	Type string `json:"type"`
}

func (c *ToEdgeConsumer) handle(msg bus.Message) {
	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		slog.Warn("edge: malformed to-edge frame", "error", err)
		return
	}

	switch env.Type {
	case gatewaytypes.FrameExecutorInvoke:
		var f gatewaytypes.ExecutorInvokeFrame
		if err := json.Unmarshal(msg.Data, &f); err != nil {
			slog.Warn("edge: malformed executor_invoke", "error", err)
			return
		}
		if !c.ExecutorHub.Send(f.ExecutorID, taggedInvoke(f.Invoke)) {
			slog.Warn("edge: executor_invoke dropped, socket unavailable", "executorId", f.ExecutorID)
			c.failRequest(f.Invoke.RequestID)
		}
	case gatewaytypes.FrameExecutorSession:
		var f gatewaytypes.ExecutorSessionFrame
		if err := json.Unmarshal(msg.Data, &f); err != nil {
			slog.Warn("edge: malformed executor_session", "error", err)
			return
		}
		if !c.ExecutorHub.Send(f.ExecutorID, f.Payload) {
			slog.Warn("edge: executor_session dropped, socket unavailable", "executorId", f.ExecutorID)
			c.failRequest(f.Payload.RequestID())
		}
	case gatewaytypes.FrameClientBroadcast:
		var f gatewaytypes.ClientBroadcastFrame
		if err := json.Unmarshal(msg.Data, &f); err != nil {
			slog.Warn("edge: malformed client_broadcast", "error", err)
			return
		}
		c.ClientHub.BroadcastToSession(f.SessionID, json.RawMessage(f.Event))
	case gatewaytypes.FrameWorkflowReply:
		var f gatewaytypes.WorkflowReplyFrame
		if err := json.Unmarshal(msg.Data, &f); err != nil {
			slog.Warn("edge: malformed workflow_reply", "error", err)
			return
		}
		if err := results.PutReply(context.Background(), c.Bus, f.RequestID, f.Response, c.ReplyTTL); err != nil {
			slog.Warn("edge: store workflow_reply failed", "requestId", f.RequestID, "error", err)
		}
	case gatewaytypes.FrameChannelOutbound:
		var f gatewaytypes.ChannelOutboundFrame
		if err := json.Unmarshal(msg.Data, &f); err != nil {
			slog.Warn("edge: malformed channel_outbound", "error", err)
			return
		}
		if c.Channels == nil {
			slog.Warn("edge: channel_outbound dropped, channel ingress not configured", "sessionId", f.SessionID)
			return
		}
		if err := c.Channels.SendOutbound(context.Background(), f); err != nil {
			slog.Warn("edge: channel_outbound send failed", "sessionId", f.SessionID, "error", err)
		}
	default:
		slog.Warn("edge: unknown to-edge frame type", "type", env.Type)
	}
}

// failRequest fills requestID's reply key with NO_AGENT_AVAILABLE when a
// send to the executor's socket fails (spec §4.3: "Failed sends cause the
// executor to be dropped and the request's reply key to be filled with
// NO_AGENT_AVAILABLE"). A no-op when requestID is empty. A session_cancel
// carries the canceled turn's requestId, so a failed cancel send fills that
// turn's reply key.
func (c *ToEdgeConsumer) failRequest(requestID string) {
	if requestID == "" {
		return
	}
	env := gatewaytypes.ReplyEnvelope{Status: gatewaytypes.ReplyFailed, Error: string(gatewaytypes.ErrNoAgentAvailable)}
	if err := results.PutReply(context.Background(), c.Bus, requestID, env, c.ReplyTTL); err != nil {
		slog.Warn("edge: failed to write NO_AGENT_AVAILABLE reply", "requestId", requestID, "error", err)
	}
}

func taggedInvoke(invoke gatewaytypes.InvokeToolV2) map[string]any {
	raw, _ := json.Marshal(invoke)
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	if out == nil {
		out = map[string]any{}
	}
	out["type"] = gatewaytypes.FrameInvokeToolV2
	return out
}
