// Package brain implements the gateway's brain runtime: the consumer of
// `gateway:bus:to_brain` that drives workflow dispatch and session-turn
// orchestration (spec §4.4) with a consumer-group loop
// (ReadGroup → dispatch-by-type → Ack) over the gateway's five to-brain
// frame shapes.
package brain

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/gatewayd/internal/bus"
	"github.com/ocx/gatewayd/internal/continuations"
	"github.com/ocx/gatewayd/internal/gatewaytypes"
	"github.com/ocx/gatewayd/internal/metrics"
	"github.com/ocx/gatewayd/internal/portal"
	"github.com/ocx/gatewayd/internal/results"
	"github.com/ocx/gatewayd/internal/scheduler"
	"github.com/ocx/gatewayd/internal/secrets"
	"github.com/ocx/gatewayd/internal/workspace"
)

const (
	toBrainStream = "gateway:bus:to_brain"
	brainGroup    = "brain"
)

// ToEdgeStream names the per-edge brain→edge command stream.
func ToEdgeStream(edgeID string) string {
	return "gateway:bus:to_edge:" + edgeID
}

// ListRoutesFn mirrors scheduler.ListRoutesFn: resolves candidate executor
// ids for a pool (and org, for byon), backed by the route index.
type ListRoutesFn func(ctx context.Context, pool gatewaytypes.Pool, organizationID string) ([]string, error)

// Config bundles the tunables spec §6.3 enumerates for the brain runtime.
type Config struct {
	OrgMaxInFlightDefault int
	ReserveTTL            time.Duration
	OrgQuotaCacheTTL      time.Duration
	DefaultTimeout        time.Duration
	MaxTimeout            time.Duration
	SessionOpenTimeout    time.Duration
	DefaultPools          []gatewaytypes.Pool
	ReplyTTL              time.Duration
	ToolOutputMaxChars    int
}

// Deps bundles the Runtime's collaborators.
type Deps struct {
	Bus           bus.Bus
	Scheduler     *scheduler.Scheduler
	Counters      scheduler.Counters
	ListRoutes    ListRoutesFn
	Workspace     *workspace.Coordinator
	Results       *results.Store
	Store         portal.Store
	Secrets       *secrets.Store
	Continuations *continuations.Queue
	Metrics       *metrics.Metrics
}

// Runtime consumes to-brain frames and orchestrates dispatch/session turns.
type Runtime struct {
	deps       Deps
	cfg        Config
	consumerID string

	quota *quotaCache
	turns *turnTable
}

// New builds a Runtime.
func New(deps Deps, cfg Config) *Runtime {
	return &Runtime{
		deps:       deps,
		cfg:        cfg,
		consumerID: "brain-" + uuid.NewString(),
		quota:      newQuotaCache(cfg.OrgQuotaCacheTTL),
		turns:      newTurnTable(),
	}
}

// Run consumes gateway:bus:to_brain under the "brain" consumer group until
// ctx is canceled. Any brain process may claim any frame (spec §5: "every
// brain is horizontally scalable; any brain may claim any to-brain frame").
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.deps.Bus.EnsureGroup(ctx, toBrainStream, brainGroup); err != nil {
		return err
	}
	slog.Info("brain: runtime started", "consumer", r.consumerID)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		messages, err := r.deps.Bus.ReadGroup(ctx, toBrainStream, brainGroup, r.consumerID, 16, 5000)
		if err != nil {
			slog.Warn("brain: read group failed", "error", err)
			time.Sleep(250 * time.Millisecond)
			continue
		}
		for _, msg := range messages {
			r.handle(ctx, msg)
			_ = r.deps.Bus.Ack(ctx, toBrainStream, brainGroup, msg.ID)
		}
	}
}

// envelope is the minimal shape every to-brain frame shares: a `type`
// discriminator alongside its own fields, flattened by internal/edge's
// publisher.
type envelope struct {
	Type string `json:"type"`
}

func (r *Runtime) handle(ctx context.Context, msg bus.Message) {
	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		slog.Warn("brain: malformed frame", "error", err)
		return
	}

	switch env.Type {
	case gatewaytypes.FrameWorkflowDispatch:
		var f gatewaytypes.WorkflowDispatchFrame
		if err := json.Unmarshal(msg.Data, &f); err != nil {
			slog.Warn("brain: malformed workflow_dispatch", "error", err)
			return
		}
		r.handleWorkflowDispatch(ctx, f)
	case gatewaytypes.FrameSessionSend:
		var f gatewaytypes.SessionSendFrame
		if err := json.Unmarshal(msg.Data, &f); err != nil {
			slog.Warn("brain: malformed session_send", "error", err)
			return
		}
		r.handleSessionSend(ctx, f)
	case gatewaytypes.FrameSessionReset:
		var f gatewaytypes.SessionResetFrame
		if err := json.Unmarshal(msg.Data, &f); err != nil {
			slog.Warn("brain: malformed session_reset", "error", err)
			return
		}
		r.handleSessionReset(ctx, f)
	case gatewaytypes.FrameSessionCancel:
		var f gatewaytypes.SessionCancelFrame
		if err := json.Unmarshal(msg.Data, &f); err != nil {
			slog.Warn("brain: malformed session_cancel", "error", err)
			return
		}
		r.handleSessionCancel(ctx, f)
	case gatewaytypes.FrameExecutorEvent:
		// Passthrough telemetry; nothing in the brain runtime consumes it
		// today beyond the log line an operator can grep for.
		slog.Debug("brain: executor telemetry", "raw", string(msg.Data))
	default:
		slog.Warn("brain: unknown frame type", "type", env.Type)
	}
}

func (r *Runtime) publishToEdge(ctx context.Context, edgeID string, frame interface{}, frameType string) error {
	tagged := withType(frameType, frame)
	data, err := json.Marshal(tagged)
	if err != nil {
		return err
	}
	return r.deps.Bus.Append(ctx, ToEdgeStream(edgeID), data)
}

func withType(frameType string, frame interface{}) map[string]interface{} {
	raw, _ := json.Marshal(frame)
	var out map[string]interface{}
	_ = json.Unmarshal(raw, &out)
	if out == nil {
		out = map[string]interface{}{}
	}
	out["type"] = frameType
	return out
}

func clampTimeout(requested int, cfg Config) time.Duration {
	if requested <= 0 {
		return cfg.DefaultTimeout
	}
	d := time.Duration(requested) * time.Millisecond
	if d > cfg.MaxTimeout {
		return cfg.MaxTimeout
	}
	return d
}
