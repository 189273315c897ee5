package brain

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/gatewayd/internal/continuations"
	"github.com/ocx/gatewayd/internal/gatewaytypes"
	"github.com/ocx/gatewayd/internal/results"
	"github.com/ocx/gatewayd/internal/scheduler"
)

// handleWorkflowDispatch implements spec §4.4 "Workflow dispatch".
func (r *Runtime) handleWorkflowDispatch(ctx context.Context, f gatewaytypes.WorkflowDispatchFrame) {
	start := time.Now()
	var env gatewaytypes.ReplyEnvelope

	switch f.Dispatch.Kind {
	case string(gatewaytypes.KindAgentExecute), string(gatewaytypes.KindConnectorAction):
		env = r.invokeToolOnExecutor(ctx, invokeRequest{
			OrganizationID: f.Dispatch.OrganizationID,
			OwnerType:      gatewaytypes.OwnerWorkflowRun,
			OwnerID:        f.Dispatch.RunID,
			Kind:           gatewaytypes.ExecutorKind(f.Dispatch.Kind),
			Payload:        f.Dispatch.Payload,
			Timeout:        clampTimeout(f.Dispatch.TimeoutMs, r.cfg),
		})
	case string(gatewaytypes.KindAgentRun):
		env = r.dispatchAgentRun(ctx, f)
	default:
		env = gatewaytypes.ReplyEnvelope{Status: gatewaytypes.ReplyFailed, Error: string(gatewaytypes.ErrUnsupportedKind)}
	}

	r.completeDispatch(ctx, f, env)

	if r.deps.Metrics != nil {
		status := "succeeded"
		if env.Status == gatewaytypes.ReplyFailed {
			status = "failed"
		}
		r.deps.Metrics.DispatchTotal.WithLabelValues(f.Dispatch.Kind, status).Inc()
		r.deps.Metrics.DispatchDuration.WithLabelValues(f.Dispatch.Kind).Observe(time.Since(start).Seconds())
	}
}

// completeDispatch writes the response to the results cache and reply key,
// and — for async dispatches — enqueues a continuation job (spec §4.4 step 2).
func (r *Runtime) completeDispatch(ctx context.Context, f gatewaytypes.WorkflowDispatchFrame, env gatewaytypes.ReplyEnvelope) {
	if err := r.deps.Results.Put(ctx, f.RequestID, env); err != nil {
		slog.Warn("brain: cache response failed", "requestId", f.RequestID, "error", err)
	}
	if err := results.PutReply(ctx, r.deps.Bus, f.RequestID, env, r.cfg.ReplyTTL); err != nil {
		slog.Warn("brain: write reply key failed", "requestId", f.RequestID, "error", err)
	}

	if !f.Async {
		return
	}
	resultJSON, _ := json.Marshal(env)
	job := continuations.Job{
		OrganizationID: f.Dispatch.OrganizationID,
		WorkflowID:     f.Dispatch.WorkflowID,
		RunID:          f.Dispatch.RunID,
		RequestID:      f.RequestID,
		AttemptCount:   f.Dispatch.AttemptCount,
		Result:         resultJSON,
	}
	if err := r.deps.Continuations.Enqueue(ctx, job); err != nil {
		slog.Warn("brain: enqueue continuation failed", "requestId", f.RequestID, "error", err)
	}
}

// agentRunNode is the slice of an opaque workflow node definition the brain
// actually reads: which engine the node targets and whether an inline
// per-node secret removes the executor-OAuth requirement (spec §4.4 step 2
// "Determine whether the engine requires executor-side OAuth... AND no
// inline secret").
type agentRunNode struct {
	EngineID       gatewaytypes.EngineID `json:"engineId,omitempty"`
	EngineSecretID string                `json:"engineSecretId,omitempty"`
}

func (r *Runtime) dispatchAgentRun(ctx context.Context, f gatewaytypes.WorkflowDispatchFrame) gatewaytypes.ReplyEnvelope {
	payload, err := gatewaytypes.ValidateAgentRunPayload(f.Dispatch.Payload)
	if err != nil {
		return gatewaytypes.ReplyEnvelope{Status: gatewaytypes.ReplyFailed, Error: string(errCodeOr(err, gatewaytypes.ErrInvalidAgentRunPayload))}
	}

	var node agentRunNode
	_ = json.Unmarshal(payload.Node, &node)

	oauthRequired := false
	if node.EngineID != "" {
		rule, ok := gatewaytypes.EngineTable[node.EngineID]
		if !ok {
			return gatewaytypes.ReplyEnvelope{Status: gatewaytypes.ReplyFailed, Error: string(gatewaytypes.ErrExecutorUnsupportedEngine)}
		}
		oauthRequired = rule.RequiresExecutorOAuth && node.EngineSecretID == ""
	}

	secretsByID := map[string]string{}
	if r.deps.Secrets != nil {
		if node.EngineSecretID != "" {
			if plain, serr := r.deps.Secrets.Resolve(ctx, f.Dispatch.OrganizationID, node.EngineSecretID); serr == nil {
				secretsByID[node.EngineSecretID] = string(plain)
			} else {
				slog.Warn("brain: resolve engine secret failed", "secretId", node.EngineSecretID, "error", serr)
			}
		}
		if resolved, serr := r.deps.Secrets.ResolveMany(ctx, f.Dispatch.OrganizationID, payload.SecretRefs); serr == nil {
			for id, plain := range resolved {
				secretsByID[id] = string(plain)
			}
		}
	}

	invokePayload, err := json.Marshal(agentRunInvokePayload{
		NodeID:       payload.NodeID,
		Node:         payload.Node,
		RunID:        payload.RunID,
		WorkflowID:   payload.WorkflowID,
		AttemptCount: payload.AttemptCount,
		Env:          payload.Env,
		Secrets:      secretsByID,
	})
	if err != nil {
		return gatewaytypes.ReplyEnvelope{Status: gatewaytypes.ReplyFailed, Error: string(gatewaytypes.ErrInvalidAgentRunPayload)}
	}

	return r.invokeToolOnExecutor(ctx, invokeRequest{
		OrganizationID: f.Dispatch.OrganizationID,
		OwnerType:      gatewaytypes.OwnerWorkflowRun,
		OwnerID:        payload.RunID,
		Kind:           gatewaytypes.KindAgentRun,
		EngineID:       node.EngineID,
		RequireOAuth:   oauthRequired,
		Payload:        invokePayload,
		Timeout:        clampTimeout(f.Dispatch.TimeoutMs, r.cfg),
	})
}

// agentRunInvokePayload is the resolved payload sent to the executor: the
// opaque node definition plus decrypted secrets, keyed by the secret id the
// node/connector referenced (the engine secret id included), so the executor
// receives plaintext values rather than ids it would have to dereference.
type agentRunInvokePayload struct {
	NodeID       string                   `json:"nodeId"`
	Node         json.RawMessage          `json:"node"`
	RunID        string                   `json:"runId"`
	WorkflowID   string                   `json:"workflowId"`
	AttemptCount int                      `json:"attemptCount"`
	Env          gatewaytypes.AgentRunEnv `json:"env"`
	Secrets      map[string]string        `json:"secrets,omitempty"`
}

// invokeRequest bundles the inputs invokeToolOnExecutor needs across both
// its workflow-dispatch and (future) session-turn callers.
type invokeRequest struct {
	OrganizationID string
	OwnerType      gatewaytypes.WorkspaceOwnerType
	OwnerID        string
	Kind           gatewaytypes.ExecutorKind
	EngineID       gatewaytypes.EngineID
	RequireOAuth   bool
	Selector       gatewaytypes.Selector
	Payload        json.RawMessage
	Timeout        time.Duration
}

// invokeToolOnExecutor implements spec §4.5 end to end: quota resolution,
// scheduler selection+reservation, workspace lock/version bookkeeping, the
// invoke_tool_v2 round trip, and capacity release via a finally-style defer.
func (r *Runtime) invokeToolOnExecutor(ctx context.Context, req invokeRequest) gatewaytypes.ReplyEnvelope {
	orgCap, err := r.resolveOrgMaxInFlight(ctx, req.OrganizationID)
	if err != nil {
		return gatewaytypes.ReplyEnvelope{Status: gatewaytypes.ReplyFailed, Error: err.Error()}
	}

	route, reserveRes, err := r.selectAndReserve(ctx, req, orgCap)
	if err != nil {
		return gatewaytypes.ReplyEnvelope{Status: gatewaytypes.ReplyFailed, Error: err.Error()}
	}
	if !reserveRes.OK {
		return gatewaytypes.ReplyEnvelope{Status: gatewaytypes.ReplyFailed, Error: string(reserveRes.Reason)}
	}
	r.observeInFlight(ctx, route.ExecutorID, req.OrganizationID)
	defer func() {
		if err := scheduler.Release(context.Background(), r.deps.Counters, route.ExecutorID, req.OrganizationID, reserveRes.Token); err != nil {
			slog.Warn("brain: release capacity failed", "executorId", route.ExecutorID, "error", err)
		}
		r.observeInFlight(context.Background(), route.ExecutorID, req.OrganizationID)
	}()

	prepared, err := r.deps.Workspace.Prepare(ctx, req.OrganizationID, req.OwnerType, req.OwnerID)
	if err != nil {
		return gatewaytypes.ReplyEnvelope{Status: gatewaytypes.ReplyFailed, Error: string(errCodeOr(err, gatewaytypes.ErrWorkspaceS3NotConfigured))}
	}

	lockToken, err := r.deps.Workspace.AcquireLock(ctx, prepared.Workspace.WorkspaceID, int(req.Timeout.Milliseconds()))
	if err != nil {
		return gatewaytypes.ReplyEnvelope{Status: gatewaytypes.ReplyFailed, Error: string(errCodeOr(err, gatewaytypes.ErrWorkspaceLocked))}
	}
	_ = lockToken
	defer func() {
		if err := r.deps.Workspace.ReleaseLock(context.Background(), prepared.Workspace.WorkspaceID); err != nil {
			slog.Warn("brain: release workspace lock failed", "workspaceId", prepared.Workspace.WorkspaceID, "error", err)
		}
	}()

	requestID := fmt.Sprintf("%s:%s", req.OwnerID, randomSuffix())
	invoke := gatewaytypes.InvokeToolV2{
		RequestID: requestID,
		ToolPolicy: gatewaytypes.ToolPolicy{
			NetworkModeDefaultDeny: true,
			TimeoutMs:              int(req.Timeout.Milliseconds()),
			OutputMaxChars:         r.cfg.ToolOutputMaxChars,
			MountsAllowlist: []gatewaytypes.Mount{
				{Path: "/work", Mode: "rw"},
				{Path: "/tmp", Mode: "rw"},
			},
		},
		Workspace: gatewaytypes.WorkspaceRef{
			WorkspaceID: prepared.Workspace.WorkspaceID,
			Version:     prepared.ExpectedVersion,
			ObjectKey:   prepared.Workspace.CurrentObjectKey,
			Etag:        prepared.Workspace.CurrentEtag,
		},
		WorkspaceAccess: prepared.Access,
		Payload:         req.Payload,
	}

	if err := r.publishToEdge(ctx, route.EdgeID, gatewaytypes.ExecutorInvokeFrame{
		ExecutorID: route.ExecutorID,
		Invoke:     invoke,
	}, gatewaytypes.FrameExecutorInvoke); err != nil {
		return gatewaytypes.ReplyEnvelope{Status: gatewaytypes.ReplyFailed, Error: string(gatewaytypes.ErrNodeExecutionFailed)}
	}

	awaitCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()
	reply, err := results.AwaitReply(awaitCtx, r.deps.Bus, requestID)
	if err != nil {
		return gatewaytypes.ReplyEnvelope{Status: gatewaytypes.ReplyFailed, Error: string(gatewaytypes.ErrNodeExecutionTimeout)}
	}

	r.deps.Scheduler.MarkUsed(ctx, route.ExecutorID, time.Now().UnixMilli())

	if reply.Workspace != nil {
		if err := r.deps.Workspace.Commit(ctx, prepared.Workspace.WorkspaceID, prepared.ExpectedVersion, reply.Workspace); err != nil {
			if r.deps.Metrics != nil {
				r.deps.Metrics.WorkspaceConflicts.WithLabelValues(string(req.OwnerType)).Inc()
			}
			return gatewaytypes.ReplyEnvelope{Status: gatewaytypes.ReplyFailed, Error: string(gatewaytypes.ErrWorkspaceVersionConflict)}
		}
		if r.deps.Metrics != nil {
			r.deps.Metrics.WorkspaceCommits.WithLabelValues(string(req.OwnerType)).Inc()
		}
	}

	return *reply
}

// selectAndReserve runs the scheduler's pool-ordered candidate filter and
// reservation loop for req, translating the scheduler's route source and
// counters into the callback shape scheduler.Select expects.
func (r *Runtime) selectAndReserve(ctx context.Context, req invokeRequest, orgCap int) (*gatewaytypes.ExecutorRoute, scheduler.ReserveResult, error) {
	routesByPool := func(pool gatewaytypes.Pool) []*gatewaytypes.ExecutorRoute {
		routes, err := r.deps.Scheduler.ListRoutes(ctx, pool, req.OrganizationID, scheduler.ListRoutesFn(r.deps.ListRoutes))
		if err != nil {
			slog.Warn("brain: list routes failed", "pool", pool, "error", err)
			return nil
		}
		return routes
	}
	getInFlight := func(executorID string) int64 {
		v, _ := scheduler.GetInFlight(ctx, r.deps.Counters, executorID)
		return v
	}
	reserve := func(route *gatewaytypes.ExecutorRoute) (scheduler.ReserveResult, error) {
		return scheduler.Reserve(ctx, r.deps.Counters, scheduler.ReserveParams{
			ExecutorID:     route.ExecutorID,
			OrganizationID: req.OrganizationID,
			ExecCap:        route.MaxInFlight,
			OrgCap:         orgCap,
			TTL:            r.cfg.ReserveTTL,
		})
	}

	return scheduler.Select(ctx, routesByPool, getInFlight, reserve, scheduler.SelectionRequest{
		Selector:       req.Selector,
		Kind:           req.Kind,
		EngineID:       req.EngineID,
		RequireOAuth:   req.RequireOAuth,
		DefaultPools:   r.cfg.DefaultPools,
		OrganizationID: req.OrganizationID,
	})
}

func randomSuffix() string {
	return uuid.NewString()[:12]
}

// observeInFlight mirrors the per-executor and per-org in-flight counters
// into their gauges after a reserve or release moves them.
func (r *Runtime) observeInFlight(ctx context.Context, executorID, organizationID string) {
	if r.deps.Metrics == nil {
		return
	}
	if v, err := scheduler.GetInFlight(ctx, r.deps.Counters, executorID); err == nil {
		r.deps.Metrics.ExecutorInFlight.WithLabelValues(executorID).Set(float64(v))
	}
	if v, err := scheduler.GetOrgInFlight(ctx, r.deps.Counters, organizationID); err == nil {
		r.deps.Metrics.OrgInFlight.WithLabelValues(organizationID).Set(float64(v))
	}
}

// errCodeOr extracts err's GatewayError code, falling back to def when err
// carries none (a wrapped non-taxonomy error, e.g. a store I/O failure).
func errCodeOr(err error, def gatewaytypes.ErrorCode) gatewaytypes.ErrorCode {
	if code := gatewaytypes.CodeOf(err); code != "" {
		return code
	}
	return def
}
