package brain

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/gatewayd/internal/gatewaytypes"
	"github.com/ocx/gatewayd/internal/results"
	"github.com/ocx/gatewayd/internal/scheduler"
)

func TestWorkflowDispatch_HappyPathCachesResponse(t *testing.T) {
	h := newTestHarness(t)
	h.registerRoute(t, managedRoute("exec-1"))
	h.playExecutor(gatewaytypes.ReplyEnvelope{}, gatewaytypes.ReplyEnvelope{
		Status: gatewaytypes.ReplySucceeded,
		Output: json.RawMessage(`{"ok":true}`),
	})

	frame := gatewaytypes.WorkflowDispatchFrame{
		RequestID: results.RequestID("r", "n", 1),
		Dispatch: gatewaytypes.Dispatch{
			Kind:           string(gatewaytypes.KindConnectorAction),
			OrganizationID: "org-1",
			RunID:          "r",
			WorkflowID:     "w",
			NodeID:         "n",
			AttemptCount:   1,
			Payload:        json.RawMessage(`{"connectorId":"c","actionId":"a"}`),
		},
	}
	h.runtime.handleWorkflowDispatch(context.Background(), frame)

	cached, err := h.runtime.deps.Results.Get(context.Background(), "r:n:1")
	require.NoError(t, err)
	assert.Equal(t, gatewaytypes.ReplySucceeded, cached.Status)
	assert.JSONEq(t, `{"ok":true}`, string(cached.Output))

	reply, err := results.AwaitReply(contextWithShortDeadline(t), h.bus, "r:n:1")
	require.NoError(t, err)
	assert.Equal(t, gatewaytypes.ReplySucceeded, reply.Status)

	execInFlight, _ := scheduler.GetInFlight(context.Background(), h.counters, "exec-1")
	assert.Equal(t, int64(0), execInFlight, "capacity must be released after the invocation")
}

func TestWorkflowDispatch_OrgQuotaIsolatesTenants(t *testing.T) {
	h := newTestHarness(t)
	route := managedRoute("exec-1")
	route.MaxInFlight = 2
	h.registerRoute(t, route)
	h.playExecutor(gatewaytypes.ReplyEnvelope{}, gatewaytypes.ReplyEnvelope{Status: gatewaytypes.ReplySucceeded})

	h.portal.quotas["org-a"] = 1
	h.portal.quotas["org-b"] = 1

	// Org A holds one reservation against the shared executor.
	held, err := scheduler.Reserve(context.Background(), h.counters, scheduler.ReserveParams{
		ExecutorID: "exec-1", OrganizationID: "org-a", ExecCap: 2, OrgCap: 1, TTL: time.Minute,
	})
	require.NoError(t, err)
	require.True(t, held.OK)

	// Org B's dispatch still succeeds against its own counter.
	h.runtime.handleWorkflowDispatch(context.Background(), gatewaytypes.WorkflowDispatchFrame{
		RequestID: "rb:n:1",
		Dispatch: gatewaytypes.Dispatch{
			Kind: string(gatewaytypes.KindConnectorAction), OrganizationID: "org-b",
			RunID: "rb", NodeID: "n", AttemptCount: 1,
		},
	})
	replyB, err := h.runtime.deps.Results.Get(context.Background(), "rb:n:1")
	require.NoError(t, err)
	assert.Equal(t, gatewaytypes.ReplySucceeded, replyB.Status)

	// Org A's next dispatch exceeds its own quota.
	h.runtime.handleWorkflowDispatch(context.Background(), gatewaytypes.WorkflowDispatchFrame{
		RequestID: "ra:n:1",
		Dispatch: gatewaytypes.Dispatch{
			Kind: string(gatewaytypes.KindConnectorAction), OrganizationID: "org-a",
			RunID: "ra", NodeID: "n", AttemptCount: 1,
		},
	})
	replyA, err := h.runtime.deps.Results.Get(context.Background(), "ra:n:1")
	require.NoError(t, err)
	assert.Equal(t, gatewaytypes.ReplyFailed, replyA.Status)
	assert.Equal(t, string(gatewaytypes.ErrOrgQuotaExceeded), replyA.Error)
}

func TestWorkflowDispatch_NoExecutorAvailable(t *testing.T) {
	h := newTestHarness(t)
	h.runtime.handleWorkflowDispatch(context.Background(), gatewaytypes.WorkflowDispatchFrame{
		RequestID: "r:n:1",
		Dispatch: gatewaytypes.Dispatch{
			Kind: string(gatewaytypes.KindConnectorAction), OrganizationID: "org-1",
			RunID: "r", NodeID: "n", AttemptCount: 1,
		},
	})
	reply, err := h.runtime.deps.Results.Get(context.Background(), "r:n:1")
	require.NoError(t, err)
	assert.Equal(t, gatewaytypes.ReplyFailed, reply.Status)
	assert.Equal(t, string(gatewaytypes.ErrNoExecutorAvailable), reply.Error)
}

func TestWorkflowDispatch_UnsupportedKindRejected(t *testing.T) {
	h := newTestHarness(t)
	h.runtime.handleWorkflowDispatch(context.Background(), gatewaytypes.WorkflowDispatchFrame{
		RequestID: "r:n:1",
		Dispatch: gatewaytypes.Dispatch{
			Kind: "connector.unknown", OrganizationID: "org-1",
			RunID: "r", NodeID: "n", AttemptCount: 1,
		},
	})
	reply, err := h.runtime.deps.Results.Get(context.Background(), "r:n:1")
	require.NoError(t, err)
	assert.Equal(t, string(gatewaytypes.ErrUnsupportedKind), reply.Error)
}

func TestInvokeTool_WorkspaceCommitConflictSurfaces(t *testing.T) {
	h := newTestHarness(t)
	h.registerRoute(t, managedRoute("exec-1"))
	h.playExecutor(gatewaytypes.ReplyEnvelope{}, gatewaytypes.ReplyEnvelope{
		Status: gatewaytypes.ReplySucceeded,
		Workspace: &gatewaytypes.WorkspaceAck{
			Version:   1,
			ObjectKey: "org-1/workspace/x/v1",
		},
	})
	h.portal.commitErr = assert.AnError

	env := h.runtime.invokeToolOnExecutor(context.Background(), invokeRequest{
		OrganizationID: "org-1",
		OwnerType:      gatewaytypes.OwnerWorkflowRun,
		OwnerID:        "run-1",
		Kind:           gatewaytypes.KindConnectorAction,
		Timeout:        2 * time.Second,
	})
	assert.Equal(t, gatewaytypes.ReplyFailed, env.Status)
	assert.Equal(t, string(gatewaytypes.ErrWorkspaceVersionConflict), env.Error)
}

func TestInvokeTool_WorkspaceCommitAdvancesVersion(t *testing.T) {
	h := newTestHarness(t)
	h.registerRoute(t, managedRoute("exec-1"))
	h.playExecutor(gatewaytypes.ReplyEnvelope{}, gatewaytypes.ReplyEnvelope{
		Status: gatewaytypes.ReplySucceeded,
		Workspace: &gatewaytypes.WorkspaceAck{
			Version:   1,
			ObjectKey: "org-1/workspace/x/v1",
			Etag:      "e1",
		},
	})

	env := h.runtime.invokeToolOnExecutor(context.Background(), invokeRequest{
		OrganizationID: "org-1",
		OwnerType:      gatewaytypes.OwnerWorkflowRun,
		OwnerID:        "run-1",
		Kind:           gatewaytypes.KindConnectorAction,
		Timeout:        2 * time.Second,
	})
	require.Equal(t, gatewaytypes.ReplySucceeded, env.Status)

	ws, err := h.portal.LoadOrCreateWorkspace(context.Background(), "org-1", gatewaytypes.OwnerWorkflowRun, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), ws.CurrentVersion)
	assert.Equal(t, "org-1/workspace/x/v1", ws.CurrentObjectKey)
}

func TestInvokeTool_WorkspaceLockedFailsSecondInvocation(t *testing.T) {
	h := newTestHarness(t)
	h.registerRoute(t, managedRoute("exec-1"))
	h.playExecutor(gatewaytypes.ReplyEnvelope{}, gatewaytypes.ReplyEnvelope{Status: gatewaytypes.ReplySucceeded})

	// Hold the advisory lock the way a concurrent invocation would.
	_, err := h.runtime.deps.Workspace.AcquireLock(context.Background(), "org-1:workflow_run:run-1", 5000)
	require.NoError(t, err)

	env := h.runtime.invokeToolOnExecutor(context.Background(), invokeRequest{
		OrganizationID: "org-1",
		OwnerType:      gatewaytypes.OwnerWorkflowRun,
		OwnerID:        "run-1",
		Kind:           gatewaytypes.KindConnectorAction,
		Timeout:        2 * time.Second,
	})
	assert.Equal(t, gatewaytypes.ReplyFailed, env.Status)
	assert.Equal(t, string(gatewaytypes.ErrWorkspaceLocked), env.Error)

	execInFlight, _ := scheduler.GetInFlight(context.Background(), h.counters, "exec-1")
	assert.Equal(t, int64(0), execInFlight, "capacity must be released even when the workspace is locked")
}

func TestDispatchAgentRun_InvalidPayloadRejected(t *testing.T) {
	h := newTestHarness(t)
	env := h.runtime.dispatchAgentRun(context.Background(), gatewaytypes.WorkflowDispatchFrame{
		RequestID: "r:n:1",
		Dispatch: gatewaytypes.Dispatch{
			Kind: string(gatewaytypes.KindAgentRun), OrganizationID: "org-1",
			RunID: "r", NodeID: "n", AttemptCount: 1,
			Payload: json.RawMessage(`{"nodeId":"n"}`),
		},
	})
	assert.Equal(t, gatewaytypes.ReplyFailed, env.Status)
	assert.Equal(t, string(gatewaytypes.ErrInvalidAgentRunPayload), env.Error)
}

func contextWithShortDeadline(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)
	return ctx
}
