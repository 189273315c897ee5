// Adapters wiring edge's small collaborator interfaces (RouteRegistry,
// ReplyStore, TokenStore, SessionStore, PresenceTracker) onto the
// scheduler/rediskv/portal/bus packages, the way the teacher's cmd/api
// wires its Hub against RedisHubStore and SupabaseClient behind narrow
// interfaces rather than importing the concrete types directly into hubs.
package edge

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ocx/gatewayd/internal/bus"
	"github.com/ocx/gatewayd/internal/gatewaytypes"
	"github.com/ocx/gatewayd/internal/portal"
	"github.com/ocx/gatewayd/internal/results"
	"github.com/ocx/gatewayd/internal/scheduler"
)

// SchedulerRouteRegistry adapts internal/scheduler.Scheduler plus a pool/org
// index to the ExecutorHub's RouteRegistry interface.
type SchedulerRouteRegistry struct {
	Scheduler *scheduler.Scheduler
	Index     RouteIndexer
	StaleTTL  time.Duration
}

// RouteIndexer is the subset of internal/rediskv.RouteIndex the route
// registry needs to keep pool/org membership sets in sync with route keys.
type RouteIndexer interface {
	IndexExecutor(ctx context.Context, executorID string, pool gatewaytypes.Pool, organizationID string) error
	DeindexExecutor(ctx context.Context, executorID string, pool gatewaytypes.Pool, organizationID string) error
}

func (r *SchedulerRouteRegistry) RegisterRoute(route *gatewaytypes.ExecutorRoute) error {
	ctx := context.Background()
	if err := r.Scheduler.RegisterRoute(ctx, route, r.StaleTTL); err != nil {
		return err
	}
	return r.Index.IndexExecutor(ctx, route.ExecutorID, route.Pool, route.OrganizationID)
}

func (r *SchedulerRouteRegistry) DeregisterRoute(executorID string) error {
	ctx := context.Background()
	route, err := r.Scheduler.GetRoute(ctx, executorID)
	if err == nil && route != nil {
		_ = r.Index.DeindexExecutor(ctx, executorID, route.Pool, route.OrganizationID)
	}
	return r.Scheduler.DeregisterRoute(ctx, executorID)
}

// KVReplyStore adapts internal/bus.KV + internal/results and a to-brain
// publisher to the ExecutorHub's ReplyStore interface: `tool_result_v2` and
// friends are stored under their reply key, and `tool_event_v2` telemetry is
// forwarded on to the brain (spec §4.3).
type KVReplyStore struct {
	KV       bus.KV
	ToBrain  BrainPublisher
	ReplyTTL time.Duration
}

func (s *KVReplyStore) StoreReply(requestID string, envelope gatewaytypes.ReplyEnvelope) error {
	return results.PutReply(context.Background(), s.KV, requestID, envelope, s.ReplyTTL)
}

func (s *KVReplyStore) ForwardToolEvent(executorID string, event json.RawMessage) error {
	return s.ToBrain.PublishToBrain(gatewaytypes.ExecutorEventFrame{ExecutorID: executorID, Event: event})
}

// StorePortalTokenStore adapts portal.Store's executor token lookup to the
// ExecutorHub's TokenStore interface.
type StorePortalTokenStore struct {
	Store portal.Store
}

func (t *StorePortalTokenStore) Resolve(tokenHash string) (string, gatewaytypes.Pool, bool, error) {
	return t.Store.ResolveExecutorToken(context.Background(), tokenHash)
}

// StorePortalSessionStore adapts portal.Store to the ClientHub's
// SessionStore interface.
type StorePortalSessionStore struct {
	Store portal.Store
}

func (s *StorePortalSessionStore) LoadSession(sessionID string) (*gatewaytypes.Session, error) {
	return s.Store.LoadSession(context.Background(), sessionID)
}

func (s *StorePortalSessionStore) RecentEvents(sessionID string, limit int) ([]gatewaytypes.SessionEvent, error) {
	return s.Store.RecentSessionEvents(context.Background(), sessionID, limit)
}

func (s *StorePortalSessionStore) AppendEvent(ev *gatewaytypes.SessionEvent) (int64, error) {
	return s.Store.AppendSessionEvent(context.Background(), ev)
}

// BusPresenceTracker adapts internal/bus.PresenceSet to the ClientHub's
// PresenceTracker interface, refreshing `session:edges:<sessionId>` TTLs on
// join (spec §4.1).
type BusPresenceTracker struct {
	Presence bus.PresenceSet
	TTL      time.Duration
}

func presenceKey(sessionID string) string { return "session:edges:" + sessionID }

func (t *BusPresenceTracker) Join(sessionID, edgeID string) error {
	return t.Presence.Add(context.Background(), presenceKey(sessionID), edgeID, t.TTL)
}

func (t *BusPresenceTracker) Leave(sessionID, edgeID string) error {
	return t.Presence.Remove(context.Background(), presenceKey(sessionID), edgeID)
}
