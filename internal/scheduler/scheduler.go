// Package scheduler maintains the executor route registry and the
// reserve/release capacity protocol described in spec §4.2, following the
// teacher's Redis-backed spoke/route index pattern
// (internal/fabric.RedisHubStore) generalized to the gateway's executor
// routes, dual in-flight counters, and scoring selection.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/ocx/gatewayd/internal/bus"
	"github.com/ocx/gatewayd/internal/gatewaytypes"
)

const (
	keyPrefixRoute        = "gateway:route:"         // route:<executorId> -> ExecutorRoute JSON
	keyPrefixByPool       = "gateway:routes:pool:"   // routes:pool:<pool> -> set of executorIds
	keyPrefixByOrg        = "gateway:routes:org:"    // routes:org:<orgId> -> set of executorIds (byon only)
	keyPrefixInFlightExec = "gateway:inflight:exec:" // inflight:exec:<executorId> -> int counter
	keyPrefixInFlightOrg  = "gateway:inflight:org:"  // inflight:org:<orgId> -> int counter
	keyPrefixReservation  = "gateway:reservation:"   // reservation:<executorId>|<orgId>|<nanos> TTL backstop
)

// Scheduler implements the route registry and capacity reservation protocol.
type Scheduler struct {
	store bus.KV
}

// New builds a Scheduler backed by store (normally a rediskv.Adapter).
func New(store bus.KV) *Scheduler {
	return &Scheduler{store: store}
}

// RegisterRoute writes/refreshes the serialized route for an executor, TTL'd
// at staleExecutorMs. Absence of the key means the executor is unavailable.
func (s *Scheduler) RegisterRoute(ctx context.Context, route *gatewaytypes.ExecutorRoute, staleTTL time.Duration) error {
	data, err := json.Marshal(route)
	if err != nil {
		return fmt.Errorf("marshal route: %w", err)
	}
	if err := s.store.Set(ctx, keyPrefixRoute+route.ExecutorID, data, staleTTL); err != nil {
		return fmt.Errorf("set route: %w", err)
	}
	return nil
}

// DeregisterRoute removes a route key, e.g. on socket close.
func (s *Scheduler) DeregisterRoute(ctx context.Context, executorID string) error {
	return s.store.Del(ctx, keyPrefixRoute+executorID)
}

// GetRoute fetches a single route by id, returning bus.ErrNotFound if stale
// or never registered.
func (s *Scheduler) GetRoute(ctx context.Context, executorID string) (*gatewaytypes.ExecutorRoute, error) {
	data, err := s.store.Get(ctx, keyPrefixRoute+executorID)
	if err != nil {
		return nil, err
	}
	var route gatewaytypes.ExecutorRoute
	if err := json.Unmarshal(data, &route); err != nil {
		return nil, fmt.Errorf("unmarshal route: %w", err)
	}
	return &route, nil
}

// ListRoutesFn is injected by the caller to list candidate executor ids for
// a pool (and organization, for byon) — backed by the registry index a
// concrete store implementation maintains alongside route keys.
type ListRoutesFn func(ctx context.Context, pool gatewaytypes.Pool, organizationID string) ([]string, error)

// ListRoutes returns all fresh routes for pool, using listIDs to discover
// candidate executor ids and then filtering out any whose route key has
// expired (the authoritative liveness signal per spec §3).
func (s *Scheduler) ListRoutes(ctx context.Context, pool gatewaytypes.Pool, organizationID string, listIDs ListRoutesFn) ([]*gatewaytypes.ExecutorRoute, error) {
	ids, err := listIDs(ctx, pool, organizationID)
	if err != nil {
		return nil, err
	}
	routes := make([]*gatewaytypes.ExecutorRoute, 0, len(ids))
	for _, id := range ids {
		route, err := s.GetRoute(ctx, id)
		if err != nil {
			continue // stale/expired: invisible to selection
		}
		routes = append(routes, route)
	}
	return routes, nil
}

// MarkUsed sets last_used_ms on the route to now, best effort.
func (s *Scheduler) MarkUsed(ctx context.Context, executorID string, nowMs int64) {
	route, err := s.GetRoute(ctx, executorID)
	if err != nil {
		return
	}
	route.LastUsedMs = nowMs
	data, err := json.Marshal(route)
	if err != nil {
		return
	}
	// Preserve remaining TTL is not tracked here; a fresh registration will
	// refresh it on the next hello/heartbeat. Best-effort write only.
	_ = s.store.Set(ctx, keyPrefixRoute+executorID, data, 0)
}

// =============================================================================
// Capacity reservation
// =============================================================================

// ReserveParams bundles the inputs to Reserve.
type ReserveParams struct {
	ExecutorID     string
	OrganizationID string
	ExecCap        int
	OrgCap         int
	TTL            time.Duration
}

// ReserveResult is the outcome of a reservation attempt.
type ReserveResult struct {
	OK     bool
	Token  string
	Reason gatewaytypes.ErrorCode
}

// Counters tracks per-executor and per-org in-flight integers, both ≥ 0,
// using an injectable atomic-increment primitive so the same logic can run
// against Redis INCR/DECR or an in-memory test double.
type Counters interface {
	// Incr atomically adds delta to the counter at key and returns the new
	// value. Negative delta is a decrement, clamped at zero.
	Incr(ctx context.Context, key string, delta int64) (int64, error)
	// ExpireReservation registers a TTL backstop for a reservation token so
	// a crashed caller's increment is eventually reverted.
	ExpireReservation(ctx context.Context, token string, ttl time.Duration, onExpire func()) error
	// ClearReservation removes the TTL marker for a reservation released
	// normally, so the expiry backstop never fires for it.
	ClearReservation(ctx context.Context, token string) error
}

// Reserve atomically increments both the per-executor and per-org counters
// under their caps. The first increment that would exceed either cap fails
// the reservation and backs out any partial increment (spec §4.2).
func Reserve(ctx context.Context, counters Counters, p ReserveParams) (ReserveResult, error) {
	execKey := keyPrefixInFlightExec + p.ExecutorID
	orgKey := keyPrefixInFlightOrg + p.OrganizationID

	execCount, err := counters.Incr(ctx, execKey, 1)
	if err != nil {
		return ReserveResult{}, fmt.Errorf("incr exec counter: %w", err)
	}
	if execCount > int64(p.ExecCap) {
		_, _ = counters.Incr(ctx, execKey, -1)
		return ReserveResult{OK: false, Reason: gatewaytypes.ErrExecutorOverCapacity}, nil
	}

	orgCount, err := counters.Incr(ctx, orgKey, 1)
	if err != nil {
		_, _ = counters.Incr(ctx, execKey, -1)
		return ReserveResult{}, fmt.Errorf("incr org counter: %w", err)
	}
	if orgCount > int64(p.OrgCap) {
		_, _ = counters.Incr(ctx, execKey, -1)
		_, _ = counters.Incr(ctx, orgKey, -1)
		return ReserveResult{OK: false, Reason: gatewaytypes.ErrOrgQuotaExceeded}, nil
	}

	// "|" never appears in executor or organization ids, so the reaper can
	// recover both from an expired marker's key name.
	token := fmt.Sprintf("%s|%s|%d", p.ExecutorID, p.OrganizationID, time.Now().UnixNano())
	_ = counters.ExpireReservation(ctx, token, p.TTL, func() {
		_, _ = counters.Incr(ctx, execKey, -1)
		_, _ = counters.Incr(ctx, orgKey, -1)
	})

	return ReserveResult{OK: true, Token: token}, nil
}

// GetInFlight peeks the current per-executor in-flight counter without
// mutating it (an INCRBY ... 0 read, per spec §4.2 "getInFlight(executorId)").
func GetInFlight(ctx context.Context, counters Counters, executorID string) (int64, error) {
	return counters.Incr(ctx, keyPrefixInFlightExec+executorID, 0)
}

// GetOrgInFlight peeks the current per-org in-flight counter (spec §4.2
// "getOrgInFlight(orgId)").
func GetOrgInFlight(ctx context.Context, counters Counters, organizationID string) (int64, error) {
	return counters.Incr(ctx, keyPrefixInFlightOrg+organizationID, 0)
}

// Release decrements both counters, never going below zero (the Counters
// implementation is responsible for clamping). The reservation's TTL marker
// is cleared first so the expiry backstop cannot decrement the same
// reservation a second time.
func Release(ctx context.Context, counters Counters, executorID, organizationID, token string) error {
	if token != "" {
		if err := counters.ClearReservation(ctx, token); err != nil {
			return err
		}
	}
	if _, err := counters.Incr(ctx, keyPrefixInFlightExec+executorID, -1); err != nil {
		return err
	}
	if _, err := counters.Incr(ctx, keyPrefixInFlightOrg+organizationID, -1); err != nil {
		return err
	}
	return nil
}

// =============================================================================
// Selection
// =============================================================================

// SelectionRequest bundles the inputs to Select.
type SelectionRequest struct {
	Selector       gatewaytypes.Selector
	Kind           gatewaytypes.ExecutorKind
	EngineID       gatewaytypes.EngineID
	RequireOAuth   bool
	DefaultPools   []gatewaytypes.Pool // pool order when Selector.Pool is unset
	OrganizationID string
}

// poolOrder resolves the pool iteration order per spec §4.2 step 1.
func poolOrder(req SelectionRequest) []gatewaytypes.Pool {
	if req.Selector.Pool != "" {
		return []gatewaytypes.Pool{req.Selector.Pool}
	}
	if len(req.DefaultPools) > 0 {
		return req.DefaultPools
	}
	return []gatewaytypes.Pool{gatewaytypes.PoolBYON, gatewaytypes.PoolManaged}
}

// candidateOK applies the spec §4.2 step-2 filters to one route.
func candidateOK(route *gatewaytypes.ExecutorRoute, req SelectionRequest) (ok bool, filteredByOAuthOnly bool) {
	if route.Pool == gatewaytypes.PoolBYON && route.OrganizationID != req.OrganizationID {
		return false, false
	}
	if !hasKind(route.Kinds, req.Kind) {
		return false, false
	}
	if !hasAllLabels(route.Labels, req.Selector.Labels) {
		return false, false
	}
	if !groupSatisfied(route.Labels, req.Selector.Group) {
		return false, false
	}
	if req.Selector.ExecutorID != "" && route.ExecutorID != req.Selector.ExecutorID {
		return false, false
	}
	if req.RequireOAuth && !route.IsOAuthVerified(req.EngineID) {
		return false, true
	}
	return true, false
}

func hasKind(kinds []gatewaytypes.ExecutorKind, want gatewaytypes.ExecutorKind) bool {
	for _, k := range kinds {
		if k == want {
			return true
		}
	}
	return false
}

func hasAllLabels(have, required []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, l := range have {
		set[l] = struct{}{}
	}
	for _, r := range required {
		if _, ok := set[r]; !ok {
			return false
		}
	}
	return true
}

func groupSatisfied(labels []string, group string) bool {
	if group == "" {
		return true
	}
	wantTag := "group:" + group
	for _, l := range labels {
		if l == group || l == wantTag {
			return true
		}
	}
	return false
}

// scored pairs a route with its selection score (lower is better).
type scored struct {
	route    *gatewaytypes.ExecutorRoute
	inFlight int64
}

// Select runs the pool-ordered candidate filter and reservation loop from
// spec §4.2 steps 1–7. getInFlight supplies the current per-executor
// counter; reserve performs the atomic reservation attempt.
func Select(
	ctx context.Context,
	routesByPool func(pool gatewaytypes.Pool) []*gatewaytypes.ExecutorRoute,
	getInFlight func(executorID string) int64,
	reserve func(route *gatewaytypes.ExecutorRoute) (ReserveResult, error),
	req SelectionRequest,
) (*gatewaytypes.ExecutorRoute, ReserveResult, error) {
	sawOAuthOnlyFilter := false
	sawAnyCandidate := false
	var worst gatewaytypes.ErrorCode

	// Pools are tried in order: a reservation in the preferred pool wins
	// outright, but a pool whose candidates all fail reservation falls
	// through to the next pool before any error is surfaced.
	for _, pool := range poolOrder(req) {
		var candidates []*gatewaytypes.ExecutorRoute
		for _, route := range routesByPool(pool) {
			ok, oauthOnly := candidateOK(route, req)
			if oauthOnly {
				sawOAuthOnlyFilter = true
			}
			if ok {
				candidates = append(candidates, route)
			}
		}
		if len(candidates) == 0 {
			continue
		}
		sawAnyCandidate = true

		ranked := make([]scored, len(candidates))
		for i, route := range candidates {
			ranked[i] = scored{route: route, inFlight: getInFlight(route.ExecutorID)}
		}
		sort.SliceStable(ranked, func(i, j int) bool {
			si := float64(ranked[i].inFlight) / float64(max1(ranked[i].route.MaxInFlight))
			sj := float64(ranked[j].inFlight) / float64(max1(ranked[j].route.MaxInFlight))
			if si != sj {
				return si < sj
			}
			return ranked[i].route.LastUsedMs < ranked[j].route.LastUsedMs
		})

		for _, c := range ranked {
			res, err := reserve(c.route)
			if err != nil {
				return nil, ReserveResult{}, err
			}
			if res.OK {
				return c.route, res, nil
			}
			if res.Reason == gatewaytypes.ErrOrgQuotaExceeded {
				worst = gatewaytypes.ErrOrgQuotaExceeded
			} else if res.Reason == gatewaytypes.ErrExecutorOverCapacity && worst != gatewaytypes.ErrOrgQuotaExceeded {
				worst = gatewaytypes.ErrExecutorOverCapacity
			}
		}
	}

	if req.Selector.ExecutorID != "" && !sawAnyCandidate {
		return nil, ReserveResult{Reason: gatewaytypes.ErrNoExecutorAvailable}, nil
	}
	if !sawAnyCandidate && sawOAuthOnlyFilter {
		return nil, ReserveResult{Reason: gatewaytypes.ErrExecutorOAuthNotVerified}, nil
	}
	if worst == "" {
		worst = gatewaytypes.ErrNoExecutorAvailable
	}
	return nil, ReserveResult{Reason: worst}, nil
}

func max1(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}
