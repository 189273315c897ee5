package rediskv

import (
	"context"

	"github.com/ocx/gatewayd/internal/gatewaytypes"
)

// RouteIndex tracks pool and org membership sets alongside the route keys
// an Adapter stores, the same index-per-concern approach as the teacher's
// RedisHubStore (route/capability/tenant sets keyed off the hub's
// registrations).
type RouteIndex struct {
	adapter *Adapter
}

// NewRouteIndex wraps adapter for pool/org membership bookkeeping.
func NewRouteIndex(adapter *Adapter) *RouteIndex {
	return &RouteIndex{adapter: adapter}
}

func poolKey(pool gatewaytypes.Pool) string {
	return "gateway:routes:pool:" + string(pool)
}

func orgKey(organizationID string) string {
	return "gateway:routes:org:" + organizationID
}

// IndexExecutor adds executorID to its pool's membership set, and to its
// org's set when it is a byon executor.
func (ri *RouteIndex) IndexExecutor(ctx context.Context, executorID string, pool gatewaytypes.Pool, organizationID string) error {
	if err := ri.adapter.Add(ctx, poolKey(pool), executorID, 0); err != nil {
		return err
	}
	if pool == gatewaytypes.PoolBYON && organizationID != "" {
		if err := ri.adapter.Add(ctx, orgKey(organizationID), executorID, 0); err != nil {
			return err
		}
	}
	return nil
}

// DeindexExecutor removes executorID from its pool and org sets.
func (ri *RouteIndex) DeindexExecutor(ctx context.Context, executorID string, pool gatewaytypes.Pool, organizationID string) error {
	if err := ri.adapter.Remove(ctx, poolKey(pool), executorID); err != nil {
		return err
	}
	if pool == gatewaytypes.PoolBYON && organizationID != "" {
		if err := ri.adapter.Remove(ctx, orgKey(organizationID), executorID); err != nil {
			return err
		}
	}
	return nil
}

// ListIDs satisfies scheduler.ListRoutesFn: candidate executor ids for a
// pool, narrowed to one org's set when pool is byon.
func (ri *RouteIndex) ListIDs(ctx context.Context, pool gatewaytypes.Pool, organizationID string) ([]string, error) {
	if pool == gatewaytypes.PoolBYON && organizationID != "" {
		return ri.adapter.Members(ctx, orgKey(organizationID))
	}
	return ri.adapter.Members(ctx, poolKey(pool))
}
