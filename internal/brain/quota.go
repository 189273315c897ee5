package brain

import (
	"context"
	"sync"
	"time"
)

// quotaCache caches an organization's max in-flight quota for ~15s (spec
// §4.5 step 1), avoiding a store round trip on every invocation.
type quotaCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]quotaEntry
}

type quotaEntry struct {
	value     int
	expiresAt time.Time
}

func newQuotaCache(ttl time.Duration) *quotaCache {
	return &quotaCache{ttl: ttl, entries: make(map[string]quotaEntry)}
}

// Get returns organizationID's cached quota and whether it was a hit.
func (c *quotaCache) Get(organizationID string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[organizationID]
	if !ok || time.Now().After(e.expiresAt) {
		return 0, false
	}
	return e.value, true
}

// Set caches value for organizationID.
func (c *quotaCache) Set(organizationID string, value int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[organizationID] = quotaEntry{value: value, expiresAt: time.Now().Add(c.ttl)}
}

// resolveOrgMaxInFlight loads organizationID's quota, consulting the cache
// first and clamping a stored-but-unset value to the configured default
// (spec §4.5 step 1: "clamp to ≥ 1, else use default").
func (r *Runtime) resolveOrgMaxInFlight(ctx context.Context, organizationID string) (int, error) {
	if v, ok := r.quota.Get(organizationID); ok {
		return v, nil
	}
	v, err := r.deps.Store.GetOrgMaxExecutorInFlight(ctx, organizationID)
	if err != nil {
		return 0, err
	}
	if v < 1 {
		v = r.cfg.OrgMaxInFlightDefault
	}
	r.quota.Set(organizationID, v)
	return v, nil
}
