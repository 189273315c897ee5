package rediskv

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// inFlight counter prefixes, mirroring scheduler.go's own (unexported,
// same-value) constants. The reaper has no access to a reservation's
// in-process onExpire closure once the marker has actually expired in
// Redis, so it recovers the executorId/organizationId pair by parsing the
// expired key's own name instead.
const (
	keyPrefixInFlightExec = "gateway:inflight:exec:"
	keyPrefixInFlightOrg  = "gateway:inflight:org:"
)

// ReservationReaper subscribes to Redis keyspace notifications and releases
// the in-flight counters belonging to any reservation marker that expired
// without a normal scheduler.Release call ever firing — the TTL backstop
// counters.go's ExpireReservation doc comment describes.
type ReservationReaper struct {
	a  *Adapter
	db int
}

// NewReservationReaper builds a reaper against a's connection, watching db's
// expired-key keyspace notifications.
func NewReservationReaper(a *Adapter, db int) *ReservationReaper {
	return &ReservationReaper{a: a, db: db}
}

// Run subscribes to the expired-key channel for the reaper's db and
// decrements the exec/org in-flight counters named in every expired
// gateway:reservation:* key, until ctx is canceled. Reserve+Release pairs
// that complete normally already zero out their counters; a key expiring
// here means the release never happened (executor crash, network partition)
// and this is the only place that ever fires for it.
func (r *ReservationReaper) Run(ctx context.Context) error {
	// Best-effort: managed Redis (e.g. a replica, or a provider that disallows
	// CONFIG SET) may reject this, in which case an operator must have
	// already enabled keyspace notifications out of band.
	if err := r.a.rdb.ConfigSet(ctx, "notify-keyspace-events", "Ex").Err(); err != nil {
		slog.Warn("brain: could not enable keyspace notifications, assuming already configured", "error", err)
	}

	channel := fmt.Sprintf("__keyevent@%d__:expired", r.db)
	sub := r.a.rdb.PSubscribe(ctx, channel)
	defer sub.Close()

	slog.Info("brain: reservation reaper started", "channel", channel)
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handleExpired(ctx, msg.Payload)
		}
	}
}

func (r *ReservationReaper) handleExpired(ctx context.Context, key string) {
	rest, ok := strings.CutPrefix(key, keyPrefixReservation)
	if !ok {
		return
	}
	parts := strings.SplitN(rest, "|", 3)
	if len(parts) != 3 {
		slog.Warn("brain: malformed reservation marker key", "key", key)
		return
	}
	executorID, organizationID := parts[0], parts[1]

	counters := NewCounters(r.a)
	releaseCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := counters.Incr(releaseCtx, keyPrefixInFlightExec+executorID, -1); err != nil {
		slog.Warn("brain: reaper failed to release executor in-flight", "executorId", executorID, "error", err)
	}
	if _, err := counters.Incr(releaseCtx, keyPrefixInFlightOrg+organizationID, -1); err != nil {
		slog.Warn("brain: reaper failed to release org in-flight", "organizationId", organizationID, "error", err)
	}
	slog.Info("brain: reservation expired without release, counters reaped", "executorId", executorID, "organizationId", organizationID)
}
