package rediskv

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Counters implements scheduler.Counters on top of Redis INCRBY, clamping
// decrements at zero so over-release never drives a counter negative.
type Counters struct {
	rdb *redis.Client
}

// keyPrefixReservation must match the reservation marker namespace the
// keyspace-notification reaper in cmd/brain watches for expiry; it mirrors
// the scheduler package's own (unexported, same-value) prefix.
const keyPrefixReservation = "gateway:reservation:"

// NewCounters wraps rdb for in-flight counter bookkeeping.
func NewCounters(a *Adapter) *Counters {
	return &Counters{rdb: a.rdb}
}

func (c *Counters) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	val, err := c.rdb.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, err
	}
	if val < 0 {
		// Clamp: best-effort reset to zero. A concurrent Incr racing this
		// reset may transiently dip below zero; the next release settles it.
		c.rdb.Set(ctx, key, 0, 0)
		return 0, nil
	}
	return val, nil
}

func (c *Counters) ExpireReservation(ctx context.Context, token string, ttl time.Duration, onExpire func()) error {
	key := keyPrefixReservation + token
	if err := c.rdb.Set(ctx, key, "1", ttl).Err(); err != nil {
		return err
	}
	// The TTL backstop is enforced out-of-band: a normal release deletes the
	// marker via ClearReservation, so the only markers that ever expire are
	// those whose owner crashed. The ReservationReaper (cmd/brain/main.go)
	// hears those expiries over keyspace notifications and releases the
	// counters. onExpire is not called.
	_ = onExpire
	return nil
}

// ClearReservation deletes token's marker so the keyspace-notification
// reaper never fires for a reservation that was released normally.
func (c *Counters) ClearReservation(ctx context.Context, token string) error {
	return c.rdb.Del(ctx, keyPrefixReservation+token).Err()
}
