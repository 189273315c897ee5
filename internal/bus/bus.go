// Package bus defines the minimal message bus abstraction the edge and
// brain processes use to exchange frames: append-only streams with
// consumer groups, a TTL'd key/value store, and TTL'd presence sets.
package bus

import (
	"context"
	"time"
)

// Message is one entry read off a stream, paired with the delivery id the
// caller must Ack once processing has completed.
type Message struct {
	ID   string
	Data []byte
}

// Stream is a named append-only stream with consumer-group delivery.
type Stream interface {
	// Append is a fire-and-forget publish.
	Append(ctx context.Context, stream string, payload []byte) error

	// EnsureGroup idempotently creates a consumer group on stream.
	EnsureGroup(ctx context.Context, stream, group string) error

	// ReadGroup delivers at-least-once; the caller must Ack(id) once the
	// message has been processed. Blocks up to blockMs waiting for new
	// entries when none are immediately available.
	ReadGroup(ctx context.Context, stream, group, consumer string, count int, blockMs int) ([]Message, error)

	// Ack acknowledges delivery ids for stream/group.
	Ack(ctx context.Context, stream, group string, ids ...string) error
}

// KV is a key/value store with TTL, used for reply envelopes and route
// registrations.
type KV interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)

	// SetNX sets key only if absent, returning whether it was set. Used for
	// the first-write-wins reply key and the session brain lock.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	Del(ctx context.Context, keys ...string) error
}

// PresenceSet is a set-of-members store with a refreshable TTL, used for
// session-edge presence (`session:edges:<sessionId>`).
type PresenceSet interface {
	Add(ctx context.Context, key string, member string, ttl time.Duration) error
	Remove(ctx context.Context, key string, member string) error
	Members(ctx context.Context, key string) ([]string, error)
}

// Bus bundles the three primitives components depend on.
type Bus interface {
	Stream
	KV
	PresenceSet
}

// ErrNotFound is returned by Get when a key has expired or was never set.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "bus: key not found" }
