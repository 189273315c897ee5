// Package rediskv implements internal/bus.Bus on top of go-redis v9,
// extending the teacher's GoRedisAdapter (Set/Get/Del/SAdd/SRem/SMembers)
// with Redis Streams consumer groups for the gateway's bus primitives.
package rediskv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ocx/gatewayd/internal/bus"
)

// Adapter wraps a go-redis client to satisfy bus.Bus.
type Adapter struct {
	rdb *redis.Client
}

var _ bus.Bus = (*Adapter)(nil)

// New connects to Redis at addr and verifies connectivity with a ping.
func New(addr, password string, db int) (*Adapter, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		PoolSize:     50,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("rediskv: connected", "addr", addr, "db", db)
	return &Adapter{rdb: rdb}, nil
}

// Close shuts down the underlying client.
func (a *Adapter) Close() error {
	return a.rdb.Close()
}

// =============================================================================
// bus.KV
// =============================================================================

func (a *Adapter) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return a.rdb.Set(ctx, key, value, ttl).Err()
}

func (a *Adapter) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := a.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, bus.ErrNotFound
	}
	return val, err
}

func (a *Adapter) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return a.rdb.SetNX(ctx, key, value, ttl).Result()
}

func (a *Adapter) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return a.rdb.Del(ctx, keys...).Err()
}

// =============================================================================
// bus.PresenceSet
// =============================================================================

func (a *Adapter) Add(ctx context.Context, key, member string, ttl time.Duration) error {
	if ttl <= 0 {
		return a.rdb.SAdd(ctx, key, member).Err()
	}
	pipe := a.rdb.TxPipeline()
	pipe.SAdd(ctx, key, member)
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (a *Adapter) Remove(ctx context.Context, key, member string) error {
	return a.rdb.SRem(ctx, key, member).Err()
}

func (a *Adapter) Members(ctx context.Context, key string) ([]string, error) {
	return a.rdb.SMembers(ctx, key).Result()
}

// =============================================================================
// bus.Stream (Redis Streams consumer groups)
// =============================================================================

const streamPayloadField = "data"

func (a *Adapter) Append(ctx context.Context, stream string, payload []byte) error {
	return a.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{streamPayloadField: payload},
	}).Err()
}

func (a *Adapter) EnsureGroup(ctx context.Context, stream, group string) error {
	err := a.rdb.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && isBusyGroupErr(err) {
		return nil
	}
	return err
}

func isBusyGroupErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

func (a *Adapter) ReadGroup(ctx context.Context, stream, group, consumer string, count int, blockMs int) ([]bus.Message, error) {
	res, err := a.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    int64(count),
		Block:    time.Duration(blockMs) * time.Millisecond,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []bus.Message
	for _, s := range res {
		for _, entry := range s.Messages {
			raw, _ := entry.Values[streamPayloadField].(string)
			out = append(out, bus.Message{ID: entry.ID, Data: []byte(raw)})
		}
	}
	return out, nil
}

func (a *Adapter) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return a.rdb.XAck(ctx, stream, group, ids...).Err()
}

// Ping reports whether the connection is healthy, used by /healthz.
func (a *Adapter) Ping(ctx context.Context) error {
	return a.rdb.Ping(ctx).Err()
}
