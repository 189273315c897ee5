package results

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/gatewayd/internal/bus"
	"github.com/ocx/gatewayd/internal/gatewaytypes"
)

type memKV struct {
	mu   sync.Mutex
	vals map[string][]byte
}

func newMemKV() *memKV { return &memKV{vals: map[string][]byte{}} }

func (k *memKV) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.vals[key] = value
	return nil
}

func (k *memKV) Get(_ context.Context, key string) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	v, ok := k.vals[key]
	if !ok {
		return nil, bus.ErrNotFound
	}
	return v, nil
}

func (k *memKV) SetNX(_ context.Context, key string, value []byte, _ time.Duration) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.vals[key]; ok {
		return false, nil
	}
	k.vals[key] = value
	return true, nil
}

func (k *memKV) Del(_ context.Context, keys ...string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, key := range keys {
		delete(k.vals, key)
	}
	return nil
}

func TestRequestIDIsRunNodeAttempt(t *testing.T) {
	assert.Equal(t, "r:n:1", RequestID("r", "n", 1))
	assert.Equal(t, "run-9:node-3:12", RequestID("run-9", "node-3", 12))
}

func TestStorePutGetRoundTrip(t *testing.T) {
	s := New(newMemKV(), time.Minute)
	ctx := context.Background()

	_, err := s.Get(ctx, "r:n:1")
	assert.ErrorIs(t, err, bus.ErrNotFound)

	want := gatewaytypes.ReplyEnvelope{Status: gatewaytypes.ReplySucceeded, Output: json.RawMessage(`{"ok":true}`)}
	require.NoError(t, s.Put(ctx, "r:n:1", want))

	got, err := s.Get(ctx, "r:n:1")
	require.NoError(t, err)
	assert.Equal(t, want.Status, got.Status)
	assert.JSONEq(t, `{"ok":true}`, string(got.Output))
}

func TestPutReplyFirstWriteWins(t *testing.T) {
	kv := newMemKV()
	ctx := context.Background()

	first := gatewaytypes.ReplyEnvelope{Status: gatewaytypes.ReplySucceeded}
	late := gatewaytypes.ReplyEnvelope{Status: gatewaytypes.ReplyFailed, Error: "late duplicate"}
	require.NoError(t, PutReply(ctx, kv, "req-1", first, time.Minute))
	require.NoError(t, PutReply(ctx, kv, "req-1", late, time.Minute))

	got, err := AwaitReply(ctx, kv, "req-1")
	require.NoError(t, err)
	assert.Equal(t, gatewaytypes.ReplySucceeded, got.Status, "a late duplicate must not clobber the stored reply")
}

func TestAwaitReplyReturnsOnceKeyAppears(t *testing.T) {
	kv := newMemKV()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		time.Sleep(60 * time.Millisecond)
		_ = PutReply(context.Background(), kv, "req-1", gatewaytypes.ReplyEnvelope{Status: gatewaytypes.ReplySucceeded}, time.Minute)
	}()

	got, err := AwaitReply(ctx, kv, "req-1")
	require.NoError(t, err)
	assert.Equal(t, gatewaytypes.ReplySucceeded, got.Status)
}

func TestAwaitReplyTimesOutWithGatewayTimeout(t *testing.T) {
	kv := newMemKV()
	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()

	_, err := AwaitReply(ctx, kv, "req-never")
	require.Error(t, err)
	assert.Equal(t, gatewaytypes.ErrGatewayTimeout, gatewaytypes.CodeOf(err))
}
