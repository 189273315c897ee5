// Package results caches dispatch responses keyed by requestId, backing the
// idempotent-completion invariant: a retried dispatch with the same
// {runId, nodeId, attemptCount} returns the same response within TTL
// (spec §4.5, §8).
package results

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ocx/gatewayd/internal/bus"
	"github.com/ocx/gatewayd/internal/gatewaytypes"
)

const keyPrefix = "gateway:results:"

// Store caches ReplyEnvelopes by requestId.
type Store struct {
	kv  bus.KV
	ttl time.Duration
}

// New builds a results Store backed by kv with the given cache TTL.
func New(kv bus.KV, ttl time.Duration) *Store {
	return &Store{kv: kv, ttl: ttl}
}

// Put caches the response for requestID.
func (s *Store) Put(ctx context.Context, requestID string, response gatewaytypes.ReplyEnvelope) error {
	data, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	return s.kv.Set(ctx, keyPrefix+requestID, data, s.ttl)
}

// Get returns the cached response for requestID, or bus.ErrNotFound.
func (s *Store) Get(ctx context.Context, requestID string) (*gatewaytypes.ReplyEnvelope, error) {
	data, err := s.kv.Get(ctx, keyPrefix+requestID)
	if err != nil {
		return nil, err
	}
	var resp gatewaytypes.ReplyEnvelope
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &resp, nil
}

// ReplyKey is the TTL'd key the brain writes and the edge polls for a given
// requestId (spec §3 "Reply envelope").
func ReplyKey(requestID string) string {
	return "gateway:reply:" + requestID
}

// PutReply stores the reply envelope the edge polling loop waits on,
// first-write-wins via SetNX so a late duplicate reply never clobbers the
// first result (spec §5 ordering guarantee).
func PutReply(ctx context.Context, kv bus.KV, requestID string, envelope gatewaytypes.ReplyEnvelope, ttl time.Duration) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	_, err = kv.SetNX(ctx, ReplyKey(requestID), data, ttl)
	return err
}

// AwaitReply polls the reply key with exponential backoff (25ms→250ms cap)
// until it appears or ctx's deadline elapses (spec §5 "Suspension points").
func AwaitReply(ctx context.Context, kv bus.KV, requestID string) (*gatewaytypes.ReplyEnvelope, error) {
	backoff := 25 * time.Millisecond
	const maxBackoff = 250 * time.Millisecond

	for {
		data, err := kv.Get(ctx, ReplyKey(requestID))
		if err == nil {
			var envelope gatewaytypes.ReplyEnvelope
			if jerr := json.Unmarshal(data, &envelope); jerr != nil {
				return nil, fmt.Errorf("unmarshal reply: %w", jerr)
			}
			return &envelope, nil
		}

		select {
		case <-ctx.Done():
			return nil, gatewaytypes.NewError(gatewaytypes.ErrGatewayTimeout, "reply key did not appear before deadline")
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// RequestID computes the idempotency key for a workflow dispatch (spec §9).
func RequestID(runID, nodeID string, attemptCount int) string {
	return fmt.Sprintf("%s:%s:%d", runID, nodeID, attemptCount)
}
