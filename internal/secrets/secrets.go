// Package secrets decrypts tenant-scoped secret rows with a KEK loaded from
// the environment, per spec §9 ("Agent-run secret resolution"): secret ids
// are never sent to executors, the brain dereferences and decrypts them
// here and forwards only plaintext or an OAuth handle.
package secrets

import (
	"context"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/ocx/gatewayd/internal/gatewaytypes"
)

const keySize = 32
const nonceSize = 24

// Store resolves and decrypts org-scoped secrets. It wraps a portal.Store
// lookup (ciphertext+nonce) with a locally-held KEK, so the decrypted
// plaintext never leaves the brain process except inside an invoke payload.
type Store struct {
	lookup LookupFn
	kek    [keySize]byte
}

// LookupFn fetches the ciphertext/nonce for a secret, normally
// internal/portal.Store.GetEncryptedSecret.
type LookupFn func(ctx context.Context, organizationID, secretID string) (ciphertext, nonce []byte, err error)

// New builds a Store from a base64-encoded 32-byte KEK (GATEWAY_SECRETS_KEK).
func New(kekBase64 string, lookup LookupFn) (*Store, error) {
	raw, err := base64.StdEncoding.DecodeString(kekBase64)
	if err != nil {
		return nil, fmt.Errorf("decode KEK: %w", err)
	}
	if len(raw) != keySize {
		return nil, fmt.Errorf("KEK must be %d bytes, got %d", keySize, len(raw))
	}
	var kek [keySize]byte
	copy(kek[:], raw)
	return &Store{lookup: lookup, kek: kek}, nil
}

// Resolve decrypts the secret identified by (organizationID, secretID),
// returning the plaintext. Callers must never log or forward the plaintext
// except as the engine/connector's inline credential field.
func (s *Store) Resolve(ctx context.Context, organizationID, secretID string) ([]byte, error) {
	if secretID == "" {
		return nil, nil
	}
	ciphertext, nonceBytes, err := s.lookup(ctx, organizationID, secretID)
	if err != nil {
		return nil, fmt.Errorf("lookup secret %s: %w", secretID, err)
	}
	if len(nonceBytes) != nonceSize {
		return nil, fmt.Errorf("secret %s: nonce must be %d bytes, got %d", secretID, nonceSize, len(nonceBytes))
	}
	var nonce [nonceSize]byte
	copy(nonce[:], nonceBytes)

	plaintext, ok := secretbox.Open(nil, ciphertext, &nonce, &s.kek)
	if !ok {
		return nil, gatewaytypes.NewError(gatewaytypes.ErrGatewayResponseInvalid, fmt.Sprintf("decrypt secret %s failed", secretID))
	}
	return plaintext, nil
}

// ResolveMany decrypts a batch of secret ids, used for agent.run's
// secretRefs alongside the engine secret. Missing/empty ids are skipped.
func (s *Store) ResolveMany(ctx context.Context, organizationID string, secretIDs []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(secretIDs))
	for _, id := range secretIDs {
		if id == "" {
			continue
		}
		plaintext, err := s.Resolve(ctx, organizationID, id)
		if err != nil {
			return nil, err
		}
		out[id] = plaintext
	}
	return out, nil
}
