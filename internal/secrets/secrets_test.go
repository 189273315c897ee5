package secrets

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/nacl/secretbox"
)

func sealedSecret(t *testing.T, kek [keySize]byte, plaintext string) (ciphertext, nonce []byte) {
	t.Helper()
	var n [nonceSize]byte
	_, err := rand.Read(n[:])
	require.NoError(t, err)
	return secretbox.Seal(nil, []byte(plaintext), &n, &kek), n[:]
}

func testKEK(t *testing.T) (string, [keySize]byte) {
	t.Helper()
	var kek [keySize]byte
	_, err := rand.Read(kek[:])
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(kek[:]), kek
}

func TestNewRejectsBadKEK(t *testing.T) {
	_, err := New("not-base64!!", nil)
	assert.Error(t, err)

	_, err = New(base64.StdEncoding.EncodeToString([]byte("short")), nil)
	assert.ErrorContains(t, err, "32 bytes")
}

func TestResolveDecryptsStoredSecret(t *testing.T) {
	kekB64, kek := testKEK(t)
	ciphertext, nonce := sealedSecret(t, kek, "sk-live-abc123")

	store, err := New(kekB64, func(_ context.Context, organizationID, secretID string) ([]byte, []byte, error) {
		assert.Equal(t, "org-1", organizationID)
		assert.Equal(t, "secret-1", secretID)
		return ciphertext, nonce, nil
	})
	require.NoError(t, err)

	plain, err := store.Resolve(context.Background(), "org-1", "secret-1")
	require.NoError(t, err)
	assert.Equal(t, "sk-live-abc123", string(plain))
}

func TestResolveFailsWithWrongKEK(t *testing.T) {
	_, sealKEK := testKEK(t)
	ciphertext, nonce := sealedSecret(t, sealKEK, "sk-live-abc123")

	otherB64, _ := testKEK(t)
	store, err := New(otherB64, func(context.Context, string, string) ([]byte, []byte, error) {
		return ciphertext, nonce, nil
	})
	require.NoError(t, err)

	_, err = store.Resolve(context.Background(), "org-1", "secret-1")
	assert.Error(t, err, "a secret sealed under a different KEK must not open")
}

func TestResolveEmptyIDIsNil(t *testing.T) {
	kekB64, _ := testKEK(t)
	store, err := New(kekB64, func(context.Context, string, string) ([]byte, []byte, error) {
		t.Fatal("lookup must not be called for an empty id")
		return nil, nil, nil
	})
	require.NoError(t, err)

	plain, err := store.Resolve(context.Background(), "org-1", "")
	require.NoError(t, err)
	assert.Nil(t, plain)
}

func TestResolveManySkipsEmptyIDs(t *testing.T) {
	kekB64, kek := testKEK(t)
	c1, n1 := sealedSecret(t, kek, "alpha")
	c2, n2 := sealedSecret(t, kek, "beta")
	byID := map[string][2][]byte{
		"s1": {c1, n1},
		"s2": {c2, n2},
	}

	store, err := New(kekB64, func(_ context.Context, _, secretID string) ([]byte, []byte, error) {
		row := byID[secretID]
		return row[0], row[1], nil
	})
	require.NoError(t, err)

	out, err := store.ResolveMany(context.Background(), "org-1", []string{"s1", "", "s2"})
	require.NoError(t, err)
	assert.Len(t, out, 2)
	assert.Equal(t, "alpha", string(out["s1"]))
	assert.Equal(t, "beta", string(out["s2"]))
}
