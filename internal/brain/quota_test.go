package brain

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/gatewayd/internal/gatewaytypes"
)

// fakeStore implements portal.Store with only GetOrgMaxExecutorInFlight
// exercised; every other method panics if called, so a test that hits one
// unexpectedly fails loudly instead of silently returning zero values.
type fakeStore struct {
	orgMaxInFlight map[string]int
	err            error
}

func (f *fakeStore) GetOrgMaxExecutorInFlight(_ context.Context, organizationID string) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.orgMaxInFlight[organizationID], nil
}

func (f *fakeStore) ResolveExecutorToken(context.Context, string) (string, gatewaytypes.Pool, bool, error) {
	panic("not exercised by quota tests")
}
func (f *fakeStore) LoadSession(context.Context, string) (*gatewaytypes.Session, error) {
	panic("not exercised by quota tests")
}
func (f *fakeStore) SaveSession(context.Context, *gatewaytypes.Session) error {
	panic("not exercised by quota tests")
}
func (f *fakeStore) AppendSessionEvent(context.Context, *gatewaytypes.SessionEvent) (int64, error) {
	panic("not exercised by quota tests")
}
func (f *fakeStore) RecentSessionEvents(context.Context, string, int) ([]gatewaytypes.SessionEvent, error) {
	panic("not exercised by quota tests")
}
func (f *fakeStore) LoadOrCreateWorkspace(context.Context, string, gatewaytypes.WorkspaceOwnerType, string) (*gatewaytypes.Workspace, error) {
	panic("not exercised by quota tests")
}
func (f *fakeStore) CommitWorkspaceVersion(context.Context, string, int64, string, string) error {
	panic("not exercised by quota tests")
}
func (f *fakeStore) GetEncryptedSecret(context.Context, string, string) ([]byte, []byte, error) {
	panic("not exercised by quota tests")
}

func TestResolveOrgMaxInFlightClampsZeroToDefault(t *testing.T) {
	r := &Runtime{
		deps:  Deps{Store: &fakeStore{orgMaxInFlight: map[string]int{"org-1": 0}}},
		cfg:   Config{OrgMaxInFlightDefault: 50},
		quota: newQuotaCache(time.Minute),
	}
	v, err := r.resolveOrgMaxInFlight(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Equal(t, 50, v)
}

func TestResolveOrgMaxInFlightHonorsPositiveOverride(t *testing.T) {
	r := &Runtime{
		deps:  Deps{Store: &fakeStore{orgMaxInFlight: map[string]int{"org-1": 3}}},
		cfg:   Config{OrgMaxInFlightDefault: 50},
		quota: newQuotaCache(time.Minute),
	}
	v, err := r.resolveOrgMaxInFlight(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Equal(t, 3, v)
}

func TestResolveOrgMaxInFlightCachesAcrossCalls(t *testing.T) {
	store := &fakeStore{orgMaxInFlight: map[string]int{"org-1": 5}}
	r := &Runtime{
		deps:  Deps{Store: store},
		cfg:   Config{OrgMaxInFlightDefault: 50},
		quota: newQuotaCache(time.Minute),
	}
	v1, err := r.resolveOrgMaxInFlight(context.Background(), "org-1")
	require.NoError(t, err)

	// Mutate the backing store; a cache hit must still return the stale
	// value rather than re-querying within the TTL.
	store.orgMaxInFlight["org-1"] = 99
	v2, err := r.resolveOrgMaxInFlight(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
}
