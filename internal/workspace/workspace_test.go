package workspace

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/gatewayd/internal/gatewaytypes"
)

type memStore struct {
	mu         sync.Mutex
	workspaces map[string]*gatewaytypes.Workspace
}

func newMemStore() *memStore {
	return &memStore{workspaces: map[string]*gatewaytypes.Workspace{}}
}

func (m *memStore) LoadOrCreate(_ context.Context, organizationID string, ownerType gatewaytypes.WorkspaceOwnerType, ownerID string) (*gatewaytypes.Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := organizationID + ":" + string(ownerType) + ":" + ownerID
	if ws, ok := m.workspaces[key]; ok {
		return ws, nil
	}
	ws := &gatewaytypes.Workspace{
		WorkspaceID:    key,
		OrganizationID: organizationID,
		OwnerType:      ownerType,
		OwnerID:        ownerID,
		CurrentVersion: 0,
	}
	m.workspaces[key] = ws
	return ws, nil
}

func (m *memStore) CommitVersion(_ context.Context, workspaceID string, expectedCurrentVersion int64, nextObjectKey, nextEtag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workspaces[workspaceID]
	if !ok {
		return gatewaytypes.NewError(gatewaytypes.ErrWorkspaceVersionConflict, "unknown workspace")
	}
	if ws.CurrentVersion != expectedCurrentVersion {
		return gatewaytypes.NewError(gatewaytypes.ErrWorkspaceVersionConflict, "version mismatch")
	}
	ws.CurrentVersion++
	ws.CurrentObjectKey = nextObjectKey
	_ = nextEtag
	return nil
}

type stubPresigner struct{}

func (stubPresigner) PresignDownload(_ context.Context, objectKey string, _ time.Duration) (string, error) {
	return "https://download/" + objectKey, nil
}

func (stubPresigner) PresignUpload(_ context.Context, objectKey string, _ time.Duration) (string, error) {
	return "https://upload/" + objectKey, nil
}

type memKV struct {
	mu   sync.Mutex
	vals map[string][]byte
}

func newMemKV() *memKV {
	return &memKV{vals: map[string][]byte{}}
}

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
		return nil, gatewaytypes.NewError(gatewaytypes.ErrGatewayResponseInvalid, "not found")
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

func TestPrepareThenCommit_AdvancesVersionByExactlyOne(t *testing.T) {
	store := newMemStore()
	c := New(store, stubPresigner{}, newMemKV(), 10*time.Minute)
	ctx := context.Background()

	prep, err := c.Prepare(ctx, "org-1", gatewaytypes.OwnerWorkflowRun, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), prep.ExpectedVersion)
	assert.Equal(t, int64(1), prep.NextVersion)
	assert.NotEmpty(t, prep.Access.Upload.URL)
	assert.Empty(t, prep.Access.DownloadURL, "no prior object key means nothing to download")

	err = c.Commit(ctx, prep.Workspace.WorkspaceID, prep.ExpectedVersion, &gatewaytypes.WorkspaceAck{
		Version: prep.NextVersion, ObjectKey: prep.NextObjectKey, Etag: "etag-1",
	})
	require.NoError(t, err)

	prep2, err := c.Prepare(ctx, "org-1", gatewaytypes.OwnerWorkflowRun, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), prep2.ExpectedVersion)
	assert.Equal(t, int64(2), prep2.NextVersion)
	assert.NotEmpty(t, prep2.Access.DownloadURL, "second prepare should see the committed object key")
}

func TestCommit_RejectsStaleExpectedVersion(t *testing.T) {
	store := newMemStore()
	c := New(store, stubPresigner{}, newMemKV(), 10*time.Minute)
	ctx := context.Background()

	prep, err := c.Prepare(ctx, "org-1", gatewaytypes.OwnerSession, "sess-1")
	require.NoError(t, err)
	require.NoError(t, c.Commit(ctx, prep.Workspace.WorkspaceID, prep.ExpectedVersion, &gatewaytypes.WorkspaceAck{
		Version: prep.NextVersion, ObjectKey: prep.NextObjectKey,
	}))

	err = c.Commit(ctx, prep.Workspace.WorkspaceID, prep.ExpectedVersion, &gatewaytypes.WorkspaceAck{
		Version: prep.NextVersion, ObjectKey: prep.NextObjectKey,
	})
	require.Error(t, err)
	assert.Equal(t, gatewaytypes.ErrWorkspaceVersionConflict, gatewaytypes.CodeOf(err))
}

func TestCommit_NilAckIsANoOp(t *testing.T) {
	store := newMemStore()
	c := New(store, stubPresigner{}, newMemKV(), 10*time.Minute)
	ctx := context.Background()

	prep, err := c.Prepare(ctx, "org-1", gatewaytypes.OwnerSession, "sess-2")
	require.NoError(t, err)
	require.NoError(t, c.Commit(ctx, prep.Workspace.WorkspaceID, prep.ExpectedVersion, nil))

	again, err := c.Prepare(ctx, "org-1", gatewaytypes.OwnerSession, "sess-2")
	require.NoError(t, err)
	assert.Equal(t, int64(0), again.ExpectedVersion, "no ack means no version advance")
}

func TestAcquireLock_SecondAcquireIsLockedUntilReleased(t *testing.T) {
	c := New(newMemStore(), stubPresigner{}, newMemKV(), 10*time.Minute)
	ctx := context.Background()

	token, err := c.AcquireLock(ctx, "ws-1", 5000)
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	_, err = c.AcquireLock(ctx, "ws-1", 5000)
	require.Error(t, err)
	assert.Equal(t, gatewaytypes.ErrWorkspaceLocked, gatewaytypes.CodeOf(err))

	require.NoError(t, c.ReleaseLock(ctx, "ws-1"))
	_, err = c.AcquireLock(ctx, "ws-1", 5000)
	assert.NoError(t, err)
}

func TestLockTTL_AlwaysExceedsToolTimeoutByThirtySeconds(t *testing.T) {
	assert.Equal(t, 31*time.Second, lockTTL(500))
	assert.Equal(t, 35*time.Second, lockTTL(5000))
	assert.Equal(t, 30*time.Second, lockTTL(0))
}
