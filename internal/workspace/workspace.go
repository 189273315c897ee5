// Package workspace implements the advisory-lock + commit-if-version-match
// coordination protocol for versioned session/workflow-run blobs (spec §3,
// §4.5).
package workspace

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/ocx/gatewayd/internal/bus"
	"github.com/ocx/gatewayd/internal/gatewaytypes"
)

// Store is the tenant-scoped collaborator that persists Workspace rows;
// implemented by internal/portal adapters.
type Store interface {
	LoadOrCreate(ctx context.Context, organizationID string, ownerType gatewaytypes.WorkspaceOwnerType, ownerID string) (*gatewaytypes.Workspace, error)
	CommitVersion(ctx context.Context, workspaceID string, expectedCurrentVersion int64, nextObjectKey, nextEtag string) error
}

// Presigner issues pre-signed object URLs; implemented by an internal/portal
// object-storage adapter.
type Presigner interface {
	PresignDownload(ctx context.Context, objectKey string, expires time.Duration) (string, error)
	PresignUpload(ctx context.Context, objectKey string, expires time.Duration) (string, error)
}

const lockKeyPrefix = "gateway:workspace:lock:"

// Coordinator manages advisory locks and commit coordination for workspaces.
type Coordinator struct {
	store      Store
	presigner  Presigner
	locks      bus.KV
	presignTTL time.Duration
}

// New builds a Coordinator.
func New(store Store, presigner Presigner, locks bus.KV, presignTTL time.Duration) *Coordinator {
	return &Coordinator{store: store, presigner: presigner, locks: locks, presignTTL: presignTTL}
}

// AcquireLock attempts to set an advisory lock on workspaceID with a fresh
// token, TTL'd per spec §5 ("always exceeds the tool timeout by >= 30s").
// Returns WORKSPACE_LOCKED if already held.
func (c *Coordinator) AcquireLock(ctx context.Context, workspaceID string, timeoutMs int) (token string, err error) {
	ttl := lockTTL(timeoutMs)
	token, err = randomHex(16)
	if err != nil {
		return "", fmt.Errorf("generate lock token: %w", err)
	}
	ok, err := c.locks.SetNX(ctx, lockKeyPrefix+workspaceID, []byte(token), ttl)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", gatewaytypes.NewError(gatewaytypes.ErrWorkspaceLocked, "workspace already locked")
	}
	return token, nil
}

// ReleaseLock clears the advisory lock unconditionally. Called from a
// finally-style defer in invokeToolOnExecutor.
func (c *Coordinator) ReleaseLock(ctx context.Context, workspaceID string) error {
	return c.locks.Del(ctx, lockKeyPrefix+workspaceID)
}

// lockTTL enforces the >= timeout+30s invariant from spec §5, with a 30s
// floor for very short timeouts.
func lockTTL(timeoutMs int) time.Duration {
	secs := math.Ceil(float64(timeoutMs)/1000) + 30
	if secs < 30 {
		secs = 30
	}
	return time.Duration(secs) * time.Second
}

// PreparedInvocation bundles the version bookkeeping and pre-signed access
// an invokeToolOnExecutor call needs to build an invoke_tool_v2 frame.
type PreparedInvocation struct {
	Workspace       *gatewaytypes.Workspace
	ExpectedVersion int64
	NextVersion     int64
	NextObjectKey   string
	Access          gatewaytypes.WorkspaceAccess
}

// Prepare loads/creates the workspace, computes next version/object key, and
// pre-signs download/upload URLs (spec §4.5 step 5).
func (c *Coordinator) Prepare(ctx context.Context, organizationID string, ownerType gatewaytypes.WorkspaceOwnerType, ownerID string) (*PreparedInvocation, error) {
	ws, err := c.store.LoadOrCreate(ctx, organizationID, ownerType, ownerID)
	if err != nil {
		return nil, fmt.Errorf("load workspace: %w", err)
	}

	expected := ws.CurrentVersion
	next := expected + 1
	nextKey := fmt.Sprintf("%s/workspace/%s/v%d", organizationID, ws.WorkspaceID, next)

	access := gatewaytypes.WorkspaceAccess{
		Upload: gatewaytypes.WorkspaceUpload{ObjectKey: nextKey, Version: next},
	}
	if ws.CurrentObjectKey != "" {
		url, err := c.presigner.PresignDownload(ctx, ws.CurrentObjectKey, c.presignTTL)
		if err != nil {
			return nil, gatewaytypes.NewError(gatewaytypes.ErrWorkspaceS3NotConfigured, err.Error())
		}
		access.DownloadURL = url
	}
	uploadURL, err := c.presigner.PresignUpload(ctx, nextKey, c.presignTTL)
	if err != nil {
		return nil, gatewaytypes.NewError(gatewaytypes.ErrWorkspaceS3NotConfigured, err.Error())
	}
	access.Upload.URL = uploadURL

	return &PreparedInvocation{
		Workspace:       ws,
		ExpectedVersion: expected,
		NextVersion:     next,
		NextObjectKey:   nextKey,
		Access:          access,
	}, nil
}

// Commit advances the workspace version by exactly one if the store's
// current version still equals expectedVersion, recording the ack's object
// key and etag (spec §4.5 step 8, §3 invariant). The ack's own version
// field is not compared. A nil ack is a no-op.
func (c *Coordinator) Commit(ctx context.Context, workspaceID string, expectedVersion int64, ack *gatewaytypes.WorkspaceAck) error {
	if ack == nil {
		return nil
	}
	if err := c.store.CommitVersion(ctx, workspaceID, expectedVersion, ack.ObjectKey, ack.Etag); err != nil {
		return gatewaytypes.NewError(gatewaytypes.ErrWorkspaceVersionConflict, err.Error())
	}
	return nil
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
