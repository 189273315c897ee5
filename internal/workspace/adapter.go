package workspace

import (
	"context"

	"github.com/ocx/gatewayd/internal/gatewaytypes"
	"github.com/ocx/gatewayd/internal/portal"
)

// PortalStore adapts an internal/portal.Store's workspace methods to the
// Coordinator's narrower Store interface.
type PortalStore struct {
	Store portal.Store
}

func (p *PortalStore) LoadOrCreate(ctx context.Context, organizationID string, ownerType gatewaytypes.WorkspaceOwnerType, ownerID string) (*gatewaytypes.Workspace, error) {
	return p.Store.LoadOrCreateWorkspace(ctx, organizationID, ownerType, ownerID)
}

func (p *PortalStore) CommitVersion(ctx context.Context, workspaceID string, expectedCurrentVersion int64, nextObjectKey, nextEtag string) error {
	return p.Store.CommitWorkspaceVersion(ctx, workspaceID, expectedCurrentVersion, nextObjectKey, nextEtag)
}
