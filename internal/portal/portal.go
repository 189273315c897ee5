// Package portal declares the gateway's external collaborator interfaces —
// the tenant-scoped repository, object storage, and the channel-ingress
// touchpoint spec.md treats as out-of-scope-but-present. Store has two
// adapters (supabasestore, pgstore), ObjectStore is implemented by
// objectstore and ChannelIngress by internal/channelingress, the way the
// teacher wraps its Supabase and Postgres clients behind small domain
// interfaces. No interface for the LLM inference runner is declared here.
package portal

import (
	"context"
	"time"

	"github.com/ocx/gatewayd/internal/gatewaytypes"
)

// Store is the tenant-scoped repository for organizations, executor token
// records, sessions, session events, and workspaces.
type Store interface {
	// Organizations / quotas
	GetOrgMaxExecutorInFlight(ctx context.Context, organizationID string) (int, error)

	// Executor tokens (spec §9 "Executor authentication")
	ResolveExecutorToken(ctx context.Context, tokenHash string) (subjectID string, pool gatewaytypes.Pool, revoked bool, err error)

	// Sessions
	LoadSession(ctx context.Context, sessionID string) (*gatewaytypes.Session, error)
	SaveSession(ctx context.Context, session *gatewaytypes.Session) error

	// Session events
	AppendSessionEvent(ctx context.Context, ev *gatewaytypes.SessionEvent) (seq int64, err error)
	RecentSessionEvents(ctx context.Context, sessionID string, limit int) ([]gatewaytypes.SessionEvent, error)

	// Workspaces
	LoadOrCreateWorkspace(ctx context.Context, organizationID string, ownerType gatewaytypes.WorkspaceOwnerType, ownerID string) (*gatewaytypes.Workspace, error)
	CommitWorkspaceVersion(ctx context.Context, workspaceID string, expectedCurrentVersion int64, nextObjectKey, nextEtag string) error

	// Secrets (spec §9 "Agent-run secret resolution")
	GetEncryptedSecret(ctx context.Context, organizationID, secretID string) (ciphertext []byte, nonce []byte, err error)
}

// ObjectStore pre-signs download/upload URLs for workspace blobs.
type ObjectStore interface {
	PresignDownload(ctx context.Context, objectKey string, expires time.Duration) (string, error)
	PresignUpload(ctx context.Context, objectKey string, expires time.Duration) (string, error)
}

// ChannelIngress delivers an inbound channel message into the gateway and
// accepts outbound replies, implemented by internal/channelingress.
type ChannelIngress interface {
	HandleInbound(ctx context.Context, channelID, accountKey string, body []byte) error
	SendOutbound(ctx context.Context, frame gatewaytypes.ChannelOutboundFrame) error
}
