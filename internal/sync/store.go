// Package sync orchestrates federation sync: the peer registry, the
// pull/push/bidirectional sync loops, conflict detection and resolution, and
// the bookkeeping that makes remote changes apply at most once. The engine
// talks to peers through a Transport, to the knowledge graph through a
// CapsuleStore, and persists its own records through a Store, so every
// collaborator can be swapped for an in-memory double in tests.
package sync

import (
	"context"
	"errors"
	"time"

	"github.com/forgegraph/forge-core/internal/core"
	"github.com/forgegraph/forge-core/internal/federation"
)

// Sentinel errors shared by the engine and its stores.
var (
	ErrPeerNotFound   = errors.New("sync: peer not found")
	ErrPeerExists     = errors.New("sync: peer already registered")
	ErrNotFound       = errors.New("sync: record not found")
	ErrSyncInProgress = errors.New("sync: a sync for this peer is already running")
	ErrSyncRefused    = errors.New("sync: peer may not sync")
)

// Store persists federation bookkeeping: peers, federated entity and edge
// records, sync states, and conflict audit rows. Implementations must be safe
// for concurrent use.
type Store interface {
	SavePeer(ctx context.Context, peer *core.Peer) error
	GetPeer(ctx context.Context, id string) (*core.Peer, error)
	ListPeers(ctx context.Context) ([]*core.Peer, error)
	DeletePeer(ctx context.Context, id string) error

	// GetEntityRecord returns ErrNotFound when (peerID, remoteID) was never
	// tracked.
	GetEntityRecord(ctx context.Context, peerID, remoteID string) (*core.FederatedEntityRecord, error)
	SaveEntityRecord(ctx context.Context, rec *core.FederatedEntityRecord) error
	ListEntityRecords(ctx context.Context, peerID string, limit int) ([]*core.FederatedEntityRecord, error)

	GetEdgeRecord(ctx context.Context, peerID, remoteEdgeID string) (*core.FederatedEdgeRecord, error)
	SaveEdgeRecord(ctx context.Context, rec *core.FederatedEdgeRecord) error

	SaveSyncState(ctx context.Context, state *core.SyncState) error
	ListSyncStates(ctx context.Context, peerID string, limit int) ([]*core.SyncState, error)

	SaveConflict(ctx context.Context, conflict *core.SyncConflict) error
	ListConflicts(ctx context.Context, peerID string, unresolvedOnly bool, limit int) ([]*core.SyncConflict, error)
}

// CapsuleStore is the slice of the knowledge graph the engine materializes
// remote entities into and reads local changes out of.
type CapsuleStore interface {
	GetCapsule(ctx context.Context, id string) (*core.Capsule, error)

	// CreateCapsule stores a capsule and returns its local id, minting one
	// when the capsule arrives without it.
	CreateCapsule(ctx context.Context, c *core.Capsule) (string, error)

	UpdateCapsule(ctx context.Context, c *core.Capsule) error

	CreateEdge(ctx context.Context, e *core.Edge) (string, error)

	// ChangedSince pages through local capsules updated after since, filtered
	// by type allowlist (empty admits all) and minimum trust level. The bool
	// reports whether more pages remain past offset+limit.
	ChangedSince(ctx context.Context, since *time.Time, types []string, minTrust, offset, limit int) ([]core.Capsule, bool, error)

	// EdgesAmong returns the edges whose source and target both fall in ids.
	EdgesAmong(ctx context.Context, ids []string) ([]core.Edge, error)
}

// Transport carries signed federation calls to a remote peer. The SDK client
// implements it; tests use a scripted stub. Implementations seal outbound
// payloads and verify inbound envelopes, so the engine only ever sees
// authenticated payloads or an error.
type Transport interface {
	Handshake(ctx context.Context, peer *core.Peer) (*federation.PeerHandshake, error)
	RequestSync(ctx context.Context, peer *core.Peer, req *federation.SyncRequest) (*federation.SyncPayload, error)
	SendSyncPush(ctx context.Context, peer *core.Peer, payload *federation.SyncPayload) (*federation.SyncPushAck, error)
}
