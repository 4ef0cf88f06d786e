// Package core holds the shared domain model for the federation core: peers,
// capsules, federated bookkeeping records, and sync state. Packages higher up
// the stack (trust, sync, federation, api) all consume these types; core
// itself depends on nothing but the standard library.
package core

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"time"
)

// ============================================================================
// PEER
// ============================================================================

// PeerStatus is the lifecycle state of a remote Forge instance.
type PeerStatus string

const (
	PeerPending   PeerStatus = "PENDING"
	PeerActive    PeerStatus = "ACTIVE"
	PeerDegraded  PeerStatus = "DEGRADED"
	PeerSuspended PeerStatus = "SUSPENDED"
	PeerOffline   PeerStatus = "OFFLINE"
	PeerRevoked   PeerStatus = "REVOKED"
)

// SyncDirection controls which way entities flow for a peer.
type SyncDirection string

const (
	SyncPush          SyncDirection = "PUSH"
	SyncPull          SyncDirection = "PULL"
	SyncBidirectional SyncDirection = "BIDIRECTIONAL"
)

// ConflictPolicy selects how a detected conflict is resolved.
type ConflictPolicy string

const (
	PolicyLocalWins      ConflictPolicy = "LOCAL_WINS"
	PolicyRemoteWins     ConflictPolicy = "REMOTE_WINS"
	PolicyHigherTrust    ConflictPolicy = "HIGHER_TRUST"
	PolicyNewerTimestamp ConflictPolicy = "NEWER_TIMESTAMP"
	PolicyMerge          ConflictPolicy = "MERGE"
	PolicyManualReview   ConflictPolicy = "MANUAL_REVIEW"
)

// MinSyncIntervalMinutes is the floor on how often a peer may be synced.
const MinSyncIntervalMinutes = 5

// Peer is a remote Forge instance known by public key. Trust score and status
// are owned by the Trust Manager; sync bookkeeping by the Sync Engine.
type Peer struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	BaseURL string `json:"base_url"`

	// OurPublicKeyPEM is the key we presented to this peer (they verify our
	// payloads against it); PeerPublicKeyPEM verifies everything they send.
	OurPublicKeyPEM  string `json:"our_public_key_pem"`
	PeerPublicKeyPEM string `json:"peer_public_key_pem"`

	TrustScore float64    `json:"trust_score"`
	Status     PeerStatus `json:"status"`

	SyncDirection       SyncDirection  `json:"sync_direction"`
	SyncIntervalMinutes int            `json:"sync_interval_minutes"`
	ConflictPolicy      ConflictPolicy `json:"conflict_policy"`

	// AllowedEntityTypes filters which capsule types this peer may exchange;
	// empty means all types.
	AllowedEntityTypes []string `json:"allowed_entity_types,omitempty"`

	// MinTrustToSync is the minimum trust level [0,100] an incoming entity
	// must carry to be accepted.
	MinTrustToSync int `json:"min_trust_to_sync"`

	RegisteredAt   time.Time  `json:"registered_at"`
	LastSeenAt     *time.Time `json:"last_seen_at,omitempty"`
	LastSyncAt     *time.Time `json:"last_sync_at,omitempty"`
	LastVerifiedAt *time.Time `json:"last_verified_at,omitempty"`

	TotalSyncs       int `json:"total_syncs"`
	SuccessfulSyncs  int `json:"successful_syncs"`
	FailedSyncs      int `json:"failed_syncs"`
	EntitiesSent     int `json:"entities_sent"`
	EntitiesReceived int `json:"entities_received"`

	// Description is operator free text; revocation stamps metadata here.
	Description string `json:"description,omitempty"`
}

// AllowsEntityType reports whether the peer may exchange capsules of the
// given type. An empty allowlist admits everything.
func (p *Peer) AllowsEntityType(entityType string) bool {
	if len(p.AllowedEntityTypes) == 0 {
		return true
	}
	for _, t := range p.AllowedEntityTypes {
		if t == entityType {
			return true
		}
	}
	return false
}

// ============================================================================
// CAPSULES AND EDGES
// ============================================================================

// Capsule is a knowledge-graph entity, the unit of federation sync. The same
// shape is used locally and on the wire.
type Capsule struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Type        string    `json:"type"`
	Content     string    `json:"content"`
	Tags        []string  `json:"tags,omitempty"`
	TrustLevel  int       `json:"trust_level"`
	Owner       string    `json:"owner,omitempty"`
	ContentHash string    `json:"content_hash"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ComputeContentHash derives the capsule's content fingerprint: sha256 over
// title, type, content, sorted tags, and trust level. Ids and timestamps are
// excluded so the same knowledge hashes identically on every instance.
func (c *Capsule) ComputeContentHash() string {
	tags := append([]string(nil), c.Tags...)
	sort.Strings(tags)
	h := sha256.New()
	h.Write([]byte(c.Title))
	h.Write([]byte{0})
	h.Write([]byte(c.Type))
	h.Write([]byte{0})
	h.Write([]byte(c.Content))
	h.Write([]byte{0})
	for _, t := range tags {
		h.Write([]byte(t))
		h.Write([]byte{0})
	}
	h.Write([]byte(strconv.Itoa(c.TrustLevel)))
	return hex.EncodeToString(h.Sum(nil))
}

// Edge is a directed relationship between two capsules.
type Edge struct {
	ID        string    `json:"id"`
	SourceID  string    `json:"source_id"`
	TargetID  string    `json:"target_id"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
}

// ============================================================================
// FEDERATED BOOKKEEPING
// ============================================================================

// RecordStatus is the sync status of one federated entity record.
type RecordStatus string

const (
	RecordPending  RecordStatus = "PENDING"
	RecordSynced   RecordStatus = "SYNCED"
	RecordConflict RecordStatus = "CONFLICT"
	RecordRejected RecordStatus = "REJECTED"
	RecordSkipped  RecordStatus = "SKIPPED"
)

// FederatedEntityRecord links a remote capsule to its local materialization.
// Keyed by (PeerID, RemoteEntityID).
type FederatedEntityRecord struct {
	PeerID            string       `json:"peer_id"`
	RemoteEntityID    string       `json:"remote_entity_id"`
	LocalEntityID     string       `json:"local_entity_id,omitempty"`
	RemoteContentHash string       `json:"remote_content_hash"`
	LocalContentHash  string       `json:"local_content_hash"`
	SyncStatus        RecordStatus `json:"sync_status"`
	Title             string       `json:"title,omitempty"`
	EntityType        string       `json:"entity_type,omitempty"`
	TrustLevel        int          `json:"trust_level"`
	Owner             string       `json:"owner,omitempty"`
	ConflictReason    string       `json:"conflict_reason,omitempty"`
	ReviewRequired    bool         `json:"review_required,omitempty"`
	LastSyncedAt      *time.Time   `json:"last_synced_at,omitempty"`
}

// FederatedEdgeRecord tracks a remote edge materialized locally.
type FederatedEdgeRecord struct {
	PeerID       string    `json:"peer_id"`
	RemoteEdgeID string    `json:"remote_edge_id"`
	LocalEdgeID  string    `json:"local_edge_id"`
	SourceID     string    `json:"source_id"`
	TargetID     string    `json:"target_id"`
	EdgeType     string    `json:"edge_type"`
	CreatedAt    time.Time `json:"created_at"`
}

// ============================================================================
// SYNC STATE
// ============================================================================

// SyncRunStatus is the terminal status of one sync attempt.
type SyncRunStatus string

const (
	SyncRunning   SyncRunStatus = "RUNNING"
	SyncCompleted SyncRunStatus = "COMPLETED"
	SyncFailed    SyncRunStatus = "FAILED"
	SyncCancelled SyncRunStatus = "CANCELLED"
)

// SyncPhase tracks where a running sync currently is.
type SyncPhase string

const (
	PhaseInit       SyncPhase = "INIT"
	PhaseFetching   SyncPhase = "FETCHING"
	PhaseProcessing SyncPhase = "PROCESSING"
	PhaseApplying   SyncPhase = "APPLYING"
	PhaseFinalizing SyncPhase = "FINALIZING"
)

// SyncCounters accumulates per-attempt accounting. The invariant for pulls is
// CapsulesFetched == CapsulesCreated + CapsulesUpdated + CapsulesSkipped +
// CapsulesConflicted.
type SyncCounters struct {
	CapsulesFetched    int `json:"capsules_fetched"`
	CapsulesCreated    int `json:"capsules_created"`
	CapsulesUpdated    int `json:"capsules_updated"`
	CapsulesSkipped    int `json:"capsules_skipped"`
	CapsulesConflicted int `json:"capsules_conflicted"`
	EdgesCreated       int `json:"edges_created"`
	EdgesSkipped       int `json:"edges_skipped"`
	DeletionsFlagged   int `json:"deletions_flagged"`
	CapsulesPushed     int `json:"capsules_pushed"`
}

// SyncState is one row per sync attempt.
type SyncState struct {
	ID           string         `json:"id"`
	PeerID       string         `json:"peer_id"`
	Direction    SyncDirection  `json:"direction"`
	Status       SyncRunStatus  `json:"status"`
	Phase        SyncPhase      `json:"phase"`
	StartedAt    time.Time      `json:"started_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	SyncFrom     *time.Time     `json:"sync_from,omitempty"`
	SyncTo       *time.Time     `json:"sync_to,omitempty"`
	Counters     SyncCounters   `json:"counters"`
	ErrorMessage string         `json:"error_message,omitempty"`
	ErrorDetails map[string]any `json:"error_details,omitempty"`
}

// SyncConflict is the audit record of one detected conflict and its outcome.
type SyncConflict struct {
	ID             string         `json:"id"`
	PeerID         string         `json:"peer_id"`
	SyncID         string         `json:"sync_id"`
	RemoteEntityID string         `json:"remote_entity_id"`
	LocalEntityID  string         `json:"local_entity_id"`
	Policy         ConflictPolicy `json:"policy"`
	Resolution     string         `json:"resolution"`
	Outcome        string         `json:"outcome"` // "update" or "skip"
	Resolved       bool           `json:"resolved"`
	DetectedAt     time.Time      `json:"detected_at"`
}
