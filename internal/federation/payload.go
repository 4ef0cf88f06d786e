package federation

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/forgegraph/forge-core/internal/core"
)

// DefaultPageLimit is the entity page size a puller requests when the peer's
// tier allows more.
const DefaultPageLimit = 100

// SyncRequest asks a peer for entities changed since a watermark. PeerID
// identifies the requesting instance; the envelope signature binds it.
type SyncRequest struct {
	PeerID       string     `json:"peer_id"`
	Since        *time.Time `json:"since,omitempty"`
	CapsuleTypes []string   `json:"capsule_types,omitempty"`
	Limit        int        `json:"limit"`
	Cursor       string     `json:"cursor,omitempty"`
}

// SyncPayload is one page of sync data. ContentHash covers the canonical
// form of the payload with the hash field blanked, so any reordering or
// mutation of entities, edges, or deletions is detectable.
type SyncPayload struct {
	PeerID      string         `json:"peer_id"`
	SyncID      string         `json:"sync_id"`
	Timestamp   time.Time      `json:"timestamp"`
	Entities    []core.Capsule `json:"entities"`
	Edges       []core.Edge    `json:"edges"`
	Deletions   []string       `json:"deletions,omitempty"`
	HasMore     bool           `json:"has_more"`
	NextCursor  string         `json:"next_cursor,omitempty"`
	ContentHash string         `json:"content_hash"`
}

// SyncPushAck answers a sync-push.
type SyncPushAck struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// ErrContentHashMismatch marks a payload whose body does not hash to its
// declared content_hash.
var ErrContentHashMismatch = errors.New("sync payload content hash mismatch")

// ComputeContentHash hashes the payload body with the hash field blanked.
func (p *SyncPayload) ComputeContentHash() (string, error) {
	unsealed := *p
	unsealed.ContentHash = ""
	raw, err := json.Marshal(unsealed)
	if err != nil {
		return "", err
	}
	return ContentHash(raw)
}

// Stamp computes and stores the content hash. Senders call this last, after
// the page is final.
func (p *SyncPayload) Stamp() error {
	hash, err := p.ComputeContentHash()
	if err != nil {
		return err
	}
	p.ContentHash = hash
	return nil
}

// VerifyContentHash recomputes the hash and compares it with the stamped one.
func (p *SyncPayload) VerifyContentHash() error {
	hash, err := p.ComputeContentHash()
	if err != nil {
		return err
	}
	if hash != p.ContentHash {
		return ErrContentHashMismatch
	}
	return nil
}
