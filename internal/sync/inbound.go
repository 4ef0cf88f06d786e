package sync

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/forgegraph/forge-core/internal/core"
	"github.com/forgegraph/forge-core/internal/events"
	"github.com/forgegraph/forge-core/internal/federation"
)

// Inbound federation traffic: this instance acting as the responder. The API
// layer verifies envelopes before anything here runs, so these methods see
// only authenticated, replay-checked payloads.

// ServeSyncRequest builds one page of local changes for a peer pulling from
// us. Trust gates apply exactly as they do outbound.
func (e *Engine) ServeSyncRequest(ctx context.Context, peerID string, req *federation.SyncRequest) (*federation.SyncPayload, error) {
	e.mu.Lock()
	peer, ok := e.peers[peerID]
	if !ok {
		e.mu.Unlock()
		return nil, ErrPeerNotFound
	}
	allowed, reason := e.trust.CanSync(peer)
	perms := e.trust.PermissionsFor(peer)
	peerCopy := *peer
	e.mu.Unlock()

	if !allowed {
		return nil, fmt.Errorf("%w: %s", ErrSyncRefused, reason)
	}
	if !perms.CanPull {
		return nil, fmt.Errorf("%w: peer trust tier does not permit pull", ErrSyncRefused)
	}

	limit := req.Limit
	if limit <= 0 || limit > e.cfg.PageLimit {
		limit = e.cfg.PageLimit
	}
	if perms.MaxEntitiesPerSync > 0 && limit > perms.MaxEntitiesPerSync {
		limit = perms.MaxEntitiesPerSync
	}
	offset := decodeCursor(req.Cursor)

	var entities []core.Capsule
	var hasMore bool
	types, disjoint := intersectTypes(peerCopy.AllowedEntityTypes, req.CapsuleTypes)
	if !disjoint {
		var err error
		entities, hasMore, err = e.capsules.ChangedSince(ctx, req.Since, types, peerCopy.MinTrustToSync, offset, limit)
		if err != nil {
			return nil, fmt.Errorf("collect entities: %w", err)
		}
	}

	ids := make([]string, len(entities))
	for i := range entities {
		ids[i] = entities[i].ID
	}
	edges, err := e.capsules.EdgesAmong(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("collect edges: %w", err)
	}

	now := e.now()
	payload := &federation.SyncPayload{
		PeerID:    e.cfg.Info.InstanceID,
		SyncID:    e.newSyncID(now),
		Timestamp: now.UTC(),
		Entities:  entities,
		Edges:     edges,
		HasMore:   hasMore,
	}
	if hasMore {
		payload.NextCursor = encodeCursor(offset + len(entities))
	}
	if err := payload.Stamp(); err != nil {
		return nil, fmt.Errorf("stamp payload: %w", err)
	}

	e.mu.Lock()
	if peer, ok = e.peers[peerID]; ok {
		peer.LastSeenAt = &now
		peer.EntitiesSent += len(entities)
		cp := *peer
		e.mu.Unlock()
		if err := e.store.SavePeer(ctx, &cp); err != nil {
			slog.Warn("Persist peer after serving sync failed", "peer_id", peerID, "error", err)
		}
	} else {
		e.mu.Unlock()
	}

	slog.Info("Served sync request",
		"peer_id", peerID,
		"entities", len(entities),
		"edges", len(edges),
		"has_more", hasMore)
	return payload, nil
}

// ApplyPush ingests a payload a peer pushed to us. Entities flow through the
// same create/update/skip/conflict routing as a pull, and the attempt is
// recorded as a sync for trust and audit purposes.
func (e *Engine) ApplyPush(ctx context.Context, peerID string, payload *federation.SyncPayload) (*core.SyncState, error) {
	e.mu.Lock()
	peer, ok := e.peers[peerID]
	if !ok {
		e.mu.Unlock()
		return nil, ErrPeerNotFound
	}
	if e.inFlight[peerID] {
		e.mu.Unlock()
		return nil, ErrSyncInProgress
	}
	allowed, reason := e.trust.CanSync(peer)
	perms := e.trust.PermissionsFor(peer)
	if !allowed {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSyncRefused, reason)
	}
	if !perms.CanPush {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: peer trust tier does not permit push", ErrSyncRefused)
	}

	now := e.now()
	state := &core.SyncState{
		ID:        e.newSyncID(now),
		PeerID:    peerID,
		Direction: core.SyncPush,
		Status:    core.SyncRunning,
		Phase:     core.PhaseInit,
		StartedAt: now,
	}
	e.inFlight[peerID] = true
	snap := *peer
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.inFlight, peerID)
		e.mu.Unlock()
	}()

	if err := payload.VerifyContentHash(); err != nil {
		completed := e.now()
		state.Status = core.SyncFailed
		state.Phase = core.PhaseFinalizing
		state.CompletedAt = &completed
		state.ErrorMessage = err.Error()
		if serr := e.store.SaveSyncState(ctx, state); serr != nil {
			slog.Warn("Persist failed push state failed", "peer_id", peerID, "error", serr)
		}
		e.recordPeerFault(ctx, peerID)
		e.metrics.RecordSync(peerID, "rejected")
		return state, fmt.Errorf("push payload: %w", err)
	}

	e.setPhase(state, core.PhaseProcessing)
	for i := range payload.Entities {
		e.applyRemoteCapsule(ctx, &snap, state, &payload.Entities[i], perms)
	}
	for _, deletedID := range payload.Deletions {
		e.flagRemoteDeletion(ctx, &snap, state, deletedID)
	}
	for i := range payload.Edges {
		e.applyRemoteEdge(ctx, &snap, state, &payload.Edges[i])
	}

	e.setPhase(state, core.PhaseFinalizing)
	completed := e.now()
	state.Status = core.SyncCompleted
	state.CompletedAt = &completed

	e.mu.Lock()
	peer.TotalSyncs++
	peer.SuccessfulSyncs++
	peer.LastSeenAt = &completed
	peer.EntitiesReceived += state.Counters.CapsulesFetched
	e.trust.RecordSuccessfulSync(peer)
	peerCopy := *peer
	e.mu.Unlock()

	if err := e.store.SavePeer(ctx, &peerCopy); err != nil {
		slog.Warn("Persist peer after push failed", "peer_id", peerID, "error", err)
	}
	if err := e.store.SaveSyncState(ctx, state); err != nil {
		slog.Warn("Persist push sync state failed", "peer_id", peerID, "error", err)
	}

	elapsed := completed.Sub(state.StartedAt)
	e.metrics.RecordSync(peerID, "completed")
	e.metrics.RecordSyncDuration(peerID, "inbound_push", elapsed.Seconds())
	e.emit(events.EventSyncCompleted, peerID, map[string]any{
		"sync_id":             state.ID,
		"direction":           "inbound_push",
		"capsules_fetched":    state.Counters.CapsulesFetched,
		"capsules_created":    state.Counters.CapsulesCreated,
		"capsules_updated":    state.Counters.CapsulesUpdated,
		"capsules_skipped":    state.Counters.CapsulesSkipped,
		"capsules_conflicted": state.Counters.CapsulesConflicted,
	})
	slog.Info("Inbound push applied",
		"peer_id", peerID,
		"sync_id", state.ID,
		"fetched", state.Counters.CapsulesFetched,
		"created", state.Counters.CapsulesCreated,
		"updated", state.Counters.CapsulesUpdated,
		"skipped", state.Counters.CapsulesSkipped,
		"conflicted", state.Counters.CapsulesConflicted)
	return state, nil
}

// RecordRemoteFault books a rejected inbound call (bad signature, stale
// timestamp, replayed nonce) against the peer: one failed sync plus the trust
// penalty.
func (e *Engine) RecordRemoteFault(ctx context.Context, peerID, reason string) error {
	e.mu.Lock()
	peer, ok := e.peers[peerID]
	if !ok {
		e.mu.Unlock()
		return ErrPeerNotFound
	}
	peer.FailedSyncs++
	e.trust.RecordFailedSync(peer)
	cp := *peer
	e.mu.Unlock()

	if err := e.store.SavePeer(ctx, &cp); err != nil {
		slog.Warn("Persist peer after rejected call failed", "peer_id", peerID, "error", err)
	}
	e.metrics.RecordSync(peerID, "rejected")
	e.emit(events.EventSyncFailed, peerID, map[string]any{"reason": reason})
	slog.Warn("Inbound federation call rejected", "peer_id", peerID, "reason", reason)
	return nil
}

// FindPeerByPublicKey resolves the registered peer presenting the given key,
// comparing fingerprints so PEM formatting differences do not matter.
func (e *Engine) FindPeerByPublicKey(publicKeyPEM string) (*core.Peer, error) {
	fp, err := federation.FingerprintPEM(publicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("fingerprint presented key: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, peer := range e.peers {
		if peer.PeerPublicKeyPEM == "" {
			continue
		}
		known, err := federation.FingerprintPEM(peer.PeerPublicKeyPEM)
		if err != nil {
			continue
		}
		if known == fp {
			cp := *peer
			return &cp, nil
		}
	}
	return nil, ErrPeerNotFound
}

// ObserveInboundHandshake updates bookkeeping after a verified inbound
// handshake: trust-on-first-use key pinning, PENDING to ACTIVE promotion, and
// a key-change audit event when the presented key differs from the pinned
// one (the pinned key stays authoritative).
func (e *Engine) ObserveInboundHandshake(ctx context.Context, theirs *federation.PeerHandshake) {
	e.mu.Lock()
	peer, ok := e.peers[theirs.InstanceID]
	if !ok {
		e.mu.Unlock()
		slog.Info("Handshake from unregistered instance", "instance_id", theirs.InstanceID, "name", theirs.Name)
		return
	}

	now := e.now()
	keyChanged := false
	if peer.PeerPublicKeyPEM == "" {
		peer.PeerPublicKeyPEM = theirs.PublicKeyPEM
	} else if changed, err := federation.KeyChanged(peer.PeerPublicKeyPEM, theirs.PublicKeyPEM); err == nil && changed {
		keyChanged = true
	}
	if !keyChanged {
		switch peer.Status {
		case core.PeerPending, core.PeerOffline, core.PeerDegraded:
			peer.Status = core.PeerActive
		}
		peer.LastVerifiedAt = &now
	}
	peer.LastSeenAt = &now
	cp := *peer
	e.mu.Unlock()

	if err := e.store.SavePeer(ctx, &cp); err != nil {
		slog.Warn("Persist peer after inbound handshake failed", "peer_id", cp.ID, "error", err)
	}

	if keyChanged {
		fp, _ := federation.FingerprintPEM(theirs.PublicKeyPEM)
		slog.Warn("Inbound handshake presented a different public key",
			"peer_id", cp.ID,
			"presented_fingerprint", fp)
		e.emit(events.EventPeerKeyChanged, cp.ID, map[string]any{"presented_fingerprint": fp})
		e.metrics.RecordHandshake(false)
		return
	}

	e.metrics.RecordHandshake(true)
	e.emit(events.EventHandshakeCompleted, cp.ID, map[string]any{"inbound": true})
	slog.Info("Inbound handshake recorded", "peer_id", cp.ID, "name", theirs.Name)
}

// ============================================================================
// CURSORS
// ============================================================================

// Cursors are opaque to peers; internally they are a plain offset.
func encodeCursor(offset int) string {
	return strconv.Itoa(offset)
}

func decodeCursor(cursor string) int {
	if cursor == "" {
		return 0
	}
	n, err := strconv.Atoi(cursor)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// intersectTypes narrows the peer's allowlist by the requested types. Empty
// request means everything the allowlist admits; empty allowlist means the
// request stands alone. Disjoint filters report true so the caller serves an
// empty page instead of falling through to "all types".
func intersectTypes(allowed, requested []string) ([]string, bool) {
	if len(requested) == 0 {
		return allowed, false
	}
	if len(allowed) == 0 {
		return requested, false
	}
	out := make([]string, 0, len(requested))
	for _, t := range requested {
		if containsString(allowed, t) {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return nil, true
	}
	return out, false
}
