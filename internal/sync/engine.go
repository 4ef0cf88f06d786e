package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/forgegraph/forge-core/internal/circuitbreaker"
	"github.com/forgegraph/forge-core/internal/core"
	"github.com/forgegraph/forge-core/internal/events"
	"github.com/forgegraph/forge-core/internal/federation"
	"github.com/forgegraph/forge-core/internal/metrics"
	"github.com/forgegraph/forge-core/internal/trust"
)

// ============================================================================
// CONFIG
// ============================================================================

// Config carries the engine's identity and limits.
type Config struct {
	// Info describes this instance for handshakes and served payloads.
	Info federation.InstanceInfo

	// PageLimit is the page size requested on pulls and the ceiling applied
	// to served sync requests.
	PageLimit int

	// DefaultIntervalMinutes applies to peers registered without an interval.
	DefaultIntervalMinutes int

	// AllowInsecurePeers permits http and non-routable base URLs at peer
	// registration. Development only.
	AllowInsecurePeers bool
}

func (c *Config) applyDefaults() {
	if c.PageLimit <= 0 {
		c.PageLimit = federation.DefaultPageLimit
	}
	if c.DefaultIntervalMinutes <= 0 {
		c.DefaultIntervalMinutes = 60
	}
	if c.Info.APIVersion == "" {
		c.Info.APIVersion = "1.0"
	}
	if c.Info.SuggestedIntervalMinutes <= 0 {
		c.Info.SuggestedIntervalMinutes = c.DefaultIntervalMinutes
	}
}

// ============================================================================
// ENGINE
// ============================================================================

// Engine drives federation sync: it owns the peer registry, runs the
// pull/push loops against remote peers through the Transport, serves inbound
// sync traffic, and keeps trust and audit bookkeeping consistent.
//
// One engine-wide lock guards the peer map and the in-flight set. The lock is
// held only for bookkeeping; network and store I/O always happen outside it,
// so slow peers never serialize unrelated syncs.
type Engine struct {
	cfg       Config
	store     Store
	capsules  CapsuleStore
	transport Transport
	trust     *trust.Manager
	breakers  *circuitbreaker.Registry
	bus       events.Bus
	metrics   *metrics.Metrics

	mu       gosync.Mutex
	peers    map[string]*core.Peer
	inFlight map[string]bool

	now func() time.Time
}

// NewEngine wires the engine. breakers and bus may be nil (tests); metrics is
// already nil-safe.
func NewEngine(cfg Config, store Store, capsules CapsuleStore, transport Transport, trustMgr *trust.Manager, breakers *circuitbreaker.Registry, bus events.Bus, m *metrics.Metrics) *Engine {
	cfg.applyDefaults()
	return &Engine{
		cfg:       cfg,
		store:     store,
		capsules:  capsules,
		transport: transport,
		trust:     trustMgr,
		breakers:  breakers,
		bus:       bus,
		metrics:   m,
		peers:     make(map[string]*core.Peer),
		inFlight:  make(map[string]bool),
		now:       time.Now,
	}
}

// LoadPeers hydrates the registry from the store at startup.
func (e *Engine) LoadPeers(ctx context.Context) (int, error) {
	peers, err := e.store.ListPeers(ctx)
	if err != nil {
		return 0, fmt.Errorf("load peers: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range peers {
		e.peers[p.ID] = p
	}
	return len(peers), nil
}

func (e *Engine) emit(eventType events.EventType, subject string, data map[string]any) {
	if e.bus == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	e.bus.Emit(eventType, subject, data)
}

func (e *Engine) newSyncID(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
}

// localHandshake is this instance's (unsigned) side of a negotiation.
func (e *Engine) localHandshake() *federation.PeerHandshake {
	return &federation.PeerHandshake{
		InstanceID:               e.cfg.Info.InstanceID,
		Name:                     e.cfg.Info.Name,
		APIVersion:               e.cfg.Info.APIVersion,
		Capabilities:             e.cfg.Info.Capabilities,
		SuggestedIntervalMinutes: e.cfg.Info.SuggestedIntervalMinutes,
		MaxEntitiesPerSync:       e.cfg.Info.MaxEntitiesPerSync,
		Timestamp:                e.now().UTC(),
	}
}

// ============================================================================
// PEER REGISTRY
// ============================================================================

// RegisterPeer validates and stores a new peer. The caller supplies at least
// a name and base URL; ids, direction, policy, and interval receive defaults.
// The returned peer is a copy.
func (e *Engine) RegisterPeer(ctx context.Context, peer *core.Peer) (*core.Peer, error) {
	if peer == nil || strings.TrimSpace(peer.Name) == "" {
		return nil, fmt.Errorf("peer name is required")
	}

	base, err := ValidatePeerBaseURL(peer.BaseURL, e.cfg.AllowInsecurePeers)
	if err != nil {
		return nil, err
	}
	peer.BaseURL = base

	if peer.PeerPublicKeyPEM != "" {
		if _, _, err := federation.ParsePublicKeyPEM(peer.PeerPublicKeyPEM); err != nil {
			return nil, fmt.Errorf("peer public key: %w", err)
		}
	}

	if peer.ID == "" {
		peer.ID = uuid.NewString()
	}
	if peer.SyncDirection == "" {
		peer.SyncDirection = core.SyncBidirectional
	} else if !validDirection(peer.SyncDirection) {
		return nil, fmt.Errorf("unknown sync direction %q", peer.SyncDirection)
	}
	if peer.ConflictPolicy == "" {
		peer.ConflictPolicy = core.PolicyManualReview
	} else if !validPolicy(peer.ConflictPolicy) {
		return nil, fmt.Errorf("unknown conflict policy %q", peer.ConflictPolicy)
	}
	if peer.SyncIntervalMinutes == 0 {
		peer.SyncIntervalMinutes = e.cfg.DefaultIntervalMinutes
	}
	if peer.SyncIntervalMinutes < core.MinSyncIntervalMinutes {
		peer.SyncIntervalMinutes = core.MinSyncIntervalMinutes
	}
	peer.Status = core.PeerPending
	peer.RegisteredAt = e.now()
	e.trust.InitializePeer(peer)

	e.mu.Lock()
	if _, exists := e.peers[peer.ID]; exists {
		e.mu.Unlock()
		return nil, ErrPeerExists
	}
	e.peers[peer.ID] = peer
	cp := *peer
	e.mu.Unlock()

	if err := e.store.SavePeer(ctx, &cp); err != nil {
		e.mu.Lock()
		delete(e.peers, peer.ID)
		e.mu.Unlock()
		return nil, fmt.Errorf("save peer: %w", err)
	}

	e.emit(events.EventPeerRegistered, cp.ID, map[string]any{
		"name":      cp.Name,
		"base_url":  cp.BaseURL,
		"direction": string(cp.SyncDirection),
	})
	slog.Info("Peer registered",
		"peer_id", cp.ID,
		"name", cp.Name,
		"direction", cp.SyncDirection,
		"trust_score", cp.TrustScore)
	return &cp, nil
}

// GetPeer returns a copy of the peer.
func (e *Engine) GetPeer(id string) (*core.Peer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	peer, ok := e.peers[id]
	if !ok {
		return nil, ErrPeerNotFound
	}
	cp := *peer
	return &cp, nil
}

// ListPeers returns copies of all peers ordered by name.
func (e *Engine) ListPeers() []*core.Peer {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*core.Peer, 0, len(e.peers))
	for _, peer := range e.peers {
		cp := *peer
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// UpdatePeer applies a mutation under the registry lock and persists the
// result. The interval floor is re-enforced after the mutation.
func (e *Engine) UpdatePeer(ctx context.Context, id string, apply func(*core.Peer) error) (*core.Peer, error) {
	e.mu.Lock()
	peer, ok := e.peers[id]
	if !ok {
		e.mu.Unlock()
		return nil, ErrPeerNotFound
	}
	if err := apply(peer); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	if peer.SyncIntervalMinutes < core.MinSyncIntervalMinutes {
		peer.SyncIntervalMinutes = core.MinSyncIntervalMinutes
	}
	cp := *peer
	e.mu.Unlock()

	if err := e.store.SavePeer(ctx, &cp); err != nil {
		return nil, fmt.Errorf("save peer: %w", err)
	}
	return &cp, nil
}

// UnregisterPeer removes a peer entirely. Revocation is usually the better
// call since it keeps the audit trail.
func (e *Engine) UnregisterPeer(ctx context.Context, id string) error {
	e.mu.Lock()
	_, ok := e.peers[id]
	if !ok {
		e.mu.Unlock()
		return ErrPeerNotFound
	}
	delete(e.peers, id)
	delete(e.inFlight, id)
	e.mu.Unlock()

	if err := e.store.DeletePeer(ctx, id); err != nil && !errors.Is(err, ErrPeerNotFound) {
		return fmt.Errorf("delete peer: %w", err)
	}
	slog.Info("Peer unregistered", "peer_id", id)
	return nil
}

// RevokePeer permanently bans the peer and records who did it and why.
func (e *Engine) RevokePeer(ctx context.Context, id, reason, by string) (*core.Peer, error) {
	e.mu.Lock()
	peer, ok := e.peers[id]
	if !ok {
		e.mu.Unlock()
		return nil, ErrPeerNotFound
	}
	e.trust.RevokePeer(peer, reason, by)
	cp := *peer
	e.mu.Unlock()

	if err := e.store.SavePeer(ctx, &cp); err != nil {
		return nil, fmt.Errorf("save peer: %w", err)
	}
	return &cp, nil
}

// AdjustTrust applies an operator trust delta and persists the peer.
func (e *Engine) AdjustTrust(ctx context.Context, id string, delta float64, reason, by string) (*core.Peer, error) {
	e.mu.Lock()
	peer, ok := e.peers[id]
	if !ok {
		e.mu.Unlock()
		return nil, ErrPeerNotFound
	}
	e.trust.ManualAdjustment(peer, delta, reason, by)
	cp := *peer
	e.mu.Unlock()

	if err := e.store.SavePeer(ctx, &cp); err != nil {
		return nil, fmt.Errorf("save peer: %w", err)
	}
	return &cp, nil
}

// RecommendTrustAdjustment surfaces the trust manager's suggestion for a peer.
func (e *Engine) RecommendTrustAdjustment(id string) (trust.Recommendation, bool, error) {
	e.mu.Lock()
	peer, ok := e.peers[id]
	if !ok {
		e.mu.Unlock()
		return trust.Recommendation{}, false, ErrPeerNotFound
	}
	cp := *peer
	e.mu.Unlock()

	rec, ok := e.trust.RecommendTrustAdjustment(&cp)
	return rec, ok, nil
}

func validDirection(d core.SyncDirection) bool {
	switch d {
	case core.SyncPush, core.SyncPull, core.SyncBidirectional:
		return true
	}
	return false
}

func validPolicy(p core.ConflictPolicy) bool {
	switch p {
	case core.PolicyLocalWins, core.PolicyRemoteWins, core.PolicyHigherTrust,
		core.PolicyNewerTimestamp, core.PolicyMerge, core.PolicyManualReview:
		return true
	}
	return false
}

// ============================================================================
// HANDSHAKE
// ============================================================================

// HandshakeWithPeer performs the mutual introduction with a registered peer
// and returns the negotiated contract. First success moves a PENDING peer to
// ACTIVE; a key on record that no longer matches aborts with an audit event.
func (e *Engine) HandshakeWithPeer(ctx context.Context, peerID string) (*federation.Negotiated, error) {
	e.mu.Lock()
	peer, ok := e.peers[peerID]
	if !ok {
		e.mu.Unlock()
		return nil, ErrPeerNotFound
	}
	if peer.Status == core.PeerRevoked {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: peer is revoked", ErrSyncRefused)
	}
	peerCopy := *peer
	e.mu.Unlock()

	theirs, err := e.callHandshake(ctx, &peerCopy)
	if err != nil {
		e.metrics.RecordHandshake(false)
		e.recordPeerFault(ctx, peerID)
		return nil, fmt.Errorf("handshake with %s: %w", peerID, err)
	}

	if ok, verr := theirs.VerifySelfSigned(); verr != nil || !ok {
		e.metrics.RecordHandshake(false)
		e.recordPeerFault(ctx, peerID)
		if verr != nil {
			return nil, fmt.Errorf("handshake from %s: %w", peerID, verr)
		}
		return nil, fmt.Errorf("handshake from %s: signature invalid", peerID)
	}

	if peerCopy.PeerPublicKeyPEM != "" {
		changed, kerr := federation.KeyChanged(peerCopy.PeerPublicKeyPEM, theirs.PublicKeyPEM)
		if kerr != nil {
			return nil, fmt.Errorf("handshake from %s: %w", peerID, kerr)
		}
		if changed {
			fp, _ := federation.FingerprintPEM(theirs.PublicKeyPEM)
			slog.Warn("Peer presented a different public key",
				"peer_id", peerID,
				"presented_fingerprint", fp)
			e.emit(events.EventPeerKeyChanged, peerID, map[string]any{"presented_fingerprint": fp})
			e.metrics.RecordHandshake(false)
			return nil, fmt.Errorf("peer %s presented a different public key", peerID)
		}
	}

	negotiated := federation.Negotiate(e.localHandshake(), theirs)

	now := e.now()
	e.mu.Lock()
	if peer, ok = e.peers[peerID]; ok {
		if peer.PeerPublicKeyPEM == "" {
			peer.PeerPublicKeyPEM = theirs.PublicKeyPEM
		}
		switch peer.Status {
		case core.PeerPending, core.PeerOffline, core.PeerDegraded:
			peer.Status = core.PeerActive
		}
		peer.LastSeenAt = &now
		peer.LastVerifiedAt = &now
		cp := *peer
		e.mu.Unlock()
		if err := e.store.SavePeer(ctx, &cp); err != nil {
			slog.Warn("Persist peer after handshake failed", "peer_id", peerID, "error", err)
		}
	} else {
		e.mu.Unlock()
	}

	e.metrics.RecordHandshake(true)
	e.emit(events.EventHandshakeCompleted, peerID, map[string]any{
		"can_push":     negotiated.CanPush,
		"can_pull":     negotiated.CanPull,
		"streaming":    negotiated.Streaming,
		"max_entities": negotiated.MaxEntitiesPerSync,
	})
	slog.Info("Handshake completed",
		"peer_id", peerID,
		"can_push", negotiated.CanPush,
		"can_pull", negotiated.CanPull,
		"max_entities", negotiated.MaxEntitiesPerSync)
	return &negotiated, nil
}

// recordPeerFault books one failed interaction against the peer.
func (e *Engine) recordPeerFault(ctx context.Context, peerID string) {
	e.mu.Lock()
	peer, ok := e.peers[peerID]
	if !ok {
		e.mu.Unlock()
		return
	}
	peer.FailedSyncs++
	e.trust.RecordFailedSync(peer)
	cp := *peer
	e.mu.Unlock()
	if err := e.store.SavePeer(ctx, &cp); err != nil {
		slog.Warn("Persist peer after fault failed", "peer_id", peerID, "error", err)
	}
}

// ============================================================================
// SYNC ENTRY POINT
// ============================================================================

// SyncWithPeer runs one sync attempt. An empty direction uses the peer's
// configured one. Unless force is set, an attempt inside the peer's sync
// interval returns a synthetic COMPLETED state marked skipped without any
// network traffic. Per-peer attempts are mutually exclusive.
func (e *Engine) SyncWithPeer(ctx context.Context, peerID string, direction core.SyncDirection, force bool) (*core.SyncState, error) {
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

	if direction == "" {
		direction = peer.SyncDirection
	}
	if !validDirection(direction) {
		e.mu.Unlock()
		return nil, fmt.Errorf("unknown sync direction %q", direction)
	}

	now := e.now()
	if !force && peer.LastSyncAt != nil {
		next := peer.LastSyncAt.Add(time.Duration(peer.SyncIntervalMinutes) * time.Minute)
		if now.Before(next) {
			state := e.skippedState(peer, direction, now, next)
			e.mu.Unlock()
			if err := e.store.SaveSyncState(ctx, state); err != nil {
				slog.Warn("Persist skipped sync state failed", "peer_id", peerID, "error", err)
			}
			slog.Debug("Sync skipped, interval not elapsed", "peer_id", peerID, "next_sync_at", next)
			return state, nil
		}
	}

	if allowed, reason := e.trust.CanSync(peer); !allowed {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSyncRefused, reason)
	}
	perms := e.trust.PermissionsFor(peer)

	doPull := (direction == core.SyncPull || direction == core.SyncBidirectional) && perms.CanPull
	doPush := (direction == core.SyncPush || direction == core.SyncBidirectional) && perms.CanPush
	if !doPull && !doPush {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: peer trust tier does not permit %s sync", ErrSyncRefused, strings.ToLower(string(direction)))
	}

	since := peer.LastSyncAt
	state := &core.SyncState{
		ID:        e.newSyncID(now),
		PeerID:    peerID,
		Direction: direction,
		Status:    core.SyncRunning,
		Phase:     core.PhaseInit,
		StartedAt: now,
		SyncFrom:  since,
		SyncTo:    &now,
	}
	e.inFlight[peerID] = true
	// The loops work on a snapshot; the canonical peer is only touched under
	// the lock again at terminal bookkeeping.
	snap := *peer
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.inFlight, peerID)
		e.mu.Unlock()
	}()

	if err := e.store.SaveSyncState(ctx, state); err != nil {
		slog.Warn("Persist initial sync state failed", "peer_id", peerID, "sync_id", state.ID, "error", err)
	}
	e.emit(events.EventSyncStarted, peerID, map[string]any{
		"sync_id":   state.ID,
		"direction": string(direction),
	})
	slog.Info("Sync started", "peer_id", peerID, "sync_id", state.ID, "direction", direction, "force", force)

	var runErr error
	if doPull {
		runErr = e.executePull(ctx, &snap, state, since, perms)
	}
	if runErr == nil && doPush {
		runErr = e.executePush(ctx, &snap, state, since, perms)
	}

	e.setPhase(state, core.PhaseFinalizing)
	completed := e.now()
	state.CompletedAt = &completed

	e.mu.Lock()
	peer.TotalSyncs++
	if runErr != nil {
		state.Status = core.SyncFailed
		state.ErrorMessage = runErr.Error()
		peer.FailedSyncs++
		e.trust.RecordFailedSync(peer)
	} else {
		state.Status = core.SyncCompleted
		peer.SuccessfulSyncs++
		peer.LastSyncAt = &completed
		peer.LastSeenAt = &completed
		peer.EntitiesReceived += state.Counters.CapsulesFetched
		peer.EntitiesSent += state.Counters.CapsulesPushed
		e.trust.RecordSuccessfulSync(peer)
	}
	peerCopy := *peer
	e.mu.Unlock()

	if err := e.store.SavePeer(ctx, &peerCopy); err != nil {
		slog.Warn("Persist peer after sync failed", "peer_id", peerID, "error", err)
	}
	if err := e.store.SaveSyncState(ctx, state); err != nil {
		slog.Warn("Persist sync state failed", "peer_id", peerID, "sync_id", state.ID, "error", err)
	}

	elapsed := completed.Sub(state.StartedAt)
	e.metrics.RecordSyncDuration(peerID, string(direction), elapsed.Seconds())

	if runErr != nil {
		e.metrics.RecordSync(peerID, "failed")
		e.emit(events.EventSyncFailed, peerID, map[string]any{
			"sync_id": state.ID,
			"error":   runErr.Error(),
		})
		slog.Error("Sync failed",
			"peer_id", peerID,
			"sync_id", state.ID,
			"direction", direction,
			"error", runErr)
		return state, runErr
	}

	e.metrics.RecordSync(peerID, "completed")
	e.emit(events.EventSyncCompleted, peerID, map[string]any{
		"sync_id":             state.ID,
		"direction":           string(direction),
		"capsules_fetched":    state.Counters.CapsulesFetched,
		"capsules_created":    state.Counters.CapsulesCreated,
		"capsules_updated":    state.Counters.CapsulesUpdated,
		"capsules_skipped":    state.Counters.CapsulesSkipped,
		"capsules_conflicted": state.Counters.CapsulesConflicted,
		"capsules_pushed":     state.Counters.CapsulesPushed,
		"edges_created":       state.Counters.EdgesCreated,
		"duration_seconds":    elapsed.Seconds(),
	})
	slog.Info("Sync completed",
		"peer_id", peerID,
		"sync_id", state.ID,
		"direction", direction,
		"fetched", state.Counters.CapsulesFetched,
		"created", state.Counters.CapsulesCreated,
		"updated", state.Counters.CapsulesUpdated,
		"skipped", state.Counters.CapsulesSkipped,
		"conflicted", state.Counters.CapsulesConflicted,
		"pushed", state.Counters.CapsulesPushed,
		"duration", elapsed)
	return state, nil
}

// skippedState is the synthetic COMPLETED record for an attempt inside the
// sync interval. Counters stay zero and no trust movement happens.
func (e *Engine) skippedState(peer *core.Peer, direction core.SyncDirection, now, next time.Time) *core.SyncState {
	completed := now
	return &core.SyncState{
		ID:          e.newSyncID(now),
		PeerID:      peer.ID,
		Direction:   direction,
		Status:      core.SyncCompleted,
		Phase:       core.PhaseFinalizing,
		StartedAt:   now,
		CompletedAt: &completed,
		ErrorDetails: map[string]any{
			"skipped":      true,
			"reason":       "sync interval not elapsed",
			"next_sync_at": next.UTC().Format(time.RFC3339),
		},
	}
}

// ============================================================================
// PHASES
// ============================================================================

// phaseTransitions is the set of legal phase moves. INIT may jump straight to
// PROCESSING when a pushed page arrives without a fetch step, or straight to
// APPLYING for push-only syncs.
var phaseTransitions = map[core.SyncPhase]map[core.SyncPhase]bool{
	core.PhaseInit:       {core.PhaseFetching: true, core.PhaseProcessing: true, core.PhaseApplying: true, core.PhaseFinalizing: true},
	core.PhaseFetching:   {core.PhaseProcessing: true, core.PhaseFinalizing: true},
	core.PhaseProcessing: {core.PhaseFetching: true, core.PhaseApplying: true, core.PhaseFinalizing: true},
	core.PhaseApplying:   {core.PhaseFinalizing: true},
	core.PhaseFinalizing: {},
}

func (e *Engine) setPhase(state *core.SyncState, next core.SyncPhase) {
	if state.Phase == next {
		return
	}
	if !phaseTransitions[state.Phase][next] {
		slog.Warn("Illegal sync phase transition refused",
			"sync_id", state.ID,
			"from", state.Phase,
			"to", next)
		return
	}
	state.Phase = next
}

// ============================================================================
// PULL
// ============================================================================

func (e *Engine) executePull(ctx context.Context, peer *core.Peer, state *core.SyncState, since *time.Time, perms trust.Permissions) error {
	cursor := ""
	fetched := 0
	budget := perms.MaxEntitiesPerSync

	for {
		limit := e.cfg.PageLimit
		if budget > 0 && budget-fetched < limit {
			limit = budget - fetched
		}
		if limit <= 0 {
			slog.Info("Pull stopped at tier entity budget", "peer_id", peer.ID, "sync_id", state.ID, "fetched", fetched)
			break
		}

		e.setPhase(state, core.PhaseFetching)
		req := &federation.SyncRequest{
			PeerID:       e.cfg.Info.InstanceID,
			Since:        since,
			CapsuleTypes: peer.AllowedEntityTypes,
			Limit:        limit,
			Cursor:       cursor,
		}
		payload, err := e.callRequestSync(ctx, peer, req)
		if err != nil {
			return fmt.Errorf("pull page: %w", err)
		}
		if err := payload.VerifyContentHash(); err != nil {
			return fmt.Errorf("pull page: %w", err)
		}

		e.setPhase(state, core.PhaseProcessing)
		for i := range payload.Entities {
			e.applyRemoteCapsule(ctx, peer, state, &payload.Entities[i], perms)
		}
		for _, deletedID := range payload.Deletions {
			e.flagRemoteDeletion(ctx, peer, state, deletedID)
		}
		for i := range payload.Edges {
			e.applyRemoteEdge(ctx, peer, state, &payload.Edges[i])
		}

		fetched += len(payload.Entities)
		if !payload.HasMore {
			break
		}
		// A peer reporting has_more without a cursor would re-serve the same
		// page forever.
		if payload.NextCursor == "" {
			slog.Warn("Peer reported has_more without a cursor", "peer_id", peer.ID, "sync_id", state.ID)
			break
		}
		cursor = payload.NextCursor
	}
	return nil
}

// applyRemoteCapsule routes one fetched capsule into exactly one counter
// bucket: created, updated, skipped, or conflicted.
func (e *Engine) applyRemoteCapsule(ctx context.Context, peer *core.Peer, state *core.SyncState, remote *core.Capsule, perms trust.Permissions) {
	state.Counters.CapsulesFetched++

	if remote.ID == "" {
		state.Counters.CapsulesSkipped++
		e.metrics.RecordEntities(peer.ID, "skipped", 1)
		slog.Warn("Remote capsule without id skipped", "peer_id", peer.ID, "sync_id", state.ID)
		return
	}
	if remote.TrustLevel < peer.MinTrustToSync {
		state.Counters.CapsulesSkipped++
		e.metrics.RecordEntities(peer.ID, "skipped", 1)
		return
	}
	if !peer.AllowsEntityType(remote.Type) {
		state.Counters.CapsulesSkipped++
		e.metrics.RecordEntities(peer.ID, "skipped", 1)
		return
	}
	if remote.ContentHash == "" {
		remote.ContentHash = remote.ComputeContentHash()
	}

	now := e.now()
	rec, err := e.store.GetEntityRecord(ctx, peer.ID, remote.ID)
	if errors.Is(err, ErrNotFound) {
		e.materializeRemote(ctx, peer, state, remote, perms, now)
		return
	}
	if err != nil {
		state.Counters.CapsulesSkipped++
		e.metrics.RecordEntities(peer.ID, "skipped", 1)
		slog.Warn("Federated record lookup failed", "peer_id", peer.ID, "remote_id", remote.ID, "error", err)
		return
	}
	if rec.LocalEntityID == "" {
		// Tracked but never materialized.
		e.materializeRemote(ctx, peer, state, remote, perms, now)
		return
	}

	local, err := e.capsules.GetCapsule(ctx, rec.LocalEntityID)
	if err != nil {
		state.Counters.CapsulesSkipped++
		e.metrics.RecordEntities(peer.ID, "skipped", 1)
		slog.Warn("Local capsule lookup failed", "peer_id", peer.ID, "local_id", rec.LocalEntityID, "error", err)
		return
	}

	if DetectConflict(local, remote, rec) {
		e.resolveCapsuleConflict(ctx, peer, state, local, remote, rec, perms, now)
		return
	}

	if remote.ContentHash == rec.RemoteContentHash {
		// Nothing new from the peer; local-only drift is not ours to undo.
		state.Counters.CapsulesSkipped++
		e.metrics.RecordEntities(peer.ID, "skipped", 1)
		return
	}

	// One-sided remote drift: fast-forward the local copy.
	if err := e.applyRemoteContent(ctx, local, remote, now); err != nil {
		state.Counters.CapsulesSkipped++
		e.metrics.RecordEntities(peer.ID, "skipped", 1)
		slog.Warn("Apply remote update failed", "peer_id", peer.ID, "local_id", local.ID, "error", err)
		return
	}
	e.rebaseline(rec, remote, remote.ContentHash, perms, now)
	if err := e.store.SaveEntityRecord(ctx, rec); err != nil {
		slog.Warn("Persist federated record failed", "peer_id", peer.ID, "remote_id", remote.ID, "error", err)
	}
	state.Counters.CapsulesUpdated++
	e.metrics.RecordEntities(peer.ID, "updated", 1)
	e.emit(events.EventCapsuleUpdated, local.ID, map[string]any{"peer_id": peer.ID, "remote_id": remote.ID})
}

// materializeRemote creates the local copy and its bookkeeping record.
func (e *Engine) materializeRemote(ctx context.Context, peer *core.Peer, state *core.SyncState, remote *core.Capsule, perms trust.Permissions, now time.Time) {
	local := *remote
	local.ID = "" // the capsule store mints the local id
	if local.CreatedAt.IsZero() {
		local.CreatedAt = now
	}
	if local.UpdatedAt.IsZero() {
		local.UpdatedAt = now
	}

	localID, err := e.capsules.CreateCapsule(ctx, &local)
	if err != nil {
		state.Counters.CapsulesSkipped++
		e.metrics.RecordEntities(peer.ID, "skipped", 1)
		slog.Warn("Materialize remote capsule failed", "peer_id", peer.ID, "remote_id", remote.ID, "error", err)
		return
	}

	rec := &core.FederatedEntityRecord{
		PeerID:            peer.ID,
		RemoteEntityID:    remote.ID,
		LocalEntityID:     localID,
		RemoteContentHash: remote.ContentHash,
		LocalContentHash:  remote.ContentHash,
		SyncStatus:        core.RecordSynced,
		Title:             remote.Title,
		EntityType:        remote.Type,
		TrustLevel:        remote.TrustLevel,
		Owner:             remote.Owner,
		ReviewRequired:    perms.RequiresReview && !perms.AutoAccept,
		LastSyncedAt:      &now,
	}
	if err := e.store.SaveEntityRecord(ctx, rec); err != nil {
		slog.Warn("Persist federated record failed", "peer_id", peer.ID, "remote_id", remote.ID, "error", err)
	}

	state.Counters.CapsulesCreated++
	e.metrics.RecordEntities(peer.ID, "created", 1)
	e.emit(events.EventCapsuleCreated, localID, map[string]any{"peer_id": peer.ID, "remote_id": remote.ID})
}

// applyRemoteContent overwrites the local capsule with the given content,
// keeping the local id and creation time.
func (e *Engine) applyRemoteContent(ctx context.Context, local, content *core.Capsule, now time.Time) error {
	updated := *content
	updated.ID = local.ID
	updated.CreatedAt = local.CreatedAt
	if updated.UpdatedAt.IsZero() {
		updated.UpdatedAt = now
	}
	return e.capsules.UpdateCapsule(ctx, &updated)
}

// rebaseline marks the record SYNCED with fresh hashes after an applied
// update or an acknowledged local win.
func (e *Engine) rebaseline(rec *core.FederatedEntityRecord, remote *core.Capsule, localHash string, perms trust.Permissions, now time.Time) {
	rec.RemoteContentHash = remote.ContentHash
	rec.LocalContentHash = localHash
	rec.SyncStatus = core.RecordSynced
	rec.Title = remote.Title
	rec.EntityType = remote.Type
	rec.TrustLevel = remote.TrustLevel
	rec.Owner = remote.Owner
	rec.ConflictReason = ""
	rec.ReviewRequired = perms.RequiresReview && !perms.AutoAccept
	rec.LastSyncedAt = &now
}

func (e *Engine) resolveCapsuleConflict(ctx context.Context, peer *core.Peer, state *core.SyncState, local, remote *core.Capsule, rec *core.FederatedEntityRecord, perms trust.Permissions, now time.Time) {
	res := ResolveConflict(peer.ConflictPolicy, local, remote)

	conflict := &core.SyncConflict{
		ID:             uuid.NewString(),
		PeerID:         peer.ID,
		SyncID:         state.ID,
		RemoteEntityID: remote.ID,
		LocalEntityID:  local.ID,
		Policy:         peer.ConflictPolicy,
		Resolution:     res.Reason,
		Outcome:        res.Outcome,
		Resolved:       res.Resolved,
		DetectedAt:     now,
	}
	if err := e.store.SaveConflict(ctx, conflict); err != nil {
		slog.Warn("Persist conflict record failed", "peer_id", peer.ID, "remote_id", remote.ID, "error", err)
	}
	e.trust.RecordConflict(peer, res.Resolved)
	e.emit(events.EventConflictDetected, local.ID, map[string]any{
		"peer_id":    peer.ID,
		"remote_id":  remote.ID,
		"policy":     string(peer.ConflictPolicy),
		"resolution": res.Reason,
		"outcome":    res.Outcome,
	})
	slog.Info("Sync conflict detected",
		"peer_id", peer.ID,
		"sync_id", state.ID,
		"local_id", local.ID,
		"remote_id", remote.ID,
		"policy", peer.ConflictPolicy,
		"resolution", res.Reason,
		"outcome", res.Outcome)

	switch {
	case res.Outcome == OutcomeUpdate:
		if err := e.applyRemoteContent(ctx, local, res.Merged, now); err != nil {
			state.Counters.CapsulesSkipped++
			e.metrics.RecordEntities(peer.ID, "skipped", 1)
			slog.Warn("Apply conflict resolution failed", "peer_id", peer.ID, "local_id", local.ID, "error", err)
			return
		}
		e.rebaseline(rec, remote, res.Merged.ContentHash, perms, now)
		if err := e.store.SaveEntityRecord(ctx, rec); err != nil {
			slog.Warn("Persist federated record failed", "peer_id", peer.ID, "remote_id", remote.ID, "error", err)
		}
		state.Counters.CapsulesUpdated++
		e.metrics.RecordEntities(peer.ID, "updated", 1)
		e.emit(events.EventCapsuleUpdated, local.ID, map[string]any{"peer_id": peer.ID, "remote_id": remote.ID, "resolution": res.Reason})

	case res.Resolved:
		// Local side kept. Both hashes re-baseline so the same divergence is
		// not re-detected on the next pull.
		e.rebaseline(rec, remote, local.ContentHash, perms, now)
		if err := e.store.SaveEntityRecord(ctx, rec); err != nil {
			slog.Warn("Persist federated record failed", "peer_id", peer.ID, "remote_id", remote.ID, "error", err)
		}
		state.Counters.CapsulesSkipped++
		e.metrics.RecordEntities(peer.ID, "skipped", 1)

	default:
		// Manual review: local stays untouched and the divergence stays
		// visible until an operator acts.
		rec.SyncStatus = core.RecordConflict
		rec.ConflictReason = "Conflicting changes on both sides"
		rec.ReviewRequired = true
		rec.LastSyncedAt = &now
		if err := e.store.SaveEntityRecord(ctx, rec); err != nil {
			slog.Warn("Persist federated record failed", "peer_id", peer.ID, "remote_id", remote.ID, "error", err)
		}
		state.Counters.CapsulesConflicted++
		e.metrics.RecordEntities(peer.ID, "conflicted", 1)
		e.emit(events.EventConflictManualReview, local.ID, map[string]any{
			"peer_id":     peer.ID,
			"remote_id":   remote.ID,
			"conflict_id": conflict.ID,
		})
	}
}

// flagRemoteDeletion marks the record REJECTED for review. The local capsule
// is never deleted on a peer's say-so.
func (e *Engine) flagRemoteDeletion(ctx context.Context, peer *core.Peer, state *core.SyncState, remoteID string) {
	rec, err := e.store.GetEntityRecord(ctx, peer.ID, remoteID)
	if err != nil {
		// Never materialized here; nothing to flag.
		return
	}
	now := e.now()
	rec.SyncStatus = core.RecordRejected
	rec.ConflictReason = "Remote capsule deleted"
	rec.ReviewRequired = true
	rec.LastSyncedAt = &now
	if err := e.store.SaveEntityRecord(ctx, rec); err != nil {
		slog.Warn("Persist deletion flag failed", "peer_id", peer.ID, "remote_id", remoteID, "error", err)
		return
	}
	state.Counters.DeletionsFlagged++
	e.emit(events.EventConflictManualReview, rec.LocalEntityID, map[string]any{
		"peer_id":   peer.ID,
		"remote_id": remoteID,
		"reason":    "Remote capsule deleted",
	})
	slog.Info("Remote deletion flagged for review", "peer_id", peer.ID, "remote_id", remoteID, "local_id", rec.LocalEntityID)
}

// applyRemoteEdge materializes an edge when both endpoints resolve through
// the federated-entity index; anything unresolved counts as skipped.
func (e *Engine) applyRemoteEdge(ctx context.Context, peer *core.Peer, state *core.SyncState, edge *core.Edge) {
	if edge.SourceID == "" || edge.TargetID == "" {
		state.Counters.EdgesSkipped++
		return
	}
	remoteEdgeID := edge.ID
	if remoteEdgeID == "" {
		remoteEdgeID = edge.SourceID + "->" + edge.TargetID + ":" + edge.Type
	}
	if _, err := e.store.GetEdgeRecord(ctx, peer.ID, remoteEdgeID); err == nil {
		// Already materialized on an earlier pull.
		state.Counters.EdgesSkipped++
		return
	}

	src, srcErr := e.store.GetEntityRecord(ctx, peer.ID, edge.SourceID)
	tgt, tgtErr := e.store.GetEntityRecord(ctx, peer.ID, edge.TargetID)
	if srcErr != nil || tgtErr != nil || src.LocalEntityID == "" || tgt.LocalEntityID == "" {
		state.Counters.EdgesSkipped++
		return
	}

	now := e.now()
	localEdge := core.Edge{
		SourceID:  src.LocalEntityID,
		TargetID:  tgt.LocalEntityID,
		Type:      edge.Type,
		CreatedAt: now,
	}
	localID, err := e.capsules.CreateEdge(ctx, &localEdge)
	if err != nil {
		state.Counters.EdgesSkipped++
		slog.Warn("Create local edge failed", "peer_id", peer.ID, "remote_edge_id", remoteEdgeID, "error", err)
		return
	}

	rec := &core.FederatedEdgeRecord{
		PeerID:       peer.ID,
		RemoteEdgeID: remoteEdgeID,
		LocalEdgeID:  localID,
		SourceID:     src.LocalEntityID,
		TargetID:     tgt.LocalEntityID,
		EdgeType:     edge.Type,
		CreatedAt:    now,
	}
	if err := e.store.SaveEdgeRecord(ctx, rec); err != nil {
		slog.Warn("Persist federated edge record failed", "peer_id", peer.ID, "remote_edge_id", remoteEdgeID, "error", err)
	}
	state.Counters.EdgesCreated++
	e.emit(events.EventEdgeCreated, localID, map[string]any{
		"peer_id":   peer.ID,
		"source_id": src.LocalEntityID,
		"target_id": tgt.LocalEntityID,
		"type":      edge.Type,
	})
}

// ============================================================================
// PUSH
// ============================================================================

func (e *Engine) executePush(ctx context.Context, peer *core.Peer, state *core.SyncState, since *time.Time, perms trust.Permissions) error {
	e.setPhase(state, core.PhaseApplying)

	limit := perms.MaxEntitiesPerSync
	if e.cfg.Info.MaxEntitiesPerSync > 0 && (limit <= 0 || e.cfg.Info.MaxEntitiesPerSync < limit) {
		limit = e.cfg.Info.MaxEntitiesPerSync
	}
	if limit <= 0 {
		limit = e.cfg.PageLimit
	}

	changed, _, err := e.capsules.ChangedSince(ctx, since, peer.AllowedEntityTypes, peer.MinTrustToSync, 0, limit)
	if err != nil {
		return fmt.Errorf("collect changed capsules: %w", err)
	}
	changed, err = e.withoutPeerCopies(ctx, peer.ID, changed)
	if err != nil {
		return fmt.Errorf("filter peer copies: %w", err)
	}
	if len(changed) == 0 {
		slog.Debug("Nothing to push", "peer_id", peer.ID, "sync_id", state.ID)
		return nil
	}

	ids := make([]string, len(changed))
	for i := range changed {
		ids[i] = changed[i].ID
	}
	edges, err := e.capsules.EdgesAmong(ctx, ids)
	if err != nil {
		return fmt.Errorf("collect edges: %w", err)
	}

	payload := &federation.SyncPayload{
		PeerID:    e.cfg.Info.InstanceID,
		SyncID:    state.ID,
		Timestamp: e.now().UTC(),
		Entities:  changed,
		Edges:     edges,
	}
	if err := payload.Stamp(); err != nil {
		return fmt.Errorf("stamp push payload: %w", err)
	}

	ack, err := e.callSendPush(ctx, peer, payload)
	if err != nil {
		return fmt.Errorf("push: %w", err)
	}
	if ack == nil || !ack.Accepted {
		reason := "no reason given"
		if ack != nil && ack.Reason != "" {
			reason = ack.Reason
		}
		return fmt.Errorf("push rejected by peer: %s", reason)
	}

	state.Counters.CapsulesPushed += len(changed)
	e.metrics.RecordEntities(peer.ID, "pushed", len(changed))
	slog.Info("Push delivered", "peer_id", peer.ID, "sync_id", state.ID, "entities", len(changed), "edges", len(edges))
	return nil
}

// withoutPeerCopies drops capsules that are this peer's own content. A copy
// materialized from a pull must never ride back to its origin on a push.
func (e *Engine) withoutPeerCopies(ctx context.Context, peerID string, capsules []core.Capsule) ([]core.Capsule, error) {
	records, err := e.store.ListEntityRecords(ctx, peerID, 0)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return capsules, nil
	}
	theirs := make(map[string]bool, len(records))
	for _, rec := range records {
		if rec.LocalEntityID != "" {
			theirs[rec.LocalEntityID] = true
		}
	}
	kept := capsules[:0]
	for _, c := range capsules {
		if theirs[c.ID] {
			continue
		}
		kept = append(kept, c)
	}
	return kept, nil
}

// ============================================================================
// TRANSPORT CALLS (breaker-wrapped)
// ============================================================================

func (e *Engine) overlayBreaker(peer *core.Peer) *circuitbreaker.CircuitBreaker {
	if e.breakers == nil {
		return nil
	}
	return e.breakers.Overlay(peer.ID)
}

func (e *Engine) callHandshake(ctx context.Context, peer *core.Peer) (*federation.PeerHandshake, error) {
	br := e.overlayBreaker(peer)
	if br == nil {
		return e.transport.Handshake(ctx, peer)
	}
	return circuitbreaker.Execute(ctx, br, func(ctx context.Context) (*federation.PeerHandshake, error) {
		return e.transport.Handshake(ctx, peer)
	})
}

func (e *Engine) callRequestSync(ctx context.Context, peer *core.Peer, req *federation.SyncRequest) (*federation.SyncPayload, error) {
	br := e.overlayBreaker(peer)
	if br == nil {
		return e.transport.RequestSync(ctx, peer, req)
	}
	return circuitbreaker.Execute(ctx, br, func(ctx context.Context) (*federation.SyncPayload, error) {
		return e.transport.RequestSync(ctx, peer, req)
	})
}

func (e *Engine) callSendPush(ctx context.Context, peer *core.Peer, payload *federation.SyncPayload) (*federation.SyncPushAck, error) {
	br := e.overlayBreaker(peer)
	if br == nil {
		return e.transport.SendSyncPush(ctx, peer, payload)
	}
	return circuitbreaker.Execute(ctx, br, func(ctx context.Context) (*federation.SyncPushAck, error) {
		return e.transport.SendSyncPush(ctx, peer, payload)
	})
}

// ============================================================================
// SCHEDULED SWEEPS
// ============================================================================

// SyncDuePeers syncs every peer whose interval has elapsed. Individual peer
// failures are logged and never fail the task; breaker rejections are normal
// backpressure here.
func (e *Engine) SyncDuePeers(ctx context.Context) error {
	for _, id := range e.duePeerIDs() {
		if _, err := e.SyncWithPeer(ctx, id, "", false); err != nil {
			if errors.Is(err, ErrSyncInProgress) || errors.Is(err, ErrSyncRefused) {
				continue
			}
			var cbErr *circuitbreaker.CircuitBreakerError
			if errors.As(err, &cbErr) {
				slog.Debug("Scheduled sync deferred by open circuit", "peer_id", id, "breaker", cbErr.Name)
				continue
			}
			slog.Warn("Scheduled sync failed", "peer_id", id, "error", err)
		}
	}
	return nil
}

func (e *Engine) duePeerIDs() []string {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.peers))
	for id, peer := range e.peers {
		switch peer.Status {
		case core.PeerRevoked, core.PeerSuspended:
			continue
		}
		if e.inFlight[id] {
			continue
		}
		if peer.LastSyncAt != nil {
			next := peer.LastSyncAt.Add(time.Duration(peer.SyncIntervalMinutes) * time.Minute)
			if now.Before(next) {
				continue
			}
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// TrustDecaySweep applies inactivity decay across the registry and persists
// any peer whose score moved.
func (e *Engine) TrustDecaySweep(ctx context.Context) error {
	e.mu.Lock()
	ids := make([]string, 0, len(e.peers))
	for id := range e.peers {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		e.mu.Lock()
		peer, ok := e.peers[id]
		if !ok {
			e.mu.Unlock()
			continue
		}
		before := peer.TrustScore
		e.trust.ApplyInactivityDecay(peer)
		moved := peer.TrustScore != before
		cp := *peer
		e.mu.Unlock()

		if moved {
			if err := e.store.SavePeer(ctx, &cp); err != nil {
				slog.Warn("Persist peer after decay failed", "peer_id", id, "error", err)
			}
		}
	}
	return nil
}

// ============================================================================
// STATE ACCESSORS
// ============================================================================

// SyncStates lists recent sync attempts, newest first. Empty peerID lists all
// peers.
func (e *Engine) SyncStates(ctx context.Context, peerID string, limit int) ([]*core.SyncState, error) {
	return e.store.ListSyncStates(ctx, peerID, limit)
}

// Conflicts lists conflict audit records, newest first.
func (e *Engine) Conflicts(ctx context.Context, peerID string, unresolvedOnly bool, limit int) ([]*core.SyncConflict, error) {
	return e.store.ListConflicts(ctx, peerID, unresolvedOnly, limit)
}

// EntityRecords lists federated entity bookkeeping for a peer.
func (e *Engine) EntityRecords(ctx context.Context, peerID string, limit int) ([]*core.FederatedEntityRecord, error) {
	return e.store.ListEntityRecords(ctx, peerID, limit)
}
