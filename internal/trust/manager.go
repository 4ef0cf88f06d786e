// Package trust maintains per-peer trust scores, classifies them into tiers,
// and derives sync permissions from the tier. Scores move in small steps
// (rewards for successful syncs, penalties for failures and conflicts) so a
// peer has to earn its way up but can be destroyed quickly by sustained
// misbehaviour.
package trust

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgegraph/forge-core/internal/core"
	"github.com/forgegraph/forge-core/internal/metrics"
)

// Score adjustment constants. The asymmetry is deliberate: one failure costs
// 2.5 successful syncs.
const (
	DefaultInitialScore = 0.3
	successReward       = 0.02
	failurePenalty      = 0.05
	conflictPenalty     = 0.01
	verificationPenalty = 0.1
	quarantineThreshold = 0.2
)

// Bounded-memory caps. Event history is a ring; lock and score maps evict
// their oldest tenth when full (evicting a peer lock is safe because no
// waiter queues on it once the operation it guarded finished).
const (
	maxEvents       = 5000
	maxTrackedPeers = 10_000
)

// Event is one entry in the trust history.
type Event struct {
	ID       string    `json:"id"`
	PeerID   string    `json:"peer_id"`
	Type     string    `json:"type"`
	Delta    float64   `json:"delta"`
	OldScore float64   `json:"old_score"`
	NewScore float64   `json:"new_score"`
	Reason   string    `json:"reason,omitempty"`
	Actor    string    `json:"actor,omitempty"`
	At       time.Time `json:"at"`
}

// Event types recorded in the history.
const (
	EventInitialized   = "initialized"
	EventSyncSuccess   = "sync_success"
	EventSyncFailure   = "sync_failure"
	EventConflict      = "conflict"
	EventManualAdjust  = "manual_adjustment"
	EventInactivity    = "inactivity_decay"
	EventVerifyExpired = "verification_decay"
	EventRevoked       = "revoked"
)

// Notifier receives peer lifecycle notifications. Wired to the webhook
// dispatcher and the live event stream; a nil Notifier drops them.
type Notifier interface {
	Notify(event string, data map[string]any)
}

// Config tunes decay behaviour. Zero values fall back to defaults.
type Config struct {
	InitialScore           float64
	InactivityDecayPerWeek float64
	InactivityFloor        float64
	VerificationMaxAgeDays int
}

func (c *Config) applyDefaults() {
	if c.InitialScore <= 0 {
		c.InitialScore = DefaultInitialScore
	}
	if c.InactivityDecayPerWeek <= 0 {
		c.InactivityDecayPerWeek = 0.01
	}
	if c.InactivityFloor <= 0 {
		c.InactivityFloor = DefaultInitialScore
	}
	if c.VerificationMaxAgeDays <= 0 {
		c.VerificationMaxAgeDays = 7
	}
}

// Manager owns every trust mutation. Each peer gets its own lock so score
// updates for unrelated peers never serialize; the coarse mu only guards the
// lock map, the score cache, and the event ring.
type Manager struct {
	cfg      Config
	metrics  *metrics.Metrics
	notifier Notifier

	mu         sync.Mutex
	locks      map[string]*sync.Mutex
	lockOrder  []string
	scores     map[string]float64
	scoreOrder []string
	events     []Event

	now func() time.Time
}

// NewManager creates a trust manager.
func NewManager(cfg Config, m *metrics.Metrics, notifier Notifier) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:      cfg,
		metrics:  m,
		notifier: notifier,
		locks:    make(map[string]*sync.Mutex),
		scores:   make(map[string]float64),
		now:      time.Now,
	}
}

// ============================================================================
// SCORE OPERATIONS
// ============================================================================

// InitializePeer seeds a peer that has no cached score with the initial
// score and records the event.
func (m *Manager) InitializePeer(peer *core.Peer) {
	lk := m.peerLock(peer.ID)
	lk.Lock()
	defer lk.Unlock()

	m.mu.Lock()
	_, cached := m.scores[peer.ID]
	m.mu.Unlock()
	if cached {
		return
	}

	score := peer.TrustScore
	if score <= 0 {
		score = m.cfg.InitialScore
	}
	m.setScore(peer, score)
	m.recordEvent(peer.ID, EventInitialized, 0, score, score, "", "")
}

// RecordSuccessfulSync rewards a completed sync.
func (m *Manager) RecordSuccessfulSync(peer *core.Peer) float64 {
	lk := m.peerLock(peer.ID)
	lk.Lock()
	defer lk.Unlock()

	old := m.currentScore(peer)
	next := clamp01(old + successReward)
	m.setScore(peer, next)
	m.recordEvent(peer.ID, EventSyncSuccess, next-old, old, next, "", "")
	m.notifyTrustChanged(peer, old, next)
	return next
}

// RecordFailedSync penalizes a failed sync and suspends the peer when the
// score crosses below the quarantine threshold.
func (m *Manager) RecordFailedSync(peer *core.Peer) float64 {
	lk := m.peerLock(peer.ID)
	lk.Lock()
	defer lk.Unlock()

	old := m.currentScore(peer)
	next := clamp01(old - failurePenalty)
	m.setScore(peer, next)
	m.recordEvent(peer.ID, EventSyncFailure, next-old, old, next, "", "")
	m.notifyTrustChanged(peer, old, next)

	if next < quarantineThreshold && peer.Status != core.PeerSuspended && peer.Status != core.PeerRevoked {
		peer.Status = core.PeerSuspended
		slog.Warn("Peer auto-suspended on trust collapse", "peer_id", peer.ID, "score", next)
		m.notify("peer.suspended", map[string]any{"peer_id": peer.ID, "trust_score": next})
	}
	return next
}

// RecordConflict penalizes unresolved conflicts; resolved ones are free.
func (m *Manager) RecordConflict(peer *core.Peer, resolved bool) float64 {
	lk := m.peerLock(peer.ID)
	lk.Lock()
	defer lk.Unlock()

	old := m.currentScore(peer)
	if resolved {
		return old
	}
	next := clamp01(old - conflictPenalty)
	m.setScore(peer, next)
	m.recordEvent(peer.ID, EventConflict, next-old, old, next, "unresolved conflict", "")
	m.notifyTrustChanged(peer, old, next)
	return next
}

// ManualAdjustment applies an operator-driven delta and reconciles status.
func (m *Manager) ManualAdjustment(peer *core.Peer, delta float64, reason, by string) float64 {
	lk := m.peerLock(peer.ID)
	lk.Lock()
	defer lk.Unlock()

	old := m.currentScore(peer)
	next := clamp01(old + delta)
	m.setScore(peer, next)
	m.recordEvent(peer.ID, EventManualAdjust, next-old, old, next, reason, by)
	m.notifyTrustChanged(peer, old, next)
	m.reconcileStatus(peer)
	return next
}

// ApplyInactivityDecay reduces trust for peers not seen in over a week,
// 0.01 per full week of silence, never below the inactivity floor.
func (m *Manager) ApplyInactivityDecay(peer *core.Peer) float64 {
	lk := m.peerLock(peer.ID)
	lk.Lock()
	defer lk.Unlock()

	old := m.currentScore(peer)
	if peer.LastSeenAt == nil || old <= m.cfg.InactivityFloor {
		return old
	}
	weeks := int(m.now().Sub(*peer.LastSeenAt) / (7 * 24 * time.Hour))
	if weeks < 1 {
		return old
	}

	next := old - m.cfg.InactivityDecayPerWeek*float64(weeks)
	if next < m.cfg.InactivityFloor {
		next = m.cfg.InactivityFloor
	}
	if next == old {
		return old
	}
	m.setScore(peer, next)
	m.recordEvent(peer.ID, EventInactivity, next-old, old, next,
		fmt.Sprintf("inactive for %d weeks", weeks), "")
	m.notifyTrustChanged(peer, old, next)
	return next
}

// ApplyTrustDecayIfExpired penalizes peers whose key verification went
// stale: older than the configured window, or never verified at all.
func (m *Manager) ApplyTrustDecayIfExpired(peer *core.Peer) float64 {
	lk := m.peerLock(peer.ID)
	lk.Lock()
	defer lk.Unlock()

	old := m.currentScore(peer)
	maxAge := time.Duration(m.cfg.VerificationMaxAgeDays) * 24 * time.Hour
	if peer.LastVerifiedAt != nil && m.now().Sub(*peer.LastVerifiedAt) <= maxAge {
		return old
	}

	next := clamp01(old - verificationPenalty)
	if next == old {
		return old
	}
	m.setScore(peer, next)
	m.recordEvent(peer.ID, EventVerifyExpired, next-old, old, next, "verification expired", "")
	m.notifyTrustChanged(peer, old, next)
	m.reconcileStatus(peer)
	return next
}

// RevokePeer zeroes trust and moves the peer to the terminal REVOKED state.
// The description is stamped so the governance trail survives in the peer
// row itself.
func (m *Manager) RevokePeer(peer *core.Peer, reason, by string) {
	lk := m.peerLock(peer.ID)
	lk.Lock()
	defer lk.Unlock()

	old := m.currentScore(peer)
	m.setScore(peer, 0)
	peer.Status = core.PeerRevoked
	peer.Description = fmt.Sprintf("%s\n[REVOKED %s by %s] %s",
		peer.Description, m.now().UTC().Format(time.RFC3339), by, reason)
	m.recordEvent(peer.ID, EventRevoked, -old, old, 0, reason, by)
	slog.Warn("Peer revoked", "peer_id", peer.ID, "by", by, "reason", reason)
	m.notify("peer.revoked", map[string]any{"peer_id": peer.ID, "reason": reason, "by": by})
}

// ============================================================================
// TIERS, PERMISSIONS, GATING
// ============================================================================

// GetTrustTier returns the tier for the peer's current score.
func (m *Manager) GetTrustTier(peer *core.Peer) Tier {
	return TierForScore(m.Score(peer.ID, peer.TrustScore))
}

// PermissionsFor returns the sync permissions the peer's tier grants.
func (m *Manager) PermissionsFor(peer *core.Peer) Permissions {
	return m.GetTrustTier(peer).Permissions()
}

// CanSync reports whether any sync with this peer is currently permitted,
// with the denial reason when it is not.
func (m *Manager) CanSync(peer *core.Peer) (bool, string) {
	switch peer.Status {
	case core.PeerRevoked:
		return false, "Peer is revoked"
	case core.PeerSuspended:
		return false, "Peer is suspended"
	}
	perms := m.PermissionsFor(peer)
	if !perms.CanPull && !perms.CanPush {
		return false, "Peer trust tier does not permit sync"
	}
	return true, ""
}

// reconcileStatus derives the peer status from its tier. REVOKED is terminal;
// quarantined peers suspend, recovered peers restore, and a previously
// suspended peer that only climbed back to LIMITED runs degraded.
func (m *Manager) reconcileStatus(peer *core.Peer) {
	if peer.Status == core.PeerRevoked {
		return
	}
	switch TierForScore(peer.TrustScore) {
	case TierQuarantine:
		if peer.Status != core.PeerSuspended {
			peer.Status = core.PeerSuspended
			m.notify("peer.suspended", map[string]any{"peer_id": peer.ID, "trust_score": peer.TrustScore})
		}
	case TierLimited:
		if peer.Status == core.PeerSuspended {
			peer.Status = core.PeerDegraded
		}
	default:
		if peer.Status == core.PeerSuspended || peer.Status == core.PeerDegraded {
			peer.Status = core.PeerActive
		}
	}
}

// ============================================================================
// RECOMMENDATIONS
// ============================================================================

// Recommendation is a suggested manual adjustment derived from recent history.
type Recommendation struct {
	Delta  float64 `json:"delta"`
	Reason string  `json:"reason"`
}

// RecommendTrustAdjustment scans the peer's last 20 events: a week of pure
// failure suggests a penalty, a week of sustained success suggests promotion
// unless the peer already sits in the high tiers.
func (m *Manager) RecommendTrustAdjustment(peer *core.Peer) (Recommendation, bool) {
	events := m.Events(peer.ID, 20)
	cutoff := m.now().Add(-7 * 24 * time.Hour)

	var successes, failures int
	for _, e := range events {
		if e.At.Before(cutoff) {
			continue
		}
		switch e.Type {
		case EventSyncSuccess:
			successes++
		case EventSyncFailure:
			failures++
		}
	}

	if failures >= 3 && successes == 0 {
		return Recommendation{Delta: -0.10, Reason: fmt.Sprintf("%d sync failures with no successes in 7 days", failures)}, true
	}
	tier := m.GetTrustTier(peer)
	if successes >= 10 && failures == 0 && tier != TierTrusted && tier != TierCore {
		return Recommendation{Delta: +0.10, Reason: fmt.Sprintf("%d consecutive successful syncs in 7 days", successes)}, true
	}
	return Recommendation{}, false
}

// ============================================================================
// INTERNAL STATE
// ============================================================================

// Score returns the cached score for a peer, falling back to the caller's
// value when the peer was never touched by this manager instance.
func (m *Manager) Score(peerID string, fallback float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.scores[peerID]; ok {
		return s
	}
	return fallback
}

// RateMultiplier reports the tier rate multiplier for a peer off the cached
// score. Peers this manager has never seen get the initial score's tier.
func (m *Manager) RateMultiplier(peerID string) float64 {
	return TierForScore(m.Score(peerID, m.cfg.InitialScore)).Permissions().RateMultiplier
}

// Events returns the most recent events for one peer, newest first.
func (m *Manager) Events(peerID string, limit int) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Event
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		if m.events[i].PeerID == peerID {
			out = append(out, m.events[i])
		}
	}
	return out
}

// AllEvents returns the most recent events across all peers, newest first.
func (m *Manager) AllEvents(limit int) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 || limit > len(m.events) {
		limit = len(m.events)
	}
	out := make([]Event, limit)
	for i := 0; i < limit; i++ {
		out[i] = m.events[len(m.events)-1-i]
	}
	return out
}

// currentScore must run under the peer lock.
func (m *Manager) currentScore(peer *core.Peer) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.scores[peer.ID]; ok {
		return s
	}
	if peer.TrustScore > 0 {
		return peer.TrustScore
	}
	return m.cfg.InitialScore
}

// setScore writes through to the cache and the peer row.
func (m *Manager) setScore(peer *core.Peer, score float64) {
	m.mu.Lock()
	if _, ok := m.scores[peer.ID]; !ok {
		if len(m.scores) >= maxTrackedPeers {
			m.evictScoresLocked()
		}
		m.scoreOrder = append(m.scoreOrder, peer.ID)
	}
	m.scores[peer.ID] = score
	m.mu.Unlock()

	peer.TrustScore = score
	m.metrics.SetTrustScore(peer.ID, score)
}

func (m *Manager) recordEvent(peerID, eventType string, delta, old, next float64, reason, actor string) {
	m.mu.Lock()
	m.events = append(m.events, Event{
		ID:       uuid.New().String(),
		PeerID:   peerID,
		Type:     eventType,
		Delta:    delta,
		OldScore: old,
		NewScore: next,
		Reason:   reason,
		Actor:    actor,
		At:       m.now(),
	})
	if len(m.events) > maxEvents {
		m.events = m.events[len(m.events)-maxEvents:]
	}
	m.mu.Unlock()

	m.metrics.RecordTrustEvent(eventType)
}

// peerLock returns the mutex for a peer, creating it on first use. The lock
// map is bounded; when full, the oldest tenth is evicted FIFO.
func (m *Manager) peerLock(peerID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	if lk, ok := m.locks[peerID]; ok {
		return lk
	}
	if len(m.locks) >= maxTrackedPeers {
		m.evictLocksLocked()
	}
	lk := &sync.Mutex{}
	m.locks[peerID] = lk
	m.lockOrder = append(m.lockOrder, peerID)
	return lk
}

func (m *Manager) evictLocksLocked() {
	drop := maxTrackedPeers / 10
	if drop < 1 {
		drop = 1
	}
	evicted := 0
	kept := m.lockOrder[:0]
	for _, id := range m.lockOrder {
		if evicted < drop {
			if _, ok := m.locks[id]; ok {
				delete(m.locks, id)
				evicted++
				continue
			}
		}
		kept = append(kept, id)
	}
	m.lockOrder = kept
}

func (m *Manager) evictScoresLocked() {
	drop := maxTrackedPeers / 10
	if drop < 1 {
		drop = 1
	}
	evicted := 0
	kept := m.scoreOrder[:0]
	for _, id := range m.scoreOrder {
		if evicted < drop {
			if _, ok := m.scores[id]; ok {
				delete(m.scores, id)
				evicted++
				continue
			}
		}
		kept = append(kept, id)
	}
	m.scoreOrder = kept
}

func (m *Manager) notifyTrustChanged(peer *core.Peer, old, next float64) {
	if old == next {
		return
	}
	m.notify("trust.changed", map[string]any{
		"peer_id":   peer.ID,
		"old_score": old,
		"new_score": next,
		"tier":      string(TierForScore(next)),
	})
}

func (m *Manager) notify(event string, data map[string]any) {
	if m.notifier == nil {
		return
	}
	m.notifier.Notify(event, data)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
