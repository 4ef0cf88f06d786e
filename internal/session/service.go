package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/forgegraph/forge-core/internal/events"
	"github.com/forgegraph/forge-core/internal/metrics"
)

// ErrExists is returned by Create when a session with the JTI already exists.
var ErrExists = errors.New("session: already exists")

// Config tunes the service. Zero values fall back to the defaults below.
type Config struct {
	// CacheTTL bounds how long a cached session may serve reads before the
	// store is consulted again.
	CacheTTL time.Duration

	// MaxIPHistory bounds the per-session IP list.
	MaxIPHistory int
}

func (c *Config) applyDefaults() {
	if c.CacheTTL <= 0 {
		c.CacheTTL = 5 * time.Minute
	}
	if c.MaxIPHistory <= 0 {
		c.MaxIPHistory = 10
	}
}

// CreateInput carries what the gateway knows when a token first shows up.
type CreateInput struct {
	JTI       string
	UserID    string
	TokenType string
	IPAddress string
	UserAgent string
	ExpiresAt time.Time
}

// Service owns session bookkeeping: creation, activity tracking with change
// detection, revocation, and expiry. Reads go cache-first; every mutation
// writes through to the store and invalidates the cached copy.
//
// Mutations on one JTI are serialized by a per-JTI lock so concurrent
// requests on the same token cannot lose counter increments.
type Service struct {
	cfg     Config
	store   Store
	cache   Cache
	bus     events.Bus
	metrics *metrics.Metrics

	mu        gosync.Mutex
	locks     map[string]*gosync.Mutex
	lockOrder []string

	now func() time.Time
}

// Lock map bound. Session churn is high, so the map evicts its oldest tenth
// when full; evicting a lock is safe because a fresh lock still serializes
// all future holders.
const maxTrackedSessions = 8192

// NewService wires the service. cache may be nil (reads always hit the
// store), as may bus; metrics is already nil-safe.
func NewService(cfg Config, store Store, cache Cache, bus events.Bus, m *metrics.Metrics) *Service {
	cfg.applyDefaults()
	if cache == nil {
		cache = nopCache{}
	}
	return &Service{
		cfg:     cfg,
		store:   store,
		cache:   cache,
		bus:     bus,
		metrics: m,
		locks:   make(map[string]*gosync.Mutex),
		now:     time.Now,
	}
}

// Create inserts a session for a pre-verified token and primes the cache.
// The creation IP seeds the IP history.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Session, error) {
	if in.JTI == "" {
		return nil, errors.New("session: jti is required")
	}
	if in.UserID == "" {
		return nil, errors.New("session: user id is required")
	}

	lk := s.jtiLock(in.JTI)
	lk.Lock()
	defer lk.Unlock()

	if _, err := s.store.GetByJTI(ctx, in.JTI); err == nil {
		return nil, ErrExists
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("check existing session: %w", err)
	}

	now := s.now()
	uaHash := HashUserAgent(in.UserAgent)
	sess := &Session{
		ID:                in.JTI,
		UserID:            in.UserID,
		TokenJTI:          in.JTI,
		TokenType:         in.TokenType,
		IPAddress:         in.IPAddress,
		UserAgent:         in.UserAgent,
		UserAgentHash:     uaHash,
		LastIP:            in.IPAddress,
		LastUserAgent:     in.UserAgent,
		LastUserAgentHash: uaHash,
		CreatedAt:         now,
		LastActivityAt:    now,
		ExpiresAt:         in.ExpiresAt,
		RequestCount:      1,
		IPHistory:         []string{in.IPAddress},
		Status:            StatusActive,
	}

	if err := s.store.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	s.cache.Put(ctx, sess)
	s.metrics.RecordSessionOp("created")

	slog.Info("Session created",
		"jti", sess.ID,
		"user_id", sess.UserID,
		"ip", sess.IPAddress,
		"expires_at", sess.ExpiresAt.Format(time.RFC3339))
	return clone(sess), nil
}

// CreateFromToken extracts claims from a pre-verified bearer token and
// creates the session bound to the request's IP and user-agent.
func (s *Service) CreateFromToken(ctx context.Context, token, ip, userAgent string) (*Session, error) {
	claims, err := ExtractClaims(token)
	if err != nil {
		return nil, err
	}
	return s.Create(ctx, CreateInput{
		JTI:       claims.JTI,
		UserID:    claims.Subject,
		TokenType: claims.TokenType,
		IPAddress: ip,
		UserAgent: userAgent,
		ExpiresAt: claims.ExpiresAt,
	})
}

// GetByJTI returns a live session. Revoked and expired sessions read as
// ErrNotFound; a session found past its expiry is persisted as EXPIRED on the
// way out so the stored status converges.
func (s *Service) GetByJTI(ctx context.Context, jti string) (*Session, error) {
	now := s.now()

	if cached, ok := s.cache.Get(ctx, jti); ok {
		if cached.Live(now) {
			return cached, nil
		}
		s.cache.Drop(ctx, jti)
		if !cached.Status.Terminal() {
			s.expire(ctx, jti)
		}
		return nil, ErrNotFound
	}

	sess, err := s.store.GetByJTI(ctx, jti)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() {
		return nil, ErrNotFound
	}
	if !sess.Live(now) {
		s.expire(ctx, jti)
		return nil, ErrNotFound
	}

	s.cache.Put(ctx, sess)
	return sess, nil
}

// UpdateActivity books one request against the session: bumps the request
// count, detects IP and user-agent drift, and maintains the bounded IP
// history. Returns the updated session and what changed.
func (s *Service) UpdateActivity(ctx context.Context, jti, ip, userAgent string) (*Session, ActivityReport, error) {
	lk := s.jtiLock(jti)
	lk.Lock()
	defer lk.Unlock()

	var report ActivityReport

	sess, err := s.store.GetByJTI(ctx, jti)
	if err != nil {
		return nil, report, err
	}
	now := s.now()
	if !sess.Live(now) {
		s.cache.Drop(ctx, jti)
		return nil, report, ErrNotFound
	}

	if ip != "" && ip != sess.LastIP {
		report.IPChanged = true
		sess.LastIP = ip
		sess.IPChangeCount++
		sess.IPHistory = pushIP(sess.IPHistory, ip, s.cfg.MaxIPHistory)
	}

	if userAgent != "" {
		uaHash := HashUserAgent(userAgent)
		if uaHash != sess.LastUserAgentHash {
			report.UserAgentChanged = true
			sess.LastUserAgent = userAgent
			sess.LastUserAgentHash = uaHash
			sess.UserAgentChangeCount++
		}
	}

	sess.RequestCount++
	sess.LastActivityAt = now

	if err := s.store.Save(ctx, sess); err != nil {
		return nil, report, fmt.Errorf("update session activity: %w", err)
	}
	s.cache.Put(ctx, sess)

	if report.IPChanged || report.UserAgentChanged {
		slog.Info("Session binding changed",
			"jti", jti,
			"ip_changed", report.IPChanged,
			"ua_changed", report.UserAgentChanged,
			"ip", ip)
	}
	return clone(sess), report, nil
}

// RevokeSession transitions one session to REVOKED. Returns true when this
// call performed the transition; an already revoked or expired session is a
// no-op false.
func (s *Service) RevokeSession(ctx context.Context, jti, reason string) (bool, error) {
	lk := s.jtiLock(jti)
	lk.Lock()
	defer lk.Unlock()
	return s.revokeLocked(ctx, jti, reason)
}

func (s *Service) revokeLocked(ctx context.Context, jti, reason string) (bool, error) {
	sess, err := s.store.GetByJTI(ctx, jti)
	if err != nil {
		return false, err
	}
	if sess.Status.Terminal() {
		return false, nil
	}

	now := s.now()
	sess.Status = StatusRevoked
	sess.RevokedAt = &now
	sess.RevokedReason = reason

	if err := s.store.Save(ctx, sess); err != nil {
		return false, fmt.Errorf("revoke session %s: %w", jti, err)
	}
	s.cache.Drop(ctx, jti)
	s.metrics.RecordSessionOp("revoked")

	slog.Info("Session revoked", "jti", jti, "user_id", sess.UserID, "reason", reason)
	return true, nil
}

// RevokeUserSessions revokes every live session of one user, optionally
// sparing exceptJTI (the caller's own token on a "log out everywhere else").
// Returns how many sessions this call revoked.
func (s *Service) RevokeUserSessions(ctx context.Context, userID, exceptJTI, reason string) (int, error) {
	sessions, err := s.store.ListByUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("list sessions for user %s: %w", userID, err)
	}

	revoked := 0
	for _, sess := range sessions {
		if sess.ID == exceptJTI || sess.Status.Terminal() {
			continue
		}
		ok, err := s.RevokeSession(ctx, sess.ID, reason)
		if err != nil {
			return revoked, err
		}
		if ok {
			revoked++
		}
	}
	return revoked, nil
}

// FlagSuspicious marks an ACTIVE session SUSPICIOUS and drops the cached copy
// so the next gate reads the fresh status. Flagging an already suspicious
// session only updates the reason.
func (s *Service) FlagSuspicious(ctx context.Context, jti, reason string) error {
	lk := s.jtiLock(jti)
	lk.Lock()
	defer lk.Unlock()

	sess, err := s.store.GetByJTI(ctx, jti)
	if err != nil {
		return err
	}
	if !sess.Live(s.now()) {
		s.cache.Drop(ctx, jti)
		return ErrNotFound
	}

	sess.Status = StatusSuspicious
	sess.FlaggedReason = reason

	if err := s.store.Save(ctx, sess); err != nil {
		return fmt.Errorf("flag session %s: %w", jti, err)
	}
	s.cache.Drop(ctx, jti)
	s.metrics.RecordSessionOp("flagged")
	s.emit(events.EventSessionFlagged, jti, map[string]any{
		"jti":     jti,
		"user_id": sess.UserID,
		"reason":  reason,
	})

	slog.Warn("Session flagged suspicious", "jti", jti, "user_id", sess.UserID, "reason", reason)
	return nil
}

// CleanupExpired bulk-expires ACTIVE sessions past their expires_at and
// refreshes the active-sessions gauge. Run periodically by the scheduler.
func (s *Service) CleanupExpired(ctx context.Context) (int, error) {
	jtis, err := s.store.MarkExpired(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("cleanup expired sessions: %w", err)
	}
	if len(jtis) > 0 {
		s.cache.Drop(ctx, jtis...)
		for range jtis {
			s.metrics.RecordSessionOp("expired")
		}
		slog.Info("Expired sessions cleaned up", "count", len(jtis))
	}

	if active, err := s.store.CountActive(ctx); err == nil {
		s.metrics.SetActiveSessions(active)
	}
	return len(jtis), nil
}

// expire persists the EXPIRED status for a session discovered stale on read.
func (s *Service) expire(ctx context.Context, jti string) {
	lk := s.jtiLock(jti)
	lk.Lock()
	defer lk.Unlock()

	sess, err := s.store.GetByJTI(ctx, jti)
	if err != nil || sess.Status.Terminal() {
		return
	}
	sess.Status = StatusExpired
	if err := s.store.Save(ctx, sess); err != nil {
		slog.Warn("Persist expired session failed", "jti", jti, "error", err)
		return
	}
	s.cache.Drop(ctx, jti)
	s.metrics.RecordSessionOp("expired")
}

func (s *Service) emit(eventType events.EventType, subject string, data map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Emit(eventType, subject, data)
}

// jtiLock returns the mutex for a JTI, creating it on first use. The lock map
// is bounded; when full, the oldest tenth is evicted FIFO.
func (s *Service) jtiLock(jti string) *gosync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lk, ok := s.locks[jti]; ok {
		return lk
	}
	if len(s.locks) >= maxTrackedSessions {
		s.evictLocksLocked()
	}
	lk := &gosync.Mutex{}
	s.locks[jti] = lk
	s.lockOrder = append(s.lockOrder, jti)
	return lk
}

func (s *Service) evictLocksLocked() {
	drop := len(s.lockOrder) / 10
	if drop == 0 {
		drop = 1
	}
	for _, jti := range s.lockOrder[:drop] {
		delete(s.locks, jti)
	}
	s.lockOrder = s.lockOrder[drop:]
}

// pushIP prepends ip to the history, dropping an earlier occurrence and
// truncating to max. Newest entry sits at index 0.
func pushIP(history []string, ip string, max int) []string {
	out := make([]string, 0, len(history)+1)
	out = append(out, ip)
	for _, h := range history {
		if h != ip {
			out = append(out, h)
		}
	}
	if len(out) > max {
		out = out[:max]
	}
	return out
}
