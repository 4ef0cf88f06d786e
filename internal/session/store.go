package session

import (
	"context"
	"errors"
	"sort"
	gosync "sync"
	"time"
)

// ErrNotFound is returned when no session exists for a JTI, and by the
// service when the session exists but is revoked or expired.
var ErrNotFound = errors.New("session: not found")

// Store persists session rows. Implementations must be safe for concurrent
// use.
type Store interface {
	// Save inserts or replaces the row keyed by session ID.
	Save(ctx context.Context, s *Session) error

	// GetByJTI returns the stored row regardless of status. ErrNotFound
	// when no row exists.
	GetByJTI(ctx context.Context, jti string) (*Session, error)

	// ListByUser returns every session for a user, newest first.
	ListByUser(ctx context.Context, userID string) ([]*Session, error)

	// MarkExpired flips ACTIVE sessions whose expires_at is before now to
	// EXPIRED and returns the affected JTIs so cache entries can be dropped.
	MarkExpired(ctx context.Context, now time.Time) ([]string, error)

	// CountActive reports sessions stored as ACTIVE, expiry not considered.
	CountActive(ctx context.Context) (int, error)
}

// MemoryStore keeps sessions in process memory for tests and single-node
// deployments without a graph database.
type MemoryStore struct {
	mu       gosync.RWMutex
	sessions map[string]*Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (s *MemoryStore) Save(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = clone(sess)
	return nil
}

func (s *MemoryStore) GetByJTI(_ context.Context, jti string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[jti]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(sess), nil
}

func (s *MemoryStore) ListByUser(_ context.Context, userID string) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Session
	for _, sess := range s.sessions {
		if sess.UserID == userID {
			out = append(out, clone(sess))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) MarkExpired(_ context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []string
	for jti, sess := range s.sessions {
		if sess.Status == StatusActive && !sess.ExpiresAt.IsZero() && sess.ExpiresAt.Before(now) {
			sess.Status = StatusExpired
			expired = append(expired, jti)
		}
	}
	return expired, nil
}

func (s *MemoryStore) CountActive(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, sess := range s.sessions {
		if sess.Status == StatusActive {
			n++
		}
	}
	return n, nil
}
