package nonce

import (
	"context"
	"sync"
	"time"

	"github.com/forgegraph/forge-core/internal/metrics"
)

type nonceRecord struct {
	highest uint64
	touched time.Time
}

// MemoryStore keeps nonce records in a bounded process-local map. When the
// sender cap is reached the least-recently-touched record is evicted, so a
// flood of new senders cannot grow memory without bound.
type MemoryStore struct {
	mu         sync.Mutex
	entries    map[string]*nonceRecord
	maxSenders int
	ttl        time.Duration
	metrics    *metrics.Metrics

	now func() time.Time
}

// NewMemoryStore creates an in-memory nonce store.
func NewMemoryStore(cfg Config, m *metrics.Metrics) *MemoryStore {
	cfg.applyDefaults()
	return &MemoryStore{
		entries:    make(map[string]*nonceRecord),
		maxSenders: cfg.MaxSenders,
		ttl:        cfg.TTL,
		metrics:    m,
		now:        time.Now,
	}
}

func (s *MemoryStore) VerifyAndConsume(_ context.Context, sender string, nonce uint64) (bool, string) {
	ok, reason := s.verify(Normalize(sender), nonce)
	recordCheck(s.metrics, ok, reason)
	return ok, reason
}

func (s *MemoryStore) verify(sender string, nonce uint64) (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if rec, ok := s.entries[sender]; ok {
		switch {
		case nonce > rec.highest:
			rec.highest = nonce
			rec.touched = now
			return true, ""
		case nonce == rec.highest:
			return false, ReasonReplay
		default:
			return false, ReasonStale
		}
	}

	if len(s.entries) >= s.maxSenders {
		s.evictOldest()
	}
	s.entries[sender] = &nonceRecord{highest: nonce, touched: now}
	return true, ""
}

// evictOldest removes the least-recently-touched record. Linear scan; the
// periodic Cleanup keeps the map well below the cap in normal operation.
func (s *MemoryStore) evictOldest() {
	var oldestKey string
	var oldest time.Time
	first := true
	for key, rec := range s.entries {
		if first || rec.touched.Before(oldest) {
			oldestKey = key
			oldest = rec.touched
			first = false
		}
	}
	if !first {
		delete(s.entries, oldestKey)
	}
}

// Cleanup removes records untouched for longer than the TTL.
func (s *MemoryStore) Cleanup(_ context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.ttl)
	removed := 0
	for key, rec := range s.entries {
		if rec.touched.Before(cutoff) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// Size returns the number of tracked senders.
func (s *MemoryStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stats reports the backend and tracked sender count.
func (s *MemoryStore) Stats() Stats {
	return Stats{Backend: "memory", TrackedSenders: s.Size()}
}
