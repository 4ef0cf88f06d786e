package nonce

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEvaler mimics the server-side compare-and-set the Lua script performs,
// including its atomicity, so the Redis store logic can be tested offline.
type fakeEvaler struct {
	mu      sync.Mutex
	highest map[string]uint64
	err     error
	calls   int
}

func newFakeEvaler() *fakeEvaler {
	return &fakeEvaler{highest: make(map[string]uint64)}
}

func (f *fakeEvaler) Eval(_ context.Context, _ string, keys []string, args ...interface{}) (interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if f.err != nil {
		return nil, f.err
	}

	candidate, err := strconv.ParseUint(args[0].(string), 10, 64)
	if err != nil {
		return nil, err
	}

	current, exists := f.highest[keys[0]]
	switch {
	case !exists || candidate > current:
		f.highest[keys[0]] = candidate
		return int64(1), nil
	case candidate == current:
		return int64(0), nil
	default:
		return int64(-1), nil
	}
}

// ============================================================================
// MONOTONICITY CONTRACT
// ============================================================================

func TestMemoryStoreMonotonicNonces(t *testing.T) {
	s := NewMemoryStore(Config{}, nil)
	ctx := context.Background()

	ok, reason := s.VerifyAndConsume(ctx, "peer-a", 10)
	require.True(t, ok)
	assert.Empty(t, reason)

	// Gaps are fine, the sequence only has to move forward
	ok, _ = s.VerifyAndConsume(ctx, "peer-a", 25)
	require.True(t, ok)

	// Replay of the current highest
	ok, reason = s.VerifyAndConsume(ctx, "peer-a", 25)
	assert.False(t, ok)
	assert.Equal(t, ReasonReplay, reason)

	// Anything lower is stale
	ok, reason = s.VerifyAndConsume(ctx, "peer-a", 10)
	assert.False(t, ok)
	assert.Equal(t, ReasonStale, reason)

	// Independent senders do not interfere
	ok, _ = s.VerifyAndConsume(ctx, "peer-b", 1)
	assert.True(t, ok)
}

func TestSenderNormalization(t *testing.T) {
	s := NewMemoryStore(Config{}, nil)
	ctx := context.Background()

	ok, _ := s.VerifyAndConsume(ctx, "Peer-A", 5)
	require.True(t, ok)

	// Same sender, different casing is still a replay
	ok, reason := s.VerifyAndConsume(ctx, "peer-a", 5)
	assert.False(t, ok)
	assert.Equal(t, ReasonReplay, reason)

	ok, _ = s.VerifyAndConsume(ctx, "  PEER-A  ", 6)
	assert.True(t, ok)
}

func TestConcurrentVerifyAdmitsExactlyOne(t *testing.T) {
	s := NewMemoryStore(Config{}, nil)
	ctx := context.Background()

	require.True(t, func() bool { ok, _ := s.VerifyAndConsume(ctx, "peer", 1); return ok }())

	// 50 goroutines race to consume the same nonce; exactly one may win.
	const racers = 50
	var wg sync.WaitGroup
	var accepted int64
	var mu sync.Mutex

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := s.VerifyAndConsume(ctx, "peer", 2); ok {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), accepted)
}

// ============================================================================
// BOUNDED MEMORY
// ============================================================================

func TestMemoryStoreEvictsOldestAtCap(t *testing.T) {
	s := NewMemoryStore(Config{MaxSenders: 3}, nil)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	s.VerifyAndConsume(ctx, "a", 1)
	s.VerifyAndConsume(ctx, "b", 1)
	s.VerifyAndConsume(ctx, "c", 1)
	require.Equal(t, 3, s.Size())

	// Fourth sender evicts the least-recently-touched ("a")
	s.VerifyAndConsume(ctx, "d", 1)
	assert.Equal(t, 3, s.Size())

	// "a" was forgotten, so even nonce 1 is accepted again
	ok, _ := s.VerifyAndConsume(ctx, "a", 1)
	assert.True(t, ok)
}

func TestMemoryCleanupDropsExpired(t *testing.T) {
	s := NewMemoryStore(Config{TTL: time.Minute}, nil)
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.VerifyAndConsume(ctx, "old", 1)

	now = now.Add(2 * time.Minute)
	s.VerifyAndConsume(ctx, "fresh", 1)

	removed := s.Cleanup(ctx)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, s.Size())

	stats := s.Stats()
	assert.Equal(t, "memory", stats.Backend)
	assert.Equal(t, 1, stats.TrackedSenders)
}

// ============================================================================
// REDIS BACKEND
// ============================================================================

func TestRedisStoreVerdicts(t *testing.T) {
	evaler := newFakeEvaler()
	s := NewRedisStore(evaler, Config{Prefix: "test:nonce:"}, nil)
	ctx := context.Background()

	ok, _ := s.VerifyAndConsume(ctx, "peer-a", 100)
	require.True(t, ok)

	ok, reason := s.VerifyAndConsume(ctx, "peer-a", 100)
	assert.False(t, ok)
	assert.Equal(t, ReasonReplay, reason)

	ok, reason = s.VerifyAndConsume(ctx, "peer-a", 99)
	assert.False(t, ok)
	assert.Equal(t, ReasonStale, reason)

	// Keys carry the configured prefix and the normalized sender
	evaler.mu.Lock()
	_, found := evaler.highest["test:nonce:peer-a"]
	evaler.mu.Unlock()
	assert.True(t, found)
}

func TestRedisStoreFallsBackToMemoryOnError(t *testing.T) {
	evaler := newFakeEvaler()
	evaler.err = errors.New("connection refused")
	s := NewRedisStore(evaler, Config{}, nil)
	ctx := context.Background()

	// Redis down: the memory fallback still enforces monotonicity
	ok, _ := s.VerifyAndConsume(ctx, "peer", 5)
	require.True(t, ok)

	ok, reason := s.VerifyAndConsume(ctx, "peer", 5)
	assert.False(t, ok)
	assert.Equal(t, ReasonReplay, reason)

	stats := s.Stats()
	assert.Equal(t, "redis", stats.Backend)
	assert.Equal(t, 1, stats.TrackedSenders)
}

func TestNewStoreSelectsBackend(t *testing.T) {
	s := NewStore(nil, Config{}, nil)
	_, isMemory := s.(*MemoryStore)
	assert.True(t, isMemory)
}

func BenchmarkMemoryVerify(b *testing.B) {
	s := NewMemoryStore(Config{}, nil)
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.VerifyAndConsume(ctx, fmt.Sprintf("peer-%d", i%100), uint64(i))
	}
}
