package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// TEST HELPERS
// ============================================================================

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeRedis implements RedisClient over maps, with a switch to make every
// call fail the way a dead connection would.
type fakeRedis struct {
	mu   sync.Mutex
	kv   map[string][]byte
	sets map[string]map[string]struct{}
	down bool
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		kv:   make(map[string][]byte),
		sets: make(map[string]map[string]struct{}),
	}
}

var errRedisDown = errors.New("connection refused")

func (f *fakeRedis) Get(_ context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, false, errRedisDown
	}
	v, ok := f.kv[key]
	return v, ok, nil
}

func (f *fakeRedis) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return errRedisDown
	}
	f.kv[key] = value
	return nil
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return 0, errRedisDown
	}
	var n int64
	for _, k := range keys {
		if _, ok := f.kv[k]; ok {
			delete(f.kv, k)
			n++
		}
		if _, ok := f.sets[k]; ok {
			delete(f.sets, k)
			n++
		}
	}
	return n, nil
}

func (f *fakeRedis) ScanKeys(_ context.Context, pattern string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, errRedisDown
	}
	prefix := pattern
	if n := len(prefix); n > 0 && prefix[n-1] == '*' {
		prefix = prefix[:n-1]
	}
	var keys []string
	for k := range f.kv {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	for k := range f.sets {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (f *fakeRedis) SAdd(_ context.Context, key string, members ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return errRedisDown
	}
	set, ok := f.sets[key]
	if !ok {
		set = make(map[string]struct{})
		f.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return nil
}

func (f *fakeRedis) SRem(_ context.Context, key string, members ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return errRedisDown
	}
	for _, m := range members {
		delete(f.sets[key], m)
	}
	return nil
}

func (f *fakeRedis) SMembers(_ context.Context, key string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, errRedisDown
	}
	var out []string
	for m := range f.sets[key] {
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeRedis) setDown(down bool) {
	f.mu.Lock()
	f.down = down
	f.mu.Unlock()
}

func memoryOnlyCache() *QueryCache {
	return New(Options{Keys: NewKeyBuilder("", "", "")})
}

// ============================================================================
// MEMORY TIER
// ============================================================================

func TestMemoryRoundTrip(t *testing.T) {
	qc := memoryOnlyCache()
	ctx := context.Background()

	type lineage struct {
		Chain []string `json:"chain"`
	}
	require.NoError(t, qc.Set(ctx, "forge:lineage:A:3", lineage{Chain: []string{"A", "B"}}, time.Minute, "A", "B"))

	raw, found := qc.Get(ctx, "forge:lineage:A:3")
	require.True(t, found)

	var got lineage
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, []string{"A", "B"}, got.Chain)

	_, found = qc.Get(ctx, "forge:lineage:A:9")
	assert.False(t, found)
}

func TestMemoryEntriesExpire(t *testing.T) {
	clock := newFakeClock()
	qc := memoryOnlyCache()
	qc.memory.now = clock.Now
	ctx := context.Background()

	require.NoError(t, qc.Set(ctx, "forge:capsule:A", "v", 30*time.Second))

	_, found := qc.Get(ctx, "forge:capsule:A")
	assert.True(t, found)

	clock.Advance(31 * time.Second)
	_, found = qc.Get(ctx, "forge:capsule:A")
	assert.False(t, found)
}

func TestMemoryEvictsOldestAtCap(t *testing.T) {
	qc := New(Options{Keys: NewKeyBuilder("", "", ""), MaxMemoryEntries: 3})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, qc.Set(ctx, fmt.Sprintf("forge:capsule:c%d", i), i, time.Minute))
	}

	_, found := qc.Get(ctx, "forge:capsule:c0")
	assert.False(t, found, "oldest entry evicted")
	for i := 1; i < 4; i++ {
		_, found := qc.Get(ctx, fmt.Sprintf("forge:capsule:c%d", i))
		assert.True(t, found, "entry c%d survives", i)
	}
	assert.Equal(t, 3, qc.memory.Entries())
}

func TestCleanupExpiredSweepsMemory(t *testing.T) {
	clock := newFakeClock()
	qc := memoryOnlyCache()
	qc.memory.now = clock.Now
	ctx := context.Background()

	qc.Set(ctx, "forge:capsule:old", "v", 10*time.Second)
	qc.Set(ctx, "forge:capsule:fresh", "v", time.Hour)

	clock.Advance(time.Minute)
	assert.Equal(t, 1, qc.CleanupExpired(ctx))
	assert.Equal(t, 1, qc.memory.Entries())
}

// ============================================================================
// INVALIDATION
// ============================================================================

func TestInvalidateForCapsuleRemovesLinkedKeys(t *testing.T) {
	qc := memoryOnlyCache()
	ctx := context.Background()

	qc.Set(ctx, "forge:lineage:A:3", "lineage", time.Minute, "A", "B")
	qc.Set(ctx, "forge:capsule:B", "capsule", time.Minute, "B")
	qc.Set(ctx, "forge:capsule:C", "unrelated", time.Minute, "C")

	n := qc.InvalidateForCapsule(ctx, "B")
	assert.Equal(t, 2, n)

	_, found := qc.Get(ctx, "forge:lineage:A:3")
	assert.False(t, found)
	_, found = qc.Get(ctx, "forge:capsule:B")
	assert.False(t, found)
	_, found = qc.Get(ctx, "forge:capsule:C")
	assert.True(t, found, "unrelated entries survive")

	// Second invalidation finds nothing
	assert.Zero(t, qc.InvalidateForCapsule(ctx, "B"))
	assert.GreaterOrEqual(t, qc.Stats().Invalidated, int64(2))
}

func TestClearAllWipesNamespace(t *testing.T) {
	qc := memoryOnlyCache()
	ctx := context.Background()

	qc.Set(ctx, "forge:capsule:A", "v", time.Minute, "A")
	qc.Set(ctx, "forge:search:abc", "v", time.Minute)

	assert.Equal(t, 2, qc.ClearAll(ctx))
	_, found := qc.Get(ctx, "forge:capsule:A")
	assert.False(t, found)
	assert.Zero(t, qc.memory.Entries())
}

// ============================================================================
// SIZE LIMIT
// ============================================================================

func TestSetRefusesOversizedValues(t *testing.T) {
	qc := New(Options{Keys: NewKeyBuilder("", "", ""), MaxResultBytes: 64})
	ctx := context.Background()

	small := map[string]string{"k": "v"}
	require.NoError(t, qc.Set(ctx, "forge:capsule:small", small, time.Minute))

	big := map[string]string{"k": string(make([]byte, 200))}
	err := qc.Set(ctx, "forge:capsule:big", big, time.Minute)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValueTooLarge)

	_, found := qc.Get(ctx, "forge:capsule:big")
	assert.False(t, found)
	assert.Equal(t, int64(1), qc.Stats().Refused)
}

func TestGetOrComputeReturnsOversizedResultUncached(t *testing.T) {
	qc := New(Options{Keys: NewKeyBuilder("", "", ""), MaxResultBytes: 16})
	ctx := context.Background()

	calls := 0
	compute := func(context.Context) (any, error) {
		calls++
		return map[string]string{"big": string(make([]byte, 100))}, nil
	}

	raw, err := qc.GetOrCompute(ctx, "forge:search:q", time.Minute, compute)
	require.NoError(t, err)
	assert.NotEmpty(t, raw)

	// Not cached: a second call recomputes
	_, err = qc.GetOrCompute(ctx, "forge:search:q", time.Minute, compute)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

// ============================================================================
// GET OR COMPUTE
// ============================================================================

func TestGetOrComputeCachesResult(t *testing.T) {
	qc := memoryOnlyCache()
	ctx := context.Background()

	calls := 0
	compute := func(context.Context) (any, error) {
		calls++
		return []string{"r1", "r2"}, nil
	}

	for i := 0; i < 3; i++ {
		raw, err := qc.GetOrCompute(ctx, "forge:search:q1", time.Minute, compute, "r1", "r2")
		require.NoError(t, err)

		var got []string
		require.NoError(t, json.Unmarshal(raw, &got))
		assert.Equal(t, []string{"r1", "r2"}, got)
	}
	assert.Equal(t, 1, calls)
}

func TestGetOrComputeSingleflight(t *testing.T) {
	qc := memoryOnlyCache()
	ctx := context.Background()

	var calls atomic.Int32
	release := make(chan struct{})
	compute := func(context.Context) (any, error) {
		calls.Add(1)
		<-release
		return "result", nil
	}

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			raw, err := qc.GetOrCompute(ctx, "forge:search:hot", time.Minute, compute)
			assert.NoError(t, err)
			assert.JSONEq(t, `"result"`, string(raw))
		}()
	}
	close(start)
	time.Sleep(20 * time.Millisecond) // let the racers pile onto the flight
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "concurrent callers share one compute")
}

func TestGetOrComputePropagatesComputeError(t *testing.T) {
	qc := memoryOnlyCache()
	boom := errors.New("graph unavailable")

	_, err := qc.GetOrCompute(context.Background(), "forge:capsule:x", time.Minute,
		func(context.Context) (any, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)

	// Errors are not cached
	raw, err := qc.GetOrCompute(context.Background(), "forge:capsule:x", time.Minute,
		func(context.Context) (any, error) { return "recovered", nil })
	require.NoError(t, err)
	assert.JSONEq(t, `"recovered"`, string(raw))
}

// ============================================================================
// REDIS TIER
// ============================================================================

func TestRedisTierPreferred(t *testing.T) {
	redis := newFakeRedis()
	qc := New(Options{Keys: NewKeyBuilder("", "", ""), Redis: redis})
	ctx := context.Background()

	require.NoError(t, qc.Set(ctx, "forge:capsule:A", "v", time.Minute, "A"))

	// Value lives in Redis, not memory
	redis.mu.Lock()
	_, inRedis := redis.kv["forge:capsule:A"]
	redis.mu.Unlock()
	assert.True(t, inRedis)
	assert.Zero(t, qc.memory.Entries())

	raw, found := qc.Get(ctx, "forge:capsule:A")
	require.True(t, found)
	assert.JSONEq(t, `"v"`, string(raw))
	assert.Equal(t, int64(1), qc.Stats().RedisHits)
}

func TestRedisReverseIndexInvalidation(t *testing.T) {
	redis := newFakeRedis()
	qc := New(Options{Keys: NewKeyBuilder("", "", ""), Redis: redis})
	ctx := context.Background()

	qc.Set(ctx, "forge:lineage:A:3", "lineage", time.Minute, "A", "B")
	qc.Set(ctx, "forge:capsule:A", "capsule", time.Minute, "A")

	n := qc.InvalidateForCapsule(ctx, "A")
	assert.Equal(t, 2, n)

	_, found := qc.Get(ctx, "forge:lineage:A:3")
	assert.False(t, found)

	// Index set is gone too
	members, err := redis.SMembers(ctx, "forge:capsule_keys:A")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestRedisOutageFallsThroughToMemory(t *testing.T) {
	redis := newFakeRedis()
	qc := New(Options{Keys: NewKeyBuilder("", "", ""), Redis: redis})
	ctx := context.Background()

	redis.setDown(true)

	// Writes land in memory while Redis is down
	require.NoError(t, qc.Set(ctx, "forge:capsule:A", "v", time.Minute, "A"))
	assert.Equal(t, 1, qc.memory.Entries())

	raw, found := qc.Get(ctx, "forge:capsule:A")
	require.True(t, found)
	assert.JSONEq(t, `"v"`, string(raw))

	// Entries written during the outage stay readable after recovery
	redis.setDown(false)
	raw, found = qc.Get(ctx, "forge:capsule:A")
	require.True(t, found)
	assert.JSONEq(t, `"v"`, string(raw))

	stats := qc.Stats()
	assert.Positive(t, stats.RedisErrors)
	assert.Positive(t, stats.MemoryHits)
}

func TestInvalidateCoversBothTiers(t *testing.T) {
	redis := newFakeRedis()
	qc := New(Options{Keys: NewKeyBuilder("", "", ""), Redis: redis})
	ctx := context.Background()

	// One entry in Redis, one stranded in memory from an outage
	qc.Set(ctx, "forge:capsule:A", "redis-side", time.Minute, "A")
	redis.setDown(true)
	qc.Set(ctx, "forge:lineage:A:2", "memory-side", time.Minute, "A")
	redis.setDown(false)

	n := qc.InvalidateForCapsule(ctx, "A")
	assert.Equal(t, 2, n)

	_, found := qc.Get(ctx, "forge:capsule:A")
	assert.False(t, found)
	_, found = qc.Get(ctx, "forge:lineage:A:2")
	assert.False(t, found)
}

func TestStatsSnapshot(t *testing.T) {
	qc := memoryOnlyCache()
	ctx := context.Background()

	qc.Set(ctx, "forge:capsule:A", "v", time.Minute)
	qc.Get(ctx, "forge:capsule:A")
	qc.Get(ctx, "forge:capsule:missing")

	s := qc.Stats()
	assert.Equal(t, "memory", s.Backend)
	assert.Equal(t, int64(1), s.Sets)
	assert.Equal(t, int64(1), s.MemoryHits)
	assert.Equal(t, int64(1), s.MemoryMisses)
	assert.Equal(t, 1, s.MemoryEntries)
}
