package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgegraph/forge-core/internal/events"
)

func seededCache(t *testing.T) *QueryCache {
	t.Helper()
	qc := memoryOnlyCache()
	ctx := context.Background()
	require.NoError(t, qc.Set(ctx, "forge:lineage:A:3", "lineage", time.Hour, "A", "B"))
	require.NoError(t, qc.Set(ctx, "forge:capsule:B", "capsule", time.Hour, "B"))
	return qc
}

// ============================================================================
// IMMEDIATE
// ============================================================================

func TestImmediateInvalidationOnUpdate(t *testing.T) {
	qc := seededCache(t)
	iv := NewInvalidator(qc, StrategyImmediate, 0, nil)
	defer iv.Close()

	iv.OnCapsuleUpdated("B")

	_, found := qc.Get(context.Background(), "forge:lineage:A:3")
	assert.False(t, found, "lineage bound to B is gone")
	_, found = qc.Get(context.Background(), "forge:capsule:B")
	assert.False(t, found)
	assert.GreaterOrEqual(t, qc.Stats().Invalidated, int64(1))
}

func TestLineageChangeInvalidatesUnionOfIDs(t *testing.T) {
	qc := memoryOnlyCache()
	ctx := context.Background()
	qc.Set(ctx, "forge:capsule:child", "v", time.Hour, "child")
	qc.Set(ctx, "forge:capsule:p1", "v", time.Hour, "p1")
	qc.Set(ctx, "forge:capsule:p2", "v", time.Hour, "p2")

	iv := NewInvalidator(qc, StrategyImmediate, 0, nil)
	defer iv.Close()

	iv.OnLineageChanged("child", []string{"p1", "p2", "child"})

	for _, key := range []string{"forge:capsule:child", "forge:capsule:p1", "forge:capsule:p2"} {
		_, found := qc.Get(ctx, key)
		assert.False(t, found, "%s should be invalidated", key)
	}
}

// ============================================================================
// DEBOUNCED
// ============================================================================

func TestDebouncedBatchesNewestEventPerID(t *testing.T) {
	qc := seededCache(t)
	iv := NewInvalidator(qc, StrategyDebounced, time.Hour, nil) // flush manually
	defer iv.Close()

	iv.OnCapsuleCreated("B")
	iv.OnCapsuleUpdated("B")
	iv.OnCapsuleDeleted("B")

	iv.mu.Lock()
	assert.Len(t, iv.pending, 1)
	assert.Equal(t, "capsule.deleted", iv.pending["B"], "newest event wins")
	iv.mu.Unlock()

	// Nothing invalidated until the flush
	_, found := qc.Get(context.Background(), "forge:capsule:B")
	assert.True(t, found)

	n := iv.Flush()
	assert.Equal(t, 2, n)
	_, found = qc.Get(context.Background(), "forge:capsule:B")
	assert.False(t, found)
}

func TestDebouncedFlushesOnTimer(t *testing.T) {
	qc := seededCache(t)
	iv := NewInvalidator(qc, StrategyDebounced, 20*time.Millisecond, nil)
	defer iv.Close()

	iv.OnCapsuleUpdated("B")

	require.Eventually(t, func() bool {
		_, found := qc.Get(context.Background(), "forge:capsule:B")
		return !found
	}, time.Second, 10*time.Millisecond)
}

func TestDebouncedFlushesOnClose(t *testing.T) {
	qc := seededCache(t)
	iv := NewInvalidator(qc, StrategyDebounced, time.Hour, nil)

	iv.OnCapsuleUpdated("B")
	iv.Close()

	_, found := qc.Get(context.Background(), "forge:capsule:B")
	assert.False(t, found, "Close flushes the pending batch")

	// Close is idempotent
	iv.Close()
}

// ============================================================================
// LAZY
// ============================================================================

func TestLazyMarksKeysStale(t *testing.T) {
	qc := seededCache(t)
	iv := NewInvalidator(qc, StrategyLazy, 0, nil)
	defer iv.Close()

	iv.OnCapsuleUpdated("A")

	// Cache entries survive; consumers consult IsStale
	_, found := qc.Get(context.Background(), "forge:lineage:A:3")
	assert.True(t, found)

	assert.True(t, iv.IsStale("forge:capsule:A"))
	assert.True(t, iv.IsStale("forge:lineage:A:3"), "lineage keys at any depth are stale")
	assert.True(t, iv.IsStale("forge:lineage:A:77"))
	assert.False(t, iv.IsStale("forge:capsule:B"))
	assert.False(t, iv.IsStale("forge:search:abc"))
}

func TestLazyClearStale(t *testing.T) {
	qc := memoryOnlyCache()
	iv := NewInvalidator(qc, StrategyLazy, 0, nil)
	defer iv.Close()

	iv.OnCapsuleDeleted("X")
	require.True(t, iv.IsStale("forge:capsule:X"))

	iv.ClearStale("forge:capsule:X")
	assert.False(t, iv.IsStale("forge:capsule:X"))
}

// ============================================================================
// CALLBACKS
// ============================================================================

func TestCallbacksFireAndPanicsAreSwallowed(t *testing.T) {
	qc := memoryOnlyCache()
	iv := NewInvalidator(qc, StrategyImmediate, 0, nil)
	defer iv.Close()

	iv.RegisterCallback(func(string, string) {
		panic("observer bug")
	})

	var mu sync.Mutex
	var seen []string
	iv.RegisterCallback(func(event, capsuleID string) {
		mu.Lock()
		seen = append(seen, event+":"+capsuleID)
		mu.Unlock()
	})

	iv.OnCapsuleCreated("A")
	iv.OnCapsuleDeleted("B")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"capsule.created:A", "capsule.deleted:B"}, seen)
}

// ============================================================================
// EVENT BUS BINDING
// ============================================================================

func TestInvalidatorConsumesEntityEvents(t *testing.T) {
	qc := seededCache(t)
	iv := NewInvalidator(qc, StrategyImmediate, 0, nil)
	defer iv.Close()

	bus := events.NewLocalBus("test")
	defer bus.Close()
	unbind := iv.BindBus(bus)
	defer unbind()

	bus.Emit(events.EventCapsuleUpdated, "B", map[string]any{"capsule_id": "B"})

	require.Eventually(t, func() bool {
		_, found := qc.Get(context.Background(), "forge:capsule:B")
		return !found
	}, time.Second, 10*time.Millisecond)
}

func TestInvalidatorConsumesEdgeEvents(t *testing.T) {
	qc := memoryOnlyCache()
	ctx := context.Background()
	qc.Set(ctx, "forge:capsule:src", "v", time.Hour, "src")
	qc.Set(ctx, "forge:capsule:dst", "v", time.Hour, "dst")

	iv := NewInvalidator(qc, StrategyImmediate, 0, nil)
	defer iv.Close()

	bus := events.NewLocalBus("test")
	defer bus.Close()
	defer iv.BindBus(bus)()

	bus.Emit(events.EventEdgeCreated, "", map[string]any{"source_id": "src", "target_id": "dst"})

	require.Eventually(t, func() bool {
		_, srcFound := qc.Get(ctx, "forge:capsule:src")
		_, dstFound := qc.Get(ctx, "forge:capsule:dst")
		return !srcFound && !dstFound
	}, time.Second, 10*time.Millisecond)
}
