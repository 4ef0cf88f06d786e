package cache

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/forgegraph/forge-core/internal/events"
	"github.com/forgegraph/forge-core/internal/metrics"
)

// Strategy selects how entity changes turn into cache operations.
type Strategy string

const (
	// StrategyImmediate invalidates synchronously on every event.
	StrategyImmediate Strategy = "IMMEDIATE"
	// StrategyDebounced batches events per capsule id and flushes on a timer
	// and on Close. The newest event per id wins.
	StrategyDebounced Strategy = "DEBOUNCED"
	// StrategyLazy marks key patterns stale; consumers check IsStale and
	// skip the cached value on hit.
	StrategyLazy Strategy = "LAZY"
)

// DefaultDebounce is the batch window for StrategyDebounced.
const DefaultDebounce = 2 * time.Second

// Stale-set cap. Past it the invalidator stops deferring and invalidates
// directly, so memory stays bounded under event storms.
const maxStaleMarks = 10_000

// Callback observes every invalidation event. Panics are swallowed.
type Callback func(event string, capsuleID string)

// Invalidator translates entity change events into cache operations.
type Invalidator struct {
	cache    *QueryCache
	strategy Strategy
	debounce time.Duration
	metrics  *metrics.Metrics

	mu            sync.Mutex
	pending       map[string]string // capsule id -> newest event
	staleKeys     map[string]struct{}
	stalePrefixes map[string]struct{}
	callbacks     []Callback
	closed        bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewInvalidator creates an invalidator bound to a cache. The debounce
// window only matters for StrategyDebounced; zero means DefaultDebounce.
func NewInvalidator(qc *QueryCache, strategy Strategy, debounce time.Duration, m *metrics.Metrics) *Invalidator {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	iv := &Invalidator{
		cache:         qc,
		strategy:      strategy,
		debounce:      debounce,
		metrics:       m,
		pending:       make(map[string]string),
		staleKeys:     make(map[string]struct{}),
		stalePrefixes: make(map[string]struct{}),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	if strategy == StrategyDebounced {
		go iv.flushLoop()
	} else {
		close(iv.doneCh)
	}
	return iv
}

// OnCapsuleCreated handles a capsule creation.
func (iv *Invalidator) OnCapsuleCreated(capsuleID string) {
	iv.apply("capsule.created", capsuleID)
}

// OnCapsuleUpdated handles a capsule update.
func (iv *Invalidator) OnCapsuleUpdated(capsuleID string) {
	iv.apply("capsule.updated", capsuleID)
}

// OnCapsuleDeleted handles a capsule deletion.
func (iv *Invalidator) OnCapsuleDeleted(capsuleID string) {
	iv.apply("capsule.deleted", capsuleID)
}

// OnLineageChanged invalidates the capsule and every parent whose lineage
// now includes (or excludes) it.
func (iv *Invalidator) OnLineageChanged(capsuleID string, parentIDs []string) {
	iv.apply("lineage.changed", capsuleID)
	for _, parent := range parentIDs {
		if parent != "" && parent != capsuleID {
			iv.apply("lineage.changed", parent)
		}
	}
}

// RegisterCallback adds an observer fired on every event.
func (iv *Invalidator) RegisterCallback(cb Callback) {
	iv.mu.Lock()
	defer iv.mu.Unlock()
	iv.callbacks = append(iv.callbacks, cb)
}

// IsStale reports whether a key was marked by the lazy strategy. Consumers
// treat a stale hit as a miss.
func (iv *Invalidator) IsStale(key string) bool {
	iv.mu.Lock()
	defer iv.mu.Unlock()

	if _, ok := iv.staleKeys[key]; ok {
		return true
	}
	for prefix := range iv.stalePrefixes {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

// ClearStale removes the mark after a consumer refreshed the key.
func (iv *Invalidator) ClearStale(key string) {
	iv.mu.Lock()
	defer iv.mu.Unlock()
	delete(iv.staleKeys, key)
}

// Flush synchronously invalidates everything pending. Called by the flush
// loop, by Close, and by tests.
func (iv *Invalidator) Flush() int {
	iv.mu.Lock()
	if len(iv.pending) == 0 {
		iv.mu.Unlock()
		return 0
	}
	batch := iv.pending
	iv.pending = make(map[string]string)
	iv.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	total := 0
	for id := range batch {
		total += iv.cache.InvalidateForCapsule(ctx, id)
	}
	iv.metrics.RecordInvalidations("debounced", total)
	slog.Debug("Flushed invalidation batch", "capsules", len(batch), "entries", total)
	return total
}

// Close stops the flush loop and flushes any pending batch.
func (iv *Invalidator) Close() {
	iv.mu.Lock()
	if iv.closed {
		iv.mu.Unlock()
		return
	}
	iv.closed = true
	iv.mu.Unlock()

	close(iv.stopCh)
	<-iv.doneCh
	iv.Flush()
}

// BindBus subscribes the invalidator to the entity-change events so write
// paths stay decoupled from cache wiring. Returns the unsubscribe function.
func (iv *Invalidator) BindBus(bus events.Bus) func() {
	return bus.Subscribe(func(_ context.Context, e *events.Event) error {
		capsuleID := e.Subject
		if capsuleID == "" {
			capsuleID, _ = e.Data["capsule_id"].(string)
		}
		switch e.Type {
		case events.EventCapsuleCreated:
			iv.OnCapsuleCreated(capsuleID)
		case events.EventCapsuleUpdated:
			iv.OnCapsuleUpdated(capsuleID)
		case events.EventCapsuleDeleted:
			iv.OnCapsuleDeleted(capsuleID)
		case events.EventEdgeCreated, events.EventEdgeDeleted:
			source, _ := e.Data["source_id"].(string)
			target, _ := e.Data["target_id"].(string)
			if source != "" {
				iv.OnLineageChanged(source, []string{target})
			} else if target != "" {
				iv.OnLineageChanged(target, nil)
			}
		}
		return nil
	},
		events.EventCapsuleCreated,
		events.EventCapsuleUpdated,
		events.EventCapsuleDeleted,
		events.EventEdgeCreated,
		events.EventEdgeDeleted,
	)
}

// apply routes one event through the configured strategy.
func (iv *Invalidator) apply(event, capsuleID string) {
	if capsuleID == "" {
		return
	}
	iv.fireCallbacks(event, capsuleID)

	switch iv.strategy {
	case StrategyDebounced:
		iv.mu.Lock()
		iv.pending[capsuleID] = event
		iv.mu.Unlock()

	case StrategyLazy:
		if iv.markStale(capsuleID) {
			return
		}
		fallthrough // stale set full: invalidate directly

	default: // StrategyImmediate
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		n := iv.cache.InvalidateForCapsule(ctx, capsuleID)
		iv.metrics.RecordInvalidations(strings.ToLower(string(iv.strategy)), n)
	}
}

// markStale records the capsule's key patterns in the stale set. Returns
// false when the set is at capacity.
func (iv *Invalidator) markStale(capsuleID string) bool {
	iv.mu.Lock()
	defer iv.mu.Unlock()

	if len(iv.staleKeys)+len(iv.stalePrefixes) >= maxStaleMarks {
		return false
	}
	keys := iv.cache.Keys()
	iv.staleKeys[keys.CapsuleKey(capsuleID)] = struct{}{}
	iv.stalePrefixes[keys.LineagePrefix(capsuleID)] = struct{}{}
	return true
}

func (iv *Invalidator) fireCallbacks(event, capsuleID string) {
	iv.mu.Lock()
	callbacks := make([]Callback, len(iv.callbacks))
	copy(callbacks, iv.callbacks)
	iv.mu.Unlock()

	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Warn("Invalidation callback panicked", "event", event, "panic", r)
				}
			}()
			cb(event, capsuleID)
		}()
	}
}

func (iv *Invalidator) flushLoop() {
	defer close(iv.doneCh)
	ticker := time.NewTicker(iv.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			iv.Flush()
		case <-iv.stopCh:
			return
		}
	}
}
