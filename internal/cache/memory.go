package cache

import (
	"context"
	"sync"
	"time"
)

// DefaultMaxMemoryEntries bounds the in-process tier.
const DefaultMaxMemoryEntries = 10_000

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
	related   []string
}

// MemoryBackend is the in-process tier: a mutex-guarded map with TTLs, a
// capsule-id reverse index, and oldest-first eviction at the cap. The session
// cache reuses it with a larger cap and no index.
type MemoryBackend struct {
	mu         sync.Mutex
	entries    map[string]memoryEntry
	order      []string                       // insertion order, lazily compacted
	index      map[string]map[string]struct{} // capsule id -> cache keys
	maxEntries int

	now func() time.Time
}

// NewMemoryBackend creates the in-process tier. maxEntries <= 0 means the
// default cap.
func NewMemoryBackend(maxEntries int) *MemoryBackend {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxMemoryEntries
	}
	return &MemoryBackend{
		entries:    make(map[string]memoryEntry),
		index:      make(map[string]map[string]struct{}),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

func (b *MemoryBackend) Name() string { return "memory" }

func (b *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.entries[key]
	if !ok {
		return nil, false, nil
	}
	if b.now().After(entry.expiresAt) {
		b.removeLocked(key)
		return nil, false, nil
	}
	return entry.value, true, nil
}

func (b *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration, related []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.entries[key]; !exists {
		for len(b.entries) >= b.maxEntries {
			b.evictOldestLocked()
		}
		b.order = append(b.order, key)
	}

	b.entries[key] = memoryEntry{
		value:     value,
		expiresAt: b.now().Add(ttl),
		related:   related,
	}
	for _, id := range related {
		keys, ok := b.index[id]
		if !ok {
			keys = make(map[string]struct{})
			b.index[id] = keys
		}
		keys[key] = struct{}{}
	}
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(key)
	return nil
}

// Invalidate deletes every cached key bound to the capsule id plus the index
// entry itself, returning the number of live entries removed.
func (b *MemoryBackend) Invalidate(_ context.Context, capsuleID string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	keys, ok := b.index[capsuleID]
	if !ok {
		return 0, nil
	}
	removed := 0
	for key := range keys {
		if _, live := b.entries[key]; live {
			b.removeLocked(key)
			removed++
		}
	}
	delete(b.index, capsuleID)
	return removed, nil
}

func (b *MemoryBackend) ClearAll(_ context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.entries)
	b.entries = make(map[string]memoryEntry)
	b.index = make(map[string]map[string]struct{})
	b.order = nil
	return n, nil
}

// CleanupExpired drops expired entries and compacts the eviction order. Runs
// as a scheduler task.
func (b *MemoryBackend) CleanupExpired(_ context.Context) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	removed := 0
	for key, entry := range b.entries {
		if now.After(entry.expiresAt) {
			b.removeLocked(key)
			removed++
		}
	}

	// Compact: drop order slots whose keys are gone so delete-heavy
	// workloads don't grow the slice between cleanups.
	kept := b.order[:0]
	for _, key := range b.order {
		if _, ok := b.entries[key]; ok {
			kept = append(kept, key)
		}
	}
	b.order = kept
	return removed
}

func (b *MemoryBackend) Entries() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// removeLocked deletes the entry and unlinks it from the reverse index.
func (b *MemoryBackend) removeLocked(key string) {
	entry, ok := b.entries[key]
	if !ok {
		return
	}
	delete(b.entries, key)
	for _, id := range entry.related {
		if keys, ok := b.index[id]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(b.index, id)
			}
		}
	}
}

// evictOldestLocked pops order slots until it frees one live entry.
func (b *MemoryBackend) evictOldestLocked() {
	for len(b.order) > 0 {
		key := b.order[0]
		b.order = b.order[1:]
		if _, ok := b.entries[key]; ok {
			b.removeLocked(key)
			return
		}
	}
}
