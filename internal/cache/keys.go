// Package cache memoizes read-only graph query results in two tiers: Redis
// when configured, always backed by a bounded in-process map. Values are
// stored as JSON only; cache contents are treated as untrusted after a
// restart or a Redis compromise, so no native serialization format is used.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Depth bounds for lineage traversal keys.
const (
	MinLineageDepth = 1
	MaxLineageDepth = 100
)

const maxKeyComponentLen = 128

// KeyBuilder renders cache keys from the configured patterns. Components
// sourced from user input are sanitized before they touch a key.
type KeyBuilder struct {
	capsulePattern string
	lineagePattern string
	searchPattern  string
	prefix         string
}

// NewKeyBuilder creates a key builder from the three configured patterns
// (fmt templates: capsule and search take %s, lineage takes %s and %d).
func NewKeyBuilder(capsulePattern, lineagePattern, searchPattern string) *KeyBuilder {
	if capsulePattern == "" {
		capsulePattern = "forge:capsule:%s"
	}
	if lineagePattern == "" {
		lineagePattern = "forge:lineage:%s:%d"
	}
	if searchPattern == "" {
		searchPattern = "forge:search:%s"
	}
	return &KeyBuilder{
		capsulePattern: capsulePattern,
		lineagePattern: lineagePattern,
		searchPattern:  searchPattern,
		prefix:         commonPrefix(capsulePattern, lineagePattern, searchPattern),
	}
}

// CapsuleKey returns the cache key for one capsule.
func (kb *KeyBuilder) CapsuleKey(capsuleID string) string {
	return fmt.Sprintf(kb.capsulePattern, SanitizeComponent(capsuleID))
}

// LineageKey returns the cache key for a lineage traversal at the given
// depth. Depth is clamped to the supported range.
func (kb *KeyBuilder) LineageKey(capsuleID string, depth int) string {
	return fmt.Sprintf(kb.lineagePattern, SanitizeComponent(capsuleID), ClampDepth(depth))
}

// LineagePrefix returns the prefix shared by every lineage key of one
// capsule, regardless of depth. The lazy invalidator stores these.
func (kb *KeyBuilder) LineagePrefix(capsuleID string) string {
	pattern := kb.lineagePattern
	if i := strings.Index(pattern, "%d"); i >= 0 {
		pattern = pattern[:i]
	}
	return fmt.Sprintf(pattern, SanitizeComponent(capsuleID))
}

// SearchKey returns the cache key for a search query. The raw query never
// appears in the key; it is hashed.
func (kb *KeyBuilder) SearchKey(query string) string {
	sum := sha256.Sum256([]byte(query))
	return fmt.Sprintf(kb.searchPattern, hex.EncodeToString(sum[:])[:32])
}

// IndexKey returns the reverse-index key holding the set of cache keys bound
// to one capsule.
func (kb *KeyBuilder) IndexKey(capsuleID string) string {
	return kb.prefix + "capsule_keys:" + SanitizeComponent(capsuleID)
}

// Prefix is the namespace shared by every key this builder produces; ClearAll
// scans it.
func (kb *KeyBuilder) Prefix() string {
	return kb.prefix
}

// SanitizeComponent admits [a-zA-Z0-9_-] up to 128 chars unchanged. Anything
// else is replaced by a hash so hostile input can never shape a key.
func SanitizeComponent(s string) string {
	if isCleanComponent(s) {
		return s
	}
	sum := sha256.Sum256([]byte(s))
	return "sanitized_" + hex.EncodeToString(sum[:])[:32]
}

func isCleanComponent(s string) bool {
	if len(s) < 1 || len(s) > maxKeyComponentLen {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}

// ClampDepth bounds a lineage traversal depth to [1,100].
func ClampDepth(depth int) int {
	if depth < MinLineageDepth {
		return MinLineageDepth
	}
	if depth > MaxLineageDepth {
		return MaxLineageDepth
	}
	return depth
}

// LineageTTL picks a TTL for a lineage result from the freshest updated_at
// among the returned capsules: hot lineages expire fast, dormant ones are
// safe to hold for an hour.
func LineageTTL(freshestUpdate, now time.Time) time.Duration {
	if freshestUpdate.IsZero() {
		return time.Hour
	}
	age := now.Sub(freshestUpdate)
	switch {
	case age < time.Hour:
		return 60 * time.Second
	case age < 24*time.Hour:
		return 300 * time.Second
	case age < 7*24*time.Hour:
		return 1800 * time.Second
	default:
		return 3600 * time.Second
	}
}

// commonPrefix finds the namespace shared by the key patterns, cut before
// the first template verb.
func commonPrefix(patterns ...string) string {
	cut := func(p string) string {
		if i := strings.IndexByte(p, '%'); i >= 0 {
			return p[:i]
		}
		return p
	}
	prefix := cut(patterns[0])
	for _, p := range patterns[1:] {
		p = cut(p)
		for !strings.HasPrefix(p, prefix) && prefix != "" {
			prefix = prefix[:len(prefix)-1]
		}
	}
	if prefix == "" {
		prefix = "forge:"
	}
	return prefix
}
