// Package nonce enforces per-sender monotonic nonces for replay protection.
// Every signed peer message carries a numeric nonce; a message is accepted
// only if its nonce is strictly greater than the highest nonce already seen
// from that sender. Gaps are fine, going backwards is not.
package nonce

import (
	"context"
	"strings"
	"time"

	"github.com/forgegraph/forge-core/internal/infra"
	"github.com/forgegraph/forge-core/internal/metrics"
)

// Rejection reasons returned by VerifyAndConsume.
const (
	ReasonReplay = "replay attempt"
	ReasonStale  = "not greater than current"
)

const (
	DefaultPrefix     = "forge:acp:nonce:"
	DefaultTTL        = 5 * time.Minute
	DefaultMaxSenders = 100_000
)

// Store tracks the highest accepted nonce per sender.
type Store interface {
	// VerifyAndConsume atomically checks nonce against the sender's current
	// highest and records it when accepted. It returns (true, "") on accept
	// and (false, reason) on rejection. Backend trouble never surfaces as an
	// error; the store degrades to best-effort memory tracking instead.
	VerifyAndConsume(ctx context.Context, sender string, nonce uint64) (bool, string)

	// Cleanup drops expired entries and returns how many were removed. On
	// Redis this is a no-op since the server expires keys itself.
	Cleanup(ctx context.Context) int

	// Stats describes the backend and its current population; exposed on the
	// admin API.
	Stats() Stats
}

// Stats is the operator view of a nonce store.
type Stats struct {
	Backend        string `json:"backend"`
	TrackedSenders int    `json:"tracked_senders"`
}

// Config tunes a nonce store. Zero values fall back to the defaults above.
type Config struct {
	Prefix     string
	TTL        time.Duration
	MaxSenders int
}

func (c *Config) applyDefaults() {
	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.MaxSenders <= 0 {
		c.MaxSenders = DefaultMaxSenders
	}
}

// NewStore returns a Redis-backed store when an adapter is provided, and a
// pure in-memory store otherwise.
func NewStore(redis *infra.RedisAdapter, cfg Config, m *metrics.Metrics) Store {
	cfg.applyDefaults()
	if redis == nil {
		return NewMemoryStore(cfg, m)
	}
	return NewRedisStore(redis, cfg, m)
}

// Normalize canonicalizes a sender address. The store is case-insensitive.
func Normalize(sender string) string {
	return strings.ToLower(strings.TrimSpace(sender))
}

func recordCheck(m *metrics.Metrics, ok bool, reason string) {
	switch {
	case ok:
		m.RecordNonceCheck("accepted")
	case reason == ReasonReplay:
		m.RecordNonceCheck("replay")
	default:
		m.RecordNonceCheck("stale")
	}
}
