package nonce

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/forgegraph/forge-core/internal/metrics"
)

// RedisEvaler is the minimal scripting surface the Redis nonce store needs.
// Separate from the key/value interfaces because the compare-and-swap must
// run server-side to stay atomic across instances.
type RedisEvaler interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
}

// verifyScript performs the compare-and-set on the Redis server so two
// concurrent verifies against the same sender cannot both win.
// Returns 1 on accept, 0 on replay (equal), -1 on stale (lower).
const verifyScript = `
local current = tonumber(redis.call('GET', KEYS[1]) or '-1')
local candidate = tonumber(ARGV[1])
if candidate > current then
  redis.call('SET', KEYS[1], ARGV[1], 'EX', ARGV[2])
  return 1
elseif candidate == current then
  return 0
else
  return -1
end`

// RedisStore keeps per-sender nonce records in Redis with a TTL, falling
// through to an embedded memory store when Redis misbehaves. Availability
// wins over strictness here: a Redis outage must not stall federation.
type RedisStore struct {
	redis   RedisEvaler
	prefix  string
	ttl     time.Duration
	metrics *metrics.Metrics

	fallback *MemoryStore
}

// NewRedisStore creates a Redis-backed nonce store.
func NewRedisStore(redis RedisEvaler, cfg Config, m *metrics.Metrics) *RedisStore {
	cfg.applyDefaults()
	return &RedisStore{
		redis:    redis,
		prefix:   cfg.Prefix,
		ttl:      cfg.TTL,
		metrics:  m,
		fallback: NewMemoryStore(cfg, nil),
	}
}

func (s *RedisStore) VerifyAndConsume(ctx context.Context, sender string, nonce uint64) (bool, string) {
	key := s.prefix + Normalize(sender)
	ttlSeconds := int(s.ttl.Seconds())

	result, err := s.redis.Eval(ctx, verifyScript, []string{key},
		strconv.FormatUint(nonce, 10), strconv.Itoa(ttlSeconds))
	if err != nil {
		slog.Warn("Nonce store falling back to memory", "sender", sender, "error", err)
		s.metrics.RecordNonceCheck("error")
		ok, reason := s.fallback.verify(Normalize(sender), nonce)
		recordCheck(s.metrics, ok, reason)
		return ok, reason
	}

	verdict, ok := result.(int64)
	if !ok {
		slog.Warn("Nonce script returned unexpected type", "sender", sender, "result", result)
		s.metrics.RecordNonceCheck("error")
		accepted, reason := s.fallback.verify(Normalize(sender), nonce)
		recordCheck(s.metrics, accepted, reason)
		return accepted, reason
	}

	switch verdict {
	case 1:
		recordCheck(s.metrics, true, "")
		return true, ""
	case 0:
		recordCheck(s.metrics, false, ReasonReplay)
		return false, ReasonReplay
	default:
		recordCheck(s.metrics, false, ReasonStale)
		return false, ReasonStale
	}
}

// Cleanup is a no-op on Redis: key TTLs handle expiry server-side. The
// embedded fallback store is still swept so a long outage cannot grow it.
func (s *RedisStore) Cleanup(ctx context.Context) int {
	return s.fallback.Cleanup(ctx)
}

// Stats reports the backend and fallback population.
func (s *RedisStore) Stats() Stats {
	return Stats{Backend: "redis", TrackedSenders: s.fallback.Size()}
}
