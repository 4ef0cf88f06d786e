// Package middleware carries the HTTP cross-cutting concerns of the API
// server: admin key verification and per-peer rate limiting on the
// federation endpoints.
package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/forgegraph/forge-core/internal/metrics"
)

const defaultRequestsPerMinute = 60

// TierSource reports the rate multiplier a peer's trust tier grants.
// Satisfied by trust.Manager; a nil source leaves every budget unscaled.
type TierSource interface {
	RateMultiplier(peerID string) float64
}

type rateWindow struct {
	count int
	start time.Time
}

// PeerRateLimiter bounds how many federation requests each peer may send per
// window. The per-window budget is the base limit scaled by the peer's tier
// multiplier, so long-lived well-behaved peers get headroom without a config
// change.
type PeerRateLimiter struct {
	mu      sync.Mutex
	windows map[string]*rateWindow

	base    int
	period  time.Duration
	tiers   TierSource
	metrics *metrics.Metrics

	stop chan struct{}
	once sync.Once
	now  func() time.Time
}

// NewPeerRateLimiter creates a limiter granting base requests per minute per
// peer before tier scaling. base <= 0 falls back to 60.
func NewPeerRateLimiter(base int, tiers TierSource, m *metrics.Metrics) *PeerRateLimiter {
	if base <= 0 {
		base = defaultRequestsPerMinute
	}
	rl := &PeerRateLimiter{
		windows: make(map[string]*rateWindow),
		base:    base,
		period:  time.Minute,
		tiers:   tiers,
		metrics: m,
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	go rl.sweep()
	return rl
}

// Allow books one request for the peer. When the window budget is exhausted
// it returns false and how long the peer should wait before retrying.
func (rl *PeerRateLimiter) Allow(peerID string) (bool, time.Duration) {
	budget := rl.budget(peerID)
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[peerID]
	if !ok || now.Sub(w.start) >= rl.period {
		rl.windows[peerID] = &rateWindow{count: 1, start: now}
		return true, 0
	}
	if w.count >= budget {
		return false, w.start.Add(rl.period).Sub(now)
	}
	w.count++
	return true, 0
}

// budget is the scaled request allowance for one window. Tier changes apply
// to the live window immediately since the budget is re-read per request.
func (rl *PeerRateLimiter) budget(peerID string) int {
	mult := 1.0
	if rl.tiers != nil {
		if m := rl.tiers.RateMultiplier(peerID); m > 0 {
			mult = m
		}
	}
	b := int(float64(rl.base) * mult)
	if b < 1 {
		b = 1
	}
	return b
}

// Middleware enforces the limit around the wrapped handler. Requests are
// keyed by the sender id claimed inside the envelope body; bodies carrying
// no claim fall back to the client address so garbage cannot dodge
// accounting. Verification of the claim happens in the handler.
func (rl *PeerRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		peerID := claimedPeer(r)
		ok, retryAfter := rl.Allow(peerID)
		if !ok {
			seconds := int(math.Ceil(retryAfter.Seconds()))
			if seconds < 1 {
				seconds = 1
			}
			rl.metrics.RecordRateLimited(peerID)
			slog.Warn("Rate limit exhausted",
				"peer_id", peerID,
				"retry_after_seconds", seconds)

			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit exceeded","retry_after_seconds":` + strconv.Itoa(seconds) + `}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// sweep drops windows old enough that no future Allow call could reuse them.
func (rl *PeerRateLimiter) sweep() {
	ticker := time.NewTicker(rl.period)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			now := rl.now()
			rl.mu.Lock()
			for id, w := range rl.windows {
				if now.Sub(w.start) >= 2*rl.period {
					delete(rl.windows, id)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// Close stops the background sweep.
func (rl *PeerRateLimiter) Close() {
	rl.once.Do(func() { close(rl.stop) })
}

// claimedPeer reads the unverified sender id out of a signed envelope body.
// The body is restored afterwards so the handler can decode it again.
func claimedPeer(r *http.Request) string {
	if r.Body == nil {
		return clientHost(r)
	}
	body, err := io.ReadAll(r.Body)
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		return clientHost(r)
	}

	var probe struct {
		Payload struct {
			PeerID     string `json:"peer_id"`
			InstanceID string `json:"instance_id"`
		} `json:"payload"`
	}
	if json.Unmarshal(body, &probe) != nil {
		return clientHost(r)
	}
	if probe.Payload.PeerID != "" {
		return probe.Payload.PeerID
	}
	if probe.Payload.InstanceID != "" {
		return probe.Payload.InstanceID
	}
	return clientHost(r)
}

func clientHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
