package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// HELPERS
// ============================================================================

type fixedTiers map[string]float64

func (f fixedTiers) RateMultiplier(peerID string) float64 {
	return f[peerID]
}

func newTestLimiter(t *testing.T, base int, tiers TierSource) *PeerRateLimiter {
	t.Helper()
	rl := NewPeerRateLimiter(base, tiers, nil)
	t.Cleanup(rl.Close)
	return rl
}

func envelopeBody(t *testing.T, peerID string) io.Reader {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"payload":   map[string]any{"peer_id": peerID},
		"signature": "c2ln",
		"nonce":     1,
	})
	require.NoError(t, err)
	return bytes.NewReader(body)
}

// ============================================================================
// WINDOW ACCOUNTING
// ============================================================================

func TestAllowWithinBudget(t *testing.T) {
	rl := newTestLimiter(t, 3, nil)

	for i := 0; i < 3; i++ {
		ok, _ := rl.Allow("peer-1")
		require.True(t, ok, "request %d should pass", i+1)
	}

	ok, retryAfter := rl.Allow("peer-1")
	assert.False(t, ok)
	assert.Greater(t, retryAfter, time.Duration(0))
	assert.LessOrEqual(t, retryAfter, time.Minute)
}

func TestAllowKeysPeersIndependently(t *testing.T) {
	rl := newTestLimiter(t, 1, nil)

	ok, _ := rl.Allow("peer-1")
	require.True(t, ok)
	ok, _ = rl.Allow("peer-1")
	require.False(t, ok)

	ok, _ = rl.Allow("peer-2")
	assert.True(t, ok, "an exhausted peer must not starve others")
}

func TestWindowResetsAfterPeriod(t *testing.T) {
	rl := newTestLimiter(t, 1, nil)
	base := time.Now()
	rl.now = func() time.Time { return base }

	ok, _ := rl.Allow("peer-1")
	require.True(t, ok)
	ok, _ = rl.Allow("peer-1")
	require.False(t, ok)

	rl.now = func() time.Time { return base.Add(61 * time.Second) }
	ok, _ = rl.Allow("peer-1")
	assert.True(t, ok, "a fresh window restores the budget")
}

func TestTierScalesBudget(t *testing.T) {
	tiers := fixedTiers{"core-peer": 5.0, "standard-peer": 1.0}
	rl := newTestLimiter(t, 2, tiers)

	for i := 0; i < 10; i++ {
		ok, _ := rl.Allow("core-peer")
		require.True(t, ok, "scaled request %d should pass", i+1)
	}
	ok, _ := rl.Allow("core-peer")
	assert.False(t, ok)

	for i := 0; i < 2; i++ {
		ok, _ := rl.Allow("standard-peer")
		require.True(t, ok)
	}
	ok, _ = rl.Allow("standard-peer")
	assert.False(t, ok)
}

func TestUnknownMultiplierFallsBackToBase(t *testing.T) {
	rl := newTestLimiter(t, 2, fixedTiers{})

	// fixedTiers returns 0 for unknown peers; the budget must not collapse.
	ok, _ := rl.Allow("ghost")
	require.True(t, ok)
	ok, _ = rl.Allow("ghost")
	require.True(t, ok)
	ok, _ = rl.Allow("ghost")
	assert.False(t, ok)
}

// ============================================================================
// HTTP MIDDLEWARE
// ============================================================================

func TestMiddlewareKeysOnClaimedPeer(t *testing.T) {
	rl := newTestLimiter(t, 1, nil)

	var seenBodies [][]byte
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		seenBodies = append(seenBodies, body)
		w.WriteHeader(http.StatusOK)
	}))
	server := httptest.NewServer(handler)
	defer server.Close()

	post := func(peerID string) *http.Response {
		resp, err := http.Post(server.URL, "application/json", envelopeBody(t, peerID))
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	assert.Equal(t, http.StatusOK, post("peer-1").StatusCode)
	assert.Equal(t, http.StatusTooManyRequests, post("peer-1").StatusCode)
	assert.Equal(t, http.StatusOK, post("peer-2").StatusCode, "other peers keep their own budget")

	// The peek must leave the body intact for the handler.
	require.Len(t, seenBodies, 2)
	var probe struct {
		Payload struct {
			PeerID string `json:"peer_id"`
		} `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(seenBodies[0], &probe))
	assert.Equal(t, "peer-1", probe.Payload.PeerID)
}

func TestMiddlewareFallsBackToClientAddress(t *testing.T) {
	rl := newTestLimiter(t, 1, nil)

	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	server := httptest.NewServer(handler)
	defer server.Close()

	post := func(body string) int {
		resp, err := http.Post(server.URL, "application/json", bytes.NewReader([]byte(body)))
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	// Unparseable bodies share the client-address budget.
	assert.Equal(t, http.StatusOK, post("not json"))
	assert.Equal(t, http.StatusTooManyRequests, post("still not json"))
}

func TestMiddlewareSetsRetryAfter(t *testing.T) {
	rl := newTestLimiter(t, 1, nil)

	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	server := httptest.NewServer(handler)
	defer server.Close()

	resp, err := http.Post(server.URL, "application/json", envelopeBody(t, "peer-1"))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(server.URL, "application/json", envelopeBody(t, "peer-1"))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body struct {
		Error             string `json:"error"`
		RetryAfterSeconds int    `json:"retry_after_seconds"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "rate limit exceeded", body.Error)
	assert.Greater(t, body.RetryAfterSeconds, 0)
}
