package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/forgegraph/forge-core/internal/cache"
	"github.com/forgegraph/forge-core/internal/circuitbreaker"
	"github.com/forgegraph/forge-core/internal/core"
	"github.com/forgegraph/forge-core/internal/events"
	"github.com/forgegraph/forge-core/internal/federation"
	"github.com/forgegraph/forge-core/internal/middleware"
	"github.com/forgegraph/forge-core/internal/nonce"
	"github.com/forgegraph/forge-core/internal/scheduler"
	"github.com/forgegraph/forge-core/internal/session"
	"github.com/forgegraph/forge-core/internal/webhooks"
)

func (ti *testInstance) adminURL(path string) string {
	return ti.server.URL + "/admin" + path
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func registerPeerHTTP(t *testing.T, ti *testInstance, id, name string) *core.Peer {
	t.Helper()
	resp := doJSON(t, http.MethodPost, ti.adminURL("/peers"), map[string]any{
		"id": id, "name": name, "base_url": "https://" + id + ".example.org",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var peer core.Peer
	decodeInto(t, resp, &peer)
	return &peer
}

// ============================================================================
// PEER ADMINISTRATION
// ============================================================================

func TestPeerRegistrationAppliesDefaults(t *testing.T) {
	ti := newTestInstance(t)

	resp := doJSON(t, http.MethodPost, ti.adminURL("/peers"), map[string]any{
		"id":                    "peer-a",
		"name":                  "Peer A",
		"base_url":              "https://a.example.org",
		"sync_interval_minutes": 1,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var peer core.Peer
	decodeInto(t, resp, &peer)
	assert.Equal(t, core.PeerPending, peer.Status)
	assert.Equal(t, core.SyncBidirectional, peer.SyncDirection)
	assert.Equal(t, core.PolicyManualReview, peer.ConflictPolicy)
	assert.Equal(t, core.MinSyncIntervalMinutes, peer.SyncIntervalMinutes, "interval below the floor is clamped")
	assert.InDelta(t, 0.3, peer.TrustScore, 1e-9)

	list := doJSON(t, http.MethodGet, ti.adminURL("/peers"), nil)
	require.Equal(t, http.StatusOK, list.StatusCode)
	var listing struct {
		Count int `json:"count"`
	}
	decodeInto(t, list, &listing)
	assert.Equal(t, 1, listing.Count)
}

func TestPeerRegistrationValidation(t *testing.T) {
	ti := newTestInstance(t)

	cases := []struct {
		name string
		body map[string]any
		want int
	}{
		{"missing name", map[string]any{"base_url": "https://x.example.org"}, http.StatusBadRequest},
		{"bad scheme", map[string]any{"name": "x", "base_url": "ftp://x.example.org"}, http.StatusBadRequest},
		{"no url", map[string]any{"name": "x"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := doJSON(t, http.MethodPost, ti.adminURL("/peers"), tc.body)
			assert.Equal(t, tc.want, resp.StatusCode)
		})
	}

	registerPeerHTTP(t, ti, "peer-a", "Peer A")
	dup := doJSON(t, http.MethodPost, ti.adminURL("/peers"), map[string]any{
		"id": "peer-a", "name": "Copycat", "base_url": "https://copy.example.org",
	})
	assert.Equal(t, http.StatusConflict, dup.StatusCode)
}

func TestPeerPatch(t *testing.T) {
	ti := newTestInstance(t)
	registerPeerHTTP(t, ti, "peer-a", "Peer A")

	resp := doJSON(t, http.MethodPatch, ti.adminURL("/peers/peer-a"), map[string]any{
		"sync_direction":        "PULL",
		"sync_interval_minutes": 2,
		"description":           "pull-only mirror",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var peer core.Peer
	decodeInto(t, resp, &peer)
	assert.Equal(t, core.SyncPull, peer.SyncDirection)
	assert.Equal(t, core.MinSyncIntervalMinutes, peer.SyncIntervalMinutes)
	assert.Equal(t, "pull-only mirror", peer.Description)

	bad := doJSON(t, http.MethodPatch, ti.adminURL("/peers/peer-a"), map[string]any{"sync_direction": "SIDEWAYS"})
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)

	badURL := doJSON(t, http.MethodPatch, ti.adminURL("/peers/peer-a"), map[string]any{"base_url": "ftp://x.example.org"})
	assert.Equal(t, http.StatusBadRequest, badURL.StatusCode)

	badStatus := doJSON(t, http.MethodPatch, ti.adminURL("/peers/peer-a"), map[string]any{"status": "REVOKED"})
	assert.Equal(t, http.StatusBadRequest, badStatus.StatusCode, "revocation has its own endpoint")

	ghost := doJSON(t, http.MethodPatch, ti.adminURL("/peers/peer-ghost"), map[string]any{"description": "x"})
	assert.Equal(t, http.StatusNotFound, ghost.StatusCode)
}

func TestPeerUnregister(t *testing.T) {
	ti := newTestInstance(t)
	registerPeerHTTP(t, ti, "peer-a", "Peer A")

	del := doJSON(t, http.MethodDelete, ti.adminURL("/peers/peer-a"), nil)
	require.Equal(t, http.StatusOK, del.StatusCode)
	var body map[string]string
	decodeInto(t, del, &body)
	assert.Equal(t, "peer-a", body["deleted"])

	gone := doJSON(t, http.MethodGet, ti.adminURL("/peers/peer-a"), nil)
	assert.Equal(t, http.StatusNotFound, gone.StatusCode)
}

func TestRevokedPeerIsImmutable(t *testing.T) {
	ti := newTestInstance(t)
	registerPeerHTTP(t, ti, "peer-a", "Peer A")

	resp := doJSON(t, http.MethodPost, ti.adminURL("/peers/peer-a/revoke"), map[string]any{"reason": "key leaked"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var peer core.Peer
	decodeInto(t, resp, &peer)
	assert.Equal(t, core.PeerRevoked, peer.Status)

	patch := doJSON(t, http.MethodPatch, ti.adminURL("/peers/peer-a"), map[string]any{"name": "Renamed"})
	assert.Equal(t, http.StatusConflict, patch.StatusCode)

	syncResp := doJSON(t, http.MethodPost, ti.adminURL("/peers/peer-a/sync"), nil)
	assert.Equal(t, http.StatusForbidden, syncResp.StatusCode)
	assert.Contains(t, errorBody(t, syncResp), "revoked")
}

// ============================================================================
// TRUST ADMINISTRATION
// ============================================================================

func TestTrustAdjustmentAndEvents(t *testing.T) {
	ti := newTestInstance(t)
	registerPeerHTTP(t, ti, "peer-a", "Peer A")

	resp := doJSON(t, http.MethodPost, ti.adminURL("/peers/peer-a/trust"), map[string]any{
		"delta": 0.2, "reason": "manual vetting",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var peer core.Peer
	decodeInto(t, resp, &peer)
	assert.InDelta(t, 0.5, peer.TrustScore, 1e-9)

	zero := doJSON(t, http.MethodPost, ti.adminURL("/peers/peer-a/trust"), map[string]any{"delta": 0})
	assert.Equal(t, http.StatusBadRequest, zero.StatusCode)

	eventsResp := doJSON(t, http.MethodGet, ti.adminURL("/trust/events?peer_id=peer-a"), nil)
	require.Equal(t, http.StatusOK, eventsResp.StatusCode)
	var audit struct {
		Count int `json:"count"`
	}
	decodeInto(t, eventsResp, &audit)
	assert.GreaterOrEqual(t, audit.Count, 1)
}

func TestTrustRecommendationForQuietPeer(t *testing.T) {
	ti := newTestInstance(t)
	registerPeerHTTP(t, ti, "peer-a", "Peer A")

	resp := doJSON(t, http.MethodGet, ti.adminURL("/peers/peer-a/recommendation"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		PeerID      string `json:"peer_id"`
		Recommended bool   `json:"recommended"`
	}
	decodeInto(t, resp, &body)
	assert.Equal(t, "peer-a", body.PeerID)
	assert.False(t, body.Recommended, "no history, nothing to recommend")
}

// ============================================================================
// SYNC OPERATIONS
// ============================================================================

func TestTriggerSyncValidation(t *testing.T) {
	ti := newTestInstance(t)

	ghost := doJSON(t, http.MethodPost, ti.adminURL("/peers/peer-ghost/sync"), nil)
	assert.Equal(t, http.StatusNotFound, ghost.StatusCode)

	registerPeerHTTP(t, ti, "peer-a", "Peer A")
	bad := doJSON(t, http.MethodPost, ti.adminURL("/peers/peer-a/sync"), map[string]any{"direction": "sideways"})
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)

	suspend := doJSON(t, http.MethodPost, ti.adminURL("/peers/peer-a/trust"), map[string]any{
		"delta": -0.25, "reason": "repeated abuse",
	})
	require.Equal(t, http.StatusOK, suspend.StatusCode)

	refused := doJSON(t, http.MethodPost, ti.adminURL("/peers/peer-a/sync"), nil)
	assert.Equal(t, http.StatusForbidden, refused.StatusCode)
	assert.Contains(t, errorBody(t, refused), "suspended")
}

func TestSyncHistoryEndpoints(t *testing.T) {
	ti := newTestInstance(t)
	registerPeerHTTP(t, ti, "peer-a", "Peer A")

	for _, path := range []string{"/peers/peer-a/syncs", "/peers/peer-a/conflicts", "/peers/peer-a/entities"} {
		resp := doJSON(t, http.MethodGet, ti.adminURL(path), nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	missing := doJSON(t, http.MethodGet, ti.adminURL("/peers/peer-ghost/syncs"), nil)
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

// ============================================================================
// BREAKERS AND TASKS
// ============================================================================

func TestBreakerAdministration(t *testing.T) {
	registry := circuitbreaker.NewRegistry(nil)
	registry.Neo4j()
	ti := newTestInstance(t, func(_ *Config, d *Deps) { d.Breakers = registry })

	listing := doJSON(t, http.MethodGet, ti.adminURL("/breakers"), nil)
	require.Equal(t, http.StatusOK, listing.StatusCode)
	var overview struct {
		Health   circuitbreaker.HealthSummary     `json:"health"`
		Breakers map[string]circuitbreaker.Status `json:"breakers"`
	}
	decodeInto(t, listing, &overview)
	assert.True(t, overview.Health.Healthy)
	require.Contains(t, overview.Breakers, "neo4j")

	forced := doJSON(t, http.MethodPost, ti.adminURL("/breakers/neo4j/force-open"), map[string]any{"recovery_seconds": 60})
	require.Equal(t, http.StatusOK, forced.StatusCode)
	var status circuitbreaker.Status
	decodeInto(t, forced, &status)
	assert.Equal(t, "OPEN", status.State)

	health, err := http.Get(ti.server.URL + "/healthz")
	require.NoError(t, err)
	health.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, health.StatusCode, "open breaker degrades readiness")

	reset := doJSON(t, http.MethodPost, ti.adminURL("/breakers/neo4j/reset"), nil)
	require.Equal(t, http.StatusOK, reset.StatusCode)
	decodeInto(t, reset, &status)
	assert.Equal(t, "CLOSED", status.State)

	ghost := doJSON(t, http.MethodPost, ti.adminURL("/breakers/ghost/reset"), nil)
	assert.Equal(t, http.StatusNotFound, ghost.StatusCode)

	all := doJSON(t, http.MethodPost, ti.adminURL("/breakers/reset"), nil)
	require.Equal(t, http.StatusOK, all.StatusCode)
	var resetBody struct {
		Reset int `json:"reset"`
	}
	decodeInto(t, all, &resetBody)
	assert.Equal(t, 1, resetBody.Reset)
}

func TestTaskAdministration(t *testing.T) {
	sched := scheduler.New(nil, nil)
	require.NoError(t, sched.Register("heartbeat", func(ctx context.Context) error { return nil }, time.Hour, true))
	require.NoError(t, sched.Register("flaky", func(ctx context.Context) error { return errors.New("boom") }, time.Hour, true))
	ti := newTestInstance(t, func(_ *Config, d *Deps) { d.Scheduler = sched })

	listing := doJSON(t, http.MethodGet, ti.adminURL("/tasks"), nil)
	require.Equal(t, http.StatusOK, listing.StatusCode)
	var tasks struct {
		Count int `json:"count"`
	}
	decodeInto(t, listing, &tasks)
	assert.Equal(t, 2, tasks.Count)

	run := doJSON(t, http.MethodPost, ti.adminURL("/tasks/heartbeat/run"), nil)
	require.Equal(t, http.StatusOK, run.StatusCode)
	var ran struct {
		Task scheduler.TaskStatus `json:"task"`
	}
	decodeInto(t, run, &ran)
	assert.Equal(t, uint64(1), ran.Task.RunCount)

	failed := doJSON(t, http.MethodPost, ti.adminURL("/tasks/flaky/run"), nil)
	assert.Equal(t, http.StatusInternalServerError, failed.StatusCode)
	var failedBody struct {
		Task  scheduler.TaskStatus `json:"task"`
		Error string               `json:"error"`
	}
	decodeInto(t, failed, &failedBody)
	assert.Contains(t, failedBody.Error, "boom")
	assert.Equal(t, uint64(1), failedBody.Task.ErrorCount)

	ghost := doJSON(t, http.MethodPost, ti.adminURL("/tasks/ghost/run"), nil)
	assert.Equal(t, http.StatusNotFound, ghost.StatusCode)

	reset := doJSON(t, http.MethodPost, ti.adminURL("/tasks/flaky/reset"), nil)
	require.Equal(t, http.StatusOK, reset.StatusCode)
	var after scheduler.TaskStatus
	decodeInto(t, reset, &after)
	assert.Zero(t, after.ErrorCount)
}

// ============================================================================
// PLATFORM SERVICES
// ============================================================================

func TestSessionAdministration(t *testing.T) {
	svc := session.NewService(session.Config{}, session.NewMemoryStore(), nil, nil, nil)
	ti := newTestInstance(t, func(_ *Config, d *Deps) { d.Sessions = svc })

	ctx := context.Background()
	for _, jti := range []string{"jti-1", "jti-2"} {
		_, err := svc.Create(ctx, session.CreateInput{
			JTI: jti, UserID: "user-1", TokenType: "access",
			ExpiresAt: time.Now().Add(time.Hour),
		})
		require.NoError(t, err)
	}

	revoke := doJSON(t, http.MethodPost, ti.adminURL("/sessions/jti-1/revoke"), nil)
	require.Equal(t, http.StatusOK, revoke.StatusCode)

	again := doJSON(t, http.MethodPost, ti.adminURL("/sessions/jti-1/revoke"), nil)
	assert.Equal(t, http.StatusNotFound, again.StatusCode, "already revoked")

	ghostRevoke := doJSON(t, http.MethodPost, ti.adminURL("/sessions/jti-ghost/revoke"), nil)
	assert.Equal(t, http.StatusNotFound, ghostRevoke.StatusCode)

	flagGhost := doJSON(t, http.MethodPost, ti.adminURL("/sessions/jti-ghost/flag"), nil)
	assert.Equal(t, http.StatusNotFound, flagGhost.StatusCode)

	missingUser := doJSON(t, http.MethodPost, ti.adminURL("/sessions/revoke-user"), map[string]any{})
	assert.Equal(t, http.StatusBadRequest, missingUser.StatusCode)

	byUser := doJSON(t, http.MethodPost, ti.adminURL("/sessions/revoke-user"), map[string]any{"user_id": "user-1"})
	require.Equal(t, http.StatusOK, byUser.StatusCode)
	var revoked struct {
		Revoked int    `json:"revoked"`
		UserID  string `json:"user_id"`
	}
	decodeInto(t, byUser, &revoked)
	assert.Equal(t, 1, revoked.Revoked, "jti-2 was the only live session left")
	assert.Equal(t, "user-1", revoked.UserID)

	cleanup := doJSON(t, http.MethodPost, ti.adminURL("/sessions/cleanup"), nil)
	require.Equal(t, http.StatusOK, cleanup.StatusCode)
	var swept struct {
		Expired int `json:"expired"`
	}
	decodeInto(t, cleanup, &swept)
	assert.Zero(t, swept.Expired)
}

func TestWebhookAdministration(t *testing.T) {
	ti := newTestInstance(t, func(_ *Config, d *Deps) { d.Webhooks = webhooks.NewRegistry() })

	created := doJSON(t, http.MethodPost, ti.adminURL("/webhooks"), map[string]any{
		"url":    "https://hooks.example.org/forge",
		"events": []string{"sync.completed"},
	})
	require.Equal(t, http.StatusCreated, created.StatusCode)
	var sub webhooks.Subscription
	decodeInto(t, created, &sub)
	assert.NotEmpty(t, sub.ID)
	assert.True(t, sub.Active)
	assert.Contains(t, sub.Events, events.EventSyncCompleted)

	invalid := doJSON(t, http.MethodPost, ti.adminURL("/webhooks"), map[string]any{
		"url": "not-a-url", "events": []string{"sync.completed"},
	})
	assert.Equal(t, http.StatusBadRequest, invalid.StatusCode)

	noEvents := doJSON(t, http.MethodPost, ti.adminURL("/webhooks"), map[string]any{
		"url": "https://hooks.example.org/forge", "events": []string{},
	})
	assert.Equal(t, http.StatusBadRequest, noEvents.StatusCode)

	fetched := doJSON(t, http.MethodGet, ti.adminURL("/webhooks/"+sub.ID), nil)
	assert.Equal(t, http.StatusOK, fetched.StatusCode)

	activated := doJSON(t, http.MethodPost, ti.adminURL("/webhooks/"+sub.ID+"/activate"), nil)
	require.Equal(t, http.StatusOK, activated.StatusCode)
	decodeInto(t, activated, &sub)
	assert.True(t, sub.Active)

	deleted := doJSON(t, http.MethodDelete, ti.adminURL("/webhooks/"+sub.ID), nil)
	require.Equal(t, http.StatusOK, deleted.StatusCode)
	gone := doJSON(t, http.MethodGet, ti.adminURL("/webhooks/"+sub.ID), nil)
	assert.Equal(t, http.StatusNotFound, gone.StatusCode)
}

func TestCacheAndNonceStats(t *testing.T) {
	ti := newTestInstance(t, func(_ *Config, d *Deps) {
		d.Cache = cache.New(cache.Options{})
		d.Nonces = nonce.NewMemoryStore(nonce.Config{}, nil)
	})

	stats := doJSON(t, http.MethodGet, ti.adminURL("/cache/stats"), nil)
	require.Equal(t, http.StatusOK, stats.StatusCode)
	var cacheStats cache.Stats
	decodeInto(t, stats, &cacheStats)
	assert.Equal(t, "memory", cacheStats.Backend)

	cleared := doJSON(t, http.MethodPost, ti.adminURL("/cache/clear"), nil)
	require.Equal(t, http.StatusOK, cleared.StatusCode)
	var clearBody struct {
		Cleared int `json:"cleared"`
	}
	decodeInto(t, cleared, &clearBody)
	assert.Zero(t, clearBody.Cleared)

	nonces := doJSON(t, http.MethodGet, ti.adminURL("/nonces"), nil)
	require.Equal(t, http.StatusOK, nonces.StatusCode)
	var nonceStats nonce.Stats
	decodeInto(t, nonces, &nonceStats)
	assert.Equal(t, "memory", nonceStats.Backend)
}

// ============================================================================
// AUTHENTICATION
// ============================================================================

func TestAdminKeyGatesOperatorSurface(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("forge-admin-key"), bcrypt.MinCost)
	require.NoError(t, err)
	ti := newTestInstance(t, func(_ *Config, d *Deps) {
		d.Admin = middleware.NewAdminAuth(string(hash))
	})

	bare := doJSON(t, http.MethodGet, ti.adminURL("/peers"), nil)
	assert.Equal(t, http.StatusUnauthorized, bare.StatusCode)

	req, err := http.NewRequest(http.MethodGet, ti.adminURL("/peers"), nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer forge-admin-key")
	authed, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer authed.Body.Close()
	assert.Equal(t, http.StatusOK, authed.StatusCode)

	public, err := http.Get(ti.server.URL + federation.WellKnownPath)
	require.NoError(t, err)
	public.Body.Close()
	assert.Equal(t, http.StatusOK, public.StatusCode, "discovery stays open")
}

func TestUnconfiguredAdminDepsAnswer503(t *testing.T) {
	ts := httptest.NewServer(NewServer(Config{}, Deps{}).Router())
	t.Cleanup(ts.Close)

	gets := []string{
		"/admin/peers",
		"/admin/trust/events",
		"/admin/breakers",
		"/admin/tasks",
		"/admin/cache/stats",
		"/admin/nonces",
		"/admin/webhooks",
		"/admin/snapshots",
	}
	for _, path := range gets {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err, path)
		resp.Body.Close()
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, path)
	}

	cleanup := doJSON(t, http.MethodPost, ts.URL+"/admin/sessions/cleanup", nil)
	assert.Equal(t, http.StatusServiceUnavailable, cleanup.StatusCode)
}
