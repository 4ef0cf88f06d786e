// Package api exposes Forge over HTTP: the three federation endpoints peers
// talk to, the discovery document, and the operator admin surface. Handlers
// translate between the wire and the engine; all policy lives below them.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/forgegraph/forge-core/internal/cache"
	"github.com/forgegraph/forge-core/internal/circuitbreaker"
	"github.com/forgegraph/forge-core/internal/fabric"
	"github.com/forgegraph/forge-core/internal/federation"
	"github.com/forgegraph/forge-core/internal/middleware"
	"github.com/forgegraph/forge-core/internal/nonce"
	"github.com/forgegraph/forge-core/internal/scheduler"
	"github.com/forgegraph/forge-core/internal/session"
	"github.com/forgegraph/forge-core/internal/snapshot"
	"github.com/forgegraph/forge-core/internal/sync"
	"github.com/forgegraph/forge-core/internal/trust"
	"github.com/forgegraph/forge-core/internal/webhooks"
)

// DefaultMaxBodyBytes caps federation request bodies. A full sync page of
// 1000 capsules stays well under this.
const DefaultMaxBodyBytes = 16 << 20

// Config tunes the HTTP server around the handlers.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// MaxBodyBytes limits federation request bodies; zero means
	// DefaultMaxBodyBytes.
	MaxBodyBytes int64

	// StreamEnabled mounts the websocket event stream under /admin/stream.
	StreamEnabled bool
}

// Deps carries the components the server fronts. Nil entries are tolerated;
// their routes answer 503 so a partially configured instance still serves
// what it has.
type Deps struct {
	Engine     *sync.Engine
	Opener     *federation.Opener
	Sealer     *federation.Sealer
	Handshaker *federation.Handshaker
	Discovery  *federation.DiscoveryDocument
	Trust      *trust.Manager
	Breakers   *circuitbreaker.Registry
	Scheduler  *scheduler.Scheduler
	Cache      *cache.QueryCache
	Nonces     nonce.Store
	Sessions   *session.Service
	Webhooks   *webhooks.Registry
	Snapshots  *snapshot.Service
	Hub        *fabric.Hub
	Limiter    *middleware.PeerRateLimiter
	Admin      *middleware.AdminAuth
}

// Server is the HTTP front of a Forge instance.
type Server struct {
	cfg  Config
	deps Deps
	http *http.Server
}

func NewServer(cfg Config, deps Deps) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &Server{cfg: cfg, deps: deps}
}

// Router builds the full route table. Exported so tests can mount it on
// httptest servers without binding a port.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.recoverMiddleware)

	r.HandleFunc(federation.WellKnownPath, s.handleDiscovery).Methods("GET")
	r.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	fed := r.PathPrefix("/federation").Subrouter()
	fed.Use(s.bodyLimitMiddleware)
	if s.deps.Limiter != nil {
		fed.Use(s.deps.Limiter.Middleware)
	}
	fed.HandleFunc("/handshake", s.handleHandshake).Methods("POST")
	fed.HandleFunc("/sync-request", s.handleSyncRequest).Methods("POST")
	fed.HandleFunc("/sync-push", s.handleSyncPush).Methods("POST")

	admin := r.PathPrefix("/admin").Subrouter()
	if s.deps.Admin != nil {
		admin.Use(s.deps.Admin.Middleware)
	}

	admin.HandleFunc("/peers", s.handleListPeers).Methods("GET")
	admin.HandleFunc("/peers", s.handleRegisterPeer).Methods("POST")
	admin.HandleFunc("/peers/{id}", s.handleGetPeer).Methods("GET")
	admin.HandleFunc("/peers/{id}", s.handleUpdatePeer).Methods("PATCH")
	admin.HandleFunc("/peers/{id}", s.handleUnregisterPeer).Methods("DELETE")
	admin.HandleFunc("/peers/{id}/revoke", s.handleRevokePeer).Methods("POST")
	admin.HandleFunc("/peers/{id}/trust", s.handleAdjustTrust).Methods("POST")
	admin.HandleFunc("/peers/{id}/recommendation", s.handleTrustRecommendation).Methods("GET")
	admin.HandleFunc("/peers/{id}/handshake", s.handleOutboundHandshake).Methods("POST")
	admin.HandleFunc("/peers/{id}/sync", s.handleTriggerSync).Methods("POST")
	admin.HandleFunc("/peers/{id}/syncs", s.handleSyncStates).Methods("GET")
	admin.HandleFunc("/peers/{id}/conflicts", s.handleConflicts).Methods("GET")
	admin.HandleFunc("/peers/{id}/entities", s.handleEntityRecords).Methods("GET")

	admin.HandleFunc("/trust/events", s.handleTrustEvents).Methods("GET")

	admin.HandleFunc("/breakers", s.handleBreakers).Methods("GET")
	admin.HandleFunc("/breakers/reset", s.handleBreakerResetAll).Methods("POST")
	admin.HandleFunc("/breakers/{name}/reset", s.handleBreakerReset).Methods("POST")
	admin.HandleFunc("/breakers/{name}/force-open", s.handleBreakerForceOpen).Methods("POST")

	admin.HandleFunc("/tasks", s.handleTasks).Methods("GET")
	admin.HandleFunc("/tasks/{name}/reset", s.handleTaskReset).Methods("POST")
	admin.HandleFunc("/tasks/{name}/run", s.handleTaskRun).Methods("POST")

	admin.HandleFunc("/cache/stats", s.handleCacheStats).Methods("GET")
	admin.HandleFunc("/cache/clear", s.handleCacheClear).Methods("POST")

	admin.HandleFunc("/nonces", s.handleNonceStats).Methods("GET")

	admin.HandleFunc("/sessions/revoke-user", s.handleSessionRevokeUser).Methods("POST")
	admin.HandleFunc("/sessions/cleanup", s.handleSessionCleanup).Methods("POST")
	admin.HandleFunc("/sessions/{jti}/revoke", s.handleSessionRevoke).Methods("POST")
	admin.HandleFunc("/sessions/{jti}/flag", s.handleSessionFlag).Methods("POST")

	admin.HandleFunc("/webhooks", s.handleListWebhooks).Methods("GET")
	admin.HandleFunc("/webhooks", s.handleRegisterWebhook).Methods("POST")
	admin.HandleFunc("/webhooks/{id}", s.handleGetWebhook).Methods("GET")
	admin.HandleFunc("/webhooks/{id}", s.handleUnregisterWebhook).Methods("DELETE")
	admin.HandleFunc("/webhooks/{id}/activate", s.handleActivateWebhook).Methods("POST")

	admin.HandleFunc("/snapshots", s.handleSnapshots).Methods("GET")

	if s.cfg.StreamEnabled && s.deps.Hub != nil {
		admin.HandleFunc("/stream", s.deps.Hub.ServeWS).Methods("GET")
	}

	return r
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	slog.Info("API server listening", "addr", s.cfg.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// ============================================================================
// MIDDLEWARE
// ============================================================================

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("Handler panic", "method", r.Method, "path", r.URL.Path, "panic", rec)
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) bodyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

// ============================================================================
// HEALTH
// ============================================================================

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Status   string                        `json:"status"`
		Breakers *circuitbreaker.HealthSummary `json:"breakers,omitempty"`
	}{Status: "ok"}

	status := http.StatusOK
	if s.deps.Breakers != nil {
		summary := s.deps.Breakers.Health()
		resp.Breakers = &summary
		if !summary.Healthy {
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, resp)
}

// ============================================================================
// HELPERS
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Response encoding failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, out any) error {
	return json.NewDecoder(r.Body).Decode(out)
}

// statusForError maps engine sentinels onto HTTP statuses. Anything the
// engine does not classify is a 500.
func statusForError(err error) int {
	switch {
	case errors.Is(err, sync.ErrPeerNotFound), errors.Is(err, sync.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, sync.ErrPeerExists), errors.Is(err, sync.ErrSyncInProgress):
		return http.StatusConflict
	case errors.Is(err, sync.ErrSyncRefused):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// queryInt reads an integer query parameter, falling back on absence or junk.
func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func queryBool(r *http.Request, key string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return v
}
