package api

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/forgegraph/forge-core/internal/core"
	"github.com/forgegraph/forge-core/internal/session"
	"github.com/forgegraph/forge-core/internal/sync"
	"github.com/forgegraph/forge-core/internal/trust"
	"github.com/forgegraph/forge-core/internal/webhooks"
)

// defaultActor is recorded on audited operations when the request names
// nobody.
const defaultActor = "admin"

// ============================================================================
// PEERS
// ============================================================================

func (s *Server) handleListPeers(w http.ResponseWriter, r *http.Request) {
	if !s.engineReady(w) {
		return
	}
	peers := s.deps.Engine.ListPeers()
	writeJSON(w, http.StatusOK, map[string]any{"peers": peers, "count": len(peers)})
}

func (s *Server) handleRegisterPeer(w http.ResponseWriter, r *http.Request) {
	if !s.engineReady(w) {
		return
	}
	var peer core.Peer
	if err := decodeJSON(r, &peer); err != nil {
		writeError(w, http.StatusBadRequest, "malformed peer: "+err.Error())
		return
	}

	registered, err := s.deps.Engine.RegisterPeer(r.Context(), &peer)
	if err != nil {
		if errors.Is(err, sync.ErrPeerExists) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, registered)
}

func (s *Server) handleGetPeer(w http.ResponseWriter, r *http.Request) {
	if !s.engineReady(w) {
		return
	}
	peer, err := s.deps.Engine.GetPeer(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, peer)
}

// peerPatch carries the mutable peer fields. Pointer fields distinguish
// "leave alone" from "set to zero".
type peerPatch struct {
	Name                *string              `json:"name"`
	BaseURL             *string              `json:"base_url"`
	Status              *core.PeerStatus     `json:"status"`
	SyncDirection       *core.SyncDirection  `json:"sync_direction"`
	ConflictPolicy      *core.ConflictPolicy `json:"conflict_policy"`
	SyncIntervalMinutes *int                 `json:"sync_interval_minutes"`
	MinTrustToSync      *int                 `json:"min_trust_to_sync"`
	AllowedEntityTypes  *[]string            `json:"allowed_entity_types"`
	Description         *string              `json:"description"`
}

// validate checks the enum fields before any mutation happens.
func (p *peerPatch) validate() error {
	if p.SyncDirection != nil {
		switch *p.SyncDirection {
		case core.SyncPush, core.SyncPull, core.SyncBidirectional:
		default:
			return errors.New("unknown sync direction " + string(*p.SyncDirection))
		}
	}
	if p.ConflictPolicy != nil {
		switch *p.ConflictPolicy {
		case core.PolicyLocalWins, core.PolicyRemoteWins, core.PolicyHigherTrust,
			core.PolicyNewerTimestamp, core.PolicyMerge, core.PolicyManualReview:
		default:
			return errors.New("unknown conflict policy " + string(*p.ConflictPolicy))
		}
	}
	if p.Status != nil {
		// Revocation and handshake promotion own the other transitions.
		switch *p.Status {
		case core.PeerActive, core.PeerSuspended, core.PeerOffline:
		default:
			return errors.New("status can only be set to ACTIVE, SUSPENDED, or OFFLINE")
		}
	}
	if p.Name != nil && strings.TrimSpace(*p.Name) == "" {
		return errors.New("peer name cannot be blank")
	}
	return nil
}

func (s *Server) handleUpdatePeer(w http.ResponseWriter, r *http.Request) {
	if !s.engineReady(w) {
		return
	}
	id := mux.Vars(r)["id"]

	var patch peerPatch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "malformed patch: "+err.Error())
		return
	}
	if err := patch.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var baseURL string
	if patch.BaseURL != nil {
		normalized, err := s.deps.Engine.ValidateBaseURL(*patch.BaseURL)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		baseURL = normalized
	}

	updated, err := s.deps.Engine.UpdatePeer(r.Context(), id, func(peer *core.Peer) error {
		if peer.Status == core.PeerRevoked {
			return errRevokedPeer
		}
		if patch.Name != nil {
			peer.Name = strings.TrimSpace(*patch.Name)
		}
		if patch.BaseURL != nil {
			peer.BaseURL = baseURL
		}
		if patch.Status != nil {
			peer.Status = *patch.Status
		}
		if patch.SyncDirection != nil {
			peer.SyncDirection = *patch.SyncDirection
		}
		if patch.ConflictPolicy != nil {
			peer.ConflictPolicy = *patch.ConflictPolicy
		}
		if patch.SyncIntervalMinutes != nil {
			peer.SyncIntervalMinutes = *patch.SyncIntervalMinutes
		}
		if patch.MinTrustToSync != nil {
			peer.MinTrustToSync = *patch.MinTrustToSync
		}
		if patch.AllowedEntityTypes != nil {
			peer.AllowedEntityTypes = *patch.AllowedEntityTypes
		}
		if patch.Description != nil {
			peer.Description = *patch.Description
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errRevokedPeer) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

var errRevokedPeer = errors.New("revoked peers cannot be modified")

func (s *Server) handleUnregisterPeer(w http.ResponseWriter, r *http.Request) {
	if !s.engineReady(w) {
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.deps.Engine.UnregisterPeer(r.Context(), id); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

func (s *Server) handleRevokePeer(w http.ResponseWriter, r *http.Request) {
	if !s.engineReady(w) {
		return
	}
	var req struct {
		Reason string `json:"reason"`
		By     string `json:"by"`
	}
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "malformed request: "+err.Error())
		return
	}
	if req.By == "" {
		req.By = defaultActor
	}

	peer, err := s.deps.Engine.RevokePeer(r.Context(), mux.Vars(r)["id"], req.Reason, req.By)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, peer)
}

// ============================================================================
// TRUST
// ============================================================================

func (s *Server) handleAdjustTrust(w http.ResponseWriter, r *http.Request) {
	if !s.engineReady(w) {
		return
	}
	var req struct {
		Delta  float64 `json:"delta"`
		Reason string  `json:"reason"`
		By     string  `json:"by"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request: "+err.Error())
		return
	}
	if req.Delta == 0 {
		writeError(w, http.StatusBadRequest, "delta is required and cannot be zero")
		return
	}
	if req.By == "" {
		req.By = defaultActor
	}

	peer, err := s.deps.Engine.AdjustTrust(r.Context(), mux.Vars(r)["id"], req.Delta, req.Reason, req.By)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, peer)
}

func (s *Server) handleTrustRecommendation(w http.ResponseWriter, r *http.Request) {
	if !s.engineReady(w) {
		return
	}
	id := mux.Vars(r)["id"]
	rec, ok, err := s.deps.Engine.RecommendTrustAdjustment(id)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}

	resp := map[string]any{"peer_id": id, "recommended": ok}
	if ok {
		resp["recommendation"] = rec
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTrustEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Trust == nil {
		writeError(w, http.StatusServiceUnavailable, "trust manager not configured")
		return
	}
	limit := queryInt(r, "limit", 50)
	peerID := r.URL.Query().Get("peer_id")

	var events []trust.Event
	if peerID != "" {
		events = s.deps.Trust.Events(peerID, limit)
	} else {
		events = s.deps.Trust.AllEvents(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

// ============================================================================
// SYNC OPERATIONS
// ============================================================================

func (s *Server) handleOutboundHandshake(w http.ResponseWriter, r *http.Request) {
	if !s.engineReady(w) {
		return
	}
	id := mux.Vars(r)["id"]
	negotiated, err := s.deps.Engine.HandshakeWithPeer(r.Context(), id)
	if err != nil {
		status := statusForError(err)
		if status == http.StatusInternalServerError {
			// The failure happened talking to the peer, not locally.
			status = http.StatusBadGateway
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, negotiated)
}

func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	if !s.engineReady(w) {
		return
	}
	var req struct {
		Direction string `json:"direction"`
		Force     bool   `json:"force"`
	}
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "malformed request: "+err.Error())
		return
	}

	direction := core.SyncDirection(strings.ToUpper(strings.TrimSpace(req.Direction)))
	switch direction {
	case "", core.SyncPush, core.SyncPull, core.SyncBidirectional:
	default:
		writeError(w, http.StatusBadRequest, "unknown sync direction "+req.Direction)
		return
	}

	state, err := s.deps.Engine.SyncWithPeer(r.Context(), mux.Vars(r)["id"], direction, req.Force)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleSyncStates(w http.ResponseWriter, r *http.Request) {
	if !s.engineReady(w) {
		return
	}
	id := mux.Vars(r)["id"]
	if _, err := s.deps.Engine.GetPeer(id); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}

	states, err := s.deps.Engine.SyncStates(r.Context(), id, queryInt(r, "limit", 20))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"syncs": states, "count": len(states)})
}

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	if !s.engineReady(w) {
		return
	}
	id := mux.Vars(r)["id"]
	if _, err := s.deps.Engine.GetPeer(id); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}

	conflicts, err := s.deps.Engine.Conflicts(r.Context(), id, queryBool(r, "unresolved"), queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts, "count": len(conflicts)})
}

func (s *Server) handleEntityRecords(w http.ResponseWriter, r *http.Request) {
	if !s.engineReady(w) {
		return
	}
	id := mux.Vars(r)["id"]
	if _, err := s.deps.Engine.GetPeer(id); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}

	records, err := s.deps.Engine.EntityRecords(r.Context(), id, queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entities": records, "count": len(records)})
}

// ============================================================================
// BREAKERS
// ============================================================================

func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	if !s.breakersReady(w) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"health":   s.deps.Breakers.Health(),
		"breakers": s.deps.Breakers.AllStatus(),
	})
}

func (s *Server) handleBreakerResetAll(w http.ResponseWriter, r *http.Request) {
	if !s.breakersReady(w) {
		return
	}
	s.deps.Breakers.ResetAll()
	writeJSON(w, http.StatusOK, map[string]any{"reset": len(s.deps.Breakers.Names())})
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	if !s.breakersReady(w) {
		return
	}
	name := mux.Vars(r)["name"]
	cb, ok := s.deps.Breakers.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown breaker "+name)
		return
	}
	cb.Reset()
	writeJSON(w, http.StatusOK, cb.Status())
}

func (s *Server) handleBreakerForceOpen(w http.ResponseWriter, r *http.Request) {
	if !s.breakersReady(w) {
		return
	}
	var req struct {
		RecoverySeconds int `json:"recovery_seconds"`
	}
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "malformed request: "+err.Error())
		return
	}
	if req.RecoverySeconds <= 0 {
		req.RecoverySeconds = 30
	}

	name := mux.Vars(r)["name"]
	cb, ok := s.deps.Breakers.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown breaker "+name)
		return
	}
	cb.ForceOpen(time.Duration(req.RecoverySeconds) * time.Second)
	writeJSON(w, http.StatusOK, cb.Status())
}

// ============================================================================
// SCHEDULER TASKS
// ============================================================================

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if !s.schedulerReady(w) {
		return
	}
	tasks := s.deps.Scheduler.AllStatus()
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleTaskReset(w http.ResponseWriter, r *http.Request) {
	if !s.schedulerReady(w) {
		return
	}
	name := mux.Vars(r)["name"]
	if err := s.deps.Scheduler.ResetTask(name); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	status, _ := s.deps.Scheduler.TaskStatus(name)
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleTaskRun(w http.ResponseWriter, r *http.Request) {
	if !s.schedulerReady(w) {
		return
	}
	name := mux.Vars(r)["name"]
	if _, ok := s.deps.Scheduler.TaskStatus(name); !ok {
		writeError(w, http.StatusNotFound, "unknown task "+name)
		return
	}

	runErr := s.deps.Scheduler.RunTaskNow(r.Context(), name)
	status, _ := s.deps.Scheduler.TaskStatus(name)
	resp := map[string]any{"task": status}
	if runErr != nil {
		resp["error"] = runErr.Error()
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ============================================================================
// CACHE AND NONCES
// ============================================================================

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cache == nil {
		writeError(w, http.StatusServiceUnavailable, "query cache not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Cache.Stats())
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cache == nil {
		writeError(w, http.StatusServiceUnavailable, "query cache not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": s.deps.Cache.ClearAll(r.Context())})
}

func (s *Server) handleNonceStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Nonces == nil {
		writeError(w, http.StatusServiceUnavailable, "nonce store not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Nonces.Stats())
}

// ============================================================================
// SESSIONS
// ============================================================================

func (s *Server) handleSessionRevoke(w http.ResponseWriter, r *http.Request) {
	if !s.sessionsReady(w) {
		return
	}
	jti := mux.Vars(r)["jti"]
	req := struct {
		Reason string `json:"reason"`
	}{Reason: "revoked by operator"}
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "malformed request: "+err.Error())
		return
	}

	found, err := s.deps.Sessions.RevokeSession(r.Context(), jti, req.Reason)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown session "+jti)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "unknown session "+jti)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked": true, "jti": jti})
}

func (s *Server) handleSessionFlag(w http.ResponseWriter, r *http.Request) {
	if !s.sessionsReady(w) {
		return
	}
	jti := mux.Vars(r)["jti"]
	req := struct {
		Reason string `json:"reason"`
	}{Reason: "flagged by operator"}
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "malformed request: "+err.Error())
		return
	}

	if err := s.deps.Sessions.FlagSuspicious(r.Context(), jti, req.Reason); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown session "+jti)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"flagged": true, "jti": jti})
}

func (s *Server) handleSessionRevokeUser(w http.ResponseWriter, r *http.Request) {
	if !s.sessionsReady(w) {
		return
	}
	var req struct {
		UserID    string `json:"user_id"`
		ExceptJTI string `json:"except_jti"`
		Reason    string `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request: "+err.Error())
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if req.Reason == "" {
		req.Reason = "revoked by operator"
	}

	n, err := s.deps.Sessions.RevokeUserSessions(r.Context(), req.UserID, req.ExceptJTI, req.Reason)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked": n, "user_id": req.UserID})
}

func (s *Server) handleSessionCleanup(w http.ResponseWriter, r *http.Request) {
	if !s.sessionsReady(w) {
		return
	}
	n, err := s.deps.Sessions.CleanupExpired(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"expired": n})
}

// ============================================================================
// WEBHOOKS
// ============================================================================

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	if !s.webhooksReady(w) {
		return
	}
	subs := s.deps.Webhooks.ListAll()
	writeJSON(w, http.StatusOK, map[string]any{"webhooks": subs, "count": len(subs)})
}

func (s *Server) handleRegisterWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.webhooksReady(w) {
		return
	}
	var sub webhooks.Subscription
	if err := decodeJSON(r, &sub); err != nil {
		writeError(w, http.StatusBadRequest, "malformed subscription: "+err.Error())
		return
	}
	if err := s.deps.Webhooks.Register(&sub); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleGetWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.webhooksReady(w) {
		return
	}
	sub, err := s.deps.Webhooks.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleUnregisterWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.webhooksReady(w) {
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.deps.Webhooks.Unregister(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

func (s *Server) handleActivateWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.webhooksReady(w) {
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.deps.Webhooks.Activate(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	sub, err := s.deps.Webhooks.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// ============================================================================
// SNAPSHOTS
// ============================================================================

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	if s.deps.Snapshots == nil {
		writeError(w, http.StatusServiceUnavailable, "snapshots not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"last":    s.deps.Snapshots.Last(),
		"history": s.deps.Snapshots.History(queryInt(r, "limit", 10)),
	})
}

// ============================================================================
// READINESS GUARDS
// ============================================================================

func (s *Server) engineReady(w http.ResponseWriter) bool {
	if s.deps.Engine == nil {
		writeError(w, http.StatusServiceUnavailable, "sync engine not configured")
		return false
	}
	return true
}

func (s *Server) breakersReady(w http.ResponseWriter) bool {
	if s.deps.Breakers == nil {
		writeError(w, http.StatusServiceUnavailable, "breaker registry not configured")
		return false
	}
	return true
}

func (s *Server) schedulerReady(w http.ResponseWriter) bool {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not configured")
		return false
	}
	return true
}

func (s *Server) sessionsReady(w http.ResponseWriter) bool {
	if s.deps.Sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "session service not configured")
		return false
	}
	return true
}

func (s *Server) webhooksReady(w http.ResponseWriter) bool {
	if s.deps.Webhooks == nil {
		writeError(w, http.StatusServiceUnavailable, "webhook registry not configured")
		return false
	}
	return true
}
