package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/forgegraph/forge-core/internal/core"
	"github.com/forgegraph/forge-core/internal/federation"
)

// handleDiscovery serves the public instance document operators fetch before
// registering this instance as a peer.
func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	if s.deps.Discovery == nil {
		writeError(w, http.StatusServiceUnavailable, "discovery document not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Discovery)
}

// handleHandshake answers an inbound peer handshake. The handshake is a bare
// self-signed document, not an envelope: the peer may not be registered yet,
// so there is no pinned key to verify against. Verification failures from a
// peer we do know count against its record.
func (s *Server) handleHandshake(w http.ResponseWriter, r *http.Request) {
	if s.deps.Handshaker == nil || s.deps.Engine == nil {
		writeError(w, http.StatusServiceUnavailable, "federation not configured")
		return
	}

	var incoming federation.PeerHandshake
	if err := decodeJSON(r, &incoming); err != nil {
		writeError(w, http.StatusBadRequest, "malformed handshake: "+err.Error())
		return
	}

	response, err := s.deps.Handshaker.Respond(r.Context(), &incoming)
	if err != nil {
		var verr *federation.VerifyError
		if errors.As(err, &verr) {
			if incoming.InstanceID != "" {
				if _, lookupErr := s.deps.Engine.GetPeer(incoming.InstanceID); lookupErr == nil {
					if faultErr := s.deps.Engine.RecordRemoteFault(r.Context(), incoming.InstanceID, "handshake rejected: "+verr.Reason); faultErr != nil {
						slog.Warn("Handshake fault accounting failed", "peer_id", incoming.InstanceID, "error", faultErr)
					}
				}
			}
			writeError(w, statusForReason(verr.Reason), verr.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "handshake failed")
		return
	}

	s.deps.Engine.ObserveInboundHandshake(r.Context(), &incoming)
	writeJSON(w, http.StatusOK, response)
}

// handleSyncRequest serves one page of local changes to a verified peer. The
// 200 response is itself a sealed envelope so the requester can hold us to
// the same signature discipline.
func (s *Server) handleSyncRequest(w http.ResponseWriter, r *http.Request) {
	if !s.federationReady(w) {
		return
	}

	raw, peer, ok := s.openEnvelope(w, r)
	if !ok {
		return
	}

	var req federation.SyncRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed sync request: "+err.Error())
		return
	}
	if req.PeerID != "" && req.PeerID != peer.ID {
		writeError(w, http.StatusBadRequest, "payload peer id does not match envelope identity")
		return
	}

	page, err := s.deps.Engine.ServeSyncRequest(r.Context(), peer.ID, &req)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}

	s.writeSealed(w, page)
}

// handleSyncPush ingests a page of remote changes from a verified peer.
// Rejections answer with a plain unaccepted ack; accepted pages get a sealed
// one.
func (s *Server) handleSyncPush(w http.ResponseWriter, r *http.Request) {
	if !s.federationReady(w) {
		return
	}

	raw, peer, ok := s.openEnvelope(w, r)
	if !ok {
		return
	}

	var payload federation.SyncPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "malformed sync payload: "+err.Error())
		return
	}

	if _, err := s.deps.Engine.ApplyPush(r.Context(), peer.ID, &payload); err != nil {
		status := statusForError(err)
		if errors.Is(err, federation.ErrContentHashMismatch) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, federation.SyncPushAck{Accepted: false, Reason: err.Error()})
		return
	}

	s.writeSealed(w, federation.SyncPushAck{Accepted: true})
}

func (s *Server) federationReady(w http.ResponseWriter) bool {
	if s.deps.Engine == nil || s.deps.Opener == nil || s.deps.Sealer == nil {
		writeError(w, http.StatusServiceUnavailable, "federation not configured")
		return false
	}
	return true
}

// openEnvelope authenticates a federation request body: decode the signed
// envelope, resolve the claimed sender to a registered peer, verify the
// envelope against that peer's pinned key. A peer without a pinned key is
// refused outright rather than trusted on first use; handshakes pin keys,
// sync traffic never does. Verification failures are recorded against the
// peer before the request is refused.
func (s *Server) openEnvelope(w http.ResponseWriter, r *http.Request) (json.RawMessage, *core.Peer, bool) {
	var env federation.SignedEnvelope
	if err := decodeJSON(r, &env); err != nil {
		writeError(w, http.StatusBadRequest, "malformed envelope: "+err.Error())
		return nil, nil, false
	}

	sender := claimedSender(env.Payload)
	if sender == "" {
		writeError(w, http.StatusBadRequest, "payload carries no peer id")
		return nil, nil, false
	}

	peer, err := s.deps.Engine.GetPeer(sender)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown peer "+sender)
		return nil, nil, false
	}
	if peer.PeerPublicKeyPEM == "" {
		writeError(w, http.StatusForbidden, "no key pinned for peer; handshake first")
		return nil, nil, false
	}

	expectedKey, _, err := federation.ParsePublicKeyPEM(peer.PeerPublicKeyPEM)
	if err != nil {
		slog.Error("Pinned peer key unreadable", "peer_id", peer.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "pinned key unreadable")
		return nil, nil, false
	}

	raw, err := s.deps.Opener.Open(r.Context(), &env, expectedKey)
	if err != nil {
		reason := federation.RejectReason(err)
		if faultErr := s.deps.Engine.RecordRemoteFault(r.Context(), peer.ID, "envelope rejected: "+reason); faultErr != nil {
			slog.Warn("Envelope fault accounting failed", "peer_id", peer.ID, "error", faultErr)
		}
		writeError(w, statusForReason(reason), err.Error())
		return nil, nil, false
	}

	return raw, peer, true
}

// writeSealed signs a response payload into an envelope. Failure to seal is
// a local fault, never the peer's.
func (s *Server) writeSealed(w http.ResponseWriter, payload any) {
	sealed, err := s.deps.Sealer.Seal(payload)
	if err != nil {
		slog.Error("Response sealing failed", "error", err)
		writeError(w, http.StatusInternalServerError, "response sealing failed")
		return
	}
	writeJSON(w, http.StatusOK, sealed)
}

// claimedSender pulls the sender identity out of an unverified payload. Only
// used to pick which pinned key to verify against; the signature check is
// what actually binds the identity.
func claimedSender(raw json.RawMessage) string {
	var probe struct {
		PeerID     string `json:"peer_id"`
		InstanceID string `json:"instance_id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	if probe.PeerID != "" {
		return probe.PeerID
	}
	return probe.InstanceID
}

// statusForReason maps envelope rejection reasons onto statuses: malformed
// input is the sender's encoding problem (400), everything else is an
// authentication failure (401).
func statusForReason(reason string) int {
	if reason == federation.ReasonMalformed {
		return http.StatusBadRequest
	}
	return http.StatusUnauthorized
}
