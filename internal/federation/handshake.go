package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/forgegraph/forge-core/internal/metrics"
)

// ============================================================================
// HANDSHAKE WIRE TYPE
// ============================================================================

// Capabilities are the feature flags a peer advertises during handshake.
type Capabilities struct {
	SupportsPush      bool `json:"supports_push"`
	SupportsPull      bool `json:"supports_pull"`
	SupportsStreaming bool `json:"supports_streaming"`
}

// PeerHandshake is the mutual-introduction message. The signature covers the
// canonical form of every field except the signature itself.
type PeerHandshake struct {
	InstanceID               string       `json:"instance_id"`
	Name                     string       `json:"name"`
	APIVersion               string       `json:"api_version"`
	PublicKeyPEM             string       `json:"public_key"`
	Capabilities             Capabilities `json:"capabilities"`
	SuggestedIntervalMinutes int          `json:"suggested_interval_minutes"`
	MaxEntitiesPerSync       int          `json:"max_entities_per_sync"`
	Timestamp                time.Time    `json:"timestamp"`
	Nonce                    uint64       `json:"nonce,omitempty"`
	Signature                []byte       `json:"signature,omitempty"`
}

// canonicalBytes is the signed form: the handshake with a nil signature,
// re-encoded canonically.
func (h *PeerHandshake) canonicalBytes() ([]byte, error) {
	unsigned := *h
	unsigned.Signature = nil
	raw, err := json.Marshal(unsigned)
	if err != nil {
		return nil, err
	}
	return CanonicalJSON(raw)
}

// Sign stamps the signature using the instance's provider.
func (h *PeerHandshake) Sign(provider CryptoProvider) error {
	data, err := h.canonicalBytes()
	if err != nil {
		return fmt.Errorf("canonicalize handshake: %w", err)
	}
	sig, err := provider.Sign(data)
	if err != nil {
		return fmt.Errorf("sign handshake: %w", err)
	}
	h.Signature = sig
	return nil
}

// VerifySelfSigned checks the handshake signature against the public key the
// handshake itself presents.
func (h *PeerHandshake) VerifySelfSigned() (bool, error) {
	key, _, err := ParsePublicKeyPEM(h.PublicKeyPEM)
	if err != nil {
		return false, err
	}
	data, err := h.canonicalBytes()
	if err != nil {
		return false, err
	}
	return VerifySignature(key, data, h.Signature)
}

// ============================================================================
// NEGOTIATION
// ============================================================================

// Negotiated is the effective contract after a handshake: the intersection
// of both sides' capabilities and the most conservative limits.
type Negotiated struct {
	CanPush            bool `json:"can_push"`
	CanPull            bool `json:"can_pull"`
	Streaming          bool `json:"streaming"`
	MaxEntitiesPerSync int  `json:"max_entities_per_sync"`
	IntervalMinutes    int  `json:"interval_minutes"`
}

// Negotiate folds two handshakes into the working agreement. Capability
// flags intersect; max entities takes the smaller bound; the sync interval
// takes the slower suggestion so neither side is polled harder than it asked.
func Negotiate(ours, theirs *PeerHandshake) Negotiated {
	n := Negotiated{
		CanPush:   ours.Capabilities.SupportsPush && theirs.Capabilities.SupportsPush,
		CanPull:   ours.Capabilities.SupportsPull && theirs.Capabilities.SupportsPull,
		Streaming: ours.Capabilities.SupportsStreaming && theirs.Capabilities.SupportsStreaming,
	}

	n.MaxEntitiesPerSync = ours.MaxEntitiesPerSync
	if theirs.MaxEntitiesPerSync > 0 && (n.MaxEntitiesPerSync == 0 || theirs.MaxEntitiesPerSync < n.MaxEntitiesPerSync) {
		n.MaxEntitiesPerSync = theirs.MaxEntitiesPerSync
	}

	n.IntervalMinutes = ours.SuggestedIntervalMinutes
	if theirs.SuggestedIntervalMinutes > n.IntervalMinutes {
		n.IntervalMinutes = theirs.SuggestedIntervalMinutes
	}
	return n
}

// ============================================================================
// HANDSHAKER
// ============================================================================

// InstanceInfo describes this instance on the wire; it feeds handshakes and
// the discovery document.
type InstanceInfo struct {
	InstanceID               string
	Name                     string
	APIVersion               string
	Capabilities             Capabilities
	SuggestedIntervalMinutes int
	MaxEntitiesPerSync       int
}

// Handshaker builds outbound handshakes and verifies inbound ones.
type Handshaker struct {
	info     InstanceInfo
	provider CryptoProvider
	nonces   NonceChecker
	nonceSrc *NonceSource
	skew     time.Duration
	metrics  *metrics.Metrics

	now func() time.Time
}

// NewHandshaker wires the instance identity to its crypto. nonces verifies
// inbound handshake nonces; src mints outbound ones and should be the same
// source the instance's Sealer stamps envelopes from (nil gets a private
// source).
func NewHandshaker(info InstanceInfo, provider CryptoProvider, nonces NonceChecker, src *NonceSource, skew time.Duration, m *metrics.Metrics) *Handshaker {
	if skew <= 0 {
		skew = DefaultClockSkew
	}
	if src == nil {
		src = NewNonceSource()
	}
	return &Handshaker{
		info:     info,
		provider: provider,
		nonces:   nonces,
		nonceSrc: src,
		skew:     skew,
		metrics:  m,
		now:      time.Now,
	}
}

// Build creates a signed handshake with a fresh nonce and timestamp.
func (hs *Handshaker) Build() (*PeerHandshake, error) {
	pemKey, err := hs.provider.PublicKeyPEM()
	if err != nil {
		return nil, err
	}
	h := &PeerHandshake{
		InstanceID:               hs.info.InstanceID,
		Name:                     hs.info.Name,
		APIVersion:               hs.info.APIVersion,
		PublicKeyPEM:             pemKey,
		Capabilities:             hs.info.Capabilities,
		SuggestedIntervalMinutes: hs.info.SuggestedIntervalMinutes,
		MaxEntitiesPerSync:       hs.info.MaxEntitiesPerSync,
		Timestamp:                hs.now().UTC(),
		Nonce:                    hs.nonceSrc.Next(),
	}
	if err := h.Sign(hs.provider); err != nil {
		return nil, err
	}
	return h, nil
}

// VerifyIncoming applies the envelope invariants to a handshake: signature
// against the presented key, clock skew window, nonce monotonicity keyed by
// the presented key's fingerprint.
func (hs *Handshaker) VerifyIncoming(ctx context.Context, h *PeerHandshake) error {
	if h == nil || h.InstanceID == "" || h.PublicKeyPEM == "" {
		return &VerifyError{Reason: ReasonMalformed, Detail: "missing instance id or public key"}
	}

	ok, err := h.VerifySelfSigned()
	if err != nil {
		return &VerifyError{Reason: ReasonSignature, Detail: err.Error()}
	}
	if !ok {
		return &VerifyError{Reason: ReasonSignature}
	}

	drift := hs.now().UTC().Sub(h.Timestamp.UTC())
	if drift < 0 {
		drift = -drift
	}
	if drift > hs.skew {
		return &VerifyError{
			Reason: ReasonTimestamp,
			Detail: fmt.Sprintf("drift %s exceeds window %s", drift.Round(time.Second), hs.skew),
		}
	}

	if hs.nonces != nil {
		key, _, err := ParsePublicKeyPEM(h.PublicKeyPEM)
		if err != nil {
			return &VerifyError{Reason: ReasonMalformed, Detail: err.Error()}
		}
		if ok, reason := hs.nonces.VerifyAndConsume(ctx, Fingerprint(key), h.Nonce); !ok {
			return &VerifyError{Reason: ReasonNonce, Detail: reason}
		}
	}
	return nil
}

// Respond verifies an inbound handshake and answers with our own. The
// returned handshake carries a fresh nonce; the caller records the accepted
// peer and the negotiated contract.
func (hs *Handshaker) Respond(ctx context.Context, incoming *PeerHandshake) (*PeerHandshake, error) {
	if err := hs.VerifyIncoming(ctx, incoming); err != nil {
		hs.metrics.RecordHandshake(false)
		instance := ""
		if incoming != nil {
			instance = incoming.InstanceID
		}
		slog.Warn("Handshake rejected", "instance", instance, "reason", RejectReason(err))
		return nil, err
	}

	response, err := hs.Build()
	if err != nil {
		hs.metrics.RecordHandshake(false)
		return nil, err
	}

	hs.metrics.RecordHandshake(true)
	slog.Info("Handshake accepted",
		"instance", incoming.InstanceID, "name", incoming.Name, "api_version", incoming.APIVersion)
	return response, nil
}

// KeyChanged reports whether a peer's presented PEM key differs from the one
// on record. Callers log the pair of fingerprints for audit before rejecting.
func KeyChanged(knownPEM, presentedPEM string) (bool, error) {
	if knownPEM == "" {
		return false, nil
	}
	known, err := FingerprintPEM(knownPEM)
	if err != nil {
		return false, fmt.Errorf("registered key: %w", err)
	}
	presented, err := FingerprintPEM(presentedPEM)
	if err != nil {
		return false, fmt.Errorf("presented key: %w", err)
	}
	return known != presented, nil
}
