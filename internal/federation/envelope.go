package federation

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/forgegraph/forge-core/internal/metrics"
)

// DefaultClockSkew is the accepted difference between the sender's stamped
// timestamp and the receiver's clock.
const DefaultClockSkew = 120 * time.Second

// Envelope rejection reasons. Each maps to one row of the failure accounting:
// the sync engine records the reason against the peer, the API returns it.
const (
	ReasonMalformed   = "malformed_envelope"
	ReasonKeyMismatch = "public_key_mismatch"
	ReasonSignature   = "signature_invalid"
	ReasonTimestamp   = "timestamp_out_of_window"
	ReasonNonce       = "nonce_rejected"
)

// VerifyError is the typed rejection produced when an envelope fails one of
// the checks. Reason is machine-readable; Detail is for logs and operators.
type VerifyError struct {
	Reason string
	Detail string
}

func (e *VerifyError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("envelope rejected: %s", e.Reason)
	}
	return fmt.Sprintf("envelope rejected: %s (%s)", e.Reason, e.Detail)
}

// RejectReason extracts the machine-readable reason from err, or "" when err
// is not an envelope rejection.
func RejectReason(err error) string {
	var ve *VerifyError
	if errors.As(err, &ve) {
		return ve.Reason
	}
	return ""
}

// SignedEnvelope wraps every peer-to-peer body. The signature covers the
// canonical form of (content_hash, nonce, peer_id, sync_id?, timestamp), so
// tampering with either the payload or the replay-protection fields breaks it.
type SignedEnvelope struct {
	Payload   json.RawMessage `json:"payload"`
	Signature []byte          `json:"signature"`
	PublicKey []byte          `json:"public_key"`
	Nonce     uint64          `json:"nonce"`
	Timestamp time.Time       `json:"timestamp"`
}

// ============================================================================
// CANONICAL JSON
// ============================================================================

// CanonicalJSON re-encodes raw JSON deterministically: object keys sorted, no
// insignificant whitespace, numbers kept as their original literals. Both
// sides canonicalize the same payload bytes, so signatures verify across
// implementations.
func CanonicalJSON(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return json.Marshal(v)
}

// ContentHash is the sha256 hex digest of the canonical form of raw JSON.
func ContentHash(raw []byte) (string, error) {
	canonical, err := CanonicalJSON(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// signingBase builds the byte string covered by the envelope signature. The
// sender and sync identities come out of the payload itself so receiver and
// sender derive the identical base from the same bytes.
func signingBase(contentHash, senderID, syncID string, nonce uint64, ts time.Time) []byte {
	base := map[string]any{
		"content_hash": contentHash,
		"nonce":        nonce,
		"peer_id":      senderID,
		"timestamp":    ts.UTC().Format(time.RFC3339),
	}
	if syncID != "" {
		base["sync_id"] = syncID
	}
	// Map marshalling sorts keys, which is exactly the canonical form.
	b, _ := json.Marshal(base)
	return b
}

// payloadIdentity pulls the sender and sync ids from a payload, tolerating
// either the handshake's instance_id or the sync types' peer_id.
func payloadIdentity(payload json.RawMessage) (senderID, syncID string) {
	var fields struct {
		PeerID     string `json:"peer_id"`
		InstanceID string `json:"instance_id"`
		SyncID     string `json:"sync_id"`
	}
	_ = json.Unmarshal(payload, &fields)
	senderID = fields.PeerID
	if senderID == "" {
		senderID = fields.InstanceID
	}
	return senderID, fields.SyncID
}

// ============================================================================
// NONCE SOURCE
// ============================================================================

// NonceSource produces strictly increasing nonces for outbound envelopes.
// Seeded from the wall clock so values stay monotonic across restarts as
// long as the clock does not step backwards.
type NonceSource struct {
	mu   sync.Mutex
	last uint64
	now  func() time.Time
}

func NewNonceSource() *NonceSource {
	return &NonceSource{now: time.Now}
}

func (s *NonceSource) Next() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := uint64(s.now().UnixNano())
	if n <= s.last {
		n = s.last + 1
	}
	s.last = n
	return n
}

// ============================================================================
// SEALER (outbound)
// ============================================================================

// Sealer signs outbound payloads into envelopes.
type Sealer struct {
	provider CryptoProvider
	nonces   *NonceSource
	now      func() time.Time
}

// NewSealer signs with provider, stamping nonces from src. A nil src gets a
// private source. An instance sending through several sealing components
// must share one source, or interleaved messages can reuse a nonce and the
// receiver will drop the later one.
func NewSealer(provider CryptoProvider, src *NonceSource) *Sealer {
	if src == nil {
		src = NewNonceSource()
	}
	return &Sealer{provider: provider, nonces: src, now: time.Now}
}

// Seal marshals payload, stamps a fresh nonce and timestamp, and signs.
func (s *Sealer) Seal(payload any) (*SignedEnvelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return s.SealRaw(raw)
}

// SealRaw seals already-marshalled payload bytes.
func (s *Sealer) SealRaw(raw json.RawMessage) (*SignedEnvelope, error) {
	hash, err := ContentHash(raw)
	if err != nil {
		return nil, err
	}
	senderID, syncID := payloadIdentity(raw)
	ts := s.now().UTC()
	nonce := s.nonces.Next()

	sig, err := s.provider.Sign(signingBase(hash, senderID, syncID, nonce, ts))
	if err != nil {
		return nil, fmt.Errorf("sign envelope: %w", err)
	}
	return &SignedEnvelope{
		Payload:   raw,
		Signature: sig,
		PublicKey: s.provider.PublicKeyBytes(),
		Nonce:     nonce,
		Timestamp: ts,
	}, nil
}

// ============================================================================
// OPENER (inbound)
// ============================================================================

// NonceChecker is the slice of the nonce store the opener needs.
type NonceChecker interface {
	VerifyAndConsume(ctx context.Context, sender string, nonce uint64) (bool, string)
}

// Opener verifies inbound envelopes. Check order is fixed: signature first
// (cheapest way to drop garbage), then the timestamp window, then nonce
// consumption last so a forged envelope can never burn a nonce.
type Opener struct {
	nonces  NonceChecker
	skew    time.Duration
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewOpener(nonces NonceChecker, skew time.Duration, m *metrics.Metrics) *Opener {
	if skew <= 0 {
		skew = DefaultClockSkew
	}
	return &Opener{nonces: nonces, skew: skew, metrics: m, now: time.Now}
}

// Open verifies env and returns its payload bytes. When expectedKey is
// non-nil the presented public key must match it; a known peer showing up
// with a different key is rejected and logged for audit.
func (o *Opener) Open(ctx context.Context, env *SignedEnvelope, expectedKey []byte) (json.RawMessage, error) {
	payload, err := o.open(ctx, env, expectedKey)
	if err != nil {
		o.metrics.RecordEnvelopeCheck(RejectReason(err))
		return nil, err
	}
	o.metrics.RecordEnvelopeCheck("accepted")
	return payload, nil
}

func (o *Opener) open(ctx context.Context, env *SignedEnvelope, expectedKey []byte) (json.RawMessage, error) {
	if env == nil || len(env.Payload) == 0 || len(env.Signature) == 0 || len(env.PublicKey) == 0 {
		return nil, &VerifyError{Reason: ReasonMalformed, Detail: "missing payload, signature, or public key"}
	}

	if expectedKey != nil && !bytes.Equal(expectedKey, env.PublicKey) {
		slog.Warn("Peer presented an unexpected public key",
			"expected_fingerprint", Fingerprint(expectedKey),
			"presented_fingerprint", Fingerprint(env.PublicKey))
		return nil, &VerifyError{Reason: ReasonKeyMismatch, Detail: "public key does not match the registered peer key"}
	}

	hash, err := ContentHash(env.Payload)
	if err != nil {
		return nil, &VerifyError{Reason: ReasonMalformed, Detail: err.Error()}
	}
	senderID, syncID := payloadIdentity(env.Payload)

	ok, err := VerifySignature(env.PublicKey, signingBase(hash, senderID, syncID, env.Nonce, env.Timestamp), env.Signature)
	if err != nil {
		return nil, &VerifyError{Reason: ReasonSignature, Detail: err.Error()}
	}
	if !ok {
		return nil, &VerifyError{Reason: ReasonSignature}
	}

	drift := o.now().UTC().Sub(env.Timestamp.UTC())
	if drift < 0 {
		drift = -drift
	}
	if drift > o.skew {
		return nil, &VerifyError{
			Reason: ReasonTimestamp,
			Detail: fmt.Sprintf("drift %s exceeds window %s", drift.Round(time.Second), o.skew),
		}
	}

	if o.nonces != nil {
		if ok, reason := o.nonces.VerifyAndConsume(ctx, Fingerprint(env.PublicKey), env.Nonce); !ok {
			return nil, &VerifyError{Reason: ReasonNonce, Detail: reason}
		}
	}
	return env.Payload, nil
}

// OpenInto verifies env and unmarshals the payload into out.
func (o *Opener) OpenInto(ctx context.Context, env *SignedEnvelope, expectedKey []byte, out any) error {
	payload, err := o.Open(ctx, env, expectedKey)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return &VerifyError{Reason: ReasonMalformed, Detail: err.Error()}
	}
	return nil
}
