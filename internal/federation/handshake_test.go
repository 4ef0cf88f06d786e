package federation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandshaker(t *testing.T, instanceID string) (*Handshaker, CryptoProvider) {
	t.Helper()
	provider, err := NewCryptoProvider(AlgorithmEd25519)
	require.NoError(t, err)
	hs := NewHandshaker(InstanceInfo{
		InstanceID:               instanceID,
		Name:                     instanceID,
		APIVersion:               "1.0",
		Capabilities:             Capabilities{SupportsPush: true, SupportsPull: true},
		SuggestedIntervalMinutes: 30,
		MaxEntitiesPerSync:       500,
	}, provider, nil, nil, 0, nil)
	return hs, provider
}

// ============================================================================
// SELF-SIGNED HANDSHAKES
// ============================================================================

func TestBuildProducesVerifiableHandshake(t *testing.T) {
	hs, provider := newTestHandshaker(t, "atlas")

	h, err := hs.Build()
	require.NoError(t, err)

	assert.Equal(t, "atlas", h.InstanceID)
	assert.Equal(t, "1.0", h.APIVersion)
	assert.True(t, h.Capabilities.SupportsPush)
	assert.NotZero(t, h.Nonce)
	assert.False(t, h.Timestamp.IsZero())

	pemKey, err := provider.PublicKeyPEM()
	require.NoError(t, err)
	assert.Equal(t, pemKey, h.PublicKeyPEM)

	ok, err := h.VerifySelfSigned()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifySelfSignedCatchesTampering(t *testing.T) {
	hs, _ := newTestHandshaker(t, "atlas")
	h, err := hs.Build()
	require.NoError(t, err)

	h.Name = "imposter"
	ok, err := h.VerifySelfSigned()
	require.NoError(t, err)
	assert.False(t, ok)
}

// ============================================================================
// INBOUND VERIFICATION
// ============================================================================

func TestVerifyIncomingRejectsIncompleteHandshakes(t *testing.T) {
	hs, _ := newTestHandshaker(t, "atlas")
	ctx := context.Background()

	assert.Equal(t, ReasonMalformed, RejectReason(hs.VerifyIncoming(ctx, nil)))
	assert.Equal(t, ReasonMalformed, RejectReason(hs.VerifyIncoming(ctx, &PeerHandshake{InstanceID: "x"})))
}

func TestVerifyIncomingRejectsStaleHandshakes(t *testing.T) {
	sender, _ := newTestHandshaker(t, "borealis")
	sender.now = func() time.Time { return time.Now().Add(-10 * time.Minute) }
	h, err := sender.Build()
	require.NoError(t, err)

	receiver, _ := newTestHandshaker(t, "atlas")
	err = receiver.VerifyIncoming(context.Background(), h)
	assert.Equal(t, ReasonTimestamp, RejectReason(err))
}

func TestVerifyIncomingConsumesNoncePerPresentedKey(t *testing.T) {
	sender, senderProvider := newTestHandshaker(t, "borealis")
	h, err := sender.Build()
	require.NoError(t, err)

	provider, err := NewCryptoProvider(AlgorithmEd25519)
	require.NoError(t, err)
	checker := &nonceCheckerStub{ok: true}
	receiver := NewHandshaker(InstanceInfo{InstanceID: "atlas", Name: "atlas"}, provider, checker, nil, 0, nil)

	require.NoError(t, receiver.VerifyIncoming(context.Background(), h))
	require.Len(t, checker.nonces, 1)
	assert.Equal(t, h.Nonce, checker.nonces[0])
	assert.Equal(t, Fingerprint(senderProvider.PublicKeyBytes()), checker.senders[0])

	// A replay of the same handshake is the nonce store's call to refuse.
	checker.ok, checker.reason = false, "nonce reused"
	err = receiver.VerifyIncoming(context.Background(), h)
	assert.Equal(t, ReasonNonce, RejectReason(err))
}

func TestRespondAnswersWithOwnSignedHandshake(t *testing.T) {
	alice, _ := newTestHandshaker(t, "atlas")
	bob, _ := newTestHandshaker(t, "borealis")

	incoming, err := bob.Build()
	require.NoError(t, err)

	resp, err := alice.Respond(context.Background(), incoming)
	require.NoError(t, err)
	assert.Equal(t, "atlas", resp.InstanceID)

	ok, err := resp.VerifySelfSigned()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRespondRefusesForgedHandshakes(t *testing.T) {
	alice, _ := newTestHandshaker(t, "atlas")
	bob, _ := newTestHandshaker(t, "borealis")

	incoming, err := bob.Build()
	require.NoError(t, err)
	incoming.MaxEntitiesPerSync = 1000000

	resp, err := alice.Respond(context.Background(), incoming)
	assert.Nil(t, resp)
	assert.Equal(t, ReasonSignature, RejectReason(err))
}

// ============================================================================
// NEGOTIATION
// ============================================================================

func TestNegotiateIntersectsCapabilitiesAndBounds(t *testing.T) {
	ours := &PeerHandshake{
		Capabilities:             Capabilities{SupportsPush: true, SupportsPull: true, SupportsStreaming: true},
		MaxEntitiesPerSync:       500,
		SuggestedIntervalMinutes: 30,
	}
	theirs := &PeerHandshake{
		Capabilities:             Capabilities{SupportsPull: true},
		MaxEntitiesPerSync:       200,
		SuggestedIntervalMinutes: 60,
	}

	n := Negotiate(ours, theirs)
	assert.False(t, n.CanPush, "push needs both sides")
	assert.True(t, n.CanPull)
	assert.False(t, n.Streaming)
	assert.Equal(t, 200, n.MaxEntitiesPerSync, "smaller entity bound wins")
	assert.Equal(t, 60, n.IntervalMinutes, "slower interval wins")
}

func TestNegotiateTreatsZeroBoundsAsUnset(t *testing.T) {
	n := Negotiate(
		&PeerHandshake{Capabilities: Capabilities{SupportsPull: true}},
		&PeerHandshake{Capabilities: Capabilities{SupportsPull: true}, MaxEntitiesPerSync: 250},
	)
	assert.Equal(t, 250, n.MaxEntitiesPerSync)

	n = Negotiate(&PeerHandshake{MaxEntitiesPerSync: 100}, &PeerHandshake{})
	assert.Equal(t, 100, n.MaxEntitiesPerSync)
}

// ============================================================================
// KEY CHANGE DETECTION
// ============================================================================

func TestKeyChanged(t *testing.T) {
	a, err := NewCryptoProvider(AlgorithmEd25519)
	require.NoError(t, err)
	b, err := NewCryptoProvider(AlgorithmEd25519)
	require.NoError(t, err)

	aPEM, err := a.PublicKeyPEM()
	require.NoError(t, err)
	bPEM, err := b.PublicKeyPEM()
	require.NoError(t, err)

	changed, err := KeyChanged(aPEM, aPEM)
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = KeyChanged(aPEM, bPEM)
	require.NoError(t, err)
	assert.True(t, changed)

	// Nothing on record means nothing changed; that is first-use pinning.
	changed, err = KeyChanged("", bPEM)
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = KeyChanged(aPEM, "not a pem block")
	assert.Error(t, err)
}
