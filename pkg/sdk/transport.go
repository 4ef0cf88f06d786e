package sdk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/forgegraph/forge-core/internal/core"
	"github.com/forgegraph/forge-core/internal/federation"
)

// Handshake introduces this instance to the peer and returns the peer's
// self-signed handshake. The response is returned unverified; the caller
// checks the self-signature and decides whether to pin or reject the key.
func (c *Client) Handshake(ctx context.Context, peer *core.Peer) (*federation.PeerHandshake, error) {
	ours, err := c.hs.Build()
	if err != nil {
		return nil, fmt.Errorf("sdk: build handshake: %w", err)
	}

	status, body, err := c.postJSON(ctx, endpoint(peer, handshakePath), ours)
	if err != nil {
		return nil, fmt.Errorf("sdk: handshake with %s: %w", peer.ID, err)
	}
	if status != http.StatusOK {
		return nil, apiError(status, body)
	}

	var theirs federation.PeerHandshake
	if err := json.Unmarshal(body, &theirs); err != nil {
		return nil, fmt.Errorf("sdk: malformed handshake from %s: %w", peer.ID, err)
	}
	return &theirs, nil
}

// RequestSync asks the peer for a page of changes. The request travels
// sealed under this instance's key; the response envelope is opened against
// the peer's pinned key before the payload is returned.
func (c *Client) RequestSync(ctx context.Context, peer *core.Peer, req *federation.SyncRequest) (*federation.SyncPayload, error) {
	key, err := c.pinnedKey(peer)
	if err != nil {
		return nil, err
	}

	env, err := c.sealer.Seal(req)
	if err != nil {
		return nil, fmt.Errorf("sdk: seal sync request: %w", err)
	}

	status, body, err := c.postJSON(ctx, endpoint(peer, syncRequestPath), env)
	if err != nil {
		return nil, fmt.Errorf("sdk: sync request to %s: %w", peer.ID, err)
	}
	if status != http.StatusOK {
		return nil, apiError(status, body)
	}

	var payload federation.SyncPayload
	if err := c.openInto(ctx, body, key, &payload); err != nil {
		return nil, fmt.Errorf("sdk: sync response from %s: %w", peer.ID, err)
	}
	return &payload, nil
}

// SendSyncPush delivers a stamped payload to the peer. An accepted push
// comes back as a sealed ack; a refusal comes back as a plain ack with the
// reason and a nil error, since a peer that answered with a decision is not
// a transport failure.
func (c *Client) SendSyncPush(ctx context.Context, peer *core.Peer, payload *federation.SyncPayload) (*federation.SyncPushAck, error) {
	key, err := c.pinnedKey(peer)
	if err != nil {
		return nil, err
	}

	env, err := c.sealer.Seal(payload)
	if err != nil {
		return nil, fmt.Errorf("sdk: seal sync push: %w", err)
	}

	status, body, err := c.postJSON(ctx, endpoint(peer, syncPushPath), env)
	if err != nil {
		return nil, fmt.Errorf("sdk: sync push to %s: %w", peer.ID, err)
	}

	if status == http.StatusOK {
		var ack federation.SyncPushAck
		if err := c.openInto(ctx, body, key, &ack); err != nil {
			return nil, fmt.Errorf("sdk: push ack from %s: %w", peer.ID, err)
		}
		return &ack, nil
	}

	var refusal federation.SyncPushAck
	if err := json.Unmarshal(body, &refusal); err == nil && refusal.Reason != "" {
		return &refusal, nil
	}
	return nil, apiError(status, body)
}

// pinnedKey returns the peer's pinned public key, parsed from PEM.
func (c *Client) pinnedKey(peer *core.Peer) ([]byte, error) {
	if peer.PeerPublicKeyPEM == "" {
		return nil, fmt.Errorf("sdk: no pinned key for peer %s; handshake first", peer.ID)
	}
	key, _, err := federation.ParsePublicKeyPEM(peer.PeerPublicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("sdk: pinned key for peer %s: %w", peer.ID, err)
	}
	return key, nil
}

// openInto decodes a signed envelope and verifies it against the expected
// key before unmarshalling the payload into out.
func (c *Client) openInto(ctx context.Context, body []byte, expectedKey []byte, out any) error {
	var env federation.SignedEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("malformed envelope: %w", err)
	}
	return c.opener.OpenInto(ctx, &env, expectedKey, out)
}
