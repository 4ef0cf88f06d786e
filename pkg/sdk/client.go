// Package sdk is the wire client for the Forge federation protocol.
//
// The sync engine consumes it as its transport; any Go program built from
// this module can use the same client to introduce itself to a remote Forge
// instance and exchange sync pages. Handshakes travel as bare self-signed
// documents, sync traffic as signed envelopes sealed under this instance's
// key and opened against the peer's pinned key.
//
// Quick start:
//
//	provider, _ := federation.LoadOrCreateProvider(federation.AlgorithmEd25519, "forge.key")
//	client := sdk.NewClient(sdk.Config{
//	    Info:     info,
//	    Provider: provider,
//	})
//
//	doc, err := client.Discover(ctx, "https://peer.example.org")
//	theirs, err := client.Handshake(ctx, peer)
//
// Verification split: the client verifies envelope signatures on sync
// responses. Handshake responses return unverified because the caller owns
// the self-signature and key-pinning checks, and what to do when they fail.
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/forgegraph/forge-core/internal/core"
	"github.com/forgegraph/forge-core/internal/federation"
)

const (
	handshakePath   = "/federation/handshake"
	syncRequestPath = "/federation/sync-request"
	syncPushPath    = "/federation/sync-push"
)

const (
	// DefaultTimeout bounds each federation request.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxResponseBytes caps how much of a peer response is read.
	DefaultMaxResponseBytes int64 = 32 << 20
)

// Config holds the federation client configuration.
type Config struct {
	// Info describes this instance in outbound handshakes (required).
	Info federation.InstanceInfo

	// Provider signs outbound envelopes and handshakes (required).
	Provider federation.CryptoProvider

	// Nonces guards response envelopes against replay. Nil skips the check;
	// responses are still signature- and timestamp-verified. When set, use a
	// store separate from the inbound request store: requests and responses
	// from the same peer interleave, and a shared monotone sequence would
	// reject legitimate traffic.
	Nonces federation.NonceChecker

	// NonceSource issues outbound nonces. Share one source per process so
	// every envelope a peer sees from this instance forms one monotone
	// sequence. A private source is created when nil.
	NonceSource *federation.NonceSource

	// ClockSkew is the accepted timestamp drift on responses (default 120s).
	ClockSkew time.Duration

	// Timeout bounds each request (default 30s). Ignored when HTTPClient is
	// set.
	Timeout time.Duration

	// MaxResponseBytes caps response bodies (default 32MB).
	MaxResponseBytes int64

	// HTTPClient overrides the default client (tests, custom transports).
	HTTPClient *http.Client

	// UserAgent names this instance on the wire (default "forge-sdk/1.0").
	UserAgent string
}

// Client speaks the federation protocol to remote Forge instances.
type Client struct {
	cfg    Config
	http   *http.Client
	sealer *federation.Sealer
	hs     *federation.Handshaker
	opener *federation.Opener
}

// NewClient builds a federation client. Zero values on optional Config
// fields receive defaults.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = DefaultMaxResponseBytes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "forge-sdk/1.0"
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	src := cfg.NonceSource
	if src == nil {
		src = federation.NewNonceSource()
	}

	return &Client{
		cfg:    cfg,
		http:   httpClient,
		sealer: federation.NewSealer(cfg.Provider, src),
		hs:     federation.NewHandshaker(cfg.Info, cfg.Provider, cfg.Nonces, src, cfg.ClockSkew, nil),
		opener: federation.NewOpener(cfg.Nonces, cfg.ClockSkew, nil),
	}
}

// Discover fetches the peer's federation discovery document from its
// well-known path.
func (c *Client) Discover(ctx context.Context, baseURL string) (*federation.DiscoveryDocument, error) {
	url := strings.TrimRight(baseURL, "/") + federation.WellKnownPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("sdk: build discovery request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sdk: discovery: %w", err)
	}
	defer resp.Body.Close()

	body, err := c.readBody(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp.StatusCode, body)
	}

	var doc federation.DiscoveryDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("sdk: malformed discovery document: %w", err)
	}
	return &doc, nil
}

// postJSON sends one JSON body and returns the status code and the capped
// response body. Transport failures return an error; protocol-level refusals
// come back as non-200 statuses for the caller to interpret.
func (c *Client) postJSON(ctx context.Context, url string, body any) (int, []byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return 0, nil, fmt.Errorf("sdk: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return 0, nil, fmt.Errorf("sdk: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := c.readBody(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, respBody, nil
}

func (c *Client) readBody(r io.Reader) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, c.cfg.MaxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("sdk: read response: %w", err)
	}
	if int64(len(body)) > c.cfg.MaxResponseBytes {
		return nil, fmt.Errorf("sdk: response exceeds %d bytes", c.cfg.MaxResponseBytes)
	}
	return body, nil
}

func endpoint(peer *core.Peer, path string) string {
	return strings.TrimRight(peer.BaseURL, "/") + path
}
