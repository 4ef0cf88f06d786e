package sync

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidatePeerBaseURL checks a peer base URL at registration time and returns
// it normalized (no trailing slash). Plain http, loopback, and private or
// link-local literal addresses are rejected unless allowInsecure is set for
// development deployments.
func ValidatePeerBaseURL(raw string, allowInsecure bool) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("peer base url is required")
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("parse peer base url: %w", err)
	}

	switch u.Scheme {
	case "https":
	case "http":
		if !allowInsecure {
			return "", fmt.Errorf("peer base url %q must use https", trimmed)
		}
	default:
		return "", fmt.Errorf("peer base url %q has unsupported scheme %q", trimmed, u.Scheme)
	}

	if u.Host == "" {
		return "", fmt.Errorf("peer base url %q has no host", trimmed)
	}
	if u.User != nil {
		return "", fmt.Errorf("peer base url must not carry credentials")
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return "", fmt.Errorf("peer base url must not carry a query or fragment")
	}

	if ip := net.ParseIP(u.Hostname()); ip != nil && !allowInsecure {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return "", fmt.Errorf("peer base url %q points at a non-routable address", trimmed)
		}
	}

	u.Path = strings.TrimRight(u.Path, "/")
	return u.String(), nil
}

// ValidateBaseURL applies the registration URL rules under this engine's
// insecure-peer setting. Callers editing a stored peer use it so updates pass
// the same checks as registration.
func (e *Engine) ValidateBaseURL(raw string) (string, error) {
	return ValidatePeerBaseURL(raw, e.cfg.AllowInsecurePeers)
}
