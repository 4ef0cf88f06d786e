// Package session tracks authenticated caller sessions: one record per token
// JTI with IP and user-agent binding, bounded IP history, and monotone status
// transitions toward REVOKED or EXPIRED. Reads go through a cache keyed by
// JTI; every state mutation invalidates the cached copy so gates never act on
// a stale status.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive     Status = "ACTIVE"
	StatusSuspicious Status = "SUSPICIOUS"
	StatusRevoked    Status = "REVOKED"
	StatusExpired    Status = "EXPIRED"
)

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusRevoked || s == StatusExpired
}

// Session is one authenticated caller session. The ID equals the token JTI.
type Session struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	TokenJTI  string `json:"token_jti"`
	TokenType string `json:"token_type"`

	// Binding captured at creation.
	IPAddress     string `json:"ip_address"`
	UserAgent     string `json:"user_agent"`
	UserAgentHash string `json:"user_agent_hash"`

	// Most recent observation.
	LastIP            string `json:"last_ip"`
	LastUserAgent     string `json:"last_user_agent"`
	LastUserAgentHash string `json:"last_user_agent_hash"`

	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	ExpiresAt      time.Time `json:"expires_at"`

	RequestCount         int `json:"request_count"`
	IPChangeCount        int `json:"ip_change_count"`
	UserAgentChangeCount int `json:"user_agent_change_count"`

	// Distinct IPs seen on this session, most recent first, bounded by the
	// configured max.
	IPHistory []string `json:"ip_history"`

	Status        Status     `json:"status"`
	FlaggedReason string     `json:"flagged_reason,omitempty"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
	RevokedReason string     `json:"revoked_reason,omitempty"`
}

// EffectiveStatus folds expiry into the stored status: a session past its
// expires_at reads as EXPIRED even before the cleanup task persists it.
func (s *Session) EffectiveStatus(now time.Time) Status {
	if s.Status.Terminal() {
		return s.Status
	}
	if !s.ExpiresAt.IsZero() && !s.ExpiresAt.After(now) {
		return StatusExpired
	}
	return s.Status
}

// Live reports whether the session can still serve requests at now.
func (s *Session) Live(now time.Time) bool {
	es := s.EffectiveStatus(now)
	return es == StatusActive || es == StatusSuspicious
}

// ActivityReport says what changed on one update_activity call.
type ActivityReport struct {
	IPChanged        bool `json:"ip_changed"`
	UserAgentChanged bool `json:"user_agent_changed"`
}

// HashUserAgent returns the hex sha256 of a user-agent string. Comparisons
// and storage use the hash so raw UA strings never need to match byte ranges
// in queries.
func HashUserAgent(ua string) string {
	sum := sha256.Sum256([]byte(ua))
	return hex.EncodeToString(sum[:])
}

func clone(s *Session) *Session {
	cp := *s
	cp.IPHistory = append([]string(nil), s.IPHistory...)
	if s.RevokedAt != nil {
		t := *s.RevokedAt
		cp.RevokedAt = &t
	}
	return &cp
}
