// Package webhooks delivers federation lifecycle events to operator-managed
// HTTP endpoints. Subscriptions live in a process-local registry; delivery
// runs on a bounded worker pool behind the webhook circuit breaker, with
// HMAC-signed payloads for subscribers that configured a secret.
package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgegraph/forge-core/internal/events"
)

// ErrSubscriptionNotFound is returned for operations on unknown ids.
var ErrSubscriptionNotFound = errors.New("webhooks: subscription not found")

// Consecutive delivery failures before a subscription is disabled.
const maxConsecutiveFailures = 10

// NotifiableEvents is the set of event types a webhook may subscribe to.
var NotifiableEvents = []events.EventType{
	events.EventSyncCompleted,
	events.EventSyncFailed,
	events.EventConflictDetected,
	events.EventConflictManualReview,
	events.EventTrustChanged,
	events.EventPeerSuspended,
	events.EventPeerRevoked,
	events.EventPeerKeyChanged,
	events.EventTaskAutoDisabled,
	events.EventSessionFlagged,
}

func notifiable(t events.EventType) bool {
	for _, known := range NotifiableEvents {
		if known == t {
			return true
		}
	}
	return false
}

// Subscription is one registered webhook endpoint.
type Subscription struct {
	ID        string             `json:"id"`
	URL       string             `json:"url"`
	Events    []events.EventType `json:"events"`
	Secret    string             `json:"secret,omitempty"`
	Active    bool               `json:"active"`
	CreatedAt time.Time          `json:"created_at"`

	// FailCount is the consecutive failed deliveries; a success resets it.
	FailCount int `json:"fail_count"`
}

// Registry stores webhook subscriptions and indexes them by event type.
type Registry struct {
	mu      sync.RWMutex
	subs    map[string]*Subscription
	byEvent map[events.EventType][]*Subscription
}

func NewRegistry() *Registry {
	return &Registry{
		subs:    make(map[string]*Subscription),
		byEvent: make(map[events.EventType][]*Subscription),
	}
}

// Register validates and stores a subscription, minting an id when the
// caller did not supply one.
func (r *Registry) Register(sub *Subscription) error {
	parsed, err := url.Parse(sub.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("webhooks: invalid url %q", sub.URL)
	}
	if len(sub.Events) == 0 {
		return errors.New("webhooks: at least one event type is required")
	}
	for _, evt := range sub.Events {
		if !notifiable(evt) {
			return fmt.Errorf("webhooks: unknown event type %q", evt)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	if _, exists := r.subs[sub.ID]; exists {
		return fmt.Errorf("webhooks: subscription %s already registered", sub.ID)
	}
	sub.Active = true
	sub.CreatedAt = time.Now()
	sub.FailCount = 0

	r.subs[sub.ID] = sub
	for _, evt := range sub.Events {
		r.byEvent[evt] = append(r.byEvent[evt], sub)
	}

	slog.Info("Webhook registered", "id", sub.ID, "url", sub.URL, "events", len(sub.Events))
	return nil
}

// Unregister removes a subscription and its event index entries.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[id]
	if !ok {
		return ErrSubscriptionNotFound
	}
	delete(r.subs, id)

	for _, evt := range sub.Events {
		filtered := r.byEvent[evt][:0]
		for _, s := range r.byEvent[evt] {
			if s.ID != id {
				filtered = append(filtered, s)
			}
		}
		r.byEvent[evt] = filtered
	}

	slog.Info("Webhook unregistered", "id", id)
	return nil
}

// Get returns a copy of one subscription.
func (r *Registry) Get(id string) (*Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	cp := *sub
	return &cp, nil
}

// ListAll returns every subscription sorted by creation time, newest last.
func (r *Registry) ListAll() []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		cp := *sub
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Subscribers returns the active subscriptions for an event type.
func (r *Registry) Subscribers(eventType events.EventType) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var active []*Subscription
	for _, sub := range r.byEvent[eventType] {
		if sub.Active {
			active = append(active, sub)
		}
	}
	return active
}

// MarkDelivered resets the consecutive-failure count after a success.
func (r *Registry) MarkDelivered(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.subs[id]; ok {
		sub.FailCount = 0
	}
}

// MarkFailed books one failed delivery and disables the subscription once
// the consecutive-failure cap is reached.
func (r *Registry) MarkFailed(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[id]
	if !ok {
		return
	}
	sub.FailCount++
	if sub.FailCount >= maxConsecutiveFailures && sub.Active {
		sub.Active = false
		slog.Warn("Webhook disabled after repeated failures", "id", id, "fail_count", sub.FailCount)
	}
}

// Activate re-enables a disabled subscription and clears its failure count.
func (r *Registry) Activate(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[id]
	if !ok {
		return ErrSubscriptionNotFound
	}
	sub.Active = true
	sub.FailCount = 0
	return nil
}

// SignPayload computes the hex HMAC-SHA256 a subscriber can use to verify
// the X-Forge-Signature header.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
