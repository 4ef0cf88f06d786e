// Package events is the pub/sub fabric for forge domain events. Entity
// changes feed the cache invalidator, federation lifecycle events feed the
// webhook dispatcher and the live stream, and everything shares one envelope
// so subscribers never care where an event originated.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType classifies event categories.
type EventType string

// Entity-change events. The cache invalidator subscribes to these.
const (
	EventCapsuleCreated EventType = "capsule.created"
	EventCapsuleUpdated EventType = "capsule.updated"
	EventCapsuleDeleted EventType = "capsule.deleted"
	EventEdgeCreated    EventType = "edge.created"
	EventEdgeDeleted    EventType = "edge.deleted"
)

// Federation lifecycle events.
const (
	EventSyncStarted          EventType = "sync.started"
	EventSyncCompleted        EventType = "sync.completed"
	EventSyncFailed           EventType = "sync.failed"
	EventConflictDetected     EventType = "conflict.detected"
	EventConflictManualReview EventType = "conflict.manual_review"
	EventPeerRegistered       EventType = "peer.registered"
	EventPeerSuspended        EventType = "peer.suspended"
	EventPeerRevoked          EventType = "peer.revoked"
	EventPeerKeyChanged       EventType = "peer.key_changed"
	EventTrustChanged         EventType = "trust.changed"
	EventHandshakeCompleted   EventType = "handshake.completed"
)

// Operational events.
const (
	EventTaskAutoDisabled EventType = "task.auto_disabled"
	EventSessionFlagged   EventType = "session.flagged"
)

// Event is the envelope every forge event travels in.
type Event struct {
	ID      string         `json:"id"`
	Type    EventType      `json:"type"`
	Source  string         `json:"source"`
	Subject string         `json:"subject,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	At      time.Time      `json:"at"`
}

// Handler processes events of a subscribed type.
type Handler func(ctx context.Context, event *Event) error

// Bus provides publish/subscribe for domain events. LocalBus keeps delivery
// in-process; RedisBus fans out across pods.
type Bus interface {
	// Publish delivers an event to all matching subscribers. Delivery is
	// asynchronous; Publish never blocks on slow handlers.
	Publish(ctx context.Context, event *Event) error

	// Emit builds the envelope and publishes it.
	Emit(eventType EventType, subject string, data map[string]any)

	// Notify adapts Emit to the fire-and-forget notifier interfaces the
	// trust, scheduler, and session packages declare. The subject is taken
	// from data["peer_id"] when present.
	Notify(event string, data map[string]any)

	// Subscribe registers a handler for the given event types; with no
	// types it receives every event. Returns an unsubscribe function.
	Subscribe(handler Handler, types ...EventType) (unsubscribe func())

	// Close shuts down the bus. Further publishes are dropped.
	Close() error
}

// ============================================================================
// LOCAL BUS (in-process, single-pod deployments)
// ============================================================================

type subscriberEntry struct {
	id      int
	handler Handler
}

// LocalBus is the in-memory Bus. Suitable for single-process deployments;
// wrap it in a RedisBus for multi-pod fanout.
type LocalBus struct {
	mu      sync.RWMutex
	source  string
	subs    map[EventType][]subscriberEntry
	allSubs []subscriberEntry
	nextID  int
	closed  bool

	now func() time.Time
}

// NewLocalBus creates an in-memory event bus. The source is stamped on every
// event built through Emit.
func NewLocalBus(source string) *LocalBus {
	if source == "" {
		source = "forge-core"
	}
	return &LocalBus{
		source: source,
		subs:   make(map[EventType][]subscriberEntry),
		now:    time.Now,
	}
}

// Publish fans the event out to matching subscribers, one goroutine per
// handler so a stuck subscriber never stalls the publisher.
func (b *LocalBus) Publish(ctx context.Context, event *Event) error {
	b.stamp(event)

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil
	}
	handlers := make([]Handler, 0, len(b.subs[event.Type])+len(b.allSubs))
	for _, entry := range b.subs[event.Type] {
		handlers = append(handlers, entry.handler)
	}
	for _, entry := range b.allSubs {
		handlers = append(handlers, entry.handler)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h := h
		go func() {
			if err := h(ctx, event); err != nil {
				slog.Warn("Event handler failed", "type", event.Type, "error", err)
			}
		}()
	}
	return nil
}

// Emit builds the envelope and publishes it.
func (b *LocalBus) Emit(eventType EventType, subject string, data map[string]any) {
	b.Publish(context.Background(), &Event{
		Type:    eventType,
		Subject: subject,
		Data:    data,
	})
}

// Notify satisfies the notifier interfaces declared by consumer packages.
func (b *LocalBus) Notify(event string, data map[string]any) {
	subject, _ := data["peer_id"].(string)
	b.Emit(EventType(event), subject, data)
}

// Subscribe registers a handler; with no types it receives every event.
func (b *LocalBus) Subscribe(handler Handler, types ...EventType) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	entry := subscriberEntry{id: id, handler: handler}

	if len(types) == 0 {
		b.allSubs = append(b.allSubs, entry)
	} else {
		for _, et := range types {
			b.subs[et] = append(b.subs[et], entry)
		}
	}

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for et, subs := range b.subs {
			b.subs[et] = removeSubscriber(subs, id)
		}
		b.allSubs = removeSubscriber(b.allSubs, id)
	}
}

// Close shuts down the bus.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[EventType][]subscriberEntry)
	b.allSubs = nil
	return nil
}

// SubscriberCount reports active subscriptions, counting a multi-type
// subscription once per type.
func (b *LocalBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	count := len(b.allSubs)
	for _, subs := range b.subs {
		count += len(subs)
	}
	return count
}

func removeSubscriber(subs []subscriberEntry, id int) []subscriberEntry {
	for i, entry := range subs {
		if entry.id == id {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}

// stamp fills in the envelope fields every event carries. Applied before
// local dispatch and before the JSON ships to Redis.
func (b *LocalBus) stamp(event *Event) {
	if event.ID == "" {
		event.ID = newEventID()
	}
	if event.At.IsZero() {
		event.At = b.now()
	}
	if event.Source == "" {
		event.Source = b.source
	}
}

func newEventID() string {
	return uuid.New().String()
}
