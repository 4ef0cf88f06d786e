package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// DefaultChannelPrefix namespaces forge event channels in a shared Redis.
const DefaultChannelPrefix = "forge:events:"

// RedisPubSubClient is the minimal Redis surface the bus needs. Implemented
// by infra.RedisAdapter.
type RedisPubSubClient interface {
	Publish(ctx context.Context, channel string, message []byte) error
	PSubscribe(ctx context.Context, pattern string, handler func(channel string, message []byte)) (unsubscribe func(), err error)
}

// RedisBus distributes events across pods over Redis Pub/Sub. Events publish
// to one channel per type (prefix + type); a single pattern subscription
// ingests every channel and fans out to the wrapped LocalBus, so events take
// the same delivery path whether they originated here or on another pod.
type RedisBus struct {
	mu      sync.Mutex
	pubsub  RedisPubSubClient
	prefix  string
	local   *LocalBus
	unsub   func()
	closed  bool
	ingests bool
}

// NewRedisBus wraps a LocalBus with Redis fanout.
func NewRedisBus(client RedisPubSubClient, channelPrefix, source string) *RedisBus {
	if channelPrefix == "" {
		channelPrefix = DefaultChannelPrefix
	}
	return &RedisBus{
		pubsub: client,
		prefix: channelPrefix,
		local:  NewLocalBus(source),
	}
}

// Publish sends the event to Redis; local delivery happens when the pattern
// subscription echoes it back. If Redis is down the event still reaches
// in-process subscribers directly.
func (b *RedisBus) Publish(ctx context.Context, event *Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("event bus is closed")
	}
	b.mu.Unlock()

	b.local.stamp(event)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	channel := b.prefix + string(event.Type)
	if err := b.pubsub.Publish(ctx, channel, data); err != nil {
		slog.Warn("Redis publish failed, delivering locally only",
			"type", event.Type, "error", err)
		return b.local.Publish(ctx, event)
	}

	// Without an active ingest subscription nothing would echo the event
	// back for local delivery.
	b.mu.Lock()
	ingesting := b.ingests
	b.mu.Unlock()
	if !ingesting {
		return b.local.Publish(ctx, event)
	}
	return nil
}

// Emit builds the envelope and publishes it.
func (b *RedisBus) Emit(eventType EventType, subject string, data map[string]any) {
	if err := b.Publish(context.Background(), &Event{
		Type:    eventType,
		Subject: subject,
		Data:    data,
	}); err != nil {
		slog.Warn("Event emit failed", "type", eventType, "error", err)
	}
}

// Notify satisfies the notifier interfaces declared by consumer packages.
func (b *RedisBus) Notify(event string, data map[string]any) {
	subject, _ := data["peer_id"].(string)
	b.Emit(EventType(event), subject, data)
}

// Subscribe registers a handler and lazily opens the single Redis ingest
// subscription on first use.
func (b *RedisBus) Subscribe(handler Handler, types ...EventType) func() {
	b.ensureIngest()
	return b.local.Subscribe(handler, types...)
}

func (b *RedisBus) ensureIngest() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ingests || b.closed {
		return
	}

	unsub, err := b.pubsub.PSubscribe(context.Background(), b.prefix+"*", func(_ string, message []byte) {
		var event Event
		if err := json.Unmarshal(message, &event); err != nil {
			slog.Warn("Dropping undecodable event from Redis", "error", err)
			return
		}
		b.local.Publish(context.Background(), &event)
	})
	if err != nil {
		slog.Warn("Redis subscribe failed, running in local-only mode", "error", err)
		return
	}
	b.unsub = unsub
	b.ingests = true
}

// Close shuts down the Redis subscription and the local bus.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.unsub != nil {
		b.unsub()
		b.unsub = nil
	}
	b.ingests = false
	return b.local.Close()
}

