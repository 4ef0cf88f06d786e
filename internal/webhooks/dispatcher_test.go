package webhooks

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgegraph/forge-core/internal/circuitbreaker"
	"github.com/forgegraph/forge-core/internal/events"
)

func testEvent(eventType events.EventType) *events.Event {
	return &events.Event{
		ID:      "evt-1",
		Type:    eventType,
		Source:  "forge-test",
		Subject: "peer-1",
		Data:    map[string]any{"peer_id": "peer-1"},
		At:      time.Now(),
	}
}

func newTestDispatcher(t *testing.T, registry *Registry) *Dispatcher {
	t.Helper()
	d := NewDispatcher(Config{Workers: 2, QueueSize: 16}, registry, nil, nil)
	d.backoff = func(int) time.Duration { return time.Millisecond }
	t.Cleanup(d.Shutdown)
	return d
}

// capturingEndpoint records webhook deliveries.
type capturingEndpoint struct {
	mu     sync.Mutex
	bodies [][]byte
	heads  []http.Header
	status atomic.Int32
}

func newCapturingEndpoint(status int) (*capturingEndpoint, *httptest.Server) {
	ep := &capturingEndpoint{}
	ep.status.Store(int32(status))
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ep.mu.Lock()
		ep.bodies = append(ep.bodies, body)
		ep.heads = append(ep.heads, r.Header.Clone())
		ep.mu.Unlock()
		w.WriteHeader(int(ep.status.Load()))
	}))
	return ep, server
}

func (ep *capturingEndpoint) count() int {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return len(ep.bodies)
}

func (ep *capturingEndpoint) last() ([]byte, http.Header) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if len(ep.bodies) == 0 {
		return nil, nil
	}
	return ep.bodies[len(ep.bodies)-1], ep.heads[len(ep.heads)-1]
}

// ============================================================================
// DELIVERY
// ============================================================================

func TestDispatchDeliversSignedPayload(t *testing.T) {
	ep, server := newCapturingEndpoint(http.StatusOK)
	defer server.Close()

	registry := NewRegistry()
	sub := &Subscription{
		URL:    server.URL,
		Events: []events.EventType{events.EventSyncCompleted},
		Secret: "hook-secret",
	}
	require.NoError(t, registry.Register(sub))

	d := newTestDispatcher(t, registry)
	d.Dispatch(testEvent(events.EventSyncCompleted))

	require.Eventually(t, func() bool { return ep.count() == 1 },
		2*time.Second, 10*time.Millisecond)

	body, head := ep.last()

	var delivery Delivery
	require.NoError(t, json.Unmarshal(body, &delivery))
	assert.Equal(t, "evt-1", delivery.ID)
	assert.Equal(t, events.EventSyncCompleted, delivery.Type)
	assert.Equal(t, "peer-1", delivery.Subject)
	assert.Equal(t, "peer-1", delivery.Data["peer_id"])

	assert.Equal(t, "application/json", head.Get("Content-Type"))
	assert.Equal(t, "sync.completed", head.Get("X-Forge-Event-Type"))
	assert.Equal(t, "evt-1", head.Get("X-Forge-Event-ID"))
	assert.Equal(t, "1", head.Get("X-Forge-Delivery-Attempt"))
	assert.Equal(t, "sha256="+SignPayload(body, "hook-secret"), head.Get("X-Forge-Signature"))

	got, err := registry.Get(sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.FailCount)
}

func TestDispatchSkipsUnsubscribedEvents(t *testing.T) {
	ep, server := newCapturingEndpoint(http.StatusOK)
	defer server.Close()

	registry := NewRegistry()
	require.NoError(t, registry.Register(&Subscription{
		URL:    server.URL,
		Events: []events.EventType{events.EventPeerRevoked},
	}))

	d := newTestDispatcher(t, registry)
	d.Dispatch(testEvent(events.EventSyncCompleted))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, ep.count())
}

func TestDispatchOmitsSignatureWithoutSecret(t *testing.T) {
	ep, server := newCapturingEndpoint(http.StatusOK)
	defer server.Close()

	registry := NewRegistry()
	require.NoError(t, registry.Register(&Subscription{
		URL:    server.URL,
		Events: []events.EventType{events.EventSyncCompleted},
	}))

	d := newTestDispatcher(t, registry)
	d.Dispatch(testEvent(events.EventSyncCompleted))

	require.Eventually(t, func() bool { return ep.count() == 1 },
		2*time.Second, 10*time.Millisecond)

	_, head := ep.last()
	assert.Empty(t, head.Get("X-Forge-Signature"))
}

// ============================================================================
// RETRIES AND FAILURE ACCOUNTING
// ============================================================================

func TestDeliveryRetriesUntilSuccess(t *testing.T) {
	ep, server := newCapturingEndpoint(http.StatusInternalServerError)
	defer server.Close()

	registry := NewRegistry()
	sub := &Subscription{
		URL:    server.URL,
		Events: []events.EventType{events.EventSyncFailed},
	}
	require.NoError(t, registry.Register(sub))

	d := NewDispatcher(Config{Workers: 1, QueueSize: 4}, registry, nil, nil)
	// Slow enough that the endpoint can be flipped healthy between attempts.
	d.backoff = func(int) time.Duration { return 300 * time.Millisecond }
	defer d.Shutdown()

	d.Dispatch(testEvent(events.EventSyncFailed))

	// First attempt fails; flip the endpoint healthy before the retry.
	require.Eventually(t, func() bool { return ep.count() >= 1 },
		2*time.Second, 10*time.Millisecond)
	ep.status.Store(http.StatusOK)

	require.Eventually(t, func() bool { return ep.count() >= 2 },
		2*time.Second, 10*time.Millisecond)

	_, head := ep.last()
	assert.Equal(t, "2", head.Get("X-Forge-Delivery-Attempt"))

	require.Eventually(t, func() bool {
		got, err := registry.Get(sub.ID)
		return err == nil && got.FailCount == 0
	}, 2*time.Second, 10*time.Millisecond, "success after retry resets the streak")
}

func TestDeliveryGivesUpAfterMaxAttempts(t *testing.T) {
	ep, server := newCapturingEndpoint(http.StatusBadGateway)
	defer server.Close()

	registry := NewRegistry()
	sub := &Subscription{
		URL:    server.URL,
		Events: []events.EventType{events.EventSyncFailed},
	}
	require.NoError(t, registry.Register(sub))

	d := newTestDispatcher(t, registry)
	d.Dispatch(testEvent(events.EventSyncFailed))

	require.Eventually(t, func() bool { return ep.count() == maxAttempts },
		2*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, maxAttempts, ep.count(), "no further attempts after the cap")

	got, err := registry.Get(sub.ID)
	require.NoError(t, err)
	assert.Equal(t, maxAttempts, got.FailCount)
}

func TestBreakerRejectionDoesNotPenalizeSubscriber(t *testing.T) {
	ep, server := newCapturingEndpoint(http.StatusOK)
	defer server.Close()

	registry := NewRegistry()
	sub := &Subscription{
		URL:    server.URL,
		Events: []events.EventType{events.EventSyncCompleted},
	}
	require.NoError(t, registry.Register(sub))

	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("webhook"))
	breaker.ForceOpen(time.Minute)

	d := NewDispatcher(Config{Workers: 1, QueueSize: 4}, registry, breaker, nil)
	d.backoff = func(int) time.Duration { return time.Millisecond }
	defer d.Shutdown()

	d.Dispatch(testEvent(events.EventSyncCompleted))

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, ep.count(), "open breaker blocks the HTTP call")

	got, err := registry.Get(sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.FailCount)
	assert.True(t, got.Active)
}

// ============================================================================
// BUS INTEGRATION AND SHUTDOWN
// ============================================================================

func TestBindBusForwardsMatchingEvents(t *testing.T) {
	ep, server := newCapturingEndpoint(http.StatusOK)
	defer server.Close()

	registry := NewRegistry()
	require.NoError(t, registry.Register(&Subscription{
		URL:    server.URL,
		Events: []events.EventType{events.EventPeerSuspended},
	}))

	bus := events.NewLocalBus("forge-test")
	defer bus.Close()

	d := newTestDispatcher(t, registry)
	d.BindBus(bus)

	bus.Emit(events.EventPeerSuspended, "peer-1", map[string]any{"peer_id": "peer-1"})
	bus.Emit(events.EventCapsuleCreated, "cap-1", nil) // not notifiable

	require.Eventually(t, func() bool { return ep.count() == 1 },
		2*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, ep.count())
}

func TestShutdownIsIdempotentAndStopsIntake(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(&Subscription{
		URL:    "https://hooks.example.org/sync",
		Events: []events.EventType{events.EventSyncCompleted},
	}))

	d := NewDispatcher(Config{Workers: 1, QueueSize: 4}, registry, nil, nil)
	d.Shutdown()
	d.Shutdown()

	// Dispatch after shutdown must not panic on the closed queue.
	d.Dispatch(testEvent(events.EventSyncCompleted))
}
