package fabric

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgegraph/forge-core/internal/events"
)

func newTestHub(t *testing.T, cfg Config) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(cfg, nil)
	server := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(func() {
		hub.Shutdown()
		server.Close()
	})
	return hub, server
}

func wsURL(server *httptest.Server, query string) string {
	u := "ws" + strings.TrimPrefix(server.URL, "http")
	if query != "" {
		u += "?" + query
	}
	return u
}

func dialStream(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) *events.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev events.Event
	require.NoError(t, json.Unmarshal(payload, &ev))
	return &ev
}

func streamEvent(eventType events.EventType, subject string) *events.Event {
	return &events.Event{
		ID:      "evt-1",
		Type:    eventType,
		Source:  "forge-test",
		Subject: subject,
		Data:    map[string]any{"peer_id": subject},
		At:      time.Now(),
	}
}

// ============================================================================
// BROADCAST
// ============================================================================

func TestBroadcastReachesConnectedConsumers(t *testing.T) {
	hub, server := newTestHub(t, Config{})

	conn := dialStream(t, wsURL(server, ""))
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	hub.Broadcast(streamEvent(events.EventSyncCompleted, "peer-1"))

	ev := readEvent(t, conn)
	assert.Equal(t, events.EventSyncCompleted, ev.Type)
	assert.Equal(t, "peer-1", ev.Subject)
	assert.Equal(t, "peer-1", ev.Data["peer_id"])
}

func TestTypeFilterRestrictsDelivery(t *testing.T) {
	hub, server := newTestHub(t, Config{})

	conn := dialStream(t, wsURL(server, "types=sync.completed,sync.failed"))
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	hub.Broadcast(streamEvent(events.EventConflictDetected, "peer-1"))
	hub.Broadcast(streamEvent(events.EventSyncCompleted, "peer-2"))

	// The filtered-out conflict event never arrives; the first frame is the
	// sync completion.
	ev := readEvent(t, conn)
	assert.Equal(t, events.EventSyncCompleted, ev.Type)
	assert.Equal(t, "peer-2", ev.Subject)
}

func TestBindBusForwardsBusEvents(t *testing.T) {
	hub, server := newTestHub(t, Config{})

	bus := events.NewLocalBus("forge-test")
	defer bus.Close()
	hub.BindBus(bus)

	conn := dialStream(t, wsURL(server, ""))
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	bus.Emit(events.EventCapsuleUpdated, "cap-9", map[string]any{"capsule_id": "cap-9"})

	ev := readEvent(t, conn)
	assert.Equal(t, events.EventCapsuleUpdated, ev.Type)
	assert.Equal(t, "cap-9", ev.Subject)
}

// ============================================================================
// CONSUMER LIFECYCLE
// ============================================================================

func TestConsumerDisconnectUpdatesCount(t *testing.T) {
	hub, server := newTestHub(t, Config{})

	conn := dialStream(t, wsURL(server, ""))
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestSlowConsumerIsDisconnected(t *testing.T) {
	hub := NewHub(Config{}, nil)

	// Register a client whose pumps never start, so its send buffer only
	// fills. The hub must cut it loose instead of blocking the broadcast.
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		hub.register(newClient(hub, conn, nil))
	}))
	defer server.Close()

	dialStream(t, wsURL(server, ""))
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	for i := 0; i <= sendBuffer; i++ {
		hub.Broadcast(streamEvent(events.EventSyncCompleted, "peer-1"))
	}

	require.Eventually(t, func() bool { return hub.ClientCount() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestShutdownClosesEverything(t *testing.T) {
	hub, server := newTestHub(t, Config{})

	dialStream(t, wsURL(server, ""))
	dialStream(t, wsURL(server, ""))
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 },
		2*time.Second, 10*time.Millisecond)

	hub.Shutdown()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 },
		2*time.Second, 10*time.Millisecond)

	// Further upgrade attempts are refused.
	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

// ============================================================================
// ORIGIN GATING
// ============================================================================

func TestOriginAllowlist(t *testing.T) {
	_, server := newTestHub(t, Config{AllowedOrigins: []string{"https://ops.example.org"}})

	badHeader := http.Header{"Origin": []string{"https://evil.example.org"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(server, ""), badHeader)
	require.Error(t, err)
	if resp != nil {
		resp.Body.Close()
	}

	goodHeader := http.Header{"Origin": []string{"https://ops.example.org"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server, ""), goodHeader)
	require.NoError(t, err)
	conn.Close()
}
