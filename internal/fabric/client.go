package fabric

import (
	"log/slog"
	gosync "sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/forgegraph/forge-core/internal/events"
)

const (
	// Time allowed to read the next pong.
	pongWait = 60 * time.Second
	// Ping interval; must be shorter than pongWait.
	pingPeriod = 30 * time.Second
	// Time allowed to complete one write.
	writeWait = 10 * time.Second
	// Inbound frames are control traffic only; anything bigger is abuse.
	maxMsgSize = 4096
	// Per-client outbound buffer. A full buffer marks the consumer slow.
	sendBuffer = 256
)

// Client is one connected stream consumer. writePump is the only goroutine
// that writes the connection, readPump the only one that reads it, so frames
// never interleave.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	filter map[events.EventType]bool
	remote string
	done   chan struct{}
	once   gosync.Once
}

func newClient(hub *Hub, conn *websocket.Conn, filter map[events.EventType]bool) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		filter: filter,
		remote: conn.RemoteAddr().String(),
		done:   make(chan struct{}),
	}
}

// wants reports whether the client subscribed to this event type. A nil
// filter means everything.
func (c *Client) wants(t events.EventType) bool {
	if c.filter == nil {
		return true
	}
	return c.filter[t]
}

// close tears the connection down exactly once and removes the client from
// the hub.
func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
		c.hub.unregister(c)
		c.conn.Close()
	})
}

// writePump owns all writes: queued events, pings, and the close frame.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

			// Flush whatever queued behind this frame.
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// readPump services control frames and discards anything else. The stream is
// one-directional; consumers do not publish.
func (c *Client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Warn("Stream read error", "remote", c.remote, "error", err)
			}
			return
		}
	}
}
