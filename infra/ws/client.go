package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/routa/dispatch/core/model"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	// sendBuffer bounds the outbound queue. A subscriber that falls this far
	// behind starts losing messages; receivers resynchronise via revisions.
	sendBuffer   = 64
	maxFrameSize = 1 << 16
)

// outbound is the server-to-client frame.
type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Client is one authenticated websocket connection. It implements
// registry.Conn: Send enqueues on a buffered channel and never blocks.
type Client struct {
	id    string
	ident model.Identity
	conn  *websocket.Conn

	mu     sync.Mutex
	send   chan outbound
	closed bool
}

func newClient(id string, ident model.Identity, conn *websocket.Conn) *Client {
	return &Client{
		id:    id,
		ident: ident,
		conn:  conn,
		send:  make(chan outbound, sendBuffer),
	}
}

// ID returns the connection id, distinct from the party id so a reconnecting
// party can be told apart from its stale connection.
func (c *Client) ID() string { return c.id }

// Identity returns the verified party bound at handshake.
func (c *Client) Identity() model.Identity { return c.ident }

// Send enqueues a frame. It reports false when the connection is gone or the
// queue is full; the caller treats either as an accepted best-effort drop.
func (c *Client) Send(event string, data any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- outbound{Event: event, Data: data}:
		return true
	default:
		return false
	}
}

// Close shuts the queue and the underlying socket.
func (c *Client) Close() error {
	c.shutdown()
	return c.conn.Close()
}

func (c *Client) shutdown() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
}

// writePump drains the send queue onto the socket. One goroutine per
// connection; gorilla/websocket allows a single concurrent writer.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump decodes inbound envelopes and hands them to the engine. It owns
// connection teardown: when the read loop ends, for any reason, the engine is
// told exactly once and every subscription dies with the connection.
func (c *Client) readPump(e Engine) {
	defer func() {
		e.HandleDisconnect(c)
		c.shutdown()
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var env model.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			return
		}
		e.HandleEvent(c, env)
	}
}
