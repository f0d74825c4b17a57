package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait is the maximum time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// pongWait is how long the read loop waits for a pong before giving up.
	// Also used as the read deadline reset on every received frame, since
	// nodes are chatty (unlike the teacher's push-only GUI clients) and any
	// inbound frame is just as good a liveness signal as a pong.
	pongWait = 60 * time.Second

	// maxMessageSize caps the size of a single inbound frame.
	maxMessageSize = 1 << 20 // 1 MiB — job payloads can carry sizeable logs

	// sendBufferSize is the per-connection outbound queue depth. A full
	// buffer means the peer is too slow; Send then returns an error instead
	// of blocking, so a single stuck node cannot wedge the dispatcher.
	sendBufferSize = 64
)

// wsConn adapts a *websocket.Conn to registry.Conn. writePump is the only
// goroutine that writes data frames to the underlying connection —
// gorilla/websocket connections are not safe for concurrent writes — so Send
// hands frames off through a channel rather than calling WriteMessage
// directly. Ping and Close write their control frames directly.
type wsConn struct {
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		closed: make(chan struct{}),
	}
}

// Send queues payload for delivery. Returns an error without blocking if the
// outbound buffer is full or the connection is already closed.
func (c *wsConn) Send(payload []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return ErrBackpressure
	}
}

// Ping issues a WebSocket ping control frame and waits for it to either be
// written or time out — the lowest-level liveness probe the transport
// offers, per §4.4. It does not wait for the peer's pong; a pong that does
// arrive is handled by the read loop's pong handler.
func (c *wsConn) Ping(ctx context.Context) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeWait)
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
	})
	return c.conn.Close()
}

func (c *wsConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// writePump forwards queued frames to the wire and stops when the
// connection is closed.
func (c *wsConn) writePump() {
	for {
		select {
		case payload := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}
