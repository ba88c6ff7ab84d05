package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/gaspardpetit/syncbridge/internal/wire"
)

// Conn is an authenticated extension connection.
type Conn struct {
	id          string
	remote      string
	connectedAt time.Time
	ws          *websocket.Conn

	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	cause     error
}

func newConn(ws *websocket.Conn, remote string, queue int) *Conn {
	return &Conn{
		id:          uuid.NewString(),
		remote:      remote,
		connectedAt: time.Now(),
		ws:          ws,
		send:        make(chan []byte, queue),
		closed:      make(chan struct{}),
	}
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// Remote returns the peer name sent in the handshake, or the remote address.
func (c *Conn) Remote() string { return c.remote }

// ConnectedAt returns when the handshake completed.
func (c *Conn) ConnectedAt() time.Time { return c.connectedAt }

// Done is closed once the connection is shut down.
func (c *Conn) Done() <-chan struct{} { return c.closed }

// Send queues f for the write loop. Frames leave in the order they were
// queued.
func (c *Conn) Send(ctx context.Context, f wire.Frame) error {
	b, err := wire.Encode(f)
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return ErrConnectionLost
	default:
	}
	select {
	case c.send <- b:
		return nil
	case <-c.closed:
		return ErrConnectionLost
	case <-ctx.Done():
		return ctx.Err()
	}
}

// shutdown closes the connection once and reports whether this call did it.
// The close handshake runs in the background so callers never block on a
// slow peer.
func (c *Conn) shutdown(code websocket.StatusCode, reason string, cause error) bool {
	first := false
	c.closeOnce.Do(func() {
		first = true
		c.cause = cause
		close(c.closed)
		go func() { _ = c.ws.Close(code, reason) }()
	})
	return first
}

// Err returns why the connection was shut down, or nil while it is open.
func (c *Conn) Err() error {
	select {
	case <-c.closed:
		return c.cause
	default:
		return nil
	}
}
