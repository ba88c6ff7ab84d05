package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/gaspardpetit/syncbridge/internal/auth"
	"github.com/gaspardpetit/syncbridge/internal/logx"
	"github.com/gaspardpetit/syncbridge/internal/metrics"
	"github.com/gaspardpetit/syncbridge/internal/status"
	"github.com/gaspardpetit/syncbridge/internal/wire"
)

// EndpointOptions configures an Endpoint.
type EndpointOptions struct {
	Token            string
	AllowedOrigins   []string
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	DeadAfter        time.Duration
	WriteTimeout     time.Duration
	MaxFrameBytes    int64
	HandshakeRate    float64
	HandshakeBurst   int
	QueueSize        int
}

func (o *EndpointOptions) setDefaults() {
	if len(o.AllowedOrigins) == 0 {
		o.AllowedOrigins = []string{"*"}
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 5 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 15 * time.Second
	}
	if o.DeadAfter <= 0 {
		o.DeadAfter = 45 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = 8 << 20
	}
	if o.HandshakeRate <= 0 {
		o.HandshakeRate = 5
	}
	if o.HandshakeBurst <= 0 {
		o.HandshakeBurst = 10
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
}

// Endpoint accepts the extension's WebSocket, authenticates it and keeps
// exactly one connection current. A newly authenticated connection replaces
// the previous one.
type Endpoint struct {
	opts    EndpointOptions
	limiter *rate.Limiter
	log     zerolog.Logger

	// OnConnect runs after a connection authenticates and becomes current.
	OnConnect func(*Conn)
	// OnDisconnect runs once per connection when it is shut down.
	OnDisconnect func(*Conn, error)
	// OnResult receives result frames read from a connection.
	OnResult func(*Conn, wire.Frame)

	mu      sync.Mutex
	current *Conn
	ln      net.Listener
	srv     *http.Server
	closed  bool
}

// NewEndpoint constructs an Endpoint.
func NewEndpoint(opts EndpointOptions) *Endpoint {
	opts.setDefaults()
	return &Endpoint{
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.HandshakeRate), opts.HandshakeBurst),
		log:     logx.Log.With().Str("component", "bridge.endpoint").Logger(),
	}
}

// Start listens on addr and serves the endpoint on every path. It returns the
// bound address; calling it again returns the existing address.
func (e *Endpoint) Start(addr string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ln != nil {
		return e.ln.Addr().String(), nil
	}
	if e.closed {
		return "", ErrClosed
	}
	if e.opts.Token == "" {
		return "", ErrNoToken
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", &BindError{Addr: addr, Err: err}
	}
	e.ln = ln
	e.srv = &http.Server{Handler: e, ReadHeaderTimeout: 10 * time.Second}
	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.log.Error().Err(err).Msg("bridge listener stopped")
		}
	}(e.srv)
	e.log.Info().Str("addr", ln.Addr().String()).Msg("bridge listening")
	return ln.Addr().String(), nil
}

// ServeHTTP upgrades the request, authenticates the peer and runs the
// connection until it closes.
func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if status.IsDraining() {
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: e.opts.AllowedOrigins})
	if err != nil {
		e.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket accept failed")
		return
	}
	if !e.limiter.Allow() {
		metrics.RecordPeerConnection("throttled")
		e.log.Warn().Str("remote", r.RemoteAddr).Msg("handshake throttled")
		_ = ws.Close(websocket.StatusTryAgainLater, "too many handshakes")
		return
	}
	ws.SetReadLimit(e.opts.MaxFrameBytes)

	hctx, cancel := context.WithTimeout(r.Context(), e.opts.HandshakeTimeout)
	peer, err := e.handshake(hctx, ws)
	cancel()
	if err != nil {
		metrics.RecordPeerConnection("unauthorized")
		e.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("handshake rejected")
		_ = ws.Close(websocket.StatusPolicyViolation, "unauthorized")
		return
	}
	remote := peer
	if remote == "" {
		remote = r.RemoteAddr
	}

	c := newConn(ws, remote, e.opts.QueueSize)
	ack, _ := wire.Encode(wire.Frame{Type: wire.TypeAuthOK})
	c.send <- ack

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		_ = ws.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	old := e.current
	e.current = c
	e.mu.Unlock()

	if old != nil {
		metrics.RecordPeerConnection("replaced")
		e.log.Info().Str("conn_id", old.ID()).Str("replaced_by", c.ID()).Msg("replacing extension connection")
		e.drop(old, websocket.StatusNormalClosure, "replaced", ErrConnectionLost)
	}
	metrics.RecordPeerConnection("accepted")
	e.log.Info().Str("conn_id", c.ID()).Str("remote", remote).Msg("extension connected")
	if e.OnConnect != nil {
		e.OnConnect(c)
	}

	go e.writeLoop(c)
	go e.pingLoop(c)
	err = e.readLoop(c)
	e.drop(c, websocket.StatusNormalClosure, "closing", fmt.Errorf("%w: %v", ErrConnectionLost, err))
}

func (e *Endpoint) handshake(ctx context.Context, ws *websocket.Conn) (string, error) {
	_, data, err := ws.Read(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: read handshake: %v", ErrAuthFailed, err)
	}
	f, err := wire.Decode(data)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	if f.Kind() != wire.TypeAuth {
		return "", fmt.Errorf("%w: expected auth frame, got %q", ErrAuthFailed, f.Kind())
	}
	if e.opts.Token == "" {
		return "", fmt.Errorf("%w: %v", ErrAuthFailed, ErrNoToken)
	}
	if !auth.Equal(f.Token, e.opts.Token) {
		return "", fmt.Errorf("%w: token mismatch", ErrAuthFailed)
	}
	return f.Peer, nil
}

func (e *Endpoint) readLoop(c *Conn) error {
	for {
		_, data, err := c.ws.Read(context.Background())
		if err != nil {
			return err
		}
		f, err := wire.Decode(data)
		if err != nil {
			e.log.Debug().Err(err).Str("conn_id", c.ID()).Msg("dropping malformed frame")
			continue
		}
		if f.Kind() != wire.TypeResult {
			e.log.Debug().Str("conn_id", c.ID()).Str("type", string(f.Kind())).Msg("dropping unexpected frame")
			continue
		}
		if e.OnResult != nil {
			e.OnResult(c, f)
		}
	}
}

func (e *Endpoint) writeLoop(c *Conn) {
	for {
		select {
		case <-c.closed:
			return
		case b := <-c.send:
			ctx, cancel := context.WithTimeout(context.Background(), e.opts.WriteTimeout)
			err := c.ws.Write(ctx, websocket.MessageText, b)
			cancel()
			if err != nil {
				e.log.Warn().Err(err).Str("conn_id", c.ID()).Msg("write failed")
				e.drop(c, websocket.StatusInternalError, "write failed", fmt.Errorf("%w: write: %v", ErrConnectionLost, err))
				return
			}
		}
	}
}

func (e *Endpoint) pingLoop(c *Conn) {
	ticker := time.NewTicker(e.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), e.opts.DeadAfter)
			err := c.ws.Ping(ctx)
			cancel()
			if err != nil {
				select {
				case <-c.closed:
					return
				default:
				}
				e.log.Warn().Err(err).Str("conn_id", c.ID()).Msg("extension stopped answering pings")
				e.drop(c, websocket.StatusGoingAway, "dead", fmt.Errorf("%w: ping: %v", ErrConnectionLost, err))
				return
			}
		}
	}
}

// drop shuts c down and, the first time only, detaches it and fires
// OnDisconnect.
func (e *Endpoint) drop(c *Conn, code websocket.StatusCode, reason string, cause error) {
	if !c.shutdown(code, reason, cause) {
		return
	}
	e.mu.Lock()
	if e.current == c {
		e.current = nil
	}
	e.mu.Unlock()
	e.log.Info().Str("conn_id", c.ID()).Str("reason", reason).Msg("extension disconnected")
	if e.OnDisconnect != nil {
		e.OnDisconnect(c, cause)
	}
}

// Current returns the current connection or ErrNotConnected.
func (e *Endpoint) Current() (*Conn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return nil, ErrNotConnected
	}
	return e.current, nil
}

// IsConnected reports whether an authenticated connection is current.
func (e *Endpoint) IsConnected() bool {
	_, err := e.Current()
	return err == nil
}

// Reset closes the current connection. It reports whether one was open.
func (e *Endpoint) Reset() bool {
	c, err := e.Current()
	if err != nil {
		return false
	}
	e.drop(c, websocket.StatusNormalClosure, "reset", ErrConnectionLost)
	return true
}

// Close stops the listener and closes the current connection.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	srv := e.srv
	c := e.current
	e.mu.Unlock()
	if c != nil {
		e.drop(c, websocket.StatusGoingAway, "shutting down", ErrClosed)
	}
	if srv != nil {
		return srv.Close()
	}
	return nil
}
