// Package peer implements the extension side of the bridge protocol. The
// syncbridge-peer binary uses it to stand in for the browser extension.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/gaspardpetit/syncbridge/internal/chunk"
	"github.com/gaspardpetit/syncbridge/internal/logx"
	"github.com/gaspardpetit/syncbridge/internal/reconnect"
	"github.com/gaspardpetit/syncbridge/internal/wire"
)

// ErrUnauthorized is returned when the bridge rejects the token.
var ErrUnauthorized = errors.New("bridge rejected the token")

// Handler answers one call. A returned error is reported to the bridge as a
// failed result carrying the error text.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// UploadFunc receives a reassembled upload and returns the artifact
// reference sent back as the completion result.
type UploadFunc func(ctx context.Context, up chunk.Upload) (any, error)

// Options configures a Client.
type Options struct {
	URL              string
	Token            string
	Name             string
	MaxFrameBytes    int64
	HandshakeTimeout time.Duration
}

// Client connects to a bridge and answers its calls.
type Client struct {
	opts      Options
	asm       *chunk.Assembler
	connected atomic.Bool

	mu       sync.RWMutex
	handlers map[string]Handler
	fallback Handler
	onUpload UploadFunc
}

// New constructs a Client.
func New(opts Options) *Client {
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = 8 << 20
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	return &Client{
		opts:     opts,
		asm:      chunk.NewAssembler(chunk.DefaultTTL, chunk.DefaultMaxSessions),
		handlers: map[string]Handler{},
	}
}

// Handle registers h for method.
func (c *Client) Handle(method string, h Handler) {
	c.mu.Lock()
	c.handlers[method] = h
	c.mu.Unlock()
}

// HandleDefault registers the handler used for methods without their own.
func (c *Client) HandleDefault(h Handler) {
	c.mu.Lock()
	c.fallback = h
	c.mu.Unlock()
}

// OnUpload registers the receiver of completed uploads.
func (c *Client) OnUpload(f UploadFunc) {
	c.mu.Lock()
	c.onUpload = f
	c.mu.Unlock()
}

// Connected reports whether the client holds an authenticated connection.
func (c *Client) Connected() bool { return c.connected.Load() }

// Run makes one connection and serves it until it closes or ctx ends.
func (c *Client) Run(ctx context.Context) error {
	return c.run(ctx, func() {})
}

// RunWithReconnect keeps the client connected, backing off between attempts.
// It stops when ctx ends or the bridge rejects the token.
func (c *Client) RunWithReconnect(ctx context.Context) error {
	return reconnect.Run(ctx, func(err error) bool {
		if errors.Is(err, ErrUnauthorized) {
			return false
		}
		logx.Log.Warn().Err(err).Str("component", "peer").Msg("connection lost; retrying")
		return true
	}, c.run)
}

func (c *Client) run(ctx context.Context, connected func()) error {
	conn, _, err := websocket.Dial(ctx, c.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}
	defer func() { _ = conn.CloseNow() }()
	conn.SetReadLimit(c.opts.MaxFrameBytes)

	if err := c.handshake(ctx, conn); err != nil {
		return err
	}
	connected()
	c.connected.Store(true)
	defer c.connected.Store(false)
	logx.Log.Info().Str("component", "peer").Str("bridge", c.opts.URL).Str("name", c.opts.Name).Msg("connected to bridge")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.asm.Run(runCtx, 0)

	for {
		_, data, err := conn.Read(runCtx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}
		f, err := wire.Decode(data)
		if err != nil || f.Kind() != wire.TypeCall {
			logx.Log.Debug().Str("component", "peer").Msg("ignoring non-call frame")
			continue
		}
		go func(f wire.Frame) {
			b, err := wire.Encode(c.dispatch(runCtx, f))
			if err != nil {
				return
			}
			if err := conn.Write(runCtx, websocket.MessageText, b); err != nil {
				logx.Log.Debug().Err(err).Str("component", "peer").Str("call_id", string(f.ID)).Msg("result write failed")
			}
		}(f)
	}
}

func (c *Client) handshake(ctx context.Context, conn *websocket.Conn) error {
	hctx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()
	b, err := wire.Encode(wire.Auth(c.opts.Token, c.opts.Name))
	if err != nil {
		return err
	}
	if err := conn.Write(hctx, websocket.MessageText, b); err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}
	_, data, err := conn.Read(hctx)
	if err != nil {
		if websocket.CloseStatus(err) == websocket.StatusPolicyViolation {
			return ErrUnauthorized
		}
		return fmt.Errorf("await handshake ack: %w", err)
	}
	f, err := wire.Decode(data)
	if err != nil {
		return err
	}
	if f.Kind() != wire.TypeAuthOK {
		return fmt.Errorf("unexpected %q frame before handshake ack", f.Kind())
	}
	return nil
}

func (c *Client) dispatch(ctx context.Context, f wire.Frame) wire.Frame {
	res, err := c.answer(ctx, f)
	if err != nil {
		return wire.Failure(f.ID, err.Error())
	}
	b, err := json.Marshal(res)
	if err != nil {
		return wire.Failure(f.ID, fmt.Sprintf("encode result: %v", err))
	}
	return wire.Success(f.ID, b)
}

func (c *Client) answer(ctx context.Context, f wire.Frame) (any, error) {
	switch f.Method {
	case wire.MethodChunk:
		var p wire.ChunkParams
		if err := json.Unmarshal(f.Params, &p); err != nil {
			return nil, fmt.Errorf("invalid chunk params: %w", err)
		}
		if err := c.asm.Add(p); err != nil {
			return nil, err
		}
		return struct{}{}, nil
	case wire.MethodComplete:
		var p wire.CompleteParams
		if err := json.Unmarshal(f.Params, &p); err != nil {
			return nil, fmt.Errorf("invalid completion params: %w", err)
		}
		up, err := c.asm.Complete(p)
		if err != nil {
			return nil, err
		}
		c.mu.RLock()
		onUpload := c.onUpload
		c.mu.RUnlock()
		if onUpload == nil {
			return nil, errors.New("uploads are not supported")
		}
		return onUpload(ctx, up)
	}
	c.mu.RLock()
	h, ok := c.handlers[f.Method]
	if !ok {
		h = c.fallback
	}
	c.mu.RUnlock()
	if h == nil {
		return nil, fmt.Errorf("unknown method: %s", f.Method)
	}
	return h(ctx, f.Params)
}
