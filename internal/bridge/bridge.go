// Package bridge carries remote procedure calls between the automation
// process and the browser extension over one authenticated WebSocket.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/gaspardpetit/syncbridge/internal/chunk"
	"github.com/gaspardpetit/syncbridge/internal/config"
	"github.com/gaspardpetit/syncbridge/internal/inflight"
	"github.com/gaspardpetit/syncbridge/internal/metrics"
	"github.com/gaspardpetit/syncbridge/internal/status"
	"github.com/gaspardpetit/syncbridge/internal/wire"
)

// Options configures a Bridge. Zero values select the defaults.
type Options struct {
	Endpoint     EndpointOptions
	CallTimeout  time.Duration
	ChunkTimeout time.Duration
	ChunkSize    int
	MaxPending   int
	MaxUploads   int
	// Inflight, when set, is held for every outstanding call so shutdown
	// can wait for them.
	Inflight *inflight.Counter
}

// OptionsFromConfig maps the daemon configuration onto bridge options.
func OptionsFromConfig(c *config.BridgeConfig) Options {
	return Options{
		Endpoint: EndpointOptions{
			Token:            c.Token,
			AllowedOrigins:   c.AllowedOrigins,
			HandshakeTimeout: c.HandshakeTimeout,
			PingInterval:     c.PingInterval,
			DeadAfter:        c.DeadAfter,
			MaxFrameBytes:    c.MaxFrameBytes,
			HandshakeRate:    c.HandshakeRate,
			HandshakeBurst:   c.HandshakeBurst,
		},
		CallTimeout:  c.CallTimeout,
		ChunkTimeout: c.ChunkTimeout,
		ChunkSize:    c.ChunkSize,
		MaxPending:   c.MaxPending,
		MaxUploads:   c.MaxUploads,
	}
}

func (o *Options) setDefaults() {
	if o.CallTimeout <= 0 {
		o.CallTimeout = 30 * time.Second
	}
	if o.ChunkTimeout <= 0 {
		o.ChunkTimeout = 120 * time.Second
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = chunk.DefaultSize
	}
	if o.MaxPending <= 0 {
		o.MaxPending = 256
	}
	if o.MaxUploads <= 0 {
		o.MaxUploads = 4
	}
	if o.Inflight == nil {
		o.Inflight = &inflight.Counter{}
	}
}

// Bridge is the facade used by the tool catalog and the control API.
type Bridge struct {
	opts     Options
	endpoint *Endpoint
	corr     *Correlator
	uploads  *semaphore.Weighted
	closed   atomic.Bool

	mu       sync.Mutex
	sessions map[string]*UploadInfo
}

// New constructs a Bridge. Call Start to listen, or mount Handler on an
// existing server.
func New(opts Options) *Bridge {
	opts.setDefaults()
	b := &Bridge{
		opts:     opts,
		endpoint: NewEndpoint(opts.Endpoint),
		corr:     NewCorrelator(opts.MaxPending),
		uploads:  semaphore.NewWeighted(int64(opts.MaxUploads)),
		sessions: map[string]*UploadInfo{},
	}
	b.endpoint.OnConnect = b.onConnect
	b.endpoint.OnDisconnect = b.onDisconnect
	b.endpoint.OnResult = b.onResult
	return b
}

// Start listens for the extension on addr and returns the bound address.
func (b *Bridge) Start(addr string) (string, error) {
	if b.closed.Load() {
		return "", ErrClosed
	}
	return b.endpoint.Start(addr)
}

// Handler exposes the extension endpoint for mounting on another server.
func (b *Bridge) Handler() http.Handler { return b.endpoint }

// IsConnected reports whether an authenticated extension is connected.
func (b *Bridge) IsConnected() bool { return b.endpoint.IsConnected() }

// Request calls method on the extension with the default call timeout.
func (b *Bridge) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return b.RequestTimeout(ctx, method, params, b.opts.CallTimeout)
}

// RequestTimeout calls method on the extension and waits at most timeout for
// its result. It fails immediately with ErrNotConnected when no extension is
// connected.
func (b *Bridge) RequestTimeout(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	c, err := b.endpoint.Current()
	if err != nil {
		metrics.RecordCall(method, outcomeLabel(err), 0)
		return nil, err
	}
	if timeout <= 0 {
		timeout = b.opts.CallTimeout
	}
	defer b.opts.Inflight.Hold()()
	return b.corr.Issue(ctx, c, method, params, timeout)
}

// Reset closes the current extension connection, failing its pending calls.
func (b *Bridge) Reset() bool { return b.endpoint.Reset() }

// Close stops the listener, closes the connection and fails every pending
// call with ErrClosed.
func (b *Bridge) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	err := b.endpoint.Close()
	b.corr.FailAll(ErrClosed)
	return err
}

// Snapshot describes the bridge for status reporting.
type Snapshot struct {
	Connected bool          `json:"connected"`
	ConnID    string        `json:"conn_id,omitempty"`
	Remote    string        `json:"remote,omitempty"`
	Since     *time.Time    `json:"since,omitempty"`
	Pending   []PendingInfo `json:"pending"`
	Uploads   []UploadInfo  `json:"uploads"`
}

// Snapshot returns the current connection, pending calls and uploads.
func (b *Bridge) Snapshot() Snapshot {
	s := Snapshot{Pending: b.corr.Pending(), Uploads: []UploadInfo{}}
	if c, err := b.endpoint.Current(); err == nil {
		since := c.ConnectedAt()
		s.Connected = true
		s.ConnID = c.ID()
		s.Remote = c.Remote()
		s.Since = &since
	}
	sort.Slice(s.Pending, func(i, j int) bool { return s.Pending[i].Created.Before(s.Pending[j].Created) })
	b.mu.Lock()
	for _, u := range b.sessions {
		s.Uploads = append(s.Uploads, *u)
	}
	b.mu.Unlock()
	sort.Slice(s.Uploads, func(i, j int) bool { return s.Uploads[i].StartedAt.Before(s.Uploads[j].StartedAt) })
	return s
}

// onConnect and onDisconnect publish under b.mu and re-read the endpoint's
// current connection, so a connection dropped before its OnConnect ran is
// never reported as connected.
func (b *Bridge) onConnect(c *Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, err := b.endpoint.Current(); err != nil || cur != c {
		return
	}
	status.SetPeer(status.PeerState{Connected: true, ConnID: c.ID(), Remote: c.Remote(), Since: c.ConnectedAt()})
	metrics.SetPeerConnected(true)
}

func (b *Bridge) onDisconnect(c *Conn, cause error) {
	err := ErrConnectionLost
	if errors.Is(cause, ErrClosed) {
		err = ErrClosed
	}
	b.corr.FailConnection(c.ID(), err)
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.endpoint.IsConnected() {
		status.SetPeer(status.PeerState{})
		metrics.SetPeerConnected(false)
	}
}

func (b *Bridge) onResult(c *Conn, f wire.Frame) {
	var err error
	if f.OK != nil && !*f.OK {
		msg := f.Error
		if msg == "" {
			msg = "extension reported an error"
		}
		err = &RemoteError{Message: msg}
	}
	b.corr.Settle(c.ID(), f.ID, f.Result, err)
}
