package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/gaspardpetit/syncbridge/internal/chunk"
	"github.com/gaspardpetit/syncbridge/internal/inflight"
	"github.com/gaspardpetit/syncbridge/internal/status"
	"github.com/gaspardpetit/syncbridge/internal/wire"
)

const testToken = "abc123"

func newTestBridge(t *testing.T, opts Options) (*Bridge, string) {
	t.Helper()
	if opts.Endpoint.Token == "" {
		opts.Endpoint.Token = testToken
	}
	b := New(opts)
	srv := httptest.NewServer(b.Handler())
	t.Cleanup(func() {
		_ = b.Close()
		srv.Close()
	})
	return b, "ws" + strings.TrimPrefix(srv.URL, "http")
}

type testPeer struct {
	conn *websocket.Conn
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	c.SetReadLimit(16 << 20)
	t.Cleanup(func() { _ = c.CloseNow() })
	return c
}

func writeFrame(t *testing.T, c *websocket.Conn, f wire.Frame) {
	t.Helper()
	b, _ := wire.Encode(f)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func connectPeer(t *testing.T, url string) *testPeer {
	t.Helper()
	c := dial(t, url)
	writeFrame(t, c, wire.Auth(testToken, "test-peer"))
	p := &testPeer{conn: c}
	if f := p.read(t); f.Kind() != wire.TypeAuthOK {
		t.Fatalf("expected auth_ok, got %+v", f)
	}
	return p
}

func (p *testPeer) read(t *testing.T) wire.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := p.conn.Read(ctx)
	if err != nil {
		t.Fatalf("peer read: %v", err)
	}
	f, err := wire.Decode(data)
	if err != nil {
		t.Fatalf("peer decode: %v", err)
	}
	return f
}

func (p *testPeer) reply(t *testing.T, f wire.Frame) {
	t.Helper()
	writeFrame(t, p.conn, f)
}

// serve answers calls with handle until the connection closes.
func (p *testPeer) serve(handle func(wire.Frame) wire.Frame) {
	go func() {
		for {
			_, data, err := p.conn.Read(context.Background())
			if err != nil {
				return
			}
			f, err := wire.Decode(data)
			if err != nil || f.Kind() != wire.TypeCall {
				continue
			}
			b, _ := wire.Encode(handle(f))
			if err := p.conn.Write(context.Background(), websocket.MessageText, b); err != nil {
				return
			}
		}
	}()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func asyncRequest(b *Bridge, method string, params any, timeout time.Duration) <-chan callResult {
	ch := make(chan callResult, 1)
	go func() {
		res, err := b.RequestTimeout(context.Background(), method, params, timeout)
		ch <- callResult{res, err}
	}()
	return ch
}

func TestRequestNotConnected(t *testing.T) {
	b, _ := newTestBridge(t, Options{})
	if b.IsConnected() {
		t.Fatalf("IsConnected = true without a peer")
	}
	start := time.Now()
	_, err := b.Request(context.Background(), "checkAuth", map[string]string{"platform": "zhihu"})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v; want ErrNotConnected", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatalf("NotConnected took %v", time.Since(start))
	}
	if b.corr.Len() != 0 {
		t.Fatalf("pending table touched")
	}
}

func TestHandshakeRejectsBadToken(t *testing.T) {
	b, url := newTestBridge(t, Options{})
	c := dial(t, url)
	writeFrame(t, c, wire.Auth("wrong", ""))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := c.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Fatalf("close status = %v (%v); want policy violation", websocket.CloseStatus(err), err)
	}
	if b.IsConnected() {
		t.Fatalf("unauthenticated peer marked connected")
	}
}

func TestHandshakeRejectsCallBeforeAuth(t *testing.T) {
	b, url := newTestBridge(t, Options{})
	c := dial(t, url)
	writeFrame(t, c, wire.Success("1", json.RawMessage(`true`)))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, _, err := c.Read(ctx); websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Fatalf("close status = %v; want policy violation", websocket.CloseStatus(err))
	}
	if b.IsConnected() {
		t.Fatalf("unauthenticated peer marked connected")
	}
}

func TestHandshakeTimeout(t *testing.T) {
	b, url := newTestBridge(t, Options{Endpoint: EndpointOptions{HandshakeTimeout: 50 * time.Millisecond}})
	c := dial(t, url)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, _, err := c.Read(ctx); err == nil {
		t.Fatalf("expected the silent peer to be disconnected")
	}
	if ctx.Err() != nil {
		t.Fatalf("bridge did not enforce the handshake timeout")
	}
	if b.IsConnected() {
		t.Fatalf("silent peer marked connected")
	}
}

func TestHandshakeRequiresConfiguredToken(t *testing.T) {
	b := New(Options{})
	defer b.Close()
	if _, err := b.Start("127.0.0.1:0"); !errors.Is(err, ErrNoToken) {
		t.Fatalf("Start err = %v; want ErrNoToken", err)
	}
	srv := httptest.NewServer(b.Handler())
	defer srv.Close()
	c := dial(t, "ws"+strings.TrimPrefix(srv.URL, "http"))
	writeFrame(t, c, wire.Auth("", ""))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, _, err := c.Read(ctx); websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Fatalf("close status = %v (%v); want policy violation", websocket.CloseStatus(err), err)
	}
	if b.IsConnected() {
		t.Fatalf("empty token authenticated")
	}
}

func TestLateConnectHookAfterDrop(t *testing.T) {
	status.UseStore(status.NewMemoryStore())
	defer status.UseStore(status.NewMemoryStore())
	b, url := newTestBridge(t, Options{})
	connectPeer(t, url)
	waitFor(t, "peer published", func() bool { return status.Get().Peer.Connected })
	c, err := b.endpoint.Current()
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	b.Reset()
	waitFor(t, "peer cleared", func() bool { return !status.Get().Peer.Connected })

	// OnConnect for a connection that was already dropped must not
	// resurrect it.
	b.onConnect(c)
	if st := status.Get(); st.Peer.Connected {
		t.Fatalf("dropped connection published as connected: %+v", st.Peer)
	}
}

func TestRequestRoutesReorderedResults(t *testing.T) {
	b, url := newTestBridge(t, Options{})
	p := connectPeer(t, url)
	if !b.IsConnected() {
		t.Fatalf("IsConnected = false after handshake")
	}
	methods := []string{"listPlatforms", "checkAuth", "extractArticle"}
	results := map[string]<-chan callResult{}
	for _, m := range methods {
		results[m] = asyncRequest(b, m, nil, 2*time.Second)
	}
	var calls []wire.Frame
	for range methods {
		calls = append(calls, p.read(t))
	}
	for i := len(calls) - 1; i >= 0; i-- {
		res, _ := json.Marshal(map[string]string{"method": calls[i].Method})
		p.reply(t, wire.Success(calls[i].ID, res))
	}
	for _, m := range methods {
		r := <-results[m]
		if r.err != nil {
			t.Fatalf("%s: %v", m, r.err)
		}
		var got map[string]string
		if err := json.Unmarshal(r.res, &got); err != nil || got["method"] != m {
			t.Fatalf("%s got result %s", m, r.res)
		}
	}
}

func TestRequestHoldsInflight(t *testing.T) {
	var counter inflight.Counter
	b, url := newTestBridge(t, Options{Inflight: &counter})
	p := connectPeer(t, url)
	ch := asyncRequest(b, "listPlatforms", nil, 2*time.Second)
	call := p.read(t)
	if n := counter.Load(); n != 1 {
		t.Fatalf("inflight = %d while call outstanding; want 1", n)
	}
	p.reply(t, wire.Success(call.ID, json.RawMessage(`[]`)))
	if r := <-ch; r.err != nil {
		t.Fatalf("request: %v", r.err)
	}
	waitFor(t, "inflight release", func() bool { return counter.Load() == 0 })
}

func TestRequestRemoteError(t *testing.T) {
	b, url := newTestBridge(t, Options{})
	p := connectPeer(t, url)
	p.serve(func(f wire.Frame) wire.Frame { return wire.Failure(f.ID, "not logged in") })
	_, err := b.Request(context.Background(), "checkAuth", map[string]string{"platform": "zhihu"})
	var re *RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("err = %v; want RemoteError", err)
	}
	if re.Message != "not logged in" || re.Method != "checkAuth" {
		t.Fatalf("remote error = %+v", re)
	}
}

func TestRequestTimeoutIgnoresLateResult(t *testing.T) {
	b, url := newTestBridge(t, Options{})
	p := connectPeer(t, url)
	ch := asyncRequest(b, "syncArticle", nil, 50*time.Millisecond)
	call := p.read(t)
	r := <-ch
	if !errors.Is(r.err, ErrTimeout) {
		t.Fatalf("err = %v; want ErrTimeout", r.err)
	}
	p.reply(t, wire.Success(call.ID, json.RawMessage(`"late"`)))

	ch = asyncRequest(b, "listPlatforms", nil, 2*time.Second)
	next := p.read(t)
	if next.ID == call.ID {
		t.Fatalf("id %s reused", next.ID)
	}
	p.reply(t, wire.Success(next.ID, json.RawMessage(`[]`)))
	if r := <-ch; r.err != nil || string(r.res) != `[]` {
		t.Fatalf("second call got %s, %v", r.res, r.err)
	}
	if !b.IsConnected() {
		t.Fatalf("late result must not disturb the connection")
	}
}

func TestDisconnectFailsPending(t *testing.T) {
	b, url := newTestBridge(t, Options{})
	p := connectPeer(t, url)
	ch := asyncRequest(b, "syncArticle", nil, 10*time.Second)
	p.read(t)
	start := time.Now()
	_ = p.conn.Close(websocket.StatusNormalClosure, "bye")
	r := <-ch
	if !errors.Is(r.err, ErrConnectionLost) {
		t.Fatalf("err = %v; want ErrConnectionLost", r.err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("pending call waited for its timeout")
	}
	waitFor(t, "disconnect", func() bool { return !b.IsConnected() })
	if _, err := b.Request(context.Background(), "x", nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v; want ErrNotConnected", err)
	}
}

func TestNewConnectionReplacesOld(t *testing.T) {
	b, url := newTestBridge(t, Options{})
	old := connectPeer(t, url)
	ch := asyncRequest(b, "checkAuth", nil, 10*time.Second)
	old.read(t)

	fresh := connectPeer(t, url)
	r := <-ch
	if !errors.Is(r.err, ErrConnectionLost) {
		t.Fatalf("err = %v; want ErrConnectionLost", r.err)
	}
	if !b.IsConnected() {
		t.Fatalf("replacement connection not current")
	}
	fresh.serve(func(f wire.Frame) wire.Frame { return wire.Success(f.ID, json.RawMessage(`"fresh"`)) })
	res, err := b.Request(context.Background(), "checkAuth", nil)
	if err != nil || string(res) != `"fresh"` {
		t.Fatalf("request after replacement: %s, %v", res, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, _, err := old.conn.Read(ctx); websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Fatalf("old connection close status = %v (%v)", websocket.CloseStatus(err), err)
	}
}

func TestResetAndClose(t *testing.T) {
	b, url := newTestBridge(t, Options{})
	connectPeer(t, url)
	if !b.Reset() {
		t.Fatalf("Reset reported no connection")
	}
	if b.IsConnected() {
		t.Fatalf("connected after Reset")
	}
	if b.Reset() {
		t.Fatalf("second Reset reported a connection")
	}

	p := connectPeer(t, url)
	ch := asyncRequest(b, "checkAuth", nil, 10*time.Second)
	p.read(t)
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if r := <-ch; !errors.Is(r.err, ErrClosed) {
		t.Fatalf("err = %v; want ErrClosed", r.err)
	}
	if _, err := b.Request(context.Background(), "x", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("err after close = %v; want ErrClosed", err)
	}
}

func TestStartBindError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	b := New(Options{Endpoint: EndpointOptions{Token: testToken}})
	defer b.Close()
	_, err = b.Start(ln.Addr().String())
	var be *BindError
	if !errors.As(err, &be) || be.Addr != ln.Addr().String() {
		t.Fatalf("err = %v; want BindError", err)
	}

	b2 := New(Options{Endpoint: EndpointOptions{Token: testToken}})
	defer b2.Close()
	addr, err := b2.Start("127.0.0.1:0")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	again, err := b2.Start("127.0.0.1:0")
	if err != nil || again != addr {
		t.Fatalf("second Start = %q, %v; want %q", again, err, addr)
	}
	c, _, err := websocket.Dial(context.Background(), "ws://"+addr, nil)
	if err != nil {
		t.Fatalf("dial listener: %v", err)
	}
	defer c.CloseNow()
	p := &testPeer{conn: c}
	writeFrame(t, c, wire.Auth(testToken, ""))
	if f := p.read(t); f.Kind() != wire.TypeAuthOK {
		t.Fatalf("expected auth_ok, got %+v", f)
	}
}

// uploadPeer reassembles uploads the way the extension does and records the
// order of chunk indexes it saw.
type uploadPeer struct {
	asm    *chunk.Assembler
	failAt int

	mu      sync.Mutex
	indexes []int
	mimes   []string
	done    []chunk.Upload
	methods []string
}

func (u *uploadPeer) handle(f wire.Frame) wire.Frame {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.methods = append(u.methods, f.Method)
	switch f.Method {
	case wire.MethodChunk:
		var p wire.ChunkParams
		if err := json.Unmarshal(f.Params, &p); err != nil {
			return wire.Failure(f.ID, err.Error())
		}
		u.indexes = append(u.indexes, p.Index)
		u.mimes = append(u.mimes, p.MimeType)
		if u.failAt >= 0 && p.Index == u.failAt {
			u.asm.Discard(p.SessionID)
			return wire.Failure(f.ID, "disk full")
		}
		if err := u.asm.Add(p); err != nil {
			return wire.Failure(f.ID, err.Error())
		}
		return wire.Success(f.ID, json.RawMessage(`{}`))
	case wire.MethodComplete:
		var p wire.CompleteParams
		if err := json.Unmarshal(f.Params, &p); err != nil {
			return wire.Failure(f.ID, err.Error())
		}
		up, err := u.asm.Complete(p)
		if err != nil {
			return wire.Failure(f.ID, err.Error())
		}
		u.done = append(u.done, up)
		return wire.Success(f.ID, json.RawMessage(`{"url":"https://cdn.example/`+up.SessionID+`"}`))
	default:
		return wire.Success(f.ID, json.RawMessage(`"`+f.Method+`"`))
	}
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	_, _ = rand.New(rand.NewSource(int64(n))).Read(b)
	return b
}

func TestUploadChunked(t *testing.T) {
	b, url := newTestBridge(t, Options{ChunkSize: 64 * 1024})
	p := connectPeer(t, url)
	u := &uploadPeer{asm: chunk.NewAssembler(time.Minute, 4), failAt: -1}
	p.serve(u.handle)

	png := append([]byte("\x89PNG\r\n\x1a\n"), randomBytes(300*1024)...)
	res, err := b.UploadChunked(context.Background(), png, "", "zhihu")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	var out struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(res, &out); err != nil || !strings.HasPrefix(out.URL, "https://cdn.example/") {
		t.Fatalf("result = %s", res)
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.indexes) != 5 {
		t.Fatalf("chunk calls = %d; want 5", len(u.indexes))
	}
	for i, idx := range u.indexes {
		if idx != i {
			t.Fatalf("chunk order %v", u.indexes)
		}
		if u.mimes[i] != "image/png" {
			t.Fatalf("mime = %q; want image/png", u.mimes[i])
		}
	}
	if u.methods[len(u.methods)-1] != wire.MethodComplete {
		t.Fatalf("last call = %s; want %s", u.methods[len(u.methods)-1], wire.MethodComplete)
	}
	if len(u.done) != 1 || !bytes.Equal(u.done[0].Data, png) || u.done[0].Tag != "zhihu" {
		t.Fatalf("reassembled payload mismatch")
	}
	if len(b.Snapshot().Uploads) != 0 {
		t.Fatalf("finished upload still tracked")
	}
}

func TestUploadAwaitsEachChunk(t *testing.T) {
	b, url := newTestBridge(t, Options{ChunkSize: 1024})
	p := connectPeer(t, url)
	frames := make(chan wire.Frame, 16)
	go func() {
		defer close(frames)
		for {
			_, data, err := p.conn.Read(context.Background())
			if err != nil {
				return
			}
			if f, err := wire.Decode(data); err == nil {
				frames <- f
			}
		}
	}()
	next := func() wire.Frame {
		t.Helper()
		select {
		case f, ok := <-frames:
			if !ok {
				t.Fatalf("connection closed")
			}
			return f
		case <-time.After(2 * time.Second):
			t.Fatalf("no frame from bridge")
		}
		return wire.Frame{}
	}
	quiet := func(after int) {
		t.Helper()
		select {
		case f := <-frames:
			t.Fatalf("%s sent before chunk %d was acknowledged", f.Method, after)
		case <-time.After(150 * time.Millisecond):
		}
	}

	done := make(chan error, 1)
	go func() {
		_, err := b.UploadChunked(context.Background(), randomBytes(3*1024), "image/png", "zhihu")
		done <- err
	}()
	for i := 0; i < 3; i++ {
		f := next()
		var params wire.ChunkParams
		if err := json.Unmarshal(f.Params, &params); err != nil || f.Method != wire.MethodChunk || params.Index != i {
			t.Fatalf("frame %d = %s %s", i, f.Method, f.Params)
		}
		quiet(i)
		p.reply(t, wire.Success(f.ID, json.RawMessage(`{}`)))
	}
	f := next()
	if f.Method != wire.MethodComplete {
		t.Fatalf("expected completion call, got %s", f.Method)
	}
	p.reply(t, wire.Success(f.ID, json.RawMessage(`{"url":"https://cdn.example/x"}`)))
	if err := <-done; err != nil {
		t.Fatalf("upload: %v", err)
	}
}

func TestUploadAbortsOnChunkFailure(t *testing.T) {
	b, url := newTestBridge(t, Options{ChunkSize: 1024})
	p := connectPeer(t, url)
	u := &uploadPeer{asm: chunk.NewAssembler(time.Minute, 4), failAt: 2}
	p.serve(u.handle)

	_, err := b.UploadChunked(context.Background(), randomBytes(5*1024), "image/jpeg", "weibo")
	var seq *ChunkSequenceError
	if !errors.As(err, &seq) || seq.Index != 2 || seq.Total != 5 {
		t.Fatalf("err = %v; want sequence error at chunk 2", err)
	}
	var re *RemoteError
	if !errors.As(err, &re) || re.Message != "disk full" {
		t.Fatalf("cause = %v; want remote error", err)
	}
	if _, err := b.Request(context.Background(), "listPlatforms", nil); err != nil {
		t.Fatalf("request after abort: %v", err)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	want := []string{wire.MethodChunk, wire.MethodChunk, wire.MethodChunk, "listPlatforms"}
	if strings.Join(u.methods, ",") != strings.Join(want, ",") {
		t.Fatalf("calls = %v; want %v", u.methods, want)
	}
}

func TestUploadPreconditions(t *testing.T) {
	b, url := newTestBridge(t, Options{MaxUploads: 1})
	if _, err := b.UploadChunked(context.Background(), nil, "", "x"); !errors.Is(err, ErrEmptyPayload) {
		t.Fatalf("err = %v; want ErrEmptyPayload", err)
	}
	if _, err := b.UploadChunked(context.Background(), []byte("x"), "", "x"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v; want ErrNotConnected", err)
	}

	p := connectPeer(t, url)
	first := make(chan error, 1)
	go func() {
		_, err := b.UploadChunked(context.Background(), []byte("hello"), "text/plain", "x")
		first <- err
	}()
	call := p.read(t)
	waitFor(t, "upload to be tracked", func() bool { return len(b.Snapshot().Uploads) == 1 })
	if _, err := b.UploadChunked(context.Background(), []byte("x"), "", "x"); !errors.Is(err, ErrBackpressure) {
		t.Fatalf("err = %v; want ErrBackpressure", err)
	}
	p.reply(t, wire.Success(call.ID, json.RawMessage(`{}`)))
	done := p.read(t)
	if done.Method != wire.MethodComplete {
		t.Fatalf("expected completion call, got %s", done.Method)
	}
	p.reply(t, wire.Success(done.ID, json.RawMessage(`"file:///tmp/x"`)))
	if err := <-first; err != nil {
		t.Fatalf("first upload: %v", err)
	}
}

// TestScenario walks the handshake, a remote call, a timed out call and an
// upload against one connection with shortened timeouts.
func TestScenario(t *testing.T) {
	b, url := newTestBridge(t, Options{CallTimeout: 100 * time.Millisecond, ChunkTimeout: time.Second})
	c := dial(t, url)
	p := &testPeer{conn: c}
	writeFrame(t, c, wire.Frame{Token: testToken})
	if f := p.read(t); f.Kind() != wire.TypeAuthOK {
		t.Fatalf("expected auth_ok, got %+v", f)
	}

	ch := asyncRequest(b, "checkAuth", map[string]string{"platform": "zhihu"}, 0)
	call := p.read(t)
	var params map[string]string
	if err := json.Unmarshal(call.Params, &params); err != nil || params["platform"] != "zhihu" {
		t.Fatalf("params = %s", call.Params)
	}
	writeFrame(t, c, wire.Frame{ID: call.ID, OK: boolPtr(true), Result: json.RawMessage(`{"isAuthenticated":true,"username":"x"}`)})
	if r := <-ch; r.err != nil || !strings.Contains(string(r.res), `"username":"x"`) {
		t.Fatalf("checkAuth = %s, %v", r.res, r.err)
	}

	start := time.Now()
	ch = asyncRequest(b, "syncArticle", nil, 0)
	p.read(t)
	if r := <-ch; !errors.Is(r.err, ErrTimeout) {
		t.Fatalf("err = %v; want ErrTimeout", r.err)
	}
	if d := time.Since(start); d < 100*time.Millisecond {
		t.Fatalf("timed out after %v; want at least the call timeout", d)
	}

	u := &uploadPeer{asm: chunk.NewAssembler(time.Minute, 4), failAt: -1}
	p.serve(u.handle)
	data := randomBytes(300 * 1024)
	if _, err := b.UploadChunked(context.Background(), data, "image/png", "zhihu"); err != nil {
		t.Fatalf("upload: %v", err)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.indexes) != 5 || len(u.done) != 1 || !bytes.Equal(u.done[0].Data, data) {
		t.Fatalf("upload not reproduced: %d chunks, %d completions", len(u.indexes), len(u.done))
	}
}

func boolPtr(v bool) *bool { return &v }
