package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memConn is one end of an in-memory socket. Closing either end closes both.
type memConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   *sync.Once
}

func memPair() (client, server *memConn) {
	c2s := make(chan []byte, 64)
	s2c := make(chan []byte, 64)
	closed := make(chan struct{})
	once := &sync.Once{}
	client = &memConn{in: s2c, out: c2s, closed: closed, once: once}
	server = &memConn{in: c2s, out: s2c, closed: closed, once: once}
	return client, server
}

func (c *memConn) ReadFrame() ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *memConn) WriteFrame(b []byte) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	select {
	case c.out <- b:
		return nil
	case <-c.closed:
		return io.ErrClosedPipe
	}
}

func (c *memConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// readFrame reads and decodes the next frame the pipe wrote.
func (c *memConn) readFrame(t *testing.T) *Frame {
	t.Helper()
	select {
	case b := <-c.in:
		f, err := UnmarshalFrame(b)
		require.NoError(t, err)
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func (c *memConn) respond(t *testing.T, id uint64, status uint32, body string) {
	t.Helper()
	b, err := (&Frame{Type: FrameResponse, Response: &Response{ID: id, Status: status, Body: []byte(body)}}).Marshal()
	require.NoError(t, err)
	require.NoError(t, c.WriteFrame(b))
}

// answerNext replies to the next request frame without touching t, so it
// can run on a helper goroutine.
func (c *memConn) answerNext(status uint32, body string) {
	var b []byte
	select {
	case b = <-c.in:
	case <-c.closed:
		return
	}
	f, err := UnmarshalFrame(b)
	if err != nil || f.Request == nil {
		return
	}
	out, _ := (&Frame{Type: FrameResponse, Response: &Response{ID: f.Request.ID, Status: status, Body: []byte(body)}}).Marshal()
	_ = c.WriteFrame(out)
}

func (c *memConn) push(t *testing.T, id uint64, verb, path string, body []byte) {
	t.Helper()
	b, err := (&Frame{Type: FrameRequest, Request: &Request{ID: id, Verb: verb, Path: path, Body: body}}).Marshal()
	require.NoError(t, err)
	require.NoError(t, c.WriteFrame(b))
}

type memDialer struct {
	servers chan *memConn
	dials   atomic.Int32
	fail    atomic.Int32
	urls    chan string
}

func newMemDialer() *memDialer {
	return &memDialer{servers: make(chan *memConn, 8), urls: make(chan string, 8)}
}

func (d *memDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	d.dials.Add(1)
	if d.fail.Load() > 0 {
		d.fail.Add(-1)
		return nil, errors.New("connection refused")
	}
	client, server := memPair()
	d.urls <- url
	d.servers <- server
	return client, nil
}

func (d *memDialer) accept(t *testing.T) *memConn {
	t.Helper()
	select {
	case s := <-d.servers:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("pipe never dialed")
		return nil
	}
}

func newTestPipe(t *testing.T, d Dialer, mutate func(*PipeConfig)) *Pipe {
	t.Helper()
	cfg := PipeConfig{
		Name:              "test",
		ServiceURL:        "https://service.example",
		Login:             "+15550100",
		Password:          "secret",
		BackoffStep:       5 * time.Millisecond,
		MaxBackoff:        20 * time.Millisecond,
		KeepaliveInterval: time.Hour,
		RequestTimeout:    time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := NewPipe(cfg, d)
	require.NoError(t, err)
	t.Cleanup(p.Disconnect)
	return p
}

func connectOpen(t *testing.T, p *Pipe, d *memDialer) *memConn {
	t.Helper()
	require.NoError(t, p.Connect(context.Background()))
	server := d.accept(t)
	require.Eventually(t, p.IsOpen, 2*time.Second, time.Millisecond)
	return server
}

func TestWebsocketURL(t *testing.T) {
	tests := []struct {
		in, login, password, want string
	}{
		{"https://chat.example.org", "+15550100", "pw", "wss://chat.example.org/v1/websocket/?login=%2B15550100&password=pw"},
		{"http://localhost:8080/", "u", "p", "ws://localhost:8080/v1/websocket/?login=u&password=p"},
		{"https://chat.example.org", "", "", "wss://chat.example.org/v1/websocket/"},
	}
	for _, tt := range tests {
		got, err := WebsocketURL(tt.in, tt.login, tt.password)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := WebsocketURL("ftp://example.org", "", "")
	assert.Error(t, err)
}

func TestPipeConnectIsIdempotent(t *testing.T) {
	d := newMemDialer()
	p := newTestPipe(t, d, nil)

	connectOpen(t, p, d)
	require.NoError(t, p.Connect(context.Background()))
	require.NoError(t, p.Connect(context.Background()))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), d.dials.Load())
	assert.Equal(t, "wss://service.example/v1/websocket/?login=%2B15550100&password=secret", <-d.urls)
}

func TestPipeSendRequiresOpen(t *testing.T) {
	p := newTestPipe(t, newMemDialer(), nil)
	_, err := p.SendRequest(&Request{ID: 1, Verb: "GET", Path: "/"})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, PipeDisconnected, p.State())
}

func TestPipeCorrelatesOutOfOrderResponses(t *testing.T) {
	d := newMemDialer()
	p := newTestPipe(t, d, nil)
	server := connectOpen(t, p, d)

	const n = 16
	replies := make([]<-chan Reply, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ch, err := p.SendRequest(&Request{ID: uint64(100 + i), Verb: "GET", Path: fmt.Sprintf("/r/%d", i)})
			assert.NoError(t, err)
			replies[i] = ch
		}(i)
	}
	wg.Wait()

	received := make([]*Request, 0, n)
	for i := 0; i < n; i++ {
		received = append(received, server.readFrame(t).Request)
	}
	// Answer in reverse arrival order; bodies echo the request path.
	for i := n - 1; i >= 0; i-- {
		server.respond(t, received[i].ID, 200, received[i].Path)
	}

	for i := 0; i < n; i++ {
		select {
		case r := <-replies[i]:
			require.NoError(t, r.Err)
			assert.Equal(t, fmt.Sprintf("/r/%d", i), string(r.Response.Body))
			assert.Equal(t, uint64(100+i), r.Response.ID)
		case <-time.After(2 * time.Second):
			t.Fatalf("request %d never resolved", i)
		}
	}
}

func TestPipeRejectsDuplicateOutstandingID(t *testing.T) {
	d := newMemDialer()
	p := newTestPipe(t, d, nil)
	server := connectOpen(t, p, d)

	_, err := p.SendRequest(&Request{ID: 7, Verb: "GET", Path: "/a"})
	require.NoError(t, err)
	_, err = p.SendRequest(&Request{ID: 7, Verb: "GET", Path: "/b"})
	assert.ErrorIs(t, err, ErrDuplicateRequestID)

	server.readFrame(t)
	server.respond(t, 7, 200, "")
	require.Eventually(t, func() bool {
		_, err := p.SendRequest(&Request{ID: 7, Verb: "GET", Path: "/c"})
		return err == nil
	}, time.Second, time.Millisecond)
}

func TestPipeDropsUnmatchedResponses(t *testing.T) {
	d := newMemDialer()
	p := newTestPipe(t, d, nil)
	server := connectOpen(t, p, d)

	server.respond(t, 999, 200, "nobody asked")
	go server.answerNext(204, "")
	resp, err := p.Do(context.Background(), &Request{ID: 5, Verb: "GET", Path: "/x"})
	require.NoError(t, err)
	assert.Equal(t, uint32(204), resp.Status)
	assert.True(t, p.IsOpen())
}

func TestPipeDisconnectFailsPendingAndWakesReaders(t *testing.T) {
	d := newMemDialer()
	p := newTestPipe(t, d, nil)
	connectOpen(t, p, d)

	const k = 5
	var replies []<-chan Reply
	for i := 0; i < k; i++ {
		ch, err := p.SendRequest(&Request{ID: uint64(i + 1), Verb: "PUT", Path: "/v1/messages/x"})
		require.NoError(t, err)
		replies = append(replies, ch)
	}

	readerDone := make(chan ReadResult, 1)
	go func() {
		res, _ := p.ReadRequest(time.Minute)
		readerDone <- res
	}()

	time.Sleep(10 * time.Millisecond)
	p.Disconnect()

	for i, ch := range replies {
		select {
		case r := <-ch:
			assert.ErrorIs(t, r.Err, ErrPipeClosed, "request %d", i)
		case <-time.After(time.Second):
			t.Fatalf("request %d left pending", i)
		}
	}
	select {
	case res := <-readerDone:
		assert.Equal(t, ReadClosed, res)
	case <-time.After(time.Second):
		t.Fatal("reader never woke")
	}

	assert.Equal(t, PipeDisconnected, p.State())
	assert.ErrorIs(t, p.Connect(context.Background()), ErrPipeClosed)
}

func TestPipeReadRequestQueuesInOrder(t *testing.T) {
	d := newMemDialer()
	p := newTestPipe(t, d, nil)
	server := connectOpen(t, p, d)

	res, req := p.ReadRequest(10 * time.Millisecond)
	assert.Equal(t, ReadTimedOut, res)
	assert.Nil(t, req)

	for i := 1; i <= 3; i++ {
		server.push(t, uint64(i), "PUT", "/api/v1/message", []byte{byte(i)})
	}
	for i := 1; i <= 3; i++ {
		res, req := p.ReadRequest(time.Second)
		require.Equal(t, ReadReceived, res)
		assert.Equal(t, uint64(i), req.ID)
		assert.Equal(t, []byte{byte(i)}, req.Body)
	}

	require.NoError(t, p.SendResponse(3, 200, "OK", nil))
	f := server.readFrame(t)
	assert.Equal(t, FrameResponse, f.Type)
	assert.Equal(t, uint64(3), f.Response.ID)
	assert.Equal(t, "OK", f.Response.Message)
}

func TestPipeReconnectsAfterSocketFailure(t *testing.T) {
	d := newMemDialer()
	p := newTestPipe(t, d, nil)
	server := connectOpen(t, p, d)

	ch, err := p.SendRequest(&Request{ID: 1, Verb: "GET", Path: "/"})
	require.NoError(t, err)

	d.fail.Store(2)
	server.Close()

	select {
	case r := <-ch:
		assert.ErrorIs(t, r.Err, ErrPipeClosed)
	case <-time.After(time.Second):
		t.Fatal("pending request not failed on socket loss")
	}

	second := d.accept(t)
	require.Eventually(t, p.IsOpen, 2*time.Second, time.Millisecond)
	assert.Equal(t, int32(4), d.dials.Load())

	go second.answerNext(200, "again")
	resp, err := p.Do(context.Background(), &Request{Verb: "GET", Path: "/"})
	require.NoError(t, err)
	assert.Equal(t, "again", string(resp.Body))
}

func TestBackoffDelay(t *testing.T) {
	const step, max = 200 * time.Millisecond, 15 * time.Second
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 0},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{6, 6400 * time.Millisecond},
		{7, 12800 * time.Millisecond},
		{8, max},
		{1000, max},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempts=%d", tt.attempts), func(t *testing.T) {
			assert.Equal(t, tt.want, backoffDelay(tt.attempts, step, max))
		})
	}

	// A step above the cap and a cap near the duration limit stay bounded.
	assert.Equal(t, time.Second, backoffDelay(1, time.Minute, time.Second))
	huge := time.Duration(1<<63 - 1)
	assert.Equal(t, huge, backoffDelay(200, time.Second, huge))
}

// stampDialer refuses a fixed number of dials, recording when each came in,
// then hands out in-memory sockets.
type stampDialer struct {
	*memDialer
	mu     sync.Mutex
	stamps []time.Time
}

func (d *stampDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	d.mu.Lock()
	d.stamps = append(d.stamps, time.Now())
	d.mu.Unlock()
	return d.memDialer.Dial(ctx, url, header)
}

func (d *stampDialer) gaps() []time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []time.Duration
	for i := 1; i < len(d.stamps); i++ {
		out = append(out, d.stamps[i].Sub(d.stamps[i-1]))
	}
	return out
}

func TestPipeBackoffGrowsAndResetsAfterOpen(t *testing.T) {
	d := &stampDialer{memDialer: newMemDialer()}
	d.fail.Store(4)
	p := newTestPipe(t, d, func(c *PipeConfig) {
		c.BackoffStep = 20 * time.Millisecond
		c.MaxBackoff = 50 * time.Millisecond
	})
	require.NoError(t, p.Connect(context.Background()))
	server := d.accept(t)
	require.Eventually(t, p.IsOpen, 2*time.Second, time.Millisecond)

	// Timers never fire early, so each gap is at least its backoff.
	gaps := d.gaps()
	require.Len(t, gaps, 4)
	for i, want := range []time.Duration{20, 40, 50, 50} {
		assert.GreaterOrEqual(t, gaps[i], want*time.Millisecond, "gap %d", i)
	}

	p.mu.Lock()
	attempts := p.attempts
	p.mu.Unlock()
	assert.Zero(t, attempts)
	assert.Zero(t, backoffDelay(attempts, p.cfg.BackoffStep, p.cfg.MaxBackoff))

	// A drop counts as one failure, so the redial waits a single step.
	server.Close()
	d.accept(t)
	require.Eventually(t, p.IsOpen, 2*time.Second, time.Millisecond)
	assert.Len(t, d.gaps(), 5)
	p.mu.Lock()
	assert.Zero(t, p.attempts)
	p.mu.Unlock()
}

func TestPipeMalformedFrameTearsDownSocket(t *testing.T) {
	d := newMemDialer()
	p := newTestPipe(t, d, nil)
	server := connectOpen(t, p, d)

	require.NoError(t, server.WriteFrame([]byte{0x08, 0x07}))
	d.accept(t)
	require.Eventually(t, p.IsOpen, 2*time.Second, time.Millisecond)
	assert.Equal(t, int32(2), d.dials.Load())
}

func TestPipeDoTimeoutRemovesPending(t *testing.T) {
	d := newMemDialer()
	p := newTestPipe(t, d, func(c *PipeConfig) { c.RequestTimeout = 20 * time.Millisecond })
	server := connectOpen(t, p, d)

	_, err := p.Do(context.Background(), &Request{ID: 42, Verb: "GET", Path: "/slow"})
	assert.ErrorIs(t, err, ErrRequestTimeout)

	p.mu.Lock()
	_, still := p.pending[42]
	p.mu.Unlock()
	assert.False(t, still)

	// A late response is dropped and the id may be reused.
	server.readFrame(t)
	server.respond(t, 42, 200, "late")
	_, err = p.SendRequest(&Request{ID: 42, Verb: "GET", Path: "/again"})
	assert.NoError(t, err)
}

func TestPipeDoHonoursContext(t *testing.T) {
	d := newMemDialer()
	p := newTestPipe(t, d, nil)
	connectOpen(t, p, d)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Do(ctx, &Request{ID: 9, Verb: "GET", Path: "/"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPipeSendsKeepalives(t *testing.T) {
	d := newMemDialer()
	p := newTestPipe(t, d, func(c *PipeConfig) { c.KeepaliveInterval = 10 * time.Millisecond })
	server := connectOpen(t, p, d)

	f := server.readFrame(t)
	require.Equal(t, FrameRequest, f.Type)
	assert.Equal(t, "GET", f.Request.Verb)
	assert.Equal(t, "/v1/keepalive", f.Request.Path)
}

func TestNextRequestIDIsMonotonic(t *testing.T) {
	p := newTestPipe(t, newMemDialer(), nil)
	prev := p.NextRequestID()
	for i := 0; i < 100; i++ {
		next := p.NextRequestID()
		assert.Greater(t, next, prev)
		prev = next
	}
}
