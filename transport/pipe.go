package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// PipeState is the connection state of a Pipe.
type PipeState int32

const (
	// PipeDisconnected means no socket and no connection attempt.
	PipeDisconnected PipeState = iota
	// PipeConnecting means a dial or backoff wait is in progress.
	PipeConnecting
	// PipeOpen means the socket is usable.
	PipeOpen
)

func (s PipeState) String() string {
	switch s {
	case PipeDisconnected:
		return "disconnected"
	case PipeConnecting:
		return "connecting"
	case PipeOpen:
		return "open"
	default:
		return fmt.Sprintf("PipeState(%d)", int32(s))
	}
}

// ReadResult tells a ReadRequest caller why it returned.
type ReadResult int

const (
	// ReadReceived means a pushed request was dequeued.
	ReadReceived ReadResult = iota
	// ReadTimedOut means the timeout elapsed with the queue empty.
	ReadTimedOut
	// ReadClosed means the pipe was disconnected.
	ReadClosed
)

var (
	// ErrPipeClosed fails requests outstanding when the socket goes away.
	ErrPipeClosed = errors.New("pipe closed")
	// ErrNotConnected is returned when sending on a pipe that is not open.
	ErrNotConnected = errors.New("pipe not connected")
	// ErrDuplicateRequestID is returned when an id is already outstanding.
	ErrDuplicateRequestID = errors.New("request id already outstanding")
	// ErrRequestTimeout is returned by Do when no response arrives in time.
	ErrRequestTimeout = errors.New("request timed out")
)

const (
	// DefaultKeepaliveInterval is how often an open pipe sends a keepalive.
	DefaultKeepaliveInterval = 55 * time.Second
	// DefaultBackoffStep is the reconnect delay after the first failure. It
	// doubles with each further failure.
	DefaultBackoffStep = 200 * time.Millisecond
	// DefaultMaxBackoff caps the reconnect delay.
	DefaultMaxBackoff = 15 * time.Second
	// DefaultRequestTimeout bounds Do when the caller's context has no deadline.
	DefaultRequestTimeout = 10 * time.Second

	keepalivePath = "/v1/keepalive"
	websocketPath = "/v1/websocket/"
)

// PipeConfig configures a Pipe.
type PipeConfig struct {
	// Name labels the pipe in logs and metrics, e.g. "identified" or "sealed".
	Name string
	// ServiceURL is the http(s) base URL of the service.
	ServiceURL string
	// Login and Password are sent as query parameters. The sealed pipe
	// leaves both empty.
	Login    string
	Password string
	// UserAgent is sent as X-Signal-Agent when set.
	UserAgent string

	KeepaliveInterval time.Duration
	BackoffStep       time.Duration
	MaxBackoff        time.Duration
	RequestTimeout    time.Duration
}

func (c *PipeConfig) setDefaults() {
	if c.Name == "" {
		c.Name = "identified"
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if c.BackoffStep <= 0 {
		c.BackoffStep = DefaultBackoffStep
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
}

// WebsocketURL rewrites an http(s) service URL into the pipe endpoint,
// embedding credentials when present.
func WebsocketURL(serviceURL, login, password string) (string, error) {
	u, err := url.Parse(serviceURL)
	if err != nil {
		return "", fmt.Errorf("parse service url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported service url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + websocketPath
	if login != "" || password != "" {
		q := url.Values{}
		q.Set("login", login)
		q.Set("password", password)
		u.RawQuery = q.Encode()
	} else {
		u.RawQuery = ""
	}
	return u.String(), nil
}

// Reply resolves a request sent with SendRequest. Exactly one of Response
// and Err is set.
type Reply struct {
	Response *Response
	Err      error
}

// Pipe multiplexes requests and server pushes over one websocket. It
// reconnects after socket failures until Disconnect is called.
type Pipe struct {
	cfg    PipeConfig
	url    string
	header http.Header
	dialer Dialer
	log    *logrus.Entry

	mu       sync.Mutex
	state    PipeState
	conn     Conn
	pending  map[uint64]chan Reply
	pushed   []*Request
	notify   chan struct{}
	started  bool
	closed   bool
	attempts int
	cancel   context.CancelFunc
	done     chan struct{}

	nextID atomic.Uint64
}

// NewPipe creates a disconnected pipe.
func NewPipe(cfg PipeConfig, dialer Dialer) (*Pipe, error) {
	cfg.setDefaults()
	if dialer == nil {
		return nil, errors.New("dialer cannot be nil")
	}
	wsURL, err := WebsocketURL(cfg.ServiceURL, cfg.Login, cfg.Password)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if cfg.UserAgent != "" {
		header.Set("X-Signal-Agent", cfg.UserAgent)
	}

	p := &Pipe{
		cfg:     cfg,
		url:     wsURL,
		header:  header,
		dialer:  dialer,
		log:     logrus.WithField("pipe", cfg.Name),
		pending: make(map[uint64]chan Reply),
		notify:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	p.nextID.Store(uint64(time.Now().UnixMilli()))
	pipeState.WithLabelValues(cfg.Name).Set(float64(PipeDisconnected))
	return p, nil
}

// Name returns the configured pipe name.
func (p *Pipe) Name() string {
	return p.cfg.Name
}

// State returns the current connection state.
func (p *Pipe) State() PipeState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// IsOpen reports whether requests can currently be sent.
func (p *Pipe) IsOpen() bool {
	return p.State() == PipeOpen
}

// NextRequestID returns a fresh request id. Ids increase monotonically.
func (p *Pipe) NextRequestID() uint64 {
	return p.nextID.Add(1)
}

// Connect starts the connection manager. Calling it again while connecting
// or open does nothing; calling it after Disconnect returns ErrPipeClosed.
func (p *Pipe) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPipeClosed
	}
	if p.started {
		return nil
	}

	p.log.WithFields(logrus.Fields{
		"function": "Pipe.Connect",
	}).Info("Starting pipe")

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.started = true
	p.cancel = cancel
	p.setStateLocked(PipeConnecting)
	go p.run(runCtx)
	return nil
}

// Disconnect closes the socket, stops reconnecting, fails every outstanding
// request and wakes every blocked reader. The pipe cannot be reused.
func (p *Pipe) Disconnect() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	conn := p.conn
	p.conn = nil
	p.failPendingLocked(ErrPipeClosed)
	p.setStateLocked(PipeDisconnected)
	p.broadcastLocked()
	cancel := p.cancel
	started := p.started
	p.mu.Unlock()

	p.log.WithFields(logrus.Fields{
		"function": "Pipe.Disconnect",
	}).Info("Disconnecting pipe")

	if conn != nil {
		conn.Close()
	}
	if cancel != nil {
		cancel()
	}
	if started {
		<-p.done
	}
}

// SendRequest transmits req and returns a channel that receives exactly one
// Reply. The caller chooses req.ID; an id that is still outstanding is
// rejected. Requests are written in call order.
func (p *Pipe) SendRequest(req *Request) (<-chan Reply, error) {
	b, err := (&Frame{Type: FrameRequest, Request: req}).Marshal()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != PipeOpen || p.conn == nil {
		return nil, ErrNotConnected
	}
	if _, dup := p.pending[req.ID]; dup {
		return nil, fmt.Errorf("%w: %d", ErrDuplicateRequestID, req.ID)
	}

	ch := make(chan Reply, 1)
	p.pending[req.ID] = ch
	if err := p.conn.WriteFrame(b); err != nil {
		delete(p.pending, req.ID)
		p.updateGaugesLocked()
		p.conn.Close()
		return nil, fmt.Errorf("write request: %w", err)
	}
	p.updateGaugesLocked()

	p.log.WithFields(logrus.Fields{
		"function": "Pipe.SendRequest",
		"id":       req.ID,
		"verb":     req.Verb,
		"path":     req.Path,
	}).Debug("Request sent")
	return ch, nil
}

// Do sends req and waits for its response, the context, or the configured
// request timeout, whichever comes first. An abandoned request is removed
// from the outstanding set. A zero req.ID is replaced with NextRequestID.
func (p *Pipe) Do(ctx context.Context, req *Request) (*Response, error) {
	if req.ID == 0 {
		req.ID = p.NextRequestID()
	}
	ch, err := p.SendRequest(req)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(p.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r.Response, r.Err
	case <-timer.C:
		p.abandon(req.ID)
		return nil, fmt.Errorf("%w: %s %s", ErrRequestTimeout, req.Verb, req.Path)
	case <-ctx.Done():
		p.abandon(req.ID)
		return nil, ctx.Err()
	}
}

func (p *Pipe) abandon(id uint64) {
	p.mu.Lock()
	delete(p.pending, id)
	p.updateGaugesLocked()
	p.mu.Unlock()
}

// SendResponse answers a pushed request.
func (p *Pipe) SendResponse(id uint64, status uint32, message string, body []byte) error {
	b, err := (&Frame{Type: FrameResponse, Response: &Response{
		ID:      id,
		Status:  status,
		Message: message,
		Body:    body,
	}}).Marshal()
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		return ErrNotConnected
	}
	if err := p.conn.WriteFrame(b); err != nil {
		p.conn.Close()
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}

// ReadRequest waits up to timeout for a server-pushed request. Pushed
// requests are returned in arrival order. Socket failures that lead to a
// reconnect do not end the wait; only Disconnect does.
func (p *Pipe) ReadRequest(timeout time.Duration) (ReadResult, *Request) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		p.mu.Lock()
		if len(p.pushed) > 0 {
			req := p.pushed[0]
			p.pushed[0] = nil
			p.pushed = p.pushed[1:]
			p.updateGaugesLocked()
			p.mu.Unlock()
			return ReadReceived, req
		}
		if p.closed {
			p.mu.Unlock()
			return ReadClosed, nil
		}
		wake := p.notify
		p.mu.Unlock()

		select {
		case <-wake:
		case <-timer.C:
			return ReadTimedOut, nil
		}
	}
}

// run is the connection manager. It owns dialing, reading and reconnect
// backoff for the lifetime of the pipe.
func (p *Pipe) run(ctx context.Context) {
	defer close(p.done)

	for {
		if !p.waitBackoff(ctx) {
			return
		}

		conn, err := p.dialer.Dial(ctx, p.url, p.header)
		if err != nil {
			p.mu.Lock()
			p.attempts++
			attempts := p.attempts
			p.mu.Unlock()
			pipeReconnects.WithLabelValues(p.cfg.Name).Inc()
			p.log.WithFields(logrus.Fields{
				"function": "Pipe.run",
				"attempts": attempts,
				"error":    err.Error(),
			}).Warn("Pipe dial failed")
			continue
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			conn.Close()
			return
		}
		p.conn = conn
		p.attempts = 0
		p.setStateLocked(PipeOpen)
		p.broadcastLocked()
		p.mu.Unlock()

		p.log.WithFields(logrus.Fields{
			"function": "Pipe.run",
		}).Info("Pipe open")

		connCtx, stop := context.WithCancel(ctx)
		go p.keepalive(connCtx, conn)
		err = p.readLoop(conn)
		stop()
		p.teardown(conn, err)
	}
}

// backoffDelay is zero before the first failure, then step doubling with
// every further failure, capped at max.
func backoffDelay(attempts int, step, max time.Duration) time.Duration {
	if attempts <= 0 {
		return 0
	}
	delay := step
	for i := 1; i < attempts; i++ {
		if delay >= max/2 {
			return max
		}
		delay <<= 1
	}
	if delay > max {
		return max
	}
	return delay
}

// waitBackoff sleeps for the current backoff before a dial. It returns
// false when the pipe is shutting down.
func (p *Pipe) waitBackoff(ctx context.Context) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	delay := backoffDelay(p.attempts, p.cfg.BackoffStep, p.cfg.MaxBackoff)
	p.mu.Unlock()

	if delay <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// teardown fails everything tied to conn in one critical section so no
// request outlives the socket it was written to.
func (p *Pipe) teardown(conn Conn, cause error) {
	conn.Close()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == conn {
		p.conn = nil
	}
	if p.closed {
		return
	}
	p.failPendingLocked(fmt.Errorf("%w: %v", ErrPipeClosed, cause))
	p.attempts++
	p.setStateLocked(PipeConnecting)
	p.broadcastLocked()
	pipeReconnects.WithLabelValues(p.cfg.Name).Inc()

	p.log.WithFields(logrus.Fields{
		"function": "Pipe.teardown",
		"attempts": p.attempts,
		"error":    fmt.Sprint(cause),
	}).Warn("Pipe socket failed, reconnecting")
}

func (p *Pipe) readLoop(conn Conn) error {
	for {
		b, err := conn.ReadFrame()
		if err != nil {
			return err
		}
		if err := p.dispatch(b); err != nil {
			return err
		}
	}
}

// dispatch routes one inbound frame. Undecodable frames end the connection.
func (p *Pipe) dispatch(b []byte) error {
	f, err := UnmarshalFrame(b)
	if err != nil {
		p.log.WithFields(logrus.Fields{
			"function": "Pipe.dispatch",
			"size":     len(b),
			"error":    err.Error(),
		}).Error("Undecodable frame")
		return fmt.Errorf("decode frame: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch f.Type {
	case FrameRequest:
		p.pushed = append(p.pushed, f.Request)
		p.updateGaugesLocked()
		p.broadcastLocked()
	case FrameResponse:
		ch, ok := p.pending[f.Response.ID]
		if !ok {
			p.log.WithFields(logrus.Fields{
				"function": "Pipe.dispatch",
				"id":       f.Response.ID,
			}).Debug("Dropping response with no pending request")
			return nil
		}
		delete(p.pending, f.Response.ID)
		p.updateGaugesLocked()
		ch <- Reply{Response: f.Response}
	}
	return nil
}

func (p *Pipe) keepalive(ctx context.Context, conn Conn) {
	ticker := time.NewTicker(p.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		b, err := (&Frame{Type: FrameRequest, Request: &Request{
			ID:   p.NextRequestID(),
			Verb: http.MethodGet,
			Path: keepalivePath,
		}}).Marshal()
		if err == nil {
			p.mu.Lock()
			if p.conn == conn {
				err = conn.WriteFrame(b)
			}
			p.mu.Unlock()
		}
		if err != nil {
			p.log.WithFields(logrus.Fields{
				"function": "Pipe.keepalive",
				"error":    err.Error(),
			}).Warn("Keepalive failed, closing socket")
			conn.Close()
			return
		}
	}
}

func (p *Pipe) failPendingLocked(err error) {
	for id, ch := range p.pending {
		ch <- Reply{Err: err}
		delete(p.pending, id)
	}
	p.updateGaugesLocked()
}

func (p *Pipe) broadcastLocked() {
	close(p.notify)
	p.notify = make(chan struct{})
}

func (p *Pipe) setStateLocked(s PipeState) {
	p.state = s
	pipeState.WithLabelValues(p.cfg.Name).Set(float64(s))
}

func (p *Pipe) updateGaugesLocked() {
	pipePending.WithLabelValues(p.cfg.Name).Set(float64(len(p.pending)))
	pipePushed.WithLabelValues(p.cfg.Name).Set(float64(len(p.pushed)))
}
