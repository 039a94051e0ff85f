package messaging

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/whisperpipe/envelope"
	"github.com/opd-ai/whisperpipe/interfaces"
	"github.com/opd-ai/whisperpipe/push"
	"github.com/opd-ai/whisperpipe/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type response struct {
	id      uint64
	status  uint32
	message string
}

// queueReader hands out queued requests and records responses.
type queueReader struct {
	mu        sync.Mutex
	queue     []*transport.Request
	closed    bool
	responses []response
}

func (q *queueReader) ReadRequest(timeout time.Duration) (transport.ReadResult, *transport.Request) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.queue) > 0 {
		req := q.queue[0]
		q.queue = q.queue[1:]
		return transport.ReadReceived, req
	}
	if q.closed {
		return transport.ReadClosed, nil
	}
	return transport.ReadTimedOut, nil
}

func (q *queueReader) SendResponse(id uint64, status uint32, message string, body []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.responses = append(q.responses, response{id: id, status: status, message: message})
	return nil
}

func messagePush(id uint64, env *push.Envelope) *transport.Request {
	return &transport.Request{ID: id, Verb: http.MethodPut, Path: push.MessagePushPath, Body: env.Marshal()}
}

func TestReceiverAcksAfterObserver(t *testing.T) {
	var seen []*push.Envelope
	q := &queueReader{queue: []*transport.Request{
		{ID: 1, Verb: http.MethodGet, Path: "/v1/something"},
		{ID: 2, Verb: http.MethodPut, Path: push.MessagePushPath, Body: []byte{0xff, 0xff}},
		messagePush(3, &push.Envelope{Type: push.EnvelopeReceipt, Timestamp: 77}),
	}}
	r, err := NewReceiver(q, ReceiverConfig{Observer: interfaces.EnvelopeObserverFunc(func(env *push.Envelope) error {
		seen = append(seen, env)
		return nil
	})})
	require.NoError(t, err)

	env, err := r.next(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(77), env.Timestamp)
	require.Len(t, seen, 1)

	assert.Equal(t, []response{
		{id: 1, status: 400, message: "Unknown"},
		{id: 2, status: 400, message: "Unknown"},
		{id: 3, status: 200, message: "OK"},
	}, q.responses)
}

func TestReceiverObserverFailureLeavesUnacked(t *testing.T) {
	q := &queueReader{queue: []*transport.Request{messagePush(5, &push.Envelope{Type: push.EnvelopeReceipt})}}
	boom := errors.New("disk full")
	r, err := NewReceiver(q, ReceiverConfig{Observer: interfaces.EnvelopeObserverFunc(func(*push.Envelope) error {
		return boom
	})})
	require.NoError(t, err)

	_, err = r.next(context.Background(), time.Second)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, q.responses)
}

func TestReceiverTimeoutAndClose(t *testing.T) {
	q := &queueReader{}
	r, err := NewReceiver(q, ReceiverConfig{ReadTimeout: 10 * time.Millisecond})
	require.NoError(t, err)

	_, err = r.next(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrReadTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.next(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)

	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	assert.NoError(t, r.Run(context.Background()))

	_, err = r.Retrieve(context.Background(), time.Millisecond)
	assert.Error(t, err, "retrieve needs a cipher")

	_, err = NewReceiver(nil, ReceiverConfig{})
	assert.Error(t, err)
}

func TestRetrieveOverPipe(t *testing.T) {
	w := newWorld(t)
	alice, bob := w.register(t, 1), w.register(t, 2)
	p := w.openPipe(t, bob)

	r, err := NewReceiver(p, ReceiverConfig{Cipher: bob.cipher})
	require.NoError(t, err)

	_, err = alice.sender.SendDataMessage(context.Background(), bob.addr, nil, hello(1000))
	require.NoError(t, err)

	d, err := r.Retrieve(context.Background(), 5*time.Second)
	require.NoError(t, err)
	assert.True(t, d.Sender.Equal(alice.addr))
	assert.Equal(t, "hello", d.Content.DataMessage.Body)
	assert.Eventually(t, func() bool { return len(w.svc.Acks()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, w.svc.Mailbox(bob.addr, 1))

	// A corrupt envelope fails that message only.
	require.True(t, w.svc.Push(bob.addr, 1, &push.Envelope{Type: push.EnvelopeCiphertext, Source: alice.addr, SourceDevice: 1, Content: []byte{1}}))
	_, err = r.Retrieve(context.Background(), 5*time.Second)
	var perr *envelope.ProtocolError
	assert.True(t, errors.As(err, &perr))
	assert.Eventually(t, func() bool { return len(w.svc.Acks()) == 2 }, 5*time.Second, 10*time.Millisecond)

	_, err = alice.sender.SendDataMessage(context.Background(), bob.addr, nil, hello(2000))
	require.NoError(t, err)
	d, err = r.Retrieve(context.Background(), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(2000), d.Timestamp)
}

func TestRunStopsWhenPipeDisconnects(t *testing.T) {
	w := newWorld(t)
	alice, bob := w.register(t, 1), w.register(t, 2)
	p := w.openPipe(t, bob)

	var (
		mu   sync.Mutex
		seen int
	)
	r, err := NewReceiver(p, ReceiverConfig{
		ReadTimeout: 50 * time.Millisecond,
		Observer: interfaces.EnvelopeObserverFunc(func(*push.Envelope) error {
			mu.Lock()
			defer mu.Unlock()
			seen++
			return nil
		}),
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	for i := 0; i < 3; i++ {
		_, err := alice.sender.SendDataMessage(context.Background(), bob.addr, nil, hello(uint64(1000+i)))
		require.NoError(t, err)
	}
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen == 3
	}, 5*time.Second, 10*time.Millisecond)

	p.Disconnect()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Disconnect")
	}
}
