package messaging

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/opd-ai/whisperpipe/envelope"
	"github.com/opd-ai/whisperpipe/interfaces"
	"github.com/opd-ai/whisperpipe/push"
	"github.com/opd-ai/whisperpipe/transport"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultReadTimeout is how long Run waits for a push before polling
	// its context again.
	DefaultReadTimeout = time.Minute

	// pollSlice caps a single pipe wait so cancellation is noticed.
	pollSlice = time.Second
)

// ErrReadTimeout is returned by Retrieve when nothing arrives in time.
var ErrReadTimeout = errors.New("no message before timeout")

// RequestReader is the receiving half of a pipe. *transport.Pipe
// implements it.
type RequestReader interface {
	ReadRequest(timeout time.Duration) (transport.ReadResult, *transport.Request)
	SendResponse(id uint64, status uint32, message string, body []byte) error
}

// ReceiverConfig configures a Receiver.
type ReceiverConfig struct {
	// ReadTimeout defaults to DefaultReadTimeout.
	ReadTimeout time.Duration
	// Observer sees every envelope before it is acknowledged. An observer
	// error leaves the envelope unacknowledged so the service redelivers
	// it. Optional.
	Observer interfaces.EnvelopeObserver
	// Cipher is needed by Retrieve only.
	Cipher *envelope.Cipher
}

// Receiver drains server-pushed envelopes from an identified pipe.
type Receiver struct {
	pipe     RequestReader
	cipher   *envelope.Cipher
	observer interfaces.EnvelopeObserver
	timeout  time.Duration
}

// NewReceiver creates a Receiver over pipe.
func NewReceiver(pipe RequestReader, cfg ReceiverConfig) (*Receiver, error) {
	if pipe == nil {
		return nil, errors.New("pipe cannot be nil")
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	return &Receiver{
		pipe:     pipe,
		cipher:   cfg.Cipher,
		observer: cfg.Observer,
		timeout:  cfg.ReadTimeout,
	}, nil
}

func isMessagePush(req *transport.Request) bool {
	return req.Verb == http.MethodPut && req.Path == push.MessagePushPath
}

// next waits for the next message push, observes it and acknowledges it.
// Other pushed requests are answered 400 and skipped.
func (r *Receiver) next(ctx context.Context, timeout time.Duration) (*push.Envelope, error) {
	deadline := time.Now().Add(timeout)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, ErrReadTimeout
		}
		if wait > pollSlice {
			wait = pollSlice
		}

		res, req := r.pipe.ReadRequest(wait)
		switch res {
		case transport.ReadClosed:
			return nil, transport.ErrPipeClosed
		case transport.ReadTimedOut:
			continue
		}

		if !isMessagePush(req) {
			r.respond(req.ID, http.StatusBadRequest, "Unknown")
			receivedEnvelopes.WithLabelValues("unknown_request").Inc()
			continue
		}

		env, err := push.UnmarshalEnvelope(req.Body)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Receiver.next",
				"id":       req.ID,
				"error":    err.Error(),
			}).Warn("Dropping undecodable envelope")
			r.respond(req.ID, http.StatusBadRequest, "Unknown")
			receivedEnvelopes.WithLabelValues("malformed").Inc()
			continue
		}

		if r.observer != nil {
			if err := r.observer.OnEnvelope(env); err != nil {
				receivedEnvelopes.WithLabelValues("observer_failed").Inc()
				return nil, fmt.Errorf("observe envelope: %w", err)
			}
		}

		r.respond(req.ID, http.StatusOK, "OK")
		receivedEnvelopes.WithLabelValues("acked").Inc()
		return env, nil
	}
}

func (r *Receiver) respond(id uint64, status uint32, message string) {
	if err := r.pipe.SendResponse(id, status, message, nil); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Receiver.respond",
			"id":       id,
			"status":   status,
			"error":    err.Error(),
		}).Warn("Failed to answer pushed request")
	}
}

// Run acknowledges pushed envelopes until ctx is done or the pipe is
// disconnected. It returns nil when the pipe closes.
func (r *Receiver) Run(ctx context.Context) error {
	log := logrus.WithFields(logrus.Fields{
		"function": "Receiver.Run",
	})
	log.Info("Receive loop started")

	for {
		env, err := r.next(ctx, r.timeout)
		switch {
		case err == nil:
			log.WithFields(logrus.Fields{
				"type":      env.Type.String(),
				"timestamp": env.Timestamp,
			}).Debug("Envelope acknowledged")
		case errors.Is(err, ErrReadTimeout):
		case errors.Is(err, transport.ErrPipeClosed):
			log.Info("Pipe closed, receive loop stopped")
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			log.WithField("error", err.Error()).Warn("Envelope left unacknowledged")
		}
	}
}

// Retrieve waits up to timeout for one envelope and decrypts it. The
// envelope is acknowledged before decryption, so a decryption error is
// reported for this message only and the pipe stays usable.
func (r *Receiver) Retrieve(ctx context.Context, timeout time.Duration) (*envelope.Decrypted, error) {
	if r.cipher == nil {
		return nil, errors.New("receiver has no cipher")
	}
	env, err := r.next(ctx, timeout)
	if err != nil {
		return nil, err
	}
	return r.cipher.Decrypt(ctx, env)
}
