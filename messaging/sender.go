package messaging

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/opd-ai/whisperpipe/envelope"
	"github.com/opd-ai/whisperpipe/interfaces"
	"github.com/opd-ai/whisperpipe/limits"
	"github.com/opd-ai/whisperpipe/push"
	"github.com/opd-ai/whisperpipe/sealed"
	"github.com/opd-ai/whisperpipe/transport"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultMaxSendAttempts bounds the per-recipient loop.
	DefaultMaxSendAttempts = 4
	// DefaultPoolSize bounds concurrent recipients in a multi-recipient send.
	DefaultPoolSize = 8
	// DefaultSyncPaddingMax is the largest random padding added to sync
	// messages.
	DefaultSyncPaddingMax = limits.MaxSyncPadding
)

// Pipe is the part of a transport.Pipe the sender uses. *transport.Pipe
// implements it.
type Pipe interface {
	transport.RoundTripper
	IsOpen() bool
}

// SenderConfig configures a Sender.
type SenderConfig struct {
	LocalAddress push.Address
	DeviceID     uint32
	// MaxSendAttempts defaults to DefaultMaxSendAttempts.
	MaxSendAttempts int
	// PoolSize defaults to DefaultPoolSize.
	PoolSize int
	// SyncPaddingMax defaults to DefaultSyncPaddingMax.
	SyncPaddingMax int
	// Now defaults to time.Now.
	Now func() time.Time
}

func (c *SenderConfig) setDefaults() {
	if c.DeviceID == 0 {
		c.DeviceID = push.DefaultDeviceID
	}
	if c.MaxSendAttempts <= 0 {
		c.MaxSendAttempts = DefaultMaxSendAttempts
	}
	if c.PoolSize <= 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.SyncPaddingMax <= 0 {
		c.SyncPaddingMax = DefaultSyncPaddingMax
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// SenderDeps are the collaborators a Sender drives.
type SenderDeps struct {
	Cipher   *envelope.Cipher
	Sessions interfaces.SessionCrypto
	PreKeys  interfaces.PreKeyFetcher
	// OneShot carries sends when no pipe is open or a pipe fails.
	OneShot transport.RoundTripper
	// Events is optional.
	Events interfaces.SecurityEventListener
}

type pipeRef struct {
	pipe Pipe
}

// Sender is the dispatch pipeline.
type Sender struct {
	cfg      SenderConfig
	cipher   *envelope.Cipher
	sessions interfaces.SessionCrypto
	preKeys  interfaces.PreKeyFetcher
	oneShot  transport.RoundTripper
	events   interfaces.SecurityEventListener

	identified  atomic.Pointer[pipeRef]
	sealed      atomic.Pointer[pipeRef]
	multiDevice atomic.Bool
	closed      atomic.Bool

	pool  pond.Pool
	locks recipientLocks
}

// NewSender creates a Sender. Call Close to release its worker pool.
func NewSender(cfg SenderConfig, deps SenderDeps) (*Sender, error) {
	cfg.setDefaults()
	if cfg.LocalAddress.IsZero() {
		return nil, errors.New("local address cannot be empty")
	}
	if deps.Cipher == nil || deps.Sessions == nil || deps.PreKeys == nil || deps.OneShot == nil {
		return nil, errors.New("cipher, sessions, pre-key fetcher and one-shot transport are required")
	}

	logrus.WithFields(logrus.Fields{
		"function":     "NewSender",
		"local":        cfg.LocalAddress.Identifier(),
		"device_id":    cfg.DeviceID,
		"max_attempts": cfg.MaxSendAttempts,
		"pool_size":    cfg.PoolSize,
	}).Info("Creating sender")

	return &Sender{
		cfg:      cfg,
		cipher:   deps.Cipher,
		sessions: deps.Sessions,
		preKeys:  deps.PreKeys,
		oneShot:  deps.OneShot,
		events:   deps.Events,
		pool:     pond.NewPool(cfg.PoolSize),
	}, nil
}

// SetPipes swaps the pipes used for identified and sealed sends. Either
// may be nil.
func (s *Sender) SetPipes(identified, sealedPipe Pipe) {
	s.identified.Store(&pipeRef{pipe: identified})
	s.sealed.Store(&pipeRef{pipe: sealedPipe})
}

// SetMultiDevice records whether the local account has linked devices.
func (s *Sender) SetMultiDevice(multiDevice bool) {
	s.multiDevice.Store(multiDevice)
}

// IsMultiDevice reports the last value given to SetMultiDevice.
func (s *Sender) IsMultiDevice() bool {
	return s.multiDevice.Load()
}

// Close waits for in-flight recipient sends and stops the worker pool.
func (s *Sender) Close() {
	if s.closed.Swap(true) {
		return
	}
	s.pool.StopAndWait()
}

func (s *Sender) now() uint64 {
	return uint64(s.cfg.Now().UnixMilli())
}

// recipientLocks hands out one mutex per recipient. An entry lives only
// while some send holds or waits for it, so the map stays as small as the
// set of recipients currently in flight.
type recipientLocks struct {
	mu      sync.Mutex
	entries map[string]*recipientLock
}

type recipientLock struct {
	sync.Mutex
	refs int
}

// acquire blocks until id's lock is held and returns its release func.
func (l *recipientLocks) acquire(id string) func() {
	l.mu.Lock()
	if l.entries == nil {
		l.entries = make(map[string]*recipientLock)
	}
	e, ok := l.entries[id]
	if !ok {
		e = &recipientLock{}
		l.entries[id] = e
	}
	e.refs++
	l.mu.Unlock()

	e.Lock()
	return func() {
		e.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.entries, id)
		}
		l.mu.Unlock()
	}
}

func (l *recipientLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (s *Sender) notify(ev interfaces.SecurityEvent) {
	if s.events != nil {
		s.events.OnSecurityEvent(ev)
	}
}

// dispatch runs the bounded per-recipient loop. Sends to one recipient
// are serialized so session state is never advanced concurrently.
func (s *Sender) dispatch(ctx context.Context, recipient push.Address, access *sealed.UnidentifiedAccess, timestamp uint64, plaintext []byte, online bool) SendOutcome {
	release := s.locks.acquire(recipient.Identifier())
	defer release()

	log := logrus.WithFields(logrus.Fields{
		"function":  "Sender.dispatch",
		"recipient": recipient.Identifier(),
		"timestamp": timestamp,
	})

	for attempt := 1; attempt <= s.cfg.MaxSendAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return s.finish(attempt, SendOutcome{Recipient: recipient, Kind: OutcomeNetworkFailure, Err: err})
		}

		res := s.attempt(ctx, recipient, access, timestamp, plaintext, online)
		log.WithFields(logrus.Fields{
			"attempt": attempt,
			"result":  res.Kind.String(),
			"sealed":  access != nil,
		}).Debug("Transmit attempt finished")

		switch res.Kind {
		case TransmitSuccess:
			return s.finish(attempt, SendOutcome{
				Recipient: recipient,
				Kind:      OutcomeSuccess,
				Sealed:    access != nil,
				NeedsSync: res.NeedsSync,
			})
		case NeedsReconciliation:
			if err := s.reconcile(ctx, recipient, res.Mismatched); err != nil {
				return s.finish(attempt, outcomeFor(recipient, classifyError(err)))
			}
		case NeedsStaleCleanup:
			for _, d := range res.Stale.StaleDevices {
				s.sessions.DeleteSession(recipient, d)
			}
		case AuthFailure, IdentityMismatch:
			if access == nil {
				return s.finish(attempt, outcomeFor(recipient, res))
			}
			log.WithFields(logrus.Fields{
				"attempt": attempt,
				"error":   errString(res.Err),
			}).Info("Sealed send refused, retrying identified")
			access = nil
		default:
			return s.finish(attempt, outcomeFor(recipient, res))
		}
	}

	log.WithField("attempts", s.cfg.MaxSendAttempts).Warn("Attempt budget exhausted")
	return s.finish(s.cfg.MaxSendAttempts, SendOutcome{
		Recipient: recipient,
		Kind:      OutcomeNetworkFailure,
		Err:       ErrConflictsUnresolved,
	})
}

func (s *Sender) finish(attempts int, o SendOutcome) SendOutcome {
	dispatchAttempts.Observe(float64(attempts))
	dispatchOutcomes.WithLabelValues(o.Kind.String()).Inc()
	return o
}

// attempt builds a fresh ciphertext batch and transmits it once.
func (s *Sender) attempt(ctx context.Context, recipient push.Address, access *sealed.UnidentifiedAccess, timestamp uint64, plaintext []byte, online bool) TransmitResult {
	list, err := s.buildList(ctx, recipient, access, timestamp, plaintext, online)
	if err != nil {
		return classifyError(err)
	}
	return s.transmit(ctx, recipient, list, access)
}

// buildList encrypts plaintext for the primary device and every linked
// device we hold a session with. An identified send to ourselves skips
// our own device.
func (s *Sender) buildList(ctx context.Context, recipient push.Address, access *sealed.UnidentifiedAccess, timestamp uint64, plaintext []byte, online bool) (*push.OutgoingEnvelopeList, error) {
	skipOwn := access == nil && recipient.Matches(s.cfg.LocalAddress)

	list := &push.OutgoingEnvelopeList{
		Destination: recipient.Identifier(),
		Relay:       recipient.Relay,
		Timestamp:   timestamp,
		Online:      online,
	}

	if !skipOwn || s.cfg.DeviceID != push.DefaultDeviceID {
		env, err := s.encryptFor(ctx, recipient, push.DefaultDeviceID, plaintext, access)
		if err != nil {
			return nil, err
		}
		list.Messages = append(list.Messages, env)
	}

	for _, d := range s.sessions.SubDeviceSessions(recipient) {
		if d == push.DefaultDeviceID || (skipOwn && d == s.cfg.DeviceID) {
			continue
		}
		env, err := s.encryptFor(ctx, recipient, d, plaintext, access)
		if err != nil {
			return nil, err
		}
		list.Messages = append(list.Messages, env)
	}
	return list, nil
}

func (s *Sender) encryptFor(ctx context.Context, recipient push.Address, deviceID uint32, plaintext []byte, access *sealed.UnidentifiedAccess) (*push.OutgoingEnvelope, error) {
	if !s.sessions.HasSession(recipient, deviceID) {
		bundles, err := s.preKeys.FetchPreKeys(ctx, recipient, deviceID, access)
		if err != nil {
			return nil, err
		}
		for _, b := range bundles {
			if err := s.bootstrap(recipient, b); err != nil {
				return nil, err
			}
		}
	}
	return s.cipher.EncryptFor(ctx, recipient, deviceID, plaintext, access)
}

func (s *Sender) bootstrap(recipient push.Address, b *push.PreKeyBundle) error {
	if err := s.sessions.CreateSession(recipient, b.DeviceID, b); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"function":  "Sender.bootstrap",
		"recipient": recipient.Identifier(),
		"device_id": b.DeviceID,
	}).Debug("Session bootstrapped")
	s.notify(interfaces.SecurityEvent{Kind: interfaces.SessionBootstrapped, Address: recipient, DeviceID: b.DeviceID})
	return nil
}

// reconcile applies a mismatched devices response: sessions for extra
// devices are dropped and sessions for missing devices are created from
// freshly fetched bundles.
func (s *Sender) reconcile(ctx context.Context, recipient push.Address, m *push.MismatchedDevices) error {
	for _, d := range m.ExtraDevices {
		s.sessions.DeleteSession(recipient, d)
	}
	for _, d := range m.MissingDevices {
		b, err := s.preKeys.FetchPreKey(ctx, recipient, d)
		if err != nil {
			return fmt.Errorf("fetch pre-key for device %d: %w", d, err)
		}
		if err := s.bootstrap(recipient, b); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sender) pipeFor(access *sealed.UnidentifiedAccess) Pipe {
	ref := s.identified.Load()
	if access != nil {
		ref = s.sealed.Load()
	}
	if ref == nil || ref.pipe == nil || !ref.pipe.IsOpen() {
		return nil
	}
	return ref.pipe
}

// transmit sends one batch. A pipe failure falls through to the one-shot
// transport within the same attempt.
func (s *Sender) transmit(ctx context.Context, recipient push.Address, list *push.OutgoingEnvelopeList, access *sealed.UnidentifiedAccess) TransmitResult {
	req, err := push.NewSendRequest(recipient, list, access)
	if err != nil {
		return TransmitResult{Kind: NetworkFailure, Err: err}
	}

	if p := s.pipeFor(access); p != nil {
		resp, err := p.Do(ctx, req)
		if err == nil {
			return classifyResponse(recipient, resp)
		}
		logrus.WithFields(logrus.Fields{
			"function":  "Sender.transmit",
			"recipient": recipient.Identifier(),
			"sealed":    access != nil,
			"error":     err.Error(),
		}).Warn("Pipe send failed, falling back to one-shot")
		if ctx.Err() != nil {
			return TransmitResult{Kind: NetworkFailure, Err: ctx.Err()}
		}
		req.ID = 0
	}

	resp, err := s.oneShot.Do(ctx, req)
	if err != nil {
		return TransmitResult{Kind: NetworkFailure, Err: err}
	}
	return classifyResponse(recipient, resp)
}

func classifyResponse(recipient push.Address, resp *transport.Response) TransmitResult {
	switch {
	case resp.OK():
		r, err := push.DecodeSendResponse(resp.Body)
		if err != nil {
			return TransmitResult{Kind: NetworkFailure, Err: err}
		}
		return TransmitResult{Kind: TransmitSuccess, NeedsSync: r.NeedsSync}
	case resp.Status == http.StatusConflict:
		m, err := push.DecodeMismatchedDevices(resp.Body)
		if err != nil {
			return TransmitResult{Kind: NetworkFailure, Err: err}
		}
		return TransmitResult{Kind: NeedsReconciliation, Mismatched: m}
	case resp.Status == http.StatusGone:
		st, err := push.DecodeStaleDevices(resp.Body)
		if err != nil {
			return TransmitResult{Kind: NetworkFailure, Err: err}
		}
		return TransmitResult{Kind: NeedsStaleCleanup, Stale: st}
	default:
		return classifyError(push.StatusErr("send message", recipient, resp.Status, resp.Message))
	}
}

// classifyError maps an error from session bootstrap, encryption or the
// service onto a transmit result.
func classifyError(err error) TransmitResult {
	var (
		untrusted    *interfaces.UntrustedIdentityError
		unregistered *push.UnregisteredError
	)
	switch {
	case errors.As(err, &untrusted):
		return TransmitResult{Kind: UntrustedIdentity, Err: err}
	case errors.As(err, &unregistered):
		return TransmitResult{Kind: Unregistered, Err: err}
	case errors.Is(err, push.ErrAuthorizationFailed):
		return TransmitResult{Kind: AuthFailure, Err: err}
	case errors.Is(err, interfaces.ErrInvalidKey), errors.Is(err, envelope.ErrUnknownRecipientIdentity):
		return TransmitResult{Kind: IdentityMismatch, Err: err}
	default:
		return TransmitResult{Kind: NetworkFailure, Err: err}
	}
}

func outcomeFor(recipient push.Address, res TransmitResult) SendOutcome {
	o := SendOutcome{Recipient: recipient, Err: res.Err}
	switch res.Kind {
	case UntrustedIdentity:
		o.Kind = OutcomeUntrustedIdentity
		var untrusted *interfaces.UntrustedIdentityError
		if errors.As(res.Err, &untrusted) {
			o.IdentityKey = untrusted.IdentityKey
		}
	case Unregistered:
		o.Kind = OutcomeUnregistered
	case AuthFailure:
		o.Kind = OutcomeAuthFailure
	default:
		o.Kind = OutcomeNetworkFailure
	}
	return o
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
