package factory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/opd-ai/whisperpipe/config"
	"github.com/opd-ai/whisperpipe/envelope"
	"github.com/opd-ai/whisperpipe/interfaces"
	"github.com/opd-ai/whisperpipe/messaging"
	"github.com/opd-ai/whisperpipe/push"
	"github.com/opd-ai/whisperpipe/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Deps carries what a configuration cannot describe.
type Deps struct {
	// Sessions is required.
	Sessions interfaces.SessionCrypto
	// Identities defaults to Sessions when it implements
	// interfaces.IdentityKeys.
	Identities interfaces.IdentityKeys
	// PreKeys defaults to the service client.
	PreKeys interfaces.PreKeyFetcher
	Events  interfaces.SecurityEventListener
	// Observer sees received envelopes before they are acknowledged.
	Observer interfaces.EnvelopeObserver
	// Dialer defaults to a websocket dialer honouring the proxy settings.
	Dialer transport.Dialer
	// Registerer receives the transport and messaging metrics. Nil
	// disables registration.
	Registerer prometheus.Registerer
}

// Client is a wired set of components. It is safe for concurrent use.
type Client struct {
	Config      *config.Config
	Address     push.Address
	OneShot     *transport.HTTPTransport
	Service     *push.ServiceClient
	Attachments *push.AttachmentStore
	Identified  *transport.Pipe
	// Sealed is nil when the sealed pipe is disabled.
	Sealed   *transport.Pipe
	Cipher   *envelope.Cipher
	Sender   *messaging.Sender
	Receiver *messaging.Receiver

	mu     sync.Mutex
	closed bool
}

// New builds a Client from cfg. It does not connect the pipes.
func New(cfg *config.Config, deps Deps) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if deps.Sessions == nil {
		return nil, errors.New("sessions cannot be nil")
	}
	addr, err := cfg.LocalAddress()
	if err != nil {
		return nil, err
	}
	trustRoot, err := cfg.TrustRoot()
	if err != nil {
		return nil, err
	}
	if deps.Identities == nil {
		if ik, ok := deps.Sessions.(interfaces.IdentityKeys); ok {
			deps.Identities = ik
		}
	}

	if deps.Registerer != nil {
		if err := transport.RegisterMetrics(deps.Registerer); err != nil {
			return nil, fmt.Errorf("register transport metrics: %w", err)
		}
		if err := messaging.RegisterMetrics(deps.Registerer); err != nil {
			return nil, fmt.Errorf("register messaging metrics: %w", err)
		}
	}

	c := &Client{Config: cfg, Address: addr}

	if c.OneShot, err = transport.NewHTTPTransport(cfg.HTTPConfig()); err != nil {
		return nil, err
	}
	c.Service = push.NewServiceClient(c.OneShot)
	if deps.PreKeys == nil {
		deps.PreKeys = c.Service
	}
	if c.Attachments, err = push.NewAttachmentStore(cfg.AttachmentConfig()); err != nil {
		return nil, err
	}

	dialer := deps.Dialer
	if dialer == nil {
		wd, err := transport.NewWebsocketDialer(nil, cfg.ProxyConfig(), 0)
		if err != nil {
			return nil, err
		}
		dialer = wd
	}
	if c.Identified, err = transport.NewPipe(cfg.PipeConfig("identified", true), dialer); err != nil {
		return nil, err
	}
	if !cfg.Pipe.DisableSealed {
		if c.Sealed, err = transport.NewPipe(cfg.PipeConfig("sealed", false), dialer); err != nil {
			return nil, err
		}
	}

	c.Cipher = envelope.NewCipher(envelope.CipherConfig{
		LocalAddress: addr,
		DeviceID:     cfg.Credentials.DeviceID,
		Sessions:     deps.Sessions,
		Identities:   deps.Identities,
		TrustRoot:    trustRoot,
	})

	c.Sender, err = messaging.NewSender(cfg.SenderConfig(addr), messaging.SenderDeps{
		Cipher:   c.Cipher,
		Sessions: deps.Sessions,
		PreKeys:  deps.PreKeys,
		OneShot:  c.OneShot,
		Events:   deps.Events,
	})
	if err != nil {
		return nil, err
	}

	c.Receiver, err = messaging.NewReceiver(c.Identified, messaging.ReceiverConfig{
		ReadTimeout: cfg.ReadTimeout(),
		Observer:    deps.Observer,
		Cipher:      c.Cipher,
	})
	if err != nil {
		c.Sender.Close()
		return nil, err
	}

	logConfiguration(cfg, addr)
	return c, nil
}

func logConfiguration(cfg *config.Config, addr push.Address) {
	logrus.WithFields(logrus.Fields{
		"function":          "factory.New",
		"service":           cfg.Service.URL,
		"address":           addr.Identifier(),
		"device_id":         cfg.Credentials.DeviceID,
		"sealed_pipe":       !cfg.Pipe.DisableSealed,
		"max_send_attempts": cfg.Dispatch.MaxSendAttempts,
		"pool_size":         cfg.Dispatch.PoolSize,
	}).Info("Client assembled")
}

// Connect starts the pipes and hands them to the sender. Pipes reconnect
// on their own afterwards; the sender uses whichever is open.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return messaging.ErrSenderClosed
	}

	if err := c.Identified.Connect(ctx); err != nil {
		return fmt.Errorf("connect identified pipe: %w", err)
	}
	if c.Sealed == nil {
		c.Sender.SetPipes(c.Identified, nil)
		return nil
	}
	if err := c.Sealed.Connect(ctx); err != nil {
		c.Identified.Disconnect()
		return fmt.Errorf("connect sealed pipe: %w", err)
	}
	c.Sender.SetPipes(c.Identified, c.Sealed)
	return nil
}

// Close disconnects the pipes and stops the sender. It is safe to call
// more than once.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true

	c.Sender.SetPipes(nil, nil)
	c.Identified.Disconnect()
	if c.Sealed != nil {
		c.Sealed.Disconnect()
	}
	c.Sender.Close()

	logrus.WithFields(logrus.Fields{
		"function": "Client.Close",
		"address":  c.Address.Identifier(),
	}).Info("Client closed")
}
