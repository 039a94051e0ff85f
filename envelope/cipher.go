package envelope

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/whisperpipe/content"
	"github.com/opd-ai/whisperpipe/interfaces"
	"github.com/opd-ai/whisperpipe/push"
	"github.com/opd-ai/whisperpipe/sealed"
	"github.com/sirupsen/logrus"
)

// CipherConfig configures a Cipher.
type CipherConfig struct {
	LocalAddress push.Address
	DeviceID     uint32
	Sessions     interfaces.SessionCrypto
	// Identities and TrustRoot are only needed for sealed sender. Without
	// them sealed sends fail and sealed envelopes are rejected.
	Identities interfaces.IdentityKeys
	TrustRoot  ed25519.PublicKey
	// Now defaults to time.Now.
	Now func() time.Time
}

// Cipher encrypts and decrypts envelopes for the local account.
type Cipher struct {
	local      push.Address
	deviceID   uint32
	sessions   interfaces.SessionCrypto
	identities interfaces.IdentityKeys
	trustRoot  ed25519.PublicKey
	now        func() time.Time
}

// NewCipher creates a Cipher.
func NewCipher(cfg CipherConfig) *Cipher {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Cipher{
		local:      cfg.LocalAddress,
		deviceID:   cfg.DeviceID,
		sessions:   cfg.Sessions,
		identities: cfg.Identities,
		trustRoot:  cfg.TrustRoot,
		now:        cfg.Now,
	}
}

// LocalAddress returns the account the cipher acts for.
func (c *Cipher) LocalAddress() push.Address {
	return c.local
}

// DeviceID returns the local device id.
func (c *Cipher) DeviceID() uint32 {
	return c.deviceID
}

// EncryptFor encrypts plaintext for one device of addr. With access set the
// session ciphertext is additionally sealed to the recipient's identity key
// together with our sender certificate.
func (c *Cipher) EncryptFor(ctx context.Context, addr push.Address, deviceID uint32, plaintext []byte, access *sealed.UnidentifiedAccess) (*push.OutgoingEnvelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ct, err := c.sessions.Encrypt(addr, deviceID, PadTransport(plaintext))
	if err != nil {
		return nil, err
	}

	out := &push.OutgoingEnvelope{
		Type:                      ct.Type,
		DestinationDeviceID:       deviceID,
		DestinationRegistrationID: ct.RemoteRegistrationID,
		Content:                   ct.Body,
	}
	if access == nil {
		return out, nil
	}

	if c.identities == nil {
		return nil, ErrUnknownRecipientIdentity
	}
	remote, ok := c.identities.RemoteIdentity(addr)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRecipientIdentity, addr.Identifier())
	}
	body, err := sealed.Seal(c.identities.LocalIdentity(), remote, access.SenderCertificate, uint32(ct.Type), ct.Body)
	if err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}
	out.Type = push.EnvelopeUnidentifiedSender
	out.Content = body
	return out, nil
}

// Decrypted is the result of decrypting one envelope.
type Decrypted struct {
	Sender          push.Address
	Device          uint32
	Timestamp       uint64
	ServerTimestamp uint64
	// Sealed is set when the sender was only revealed by the sealed
	// envelope's certificate.
	Sealed bool
	// NeedsReceipt is set for data messages from other accounts.
	NeedsReceipt bool
	// ServerReceipt is set for delivery receipts generated by the service.
	// Content is nil for them.
	ServerReceipt bool
	Content       *content.Content
}

// Decrypt decrypts env. Session failures and rejected content are returned
// as *ProtocolError; an untrusted identity is returned unwrapped.
func (c *Cipher) Decrypt(ctx context.Context, env *push.Envelope) (*Decrypted, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := &Decrypted{
		Sender:          env.Source,
		Device:          env.SourceDevice,
		Timestamp:       env.Timestamp,
		ServerTimestamp: env.ServerTimestamp,
	}
	if env.IsReceipt() {
		out.ServerReceipt = true
		return out, nil
	}

	var payload []byte
	legacy := env.HasLegacyMessage()
	switch {
	case legacy:
		payload = env.LegacyMessage
	case env.HasContent():
		payload = env.Content
	default:
		return nil, &ProtocolError{Sender: out.Sender, Device: out.Device, Err: ErrEmptyEnvelope}
	}

	typ := env.Type
	if env.IsUnidentifiedSender() {
		opened, err := c.openSealed(payload)
		if err != nil {
			return nil, &ProtocolError{Sender: out.Sender, Device: out.Device, Err: err}
		}
		sender, err := push.ParseAddress(opened.Certificate.Sender)
		if err != nil {
			return nil, &ProtocolError{Sender: out.Sender, Device: out.Device, Err: err}
		}
		out.Sender = sender
		out.Device = opened.Certificate.SenderDevice
		out.Sealed = true
		typ = push.EnvelopeType(opened.Type)
		payload = opened.Ciphertext
	}

	if typ != push.EnvelopePreKeyBundle && typ != push.EnvelopeCiphertext {
		return nil, &ProtocolError{Sender: out.Sender, Device: out.Device, Err: fmt.Errorf("%w: %s", ErrUnknownType, typ)}
	}

	padded, err := c.sessions.Decrypt(out.Sender, out.Device, payload, typ)
	if err != nil {
		var untrusted *UntrustedIdentityError
		if errors.As(err, &untrusted) {
			return nil, err
		}
		return nil, &ProtocolError{Sender: out.Sender, Device: out.Device, Err: err}
	}
	plaintext := UnpadTransport(padded)

	if legacy {
		msg, err := content.UnmarshalDataMessage(plaintext)
		if err != nil {
			return nil, &ProtocolError{Sender: out.Sender, Device: out.Device, Err: err}
		}
		out.Content = &content.Content{DataMessage: msg}
	} else {
		if out.Content, err = content.Unmarshal(plaintext); err != nil {
			return nil, &ProtocolError{Sender: out.Sender, Device: out.Device, Err: err}
		}
	}

	if err := c.authorize(out); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Cipher.Decrypt",
			"sender":   out.Sender.Identifier(),
			"device":   out.Device,
			"kind":     out.Content.Kind(),
			"error":    err.Error(),
		}).Warn("Rejected decrypted content")
		return nil, &ProtocolError{Sender: out.Sender, Device: out.Device, Err: err}
	}

	out.NeedsReceipt = out.Content.DataMessage != nil && !out.Sender.Matches(c.local)

	logrus.WithFields(logrus.Fields{
		"function": "Cipher.Decrypt",
		"sender":   out.Sender.Identifier(),
		"device":   out.Device,
		"kind":     out.Content.Kind(),
		"sealed":   out.Sealed,
	}).Debug("Envelope decrypted")
	return out, nil
}

func (c *Cipher) openSealed(payload []byte) (*sealed.Opened, error) {
	if c.identities == nil || c.trustRoot == nil {
		return nil, ErrSealedUnavailable
	}
	return sealed.Open(c.identities.LocalIdentity(), c.trustRoot, c.now(), payload)
}

// authorize applies the checks that depend on who sent the content.
func (c *Cipher) authorize(d *Decrypted) error {
	if dm := d.Content.DataMessage; dm != nil {
		if err := checkTimestamp(dm, d.Timestamp); err != nil {
			return err
		}
	}

	sync := d.Content.SyncMessage
	if sync == nil {
		return nil
	}
	if !d.Sender.Matches(c.local) {
		return ErrUnauthorizedSync
	}
	if sent, ok := sync.Variant.(*content.SentTranscript); ok && sent.Message != nil {
		return checkTimestamp(sent.Message, d.Timestamp)
	}
	return nil
}

// checkTimestamp compares only when the message carries a timestamp.
func checkTimestamp(dm *content.DataMessage, envelopeTimestamp uint64) error {
	if dm.Timestamp != 0 && dm.Timestamp != envelopeTimestamp {
		return fmt.Errorf("%w: %d vs %d", ErrTimestampMismatch, dm.Timestamp, envelopeTimestamp)
	}
	return nil
}
