package interfaces

import (
	"context"
	"errors"
	"fmt"

	"github.com/opd-ai/whisperpipe/crypto"
	"github.com/opd-ai/whisperpipe/push"
	"github.com/opd-ai/whisperpipe/sealed"
)

var (
	// ErrInvalidKey is returned by CreateSession when a pre-key bundle does
	// not verify.
	ErrInvalidKey = errors.New("invalid pre-key bundle")

	// ErrNoSession is returned by Encrypt and Decrypt when no session exists
	// for the device and the ciphertext cannot start one.
	ErrNoSession = errors.New("no session")
)

// UntrustedIdentityError reports that a peer's identity key differs from
// the one previously trusted for it.
type UntrustedIdentityError struct {
	Address     push.Address
	IdentityKey []byte
}

func (e *UntrustedIdentityError) Error() string {
	return fmt.Sprintf("untrusted identity key for %s", e.Address.Identifier())
}

// Ciphertext is the output of encrypting for one device.
type Ciphertext struct {
	// Type is EnvelopePreKeyBundle for the first message of a session and
	// EnvelopeCiphertext afterwards.
	Type                 push.EnvelopeType
	Body                 []byte
	RemoteRegistrationID uint32
}

// SessionCrypto is the per-device session store and ratchet.
type SessionCrypto interface {
	HasSession(addr push.Address, deviceID uint32) bool
	CreateSession(addr push.Address, deviceID uint32, bundle *push.PreKeyBundle) error
	DeleteSession(addr push.Address, deviceID uint32)
	DeleteAllSessions(addr push.Address)
	// SubDeviceSessions lists the devices other than the primary that
	// have an established session.
	SubDeviceSessions(addr push.Address) []uint32
	Encrypt(addr push.Address, deviceID uint32, plaintext []byte) (*Ciphertext, error)
	Decrypt(addr push.Address, deviceID uint32, ciphertext []byte, typ push.EnvelopeType) ([]byte, error)
}

// IdentityKeys exposes the identity keys sealed-sender wrapping needs.
type IdentityKeys interface {
	LocalIdentity() *crypto.KeyPair
	// RemoteIdentity returns the trusted identity key for addr.
	RemoteIdentity(addr push.Address) ([32]byte, bool)
}

// PreKeyFetcher retrieves pre-key bundles. *push.ServiceClient implements it.
type PreKeyFetcher interface {
	// FetchPreKeys returns the bundles for deviceID; the primary device
	// stands for every device of the account.
	FetchPreKeys(ctx context.Context, addr push.Address, deviceID uint32, access *sealed.UnidentifiedAccess) ([]*push.PreKeyBundle, error)
	// FetchPreKey returns the bundle of exactly one device.
	FetchPreKey(ctx context.Context, addr push.Address, deviceID uint32) (*push.PreKeyBundle, error)
}

// SecurityEventKind distinguishes security events.
type SecurityEventKind int

const (
	// SessionBootstrapped follows the creation of a session from a bundle.
	SessionBootstrapped SecurityEventKind = iota
	// SessionsReset follows the deletion of every session with a peer.
	SessionsReset
)

func (k SecurityEventKind) String() string {
	switch k {
	case SessionBootstrapped:
		return "session-bootstrapped"
	case SessionsReset:
		return "sessions-reset"
	default:
		return fmt.Sprintf("SecurityEventKind(%d)", int(k))
	}
}

// SecurityEvent is delivered to a SecurityEventListener.
type SecurityEvent struct {
	Kind     SecurityEventKind
	Address  push.Address
	DeviceID uint32
}

// SecurityEventListener receives session lifecycle notifications.
type SecurityEventListener interface {
	OnSecurityEvent(ev SecurityEvent)
}

// SecurityEventFunc adapts a function to SecurityEventListener.
type SecurityEventFunc func(SecurityEvent)

// OnSecurityEvent calls f.
func (f SecurityEventFunc) OnSecurityEvent(ev SecurityEvent) { f(ev) }

// EnvelopeObserver sees every pushed envelope before it is acknowledged.
type EnvelopeObserver interface {
	OnEnvelope(env *push.Envelope) error
}

// EnvelopeObserverFunc adapts a function to EnvelopeObserver.
type EnvelopeObserverFunc func(*push.Envelope) error

// OnEnvelope calls f.
func (f EnvelopeObserverFunc) OnEnvelope(env *push.Envelope) error { return f(env) }
