package envelope

import (
	"errors"
	"fmt"

	"github.com/opd-ai/whisperpipe/interfaces"
	"github.com/opd-ai/whisperpipe/push"
)

var (
	// ErrUnknownType indicates an envelope type that carries no session
	// ciphertext.
	ErrUnknownType = errors.New("unknown envelope type")
	// ErrEmptyEnvelope indicates an envelope with neither a legacy message
	// nor content.
	ErrEmptyEnvelope = errors.New("envelope carries no message")
	// ErrUnauthorizedSync indicates a sync message from another account.
	ErrUnauthorizedSync = errors.New("sync message from foreign source")
	// ErrTimestampMismatch indicates a data message whose timestamp differs
	// from its envelope's.
	ErrTimestampMismatch = errors.New("timestamps don't match")
	// ErrSealedUnavailable indicates a sealed envelope received without
	// a local identity or trust root configured.
	ErrSealedUnavailable = errors.New("sealed sender not configured")
	// ErrUnknownRecipientIdentity indicates a sealed send to an address
	// whose identity key is not known yet.
	ErrUnknownRecipientIdentity = errors.New("recipient identity key unknown")
)

// UntrustedIdentityError is returned when the session store refuses a peer
// whose identity key changed. It is never wrapped in ProtocolError.
type UntrustedIdentityError = interfaces.UntrustedIdentityError

// ProtocolError reports a message that decrypted but cannot be accepted,
// or could not be decrypted at all. It is fatal to that message only.
type ProtocolError struct {
	Sender push.Address
	Device uint32
	Err    error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error from %s.%d: %v", e.Sender.Identifier(), e.Device, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}
