package sealed

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/whisperpipe/framing"
)

var (
	// ErrInvalidCertificate indicates a malformed or badly signed certificate.
	ErrInvalidCertificate = errors.New("invalid sender certificate")
	// ErrExpiredCertificate indicates a certificate past its expiry.
	ErrExpiredCertificate = errors.New("sender certificate expired")
)

// SenderCertificate is the service's short-lived attestation binding an
// account and device to an identity key.
type SenderCertificate struct {
	Sender       string
	SenderDevice uint32
	Expires      time.Time
	IdentityKey  [32]byte

	serialized []byte
	signature  []byte
}

func (c *SenderCertificate) body() []byte {
	var e framing.Encoder
	e.String(1, c.Sender)
	e.Uint(2, uint64(c.SenderDevice))
	e.Fixed64(3, uint64(c.Expires.UnixMilli()))
	e.BytesField(4, c.IdentityKey[:])
	return e.Bytes()
}

// Serialized returns the wire form the certificate was parsed from.
func (c *SenderCertificate) Serialized() []byte {
	return c.serialized
}

// IssueSenderCertificate signs a certificate with the service key and
// returns its wire form.
func IssueSenderCertificate(signer ed25519.PrivateKey, c SenderCertificate) []byte {
	body := c.body()
	var e framing.Encoder
	e.BytesField(1, body)
	e.BytesField(2, ed25519.Sign(signer, body))
	return e.Bytes()
}

// ParseSenderCertificate decodes a certificate without verifying it.
func ParseSenderCertificate(b []byte) (*SenderCertificate, error) {
	var body, sig []byte
	err := framing.ParseFields(b, func(f framing.Field) error {
		switch f.Num {
		case 1:
			body = f.CopyBytes()
		case 2:
			sig = f.CopyBytes()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
	}
	if body == nil || len(sig) != ed25519.SignatureSize {
		return nil, ErrInvalidCertificate
	}

	c := &SenderCertificate{serialized: append([]byte{}, b...), signature: sig}
	var haveKey bool
	err = framing.ParseFields(body, func(f framing.Field) error {
		switch f.Num {
		case 1:
			c.Sender = f.String()
		case 2:
			c.SenderDevice = uint32(f.Uint)
		case 3:
			c.Expires = time.UnixMilli(int64(f.Uint))
		case 4:
			if len(f.Bytes) != 32 {
				return ErrInvalidCertificate
			}
			copy(c.IdentityKey[:], f.Bytes)
			haveKey = true
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
	}
	if !haveKey || c.Sender == "" {
		return nil, ErrInvalidCertificate
	}
	return c, nil
}

// Verify checks the signature against the trust root and the expiry
// against now.
func (c *SenderCertificate) Verify(trustRoot ed25519.PublicKey, now time.Time) error {
	if len(trustRoot) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: trust root is %d bytes", ErrInvalidCertificate, len(trustRoot))
	}
	if !ed25519.Verify(trustRoot, c.body(), c.signature) {
		return fmt.Errorf("%w: bad signature", ErrInvalidCertificate)
	}
	if !now.Before(c.Expires) {
		return fmt.Errorf("%w: expired %s", ErrExpiredCertificate, c.Expires.UTC().Format(time.RFC3339))
	}
	return nil
}
