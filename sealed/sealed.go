package sealed

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/flynn/noise"
	"github.com/opd-ai/whisperpipe/crypto"
	"github.com/opd-ai/whisperpipe/framing"
	"github.com/sirupsen/logrus"
)

// Version is the leading byte of every sealed envelope.
const Version = 0x11

// MaxSealedPayload bounds the inner ciphertext. A Noise message is at most
// 65535 bytes; the remainder covers the handshake keys, tag and certificate.
const MaxSealedPayload = noise.MaxMsgLen - 1024

var (
	// ErrUnknownVersion indicates a sealed envelope with an unknown version byte.
	ErrUnknownVersion = errors.New("unknown sealed envelope version")
	// ErrSenderKeyMismatch indicates a certificate naming a different
	// identity key than the one the handshake authenticated.
	ErrSenderKeyMismatch = errors.New("sender certificate does not match sender identity key")
	// ErrPayloadTooLarge indicates an inner ciphertext above MaxSealedPayload.
	ErrPayloadTooLarge = errors.New("sealed payload too large")
	// ErrMalformed indicates an envelope whose payload cannot be parsed.
	ErrMalformed = errors.New("malformed sealed envelope")
)

var prologue = []byte("whisperpipe-sealed-sender")

func cipherSuite() noise.CipherSuite {
	return noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)
}

func dhKey(kp *crypto.KeyPair) noise.DHKey {
	k := noise.DHKey{
		Private: make([]byte, 32),
		Public:  make([]byte, 32),
	}
	copy(k.Private, kp.Private[:])
	copy(k.Public, kp.Public[:])
	return k
}

// Seal wraps an inner session ciphertext for recipientIdentity. certificate
// is our serialized SenderCertificate and innerType the envelope type the
// session cipher produced.
func Seal(ourIdentity *crypto.KeyPair, recipientIdentity [32]byte, certificate []byte, innerType uint32, ciphertext []byte) ([]byte, error) {
	if len(ciphertext)+len(certificate) > MaxSealedPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(ciphertext)+len(certificate))
	}

	static := dhKey(ourIdentity)
	defer crypto.ZeroBytes(static.Private)

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite(),
		Random:        rand.Reader,
		Pattern:       noise.HandshakeX,
		Initiator:     true,
		Prologue:      prologue,
		StaticKeypair: static,
		PeerStatic:    recipientIdentity[:],
	})
	if err != nil {
		return nil, fmt.Errorf("create handshake state: %w", err)
	}

	var payload framing.Encoder
	payload.BytesField(1, certificate)
	payload.UintAlways(2, uint64(innerType))
	payload.BytesField(3, ciphertext)

	out := []byte{Version}
	out, _, _, err = hs.WriteMessage(out, payload.Bytes())
	if err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}
	return out, nil
}

// Opened is the result of unwrapping a sealed envelope.
type Opened struct {
	Certificate *SenderCertificate
	Type        uint32
	Ciphertext  []byte
}

// Open authenticates and unwraps a sealed envelope addressed to ourIdentity.
// The sender certificate must verify against trustRoot at now and must name
// the static key the handshake authenticated.
func Open(ourIdentity *crypto.KeyPair, trustRoot ed25519.PublicKey, now time.Time, sealed []byte) (*Opened, error) {
	if len(sealed) == 0 || sealed[0] != Version {
		return nil, ErrUnknownVersion
	}

	static := dhKey(ourIdentity)
	defer crypto.ZeroBytes(static.Private)

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite(),
		Random:        rand.Reader,
		Pattern:       noise.HandshakeX,
		Initiator:     false,
		Prologue:      prologue,
		StaticKeypair: static,
	})
	if err != nil {
		return nil, fmt.Errorf("create handshake state: %w", err)
	}

	payload, _, _, err := hs.ReadMessage(nil, sealed[1:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	opened := &Opened{}
	var certBytes []byte
	err = framing.ParseFields(payload, func(f framing.Field) error {
		switch f.Num {
		case 1:
			certBytes = f.Bytes
		case 2:
			opened.Type = uint32(f.Uint)
		case 3:
			opened.Ciphertext = f.CopyBytes()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	cert, err := ParseSenderCertificate(certBytes)
	if err != nil {
		return nil, err
	}
	if err := cert.Verify(trustRoot, now); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Open",
			"sender":   cert.Sender,
			"error":    err.Error(),
		}).Warn("Rejected sealed envelope certificate")
		return nil, err
	}
	if !bytes.Equal(cert.IdentityKey[:], hs.PeerStatic()) {
		return nil, ErrSenderKeyMismatch
	}

	opened.Certificate = cert
	return opened, nil
}
