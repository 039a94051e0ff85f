package push

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/opd-ai/whisperpipe/framing"
	"github.com/opd-ai/whisperpipe/limits"
)

// EnvelopeType tags the ciphertext carried by an envelope.
type EnvelopeType uint32

const (
	EnvelopeUnknown            EnvelopeType = 0
	EnvelopeCiphertext         EnvelopeType = 1
	EnvelopeKeyExchange        EnvelopeType = 2
	EnvelopePreKeyBundle       EnvelopeType = 3
	EnvelopeReceipt            EnvelopeType = 5
	EnvelopeUnidentifiedSender EnvelopeType = 6
)

func (t EnvelopeType) String() string {
	switch t {
	case EnvelopeCiphertext:
		return "CIPHERTEXT"
	case EnvelopeKeyExchange:
		return "KEY_EXCHANGE"
	case EnvelopePreKeyBundle:
		return "PREKEY_BUNDLE"
	case EnvelopeReceipt:
		return "RECEIPT"
	case EnvelopeUnidentifiedSender:
		return "UNIDENTIFIED_SENDER"
	default:
		return fmt.Sprintf("EnvelopeType(%d)", uint32(t))
	}
}

// Envelope is an incoming message as delivered by the service. It is
// consumed once by decryption.
type Envelope struct {
	Type            EnvelopeType
	Source          Address
	SourceDevice    uint32
	Timestamp       uint64
	LegacyMessage   []byte
	Content         []byte
	ServerGUID      string
	ServerTimestamp uint64
}

// HasLegacyMessage reports whether the envelope carries a bare data message.
func (e *Envelope) HasLegacyMessage() bool { return e.LegacyMessage != nil }

// HasContent reports whether the envelope carries a Content container.
func (e *Envelope) HasContent() bool { return e.Content != nil }

// IsPreKey reports whether the ciphertext starts a new session.
func (e *Envelope) IsPreKey() bool { return e.Type == EnvelopePreKeyBundle }

// IsCiphertext reports whether the ciphertext continues an existing session.
func (e *Envelope) IsCiphertext() bool { return e.Type == EnvelopeCiphertext }

// IsReceipt reports whether the envelope is a server delivery receipt.
func (e *Envelope) IsReceipt() bool { return e.Type == EnvelopeReceipt }

// IsUnidentifiedSender reports whether the sender is sealed inside.
func (e *Envelope) IsUnidentifiedSender() bool { return e.Type == EnvelopeUnidentifiedSender }

// Marshal encodes the envelope in the service's wire format.
func (e *Envelope) Marshal() []byte {
	var enc framing.Encoder
	enc.UintAlways(1, uint64(e.Type))
	enc.String(2, e.Source.E164)
	enc.String(3, e.Source.Relay)
	enc.Uint(5, e.Timestamp)
	enc.BytesField(6, e.LegacyMessage)
	enc.Uint(7, uint64(e.SourceDevice))
	enc.BytesField(8, e.Content)
	enc.String(9, e.ServerGUID)
	enc.Uint(10, e.ServerTimestamp)
	if e.Source.HasUUID() {
		enc.String(11, e.Source.UUID.String())
	}
	return enc.Bytes()
}

// UnmarshalEnvelope decodes an envelope pushed by the service.
func UnmarshalEnvelope(b []byte) (*Envelope, error) {
	if err := limits.ValidateEnvelope(b); err != nil {
		return nil, err
	}

	e := &Envelope{}
	err := framing.ParseFields(b, func(f framing.Field) error {
		switch f.Num {
		case 1:
			e.Type = EnvelopeType(f.Uint)
		case 2:
			e.Source.E164 = f.String()
		case 3:
			e.Source.Relay = f.String()
		case 5:
			e.Timestamp = f.Uint
		case 6:
			e.LegacyMessage = f.CopyBytes()
		case 7:
			e.SourceDevice = uint32(f.Uint)
		case 8:
			e.Content = f.CopyBytes()
		case 9:
			e.ServerGUID = f.String()
		case 10:
			e.ServerTimestamp = f.Uint
		case 11:
			id, err := uuid.Parse(f.String())
			if err != nil {
				return fmt.Errorf("source uuid: %w", err)
			}
			e.Source.UUID = id
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return e, nil
}
