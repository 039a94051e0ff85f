package content

import (
	"fmt"

	"github.com/opd-ai/whisperpipe/framing"
	"google.golang.org/protobuf/encoding/protowire"
)

// SyncVariant is one of the mutually exclusive payloads of a SyncMessage.
// The concrete types are SentTranscript, ContactsSync, GroupsSync,
// ReadSync, BlockedSync, ConfigurationSync, StickerPackSync, VerifiedSync
// and RequestSync.
type SyncVariant interface {
	appendTo(e *framing.Encoder)
	// Kind names the variant for logging.
	Kind() string
}

// SyncMessage is a message exchanged between our own linked devices.
type SyncMessage struct {
	Variant SyncVariant
	Padding []byte
}

// UnidentifiedStatus records whether a sent message used sealed delivery
// for one recipient.
type UnidentifiedStatus struct {
	Destination  string
	Unidentified bool
}

// SentTranscript tells our other devices what we sent and to whom.
type SentTranscript struct {
	Destination              string
	Timestamp                uint64
	Message                  *DataMessage
	ExpirationStartTimestamp uint64
	UnidentifiedStatus       []UnidentifiedStatus
	IsRecipientUpdate        bool
}

func (*SentTranscript) Kind() string { return "sent" }

func (s *SentTranscript) appendTo(e *framing.Encoder) {
	var inner framing.Encoder
	inner.String(1, s.Destination)
	inner.Uint(2, s.Timestamp)
	if s.Message != nil {
		inner.Message(3, s.Message)
	}
	inner.Uint(4, s.ExpirationStartTimestamp)
	for _, st := range s.UnidentifiedStatus {
		var u framing.Encoder
		u.String(1, st.Destination)
		u.Bool(2, st.Unidentified)
		inner.BytesField(5, nonNil(u.Bytes()))
	}
	inner.Bool(6, s.IsRecipientUpdate)
	e.BytesField(1, nonNil(inner.Bytes()))
}

// ContactsSync points at an attachment holding a device contacts stream.
type ContactsSync struct {
	Blob     *AttachmentPointer
	Complete bool
}

func (*ContactsSync) Kind() string { return "contacts" }

func (c *ContactsSync) appendTo(e *framing.Encoder) {
	var inner framing.Encoder
	if c.Blob != nil {
		inner.Message(1, c.Blob)
	}
	inner.Bool(2, c.Complete)
	e.BytesField(2, nonNil(inner.Bytes()))
}

// GroupsSync points at an attachment holding a device groups stream.
type GroupsSync struct {
	Blob *AttachmentPointer
}

func (*GroupsSync) Kind() string { return "groups" }

func (g *GroupsSync) appendTo(e *framing.Encoder) {
	var inner framing.Encoder
	if g.Blob != nil {
		inner.Message(1, g.Blob)
	}
	e.BytesField(3, nonNil(inner.Bytes()))
}

// ReadMarker identifies one message read on another device.
type ReadMarker struct {
	Sender    string
	Timestamp uint64
}

// ReadSync lists messages read on another device.
type ReadSync struct {
	Messages []ReadMarker
}

func (*ReadSync) Kind() string { return "read" }

func (r *ReadSync) appendTo(e *framing.Encoder) {
	for _, m := range r.Messages {
		var inner framing.Encoder
		inner.String(1, m.Sender)
		inner.Uint(2, m.Timestamp)
		e.BytesField(5, nonNil(inner.Bytes()))
	}
}

// BlockedSync carries the full block list.
type BlockedSync struct {
	Numbers  []string
	GroupIDs [][]byte
}

func (*BlockedSync) Kind() string { return "blocked" }

func (b *BlockedSync) appendTo(e *framing.Encoder) {
	var inner framing.Encoder
	for _, n := range b.Numbers {
		inner.String(1, n)
	}
	for _, id := range b.GroupIDs {
		inner.BytesField(2, nonNil(id))
	}
	e.BytesField(6, nonNil(inner.Bytes()))
}

// ConfigurationSync carries account-wide preferences.
type ConfigurationSync struct {
	ReadReceipts                   bool
	UnidentifiedDeliveryIndicators bool
	TypingIndicators               bool
	LinkPreviews                   bool
}

func (*ConfigurationSync) Kind() string { return "configuration" }

func (c *ConfigurationSync) appendTo(e *framing.Encoder) {
	var inner framing.Encoder
	inner.Bool(1, c.ReadReceipts)
	inner.Bool(2, c.UnidentifiedDeliveryIndicators)
	inner.Bool(3, c.TypingIndicators)
	inner.Bool(4, c.LinkPreviews)
	e.BytesField(9, nonNil(inner.Bytes()))
}

// StickerPackOperationType is install or remove.
type StickerPackOperationType uint32

const (
	StickerPackInstall StickerPackOperationType = iota
	StickerPackRemove
)

// StickerPackOperation installs or removes one sticker pack.
type StickerPackOperation struct {
	PackID  []byte
	PackKey []byte
	Type    StickerPackOperationType
}

// StickerPackSync lists sticker pack operations.
type StickerPackSync struct {
	Operations []StickerPackOperation
}

func (*StickerPackSync) Kind() string { return "sticker-pack-operation" }

func (s *StickerPackSync) appendTo(e *framing.Encoder) {
	for _, op := range s.Operations {
		var inner framing.Encoder
		inner.BytesField(1, op.PackID)
		inner.BytesField(2, op.PackKey)
		inner.Uint(3, uint64(op.Type))
		e.BytesField(10, nonNil(inner.Bytes()))
	}
}

// VerifiedState is the verification state of a contact's identity key.
type VerifiedState uint32

const (
	VerifiedDefault VerifiedState = iota
	VerifiedVerified
	VerifiedUnverified
)

// VerifiedSync records a change to a contact's verification state.
type VerifiedSync struct {
	Destination string
	IdentityKey []byte
	State       VerifiedState
	NullMessage []byte
}

func (*VerifiedSync) Kind() string { return "verified" }

func (v *VerifiedSync) appendTo(e *framing.Encoder) {
	e.BytesField(7, nonNil(v.Marshal()))
}

// Marshal encodes the standalone Verified message, which also appears in
// device contact records.
func (v *VerifiedSync) Marshal() []byte {
	var inner framing.Encoder
	inner.String(1, v.Destination)
	inner.BytesField(2, v.IdentityKey)
	inner.Uint(3, uint64(v.State))
	inner.BytesField(4, v.NullMessage)
	return inner.Bytes()
}

// RequestType selects what a sync request asks the primary device for.
type RequestType uint32

const (
	RequestUnknown RequestType = iota
	RequestContacts
	RequestGroups
	RequestBlocked
	RequestConfiguration
)

// RequestSync asks the primary device to send a sync of the given type.
type RequestSync struct {
	Type RequestType
}

func (*RequestSync) Kind() string { return "request" }

func (r *RequestSync) appendTo(e *framing.Encoder) {
	var inner framing.Encoder
	inner.Uint(1, uint64(r.Type))
	e.BytesField(4, nonNil(inner.Bytes()))
}

// NewSentSync builds a sent transcript sync message.
func NewSentSync(t *SentTranscript) *SyncMessage {
	return &SyncMessage{Variant: t}
}

// NewContactsSync builds a contacts sync message.
func NewContactsSync(blob *AttachmentPointer, complete bool) *SyncMessage {
	return &SyncMessage{Variant: &ContactsSync{Blob: blob, Complete: complete}}
}

// NewGroupsSync builds a groups sync message.
func NewGroupsSync(blob *AttachmentPointer) *SyncMessage {
	return &SyncMessage{Variant: &GroupsSync{Blob: blob}}
}

// NewReadSync builds a read sync message.
func NewReadSync(markers ...ReadMarker) *SyncMessage {
	return &SyncMessage{Variant: &ReadSync{Messages: markers}}
}

// NewBlockedSync builds a blocked list sync message.
func NewBlockedSync(numbers []string, groupIDs [][]byte) *SyncMessage {
	return &SyncMessage{Variant: &BlockedSync{Numbers: numbers, GroupIDs: groupIDs}}
}

// NewConfigurationSync builds a configuration sync message.
func NewConfigurationSync(c ConfigurationSync) *SyncMessage {
	return &SyncMessage{Variant: &c}
}

// NewStickerPackSync builds a sticker pack operation sync message.
func NewStickerPackSync(ops ...StickerPackOperation) *SyncMessage {
	return &SyncMessage{Variant: &StickerPackSync{Operations: ops}}
}

// NewVerifiedSync builds a verification state sync message.
func NewVerifiedSync(v VerifiedSync) *SyncMessage {
	return &SyncMessage{Variant: &v}
}

// NewRequestSync builds a sync request message.
func NewRequestSync(t RequestType) *SyncMessage {
	return &SyncMessage{Variant: &RequestSync{Type: t}}
}

// Marshal encodes the sync message.
func (s *SyncMessage) Marshal() []byte {
	var e framing.Encoder
	if s.Variant != nil {
		s.Variant.appendTo(&e)
	}
	e.BytesField(8, s.Padding)
	return e.Bytes()
}

// UnmarshalSyncMessage decodes a sync message. The first recognised variant
// wins; repeated read and sticker entries accumulate into it.
func UnmarshalSyncMessage(b []byte) (*SyncMessage, error) {
	s := &SyncMessage{}
	var unsupported []protowire.Number

	set := func(v SyncVariant) {
		if s.Variant == nil {
			s.Variant = v
		}
	}

	err := framing.ParseFields(b, func(f framing.Field) error {
		switch f.Num {
		case 1:
			t, err := unmarshalSent(f.Bytes)
			if err != nil {
				return err
			}
			set(t)
		case 2:
			c := &ContactsSync{}
			err := framing.ParseFields(f.Bytes, func(f framing.Field) error {
				switch f.Num {
				case 1:
					a, err := UnmarshalAttachmentPointer(f.Bytes)
					c.Blob = a
					return err
				case 2:
					c.Complete = f.Bool()
				}
				return nil
			})
			if err != nil {
				return err
			}
			set(c)
		case 3:
			g := &GroupsSync{}
			err := framing.ParseFields(f.Bytes, func(f framing.Field) error {
				if f.Num == 1 {
					a, err := UnmarshalAttachmentPointer(f.Bytes)
					g.Blob = a
					return err
				}
				return nil
			})
			if err != nil {
				return err
			}
			set(g)
		case 4:
			r := &RequestSync{}
			err := framing.ParseFields(f.Bytes, func(f framing.Field) error {
				if f.Num == 1 {
					r.Type = RequestType(f.Uint)
				}
				return nil
			})
			if err != nil {
				return err
			}
			set(r)
		case 5:
			var m ReadMarker
			err := framing.ParseFields(f.Bytes, func(f framing.Field) error {
				switch f.Num {
				case 1:
					m.Sender = f.String()
				case 2:
					m.Timestamp = f.Uint
				}
				return nil
			})
			if err != nil {
				return err
			}
			if s.Variant == nil {
				s.Variant = &ReadSync{}
			}
			if r, ok := s.Variant.(*ReadSync); ok {
				r.Messages = append(r.Messages, m)
			}
		case 6:
			bl := &BlockedSync{}
			err := framing.ParseFields(f.Bytes, func(f framing.Field) error {
				switch f.Num {
				case 1:
					bl.Numbers = append(bl.Numbers, f.String())
				case 2:
					bl.GroupIDs = append(bl.GroupIDs, f.CopyBytes())
				}
				return nil
			})
			if err != nil {
				return err
			}
			set(bl)
		case 7:
			v, err := UnmarshalVerified(f.Bytes)
			if err != nil {
				return err
			}
			set(v)
		case 8:
			s.Padding = f.CopyBytes()
		case 9:
			c := &ConfigurationSync{}
			err := framing.ParseFields(f.Bytes, func(f framing.Field) error {
				switch f.Num {
				case 1:
					c.ReadReceipts = f.Bool()
				case 2:
					c.UnidentifiedDeliveryIndicators = f.Bool()
				case 3:
					c.TypingIndicators = f.Bool()
				case 4:
					c.LinkPreviews = f.Bool()
				}
				return nil
			})
			if err != nil {
				return err
			}
			set(c)
		case 10:
			var op StickerPackOperation
			err := framing.ParseFields(f.Bytes, func(f framing.Field) error {
				switch f.Num {
				case 1:
					op.PackID = f.CopyBytes()
				case 2:
					op.PackKey = f.CopyBytes()
				case 3:
					op.Type = StickerPackOperationType(f.Uint)
				}
				return nil
			})
			if err != nil {
				return err
			}
			if s.Variant == nil {
				s.Variant = &StickerPackSync{}
			}
			if sp, ok := s.Variant.(*StickerPackSync); ok {
				sp.Operations = append(sp.Operations, op)
			}
		default:
			unsupported = append(unsupported, f.Num)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if s.Variant == nil {
		return nil, fmt.Errorf("%w: fields %v", ErrUnsupportedSync, unsupported)
	}
	return s, nil
}

// UnmarshalVerified decodes a standalone Verified message.
func UnmarshalVerified(b []byte) (*VerifiedSync, error) {
	v := &VerifiedSync{}
	err := framing.ParseFields(b, func(f framing.Field) error {
		switch f.Num {
		case 1:
			v.Destination = f.String()
		case 2:
			v.IdentityKey = f.CopyBytes()
		case 3:
			v.State = VerifiedState(f.Uint)
		case 4:
			v.NullMessage = f.CopyBytes()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

func unmarshalSent(b []byte) (*SentTranscript, error) {
	t := &SentTranscript{}
	err := framing.ParseFields(b, func(f framing.Field) error {
		switch f.Num {
		case 1:
			t.Destination = f.String()
		case 2:
			t.Timestamp = f.Uint
		case 3:
			m, err := UnmarshalDataMessage(f.Bytes)
			if err != nil {
				return err
			}
			t.Message = m
		case 4:
			t.ExpirationStartTimestamp = f.Uint
		case 5:
			var st UnidentifiedStatus
			err := framing.ParseFields(f.Bytes, func(f framing.Field) error {
				switch f.Num {
				case 1:
					st.Destination = f.String()
				case 2:
					st.Unidentified = f.Bool()
				}
				return nil
			})
			if err != nil {
				return err
			}
			t.UnidentifiedStatus = append(t.UnidentifiedStatus, st)
		case 6:
			t.IsRecipientUpdate = f.Bool()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// nonNil keeps empty embedded messages present on the wire.
func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
