package content

import (
	"github.com/opd-ai/whisperpipe/framing"
)

// Data message flags.
const (
	FlagEndSession            = 1
	FlagExpirationTimerUpdate = 2
	FlagProfileKeyUpdate      = 4
)

// GroupType is the kind of group context update.
type GroupType uint32

const (
	GroupUnknown GroupType = iota
	GroupUpdate
	GroupDeliver
	GroupQuit
	GroupRequestInfo
)

// GroupContext identifies the group a data message belongs to.
type GroupContext struct {
	ID      []byte
	Type    GroupType
	Name    string
	Members []string
	Avatar  *AttachmentPointer
}

// Marshal encodes the group context.
func (g *GroupContext) Marshal() []byte {
	var e framing.Encoder
	e.BytesField(1, g.ID)
	e.Uint(2, uint64(g.Type))
	e.String(3, g.Name)
	for _, m := range g.Members {
		e.String(4, m)
	}
	if g.Avatar != nil {
		e.Message(5, g.Avatar)
	}
	return e.Bytes()
}

func unmarshalGroupContext(b []byte) (*GroupContext, error) {
	g := &GroupContext{}
	err := framing.ParseFields(b, func(f framing.Field) error {
		switch f.Num {
		case 1:
			g.ID = f.CopyBytes()
		case 2:
			g.Type = GroupType(f.Uint)
		case 3:
			g.Name = f.String()
		case 4:
			g.Members = append(g.Members, f.String())
		case 5:
			a, err := UnmarshalAttachmentPointer(f.Bytes)
			if err != nil {
				return err
			}
			g.Avatar = a
		}
		return nil
	})
	return g, err
}

// Quote references an earlier message being replied to.
type Quote struct {
	ID     uint64
	Author string
	Text   string
}

// Marshal encodes the quote.
func (q *Quote) Marshal() []byte {
	var e framing.Encoder
	e.Uint(1, q.ID)
	e.String(2, q.Author)
	e.String(3, q.Text)
	return e.Bytes()
}

// Sticker references a sticker from an installed pack.
type Sticker struct {
	PackID    []byte
	PackKey   []byte
	StickerID uint32
	Data      *AttachmentPointer
}

// Marshal encodes the sticker.
func (s *Sticker) Marshal() []byte {
	var e framing.Encoder
	e.BytesField(1, s.PackID)
	e.BytesField(2, s.PackKey)
	e.UintAlways(3, uint64(s.StickerID))
	if s.Data != nil {
		e.Message(4, s.Data)
	}
	return e.Bytes()
}

// DataMessage is an application message.
type DataMessage struct {
	Body                    string
	Attachments             []*AttachmentPointer
	Group                   *GroupContext
	Flags                   uint32
	ExpireTimer             uint32
	ProfileKey              []byte
	Timestamp               uint64
	Quote                   *Quote
	Sticker                 *Sticker
	RequiredProtocolVersion uint32
	ViewOnce                bool
}

// IsEndSession reports whether the message asks the recipient to discard
// its sessions with us.
func (m *DataMessage) IsEndSession() bool {
	return m.Flags&FlagEndSession != 0
}

// IsExpirationUpdate reports whether the message only changes the timer.
func (m *DataMessage) IsExpirationUpdate() bool {
	return m.Flags&FlagExpirationTimerUpdate != 0
}

// IsProfileKeyUpdate reports whether the message only shares a profile key.
func (m *DataMessage) IsProfileKeyUpdate() bool {
	return m.Flags&FlagProfileKeyUpdate != 0
}

// Marshal encodes the data message.
func (m *DataMessage) Marshal() []byte {
	var e framing.Encoder
	e.String(1, m.Body)
	for _, a := range m.Attachments {
		e.Message(2, a)
	}
	if m.Group != nil {
		e.Message(3, m.Group)
	}
	e.Uint(4, uint64(m.Flags))
	e.Uint(5, uint64(m.ExpireTimer))
	e.BytesField(6, m.ProfileKey)
	e.Uint(7, m.Timestamp)
	if m.Quote != nil {
		e.Message(8, m.Quote)
	}
	if m.Sticker != nil {
		e.Message(11, m.Sticker)
	}
	e.Uint(12, uint64(m.RequiredProtocolVersion))
	e.Bool(14, m.ViewOnce)
	return e.Bytes()
}

// UnmarshalDataMessage decodes a data message. It is also used directly for
// legacy envelopes, which carry a bare data message.
func UnmarshalDataMessage(b []byte) (*DataMessage, error) {
	m := &DataMessage{}
	err := framing.ParseFields(b, func(f framing.Field) error {
		switch f.Num {
		case 1:
			m.Body = f.String()
		case 2:
			a, err := UnmarshalAttachmentPointer(f.Bytes)
			if err != nil {
				return err
			}
			m.Attachments = append(m.Attachments, a)
		case 3:
			g, err := unmarshalGroupContext(f.Bytes)
			if err != nil {
				return err
			}
			m.Group = g
		case 4:
			m.Flags = uint32(f.Uint)
		case 5:
			m.ExpireTimer = uint32(f.Uint)
		case 6:
			m.ProfileKey = f.CopyBytes()
		case 7:
			m.Timestamp = f.Uint
		case 8:
			q := &Quote{}
			err := framing.ParseFields(f.Bytes, func(f framing.Field) error {
				switch f.Num {
				case 1:
					q.ID = f.Uint
				case 2:
					q.Author = f.String()
				case 3:
					q.Text = f.String()
				}
				return nil
			})
			if err != nil {
				return err
			}
			m.Quote = q
		case 11:
			s, err := unmarshalSticker(f.Bytes)
			if err != nil {
				return err
			}
			m.Sticker = s
		case 12:
			m.RequiredProtocolVersion = uint32(f.Uint)
		case 14:
			m.ViewOnce = f.Bool()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func unmarshalSticker(b []byte) (*Sticker, error) {
	s := &Sticker{}
	err := framing.ParseFields(b, func(f framing.Field) error {
		switch f.Num {
		case 1:
			s.PackID = f.CopyBytes()
		case 2:
			s.PackKey = f.CopyBytes()
		case 3:
			s.StickerID = uint32(f.Uint)
		case 4:
			a, err := UnmarshalAttachmentPointer(f.Bytes)
			if err != nil {
				return err
			}
			s.Data = a
		}
		return nil
	})
	return s, err
}
