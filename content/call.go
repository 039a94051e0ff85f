package content

import (
	"github.com/opd-ai/whisperpipe/framing"
)

// CallOffer opens a call with a session description.
type CallOffer struct {
	ID          uint64
	Description string
}

// CallAnswer accepts an offered call.
type CallAnswer struct {
	ID          uint64
	Description string
}

// IceUpdate carries one ICE candidate.
type IceUpdate struct {
	ID            uint64
	SdpMid        string
	SdpMLineIndex uint32
	Sdp           string
}

// CallMessage is call signalling. Only the fields relevant to the current
// step are set; IceUpdates may batch several candidates.
type CallMessage struct {
	Offer      *CallOffer
	Answer     *CallAnswer
	IceUpdates []IceUpdate
	HangupID   *uint64
	BusyID     *uint64
}

// Marshal encodes the call message.
func (c *CallMessage) Marshal() []byte {
	var e framing.Encoder
	if c.Offer != nil {
		e.BytesField(1, nonNil(encodeIDDescription(c.Offer.ID, c.Offer.Description)))
	}
	if c.Answer != nil {
		e.BytesField(2, nonNil(encodeIDDescription(c.Answer.ID, c.Answer.Description)))
	}
	for _, u := range c.IceUpdates {
		var inner framing.Encoder
		inner.Uint(1, u.ID)
		inner.String(2, u.SdpMid)
		inner.UintAlways(3, uint64(u.SdpMLineIndex))
		inner.String(4, u.Sdp)
		e.BytesField(3, inner.Bytes())
	}
	if c.HangupID != nil {
		var inner framing.Encoder
		inner.Uint(1, *c.HangupID)
		e.BytesField(4, nonNil(inner.Bytes()))
	}
	if c.BusyID != nil {
		var inner framing.Encoder
		inner.Uint(1, *c.BusyID)
		e.BytesField(5, nonNil(inner.Bytes()))
	}
	return e.Bytes()
}

func encodeIDDescription(id uint64, description string) []byte {
	var e framing.Encoder
	e.Uint(1, id)
	e.String(2, description)
	return e.Bytes()
}

func decodeIDDescription(b []byte) (uint64, string, error) {
	var (
		id   uint64
		desc string
	)
	err := framing.ParseFields(b, func(f framing.Field) error {
		switch f.Num {
		case 1:
			id = f.Uint
		case 2:
			desc = f.String()
		}
		return nil
	})
	return id, desc, err
}

// UnmarshalCallMessage decodes a call message.
func UnmarshalCallMessage(b []byte) (*CallMessage, error) {
	c := &CallMessage{}
	err := framing.ParseFields(b, func(f framing.Field) error {
		switch f.Num {
		case 1:
			id, desc, err := decodeIDDescription(f.Bytes)
			c.Offer = &CallOffer{ID: id, Description: desc}
			return err
		case 2:
			id, desc, err := decodeIDDescription(f.Bytes)
			c.Answer = &CallAnswer{ID: id, Description: desc}
			return err
		case 3:
			var u IceUpdate
			err := framing.ParseFields(f.Bytes, func(f framing.Field) error {
				switch f.Num {
				case 1:
					u.ID = f.Uint
				case 2:
					u.SdpMid = f.String()
				case 3:
					u.SdpMLineIndex = uint32(f.Uint)
				case 4:
					u.Sdp = f.String()
				}
				return nil
			})
			c.IceUpdates = append(c.IceUpdates, u)
			return err
		case 4, 5:
			var id uint64
			err := framing.ParseFields(f.Bytes, func(f framing.Field) error {
				if f.Num == 1 {
					id = f.Uint
				}
				return nil
			})
			if f.Num == 4 {
				c.HangupID = &id
			} else {
				c.BusyID = &id
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}
