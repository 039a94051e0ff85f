package content

import (
	"github.com/opd-ai/whisperpipe/framing"
)

// ReceiptType distinguishes delivery from read receipts.
type ReceiptType uint32

const (
	ReceiptDelivery ReceiptType = iota
	ReceiptRead
)

// ReceiptMessage acknowledges one or more messages by timestamp.
type ReceiptMessage struct {
	Type       ReceiptType
	Timestamps []uint64
}

// Marshal encodes the receipt.
func (r *ReceiptMessage) Marshal() []byte {
	var e framing.Encoder
	e.Uint(1, uint64(r.Type))
	for _, ts := range r.Timestamps {
		e.UintAlways(2, ts)
	}
	return e.Bytes()
}

// UnmarshalReceiptMessage decodes a receipt, accepting packed timestamps.
func UnmarshalReceiptMessage(b []byte) (*ReceiptMessage, error) {
	r := &ReceiptMessage{}
	err := framing.ParseFields(b, func(f framing.Field) error {
		switch f.Num {
		case 1:
			r.Type = ReceiptType(f.Uint)
		case 2:
			ts, err := f.Uints()
			if err != nil {
				return err
			}
			r.Timestamps = append(r.Timestamps, ts...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// TypingAction is started or stopped.
type TypingAction uint32

const (
	TypingStarted TypingAction = iota
	TypingStopped
)

// TypingMessage is a typing indicator, optionally scoped to a group.
type TypingMessage struct {
	Timestamp uint64
	Action    TypingAction
	GroupID   []byte
}

// Marshal encodes the typing indicator.
func (t *TypingMessage) Marshal() []byte {
	var e framing.Encoder
	e.Uint(1, t.Timestamp)
	e.Uint(2, uint64(t.Action))
	e.BytesField(3, t.GroupID)
	return e.Bytes()
}

// UnmarshalTypingMessage decodes a typing indicator.
func UnmarshalTypingMessage(b []byte) (*TypingMessage, error) {
	t := &TypingMessage{}
	err := framing.ParseFields(b, func(f framing.Field) error {
		switch f.Num {
		case 1:
			t.Timestamp = f.Uint
		case 2:
			t.Action = TypingAction(f.Uint)
		case 3:
			t.GroupID = f.CopyBytes()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// NullMessage carries only padding. It is used to advance a session or
// hide the size of a verification change.
type NullMessage struct {
	Padding []byte
}

// Marshal encodes the null message.
func (n *NullMessage) Marshal() []byte {
	var e framing.Encoder
	e.BytesField(1, n.Padding)
	return e.Bytes()
}

func unmarshalNullMessage(b []byte) (*NullMessage, error) {
	n := &NullMessage{}
	err := framing.ParseFields(b, func(f framing.Field) error {
		if f.Num == 1 {
			n.Padding = f.CopyBytes()
		}
		return nil
	})
	return n, err
}
