package content

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/opd-ai/whisperpipe/framing"
)

// Content is the decrypted payload of a content-framed envelope. Exactly one
// message field is set.
type Content struct {
	DataMessage    *DataMessage
	SyncMessage    *SyncMessage
	CallMessage    *CallMessage
	NullMessage    *NullMessage
	ReceiptMessage *ReceiptMessage
	TypingMessage  *TypingMessage
}

// Kind names the message carried, for logging.
func (c *Content) Kind() string {
	switch {
	case c.DataMessage != nil:
		return "data"
	case c.SyncMessage != nil:
		return "sync"
	case c.CallMessage != nil:
		return "call"
	case c.NullMessage != nil:
		return "null"
	case c.ReceiptMessage != nil:
		return "receipt"
	case c.TypingMessage != nil:
		return "typing"
	}
	return "empty"
}

func (c *Content) count() int {
	n := 0
	for _, set := range []bool{
		c.DataMessage != nil, c.SyncMessage != nil, c.CallMessage != nil,
		c.NullMessage != nil, c.ReceiptMessage != nil, c.TypingMessage != nil,
	} {
		if set {
			n++
		}
	}
	return n
}

// Validate checks that exactly one message is set.
func (c *Content) Validate() error {
	switch c.count() {
	case 0:
		return ErrEmptyContent
	case 1:
		return nil
	default:
		return ErrAmbiguousContent
	}
}

// Marshal encodes the content. It fails unless exactly one message is set.
func (c *Content) Marshal() ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	var e framing.Encoder
	switch {
	case c.DataMessage != nil:
		e.BytesField(1, nonNil(c.DataMessage.Marshal()))
	case c.SyncMessage != nil:
		e.BytesField(2, nonNil(c.SyncMessage.Marshal()))
	case c.CallMessage != nil:
		e.BytesField(3, nonNil(c.CallMessage.Marshal()))
	case c.NullMessage != nil:
		e.BytesField(4, nonNil(c.NullMessage.Marshal()))
	case c.ReceiptMessage != nil:
		e.BytesField(5, nonNil(c.ReceiptMessage.Marshal()))
	case c.TypingMessage != nil:
		e.BytesField(6, nonNil(c.TypingMessage.Marshal()))
	}
	return e.Bytes(), nil
}

// Unmarshal decodes content. A sync message without a supported variant
// fails with ErrUnsupportedSync.
func Unmarshal(b []byte) (*Content, error) {
	c := &Content{}
	err := framing.ParseFields(b, func(f framing.Field) error {
		var err error
		switch f.Num {
		case 1:
			c.DataMessage, err = UnmarshalDataMessage(f.Bytes)
		case 2:
			c.SyncMessage, err = UnmarshalSyncMessage(f.Bytes)
		case 3:
			c.CallMessage, err = UnmarshalCallMessage(f.Bytes)
		case 4:
			c.NullMessage, err = unmarshalNullMessage(f.Bytes)
		case 5:
			c.ReceiptMessage, err = UnmarshalReceiptMessage(f.Bytes)
		case 6:
			c.TypingMessage, err = UnmarshalTypingMessage(f.Bytes)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("decode content: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// RandomPadding returns between 1 and max random bytes.
func RandomPadding(max int) ([]byte, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return nil, err
	}
	pad := make([]byte, n.Int64()+1)
	if _, err := rand.Read(pad); err != nil {
		return nil, err
	}
	return pad, nil
}
