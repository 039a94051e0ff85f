package framing

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformedMessage indicates a protobuf-encoded record that cannot be parsed.
var ErrMalformedMessage = errors.New("malformed message")

// Marshaler is implemented by records that encode themselves as protobuf
// message bodies.
type Marshaler interface {
	Marshal() []byte
}

// Encoder appends protobuf fields. Zero values are omitted, matching the
// service's proto2 messages where an absent field reads back as its default.
type Encoder struct {
	buf []byte
}

// Bytes returns the encoded message.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Uint appends a varint field when v is non-zero.
func (e *Encoder) Uint(num protowire.Number, v uint64) {
	if v == 0 {
		return
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, v)
}

// UintAlways appends a varint field even when v is zero. It is used for
// repeated scalars and fields whose presence is meaningful.
func (e *Encoder) UintAlways(num protowire.Number, v uint64) {
	e.buf = protowire.AppendTag(e.buf, num, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, v)
}

// Bool appends a varint field holding 1 when v is true.
func (e *Encoder) Bool(num protowire.Number, v bool) {
	if v {
		e.UintAlways(num, 1)
	}
}

// Fixed64 appends a fixed64 field when v is non-zero.
func (e *Encoder) Fixed64(num protowire.Number, v uint64) {
	if v == 0 {
		return
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.Fixed64Type)
	e.buf = protowire.AppendFixed64(e.buf, v)
}

// BytesField appends a length-delimited field when v is non-nil.
func (e *Encoder) BytesField(num protowire.Number, v []byte) {
	if v == nil {
		return
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendBytes(e.buf, v)
}

// String appends a length-delimited field when s is non-empty.
func (e *Encoder) String(num protowire.Number, s string) {
	if s == "" {
		return
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendString(e.buf, s)
}

// Message appends an embedded message field. A nil interface or typed nil
// pointer must be filtered by the caller.
func (e *Encoder) Message(num protowire.Number, m Marshaler) {
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendBytes(e.buf, m.Marshal())
}

// Field is one decoded protobuf field. Varint, fixed32 and fixed64 values
// land in Uint; length-delimited values land in Bytes and alias the input.
type Field struct {
	Num   protowire.Number
	Type  protowire.Type
	Uint  uint64
	Bytes []byte
}

// Bool interprets a varint field as a boolean.
func (f Field) Bool() bool {
	return f.Uint != 0
}

// String returns a copy of a length-delimited field as a string.
func (f Field) String() string {
	return string(f.Bytes)
}

// CopyBytes returns a copy of a length-delimited field.
func (f Field) CopyBytes() []byte {
	return append([]byte{}, f.Bytes...)
}

// Uints decodes a repeated varint field that may be packed or unpacked.
func (f Field) Uints() ([]uint64, error) {
	if f.Type == protowire.VarintType {
		return []uint64{f.Uint}, nil
	}
	if f.Type != protowire.BytesType {
		return nil, fmt.Errorf("%w: field %d has wire type %d", ErrMalformedMessage, f.Num, f.Type)
	}
	var out []uint64
	b := f.Bytes
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, protowire.ParseError(n))
		}
		out = append(out, v)
		b = b[n:]
	}
	return out, nil
}

// ParseFields walks the fields of a protobuf message body in order and calls
// fn for each. Groups are skipped.
func ParseFields(b []byte, fn func(Field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedMessage, protowire.ParseError(n))
		}
		b = b[n:]

		f := Field{Num: num, Type: typ}
		switch typ {
		case protowire.VarintType:
			f.Uint, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			f.Uint, n = protowire.ConsumeFixed64(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.Uint = uint64(v)
		case protowire.BytesType:
			f.Bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n >= 0 {
				b = b[n:]
				continue
			}
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformedMessage, num, protowire.ParseError(n))
		}
		b = b[n:]

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}
