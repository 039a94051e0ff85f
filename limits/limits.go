package limits

import (
	"errors"
	"fmt"
)

// Byte limits. Each network-supplied length is checked against one of
// these before a buffer is sized from it.
const (
	MaxEnvelopeSize      = 256 << 10 // one pushed envelope body
	MaxFrameSize         = 8 << 20   // one websocket frame on a pipe
	MaxRecordSize        = 16 << 20  // one length-prefixed record
	MaxAttachmentSize    = 100 << 20 // one plaintext attachment
	MaxProfileNameLength = 26        // padded profile name
	MaxSyncPadding       = 512       // random padding on sync messages
)

var (
	ErrMessageEmpty    = errors.New("empty message")
	ErrMessageTooLarge = errors.New("message too large")
)

func checkSize(what string, n, max int64) error {
	if n > max {
		return fmt.Errorf("%w: %s %d exceeds limit %d", ErrMessageTooLarge, what, n, max)
	}
	return nil
}

// ValidateMessageSize rejects an empty message or one longer than maxSize.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	return checkSize("size", int64(len(message)), int64(maxSize))
}

// ValidateLength checks a declared length, such as a record prefix or a
// Content-Length header. Zero is allowed.
func ValidateLength(length, maxSize int64) error {
	if length < 0 {
		return fmt.Errorf("%w: negative length %d", ErrMessageTooLarge, length)
	}
	return checkSize("length", length, maxSize)
}

// ValidateEnvelope is ValidateMessageSize with MaxEnvelopeSize.
func ValidateEnvelope(body []byte) error {
	return ValidateMessageSize(body, MaxEnvelopeSize)
}
