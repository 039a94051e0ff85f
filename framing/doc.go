// Package framing implements the varint and length-prefixed record framing
// used for nested binary records such as device contact and group streams.
//
// Varints use the standard base-128 encoding: seven payload bits per byte,
// least significant group first, with the high bit set on every byte except
// the last. A Reader reports io.EOF only when the stream ends cleanly at a
// record boundary; every other short read is a *FramingError.
package framing
