// Package content models the structured content carried inside an encrypted
// envelope: data messages, sync messages, call signalling, receipts, typing
// indicators and null messages.
//
// Messages are encoded with the service's protobuf field numbers using
// protowire directly; no generated code is involved. Unknown fields are
// skipped on decode so newer peers remain readable.
//
// [SyncMessage] is a sum type. Exactly one [SyncVariant] is active and the
// variants are built with named constructors such as [NewSentSync] and
// [NewReadSync]. A sync message with no recognised variant fails to decode
// with [ErrUnsupportedSync].
//
// The package also provides the device contact and group streams used to
// transfer address books between linked devices. Each record is a
// length-prefixed details message followed by the raw avatar bytes it
// declares.
package content
