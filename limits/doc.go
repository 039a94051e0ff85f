// Package limits provides centralized size constants and validation functions
// shared by the framing, codec, transport and dispatch layers.
//
// # Size Hierarchy
//
//   - MaxFrameSize (8 MiB): the largest websocket frame the pipe will read.
//   - MaxRecordSize (16 MiB): the largest length-prefixed record a framing
//     reader will allocate for.
//   - MaxAttachmentSize (100 MiB): the largest plaintext attachment accepted
//     for upload.
//   - MaxProfileNameLength (26 bytes): the padded length of an encrypted
//     profile name.
//
// Every network-received length must be checked against one of these limits
// before any allocation is sized from it.
//
//	if err := limits.ValidateMessageSize(body, limits.MaxFrameSize); err != nil {
//	    return err
//	}
package limits
