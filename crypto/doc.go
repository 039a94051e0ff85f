// Package crypto implements the streaming authenticated-encryption codecs used
// for attachments and profile data, plus the small set of key primitives the
// rest of the client shares.
//
// # Attachment Profile
//
// Attachments are encrypted with AES-256-CBC (PKCS7) and authenticated with
// HMAC-SHA256 in encrypt-then-MAC order:
//
//	IV(16) || CBC ciphertext || HMAC-SHA256(IV || ciphertext)(32)
//
// The 64-byte attachment key is the cipher key followed by the MAC key. A
// secondary digest, SHA-256 over the complete wire form, travels with the
// attachment pointer so the receiver can check integrity independent of the
// storage service.
//
//	enc, err := crypto.NewAttachmentEncryptor(file, key)
//	if err != nil {
//	    return err
//	}
//	n, err := io.Copy(upload, enc)
//	digest := enc.Digest()
//
// Decryption needs random access to the ciphertext: the MAC and digest are
// verified in a first pass over the data, and only then does [AttachmentDecryptor.Next]
// start releasing plaintext. Nothing derived from unauthenticated ciphertext
// is ever returned.
//
// # Profile Profile
//
// Profile fields use AES-256-GCM with a random 96-bit nonce prepended to the
// ciphertext. Names are zero-padded to [NamePaddedLength] bytes before
// encryption and trailing zero bytes are stripped after decryption, so a
// value that legitimately ends in NUL bytes does not round-trip. Avatars use
// the same construction through the streaming [ProfileEncryptor] and
// [ProfileDecryptor].
//
// # Memory Bounds
//
// Every streaming type works on a fixed chunk buffer plus at most one
// withheld cipher block. Resident memory does not grow with payload size.
package crypto
