package crypto

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidKeyLength indicates key material of the wrong size.
	ErrInvalidKeyLength = errors.New("invalid key length")
	// ErrCiphertextTooShort indicates input shorter than the fixed overhead.
	ErrCiphertextTooShort = errors.New("ciphertext too short")
	// ErrCiphertextMisaligned indicates a CBC region that is not block aligned.
	ErrCiphertextMisaligned = errors.New("ciphertext not a multiple of the block size")
	// ErrInvalidPadding indicates malformed PKCS7 padding.
	ErrInvalidPadding = errors.New("invalid padding")
	// ErrPlaintextTooLong indicates input longer than the padded field length.
	ErrPlaintextTooLong = errors.New("plaintext exceeds padded length")
	// ErrBadMAC indicates an HMAC mismatch.
	ErrBadMAC = errors.New("bad mac")
	// ErrBadDigest indicates a mismatch against the out-of-band digest.
	ErrBadDigest = errors.New("bad digest")
	// ErrBadTag indicates an AEAD tag failure.
	ErrBadTag = errors.New("bad authentication tag")
	// ErrBadVersion indicates an unknown provisioning envelope version.
	ErrBadVersion = errors.New("bad version")
)

// AuthenticationError is returned when a MAC, digest or AEAD tag check fails.
// No plaintext is ever returned alongside it.
type AuthenticationError struct {
	Op  string
	Err error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("%s: authentication failed: %v", e.Op, e.Err)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// IsAuthenticationError reports whether err is an authentication failure.
func IsAuthenticationError(err error) bool {
	var ae *AuthenticationError
	return errors.As(err, &ae)
}
