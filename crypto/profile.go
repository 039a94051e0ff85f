package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"github.com/opd-ai/whisperpipe/limits"
)

const (
	// ProfileKeyLength is the size of a profile key.
	ProfileKeyLength = 32

	// NamePaddedLength is the fixed plaintext length of an encrypted name.
	NamePaddedLength = limits.MaxProfileNameLength

	// NonceLength is the size of the random GCM nonce prefix.
	NonceLength = 12

	// TagLength is the size of the GCM authentication tag.
	TagLength = 16
)

// ProfileCiphertextLength returns the wire length of an n-byte profile
// plaintext.
func ProfileCiphertextLength(n int64) int64 {
	return NonceLength + TagLength + n
}

func newProfileAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != ProfileKeyLength {
		return nil, fmt.Errorf("%w: profile key is %d bytes, want %d",
			ErrInvalidKeyLength, len(key), ProfileKeyLength)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// EncryptProfileName encrypts a profile name padded to NamePaddedLength.
func EncryptProfileName(key, name []byte) ([]byte, error) {
	return EncryptProfileField(key, name, NamePaddedLength)
}

// DecryptProfileName decrypts a profile name and strips its padding.
func DecryptProfileName(key, ciphertext []byte) ([]byte, error) {
	return DecryptProfileField(key, ciphertext)
}

// EncryptProfileField zero-pads value to paddedLength and encrypts it as
// nonce || ciphertext || tag.
func EncryptProfileField(key, value []byte, paddedLength int) ([]byte, error) {
	if len(value) > paddedLength {
		return nil, fmt.Errorf("%w: %d > %d", ErrPlaintextTooLong, len(value), paddedLength)
	}

	aead, err := newProfileAEAD(key)
	if err != nil {
		return nil, err
	}

	padded := make([]byte, paddedLength)
	copy(padded, value)

	out := make([]byte, NonceLength, ProfileCiphertextLength(int64(paddedLength)))
	if _, err := rand.Read(out); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(out, out[:NonceLength], padded, nil), nil
}

// DecryptProfileField authenticates and decrypts a padded profile field.
// Trailing zero bytes are removed, so a value whose genuine content ends in
// NUL bytes comes back shorter than it went in.
func DecryptProfileField(key, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < NonceLength+TagLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrCiphertextTooShort, len(ciphertext))
	}

	aead, err := newProfileAEAD(key)
	if err != nil {
		return nil, err
	}

	nonce := ciphertext[:NonceLength]
	plaintext, err := aead.Open(nil, nonce, ciphertext[NonceLength:], nil)
	if err != nil {
		return nil, &AuthenticationError{Op: "profile", Err: ErrBadTag}
	}
	return bytes.TrimRight(plaintext, "\x00"), nil
}
