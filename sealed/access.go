package sealed

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"fmt"

	"github.com/opd-ai/whisperpipe/crypto"
)

// AccessKeyLength is the size of an unidentified access key.
const AccessKeyLength = 16

// DeriveAccessKey derives the unidentified access key for a profile key by
// encrypting sixteen zero bytes under AES-GCM with an all-zero nonce and
// keeping the first sixteen bytes.
func DeriveAccessKey(profileKey []byte) ([]byte, error) {
	if len(profileKey) != crypto.ProfileKeyLength {
		return nil, fmt.Errorf("%w: profile key is %d bytes", crypto.ErrInvalidKeyLength, len(profileKey))
	}
	block, err := aes.NewCipher(profileKey)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	out := aead.Seal(nil, nonce, make([]byte, AccessKeyLength), nil)
	return out[:AccessKeyLength], nil
}

// UnidentifiedAccess is what a sender needs to deliver to one recipient
// without identifying itself to the service.
type UnidentifiedAccess struct {
	AccessKey         []byte
	SenderCertificate []byte
}

// NewUnidentifiedAccess pairs an access key with our serialized certificate.
func NewUnidentifiedAccess(accessKey, senderCertificate []byte) (*UnidentifiedAccess, error) {
	if len(accessKey) != AccessKeyLength {
		return nil, fmt.Errorf("%w: access key is %d bytes", crypto.ErrInvalidKeyLength, len(accessKey))
	}
	return &UnidentifiedAccess{AccessKey: accessKey, SenderCertificate: senderCertificate}, nil
}

// HeaderValue returns the access key encoded for the
// Unidentified-Access-Key request header.
func (u *UnidentifiedAccess) HeaderValue() string {
	return base64.StdEncoding.EncodeToString(u.AccessKey)
}
