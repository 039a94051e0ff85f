package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	provisioningInfo    = "TextSecure Provisioning Message"
	provisioningVersion = 0x01

	// djbKeyType prefixes serialized Curve25519 public keys.
	djbKeyType = 0x05
)

// ErrMalformedEnvelope indicates a provisioning envelope that cannot be parsed.
var ErrMalformedEnvelope = errors.New("malformed provisioning envelope")

// ProvisioningCipher encrypts a provisioning message for a new device that
// has published a temporary public key, and decrypts it on that device.
type ProvisioningCipher struct{}

func deriveProvisioningKeys(secret []byte) (cipherKey, macKey []byte, err error) {
	derived := make([]byte, 64)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(provisioningInfo)), derived); err != nil {
		return nil, nil, fmt.Errorf("derive provisioning keys: %w", err)
	}
	return derived[:32], derived[32:], nil
}

// Seal encrypts message to theirPublic and returns a serialized envelope
// carrying our ephemeral public key and version || IV || ciphertext || MAC.
func (ProvisioningCipher) Seal(theirPublic [32]byte, message []byte) ([]byte, error) {
	ephemeral, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	defer WipeKeyPair(ephemeral)

	secret, err := ephemeral.SharedSecret(theirPublic)
	if err != nil {
		return nil, err
	}
	cipherKey, macKey, err := deriveProvisioningKeys(secret)
	ZeroBytes(secret)
	if err != nil {
		return nil, err
	}

	ivAndCiphertext, err := encryptCBC(cipherKey, message)
	if err != nil {
		return nil, err
	}

	body := make([]byte, 0, 1+len(ivAndCiphertext)+MACLength)
	body = append(body, provisioningVersion)
	body = append(body, ivAndCiphertext...)
	mac := hmac.New(sha256.New, macKey)
	mac.Write(body)
	body = mac.Sum(body)

	var env []byte
	env = protowire.AppendTag(env, 1, protowire.BytesType)
	env = protowire.AppendBytes(env, append([]byte{djbKeyType}, ephemeral.Public[:]...))
	env = protowire.AppendTag(env, 2, protowire.BytesType)
	env = protowire.AppendBytes(env, body)
	return env, nil
}

// Open decrypts an envelope produced by Seal with our temporary key pair.
func (ProvisioningCipher) Open(ours *KeyPair, envelope []byte) ([]byte, error) {
	publicKey, body, err := parseProvisionEnvelope(envelope)
	if err != nil {
		return nil, err
	}
	if len(body) < 1+BlockSize+BlockSize+MACLength {
		return nil, fmt.Errorf("%w: body is %d bytes", ErrCiphertextTooShort, len(body))
	}
	if body[0] != provisioningVersion {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, body[0])
	}

	secret, err := ours.SharedSecret(publicKey)
	if err != nil {
		return nil, err
	}
	cipherKey, macKey, err := deriveProvisioningKeys(secret)
	ZeroBytes(secret)
	if err != nil {
		return nil, err
	}

	macStart := len(body) - MACLength
	mac := hmac.New(sha256.New, macKey)
	mac.Write(body[:macStart])
	if !hmac.Equal(mac.Sum(nil), body[macStart:]) {
		err := &AuthenticationError{Op: "provisioning", Err: ErrBadMAC}
		NewLogger("ProvisioningCipher.Open").WithField("body_size", len(body)).WithError(err, "verify").Warn("Provisioning message failed authentication")
		return nil, err
	}
	return decryptCBC(cipherKey, body[1:macStart])
}

func parseProvisionEnvelope(b []byte) ([32]byte, []byte, error) {
	var (
		publicKey [32]byte
		havePub   bool
		body      []byte
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return publicKey, nil, ErrMalformedEnvelope
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return publicKey, nil, ErrMalformedEnvelope
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return publicKey, nil, ErrMalformedEnvelope
		}
		b = b[n:]
		switch num {
		case 1:
			if len(v) != 33 || v[0] != djbKeyType {
				return publicKey, nil, fmt.Errorf("%w: bad public key", ErrMalformedEnvelope)
			}
			copy(publicKey[:], v[1:])
			havePub = true
		case 2:
			body = v
		}
	}
	if !havePub || body == nil {
		return publicKey, nil, ErrMalformedEnvelope
	}
	return publicKey, body, nil
}

// encryptCBC returns IV || AES-CBC(PKCS7(plaintext)).
func encryptCBC(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	padLen := BlockSize - len(plaintext)%BlockSize
	out := make([]byte, BlockSize+len(plaintext)+padLen)
	if _, err := rand.Read(out[:BlockSize]); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}
	body := out[BlockSize:]
	copy(body, plaintext)
	for i := len(plaintext); i < len(body); i++ {
		body[i] = byte(padLen)
	}
	cipher.NewCBCEncrypter(block, out[:BlockSize]).CryptBlocks(body, body)
	return out, nil
}

// decryptCBC reverses encryptCBC.
func decryptCBC(key, ivAndCiphertext []byte) ([]byte, error) {
	if len(ivAndCiphertext) < 2*BlockSize {
		return nil, ErrCiphertextTooShort
	}
	if len(ivAndCiphertext)%BlockSize != 0 {
		return nil, ErrCiphertextMisaligned
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	iv := ivAndCiphertext[:BlockSize]
	out := make([]byte, len(ivAndCiphertext)-BlockSize)
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ivAndCiphertext[BlockSize:])
	return stripPKCS7(out)
}
