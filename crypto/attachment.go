package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"
)

const (
	// AttachmentKeyLength is the size of attachment key material: a 32-byte
	// AES key followed by a 32-byte HMAC key.
	AttachmentKeyLength = 64

	// BlockSize is the AES block size.
	BlockSize = aes.BlockSize

	// MACLength is the size of the trailing HMAC-SHA256 tag.
	MACLength = sha256.Size

	// DigestLength is the size of the out-of-band attachment digest.
	DigestLength = sha256.Size

	cipherKeyLength = 32

	// chunkSize is the streaming window. It is a multiple of BlockSize.
	chunkSize = 4096
)

// NewAttachmentKey returns fresh random attachment key material.
func NewAttachmentKey() ([]byte, error) {
	key := make([]byte, AttachmentKeyLength)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate attachment key: %w", err)
	}
	return key, nil
}

// AttachmentCiphertextLength returns the exact wire length for a plaintext of
// n bytes. PKCS7 always adds between 1 and 16 bytes of padding, so a block
// aligned plaintext grows by a full block.
func AttachmentCiphertextLength(n int64) int64 {
	return BlockSize + (n/BlockSize+1)*BlockSize + MACLength
}

func splitAttachmentKey(key []byte) (cipher.Block, []byte, error) {
	if len(key) != AttachmentKeyLength {
		return nil, nil, fmt.Errorf("%w: attachment key is %d bytes, want %d",
			ErrInvalidKeyLength, len(key), AttachmentKeyLength)
	}
	block, err := aes.NewCipher(key[:cipherKeyLength])
	if err != nil {
		return nil, nil, err
	}
	return block, key[cipherKeyLength:], nil
}

// AttachmentEncryptor is an io.Reader that yields the attachment wire form of
// a plaintext source: IV, CBC ciphertext and trailing HMAC.
type AttachmentEncryptor struct {
	src    io.Reader
	mode   cipher.BlockMode
	mac    hash.Hash
	digest hash.Hash

	in      [chunkSize + BlockSize]byte
	carried int
	out     [chunkSize + BlockSize + MACLength]byte
	pending []byte

	iv        [BlockSize]byte
	sentIV    bool
	finished  bool
	written   int64
	digestSum []byte
}

// NewAttachmentEncryptor creates an encryptor over src with a random IV.
func NewAttachmentEncryptor(src io.Reader, key []byte) (*AttachmentEncryptor, error) {
	var iv [BlockSize]byte
	if _, err := rand.Read(iv[:]); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}
	return newAttachmentEncryptorIV(src, key, iv)
}

func newAttachmentEncryptorIV(src io.Reader, key []byte, iv [BlockSize]byte) (*AttachmentEncryptor, error) {
	block, macKey, err := splitAttachmentKey(key)
	if err != nil {
		return nil, err
	}

	return &AttachmentEncryptor{
		src:    src,
		mode:   cipher.NewCBCEncrypter(block, iv[:]),
		mac:    hmac.New(sha256.New, macKey),
		digest: sha256.New(),
		iv:     iv,
	}, nil
}

// Read implements io.Reader.
func (e *AttachmentEncryptor) Read(p []byte) (int, error) {
	for len(e.pending) == 0 {
		if e.finished {
			return 0, io.EOF
		}
		if err := e.fill(); err != nil {
			return 0, err
		}
	}

	n := copy(p, e.pending)
	e.pending = e.pending[n:]
	e.written += int64(n)
	return n, nil
}

// Digest returns SHA-256 over the complete wire form. It is nil until the
// encryptor has been read to EOF.
func (e *AttachmentEncryptor) Digest() []byte {
	if !e.finished || len(e.pending) > 0 {
		return nil
	}
	return e.digestSum
}

// Written returns the number of wire bytes produced so far.
func (e *AttachmentEncryptor) Written() int64 {
	return e.written
}

func (e *AttachmentEncryptor) emit(b []byte) {
	e.mac.Write(b)
	e.digest.Write(b)
	e.pending = b
}

func (e *AttachmentEncryptor) fill() error {
	if !e.sentIV {
		e.sentIV = true
		n := copy(e.out[:], e.iv[:])
		e.emit(e.out[:n])
		return nil
	}

	n, err := e.src.Read(e.in[e.carried:chunkSize])
	total := e.carried + n
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read plaintext: %w", err)
	}

	if errors.Is(err, io.EOF) {
		return e.finish(total)
	}

	full := total - total%BlockSize
	if full > 0 {
		e.mode.CryptBlocks(e.out[:full], e.in[:full])
		e.emit(e.out[:full])
	}
	e.carried = copy(e.in[:], e.in[full:total])
	return nil
}

// finish encrypts the remaining plaintext with PKCS7 padding and appends the MAC.
func (e *AttachmentEncryptor) finish(total int) error {
	padLen := BlockSize - total%BlockSize
	padded := total + padLen
	for i := total; i < padded; i++ {
		e.in[i] = byte(padLen)
	}

	e.mode.CryptBlocks(e.out[:padded], e.in[:padded])
	e.mac.Write(e.out[:padded])
	tag := e.mac.Sum(e.out[padded:padded])
	end := padded + len(tag)

	e.digest.Write(e.out[:end])
	e.digestSum = e.digest.Sum(nil)
	e.pending = e.out[:end]
	e.finished = true
	e.carried = 0
	ZeroBytes(e.in[:])
	return nil
}

// EncryptAttachment copies the encrypted form of src to dst and returns the
// wire length and the attachment digest.
func EncryptAttachment(dst io.Writer, src io.Reader, key []byte) (int64, []byte, error) {
	enc, err := NewAttachmentEncryptor(src, key)
	if err != nil {
		return 0, nil, err
	}
	n, err := io.Copy(dst, enc)
	if err != nil {
		return n, nil, err
	}
	return n, enc.Digest(), nil
}
