package crypto

import (
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"
)

// AttachmentDecryptor releases attachment plaintext chunk by chunk after the
// whole ciphertext has been authenticated.
//
// Construction performs the verification pass: the HMAC over IV and
// ciphertext and, when supplied, the digest over the complete wire form are
// both checked before NewAttachmentDecryptor returns. Next then decrypts
// the region a second time in fixed-size windows, withholding the final
// block until its PKCS7 padding has been validated.
type AttachmentDecryptor struct {
	src    io.ReaderAt
	mode   cipher.BlockMode
	offset int64
	end    int64

	in   [chunkSize]byte
	out  [chunkSize + BlockSize]byte
	held [BlockSize]byte
	have bool

	remaining int64
	done      bool
}

// NewAttachmentDecryptor authenticates the size bytes readable from src and
// prepares to decrypt them. digest may be nil when no out-of-band digest is
// available.
func NewAttachmentDecryptor(src io.ReaderAt, size int64, key, digest []byte) (*AttachmentDecryptor, error) {
	log := NewLogger("NewAttachmentDecryptor").WithField("size", size)

	if size <= BlockSize+MACLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrCiphertextTooShort, size)
	}
	if (size-BlockSize-MACLength)%BlockSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrCiphertextMisaligned, size)
	}
	if digest != nil && len(digest) != DigestLength {
		return nil, fmt.Errorf("%w: digest is %d bytes", ErrInvalidKeyLength, len(digest))
	}

	block, macKey, err := splitAttachmentKey(key)
	if err != nil {
		return nil, err
	}

	if err := verifyAttachment(src, size, macKey, digest); err != nil {
		log.WithError(err, "verify").Warn("Attachment failed authentication")
		return nil, err
	}

	var iv [BlockSize]byte
	if _, err := src.ReadAt(iv[:], 0); err != nil {
		return nil, fmt.Errorf("read iv: %w", err)
	}

	log.Debug("Attachment authenticated")
	return &AttachmentDecryptor{
		src:       src,
		mode:      cipher.NewCBCDecrypter(block, iv[:]),
		offset:    BlockSize,
		end:       size - MACLength,
		remaining: -1,
	}, nil
}

// verifyAttachment streams the wire form once, computing the HMAC over
// IV and ciphertext and the digest over everything including the tag.
func verifyAttachment(src io.ReaderAt, size int64, macKey, expectedDigest []byte) error {
	mac := hmac.New(sha256.New, macKey)
	digest := sha256.New()

	body := io.NewSectionReader(src, 0, size-MACLength)
	buf := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(io.MultiWriter(mac, digest), body, buf); err != nil {
		return fmt.Errorf("read ciphertext: %w", err)
	}

	theirMAC := make([]byte, MACLength)
	if _, err := src.ReadAt(theirMAC, size-MACLength); err != nil && err != io.EOF {
		return fmt.Errorf("read mac: %w", err)
	}

	if !hmac.Equal(mac.Sum(nil), theirMAC) {
		return &AuthenticationError{Op: "attachment", Err: ErrBadMAC}
	}

	if expectedDigest != nil {
		digest.Write(theirMAC)
		if !hmac.Equal(digest.Sum(nil), expectedDigest) {
			return &AuthenticationError{Op: "attachment", Err: ErrBadDigest}
		}
	}
	return nil
}

// LimitPlaintext caps the plaintext released by Next at n bytes. Attachment
// pointers carry the original size, which may be shorter than the padded
// plaintext.
func (d *AttachmentDecryptor) LimitPlaintext(n int64) {
	d.remaining = n
}

// Next returns the next chunk of plaintext, or io.EOF once the stream is
// exhausted. The returned slice is only valid until the following call.
func (d *AttachmentDecryptor) Next() ([]byte, error) {
	for !d.done {
		chunk, err := d.step()
		if err != nil {
			return nil, err
		}
		if chunk = d.clip(chunk); len(chunk) > 0 {
			return chunk, nil
		}
		if d.remaining == 0 {
			d.done = true
		}
	}
	return nil, io.EOF
}

func (d *AttachmentDecryptor) clip(chunk []byte) []byte {
	if d.remaining < 0 {
		return chunk
	}
	if int64(len(chunk)) > d.remaining {
		chunk = chunk[:d.remaining]
	}
	d.remaining -= int64(len(chunk))
	return chunk
}

// step decrypts one window. The last block decrypted so far is always held
// back until either more ciphertext follows it or the padding is checked.
func (d *AttachmentDecryptor) step() ([]byte, error) {
	n := d.end - d.offset
	if n > chunkSize {
		n = chunkSize
	}

	if n > 0 {
		if _, err := d.src.ReadAt(d.in[:n], d.offset); err != nil && err != io.EOF {
			return nil, fmt.Errorf("read ciphertext: %w", err)
		}
		d.offset += n
	}

	produced := 0
	if d.have {
		produced = copy(d.out[:], d.held[:])
		d.have = false
	}
	if n > 0 {
		d.mode.CryptBlocks(d.out[produced:produced+int(n)], d.in[:n])
		produced += int(n)
	}

	if d.offset < d.end {
		produced -= BlockSize
		copy(d.held[:], d.out[produced:produced+BlockSize])
		d.have = true
		return d.out[:produced], nil
	}

	d.done = true
	unpadded, err := stripPKCS7(d.out[:produced])
	if err != nil {
		return nil, err
	}
	return unpadded, nil
}

func stripPKCS7(b []byte) ([]byte, error) {
	if len(b) < BlockSize {
		return nil, ErrInvalidPadding
	}
	pad := int(b[len(b)-1])
	if pad == 0 || pad > BlockSize {
		return nil, ErrInvalidPadding
	}
	for _, v := range b[len(b)-pad:] {
		if int(v) != pad {
			return nil, ErrInvalidPadding
		}
	}
	return b[:len(b)-pad], nil
}

// Reader adapts the decryptor to io.Reader.
func (d *AttachmentDecryptor) Reader() io.Reader {
	return &chunkReader{next: d.Next}
}

// chunkReader turns a pull iterator into an io.Reader.
type chunkReader struct {
	next    func() ([]byte, error)
	pending []byte
	err     error
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for len(r.pending) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		r.pending, r.err = r.next()
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

// DecryptAttachment authenticates and decrypts an attachment into dst.
// Nothing is written to dst unless authentication succeeds.
func DecryptAttachment(dst io.Writer, src io.ReaderAt, size int64, key, digest []byte) (int64, error) {
	dec, err := NewAttachmentDecryptor(src, size, key, digest)
	if err != nil {
		return 0, err
	}
	return io.Copy(dst, dec.Reader())
}
