package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
)

// gcmStream holds the pieces of AES-GCM needed to run it incrementally:
// the CTR keystream starting at counter block 2, the GHASH state and the
// encrypted initial counter block that masks the final tag.
type gcmStream struct {
	ctr     cipher.Stream
	hash    *ghash
	tagMask [TagLength]byte
}

func newGCMStream(key, nonce []byte) (*gcmStream, error) {
	if len(key) != ProfileKeyLength {
		return nil, fmt.Errorf("%w: profile key is %d bytes, want %d",
			ErrInvalidKeyLength, len(key), ProfileKeyLength)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	var h [16]byte
	block.Encrypt(h[:], h[:])

	var counter [16]byte
	copy(counter[:], nonce)
	counter[15] = 1

	s := &gcmStream{hash: newGHASH(h[:])}
	block.Encrypt(s.tagMask[:], counter[:])

	counter[15] = 2
	s.ctr = cipher.NewCTR(block, counter[:])
	return s, nil
}

func (s *gcmStream) tag() [TagLength]byte {
	var t [TagLength]byte
	s.hash.Sum(t[:])
	subtle.XORBytes(t[:], t[:], s.tagMask[:])
	return t
}

// ProfileEncryptor streams nonce || AES-GCM ciphertext || tag for a plaintext
// source such as an avatar image.
type ProfileEncryptor struct {
	src     io.Reader
	stream  *gcmStream
	nonce   [NonceLength]byte
	buf     [chunkSize]byte
	pending []byte
	started bool
	done    bool
}

// NewProfileEncryptor creates a streaming encryptor with a random nonce.
func NewProfileEncryptor(src io.Reader, key []byte) (*ProfileEncryptor, error) {
	e := &ProfileEncryptor{src: src}
	if _, err := rand.Read(e.nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	stream, err := newGCMStream(key, e.nonce[:])
	if err != nil {
		return nil, err
	}
	e.stream = stream
	return e, nil
}

// Read implements io.Reader.
func (e *ProfileEncryptor) Read(p []byte) (int, error) {
	for len(e.pending) == 0 {
		if e.done {
			return 0, io.EOF
		}
		if err := e.fill(); err != nil {
			return 0, err
		}
	}
	n := copy(p, e.pending)
	e.pending = e.pending[n:]
	return n, nil
}

func (e *ProfileEncryptor) fill() error {
	if !e.started {
		e.started = true
		e.pending = e.buf[:copy(e.buf[:], e.nonce[:])]
		return nil
	}

	n, err := e.src.Read(e.buf[:])
	if n > 0 {
		e.stream.ctr.XORKeyStream(e.buf[:n], e.buf[:n])
		e.stream.hash.Write(e.buf[:n])
		e.pending = e.buf[:n]
	}
	if errors.Is(err, io.EOF) {
		if n == 0 {
			t := e.stream.tag()
			e.pending = e.buf[:copy(e.buf[:], t[:])]
			e.done = true
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("read plaintext: %w", err)
	}
	return nil
}

// ProfileDecryptor authenticates a streamed profile ciphertext in full and
// then releases its plaintext chunk by chunk.
type ProfileDecryptor struct {
	src    io.ReaderAt
	ctr    cipher.Stream
	offset int64
	end    int64
	buf    [chunkSize]byte
}

// NewProfileDecryptor verifies the GCM tag over the size bytes of src before
// returning.
func NewProfileDecryptor(src io.ReaderAt, size int64, key []byte) (*ProfileDecryptor, error) {
	if size < NonceLength+TagLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrCiphertextTooShort, size)
	}

	var nonce [NonceLength]byte
	if _, err := src.ReadAt(nonce[:], 0); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	stream, err := newGCMStream(key, nonce[:])
	if err != nil {
		return nil, err
	}

	end := size - TagLength
	body := io.NewSectionReader(src, NonceLength, end-NonceLength)
	if _, err := io.CopyBuffer(stream.hash, body, make([]byte, chunkSize)); err != nil {
		return nil, fmt.Errorf("read ciphertext: %w", err)
	}

	var theirTag [TagLength]byte
	if _, err := src.ReadAt(theirTag[:], end); err != nil && err != io.EOF {
		return nil, fmt.Errorf("read tag: %w", err)
	}
	ourTag := stream.tag()
	if subtle.ConstantTimeCompare(ourTag[:], theirTag[:]) != 1 {
		err := &AuthenticationError{Op: "profile stream", Err: ErrBadTag}
		NewLogger("NewProfileDecryptor").WithField("size", size).WithError(err, "verify").Warn("Profile stream failed authentication")
		return nil, err
	}

	return &ProfileDecryptor{
		src:    src,
		ctr:    stream.ctr,
		offset: NonceLength,
		end:    end,
	}, nil
}

// Next returns the next plaintext chunk or io.EOF. The slice is valid until
// the following call.
func (d *ProfileDecryptor) Next() ([]byte, error) {
	n := d.end - d.offset
	if n <= 0 {
		return nil, io.EOF
	}
	if n > chunkSize {
		n = chunkSize
	}
	if _, err := d.src.ReadAt(d.buf[:n], d.offset); err != nil && err != io.EOF {
		return nil, fmt.Errorf("read ciphertext: %w", err)
	}
	d.offset += n
	d.ctr.XORKeyStream(d.buf[:n], d.buf[:n])
	return d.buf[:n], nil
}

// Reader adapts the decryptor to io.Reader.
func (d *ProfileDecryptor) Reader() io.Reader {
	return &chunkReader{next: d.Next}
}
