package crypto

import (
	"errors"
	"io"
)

// PaddedSize returns the size an attachment of n bytes is padded to before
// encryption. Bucketed padding is not enabled by the service, so the size is
// returned unchanged; uploads still route through PaddingReader so that
// enabling buckets only touches this function.
func PaddedSize(n int64) int64 {
	return n
}

// PaddingReader yields the n bytes of src followed by zero bytes up to
// PaddedSize(n).
type PaddingReader struct {
	src       io.Reader
	remaining int64
	padding   int64
}

// NewPaddingReader wraps src, whose length is n.
func NewPaddingReader(src io.Reader, n int64) *PaddingReader {
	return &PaddingReader{
		src:       src,
		remaining: n,
		padding:   PaddedSize(n) - n,
	}
}

// Read implements io.Reader.
func (r *PaddingReader) Read(p []byte) (int, error) {
	if r.remaining > 0 {
		if int64(len(p)) > r.remaining {
			p = p[:r.remaining]
		}
		n, err := r.src.Read(p)
		r.remaining -= int64(n)
		if errors.Is(err, io.EOF) && r.remaining > 0 {
			return n, io.ErrUnexpectedEOF
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return n, err
		}
		return n, nil
	}

	if r.padding <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > r.padding {
		p = p[:r.padding]
	}
	for i := range p {
		p[i] = 0
	}
	r.padding -= int64(len(p))
	return len(p), nil
}
