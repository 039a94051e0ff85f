package framing

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/opd-ai/whisperpipe/limits"
	"google.golang.org/protobuf/encoding/protowire"
)

// MaxVarintLength is the encoded size of the largest uint64 varint.
const MaxVarintLength = 10

var (
	// ErrVarintOverflow indicates a varint longer than MaxVarintLength bytes.
	ErrVarintOverflow = errors.New("varint overflows 64 bits")
	// ErrTruncated indicates the stream ended inside a record.
	ErrTruncated = errors.New("truncated record")
	// ErrImplausibleLength indicates a length prefix above the reader limit.
	ErrImplausibleLength = errors.New("implausible record length")
)

// FramingError describes a malformed or truncated record.
type FramingError struct {
	Op     string // operation that failed
	Offset int64  // stream offset at which the record started
	Err    error  // underlying error
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("framing %s at offset %d: %v", e.Op, e.Offset, e.Err)
}

func (e *FramingError) Unwrap() error {
	return e.Err
}

// SizeVarint returns the encoded size of n.
func SizeVarint(n uint64) int {
	return protowire.SizeVarint(n)
}

// AppendVarint appends the encoding of n to b.
func AppendVarint(b []byte, n uint64) []byte {
	return protowire.AppendVarint(b, n)
}

// Writer writes varints and length-prefixed records to an io.Writer.
type Writer struct {
	w       io.Writer
	scratch [MaxVarintLength]byte
}

// NewWriter creates a Writer over w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteVarint writes n as a base-128 varint.
func (fw *Writer) WriteVarint(n uint64) error {
	buf := protowire.AppendVarint(fw.scratch[:0], n)
	_, err := fw.w.Write(buf)
	return err
}

// WriteLengthPrefixed writes the length of b as a varint followed by b.
func (fw *Writer) WriteLengthPrefixed(b []byte) error {
	if err := fw.WriteVarint(uint64(len(b))); err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}
	_, err := fw.w.Write(b)
	return err
}

// WriteRaw writes b with no prefix. It is used for blobs whose length was
// declared inside a preceding record.
func (fw *Writer) WriteRaw(b []byte) error {
	_, err := fw.w.Write(b)
	return err
}

// Reader reads varints and length-prefixed records from an io.Reader.
type Reader struct {
	r      *bufio.Reader
	limit  int64
	offset int64
}

// NewReader creates a Reader over r that rejects records longer than
// limits.MaxRecordSize.
func NewReader(r io.Reader) *Reader {
	return NewReaderLimit(r, limits.MaxRecordSize)
}

// NewReaderLimit creates a Reader with a custom per-record size limit.
func NewReaderLimit(r io.Reader, limit int64) *Reader {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &Reader{r: br, limit: limit}
}

// Offset returns the number of bytes consumed so far.
func (fr *Reader) Offset() int64 {
	return fr.offset
}

// ReadVarint reads one varint. It returns io.EOF, unwrapped, when the stream
// is exhausted before the first byte; a stream that ends mid-varint is a
// *FramingError wrapping ErrTruncated.
func (fr *Reader) ReadVarint() (uint64, error) {
	start := fr.offset
	var value uint64
	for i := 0; i < MaxVarintLength; i++ {
		b, err := fr.r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if i == 0 {
					return 0, io.EOF
				}
				return 0, &FramingError{Op: "read varint", Offset: start, Err: ErrTruncated}
			}
			return 0, &FramingError{Op: "read varint", Offset: start, Err: err}
		}
		fr.offset++

		// The tenth byte may only carry the single remaining bit.
		if i == MaxVarintLength-1 && b > 1 {
			return 0, &FramingError{Op: "read varint", Offset: start, Err: ErrVarintOverflow}
		}
		value |= uint64(b&0x7f) << (7 * uint(i))
		if b < 0x80 {
			return value, nil
		}
	}
	return 0, &FramingError{Op: "read varint", Offset: start, Err: ErrVarintOverflow}
}

// ReadLengthPrefixed reads a varint length followed by that many bytes.
// It returns io.EOF when no further record exists.
func (fr *Reader) ReadLengthPrefixed() ([]byte, error) {
	start := fr.offset
	n, err := fr.ReadVarint()
	if err != nil {
		return nil, err
	}
	if n > uint64(fr.limit) {
		return nil, &FramingError{
			Op:     "read record",
			Offset: start,
			Err:    fmt.Errorf("%w: %d exceeds %d", ErrImplausibleLength, n, fr.limit),
		}
	}
	return fr.readBody(start, int64(n))
}

// ReadFull reads exactly n raw bytes.
func (fr *Reader) ReadFull(n int64) ([]byte, error) {
	start := fr.offset
	if n < 0 || n > fr.limit {
		return nil, &FramingError{
			Op:     "read blob",
			Offset: start,
			Err:    fmt.Errorf("%w: %d", ErrImplausibleLength, n),
		}
	}
	return fr.readBody(start, n)
}

func (fr *Reader) readBody(start, n int64) ([]byte, error) {
	buf := make([]byte, n)
	read, err := io.ReadFull(fr.r, buf)
	fr.offset += int64(read)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			err = ErrTruncated
		}
		return nil, &FramingError{Op: "read record", Offset: start, Err: err}
	}
	return buf, nil
}
