package codec

import (
	"errors"
	"fmt"
	"io"
)

const (
	// MaxFrameSize caps the bytes buffered for one pending stream record.
	MaxFrameSize = 1024
	// MaxDatagramSize is the largest datagram accepted; a full Status
	// encodes to about 110 bytes.
	MaxDatagramSize = 512

	readChunkSize = 512
)

var (
	// ErrIncomplete means the buffer holds a prefix of a record.
	ErrIncomplete    = errors.New("incomplete frame")
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)

// FrameBuffer accumulates bytes from a stream and splits complete records
// off its front. Consumed bytes are discarded and never parsed again.
type FrameBuffer struct {
	buf []byte
}

func (b *FrameBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// Len is the number of buffered, unconsumed bytes.
func (b *FrameBuffer) Len() int {
	return len(b.buf)
}

// Bytes returns the unconsumed bytes (for diagnostics).
func (b *FrameBuffer) Bytes() []byte {
	return b.buf
}

// Next decodes the first buffered record. It returns ErrIncomplete when more
// bytes are needed and any other error when the bytes can never form a
// valid record.
func (b *FrameBuffer) Next() (Status, error) {
	if len(b.buf) == 0 {
		return Status{}, ErrIncomplete
	}
	s, rest, err := DecodeFirst(b.buf)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			if len(b.buf) > MaxFrameSize {
				return Status{}, fmt.Errorf("%w: %d bytes pending", ErrFrameTooLarge, len(b.buf))
			}
			return Status{}, ErrIncomplete
		}
		return Status{}, err
	}
	n := copy(b.buf, rest)
	b.buf = b.buf[:n]
	return s, nil
}

// FrameReader reads a stream of concatenated records.
type FrameReader struct {
	r     io.Reader
	buf   FrameBuffer
	chunk []byte
	err   error
}

func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r, chunk: make([]byte, readChunkSize)}
}

// Next blocks until a full record is available. It returns io.EOF on a clean
// end of stream and io.ErrUnexpectedEOF when the stream ends mid-record.
// Read errors from the underlying reader (deadlines included) are returned
// as they are.
func (fr *FrameReader) Next() (Status, error) {
	for {
		s, err := fr.buf.Next()
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, ErrIncomplete) {
			return Status{}, err
		}
		if fr.err != nil {
			if errors.Is(fr.err, io.EOF) && fr.buf.Len() > 0 {
				return Status{}, io.ErrUnexpectedEOF
			}
			return Status{}, fr.err
		}
		n, rerr := fr.r.Read(fr.chunk)
		_, _ = fr.buf.Write(fr.chunk[:n])
		fr.err = rerr
	}
}

// Pending returns the bytes read but not yet consumed.
func (fr *FrameReader) Pending() []byte {
	return fr.buf.Bytes()
}
