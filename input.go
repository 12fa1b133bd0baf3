package tjpeg

import (
	"errors"
	"io"
)

// Source supplies compressed bytes to the decoder on demand.
//
// Read follows the io.Reader contract; short reads are allowed and io.EOF marks
// the end of the stream. Skip advances the stream by up to n bytes without
// copying and returns how many were actually skipped.
type Source interface {
	Read(p []byte) (int, error)
	Skip(n int) (int, error)
}

// NewBytesSource returns a Source reading from b. Skips are done by reslicing.
func NewBytesSource(b []byte) Source {
	return &bytesSource{data: b}
}

// NewSource adapts r to a Source. If r also implements io.Seeker and can
// report its offset, skips seek forward; otherwise skipped bytes are read and
// discarded. Pipes and terminals are *os.File values that fail to seek.
func NewSource(r io.Reader) Source {
	if s, ok := r.(Source); ok {
		return s
	}

	if s, ok := r.(io.Seeker); ok {
		if _, err := s.Seek(0, io.SeekCurrent); err == nil {
			return &seekSource{readerSource: readerSource{r: r}, s: s}
		}
	}

	return &readerSource{r: r}
}

type bytesSource struct {
	data []byte
}

func (b *bytesSource) Read(p []byte) (int, error) {
	if len(b.data) == 0 {
		return 0, io.EOF
	}

	n := copy(p, b.data)
	b.data = b.data[n:]

	return n, nil
}

func (b *bytesSource) Skip(n int) (int, error) {
	if n > len(b.data) {
		n = len(b.data)
		b.data = nil

		return n, io.EOF
	}

	b.data = b.data[n:]

	return n, nil
}

type readerSource struct {
	r io.Reader
}

func (s *readerSource) Read(p []byte) (int, error) {
	return s.r.Read(p)
}

func (s *readerSource) Skip(n int) (int, error) {
	m, err := io.CopyN(io.Discard, s.r, int64(n))

	return int(m), err
}

// seekSource skips by seeking relative to the current offset. It falls back
// to discarding when the seeker refuses, before the position has moved.
type seekSource struct {
	readerSource
	s io.Seeker
}

func (s *seekSource) Skip(n int) (int, error) {
	cur, err := s.s.Seek(0, io.SeekCurrent)
	if err != nil {
		return s.readerSource.Skip(n)
	}

	end, err := s.s.Seek(0, io.SeekEnd)
	if err != nil {
		return s.readerSource.Skip(n)
	}

	target := cur + int64(n)
	if target > end {
		target = end
	}

	if _, err := s.s.Seek(target, io.SeekStart); err != nil {
		return 0, err
	}

	if target-cur < int64(n) {
		return int(target - cur), io.EOF
	}

	return n, nil
}

// isEOF reports whether err marks a clean or truncated end of input.
func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
