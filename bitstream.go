package tjpeg

import (
	"fmt"
	"io"
	"log/slog"
)

const (
	inputBufferSize = 512 // Size of the input window carved from the pool.
	maxEmptyReads   = 100 // Consecutive (0, nil) reads tolerated before giving up.
)

// bitReader serves both the header parser (whole bytes) and the entropy decoder
// (bits). Bits live MSB-first in a 32-bit register refilled a byte at a time.
type bitReader struct {
	src      Source
	buf      []byte // Input window (pool memory).
	pos, end int    // Unread part of buf is buf[pos:end].
	rerr     error  // Error deferred from a read that also returned data.

	acc    uint32 // Bit register; the next bit is bit 31.
	nbits  int    // Number of valid bits in acc.
	marker byte   // Marker met inside entropy data, 0 if none.
	eof    bool   // Input exhausted while decoding entropy data.

	nextRst int  // Expected RSTn index, 0..7.
	resync  bool // Scan forward on restart mismatches instead of failing.
	resyncs int  // Number of resynchronizations performed.
	log     *slog.Logger
}

// fill refills the input window from the source.
func (br *bitReader) fill() error {
	if br.rerr != nil {
		err := br.rerr
		br.rerr = nil

		return err
	}

	for range maxEmptyReads {
		n, err := br.src.Read(br.buf)
		if n > 0 {
			br.pos, br.end = 0, n
			br.rerr = err

			return nil
		}

		if err != nil {
			return err
		}
	}

	return io.ErrNoProgress
}

// readByte returns the next raw input byte.
func (br *bitReader) readByte() (byte, error) {
	if br.pos == br.end {
		if err := br.fill(); err != nil {
			return 0, err
		}
	}

	b := br.buf[br.pos]
	br.pos++

	return b, nil
}

// readFull copies exactly len(p) raw bytes into p.
func (br *bitReader) readFull(p []byte) error {
	for len(p) > 0 {
		if br.pos == br.end {
			if err := br.fill(); err != nil {
				if err == io.EOF {
					return io.ErrUnexpectedEOF
				}

				return err
			}
		}

		n := copy(p, br.buf[br.pos:br.end])
		br.pos += n
		p = p[n:]
	}

	return nil
}

// readUint16 reads a big-endian 16-bit value.
func (br *bitReader) readUint16() (int, error) {
	var b [2]byte
	if err := br.readFull(b[:]); err != nil {
		return 0, err
	}

	return int(b[0])<<8 | int(b[1]), nil
}

// skip discards n raw bytes, draining the window before asking the source.
func (br *bitReader) skip(n int) error {
	buffered := min(n, br.end-br.pos)
	br.pos += buffered
	n -= buffered

	for n > 0 {
		if err := br.rerr; err != nil {
			br.rerr = nil
			if err == io.EOF {
				return io.ErrUnexpectedEOF
			}

			return err
		}

		m, err := br.src.Skip(n)
		n -= m

		if n == 0 {
			return nil
		}

		if err != nil {
			if err == io.EOF {
				return io.ErrUnexpectedEOF
			}

			return err
		}

		if m == 0 {
			return io.ErrNoProgress
		}
	}

	return nil
}

// rawByte is readByte for the hot path. End of input is reported as ok=false;
// other failures panic with ErrInput.
func (br *bitReader) rawByte() (b byte, ok bool) {
	b, err := br.readByte()
	if err != nil {
		if isEOF(err) {
			br.eof = true

			return 0xFF, false
		}

		fail(fmt.Errorf("%w: %w", ErrInput, err))
	}

	return b, true
}

// entropyByte returns the next byte of entropy-coded data with stuffing removed.
// After a marker or the end of input, it keeps returning 0xFF fill bytes.
func (br *bitReader) entropyByte() byte {
	if br.marker != 0 || br.eof {
		return 0xFF
	}

	b, ok := br.rawByte()
	if !ok || b != 0xFF {
		return b
	}

	for {
		m, ok := br.rawByte()
		if !ok {
			return 0xFF
		}

		switch m {
		case 0x00:
			// Stuffed 0xFF data byte.
			return 0xFF
		case 0xFF:
			// Fill byte before a marker.
			continue
		default:
			br.marker = m

			return 0xFF
		}
	}
}

// ensure makes at least n (<= 25) bits available in the register.
func (br *bitReader) ensure(n int) {
	for br.nbits < n {
		br.acc |= uint32(br.entropyByte()) << (24 - br.nbits)
		br.nbits += 8
	}
}

// peek returns the next n bits without consuming them.
func (br *bitReader) peek(n int) uint32 {
	br.ensure(n)

	return br.acc >> (32 - n)
}

// consume drops n bits that were made available by ensure or peek.
func (br *bitReader) consume(n int) {
	br.acc <<= n
	br.nbits -= n
}

// bit returns the next single bit.
func (br *bitReader) bit() uint32 {
	br.ensure(1)
	b := br.acc >> 31
	br.consume(1)

	return b
}

// getBits returns the next n (0..16) bits as an unsigned value.
func (br *bitReader) getBits(n int) int32 {
	if n == 0 {
		return 0
	}

	v := br.peek(n)
	br.consume(n)

	return int32(v)
}

// receiveExtend reads an n-bit magnitude and sign-extends it.
func (br *bitReader) receiveExtend(n int) int32 {
	if n == 0 {
		return 0
	}

	v := br.getBits(n)
	if v < 1<<(n-1) {
		v -= 1<<n - 1
	}

	return v
}

// reset clears entropy decoding state at the start of a scan.
func (br *bitReader) reset() {
	br.acc, br.nbits = 0, 0
	br.marker = 0
	br.eof = false
	br.nextRst = 0
}

// nextMarker reads the marker that must follow byte-aligned entropy data.
// It returns 0 if the next byte is not a marker prefix.
func (br *bitReader) nextMarker() byte {
	b, ok := br.rawByte()
	if !ok || b != 0xFF {
		return 0
	}

	for {
		m, ok := br.rawByte()
		if !ok {
			return 0
		}

		if m != 0xFF {
			return m
		}
	}
}

// restart discards buffered bits and consumes the expected RSTn marker.
// On a mismatch it fails with ErrSync, or scans forward to the next RSTn when
// resync is enabled.
func (br *bitReader) restart() error {
	br.acc, br.nbits = 0, 0

	m := br.marker
	br.marker = 0
	if m == 0 && !br.eof {
		m = br.nextMarker()
	}

	want := byte(rst0 + br.nextRst)
	if m == want {
		br.nextRst = (br.nextRst + 1) & 7
		br.log.Debug("restart", slog.String("marker", markerName(m)))

		return nil
	}

	if !br.resync {
		return fmt.Errorf("%w: expected %s, found %s", ErrSync, markerName(want), markerName(m))
	}

	for m < rst0 || m > rst7 {
		if br.eof {
			return fmt.Errorf("%w: expected %s, no restart marker before end of input", ErrSync, markerName(want))
		}

		if m == eoi {
			return fmt.Errorf("%w: expected %s, found %s", ErrSync, markerName(want), markerName(m))
		}

		m = br.scanMarker()
	}

	br.resyncs++
	br.nextRst = int(m-rst0+1) & 7
	br.log.Debug("resync", slog.String("expected", markerName(want)), slog.String("found", markerName(m)))

	return nil
}

// scanMarker skips raw bytes up to and including the next marker and returns its code.
func (br *bitReader) scanMarker() byte {
	for {
		b, ok := br.rawByte()
		if !ok {
			return 0
		}

		if b != 0xFF {
			continue
		}

		for b == 0xFF {
			if b, ok = br.rawByte(); !ok {
				return 0
			}
		}

		if b != 0x00 {
			return b
		}
	}
}
