package tjpeg

import (
	"fmt"
)

const (
	lookupBits = 9               // Key width of the direct lookup table.
	lookupSize = 1 << lookupBits // Number of lookup table entries.
	maxCodeLen = 16              // Longest Huffman code allowed by JPEG.
)

// huffTable is a canonical Huffman table. All slices are pool memory.
type huffTable struct {
	defined bool
	counts  [maxCodeLen]uint8 // Number of codes of each length 1..16.
	nsyms   int               // Number of symbols in use.
	maxCode []int32           // Largest code of each length, -1 if there is none. Indexed by length.
	valOff  []int32           // Symbol index minus code for the first code of each length.
	symbols []uint8           // Symbols in code assignment order.
	lut     []uint16          // length<<8 | symbol for every 9-bit prefix, 0 for longer codes. Lookup strategy only.
}

// alloc reserves pool storage for the table on first definition.
func (t *huffTable) alloc(p *Pool, withLookup bool) error {
	if t.maxCode != nil {
		return nil
	}

	var err error
	if t.maxCode, err = allocSlice[int32](p, maxCodeLen+1); err != nil {
		return err
	}

	if t.valOff, err = allocSlice[int32](p, maxCodeLen+1); err != nil {
		return err
	}

	if t.symbols, err = allocSlice[uint8](p, 256); err != nil {
		return err
	}

	if withLookup {
		if t.lut, err = allocSlice[uint16](p, lookupSize); err != nil {
			return err
		}
	}

	return nil
}

// build assigns canonical codes from counts and derives the decode bounds.
// The symbols must already be stored in t.symbols[:t.nsyms].
func (t *huffTable) build() error {
	code, k := 0, 0
	for l := 1; l <= maxCodeLen; l++ {
		n := int(t.counts[l-1])
		t.valOff[l] = int32(k - code)

		if n == 0 {
			t.maxCode[l] = -1
		} else {
			code += n
			if code > 1<<l {
				return fmt.Errorf("%w: over-subscribed huffman code of length %d", ErrFormat, l)
			}

			t.maxCode[l] = int32(code - 1)
		}

		k += n
		code <<= 1
	}

	if t.lut == nil {
		return nil
	}

	clear(t.lut)

	// Fill every prefix that starts with a code of at most lookupBits bits.
	code, k = 0, 0
	for l := 1; l <= lookupBits; l++ {
		for i := 0; i < int(t.counts[l-1]); i++ {
			e := uint16(l)<<8 | uint16(t.symbols[k])
			shift := lookupBits - l
			for j := code << shift; j < (code+1)<<shift; j++ {
				t.lut[j] = e
			}

			code++
			k++
		}

		code <<= 1
	}

	return nil
}

// match returns the symbol for an l-bit code, or false if no code of that length matches.
func (t *huffTable) match(code int32, l int) (uint8, bool) {
	if code <= t.maxCode[l] {
		return t.symbols[code+t.valOff[l]], true
	}

	return 0, false
}

// huffDecoder decodes one Huffman symbol from the bitstream.
type huffDecoder interface {
	decode(br *bitReader, t *huffTable) uint8
}

// newHuffDecoder returns the decoder implementing s.
func newHuffDecoder(s Strategy) huffDecoder {
	switch s {
	case Shifter:
		return shifterDecoder{}
	case BitWalk:
		return bitWalkDecoder{}
	}

	return lookupDecoder{}
}

// huffFail aborts the scan with ErrHuffman.
func huffFail() {
	fail(fmt.Errorf("%w: no code matched within %d bits", ErrHuffman, maxCodeLen))
}

// bitWalkDecoder grows the code one bit at a time.
type bitWalkDecoder struct{}

func (bitWalkDecoder) decode(br *bitReader, t *huffTable) uint8 {
	var code int32
	for l := 1; l <= maxCodeLen; l++ {
		code = code<<1 | int32(br.bit())
		if s, ok := t.match(code, l); ok {
			return s
		}
	}

	huffFail()

	return 0
}

// shifterDecoder peeks 16 bits once and tries each length on the prefix.
type shifterDecoder struct{}

func (shifterDecoder) decode(br *bitReader, t *huffTable) uint8 {
	return walkFrom(br, t, 1)
}

// walkFrom matches lengths first..16 against 16 peeked bits and consumes the match.
func walkFrom(br *bitReader, t *huffTable, first int) uint8 {
	v := br.peek(maxCodeLen)
	for l := first; l <= maxCodeLen; l++ {
		if s, ok := t.match(int32(v>>(maxCodeLen-l)), l); ok {
			br.consume(l)

			return s
		}
	}

	huffFail()

	return 0
}

// lookupDecoder resolves short codes through the 9-bit table.
type lookupDecoder struct{}

func (lookupDecoder) decode(br *bitReader, t *huffTable) uint8 {
	if e := t.lut[br.peek(lookupBits)]; e != 0 {
		br.consume(int(e >> 8))

		return uint8(e)
	}

	return walkFrom(br, t, lookupBits+1)
}
