package tjpeg

import (
	"fmt"
	"unsafe"
)

// poolAlign is the alignment used for every typed allocation carved from a Pool.
const poolAlign = 8

// Pool is a bump allocator over a single caller-supplied buffer.
// All working memory of a decode is carved from it; nothing is freed individually.
// The whole pool is reclaimed with Reset or by dropping the buffer.
type Pool struct {
	buf  []byte // Backing storage supplied by the caller.
	off  int    // Bump offset into buf.
	peak int    // Highest offset reached since creation.
}

// NewPool returns a Pool that allocates from buf.
func NewPool(buf []byte) *Pool {
	return &Pool{buf: buf}
}

// Alloc returns a zeroed region of size bytes whose address is a multiple of align.
// The align value must be a power of two. It fails with ErrOutOfMemory when the
// remaining capacity (including alignment padding) is insufficient.
func (p *Pool) Alloc(size, align int) ([]byte, error) {
	if size < 0 {
		return nil, fmt.Errorf("%w: negative allocation size %d", ErrOutOfMemory, size)
	}

	if align <= 0 || align&(align-1) != 0 {
		return nil, fmt.Errorf("%w: alignment %d is not a power of two", ErrInvalidOption, align)
	}

	pad := 0
	if len(p.buf) > 0 && p.off < len(p.buf) {
		// Align on the absolute address so typed views are naturally aligned.
		addr := uintptr(unsafe.Pointer(&p.buf[p.off]))
		pad = int((uintptr(align) - addr&uintptr(align-1)) & uintptr(align-1))
	}

	if size+pad > len(p.buf)-p.off {
		return nil, fmt.Errorf("%w: need %d bytes, %d of %d remaining", ErrOutOfMemory, size+pad, len(p.buf)-p.off, len(p.buf))
	}

	start := p.off + pad
	p.off = start + size
	if p.off > p.peak {
		p.peak = p.off
	}

	b := p.buf[start:p.off:p.off]
	clear(b)

	return b, nil
}

// Used returns the number of bytes consumed, including alignment padding.
func (p *Pool) Used() int {
	return p.off
}

// Remaining returns the number of bytes still available.
func (p *Pool) Remaining() int {
	return len(p.buf) - p.off
}

// Cap returns the size of the backing buffer.
func (p *Pool) Cap() int {
	return len(p.buf)
}

// Peak returns the highest number of bytes ever in use.
func (p *Pool) Peak() int {
	return p.peak
}

// Reset reclaims every allocation at once. Slices handed out earlier must no longer be used.
func (p *Pool) Reset() {
	p.off = 0
}

// poolElem lists the pointer-free element types that may live in pool memory.
type poolElem interface {
	~uint8 | ~int8 | ~uint16 | ~int16 | ~uint32 | ~int32
}

// allocSlice carves n elements of T from the pool and returns them as a typed slice.
func allocSlice[T poolElem](p *Pool, n int) ([]T, error) {
	if n == 0 {
		return []T{}, nil
	}

	var zero T
	b, err := p.Alloc(n*int(unsafe.Sizeof(zero)), poolAlign)
	if err != nil {
		return nil, err
	}

	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(b))), n), nil
}

// alignUp rounds n up to the pool alignment.
func alignUp(n int) int {
	return (n + poolAlign - 1) &^ (poolAlign - 1)
}

// PoolSize returns a pool size that is sufficient to decode any supported stream
// whose raw width is at most width pixels, with the given options.
// It assumes every table id is defined once and no EXIF segment is buffered.
// The bound includes worst-case alignment padding for each allocation.
func PoolSize(width int, opts *Options) int {
	o := opts.withDefaults()
	if width < 1 {
		width = 1
	}

	slack := poolAlign - 1
	n := alignUp(inputBufferSize) + slack
	n += 4 * (alignUp(64*2) + slack)

	// Each table: bounds, symbol list and the optional lookup table.
	table := 2*(alignUp(17*4)+slack) + alignUp(256) + slack
	if o.Strategy == Lookup {
		table += alignUp(lookupSize*2) + slack
	}
	n += 8 * table

	// Worst case MCU: three components at 2x2.
	const maxBlocks = 3 * 4
	n += alignUp(maxBlocks*64*4) + slack

	bs := blockSize / int(o.Scale)
	n += 3 * (alignUp(4*bs*bs) + slack)

	bpp := o.Format.BytesPerPixel()
	mcuH := 2 * bs
	if o.BandRows > 0 {
		w := (width + int(o.Scale) - 1) / int(o.Scale)
		n += alignUp(w*mcuH*o.BandRows*bpp) + slack
	} else {
		n += alignUp(2*bs*mcuH*bpp) + slack
	}

	return n
}
