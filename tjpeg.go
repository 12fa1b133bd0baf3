// Package tjpeg implements a baseline JPEG decoder that runs in a fixed,
// caller-supplied memory pool and streams decoded pixels to a callback.
//
// A decode is split in two phases. Prepare parses the headers, builds the
// quantization and Huffman tables and carves every buffer it needs from the
// pool. Decompress then walks the MCUs in raster order and hands each decoded
// rectangle to an Emitter. No memory is allocated from the pool after Prepare.
package tjpeg

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"log/slog"
)

// Standard error types for JPEG decoding.
var (
	ErrFormat        = errors.New("tjpeg: invalid format")
	ErrUnsupported   = errors.New("tjpeg: unsupported format")
	ErrHuffman       = errors.New("tjpeg: huffman decode error")
	ErrSync          = errors.New("tjpeg: restart marker sync error")
	ErrOutOfMemory   = errors.New("tjpeg: out of pool memory")
	ErrInput         = errors.New("tjpeg: input error")
	ErrCancelled     = errors.New("tjpeg: cancelled")
	ErrDecoderUsed   = errors.New("tjpeg: decoder already used")
	ErrInvalidOption = errors.New("tjpeg: invalid option")
)

// Strategy selects how Huffman codes are matched. All strategies decode
// identical output; they differ in speed and table memory.
type Strategy int

const (
	// Lookup resolves codes up to 9 bits with one table access and walks longer codes.
	Lookup Strategy = iota
	// Shifter walks code lengths on bits peeked from a 32-bit register.
	Shifter
	// BitWalk reads one bit at a time. It needs no lookup table.
	BitWalk
)

// String implements fmt.Stringer.
func (s Strategy) String() string {
	switch s {
	case Lookup:
		return "lookup"
	case Shifter:
		return "shifter"
	case BitWalk:
		return "bitwalk"
	}

	return fmt.Sprintf("Strategy(%d)", int(s))
}

// Scale is the output downscale denominator.
type Scale int

const (
	Scale1 Scale = 1
	Scale2 Scale = 2
	Scale4 Scale = 4
	Scale8 Scale = 8
)

// Format is the layout of emitted pixels.
type Format int

const (
	// RGB888 emits three bytes per pixel in R, G, B order.
	RGB888 Format = iota
	// RGB565 emits 16-bit little-endian 5:6:5 pixels.
	RGB565
	// RGB565BE emits 16-bit big-endian 5:6:5 pixels.
	RGB565BE
	// Gray emits one luma byte per pixel.
	Gray
)

// BytesPerPixel returns the size of one emitted pixel.
func (f Format) BytesPerPixel() int {
	switch f {
	case RGB565, RGB565BE:
		return 2
	case Gray:
		return 1
	}

	return 3
}

// String implements fmt.Stringer.
func (f Format) String() string {
	switch f {
	case RGB888:
		return "rgb888"
	case RGB565:
		return "rgb565"
	case RGB565BE:
		return "rgb565be"
	case Gray:
		return "gray"
	}

	return fmt.Sprintf("Format(%d)", int(f))
}

// Options specifies decoding parameters. A nil *Options selects the defaults.
type Options struct {
	// Strategy selects the Huffman decoder. The default is Lookup.
	Strategy Strategy
	// Scale divides both output dimensions. Zero means Scale1.
	Scale Scale
	// Format is the emitted pixel layout. The default is RGB888.
	Format Format
	// BandRows, when positive, batches that many MCU rows spanning the full
	// image width into a single emitted rectangle.
	BandRows int
	// Resync makes the decoder scan forward to the next restart marker instead
	// of failing with ErrSync when a marker is missing or out of sequence.
	Resync bool
	// Exif buffers an APP1 EXIF segment into the pool and parses it.
	Exif bool
	// Logger receives debug events about parsed segments and restarts.
	// Nil discards them.
	Logger *slog.Logger
}

// withDefaults returns a copy of o with zero values replaced by defaults.
func (o *Options) withDefaults() Options {
	var r Options
	if o != nil {
		r = *o
	}

	if r.Scale == 0 {
		r.Scale = Scale1
	}

	if r.Logger == nil {
		r.Logger = slog.New(slog.DiscardHandler)
	}

	return r
}

// validate checks option ranges.
func (o *Options) validate() error {
	switch o.Strategy {
	case Lookup, Shifter, BitWalk:
	default:
		return fmt.Errorf("%w: strategy %v", ErrInvalidOption, o.Strategy)
	}

	switch o.Scale {
	case Scale1, Scale2, Scale4, Scale8:
	default:
		return fmt.Errorf("%w: scale 1/%d", ErrInvalidOption, int(o.Scale))
	}

	switch o.Format {
	case RGB888, RGB565, RGB565BE, Gray:
	default:
		return fmt.Errorf("%w: format %v", ErrInvalidOption, o.Format)
	}

	if o.BandRows < 0 {
		return fmt.Errorf("%w: band rows %d", ErrInvalidOption, o.BandRows)
	}

	return nil
}

// Rect is an inclusive pixel rectangle in output image coordinates.
type Rect struct {
	Left, Top, Right, Bottom int
}

// Width returns the number of columns covered by r.
func (r Rect) Width() int {
	return r.Right - r.Left + 1
}

// Height returns the number of rows covered by r.
func (r Rect) Height() int {
	return r.Bottom - r.Top + 1
}

// Bounds converts r to a half-open image.Rectangle.
func (r Rect) Bounds() image.Rectangle {
	return image.Rect(r.Left, r.Top, r.Right+1, r.Bottom+1)
}

// Emitter receives decoded rectangles. pix holds r.Height() rows of
// r.Width() pixels each, tightly packed in the configured Format. The buffer is
// reused after Emit returns. Returning false aborts the decode with ErrCancelled.
type Emitter interface {
	Emit(r Rect, pix []byte) bool
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(r Rect, pix []byte) bool

// Emit calls f(r, pix).
func (f EmitterFunc) Emit(r Rect, pix []byte) bool {
	return f(r, pix)
}

// maxExifSize bounds the pool reserved for an APP1 segment by Decode.
const maxExifSize = 65535

// decodePoolSize returns the pool needed by Decode and DecodeConfig.
func decodePoolSize(o *Options) int {
	n := PoolSize(0, o)
	if o.Exif {
		n += maxExifSize + poolAlign
	}

	return n
}

// Decode reads a baseline JPEG image from r and returns it as an [image.Image].
// Grayscale output is returned as *image.Gray; every other format is decoded
// as RGB888 and returned as *image.RGBA. Options.BandRows is ignored.
func Decode(r io.Reader, opts ...*Options) (image.Image, error) {
	var o Options
	if len(opts) > 0 && opts[0] != nil {
		o = *opts[0]
	}

	o.BandRows = 0
	if o.Format != Gray {
		o.Format = RGB888
	}

	pool := NewPool(make([]byte, decodePoolSize(&o)))
	d, err := Prepare(NewSource(r), pool, &o)
	if err != nil {
		return nil, err
	}

	bounds := image.Rect(0, 0, d.Width(), d.Height())

	var img image.Image
	var out Emitter

	if o.Format == Gray {
		g := image.NewGray(bounds)
		img = g
		out = EmitterFunc(func(r Rect, pix []byte) bool {
			w := r.Width()
			for y := 0; y < r.Height(); y++ {
				copy(g.Pix[g.PixOffset(r.Left, r.Top+y):], pix[y*w:(y+1)*w])
			}

			return true
		})
	} else {
		rgba := image.NewRGBA(bounds)
		img = rgba
		out = EmitterFunc(func(r Rect, pix []byte) bool {
			w := r.Width()
			for y := 0; y < r.Height(); y++ {
				dst := rgba.Pix[rgba.PixOffset(r.Left, r.Top+y):]
				src := pix[y*w*3 : (y+1)*w*3]
				for x := 0; x < w; x++ {
					dst[x*4+0] = src[x*3+0]
					dst[x*4+1] = src[x*3+1]
					dst[x*4+2] = src[x*3+2]
					dst[x*4+3] = 0xff
				}
			}

			return true
		})
	}

	if err := d.Decompress(out); err != nil {
		return nil, err
	}

	return img, nil
}

// DecodeConfig returns the color model and dimensions of a JPEG image without
// decoding the entropy-coded data. Dimensions honor Options.Scale.
func DecodeConfig(r io.Reader, opts ...*Options) (image.Config, error) {
	var o Options
	if len(opts) > 0 && opts[0] != nil {
		o = *opts[0]
	}

	o.BandRows = 0

	d, err := Prepare(NewSource(r), NewPool(make([]byte, decodePoolSize(&o))), &o)
	if err != nil {
		return image.Config{}, err
	}

	cfg := image.Config{
		ColorModel: color.RGBAModel,
		Width:      d.Width(),
		Height:     d.Height(),
	}

	if d.Components() == 1 || o.Format == Gray {
		cfg.ColorModel = color.GrayModel
	}

	return cfg, nil
}
