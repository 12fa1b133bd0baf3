package tjpeg

import (
	"errors"
	"fmt"
	"log/slog"
)

// Marker codes.
const (
	tem   = 0x01
	sof0  = 0xC0 // Baseline DCT.
	sof1  = 0xC1 // Extended sequential DCT, Huffman.
	sof15 = 0xCF
	dht   = 0xC4
	dac   = 0xCC
	rst0  = 0xD0
	rst7  = 0xD7
	soi   = 0xD8
	eoi   = 0xD9
	sos   = 0xDA
	dqt   = 0xDB
	dnl   = 0xDC
	dri   = 0xDD
	dhp   = 0xDE
	exp   = 0xDF
	app0  = 0xE0
	app1  = 0xE1
	app15 = 0xEF
	com   = 0xFE
)

// markerName returns a printable name for a marker code.
func markerName(m byte) string {
	switch {
	case m == 0:
		return "no marker"
	case m >= rst0 && m <= rst7:
		return fmt.Sprintf("RST%d", m-rst0)
	case m >= app0 && m <= app15:
		return fmt.Sprintf("APP%d", m-app0)
	case m == soi:
		return "SOI"
	case m == eoi:
		return "EOI"
	case m == sos:
		return "SOS"
	case m == dqt:
		return "DQT"
	case m == dht:
		return "DHT"
	case m == dri:
		return "DRI"
	case m == com:
		return "COM"
	case m == dac:
		return "DAC"
	case m >= sof0 && m <= sof15:
		return fmt.Sprintf("SOF%d", m-sof0)
	}

	return fmt.Sprintf("marker 0x%02X", m)
}

// component stores the layout of a single color component.
type component struct {
	id             byte   // Component identifier from SOF.
	ssX, ssY       int    // Sampling factors.
	shiftX, shiftY int    // log2 of the replication factor up to the MCU resolution.
	qt             int    // Quantization table id.
	dcTab, acTab   int    // Huffman table ids bound by SOS.
	dcPred         int32  // DC predictor.
	plane          []byte // Decoded samples of the current MCU (pool).
	stride         int    // Row stride of plane.
}

// Decoder holds everything one decode needs. It is created by Prepare and
// consumed by a single call to Decompress.
type Decoder struct {
	br   bitReader
	pool *Pool
	log  *slog.Logger

	strategy Strategy
	huff     huffDecoder
	idct     idctFunc
	scale    int
	format   Format
	bpp      int
	bandRows int
	wantExif bool

	rawWidth, rawHeight int
	width, height       int // Output size.
	ncomp               int
	comps               [3]component
	hmax, vmax          int
	mcuW, mcuH          int // MCU size in output pixels.
	mcusX, mcusY        int
	blocks              int // Blocks per MCU.

	qt       [4][]uint16     // Quantization tables in zigzag order (pool).
	huffTabs [2][4]huffTable // DC and AC tables.

	restartInterval int
	sofSeen         bool

	coefs []int32 // MCU coefficient buffer (pool).
	pix   []byte  // Per-MCU pixel buffer (pool).
	band  []byte  // Band buffer for BandRows mode (pool).

	exif     *Exif
	exifSeen bool // An EXIF payload has been buffered.
	used     bool
}

// Prepare parses the stream headers up to the start of the entropy-coded data
// and carves every buffer the decode needs from pool.
func Prepare(src Source, pool *Pool, opts *Options) (*Decoder, error) {
	o := opts.withDefaults()
	if err := o.validate(); err != nil {
		return nil, err
	}

	if src == nil || pool == nil {
		return nil, fmt.Errorf("%w: nil source or pool", ErrInvalidOption)
	}

	d := &Decoder{
		pool:     pool,
		log:      o.Logger,
		strategy: o.Strategy,
		huff:     newHuffDecoder(o.Strategy),
		idct:     idctFor(o.Scale),
		scale:    int(o.Scale),
		format:   o.Format,
		bpp:      o.Format.BytesPerPixel(),
		bandRows: o.BandRows,
		wantExif: o.Exif,
	}

	buf, err := allocSlice[uint8](pool, inputBufferSize)
	if err != nil {
		return nil, err
	}

	d.br = bitReader{src: src, buf: buf, resync: o.Resync, log: o.Logger}

	if err := d.parseHeaders(); err != nil {
		return nil, err
	}

	if err := d.allocBuffers(); err != nil {
		return nil, err
	}

	return d, nil
}

// Width returns the output width after scaling.
func (d *Decoder) Width() int { return d.width }

// Height returns the output height after scaling.
func (d *Decoder) Height() int { return d.height }

// RawWidth returns the width stored in the frame header.
func (d *Decoder) RawWidth() int { return d.rawWidth }

// RawHeight returns the height stored in the frame header.
func (d *Decoder) RawHeight() int { return d.rawHeight }

// Components returns 1 for grayscale and 3 for YCbCr streams.
func (d *Decoder) Components() int { return d.ncomp }

// Bounds returns the output image rectangle.
func (d *Decoder) Bounds() Rect {
	return Rect{Right: d.width - 1, Bottom: d.height - 1}
}

// RestartInterval returns the number of MCUs between restart markers, 0 if none.
func (d *Decoder) RestartInterval() int { return d.restartInterval }

// Exif returns the parsed EXIF metadata, or nil if Options.Exif was not set or
// the stream carries none.
func (d *Decoder) Exif() *Exif { return d.exif }

// Resyncs returns how many times the decoder skipped to a later restart marker.
func (d *Decoder) Resyncs() int { return d.br.resyncs }

// headerErr maps a byte reader failure inside the headers to the error taxonomy.
func headerErr(err error) error {
	switch {
	case isEOF(err):
		return fmt.Errorf("%w: unexpected end of data in header", ErrFormat)
	case errors.Is(err, ErrFormat), errors.Is(err, ErrUnsupported), errors.Is(err, ErrOutOfMemory):
		return err
	}

	return fmt.Errorf("%w: %w", ErrInput, err)
}

// readMarker reads the next marker, skipping fill bytes.
func (d *Decoder) readMarker() (byte, error) {
	b, err := d.br.readByte()
	if err != nil {
		return 0, headerErr(err)
	}

	if b != 0xFF {
		return 0, fmt.Errorf("%w: expected marker, found 0x%02X", ErrFormat, b)
	}

	for b == 0xFF {
		if b, err = d.br.readByte(); err != nil {
			return 0, headerErr(err)
		}
	}

	if b == 0 {
		return 0, fmt.Errorf("%w: stuffed byte outside entropy data", ErrFormat)
	}

	return b, nil
}

// readLength reads a segment length and returns the payload size.
func (d *Decoder) readLength(m byte) (int, error) {
	n, err := d.br.readUint16()
	if err != nil {
		return 0, headerErr(err)
	}

	if n < 2 {
		return 0, fmt.Errorf("%w: %s segment length %d", ErrFormat, markerName(m), n)
	}

	return n - 2, nil
}

// parseHeaders runs the marker loop until SOS.
func (d *Decoder) parseHeaders() error {
	var b [2]byte
	if err := d.br.readFull(b[:]); err != nil {
		return headerErr(err)
	}

	if b[0] != 0xFF || b[1] != soi {
		return fmt.Errorf("%w: missing SOI marker", ErrFormat)
	}

	for {
		m, err := d.readMarker()
		if err != nil {
			return err
		}

		switch {
		case m == tem:
			// Standalone, no payload.
			continue
		case m == soi, m == eoi, m >= rst0 && m <= rst7:
			return fmt.Errorf("%w: %s before SOS", ErrFormat, markerName(m))
		case m == sof0, m == sof1:
			err = d.parseSOF(m)
		case m == dht:
			err = d.parseDHT()
		case m == dac, m == dhp, m == exp, m >= sof0 && m <= sof15:
			return fmt.Errorf("%w: %s", ErrUnsupported, markerName(m))
		case m == dqt:
			err = d.parseDQT()
		case m == dri:
			err = d.parseDRI()
		case m == sos:
			return d.parseSOS()
		case m == app1 && d.wantExif:
			err = d.parseAPP1()
		default:
			err = d.skipSegment(m)
		}

		if err != nil {
			return err
		}
	}
}

// skipSegment skips an APPn, COM or unknown segment through the source.
func (d *Decoder) skipSegment(m byte) error {
	n, err := d.readLength(m)
	if err != nil {
		return err
	}

	return d.skipPayload(m, n)
}

// skipPayload discards the remaining n bytes of a segment.
func (d *Decoder) skipPayload(m byte, n int) error {
	d.log.Debug("skip segment", slog.String("marker", markerName(m)), slog.Int("length", n))

	if err := d.br.skip(n); err != nil {
		return headerErr(err)
	}

	return nil
}

// parseDQT reads one or more 8-bit quantization tables.
func (d *Decoder) parseDQT() error {
	n, err := d.readLength(dqt)
	if err != nil {
		return err
	}

	var raw [64]byte
	for n > 0 {
		pq, err := d.br.readByte()
		if err != nil {
			return headerErr(err)
		}
		n--

		id := int(pq & 15)
		if pq>>4 != 0 {
			return fmt.Errorf("%w: 16-bit quantization table %d", ErrFormat, id)
		}

		if id > 3 {
			return fmt.Errorf("%w: quantization table id %d", ErrFormat, id)
		}

		if n < 64 {
			return fmt.Errorf("%w: truncated quantization table %d", ErrFormat, id)
		}

		if err := d.br.readFull(raw[:]); err != nil {
			return headerErr(err)
		}
		n -= 64

		if d.qt[id] == nil {
			if d.qt[id], err = allocSlice[uint16](d.pool, 64); err != nil {
				return err
			}
		}

		for i, v := range raw {
			d.qt[id][i] = uint16(v)
		}

		d.log.Debug("DQT", slog.Int("id", id))
	}

	return nil
}

// parseDHT reads one or more Huffman tables and builds their canonical codes.
func (d *Decoder) parseDHT() error {
	n, err := d.readLength(dht)
	if err != nil {
		return err
	}

	var hdr [17]byte
	for n > 0 {
		if n < 17 {
			return fmt.Errorf("%w: truncated huffman table", ErrFormat)
		}

		if err := d.br.readFull(hdr[:]); err != nil {
			return headerErr(err)
		}
		n -= 17

		class, id := int(hdr[0]>>4), int(hdr[0]&15)
		if class > 1 || id > 3 {
			return fmt.Errorf("%w: huffman table class %d id %d", ErrFormat, class, id)
		}

		t := &d.huffTabs[class][id]
		total := 0
		for i := range t.counts {
			t.counts[i] = hdr[1+i]
			total += int(hdr[1+i])
		}

		if total > 256 || total > n {
			return fmt.Errorf("%w: huffman table with %d symbols", ErrFormat, total)
		}

		if err := t.alloc(d.pool, d.strategy == Lookup); err != nil {
			return err
		}

		if err := d.br.readFull(t.symbols[:total]); err != nil {
			return headerErr(err)
		}
		n -= total
		t.nsyms = total

		if err := t.build(); err != nil {
			return err
		}
		t.defined = true

		d.log.Debug("DHT", slog.Int("class", class), slog.Int("id", id), slog.Int("symbols", total))
	}

	return nil
}

// parseSOF reads the frame header and derives the MCU geometry.
func (d *Decoder) parseSOF(m byte) error {
	if d.sofSeen {
		return fmt.Errorf("%w: second frame header", ErrFormat)
	}

	n, err := d.readLength(m)
	if err != nil {
		return err
	}

	var hdr [6 + 3*3]byte
	if n < 6 {
		return fmt.Errorf("%w: %s length %d", ErrFormat, markerName(m), n)
	}

	if err := d.br.readFull(hdr[:6]); err != nil {
		return headerErr(err)
	}

	if hdr[0] != 8 {
		return fmt.Errorf("%w: %d-bit sample precision", ErrUnsupported, hdr[0])
	}

	d.rawHeight = int(hdr[1])<<8 | int(hdr[2])
	d.rawWidth = int(hdr[3])<<8 | int(hdr[4])
	if d.rawWidth == 0 || d.rawHeight == 0 {
		return fmt.Errorf("%w: image size %dx%d", ErrFormat, d.rawWidth, d.rawHeight)
	}

	d.ncomp = int(hdr[5])
	if d.ncomp != 1 && d.ncomp != 3 {
		return fmt.Errorf("%w: %d components", ErrFormat, d.ncomp)
	}

	if n != 6+3*d.ncomp {
		return fmt.Errorf("%w: %s length %d for %d components", ErrFormat, markerName(m), n, d.ncomp)
	}

	spec := hdr[6 : 6+3*d.ncomp]
	if err := d.br.readFull(spec); err != nil {
		return headerErr(err)
	}

	d.hmax, d.vmax = 1, 1
	for i := 0; i < d.ncomp; i++ {
		c := &d.comps[i]
		c.id = spec[3*i]
		c.ssX = int(spec[3*i+1] >> 4)
		c.ssY = int(spec[3*i+1] & 15)
		c.qt = int(spec[3*i+2])

		if c.ssX < 1 || c.ssX > 2 || c.ssY < 1 || c.ssY > 2 {
			return fmt.Errorf("%w: component %d sampling %dx%d", ErrFormat, c.id, c.ssX, c.ssY)
		}

		if c.qt > 3 || d.qt[c.qt] == nil {
			return fmt.Errorf("%w: component %d references undefined quantization table %d", ErrFormat, c.id, c.qt)
		}

		d.hmax = max(d.hmax, c.ssX)
		d.vmax = max(d.vmax, c.ssY)
	}

	if d.ncomp == 1 {
		// A single component is never interleaved; its MCU is one block.
		d.comps[0].ssX, d.comps[0].ssY = 1, 1
		d.hmax, d.vmax = 1, 1
	}

	bs := blockSize / d.scale
	d.blocks = 0
	for i := 0; i < d.ncomp; i++ {
		c := &d.comps[i]
		c.shiftX = shiftFor(d.hmax / c.ssX)
		c.shiftY = shiftFor(d.vmax / c.ssY)
		c.stride = c.ssX * bs
		d.blocks += c.ssX * c.ssY
	}

	d.mcuW, d.mcuH = d.hmax*bs, d.vmax*bs
	d.mcusX = (d.rawWidth + 8*d.hmax - 1) / (8 * d.hmax)
	d.mcusY = (d.rawHeight + 8*d.vmax - 1) / (8 * d.vmax)
	d.width = (d.rawWidth + d.scale - 1) / d.scale
	d.height = (d.rawHeight + d.scale - 1) / d.scale
	d.sofSeen = true

	d.log.Debug("SOF",
		slog.String("marker", markerName(m)),
		slog.Int("width", d.rawWidth),
		slog.Int("height", d.rawHeight),
		slog.Int("components", d.ncomp),
		slog.Int("hmax", d.hmax),
		slog.Int("vmax", d.vmax),
	)

	return nil
}

// shiftFor returns log2 of a replication factor of 1 or 2.
func shiftFor(f int) int {
	if f == 2 {
		return 1
	}

	return 0
}

// parseDRI reads the restart interval.
func (d *Decoder) parseDRI() error {
	n, err := d.readLength(dri)
	if err != nil {
		return err
	}

	if n != 2 {
		return fmt.Errorf("%w: DRI length %d", ErrFormat, n+2)
	}

	v, err := d.br.readUint16()
	if err != nil {
		return headerErr(err)
	}

	d.restartInterval = v
	d.log.Debug("DRI", slog.Int("interval", v))

	return nil
}

// parseSOS reads the scan header. The reader is left at the first entropy-coded byte.
func (d *Decoder) parseSOS() error {
	if !d.sofSeen {
		return fmt.Errorf("%w: SOS before frame header", ErrFormat)
	}

	n, err := d.readLength(sos)
	if err != nil {
		return err
	}

	var hdr [1 + 2*3 + 3]byte
	if n < 1 {
		return fmt.Errorf("%w: SOS length %d", ErrFormat, n+2)
	}

	if err := d.br.readFull(hdr[:1]); err != nil {
		return headerErr(err)
	}

	ns := int(hdr[0])
	if ns != d.ncomp {
		return fmt.Errorf("%w: scan with %d of %d components", ErrUnsupported, ns, d.ncomp)
	}

	if n != 1+2*ns+3 {
		return fmt.Errorf("%w: SOS length %d for %d components", ErrFormat, n+2, ns)
	}

	rest := hdr[1:n]
	if err := d.br.readFull(rest); err != nil {
		return headerErr(err)
	}

	for i := 0; i < ns; i++ {
		c := &d.comps[i]
		if rest[2*i] != c.id {
			return fmt.Errorf("%w: scan component %d does not match frame component %d", ErrFormat, rest[2*i], c.id)
		}

		c.dcTab = int(rest[2*i+1] >> 4)
		c.acTab = int(rest[2*i+1] & 15)
		if c.dcTab > 3 || !d.huffTabs[0][c.dcTab].defined {
			return fmt.Errorf("%w: component %d references undefined DC table %d", ErrFormat, c.id, c.dcTab)
		}

		if c.acTab > 3 || !d.huffTabs[1][c.acTab].defined {
			return fmt.Errorf("%w: component %d references undefined AC table %d", ErrFormat, c.id, c.acTab)
		}
	}

	ss, se, a := rest[2*ns], rest[2*ns+1], rest[2*ns+2]
	if ss != 0 || se != 63 || a != 0 {
		return fmt.Errorf("%w: spectral selection %d..%d, approximation 0x%02X", ErrUnsupported, ss, se, a)
	}

	d.log.Debug("SOS", slog.Int("components", ns), slog.Int("restart", d.restartInterval))

	return nil
}

// parseAPP1 buffers an APP1 segment in the pool and parses it as EXIF.
// Malformed EXIF data is logged and ignored.
func (d *Decoder) parseAPP1() error {
	n, err := d.readLength(app1)
	if err != nil {
		return err
	}

	var sig [6]byte
	if d.exifSeen || n < len(sig) {
		return d.skipPayload(app1, n)
	}

	if err := d.br.readFull(sig[:]); err != nil {
		return headerErr(err)
	}

	if string(sig[:]) != string(exifHeader) {
		return d.skipPayload(app1, n-len(sig))
	}

	payload, err := allocSlice[uint8](d.pool, n)
	if err != nil {
		return err
	}
	d.exifSeen = true

	copy(payload, sig[:])
	if err := d.br.readFull(payload[len(sig):]); err != nil {
		return headerErr(err)
	}

	x, err := parseExif(payload)
	if err != nil {
		d.log.Debug("ignoring APP1", slog.Any("error", err))

		return nil
	}

	d.exif = x
	d.log.Debug("EXIF", slog.Int("orientation", x.Orientation), slog.String("make", x.Make))

	return nil
}

// allocBuffers carves the per-MCU working buffers from the pool.
func (d *Decoder) allocBuffers() error {
	var err error
	if d.coefs, err = allocSlice[int32](d.pool, d.blocks*64); err != nil {
		return err
	}

	bs := blockSize / d.scale
	for i := 0; i < d.ncomp; i++ {
		c := &d.comps[i]
		if c.plane, err = allocSlice[uint8](d.pool, c.ssX*bs*c.ssY*bs); err != nil {
			return err
		}
	}

	if d.bandRows > 0 {
		d.band, err = allocSlice[uint8](d.pool, d.width*d.mcuH*d.bandRows*d.bpp)
	} else {
		d.pix, err = allocSlice[uint8](d.pool, d.mcuW*d.mcuH*d.bpp)
	}

	return err
}
