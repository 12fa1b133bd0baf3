package tjpeg

import (
	"fmt"
	"log/slog"
)

// errDecode carries an error out of the hot decoding path through panic.
type errDecode struct{ error }

// fail aborts the scan with err.
func fail(err error) {
	panic(errDecode{err})
}

// Decompress decodes the entropy-coded data in raster MCU order and hands every
// finished rectangle to out. It returns ErrCancelled if out asks to stop.
// A Decoder can be decompressed only once; later calls return ErrDecoderUsed.
func (d *Decoder) Decompress(out Emitter) (err error) {
	if d.used {
		return ErrDecoderUsed
	}
	d.used = true

	if out == nil {
		return fmt.Errorf("%w: nil emitter", ErrInvalidOption)
	}

	// Failures deep in the bit reader and the block decoder arrive as panics.
	defer func() {
		if r := recover(); r != nil {
			de, ok := r.(errDecode)
			if !ok {
				panic(r)
			}

			err = de.error
		}
	}()

	return d.decodeScan(out)
}

// resetPredictors zeroes the DC predictor of every component.
func (d *Decoder) resetPredictors() {
	for i := range d.comps {
		d.comps[i].dcPred = 0
	}
}

// decodeScan is the MCU loop of the single interleaved baseline scan.
func (d *Decoder) decodeScan(out Emitter) error {
	d.br.reset()
	d.resetPredictors()

	left := d.restartInterval
	stride := d.width * d.bpp

	for my := 0; my < d.mcusY; my++ {
		y0 := my * d.mcuH
		h := min(d.mcuH, d.height-y0)

		for mx := 0; mx < d.mcusX; mx++ {
			if d.restartInterval > 0 {
				if left == 0 {
					if err := d.br.restart(); err != nil {
						return err
					}

					d.resetPredictors()
					left = d.restartInterval
				}
				left--
			}

			d.decodeMCU()

			x0 := mx * d.mcuW
			w := min(d.mcuW, d.width-x0)

			if d.bandRows > 0 {
				row := (my % d.bandRows) * d.mcuH
				d.assemble(d.band[row*stride+x0*d.bpp:], stride, w, h)

				continue
			}

			d.assemble(d.pix, w*d.bpp, w, h)
			if !out.Emit(Rect{Left: x0, Top: y0, Right: x0 + w - 1, Bottom: y0 + h - 1}, d.pix[:w*h*d.bpp]) {
				return ErrCancelled
			}
		}

		if d.bandRows > 0 && (my%d.bandRows == d.bandRows-1 || my == d.mcusY-1) {
			top := (my - my%d.bandRows) * d.mcuH
			bottom := y0 + h - 1
			if !out.Emit(Rect{Left: 0, Top: top, Right: d.width - 1, Bottom: bottom}, d.band[:(bottom-top+1)*stride]) {
				return ErrCancelled
			}
		}
	}

	d.log.Debug("scan complete",
		slog.Int("mcus", d.mcusX*d.mcusY),
		slog.Int("resyncs", d.br.resyncs),
	)

	return nil
}

// decodeMCU entropy-decodes every block of one MCU into the coefficient buffer,
// then transforms each block into its component plane.
func (d *Decoder) decodeMCU() {
	n := 0
	for i := 0; i < d.ncomp; i++ {
		c := &d.comps[i]
		for j := 0; j < c.ssX*c.ssY; j++ {
			d.decodeBlock(c, (*[64]int32)(d.coefs[n*64:n*64+64]))
			n++
		}
	}

	bs := blockSize / d.scale
	n = 0
	for i := 0; i < d.ncomp; i++ {
		c := &d.comps[i]
		for by := 0; by < c.ssY; by++ {
			for bx := 0; bx < c.ssX; bx++ {
				d.idct((*[64]int32)(d.coefs[n*64:n*64+64]), c.plane[by*bs*c.stride+bx*bs:], c.stride)
				n++
			}
		}
	}
}

// decodeBlock decodes one block's DC difference and AC run-lengths, dequantizes
// them and stores them in natural order.
func (d *Decoder) decodeBlock(c *component, blk *[64]int32) {
	*blk = [64]int32{}

	q := d.qt[c.qt]
	dcTab := &d.huffTabs[0][c.dcTab]
	acTab := &d.huffTabs[1][c.acTab]

	s := int(d.huff.decode(&d.br, dcTab))
	if s > 11 {
		fail(fmt.Errorf("%w: DC magnitude category %d", ErrFormat, s))
	}

	c.dcPred += d.br.receiveExtend(s)
	blk[0] = c.dcPred * int32(q[0])

	for k := 1; k < 64; k++ {
		rs := d.huff.decode(&d.br, acTab)
		if rs == 0x00 {
			break // EOB
		}

		// A zero size skips the run plus one position: 16 for ZRL.
		r, s := int(rs>>4), int(rs&15)
		if s > 10 {
			fail(fmt.Errorf("%w: AC magnitude category %d", ErrFormat, s))
		}

		k += r
		if k > 63 {
			fail(fmt.Errorf("%w: coefficient run past end of block", ErrFormat))
		}

		if s > 0 {
			blk[zigzag[k]] = d.br.receiveExtend(s) * int32(q[k])
		}
	}
}
