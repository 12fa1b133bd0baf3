package tjpeg

// ycbcrToRGB converts one sample with 8-bit fixed-point coefficients:
//
//	R = Y + 1.402 Cr
//	G = Y - 0.344 Cb - 0.714 Cr
//	B = Y + 1.772 Cb
func ycbcrToRGB(y, cb, cr byte) (r, g, b byte) {
	yy := int32(y)<<8 + 128
	cbb := int32(cb) - 128
	crr := int32(cr) - 128

	r = clamp((yy + 359*crr) >> 8)
	g = clamp((yy - 88*cbb - 183*crr) >> 8)
	b = clamp((yy + 454*cbb) >> 8)

	return r, g, b
}

// rgb565 packs 8-bit channels into a 5:6:5 word.
func rgb565(r, g, b byte) uint16 {
	return uint16(r&0xF8)<<8 | uint16(g&0xFC)<<3 | uint16(b>>3)
}

// putRGB stores one color pixel at index x of row.
func putRGB(row []byte, x int, f Format, r, g, b byte) {
	switch f {
	case RGB565:
		p := rgb565(r, g, b)
		row[2*x] = byte(p)
		row[2*x+1] = byte(p >> 8)
	case RGB565BE:
		p := rgb565(r, g, b)
		row[2*x] = byte(p >> 8)
		row[2*x+1] = byte(p)
	case Gray:
		row[x] = r
	default:
		row[3*x] = r
		row[3*x+1] = g
		row[3*x+2] = b
	}
}

// assemble writes the top-left w x h pixels of the current MCU into dst,
// starting at dst[0] with rows stride bytes apart. Subsampled planes are
// replicated to the MCU resolution.
func (d *Decoder) assemble(dst []byte, stride, w, h int) {
	gray := d.ncomp == 1 || d.format == Gray

	for y := 0; y < h; y++ {
		row := dst[y*stride:]

		if gray {
			c := &d.comps[0]
			src := c.plane[(y>>c.shiftY)*c.stride:]
			for x := 0; x < w; x++ {
				v := src[x>>c.shiftX]
				putRGB(row, x, d.format, v, v, v)
			}

			continue
		}

		cy, cb, cr := &d.comps[0], &d.comps[1], &d.comps[2]
		ys := cy.plane[(y>>cy.shiftY)*cy.stride:]
		cbs := cb.plane[(y>>cb.shiftY)*cb.stride:]
		crs := cr.plane[(y>>cr.shiftY)*cr.stride:]

		for x := 0; x < w; x++ {
			r, g, b := ycbcrToRGB(ys[x>>cy.shiftX], cbs[x>>cb.shiftX], crs[x>>cr.shiftX])
			putRGB(row, x, d.format, r, g, b)
		}
	}
}
