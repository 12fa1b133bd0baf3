package tjpeg

// Integer inverse DCT (Chen-Wang). Input blocks hold dequantized coefficients
// in natural order; the row pass works in place and the column pass writes
// level-shifted, clamped samples.

// Constants scaled by 2^11.
const (
	w1 = 2841 // 2048*sqrt(2)*cos(1*pi/16)
	w2 = 2676 // 2048*sqrt(2)*cos(2*pi/16)
	w3 = 2408 // 2048*sqrt(2)*cos(3*pi/16)
	w5 = 1609 // 2048*sqrt(2)*cos(5*pi/16)
	w6 = 1108 // 2048*sqrt(2)*cos(6*pi/16)
	w7 = 565  // 2048*sqrt(2)*cos(7*pi/16)

	r2 = 181 // 256/sqrt(2)
)

// blockSize is the edge of a DCT block.
const blockSize = 8

// zigzag maps the position of a coefficient in the stream to its natural index.
var zigzag = [64]uint8{
	0, 1, 8, 16, 9, 2, 3, 10,
	17, 24, 32, 25, 18, 11, 4, 5,
	12, 19, 26, 33, 40, 48, 41, 34,
	27, 20, 13, 6, 7, 14, 21, 28,
	35, 42, 49, 56, 57, 50, 43, 36,
	29, 22, 15, 23, 30, 37, 44, 51,
	58, 59, 52, 45, 38, 31, 39, 46,
	53, 60, 61, 54, 47, 55, 62, 63,
}

// clamp limits x to the 8-bit sample range.
func clamp(x int32) byte {
	if uint32(x) <= 255 {
		return byte(x)
	}

	if x < 0 {
		return 0
	}

	return 255
}

// idctFunc transforms one block into an (8/scale)-square patch of out with the given stride.
type idctFunc func(blk *[64]int32, out []byte, stride int)

// idct8x8 is the full-resolution transform.
func idct8x8(blk *[64]int32, out []byte, stride int) {
	for y := 0; y < 64; y += 8 {
		idctRow((*[8]int32)(blk[y : y+8]))
	}

	for x := 0; x < 8; x++ {
		idctCol(blk, x, out[x:], stride)
	}
}

// idctRow transforms one row in place, leaving it scaled by 8.
func idctRow(b *[8]int32) {
	x1 := b[4] << 11
	x2, x3, x4, x5, x6, x7 := b[6], b[2], b[1], b[7], b[5], b[3]

	if x1|x2|x3|x4|x5|x6|x7 == 0 {
		dc := b[0] << 3
		for i := range b {
			b[i] = dc
		}

		return
	}

	x0 := b[0]<<11 + 128

	// Odd part.
	x8 := w7 * (x4 + x5)
	x4 = x8 + (w1-w7)*x4
	x5 = x8 - (w1+w7)*x5
	x8 = w3 * (x6 + x7)
	x6 = x8 - (w3-w5)*x6
	x7 = x8 - (w3+w5)*x7

	// Even part.
	x8 = x0 + x1
	x0 -= x1
	x1 = w6 * (x3 + x2)
	x2 = x1 - (w2+w6)*x2
	x3 = x1 + (w2-w6)*x3

	x1 = x4 + x6
	x4 -= x6
	x6 = x5 + x7
	x5 -= x7

	x7 = x8 + x3
	x8 -= x3
	x3 = x0 + x2
	x0 -= x2

	x2 = (r2*(x4+x5) + 128) >> 8
	x4 = (r2*(x4-x5) + 128) >> 8

	b[0] = (x7 + x1) >> 8
	b[1] = (x3 + x2) >> 8
	b[2] = (x0 + x4) >> 8
	b[3] = (x8 + x6) >> 8
	b[4] = (x8 - x6) >> 8
	b[5] = (x0 - x4) >> 8
	b[6] = (x3 - x2) >> 8
	b[7] = (x7 - x1) >> 8
}

// idctCol transforms column x of a row-transformed block into out, one sample per stride.
func idctCol(blk *[64]int32, x int, out []byte, stride int) {
	_ = out[7*stride]

	x1 := blk[x+8*4] << 8
	x2, x3, x4, x5, x6, x7 := blk[x+8*6], blk[x+8*2], blk[x+8*1], blk[x+8*7], blk[x+8*5], blk[x+8*3]

	if x1|x2|x3|x4|x5|x6|x7 == 0 {
		v := clamp((blk[x]+32)>>6 + 128)
		for i := 0; i < 8; i++ {
			out[i*stride] = v
		}

		return
	}

	x0 := blk[x]<<8 + 8192

	// Odd part.
	x8 := w7*(x4+x5) + 4
	x4 = (x8 + (w1-w7)*x4) >> 3
	x5 = (x8 - (w1+w7)*x5) >> 3
	x8 = w3*(x6+x7) + 4
	x6 = (x8 - (w3-w5)*x6) >> 3
	x7 = (x8 - (w3+w5)*x7) >> 3

	// Even part.
	x8 = x0 + x1
	x0 -= x1
	x1 = w6*(x3+x2) + 4
	x2 = (x1 - (w2+w6)*x2) >> 3
	x3 = (x1 + (w2-w6)*x3) >> 3

	x1 = x4 + x6
	x4 -= x6
	x6 = x5 + x7
	x5 -= x7

	x7 = x8 + x3
	x8 -= x3
	x3 = x0 + x2
	x0 -= x2

	x2 = (r2*(x4+x5) + 128) >> 8
	x4 = (r2*(x4-x5) + 128) >> 8

	out[0*stride] = clamp((x7+x1)>>14 + 128)
	out[1*stride] = clamp((x3+x2)>>14 + 128)
	out[2*stride] = clamp((x0+x4)>>14 + 128)
	out[3*stride] = clamp((x8+x6)>>14 + 128)
	out[4*stride] = clamp((x8-x6)>>14 + 128)
	out[5*stride] = clamp((x0-x4)>>14 + 128)
	out[6*stride] = clamp((x3-x2)>>14 + 128)
	out[7*stride] = clamp((x7-x1)>>14 + 128)
}
