package tjpeg

// Reduced-size transforms for scaled output. Each reads only the low-frequency
// corner of a dequantized block and produces a 4x4, 2x2 or 1x1 patch directly,
// using the libjpeg LL&M kernels with the level shift folded into the rounding term.

const (
	constBits = 13
	pass1Bits = 2

	fix0541196100 = 4433  // FIX(0.541196100)
	fix0765366865 = 6270  // FIX(0.765366865)
	fix1847759065 = 15137 // FIX(1.847759065)
)

// idctFor returns the transform producing 8/scale samples per block edge.
func idctFor(scale Scale) idctFunc {
	switch scale {
	case Scale2:
		return idct4x4
	case Scale4:
		return idct2x2
	case Scale8:
		return idct1x1
	}

	return idct8x8
}

// idct4x4 produces a 4x4 patch from the top-left 4x4 coefficients.
func idct4x4(blk *[64]int32, out []byte, stride int) {
	var ws [16]int32

	// Columns.
	for c := 0; c < 4; c++ {
		t10 := (blk[c] + blk[c+16]) << pass1Bits
		t12 := (blk[c] - blk[c+16]) << pass1Bits

		z2, z3 := blk[c+8], blk[c+24]
		z1 := (z2+z3)*fix0541196100 + 1<<(constBits-pass1Bits-1)
		t0 := (z1 + z2*fix0765366865) >> (constBits - pass1Bits)
		t2 := (z1 - z3*fix1847759065) >> (constBits - pass1Bits)

		ws[c+0] = t10 + t0
		ws[c+12] = t10 - t0
		ws[c+4] = t12 + t2
		ws[c+8] = t12 - t2
	}

	// Rows.
	const shift = constBits + pass1Bits + 3
	for r := 0; r < 4; r++ {
		w := ws[r*4 : r*4+4]
		t0 := w[0] + 128<<(pass1Bits+3) + 1<<(pass1Bits+2)
		t10 := (t0 + w[2]) << constBits
		t12 := (t0 - w[2]) << constBits

		z1 := (w[1] + w[3]) * fix0541196100
		t0 = z1 + w[1]*fix0765366865
		t2 := z1 - w[3]*fix1847759065

		o := out[r*stride : r*stride+4]
		o[0] = clamp((t10 + t0) >> shift)
		o[3] = clamp((t10 - t0) >> shift)
		o[1] = clamp((t12 + t2) >> shift)
		o[2] = clamp((t12 - t2) >> shift)
	}
}

// idct2x2 produces a 2x2 patch from the top-left 2x2 coefficients.
func idct2x2(blk *[64]int32, out []byte, stride int) {
	t4 := blk[0] + 128<<3 + 1<<2
	t0 := t4 + blk[8]
	t2 := t4 - blk[8]

	t1 := blk[1] + blk[9]
	t3 := blk[1] - blk[9]

	out[0] = clamp((t0 + t1) >> 3)
	out[1] = clamp((t0 - t1) >> 3)
	out[stride] = clamp((t2 + t3) >> 3)
	out[stride+1] = clamp((t2 - t3) >> 3)
}

// idct1x1 produces the block average from the DC coefficient.
func idct1x1(blk *[64]int32, out []byte, _ int) {
	out[0] = clamp((blk[0] + 128<<3 + 1<<2) >> 3)
}
