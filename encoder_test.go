package tjpeg

import (
	"bytes"
	"image"
	"image/color"
	"math"
	"testing"
)

// A small baseline writer for fixtures the standard library encoder cannot
// produce: restart intervals, arbitrary sampling factors and extra segments.

// stdQuant are the Annex K quantization tables in zigzag order.
var stdQuant = [2][64]byte{
	{
		16, 11, 12, 14, 12, 10, 16, 14,
		13, 14, 18, 17, 16, 19, 24, 40,
		26, 24, 22, 22, 24, 49, 35, 37,
		29, 40, 58, 51, 61, 60, 57, 51,
		56, 55, 64, 72, 92, 78, 64, 68,
		87, 69, 55, 56, 80, 109, 81, 87,
		95, 98, 103, 104, 103, 62, 77, 113,
		121, 112, 100, 120, 92, 101, 103, 99,
	},
	{
		17, 18, 18, 24, 21, 24, 47, 26,
		26, 47, 99, 66, 56, 66, 99, 99,
		99, 99, 99, 99, 99, 99, 99, 99,
		99, 99, 99, 99, 99, 99, 99, 99,
		99, 99, 99, 99, 99, 99, 99, 99,
		99, 99, 99, 99, 99, 99, 99, 99,
		99, 99, 99, 99, 99, 99, 99, 99,
		99, 99, 99, 99, 99, 99, 99, 99,
	},
}

type huffSpec struct {
	counts  [16]byte
	symbols []byte
}

// stdHuff are the Annex K.3 tables: luma DC, luma AC, chroma DC, chroma AC.
var stdHuff = [4]huffSpec{
	{
		[16]byte{0, 1, 5, 1, 1, 1, 1, 1, 1, 0, 0, 0, 0, 0, 0, 0},
		[]byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11},
	},
	{
		[16]byte{0, 2, 1, 3, 3, 2, 4, 3, 5, 5, 4, 4, 0, 0, 1, 125},
		[]byte{
			0x01, 0x02, 0x03, 0x00, 0x04, 0x11, 0x05, 0x12,
			0x21, 0x31, 0x41, 0x06, 0x13, 0x51, 0x61, 0x07,
			0x22, 0x71, 0x14, 0x32, 0x81, 0x91, 0xa1, 0x08,
			0x23, 0x42, 0xb1, 0xc1, 0x15, 0x52, 0xd1, 0xf0,
			0x24, 0x33, 0x62, 0x72, 0x82, 0x09, 0x0a, 0x16,
			0x17, 0x18, 0x19, 0x1a, 0x25, 0x26, 0x27, 0x28,
			0x29, 0x2a, 0x34, 0x35, 0x36, 0x37, 0x38, 0x39,
			0x3a, 0x43, 0x44, 0x45, 0x46, 0x47, 0x48, 0x49,
			0x4a, 0x53, 0x54, 0x55, 0x56, 0x57, 0x58, 0x59,
			0x5a, 0x63, 0x64, 0x65, 0x66, 0x67, 0x68, 0x69,
			0x6a, 0x73, 0x74, 0x75, 0x76, 0x77, 0x78, 0x79,
			0x7a, 0x83, 0x84, 0x85, 0x86, 0x87, 0x88, 0x89,
			0x8a, 0x92, 0x93, 0x94, 0x95, 0x96, 0x97, 0x98,
			0x99, 0x9a, 0xa2, 0xa3, 0xa4, 0xa5, 0xa6, 0xa7,
			0xa8, 0xa9, 0xaa, 0xb2, 0xb3, 0xb4, 0xb5, 0xb6,
			0xb7, 0xb8, 0xb9, 0xba, 0xc2, 0xc3, 0xc4, 0xc5,
			0xc6, 0xc7, 0xc8, 0xc9, 0xca, 0xd2, 0xd3, 0xd4,
			0xd5, 0xd6, 0xd7, 0xd8, 0xd9, 0xda, 0xe1, 0xe2,
			0xe3, 0xe4, 0xe5, 0xe6, 0xe7, 0xe8, 0xe9, 0xea,
			0xf1, 0xf2, 0xf3, 0xf4, 0xf5, 0xf6, 0xf7, 0xf8,
			0xf9, 0xfa,
		},
	},
	{
		[16]byte{0, 3, 1, 1, 1, 1, 1, 1, 1, 1, 1, 0, 0, 0, 0, 0},
		[]byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11},
	},
	{
		[16]byte{0, 2, 1, 2, 4, 4, 3, 4, 7, 5, 4, 4, 0, 1, 2, 119},
		[]byte{
			0x00, 0x01, 0x02, 0x03, 0x11, 0x04, 0x05, 0x21,
			0x31, 0x06, 0x12, 0x41, 0x51, 0x07, 0x61, 0x71,
			0x13, 0x22, 0x32, 0x81, 0x08, 0x14, 0x42, 0x91,
			0xa1, 0xb1, 0xc1, 0x09, 0x23, 0x33, 0x52, 0xf0,
			0x15, 0x62, 0x72, 0xd1, 0x0a, 0x16, 0x24, 0x34,
			0xe1, 0x25, 0xf1, 0x17, 0x18, 0x19, 0x1a, 0x26,
			0x27, 0x28, 0x29, 0x2a, 0x35, 0x36, 0x37, 0x38,
			0x39, 0x3a, 0x43, 0x44, 0x45, 0x46, 0x47, 0x48,
			0x49, 0x4a, 0x53, 0x54, 0x55, 0x56, 0x57, 0x58,
			0x59, 0x5a, 0x63, 0x64, 0x65, 0x66, 0x67, 0x68,
			0x69, 0x6a, 0x73, 0x74, 0x75, 0x76, 0x77, 0x78,
			0x79, 0x7a, 0x82, 0x83, 0x84, 0x85, 0x86, 0x87,
			0x88, 0x89, 0x8a, 0x92, 0x93, 0x94, 0x95, 0x96,
			0x97, 0x98, 0x99, 0x9a, 0xa2, 0xa3, 0xa4, 0xa5,
			0xa6, 0xa7, 0xa8, 0xa9, 0xaa, 0xb2, 0xb3, 0xb4,
			0xb5, 0xb6, 0xb7, 0xb8, 0xb9, 0xba, 0xc2, 0xc3,
			0xc4, 0xc5, 0xc6, 0xc7, 0xc8, 0xc9, 0xca, 0xd2,
			0xd3, 0xd4, 0xd5, 0xd6, 0xd7, 0xd8, 0xd9, 0xda,
			0xe2, 0xe3, 0xe4, 0xe5, 0xe6, 0xe7, 0xe8, 0xe9,
			0xea, 0xf2, 0xf3, 0xf4, 0xf5, 0xf6, 0xf7, 0xf8,
			0xf9, 0xfa,
		},
	},
}

// huffCode is the code word and length of one symbol.
type huffCode struct {
	code uint32
	n    int
}

// codesFor assigns canonical codes to a table.
func codesFor(s huffSpec) map[byte]huffCode {
	codes := make(map[byte]huffCode, len(s.symbols))
	code, k := uint32(0), 0
	for l := 1; l <= 16; l++ {
		for i := 0; i < int(s.counts[l-1]); i++ {
			codes[s.symbols[k]] = huffCode{code, l}
			code++
			k++
		}
		code <<= 1
	}

	return codes
}

type encOptions struct {
	quality  int       // 1..100, zero means 90.
	sampling [3][2]int // Per component h, v. Zero means 1x1.
	restart  int       // MCUs per restart interval, zero disables.
	gray     bool      // Write a single component.
	segments [][]byte  // Complete marker segments written after SOI.
}

// bitWriter accumulates entropy-coded bits with 0xFF stuffing.
type bitWriter struct {
	out   bytes.Buffer
	acc   uint32
	nbits int
}

func (w *bitWriter) emit(bits uint32, n int) {
	for i := n - 1; i >= 0; i-- {
		w.acc = w.acc<<1 | (bits>>i)&1
		w.nbits++
		if w.nbits == 8 {
			b := byte(w.acc)
			w.out.WriteByte(b)
			if b == 0xFF {
				w.out.WriteByte(0x00)
			}
			w.acc, w.nbits = 0, 0
		}
	}
}

// flush pads the last byte with one bits.
func (w *bitWriter) flush() {
	if w.nbits > 0 {
		w.emit(0x7F, 8-w.nbits)
	}
}

// category returns the magnitude category and the low bits of v.
func category(v int) (int, uint32) {
	a := v
	if a < 0 {
		a = -a
	}

	n := 0
	for a > 0 {
		n++
		a >>= 1
	}

	if v < 0 {
		v += 1<<n - 1
	}

	return n, uint32(v) & (1<<n - 1)
}

// fdct is the exact forward transform of one level-shifted block.
func fdct(in *[64]float64) [64]float64 {
	var out [64]float64
	for v := 0; v < 8; v++ {
		for u := 0; u < 8; u++ {
			var sum float64
			for y := 0; y < 8; y++ {
				for x := 0; x < 8; x++ {
					sum += in[y*8+x] *
						math.Cos(float64(2*x+1)*float64(u)*math.Pi/16) *
						math.Cos(float64(2*y+1)*float64(v)*math.Pi/16)
				}
			}

			cu, cv := 1.0, 1.0
			if u == 0 {
				cu = 1 / math.Sqrt2
			}

			if v == 0 {
				cv = 1 / math.Sqrt2
			}

			out[v*8+u] = sum * cu * cv / 4
		}
	}

	return out
}

// encodeJPEG writes m as a baseline JPEG.
func encodeJPEG(tb testing.TB, m image.Image, o encOptions) []byte {
	tb.Helper()

	if o.quality == 0 {
		o.quality = 90
	}

	scale := 200 - 2*o.quality
	if o.quality < 50 {
		scale = 5000 / o.quality
	}

	var quant [2][64]byte
	for i := range quant {
		for j := range quant[i] {
			q := (int(stdQuant[i][j])*scale + 50) / 100
			quant[i][j] = byte(min(max(q, 1), 255))
		}
	}

	ncomp := 3
	if o.gray {
		ncomp = 1
	}

	samp := o.sampling
	hmax, vmax := 1, 1
	for i := 0; i < ncomp; i++ {
		for j := 0; j < 2; j++ {
			if samp[i][j] == 0 {
				samp[i][j] = 1
			}
		}
		if ncomp == 1 {
			samp[0] = [2]int{1, 1}
		}
		hmax = max(hmax, samp[i][0])
		vmax = max(vmax, samp[i][1])
	}

	b := m.Bounds()
	w, h := b.Dx(), b.Dy()
	planes := make([][]float64, ncomp)
	for i := range planes {
		planes[i] = make([]float64, w*h)
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := m.At(b.Min.X+x, b.Min.Y+y)
			if ncomp == 1 {
				planes[0][y*w+x] = float64(color.GrayModel.Convert(c).(color.Gray).Y)

				continue
			}

			r, g, bb, _ := c.RGBA()
			yy, cb, cr := color.RGBToYCbCr(uint8(r>>8), uint8(g>>8), uint8(bb>>8))
			planes[0][y*w+x] = float64(yy)
			planes[1][y*w+x] = float64(cb)
			planes[2][y*w+x] = float64(cr)
		}
	}

	var out bytes.Buffer
	seg := func(marker byte, payload ...byte) {
		out.Write([]byte{0xFF, marker, byte((len(payload) + 2) >> 8), byte(len(payload) + 2)})
		out.Write(payload)
	}

	out.Write([]byte{0xFF, soi})
	for _, s := range o.segments {
		out.Write(s)
	}

	nq := min(ncomp, 2)
	var dqtPayload []byte
	for i := 0; i < nq; i++ {
		dqtPayload = append(dqtPayload, byte(i))
		dqtPayload = append(dqtPayload, quant[i][:]...)
	}
	seg(dqt, dqtPayload...)

	sof := []byte{8, byte(h >> 8), byte(h), byte(w >> 8), byte(w), byte(ncomp)}
	for i := 0; i < ncomp; i++ {
		sof = append(sof, byte(i+1), byte(samp[i][0]<<4|samp[i][1]), byte(min(i, 1)))
	}
	seg(sof0, sof...)

	var dhtPayload []byte
	for i := 0; i < 2*nq; i++ {
		s := stdHuff[i]
		dhtPayload = append(dhtPayload, byte((i&1)<<4|i>>1))
		dhtPayload = append(dhtPayload, s.counts[:]...)
		dhtPayload = append(dhtPayload, s.symbols...)
	}
	seg(dht, dhtPayload...)

	if o.restart > 0 {
		seg(dri, byte(o.restart>>8), byte(o.restart))
	}

	scan := []byte{byte(ncomp)}
	for i := 0; i < ncomp; i++ {
		t := byte(min(i, 1))
		scan = append(scan, byte(i+1), t<<4|t)
	}
	scan = append(scan, 0, 63, 0)
	seg(sos, scan...)

	var codes [4]map[byte]huffCode
	for i := range codes {
		codes[i] = codesFor(stdHuff[i])
	}

	bw := &bitWriter{}
	var pred [3]int
	mcusX := (w + 8*hmax - 1) / (8 * hmax)
	mcusY := (h + 8*vmax - 1) / (8 * vmax)
	rst := 0

	for my := 0; my < mcusY; my++ {
		for mx := 0; mx < mcusX; mx++ {
			n := my*mcusX + mx
			if o.restart > 0 && n > 0 && n%o.restart == 0 {
				bw.flush()
				bw.out.Write([]byte{0xFF, byte(rst0 + rst)})
				rst = (rst + 1) & 7
				pred = [3]int{}
			}

			for c := 0; c < ncomp; c++ {
				fx, fy := hmax/samp[c][0], vmax/samp[c][1]
				t := min(c, 1)
				dcCodes, acCodes := codes[2*t], codes[2*t+1]

				for by := 0; by < samp[c][1]; by++ {
					for bx := 0; bx < samp[c][0]; bx++ {
						var blk [64]float64
						for j := 0; j < 8; j++ {
							for i := 0; i < 8; i++ {
								sx := (mx*samp[c][0]+bx)*8 + i
								sy := (my*samp[c][1]+by)*8 + j
								var sum float64
								for dy := 0; dy < fy; dy++ {
									for dx := 0; dx < fx; dx++ {
										px := min(sx*fx+dx, w-1)
										py := min(sy*fy+dy, h-1)
										sum += planes[c][py*w+px]
									}
								}
								blk[j*8+i] = sum/float64(fx*fy) - 128
							}
						}

						coef := fdct(&blk)
						var zz [64]int
						for k := 0; k < 64; k++ {
							zz[k] = int(math.Round(coef[zigzag[k]] / float64(quant[t][k])))
						}

						diff := zz[0] - pred[c]
						pred[c] = zz[0]
						nb, bits := category(diff)
						hc := dcCodes[byte(nb)]
						bw.emit(hc.code, hc.n)
						bw.emit(bits, nb)

						run := 0
						for k := 1; k < 64; k++ {
							if zz[k] == 0 {
								run++

								continue
							}

							for run > 15 {
								hc := acCodes[0xF0]
								bw.emit(hc.code, hc.n)
								run -= 16
							}

							nb, bits := category(zz[k])
							hc := acCodes[byte(run<<4|nb)]
							bw.emit(hc.code, hc.n)
							bw.emit(bits, nb)
							run = 0
						}

						if run > 0 {
							hc := acCodes[0x00]
							bw.emit(hc.code, hc.n)
						}
					}
				}
			}
		}
	}

	bw.flush()
	out.Write(bw.out.Bytes())
	out.Write([]byte{0xFF, eoi})

	return out.Bytes()
}

// testImage returns a smooth color gradient with a few hard edges.
func testImage(w, h int) *image.RGBA {
	m := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.RGBA{
				R: uint8(x * 255 / max(w-1, 1)),
				G: uint8(y * 255 / max(h-1, 1)),
				B: uint8((x + y) * 127 / max(w+h-2, 1)),
				A: 255,
			}
			if (x/13+y/11)%5 == 0 {
				c.B = 255 - c.B
			}
			m.SetRGBA(x, y, c)
		}
	}

	return m
}

// grayImage returns a smooth grayscale gradient.
func grayImage(w, h int) *image.Gray {
	m := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			m.SetGray(x, y, color.Gray{Y: uint8((x*7 + y*3) % 256)})
		}
	}

	return m
}
