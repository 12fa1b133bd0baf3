package tjpeg

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Exif holds the subset of EXIF metadata the decoder understands.
type Exif struct {
	Orientation int // 1..8, 0 if absent.
	Width       int
	Height      int
	Make        string
	Model       string
	Software    string
	DateTime    string
	Artist      string
	Copyright   string

	ExposureTime     float64 // Seconds.
	FNumber          float64
	ISOSpeed         int
	DateTimeOriginal string
	Flash            int
	FocalLength      float64 // Millimeters.

	GPSLatitude  float64 // Decimal degrees, negative south.
	GPSLongitude float64 // Decimal degrees, negative west.
	GPSAltitude  float64 // Meters, negative below sea level.
}

// Tags of IFD0.
const (
	tagImageWidth     = 0x0100
	tagImageLength    = 0x0101
	tagMake           = 0x010F
	tagModel          = 0x0110
	tagOrientation    = 0x0112
	tagSoftware       = 0x0131
	tagDateTime       = 0x0132
	tagArtist         = 0x013B
	tagCopyright      = 0x8298
	tagExifIFDPointer = 0x8769
	tagGPSIFDPointer  = 0x8825
)

// Tags of the EXIF sub-IFD.
const (
	tagExposureTime     = 0x829A
	tagFNumber          = 0x829D
	tagISOSpeedRatings  = 0x8827
	tagDateTimeOriginal = 0x9003
	tagFlash            = 0x9209
	tagFocalLength      = 0x920A
)

// Tags of the GPS sub-IFD.
const (
	tagGPSLatitudeRef  = 0x0001
	tagGPSLatitude     = 0x0002
	tagGPSLongitudeRef = 0x0003
	tagGPSLongitude    = 0x0004
	tagGPSAltitudeRef  = 0x0005
	tagGPSAltitude     = 0x0006
)

// TIFF field types.
const (
	typeByte      = 1
	typeASCII     = 2
	typeShort     = 3
	typeLong      = 4
	typeRational  = 5
	typeSByte     = 6
	typeUndefined = 7
	typeSShort    = 8
	typeSLong     = 9
	typeSRational = 10
	typeFloat     = 11
	typeDouble    = 12
)

var (
	exifHeader = []byte("Exif\x00\x00")

	errExifShort     = errors.New("exif: data too short")
	errExifByteOrder = errors.New("exif: invalid byte order marker")
)

// exifReader reads TIFF structures in either byte order.
type exifReader struct {
	data  []byte
	order binary.ByteOrder
}

func (r *exifReader) uint16(off int) uint16 {
	if off < 0 || off+2 > len(r.data) {
		return 0
	}

	return r.order.Uint16(r.data[off:])
}

func (r *exifReader) uint32(off int) uint32 {
	if off < 0 || off+4 > len(r.data) {
		return 0
	}

	return r.order.Uint32(r.data[off:])
}

// ifdEntry is one 12-byte directory entry with its value location resolved.
type ifdEntry struct {
	tag   uint16
	typ   uint16
	count uint32
	off   int // Offset of the value, inline or indirect.
}

// typeSize returns the size in bytes of one value of a TIFF field type.
func typeSize(typ uint16) int {
	switch typ {
	case typeShort, typeSShort:
		return 2
	case typeLong, typeSLong, typeFloat:
		return 4
	case typeRational, typeSRational, typeDouble:
		return 8
	}

	return 1
}

// walk calls fn for every entry of the IFD at off whose value lies inside the data.
func (r *exifReader) walk(off int, fn func(e ifdEntry)) {
	if off <= 0 || off+2 > len(r.data) {
		return
	}

	n := int(r.uint16(off))
	for i := 0; i < n; i++ {
		p := off + 2 + i*12
		if p+12 > len(r.data) {
			return
		}

		e := ifdEntry{
			tag:   r.uint16(p),
			typ:   r.uint16(p + 2),
			count: r.uint32(p + 4),
			off:   p + 8,
		}

		size := uint64(typeSize(e.typ)) * uint64(e.count)
		if size > 4 {
			e.off = int(r.uint32(p + 8))
			if size > uint64(len(r.data)) || e.off+int(size) > len(r.data) {
				continue
			}
		}

		fn(e)
	}
}

// integer returns a SHORT or LONG value.
func (r *exifReader) integer(e ifdEntry) (int, bool) {
	switch e.typ {
	case typeShort:
		return int(r.uint16(e.off)), true
	case typeLong:
		return int(r.uint32(e.off)), true
	}

	return 0, false
}

// str returns an ASCII value without its terminator.
func (r *exifReader) str(e ifdEntry) (string, bool) {
	if e.typ != typeASCII {
		return "", false
	}

	b := r.data[e.off : e.off+int(e.count)]
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}

	return string(b), true
}

// rational returns the i-th RATIONAL value of e.
func (r *exifReader) rational(e ifdEntry, i int) (float64, bool) {
	if e.typ != typeRational || uint32(i) >= e.count {
		return 0, false
	}

	num := r.uint32(e.off + 8*i)
	den := r.uint32(e.off + 8*i + 4)
	if den == 0 {
		return 0, false
	}

	return float64(num) / float64(den), true
}

// parseExif parses an APP1 payload starting with the "Exif\0\0" header.
func parseExif(payload []byte) (*Exif, error) {
	if !bytes.HasPrefix(payload, exifHeader) {
		return nil, fmt.Errorf("exif: missing header")
	}

	data := payload[len(exifHeader):]
	if len(data) < 8 {
		return nil, errExifShort
	}

	r := &exifReader{data: data}
	switch string(data[:2]) {
	case "II":
		r.order = binary.LittleEndian
	case "MM":
		r.order = binary.BigEndian
	default:
		return nil, errExifByteOrder
	}

	if r.uint16(2) != 42 {
		return nil, fmt.Errorf("exif: invalid magic number %d", r.uint16(2))
	}

	ifd0 := int(r.uint32(4))
	if ifd0 < 8 || ifd0 >= len(data) {
		return nil, fmt.Errorf("exif: invalid IFD offset %d", ifd0)
	}

	x := &Exif{}
	var subIFD, gpsIFD int

	r.walk(ifd0, func(e ifdEntry) {
		switch e.tag {
		case tagOrientation:
			x.Orientation, _ = r.integer(e)
		case tagImageWidth:
			x.Width, _ = r.integer(e)
		case tagImageLength:
			x.Height, _ = r.integer(e)
		case tagMake:
			x.Make, _ = r.str(e)
		case tagModel:
			x.Model, _ = r.str(e)
		case tagSoftware:
			x.Software, _ = r.str(e)
		case tagDateTime:
			x.DateTime, _ = r.str(e)
		case tagArtist:
			x.Artist, _ = r.str(e)
		case tagCopyright:
			x.Copyright, _ = r.str(e)
		case tagExifIFDPointer:
			subIFD, _ = r.integer(e)
		case tagGPSIFDPointer:
			gpsIFD, _ = r.integer(e)
		}
	})

	r.walk(subIFD, func(e ifdEntry) {
		switch e.tag {
		case tagExposureTime:
			x.ExposureTime, _ = r.rational(e, 0)
		case tagFNumber:
			x.FNumber, _ = r.rational(e, 0)
		case tagISOSpeedRatings:
			x.ISOSpeed, _ = r.integer(e)
		case tagDateTimeOriginal:
			x.DateTimeOriginal, _ = r.str(e)
		case tagFlash:
			x.Flash, _ = r.integer(e)
		case tagFocalLength:
			x.FocalLength, _ = r.rational(e, 0)
		}
	})

	var latRef, lonRef string
	var altRef byte
	r.walk(gpsIFD, func(e ifdEntry) {
		switch e.tag {
		case tagGPSLatitudeRef:
			latRef, _ = r.str(e)
		case tagGPSLatitude:
			x.GPSLatitude = r.degrees(e)
		case tagGPSLongitudeRef:
			lonRef, _ = r.str(e)
		case tagGPSLongitude:
			x.GPSLongitude = r.degrees(e)
		case tagGPSAltitudeRef:
			if e.typ == typeByte && e.count > 0 {
				altRef = r.data[e.off]
			}
		case tagGPSAltitude:
			x.GPSAltitude, _ = r.rational(e, 0)
		}
	})

	if latRef == "S" {
		x.GPSLatitude = -x.GPSLatitude
	}

	if lonRef == "W" {
		x.GPSLongitude = -x.GPSLongitude
	}

	if altRef == 1 {
		x.GPSAltitude = -x.GPSAltitude
	}

	return x, nil
}

// degrees converts a degrees/minutes/seconds triple to decimal degrees.
func (r *exifReader) degrees(e ifdEntry) float64 {
	if e.count != 3 {
		return 0
	}

	d, _ := r.rational(e, 0)
	m, _ := r.rational(e, 1)
	s, _ := r.rational(e, 2)

	return d + m/60 + s/3600
}
