// Package cogtest builds small GeoTIFF files in memory for tests.
package cogtest

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

// Sample formats
const (
	Uint  = 1
	Int   = 2
	Float = 3
)

// Compression codes the builder can write.
const (
	None     = 1
	Deflate  = 8
	PackBits = 32773
)

// Image describes a synthetic georeferenced raster. Pixel (0, 0) is the
// north-west corner at Origin; each pixel spans PixelSize world units.
type Image struct {
	Width, Height int
	Bands         int

	// Bits and Format select the sample type. Zero means 8-bit unsigned.
	Bits   int
	Format int

	// TileW and TileH make a tiled image. When zero the image is written as
	// strips of RowsPerStrip rows (the whole image when RowsPerStrip is 0).
	TileW, TileH int
	RowsPerStrip int

	Compression int
	Predictor   int
	Planar      bool
	BigEndian   bool

	Origin    [2]float64
	PixelSize [2]float64
	EPSG      int
	NoData    string

	// Sparse lists block indices written with a zero byte count.
	Sparse []int

	// Value returns the sample of band b at pixel (x, y).
	Value func(x, y, b int) float64
}

type entry struct {
	id, typ uint16
	count   uint32
	data    []byte
}

// Encode returns the image as a classic TIFF.
func (im Image) Encode() []byte {
	if im.Bands == 0 {
		im.Bands = 1
	}
	if im.Bits == 0 {
		im.Bits = 8
	}
	if im.Format == 0 {
		im.Format = Uint
	}
	if im.Compression == 0 {
		im.Compression = None
	}
	if im.PixelSize == [2]float64{} {
		im.PixelSize = [2]float64{1, 1}
	}
	if im.Value == nil {
		im.Value = func(x, y, b int) float64 { return 0 }
	}
	var order binary.ByteOrder = binary.LittleEndian
	magic := "II"
	if im.BigEndian {
		order, magic = binary.BigEndian, "MM"
	}

	tiled := im.TileW > 0 && im.TileH > 0
	bw, bh := im.TileW, im.TileH
	if !tiled {
		bw, bh = im.Width, im.RowsPerStrip
		if bh <= 0 || bh > im.Height {
			bh = im.Height
		}
	}
	across := (im.Width + bw - 1) / bw
	down := (im.Height + bh - 1) / bh

	var buf bytes.Buffer
	buf.WriteString(magic)
	binary.Write(&buf, order, uint16(42))
	binary.Write(&buf, order, uint32(0)) // patched below

	planes, spp := 1, im.Bands
	if im.Planar {
		planes, spp = im.Bands, 1
	}
	sparse := make(map[int]bool)
	for _, i := range im.Sparse {
		sparse[i] = true
	}

	var offsets, counts []uint32
	for p := 0; p < planes; p++ {
		for by := 0; by < down; by++ {
			for bx := 0; bx < across; bx++ {
				idx := p*across*down + by*across + bx
				if sparse[idx] {
					offsets = append(offsets, 0)
					counts = append(counts, 0)
					continue
				}
				rows := bh
				if !tiled {
					rows = min(bh, im.Height-by*bh)
				}
				raw := im.block(order, bx*bw, by*bh, bw, rows, p, spp)
				data := im.compress(raw)
				offsets = append(offsets, uint32(buf.Len()))
				counts = append(counts, uint32(len(data)))
				buf.Write(data)
			}
		}
	}
	if buf.Len()%2 == 1 {
		buf.WriteByte(0)
	}

	bits := make([]uint16, im.Bands)
	formats := make([]uint16, im.Bands)
	for i := range bits {
		bits[i] = uint16(im.Bits)
		formats[i] = uint16(im.Format)
	}
	photometric := uint16(1)
	if im.Bands >= 3 && im.Bits == 8 {
		photometric = 2
	}
	planar := uint16(1)
	if im.Planar {
		planar = 2
	}

	entries := []entry{
		shorts(order, 256, uint16(im.Width)),
		shorts(order, 257, uint16(im.Height)),
		shorts(order, 258, bits...),
		shorts(order, 259, uint16(im.Compression)),
		shorts(order, 262, photometric),
		shorts(order, 277, uint16(im.Bands)),
		shorts(order, 284, planar),
		shorts(order, 339, formats...),
		doubles(order, 33550, im.PixelSize[0], im.PixelSize[1], 0),
		doubles(order, 33922, 0, 0, 0, im.Origin[0], im.Origin[1], 0),
	}
	if im.Predictor > 1 {
		entries = append(entries, shorts(order, 317, uint16(im.Predictor)))
	}
	if tiled {
		entries = append(entries,
			shorts(order, 322, uint16(bw)),
			shorts(order, 323, uint16(bh)),
			longs(order, 324, offsets...),
			longs(order, 325, counts...),
		)
	} else {
		entries = append(entries,
			longs(order, 273, offsets...),
			shorts(order, 278, uint16(bh)),
			longs(order, 279, counts...),
		)
	}
	if im.EPSG != 0 {
		keys := []uint16{1, 1, 0, 3}
		if im.EPSG == 4326 {
			keys = append(keys, 1024, 0, 1, 2, 1025, 0, 1, 1, 2048, 0, 1, uint16(im.EPSG))
		} else {
			keys = append(keys, 1024, 0, 1, 1, 1025, 0, 1, 1, 3072, 0, 1, uint16(im.EPSG))
		}
		entries = append(entries, shorts(order, 34735, keys...))
	}
	if im.NoData != "" {
		entries = append(entries, entry{id: 42113, typ: 2, count: uint32(len(im.NoData) + 1), data: append([]byte(im.NoData), 0)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].id < entries[j].id })

	ifd := uint32(buf.Len())
	extra := ifd + 2 + uint32(len(entries))*12 + 4
	var tail bytes.Buffer
	binary.Write(&buf, order, uint16(len(entries)))
	for _, e := range entries {
		binary.Write(&buf, order, e.id)
		binary.Write(&buf, order, e.typ)
		binary.Write(&buf, order, e.count)
		if len(e.data) <= 4 {
			slot := make([]byte, 4)
			copy(slot, e.data)
			buf.Write(slot)
			continue
		}
		binary.Write(&buf, order, extra+uint32(tail.Len()))
		tail.Write(e.data)
		if tail.Len()%2 == 1 {
			tail.WriteByte(0)
		}
	}
	binary.Write(&buf, order, uint32(0))
	buf.Write(tail.Bytes())

	out := buf.Bytes()
	order.PutUint32(out[4:8], ifd)
	return out
}

// WriteFile encodes im into a file under t.TempDir and returns its path.
func WriteFile(t testing.TB, name string, im Image) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, im.Encode(), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
	return path
}

// block encodes one block. Tiles past the image edge are zero padded.
func (im Image) block(order binary.ByteOrder, x0, y0, w, h, plane, spp int) []byte {
	size := im.Bits / 8
	out := make([]byte, w*h*spp*size)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if x0+x >= im.Width || y0+y >= im.Height {
				continue
			}
			for s := 0; s < spp; s++ {
				band := s
				if im.Planar {
					band = plane
				}
				at := ((y*w+x)*spp + s) * size
				im.put(order, out[at:at+size], im.Value(x0+x, y0+y, band))
			}
		}
	}
	if im.Predictor == 2 {
		rowLen := w * spp * size
		for y := 0; y < h; y++ {
			row := out[y*rowLen : (y+1)*rowLen]
			for i := w*spp - 1; i >= spp; i-- {
				at, prev := row[i*size:(i+1)*size], row[(i-spp)*size:(i-spp+1)*size]
				switch size {
				case 1:
					at[0] -= prev[0]
				case 2:
					order.PutUint16(at, order.Uint16(at)-order.Uint16(prev))
				case 4:
					order.PutUint32(at, order.Uint32(at)-order.Uint32(prev))
				}
			}
		}
	}
	return out
}

func (im Image) put(order binary.ByteOrder, b []byte, v float64) {
	switch {
	case im.Format == Float && im.Bits == 32:
		order.PutUint32(b, math.Float32bits(float32(v)))
	case im.Format == Float && im.Bits == 64:
		order.PutUint64(b, math.Float64bits(v))
	case im.Bits == 8:
		b[0] = byte(int64(v))
	case im.Bits == 16:
		order.PutUint16(b, uint16(int64(v)))
	case im.Bits == 32:
		order.PutUint32(b, uint32(int64(v)))
	}
}

func (im Image) compress(raw []byte) []byte {
	switch im.Compression {
	case Deflate:
		var buf bytes.Buffer
		zw := zlib.NewWriter(&buf)
		zw.Write(raw)
		zw.Close()
		return buf.Bytes()
	case PackBits:
		return packBits(raw)
	default:
		return raw
	}
}

// packBits writes runs of three or more equal bytes as repeats and the rest
// as literals.
func packBits(src []byte) []byte {
	var out []byte
	for i := 0; i < len(src); {
		run := 1
		for i+run < len(src) && run < 128 && src[i+run] == src[i] {
			run++
		}
		if run >= 3 {
			out = append(out, byte(int8(1-run)), src[i])
			i += run
			continue
		}
		start := i
		for i < len(src) && i-start < 128 {
			if i+2 < len(src) && src[i] == src[i+1] && src[i] == src[i+2] {
				break
			}
			i++
		}
		out = append(out, byte(i-start-1))
		out = append(out, src[start:i]...)
	}
	return out
}

func shorts(order binary.ByteOrder, id uint16, v ...uint16) entry {
	b := make([]byte, 2*len(v))
	for i, x := range v {
		order.PutUint16(b[2*i:], x)
	}
	return entry{id: id, typ: 3, count: uint32(len(v)), data: b}
}

func longs(order binary.ByteOrder, id uint16, v ...uint32) entry {
	b := make([]byte, 4*len(v))
	for i, x := range v {
		order.PutUint32(b[4*i:], x)
	}
	return entry{id: id, typ: 4, count: uint32(len(v)), data: b}
}

func doubles(order binary.ByteOrder, id uint16, v ...float64) entry {
	b := make([]byte, 8*len(v))
	for i, x := range v {
		order.PutUint64(b[8*i:], math.Float64bits(x))
	}
	return entry{id: id, typ: 12, count: uint32(len(v)), data: b}
}
