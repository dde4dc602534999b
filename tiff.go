package cogoverlay

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
)

// TIFF header constants
const (
	tiffVersion    = 42
	bigTIFFVersion = 43

	// ifdPrefetch is read in one go at every IFD offset so that most tag
	// values come out of a single range request.
	ifdPrefetch = 16 * 1024
)

// Compression schemes understood by the block decoder
const (
	CompressionNone        = 1
	CompressionLZW         = 5
	CompressionOldJPEG     = 6
	CompressionJPEG        = 7
	CompressionDeflate     = 8
	CompressionPackBits    = 32773
	CompressionDeflateAdob = 32946
)

// Baseline and extension tag IDs used by the reader.
const (
	tagNewSubfileType  = 254
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagPhotometric     = 262
	tagStripOffsets    = 273
	tagSamplesPerPixel = 277
	tagRowsPerStrip    = 278
	tagStripByteCounts = 279
	tagPlanarConfig    = 284
	tagPredictor       = 317
	tagTileWidth       = 322
	tagTileLength      = 323
	tagTileOffsets     = 324
	tagTileByteCounts  = 325
	tagSampleFormat    = 339
	tagJPEGTables      = 347
	tagGDALNoData      = 42113
)

// fieldType is the TIFF field data type of an IFD entry.
type fieldType uint16

const (
	ftByte      fieldType = 1
	ftASCII     fieldType = 2
	ftShort     fieldType = 3
	ftLong      fieldType = 4
	ftRational  fieldType = 5
	ftSByte     fieldType = 6
	ftUndefined fieldType = 7
	ftSShort    fieldType = 8
	ftSLong     fieldType = 9
	ftSRational fieldType = 10
	ftFloat     fieldType = 11
	ftDouble    fieldType = 12
	ftLong8     fieldType = 16
	ftSLong8    fieldType = 17
	ftIFD8      fieldType = 18
)

// size returns the byte width of one value, or 0 for unknown types.
func (t fieldType) size() int {
	switch t {
	case ftByte, ftASCII, ftSByte, ftUndefined:
		return 1
	case ftShort, ftSShort:
		return 2
	case ftLong, ftSLong, ftFloat:
		return 4
	case ftRational, ftSRational, ftDouble, ftLong8, ftSLong8, ftIFD8:
		return 8
	default:
		return 0
	}
}

// field is one IFD entry. raw holds the value bytes once they are known;
// values that did not fit in the entry are fetched from offset on demand.
type field struct {
	typ    fieldType
	count  uint64
	offset uint64
	raw    []byte
}

// directory is a parsed Image File Directory.
type directory struct {
	r      io.ReaderAt
	order  binary.ByteOrder
	fields map[uint16]*field
	next   uint64

	// chunk is the prefetched region starting at chunkAt.
	chunk   []byte
	chunkAt uint64

	mu sync.Mutex
}

// tiffFile is the container level view of a (Big)TIFF: byte order and the
// chain of IFDs. IFD 0 is the full resolution image.
type tiffFile struct {
	r     io.ReaderAt
	order binary.ByteOrder
	big   bool
	dirs  []*directory
}

func readTIFF(r io.ReaderAt) (*tiffFile, error) {
	head := make([]byte, 16)
	n, err := r.ReadAt(head, 0)
	if n < 8 {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("failed to read TIFF header: %w", err)
	}

	t := &tiffFile{r: r}
	switch string(head[:2]) {
	case "II":
		t.order = binary.LittleEndian
	case "MM":
		t.order = binary.BigEndian
	default:
		return nil, fmt.Errorf("invalid TIFF magic: 0x%04x", binary.LittleEndian.Uint16(head[:2]))
	}

	var first uint64
	switch version := t.order.Uint16(head[2:4]); version {
	case tiffVersion:
		first = uint64(t.order.Uint32(head[4:8]))
	case bigTIFFVersion:
		if n < 16 {
			return nil, errors.New("truncated BigTIFF header")
		}
		if t.order.Uint16(head[4:6]) != 8 {
			return nil, errors.New("invalid BigTIFF offset size")
		}
		t.big = true
		first = t.order.Uint64(head[8:16])
	default:
		return nil, fmt.Errorf("invalid TIFF version: %d", version)
	}
	if first == 0 {
		return nil, errors.New("file contains no IFDs")
	}

	seen := make(map[uint64]bool)
	for off := first; off != 0; {
		if seen[off] {
			return nil, fmt.Errorf("IFD chain loops back to offset %d", off)
		}
		seen[off] = true

		dir, err := t.readDirectory(off)
		if err != nil {
			return nil, fmt.Errorf("failed to read IFD %d: %w", len(t.dirs), err)
		}
		t.dirs = append(t.dirs, dir)
		off = dir.next
	}
	return t, nil
}

func (t *tiffFile) readDirectory(off uint64) (*directory, error) {
	countSize, entrySize, slotSize := 2, 12, 4
	if t.big {
		countSize, entrySize, slotSize = 8, 20, 8
	}

	chunk := make([]byte, ifdPrefetch)
	n, err := t.r.ReadAt(chunk, int64(off))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	chunk = chunk[:n]
	if len(chunk) < countSize {
		return nil, io.ErrUnexpectedEOF
	}

	var count uint64
	if t.big {
		count = t.order.Uint64(chunk[:8])
	} else {
		count = uint64(t.order.Uint16(chunk[:2]))
	}

	need := countSize + int(count)*entrySize + slotSize
	if need > len(chunk) {
		chunk = make([]byte, need)
		if err := readAtFull(t.r, chunk, int64(off)); err != nil {
			return nil, fmt.Errorf("failed to read IFD entries: %w", err)
		}
	}

	dir := &directory{
		r:       t.r,
		order:   t.order,
		fields:  make(map[uint16]*field, count),
		chunk:   chunk,
		chunkAt: off,
	}

	for i := 0; i < int(count); i++ {
		e := chunk[countSize+i*entrySize : countSize+(i+1)*entrySize]
		id := t.order.Uint16(e[0:2])
		f := &field{typ: fieldType(t.order.Uint16(e[2:4]))}

		var slot []byte
		if t.big {
			f.count = t.order.Uint64(e[4:12])
			slot = e[12:20]
		} else {
			f.count = uint64(t.order.Uint32(e[4:8]))
			slot = e[8:12]
		}

		width := f.typ.size()
		if width == 0 {
			continue
		}
		size := uint64(width) * f.count
		if size <= uint64(slotSize) {
			f.raw = append([]byte(nil), slot[:size]...)
		} else if t.big {
			f.offset = t.order.Uint64(slot)
		} else {
			f.offset = uint64(t.order.Uint32(slot))
		}
		dir.fields[id] = f
	}

	tail := chunk[countSize+int(count)*entrySize:]
	if t.big {
		dir.next = t.order.Uint64(tail[:8])
	} else {
		dir.next = uint64(t.order.Uint32(tail[:4]))
	}
	return dir, nil
}

// load returns the entry for id with its value bytes resolved, or nil when
// the tag is absent.
func (d *directory) load(id uint16) (*field, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, ok := d.fields[id]
	if !ok {
		return nil, nil
	}
	if f.raw != nil {
		return f, nil
	}

	size := uint64(f.typ.size()) * f.count
	if f.offset >= d.chunkAt && f.offset+size <= d.chunkAt+uint64(len(d.chunk)) {
		start := f.offset - d.chunkAt
		f.raw = d.chunk[start : start+size]
		return f, nil
	}

	buf := make([]byte, size)
	if err := readAtFull(d.r, buf, int64(f.offset)); err != nil {
		return nil, fmt.Errorf("failed to read value of tag %d: %w", id, err)
	}
	f.raw = buf
	return f, nil
}

func (d *directory) has(id uint16) bool {
	_, ok := d.fields[id]
	return ok
}

// scalar returns the first value of an integer tag, or def when missing.
func (d *directory) scalar(id uint16, def uint64) (uint64, error) {
	vals, err := d.uints(id)
	if err != nil {
		return 0, err
	}
	if len(vals) == 0 {
		return def, nil
	}
	return vals[0], nil
}

func (d *directory) uints(id uint16) ([]uint64, error) {
	f, err := d.load(id)
	if err != nil || f == nil {
		return nil, err
	}
	out := make([]uint64, f.count)
	w := f.typ.size()
	for i := range out {
		b := f.raw[i*w : (i+1)*w]
		switch f.typ {
		case ftByte, ftUndefined:
			out[i] = uint64(b[0])
		case ftSByte:
			out[i] = uint64(int8(b[0]))
		case ftShort:
			out[i] = uint64(d.order.Uint16(b))
		case ftSShort:
			out[i] = uint64(int16(d.order.Uint16(b)))
		case ftLong:
			out[i] = uint64(d.order.Uint32(b))
		case ftSLong:
			out[i] = uint64(int32(d.order.Uint32(b)))
		case ftLong8, ftSLong8, ftIFD8:
			out[i] = d.order.Uint64(b)
		default:
			return nil, fmt.Errorf("tag %d has non-integer type %d", id, f.typ)
		}
	}
	return out, nil
}

func (d *directory) floats(id uint16) ([]float64, error) {
	f, err := d.load(id)
	if err != nil || f == nil {
		return nil, err
	}
	out := make([]float64, f.count)
	w := f.typ.size()
	for i := range out {
		b := f.raw[i*w : (i+1)*w]
		switch f.typ {
		case ftFloat:
			out[i] = float64(math.Float32frombits(d.order.Uint32(b)))
		case ftDouble:
			out[i] = math.Float64frombits(d.order.Uint64(b))
		case ftRational:
			num, den := d.order.Uint32(b[:4]), d.order.Uint32(b[4:])
			if den != 0 {
				out[i] = float64(num) / float64(den)
			}
		case ftSRational:
			num, den := int32(d.order.Uint32(b[:4])), int32(d.order.Uint32(b[4:]))
			if den != 0 {
				out[i] = float64(num) / float64(den)
			}
		default:
			ints, err := d.uints(id)
			if err != nil {
				return nil, err
			}
			for j, v := range ints {
				out[j] = float64(v)
			}
			return out, nil
		}
	}
	return out, nil
}

func (d *directory) text(id uint16) (string, error) {
	f, err := d.load(id)
	if err != nil || f == nil {
		return "", err
	}
	s := f.raw
	for len(s) > 0 && s[len(s)-1] == 0 {
		s = s[:len(s)-1]
	}
	return string(s), nil
}

func (d *directory) bytes(id uint16) ([]byte, error) {
	f, err := d.load(id)
	if err != nil || f == nil {
		return nil, err
	}
	return f.raw, nil
}

// readAtFull fills buf from off. An io.EOF that arrives together with a full
// buffer is not an error.
func readAtFull(r io.ReaderAt, buf []byte, off int64) error {
	n, err := r.ReadAt(buf, off)
	if n == len(buf) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return err
}
