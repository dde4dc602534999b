package cogoverlay

import (
	"bytes"
	"compress/flate"
	"compress/zlib"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"math"

	"github.com/paulmach/orb"
	"golang.org/x/image/tiff/lzw"
	"golang.org/x/sync/errgroup"
)

// pixelRef ties one output pixel to the position inside its source block
// that it samples.
type pixelRef struct {
	out  int
	x, y int32
}

// ReadWindow samples the full resolution image over box, a rectangle in the
// raster CRS, at width x height output pixels. Each output pixel takes the
// nearest source pixel under its center.
//
// The result is row-major and pixel-interleaved: the value of band k (an
// index into bands) at output pixel (i, j) is at (j*width+i)*len(bands)+k.
// Row 0 is the northern edge of box. Pixels that fall outside the raster
// report the fill value.
func (c *COG) ReadWindow(ctx context.Context, box orb.Bound, bands []int, width, height int) ([]float64, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid output size %dx%d", width, height)
	}
	if len(bands) == 0 {
		return nil, errors.New("no bands selected")
	}
	for _, b := range bands {
		if b < 0 || b >= c.spp {
			return nil, fmt.Errorf("band %d out of range [0, %d)", b, c.spp)
		}
	}
	if !isFinite(box.Min[0]) || !isFinite(box.Min[1]) || !isFinite(box.Max[0]) || !isFinite(box.Max[1]) {
		return nil, fmt.Errorf("invalid window %v", box)
	}

	nb := len(bands)
	out := make([]float64, width*height*nb)
	for i := range out {
		out[i] = c.fill
	}

	dx := (box.Max[0] - box.Min[0]) / float64(width)
	dy := (box.Max[1] - box.Min[1]) / float64(height)

	groups := make(map[int][]pixelRef)
	for j := 0; j < height; j++ {
		y := box.Max[1] - (float64(j)+0.5)*dy
		for i := 0; i < width; i++ {
			x := box.Min[0] + (float64(i)+0.5)*dx
			col, row := c.geo.toPixel.apply(x, y)
			if col < 0 || row < 0 || col >= float64(c.width) || row >= float64(c.height) {
				continue
			}
			ci, ri := int(col), int(row)
			blk := (ri/c.blockH)*c.across + ci/c.blockW
			groups[blk] = append(groups[blk], pixelRef{
				out: j*width + i,
				x:   int32(ci % c.blockW),
				y:   int32(ri % c.blockH),
			})
		}
	}

	// Each output pixel belongs to exactly one block, so workers never write
	// the same elements of out.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for blk, refs := range groups {
		blk, refs := blk, refs
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return c.sampleBlock(gctx, blk, refs, bands, out)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *COG) sampleBlock(ctx context.Context, blk int, refs []pixelRef, bands []int, out []float64) error {
	nb := len(bands)

	if c.planar {
		perPlane := c.across * c.down
		for k, band := range bands {
			data, order, release, err := c.readBlock(ctx, band*perPlane+blk, blk, 1)
			if err != nil {
				return err
			}
			for _, p := range refs {
				v := c.sparseValue()
				if data != nil {
					v = c.sample(data, order, int(p.y)*c.blockW+int(p.x))
				}
				out[p.out*nb+k] = v
			}
			release()
		}
		return nil
	}

	data, order, release, err := c.readBlock(ctx, blk, blk, c.spp)
	if err != nil {
		return err
	}
	defer release()
	for _, p := range refs {
		base := (int(p.y)*c.blockW + int(p.x)) * c.spp
		for k, band := range bands {
			v := c.sparseValue()
			if data != nil {
				v = c.sample(data, order, base+band)
			}
			out[p.out*nb+k] = v
		}
	}
	return nil
}

// readBlock fetches and decodes block idx. pos is the block position in the
// grid, which differs from idx for planar images. A nil slice means the
// block is not stored in the file. release returns pooled memory and must
// be called once the data is no longer used.
func (c *COG) readBlock(ctx context.Context, idx, pos, spp int) (data []byte, order binary.ByteOrder, release func(), err error) {
	release = func() {}
	if err := ctx.Err(); err != nil {
		return nil, nil, release, err
	}
	off, n := c.offsets[idx], c.counts[idx]
	if n == 0 || off == 0 {
		return nil, nil, release, nil
	}

	raw := GetBuffer(int(n))
	release = func() { PutBuffer(raw) }
	if err := readAtFull(c.r, raw, int64(off)); err != nil {
		release()
		return nil, nil, func() {}, fmt.Errorf("failed to read block %d: %w", idx, err)
	}

	rows := c.blockH
	if !c.tiled {
		rows = min(c.blockH, c.height-(pos/c.across)*c.blockH)
	}
	data, err = c.decompress(raw, c.blockW, rows, spp)
	if err != nil {
		release()
		return nil, nil, func() {}, fmt.Errorf("block %d: %w", idx, err)
	}
	data, order, err = c.unpredict(data, c.blockW, rows, spp)
	if err != nil {
		release()
		return nil, nil, func() {}, fmt.Errorf("block %d: %w", idx, err)
	}
	return data, order, release, nil
}

// decompress returns at least width*rows*spp samples of decoded block data.
func (c *COG) decompress(raw []byte, width, rows, spp int) ([]byte, error) {
	need := width * rows * spp * c.sampleType.Size()

	switch c.compression {
	case CompressionNone:
		if len(raw) < need {
			return nil, fmt.Errorf("uncompressed block has %d bytes, expected %d", len(raw), need)
		}
		return raw, nil

	case CompressionLZW:
		rd := lzw.NewReader(bytes.NewReader(raw), lzw.MSB, 8)
		defer rd.Close()
		return readDecoded(rd, need, "LZW")

	case CompressionDeflate, CompressionDeflateAdob:
		rd, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			// Some writers omit the zlib wrapper.
			fr := flate.NewReader(bytes.NewReader(raw))
			defer fr.Close()
			return readDecoded(fr, need, "Deflate")
		}
		defer rd.Close()
		return readDecoded(rd, need, "Deflate")

	case CompressionPackBits:
		out, err := unpackBits(raw, need)
		if err != nil {
			return nil, err
		}
		return out, nil

	case CompressionJPEG:
		return c.decodeJPEG(raw, width, rows, spp)

	default:
		return nil, fmt.Errorf("unsupported compression type: %d", c.compression)
	}
}

func readDecoded(r io.Reader, need int, name string) ([]byte, error) {
	out := make([]byte, need)
	n, err := io.ReadFull(r, out)
	if err != nil && n < need {
		return nil, fmt.Errorf("failed to decompress %s block (got %d bytes, expected %d): %w", name, n, need, err)
	}
	return out, nil
}

// unpackBits decodes Apple PackBits run-length data.
func unpackBits(src []byte, need int) ([]byte, error) {
	out := make([]byte, 0, need)
	for i := 0; i < len(src) && len(out) < need; {
		n := int(int8(src[i]))
		i++
		switch {
		case n >= 0:
			end := i + n + 1
			if end > len(src) {
				return nil, errors.New("truncated PackBits literal run")
			}
			out = append(out, src[i:end]...)
			i = end
		case n != -128:
			if i >= len(src) {
				return nil, errors.New("truncated PackBits repeat run")
			}
			for k := 0; k < 1-n; k++ {
				out = append(out, src[i])
			}
			i++
		}
	}
	if len(out) < need {
		return nil, fmt.Errorf("PackBits block decoded to %d bytes, expected %d", len(out), need)
	}
	return out[:need], nil
}

func (c *COG) decodeJPEG(raw []byte, width, rows, spp int) ([]byte, error) {
	src := raw
	if len(c.jpegTables) > 4 && len(raw) > 2 {
		// JPEGTables is a complete SOI..EOI stream; splice its tables in front
		// of the block's own segments.
		buf := GetBytesBuffer()
		defer PutBytesBuffer(buf)
		buf.Write(c.jpegTables[:len(c.jpegTables)-2])
		buf.Write(raw[2:])
		src = buf.Bytes()
	}

	img, err := jpeg.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("failed to decode JPEG block: %w", err)
	}

	out := make([]byte, width*rows*spp)
	b := img.Bounds()
	h, w := min(rows, b.Dy()), min(width, b.Dx())
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			o := (y*width + x) * spp
			if g, ok := img.(*image.Gray); ok {
				v := g.GrayAt(b.Min.X+x, b.Min.Y+y).Y
				for s := 0; s < spp; s++ {
					out[o+s] = v
				}
				continue
			}
			r, gg, bb, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			px := [3]byte{uint8(r >> 8), uint8(gg >> 8), uint8(bb >> 8)}
			for s := 0; s < spp && s < 3; s++ {
				out[o+s] = px[s]
			}
			if spp == 1 {
				out[o] = uint8((19595*r + 38470*gg + 7471*bb + 1<<15) >> 24)
			}
		}
	}
	return out, nil
}

// unpredict reverses the TIFF predictor. Floating point prediction stores
// bytes most significant first, so its output is big endian whatever the
// file order.
func (c *COG) unpredict(data []byte, width, rows, spp int) ([]byte, binary.ByteOrder, error) {
	order := c.file.order
	size := c.sampleType.Size()
	rowLen := width * spp * size

	switch c.predictor {
	case 1:
		return data, order, nil

	case 2:
		for r := 0; r < rows; r++ {
			row := data[r*rowLen : (r+1)*rowLen]
			for i := spp; i < width*spp; i++ {
				at, prev := row[i*size:(i+1)*size], row[(i-spp)*size:(i-spp+1)*size]
				switch size {
				case 1:
					at[0] += prev[0]
				case 2:
					order.PutUint16(at, order.Uint16(at)+order.Uint16(prev))
				case 4:
					order.PutUint32(at, order.Uint32(at)+order.Uint32(prev))
				case 8:
					order.PutUint64(at, order.Uint64(at)+order.Uint64(prev))
				}
			}
		}
		return data, order, nil

	case 3:
		if c.sampleType != SampleFloat32 && c.sampleType != SampleFloat64 {
			return nil, nil, fmt.Errorf("floating point predictor on %s samples", c.sampleType)
		}
		out := make([]byte, rows*rowLen)
		n := width * spp
		for r := 0; r < rows; r++ {
			row := data[r*rowLen : (r+1)*rowLen]
			for i := spp; i < rowLen; i++ {
				row[i] += row[i-spp]
			}
			dst := out[r*rowLen : (r+1)*rowLen]
			for k := 0; k < n; k++ {
				for b := 0; b < size; b++ {
					dst[k*size+b] = row[b*n+k]
				}
			}
		}
		return out, binary.BigEndian, nil
	}
	return nil, nil, fmt.Errorf("unsupported predictor: %d", c.predictor)
}

// sample decodes the idx-th sample of a decoded block.
func (c *COG) sample(data []byte, order binary.ByteOrder, idx int) float64 {
	size := c.sampleType.Size()
	at := idx * size
	if at+size > len(data) {
		return c.sparseValue()
	}
	b := data[at : at+size]
	switch c.sampleType {
	case SampleUint8:
		return float64(b[0])
	case SampleInt8:
		return float64(int8(b[0]))
	case SampleUint16:
		return float64(order.Uint16(b))
	case SampleInt16:
		return float64(int16(order.Uint16(b)))
	case SampleUint32:
		return float64(order.Uint32(b))
	case SampleInt32:
		return float64(int32(order.Uint32(b)))
	case SampleFloat32:
		return float64(math.Float32frombits(order.Uint32(b)))
	case SampleFloat64:
		return math.Float64frombits(order.Uint64(b))
	}
	return 0
}
