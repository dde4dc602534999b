package cogoverlay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/valyala/fasthttp"
)

// SampleType is the numeric type of one band sample.
type SampleType int

const (
	SampleUint8 SampleType = iota
	SampleInt8
	SampleUint16
	SampleInt16
	SampleUint32
	SampleInt32
	SampleFloat32
	SampleFloat64
)

func (t SampleType) String() string {
	switch t {
	case SampleUint8:
		return "uint8"
	case SampleInt8:
		return "int8"
	case SampleUint16:
		return "uint16"
	case SampleInt16:
		return "int16"
	case SampleUint32:
		return "uint32"
	case SampleInt32:
		return "int32"
	case SampleFloat32:
		return "float32"
	case SampleFloat64:
		return "float64"
	default:
		return "unknown"
	}
}

// Size returns the number of bytes used by one sample.
func (t SampleType) Size() int {
	switch t {
	case SampleUint8, SampleInt8:
		return 1
	case SampleUint16, SampleInt16:
		return 2
	case SampleUint32, SampleInt32, SampleFloat32:
		return 4
	case SampleFloat64:
		return 8
	default:
		return 0
	}
}

func sampleTypeOf(bits, format uint64) (SampleType, error) {
	switch {
	case format == 3 && bits == 32:
		return SampleFloat32, nil
	case format == 3 && bits == 64:
		return SampleFloat64, nil
	case format == 2 && bits == 8:
		return SampleInt8, nil
	case format == 2 && bits == 16:
		return SampleInt16, nil
	case format == 2 && bits == 32:
		return SampleInt32, nil
	case (format == 1 || format == 4) && bits == 8:
		return SampleUint8, nil
	case (format == 1 || format == 4) && bits == 16:
		return SampleUint16, nil
	case (format == 1 || format == 4) && bits == 32:
		return SampleUint32, nil
	}
	return 0, fmt.Errorf("unsupported sample layout: %d bits, format %d", bits, format)
}

// COG is an opened Cloud Optimized GeoTIFF. Only metadata is read when the
// COG is opened; pixel blocks are fetched by ReadWindow on demand.
//
// A COG is safe for concurrent use as long as its underlying reader is.
type COG struct {
	r      io.ReaderAt
	closer io.Closer
	file   *tiffFile
	geo    *georef
	logger *slog.Logger

	width, height int
	spp           int
	sampleType    SampleType
	compression   uint64
	predictor     uint64
	photometric   uint64
	planar        bool
	tiled         bool
	jpegTables    []byte

	blockW, blockH int
	across, down   int
	offsets        []uint64
	counts         []uint64

	nodata    float64
	hasNoData bool
	overviews int

	fill    float64
	workers int
}

type options struct {
	client    *fasthttp.Client
	readAhead int
	workers   int
	fill      float64
	logger    *slog.Logger
}

// Option configures Open and Read.
type Option func(*options)

// WithHTTPClient sets the fasthttp client used for http(s) sources.
func WithHTTPClient(client *fasthttp.Client) Option {
	return func(o *options) { o.client = client }
}

// WithReadAhead sets the read-ahead size of the HTTP range reader.
func WithReadAhead(size int) Option {
	return func(o *options) { o.readAhead = size }
}

// WithWorkers bounds how many blocks ReadWindow decodes in parallel. A
// non-positive n keeps the default of GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithFillValue sets the sample value reported for pixels outside the raster.
func WithFillValue(v float64) Option {
	return func(o *options) { o.fill = v }
}

// WithLogger sets the logger used by the decoder.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func newOptions(opts []Option) options {
	o := options{workers: runtime.GOMAXPROCS(0)}
	for _, opt := range opts {
		opt(&o)
	}
	if o.workers <= 0 {
		o.workers = 1
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// IsURL reports whether a source string names an http(s) resource.
func IsURL(pathOrURL string) bool {
	return strings.HasPrefix(pathOrURL, "http://") || strings.HasPrefix(pathOrURL, "https://")
}

// Open opens a COG from a file path or an http(s) URL and reads its metadata.
// URLs are read with HTTP range requests.
func Open(ctx context.Context, pathOrURL string, opts ...Option) (*COG, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o := newOptions(opts)

	if IsURL(pathOrURL) {
		client := o.client
		if client == nil {
			client = &fasthttp.Client{
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 30 * time.Second,
			}
		}
		rr, err := NewHTTPRangeReader(ctx, pathOrURL, client, o.readAhead)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", pathOrURL, err)
		}
		c, err := read(rr, o)
		if err != nil {
			return nil, fmt.Errorf("failed to validate COG: %w", err)
		}
		o.logger.Debug("opened remote COG", "url", pathOrURL, "size", rr.Size(), "width", c.width, "height", c.height)
		return c, nil
	}

	file, err := os.Open(pathOrURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	c, err := read(file, o)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to validate COG: %w", err)
	}
	c.closer = file
	return c, nil
}

// Read reads COG metadata from r.
func Read(r io.ReaderAt, opts ...Option) (*COG, error) {
	return read(r, newOptions(opts))
}

func read(r io.ReaderAt, o options) (*COG, error) {
	tf, err := readTIFF(r)
	if err != nil {
		return nil, fmt.Errorf("failed to create TIFF reader: %w", err)
	}
	c := &COG{
		r:       r,
		file:    tf,
		logger:  o.logger,
		fill:    o.fill,
		workers: o.workers,
	}
	if err := c.readMetadata(tf.dirs[0]); err != nil {
		return nil, err
	}
	for _, d := range tf.dirs[1:] {
		kind, err := d.scalar(tagNewSubfileType, 0)
		if err != nil {
			return nil, err
		}
		if kind&1 != 0 && kind&4 == 0 {
			c.overviews++
		}
	}

	c.logger.Debug("opened COG",
		"width", c.width,
		"height", c.height,
		"bands", c.spp,
		"type", c.sampleType.String(),
		"compression", c.compression,
		"tiled", c.tiled,
		"crs", c.CRS())
	return c, nil
}

func (c *COG) readMetadata(d *directory) error {
	w, err := d.scalar(tagImageWidth, 0)
	if err != nil {
		return err
	}
	h, err := d.scalar(tagImageLength, 0)
	if err != nil {
		return err
	}
	if w == 0 || h == 0 {
		return fmt.Errorf("invalid image size %dx%d", w, h)
	}
	c.width, c.height = int(w), int(h)

	spp, err := d.scalar(tagSamplesPerPixel, 1)
	if err != nil {
		return err
	}
	if spp == 0 {
		return fmt.Errorf("invalid SamplesPerPixel 0")
	}
	c.spp = int(spp)

	bits, err := d.uints(tagBitsPerSample)
	if err != nil {
		return err
	}
	if len(bits) == 0 {
		bits = []uint64{1}
	}
	for _, b := range bits[1:] {
		if b != bits[0] {
			return fmt.Errorf("mixed BitsPerSample %v not supported", bits)
		}
	}
	format, err := d.scalar(tagSampleFormat, 1)
	if err != nil {
		return err
	}
	if c.sampleType, err = sampleTypeOf(bits[0], format); err != nil {
		return err
	}

	if c.compression, err = d.scalar(tagCompression, CompressionNone); err != nil {
		return err
	}
	switch c.compression {
	case CompressionNone, CompressionLZW, CompressionDeflate, CompressionDeflateAdob, CompressionPackBits:
	case CompressionJPEG:
		if c.sampleType != SampleUint8 {
			return fmt.Errorf("JPEG compression requires 8-bit samples")
		}
		if c.jpegTables, err = d.bytes(tagJPEGTables); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported compression type: %d", c.compression)
	}
	if c.predictor, err = d.scalar(tagPredictor, 1); err != nil {
		return err
	}
	if c.predictor > 3 {
		return fmt.Errorf("unsupported predictor: %d", c.predictor)
	}
	if c.photometric, err = d.scalar(tagPhotometric, 1); err != nil {
		return err
	}
	planar, err := d.scalar(tagPlanarConfig, 1)
	if err != nil {
		return err
	}
	c.planar = planar == 2 && c.spp > 1

	if err := c.readLayout(d); err != nil {
		return err
	}

	if c.geo, err = readGeoref(d); err != nil {
		return err
	}

	nodata, err := d.text(tagGDALNoData)
	if err != nil {
		return err
	}
	if s := strings.TrimSpace(nodata); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			c.logger.Warn("ignoring unparsable GDAL_NODATA", "value", s)
		} else {
			c.nodata, c.hasNoData = v, true
		}
	}
	return nil
}

// readLayout describes the image as a grid of blocks. Strips are blocks that
// span the full image width.
func (c *COG) readLayout(d *directory) error {
	c.tiled = d.has(tagTileWidth) && d.has(tagTileOffsets)
	if c.tiled {
		tw, err := d.scalar(tagTileWidth, 0)
		if err != nil {
			return err
		}
		th, err := d.scalar(tagTileLength, 0)
		if err != nil {
			return err
		}
		if tw == 0 || th == 0 {
			return fmt.Errorf("invalid tile size %dx%d", tw, th)
		}
		c.blockW, c.blockH = int(tw), int(th)
		if c.offsets, err = d.uints(tagTileOffsets); err != nil {
			return err
		}
		if c.counts, err = d.uints(tagTileByteCounts); err != nil {
			return err
		}
	} else {
		if !d.has(tagStripOffsets) {
			return fmt.Errorf("image is neither tiled nor stripped")
		}
		rps, err := d.scalar(tagRowsPerStrip, uint64(c.height))
		if err != nil {
			return err
		}
		if rps == 0 || rps > uint64(c.height) {
			rps = uint64(c.height)
		}
		c.blockW, c.blockH = c.width, int(rps)
		if c.offsets, err = d.uints(tagStripOffsets); err != nil {
			return err
		}
		if c.counts, err = d.uints(tagStripByteCounts); err != nil {
			return err
		}
	}

	c.across = (c.width + c.blockW - 1) / c.blockW
	c.down = (c.height + c.blockH - 1) / c.blockH
	want := c.across * c.down
	if c.planar {
		want *= c.spp
	}
	if len(c.offsets) < want || len(c.counts) < want {
		return fmt.Errorf("expected %d block offsets, found %d offsets and %d byte counts", want, len(c.offsets), len(c.counts))
	}
	return nil
}

// Close releases the underlying file, if Open created one.
func (c *COG) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

// WithFill returns a view of c that reports v for pixels outside the raster.
// Both values share the same reader.
func (c *COG) WithFill(v float64) *COG {
	cp := *c
	cp.fill = v
	return &cp
}

// Bounds returns the raster extent in its native CRS.
func (c *COG) Bounds() orb.Bound {
	return c.geo.bounds(c.width, c.height)
}

// Resolution returns the signed world size of one pixel. North-up rasters
// report a negative Y component.
func (c *COG) Resolution() [2]float64 {
	return c.geo.resolution()
}

// EPSG returns the EPSG code of the raster CRS, or 0 when it is unknown.
func (c *COG) EPSG() int {
	return c.geo.epsg
}

// CRS returns the raster CRS as "EPSG:<code>", or "" when it is unknown.
func (c *COG) CRS() string {
	return CRSName(c.geo.epsg)
}

// Width returns the full resolution image width in pixels.
func (c *COG) Width() int {
	return c.width
}

// Height returns the full resolution image height in pixels.
func (c *COG) Height() int {
	return c.height
}

// BandCount returns the number of samples per pixel.
func (c *COG) BandCount() int {
	return c.spp
}

// SampleType returns the numeric type of the band samples.
func (c *COG) SampleType() SampleType {
	return c.sampleType
}

// Compression returns the TIFF compression code of the image.
func (c *COG) Compression() int {
	return int(c.compression)
}

// Tiled reports whether the image is organized in tiles rather than strips.
func (c *COG) Tiled() bool {
	return c.tiled
}

// BlockSize returns the tile size, or the strip size for stripped images.
func (c *COG) BlockSize() (int, int) {
	return c.blockW, c.blockH
}

// OverviewCount returns the number of reduced resolution images in the file.
// ReadWindow always reads the full resolution image.
func (c *COG) OverviewCount() int {
	return c.overviews
}

// NoData returns the GDAL_NODATA value of the file, if any.
func (c *COG) NoData() (float64, bool) {
	return c.nodata, c.hasNoData
}

// PixelToWorld converts a pixel position (column, row) to world coordinates.
func (c *COG) PixelToWorld(col, row float64) orb.Point {
	x, y := c.geo.toWorld.apply(col, row)
	return orb.Point{x, y}
}

// WorldToPixel converts a world position to a fractional pixel position.
func (c *COG) WorldToPixel(p orb.Point) (float64, float64) {
	return c.geo.toPixel.apply(p[0], p[1])
}

// sparseValue is reported for blocks the file does not store.
func (c *COG) sparseValue() float64 {
	if c.hasNoData {
		return c.nodata
	}
	return 0
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
