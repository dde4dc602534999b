package cogoverlay_test

import (
	"bytes"
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/valyala/fasthttp"

	"github.com/tingold/cogoverlay"
	"github.com/tingold/cogoverlay/internal/cogtest"
)

func rgbValue(x, y, b int) float64 {
	return float64((x*7 + y*13 + b*31) % 251)
}

func readImage(t *testing.T, im cogtest.Image, opts ...cogoverlay.Option) *cogoverlay.COG {
	t.Helper()
	c, err := cogoverlay.Read(bytes.NewReader(im.Encode()), opts...)
	if err != nil {
		t.Fatalf("Failed to read COG: %v", err)
	}
	return c
}

func TestReadMetadata(t *testing.T) {
	c := readImage(t, cogtest.Image{
		Width: 40, Height: 30, Bands: 3,
		TileW: 16, TileH: 16,
		Origin:    [2]float64{100, 200},
		PixelSize: [2]float64{2, 2},
		EPSG:      3857,
		NoData:    "0",
	})

	want := orb.Bound{Min: orb.Point{100, 140}, Max: orb.Point{180, 200}}
	if c.Bounds() != want {
		t.Errorf("Expected bounds %v, got %v", want, c.Bounds())
	}
	if res := c.Resolution(); res != [2]float64{2, -2} {
		t.Errorf("Expected resolution [2 -2], got %v", res)
	}
	if c.CRS() != "EPSG:3857" {
		t.Errorf("Expected CRS EPSG:3857, got %q", c.CRS())
	}
	if c.Width() != 40 || c.Height() != 30 || c.BandCount() != 3 {
		t.Errorf("Expected 40x30x3, got %dx%dx%d", c.Width(), c.Height(), c.BandCount())
	}
	if c.SampleType() != cogoverlay.SampleUint8 {
		t.Errorf("Expected uint8 samples, got %s", c.SampleType())
	}
	if !c.Tiled() {
		t.Error("Expected a tiled image")
	}
	if w, h := c.BlockSize(); w != 16 || h != 16 {
		t.Errorf("Expected 16x16 blocks, got %dx%d", w, h)
	}
	if v, ok := c.NoData(); !ok || v != 0 {
		t.Errorf("Expected nodata 0, got %v (%v)", v, ok)
	}
	if c.OverviewCount() != 0 {
		t.Errorf("Expected no overviews, got %d", c.OverviewCount())
	}
}

func TestReadWindowNativeResolution(t *testing.T) {
	tests := []struct {
		name string
		im   cogtest.Image
	}{
		{
			name: "tiled uint8",
			im:   cogtest.Image{Width: 37, Height: 21, Bands: 3, TileW: 16, TileH: 16, Value: rgbValue},
		},
		{
			name: "stripped deflate",
			im: cogtest.Image{Width: 37, Height: 21, Bands: 3, RowsPerStrip: 5,
				Compression: cogtest.Deflate, Value: rgbValue},
		},
		{
			name: "packbits",
			im: cogtest.Image{Width: 37, Height: 21, Bands: 3, TileW: 16, TileH: 16,
				Compression: cogtest.PackBits, Value: rgbValue},
		},
		{
			name: "big endian uint16 with predictor",
			im: cogtest.Image{Width: 20, Height: 12, Bands: 1, Bits: 16, TileW: 16, TileH: 16,
				Compression: cogtest.Deflate, Predictor: 2, BigEndian: true,
				Value: func(x, y, b int) float64 { return float64(x*300 + y) }},
		},
		{
			name: "planar int16",
			im: cogtest.Image{Width: 20, Height: 12, Bands: 2, Bits: 16, Format: cogtest.Int,
				TileW: 16, TileH: 16, Planar: true,
				Value: func(x, y, b int) float64 { return float64(x - 3*y - 100*b) }},
		},
		{
			name: "float32 strips",
			im: cogtest.Image{Width: 9, Height: 7, Bands: 1, Bits: 32, Format: cogtest.Float,
				RowsPerStrip: 2, Compression: cogtest.Deflate,
				Value: func(x, y, b int) float64 { return float64(x)*0.5 - float64(y)*0.25 }},
		},
		{
			name: "float64",
			im: cogtest.Image{Width: 9, Height: 7, Bands: 1, Bits: 64, Format: cogtest.Float,
				TileW: 16, TileH: 16,
				Value: func(x, y, b int) float64 { return math.Pi * float64(x*y) }},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := readImage(t, tt.im, cogoverlay.WithWorkers(3))
			bands := make([]int, tt.im.Bands)
			for i := range bands {
				bands[i] = i
			}

			data, err := c.ReadWindow(context.Background(), c.Bounds(), bands, tt.im.Width, tt.im.Height)
			if err != nil {
				t.Fatalf("ReadWindow failed: %v", err)
			}
			if len(data) != tt.im.Width*tt.im.Height*len(bands) {
				t.Fatalf("Expected %d samples, got %d", tt.im.Width*tt.im.Height*len(bands), len(data))
			}
			for y := 0; y < tt.im.Height; y++ {
				for x := 0; x < tt.im.Width; x++ {
					for b := range bands {
						want := tt.im.Value(x, y, b)
						if tt.im.Format == cogtest.Float && tt.im.Bits == 32 {
							want = float64(float32(want))
						}
						got := data[(y*tt.im.Width+x)*len(bands)+b]
						if got != want {
							t.Fatalf("Pixel (%d,%d) band %d: expected %v, got %v", x, y, b, want, got)
						}
					}
				}
			}
		})
	}
}

func TestReadWindowResample(t *testing.T) {
	im := cogtest.Image{Width: 32, Height: 32, Bands: 3, TileW: 16, TileH: 16, Value: rgbValue}
	c := readImage(t, im)

	data, err := c.ReadWindow(context.Background(), c.Bounds(), []int{0}, 16, 16)
	if err != nil {
		t.Fatalf("ReadWindow failed: %v", err)
	}
	// Output pixel centers land on odd source pixels.
	for j := 0; j < 16; j++ {
		for i := 0; i < 16; i++ {
			want := rgbValue(2*i+1, 2*j+1, 0)
			if got := data[j*16+i]; got != want {
				t.Fatalf("Pixel (%d,%d): expected %v, got %v", i, j, want, got)
			}
		}
	}
}

func TestReadWindowSubset(t *testing.T) {
	im := cogtest.Image{
		Width: 40, Height: 40, Bands: 3, TileW: 16, TileH: 16,
		Origin: [2]float64{0, 40}, Value: rgbValue,
	}
	c := readImage(t, im)

	// World box [10,20]-[14,30] covers columns 10..13 and rows 10..19.
	box := orb.Bound{Min: orb.Point{10, 20}, Max: orb.Point{14, 30}}
	data, err := c.ReadWindow(context.Background(), box, []int{2, 0}, 4, 10)
	if err != nil {
		t.Fatalf("ReadWindow failed: %v", err)
	}
	for j := 0; j < 10; j++ {
		for i := 0; i < 4; i++ {
			at := (j*4 + i) * 2
			if got, want := data[at], rgbValue(10+i, 10+j, 2); got != want {
				t.Fatalf("Pixel (%d,%d) band 2: expected %v, got %v", i, j, want, got)
			}
			if got, want := data[at+1], rgbValue(10+i, 10+j, 0); got != want {
				t.Fatalf("Pixel (%d,%d) band 0: expected %v, got %v", i, j, want, got)
			}
		}
	}
}

func TestReadWindowFillValue(t *testing.T) {
	im := cogtest.Image{
		Width: 10, Height: 10, TileW: 16, TileH: 16,
		Origin: [2]float64{0, 10},
		Value: func(x, y, b int) float64 { return 7 },
	}
	c := readImage(t, im, cogoverlay.WithFillValue(-1))

	// Left half of the box is west of the raster.
	box := orb.Bound{Min: orb.Point{-10, 0}, Max: orb.Point{10, 10}}
	data, err := c.ReadWindow(context.Background(), box, []int{0}, 20, 10)
	if err != nil {
		t.Fatalf("ReadWindow failed: %v", err)
	}
	for i := 0; i < 20; i++ {
		want := 7.0
		if i < 10 {
			want = -1
		}
		if data[i] != want {
			t.Fatalf("Column %d: expected %v, got %v", i, want, data[i])
		}
	}

	filled := c.WithFill(42)
	data, err = filled.ReadWindow(context.Background(), box, []int{0}, 20, 10)
	if err != nil {
		t.Fatalf("ReadWindow failed: %v", err)
	}
	if data[0] != 42 {
		t.Errorf("Expected fill 42, got %v", data[0])
	}
}

func TestReadWindowSparseBlock(t *testing.T) {
	im := cogtest.Image{
		Width: 32, Height: 16, TileW: 16, TileH: 16,
		NoData: "-9999", Format: cogtest.Int, Bits: 16,
		Sparse: []int{1},
		Value:  func(x, y, b int) float64 { return 5 },
	}
	c := readImage(t, im)

	data, err := c.ReadWindow(context.Background(), c.Bounds(), []int{0}, 32, 16)
	if err != nil {
		t.Fatalf("ReadWindow failed: %v", err)
	}
	if data[0] != 5 {
		t.Errorf("Expected 5 in the stored block, got %v", data[0])
	}
	if data[31] != -9999 {
		t.Errorf("Expected nodata in the sparse block, got %v", data[31])
	}
}

func TestReadWindowErrors(t *testing.T) {
	c := readImage(t, cogtest.Image{Width: 8, Height: 8, Bands: 3, TileW: 16, TileH: 16})
	ctx := context.Background()

	if _, err := c.ReadWindow(ctx, c.Bounds(), []int{3}, 8, 8); err == nil {
		t.Error("Expected an error for a band out of range")
	}
	if _, err := c.ReadWindow(ctx, c.Bounds(), nil, 8, 8); err == nil {
		t.Error("Expected an error for an empty band selection")
	}
	if _, err := c.ReadWindow(ctx, c.Bounds(), []int{0}, 0, 8); err == nil {
		t.Error("Expected an error for a zero width")
	}

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := c.ReadWindow(canceled, c.Bounds(), []int{0}, 8, 8); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestOpenFile(t *testing.T) {
	path := cogtest.WriteFile(t, "rgb.tif", cogtest.Image{
		Width: 16, Height: 16, Bands: 3, TileW: 16, TileH: 16,
		Origin: [2]float64{10, 50}, PixelSize: [2]float64{0.5, 0.5},
		EPSG: 4326, Value: rgbValue,
	})

	c, err := cogoverlay.Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Failed to open COG: %v", err)
	}
	defer c.Close()

	if c.CRS() != "EPSG:4326" {
		t.Errorf("Expected EPSG:4326, got %q", c.CRS())
	}

	f := c.Feature()
	if f.Geometry == nil {
		t.Fatal("Expected a footprint geometry")
	}
	if got := f.Geometry.Bound(); got != c.Bounds() {
		t.Errorf("Expected footprint bound %v, got %v", c.Bounds(), got)
	}
	if f.Properties["bands"] != 3 {
		t.Errorf("Expected bands property 3, got %v", f.Properties["bands"])
	}

	if _, err := cogoverlay.Open(context.Background(), path+".missing"); err == nil {
		t.Error("Expected an error for a missing file")
	}
}

func TestFootprintUnknownCRS(t *testing.T) {
	c := readImage(t, cogtest.Image{Width: 4, Height: 4, EPSG: 32633})
	if _, ok := c.Footprint(); ok {
		t.Error("Expected no footprint for a UTM raster")
	}
	if f := c.Feature(); f.Geometry != nil {
		t.Errorf("Expected a null geometry, got %v", f.Geometry)
	}
}

func TestOpenURL(t *testing.T) {
	im := cogtest.Image{
		Width: 64, Height: 64, Bands: 3, TileW: 16, TileH: 16,
		Compression: cogtest.Deflate, EPSG: 3857, Value: rgbValue,
	}
	body := im.Encode()
	var ranges atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "" {
			ranges.Add(1)
		}
		http.ServeContent(w, r, "rgb.tif", time.Time{}, bytes.NewReader(body))
	}))
	defer srv.Close()

	c, err := cogoverlay.Open(context.Background(), srv.URL+"/rgb.tif",
		cogoverlay.WithHTTPClient(&fasthttp.Client{MaxConnsPerHost: 4}),
		cogoverlay.WithReadAhead(1024),
		cogoverlay.WithWorkers(1))
	if err != nil {
		t.Fatalf("Failed to open COG over HTTP: %v", err)
	}
	if c.Width() != 64 {
		t.Errorf("Expected width 64, got %d", c.Width())
	}

	data, err := c.ReadWindow(context.Background(), c.Bounds(), []int{0, 1, 2}, 64, 64)
	if err != nil {
		t.Fatalf("ReadWindow failed: %v", err)
	}
	if got, want := data[(5*64+9)*3+1], rgbValue(9, 5, 1); got != want {
		t.Errorf("Expected %v, got %v", want, got)
	}
	if ranges.Load() == 0 {
		t.Error("Expected range requests")
	}
}

func TestOpenURLNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	if _, err := cogoverlay.Open(context.Background(), srv.URL+"/missing.tif"); err == nil {
		t.Error("Expected an error for a missing object")
	}
}

func TestParseEPSGCode(t *testing.T) {
	code, err := cogoverlay.ParseEPSGCode(" epsg:3857 ")
	if err != nil || code != 3857 {
		t.Errorf("Expected 3857, got %d (%v)", code, err)
	}
	if _, err := cogoverlay.ParseEPSGCode("WGS84"); err == nil {
		t.Error("Expected an error for a non-EPSG CRS")
	}
}
