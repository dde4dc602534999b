package raster

import (
	"fmt"
	"image"
	"math"
)

// Variant is the pixel layout of a decode result, fixed by how many bands
// were requested.
type Variant int

const (
	Gray Variant = iota + 1
	GrayAlpha
	RGB
	RGBA
)

func (v Variant) String() string {
	switch v {
	case Gray:
		return "gray"
	case GrayAlpha:
		return "gray+alpha"
	case RGB:
		return "rgb"
	case RGBA:
		return "rgba"
	default:
		return "unknown"
	}
}

// HasAlpha reports whether the decoded samples carry their own alpha band.
func (v Variant) HasAlpha() bool {
	return v == GrayAlpha || v == RGBA
}

// VariantOf returns the variant for a band count.
func VariantOf(bands int) (Variant, error) {
	switch bands {
	case 1:
		return Gray, nil
	case 2:
		return GrayAlpha, nil
	case 3:
		return RGB, nil
	case 4:
		return RGBA, nil
	}
	return 0, fmt.Errorf("unsupported band count %d: need 1, 2, 3 or 4", bands)
}

// NoData holds one sample value per selected band. A pixel whose samples
// all equal these values is transparent.
type NoData []float64

// Active reports whether the rule applies to a selection of n bands.
func (nd NoData) Active(n int) bool {
	return len(nd) > 0 && len(nd) == n
}

func (nd NoData) matches(px []float64) bool {
	for i, v := range nd {
		if px[i] != v && !(math.IsNaN(px[i]) && math.IsNaN(v)) {
			return false
		}
	}
	return true
}

// Composite turns row-major, pixel-interleaved samples into an 8-bit image.
// Gray and RGB results get an opaque alpha channel; GrayAlpha and RGBA keep
// the decoded alpha. Either way a pixel matching an active no-data rule is
// made fully transparent. Samples are compared before clamping.
func Composite(samples []float64, bands, width, height int, nodata NoData) (*image.NRGBA, error) {
	v, err := VariantOf(bands)
	if err != nil {
		return nil, err
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid image size %dx%d", width, height)
	}
	n := width * height
	if len(samples) < n*bands {
		return nil, fmt.Errorf("got %d samples, need %d for %dx%d pixels with %d bands", len(samples), n*bands, width, height, bands)
	}

	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	masked := nodata.Active(bands)
	for i := 0; i < n; i++ {
		px := samples[i*bands : (i+1)*bands]
		o := img.Pix[i*4 : i*4+4 : i*4+4]
		switch v {
		case Gray:
			g := clamp8(px[0])
			o[0], o[1], o[2], o[3] = g, g, g, 255
		case GrayAlpha:
			g := clamp8(px[0])
			o[0], o[1], o[2], o[3] = g, g, g, clamp8(px[1])
		case RGB:
			o[0], o[1], o[2], o[3] = clamp8(px[0]), clamp8(px[1]), clamp8(px[2]), 255
		case RGBA:
			o[0], o[1], o[2], o[3] = clamp8(px[0]), clamp8(px[1]), clamp8(px[2]), clamp8(px[3])
		}
		if masked && nodata.matches(px) {
			o[3] = 0
		}
	}
	return img, nil
}

// clamp8 converts a sample to a byte the way a clamped 8-bit array does:
// NaN becomes 0, values are clamped to [0, 255] and halves round to even.
func clamp8(v float64) uint8 {
	switch {
	case !(v > 0):
		return 0
	case v >= 255:
		return 255
	}
	return uint8(math.RoundToEven(v))
}
