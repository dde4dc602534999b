package cogoverlay

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

// GeoTIFF tag IDs
const (
	TagModelPixelScale     = 33550
	TagModelTiepoint       = 33922
	TagModelTransformation = 34264
	TagGeoKeyDirectory     = 34735
	TagGeoDoubleParams     = 34736
	TagGeoAsciiParams      = 34737
)

// GeoKeys consulted when naming the CRS
const (
	GTModelTypeGeoKey     = 1024
	GTRasterTypeGeoKey    = 1025
	GeographicTypeGeoKey  = 2048
	ProjectedCSTypeGeoKey = 3072

	userDefinedCode = 32767
)

// affine maps pixel (column, row) to world (x, y):
//
//	x = a*col + b*row + c
//	y = d*col + e*row + f
type affine struct {
	a, b, c float64
	d, e, f float64
}

func (t affine) apply(col, row float64) (float64, float64) {
	return t.a*col + t.b*row + t.c, t.d*col + t.e*row + t.f
}

func (t affine) invert() (affine, error) {
	det := t.a*t.e - t.b*t.d
	if det == 0 {
		return affine{}, fmt.Errorf("degenerate geotransform")
	}
	return affine{
		a: t.e / det,
		b: -t.b / det,
		c: (t.b*t.f - t.e*t.c) / det,
		d: -t.d / det,
		e: t.a / det,
		f: (t.d*t.c - t.a*t.f) / det,
	}, nil
}

// georef is the georeferencing of one image: its geotransform and the EPSG
// code found in the GeoKey directory (0 when unknown).
type georef struct {
	toWorld affine
	toPixel affine
	epsg    int
	keys    map[uint16]uint16
}

func readGeoref(d *directory) (*georef, error) {
	g := &georef{keys: make(map[uint16]uint16)}

	transform, err := d.floats(TagModelTransformation)
	if err != nil {
		return nil, err
	}
	scale, err := d.floats(TagModelPixelScale)
	if err != nil {
		return nil, err
	}
	ties, err := d.floats(TagModelTiepoint)
	if err != nil {
		return nil, err
	}

	switch {
	case len(transform) >= 16:
		g.toWorld = affine{
			a: transform[0], b: transform[1], c: transform[3],
			d: transform[4], e: transform[5], f: transform[7],
		}
	case len(scale) >= 2 && len(ties) >= 6:
		// The tiepoint pins raster (I, J) to model (X, Y); rows grow southwards.
		i, j, x, y := ties[0], ties[1], ties[3], ties[4]
		g.toWorld = affine{
			a: scale[0], c: x - i*scale[0],
			e: -scale[1], f: y + j*scale[1],
		}
	default:
		return nil, fmt.Errorf("image is not georeferenced: need ModelTransformation or ModelPixelScale+ModelTiepoint")
	}

	if g.toPixel, err = g.toWorld.invert(); err != nil {
		return nil, err
	}

	dir, err := d.uints(TagGeoKeyDirectory)
	if err != nil {
		return nil, fmt.Errorf("failed to read GeoKeys: %w", err)
	}
	// Header is version, revision, minor, key count; then 4 SHORTs per key.
	// Only keys stored inline (location 0) carry codes we care about.
	if len(dir) >= 4 {
		n := int(dir[3])
		for k := 0; k < n && 4+k*4+3 < len(dir); k++ {
			e := dir[4+k*4 : 8+k*4]
			if e[1] == 0 {
				g.keys[uint16(e[0])] = uint16(e[3])
			}
		}
	}
	if code := g.keys[ProjectedCSTypeGeoKey]; code != 0 && code != userDefinedCode {
		g.epsg = int(code)
	} else if code := g.keys[GeographicTypeGeoKey]; code != 0 && code != userDefinedCode {
		g.epsg = int(code)
	}
	return g, nil
}

// bounds is the axis aligned world extent of a width x height pixel grid.
func (g *georef) bounds(width, height int) orb.Bound {
	w, h := float64(width), float64(height)
	b := orb.Bound{Min: orb.Point{math.Inf(1), math.Inf(1)}, Max: orb.Point{math.Inf(-1), math.Inf(-1)}}
	for _, c := range [4][2]float64{{0, 0}, {w, 0}, {0, h}, {w, h}} {
		x, y := g.toWorld.apply(c[0], c[1])
		b = b.Extend(orb.Point{x, y})
	}
	return b
}

// resolution is the signed world size of one pixel along each axis.
func (g *georef) resolution() [2]float64 {
	return [2]float64{g.toWorld.a, g.toWorld.e}
}

// CRSName formats an EPSG code the way COG.CRS reports it.
func CRSName(epsg int) string {
	if epsg == 0 {
		return ""
	}
	return "EPSG:" + strconv.Itoa(epsg)
}

// ParseEPSGCode extracts the EPSG code from a CRS string such as "EPSG:3857".
func ParseEPSGCode(crs string) (int, error) {
	code, ok := strings.CutPrefix(strings.ToUpper(strings.TrimSpace(crs)), "EPSG:")
	if !ok {
		return 0, fmt.Errorf("invalid CRS format: %s", crs)
	}
	return strconv.Atoi(code)
}
