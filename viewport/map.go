// Package viewport models a Web Mercator slippy map view: a center, a
// zoom level and a size in pixels.
package viewport

import (
	"errors"
	"fmt"
	"image"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/paulmach/orb/project"
)

// TileSize is the pixel size of one map tile at an integer zoom.
const TileSize = 256

// Supported CRS codes for bounding boxes.
const (
	EPSG4326 = 4326
	EPSG3857 = 3857
)

// ErrUnsupportedCRS is returned for rasters that cannot be placed on a
// web map.
var ErrUnsupportedCRS = errors.New("CRS cannot be shown on a web map")

// CRSFor returns the map CRS that shows a raster in epsg without
// reprojection.
func CRSFor(epsg int) (int, error) {
	switch epsg {
	case EPSG4326:
		return EPSG4326, nil
	case EPSG3857, 900913:
		return EPSG3857, nil
	}
	return 0, fmt.Errorf("%w: EPSG:%d", ErrUnsupportedCRS, epsg)
}

const (
	earthRadius = 6378137.0
	originShift = math.Pi * earthRadius
	maxLatitude = 85.0511287798
)

// Map is a map view. Bounding boxes are reported in the CRS the map was
// created for, which must match the rasters drawn on it.
//
// Listeners registered with OnMoveOrResize run synchronously, in
// registration order, on the goroutine that changed the view.
type Map struct {
	mu     sync.Mutex
	center orb.Point
	zoom   float64
	size   image.Point
	crs    int
	pan    image.Point

	listeners map[int]func()
	order     []int
	nextID    int
}

// New returns a view centered on center (longitude, latitude).
func New(center orb.Point, zoom float64, size image.Point, crs int) (*Map, error) {
	if crs != EPSG4326 && crs != EPSG3857 {
		return nil, fmt.Errorf("unsupported map CRS EPSG:%d", crs)
	}
	return &Map{
		center:    clampLatLng(center),
		zoom:      zoom,
		size:      size,
		crs:       crs,
		listeners: make(map[int]func()),
	}, nil
}

// ForTile returns a view that exactly covers tile t at size x size pixels.
func ForTile(t maptile.Tile, size int, crs int) (*Map, error) {
	if size <= 0 {
		size = TileSize
	}
	zoom := float64(t.Z) + math.Log2(float64(size)/TileSize)
	return New(t.Center(), zoom, image.Pt(size, size), crs)
}

// ForBound returns a view whose visible area is box, given in crs.
func ForBound(box orb.Bound, size image.Point, crs int) (*Map, error) {
	if size.X <= 0 || size.Y <= 0 {
		return nil, fmt.Errorf("invalid view size %v", size)
	}
	merc := box
	if crs == EPSG4326 {
		merc = orb.Bound{
			Min: project.WGS84.ToMercator(box.Min),
			Max: project.WGS84.ToMercator(box.Max),
		}
	}
	w, h := merc.Max[0]-merc.Min[0], merc.Max[1]-merc.Min[1]
	if !(w > 0) || !(h > 0) {
		return nil, fmt.Errorf("empty view box %v", box)
	}
	// Fit the wider of the two extents.
	res := math.Max(w/float64(size.X), h/float64(size.Y))
	zoom := math.Log2(2 * originShift / (TileSize * res))
	center := project.Mercator.ToWGS84(merc.Center())
	return New(center, zoom, size, crs)
}

// ForLngLatBound returns a view in crs whose visible area is box, given in
// longitude and latitude.
func ForLngLatBound(box orb.Bound, size image.Point, crs int) (*Map, error) {
	if crs == EPSG3857 {
		box = orb.Bound{Min: project.WGS84.ToMercator(box.Min), Max: project.WGS84.ToMercator(box.Max)}
	}
	return ForBound(box, size, crs)
}

// ParseBBox reads "minX,minY,maxX,maxY".
func ParseBBox(s string) (orb.Bound, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return orb.Bound{}, fmt.Errorf("bbox must be in format 'minX,minY,maxX,maxY', got %q", s)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return orb.Bound{}, fmt.Errorf("invalid bbox value %q: %w", p, err)
		}
		v[i] = f
	}
	if !(v[0] < v[2]) || !(v[1] < v[3]) {
		return orb.Bound{}, fmt.Errorf("empty bbox %q", s)
	}
	return orb.Bound{Min: orb.Point{v[0], v[1]}, Max: orb.Point{v[2], v[3]}}, nil
}

// SetView moves the view and notifies listeners.
func (m *Map) SetView(center orb.Point, zoom float64) {
	m.mu.Lock()
	m.center = clampLatLng(center)
	m.zoom = zoom
	m.pan = image.Point{}
	m.mu.Unlock()
	m.fire()
}

// Pan shifts the view by d pixels and notifies listeners.
func (m *Map) Pan(d image.Point) {
	m.mu.Lock()
	x, y := m.worldPixel(m.center)
	m.center = m.lngLat(x+float64(d.X), y+float64(d.Y))
	m.pan = m.pan.Add(d)
	m.mu.Unlock()
	m.fire()
}

// Resize changes the view size and notifies listeners.
func (m *Map) Resize(size image.Point) {
	m.mu.Lock()
	m.size = size
	m.mu.Unlock()
	m.fire()
}

// OnMoveOrResize registers fn to run after every view change. The returned
// function removes it.
func (m *Map) OnMoveOrResize(fn func()) (remove func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.order = append(m.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.listeners, id)
			for i, v := range m.order {
				if v == id {
					m.order = append(m.order[:i], m.order[i+1:]...)
					break
				}
			}
		})
	}
}

func (m *Map) fire() {
	m.mu.Lock()
	fns := make([]func(), 0, len(m.order))
	for _, id := range m.order {
		fns = append(fns, m.listeners[id])
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Center returns the view center as (longitude, latitude).
func (m *Map) Center() orb.Point {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.center
}

func (m *Map) Zoom() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.zoom
}

// PixelSize returns the view size in pixels.
func (m *Map) PixelSize() image.Point {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size
}

// CRS returns the EPSG code bounding boxes are reported in.
func (m *Map) CRS() int {
	return m.crs
}

// TopLeft returns the position of the view's top-left corner relative to
// where it was when the view was last set, in pixels.
func (m *Map) TopLeft() image.Point {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pan
}

// LngLatBounds returns the visible area in longitude and latitude.
func (m *Map) LngLatBounds() orb.Bound {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bounds(func(p orb.Point) orb.Point { return p })
}

// BoundingBox returns the visible area in the map CRS. It is the extent of
// the four view corners after projection.
func (m *Map) BoundingBox() orb.Bound {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.crs == EPSG3857 {
		return m.bounds(project.WGS84.ToMercator)
	}
	return m.bounds(func(p orb.Point) orb.Point { return p })
}

func (m *Map) bounds(proj orb.Projection) orb.Bound {
	cx, cy := m.worldPixel(m.center)
	hw, hh := float64(m.size.X)/2, float64(m.size.Y)/2
	corners := [4]orb.Point{
		m.lngLat(cx-hw, cy-hh),
		m.lngLat(cx+hw, cy-hh),
		m.lngLat(cx+hw, cy+hh),
		m.lngLat(cx-hw, cy+hh),
	}
	b := proj(corners[0]).Bound()
	for _, c := range corners[1:] {
		b = b.Extend(proj(c))
	}
	return b
}

// worldSize is the map width in pixels at the current zoom.
func (m *Map) worldSize() float64 {
	return TileSize * math.Exp2(m.zoom)
}

// worldPixel converts a longitude/latitude to global pixel coordinates,
// with y growing southwards.
func (m *Map) worldPixel(ll orb.Point) (float64, float64) {
	p := project.WGS84.ToMercator(ll)
	scale := m.worldSize() / (2 * originShift)
	return (p[0] + originShift) * scale, (originShift - p[1]) * scale
}

func (m *Map) lngLat(x, y float64) orb.Point {
	scale := m.worldSize() / (2 * originShift)
	merc := orb.Point{x/scale - originShift, originShift - y/scale}
	return project.Mercator.ToWGS84(merc)
}

func clampLatLng(p orb.Point) orb.Point {
	return orb.Point{p[0], math.Max(-maxLatitude, math.Min(maxLatitude, p[1]))}
}
