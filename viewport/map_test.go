package viewport

import (
	"errors"
	"image"
	"math"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

func near(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func boundNear(t *testing.T, got, want orb.Bound, tol float64) {
	t.Helper()
	if !near(got.Min[0], want.Min[0], tol) || !near(got.Min[1], want.Min[1], tol) ||
		!near(got.Max[0], want.Max[0], tol) || !near(got.Max[1], want.Max[1], tol) {
		t.Errorf("Expected bound %v, got %v", want, got)
	}
}

func TestNewRejectsUnknownCRS(t *testing.T) {
	if _, err := New(orb.Point{0, 0}, 3, image.Pt(256, 256), 32633); err == nil {
		t.Error("Expected an error for an unsupported CRS")
	}
}

func TestForTileMercator(t *testing.T) {
	tests := []struct {
		tile maptile.Tile
		want orb.Bound
	}{
		{maptile.New(0, 0, 0), orb.Bound{Min: orb.Point{-originShift, -originShift}, Max: orb.Point{originShift, originShift}}},
		{maptile.New(1, 0, 1), orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{originShift, originShift}}},
		{maptile.New(0, 1, 1), orb.Bound{Min: orb.Point{-originShift, -originShift}, Max: orb.Point{0, 0}}},
	}
	for _, tt := range tests {
		m, err := ForTile(tt.tile, 256, EPSG3857)
		if err != nil {
			t.Fatal(err)
		}
		boundNear(t, m.BoundingBox(), tt.want, 1e-2)
		if m.PixelSize() != image.Pt(256, 256) {
			t.Errorf("Expected 256x256, got %v", m.PixelSize())
		}
	}
}

func TestForTileLargerTiles(t *testing.T) {
	m, err := ForTile(maptile.New(0, 0, 0), 512, EPSG3857)
	if err != nil {
		t.Fatal(err)
	}
	if m.Zoom() != 1 {
		t.Errorf("Expected zoom 1 for 512px tiles, got %v", m.Zoom())
	}
	boundNear(t, m.BoundingBox(), orb.Bound{Min: orb.Point{-originShift, -originShift}, Max: orb.Point{originShift, originShift}}, 1e-2)
}

func TestBoundingBoxGeographic(t *testing.T) {
	m, err := ForTile(maptile.New(0, 0, 0), 256, EPSG4326)
	if err != nil {
		t.Fatal(err)
	}
	boundNear(t, m.BoundingBox(), orb.Bound{Min: orb.Point{-180, -maxLatitude}, Max: orb.Point{180, maxLatitude}}, 1e-6)
	boundNear(t, m.LngLatBounds(), m.BoundingBox(), 0)
}

func TestForBound(t *testing.T) {
	box := orb.Bound{Min: orb.Point{-2e6, -1e6}, Max: orb.Point{2e6, 1e6}}
	m, err := ForBound(box, image.Pt(400, 200), EPSG3857)
	if err != nil {
		t.Fatal(err)
	}
	boundNear(t, m.BoundingBox(), box, 1e-3)

	geo := orb.Bound{Min: orb.Point{10, 40}, Max: orb.Point{12, 42}}
	m, err = ForBound(geo, image.Pt(300, 300), EPSG4326)
	if err != nil {
		t.Fatal(err)
	}
	// The wider mercator extent (north-south here) is fitted exactly.
	got := m.BoundingBox()
	if !near(got.Min[1], 40, 1e-6) || !near(got.Max[1], 42, 1e-6) {
		t.Errorf("Expected latitudes 40..42, got %v", got)
	}
	if got.Min[0] > 10 || got.Max[0] < 12 {
		t.Errorf("Expected longitudes to cover 10..12, got %v", got)
	}

	if _, err := ForBound(orb.Bound{}, image.Pt(10, 10), EPSG3857); err == nil {
		t.Error("Expected an error for an empty box")
	}
}

func TestPan(t *testing.T) {
	m, err := New(orb.Point{0, 0}, 2, image.Pt(256, 256), EPSG4326)
	if err != nil {
		t.Fatal(err)
	}
	// At zoom 2 the world is 1024 pixels wide.
	m.Pan(image.Pt(128, 0))
	if c := m.Center(); !near(c[0], 45, 1e-9) || !near(c[1], 0, 1e-9) {
		t.Errorf("Expected center (45,0), got %v", c)
	}
	m.Pan(image.Pt(-28, 5))
	if m.TopLeft() != image.Pt(100, 5) {
		t.Errorf("Expected accumulated pan (100,5), got %v", m.TopLeft())
	}
	m.SetView(orb.Point{1, 1}, 3)
	if m.TopLeft() != (image.Point{}) {
		t.Errorf("Expected SetView to reset the pan, got %v", m.TopLeft())
	}
}

func TestOnMoveOrResize(t *testing.T) {
	m, err := New(orb.Point{0, 0}, 1, image.Pt(100, 100), EPSG3857)
	if err != nil {
		t.Fatal(err)
	}

	var calls []string
	removeA := m.OnMoveOrResize(func() { calls = append(calls, "a") })
	m.OnMoveOrResize(func() { calls = append(calls, "b") })

	m.SetView(orb.Point{5, 5}, 4)
	m.Resize(image.Pt(50, 60))
	m.Pan(image.Pt(1, 1))
	if want := "ababab"; join(calls) != want {
		t.Errorf("Expected %q, got %q", want, join(calls))
	}
	if m.PixelSize() != image.Pt(50, 60) {
		t.Errorf("Expected size 50x60, got %v", m.PixelSize())
	}

	removeA()
	removeA()
	calls = nil
	m.Resize(image.Pt(10, 10))
	if join(calls) != "b" {
		t.Errorf("Expected only b after removal, got %q", join(calls))
	}
}

func TestListenerMayReadView(t *testing.T) {
	m, err := New(orb.Point{0, 0}, 1, image.Pt(100, 100), EPSG3857)
	if err != nil {
		t.Fatal(err)
	}
	var seen float64
	m.OnMoveOrResize(func() { seen = m.Zoom() })
	m.SetView(orb.Point{0, 0}, 7)
	if seen != 7 {
		t.Errorf("Expected the listener to observe zoom 7, got %v", seen)
	}
}

func join(s []string) string {
	out := ""
	for _, v := range s {
		out += v
	}
	return out
}

func TestCRSFor(t *testing.T) {
	tests := []struct {
		epsg int
		want int
	}{
		{4326, EPSG4326},
		{3857, EPSG3857},
		{900913, EPSG3857},
	}
	for _, tt := range tests {
		got, err := CRSFor(tt.epsg)
		if err != nil || got != tt.want {
			t.Errorf("CRSFor(%d) = %d, %v; want %d", tt.epsg, got, err, tt.want)
		}
	}
	if _, err := CRSFor(32633); !errors.Is(err, ErrUnsupportedCRS) {
		t.Errorf("Expected ErrUnsupportedCRS, got %v", err)
	}
}

func TestForLngLatBound(t *testing.T) {
	geo := orb.Bound{Min: orb.Point{-10, -10}, Max: orb.Point{10, 10}}
	m, err := ForLngLatBound(geo, image.Pt(200, 200), EPSG3857)
	if err != nil {
		t.Fatal(err)
	}
	if m.CRS() != EPSG3857 {
		t.Errorf("Expected a mercator view, got EPSG:%d", m.CRS())
	}
	ll := m.LngLatBounds()
	if !near(ll.Min[1], -10, 1e-6) || !near(ll.Max[1], 10, 1e-6) {
		t.Errorf("Expected latitudes -10..10, got %v", ll)
	}
}

func TestParseBBox(t *testing.T) {
	got, err := ParseBBox("-10, -5.5,10,5.5")
	if err != nil {
		t.Fatal(err)
	}
	if want := (orb.Bound{Min: orb.Point{-10, -5.5}, Max: orb.Point{10, 5.5}}); got != want {
		t.Errorf("Expected %v, got %v", want, got)
	}

	for _, in := range []string{"", "1,2,3", "1,2,3,x", "1,1,0,2", "0,2,1,2", "nan,0,1,1"} {
		if _, err := ParseBBox(in); err == nil {
			t.Errorf("ParseBBox(%q): expected an error", in)
		}
	}
}
