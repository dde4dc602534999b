package window

import (
	"image"
	"testing"

	"github.com/paulmach/orb"
)

func bound(minX, minY, maxX, maxY float64) orb.Bound {
	return orb.Bound{Min: orb.Point{minX, minY}, Max: orb.Point{maxX, maxY}}
}

func TestResolveViewInsideRaster(t *testing.T) {
	raster := bound(0, 0, 100, 100)
	view := bound(20, 20, 80, 80)

	w, ok := Resolve(view, raster, [2]float64{1, -1}, image.Pt(60, 60))
	if !ok {
		t.Fatal("Expected a window")
	}
	if w.Width != 60 || w.Height != 60 {
		t.Errorf("Expected 60x60, got %dx%d", w.Width, w.Height)
	}
	if w.World != view {
		t.Errorf("Expected world box %v, got %v", view, w.World)
	}
	// No clip on X; the Y span [0,60) is mirrored to [-1,59).
	if w.OffsetX != 0 || w.OffsetY != -1 {
		t.Errorf("Expected offset (0,-1), got (%d,%d)", w.OffsetX, w.OffsetY)
	}
}

func TestResolvePartialOverlap(t *testing.T) {
	raster := bound(0, 0, 100, 100)
	view := bound(-50, -50, 50, 50)

	tests := []struct {
		name    string
		res     [2]float64
		offsetX int
		offsetY int
	}{
		{"positive resolution", [2]float64{1, 1}, 50, 50},
		{"north up", [2]float64{1, -1}, 50, -1},
		{"both axes flipped", [2]float64{-1, -1}, -1, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, ok := Resolve(view, raster, tt.res, image.Pt(100, 100))
			if !ok {
				t.Fatal("Expected a window")
			}
			if want := bound(0, 0, 50, 50); w.World != want {
				t.Errorf("Expected world box %v, got %v", want, w.World)
			}
			if w.Width != 50 || w.Height != 50 {
				t.Errorf("Expected 50x50, got %dx%d", w.Width, w.Height)
			}
			if w.OffsetX != tt.offsetX || w.OffsetY != tt.offsetY {
				t.Errorf("Expected offset (%d,%d), got (%d,%d)", tt.offsetX, tt.offsetY, w.OffsetX, w.OffsetY)
			}
			if r := w.Rect(); r.Dx() != 50 || r.Dy() != 50 || r.Min != image.Pt(tt.offsetX, tt.offsetY) {
				t.Errorf("Unexpected rect %v", r)
			}
		})
	}
}

func TestResolveNoOverlap(t *testing.T) {
	raster := bound(0, 0, 100, 100)
	tests := []struct {
		name string
		view orb.Bound
	}{
		{"east", bound(150, 0, 250, 100)},
		{"west", bound(-250, 0, -150, 100)},
		{"north", bound(0, 150, 100, 250)},
		{"south", bound(0, -250, 100, -150)},
		{"diagonal", bound(200, 200, 300, 300)},
		{"touching edge", bound(100, 0, 200, 100)},
	}
	for _, tt := range tests {
		for _, res := range [][2]float64{{1, 1}, {1, -1}} {
			if w, ok := Resolve(tt.view, raster, res, image.Pt(100, 100)); ok {
				t.Errorf("%s with res %v: expected no window, got %+v", tt.name, res, w)
			}
		}
	}
}

func TestResolveDegenerateInput(t *testing.T) {
	raster := bound(0, 0, 100, 100)
	view := bound(0, 0, 100, 100)

	if _, ok := Resolve(view, raster, [2]float64{1, -1}, image.Pt(0, 100)); ok {
		t.Error("Expected no window for a zero width canvas")
	}
	if _, ok := Resolve(bound(10, 10, 10, 20), raster, [2]float64{1, -1}, image.Pt(100, 100)); ok {
		t.Error("Expected no window for an empty view")
	}
	// Overlap narrower than one canvas pixel.
	if _, ok := Resolve(bound(99.5, 0, 199.5, 100), raster, [2]float64{1, -1}, image.Pt(100, 100)); ok {
		t.Error("Expected no window for a sub-pixel overlap")
	}
}

func TestResolveWorldIsIntersection(t *testing.T) {
	raster := bound(-20, 10, 80, 60)
	views := []orb.Bound{
		bound(-40, 0, 0, 40),
		bound(0, 20, 40, 40),
		bound(60, 50, 120, 90),
		bound(-100, -100, 100, 100),
		bound(-25, 30, 79, 61),
	}
	for _, view := range views {
		w, ok := Resolve(view, raster, [2]float64{0.5, -0.5}, image.Pt(256, 256))
		if !ok {
			t.Errorf("view %v: expected a window", view)
			continue
		}
		want := bound(
			max(view.Min[0], raster.Min[0]), max(view.Min[1], raster.Min[1]),
			min(view.Max[0], raster.Max[0]), min(view.Max[1], raster.Max[1]),
		)
		if w.World != want {
			t.Errorf("view %v: expected world box %v, got %v", view, want, w.World)
		}
		if !raster.Contains(w.World.Min) || !raster.Contains(w.World.Max) {
			t.Errorf("view %v: world box %v escapes the raster", view, w.World)
		}
	}
}

func TestResolveAxisDirection(t *testing.T) {
	raster := bound(0, 0, 1000, 1000)
	views := []orb.Bound{
		bound(100, 100, 300, 200),
		bound(400, 650, 900, 990),
		bound(-200, 500, 300, 1200),
	}
	for _, view := range views {
		up, okUp := Resolve(view, raster, [2]float64{2, 2}, image.Pt(400, 300))
		down, okDown := Resolve(view, raster, [2]float64{2, -2}, image.Pt(400, 300))
		if !okUp || !okDown {
			t.Fatalf("view %v: expected windows for both axis directions", view)
		}
		if up.World != down.World {
			t.Errorf("view %v: world box changed with axis direction: %v vs %v", view, up.World, down.World)
		}
		if up.Width != down.Width || up.Height != down.Height {
			t.Errorf("view %v: size changed with axis direction: %dx%d vs %dx%d", view, up.Width, up.Height, down.Width, down.Height)
		}
		if up.OffsetX != down.OffsetX {
			t.Errorf("view %v: X placement changed with Y direction", view)
		}
		if mirrored := 300 - (up.OffsetY + up.Height) - 1; down.OffsetY != mirrored {
			t.Errorf("view %v: expected mirrored offset %d, got %d", view, mirrored, down.OffsetY)
		}
	}
}
