// Package window works out which part of a raster is visible in a map view
// and where it lands on the view's canvas.
package window

import (
	"image"
	"math"

	"github.com/paulmach/orb"
)

// Window is the visible part of a raster. The offsets place the decoded
// image on the canvas; Width and Height are its size in canvas pixels and
// World is the raster area it covers.
type Window struct {
	OffsetX, OffsetY int
	Width, Height    int
	World            orb.Bound
}

// Rect returns the canvas rectangle covered by the window.
func (w Window) Rect() image.Rectangle {
	return image.Rect(w.OffsetX, w.OffsetY, w.OffsetX+w.Width, w.OffsetY+w.Height)
}

// Resolve intersects the view with the raster extent and converts the
// intersection to canvas pixels. view and raster are in the same CRS, res is
// the signed raster resolution and canvas the view size in pixels.
//
// For an axis with negative resolution the pixel span is mirrored through
// the canvas, since raster rows then run against the world axis.
//
// ok is false when nothing of the raster is visible: the boxes do not
// overlap, the overlap is thinner than a pixel, or the view or canvas is
// empty.
func Resolve(view, raster orb.Bound, res [2]float64, canvas image.Point) (w Window, ok bool) {
	size := [2]int{canvas.X, canvas.Y}
	var offset, limit [2]int
	var clipped orb.Bound

	for n := 0; n < 2; n++ {
		extent := view.Max[n] - view.Min[n]
		if size[n] <= 0 || !(extent > 0) {
			return Window{}, false
		}
		viewRes := extent / float64(size[n])

		lo := view.Min[n]
		if lo < raster.Min[n] {
			lo = raster.Min[n]
		}
		hi := view.Max[n]
		if hi > raster.Max[n] {
			hi = raster.Max[n]
		}
		clipped.Min[n], clipped.Max[n] = lo, hi

		offset[n] = int(math.Floor((lo - view.Min[n]) / viewRes))
		limit[n] = int(math.Floor((hi - view.Min[n]) / viewRes))

		if res[n] < 0 {
			newMin := size[n] - offset[n] - 1
			newMax := size[n] - limit[n] - 1
			offset[n], limit[n] = newMax, newMin
		}
	}

	w = Window{
		OffsetX: offset[0],
		OffsetY: offset[1],
		Width:   limit[0] - offset[0],
		Height:  limit[1] - offset[1],
		World:   clipped,
	}
	if w.Width <= 0 || w.Height <= 0 {
		return Window{}, false
	}
	return w, true
}
