// Package surface provides an in-memory RGBA drawing target sized to a map
// view.
package surface

import (
	"image"
	"image/color"
	"image/png"
	"io"
	"sync"

	"golang.org/x/image/draw"
)

// Canvas is a pixel-addressable RGBA surface with a position in view space
// and a layer opacity. It is safe for concurrent use.
type Canvas struct {
	mu      sync.RWMutex
	img     *image.RGBA
	opacity float64
	pos     image.Point
}

// New returns a transparent canvas of the given size with opacity 1.
func New(width, height int) *Canvas {
	return &Canvas{
		img:     image.NewRGBA(image.Rect(0, 0, max(width, 0), max(height, 0))),
		opacity: 1,
	}
}

// Resize changes the canvas size. The pixel buffer is only reallocated, and
// therefore cleared, when the size actually changes.
func (c *Canvas) Resize(width, height int) {
	width, height = max(width, 0), max(height, 0)
	c.mu.Lock()
	defer c.mu.Unlock()
	if b := c.img.Bounds(); b.Dx() == width && b.Dy() == height {
		return
	}
	c.img = image.NewRGBA(image.Rect(0, 0, width, height))
}

// Bounds returns the canvas rectangle, always anchored at the origin.
func (c *Canvas) Bounds() image.Rectangle {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.img.Bounds()
}

// ClearRegion makes the pixels of r fully transparent.
func (c *Canvas) ClearRegion(r image.Rectangle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	draw.Draw(c.img, r.Intersect(c.img.Bounds()), image.Transparent, image.Point{}, draw.Src)
}

// Blit copies src onto the canvas with its top-left corner at at. Pixels
// outside the canvas are dropped.
func (c *Canvas) Blit(src image.Image, at image.Point) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := src.Bounds().Sub(src.Bounds().Min).Add(at)
	draw.Draw(c.img, r, src, src.Bounds().Min, draw.Src)
}

// SetOpacity sets the layer opacity, clamped to [0, 1].
func (c *Canvas) SetOpacity(v float64) {
	switch {
	case v < 0 || v != v:
		v = 0
	case v > 1:
		v = 1
	}
	c.mu.Lock()
	c.opacity = v
	c.mu.Unlock()
}

// Opacity returns the layer opacity.
func (c *Canvas) Opacity() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.opacity
}

// SetPosition moves the canvas to p in view pixel space.
func (c *Canvas) SetPosition(p image.Point) {
	c.mu.Lock()
	c.pos = p
	c.mu.Unlock()
}

// Position returns the canvas position in view pixel space.
func (c *Canvas) Position() image.Point {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pos
}

// Snapshot returns a copy of the canvas pixels, ignoring opacity.
func (c *Canvas) Snapshot() *image.RGBA {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := image.NewRGBA(c.img.Bounds())
	copy(out.Pix, c.img.Pix)
	return out
}

// Composite draws the canvas over dst at its position, scaled by its
// opacity.
func (c *Canvas) Composite(dst draw.Image) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r := c.img.Bounds().Add(c.pos)
	draw.DrawMask(dst, r, c.img, image.Point{}, c.mask(), image.Point{}, draw.Over)
}

// Flatten returns the canvas as it would be displayed over a transparent
// background, with opacity applied.
func (c *Canvas) Flatten() *image.RGBA {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := image.NewRGBA(c.img.Bounds())
	draw.DrawMask(out, out.Bounds(), c.img, image.Point{}, c.mask(), image.Point{}, draw.Over)
	return out
}

func (c *Canvas) mask() image.Image {
	return image.NewUniform(color.Alpha{A: uint8(c.opacity*255 + 0.5)})
}

// EncodePNG writes the flattened canvas to w as a PNG.
func (c *Canvas) EncodePNG(w io.Writer) error {
	return png.Encode(w, c.Flatten())
}
