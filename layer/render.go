package layer

import (
	"context"
	"errors"

	"github.com/tingold/cogoverlay/surface"
)

// Render draws src for a single view and waits for the request to finish.
// The returned canvas is blank when the view does not overlap the raster.
func Render(ctx context.Context, cfg Config, src Source, vp Viewport, opts ...Option) (*surface.Canvas, error) {
	ly := New(cfg, append(opts, WithContext(ctx))...)
	defer ly.Detach()

	canvas := surface.New(0, 0)
	ly.SetSource(src)
	ly.Attach(vp, canvas)

	req := ly.Current()
	if req == nil {
		return canvas, nil
	}
	select {
	case <-req.Done():
	case <-ctx.Done():
	}
	if err := errors.Join(ctx.Err(), req.Err()); err != nil {
		return nil, err
	}
	return canvas, nil
}
