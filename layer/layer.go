// Package layer keeps a raster overlay in step with a map view. Every view
// change supersedes the previous decode with a new request for the visible
// window.
package layer

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/paulmach/orb"
	"github.com/tingold/cogoverlay"
	"github.com/tingold/cogoverlay/raster"
	"github.com/tingold/cogoverlay/window"
)

// ErrSourceUnavailable is returned when the raster source cannot be opened.
var ErrSourceUnavailable = errors.New("raster source unavailable")

// DefaultBands is the band selection used when none is configured.
var DefaultBands = []int{0, 1, 2}

// Source is a georeferenced raster that can be read by window.
type Source interface {
	raster.Decoder
	Bounds() orb.Bound
	Resolution() [2]float64
}

// Opener opens the source named by url.
type Opener func(ctx context.Context, url string) (Source, error)

// OpenCOG returns an Opener for Cloud Optimized GeoTIFFs.
func OpenCOG(opts ...cogoverlay.Option) Opener {
	return func(ctx context.Context, url string) (Source, error) {
		return cogoverlay.Open(ctx, url, opts...)
	}
}

// Viewport is the map view the layer follows.
type Viewport interface {
	BoundingBox() orb.Bound
	PixelSize() image.Point
	Zoom() float64
	TopLeft() image.Point
	OnMoveOrResize(fn func()) (remove func())
}

// Surface is the drawing target of the layer.
type Surface interface {
	raster.Surface
	Resize(width, height int)
	SetOpacity(v float64)
	SetPosition(p image.Point)
}

// Config describes one overlay.
type Config struct {
	Name  string `mapstructure:"name"`
	URL   string `mapstructure:"url"`
	Bands []int  `mapstructure:"bands"`

	// Opacity of the surface in [0, 1]. Unset means fully opaque.
	Opacity *float64 `mapstructure:"opacity"`

	// NoData holds one value per selected band. Pixels whose samples all
	// match are transparent.
	NoData []float64 `mapstructure:"nodata"`

	// FillValue is reported for pixels outside the raster grid.
	FillValue *float64 `mapstructure:"fill_value"`

	// The layer draws only when MinZoom <= zoom <= MaxZoom. A zero MaxZoom
	// has no upper limit.
	MinZoom float64 `mapstructure:"min_zoom"`
	MaxZoom float64 `mapstructure:"max_zoom"`
}

func (c Config) withDefaults() Config {
	if len(c.Bands) == 0 {
		c.Bands = DefaultBands
	}
	c.Bands = append([]int(nil), c.Bands...)
	c.NoData = append([]float64(nil), c.NoData...)
	opacity := 1.0
	if c.Opacity != nil {
		opacity = *c.Opacity
	}
	c.Opacity = &opacity
	return c
}

// ParseBands reads a band selection. A comma separated list selects those
// bands; a single count n selects bands 0 to n-1. Anything else selects
// DefaultBands.
func ParseBands(s string) []int {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, ",") {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return append([]int(nil), DefaultBands...)
		}
		bands := make([]int, n)
		for i := range bands {
			bands[i] = i
		}
		return bands
	}

	var bands []int
	for _, f := range strings.Split(s, ",") {
		b, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil || b < 0 {
			return append([]int(nil), DefaultBands...)
		}
		bands = append(bands, b)
	}
	return bands
}

// ParseNoData reads a comma separated list of no-data values, one per band.
// "nan" is accepted. An empty string means no masking.
func ParseNoData(s string) ([]float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var out []float64
	for _, f := range strings.Split(s, ",") {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid nodata value %q: %w", f, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// Option configures a Layer.
type Option func(*Layer)

// WithLogger sets the layer logger. Requests log through it too.
func WithLogger(l *slog.Logger) Option {
	return func(ly *Layer) {
		if l != nil {
			ly.logger = l
		}
	}
}

// WithObserver reports every request the layer starts to o.
func WithObserver(o raster.Observer) Option {
	return func(ly *Layer) { ly.observer = o }
}

// WithContext sets the parent context of the layer's requests. Canceling it
// stops every decode.
func WithContext(ctx context.Context) Option {
	return func(ly *Layer) {
		if ctx != nil {
			ly.ctx = ctx
		}
	}
}

// Layer draws a raster source onto a surface that covers a viewport.
//
// At most one request started by the layer is live: a draw cancels the
// previous request before it creates the next.
type Layer struct {
	logger   *slog.Logger
	observer raster.Observer
	ctx      context.Context

	mu          sync.Mutex
	cfg         Config
	src         Source
	vp          Viewport
	dst         Surface
	unsubscribe func()
	req         *raster.Request
	locked      bool
	needsRedraw bool
}

// New returns a detached layer without a source.
func New(cfg Config, opts ...Option) *Layer {
	l := &Layer{
		logger: slog.Default(),
		ctx:    context.Background(),
		cfg:    cfg.withDefaults(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("layer", l.cfg.Name)
	return l
}

// Config returns the current layer settings.
func (l *Layer) Config() Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg.withDefaults()
}

// SetBands changes the band selection. It applies from the next draw.
func (l *Layer) SetBands(bands []int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg.Bands = append([]int(nil), bands...)
	l.cfg = l.cfg.withDefaults()
}

// Bands returns the band selection.
func (l *Layer) Bands() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int(nil), l.cfg.Bands...)
}

// SetOpacity changes the surface opacity. It applies from the next draw.
func (l *Layer) SetOpacity(v float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg.Opacity = &v
}

// Load opens the configured URL in the background and draws once it is
// ready. The returned channel receives the outcome and is then closed. An
// open failure is logged and wraps ErrSourceUnavailable; the layer then
// stays blank.
func (l *Layer) Load(ctx context.Context, open Opener) <-chan error {
	result := make(chan error, 1)
	url := l.Config().URL

	go func() {
		defer close(result)
		src, err := open(ctx, url)
		if err != nil {
			err = fmt.Errorf("%w: %s: %w", ErrSourceUnavailable, url, err)
			l.logger.Error("failed to open raster source", "url", url, "error", err)
			result <- err
			return
		}
		l.logger.Info("raster source ready", "url", url, "bounds", src.Bounds(), "resolution", src.Resolution())
		l.SetSource(src)
		result <- nil
	}()
	return result
}

// SetSource replaces the raster source and draws.
func (l *Layer) SetSource(src Source) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := src.(*cogoverlay.COG); ok && l.cfg.FillValue != nil {
		src = c.WithFill(*l.cfg.FillValue)
	}
	l.src = src
	l.draw()
}

// Attach binds the layer to a viewport and a surface and draws. Any
// previous binding is dropped first.
func (l *Layer) Attach(vp Viewport, dst Surface) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.detach()
	l.vp, l.dst = vp, dst
	l.unsubscribe = vp.OnMoveOrResize(func() { l.Draw() })
	l.draw()
}

// Detach unbinds the layer and cancels its live request. Draws are no-ops
// until the layer is attached again.
func (l *Layer) Detach() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.detach()
}

func (l *Layer) detach() {
	if l.unsubscribe != nil {
		l.unsubscribe()
		l.unsubscribe = nil
	}
	l.cancel()
	l.vp, l.dst = nil, nil
}

// Lock defers draws until Unlock.
func (l *Layer) Lock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.locked = true
}

// Unlock re-enables drawing and performs one draw if any were deferred.
func (l *Layer) Unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.locked = false
	if l.needsRedraw {
		l.draw()
	}
}

// Draw brings the surface in line with the viewport and starts a request
// for the visible window. It returns the new request, or nil when nothing
// needs decoding.
func (l *Layer) Draw() *raster.Request {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.draw()
}

// Current returns the most recent request, or nil.
func (l *Layer) Current() *raster.Request {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.req
}

func (l *Layer) cancel() {
	if l.req != nil {
		l.req.Cancel()
		l.req = nil
	}
}

func (l *Layer) draw() *raster.Request {
	if l.locked || l.src == nil {
		l.needsRedraw = true
		return nil
	}
	l.needsRedraw = false
	if l.vp == nil || l.dst == nil {
		return nil
	}

	l.cancel()

	size := l.vp.PixelSize()
	l.dst.Resize(size.X, size.Y)
	l.dst.SetPosition(l.vp.TopLeft())
	l.dst.SetOpacity(*l.cfg.Opacity)

	if zoom := l.vp.Zoom(); zoom < l.cfg.MinZoom || (l.cfg.MaxZoom > 0 && zoom > l.cfg.MaxZoom) {
		l.dst.ClearRegion(l.dst.Bounds())
		l.logger.Debug("zoom outside layer range", "zoom", zoom)
		return nil
	}

	view := l.vp.BoundingBox()
	win, ok := window.Resolve(view, l.src.Bounds(), l.src.Resolution(), size)
	if !ok {
		l.logger.Debug("view does not overlap raster", "view", view)
		return nil
	}

	opts := []raster.Option{raster.WithLogger(l.logger)}
	if l.observer != nil {
		opts = append(opts, raster.WithObserver(l.observer))
	}
	req := raster.NewRequest(l.src, win, l.cfg.Bands, l.dst, l.cfg.NoData, opts...)
	req.Start(l.ctx)
	l.req = req
	return req
}
