// Package raster runs one windowed decode and paints its result onto a
// surface, unless the request was canceled first.
package raster

import (
	"context"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"github.com/tingold/cogoverlay/window"
)

// Status is the lifecycle state of a Request.
type Status int

const (
	Idle Status = iota
	Running
	Canceled
	Done
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Canceled:
		return "canceled"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// Outcome is how a started request ended.
type Outcome string

const (
	OutcomeDrawn  Outcome = "drawn"
	OutcomeStale  Outcome = "stale"
	OutcomeFailed Outcome = "failed"
)

// Decoder reads a raster window resampled to width x height pixels. Samples
// are row-major and interleaved across bands.
type Decoder interface {
	ReadWindow(ctx context.Context, box orb.Bound, bands []int, width, height int) ([]float64, error)
}

// Surface is the drawing target of a request.
type Surface interface {
	Bounds() image.Rectangle
	ClearRegion(r image.Rectangle)
	Blit(img image.Image, at image.Point)
}

// Observer is told when requests start and finish.
type Observer interface {
	RequestStarted()
	RequestFinished(outcome Outcome, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) RequestStarted()                        {}
func (nopObserver) RequestFinished(Outcome, time.Duration) {}

// Option configures a Request.
type Option func(*Request)

// WithObserver reports the request lifecycle to o.
func WithObserver(o Observer) Option {
	return func(r *Request) {
		if o != nil {
			r.observer = o
		}
	}
}

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Request) {
		if l != nil {
			r.logger = l
		}
	}
}

// Request is a single-shot decode and composite. It is created Idle, becomes
// Running on Start and ends Done, or Canceled if Cancel is called first.
//
// The status check and the surface update happen under the same lock as
// Cancel, so once Cancel returns the request never touches its surface.
type Request struct {
	src    Decoder
	win    window.Window
	bands  []int
	dst    Surface
	nodata NoData

	observer Observer
	logger   *slog.Logger

	mu     sync.Mutex
	status Status
	stop   context.CancelFunc
	err    error

	done     chan struct{}
	doneOnce sync.Once
}

// NewRequest returns an Idle request that will read win from src and draw
// the result on dst.
func NewRequest(src Decoder, win window.Window, bands []int, dst Surface, nodata NoData, opts ...Option) *Request {
	r := &Request{
		src:      src,
		win:      win,
		bands:    append([]int(nil), bands...),
		dst:      dst,
		nodata:   append(NoData(nil), nodata...),
		observer: nopObserver{},
		logger:   slog.Default(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start dispatches the decode and returns immediately. The request is
// Running when Start returns. Starting a request that is not Idle does
// nothing.
func (r *Request) Start(ctx context.Context) {
	r.mu.Lock()
	if r.status != Idle {
		r.mu.Unlock()
		return
	}
	ctx, r.stop = context.WithCancel(ctx)
	r.status = Running
	r.mu.Unlock()

	r.observer.RequestStarted()
	go r.run(ctx, time.Now())
}

// Cancel marks the request Canceled and asks the decoder to stop. It may be
// called any number of times in any state; a finished request stays Done.
func (r *Request) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.status {
	case Idle:
		r.status = Canceled
		r.finish()
	case Running:
		r.status = Canceled
		r.stop()
	}
}

// Status returns the current lifecycle state.
func (r *Request) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Err returns the decode or composite error of a finished request.
func (r *Request) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Done is closed once the request will do no more work: after its completion
// handler ran, or when it is canceled before being started.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Window returns the window this request draws.
func (r *Request) Window() window.Window {
	return r.win
}

func (r *Request) finish() {
	r.doneOnce.Do(func() { close(r.done) })
}

func (r *Request) run(ctx context.Context, started time.Time) {
	defer r.finish()

	samples, err := r.src.ReadWindow(ctx, r.win.World, r.bands, r.win.Width, r.win.Height)
	var img *image.NRGBA
	if err == nil {
		img, err = Composite(samples, len(r.bands), r.win.Width, r.win.Height, r.nodata)
	}

	outcome := r.complete(img, err)
	elapsed := time.Since(started)
	r.observer.RequestFinished(outcome, elapsed)

	switch outcome {
	case OutcomeFailed:
		r.logger.Warn("raster request failed",
			"window", r.win.Rect().String(),
			"bands", r.bands,
			"error", err)
	default:
		r.logger.Debug("raster request finished",
			"outcome", string(outcome),
			"window", r.win.Rect().String(),
			"elapsed", elapsed)
	}
}

// complete is the completion handler. Only a request that is still Running
// may touch the surface.
func (r *Request) complete(img *image.NRGBA, err error) Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.stop()

	if r.status != Running {
		return OutcomeStale
	}
	r.status = Done
	if err != nil {
		r.err = err
		return OutcomeFailed
	}
	r.dst.ClearRegion(r.dst.Bounds())
	r.dst.Blit(img, image.Pt(r.win.OffsetX, r.win.OffsetY))
	return OutcomeDrawn
}
