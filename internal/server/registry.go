package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/karlseguin/ccache/v3"
	"golang.org/x/sync/singleflight"

	"github.com/tingold/cogoverlay/internal/telemetry"
	"github.com/tingold/cogoverlay/layer"
)

// OpenTimeout bounds a single source open. Opens are shared between
// requests, so they do not follow any one request's context.
const OpenTimeout = 30 * time.Second

// Registry keeps opened raster sources so that their metadata is read once
// per TTL. Only source handles are cached; decoded pixels never are.
//
// Evicted sources are not closed explicitly because a render may still be
// reading them; local files are released when the handle is collected.
type Registry struct {
	open    layer.Opener
	cache   *ccache.Cache[layer.Source]
	group   singleflight.Group
	ttl     time.Duration
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

// NewRegistry returns a registry holding up to size sources for ttl each.
func NewRegistry(open layer.Opener, size int64, ttl time.Duration, metrics *telemetry.Metrics, logger *slog.Logger) *Registry {
	if size <= 0 {
		size = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		open:    open,
		cache:   ccache.New(ccache.Configure[layer.Source]().MaxSize(size).ItemsToPrune(uint32(max(1, size/10)))),
		ttl:     ttl,
		metrics: metrics,
		logger:  logger,
	}
}

// Get returns the source for url, opening it if it is not cached.
// Concurrent opens of the same url share one attempt, which runs for at most
// OpenTimeout regardless of ctx. A caller whose ctx ends stops waiting
// without failing the others. Open failures are not cached and wrap
// layer.ErrSourceUnavailable.
func (r *Registry) Get(ctx context.Context, url string) (layer.Source, error) {
	if item := r.cache.Get(url); item != nil && !item.Expired() {
		r.lookup(telemetry.LookupHit)
		return item.Value(), nil
	}

	ch := r.group.DoChan(url, func() (any, error) {
		if item := r.cache.Get(url); item != nil && !item.Expired() {
			return item.Value(), nil
		}
		openCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), OpenTimeout)
		defer cancel()

		start := time.Now()
		src, err := r.open(openCtx, url)
		if err != nil {
			return nil, err
		}
		r.cache.Set(url, src, r.ttl)
		r.logger.Info("opened raster source", "url", url, "elapsed", time.Since(start))
		return src, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			r.lookup(telemetry.LookupError)
			return nil, fmt.Errorf("%w: %s: %w", layer.ErrSourceUnavailable, url, res.Err)
		}
		r.lookup(telemetry.LookupMiss)
		return res.Val.(layer.Source), nil
	case <-ctx.Done():
		r.lookup(telemetry.LookupError)
		return nil, fmt.Errorf("waiting for source %s: %w", url, ctx.Err())
	}
}

// Len returns the number of cached sources.
func (r *Registry) Len() int {
	return r.cache.ItemCount()
}

// Close stops the cache maintenance goroutine.
func (r *Registry) Close() {
	r.cache.Stop()
}

func (r *Registry) lookup(result string) {
	if r.metrics != nil {
		r.metrics.SourceLookup(result)
	}
}
