// Package server renders configured raster layers over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"
	"golang.org/x/sync/errgroup"

	"github.com/tingold/cogoverlay"
	"github.com/tingold/cogoverlay/internal/telemetry"
	"github.com/tingold/cogoverlay/layer"
	"github.com/tingold/cogoverlay/viewport"
)

// errBadRequest marks request parameter errors.
var errBadRequest = errors.New("bad request")

// Options tunes a Server.
type Options struct {
	RenderTimeout time.Duration
	MaxRenderSize int
	Metrics       *telemetry.Metrics
	Logger        *slog.Logger
}

// Server serves footprints and renders of a fixed set of layers.
type Server struct {
	layers  map[string]layer.Config
	names   []string
	sources *Registry
	timeout time.Duration
	maxSize int
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

// New returns a server for layers, opening sources through sources.
func New(layers []layer.Config, sources *Registry, opts Options) *Server {
	s := &Server{
		layers:  make(map[string]layer.Config, len(layers)),
		sources: sources,
		timeout: opts.RenderTimeout,
		maxSize: opts.MaxRenderSize,
		metrics: opts.Metrics,
		logger:  opts.Logger,
	}
	if s.timeout <= 0 {
		s.timeout = 30 * time.Second
	}
	if s.maxSize <= 0 {
		s.maxSize = 4096
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	for _, l := range layers {
		s.layers[l.Name] = l
		s.names = append(s.names, l.Name)
	}
	return s
}

// Routes returns the HTTP handler of the server.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/healthz", s.handleHealth)
	r.Route("/layers", func(r chi.Router) {
		r.Get("/", s.handleLayers)
		r.Route("/{name}", func(r chi.Router) {
			r.Get("/", s.handleLayer)
			r.Get("/render", s.handleRender)
			r.Get("/tiles/{z}/{x}/{y}.png", s.handleTile)
		})
	})
	return r
}

// Warm opens the source of every layer in parallel. Failures are logged
// and returned joined; the affected layers stay available for retry.
func (s *Server) Warm(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(4)
	errs := make([]error, len(s.names))
	for i, name := range s.names {
		i, name := i, name
		url := s.layers[name].URL
		g.Go(func() error {
			if _, err := s.sources.Get(ctx, url); err != nil {
				s.logger.Warn("failed to warm layer source", "layer", name, "error", err)
				errs[i] = err
			}
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"elapsed", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "layers": len(s.names)})
}

func (s *Server) handleLayers(w http.ResponseWriter, r *http.Request) {
	fc := geojson.NewFeatureCollection()
	for _, name := range s.names {
		fc.Append(s.feature(r.Context(), s.layers[name]))
	}
	writeJSON(w, http.StatusOK, fc)
}

func (s *Server) handleLayer(w http.ResponseWriter, r *http.Request) {
	cfg, ok := s.layers[chi.URLParam(r, "name")]
	if !ok {
		http.Error(w, "unknown layer", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.feature(r.Context(), cfg))
}

// feature describes a layer. Layers whose source cannot be opened get a
// null geometry and an "error" property.
func (s *Server) feature(ctx context.Context, cfg layer.Config) *geojson.Feature {
	var f *geojson.Feature
	src, err := s.sources.Get(ctx, cfg.URL)
	switch c, ok := src.(*cogoverlay.COG); {
	case err != nil:
		f = geojson.NewFeature(nil)
		f.Properties["error"] = err.Error()
	case ok:
		f = c.Feature()
	default:
		f = geojson.NewFeature(nil)
		b := src.Bounds()
		f.Properties["bounds"] = []float64{b.Min[0], b.Min[1], b.Max[0], b.Max[1]}
	}
	f.ID = cfg.Name
	f.Properties["name"] = cfg.Name
	f.Properties["url"] = cfg.URL
	f.Properties["bandSelection"] = cfg.Bands
	return f
}

func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	cfg, ok := s.layers[name]
	if !ok {
		http.Error(w, "unknown layer", http.StatusNotFound)
		return
	}
	q := r.URL.Query()

	size, err := s.parseSize(q.Get("width"), q.Get("height"))
	if err != nil {
		s.fail(w, name, err)
		return
	}
	cfg, err = overrides(cfg, q.Get("bands"), q.Get("nodata"), q.Get("opacity"))
	if err != nil {
		s.fail(w, name, err)
		return
	}

	src, crs, err := s.source(r.Context(), cfg)
	if err != nil {
		s.fail(w, name, err)
		return
	}

	var vp *viewport.Map
	switch {
	case q.Has("bbox"):
		var box orb.Bound
		if box, err = viewport.ParseBBox(q.Get("bbox")); err == nil {
			vp, err = viewport.ForLngLatBound(box, size, crs)
		}
	case q.Has("lon") && q.Has("lat") && q.Has("zoom"):
		var center orb.Point
		var zoom float64
		center, zoom, err = parseCenter(q.Get("lon"), q.Get("lat"), q.Get("zoom"))
		if err == nil {
			vp, err = viewport.New(center, zoom, size, crs)
		}
	default:
		err = fmt.Errorf("%w: either bbox or lon, lat and zoom are required", errBadRequest)
	}
	if err != nil {
		s.fail(w, name, badRequest(err))
		return
	}

	s.render(w, r, cfg, src, vp)
}

func (s *Server) handleTile(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	cfg, ok := s.layers[name]
	if !ok {
		http.Error(w, "unknown layer", http.StatusNotFound)
		return
	}
	z, errZ := strconv.ParseUint(chi.URLParam(r, "z"), 10, 8)
	x, errX := strconv.ParseUint(chi.URLParam(r, "x"), 10, 32)
	y, errY := strconv.ParseUint(chi.URLParam(r, "y"), 10, 32)
	if err := errors.Join(errZ, errX, errY); err != nil || z > 30 || x >= 1<<z || y >= 1<<z {
		s.fail(w, name, fmt.Errorf("%w: invalid tile %s/%s/%s", errBadRequest,
			chi.URLParam(r, "z"), chi.URLParam(r, "x"), chi.URLParam(r, "y")))
		return
	}

	src, crs, err := s.source(r.Context(), cfg)
	if err != nil {
		s.fail(w, name, err)
		return
	}
	vp, err := viewport.ForTile(maptile.New(uint32(x), uint32(y), maptile.Zoom(z)), viewport.TileSize, crs)
	if err != nil {
		s.fail(w, name, err)
		return
	}
	s.render(w, r, cfg, src, vp)
}

// source opens the layer source and returns the view CRS matching it.
func (s *Server) source(ctx context.Context, cfg layer.Config) (layer.Source, int, error) {
	src, err := s.sources.Get(ctx, cfg.URL)
	if err != nil {
		return nil, 0, err
	}
	crs := viewport.EPSG3857
	if c, ok := src.(interface{ EPSG() int }); ok {
		if crs, err = viewport.CRSFor(c.EPSG()); err != nil {
			return nil, 0, fmt.Errorf("layer %s: %w", cfg.Name, err)
		}
	}
	return src, crs, nil
}

// render draws the layer for one view and writes it as a PNG.
func (s *Server) render(w http.ResponseWriter, r *http.Request, cfg layer.Config, src layer.Source, vp *viewport.Map) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	opts := []layer.Option{layer.WithLogger(s.logger)}
	if s.metrics != nil {
		opts = append(opts, layer.WithObserver(s.metrics))
	}
	canvas, err := layer.Render(ctx, cfg, src, vp, opts...)
	if err != nil {
		s.fail(w, cfg.Name, err)
		return
	}

	buf := cogoverlay.GetBytesBuffer()
	defer cogoverlay.PutBytesBuffer(buf)
	if err := canvas.EncodePNG(buf); err != nil {
		s.fail(w, cfg.Name, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
	s.rendered(cfg.Name, http.StatusOK)
}

func (s *Server) fail(w http.ResponseWriter, name string, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, errBadRequest):
		code = http.StatusBadRequest
	case errors.Is(err, viewport.ErrUnsupportedCRS):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, layer.ErrSourceUnavailable):
		code = http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	}
	if code >= 500 {
		s.logger.Error("render failed", "layer", name, "status", code, "error", err)
	}
	http.Error(w, err.Error(), code)
	s.rendered(name, code)
}

func (s *Server) rendered(name string, code int) {
	if s.metrics != nil {
		s.metrics.Rendered(name, code)
	}
}

func (s *Server) parseSize(ws, hs string) (image.Point, error) {
	size := image.Pt(viewport.TileSize, viewport.TileSize)
	var err error
	if ws != "" {
		if size.X, err = strconv.Atoi(ws); err != nil {
			return image.Point{}, badRequest(fmt.Errorf("invalid width %q", ws))
		}
	}
	if hs != "" {
		if size.Y, err = strconv.Atoi(hs); err != nil {
			return image.Point{}, badRequest(fmt.Errorf("invalid height %q", hs))
		}
	}
	if size.X <= 0 || size.Y <= 0 || size.X > s.maxSize || size.Y > s.maxSize {
		return image.Point{}, badRequest(fmt.Errorf("size %dx%d outside 1..%d", size.X, size.Y, s.maxSize))
	}
	return size, nil
}

// overrides applies per-request band, no-data and opacity settings.
func overrides(cfg layer.Config, bands, nodata, opacity string) (layer.Config, error) {
	if bands != "" {
		cfg.Bands = layer.ParseBands(bands)
	}
	if nodata != "" {
		nd, err := layer.ParseNoData(nodata)
		if err != nil {
			return cfg, badRequest(err)
		}
		cfg.NoData = nd
	}
	if opacity != "" {
		v, err := strconv.ParseFloat(opacity, 64)
		if err != nil || v < 0 || v > 1 {
			return cfg, badRequest(fmt.Errorf("invalid opacity %q", opacity))
		}
		cfg.Opacity = &v
	}
	return cfg, nil
}

func parseCenter(lon, lat, zoom string) (orb.Point, float64, error) {
	x, err := strconv.ParseFloat(lon, 64)
	if err != nil {
		return orb.Point{}, 0, fmt.Errorf("invalid lon %q", lon)
	}
	y, err := strconv.ParseFloat(lat, 64)
	if err != nil {
		return orb.Point{}, 0, fmt.Errorf("invalid lat %q", lat)
	}
	z, err := strconv.ParseFloat(zoom, 64)
	if err != nil || z < 0 || z > 30 {
		return orb.Point{}, 0, fmt.Errorf("invalid zoom %q", zoom)
	}
	return orb.Point{x, y}, z, nil
}

func badRequest(err error) error {
	if errors.Is(err, errBadRequest) {
		return err
	}
	return fmt.Errorf("%w: %w", errBadRequest, err)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
