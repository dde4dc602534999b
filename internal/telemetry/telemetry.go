// Package telemetry exposes Prometheus metrics for rendering.
package telemetry

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tingold/cogoverlay/raster"
)

const namespace = "cogoverlay"

// Source lookup results.
const (
	LookupHit   = "hit"
	LookupMiss  = "miss"
	LookupError = "error"
)

// Metrics collects request and service metrics. It implements
// raster.Observer.
type Metrics struct {
	inflight      prometheus.Gauge
	requests      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	sourceLookups *prometheus.CounterVec
	renders       *prometheus.CounterVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		inflight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requests_in_flight",
			Help:      "Raster requests currently decoding.",
		}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Finished raster requests by outcome.",
		}, []string{"outcome"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from start to completion of raster requests.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.3, 0.6, 1, 3, 6, 9},
		}, []string{"outcome"}),
		sourceLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_lookups_total",
			Help:      "Raster source lookups by result.",
		}, []string{"result"}),
		renders: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "renders_total",
			Help:      "HTTP renders by layer and status code.",
		}, []string{"layer", "code"}),
	}
}

func (m *Metrics) RequestStarted() {
	m.inflight.Inc()
}

func (m *Metrics) RequestFinished(outcome raster.Outcome, elapsed time.Duration) {
	m.inflight.Dec()
	m.requests.WithLabelValues(string(outcome)).Inc()
	m.duration.WithLabelValues(string(outcome)).Observe(elapsed.Seconds())
}

// SourceLookup counts one source cache lookup.
func (m *Metrics) SourceLookup(result string) {
	m.sourceLookups.WithLabelValues(result).Inc()
}

// Rendered counts one HTTP render of layer.
func (m *Metrics) Rendered(layer string, code int) {
	m.renders.WithLabelValues(layer, strconv.Itoa(code)).Inc()
}
