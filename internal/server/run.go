package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name of the render service.
const ServiceName = "cogoverlay.Render"

// Listeners are the sockets Run serves on.
type Listeners struct {
	HTTP    net.Listener
	Metrics net.Listener
	Health  net.Listener
}

// Listen opens TCP listeners on the given ports. Port 0 picks a free port.
func Listen(httpPort, metricsPort, healthPort int) (Listeners, error) {
	var ls Listeners
	var err error
	for _, l := range []struct {
		dst  *net.Listener
		port int
		name string
	}{
		{&ls.HTTP, httpPort, "HTTP"},
		{&ls.Metrics, metricsPort, "HTTP metrics"},
		{&ls.Health, healthPort, "gRPC health"},
	} {
		if *l.dst, err = net.Listen("tcp", fmt.Sprintf(":%d", l.port)); err != nil {
			ls.Close()
			return Listeners{}, fmt.Errorf("%s server failed to listen: %w", l.name, err)
		}
	}
	return ls, nil
}

// Close closes every open listener.
func (ls Listeners) Close() {
	for _, l := range []net.Listener{ls.HTTP, ls.Metrics, ls.Health} {
		if l != nil {
			l.Close()
		}
	}
}

// Run serves s, the Prometheus metrics of gatherer and the gRPC health
// service until ctx is canceled, then shuts everything down gracefully.
func Run(ctx context.Context, s *Server, ls Listeners, gatherer prometheus.Gatherer, logger *slog.Logger) error {
	g, ctx := errgroup.WithContext(ctx)

	healthServer := health.NewServer()
	grpcHealthServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcHealthServer, healthServer)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	httpServer := &http.Server{Handler: s.Routes(), ReadHeaderTimeout: 10 * time.Second}

	g.Go(func() error {
		logger.Info("gRPC health server listening", "address", ls.Health.Addr().String())
		if err := grpcHealthServer.Serve(ls.Health); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("gRPC health server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("HTTP metrics server listening", "address", ls.Metrics.Addr().String())
		if err := metricsServer.Serve(ls.Metrics); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP metrics server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("HTTP render server listening", "address", ls.HTTP.Addr().String())
		if err := httpServer.Serve(ls.HTTP); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP render server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
		if err := s.Warm(ctx); err != nil {
			logger.Warn("some layer sources are unavailable", "error", err)
		}
		healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Warn("context cancelled, starting graceful shutdown")
		healthServer.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP render server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP metrics server shutdown error", "error", err)
		}
		grpcHealthServer.GracefulStop()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
