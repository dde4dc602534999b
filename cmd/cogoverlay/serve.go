package main

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/tingold/cogoverlay"
	"github.com/tingold/cogoverlay/internal/config"
	"github.com/tingold/cogoverlay/internal/server"
	"github.com/tingold/cogoverlay/internal/telemetry"
	"github.com/tingold/cogoverlay/layer"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the layers of a layer file over HTTP",
	Long: `Serve the layers of a layer file over HTTP.

Ports, caching and timeouts come from the environment (HTTP_PORT,
METRICS_PORT, HEALTH_PORT, LAYERS_FILE, SOURCE_TTL, SOURCE_CACHE_SIZE,
RENDER_TIMEOUT, MAX_RENDER_SIZE, HTTP_READ_AHEAD, DECODE_WORKERS).`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("layers", "", "layer definitions file (overrides LAYERS_FILE)")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.Default()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if path, _ := cmd.Flags().GetString("layers"); path != "" {
		cfg.LayersFile = path
	}
	layers, err := config.LoadLayers(cfg.LayersFile)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := telemetry.New(reg)

	open := layer.OpenCOG(
		cogoverlay.WithReadAhead(cfg.ReadAhead),
		cogoverlay.WithWorkers(cfg.DecodeWorkers),
		cogoverlay.WithLogger(logger),
	)
	sources := server.NewRegistry(open, cfg.SourceCacheSize, cfg.SourceTTL, metrics, logger)
	defer sources.Close()

	s := server.New(layers, sources, server.Options{
		RenderTimeout: cfg.RenderTimeout,
		MaxRenderSize: cfg.MaxRenderSize,
		Metrics:       metrics,
		Logger:        logger,
	})

	ls, err := server.Listen(cfg.HTTPPort, cfg.HTTPMetricsPort, cfg.HealthPort)
	if err != nil {
		return err
	}
	logger.Info("serving layers", "layers", len(layers), "file", cfg.LayersFile,
		"http", ls.HTTP.Addr().String(), "metrics", ls.Metrics.Addr().String(), "health", ls.Health.Addr().String())
	return server.Run(cmd.Context(), s, ls, reg, logger)
}
