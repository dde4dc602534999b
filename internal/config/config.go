// Package config loads the service configuration from the environment and
// the layer definitions from a YAML, JSON or TOML file.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/viper"

	"github.com/tingold/cogoverlay/layer"
)

// Config holds all configuration for the service, loaded from environment
// variables. Logging is configured by the command line, see cmd/cogoverlay.
type Config struct {
	HTTPPort        int           `env:"HTTP_PORT" envDefault:"8080"`
	HTTPMetricsPort int           `env:"METRICS_PORT" envDefault:"8888"`
	HealthPort      int           `env:"HEALTH_PORT" envDefault:"6666"`
	LayersFile      string        `env:"LAYERS_FILE" envDefault:"layers.yaml"`
	SourceTTL       time.Duration `env:"SOURCE_TTL" envDefault:"10m"`
	SourceCacheSize int64         `env:"SOURCE_CACHE_SIZE" envDefault:"64"`
	RenderTimeout   time.Duration `env:"RENDER_TIMEOUT" envDefault:"30s"`
	MaxRenderSize   int           `env:"MAX_RENDER_SIZE" envDefault:"4096"`
	ReadAhead       int           `env:"HTTP_READ_AHEAD" envDefault:"65536"`
	DecodeWorkers   int           `env:"DECODE_WORKERS" envDefault:"0"`
}

// Load parses the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.MaxRenderSize <= 0 {
		return Config{}, fmt.Errorf("MAX_RENDER_SIZE must be positive, got %d", cfg.MaxRenderSize)
	}
	return cfg, nil
}

// LoadLayers reads the "layers" list of a layer definitions file. Every
// layer needs a unique name and a url.
func LoadLayers(path string) ([]layer.Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read layers file: %w", err)
	}

	var layers []layer.Config
	if err := v.UnmarshalKey("layers", &layers); err != nil {
		return nil, fmt.Errorf("failed to decode layers file %s: %w", path, err)
	}
	if len(layers) == 0 {
		return nil, fmt.Errorf("%s: no layers defined", path)
	}

	seen := make(map[string]bool, len(layers))
	for i, l := range layers {
		switch {
		case l.Name == "":
			return nil, fmt.Errorf("%s: layer %d has no name", path, i)
		case l.URL == "":
			return nil, fmt.Errorf("%s: layer %q has no url", path, l.Name)
		case seen[l.Name]:
			return nil, fmt.Errorf("%s: duplicate layer %q", path, l.Name)
		case l.Opacity != nil && (*l.Opacity < 0 || *l.Opacity > 1):
			return nil, fmt.Errorf("%s: layer %q: opacity must be between 0 and 1", path, l.Name)
		case l.MaxZoom > 0 && l.MaxZoom < l.MinZoom:
			return nil, fmt.Errorf("%s: layer %q: max_zoom is below min_zoom", path, l.Name)
		}
		seen[l.Name] = true
	}
	return layers, nil
}
