package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTPPort != 8080 || cfg.HTTPMetricsPort != 8888 || cfg.HealthPort != 6666 {
		t.Errorf("unexpected default ports %+v", cfg)
	}
	if cfg.SourceTTL != 10*time.Minute {
		t.Errorf("Expected 10m source TTL, got %v", cfg.SourceTTL)
	}
	if cfg.RenderTimeout != 30*time.Second {
		t.Errorf("Expected 30s render timeout, got %v", cfg.RenderTimeout)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("HTTP_PORT", "9000")
	t.Setenv("RENDER_TIMEOUT", "5s")
	t.Setenv("SOURCE_TTL", "90s")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTPPort != 9000 || cfg.RenderTimeout != 5*time.Second || cfg.SourceTTL != 90*time.Second {
		t.Errorf("environment not applied: %+v", cfg)
	}

	t.Setenv("HTTP_PORT", "nope")
	if _, err := Load(); err == nil {
		t.Error("Expected an error for a malformed port")
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadLayers(t *testing.T) {
	path := writeFile(t, "layers.yaml", `
layers:
  - name: ortho
    url: https://example.com/ortho.tif
    bands: [0, 1, 2]
    opacity: 0.8
    nodata: [0, 0, 0]
    min_zoom: 10
  - name: dem
    url: /data/dem.tif
    bands: [0]
    fill_value: -9999
    max_zoom: 14
`)

	layers, err := LoadLayers(path)
	if err != nil {
		t.Fatalf("LoadLayers failed: %v", err)
	}
	if len(layers) != 2 {
		t.Fatalf("Expected 2 layers, got %d", len(layers))
	}

	ortho := layers[0]
	if ortho.Name != "ortho" || ortho.URL != "https://example.com/ortho.tif" {
		t.Errorf("unexpected layer %+v", ortho)
	}
	if !reflect.DeepEqual(ortho.Bands, []int{0, 1, 2}) || !reflect.DeepEqual(ortho.NoData, []float64{0, 0, 0}) {
		t.Errorf("unexpected bands or nodata %v %v", ortho.Bands, ortho.NoData)
	}
	if ortho.Opacity == nil || *ortho.Opacity != 0.8 || ortho.MinZoom != 10 || ortho.FillValue != nil {
		t.Errorf("unexpected layer settings %+v", ortho)
	}

	dem := layers[1]
	if dem.Opacity != nil {
		t.Errorf("Expected unset opacity, got %v", *dem.Opacity)
	}
	if dem.FillValue == nil || *dem.FillValue != -9999 {
		t.Errorf("Expected fill value -9999, got %v", dem.FillValue)
	}
	if dem.MaxZoom != 14 {
		t.Errorf("Expected max zoom 14, got %v", dem.MaxZoom)
	}
}

func TestLoadLayersErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"empty", "layers: []\n", "no layers"},
		{"no name", "layers:\n  - url: a.tif\n", "has no name"},
		{"no url", "layers:\n  - name: a\n", "has no url"},
		{"duplicate", "layers:\n  - {name: a, url: a.tif}\n  - {name: a, url: b.tif}\n", "duplicate"},
		{"zoom range", "layers:\n  - {name: a, url: a.tif, min_zoom: 9, max_zoom: 3}\n", "max_zoom"},
		{"opacity", "layers:\n  - {name: a, url: a.tif, opacity: 1.5}\n", "opacity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadLayers(writeFile(t, "layers.yaml", tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error containing %q, got %v", tt.want, err)
			}
		})
	}

	if _, err := LoadLayers(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected an error for a missing file")
	}
}
