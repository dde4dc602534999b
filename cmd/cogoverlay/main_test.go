package main

import (
	"bytes"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paulmach/orb/geojson"
	"github.com/spf13/pflag"

	"github.com/tingold/cogoverlay/internal/cogtest"
)

func testCOG(t *testing.T) string {
	t.Helper()
	return cogtest.WriteFile(t, "rgb.tif", cogtest.Image{
		Width: 20, Height: 20, Bands: 3,
		TileW: 16, TileH: 16,
		Compression: cogtest.Deflate,
		Origin:      [2]float64{-10, 10},
		PixelSize:   [2]float64{1, 1},
		EPSG:        4326,
		Value: func(x, y, b int) float64 {
			if x < 10 {
				return 0
			}
			return float64(50 * (b + 1))
		},
	})
}

// resetFlags restores the defaults cobra keeps between executions.
func resetFlags() {
	for _, c := range rootCmd.Commands() {
		c.Flags().VisitAll(func(f *pflag.Flag) {
			f.Value.Set(f.DefValue)
			f.Changed = false
		})
	}
}

func execute(t *testing.T, args ...string) string {
	t.Helper()
	resetFlags()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("%v failed: %v", args, err)
	}
	return out.String()
}

func TestCommands(t *testing.T) {
	path := testCOG(t)

	t.Run("info", func(t *testing.T) {
		out := execute(t, "info", path)
		for _, want := range []string{"20 x 20", "3 (uint8)", "EPSG:4326", "-10, -10, 10, 10"} {
			if !strings.Contains(out, want) {
				t.Errorf("Expected %q in output:\n%s", want, out)
			}
		}
	})

	t.Run("info json", func(t *testing.T) {
		out := execute(t, "info", "--json", path)
		f, err := geojson.UnmarshalFeature([]byte(out))
		if err != nil {
			t.Fatalf("invalid feature: %v\n%s", err, out)
		}
		if b := f.Geometry.Bound(); b.Min[0] != -10 || b.Max[1] != 10 {
			t.Errorf("unexpected footprint %v", b)
		}
	})

	t.Run("render", func(t *testing.T) {
		output := filepath.Join(t.TempDir(), "out.png")
		execute(t, "render", path, "--bbox", "0,-10,10,10", "--width", "20", "--height", "20", "-o", output)

		data, err := os.ReadFile(output)
		if err != nil {
			t.Fatal(err)
		}
		img, err := png.Decode(bytes.NewReader(data))
		if err != nil {
			t.Fatal(err)
		}
		if img.Bounds().Dx() != 20 || img.Bounds().Dy() != 20 {
			t.Fatalf("Expected a 20x20 image, got %v", img.Bounds())
		}
		got := color.NRGBAModel.Convert(img.At(10, 10)).(color.NRGBA)
		if want := (color.NRGBA{50, 100, 150, 255}); got != want {
			t.Errorf("Expected %v at the center, got %v", want, got)
		}
	})
}

func TestRenderRequiresView(t *testing.T) {
	resetFlags()
	rootCmd.SetArgs([]string{"render", testCOG(t), "--width", "8"})
	rootCmd.SetOut(&bytes.Buffer{})
	rootCmd.SetErr(&bytes.Buffer{})
	if err := rootCmd.Execute(); err == nil {
		t.Error("Expected an error without --bbox or --zoom")
	}
}
