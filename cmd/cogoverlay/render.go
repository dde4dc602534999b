package main

import (
	"context"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/paulmach/orb"
	"github.com/spf13/cobra"

	"github.com/tingold/cogoverlay"
	"github.com/tingold/cogoverlay/layer"
	"github.com/tingold/cogoverlay/viewport"
)

var renderCmd = &cobra.Command{
	Use:   "render <file|url>",
	Short: "Render the part of a COG visible in a map view to a PNG",
	Long: `Render the part of a COG visible in a map view to a PNG.

The view is either a bounding box in longitude and latitude (--bbox) or a
center and a zoom level (--lon, --lat, --zoom). The raster must be in
EPSG:4326 or EPSG:3857.`,
	Args: cobra.ExactArgs(1),
	RunE: runRender,
}

func init() {
	rootCmd.AddCommand(renderCmd)

	renderCmd.Flags().StringP("output", "o", "-", "output PNG file (- for stdout)")
	renderCmd.Flags().String("bbox", "", "view as 'minLon,minLat,maxLon,maxLat'")
	renderCmd.Flags().Float64("lon", 0, "view center longitude")
	renderCmd.Flags().Float64("lat", 0, "view center latitude")
	renderCmd.Flags().Float64("zoom", 0, "view zoom level")
	renderCmd.Flags().Int("width", 512, "view width in pixels")
	renderCmd.Flags().Int("height", 512, "view height in pixels")
	renderCmd.Flags().String("bands", "0,1,2", "band list ('2,1,0') or band count ('4')")
	renderCmd.Flags().String("nodata", "", "comma separated no-data values, one per band")
	renderCmd.Flags().Float64("opacity", 1, "overlay opacity")
	renderCmd.Flags().Float64("fill", 0, "sample value outside the raster")
	renderCmd.Flags().Duration("timeout", time.Minute, "render timeout")
}

func runRender(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	width, _ := flags.GetInt("width")
	height, _ := flags.GetInt("height")
	size := image.Pt(width, height)
	if size.X <= 0 || size.Y <= 0 {
		return fmt.Errorf("invalid size %dx%d", size.X, size.Y)
	}

	bands, _ := flags.GetString("bands")
	nodataStr, _ := flags.GetString("nodata")
	nodata, err := layer.ParseNoData(nodataStr)
	if err != nil {
		return err
	}
	opacity, _ := flags.GetFloat64("opacity")
	cfg := layer.Config{
		Name:    args[0],
		URL:     args[0],
		Bands:   layer.ParseBands(bands),
		Opacity: &opacity,
		NoData:  nodata,
	}
	if flags.Changed("fill") {
		fill, _ := flags.GetFloat64("fill")
		cfg.FillValue = &fill
	}

	timeout, _ := flags.GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	c, err := cogoverlay.Open(ctx, args[0], decoderOptions()...)
	if err != nil {
		return err
	}
	defer c.Close()
	crs, err := viewport.CRSFor(c.EPSG())
	if err != nil {
		return err
	}

	var vp *viewport.Map
	switch {
	case flags.Changed("bbox"):
		s, _ := flags.GetString("bbox")
		box, err := viewport.ParseBBox(s)
		if err != nil {
			return err
		}
		if vp, err = viewport.ForLngLatBound(box, size, crs); err != nil {
			return err
		}
	case flags.Changed("zoom"):
		lon, _ := flags.GetFloat64("lon")
		lat, _ := flags.GetFloat64("lat")
		zoom, _ := flags.GetFloat64("zoom")
		if vp, err = viewport.New(orb.Point{lon, lat}, zoom, size, crs); err != nil {
			return err
		}
	default:
		return fmt.Errorf("either --bbox or --lon, --lat and --zoom are required")
	}

	start := time.Now()
	canvas, err := layer.Render(ctx, cfg, c, vp, layer.WithLogger(slog.Default()))
	if err != nil {
		return fmt.Errorf("render failed: %w", err)
	}
	slog.Info("rendered view", "bbox", vp.BoundingBox(), "size", size, "elapsed", time.Since(start))

	output, _ := flags.GetString("output")
	var w io.Writer = cmd.OutOrStdout()
	if output != "-" {
		f, err := os.Create(output)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	buf := cogoverlay.GetBytesBuffer()
	defer cogoverlay.PutBytesBuffer(buf)
	if err := canvas.EncodePNG(buf); err != nil {
		return err
	}
	if _, err := buf.WriteTo(w); err != nil {
		return err
	}
	if f, ok := w.(*os.File); ok {
		return f.Close()
	}
	return nil
}
