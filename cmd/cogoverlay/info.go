package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tingold/cogoverlay"
)

var infoCmd = &cobra.Command{
	Use:   "info <file|url>",
	Short: "Print the georeferencing and layout of a COG",
	Args:  cobra.ExactArgs(1),
	RunE:  runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
	infoCmd.Flags().Bool("json", false, "print a GeoJSON feature instead of text")
}

func runInfo(cmd *cobra.Command, args []string) error {
	c, err := cogoverlay.Open(cmd.Context(), args[0], decoderOptions()...)
	if err != nil {
		return err
	}
	defer c.Close()

	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(c.Feature())
	}

	b := c.Bounds()
	res := c.Resolution()
	bw, bh := c.BlockSize()
	layout := "strips"
	if c.Tiled() {
		layout = "tiles"
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Source:\t%s\n", args[0])
	fmt.Fprintf(tw, "Size:\t%d x %d\n", c.Width(), c.Height())
	fmt.Fprintf(tw, "Bands:\t%d (%s)\n", c.BandCount(), c.SampleType())
	fmt.Fprintf(tw, "CRS:\t%s\n", orUnknown(c.CRS()))
	fmt.Fprintf(tw, "Bounds:\t%g, %g, %g, %g\n", b.Min[0], b.Min[1], b.Max[0], b.Max[1])
	fmt.Fprintf(tw, "Resolution:\t%g, %g\n", res[0], res[1])
	fmt.Fprintf(tw, "Layout:\t%d x %d %s, compression %d\n", bw, bh, layout, c.Compression())
	fmt.Fprintf(tw, "Overviews:\t%d\n", c.OverviewCount())
	if v, ok := c.NoData(); ok {
		fmt.Fprintf(tw, "NoData:\t%g\n", v)
	}
	return tw.Flush()
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
