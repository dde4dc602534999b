package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tingold/cogoverlay"
	"github.com/tingold/cogoverlay/internal/logging"
)

const appName = "cogoverlay"

var (
	cfgFile    string
	logCleanup = func() {}
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "cogoverlay",
	Short: "Render Cloud Optimized GeoTIFFs as web map overlays",
	Long: `cogoverlay reads the part of a Cloud Optimized GeoTIFF that a map view shows,
at the resolution of the view, and turns it into a transparent RGBA overlay.

Examples:
  # Describe a COG
  cogoverlay info https://example.com/ortho.tif

  # Render a bounding box (longitude, latitude) to a PNG
  cogoverlay render https://example.com/ortho.tif --bbox 11.2,47.1,11.6,47.4 --width 1024 --height 768 -o ortho.png

  # Render a single band with transparent zeros
  cogoverlay render dem.tif --lon 11.4 --lat 47.26 --zoom 12 --bands 0 --nodata 0 -o dem.png

  # Serve the layers of layers.yaml
  LAYERS_FILE=layers.yaml cogoverlay serve`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logCleanup = logging.Setup(logging.Options{
			App:        appName,
			Level:      viper.GetString("log-level"),
			File:       viper.GetString("log-file"),
			MaxSizeMB:  10,
			MaxBackups: 3,
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logCleanup()
	},
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command
// context.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		logCleanup()
		os.Exit(1)
	}
}

// decoderOptions returns the COG options selected by the global flags.
func decoderOptions() []cogoverlay.Option {
	return []cogoverlay.Option{
		cogoverlay.WithReadAhead(viper.GetInt("read-ahead")),
		cogoverlay.WithWorkers(viper.GetInt("workers")),
		cogoverlay.WithLogger(slog.Default()),
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.cogoverlay.yaml)")
	rootCmd.PersistentFlags().String("log-level", "WARN", "log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.PersistentFlags().String("log-file", "", "also write debug logs to this file, rotated at 10MB")
	rootCmd.PersistentFlags().Int("read-ahead", 64*1024, "HTTP read-ahead size in bytes")
	rootCmd.PersistentFlags().Int("workers", 0, "parallel block decoders (default GOMAXPROCS)")

	viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log-file", rootCmd.PersistentFlags().Lookup("log-file"))
	viper.BindPFlag("read-ahead", rootCmd.PersistentFlags().Lookup("read-ahead"))
	viper.BindPFlag("workers", rootCmd.PersistentFlags().Lookup("workers"))
	viper.BindEnv("log-level", "LOG_LEVEL")
	viper.BindEnv("log-file", "LOG_FILE")
	viper.BindEnv("read-ahead", "HTTP_READ_AHEAD")
	viper.BindEnv("workers", "DECODE_WORKERS")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".cogoverlay")
	}

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}
