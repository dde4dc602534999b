// Package logging builds the process slog logger.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects the logger outputs.
type Options struct {
	App   string
	Level string

	// File, when set, receives every record at debug level and above as
	// JSON with size based rotation.
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// ParseLevel maps DEBUG, INFO, WARN and ERROR to slog levels. Anything else
// is INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New returns a JSON logger writing to w, tagged with the app name. The
// returned function closes the log file, if any.
func New(w io.Writer, opts Options) (*slog.Logger, func()) {
	level := ParseLevel(opts.Level)
	var handler slog.Handler = slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:     level,
		AddSource: level <= slog.LevelDebug,
	})

	cleanup := func() {}
	if opts.File != "" {
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			LocalTime:  true,
		}
		handler = &multiHandler{
			console: handler,
			file: slog.NewJSONHandler(lj, &slog.HandlerOptions{
				Level:     slog.LevelDebug,
				AddSource: true,
			}),
		}
		cleanup = func() {
			if err := lj.Close(); err != nil {
				slog.Error("failed to close log file", "error", err)
			}
		}
	}

	if opts.App != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("app", opts.App)})
	}
	return slog.New(handler), cleanup
}

// Setup builds a logger on stderr and installs it as the default.
func Setup(opts Options) func() {
	logger, cleanup := New(os.Stderr, opts)
	slog.SetDefault(logger)
	return cleanup
}

// multiHandler sends each record to the console and the file handler when
// their levels allow it.
type multiHandler struct {
	console slog.Handler
	file    slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.console.Enabled(ctx, level) || h.file.Enabled(ctx, level)
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.file.Enabled(ctx, r.Level) {
		if err := h.file.Handle(ctx, r.Clone()); err != nil {
			return err
		}
	}
	if h.console.Enabled(ctx, r.Level) {
		if err := h.console.Handle(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &multiHandler{
		console: h.console.WithAttrs(attrs),
		file:    h.file.WithAttrs(attrs),
	}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	return &multiHandler{
		console: h.console.WithGroup(name),
		file:    h.file.WithGroup(name),
	}
}
