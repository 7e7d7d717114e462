package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotation limits for LOG_FILE output.
const (
	logFileMaxSizeMB  = 20
	logFileMaxBackups = 5
	logFileMaxAgeDays = 28
)

// Options controls logger construction.
type Options struct {
	// Environment selects the format. "production" logs JSON, anything
	// else logs human-readable text.
	Environment string
	// Level overrides the environment default ("debug", "info", "warn",
	// "error"). Empty keeps the default.
	Level string
	// File, when set, receives logs in addition to stdout. The file is
	// rotated by size.
	File string
}

// New creates a structured logger from opts. Production uses JSON
// format, development uses human-readable text.
func New(opts Options) *slog.Logger {
	var handler slog.Handler

	hopts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	if opts.Environment != "production" {
		hopts.Level = slog.LevelDebug
	}

	if lvl, ok := parseLevel(opts.Level); ok {
		hopts.Level = lvl
	}

	var out io.Writer = os.Stdout
	if opts.File != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    logFileMaxSizeMB,
			MaxBackups: logFileMaxBackups,
			MaxAge:     logFileMaxAgeDays,
			Compress:   true,
		})
	}

	if opts.Environment == "production" {
		handler = slog.NewJSONHandler(out, hopts)
	} else {
		handler = slog.NewTextHandler(out, hopts)
	}

	return slog.New(handler)
}

func parseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return 0, false
	}
}
