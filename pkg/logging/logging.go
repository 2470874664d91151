// Package logging configures structured logging for broker-auth.
//
// It is a thin layer over log/slog. Components accept a *slog.Logger in
// their constructor; pass Nop() when logging is not wanted.
package logging

import (
	"io"
	"log/slog"
	"os"
)

// Format selects the log output encoding.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Config holds logging configuration.
type Config struct {
	// Level is the minimum level to emit ("debug", "info", "warn", "error").
	Level string
	// Format is "text" or "json".
	Format Format
	// Output defaults to os.Stderr.
	Output io.Writer
}

// New creates a slog.Logger from the configuration.
func New(cfg Config) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	if cfg.Format == FormatJSON {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler)
}

// Nop returns a logger that discards everything.
func Nop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
