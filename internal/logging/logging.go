// Package logging wires the engine's ambient log/slog setup: a
// colorized console handler for interactive use, optionally fanned
// out to a second handler (e.g. a JSON file handler) via
// utils.MultiLogHandler.
package logging

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"

	"github.com/syncmesh/engine/internal/utils"
)

// Options configures the engine's root logger.
type Options struct {
	// Level defaults to slog.LevelInfo.
	Level slog.Level
	// Writer defaults to os.Stderr.
	Writer io.Writer
	// NoColor disables ANSI color codes (e.g. for non-TTY output).
	NoColor bool
	// Extra, when non-nil, receives every record alongside the
	// console handler (e.g. a JSON file sink for audit logs).
	Extra slog.Handler
}

// New builds a slog.Logger per Options, suitable as the engine's
// default logger or for slog.SetDefault.
func New(opts Options) *slog.Logger {
	if opts.Writer == nil {
		opts.Writer = os.Stderr
	}
	console := tint.NewHandler(opts.Writer, &tint.Options{
		Level:      opts.Level,
		TimeFormat: time.Kitchen,
		NoColor:    opts.NoColor,
	})

	var handler slog.Handler = console
	if opts.Extra != nil {
		handler = utils.NewMultiLogHandler(console, opts.Extra)
	}
	return slog.New(handler)
}
