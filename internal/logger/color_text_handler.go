package logger

import (
	"context"
	"io"
	"log/slog"
)

// ANSI sequences used to tint the level name on the daemon's stderr.
const (
	ansiReset  = "\033[0m"
	ansiCyan   = "\033[36m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiRed    = "\033[31m"
)

// ColorTextHandler renders records through the standard text handler
// with the severity name tinted. Tinting can be switched off for
// non-terminal writers while keeping the same record layout.
type ColorTextHandler struct {
	*slog.TextHandler
	tint bool
}

func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, tint bool) *ColorTextHandler {
	return &ColorTextHandler{TextHandler: slog.NewTextHandler(w, opts), tint: tint}
}

func levelColor(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return ansiRed
	case l >= slog.LevelWarn:
		return ansiYellow
	case l >= slog.LevelInfo:
		return ansiGreen
	default:
		return ansiCyan
	}
}

// Handle prefixes the message with the tinted level name and delegates
// the rest of the formatting to the embedded text handler.
func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.tint {
		r.Message = levelColor(r.Level) + r.Level.String() + ansiReset + "  " + r.Message
	}
	return h.TextHandler.Handle(ctx, r)
}
