// Package logging configures log/slog for the server and the CLI.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

const (
	colorGreen = "\033[32m"
	colorRed   = "\033[31m"
	colorReset = "\033[0m"
)

// Formats accepted by New.
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatCLI  = "cli"
)

// CLIHandler writes one line per record, coloured by severity. It is meant
// for embryoctl progress output, not for machine consumption.
type CLIHandler struct {
	writer io.Writer
	level  slog.Level
	prefix string
	attrs  []slog.Attr
}

func NewCLIHandler(w io.Writer, level slog.Level) *CLIHandler {
	return &CLIHandler{writer: w, level: level}
}

func (h *CLIHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *CLIHandler) Handle(_ context.Context, r slog.Record) error {
	msg := r.Message
	if h.prefix != "" {
		msg = "[" + h.prefix + "] " + msg
	}

	parts := make([]string, 0, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		parts = append(parts, fmt.Sprintf("%s=%v", a.Key, a.Value))
	}
	r.Attrs(func(a slog.Attr) bool {
		parts = append(parts, fmt.Sprintf("%s=%v", a.Key, a.Value))
		return true
	})
	if len(parts) > 0 {
		msg += ": " + strings.Join(parts, " ")
	}

	color := colorGreen
	if r.Level >= slog.LevelError {
		color = colorRed
	}
	_, err := fmt.Fprintln(h.writer, color+msg+colorReset)
	return err
}

func (h *CLIHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &next
}

func (h *CLIHandler) WithGroup(name string) slog.Handler {
	next := *h
	next.prefix = name
	return &next
}

// ParseLogLevel converts a string log level to slog.Level.
// Defaults to slog.LevelInfo for unrecognized strings.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// New builds a logger writing to w in the given format. Unknown formats
// fall back to text.
func New(w io.Writer, level, format string) *slog.Logger {
	lev := ParseLogLevel(level)
	opts := &slog.HandlerOptions{Level: lev}

	var h slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case FormatJSON:
		h = slog.NewJSONHandler(w, opts)
	case FormatCLI:
		h = NewCLIHandler(w, lev)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

// SetDefault installs a stderr logger as the slog default and returns it.
func SetDefault(level, format string) *slog.Logger {
	l := New(os.Stderr, level, format)
	slog.SetDefault(l)
	return l
}
