// ABOUTME: Root logger construction with a colorized text handler for terminals
// ABOUTME: logging.format=json switches to the standard JSON handler

package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/2389/coven-desk/internal/config"
)

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	return newLogger(cfg, os.Stdout)
}

func newLogger(cfg config.LoggingConfig, out io.Writer) *slog.Logger {
	level := parseLevel(cfg.Level)
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(&colorHandler{out: &lockedWriter{w: out}, level: level})
}

// lockedWriter is shared by a handler and everything derived from it so lines never interleave.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (lw *lockedWriter) writeLine(line string) error {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	_, err := io.WriteString(lw.w, line)
	return err
}

// colorHandler writes one colorized line per record: time, level, message, then key=value pairs.
// Attributes bound with WithAttrs are rendered once, when they are bound.
type colorHandler struct {
	out    *lockedWriter
	level  slog.Level
	bound  string
	prefix string
}

func levelLabel(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return color.New(color.FgRed, color.Bold).Sprint("ERR")
	case l >= slog.LevelWarn:
		return color.YellowString("WRN")
	case l >= slog.LevelInfo:
		return color.CyanString("INF")
	default:
		return color.MagentaString("DBG")
	}
}

func appendAttr(b *strings.Builder, prefix string, a slog.Attr) {
	if a.Equal(slog.Attr{}) {
		return
	}
	b.WriteString(color.HiBlackString(" %s%s=", prefix, a.Key))
	b.WriteString(a.Value.Resolve().String())
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(color.HiBlackString(r.Time.Format("15:04:05")))
	b.WriteString(" " + levelLabel(r.Level) + " ")
	b.WriteString(r.Message)
	b.WriteString(h.bound)
	r.Attrs(func(a slog.Attr) bool {
		appendAttr(&b, h.prefix, a)
		return true
	})
	b.WriteString("\n")
	return h.out.writeLine(b.String())
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var b strings.Builder
	b.WriteString(h.bound)
	for _, a := range attrs {
		appendAttr(&b, h.prefix, a)
	}
	next := *h
	next.bound = b.String()
	return &next
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}
