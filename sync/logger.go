package sync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/samber/lo"
	"gopkg.in/natefinch/lumberjack.v2"
)

// logger is the package-level structured logger for all sync operations.
// Defaults to a no-op (discard) handler until InitLogger is called.
var logger *slog.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))

// errorCount counts ERROR records since the last resetErrorCount call.
var errorCount atomic.Int64

// InitLogger configures the sync package logger.
// Console output is always enabled: INFO→stdout, WARN/ERROR→stderr, and
// DEBUG→stdout as well when verbose is set.
// If logDir is non-empty, also writes to level-split log files:
//   - vision_warn.log:  WARN + ERROR
//   - vision_info.log:  INFO only (5MB, 3 backups)
//   - vision_debug.log: DEBUG only (5MB, 1 backup)
func InitLogger(logDir string, verbose bool) {
	minConsole := slog.LevelInfo
	if verbose {
		minConsole = slog.LevelDebug
	}
	console := &consoleHandler{
		min:    minConsole,
		stdout: slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: minConsole}),
		stderr: slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}),
	}

	sinks := []slog.Handler{console}

	if logDir != "" {
		os.MkdirAll(logDir, 0750) //nolint:errcheck

		warnFile := slog.NewTextHandler(&lumberjack.Logger{
			Filename:   filepath.Join(logDir, "vision_warn.log"),
			MaxSize:    100,
			MaxBackups: 3,
		}, &slog.HandlerOptions{Level: slog.LevelWarn})

		infoFile := &bandHandler{
			min: slog.LevelInfo,
			max: slog.LevelInfo,
			inner: slog.NewTextHandler(&lumberjack.Logger{
				Filename:   filepath.Join(logDir, "vision_info.log"),
				MaxSize:    5,
				MaxBackups: 3,
			}, &slog.HandlerOptions{Level: slog.LevelInfo}),
		}

		debugFile := &bandHandler{
			min: slog.LevelDebug,
			max: slog.LevelDebug,
			inner: slog.NewTextHandler(&lumberjack.Logger{
				Filename:   filepath.Join(logDir, "vision_debug.log"),
				MaxSize:    5,
				MaxBackups: 1,
			}, &slog.HandlerOptions{Level: slog.LevelDebug}),
		}

		sinks = append(sinks, warnFile, infoFile, debugFile)
	}

	logger = slog.New(&fanoutHandler{sinks: sinks})
}

// sub returns a child logger tagged with the given component name.
func sub(component string) *slog.Logger {
	return logger.With("comp", component)
}

// logEnabled reports whether the given log level is enabled.
// Use this to guard expensive DEBUG logging in hot paths.
func logEnabled(level slog.Level) bool {
	return logger.Enabled(context.Background(), level)
}

// ErrorCount returns the number of ERROR records logged since the counter
// was last reset (at the start of every pass).
func ErrorCount() int64 {
	return errorCount.Load()
}

func resetErrorCount() {
	errorCount.Store(0)
}

// --- consoleHandler: routes INFO (and DEBUG when verbose)→stdout, WARN+→stderr ---

type consoleHandler struct {
	min    slog.Level
	stdout slog.Handler
	stderr slog.Handler
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.min
}

func (h *consoleHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn {
		return h.stderr.Handle(ctx, r)
	}
	return h.stdout.Handle(ctx, r)
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &consoleHandler{
		min:    h.min,
		stdout: h.stdout.WithAttrs(attrs),
		stderr: h.stderr.WithAttrs(attrs),
	}
}

func (h *consoleHandler) WithGroup(name string) slog.Handler {
	return &consoleHandler{
		min:    h.min,
		stdout: h.stdout.WithGroup(name),
		stderr: h.stderr.WithGroup(name),
	}
}

// --- bandHandler: writes only records whose level lies in [min, max] ---

type bandHandler struct {
	min, max slog.Level
	inner    slog.Handler
}

func (h *bandHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.min && level <= h.max
}

func (h *bandHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.inner.Handle(ctx, r)
}

func (h *bandHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &bandHandler{min: h.min, max: h.max, inner: h.inner.WithAttrs(attrs)}
}

func (h *bandHandler) WithGroup(name string) slog.Handler {
	return &bandHandler{min: h.min, max: h.max, inner: h.inner.WithGroup(name)}
}

// --- fanoutHandler: sends each record to every enabled sink and counts errors ---

type fanoutHandler struct {
	sinks []slog.Handler
}

func (h *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return lo.ContainsBy(h.sinks, func(s slog.Handler) bool { return s.Enabled(ctx, level) })
}

func (h *fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelError {
		errorCount.Add(1)
	}
	var errs []error
	for _, s := range h.sinks {
		if !s.Enabled(ctx, r.Level) {
			continue
		}
		if err := s.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &fanoutHandler{sinks: lo.Map(h.sinks, func(s slog.Handler, _ int) slog.Handler { return s.WithAttrs(attrs) })}
}

func (h *fanoutHandler) WithGroup(name string) slog.Handler {
	return &fanoutHandler{sinks: lo.Map(h.sinks, func(s slog.Handler, _ int) slog.Handler { return s.WithGroup(name) })}
}
