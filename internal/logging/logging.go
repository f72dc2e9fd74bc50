// Package logging holds the process-wide logger shared by every wsbg
// package. The daemon configures it once at startup; until then all
// packages log into a silent handler.
package logging

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// nopHandler is a slog.Handler that silently discards all log records.
// The Enabled method returns false so the caller skips message formatting
// entirely, making disabled logging effectively zero-cost.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

// newNopLogger creates a logger that silently discards all output.
func newNopLogger() *slog.Logger { return slog.New(nopHandler{}) }

// loggerPtr stores the active logger. Accessed atomically so that
// SetLogger can be called concurrently with logging from any goroutine,
// in particular the compositor subscription worker.
var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	l := newNopLogger()
	loggerPtr.Store(l)
}

// SetLogger configures the logger for all wsbg packages.
// Pass nil to restore the default silent behavior.
//
// Log levels used by wsbg:
//   - [slog.LevelDebug]: protocol and upload diagnostics (dmabuf feedback,
//     wallpaper memory stats, per-file load results)
//   - [slog.LevelInfo]: lifecycle events (output configured, device selected)
//   - [slog.LevelWarn]: degraded operation (shm fallback, legacy dmabuf)
//   - [slog.LevelError]: failures that drop a wallpaper or an output
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = newNopLogger()
	}
	loggerPtr.Store(l)
}

// Logger returns the current process-wide logger.
//
// Logger is safe for concurrent use.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}
