package logger

import (
	"context"
	"sync"
)

// LoggerContext accumulates attributes over the course of an operation and
// attaches them to every record it writes. It is safe for concurrent use.
type LoggerContext struct {
	logger *Logger

	mu    sync.RWMutex
	attrs []any
}

// NewLoggerContext returns a LoggerContext that writes through logger.
func NewLoggerContext(logger *Logger) *LoggerContext {
	return &LoggerContext{logger: logger}
}

// Add appends key/value pairs that will be included in all subsequent records.
func (lc *LoggerContext) Add(args ...any) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.attrs = append(lc.attrs, args...)
}

// Logger returns a plain Logger carrying the accumulated attributes.
func (lc *LoggerContext) Logger() *Logger {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	return lc.logger.With(lc.attrs...)
}

func (lc *LoggerContext) merge(args []any) []any {
	lc.mu.RLock()
	defer lc.mu.RUnlock()

	merged := make([]any, 0, len(lc.attrs)+len(args))
	merged = append(merged, lc.attrs...)
	return append(merged, args...)
}

// Debug logs at LevelDebug with the accumulated attributes.
func (lc *LoggerContext) Debug(ctx context.Context, msg string, args ...any) {
	lc.logger.Debugc(ctx, 4, msg, lc.merge(args)...)
}

// Info logs at LevelInfo with the accumulated attributes.
func (lc *LoggerContext) Info(ctx context.Context, msg string, args ...any) {
	lc.logger.Infoc(ctx, 4, msg, lc.merge(args)...)
}

// Warn logs at LevelWarn with the accumulated attributes.
func (lc *LoggerContext) Warn(ctx context.Context, msg string, args ...any) {
	lc.logger.Warnc(ctx, 4, msg, lc.merge(args)...)
}

// Error logs at LevelError with the accumulated attributes.
func (lc *LoggerContext) Error(ctx context.Context, msg string, args ...any) {
	lc.logger.Errorc(ctx, 4, msg, lc.merge(args)...)
}
