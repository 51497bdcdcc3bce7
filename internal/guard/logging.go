// Package guard provides logging hooks.
package guard

import "go.uber.org/zap"

// Logger provides structured logging hooks.
type Logger interface {
	Info(msg string, fields map[string]any)
	Warn(msg string, fields map[string]any)
	Error(msg string, fields map[string]any)
}

// ZapLogger adapts a zap.Logger to the Logger interface.
type ZapLogger struct {
	l *zap.Logger
}

// NewZapLogger wraps an existing zap logger.
func NewZapLogger(l *zap.Logger) *ZapLogger {
	return &ZapLogger{l: l}
}

// NewProductionLogger builds a ZapLogger with zap's production config.
func NewProductionLogger() (*ZapLogger, error) {
	l, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return &ZapLogger{l: l}, nil
}

// Info logs an info message.
func (z *ZapLogger) Info(msg string, fields map[string]any) {
	if z == nil || z.l == nil {
		return
	}
	z.l.Info(msg, zapFields(fields)...)
}

// Warn logs a warning message.
func (z *ZapLogger) Warn(msg string, fields map[string]any) {
	if z == nil || z.l == nil {
		return
	}
	z.l.Warn(msg, zapFields(fields)...)
}

// Error logs an error message.
func (z *ZapLogger) Error(msg string, fields map[string]any) {
	if z == nil || z.l == nil {
		return
	}
	z.l.Error(msg, zapFields(fields)...)
}

// Sync flushes buffered log entries.
func (z *ZapLogger) Sync() error {
	if z == nil || z.l == nil {
		return nil
	}
	return z.l.Sync()
}

func zapFields(fields map[string]any) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(fields))
	for key, value := range fields {
		out = append(out, zap.Any(key, value))
	}
	return out
}

// NopLogger discards all messages.
type NopLogger struct{}

// Info discards the message.
func (NopLogger) Info(string, map[string]any) {}

// Warn discards the message.
func (NopLogger) Warn(string, map[string]any) {}

// Error discards the message.
func (NopLogger) Error(string, map[string]any) {}
