package core

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger provides debug logging for Frigg requesters.
//
// Debug and Info messages are only emitted when debug is enabled. Warn and
// Error are always emitted. Token values are never logged.
type Logger struct {
	enabled bool
	zl      *zap.Logger
}

// NewLogger creates a new logger writing to stderr.
func NewLogger(enabled bool) *Logger {
	level := zapcore.WarnLevel
	if enabled {
		level = zapcore.DebugLevel
	}
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.RFC3339TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
	}
	zc := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.Lock(os.Stderr), level)
	return &Logger{
		enabled: enabled,
		zl:      zap.New(zc).Named("frigg"),
	}
}

// NewZapLogger wraps an existing zap logger.
func NewZapLogger(zl *zap.Logger, enabled bool) *Logger {
	if zl == nil {
		zl = zap.NewNop()
	}
	return &Logger{enabled: enabled, zl: zl}
}

// With returns a logger that adds fields to every entry.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{enabled: l.enabled, zl: l.zl.With(fields...)}
}

// Debug logs a debug message (only if debug is enabled).
func (l *Logger) Debug(message string, args ...any) {
	if l.enabled {
		l.zl.Debug(format(message, args))
	}
}

// Info logs an info message (only if debug is enabled).
func (l *Logger) Info(message string, args ...any) {
	if l.enabled {
		l.zl.Info(format(message, args))
	}
}

// Warn logs a warning message (always logged).
func (l *Logger) Warn(message string, args ...any) {
	l.zl.Warn(format(message, args))
}

// Error logs an error message (always logged).
func (l *Logger) Error(message string, args ...any) {
	l.zl.Error(format(message, args))
}

// Retry logs retry attempt information.
func (l *Logger) Retry(info RetryInfo) {
	if l.enabled {
		l.zl.Debug("retry scheduled",
			zap.String("method", info.Method),
			zap.String("url", info.RequestURL),
			zap.Int("status", info.HTTPStatus),
			zap.Int("attempt", info.Attempt),
			zap.Int("max_attempts", info.MaxAttempts),
			zap.Duration("delay", info.Delay),
			zap.String("reason", info.Reason),
		)
	}
}

// Timing logs request timing information.
func (l *Logger) Timing(method, url string, status int, duration time.Duration) {
	if l.enabled {
		l.zl.Debug("request completed",
			zap.String("method", method),
			zap.String("url", url),
			zap.Int("status", status),
			zap.Duration("duration", duration),
		)
	}
}

// Token logs token operations (without exposing the actual token).
func (l *Logger) Token(operation string, creds Credentials) {
	if l.enabled {
		l.zl.Debug("token "+operation,
			zap.Bool("access_token", creds.HasAccessToken()),
			zap.Bool("refresh_token", creds.HasRefreshToken()),
			zap.Time("expiry", creds.Expiry),
		)
	}
}

// Enabled returns whether debug logging is enabled.
func (l *Logger) Enabled() bool {
	return l.enabled
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.zl.Sync()
}

func format(message string, args []any) string {
	if len(args) > 0 {
		return fmt.Sprintf(message, args...)
	}
	return message
}
