// Package logger wraps log/slog with the process-wide structured logger used
// by every sslkeylog component.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	defaultLogger *slog.Logger
	once          sync.Once
	mu            sync.RWMutex
)

// Initialize sets up the structured logger.
// LOG_LEVEL selects the level (DEBUG, INFO, WARN, ERROR) and LOG_FORMAT=text
// switches from JSON to the text handler.
func Initialize() {
	once.Do(func() {
		mu.Lock()
		defer mu.Unlock()
		defaultLogger = slog.New(newHandler(os.Stderr))
	})
}

func newHandler(w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(os.Getenv("LOG_LEVEL")),
		AddSource: false,
	}
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// ParseLevel maps a level name to a slog.Level, defaulting to Info.
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetOutput redirects the default logger to w, keeping the environment
// selected level and format.
func SetOutput(w io.Writer) {
	Initialize()
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = slog.New(newHandler(w))
}

// SetLogger replaces the default logger.
func SetLogger(l *slog.Logger) {
	Initialize()
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = l
}

// Get returns the default structured logger
func Get() *slog.Logger {
	Initialize() // Always call Initialize, sync.Once ensures it only runs once
	mu.RLock()
	defer mu.RUnlock()
	return defaultLogger
}

// Info logs an info level message
func Info(msg string, args ...any) {
	Get().Info(msg, args...)
}

// InfoContext logs an info level message with context
func InfoContext(ctx context.Context, msg string, args ...any) {
	Get().InfoContext(ctx, msg, args...)
}

// Warn logs a warning level message
func Warn(msg string, args ...any) {
	Get().Warn(msg, args...)
}

// Error logs an error level message
func Error(msg string, args ...any) {
	Get().Error(msg, args...)
}

// ErrorContext logs an error level message with context
func ErrorContext(ctx context.Context, msg string, args ...any) {
	Get().ErrorContext(ctx, msg, args...)
}

// Debug logs a debug level message
func Debug(msg string, args ...any) {
	Get().Debug(msg, args...)
}

// With returns a logger with the given attributes
func With(args ...any) *slog.Logger {
	return Get().With(args...)
}
