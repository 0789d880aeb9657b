// Package logging defines the printf-style logging contract used across mend.
//
// Components depend on the small Logger interface rather than a concrete
// implementation so tests can swap in Nop or a recording logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"
	"strings"
)

// Logger defines a minimal, printf-style logging contract.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// IsNil reports whether logger is nil or wraps a nil pointer receiver.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	val := reflect.ValueOf(logger)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

// Config configures the process-wide logger.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, text
	Output io.Writer
}

type slogLogger struct {
	logger    *slog.Logger
	component string
}

// New creates a structured logger backed by log/slog.
func New(cfg Config) Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(output, opts)
	} else {
		handler = slog.NewJSONHandler(output, opts)
	}
	return &slogLogger{logger: slog.New(handler)}
}

var defaultLogger Logger = New(Config{Level: os.Getenv("MEND_LOG_LEVEL")})

// SetDefault replaces the process-wide default logger.
func SetDefault(logger Logger) {
	if !IsNil(logger) {
		defaultLogger = logger
	}
}

// NewComponentLogger returns the default application logger scoped to a component.
func NewComponentLogger(component string) Logger {
	return &componentLogger{base: func() Logger { return defaultLogger }, component: component}
}

type componentLogger struct {
	base      func() Logger
	component string
}

func (c *componentLogger) prefix(format string) string {
	return "[" + c.component + "] " + format
}

func (c *componentLogger) Debug(format string, args ...any) { c.base().Debug(c.prefix(format), args...) }
func (c *componentLogger) Info(format string, args ...any)  { c.base().Info(c.prefix(format), args...) }
func (c *componentLogger) Warn(format string, args ...any)  { c.base().Warn(c.prefix(format), args...) }
func (c *componentLogger) Error(format string, args ...any) { c.base().Error(c.prefix(format), args...) }

func (l *slogLogger) Debug(format string, args ...any) { l.logger.Debug(fmt.Sprintf(format, args...)) }
func (l *slogLogger) Info(format string, args ...any)  { l.logger.Info(fmt.Sprintf(format, args...)) }
func (l *slogLogger) Warn(format string, args ...any)  { l.logger.Warn(fmt.Sprintf(format, args...)) }
func (l *slogLogger) Error(format string, args ...any) { l.logger.Error(fmt.Sprintf(format, args...)) }
