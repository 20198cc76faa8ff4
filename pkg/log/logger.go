// Package log provides a structured logging system for correlator services.
package log

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents the severity level of a log message.
type Level int

// Log levels
const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

// String returns the string representation of the log level.
func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	case FatalLevel:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

func (l Level) zap() zapcore.Level {
	switch l {
	case DebugLevel:
		return zapcore.DebugLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	case FatalLevel:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// Context keys for propagating logging context
const (
	RequestIDKey = "request_id"
	ComponentKey = "component"
	OperationKey = "operation"
)

// Logger defines the core logging interface for correlator components.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	Fatal(msg string, fields ...Field)

	// With adds fields to every entry written by the returned Logger.
	With(fields ...Field) Logger
	// WithContext copies request scoped values (request id, operation) from ctx.
	WithContext(ctx context.Context) Logger
	// WithComponent tags logs with a component name
	WithComponent(component string) Logger
	WithError(err error) Logger

	SetLevel(level Level)
	GetLevel() Level
	// Sync flushes buffered entries.
	Sync() error
}

// LoggerOption is a function that configures a logger.
type LoggerOption func(*options)

type options struct {
	level  Level
	format Format
	out    io.Writer
}

// Format selects the encoder used for entries.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// WithLevel sets the minimum log level.
func WithLevel(level Level) LoggerOption {
	return func(o *options) { o.level = level }
}

// WithFormat selects text (console) or JSON encoding.
func WithFormat(format Format) LoggerOption {
	return func(o *options) { o.format = format }
}

// WithOutput redirects entries to w instead of stderr.
func WithOutput(w io.Writer) LoggerOption {
	return func(o *options) { o.out = w }
}

// zapLogger implements Logger on top of a zap core.
type zapLogger struct {
	z     *zap.Logger
	level zap.AtomicLevel
}

// NewLogger creates a new logger with the given options. Defaults are
// info level, JSON encoding, stderr.
func NewLogger(opts ...LoggerOption) Logger {
	o := options{level: InfoLevel, format: FormatJSON, out: os.Stderr}
	for _, opt := range opts {
		opt(&o)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if o.format == FormatText {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	lvl := zap.NewAtomicLevelAt(o.level.zap())
	core := zapcore.NewCore(enc, zapcore.AddSync(o.out), lvl)
	return &zapLogger{z: zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)), level: lvl}
}

// NewNop returns a Logger that discards everything.
func NewNop() Logger {
	return &zapLogger{z: zap.NewNop(), level: zap.NewAtomicLevelAt(zapcore.FatalLevel)}
}

func (l *zapLogger) Debug(msg string, fields ...Field) { l.z.Debug(msg, toZap(fields)...) }
func (l *zapLogger) Info(msg string, fields ...Field)  { l.z.Info(msg, toZap(fields)...) }
func (l *zapLogger) Warn(msg string, fields ...Field)  { l.z.Warn(msg, toZap(fields)...) }
func (l *zapLogger) Error(msg string, fields ...Field) { l.z.Error(msg, toZap(fields)...) }
func (l *zapLogger) Fatal(msg string, fields ...Field) { l.z.Fatal(msg, toZap(fields)...) }

func (l *zapLogger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	return &zapLogger{z: l.z.With(toZap(fields)...), level: l.level}
}

func (l *zapLogger) WithContext(ctx context.Context) Logger {
	if ctx == nil {
		return l
	}
	var fields []Field
	for _, k := range []string{RequestIDKey, OperationKey, ComponentKey} {
		if v := ctx.Value(ctxKey(k)); v != nil {
			fields = append(fields, Any(k, v))
		}
	}
	return l.With(fields...)
}

func (l *zapLogger) WithComponent(component string) Logger {
	return l.With(Component(component))
}

func (l *zapLogger) WithError(err error) Logger {
	return l.With(Err(err))
}

func (l *zapLogger) SetLevel(level Level) { l.level.SetLevel(level.zap()) }

func (l *zapLogger) GetLevel() Level {
	switch l.level.Level() {
	case zapcore.DebugLevel:
		return DebugLevel
	case zapcore.WarnLevel:
		return WarnLevel
	case zapcore.ErrorLevel:
		return ErrorLevel
	case zapcore.FatalLevel, zapcore.PanicLevel, zapcore.DPanicLevel:
		return FatalLevel
	default:
		return InfoLevel
	}
}

func (l *zapLogger) Sync() error { return l.z.Sync() }

type ctxKey string

// ContextWith returns a copy of ctx carrying a logging value under key
// (RequestIDKey, OperationKey or ComponentKey).
func ContextWith(ctx context.Context, key string, value any) context.Context {
	return context.WithValue(ctx, ctxKey(key), value)
}

// RedirectStdLog routes the standard library logger (used by Pebble) to l at
// info level. It returns a function restoring the previous output.
func RedirectStdLog(l Logger) func() {
	if zl, ok := l.(*zapLogger); ok {
		return zap.RedirectStdLog(zl.z.WithOptions(zap.AddCallerSkip(-1)))
	}
	return func() {}
}

// ParseLevel parses debug|info|warn|error|fatal (case-insensitive).
func ParseLevel(s string) (Level, error) {
	var zl zapcore.Level
	if err := zl.UnmarshalText([]byte(s)); err != nil || s == "" {
		return InfoLevel, fmt.Errorf("log: unknown level %q", s)
	}
	switch zl {
	case zapcore.DebugLevel:
		return DebugLevel, nil
	case zapcore.InfoLevel:
		return InfoLevel, nil
	case zapcore.WarnLevel:
		return WarnLevel, nil
	case zapcore.ErrorLevel:
		return ErrorLevel, nil
	default:
		return FatalLevel, nil
	}
}
