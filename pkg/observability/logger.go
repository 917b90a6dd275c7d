package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// LogLevel is the minimum severity a Logger writes. The values are slog levels.
type LogLevel slog.Level

const (
	DebugLevel = LogLevel(slog.LevelDebug)
	InfoLevel  = LogLevel(slog.LevelInfo)
	WarnLevel  = LogLevel(slog.LevelWarn)
	ErrorLevel = LogLevel(slog.LevelError)
)

func (l LogLevel) String() string {
	return slog.Level(l).String()
}

// ParseLogLevel maps a level name to a LogLevel. Unknown names fall back to
// InfoLevel.
func ParseLogLevel(name string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return DebugLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// Logger writes JSON lines through slog. Loggers are immutable; the With*
// methods return a child.
type Logger struct {
	logger *slog.Logger
	ctx    context.Context
}

// NewLogger creates a JSON logger writing to output, or stdout when output is nil
func NewLogger(level LogLevel, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}
	handler := slog.NewJSONHandler(output, &slog.HandlerOptions{Level: slog.Level(level)})
	return &Logger{logger: slog.New(contextHandler{handler})}
}

// WithContext binds ctx to the logger. Entries then carry the correlation id and
// the recording span of ctx.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	return &Logger{logger: l.logger, ctx: ctx}
}

// WithField adds a field to the logger context
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{logger: l.logger.With(key, value), ctx: l.ctx}
}

// WithFields adds multiple fields to the logger context
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return &Logger{logger: l.logger.With(args...), ctx: l.ctx}
}

// WithError adds err under "error"; a nil err returns l unchanged
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithField("error", err.Error())
}

func (l *Logger) log(level LogLevel, message string) {
	ctx := l.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	l.logger.Log(ctx, slog.Level(level), message)
}

// Debug logs a debug message
func (l *Logger) Debug(message string) { l.log(DebugLevel, message) }

// Debugf logs a formatted debug message
func (l *Logger) Debugf(format string, args ...interface{}) { l.log(DebugLevel, fmt.Sprintf(format, args...)) }

// Info logs an info message
func (l *Logger) Info(message string) { l.log(InfoLevel, message) }

// Infof logs a formatted info message
func (l *Logger) Infof(format string, args ...interface{}) { l.log(InfoLevel, fmt.Sprintf(format, args...)) }

// Warn logs a warning message
func (l *Logger) Warn(message string) { l.log(WarnLevel, message) }

// Warnf logs a formatted warning message
func (l *Logger) Warnf(format string, args ...interface{}) { l.log(WarnLevel, fmt.Sprintf(format, args...)) }

// Error logs an error message
func (l *Logger) Error(message string) { l.log(ErrorLevel, message) }

// Errorf logs a formatted error message
func (l *Logger) Errorf(format string, args ...interface{}) { l.log(ErrorLevel, fmt.Sprintf(format, args...)) }

type contextKey string

const (
	correlationIDKey contextKey = "correlation_id"
	loggerKey        contextKey = "logger"
)

// WithCorrelationID tags ctx with an id that follows a payment across the
// dispatcher, retry deliveries and published events.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// GetCorrelationID returns the id set by WithCorrelationID
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}

// WithLogger adds a logger to the context
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// GetLogger retrieves the logger from context
func GetLogger(ctx context.Context) *Logger {
	if logger, ok := ctx.Value(loggerKey).(*Logger); ok {
		return logger
	}
	return NewLogger(InfoLevel, os.Stdout)
}

// FromContext returns the context logger bound to ctx
func FromContext(ctx context.Context) *Logger {
	return GetLogger(ctx).WithContext(ctx)
}

// contextHandler adds the correlation id and the ids of the recording span from
// the context of each record.
type contextHandler struct {
	slog.Handler
}

func (h contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if id := GetCorrelationID(ctx); id != "" {
		r.AddAttrs(slog.String("correlation_id", id))
	}
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		sc := span.SpanContext()
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.Handler.Handle(ctx, r)
}

func (h contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return contextHandler{h.Handler.WithAttrs(attrs)}
}

func (h contextHandler) WithGroup(name string) slog.Handler {
	return contextHandler{h.Handler.WithGroup(name)}
}
