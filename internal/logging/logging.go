// Package logging builds the process-wide structured logger. Records are
// written as JSON by zap and exposed to the rest of the code through slog.
package logging

import (
	"context"
	"log/slog"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"
)

// New returns a JSON logger for service at level and installs it as the slog
// default. The returned func flushes buffered entries.
func New(service string, level slog.Level) (*slog.Logger, func(), error) {
	zapCfg := zap.NewProductionConfig()
	zapCfg.Encoding = "json"
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapCfg.OutputPaths = []string{"stdout"}
	zapCfg.ErrorOutputPaths = []string{"stderr"}
	zapCfg.Level = zap.NewAtomicLevelAt(ZapLevel(level))

	zl, err := zapCfg.Build()
	if err != nil {
		return nil, nil, errors.Wrap(err, "build zap logger")
	}
	zl = zl.With(zap.String("service", service))
	zap.ReplaceGlobals(zl)

	logger := slog.New(zapslog.NewHandler(zl.Core()))
	slog.SetDefault(logger)

	return logger, func() { _ = zl.Sync() }, nil
}

// ZapLevel converts an slog level to the matching zap level.
func ZapLevel(l slog.Level) zapcore.Level {
	switch {
	case l >= slog.LevelError:
		return zapcore.ErrorLevel
	case l >= slog.LevelWarn:
		return zapcore.WarnLevel
	case l >= slog.LevelInfo:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

// FromContext returns the default logger enriched with the active trace ids.
func FromContext(ctx context.Context) *slog.Logger {
	return WithContext(ctx, slog.Default())
}

// WithContext adds trace_id and span_id to base when ctx carries a span.
func WithContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return base
	}
	return base.With(
		"trace_id", sc.TraceID().String(),
		"span_id", sc.SpanID().String(),
	)
}
