package logger

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"bucketflow/internal/constants"
	"bucketflow/pkg/logging"
)

type Logger interface {
	Debugw(msg string, keysAndValues ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Infof(template string, args ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
	Fatalf(template string, args ...interface{})
	Sync() error

	DebugwCtx(ctx context.Context, msg string, keysAndValues ...interface{})
	InfowCtx(ctx context.Context, msg string, keysAndValues ...interface{})
	WarnwCtx(ctx context.Context, msg string, keysAndValues ...interface{})
	ErrorwCtx(ctx context.Context, msg string, keysAndValues ...interface{})

	// Named returns a child logger tagged with a component name.
	Named(component string) Logger
}

type SugaredLogger struct {
	*zap.SugaredLogger
}

// New builds a zap logger tagged with the service name. level is one of
// zap's level names; format is "json" or "console".
func New(level, format string) (Logger, error) {
	lvl := zapcore.InfoLevel
	if level != "" {
		parsed, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		lvl = parsed
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	switch format {
	case "", "json":
		cfg.Encoding = "json"
	case "console":
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.MessageKey = "message"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.InitialFields = map[string]interface{}{"service": constants.ServiceName}

	zl, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return Wrap(zl), nil
}

// Wrap adapts an existing zap logger.
func Wrap(zl *zap.Logger) Logger {
	return &SugaredLogger{SugaredLogger: zl.Sugar()}
}

func (l *SugaredLogger) Named(component string) Logger {
	return &SugaredLogger{
		SugaredLogger: l.SugaredLogger.Named(component).With("component", component),
	}
}

func (l *SugaredLogger) DebugwCtx(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.Debugw(msg, withContext(ctx, keysAndValues)...)
}

func (l *SugaredLogger) InfowCtx(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.Infow(msg, withContext(ctx, keysAndValues)...)
}

func (l *SugaredLogger) WarnwCtx(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.Warnw(msg, withContext(ctx, keysAndValues)...)
}

func (l *SugaredLogger) ErrorwCtx(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.Errorw(msg, withContext(ctx, keysAndValues)...)
}

func withContext(ctx context.Context, keysAndValues []interface{}) []interface{} {
	fields := logging.GetLogFields(ctx)
	if len(fields) == 0 {
		return keysAndValues
	}
	return append(fields, keysAndValues...)
}

func NopLogger() Logger {
	return Wrap(zap.NewNop())
}
