// Package observability provides the structured logger shared by every
// component of the cache fabric and middleware pipeline.
//
// Grounded on 2lar-b2's internal/errors/logging.go StructuredLogger:
// environment-driven zap.Config selection, context-scoped field
// attachment, and leveled request/operation logging helpers.
package observability

import (
	"context"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey string

const (
	ctxKeyRequestID contextKey = "request_id"
	ctxKeyTier      contextKey = "tier"
)

// Logger wraps zap.Logger with context-aware field attachment.
type Logger struct {
	*zap.Logger
}

// New builds a Logger configured for the given environment: "production"
// gets sampled JSON output at info level, anything else gets colorized
// console output at debug level.
func New(environment string) (*Logger, error) {
	var cfg zap.Config
	if environment == "production" {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
		cfg.Sampling = &zap.SamplingConfig{Initial: 100, Thereafter: 100}
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	l, err := cfg.Build(zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel))
	if err != nil {
		return nil, err
	}
	return &Logger{l}, nil
}

// WithRequestID attaches a request ID for downstream WithContext calls.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, requestID)
}

// WithTier attaches which tier a logged operation concerns.
func WithTier(ctx context.Context, tierName string) context.Context {
	return context.WithValue(ctx, ctxKeyTier, tierName)
}

// WithContext returns a Logger carrying fields pulled from ctx.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	var fields []zap.Field
	if v, ok := ctx.Value(ctxKeyRequestID).(string); ok && v != "" {
		fields = append(fields, zap.String("request_id", v))
	}
	if v, ok := ctx.Value(ctxKeyTier).(string); ok && v != "" {
		fields = append(fields, zap.String("tier", v))
	}
	if len(fields) == 0 {
		return l
	}
	return &Logger{l.Logger.With(fields...)}
}

// LogTierOp logs a tier operation's outcome and duration at the
// appropriate level: Error on failure, Debug on success.
func (l *Logger) LogTierOp(ctx context.Context, operation, tierName string, start time.Time, err error) {
	contextLogger := l.WithContext(ctx)
	fields := []zap.Field{
		zap.String("operation", operation),
		zap.String("tier", tierName),
		zap.Duration("duration", time.Since(start)),
	}
	if err != nil {
		contextLogger.Error("tier operation failed", append(fields, zap.Error(err))...)
		return
	}
	contextLogger.Debug("tier operation completed", fields...)
}

// LogMiddleware logs a middleware's pass outcome at the appropriate level.
func (l *Logger) LogMiddleware(ctx context.Context, name string, phase string, start time.Time, err error) {
	contextLogger := l.WithContext(ctx)
	fields := []zap.Field{
		zap.String("middleware", name),
		zap.String("phase", phase),
		zap.Duration("duration", time.Since(start)),
	}
	if err != nil {
		contextLogger.Warn("middleware returned error", append(fields, zap.Error(err))...)
		return
	}
	contextLogger.Debug("middleware completed", fields...)
}
