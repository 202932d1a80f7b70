package observability

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/admissions/internal/config"
	"github.com/pitabwire/admissions/model"
)

// ServiceName is stamped on every log entry and on the tracing resource.
const ServiceName = "admissions"

type loggerKey struct{}

// NewLogger builds the process logger. Output is JSON unless LogFormat is
// "console". An unparseable level falls back to info.
//
// Levels:
//   - error: store or provider failures surfaced as INTERNAL_ERROR, panics, 5xx
//   - warn:  rejected requests, dropped notifications, audit failures, chain limits
//   - info:  submissions, transitions, activations, scan summaries
//   - debug: guard outcomes, lease contention, skipped evaluations
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.Sampling = nil
	zc.EncoderConfig.TimeKey = "timestamp"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.EncoderConfig.EncodeDuration = zapcore.MillisDurationEncoder
	zc.InitialFields = map[string]any{"service": ServiceName}

	switch cfg.LogFormat {
	case "", "json":
	case "console":
		zc.Encoding = "console"
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, fmt.Errorf("logging: unsupported format %q (supported: json, console)", cfg.LogFormat)
	}
	return zc.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in ctx, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns the context logger tagged with the caller of the
// request, when ctx carries one.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := make([]zap.Field, 0, 4)
	fields = append(fields, zap.String("subject_id", rctx.SubjectID))
	if rctx.AuthMethod != "" {
		fields = append(fields, zap.String("auth_method", rctx.AuthMethod))
	}
	if rctx.CorrelationID != "" {
		fields = append(fields, zap.String("correlation_id", rctx.CorrelationID))
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	return logger.With(fields...)
}

// ApplicationFields describes where an application sits.
func ApplicationFields(state model.ApplicationWorkflowState) []zap.Field {
	return []zap.Field{
		zap.String("application_id", state.ApplicationID),
		zap.String("application_type", state.ApplicationType),
		zap.String("workflow_definition_id", state.WorkflowDefinitionID),
		zap.String("stage_id", state.CurrentStageID),
		zap.Int("version", state.Version),
	}
}

// RecordFields describes one committed status record.
func RecordFields(rec model.StatusRecord) []zap.Field {
	fields := []zap.Field{
		zap.Int64("sequence", rec.Sequence),
		zap.String("to_stage_id", rec.ToStageID),
		zap.String("trigger_type", string(rec.TriggerType)),
		zap.String("triggered_by", rec.TriggeredBy),
	}
	if rec.TransitionID != "" {
		fields = append(fields, zap.String("transition_id", rec.TransitionID))
	}
	if from := rec.From(); from != "" {
		fields = append(fields, zap.String("from_stage_id", from))
	}
	return fields
}

// ErrorFields logs err together with its taxonomy code, if it has one.
func ErrorFields(err error) []zap.Field {
	if err == nil {
		return nil
	}
	fields := []zap.Field{zap.Error(err)}
	if env, ok := model.AsEnvelope(err); ok {
		fields = append(fields,
			zap.String("error_code", env.Code),
			zap.Bool("retriable", env.Retriable),
		)
	}
	return fields
}
