package observability

import (
	"context"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/stepflow/internal/config"
	"github.com/pitabwire/stepflow/model"
)

// ServiceName tags every log entry and trace of the process.
const ServiceName = "stepflow"

// NewLogger builds the process logger writing to stdout. Levels are used as
// follows:
//   - error: store or relay failures, 5xx responses
//   - warn:  dropped notifications, failed reconcile or timeout passes, 4xx on writes
//   - info:  workflow lifecycle, task transitions and timeouts, definition publishes
//   - debug: lost write races, automation skips, key refreshes
//
// An unparseable level falls back to info.
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	return newLogger(cfg, zapcore.Lock(os.Stdout)), nil
}

func newLogger(cfg config.ObservabilityConfig, out zapcore.WriteSyncer) *zap.Logger {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "timestamp"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeDuration = zapcore.MillisDurationEncoder

	var encoder zapcore.Encoder
	if cfg.LogFormat == "console" {
		enc.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(enc)
	} else {
		encoder = zapcore.NewJSONEncoder(enc)
	}

	core := zapcore.NewCore(encoder, out, zap.NewAtomicLevelAt(level))
	return zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.ErrorOutput(zapcore.Lock(os.Stderr)),
		zap.Fields(zap.String("service", ServiceName)),
	)
}

// RequestLogger returns logger with the caller's identity and correlation
// fields when ctx carries a RequestContext.
func RequestLogger(ctx context.Context, logger *zap.Logger) *zap.Logger {
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	roles := make([]string, len(rctx.Actor.Roles))
	for i, r := range rctx.Actor.Roles {
		roles[i] = string(r)
	}
	fields := []zap.Field{
		zap.String("actor_id", rctx.Actor.ID),
		zap.Strings("actor_roles", roles),
		zap.String("correlation_id", rctx.CorrelationID),
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	return logger.With(fields...)
}
