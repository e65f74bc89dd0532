package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging.
const (
	FieldJobID     = "job_id"
	FieldActionID  = "action_id"
	FieldHook      = "hook"
	FieldSymbol    = "symbol"
	FieldStatus    = "status"
	FieldCount     = "count"
	FieldBatchSize = "batch_size"

	FieldDurationMS = "duration_ms"

	// Used CSS
	FieldURL       = "url"
	FieldIsMobile  = "is_mobile"
	FieldQueueName = "queue_name"
	FieldRetries   = "retries"
	FieldRecordID  = "record_id"
	FieldCode      = "code"
)

type contextKey string

const (
	actionIDKey contextKey = "logger_action_id"
	hookKey     contextKey = "logger_hook"
)

// WithAction tags ctx with the scheduled action a hook is running for
func WithAction(ctx context.Context, actionID, hook string) context.Context {
	ctx = context.WithValue(ctx, actionIDKey, actionID)
	return context.WithValue(ctx, hookKey, hook)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if id, ok := ctx.Value(actionIDKey).(string); ok && id != "" {
		fields = append(fields, FieldActionID, id)
	}
	if hook, ok := ctx.Value(hookKey).(string); ok && hook != "" {
		fields = append(fields, FieldHook, hook)
	}

	return fields
}

// FromContext returns base with any fields carried by ctx attached
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}
