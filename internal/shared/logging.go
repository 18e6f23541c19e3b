package shared

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// A correlation id ties one kiosk-side action to the remote session
// API calls it fans out to. The id rides the context on this side and
// the X-Correlation-ID header on the wire, so a single purchase can
// be traced across both systems.

type contextKey string

const correlationIDKey contextKey = "correlation_id"

// WithCorrelationID attaches a correlation id to the context. Callers
// typically use the logical kiosk id or the session code.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// GetCorrelationID returns the id carried by the context, minting a
// fresh one when the caller never set it. Requests are never sent
// without an id.
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok && id != "" {
		return id
	}
	return uuid.New().String()
}

// LogWithContext emits an info line stamped with the context's
// correlation id.
func LogWithContext(ctx context.Context, logger *zap.Logger, msg string, fields ...zap.Field) {
	if logger == nil {
		return
	}
	fields = append(fields, zap.String("correlation_id", GetCorrelationID(ctx)))
	logger.Info(msg, fields...)
}

// LogErrorWithContext is the error-level counterpart of
// LogWithContext.
func LogErrorWithContext(ctx context.Context, logger *zap.Logger, msg string, err error, fields ...zap.Field) {
	if logger == nil {
		return
	}
	fields = append(fields, zap.String("correlation_id", GetCorrelationID(ctx)), zap.Error(err))
	logger.Error(msg, fields...)
}
