package logging

import (
	"context"

	"go.uber.org/zap"
)

// Context key types.
type eventCtxKey struct{}
type requestCtxKey struct{}
type loggerCtxKey struct{}

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 2)
	if eventID := EventIDFromContext(ctx); eventID != "" {
		fields = append(fields, zap.String("event.id", eventID))
	}
	if requestID := RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, zap.String("request.id", requestID))
	}
	return fields
}

// WithEventID adds the routed event's ID to context.
func WithEventID(ctx context.Context, eventID string) context.Context {
	return context.WithValue(ctx, eventCtxKey{}, eventID)
}

// EventIDFromContext extracts the event ID from context.
func EventIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(eventCtxKey{}).(string); ok {
		return id
	}
	return ""
}

// WithRequestID adds an HTTP request ID to context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestCtxKey{}).(string); ok {
		return id
	}
	return ""
}

// WithLogger stores a logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves the logger from context, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}
