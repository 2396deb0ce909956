package logging

import (
	"context"
)

type ctxKey string

const (
	TraceIDKey     ctxKey = "trace_id"
	EventIDKey     ctxKey = "event_id"
	HandlerIDKey   ctxKey = "handler_id"
	ServiceNameKey ctxKey = "service_name"
)

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

func WithEventID(ctx context.Context, eventID string) context.Context {
	return context.WithValue(ctx, EventIDKey, eventID)
}

func WithHandlerID(ctx context.Context, handlerID string) context.Context {
	return context.WithValue(ctx, HandlerIDKey, handlerID)
}

func WithServiceName(ctx context.Context, serviceName string) context.Context {
	return context.WithValue(ctx, ServiceNameKey, serviceName)
}

func stringValue(ctx context.Context, key ctxKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

func GetTraceID(ctx context.Context) string {
	return stringValue(ctx, TraceIDKey)
}

func GetEventID(ctx context.Context) string {
	return stringValue(ctx, EventIDKey)
}

func GetHandlerID(ctx context.Context) string {
	return stringValue(ctx, HandlerIDKey)
}

func GetServiceName(ctx context.Context) string {
	return stringValue(ctx, ServiceNameKey)
}

// GetLogFields returns the key/value pairs carried by ctx in zap's sugared form.
func GetLogFields(ctx context.Context) []interface{} {
	fields := make([]interface{}, 0, 8)

	for _, key := range []ctxKey{TraceIDKey, EventIDKey, HandlerIDKey, ServiceNameKey} {
		if v := stringValue(ctx, key); v != "" {
			fields = append(fields, string(key), v)
		}
	}

	return fields
}
