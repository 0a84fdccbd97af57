package shared

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// DefaultUserID is the identity used when a caller does not name one.
// The desktop client runs single-user, so most traffic lands here.
const DefaultUserID = "default"

// RequestIDPrefix tags every generated request id.
const RequestIDPrefix = "req_"

type traceKey struct{}
type userIDKey struct{}
type requestIDKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithUserID attaches the caller's user id to the context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

// UserID extracts user_id from context. Returns DefaultUserID if absent.
func UserID(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey{}).(string); ok && v != "" {
		return v
	}
	return DefaultUserID
}

// WithRequestID attaches a request_id to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestID extracts request_id from context. Returns "" if absent.
func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

// NewRequestID returns a fresh "req_" id carrying a full random uuid, so ids
// never collide across restarts or users.
func NewRequestID() string {
	return RequestIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// IsRequestID reports whether id has the shape produced by NewRequestID.
func IsRequestID(id string) bool {
	rest, ok := strings.CutPrefix(id, RequestIDPrefix)
	if !ok || len(rest) != 32 {
		return false
	}
	_, err := uuid.Parse(rest)
	return err == nil
}
