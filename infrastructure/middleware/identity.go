package middleware

import "context"

type contextKey string

const userIDContextKey contextKey = "user_id"

// WithUserID attaches a caller identity (org id, agent id, or API key subject)
// to the request context for downstream rate limiting and logging.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}

// GetUserID returns the caller identity previously attached with WithUserID,
// or the empty string if none was set.
func GetUserID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(userIDContextKey).(string); ok {
		return v
	}
	return ""
}
