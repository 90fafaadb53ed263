package api

import (
	"context"

	"github.com/go-chi/chi/v5/middleware"
)

// userIDContextKey is the context key for the authenticated user.
type userIDContextKey struct{}

// WithUserID returns a new context with the user ID attached.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey{}, userID)
}

// UserIDFromContext extracts the user ID from the context. Returns an empty
// string when no user middleware ran.
func UserIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(userIDContextKey{}).(string)
	return id
}

// GetRequestID returns the chi request ID, or an empty string.
func GetRequestID(ctx context.Context) string {
	return middleware.GetReqID(ctx)
}
