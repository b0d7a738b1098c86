package auth

import "context"

type contextKey string

// ContextUserKey is where middleware stores the authenticated user.
const ContextUserKey contextKey = "current_user"

// UserFromContext returns the authenticated user set by AuthMiddleware.
func UserFromContext(ctx context.Context) (*CurrentUser, bool) {
	user, ok := ctx.Value(ContextUserKey).(*CurrentUser)
	return user, ok
}
