package testutil

import (
	"net/http"

	"auditlog/pkg/requestcontext"
)

// WithUserID marks the request as made by userID, as the auth middleware
// would after validating a token.
func WithUserID(req *http.Request, userID string) *http.Request {
	return req.WithContext(requestcontext.WithUserID(req.Context(), userID))
}

// AsUser returns middleware that authenticates every request as userID.
func AsUser(userID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, WithUserID(r, userID))
		})
	}
}
