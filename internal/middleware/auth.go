package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
)

const (
	// UserIDHeader carries the authenticated user's ID, set by the edge
	// auth layer in front of this service.
	UserIDHeader = "X-User-ID"

	// UserIDContextKey is the context key for the authenticated user ID.
	UserIDContextKey contextKey = "user_id"
)

// RequireUser extracts the authenticated user ID from the trusted edge
// header and rejects requests without one. Authentication itself happens
// upstream; this service only enforces presence and ownership.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := uuid.Parse(r.Header.Get(UserIDHeader))
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{
				"error":   "unauthorized",
				"message": "Authentication required",
			})
			return
		}

		ctx := context.WithValue(r.Context(), UserIDContextKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetUserID retrieves the authenticated user ID from the context, or
// uuid.Nil when the request is unauthenticated.
func GetUserID(ctx context.Context) uuid.UUID {
	if id, ok := ctx.Value(UserIDContextKey).(uuid.UUID); ok {
		return id
	}
	return uuid.Nil
}
