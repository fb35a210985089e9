package middleware

import (
	"context"
	"net/http"
)

type AdminStore interface {
	IsAdmin(ctx context.Context, userID string) (bool, bool, error)
	HasRole(ctx context.Context, userID, role string) (bool, error)
}

// RequireAdmin admits super admins unconditionally and other admins only when
// they hold role. An empty role admits any admin.
func RequireAdmin(adminStore AdminStore, role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := UserIDFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			isAdmin, isSuper, err := adminStore.IsAdmin(r.Context(), userID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "unable to verify admin")
				return
			}
			if !isAdmin {
				writeError(w, http.StatusForbidden, "admin privileges required")
				return
			}
			if isSuper || role == "" {
				next.ServeHTTP(w, r)
				return
			}
			hasRole, err := adminStore.HasRole(r.Context(), userID, role)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "unable to verify role")
				return
			}
			if !hasRole {
				writeError(w, http.StatusForbidden, "missing required role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
