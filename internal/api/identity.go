package api

import (
	"context"
	"net/http"
	"strings"
)

type ownerKey struct{}

// Owner reads the caller identity from header, set by the authentication
// layer in front of the service. Requests without it are rejected with 401.
func Owner(header string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			owner := strings.TrimSpace(r.Header.Get(header))
			if owner == "" {
				writeErr(w, http.StatusUnauthorized, "missing caller identity", "UNAUTHORIZED")
				return
			}
			ctx := context.WithValue(r.Context(), ownerKey{}, owner)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OwnerFromContext returns the identity stored by Owner, or "".
func OwnerFromContext(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey{}).(string)
	return owner
}
