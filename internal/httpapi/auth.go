package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// DashboardAuth guards the access-control dashboard routes with a shared
// bearer token. With no token configured the routes are closed.
func DashboardAuth(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token == "" {
			writeError(w, requestIDFromRequest(r), http.StatusForbidden, "dashboard_disabled", "dashboard access is not configured")
			return
		}
		presented := bearerToken(r.Header.Get("Authorization"))
		if presented == "" {
			writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return ""
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}
