package auth

import (
	"net/http"
	"strings"
)

// ExtractToken reads the bearer token from the Authorization header, falling
// back to the token query parameter for WebSocket connections
func ExtractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth != "" {
		if strings.HasPrefix(auth, "Bearer ") {
			return strings.TrimPrefix(auth, "Bearer ")
		}
		return auth
	}

	return r.URL.Query().Get("token")
}
