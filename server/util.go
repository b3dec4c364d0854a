package server

import (
	"fmt"
	"net/http"
	"strings"
)

func listenAddr(port int) string {
	return fmt.Sprintf(":%d", port)
}

// checkOrigin validates WebSocket upgrade origins against the allow-list
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")

	// Allow requests with no origin header (e.g., direct WebSocket clients, testing)
	if origin == "" {
		return true
	}

	allowed := s.allowedOrigins.Load()
	if allowed == nil || len(*allowed) == 0 {
		return strings.HasPrefix(origin, "http://localhost") ||
			strings.HasPrefix(origin, "https://localhost")
	}

	// Prefix matching allows any port number
	for _, allowedOrigin := range *allowed {
		if strings.HasPrefix(origin, allowedOrigin) {
			return true
		}
	}
	return false
}

// shortID truncates an ID to 8 characters for logging
func shortID(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}
