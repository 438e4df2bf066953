package httpserver

import (
	"net/http"
	"strings"
)

func (s *Server) originMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			originHeader := strings.TrimSpace(r.Header.Get("Origin"))
			if originHeader == "" {
				next.ServeHTTP(w, r)
				return
			}

			normalizedOrigin, ok := s.origins.Check(originHeader, r.Host)
			if !ok {
				s.log.Debug("rejecting request from disallowed origin", "origin", originHeader, "path", r.URL.Path)
				WriteError(w, http.StatusForbidden)
				return
			}

			// CORS headers only go out when the browser sent an Origin header.
			w.Header().Set("Access-Control-Allow-Origin", normalizedOrigin)
			w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
			w.Header().Add("Vary", "Origin")

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.Header().Set("Access-Control-Allow-Methods", "GET,OPTIONS")
				if requestHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers")); requestHeaders != "" {
					w.Header().Set("Access-Control-Allow-Headers", requestHeaders)
				}
				w.Header().Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
