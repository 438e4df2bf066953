package httpserver

import (
	"net/http"
)

// Rejection is the JSON body of every error response.
type Rejection struct {
	Detail string `json:"detail"`
}

// Detail is the client-facing message for an error status.
func Detail(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "Invalid Body"
	case http.StatusForbidden:
		return "Forbidden"
	case http.StatusNotFound:
		return "Not found"
	case http.StatusMethodNotAllowed:
		return "Method not allowed"
	case http.StatusInternalServerError:
		return "Internal server error"
	default:
		return http.StatusText(status)
	}
}

// WriteError writes {"detail": ...} for status.
func WriteError(w http.ResponseWriter, status int) {
	w.Header().Del("Content-Length")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	WriteJSON(w, status, Rejection{Detail: Detail(status)})
}

// rejectionMapper replaces the mux's plain-text 404 and 405 responses with
// JSON rejections.
func (s *Server) rejectionMapper(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h, pattern := mux.Handler(r)
		if pattern != "" {
			h.ServeHTTP(w, r)
			return
		}

		capture := &captureWriter{header: make(http.Header)}
		h.ServeHTTP(capture, r)
		if allow := capture.header.Get("Allow"); allow != "" {
			w.Header().Set("Allow", allow)
		}
		status := capture.status
		if status == 0 || status < http.StatusBadRequest {
			status = http.StatusNotFound
		}
		WriteError(w, status)
	})
}

// captureWriter records the status a handler chose and discards its body.
type captureWriter struct {
	header http.Header
	status int
}

func (w *captureWriter) Header() http.Header { return w.header }

func (w *captureWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return len(b), nil
}

func (w *captureWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
}
