package server

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/Kiremode/chatai-proxy/internal/logging"
)

// RequestIDHeader carries the per-request correlation id to the backend and back to the client.
const RequestIDHeader = "X-Request-ID"

// ErrorResponse defines the structure for JSON error responses.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, code int, msg string) {
	body, _ := json.Marshal(ErrorResponse{Code: code, Message: msg})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

// wrappedWriter captures status code for logging
type wrappedWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (w *wrappedWriter) WriteHeader(code int) {
	if !w.wroteHeader && code >= http.StatusOK {
		w.statusCode = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *wrappedWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

// Flush keeps streamed backend responses flowing through the middleware chain.
func (w *wrappedWriter) Flush() {
	w.wroteHeader = true
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *wrappedWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// loggingMiddleware logs the method, path, duration, and status code of the request.
func loggingMiddleware(logger logging.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		clientIP, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			logger.Error("Failed to parse client IP", "error", err, "remote_addr", r.RemoteAddr)
			writeError(w, http.StatusBadRequest, "Invalid client address")
			return
		}

		logger.Info("Received request",
			"method", r.Method,
			"path", r.URL.Path,
			"client_ip", clientIP,
		)
		logger.Debug("Request headers",
			"client_ip", clientIP,
			"headers", r.Header,
		)

		// Check if request is canceled
		if err := r.Context().Err(); err != nil {
			logger.Warn("Request canceled",
				"client_ip", clientIP,
				"path", r.URL.Path,
				"error", err,
			)
			writeError(w, http.StatusRequestTimeout, "Request canceled")
			return
		}

		// Wrap response writer to capture status code
		ww := &wrappedWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		duration := time.Since(start)

		logger.Info("Request served",
			"method", r.Method,
			"path", r.URL.Path,
			"client_ip", clientIP,
			"request_id", r.Header.Get(RequestIDHeader),
			"status", ww.statusCode,
			"duration_ms", duration.Milliseconds(),
		)
	})
}

// requestIDMiddleware makes sure every request carries an id. A client
// supplied id is kept; otherwise a random one is generated. The id is echoed
// on the response and forwarded to the backend with the other request headers.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(RequestIDHeader, id)
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

// limitMiddleware rejects requests beyond limit in flight with 503. A limit of
// zero or less disables the limit.
func limitMiddleware(logger logging.Logger, limit int, next http.Handler) http.Handler {
	if limit <= 0 {
		return next
	}

	sem := make(chan struct{}, limit)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case sem <- struct{}{}:
			defer func() { <-sem }()
		default:
			logger.Warn("Concurrency limit reached", "path", r.URL.Path, "max_concurrent", limit)
			writeError(w, http.StatusServiceUnavailable, "Too many concurrent requests")
			return
		}

		logger.Debug("Concurrency check passed", "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}
