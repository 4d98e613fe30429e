package router

import "net/http"

// corsWriter sets the CORS headers right before the status line goes out, so
// they win over anything a handler or the backend set for the same keys.
type corsWriter struct {
	http.ResponseWriter
	headers     map[string]string
	wroteHeader bool
}

// CORS wraps next so every response it writes carries headers.
func CORS(headers map[string]string, next http.Handler) http.Handler {
	canon := canonicalHeaders(headers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(newCORSWriter(w, canon), r)
	})
}

func canonicalHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		out[http.CanonicalHeaderKey(k)] = v
	}
	return out
}

func newCORSWriter(w http.ResponseWriter, headers map[string]string) *corsWriter {
	return &corsWriter{ResponseWriter: w, headers: headers}
}

func (w *corsWriter) WriteHeader(code int) {
	// 1xx responses are informational and do not end the header phase
	if !w.wroteHeader && code >= http.StatusOK {
		h := w.Header()
		for k, v := range w.headers {
			h.Set(k, v)
		}
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *corsWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *corsWriter) Flush() {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *corsWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
