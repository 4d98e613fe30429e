// Package router decides whether a request is a CORS preflight, a backend
// call or a static file, and dispatches it.
package router

import (
	"errors"
	"net/http"
	"strings"

	"github.com/Kiremode/chatai-proxy/internal/logging"
	"github.com/Kiremode/chatai-proxy/pkg/static"
)

// Kind is the classification of a request.
type Kind int

const (
	Static Kind = iota
	Preflight
	Proxy
)

func (k Kind) String() string {
	switch k {
	case Preflight:
		return "preflight"
	case Proxy:
		return "proxy"
	default:
		return "static"
	}
}

// Route is the outcome of Classify. Name is set for static routes and holds
// the file path relative to the static root.
type Route struct {
	Kind Kind
	Name string
}

// Router dispatches requests to the static store or the backend proxy and
// applies the CORS headers to every response.
type Router struct {
	store    static.Store
	proxy    http.Handler
	prefixes []string
	index    string
	cors     map[string]string
	logger   logging.Logger
}

// Option configures a Router.
type Option func(rt *Router)

// WithPrefixes sets the path prefixes forwarded to the backend.
func WithPrefixes(prefixes ...string) Option {
	return func(rt *Router) { rt.prefixes = append([]string(nil), prefixes...) }
}

// WithIndex sets the SPA entry file, relative to the static root.
func WithIndex(index string) Option {
	return func(rt *Router) { rt.index = strings.TrimPrefix(index, "/") }
}

// WithCORSHeaders sets the headers applied to every response.
func WithCORSHeaders(headers map[string]string) Option {
	return func(rt *Router) { rt.cors = canonicalHeaders(headers) }
}

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) Option {
	return func(rt *Router) { rt.logger = logger }
}

// New creates a Router serving files from store and forwarding to proxy.
func New(store static.Store, proxy http.Handler, opts ...Option) *Router {
	rt := &Router{
		store:  store,
		proxy:  proxy,
		index:  "index.html",
		cors:   map[string]string{},
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// Classify returns how a request with method and path is handled.
func (rt *Router) Classify(method, path string) Route {
	if method == http.MethodOptions {
		return Route{Kind: Preflight}
	}
	for _, prefix := range rt.prefixes {
		if strings.HasPrefix(path, prefix) {
			return Route{Kind: Proxy}
		}
	}
	if path == "/" || path == "/"+rt.index {
		return Route{Kind: Static, Name: rt.index}
	}
	return Route{Kind: Static, Name: strings.TrimPrefix(path, "/")}
}

// ServeHTTP implements http.Handler.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cw := newCORSWriter(w, rt.cors)

	route := rt.Classify(r.Method, r.URL.Path)
	switch route.Kind {
	case Preflight:
		cw.WriteHeader(http.StatusOK)
	case Proxy:
		rt.proxy.ServeHTTP(cw, r)
	default:
		rt.serveStatic(cw, route.Name)
	}
}

// serveStatic writes the named file, falling back to the index for SPA routes.
func (rt *Router) serveStatic(w http.ResponseWriter, name string) {
	f, err := rt.store.Read(name)
	if errors.Is(err, static.ErrNotFound) && name != rt.index {
		rt.logger.Debug("Static file not found, serving index", "name", name)
		f, err = rt.store.Read(rt.index)
	}

	switch {
	case err == nil:
		w.Header().Set("Content-Type", f.ContentType)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(f.Content)
	case errors.Is(err, static.ErrNotFound):
		writeText(w, http.StatusNotFound, "Not Found")
	default:
		rt.logger.Error("Error serving file", "name", name, "error", err)
		writeText(w, http.StatusInternalServerError, "Internal Server Error")
	}
}

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(msg))
}
