package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/Kiremode/chatai-proxy/internal/logging"
	"github.com/Kiremode/chatai-proxy/pkg/mock"
)

// ErrUpstreamFailure marks a backend 5xx answer to a sensitive request.
var ErrUpstreamFailure = errors.New("backend returned a server error")

// Phase is a step of a proxied exchange.
type Phase string

const (
	PhaseBuffering  Phase = "buffering"
	PhaseProbing    Phase = "probing"
	PhaseConnecting Phase = "connecting"
	PhaseStreaming  Phase = "streaming"
	PhaseDone       Phase = "done"
	PhaseFailed     Phase = "failed"
	PhaseTimedOut   Phase = "timed_out"
)

// ErrorResponse is the JSON body of proxy-level failures.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// Proxy forwards requests to the backend and substitutes mock responses for
// the sensitive endpoint family when the backend is absent or failing.
type Proxy struct {
	target       *url.URL
	timeout      time.Duration
	marker       string
	maxBodyBytes int64

	checker   Checker
	liveness  *Liveness
	generator *mock.Generator
	transport http.RoundTripper
	logger    logging.Logger

	reverseProxy *httputil.ReverseProxy
}

// ProxyOption configures a Proxy.
type ProxyOption func(p *Proxy)

// WithTimeout sets the per-request timeout for outbound calls.
func WithTimeout(d time.Duration) ProxyOption {
	return func(p *Proxy) { p.timeout = d }
}

// WithSensitiveMarker sets the path fragment that identifies mock-backed endpoints.
func WithSensitiveMarker(marker string) ProxyOption {
	return func(p *Proxy) { p.marker = marker }
}

// WithMaxBodyBytes bounds the buffered request body.
func WithMaxBodyBytes(n int64) ProxyOption {
	return func(p *Proxy) { p.maxBodyBytes = n }
}

// WithTransport replaces the outbound transport.
func WithTransport(rt http.RoundTripper) ProxyOption {
	return func(p *Proxy) { p.transport = rt }
}

// WithGenerator replaces the mock generator.
func WithGenerator(g *mock.Generator) ProxyOption {
	return func(p *Proxy) { p.generator = g }
}

// WithProxyLogger sets the logger.
func WithProxyLogger(logger logging.Logger) ProxyOption {
	return func(p *Proxy) { p.logger = logger }
}

// NewProxy creates a Proxy for the backend at rawURL.
func NewProxy(rawURL string, checker Checker, liveness *Liveness, opts ...ProxyOption) (*Proxy, error) {
	target, err := parseTarget(rawURL)
	if err != nil {
		return nil, err
	}
	if checker == nil || liveness == nil {
		return nil, errors.New("proxy requires a health checker and a liveness state")
	}

	p := &Proxy{
		target:       target,
		timeout:      30 * time.Second,
		marker:       "download-tool",
		maxBodyBytes: 10 << 20,
		checker:      checker,
		liveness:     liveness,
		generator:    mock.NewGenerator(),
		logger:       logging.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.transport == nil {
		p.transport = &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: p.timeout,
			}).DialContext,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
			IdleConnTimeout:     90 * time.Second,
		}
	}

	p.reverseProxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(p.target)
			pr.SetXForwarded()
		},
		Transport:      p.transport,
		FlushInterval:  -1,
		ModifyResponse: p.modifyResponse,
		ErrorHandler:   p.handleError,
	}

	return p, nil
}

// IsSensitive reports whether path belongs to the mock-backed endpoint family.
func (p *Proxy) IsSensitive(path string) bool {
	return strings.Contains(path, p.marker)
}

// exchange is the per-request state of one proxied call.
type exchange struct {
	method    string
	path      string
	sensitive bool
	body      []byte
	phase     Phase
	mocked    bool
	start     time.Time
	idle      *time.Timer
}

type exchangeKey struct{}

func exchangeFrom(ctx context.Context) *exchange {
	ex, _ := ctx.Value(exchangeKey{}).(*exchange)
	return ex
}

// ServeHTTP implements http.Handler.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.Forward(w, r)
}

// Forward proxies r to the backend and writes exactly one response to w.
func (p *Proxy) Forward(w http.ResponseWriter, r *http.Request) {
	ex := &exchange{
		method:    r.Method,
		path:      r.URL.Path,
		sensitive: p.IsSensitive(r.URL.Path),
		phase:     PhaseBuffering,
		start:     time.Now(),
	}
	defer func() {
		p.logger.Debug("Proxy exchange finished",
			"method", ex.method,
			"path", ex.path,
			"sensitive", ex.sensitive,
			"phase", ex.phase,
			"mocked", ex.mocked,
			"duration_ms", time.Since(ex.start).Milliseconds(),
		)
	}()

	body, err := readBody(w, r, p.maxBodyBytes)
	if err != nil {
		ex.phase = PhaseFailed
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			p.logger.Warn("Request body too large", "path", ex.path, "limit", maxErr.Limit)
			writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{Error: "Request body too large"})
			return
		}
		p.logger.Warn("Failed to read request body", "path", ex.path, "error", err)
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Failed to read request body", Details: err.Error()})
		return
	}
	ex.body = body

	if ex.sensitive && !p.liveness.IsAlive() {
		ex.phase = PhaseProbing
		alive := p.checker.Probe(r.Context())
		if p.liveness.SetAlive(alive) {
			p.logger.Info("Backend liveness changed", "alive", alive)
		}
		if !alive {
			ex.phase = PhaseFailed
			p.logger.Info("Backend unavailable, using mock response", "path", ex.path)
			p.writeMock(w, ex)
			return
		}
	}

	// The timer bounds connect and the wait for response headers, then acts as
	// an inactivity timeout while the body streams.
	ctx, cancel := context.WithCancelCause(r.Context())
	defer cancel(nil)
	ex.idle = time.AfterFunc(p.timeout, func() { cancel(context.DeadlineExceeded) })
	defer ex.idle.Stop()
	ctx = context.WithValue(ctx, exchangeKey{}, ex)

	out := r.WithContext(ctx)
	out.Body = io.NopCloser(bytes.NewReader(body))
	out.ContentLength = int64(len(body))
	out.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}

	ex.phase = PhaseConnecting
	p.logger.Debug("Proxying request", "method", ex.method, "path", ex.path, "backend", p.target.Host)
	p.reverseProxy.ServeHTTP(w, out)

	if ex.phase == PhaseStreaming {
		ex.phase = PhaseDone
	}
}

// readBody buffers the full request body, bounded by limit.
func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	defer r.Body.Close()
	return io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
}

// modifyResponse turns a 5xx answer to a sensitive request into an error so
// handleError can replace it; everything else streams through unchanged.
func (p *Proxy) modifyResponse(resp *http.Response) error {
	ex := exchangeFrom(resp.Request.Context())
	if ex == nil {
		return nil
	}
	if p.liveness.SetAlive(true) {
		p.logger.Info("Backend liveness changed", "alive", true)
	}
	if resp.StatusCode >= http.StatusInternalServerError && ex.sensitive {
		return fmt.Errorf("%w: status %d", ErrUpstreamFailure, resp.StatusCode)
	}
	ex.phase = PhaseStreaming
	if ex.idle != nil && resp.Body != nil && resp.Body != http.NoBody {
		resp.Body = &idleBody{ReadCloser: resp.Body, timer: ex.idle, timeout: p.timeout}
	}
	return nil
}

// idleBody rearms the exchange timer each time the backend delivers data, so
// a response is cut off only when it stalls for a full timeout.
type idleBody struct {
	io.ReadCloser
	timer   *time.Timer
	timeout time.Duration
}

func (b *idleBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if n > 0 {
		b.timer.Reset(b.timeout)
	}
	return n, err
}

// handleError resolves every outbound failure to a single response.
func (p *Proxy) handleError(w http.ResponseWriter, req *http.Request, err error) {
	ex := exchangeFrom(req.Context())
	if ex == nil {
		ex = &exchange{method: req.Method, path: req.URL.Path, sensitive: p.IsSensitive(req.URL.Path)}
	}

	cause := context.Cause(req.Context())
	switch {
	case errors.Is(err, ErrUpstreamFailure):
		ex.phase = PhaseFailed
		p.logger.Info("Backend error, switching to mock mode", "path", ex.path, "error", err)
		p.writeMock(w, ex)

	case errors.Is(cause, context.DeadlineExceeded) || isTimeout(err):
		ex.phase = PhaseTimedOut
		p.logger.Error("Backend timeout", "path", ex.path, "timeout", p.timeout)
		if ex.sensitive {
			p.writeMock(w, ex)
			return
		}
		writeJSON(w, http.StatusGatewayTimeout, ErrorResponse{Error: "Backend timeout"})

	case errors.Is(cause, context.Canceled):
		ex.phase = PhaseFailed
		p.logger.Warn("Request canceled", "path", ex.path)
		http.Error(w, "Request canceled", http.StatusRequestTimeout)

	default:
		ex.phase = PhaseFailed
		p.logger.Error("Proxy error", "path", ex.path, "error", err)
		if isConnectionError(err) && p.liveness.SetAlive(false) {
			p.logger.Info("Backend liveness changed", "alive", false)
		}
		if ex.sensitive {
			p.writeMock(w, ex)
			return
		}
		writeJSON(w, http.StatusBadGateway, ErrorResponse{Error: "Backend connection failed", Details: err.Error()})
	}
}

// writeMock writes the mock payload for the exchange's buffered body.
func (p *Proxy) writeMock(w http.ResponseWriter, ex *exchange) {
	resp, err := p.generator.Generate(ex.body)
	if err != nil {
		var parseErr *mock.ParseError
		if errors.As(err, &parseErr) {
			writeJSON(w, http.StatusBadRequest, parseErr.Body())
			return
		}
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Mock generation failed", Details: err.Error()})
		return
	}
	ex.mocked = true
	writeIndentedJSON(w, http.StatusOK, resp)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout())
}

func isConnectionError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
