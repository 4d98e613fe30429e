package backend

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/Kiremode/chatai-proxy/internal/logging"
)

// Checker reports whether the backend currently answers.
type Checker interface {
	Probe(ctx context.Context) bool
}

// HealthChecker probes the backend's health endpoint.
type HealthChecker struct {
	client *http.Client   // HTTP client for health checks
	target *url.URL       // Backend base URL
	logger logging.Logger // Logger for health check events

	interval time.Duration // Interval between periodic probes, 0 disables Run
	timeout  time.Duration // Timeout for a single probe
	path     string        // Path for health check requests

	cancel   context.CancelFunc // Cancels the periodic probe loop
	wg       sync.WaitGroup     // Tracks the probe loop goroutine
	stopOnce sync.Once          // Ensures Stop is called only once
}

// HealthOption configures a HealthChecker.
type HealthOption func(hc *HealthChecker)

// WithHealthLogger sets the logger.
func WithHealthLogger(logger logging.Logger) HealthOption {
	return func(hc *HealthChecker) {
		hc.logger = logger
	}
}

// WithHealthInterval sets the periodic probe interval used by Run.
func WithHealthInterval(d time.Duration) HealthOption {
	return func(hc *HealthChecker) { hc.interval = d }
}

// WithHealthTimeout sets the timeout per single probe.
func WithHealthTimeout(d time.Duration) HealthOption {
	return func(hc *HealthChecker) { hc.timeout = d }
}

// WithHealthPath sets the HTTP path to probe.
func WithHealthPath(p string) HealthOption {
	return func(hc *HealthChecker) { hc.path = p }
}

// WithHealthTransport replaces the probe transport.
func WithHealthTransport(rt http.RoundTripper) HealthOption {
	return func(hc *HealthChecker) { hc.client.Transport = rt }
}

// NewHealthChecker creates a HealthChecker for the backend at rawURL.
func NewHealthChecker(rawURL string, logger logging.Logger, opts ...HealthOption) (*HealthChecker, error) {
	target, err := parseTarget(rawURL)
	if err != nil {
		return nil, err
	}

	hc := &HealthChecker{
		target:  target,
		timeout: 5 * time.Second,
		logger:  logger,
		path:    "/health",
		client:  &http.Client{},
	}
	for _, opt := range opts {
		opt(hc)
	}

	// Bound every stage of the probe by the configured timeout
	hc.client.Timeout = hc.timeout
	if hc.client.Transport == nil {
		hc.client.Transport = &http.Transport{
			DialContext:       (&net.Dialer{Timeout: hc.timeout}).DialContext,
			IdleConnTimeout:   30 * time.Second,
			DisableKeepAlives: true,
		}
	}

	if hc.logger == nil {
		hc.logger = logging.NewNop()
	}

	return hc, nil
}

// Probe issues one GET against the health path. 200 and 404 both mean the
// backend process is up; any error, timeout or other status means it is not.
func (hc *HealthChecker) Probe(ctx context.Context) bool {
	u := *hc.target
	u.Path = hc.path

	reqCtx, cancel := context.WithTimeout(ctx, hc.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		hc.logger.Error("Failed to create health check request", "url", u.String(), "error", err)
		return false
	}
	req.Header.Set("User-Agent", "chatai-proxy-healthcheck/1.0")

	resp, err := hc.client.Do(req)
	if err != nil {
		if reqCtx.Err() != nil {
			hc.logger.Warn("Health check timed out", "url", u.String(), "timeout", hc.timeout)
		} else {
			hc.logger.Debug("Health check failed", "url", u.String(), "error", err)
		}
		return false
	}
	defer resp.Body.Close()

	alive := resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNotFound
	hc.logger.Debug("Health check completed", "url", u.String(), "status", resp.StatusCode, "alive", alive)
	return alive
}

// Run refreshes state every interval until ctx is done or Stop is called.
// It is a no-op when no interval is configured.
func (hc *HealthChecker) Run(ctx context.Context, state *Liveness) {
	if hc.interval <= 0 {
		return
	}

	var cctx context.Context
	cctx, hc.cancel = context.WithCancel(ctx)

	hc.wg.Add(1)
	go func() {
		defer hc.wg.Done()
		ticker := time.NewTicker(hc.interval)
		defer ticker.Stop()

		hc.logger.Info("starting health checker",
			"interval", hc.interval,
			"timeout", hc.timeout,
			"path", hc.path,
		)

		for {
			select {
			case <-ticker.C:
				alive := hc.Probe(cctx)
				if state.SetAlive(alive) {
					hc.logger.Info("Backend liveness changed", "alive", alive)
				}
			case <-cctx.Done():
				hc.logger.Info("stopping health checker")
				return
			}
		}
	}()
}

// Stop signals the probe loop to stop and waits for it to finish.
// Also closes the underlying HTTP transport connections.
func (hc *HealthChecker) Stop() {
	hc.stopOnce.Do(func() {
		if hc.cancel != nil {
			hc.cancel()
		}
		hc.wg.Wait()
		hc.client.CloseIdleConnections()
	})
}

func parseTarget(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid backend URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid backend URL %q: the scheme must be http or https", rawURL)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("invalid backend URL %q: requires a host", rawURL)
	}
	return u, nil
}
