package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/Kiremode/chatai-proxy/pkg/mock"
)

// fakeChecker is a substitute health monitor.
type fakeChecker struct {
	alive bool
	calls atomic.Int32
}

func (f *fakeChecker) Probe(context.Context) bool {
	f.calls.Add(1)
	return f.alive
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

type ProxyTestSuite struct {
	suite.Suite
	checker *fakeChecker
	now     time.Time
	gen     *mock.Generator
}

func TestProxySuite(t *testing.T) {
	suite.Run(t, new(ProxyTestSuite))
}

func (s *ProxyTestSuite) SetupTest() {
	s.checker = &fakeChecker{}
	s.now = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.gen = mock.NewGeneratorWithClock(func() time.Time { return s.now })
}

func (s *ProxyTestSuite) newProxy(rawURL string, liveness *Liveness, opts ...ProxyOption) *Proxy {
	opts = append([]ProxyOption{WithGenerator(s.gen)}, opts...)
	p, err := NewProxy(rawURL, s.checker, liveness, opts...)
	s.Require().NoError(err)
	return p
}

// expectedMock renders what the generator returns for body at the suite clock.
func (s *ProxyTestSuite) expectedMock(body string) string {
	resp, err := s.gen.Generate([]byte(body))
	s.Require().NoError(err)
	out, err := json.MarshalIndent(resp, "", "  ")
	s.Require().NoError(err)
	return string(out)
}

func (s *ProxyTestSuite) serve(p *Proxy, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	p.Forward(w, req)
	return w
}

func (s *ProxyTestSuite) TestForwardsRequestAndStreamsResponse() {
	var seen struct {
		method, uri, host, body, custom string
		length                          int64
	}
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		seen.method, seen.uri, seen.host, seen.body = r.Method, r.RequestURI, r.Host, string(data)
		seen.custom = r.Header.Get("X-Custom")
		seen.length = r.ContentLength
		w.Header().Set("X-Backend", "yes")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer backend.Close()

	p := s.newProxy(backend.URL, NewLiveness(true))
	req := httptest.NewRequest(http.MethodPost, "http://front.local:3000/api/items?limit=2", strings.NewReader(`{"name":"x"}`))
	req.Header.Set("X-Custom", "kept")
	w := httptest.NewRecorder()
	p.Forward(w, req)

	s.Equal(http.StatusCreated, w.Code)
	s.Equal("yes", w.Header().Get("X-Backend"))
	s.Equal(`{"ok":true}`, w.Body.String())

	u, _ := url.Parse(backend.URL)
	s.Equal(http.MethodPost, seen.method)
	s.Equal("/api/items?limit=2", seen.uri)
	s.Equal(u.Host, seen.host)
	s.Equal(`{"name":"x"}`, seen.body)
	s.Equal(int64(len(`{"name":"x"}`)), seen.length)
	s.Equal("kept", seen.custom)
	s.Zero(s.checker.calls.Load())
}

func (s *ProxyTestSuite) TestNonSensitiveServerErrorPassesThrough() {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("maintenance"))
	}))
	defer backend.Close()

	w := s.serve(s.newProxy(backend.URL, NewLiveness(true)), http.MethodGet, "/status", "")

	s.Equal(http.StatusServiceUnavailable, w.Code)
	s.Equal("maintenance", w.Body.String())
}

func (s *ProxyTestSuite) TestSensitiveServerErrorReplacedByMock() {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-Backend", "yes")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("down"))
	}))
	defer backend.Close()

	body := `{"toolName":"foo","action":"upgrade"}`
	w := s.serve(s.newProxy(backend.URL, NewLiveness(true)), http.MethodPost, "/download-tool", body)

	s.Equal(http.StatusOK, w.Code)
	s.Equal("application/json", w.Header().Get("Content-Type"))
	s.Empty(w.Header().Get("X-Backend"))
	s.Equal(s.expectedMock(body), w.Body.String())
}

func (s *ProxyTestSuite) TestSensitiveBackendDownSkipsNetwork() {
	var hits atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer backend.Close()

	liveness := NewLiveness(false)
	body := `{"toolName":"foo","action":"upgrade"}`
	w := s.serve(s.newProxy(backend.URL, liveness), http.MethodPost, "/download-tool", body)

	s.Equal(http.StatusOK, w.Code)
	s.Equal(s.expectedMock(body), w.Body.String())
	s.Equal(int32(1), s.checker.calls.Load())
	s.Zero(hits.Load())
	s.False(liveness.IsAlive())
}

func (s *ProxyTestSuite) TestSensitiveReprobeRecovers() {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"real":true}`))
	}))
	defer backend.Close()

	s.checker.alive = true
	liveness := NewLiveness(false)
	w := s.serve(s.newProxy(backend.URL, liveness), http.MethodPost, "/download-tool", `{}`)

	s.Equal(http.StatusOK, w.Code)
	s.Equal(`{"success":true,"real":true}`, w.Body.String())
	s.True(liveness.IsAlive())
}

func (s *ProxyTestSuite) TestLiveBackendIsNotReprobed() {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	defer backend.Close()

	s.serve(s.newProxy(backend.URL, NewLiveness(true)), http.MethodPost, "/download-tool", `{}`)
	s.Zero(s.checker.calls.Load())
}

func (s *ProxyTestSuite) TestConnectionRefused() {
	backend := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	addr := backend.URL
	backend.Close()

	liveness := NewLiveness(true)
	p := s.newProxy(addr, liveness)

	w := s.serve(p, http.MethodGet, "/models/list", "")
	s.Equal(http.StatusBadGateway, w.Code)
	var errBody ErrorResponse
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &errBody))
	s.Equal("Backend connection failed", errBody.Error)
	s.NotEmpty(errBody.Details)
	s.False(liveness.IsAlive())
}

func (s *ProxyTestSuite) TestConnectionRefusedSensitiveUsesMock() {
	backend := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	addr := backend.URL
	backend.Close()

	body := `{"toolName":"bar"}`
	w := s.serve(s.newProxy(addr, NewLiveness(true)), http.MethodPost, "/download-tool/bar", body)

	s.Equal(http.StatusOK, w.Code)
	s.Equal(s.expectedMock(body), w.Body.String())
}

func (s *ProxyTestSuite) slowBackend() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
}

func (s *ProxyTestSuite) TestTimeout() {
	backend := s.slowBackend()
	defer backend.Close()

	start := time.Now()
	w := s.serve(s.newProxy(backend.URL, NewLiveness(true), WithTimeout(50*time.Millisecond)), http.MethodGet, "/chat/stream", "")

	s.Less(time.Since(start), time.Second)
	s.Equal(http.StatusGatewayTimeout, w.Code)
	s.JSONEq(`{"error":"Backend timeout"}`, w.Body.String())
}

// chunkedBackend flushes n chunks spaced by gap, then stalls for stall.
func (s *ProxyTestSuite) chunkedBackend(n int, gap, stall time.Duration) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.WriteHeader(http.StatusOK)
		for i := 0; i < n; i++ {
			if i > 0 {
				time.Sleep(gap)
			}
			_, _ = fmt.Fprintf(w, "chunk%d;", i)
			flusher.Flush()
		}
		if stall > 0 {
			select {
			case <-time.After(stall):
			case <-r.Context().Done():
			}
		}
	}))
}

func (s *ProxyTestSuite) TestActiveStreamOutlivesTimeout() {
	backend := s.chunkedBackend(6, 100*time.Millisecond, 0)
	defer backend.Close()

	w := s.serve(s.newProxy(backend.URL, NewLiveness(true), WithTimeout(250*time.Millisecond)), http.MethodGet, "/chat/stream", "")

	s.Equal(http.StatusOK, w.Code)
	s.Equal("chunk0;chunk1;chunk2;chunk3;chunk4;chunk5;", w.Body.String())
}

func (s *ProxyTestSuite) TestStalledStreamIsCut() {
	backend := s.chunkedBackend(1, 0, 2*time.Second)
	defer backend.Close()

	start := time.Now()
	w := s.serve(s.newProxy(backend.URL, NewLiveness(true), WithTimeout(100*time.Millisecond)), http.MethodGet, "/chat/stream", "")

	s.Less(time.Since(start), time.Second)
	s.Equal(http.StatusOK, w.Code)
	s.Equal("chunk0;", w.Body.String())
}

func (s *ProxyTestSuite) TestTimeoutSensitiveUsesMock() {
	backend := s.slowBackend()
	defer backend.Close()

	w := s.serve(s.newProxy(backend.URL, NewLiveness(true), WithTimeout(50*time.Millisecond)), http.MethodPost, "/download-tool", "")

	s.Equal(http.StatusOK, w.Code)
	s.Equal(s.expectedMock(""), w.Body.String())
}

func (s *ProxyTestSuite) TestInvalidJSONOnMockPath() {
	p := s.newProxy("http://127.0.0.1:1", NewLiveness(false))
	for _, body := range []string{"not-json", "null", "   "} {
		w := s.serve(p, http.MethodPost, "/download-tool", body)

		s.Equal(http.StatusBadRequest, w.Code, body)
		var errBody mock.ErrorResponse
		s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &errBody), body)
		s.Equal("Invalid JSON in request", errBody.Error, body)
		s.NotEmpty(errBody.Details, body)
	}
}

func (s *ProxyTestSuite) TestNonObjectJSONOnMockPath() {
	p := s.newProxy("http://127.0.0.1:1", NewLiveness(false))
	for _, body := range []string{`[1,2]`, `42`, `"x"`} {
		w := s.serve(p, http.MethodPost, "/download-tool", body)

		s.Equal(http.StatusOK, w.Code, body)
		s.Equal(s.expectedMock(body), w.Body.String(), body)
		s.Contains(w.Body.String(), `"message": "Mock installation of unknown tool completed"`, body)
	}
}

func (s *ProxyTestSuite) TestBodyTooLarge() {
	p := s.newProxy("http://127.0.0.1:1", NewLiveness(true), WithMaxBodyBytes(4))
	w := s.serve(p, http.MethodPost, "/api/upload", "0123456789")

	s.Equal(http.StatusRequestEntityTooLarge, w.Code)
	s.JSONEq(`{"error":"Request body too large"}`, w.Body.String())
}

func (s *ProxyTestSuite) TestSubstituteTransport() {
	var calls atomic.Int32
	rt := roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		calls.Add(1)
		return nil, errors.New("dial refused by test")
	})
	p := s.newProxy("http://backend.invalid:5001", NewLiveness(true), WithTransport(rt))

	w := s.serve(p, http.MethodGet, "/api/ping", "")
	s.Equal(http.StatusBadGateway, w.Code)
	s.Contains(w.Body.String(), "dial refused by test")
	s.Equal(int32(1), calls.Load())
}

func (s *ProxyTestSuite) TestSubstituteTransportResponse() {
	rt := roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		s.Equal("backend.invalid:5001", r.URL.Host)
		return &http.Response{
			StatusCode: http.StatusInternalServerError,
			Header:     http.Header{"Content-Type": {"text/plain"}},
			Body:       io.NopCloser(strings.NewReader("boom")),
			Request:    r,
		}, nil
	})
	p := s.newProxy("http://backend.invalid:5001", NewLiveness(true), WithTransport(rt))

	w := s.serve(p, http.MethodPost, "/api/download-tool", `{"toolName":"t"}`)
	s.Equal(http.StatusOK, w.Code)
	s.Equal(s.expectedMock(`{"toolName":"t"}`), w.Body.String())
}

func (s *ProxyTestSuite) TestClientCanceled() {
	rt := roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		<-r.Context().Done()
		return nil, r.Context().Err()
	})
	p := s.newProxy("http://backend.invalid:5001", NewLiveness(true), WithTransport(rt))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/slow", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	p.Forward(w, req)

	s.Equal(http.StatusRequestTimeout, w.Code)
}

func (s *ProxyTestSuite) TestIsSensitive() {
	p := s.newProxy("http://localhost:5001", NewLiveness(true))
	s.True(p.IsSensitive("/download-tool"))
	s.True(p.IsSensitive("/api/download-tool/x"))
	s.False(p.IsSensitive("/api/models"))

	custom := s.newProxy("http://localhost:5001", NewLiveness(true), WithSensitiveMarker("install"))
	s.True(custom.IsSensitive("/api/install"))
	s.False(custom.IsSensitive("/download-tool"))
}

func (s *ProxyTestSuite) TestNewProxyValidation() {
	_, err := NewProxy("invalid_url", s.checker, NewLiveness(true))
	s.Error(err)
	_, err = NewProxy("ftp://host", s.checker, NewLiveness(true))
	s.Error(err)
	_, err = NewProxy("http://localhost:5001", nil, NewLiveness(true))
	s.Error(err)
	_, err = NewProxy("http://localhost:5001", s.checker, nil)
	s.Error(err)
}
