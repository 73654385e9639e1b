// Package httpshell serves the bridge on a loopback listener. Requests for
// the listener itself are answered by the bridge with the streaming
// transport; absolute-form proxy requests the bridge does not own are
// forwarded to the network unmodified.
package httpshell

import (
	"context"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/cockroachdb/errors"

	"shellbridge/internal/bridge"
	"shellbridge/internal/logging"
	"shellbridge/internal/metrics"
	"shellbridge/internal/native"
)

// Server adapts a Bridge to net/http.
type Server struct {
	bridge  *bridge.Bridge
	metrics *metrics.Metrics
	proxy   *httputil.ReverseProxy
	base    *url.URL
}

// New builds a server for b. m may be nil.
func New(b *bridge.Bridge, m *metrics.Metrics) *Server {
	base, _ := url.Parse(b.BaseURL())
	return &Server{
		bridge:  b,
		metrics: m,
		base:    base,
		proxy: &httputil.ReverseProxy{
			Rewrite: func(pr *httputil.ProxyRequest) {
				pr.SetURL(&url.URL{Scheme: pr.In.URL.Scheme, Host: pr.In.URL.Host})
				pr.Out.Host = pr.In.URL.Host
			},
		},
	}
}

// targetURL rewrites an origin-form request onto the bridge's base URL so
// handlers and cookies see localhost regardless of the listen address.
func (s *Server) targetURL(r *http.Request) string {
	if r.URL.IsAbs() {
		return r.URL.String()
	}
	u := *s.base
	u.Path = r.URL.Path
	u.RawPath = r.URL.RawPath
	u.RawQuery = r.URL.RawQuery
	return u.String()
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.IsAbs() && !s.bridge.Owns(r.URL) {
		start := time.Now()
		logging.Get(logging.CategoryHTTP).Debug("passthrough %s %s", r.Method, r.URL.Redacted())
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		s.proxy.ServeHTTP(rec, r)
		s.metrics.ObserveRequest("passthrough", rec.status, time.Since(start))
		return
	}

	headers := r.Header.Clone()
	referrer := headers.Get("Referer")
	headers.Del("Referer")

	req := &native.Request{
		Method:   r.Method,
		URL:      s.targetURL(r),
		Headers:  headers,
		Referrer: referrer,
	}
	if r.Body != nil && r.Body != http.NoBody {
		req.Body = r.Body
	}

	resp := s.bridge.Handle(r.Context(), req)
	defer resp.Close()

	for name, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	if resp.Chunks == nil {
		w.Write(resp.Data)
		return
	}
	flusher, _ := w.(http.Flusher)
	for chunk, err := range resp.Chunks {
		if err != nil {
			logging.Get(logging.CategoryHTTP).Warn("stream %s aborted: %v", req.URL, err)
			return
		}
		if _, err := w.Write(chunk); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Serve listens on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", addr)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener serves on ln until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	logging.HTTP("serving %s on http://%s", s.bridge.BaseURL(), ln.Addr())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "shutdown")
		}
		<-errCh
		return nil
	}
}
