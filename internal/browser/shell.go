// Package browser is the Chrome shell for the bridge. It drives a page over
// the DevTools protocol with go-rod, pauses every request at the Fetch
// domain and answers the ones the bridge owns.
package browser

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"

	"shellbridge/internal/bridge"
	"shellbridge/internal/config"
	"shellbridge/internal/logging"
	"shellbridge/internal/metrics"
	"shellbridge/internal/native"
)

// Shell owns the Chrome instance and the single application page.
type Shell struct {
	cfg     config.BrowserConfig
	metrics *metrics.Metrics

	mu       sync.Mutex
	browser  *rod.Browser
	page     *rod.Page
	launched *launcher.Launcher
	bridge   *bridge.Bridge

	cancel   context.CancelFunc
	done     chan struct{}
	inflight sync.WaitGroup
}

// New creates a shell. m may be nil.
func New(cfg config.BrowserConfig, m *metrics.Metrics) *Shell {
	return &Shell{cfg: cfg, metrics: m}
}

// Start connects to an existing Chrome or launches a new one and opens a
// blank page. The page exists before the bridge is attached so a
// CookieStore or PostDataStore can be built on it.
func (s *Shell) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.browser != nil {
		if _, err := s.browser.Version(); err == nil {
			return nil
		}
		logging.BrowserWarn("stale browser connection detected, reconnecting")
		s.closeLocked()
	}

	controlURL, err := s.controlURL()
	if err != nil {
		return err
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return errors.Wrap(err, "connect to chrome")
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		_ = browser.Close()
		return errors.Wrap(err, "create page")
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             s.cfg.ViewportWidth,
		Height:            s.cfg.ViewportHeight,
		DeviceScaleFactor: 1.0,
	}).Call(page); err != nil {
		logging.BrowserWarn("failed to set viewport: %v", err)
	}

	// Network.getRequestPostData and the cookie calls need the domain on.
	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		_ = browser.Close()
		return errors.Wrap(err, "enable network domain")
	}

	s.browser = browser
	s.page = page
	logging.Browser("connected to %s", controlURL)
	return nil
}

func (s *Shell) controlURL() (string, error) {
	if s.cfg.DebuggerURL != "" {
		return s.cfg.DebuggerURL, nil
	}
	if !s.cfg.Launch {
		return "", errors.New("no debugger_url configured and launch disabled")
	}

	l := launcher.New().Headless(s.cfg.Headless).Set(flags.Flag("disable-features"), "HttpsUpgrades")
	u, err := l.Launch()
	if err != nil {
		return "", errors.Wrap(err, "launch chrome")
	}
	s.launched = l
	return u, nil
}

// Page returns the application page, or nil before Start.
func (s *Shell) Page() *rod.Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.page
}

// Open enables interception, attaches b and navigates to its base URL.
// Intercepted requests are served until ctx is cancelled or Close is
// called.
func (s *Shell) Open(ctx context.Context, b *bridge.Bridge) error {
	s.mu.Lock()
	page := s.page
	if page == nil {
		s.mu.Unlock()
		return errors.New("browser not started")
	}
	if s.bridge != nil {
		s.mu.Unlock()
		return errors.New("shell already open")
	}
	s.bridge = b
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	err := proto.FetchEnable{
		Patterns: []*proto.FetchRequestPattern{{
			URLPattern:   "*",
			RequestStage: proto.FetchRequestStageRequest,
		}},
	}.Call(page)
	if err != nil {
		cancel()
		close(s.done)
		return errors.Wrap(err, "enable fetch interception")
	}

	wait := page.Context(ctx).EachEvent(func(e *proto.FetchRequestPaused) {
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			s.intercept(ctx, page, b, e)
		}()
	})
	go func() {
		defer close(s.done)
		wait()
	}()

	base := b.BaseURL()
	logging.Browser("opening %s", base)
	if err := page.Context(ctx).Timeout(s.cfg.NavigationTimeout()).Navigate(base); err != nil {
		return errors.Wrapf(err, "navigate to %s", base)
	}
	return nil
}

// Wait blocks until interception stops.
func (s *Shell) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
	s.inflight.Wait()
}

// Close stops interception and shuts the browser down.
func (s *Shell) Close() error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *Shell) closeLocked() error {
	var err error
	if s.page != nil {
		_ = s.page.Close()
		s.page = nil
	}
	if s.browser != nil {
		err = s.browser.Close()
		s.browser = nil
	}
	if s.launched != nil {
		s.launched.Kill()
		s.launched = nil
	}
	s.bridge = nil
	s.cancel = nil
	return err
}

func (s *Shell) intercept(ctx context.Context, page *rod.Page, b *bridge.Bridge, e *proto.FetchRequestPaused) {
	u, err := url.Parse(e.Request.URL)
	if err != nil || !b.Owns(u) {
		start := time.Now()
		if err := (proto.FetchContinueRequest{RequestID: e.RequestID}).Call(page); err != nil {
			logging.BrowserWarn("continue %s: %v", e.Request.URL, err)
		}
		s.metrics.ObserveRequest("passthrough", 0, time.Since(start))
		return
	}

	resp := b.Handle(ctx, nativeRequest(e))
	defer resp.Close()

	err = proto.FetchFulfillRequest{
		RequestID:       e.RequestID,
		ResponseCode:    resp.StatusCode,
		ResponseHeaders: headerEntries(resp.Header),
		Body:            bufferedBody(resp),
		ResponsePhrase:  resp.StatusText,
	}.Call(page)
	if err != nil {
		logging.BrowserWarn("fulfill %s: %v", e.Request.URL, err)
	}
}

// nativeRequest converts a paused request. The Referer header moves to
// Referrer. Bodies Chrome did not inline are fetched later through the
// PostDataStore by network request id.
func nativeRequest(e *proto.FetchRequestPaused) *native.Request {
	r := e.Request
	headers := make(http.Header, len(r.Headers))
	for name, v := range r.Headers {
		// Chrome joins repeated headers with newlines.
		for _, value := range strings.Split(v.Str(), "\n") {
			headers.Add(name, value)
		}
	}
	referrer := headers.Get("Referer")
	headers.Del("Referer")

	req := &native.Request{
		Method:   r.Method,
		URL:      r.URL,
		Headers:  headers,
		Referrer: referrer,
	}

	switch {
	case len(r.PostDataEntries) > 0 && inlined(r.PostDataEntries):
		for _, entry := range r.PostDataEntries {
			req.Upload = append(req.Upload, native.UploadSegment{Bytes: entry.Bytes})
		}
	case r.PostData != "":
		req.Upload = []native.UploadSegment{{Bytes: []byte(r.PostData)}}
	case r.HasPostData:
		req.Upload = []native.UploadSegment{{BlobID: string(e.NetworkID)}}
	}
	return req
}

func inlined(entries []*proto.NetworkPostDataEntry) bool {
	for _, entry := range entries {
		if entry == nil || entry.Bytes == nil {
			return false
		}
	}
	return true
}

// headerEntries flattens a response header for Fetch.fulfillRequest.
// Set-Cookie is dropped: the bridge has already written those cookies to
// the configured store and Chrome must not keep a second copy.
func headerEntries(h http.Header) []*proto.FetchHeaderEntry {
	entries := make([]*proto.FetchHeaderEntry, 0, len(h))
	for name, values := range h {
		if http.CanonicalHeaderKey(name) == "Set-Cookie" {
			continue
		}
		for _, v := range values {
			entries = append(entries, &proto.FetchHeaderEntry{Name: name, Value: v})
		}
	}
	return entries
}

// bufferedBody returns the full body. Fetch.fulfillRequest takes a single
// body, so a streaming response is drained here.
func bufferedBody(resp *native.Response) []byte {
	if resp.Chunks == nil {
		return resp.Data
	}
	var body []byte
	for chunk, err := range resp.Chunks {
		if err != nil {
			logging.BrowserWarn("response stream aborted: %v", err)
			break
		}
		body = append(body, chunk...)
	}
	return body
}
