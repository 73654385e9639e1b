// Package bridge routes intercepted shell requests to the asset catalog or
// the application handler and keeps the cookie store in step.
package bridge

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"runtime/debug"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"shellbridge/internal/adapter"
	"shellbridge/internal/assets"
	"shellbridge/internal/canon"
	"shellbridge/internal/cookies"
	"shellbridge/internal/loader"
	"shellbridge/internal/logging"
	"shellbridge/internal/metrics"
	"shellbridge/internal/native"
)

// Hostname is the fixed host the bridge serves.
const Hostname = "localhost"

// RequestIDHeader carries the log correlation ID on diagnostic responses.
const RequestIDHeader = "X-Request-Id"

// ContextProvider builds the per-request load context passed to the
// handler. Returning nil means no context.
type ContextProvider func(ctx context.Context, req *canon.Request) (any, error)

// Options configures a Bridge.
type Options struct {
	// Scheme is "http" (default) or "https".
	Scheme  string
	Catalog *assets.Catalog
	Loader  *loader.Loader
	Cookies *cookies.Synchronizer
	// Adapter is chosen once from the shell in use.
	Adapter adapter.Adapter
	// Blobs resolves blob-backed upload segments. May be nil.
	Blobs           native.BlobStore
	ContextProvider ContextProvider
	// FullDiagnostics writes stack traces into 500 bodies.
	FullDiagnostics bool
	Metrics         *metrics.Metrics
}

// Bridge is the request pipeline.
type Bridge struct {
	opts Options
}

// New validates opts and builds a Bridge.
func New(opts Options) (*Bridge, error) {
	if opts.Scheme == "" {
		opts.Scheme = "http"
	}
	if opts.Scheme != "http" && opts.Scheme != "https" {
		return nil, errors.Newf("unsupported scheme %q", opts.Scheme)
	}
	if opts.Loader == nil {
		return nil, errors.New("bridge needs a handler loader")
	}
	if opts.Cookies == nil {
		return nil, errors.New("bridge needs a cookie synchronizer")
	}
	if opts.Adapter == nil {
		opts.Adapter = adapter.Buffered{}
	}
	logging.BridgeDebug("bridge for %s://%s using %s transport", opts.Scheme, Hostname, opts.Adapter.Transport())
	return &Bridge{opts: opts}, nil
}

// BaseURL returns the URL the shell should open.
func (b *Bridge) BaseURL() string {
	return b.opts.Scheme + "://" + Hostname + "/"
}

// Transport returns the transport of the configured adapter.
func (b *Bridge) Transport() adapter.Transport {
	return b.opts.Adapter.Transport()
}

// Owns reports whether the bridge answers requests for u. With https only
// localhost is routed; with http every http request is.
func (b *Bridge) Owns(u *url.URL) bool {
	if u.Scheme != b.opts.Scheme {
		return false
	}
	if b.opts.Scheme == "https" {
		return u.Hostname() == Hostname
	}
	return true
}

// Handle runs the full pipeline for one request. It never returns nil:
// every failure, including a handler panic, becomes a 500 response.
func (b *Bridge) Handle(ctx context.Context, req *native.Request) *native.Response {
	start := time.Now()
	log := logging.WithRequestID(logging.CategoryBridge, uuid.NewString()).
		WithField("method", req.Method).
		WithField("url", req.URL)

	resp, route, err := b.dispatch(ctx, req)
	if err != nil {
		kind := failureKind(err)
		log.Error("request failed (%s): %+v", kind, err)
		b.opts.Metrics.Error(kind)
		resp = b.diagnostic(ctx, err, log.RequestID())
	}

	elapsed := time.Since(start)
	b.opts.Metrics.ObserveRequest(route, resp.StatusCode, elapsed)
	log.Debug("%s -> %d in %v", route, resp.StatusCode, elapsed)
	return resp
}

func (b *Bridge) dispatch(ctx context.Context, req *native.Request) (resp *native.Response, route string, err error) {
	route = "handler"
	defer func() {
		if v := recover(); v != nil {
			err = &loader.PanicError{Value: v, Stack: debug.Stack()}
			resp = nil
		}
	}()

	creq, err := b.normalize(ctx, req)
	if err != nil {
		return nil, route, err
	}

	if creq.Referrer != "" {
		creq.Header.Add("Referer", creq.Referrer)
	}

	if err := b.opts.Cookies.AttachCookies(ctx, creq); err != nil {
		return nil, route, err
	}

	if b.opts.Catalog != nil {
		if entry, ok := b.opts.Catalog.Lookup(creq.URL.Path); ok {
			resp, err := b.serveAsset(ctx, entry)
			return resp, "asset", err
		}
	}

	resp, err = b.serveHandler(ctx, creq)
	return resp, route, err
}

func (b *Bridge) serveAsset(ctx context.Context, entry assets.Entry) (*native.Response, error) {
	rc, err := entry.Open()
	if err != nil {
		return nil, errors.Wrapf(err, "open asset %s", entry.Path)
	}
	cresp := canon.NewResponse(http.StatusOK)
	cresp.Header.Set("Content-Type", assets.ContentType(entry.Path))
	cresp.Body = canon.Stream(rc)

	resp, err := b.opts.Adapter.Adapt(ctx, cresp)
	if err != nil {
		rc.Close()
		return nil, err
	}
	return resp, nil
}

func (b *Bridge) serveHandler(ctx context.Context, creq *canon.Request) (*native.Response, error) {
	var loadContext any
	if b.opts.ContextProvider != nil {
		lc, err := b.opts.ContextProvider(ctx, creq)
		if err != nil {
			return nil, errors.Wrap(err, "build load context")
		}
		loadContext = lc
	}

	h, err := b.opts.Loader.Current(ctx)
	if err != nil {
		return nil, err
	}

	cresp, err := h.Handle(ctx, creq, loadContext)
	if err != nil {
		return nil, errors.Wrap(err, "handler")
	}
	if cresp == nil {
		return nil, errors.New("handler returned no response")
	}

	resp, err := b.opts.Adapter.Adapt(ctx, cresp)
	if err != nil {
		cresp.Body.Close()
		return nil, err
	}

	if err := b.opts.Cookies.PersistSetCookies(ctx, resp.Header, creq.URL); err != nil {
		resp.Close()
		return nil, err
	}
	return resp, nil
}

// normalize converts a native request into a canonical one.
func (b *Bridge) normalize(ctx context.Context, req *native.Request) (*canon.Request, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, errors.Wrapf(err, "parse request url %q", req.URL)
	}
	header := req.Headers.Clone()
	if header == nil {
		header = make(http.Header)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	creq := &canon.Request{
		Method:   method,
		URL:      u,
		Header:   header,
		Referrer: req.Referrer,
	}

	switch {
	case req.Body != nil:
		creq.Body = canon.Stream(req.Body)
	case len(req.Upload) > 0:
		data, err := b.concatUpload(ctx, req.Upload)
		if err != nil {
			return nil, err
		}
		creq.Body = canon.Bytes(data)
	}
	return creq, nil
}

func (b *Bridge) concatUpload(ctx context.Context, segments []native.UploadSegment) ([]byte, error) {
	var buf bytes.Buffer
	for i, seg := range segments {
		if seg.BlobID == "" {
			buf.Write(seg.Bytes)
			continue
		}
		if b.opts.Blobs == nil {
			return nil, errors.Wrapf(native.ErrBlobNotFound, "upload segment %d: no blob store for %q", i, seg.BlobID)
		}
		data, err := b.opts.Blobs.Blob(ctx, seg.BlobID)
		if err != nil {
			return nil, errors.Wrapf(err, "upload segment %d", i)
		}
		buf.Write(data)
	}
	return buf.Bytes(), nil
}

func failureKind(err error) string {
	var perr *loader.PanicError
	switch {
	case errors.As(err, &perr):
		return "panic"
	case errors.Is(err, loader.ErrLoad):
		return "load"
	case errors.Is(err, native.ErrBlobNotFound):
		return "body"
	default:
		return "handler"
	}
}

// diagnostic renders err as a 500 with the error inside <pre>.
func (b *Bridge) diagnostic(ctx context.Context, err error, requestID string) *native.Response {
	text := err.Error()
	if b.opts.FullDiagnostics {
		text = fmt.Sprintf("%+v", err)
	}
	body := "<pre>" + html.EscapeString(text) + "</pre>"

	cresp := canon.NewResponse(http.StatusInternalServerError)
	cresp.Header.Set("Content-Type", "text/html; charset=utf-8")
	cresp.Header.Set(RequestIDHeader, requestID)
	cresp.Body = canon.Bytes([]byte(body))

	resp, aerr := b.opts.Adapter.Adapt(ctx, cresp)
	if aerr != nil {
		return &native.Response{
			StatusCode: http.StatusInternalServerError,
			StatusText: http.StatusText(http.StatusInternalServerError),
			Header:     cresp.Header,
			Data:       []byte(body),
		}
	}
	return resp
}
