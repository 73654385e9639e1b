// Package loader turns a handler build artifact into a live Handler and
// hot-swaps it when the artifact changes.
package loader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"sync"

	"github.com/cockroachdb/errors"

	"shellbridge/internal/canon"
)

// Handler is the application handler contract.
type Handler interface {
	Handle(ctx context.Context, req *canon.Request, loadContext any) (*canon.Response, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *canon.Request, loadContext any) (*canon.Response, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, req *canon.Request, loadContext any) (*canon.Response, error) {
	return f(ctx, req, loadContext)
}

// ContextLoader is implemented by handlers that build their own per-request
// load context.
type ContextLoader interface {
	LoadContext(ctx context.Context, req *canon.Request) (any, error)
}

// PanicError is a recovered handler panic.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}

// Format prints the stack with %+v.
func (e *PanicError) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		fmt.Fprintf(s, "%s\n\n%s", e.Error(), e.Stack)
		return
	}
	io.WriteString(s, e.Error())
}

type loadContextKey struct{}

// WithLoadContext attaches a per-request load context to ctx.
func WithLoadContext(ctx context.Context, v any) context.Context {
	return context.WithValue(ctx, loadContextKey{}, v)
}

// LoadContext returns the load context FromHTTP placed on the request
// context, or nil.
func LoadContext(ctx context.Context) any {
	return ctx.Value(loadContextKey{})
}

// FromHTTP runs a net/http handler as a Handler. The handler runs on its own
// goroutine; Handle returns as soon as it commits headers, and the body is
// streamed from whatever it writes afterwards. The load context is available
// through LoadContext(r.Context()).
func FromHTTP(h http.Handler) Handler {
	return HandlerFunc(func(ctx context.Context, req *canon.Request, loadContext any) (*canon.Response, error) {
		httpReq, err := newHTTPRequest(WithLoadContext(ctx, loadContext), req, true)
		if err != nil {
			return nil, err
		}

		pr, pw := io.Pipe()
		rw := newPipeWriter(pw)

		go func() {
			defer func() {
				var failure error
				if v := recover(); v != nil {
					failure = &PanicError{Value: v, Stack: debug.Stack()}
				}
				rw.finish(failure)
			}()
			h.ServeHTTP(rw, httpReq)
		}()

		select {
		case <-rw.ready:
		case <-ctx.Done():
			pr.CloseWithError(ctx.Err())
			return nil, ctx.Err()
		}

		if rw.early != nil {
			pr.Close()
			return nil, rw.early
		}
		return &canon.Response{
			Status:     rw.status,
			StatusText: http.StatusText(rw.status),
			Header:     rw.committed,
			Body:       canon.Stream(pr),
		}, nil
	})
}

// newHTTPRequest builds the server-side view of req. Without withBody the
// request carries no body and req's stream is left unread.
func newHTTPRequest(ctx context.Context, req *canon.Request, withBody bool) (*http.Request, error) {
	var body io.Reader = http.NoBody
	if withBody {
		body = req.Body.Reader()
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), body)
	if err != nil {
		return nil, errors.Wrap(err, "build handler request")
	}
	httpReq.Header = req.Header.Clone()
	if httpReq.Header == nil {
		httpReq.Header = make(http.Header)
	}
	httpReq.RemoteAddr = "127.0.0.1:0"
	httpReq.RequestURI = req.URL.RequestURI()
	httpReq.ContentLength = 0
	if withBody && !req.Body.IsStream() {
		httpReq.ContentLength = int64(len(req.Body.Data()))
	}
	return httpReq, nil
}

// pipeWriter is an http.ResponseWriter that commits headers once and
// streams the body through a pipe.
type pipeWriter struct {
	header    http.Header
	committed http.Header
	status    int
	pw        *io.PipeWriter

	once  sync.Once
	ready chan struct{}
	// early is set when the handler failed before committing headers.
	early error
}

func newPipeWriter(pw *io.PipeWriter) *pipeWriter {
	return &pipeWriter{
		header: make(http.Header),
		pw:     pw,
		ready:  make(chan struct{}),
	}
}

func (w *pipeWriter) Header() http.Header {
	return w.header
}

func (w *pipeWriter) WriteHeader(code int) {
	w.once.Do(func() {
		w.status = code
		w.committed = w.header.Clone()
		close(w.ready)
	})
}

func (w *pipeWriter) Write(b []byte) (int, error) {
	w.WriteHeader(http.StatusOK)
	return w.pw.Write(b)
}

// Flush commits headers so the caller can start reading.
func (w *pipeWriter) Flush() {
	w.WriteHeader(http.StatusOK)
}

func (w *pipeWriter) finish(failure error) {
	w.once.Do(func() {
		if failure != nil {
			w.early = failure
		} else {
			w.status = http.StatusOK
			w.committed = w.header.Clone()
		}
		close(w.ready)
	})
	if failure != nil {
		w.pw.CloseWithError(failure)
		return
	}
	w.pw.Close()
}
