// Package canon defines the canonical request and response values passed
// between the bridge, the asset catalog and the application handler.
package canon

import (
	"bytes"
	"io"
	"iter"
	"net/http"
	"net/url"
)

// Request is the shell-independent form of an intercepted request.
// It is built fresh per native request and not mutated once cookies are merged.
type Request struct {
	Method   string
	URL      *url.URL
	Header   http.Header
	Body     Body
	Referrer string
}

// Response is what a handler or the asset catalog produces. Its body is
// consumed exactly once by an adapter.
type Response struct {
	Status     int
	StatusText string
	Header     http.Header
	Body       Body
}

// NewResponse returns a response with an empty header map and no body.
func NewResponse(status int) *Response {
	return &Response{
		Status:     status,
		StatusText: http.StatusText(status),
		Header:     make(http.Header),
	}
}

// Body is either materialized bytes or a lazy stream. The zero value is an
// empty byte body.
type Body struct {
	data   []byte
	stream io.ReadCloser
}

// Bytes wraps materialized bytes.
func Bytes(b []byte) Body {
	return Body{data: b}
}

// Stream wraps a lazy stream. The consumer closes it.
func Stream(rc io.ReadCloser) Body {
	if rc == nil {
		return Body{}
	}
	return Body{stream: rc}
}

// Chunks exposes a chunk sequence as a stream. The sequence runs on its own
// goroutine and stops as soon as the reader is closed.
func Chunks(seq iter.Seq2[[]byte, error]) Body {
	pr, pw := io.Pipe()
	go func() {
		for chunk, err := range seq {
			if err != nil {
				pw.CloseWithError(err)
				return
			}
			if _, werr := pw.Write(chunk); werr != nil {
				return
			}
		}
		pw.Close()
	}()
	return Body{stream: pr}
}

// IsStream reports whether the body is lazy.
func (b Body) IsStream() bool {
	return b.stream != nil
}

// Data returns materialized bytes, nil for streams.
func (b Body) Data() []byte {
	return b.data
}

// Reader returns a reader over the body. For streams this is the stream
// itself and may only be consumed once.
func (b Body) Reader() io.ReadCloser {
	if b.stream != nil {
		return b.stream
	}
	return io.NopCloser(bytes.NewReader(b.data))
}

// ReadAll drains and closes the body.
func (b Body) ReadAll() ([]byte, error) {
	if b.stream == nil {
		return b.data, nil
	}
	defer b.stream.Close()
	return io.ReadAll(b.stream)
}

// Close releases an unconsumed stream. It is a no-op for byte bodies.
func (b Body) Close() error {
	if b.stream != nil {
		return b.stream.Close()
	}
	return nil
}
