// Package adapter converts canonical responses into the shape a shell
// transport accepts.
package adapter

import (
	"context"
	"io"
	"iter"
	"net/http"

	"github.com/cockroachdb/errors"

	"shellbridge/internal/canon"
	"shellbridge/internal/native"
)

// Transport names how a shell takes response bodies.
type Transport int

const (
	// TransportBuffered takes one complete body.
	TransportBuffered Transport = iota
	// TransportStreaming takes a chunk sequence.
	TransportStreaming
)

func (t Transport) String() string {
	if t == TransportStreaming {
		return "streaming"
	}
	return "buffered"
}

// Adapter converts a canonical response for one transport.
type Adapter interface {
	Transport() Transport
	Adapt(ctx context.Context, resp *canon.Response) (*native.Response, error)
}

// For returns the adapter for transport.
func For(t Transport) Adapter {
	if t == TransportStreaming {
		return Streaming{}
	}
	return Buffered{}
}

// DefaultChunkSize is the read size Streaming uses for stream bodies.
const DefaultChunkSize = 32 * 1024

func nativeHeader(resp *canon.Response) (int, string, http.Header) {
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	text := resp.StatusText
	if text == "" {
		text = http.StatusText(status)
	}
	header := resp.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	return status, text, header
}

// Buffered drains the body into Data.
type Buffered struct{}

// Transport implements Adapter.
func (Buffered) Transport() Transport { return TransportBuffered }

// Adapt implements Adapter.
func (Buffered) Adapt(ctx context.Context, resp *canon.Response) (*native.Response, error) {
	status, text, header := nativeHeader(resp)
	data, err := readAllContext(ctx, resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read response body")
	}
	return &native.Response{
		StatusCode: status,
		StatusText: text,
		Header:     header,
		Data:       data,
	}, nil
}

func readAllContext(ctx context.Context, body canon.Body) ([]byte, error) {
	if !body.IsStream() {
		return body.Data(), nil
	}
	rc := body.Reader()
	stop := context.AfterFunc(ctx, func() { rc.Close() })
	defer stop()
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return data, err
}

// Streaming exposes the body as a chunk sequence without buffering it.
type Streaming struct {
	// ChunkSize bounds each chunk read from a stream body. Zero means
	// DefaultChunkSize.
	ChunkSize int
}

// Transport implements Adapter.
func (Streaming) Transport() Transport { return TransportStreaming }

// Adapt implements Adapter. Byte bodies become a single chunk. The returned
// response's Close releases a stream that was never iterated.
func (s Streaming) Adapt(ctx context.Context, resp *canon.Response) (*native.Response, error) {
	status, text, header := nativeHeader(resp)
	out := &native.Response{
		StatusCode: status,
		StatusText: text,
		Header:     header,
	}

	if !resp.Body.IsStream() {
		data := resp.Body.Data()
		out.Chunks = func(yield func([]byte, error) bool) {
			if len(data) > 0 {
				yield(data, nil)
			}
		}
		return out, nil
	}

	size := s.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}
	rc := resp.Body.Reader()
	out.SetCloser(rc)
	out.Chunks = streamChunks(ctx, rc, size)
	return out, nil
}

func streamChunks(ctx context.Context, rc io.ReadCloser, size int) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		defer rc.Close()
		buf := make([]byte, size)
		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			n, err := rc.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				if !yield(chunk, nil) {
					return
				}
			}
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
		}
	}
}
