// Package native models requests and responses as the shell hands them to
// the bridge and expects them back.
package native

import (
	"context"
	"io"
	"iter"
	"net/http"
	"sync"

	"github.com/cockroachdb/errors"
)

// ErrBlobNotFound is returned when an upload segment names an unknown blob.
var ErrBlobNotFound = errors.New("blob not found")

// UploadSegment is one piece of a request body. Exactly one of Bytes or
// BlobID is meaningful; a non-empty BlobID wins.
type UploadSegment struct {
	Bytes  []byte
	BlobID string
}

// Request is an intercepted shell request.
type Request struct {
	Method   string
	URL      string
	Headers  http.Header
	Referrer string
	// Upload segments are concatenated in order.
	Upload []UploadSegment
	// Body is a lazy stream body, used instead of Upload when set.
	Body io.ReadCloser
}

// Response is what the bridge returns to the shell. Buffered transports fill
// Data, streaming transports fill Chunks.
type Response struct {
	StatusCode int
	StatusText string
	Header     http.Header
	Data       []byte
	Chunks     iter.Seq2[[]byte, error]

	closer io.Closer
}

// SetCloser registers the release hook for an unconsumed stream.
func (r *Response) SetCloser(c io.Closer) {
	r.closer = c
}

// Close releases an unconsumed stream body.
func (r *Response) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// BlobStore resolves blob-referenced upload segments.
type BlobStore interface {
	Blob(ctx context.Context, id string) ([]byte, error)
}

// MemoryBlobStore is a BlobStore backed by a map.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryBlobStore creates an empty store.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

// Put stores a blob under id.
func (s *MemoryBlobStore) Put(id string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[id] = data
}

// Blob implements BlobStore.
func (s *MemoryBlobStore) Blob(_ context.Context, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[id]
	if !ok {
		return nil, errors.Wrapf(ErrBlobNotFound, "blob %q", id)
	}
	return data, nil
}
