package browser

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"shellbridge/internal/native"
)

// PostDataStore resolves request bodies Chrome did not inline into the
// paused event. Blob ids are network request ids.
type PostDataStore struct {
	page *rod.Page
}

var _ native.BlobStore = (*PostDataStore)(nil)

// NewPostDataStore returns a blob store for requests issued by page.
func NewPostDataStore(page *rod.Page) *PostDataStore {
	return &PostDataStore{page: page}
}

// Blob implements native.BlobStore.
func (s *PostDataStore) Blob(ctx context.Context, id string) ([]byte, error) {
	if id == "" {
		return nil, errors.Wrap(native.ErrBlobNotFound, "empty network request id")
	}
	res, err := proto.NetworkGetRequestPostData{RequestID: proto.NetworkRequestID(id)}.Call(s.page.Context(ctx))
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "post data for request %s", id), native.ErrBlobNotFound)
	}
	return []byte(res.PostData), nil
}
