package loader

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shellbridge/internal/canon"
)

// countingArtifacts builds a handler that answers with the load generation.
type countingArtifacts struct {
	loads  atomic.Int32
	purges []string
	mu     sync.Mutex
	fail   atomic.Bool
	delay  time.Duration
}

func (c *countingArtifacts) Load(_ context.Context, path string) (Handler, error) {
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	if c.fail.Load() {
		return nil, errors.New("syntax error in artifact")
	}
	gen := c.loads.Add(1)
	return HandlerFunc(func(context.Context, *canon.Request, any) (*canon.Response, error) {
		resp := canon.NewResponse(http.StatusOK)
		resp.Body = canon.Bytes([]byte{byte('0' + gen)})
		return resp, nil
	}), nil
}

func (c *countingArtifacts) ResolveCanonicalPath(path string) (string, error) {
	return filepath.Abs(path)
}

func (c *countingArtifacts) PurgeCachedModules(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purges = append(c.purges, prefix)
}

type reloadCounter struct {
	mu      sync.Mutex
	results []string
}

func (r *reloadCounter) HandlerReload(result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)
}

func writeArtifact(t *testing.T, path string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("package main"), 0644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func generation(t *testing.T, l *Loader) string {
	t.Helper()
	h, err := l.Current(context.Background())
	require.NoError(t, err)
	resp, err := h.Handle(context.Background(), &canon.Request{}, nil)
	require.NoError(t, err)
	b, err := io.ReadAll(resp.Body.Reader())
	require.NoError(t, err)
	return string(b)
}

func TestWatchedReloadsOnTimestampChange(t *testing.T) {
	dir := t.TempDir()
	artifact := filepath.Join(dir, "handler.go")
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	writeArtifact(t, artifact, base)

	arts := &countingArtifacts{}
	obs := &reloadCounter{}
	l, err := Open(context.Background(), arts, artifact, Watched, obs)
	require.NoError(t, err)

	assert.Equal(t, "1", generation(t, l))
	assert.Equal(t, "1", generation(t, l), "unchanged artifact is not reloaded")
	assert.Equal(t, int32(1), arts.loads.Load())

	writeArtifact(t, artifact, base.Add(time.Second))
	assert.Equal(t, "2", generation(t, l))
	assert.Equal(t, "2", generation(t, l))
	assert.Equal(t, int32(2), arts.loads.Load())
	assert.Equal(t, []string{dir}, arts.purges)
	assert.Equal(t, []string{"ok", "ok"}, obs.results)
}

func TestWatchedFailedReloadRetries(t *testing.T) {
	dir := t.TempDir()
	artifact := filepath.Join(dir, "handler.go")
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	writeArtifact(t, artifact, base)

	arts := &countingArtifacts{}
	l, err := Open(context.Background(), arts, artifact, Watched, nil)
	require.NoError(t, err)

	writeArtifact(t, artifact, base.Add(time.Second))
	arts.fail.Store(true)

	_, err = l.Current(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLoad))

	_, err = l.Current(context.Background())
	require.Error(t, err, "timestamp was not advanced, so the reload is retried")

	arts.fail.Store(false)
	assert.Equal(t, "2", generation(t, l))
}

func TestWatchedCollapsesConcurrentReloads(t *testing.T) {
	dir := t.TempDir()
	artifact := filepath.Join(dir, "handler.go")
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	writeArtifact(t, artifact, base)

	arts := &countingArtifacts{}
	l, err := Open(context.Background(), arts, artifact, Watched, nil)
	require.NoError(t, err)

	arts.delay = 50 * time.Millisecond
	writeArtifact(t, artifact, base.Add(time.Second))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Current(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(2), arts.loads.Load())
}

func TestStaticNeverStats(t *testing.T) {
	dir := t.TempDir()
	artifact := filepath.Join(dir, "handler.go")
	writeArtifact(t, artifact, time.Now())

	arts := &countingArtifacts{}
	l, err := Open(context.Background(), arts, artifact, Static, nil)
	require.NoError(t, err)

	require.NoError(t, os.Remove(artifact))
	assert.Equal(t, "1", generation(t, l))
	assert.Equal(t, int32(1), arts.loads.Load())
}

func TestOpenFailureIsLoadError(t *testing.T) {
	arts := &countingArtifacts{}
	arts.fail.Store(true)

	_, err := Open(context.Background(), arts, filepath.Join(t.TempDir(), "x.go"), Static, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLoad))

	_, err = Open(context.Background(), &countingArtifacts{}, filepath.Join(t.TempDir(), "missing.go"), Watched, nil)
	assert.True(t, errors.Is(err, ErrLoad))
}

func TestNewStatic(t *testing.T) {
	h := HandlerFunc(func(context.Context, *canon.Request, any) (*canon.Response, error) {
		return canon.NewResponse(http.StatusNoContent), nil
	})
	l := NewStatic(h)
	assert.Equal(t, Static, l.Mode())

	got, err := l.Current(context.Background())
	require.NoError(t, err)
	resp, err := got.Handle(context.Background(), &canon.Request{}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.Status)
}
