package loader

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"shellbridge/internal/canon"
	"shellbridge/internal/logging"
)

// ArtifactLoader turns a build artifact path into a Handler.
type ArtifactLoader interface {
	// Load returns the handler for the artifact at path, possibly cached.
	Load(ctx context.Context, path string) (Handler, error)
	// ResolveCanonicalPath returns the key Load caches path under.
	ResolveCanonicalPath(path string) (string, error)
	// PurgeCachedModules drops every cached artifact whose canonical path
	// starts with prefix.
	PurgeCachedModules(prefix string)
}

// YaegiLoader interprets Go source artifacts with yaegi. An artifact is a
// package main declaring one of
//
//	func Handle(w http.ResponseWriter, r *http.Request)
//	func Handle(w http.ResponseWriter, r *http.Request, loadContext interface{})
//
// It may also declare
//
//	func LoadContext(r *http.Request) interface{}
//
// which builds the load context for each handler request. r carries the
// method, URL and headers but no body.
//
// Only standard library imports are available to the artifact.
type YaegiLoader struct {
	mu       sync.Mutex
	registry map[string]Handler
}

// NewYaegiLoader creates a loader with an empty registry.
func NewYaegiLoader() *YaegiLoader {
	return &YaegiLoader{registry: make(map[string]Handler)}
}

// ResolveCanonicalPath implements ArtifactLoader.
func (y *YaegiLoader) ResolveCanonicalPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", errors.Wrapf(err, "resolve %s", path)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	return abs, nil
}

// PurgeCachedModules implements ArtifactLoader.
func (y *YaegiLoader) PurgeCachedModules(prefix string) {
	y.mu.Lock()
	defer y.mu.Unlock()
	for key := range y.registry {
		if strings.HasPrefix(key, prefix) {
			delete(y.registry, key)
			logging.Get(logging.CategoryLoader).Debug("purged %s", key)
		}
	}
}

// Cached reports how many artifacts are in the registry.
func (y *YaegiLoader) Cached() int {
	y.mu.Lock()
	defer y.mu.Unlock()
	return len(y.registry)
}

// Load implements ArtifactLoader.
func (y *YaegiLoader) Load(ctx context.Context, path string) (Handler, error) {
	key, err := y.ResolveCanonicalPath(path)
	if err != nil {
		return nil, err
	}

	y.mu.Lock()
	if h, ok := y.registry[key]; ok {
		y.mu.Unlock()
		return h, nil
	}
	y.mu.Unlock()

	h, err := y.interpret(ctx, key)
	if err != nil {
		return nil, err
	}

	y.mu.Lock()
	y.registry[key] = h
	y.mu.Unlock()
	return h, nil
}

func (y *YaegiLoader) interpret(ctx context.Context, path string) (Handler, error) {
	timer := logging.StartTimer(logging.CategoryLoader, "interpret "+filepath.Base(path))
	defer timer.Stop()

	src, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read artifact %s", path)
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, errors.Wrap(err, "load stdlib symbols")
	}
	if _, err := i.EvalWithContext(ctx, string(src)); err != nil {
		return nil, errors.Wrapf(err, "evaluate artifact %s", path)
	}

	v, err := i.Eval("main.Handle")
	if err != nil {
		return nil, errors.Wrapf(err, "artifact %s does not declare main.Handle", path)
	}

	var h Handler
	switch fn := v.Interface().(type) {
	case func(http.ResponseWriter, *http.Request):
		h = FromHTTP(http.HandlerFunc(fn))
	case func(http.ResponseWriter, *http.Request, interface{}):
		h = FromHTTP(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fn(w, r, LoadContext(r.Context()))
		}))
	default:
		return nil, errors.Newf("artifact %s: Handle has signature %T, want func(http.ResponseWriter, *http.Request[, interface{}])", path, fn)
	}

	lc, err := i.Eval("main.LoadContext")
	if err != nil {
		// optional
		return h, nil
	}
	fn, ok := lc.Interface().(func(*http.Request) interface{})
	if !ok {
		return nil, errors.Newf("artifact %s: LoadContext has signature %T, want func(*http.Request) interface{}", path, lc.Interface())
	}
	return &artifactHandler{Handler: h, loadContext: fn}, nil
}

// artifactHandler is an interpreted handler whose artifact declares
// LoadContext.
type artifactHandler struct {
	Handler
	loadContext func(*http.Request) interface{}
}

// LoadContext implements ContextLoader.
func (a *artifactHandler) LoadContext(ctx context.Context, req *canon.Request) (any, error) {
	r, err := newHTTPRequest(ctx, req, false)
	if err != nil {
		return nil, err
	}
	return a.loadContext(r), nil
}
