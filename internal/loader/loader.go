package loader

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/singleflight"

	"shellbridge/internal/canon"
	"shellbridge/internal/logging"
)

// ErrLoad marks every handler load failure.
var ErrLoad = errors.New("handler load failed")

// Mode selects how the loader tracks the artifact.
type Mode int

const (
	// Static loads once and never stats the artifact again.
	Static Mode = iota
	// Watched stats the artifact on every Current call and reloads when its
	// modification time changes.
	Watched
)

func (m Mode) String() string {
	if m == Watched {
		return "watched"
	}
	return "static"
}

// ReloadObserver is told the outcome of every (re)load: "ok" or "error".
type ReloadObserver interface {
	HandlerReload(result string)
}

// slot pairs a handler with the artifact timestamp it was built from so
// both are replaced in one atomic store.
type slot struct {
	handler Handler
	modTime time.Time
}

// Loader owns the active handler.
type Loader struct {
	artifacts ArtifactLoader
	path      string
	mode      Mode
	observer  ReloadObserver
	stat      func(string) (os.FileInfo, error)

	current atomic.Pointer[slot]
	group   singleflight.Group
}

// NewStatic wraps a handler supplied directly. Current always returns it.
func NewStatic(h Handler) *Loader {
	l := &Loader{mode: Static}
	l.current.Store(&slot{handler: h})
	return l
}

// Open loads the artifact at path. Static mode loads it exactly once;
// Watched mode records its timestamp so an unchanged artifact is not
// reloaded on the first request. observer may be nil.
func Open(ctx context.Context, artifacts ArtifactLoader, path string, mode Mode, observer ReloadObserver) (*Loader, error) {
	canonical, err := artifacts.ResolveCanonicalPath(path)
	if err != nil {
		return nil, errors.Mark(err, ErrLoad)
	}
	l := &Loader{
		artifacts: artifacts,
		path:      canonical,
		mode:      mode,
		observer:  observer,
		stat:      os.Stat,
	}

	var modTime time.Time
	if mode == Watched {
		fi, err := l.stat(canonical)
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "stat artifact %s", canonical), ErrLoad)
		}
		modTime = fi.ModTime()
	}

	h, err := artifacts.Load(ctx, canonical)
	if err != nil {
		l.observe("error")
		return nil, errors.Mark(errors.Wrapf(err, "load artifact %s", canonical), ErrLoad)
	}
	l.observe("ok")
	l.current.Store(&slot{handler: h, modTime: modTime})

	logging.Loader("loaded %s (%s)", canonical, mode)
	return l, nil
}

// Mode returns the loader mode.
func (l *Loader) Mode() Mode {
	return l.mode
}

// LoadContext builds the load context for req from the current handler. It
// returns nil when the handler does not implement ContextLoader.
func (l *Loader) LoadContext(ctx context.Context, req *canon.Request) (any, error) {
	h, err := l.Current(ctx)
	if err != nil {
		return nil, err
	}
	if cl, ok := h.(ContextLoader); ok {
		return cl.LoadContext(ctx, req)
	}
	return nil, nil
}

func (l *Loader) observe(result string) {
	if l.observer != nil {
		l.observer.HandlerReload(result)
	}
}

// Current returns the handler to dispatch to. In Watched mode a changed
// artifact timestamp triggers purge and reload first; a failed reload
// returns an error wrapping ErrLoad and keeps the stored timestamp so the
// next call retries.
func (l *Loader) Current(ctx context.Context) (Handler, error) {
	s := l.current.Load()
	if l.mode == Static {
		return s.handler, nil
	}

	fi, err := l.stat(l.path)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "stat artifact %s", l.path), ErrLoad)
	}
	modTime := fi.ModTime()
	if s != nil && s.modTime.Equal(modTime) {
		return s.handler, nil
	}

	v, err, _ := l.group.Do(modTime.String(), func() (interface{}, error) {
		if s := l.current.Load(); s != nil && s.modTime.Equal(modTime) {
			return s.handler, nil
		}
		return l.reload(ctx, modTime)
	})
	if err != nil {
		return nil, err
	}
	return v.(Handler), nil
}

func (l *Loader) reload(ctx context.Context, modTime time.Time) (Handler, error) {
	timer := logging.StartTimer(logging.CategoryLoader, "reload")
	defer timer.Stop()

	l.artifacts.PurgeCachedModules(filepath.Dir(l.path))

	h, err := l.artifacts.Load(ctx, l.path)
	if err != nil {
		l.observe("error")
		logging.LoaderError("reload %s failed: %v", l.path, err)
		return nil, errors.Mark(errors.Wrapf(err, "reload artifact %s", l.path), ErrLoad)
	}

	l.current.Store(&slot{handler: h, modTime: modTime})
	l.observe("ok")
	logging.Loader("reloaded %s (modified %s)", l.path, modTime.Format(time.RFC3339Nano))
	return h, nil
}
