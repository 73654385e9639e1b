// Package assets enumerates the public folder and serves exact-path lookups
// against it.
package assets

import (
	"io"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"shellbridge/internal/logging"
)

// ErrRootNotFound is returned when the asset root does not exist.
var ErrRootNotFound = errors.Wrap(fs.ErrNotExist, "asset root not found")

// Entry is one file in the catalog.
type Entry struct {
	// Path is the URL path: leading slash, forward slashes.
	Path string
	Size int64

	file string
}

// Open returns a fresh stream over the file contents. Every call opens the
// file again so concurrent readers never share an offset.
func (e Entry) Open() (io.ReadCloser, error) {
	return os.Open(e.file)
}

// Collect returns every regular file under root, recursively, sorted by path.
// Symlinks to regular files are included under the link's path.
func Collect(root string) ([]Entry, error) {
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrRootNotFound, "%s", root)
		}
		return nil, errors.Wrapf(err, "stat asset root %s", root)
	}
	if !info.IsDir() {
		return nil, errors.Newf("asset root %s is not a directory", root)
	}

	var entries []Entry
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		var fi fs.FileInfo
		switch {
		case d.Type().IsRegular():
			if fi, err = d.Info(); err != nil {
				return err
			}
		case d.Type()&fs.ModeSymlink != 0:
			fi, err = os.Stat(p)
			if err != nil || !fi.Mode().IsRegular() {
				// dangling or not a file
				return nil
			}
		default:
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		entries = append(entries, Entry{
			Path: "/" + filepath.ToSlash(rel),
			Size: fi.Size(),
			file: p,
		})
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "walk asset root %s", root)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

// Lookup finds the entry whose path equals p exactly.
func Lookup(entries []Entry, p string) (Entry, bool) {
	i := sort.Search(len(entries), func(i int) bool { return entries[i].Path >= p })
	if i < len(entries) && entries[i].Path == p {
		return entries[i], true
	}
	return Entry{}, false
}

// ContentType returns the MIME type for p by extension, falling back to
// application/octet-stream.
func ContentType(p string) string {
	if t := mime.TypeByExtension(path.Ext(p)); t != "" {
		return t
	}
	return "application/octet-stream"
}

// slowCollect is the walk duration above which a refresh is logged as a
// warning.
const slowCollect = 500 * time.Millisecond

// Catalog is an indexed, refreshable view of an asset root.
type Catalog struct {
	root string

	mu      sync.RWMutex
	entries []Entry
	index   map[string]Entry

	stale   atomic.Bool
	collect func(string) ([]Entry, error)
}

// NewCatalog collects root once. A missing root is an error.
func NewCatalog(root string) (*Catalog, error) {
	c := &Catalog{root: root, collect: Collect}
	if err := c.Refresh(); err != nil {
		return nil, err
	}
	return c, nil
}

// Root returns the directory the catalog serves.
func (c *Catalog) Root() string {
	return c.root
}

// Refresh rebuilds the index from disk. It does not clear the stale flag:
// a change reported while the walk runs still triggers the next rebuild.
func (c *Catalog) Refresh() error {
	timer := logging.StartTimer(logging.CategoryAssets, "collect "+c.root)
	entries, err := c.collect(c.root)
	timer.StopWithThreshold(slowCollect)
	if err != nil {
		return err
	}

	index := make(map[string]Entry, len(entries))
	for _, e := range entries {
		index[e.Path] = e
	}

	c.mu.Lock()
	c.entries = entries
	c.index = index
	c.mu.Unlock()

	logging.Get(logging.CategoryAssets).Debug("catalog %s: %d entries", c.root, len(entries))
	return nil
}

// MarkStale makes the next lookup rebuild the index.
func (c *Catalog) MarkStale() {
	c.stale.Store(true)
}

func (c *Catalog) refreshIfStale() {
	if !c.stale.CompareAndSwap(true, false) {
		return
	}
	if err := c.Refresh(); err != nil {
		// Keep serving the previous index and retry on the next lookup.
		logging.AssetsWarn("refresh %s failed: %v", c.root, err)
		c.MarkStale()
	}
}

// Lookup returns the entry at exactly p.
func (c *Catalog) Lookup(p string) (Entry, bool) {
	c.refreshIfStale()

	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.index[p]
	return e, ok
}

// Entries returns the sorted entries.
func (c *Catalog) Entries() []Entry {
	c.refreshIfStale()

	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}
