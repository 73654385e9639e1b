package cookies

import (
	"context"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"shellbridge/internal/logging"
)

// Store is a session cookie store.
type Store interface {
	// Get returns the cookies that should be sent to url, ordered for a
	// Cookie header.
	Get(ctx context.Context, url string) ([]Record, error)
	// Set inserts or replaces the record with the same domain, path and name.
	Set(ctx context.Context, rec Record) error
	// Remove deletes every cookie called name whose domain matches url's host.
	Remove(ctx context.Context, url, name string) error
}

// Lister is implemented by stores that can enumerate and clear everything.
type Lister interface {
	All(ctx context.Context) ([]Record, error)
	Clear(ctx context.Context) error
}

const (
	BackendSQLite = "sqlite"
	BackendPebble = "pebble"

	persistPrefix = "persist:"
)

// OpenPartition opens the store for a session partition. "" is the
// in-memory default session; "persist:<name>" opens a persistent store
// under <dataDir>/partitions/<name> with the given backend.
func OpenPartition(dataDir, partition, backend string) (Store, error) {
	if partition == "" {
		logging.CookiesDebug("using in-memory default session")
		return NewMemoryStore(), nil
	}
	if !strings.HasPrefix(partition, persistPrefix) {
		return nil, errors.Newf("unsupported partition %q", partition)
	}
	name := strings.TrimPrefix(partition, persistPrefix)
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return nil, errors.Newf("invalid partition name %q", name)
	}

	dir := filepath.Join(dataDir, "partitions", name)
	switch backend {
	case "", BackendSQLite:
		return OpenSQLiteStore(filepath.Join(dir, "cookies.db"))
	case BackendPebble:
		return OpenPebbleStore(dir)
	default:
		return nil, errors.Newf("unknown partition backend %q", backend)
	}
}

// Close closes a store if it holds resources.
func Close(s Store) error {
	if c, ok := s.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

func parseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "parse cookie url %q", raw)
	}
	if u.Hostname() == "" {
		return nil, errors.Newf("cookie url %q has no host", raw)
	}
	return u, nil
}

// removable reports whether rec is a Remove target for host and name.
func removable(rec Record, host, name string) bool {
	if rec.Name != name {
		return false
	}
	if rec.HostOnly {
		return rec.Domain == host
	}
	return domainMatch(host, rec.Domain)
}

// RemovedBy reports whether Remove(u, name) deletes r.
func (r Record) RemovedBy(u *url.URL, name string) bool {
	return removable(r, canonicalHost(u.Hostname()), name)
}

// MemoryStore is the in-process default session store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	now     func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
		now:     time.Now,
	}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, rawURL string) ([]Record, error) {
	u, err := parseURL(rawURL)
	if err != nil {
		return nil, err
	}
	now := s.now()

	s.mu.RLock()
	var out []Record
	for _, rec := range s.records {
		if rec.Matches(u, now) {
			out = append(out, rec)
		}
	}
	s.mu.RUnlock()

	sortForHeader(out)
	return out, nil
}

// Set implements Store.
func (s *MemoryStore) Set(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.records[rec.key()]; ok {
		rec.Created = old.Created
	}
	if rec.Created.IsZero() {
		rec.Created = s.now()
	}
	s.records[rec.key()] = rec
	return nil
}

// Remove implements Store.
func (s *MemoryStore) Remove(_ context.Context, rawURL, name string) error {
	u, err := parseURL(rawURL)
	if err != nil {
		return err
	}
	host := canonicalHost(u.Hostname())

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, rec := range s.records {
		if removable(rec, host, name) {
			delete(s.records, k)
		}
	}
	return nil
}

// All implements Lister.
func (s *MemoryStore) All(_ context.Context) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sortForHeader(out)
	return out, nil
}

// Clear implements Lister.
func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]Record)
	return nil
}
