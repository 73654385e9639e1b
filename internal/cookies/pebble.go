package cookies

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	pebble "github.com/cockroachdb/pebble"
	"github.com/cockroachdb/errors"
)

// PebbleStore persists a named partition in a Pebble key-value store.
// Keys are "cookie:<domain>\x00<path>\x00<name>", values are JSON records,
// so every cookie of a domain lives under one prefix.
type PebbleStore struct {
	db  *pebble.DB
	mu  sync.Mutex
	now func() time.Time
}

const pebbleKeyPrefix = "cookie:"

// OpenPebbleStore opens (creating if needed) the store in dir.
func OpenPebbleStore(dir string) (*PebbleStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.Wrap(err, "create partition directory")
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrapf(err, "open pebble store %s", dir)
	}
	return &PebbleStore{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *PebbleStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func pebbleKey(rec Record) []byte {
	return []byte(pebbleKeyPrefix + rec.key())
}

// domainBounds returns the iterator bounds covering every key of domain.
func domainBounds(domain string) (lower, upper []byte) {
	return []byte(pebbleKeyPrefix + domain + "\x00"), []byte(pebbleKeyPrefix + domain + "\x01")
}

func (s *PebbleStore) scan(lower, upper []byte, fn func(key []byte, rec Record) error) error {
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return err
	}
	defer it.Close()

	for ok := it.First(); ok; ok = it.Next() {
		var rec Record
		if err := json.Unmarshal(it.Value(), &rec); err != nil {
			return errors.Wrapf(err, "decode cookie %q", it.Key())
		}
		key := make([]byte, len(it.Key()))
		copy(key, it.Key())
		if err := fn(key, rec); err != nil {
			return err
		}
	}
	return it.Error()
}

// Get implements Store.
func (s *PebbleStore) Get(_ context.Context, rawURL string) ([]Record, error) {
	u, err := parseURL(rawURL)
	if err != nil {
		return nil, err
	}
	now := s.now()

	var out []Record
	for _, d := range candidateDomains(u.Hostname()) {
		lower, upper := domainBounds(d)
		err := s.scan(lower, upper, func(_ []byte, rec Record) error {
			if rec.Matches(u, now) {
				out = append(out, rec)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	sortForHeader(out)
	return out, nil
}

// Set implements Store.
func (s *PebbleStore) Set(_ context.Context, rec Record) error {
	key := pebbleKey(rec)

	s.mu.Lock()
	defer s.mu.Unlock()

	if v, closer, err := s.db.Get(key); err == nil {
		var old Record
		if json.Unmarshal(v, &old) == nil {
			rec.Created = old.Created
		}
		closer.Close()
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return errors.Wrapf(err, "read cookie %s", rec.Name)
	}
	if rec.Created.IsZero() {
		rec.Created = s.now()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrapf(err, "encode cookie %s", rec.Name)
	}
	return s.db.Set(key, data, pebble.Sync)
}

// Remove implements Store.
func (s *PebbleStore) Remove(_ context.Context, rawURL, name string) error {
	u, err := parseURL(rawURL)
	if err != nil {
		return err
	}
	host := canonicalHost(u.Hostname())

	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.db.NewBatch()
	defer batch.Close()
	for _, d := range candidateDomains(host) {
		lower, upper := domainBounds(d)
		err := s.scan(lower, upper, func(key []byte, rec Record) error {
			if removable(rec, host, name) {
				return batch.Delete(key, nil)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

// All implements Lister.
func (s *PebbleStore) All(_ context.Context) ([]Record, error) {
	var out []Record
	err := s.scan([]byte(pebbleKeyPrefix), []byte("cookie;"), func(_ []byte, rec Record) error {
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortForHeader(out)
	return out, nil
}

// Clear implements Lister.
func (s *PebbleStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.DeleteRange([]byte(pebbleKeyPrefix), []byte("cookie;"), pebble.Sync)
}
