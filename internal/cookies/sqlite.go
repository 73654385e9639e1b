package cookies

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"
)

// SQLiteStore persists a named partition in a SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	mu  sync.RWMutex
	now func() time.Time
}

// OpenSQLiteStore opens (creating if needed) the database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create directory")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	// Single connection: concurrent writers otherwise hit SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS cookies (
		domain TEXT NOT NULL,
		path TEXT NOT NULL,
		name TEXT NOT NULL,
		value TEXT NOT NULL,
		host_only INTEGER NOT NULL DEFAULT 0,
		expires INTEGER NOT NULL DEFAULT 0,
		secure INTEGER NOT NULL DEFAULT 0,
		http_only INTEGER NOT NULL DEFAULT 0,
		same_site TEXT NOT NULL DEFAULT 'unspecified',
		url TEXT NOT NULL DEFAULT '',
		created INTEGER NOT NULL,
		PRIMARY KEY (domain, path, name)
	);
	CREATE INDEX IF NOT EXISTS idx_cookies_domain ON cookies(domain);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return errors.Wrap(err, "failed to create table")
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const cookieColumns = `domain, path, name, value, host_only, expires, secure, http_only, same_site, url, created`

func scanRecord(rows *sql.Rows) (Record, error) {
	var (
		rec                        Record
		hostOnly, secure, httpOnly bool
		expires, created           int64
		sameSite                   string
	)
	err := rows.Scan(&rec.Domain, &rec.Path, &rec.Name, &rec.Value, &hostOnly, &expires,
		&secure, &httpOnly, &sameSite, &rec.URL, &created)
	if err != nil {
		return Record{}, err
	}
	rec.HostOnly = hostOnly
	rec.Secure = secure
	rec.HTTPOnly = httpOnly
	rec.SameSite = SameSite(sameSite)
	if expires != 0 {
		rec.Expires = time.Unix(0, expires)
	}
	rec.Created = time.Unix(0, created)
	return rec, nil
}

func (s *SQLiteStore) query(ctx context.Context, q string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query cookies")
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan cookie")
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, rawURL string) ([]Record, error) {
	u, err := parseURL(rawURL)
	if err != nil {
		return nil, err
	}
	domains := candidateDomains(u.Hostname())
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(domains)), ",")
	args := make([]any, len(domains))
	for i, d := range domains {
		args[i] = d
	}

	s.mu.RLock()
	recs, err := s.query(ctx, `SELECT `+cookieColumns+` FROM cookies WHERE domain IN (`+placeholders+`)`, args...)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	now := s.now()
	out := recs[:0]
	for _, rec := range recs {
		if rec.Matches(u, now) {
			out = append(out, rec)
		}
	}
	sortForHeader(out)
	return out, nil
}

// Set implements Store.
func (s *SQLiteStore) Set(ctx context.Context, rec Record) error {
	var expires int64
	if !rec.Expires.IsZero() {
		expires = rec.Expires.UnixNano()
	}
	if rec.Created.IsZero() {
		rec.Created = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cookies (`+cookieColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(domain, path, name) DO UPDATE SET
			value = excluded.value,
			host_only = excluded.host_only,
			expires = excluded.expires,
			secure = excluded.secure,
			http_only = excluded.http_only,
			same_site = excluded.same_site,
			url = excluded.url`,
		rec.Domain, rec.Path, rec.Name, rec.Value, rec.HostOnly, expires,
		rec.Secure, rec.HTTPOnly, string(rec.SameSite), rec.URL, rec.Created.UnixNano())
	if err != nil {
		return errors.Wrapf(err, "failed to store cookie %s", rec.Name)
	}
	return nil
}

// Remove implements Store.
func (s *SQLiteStore) Remove(ctx context.Context, rawURL, name string) error {
	u, err := parseURL(rawURL)
	if err != nil {
		return err
	}
	host := canonicalHost(u.Hostname())
	domains := candidateDomains(host)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range domains {
		// Host-only records only match their exact host.
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM cookies WHERE name = ? AND domain = ? AND (host_only = 0 OR domain = ?)`,
			name, d, host); err != nil {
			return errors.Wrapf(err, "failed to remove cookie %s", name)
		}
	}
	return nil
}

// All implements Lister.
func (s *SQLiteStore) All(ctx context.Context) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs, err := s.query(ctx, `SELECT `+cookieColumns+` FROM cookies`)
	if err != nil {
		return nil, err
	}
	sortForHeader(recs)
	return recs, nil
}

// Clear implements Lister.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cookies`); err != nil {
		return errors.Wrap(err, "failed to clear cookies")
	}
	return nil
}
