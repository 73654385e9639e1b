package cookies

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeFactory func(t *testing.T) Store

func storeFactories() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"sqlite": func(t *testing.T) Store {
			s, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "cookies.db"))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
		"pebble": func(t *testing.T) Store {
			s, err := OpenPebbleStore(filepath.Join(t.TempDir(), "pebble"))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func names(recs []Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Name
	}
	return out
}

func TestStores(t *testing.T) {
	for backend, open := range storeFactories() {
		t.Run(backend, func(t *testing.T) {
			ctx := context.Background()

			t.Run("host only matching", func(t *testing.T) {
				s := open(t)
				require.NoError(t, s.Set(ctx, Record{Name: "sid", Value: "1", Domain: "localhost", HostOnly: true, Path: "/"}))

				got, err := s.Get(ctx, "http://localhost/app")
				require.NoError(t, err)
				assert.Equal(t, []string{"sid"}, names(got))

				got, err = s.Get(ctx, "http://sub.localhost/app")
				require.NoError(t, err)
				assert.Empty(t, got)
			})

			t.Run("domain and path matching", func(t *testing.T) {
				s := open(t)
				require.NoError(t, s.Set(ctx, Record{Name: "wide", Value: "w", Domain: "example.com", Path: "/"}))
				require.NoError(t, s.Set(ctx, Record{Name: "deep", Value: "d", Domain: "example.com", Path: "/app"}))
				require.NoError(t, s.Set(ctx, Record{Name: "other", Value: "o", Domain: "example.org", Path: "/"}))

				got, err := s.Get(ctx, "https://www.example.com/app/page")
				require.NoError(t, err)
				assert.Equal(t, []string{"deep", "wide"}, names(got), "longer paths first")

				got, err = s.Get(ctx, "https://www.example.com/application")
				require.NoError(t, err)
				assert.Equal(t, []string{"wide"}, names(got))
			})

			t.Run("secure cookies", func(t *testing.T) {
				s := open(t)
				require.NoError(t, s.Set(ctx, Record{Name: "sec", Value: "s", Domain: "example.com", HostOnly: true, Path: "/", Secure: true}))

				got, err := s.Get(ctx, "http://example.com/")
				require.NoError(t, err)
				assert.Empty(t, got)

				got, err = s.Get(ctx, "https://example.com/")
				require.NoError(t, err)
				assert.Len(t, got, 1)
			})

			t.Run("expired records are not returned", func(t *testing.T) {
				s := open(t)
				require.NoError(t, s.Set(ctx, Record{Name: "old", Value: "x", Domain: "localhost", HostOnly: true, Path: "/", Expires: time.Now().Add(-time.Hour)}))
				require.NoError(t, s.Set(ctx, Record{Name: "new", Value: "y", Domain: "localhost", HostOnly: true, Path: "/", Expires: time.Now().Add(time.Hour)}))

				got, err := s.Get(ctx, "http://localhost/")
				require.NoError(t, err)
				assert.Equal(t, []string{"new"}, names(got))
			})

			t.Run("set replaces same identity", func(t *testing.T) {
				s := open(t)
				require.NoError(t, s.Set(ctx, Record{Name: "a", Value: "1", Domain: "localhost", HostOnly: true, Path: "/"}))
				require.NoError(t, s.Set(ctx, Record{Name: "a", Value: "2", Domain: "localhost", HostOnly: true, Path: "/"}))

				got, err := s.Get(ctx, "http://localhost/")
				require.NoError(t, err)
				require.Len(t, got, 1)
				assert.Equal(t, "2", got[0].Value)
			})

			t.Run("remove", func(t *testing.T) {
				s := open(t)
				require.NoError(t, s.Set(ctx, Record{Name: "a", Value: "1", Domain: "localhost", HostOnly: true, Path: "/"}))
				require.NoError(t, s.Set(ctx, Record{Name: "a", Value: "1", Domain: "localhost", HostOnly: true, Path: "/deep"}))
				require.NoError(t, s.Set(ctx, Record{Name: "b", Value: "2", Domain: "localhost", HostOnly: true, Path: "/"}))

				require.NoError(t, s.Remove(ctx, "http://localhost/", "a"))

				got, err := s.Get(ctx, "http://localhost/deep")
				require.NoError(t, err)
				assert.Equal(t, []string{"b"}, names(got))
			})

			t.Run("list and clear", func(t *testing.T) {
				s := open(t)
				require.NoError(t, s.Set(ctx, Record{Name: "a", Value: "1", Domain: "localhost", HostOnly: true, Path: "/"}))
				require.NoError(t, s.Set(ctx, Record{Name: "b", Value: "2", Domain: "example.com", Path: "/"}))

				l, ok := s.(Lister)
				require.True(t, ok)
				all, err := l.All(ctx)
				require.NoError(t, err)
				assert.Len(t, all, 2)

				require.NoError(t, l.Clear(ctx))
				all, err = l.All(ctx)
				require.NoError(t, err)
				assert.Empty(t, all)
			})

			t.Run("field round trip", func(t *testing.T) {
				s := open(t)
				exp := time.Now().Add(time.Hour).Truncate(time.Second)
				in := Record{
					URL: "https://localhost/login", Name: "sid", Value: "v", Domain: "localhost",
					HostOnly: true, Path: "/", Expires: exp, Secure: true, HTTPOnly: true,
					SameSite: SameSiteNoRestriction,
				}
				require.NoError(t, s.Set(ctx, in))

				got, err := s.Get(ctx, "https://localhost/")
				require.NoError(t, err)
				require.Len(t, got, 1)
				out := got[0]
				assert.Equal(t, in.URL, out.URL)
				assert.True(t, exp.Equal(out.Expires))
				assert.True(t, out.Secure)
				assert.True(t, out.HTTPOnly)
				assert.Equal(t, SameSiteNoRestriction, out.SameSite)
				assert.False(t, out.Created.IsZero())
			})
		})
	}
}

func TestPersistentStoresSurviveReopen(t *testing.T) {
	ctx := context.Background()
	for _, backend := range []string{BackendSQLite, BackendPebble} {
		t.Run(backend, func(t *testing.T) {
			dataDir := t.TempDir()

			s, err := OpenPartition(dataDir, "persist:set-cookies", backend)
			require.NoError(t, err)
			require.NoError(t, s.Set(ctx, Record{Name: "keep", Value: "me", Domain: "localhost", HostOnly: true, Path: "/"}))
			require.NoError(t, Close(s))

			s, err = OpenPartition(dataDir, "persist:set-cookies", backend)
			require.NoError(t, err)
			defer Close(s)

			got, err := s.Get(ctx, "http://localhost/")
			require.NoError(t, err)
			assert.Equal(t, []string{"keep"}, names(got))
		})
	}
}

func TestOpenPartition(t *testing.T) {
	s, err := OpenPartition(t.TempDir(), "", BackendSQLite)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	for _, bad := range []string{"set-cookies", "persist:", "persist:../x"} {
		_, err := OpenPartition(t.TempDir(), bad, BackendSQLite)
		assert.Error(t, err, bad)
	}

	_, err = OpenPartition(t.TempDir(), "persist:x", "bolt")
	assert.Error(t, err)
}

func TestSQLiteErrorsCarryStack(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	_, err := OpenSQLiteStore(filepath.Join(blocker, "cookies.db"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create directory")
	assert.Contains(t, fmt.Sprintf("%+v", err), "OpenSQLiteStore")
}
