package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	t.Setenv(EnvMode, "")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "public", cfg.PublicFolder)
	assert.Equal(t, BackendSQLite, cfg.PartitionBackend)
	assert.Equal(t, "http", cfg.Scheme)
	assert.Equal(t, "127.0.0.1:8080", cfg.HTTP.Listen)
	assert.Equal(t, ModeProduction, cfg.Mode)
}

func TestLoad_ParsesYAML(t *testing.T) {
	t.Setenv(EnvMode, "")
	dir := t.TempDir()
	path := filepath.Join(dir, "shellbridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode: development
app_root: /srv/app
artifact: build/handler.go
session_partition: persist:set-cookies
partition_backend: pebble
diagnostics: message
browser:
  headless: true
  viewport_width: 800
logging:
  level: debug
  categories:
    cookies: false
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ModeDevelopment, cfg.Mode)
	assert.Equal(t, "/srv/app", cfg.AppRoot)
	assert.Equal(t, "/srv/app/build/handler.go", cfg.ArtifactPath())
	assert.Equal(t, "/srv/app/public", cfg.PublicPath())
	assert.Equal(t, "set-cookies", cfg.PartitionName())
	assert.Equal(t, BackendPebble, cfg.PartitionBackend)
	assert.True(t, cfg.Browser.Headless)
	assert.Equal(t, 800, cfg.Browser.ViewportWidth)
	assert.Equal(t, 800, cfg.Browser.ViewportHeight)
	assert.False(t, cfg.FullDiagnostics(), "explicit message diagnostics beat development mode")
	assert.False(t, cfg.Logging.IsCategoryEnabled("cookies"))
	assert.True(t, cfg.Logging.IsCategoryEnabled("loader"))
	require.NoError(t, cfg.Validate())
}

func TestLoad_RejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mode: [unterminated"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_DotEnv(t *testing.T) {
	t.Setenv("SHELLBRIDGE_ARTIFACT", "")
	require.NoError(t, os.Unsetenv("SHELLBRIDGE_ARTIFACT"))

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("SHELLBRIDGE_ARTIFACT=from-dotenv.go\n"), 0644))

	cfg, err := Load(filepath.Join(dir, "shellbridge.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv.go", cfg.Artifact)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "shellbridge.yaml")
	cfg := DefaultConfig()
	cfg.Mode = ModeDevelopment
	cfg.Artifact = "handler.go"
	require.NoError(t, cfg.Save(path))

	t.Setenv(EnvMode, "")
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Artifact, loaded.Artifact)
	assert.Equal(t, ModeDevelopment, loaded.Mode)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.Mode = ModeProduction
		cfg.Artifact = "handler.go"
		return cfg
	}

	t.Run("defaults with artifact", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing artifact", func(c *Config) { c.Artifact = "" }},
		{"bad mode", func(c *Config) { c.Mode = "staging" }},
		{"bad scheme", func(c *Config) { c.Scheme = "ftp" }},
		{"bad diagnostics", func(c *Config) { c.Diagnostics = "verbose" }},
		{"partition without prefix", func(c *Config) { c.SessionPartition = "set-cookies" }},
		{"empty partition name", func(c *Config) { c.SessionPartition = "persist:" }},
		{"bad backend", func(c *Config) {
			c.SessionPartition = "persist:x"
			c.PartitionBackend = "bolt"
		}},
		{"bad cookie store", func(c *Config) { c.Browser.CookieStore = "jar" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestFullDiagnosticsFollowsMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = ModeDevelopment
	assert.True(t, cfg.FullDiagnostics())
	cfg.Mode = ModeProduction
	assert.False(t, cfg.FullDiagnostics())
	cfg.Diagnostics = DiagnosticsFull
	assert.True(t, cfg.FullDiagnostics())
}
