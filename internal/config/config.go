package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all shellbridge configuration.
type Config struct {
	// Mode selects development or production behaviour. Empty means derived
	// from the build and the environment (see ResolveMode).
	Mode Mode `yaml:"mode"`

	// AppRoot is the directory everything else is resolved against.
	AppRoot string `yaml:"app_root"`

	// PublicFolder holds the static assets, relative to AppRoot unless absolute.
	PublicFolder string `yaml:"public_folder"`

	// Artifact is the handler build artifact (Go source), relative to AppRoot.
	Artifact string `yaml:"artifact"`

	// SessionPartition is "" for the in-memory default session or
	// "persist:<name>" for a persistent store.
	SessionPartition string `yaml:"session_partition"`
	PartitionBackend string `yaml:"partition_backend"` // sqlite, pebble
	DataDir          string `yaml:"data_dir"`

	Scheme      string `yaml:"scheme"`      // http, https
	Diagnostics string `yaml:"diagnostics"` // full, message

	Browser BrowserConfig `yaml:"browser"`
	HTTP    HTTPConfig    `yaml:"http"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// BrowserConfig configures the embedded browser shell.
type BrowserConfig struct {
	// DebuggerURL attaches to an already running Chrome instead of launching.
	DebuggerURL         string `yaml:"debugger_url"`
	Launch              bool   `yaml:"launch"`
	Headless            bool   `yaml:"headless"`
	ViewportWidth       int    `yaml:"viewport_width"`
	ViewportHeight      int    `yaml:"viewport_height"`
	NavigationTimeoutMs int    `yaml:"navigation_timeout_ms"`
	// CookieStore selects "partition" (the configured session partition) or
	// "browser" (Chrome's own cookie jar over CDP).
	CookieStore string `yaml:"cookie_store"`
}

// HTTPConfig configures the loopback listener shell.
type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

// MetricsConfig configures the Prometheus endpoint. Empty Listen disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

const (
	DiagnosticsFull    = "full"
	DiagnosticsMessage = "message"

	BackendSQLite = "sqlite"
	BackendPebble = "pebble"

	CookieStorePartition = "partition"
	CookieStoreBrowser   = "browser"

	PersistPrefix = "persist:"
)

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		AppRoot:          ".",
		PublicFolder:     "public",
		PartitionBackend: BackendSQLite,
		DataDir:          ".shellbridge",
		Scheme:           "http",

		Browser: BrowserConfig{
			Launch:              true,
			Headless:            false,
			ViewportWidth:       1280,
			ViewportHeight:      800,
			NavigationTimeoutMs: 30000,
			CookieStore:         CookieStorePartition,
		},

		HTTP: HTTPConfig{
			Listen: "127.0.0.1:8080",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults. A .env file next to the config is loaded before environment
// overrides are applied; variables already set win.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	case os.IsNotExist(err):
		// Defaults
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	envFile := filepath.Join(filepath.Dir(path), ".env")
	if _, statErr := os.Stat(envFile); statErr == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.Mode = ResolveMode(cfg.Mode)

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(EnvMode); v != "" {
		c.Mode = Mode(strings.ToLower(v))
	}
	if v := os.Getenv("SHELLBRIDGE_APP_ROOT"); v != "" {
		c.AppRoot = v
	}
	if v := os.Getenv("SHELLBRIDGE_PUBLIC"); v != "" {
		c.PublicFolder = v
	}
	if v := os.Getenv("SHELLBRIDGE_ARTIFACT"); v != "" {
		c.Artifact = v
	}
	if v := os.Getenv("SHELLBRIDGE_PARTITION"); v != "" {
		c.SessionPartition = v
	}
	if v := os.Getenv("SHELLBRIDGE_DEBUGGER_URL"); v != "" {
		c.Browser.DebuggerURL = v
		c.Browser.Launch = false
	}
	if v := os.Getenv("SHELLBRIDGE_HTTP_LISTEN"); v != "" {
		c.HTTP.Listen = v
	}
}

// resolve joins p onto AppRoot unless it is already absolute.
func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	root := c.AppRoot
	if root == "" {
		root = "."
	}
	if abs, err := filepath.Abs(filepath.Join(root, p)); err == nil {
		return abs
	}
	return filepath.Join(root, p)
}

// PublicPath returns the absolute asset root.
func (c *Config) PublicPath() string {
	return c.resolve(c.PublicFolder)
}

// ArtifactPath returns the absolute handler artifact path.
func (c *Config) ArtifactPath() string {
	return c.resolve(c.Artifact)
}

// DataPath returns the absolute data directory for persistent partitions.
func (c *Config) DataPath() string {
	return c.resolve(c.DataDir)
}

// PartitionName returns the name after "persist:", or "" for the default session.
func (c *Config) PartitionName() string {
	return strings.TrimPrefix(c.SessionPartition, PersistPrefix)
}

// FullDiagnostics reports whether 500 bodies carry stack traces.
// Unset diagnostics follow the mode.
func (c *Config) FullDiagnostics() bool {
	switch c.Diagnostics {
	case DiagnosticsFull:
		return true
	case DiagnosticsMessage:
		return false
	default:
		return c.Mode == ModeDevelopment
	}
}

// NavigationTimeout returns the navigation timeout, 30s when unset.
func (b BrowserConfig) NavigationTimeout() time.Duration {
	if b.NavigationTimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(b.NavigationTimeoutMs) * time.Millisecond
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Artifact == "" {
		return fmt.Errorf("handler artifact not configured (set artifact or SHELLBRIDGE_ARTIFACT)")
	}
	if c.Mode != ModeDevelopment && c.Mode != ModeProduction {
		return fmt.Errorf("invalid mode: %q (valid: %s, %s)", c.Mode, ModeDevelopment, ModeProduction)
	}
	if c.Scheme != "http" && c.Scheme != "https" {
		return fmt.Errorf("invalid scheme: %q (valid: http, https)", c.Scheme)
	}
	switch c.Diagnostics {
	case "", DiagnosticsFull, DiagnosticsMessage:
	default:
		return fmt.Errorf("invalid diagnostics: %q (valid: %s, %s)", c.Diagnostics, DiagnosticsFull, DiagnosticsMessage)
	}
	if c.SessionPartition != "" {
		if !strings.HasPrefix(c.SessionPartition, PersistPrefix) || c.PartitionName() == "" {
			return fmt.Errorf("invalid session partition: %q (expected \"\" or \"persist:<name>\")", c.SessionPartition)
		}
		if c.PartitionBackend != BackendSQLite && c.PartitionBackend != BackendPebble {
			return fmt.Errorf("invalid partition backend: %q (valid: %s, %s)", c.PartitionBackend, BackendSQLite, BackendPebble)
		}
	}
	switch c.Browser.CookieStore {
	case "", CookieStorePartition, CookieStoreBrowser:
	default:
		return fmt.Errorf("invalid browser cookie store: %q", c.Browser.CookieStore)
	}
	return nil
}
