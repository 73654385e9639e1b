// Package logging provides config-driven categorized logging for shellbridge.
// Every category is a named child of one zap root logger; categories switched
// off in the config get a no-op logger so call sites never check.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot    Category = "boot"    // Startup, config, shutdown
	CategoryBridge  Category = "bridge"  // Per-request orchestration
	CategoryAssets  Category = "assets"  // Asset catalog and watcher
	CategoryCookies Category = "cookies" // Cookie synchronization and stores
	CategoryLoader  Category = "loader"  // Handler artifact loading, hot reload
	CategoryBrowser Category = "browser" // Browser shell, CDP interception
	CategoryHTTP    Category = "http"    // Loopback listener shell
	CategoryMetrics Category = "metrics"
)

// Settings mirrors config.LoggingConfig so this package stays import-free
// of the config package.
type Settings struct {
	Level      string
	Format     string // json, console
	File       string
	Categories map[string]bool
}

// Logger is a category-scoped printf-style logger.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	root      = zap.NewNop()
	settings  Settings
	configMu  sync.RWMutex
)

// Initialize builds the root zap logger from settings.
// Should be called once at startup; safe to call again to reconfigure.
func Initialize(s Settings) error {
	level := zap.NewAtomicLevelAt(parseLevel(s.Level))

	var encoder zapcore.Encoder
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if strings.EqualFold(s.Format, "json") {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	sink := zapcore.Lock(os.Stderr)
	if s.File != "" {
		if err := os.MkdirAll(filepath.Dir(s.File), 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(s.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", s.File, err)
		}
		sink = zapcore.AddSync(f)
	}

	UseCore(zapcore.NewCore(encoder, sink, level), s)
	Get(CategoryBoot).Debug("logging initialized: level=%s format=%s", level.Level(), s.Format)
	return nil
}

// UseCore installs a prebuilt zap core. Tests use it with zaptest/observer.
func UseCore(core zapcore.Core, s Settings) {
	configMu.Lock()
	_ = root.Sync()
	root = zap.New(core)
	settings = s
	configMu.Unlock()

	loggersMu.Lock()
	loggers = make(map[Category]*Logger)
	loggersMu.Unlock()
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// IsCategoryEnabled returns whether a specific category is enabled.
// Categories absent from the filter are enabled.
func IsCategoryEnabled(category Category) bool {
	configMu.RLock()
	defer configMu.RUnlock()

	if settings.Categories == nil {
		return true
	}
	enabled, exists := settings.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
func Get(category Category) *Logger {
	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()

	// Double-check after acquiring write lock
	if l, ok := loggers[category]; ok {
		return l
	}

	base := zap.NewNop()
	if IsCategoryEnabled(category) {
		configMu.RLock()
		base = root.Named(string(category))
		configMu.RUnlock()
	}
	l := &Logger{category: category, sugar: base.Sugar()}
	loggers[category] = l
	return l
}

func (l *Logger) Debug(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

func (l *Logger) Info(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

func (l *Logger) Warn(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

func (l *Logger) Error(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

// Sync flushes buffered entries (call at shutdown).
func Sync() {
	configMu.RLock()
	defer configMu.RUnlock()
	_ = root.Sync()
}

// =============================================================================
// CONVENIENCE FUNCTIONS
// =============================================================================

// Boot logs to the boot category
func Boot(format string, args ...interface{}) {
	Get(CategoryBoot).Info(format, args...)
}

// BootWarn logs warning to the boot category
func BootWarn(format string, args ...interface{}) {
	Get(CategoryBoot).Warn(format, args...)
}

// BridgeDebug logs debug to the bridge category
func BridgeDebug(format string, args ...interface{}) {
	Get(CategoryBridge).Debug(format, args...)
}

// Assets logs to the assets category
func Assets(format string, args ...interface{}) {
	Get(CategoryAssets).Info(format, args...)
}

// AssetsWarn logs warning to the assets category
func AssetsWarn(format string, args ...interface{}) {
	Get(CategoryAssets).Warn(format, args...)
}

// CookiesDebug logs debug to the cookies category
func CookiesDebug(format string, args ...interface{}) {
	Get(CategoryCookies).Debug(format, args...)
}

// CookiesWarn logs warning to the cookies category
func CookiesWarn(format string, args ...interface{}) {
	Get(CategoryCookies).Warn(format, args...)
}

// Loader logs to the loader category
func Loader(format string, args ...interface{}) {
	Get(CategoryLoader).Info(format, args...)
}

// LoaderError logs error to the loader category
func LoaderError(format string, args ...interface{}) {
	Get(CategoryLoader).Error(format, args...)
}

// Browser logs to the browser category
func Browser(format string, args ...interface{}) {
	Get(CategoryBrowser).Info(format, args...)
}

// BrowserWarn logs warning to the browser category
func BrowserWarn(format string, args ...interface{}) {
	Get(CategoryBrowser).Warn(format, args...)
}

// HTTP logs to the http category
func HTTP(format string, args ...interface{}) {
	Get(CategoryHTTP).Info(format, args...)
}

// =============================================================================
// REQUEST ID TRACING
// =============================================================================

// RequestLogger provides request-scoped logging with a correlation ID
type RequestLogger struct {
	logger    *Logger
	requestID string
	fields    []interface{}
}

// WithRequestID creates a request-scoped logger
func WithRequestID(category Category, requestID string) *RequestLogger {
	return &RequestLogger{
		logger:    Get(category),
		requestID: requestID,
	}
}

// RequestID returns the correlation ID.
func (r *RequestLogger) RequestID() string {
	return r.requestID
}

// WithField adds a field to the request logger
func (r *RequestLogger) WithField(key string, value interface{}) *RequestLogger {
	r.fields = append(r.fields, key, value)
	return r
}

func (r *RequestLogger) sugar() *zap.SugaredLogger {
	return r.logger.sugar.With(append([]interface{}{"req", r.requestID}, r.fields...)...)
}

func (r *RequestLogger) Debug(format string, args ...interface{}) {
	r.sugar().Debugf(format, args...)
}

func (r *RequestLogger) Info(format string, args ...interface{}) {
	r.sugar().Infof(format, args...)
}

func (r *RequestLogger) Warn(format string, args ...interface{}) {
	r.sugar().Warnf(format, args...)
}

func (r *RequestLogger) Error(format string, args ...interface{}) {
	r.sugar().Errorf(format, args...)
}

// =============================================================================
// TIMING HELPERS
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{
		category: category,
		op:       operation,
		start:    time.Now(),
	}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
