package logging

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observe(t *testing.T, s Settings) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	UseCore(core, s)
	t.Cleanup(func() { UseCore(zapcore.NewNopCore(), Settings{}) })
	return logs
}

// TestAllCategoriesLog tests that every category reaches the root logger
// under its own name.
func TestAllCategoriesLog(t *testing.T) {
	logs := observe(t, Settings{Level: "debug"})

	categories := []Category{
		CategoryBoot, CategoryBridge, CategoryAssets, CategoryCookies,
		CategoryLoader, CategoryBrowser, CategoryHTTP, CategoryMetrics,
	}
	for _, cat := range categories {
		Get(cat).Info("hello from %s", cat)
	}

	if got := logs.Len(); got != len(categories) {
		t.Fatalf("expected %d entries, got %d", len(categories), got)
	}
	for i, entry := range logs.All() {
		if entry.LoggerName != string(categories[i]) {
			t.Errorf("entry %d: expected logger %q, got %q", i, categories[i], entry.LoggerName)
		}
		if !strings.Contains(entry.Message, string(categories[i])) {
			t.Errorf("entry %d: message %q missing category", i, entry.Message)
		}
	}
}

func TestCategoryToggle(t *testing.T) {
	logs := observe(t, Settings{
		Level:      "debug",
		Categories: map[string]bool{"cookies": false, "loader": true},
	})

	if IsCategoryEnabled(CategoryCookies) {
		t.Error("cookies should be disabled")
	}
	if !IsCategoryEnabled(CategoryLoader) {
		t.Error("loader should be enabled")
	}
	if !IsCategoryEnabled(CategoryBrowser) {
		t.Error("categories absent from the filter should be enabled")
	}

	CookiesWarn("dropped")
	Loader("kept")

	if logs.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", logs.Len())
	}
	if logs.All()[0].Message != "kept" {
		t.Errorf("unexpected message %q", logs.All()[0].Message)
	}
}

func TestRequestLoggerFields(t *testing.T) {
	logs := observe(t, Settings{Level: "debug"})

	WithRequestID(CategoryBridge, "req-42").WithField("path", "/x").Info("dispatch %d", 1)

	entries := logs.FilterField(zapcore.Field{Key: "req", Type: zapcore.StringType, String: "req-42"}).All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry with req field, got %d", len(entries))
	}
	ctx := entries[0].ContextMap()
	if ctx["path"] != "/x" {
		t.Errorf("expected path field, got %v", ctx)
	}
	if entries[0].Message != "dispatch 1" {
		t.Errorf("unexpected message %q", entries[0].Message)
	}
}

func TestTimerLogging(t *testing.T) {
	logs := observe(t, Settings{Level: "debug"})

	timer := StartTimer(CategoryLoader, "reload")
	time.Sleep(5 * time.Millisecond)
	if d := timer.StopWithThreshold(time.Nanosecond); d < 5*time.Millisecond {
		t.Errorf("elapsed too small: %v", d)
	}

	warns := logs.FilterLevelExact(zapcore.WarnLevel).All()
	if len(warns) != 1 || !strings.Contains(warns[0].Message, "reload took") {
		t.Fatalf("expected threshold warning, got %+v", logs.All())
	}
}

func TestInitializeWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "bridge.log")
	if err := Initialize(Settings{Level: "info", Format: "json", File: path}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { UseCore(zapcore.NewNopCore(), Settings{}) })

	Boot("booted")
	BridgeDebug("filtered by level")
	Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"booted"`) {
		t.Errorf("log file missing entry: %s", data)
	}
	if strings.Contains(string(data), "filtered by level") {
		t.Errorf("debug entry should be filtered at info level: %s", data)
	}
}

func TestConcurrentGet(t *testing.T) {
	observe(t, Settings{})

	var wg sync.WaitGroup
	got := make([]*Logger, 32)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = Get(CategoryBridge)
		}(i)
	}
	wg.Wait()
	for i := 1; i < len(got); i++ {
		if got[i] != got[0] {
			t.Fatal("Get returned different loggers for the same category")
		}
	}
}
