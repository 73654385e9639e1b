package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"shellbridge/internal/adapter"
	"shellbridge/internal/assets"
	"shellbridge/internal/bridge"
	"shellbridge/internal/config"
	"shellbridge/internal/cookies"
	"shellbridge/internal/loader"
	"shellbridge/internal/logging"
	"shellbridge/internal/metrics"
	"shellbridge/internal/native"
)

// app holds everything one bridge needs and releases it on Close.
type app struct {
	bridge  *bridge.Bridge
	catalog *assets.Catalog
	watcher *assets.Watcher
	store   cookies.Store
	owned   bool // store is closed with the app
}

// Close stops the watcher and closes an owned store.
func (a *app) Close() {
	if a.watcher != nil {
		a.watcher.Stop()
	}
	if a.owned && a.store != nil {
		if err := cookies.Close(a.store); err != nil {
			logging.BootWarn("close cookie store: %v", err)
		}
	}
}

// openCatalog collects the public folder. A missing folder means there are
// no assets, not a startup failure. Development mode watches the folder.
func openCatalog(ctx context.Context, c *config.Config) (*assets.Catalog, *assets.Watcher, error) {
	catalog, err := assets.NewCatalog(c.PublicPath())
	if errors.Is(err, assets.ErrRootNotFound) {
		logging.AssetsWarn("public folder %s not found, serving no assets", c.PublicPath())
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	if c.Mode != config.ModeDevelopment {
		return catalog, nil, nil
	}
	w, err := catalog.Watch(ctx)
	if err != nil {
		logging.AssetsWarn("watch %s: %v (serving a fixed catalog)", catalog.Root(), err)
		return catalog, nil, nil
	}
	return catalog, w, nil
}

// openPartition opens the configured session partition.
func openPartition(c *config.Config) (cookies.Store, error) {
	return cookies.OpenPartition(c.DataPath(), c.SessionPartition, c.PartitionBackend)
}

// loaderMode maps the runtime mode to a loader mode: development reloads
// the artifact when it changes.
func loaderMode(m config.Mode) loader.Mode {
	if m == config.ModeDevelopment {
		return loader.Watched
	}
	return loader.Static
}

// newApp wires a bridge. store may be nil, in which case the configured
// partition is opened and owned by the app.
func newApp(ctx context.Context, c *config.Config, store cookies.Store, a adapter.Adapter, blobs native.BlobStore, m *metrics.Metrics) (*app, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	out := &app{store: store}
	if store == nil {
		s, err := openPartition(c)
		if err != nil {
			return nil, err
		}
		out.store = s
		out.owned = true
	}

	catalog, watcher, err := openCatalog(ctx, c)
	if err != nil {
		out.Close()
		return nil, err
	}
	out.catalog, out.watcher = catalog, watcher

	ld, err := loader.Open(ctx, loader.NewYaegiLoader(), c.ArtifactPath(), loaderMode(c.Mode), m)
	if err != nil {
		out.Close()
		return nil, err
	}

	b, err := bridge.New(bridge.Options{
		Scheme:          c.Scheme,
		Catalog:         catalog,
		Loader:          ld,
		Cookies:         cookies.NewSynchronizer(out.store, m),
		Adapter:         a,
		Blobs:           blobs,
		ContextProvider: ld.LoadContext,
		FullDiagnostics: c.FullDiagnostics(),
		Metrics:         m,
	})
	if err != nil {
		out.Close()
		return nil, err
	}
	out.bridge = b
	return out, nil
}

// startMetrics serves m on addr until ctx is cancelled. Empty addr is a
// no-op.
func startMetrics(ctx context.Context, addr string, m *metrics.Metrics) error {
	if addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Get(logging.CategoryMetrics).Error("metrics server: %v", err)
		}
	}()
	logger.Info("Serving metrics", zap.String("addr", ln.Addr().String()))
	return nil
}
