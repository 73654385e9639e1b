package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"shellbridge/internal/adapter"
	"shellbridge/internal/browser"
	"shellbridge/internal/config"
	"shellbridge/internal/cookies"
	"shellbridge/internal/httpshell"
	"shellbridge/internal/metrics"
)

// runServe opens the application in Chrome and blocks until SIGINT/SIGTERM.
func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	if err := startMetrics(ctx, cfg.Metrics.Listen, m); err != nil {
		return fmt.Errorf("failed to serve metrics: %w", err)
	}

	shell := browser.New(cfg.Browser, m)
	if err := shell.Start(ctx); err != nil {
		return fmt.Errorf("failed to start browser: %w", err)
	}

	var store cookies.Store
	if cfg.Browser.CookieStore == config.CookieStoreBrowser {
		store = browser.NewCookieStore(shell.Page())
	}

	a, err := newApp(ctx, cfg, store, adapter.Buffered{}, browser.NewPostDataStore(shell.Page()), m)
	if err != nil {
		shutdown(shell, nil)
		return err
	}
	defer shutdown(shell, a)

	if err := shell.Open(ctx, a.bridge); err != nil {
		return fmt.Errorf("failed to open application: %w", err)
	}
	logger.Info("Application open", zap.String("url", a.bridge.BaseURL()), zap.String("mode", string(cfg.Mode)))
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl+C to shutdown")

	<-ctx.Done()
	logger.Info("Received shutdown signal")
	return nil
}

// shutdown closes the shell before the app: in-flight intercepts drain
// before the cookie store closes. a may be nil.
func shutdown(shell io.Closer, a *app) {
	if err := shell.Close(); err != nil {
		logger.Warn("Browser shutdown failed", zap.Error(err))
	}
	if a != nil {
		a.Close()
	}
}

// runListen serves the bridge on the loopback listener until SIGINT/SIGTERM.
func runListen(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	if err := startMetrics(ctx, cfg.Metrics.Listen, m); err != nil {
		return fmt.Errorf("failed to serve metrics: %w", err)
	}

	a, err := newApp(ctx, cfg, nil, adapter.Streaming{}, nil, m)
	if err != nil {
		return err
	}
	defer a.Close()

	logger.Info("Listening", zap.String("addr", cfg.HTTP.Listen), zap.String("url", a.bridge.BaseURL()))
	return httpshell.New(a.bridge, m).Serve(ctx, cfg.HTTP.Listen)
}
