// Command shellbridge serves a web application inside a browser shell
// without a network server: requests are intercepted and answered from the
// public folder or the application's handler artifact.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"shellbridge/internal/config"
	"shellbridge/internal/logging"
)

var (
	// Global flags
	configPath  string
	verbose     bool
	modeFlag    string
	metricsAddr string

	// Loaded by PersistentPreRunE
	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "shellbridge",
	Short: "Serve a web application inside a browser shell",
	Long: `shellbridge opens an application in Chrome and answers every request
the page makes in-process: static files come from the public folder, all
other requests go to the handler artifact, and cookies are kept in a
session partition.

In development mode the public folder is watched and the handler artifact
is reloaded whenever it changes on disk.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if modeFlag != "" {
			loaded.Mode = config.ResolveMode(config.Mode(modeFlag))
		}
		if metricsAddr != "" {
			loaded.Metrics.Listen = metricsAddr
		}
		if verbose {
			loaded.Logging.Level = "debug"
		}
		cfg = loaded

		if err := logging.Initialize(cfg.Logging.Settings()); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}

		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logging.Boot("mode=%s config=%s", cfg.Mode, configPath)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.Sync()
	},
}

// serveCmd runs the browser shell
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Open the application in Chrome and bridge its requests",
	RunE:  runServe,
}

// listenCmd runs the loopback shell
var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Serve the bridge on a loopback HTTP listener",
	Long: `Serves the bridge on http.listen with the streaming transport. Point a
browser at the listener directly, or use it as an HTTP proxy: requests the
bridge does not own are forwarded to the network.`,
	RunE: runListen,
}

var assetsCmd = &cobra.Command{
	Use:   "assets",
	Short: "List the files served from the public folder",
	RunE:  runAssets,
}

var cookiesCmd = &cobra.Command{
	Use:   "cookies",
	Short: "Inspect the session partition cookie store",
}

var cookiesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored cookies",
	RunE:  runCookiesList,
}

var cookiesClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every stored cookie",
	RunE:  runCookiesClear,
}

var cookiesURL string

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "shellbridge.yaml", "Config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&modeFlag, "mode", "", "Runtime mode: development or production")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics", "", "Serve Prometheus metrics on this address")

	cookiesListCmd.Flags().StringVar(&cookiesURL, "url", "", "Only list cookies that would be sent to this URL")

	cookiesCmd.AddCommand(cookiesListCmd)
	cookiesCmd.AddCommand(cookiesClearCmd)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(listenCmd)
	rootCmd.AddCommand(assetsCmd)
	rootCmd.AddCommand(cookiesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
