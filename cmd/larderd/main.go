// Larderd is a local-first cache daemon for restaurant point-of-sale
// terminals. It hydrates an in-memory indexed store from a persisted
// snapshot, reconciles live change events from the hosted backend, and
// drains background sync tasks while the terminal is idle.
//
// Usage:
//
//	larderd run [--config <path>] [--verbose]        # start the daemon
//	larderd sync-once [--config <path>] [--verbose]  # single full refresh then exit
//	larderd status [--config <path>]                 # show config & cache state
//	larderd version                                  # print version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/larderhq/larder"
	"github.com/larderhq/larder/internal/cache"
	"github.com/larderhq/larder/internal/config"
	"github.com/larderhq/larder/internal/remote"
	"github.com/larderhq/larder/internal/telemetry"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

// run dispatches to the appropriate subcommand.
func run() error {
	if len(os.Args) < 2 {
		return printUsage()
	}

	switch cmd := os.Args[1]; cmd {
	case "run":
		return runDaemon(os.Args[2:], true)
	case "sync-once":
		return runDaemon(os.Args[2:], false)
	case "status":
		return runStatus(os.Args[2:])
	case "version":
		fmt.Println("larderd", version)
		return nil
	default:
		return fmt.Errorf("unknown command %q — run 'larderd' for usage", cmd)
	}
}

func printUsage() error {
	fmt.Fprintln(os.Stderr, "larderd — local-first POS cache and sync daemon")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  larderd run [--config ...]        Run as continuous daemon")
	fmt.Fprintln(os.Stderr, "  larderd sync-once [--config ...]  Single full refresh then exit")
	fmt.Fprintln(os.Stderr, "  larderd status [--config ...]     Show config & cache state")
	fmt.Fprintln(os.Stderr, "  larderd version                   Print version")
	fmt.Fprintln(os.Stderr, "")
	os.Exit(1)
	return nil // unreachable
}

// runStatus prints the current configuration and cache state.
func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to config.yaml")
	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Println("Larderd Status")
	fmt.Println("──────────────")

	cachePath, _ := cache.DefaultPath()
	if _, err := os.Stat(*cfgPath); err == nil {
		cfg, loadErr := config.Load(*cfgPath)
		if loadErr == nil {
			fmt.Printf("  Config:      %s ✓\n", *cfgPath)
			fmt.Printf("  Remote:      %s\n", cfg.RemoteURL)
			fmt.Printf("  Collections: %d\n", len(cfg.Collections))
			fmt.Printf("  Indices:     %d\n", len(cfg.Indices))
			fmt.Printf("  Cache TTL:   %s\n", cfg.CacheTTL)
			if cfg.CachePath != "" {
				cachePath = cfg.CachePath
			}
		} else {
			fmt.Printf("  Config:      %s (invalid: %v)\n", *cfgPath, loadErr)
		}
	} else {
		fmt.Printf("  Config:      not found (%s)\n", *cfgPath)
	}

	if info, err := os.Stat(cachePath); err == nil {
		fmt.Printf("  Cache DB:    %s (%s)\n", cachePath, humanSize(info.Size()))
		if store, err := cache.Open(cachePath); err == nil {
			if savedAt, err := store.SavedAt(context.Background()); err == nil && !savedAt.IsZero() {
				fmt.Printf("  Snapshot:    saved %s ago\n", time.Since(savedAt).Round(time.Second))
			} else {
				fmt.Printf("  Snapshot:    none\n")
			}
			_ = store.Close()
		}
	} else {
		fmt.Printf("  Cache DB:    not found\n")
	}

	return nil
}

// runDaemon handles both "run" and "sync-once".
func runDaemon(args []string, daemon bool) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to config.yaml")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	// --- Config ----------------------------------------------------------

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("loading config from %q: %w", *cfgPath, err)
	}

	// --- Logger ----------------------------------------------------------

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	var logOut io.Writer = os.Stderr
	if cfg.Logging != nil && cfg.Logging.File != "" {
		logOut = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   cfg.Logging.File,
			MaxSize:    cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
		})
	}
	logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	logger.Info("config loaded",
		"remote_url", cfg.RemoteURL,
		"collections", len(cfg.Collections),
		"cache_ttl", cfg.CacheTTL,
	)

	// --- Telemetry (optional) ---------------------------------------------

	if cfg.Telemetry != nil {
		telCfg := telemetry.Config{
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			Insecure:     cfg.Telemetry.Insecure,
			ServiceName:  cfg.Telemetry.ServiceName,
			Headers:      cfg.Telemetry.Headers,
		}
		shutdownTel, err := telemetry.Setup(context.Background(), telCfg)
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTel(flushCtx); err != nil {
					logger.Error("telemetry shutdown error", "error", err)
				}
			}()
		}
	}

	// --- Cache DB ----------------------------------------------------------

	cachePath := cfg.CachePath
	if cachePath == "" {
		cachePath, err = cache.DefaultPath()
		if err != nil {
			return fmt.Errorf("resolving cache path: %w", err)
		}
	}
	store, err := cache.Open(cachePath)
	if err != nil {
		return fmt.Errorf("opening cache DB at %q: %w", cachePath, err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Error("closing cache DB", "error", closeErr)
		}
	}()
	logger.Info("cache DB opened", "path", cachePath)

	// --- Remote adapter ------------------------------------------------------

	client, err := remote.NewClient(cfg.RemoteURL, cfg.RemoteToken, logger)
	if err != nil {
		return fmt.Errorf("initialising remote client: %w", err)
	}
	pinger := remote.NewPinger(client, 0, logger)

	// --- Engine --------------------------------------------------------------

	collections := make([]larder.CollectionName, len(cfg.Collections))
	for i, name := range cfg.Collections {
		collections[i] = larder.CollectionName(name)
	}
	indices := make([]larder.IndexDef, len(cfg.Indices))
	for i, idx := range cfg.Indices {
		indices[i] = larder.IndexDef{
			Name:    idx.Name,
			Source:  larder.CollectionName(idx.Source),
			GroupBy: idx.GroupBy,
		}
	}

	engCfg := larder.Config{
		Collections:   collections,
		Indices:       indices,
		Remote:        client,
		Cache:         store,
		Network:       pinger,
		Logger:        logger,
		CacheTTL:      cfg.CacheTTL,
		IdleThreshold: cfg.IdleThreshold,
		PollInterval:  cfg.PollInterval,
		DirtyTTL:      cfg.DirtyTTL,
		TaskTimeout:   cfg.TaskTimeout,
	}
	if !daemon {
		// A one-shot refresh should not wait out the idle threshold.
		engCfg.IdleThreshold = time.Nanosecond
		engCfg.PollInterval = time.Second
	}

	engine, err := larder.New(engCfg)
	if err != nil {
		return fmt.Errorf("building engine: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}
	defer engine.Stop()

	if !daemon {
		logger.Info("running single refresh pass")
		if err := engine.InvalidateCache(); err != nil {
			return fmt.Errorf("scheduling refresh: %w", err)
		}
		if err := waitForQueue(ctx, engine); err != nil {
			return err
		}
		stats := engine.QueueStats()
		logger.Info("refresh complete", "completed", stats.Completed, "failed", stats.Failed)
		if stats.Failed > 0 {
			return errors.New("refresh failed; see logs")
		}
		return nil
	}

	logger.Info("daemon started", "poll_interval", cfg.PollInterval)
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// waitForQueue polls until the task queue is fully drained or ctx ends.
func waitForQueue(ctx context.Context, engine *larder.Engine) error {
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			stats := engine.QueueStats()
			if stats.Pending == 0 && !stats.Draining {
				return nil
			}
		}
	}
}

// humanSize returns a human-readable file size string.
func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
