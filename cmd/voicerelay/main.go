package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/ent0n29/voicerelay/internal/app"
	"github.com/ent0n29/voicerelay/internal/config"
	"github.com/ent0n29/voicerelay/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(2)
	}
	if err := applyFlags(&cfg, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "voicerelay: %v\n", err)
		os.Exit(2)
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("voicerelay exited", "error", err)
		os.Exit(1)
	}
}

// applyFlags overrides environment settings with explicit command-line flags.
func applyFlags(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("voicerelay", flag.ContinueOnError)
	fs.StringVar(&cfg.BindAddr, "addr", cfg.BindAddr, "HTTP listen address")
	fs.StringVar(&cfg.RelayMode, "mode", cfg.RelayMode, "relay mode: service or serverless")
	fs.StringVar(&cfg.StoreDriver, "store-driver", cfg.StoreDriver, "store backend: memory, postgres or sqlite")
	fs.StringVar(&cfg.DatabaseURL, "store-dsn", cfg.DatabaseURL, "postgres URL or sqlite path")
	fs.StringVar(&cfg.AgentsFile, "agents-file", cfg.AgentsFile, "YAML file with agents and knowledge to seed")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "json or text")
	fs.DurationVar(&cfg.SetupGrace, "setup-grace", cfg.SetupGrace, "how long to wait for setupComplete before greeting")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return cfg.Validate()
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx := context.Background()
	built, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := built.Cleanup(); err != nil {
			logger.Warn("cleanup failed", "error", err)
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           built.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("server listening",
		"addr", cfg.BindAddr,
		"mode", cfg.RelayMode,
		"store", built.Store.Driver(),
		"tools", built.Tools,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	return serve(httpServer, httpServer.ListenAndServe, sigCh, built.Relay, cfg.ShutdownTimeout, logger)
}

type relayDrainer interface {
	Shutdown(ctx context.Context) error
	ActiveCount() int
}

// serve runs listen until it fails or stop fires. Either way the relay is
// drained so accepted sessions get a going-away close.
func serve(httpServer *http.Server, listen func() error, stop <-chan os.Signal, rel relayDrainer, timeout time.Duration, logger *slog.Logger) error {
	serveErr := make(chan error, 1)
	go func() {
		if err := listen(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case sig := <-stop:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("listen: %w", err)
			logger.Error("server stopped", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Hijacked websockets are not tracked by http.Server, so drain the relay
	// explicitly after the listener stops taking new upgrades.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", "error", err)
		_ = httpServer.Close()
	}
	if err := rel.Shutdown(shutdownCtx); err != nil {
		logger.Warn("relay drain incomplete", "error", err, "active_sessions", rel.ActiveCount())
	}

	logger.Info("shutdown complete")
	return runErr
}
