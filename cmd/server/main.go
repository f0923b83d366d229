package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/atmx/binary-market/internal/api"
	"github.com/atmx/binary-market/internal/app"
	"github.com/atmx/binary-market/internal/config"
)

func main() {
	configPath := flag.String("config", os.Getenv("MARKET_CONFIG"), "path to TOML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("binary-market exited", "err", err)
		os.Exit(1)
	}
	fmt.Println("binary-market stopped")
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := config.NewLogger(cfg.Log, os.Stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	st, closer, err := app.OpenStore(ctx, cfg)
	defer closer.Close()
	if err != nil {
		return err
	}

	// --- WebSocket hub ---
	hub := api.NewWSHub()

	// --- Engine ---
	eng, err := app.NewEngine(st, cfg, hub, logger)
	if err != nil {
		return err
	}
	if err := eng.SyncMetrics(ctx); err != nil {
		slog.Warn("metrics sync failed", "err", err)
	}

	// --- HTTP router ---
	var limiter *api.CallerLimiter
	if cfg.RateLimit.Enabled {
		limiter = api.NewCallerLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	}
	router := api.NewRouter(api.NewService(eng), api.RouterOptions{
		Hub:            hub,
		Limiter:        limiter,
		RequestTimeout: cfg.Server.RequestTimeout.Duration,
		CORSOrigins:    cfg.Server.CORSOrigins,
		RequestLogging: cfg.Log.Level == "debug",
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  cfg.Server.IdleTimeout.Duration,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return hub.Run(gctx)
	})

	g.Go(func() error {
		slog.Info("binary-market listening",
			"port", cfg.Server.Port,
			"storage", cfg.Storage.Driver,
			"cache", cfg.Redis.URL != "",
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// Graceful shutdown.
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down binary-market...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
		return nil
	})

	return g.Wait()
}
