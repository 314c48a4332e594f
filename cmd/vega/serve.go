package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/vega/internal/admission"
	"github.com/oriys/vega/internal/api"
	"github.com/oriys/vega/internal/config"
	"github.com/oriys/vega/internal/importer"
	"github.com/oriys/vega/internal/jobtracker"
	"github.com/oriys/vega/internal/logging"
	"github.com/oriys/vega/internal/observability"
	"github.com/oriys/vega/internal/randomuser"
	"github.com/oriys/vega/internal/store"
)

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the import service",
		Long:  "Run the HTTP API, import workers, and admission state repair loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configPath != "" {
				loaded, err := config.LoadFromFile(configPath)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				cfg = loaded
			}
			config.LoadFromEnv(cfg)

			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file (.json, .yaml)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	logging.InitStructured(cfg.Log.Format, cfg.Log.Level)

	if err := observability.Init(ctx, observability.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: "vega",
		SampleRate:  cfg.Telemetry.SampleRate,
	}); err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer observability.Shutdown(context.Background())

	tiers, err := cfg.TierTable()
	if err != nil {
		return fmt.Errorf("tier config: %w", err)
	}

	redisStore, err := store.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.StoreCallTimeout())
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer redisStore.Close()
	logging.Op().Info("connected to redis", "addr", cfg.Redis.Addr, "db", cfg.Redis.DB)

	pgStore, err := store.NewPostgresStore(ctx, cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pgStore.Close()
	logging.Op().Info("connected to postgres")

	guard := admission.NewGuard(redisStore, tiers, cfg.SafetyKeyTTL())
	tracker := jobtracker.New(redisStore.Client())
	source := randomuser.New(cfg.Import.SourceURL, time.Duration(cfg.Import.SourceTimeoutSeconds)*time.Second)

	runner := importer.New(guard, tracker, source, pgStore, importer.Config{
		Workers:          cfg.Import.WorkerPoolSize,
		BatchSize:        cfg.Import.BatchSize,
		ProgressInterval: cfg.Import.ProgressInterval,
		JobTimeout:       time.Duration(cfg.Import.JobTimeoutSeconds) * time.Second,
	})
	runner.Start()
	defer runner.Stop()

	// Crash-recovery loops: expiry listener plus the periodic sweeper
	// covering missed notifications.
	repairCtx, repairCancel := context.WithCancel(context.Background())
	defer repairCancel()

	events, err := redisStore.SubscribeKeyExpiry(repairCtx, "job:")
	if err != nil {
		return fmt.Errorf("subscribe key expiry: %w", err)
	}
	listener := admission.NewListener(redisStore, tiers)
	go listener.Run(repairCtx, events)

	sweeper := admission.NewSweeper(redisStore, tiers, cfg.SweepInterval())
	go sweeper.Run(repairCtx)

	mux := http.NewServeMux()
	handler := &api.Handler{
		Runner:   runner,
		Jobs:     tracker,
		Users:    pgStore,
		Redis:    redisStore,
		Postgres: pgStore,
	}
	handler.RegisterRoutes(mux)

	httpServer := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: observability.HTTPMiddleware(mux),
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Op().Info("vega started", "addr", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logging.Op().Info("shutdown signal received", "signal", sig.String())
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("http server error: %w", err)
	}
}
