// Package main is the entry point for the subguard entitlement daemon.
//
// Startup composes the persistence tiers in priority order (sqlite platform
// store, optional redis/postgres service tiers, legacy file store), derives
// the process encryption key, builds the provider gateway and the
// subscription facade, and serves the status API until SIGINT/SIGTERM.
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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"subguard/internal/api"
	"subguard/internal/billing"
	"subguard/internal/config"
	"subguard/internal/kv"
	"subguard/internal/profile"
	"subguard/internal/provider"
	"subguard/internal/securestore"
	"subguard/internal/subscription"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("subguard starting",
		"environment", cfg.Environment,
		"entitlement", cfg.Entitlement.ID,
		"port", cfg.Server.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tiers, cleanup, err := buildTiers(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	key := securestore.DeriveKey(cfg.Entitlement.AppIdentifier)
	secureStore, err := securestore.New(tiers[0], key, logger)
	if err != nil {
		return fmt.Errorf("creating encrypted store: %w", err)
	}

	profiles := profile.NewCache(tiers, logger)

	restClient := provider.NewRESTClient(provider.RESTClientConfig{
		BaseURL: cfg.Provider.BaseURL,
		Timeout: cfg.Provider.Timeout,
		Logger:  logger,
	})

	evaluator := billing.NewEvaluator(cfg.Entitlement.ID, nil)
	gateway := billing.NewGateway(restClient, secureStore, evaluator, cfg.Provider.APIKey, logger)

	service := subscription.NewService(gateway, evaluator, secureStore, profiles, logger,
		subscription.WithRefreshInterval(cfg.Entitlement.RefreshEvery),
	)
	service.Start(ctx)
	defer service.Stop()

	srv := &http.Server{
		Addr: ":" + cfg.Server.Port,
		Handler: api.NewServer(service, logger,
			api.WithHealthCheck(tierHealthCheck(tiers)),
		).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	profiles.WaitMigrations()
	return nil
}

// buildTiers assembles the persistence tiers in priority order. The sqlite
// platform store is mandatory; redis and postgres join when configured; the
// legacy file tier always mounts last.
func buildTiers(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]kv.Tier, func(), error) {
	var (
		tiers    []kv.Tier
		cleanups []func()
	)
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	sqliteTier, err := kv.NewSQLiteTier(cfg.Tiers.SQLitePath)
	if err != nil {
		return nil, nil, fmt.Errorf("opening platform store: %w", err)
	}
	tiers = append(tiers, sqliteTier)
	cleanups = append(cleanups, func() { sqliteTier.Close() })

	if cfg.Tiers.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Tiers.RedisAddr})
		tiers = append(tiers, kv.NewRedisTier(rdb, ""))
		cleanups = append(cleanups, func() { rdb.Close() })
		logger.Info("redis tier enabled", "addr", cfg.Tiers.RedisAddr)
	}

	if dsn := cfg.Tiers.PostgresDSN.Unmask(); dsn != "" {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("connecting postgres tier: %w", err)
		}
		if err := kv.EnsurePostgresSchema(ctx, pool); err != nil {
			pool.Close()
			cleanup()
			return nil, nil, err
		}
		tiers = append(tiers, kv.NewPostgresTier(pool))
		cleanups = append(cleanups, pool.Close)
		logger.Info("postgres tier enabled")
	}

	fileTier, err := kv.NewFileTier(cfg.Tiers.LegacyDir)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("opening legacy store: %w", err)
	}
	tiers = append(tiers, fileTier)

	return tiers, cleanup, nil
}

// tierHealthCheck probes each tier with a read so /health reports which
// stores are reachable.
func tierHealthCheck(tiers []kv.Tier) api.HealthFunc {
	return func(ctx context.Context) map[string]string {
		out := make(map[string]string, len(tiers))
		for _, tier := range tiers {
			probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			_, _, err := tier.Get(probeCtx, "health.probe")
			cancel()
			if err != nil {
				out[tier.Name()] = err.Error()
				continue
			}
			out[tier.Name()] = "ok"
		}
		return out
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
