// Command api serves the route planner. It only wires dependencies together.
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

	redis "github.com/redis/go-redis/v9"

	"fleetplan/internal/api"
	"fleetplan/internal/config"
	"fleetplan/internal/events"
	"fleetplan/internal/lock"
	"fleetplan/internal/opt"
	"fleetplan/internal/planner"
	"fleetplan/internal/store"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Store ------------------------------------------------------------
	var st store.Store
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, using in-memory store")
		st = store.NewMemory()
	} else {
		pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pg.Close()
		if cfg.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				return err
			}
			logger.Info("migrations applied")
		}
		st = pg
	}
	if cfg.SeedFile != "" {
		raw, err := os.ReadFile(cfg.SeedFile)
		if err != nil {
			return fmt.Errorf("read seed: %w", err)
		}
		seed, err := store.ParseSeed(raw)
		if err != nil {
			return err
		}
		if err := st.Import(ctx, seed); err != nil {
			return err
		}
		logger.Info("seed imported", "file", cfg.SeedFile, "offices", len(seed.Offices))
	}

	// --- Locks and events ---------------------------------------------------
	var (
		locker lock.Locker   = lock.NewLocal()
		broker events.Broker = events.NewMemory()
	)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		locker = lock.NewRedis(rdb, cfg.LockTTL)
		broker = events.NewRedis(rdb)
		logger.Info("redis connected")
	}

	// --- Planner --------------------------------------------------------------
	solver, err := opt.Detect(cfg.SolverEngine)
	if err != nil {
		return err
	}
	logger.Info("solver selected", "engine", solver.Name(), "available", opt.Available(), "time_limit", cfg.SolverTimeLimit)
	svc := planner.New(st, solver,
		planner.WithLocker(locker),
		planner.WithPublisher(broker),
		planner.WithLogger(logger),
		planner.WithTimeLimit(cfg.SolverTimeLimit),
	)

	srv := &api.Server{
		Planner: svc,
		Store:   st,
		Broker:  broker,
		Log:     logger,
		Limiter: api.NewLimiter(cfg.RateRPS, cfg.RateBurst),
		Config: map[string]any{
			"PORT":              cfg.Port,
			"SOLVER_ENGINE":     solver.Name(),
			"SOLVER_TIME_LIMIT": cfg.SolverTimeLimit.String(),
			"RATE_RPS":          cfg.RateRPS,
			"RATE_BURST":        cfg.RateBurst,
			"HAS_DATABASE_URL":  cfg.DatabaseURL != "",
			"HAS_REDIS_URL":     cfg.RedisURL != "",
		},
	}

	// --- HTTP -----------------------------------------------------------------
	// WriteTimeout is left unset so event streams stay open.
	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
