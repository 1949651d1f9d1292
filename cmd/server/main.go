package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/p-n-ai/pathway/internal/catalog"
	"github.com/p-n-ai/pathway/internal/platform/cache"
	"github.com/p-n-ai/pathway/internal/platform/config"
	"github.com/p-n-ai/pathway/internal/platform/database"
	"github.com/p-n-ai/pathway/internal/progression"
	"github.com/p-n-ai/pathway/internal/response"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(newLogger(cfg.Log))

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Graceful shutdown on SIGTERM/SIGINT.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	srv, cleanup, err := buildServer(ctx, cfg)
	if err != nil {
		slog.Error("failed to build server", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpSrv := &http.Server{
		Addr:         addr,
		Handler:      newMux(srv),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
}

// buildServer wires the stores and the progression service from
// configuration. With a database URL the Postgres stores back everything;
// without one the YAML catalog and in-memory stores make a self-contained
// dev server.
func buildServer(ctx context.Context, cfg *config.Config) (*server, func(), error) {
	srv := &server{}
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	svcCfg := progression.ServiceConfig{}

	if cfg.Database.URL != "" {
		db, err := database.New(ctx, cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, cleanup, fmt.Errorf("connecting to database: %w", err)
		}
		closers = append(closers, db.Close)
		srv.db = db

		if cfg.Database.EnsureSchema {
			for _, ddl := range []string{catalog.Schema, progression.Schema, response.Schema} {
				if err := db.ApplySchema(ctx, ddl); err != nil {
					return nil, cleanup, fmt.Errorf("ensuring schema: %w", err)
				}
			}
		}

		activities, err := catalog.NewPostgresStore(db.Pool)
		if err != nil {
			return nil, cleanup, err
		}
		progress, err := progression.NewPostgresProgressStore(db.Pool)
		if err != nil {
			return nil, cleanup, err
		}
		responses, err := response.NewPostgresStore(db.Pool)
		if err != nil {
			return nil, cleanup, err
		}
		svcCfg.Activities = activities
		svcCfg.Rules = activities
		svcCfg.Progress = progress
		svcCfg.Responses = responses
	} else {
		store, err := catalog.LoadDir(cfg.CatalogPath)
		if err != nil {
			return nil, cleanup, fmt.Errorf("loading catalog: %w", err)
		}
		svcCfg.Activities = store
		svcCfg.Rules = store
	}

	if cfg.Cache.URL != "" {
		c, err := cache.New(ctx, cfg.Cache.URL)
		if err != nil {
			return nil, cleanup, fmt.Errorf("connecting to cache: %w", err)
		}
		closers = append(closers, func() { c.Close() })
		srv.cache = c

		sink, err := progression.NewRedisSink(c.Client, cfg.Audit.Stream, cfg.Audit.MaxStream)
		if err != nil {
			return nil, cleanup, err
		}
		svcCfg.Audit = sink
	} else {
		svcCfg.Audit = progression.LogSink{}
	}

	srv.service = progression.NewService(svcCfg)
	return srv, cleanup, nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
