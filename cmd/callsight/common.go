package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/callsight/callsight/internal/asr/provider"
	"github.com/callsight/callsight/internal/asr/provider/assemblyai"
	"github.com/callsight/callsight/internal/asr/provider/deepgram"
	"github.com/callsight/callsight/internal/config"
)

// Version information (set via ldflags)
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

var cfg *config.Config

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

// openDB builds the pgx pool with OTel query tracing and a UTC session, the
// way every CallSight process talks to Postgres.
func openDB(ctx context.Context) (*pgxpool.Pool, error) {
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("PostgreSQL connection required. Set CALLSIGHT_POSTGRES_URL")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	poolConfig.ConnConfig.Tracer = otelpgx.NewTracer(otelpgx.WithTrimSQLInSpanName())
	poolConfig.ConnConfig.RuntimeParams["timezone"] = "UTC"

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return pool, nil
}

// newProviderFactory selects the ASR provider configured for the worker.
func newProviderFactory() (provider.Factory, error) {
	switch cfg.Worker.Provider {
	case "deepgram":
		return deepgram.New(cfg.Worker.Deepgram.APIKey,
			deepgram.WithModel(cfg.Worker.Deepgram.Model),
			deepgram.WithLanguage(cfg.Worker.Deepgram.Language))
	case "assemblyai":
		return assemblyai.New(cfg.Worker.AssemblyAI.APIKey)
	case "mock":
		return provider.NewMockFactory(), nil
	default:
		return nil, fmt.Errorf("unknown ASR provider %q", cfg.Worker.Provider)
	}
}
