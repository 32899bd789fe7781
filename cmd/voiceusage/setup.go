package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/urgood/voiceusage/internal/config"
	"github.com/urgood/voiceusage/internal/storage"
	boltstore "github.com/urgood/voiceusage/internal/storage/bolt"
	pgstore "github.com/urgood/voiceusage/internal/storage/postgres"
	redisstore "github.com/urgood/voiceusage/internal/storage/redis"
)

// openStorage opens the configured backend. For redis storage the
// store's client is also returned so other components can share it.
func openStorage(ctx context.Context, cfg config.StorageConfig) (storage.Store, *redis.Client, error) {
	switch cfg.Type {
	case "", "redis":
		store, err := redisstore.Open(cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Client(), nil
	case "postgres":
		store, err := pgstore.Open(ctx, cfg.Postgres)
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	case "bolt":
		store, err := boltstore.Open(cfg.Bolt.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// parseDuration parses a duration string with a fallback
func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
