package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urgood/voiceusage/internal/config"
	"github.com/urgood/voiceusage/internal/storage"
)

// Store implements the storage.Store interface using PostgreSQL
type Store struct {
	pool            *pgxpool.Pool
	voiceUsageStore *voiceUsageStore
}

// Open connects to PostgreSQL and ensures the schema exists
func Open(ctx context.Context, cfg config.PostgresConfig) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(strings.TrimSpace(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.ConnectTimeout != "" {
		timeout, err := time.ParseDuration(cfg.ConnectTimeout)
		if err != nil {
			return nil, fmt.Errorf("invalid connect_timeout: %w", err)
		}
		poolConfig.ConnConfig.ConnectTimeout = timeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{
		pool:            pool,
		voiceUsageStore: &voiceUsageStore{pool: pool},
	}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS voice_usage (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			period_start TIMESTAMPTZ NOT NULL,
			period_end TIMESTAMPTZ NOT NULL,
			sessions_started BIGINT NOT NULL DEFAULT 0,
			sessions_completed BIGINT NOT NULL DEFAULT 0,
			seconds_used BIGINT NOT NULL DEFAULT 0 CHECK (seconds_used >= 0),
			last_session_at TIMESTAMPTZ NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			CONSTRAINT voice_usage_user_period_key UNIQUE (user_id, period_start, period_end)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_voice_usage_user_period ON voice_usage (user_id, period_start DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_voice_usage_period_end ON voice_usage (period_end);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init voice usage schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

// Close closes the connection pool
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks that the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// VoiceUsage returns the VoiceUsageStore implementation
func (s *Store) VoiceUsage() storage.VoiceUsageStore {
	return s.voiceUsageStore
}
