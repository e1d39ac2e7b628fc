// Package database stores the analysis history in PostgreSQL.
package database

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// History writes are one row per verdict, so the pool stays small.
const (
	maxConns       = 4
	minConns       = 0
	connectTimeout = 10 * time.Second
)

// DB is the analysis history store.
type DB struct {
	Pool *pgxpool.Pool
	log  zerolog.Logger
}

// Connect opens and pings a pool for databaseURL.
func Connect(ctx context.Context, databaseURL string, log zerolog.Logger) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url %s: %w", maskDSN(databaseURL), err)
	}
	cfg.MaxConns = maxConns
	cfg.MinConns = minConns
	cfg.ConnConfig.ConnectTimeout = connectTimeout
	if cfg.ConnConfig.RuntimeParams["application_name"] == "" {
		cfg.ConnConfig.RuntimeParams["application_name"] = "voice-sentinel"
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping %s: %w", maskDSN(databaseURL), err)
	}

	log = log.With().Str("component", "database").Logger()
	log.Info().
		Str("url", maskDSN(databaseURL)).
		Int32("max_conns", cfg.MaxConns).
		Msg("history database connected")

	return &DB{Pool: pool, log: log}, nil
}

// HealthCheck pings the pool with a short deadline.
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return db.Pool.Ping(ctx)
}

func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		if _, hasPass := u.User.Password(); hasPass {
			u.User = url.UserPassword(u.User.Username(), "***")
		}
	}
	return u.String()
}

func (db *DB) Close() {
	db.log.Info().Msg("closing history database")
	db.Pool.Close()
}
