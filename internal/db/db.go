package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// PoolIface is the subset of pgxpool.Pool the repositories use. pgxmock
// implements it, so every repo method is testable without a server.
type PoolIface interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
}

// DB wraps the PostgreSQL connection pool
type DB struct {
	pool    PoolIface
	pgxPool *pgxpool.Pool
}

// New creates a new database connection pool from a connection URL.
func New(ctx context.Context, databaseURL string) (*DB, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is not set")
	}

	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().Msg("Database connection pool created successfully")

	return &DB{pool: pool, pgxPool: pool}, nil
}

// NewWithPool wraps an existing pool implementation (pgxmock in tests).
func NewWithPool(pool PoolIface) *DB {
	return &DB{pool: pool}
}

// Close closes the database connection pool. Safe to call more than once.
func (db *DB) Close() {
	if db.pgxPool != nil {
		db.pgxPool.Close()
		db.pgxPool = nil
		log.Info().Msg("Database connection pool closed")
	}
}

// Pool returns the underlying pool interface.
func (db *DB) Pool() PoolIface {
	return db.pool
}

// Health checks database connectivity
func (db *DB) Health(ctx context.Context) error {
	return db.pool.Ping(ctx)
}
