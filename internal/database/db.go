// Package database is the engine's store of record: a pgx pool, the
// schema migrations and the repository the executors persist through.
package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool         *pgxpool.Pool
	queryTimeout time.Duration
}

// Config holds database configuration
type Config struct {
	URL          string
	QueryTimeout time.Duration
}

// NewDB creates a new database connection pool and verifies it.
func NewDB(cfg Config) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log.Printf("[DB] Connected to PostgreSQL")

	timeout := cfg.QueryTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &DB{Pool: pool, queryTimeout: timeout}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		log.Println("[DB] Connection pool closed")
	}
}

// withDeadline applies the configured query deadline when the caller has
// not already set one.
func (db *DB) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, db.queryTimeout)
}
