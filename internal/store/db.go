package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PoolConfig sizes the connection pool. Zero fields fall back to DefaultPool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	// ConnectTimeout bounds how long Open keeps retrying the first ping.
	ConnectTimeout time.Duration
}

var DefaultPool = PoolConfig{
	MaxOpenConns:    20,
	MaxIdleConns:    10,
	ConnMaxLifetime: 30 * time.Minute,
	ConnMaxIdleTime: 5 * time.Minute,
	ConnectTimeout:  30 * time.Second,
}

const pingBackoff = 500 * time.Millisecond

// Open connects to Postgres through pgx and waits for the server to accept
// connections, which lets the API start alongside its database container.
func Open(ctx context.Context, databaseURL string, pool PoolConfig) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	pool = pool.withDefaults()
	configurePool(db, pool)
	if err := waitForPing(ctx, db, pool.ConnectTimeout, pingBackoff); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func (p PoolConfig) withDefaults() PoolConfig {
	if p.MaxOpenConns <= 0 {
		p.MaxOpenConns = DefaultPool.MaxOpenConns
	}
	if p.MaxIdleConns <= 0 {
		p.MaxIdleConns = DefaultPool.MaxIdleConns
	}
	if p.MaxIdleConns > p.MaxOpenConns {
		p.MaxIdleConns = p.MaxOpenConns
	}
	if p.ConnMaxLifetime <= 0 {
		p.ConnMaxLifetime = DefaultPool.ConnMaxLifetime
	}
	if p.ConnMaxIdleTime <= 0 {
		p.ConnMaxIdleTime = DefaultPool.ConnMaxIdleTime
	}
	if p.ConnectTimeout <= 0 {
		p.ConnectTimeout = DefaultPool.ConnectTimeout
	}
	return p
}

func configurePool(db *sql.DB, pool PoolConfig) {
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)
}

// waitForPing retries until the database answers or timeout elapses.
func waitForPing(ctx context.Context, db *sql.DB, timeout, backoff time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	attempt := 0
	for {
		attempt++
		err := db.PingContext(ctx)
		if err == nil {
			return nil
		}
		slog.Warn("database not ready", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("ping db after %d attempts: %w", attempt, err)
		case <-time.After(backoff):
		}
	}
}
