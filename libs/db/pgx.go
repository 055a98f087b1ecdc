// Package db wraps a pgx connection pool with transaction and readiness helpers.
package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Pool struct {
	*pgxpool.Pool
}

// Options override pool sizing. Zero values keep the defaults below.
type Options struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

const (
	defaultMaxConns = 10
	defaultLifetime = 30 * time.Minute
)

// Open connects and pings, so a bad DATABASE_URL fails at startup instead of on first use.
func Open(ctx context.Context, url string, opts Options) (*Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("db: parse url: %w", err)
	}
	cfg.MaxConns = orDefault(opts.MaxConns, defaultMaxConns)
	cfg.MinConns = orDefault(opts.MinConns, 1)
	cfg.MaxConnLifetime = orDefault(opts.MaxConnLifetime, defaultLifetime)
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("db: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db: ping: %w", err)
	}
	return &Pool{Pool: pool}, nil
}

func orDefault[T int32 | time.Duration](v, def T) T {
	if v > 0 {
		return v
	}
	return def
}

func (p *Pool) Close() {
	if p == nil || p.Pool == nil {
		return
	}
	p.Pool.Close()
}

// InTx commits when fn returns nil and rolls back otherwise.
func (p *Pool) InTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return pgx.BeginTxFunc(ctx, p.Pool, pgx.TxOptions{}, fn)
}

var errNoPool = errors.New("db: pool not configured")

func ReadyCheck(pool *Pool) func(context.Context) error {
	return func(ctx context.Context) error {
		if pool == nil || pool.Pool == nil {
			return errNoPool
		}
		return pool.Ping(ctx)
	}
}
