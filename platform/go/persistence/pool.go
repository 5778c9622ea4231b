package persistence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Each mutation runs in its own short transaction, so sessions get tight statement and lock
// timeouts. A mutation waiting behind an organization row lock fails instead of piling up.
const (
	DefaultStatementTimeout = 5 * time.Second
	DefaultLockTimeout      = 2 * time.Second
	DefaultApplicationName  = "reflect-sync"
)

// PoolConfig describes the pgxpool used by the row store and session lookups.
type PoolConfig struct {
	ConnString      string
	ApplicationName string
	MaxConns        int32
	MinConns        int32
	// StatementTimeout and LockTimeout are set as session parameters. Negative disables them.
	StatementTimeout    time.Duration
	LockTimeout         time.Duration
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
}

// ParsePoolConfig turns cfg into a pgxpool configuration without connecting.
func ParsePoolConfig(cfg PoolConfig) (*pgxpool.Config, error) {
	if cfg.ConnString == "" {
		return nil, fmt.Errorf("conn string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("parse pgx pool config: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolConfig.HealthCheckPeriod = cfg.HealthCheckInterval
	}

	params := poolConfig.ConnConfig.RuntimeParams
	if _, ok := params["application_name"]; !ok {
		name := cfg.ApplicationName
		if name == "" {
			name = DefaultApplicationName
		}
		params["application_name"] = name
	}
	setTimeout(params, "statement_timeout", cfg.StatementTimeout, DefaultStatementTimeout)
	setTimeout(params, "lock_timeout", cfg.LockTimeout, DefaultLockTimeout)

	return poolConfig, nil
}

// setTimeout writes a millisecond session parameter unless the DSN already carries one.
func setTimeout(params map[string]string, name string, value, fallback time.Duration) {
	if _, ok := params[name]; ok || value < 0 {
		return
	}
	if value == 0 {
		value = fallback
	}
	params[name] = strconv.FormatInt(value.Milliseconds(), 10)
}

// NewPool builds the pool and verifies connectivity.
func NewPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	poolConfig, err := ParsePoolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return pool, nil
}

// ClosePool is safe to call with nil.
func ClosePool(pool *pgxpool.Pool) {
	if pool != nil {
		pool.Close()
	}
}
