// Package postgres manages the PostgreSQL connection pool and schema
// migrations for the run tracker.
package postgres

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/deepmatter/chempipe/internal/config"
	"github.com/deepmatter/chempipe/internal/infrastructure/monitoring/logging"
	apperrors "github.com/deepmatter/chempipe/pkg/errors"
)

// Pool wraps a pgx connection pool configured from the application config.
type Pool struct {
	pool *pgxpool.Pool
	log  logging.Logger
}

// DSN renders the connection string for cfg.
func DSN(cfg config.DatabaseConfig) string {
	ssl := cfg.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(cfg.User), url.QueryEscape(cfg.Password),
		cfg.Host, cfg.Port, cfg.DBName, ssl)
}

// NewPool connects to PostgreSQL and verifies the connection.
func NewPool(ctx context.Context, cfg config.DatabaseConfig, log logging.Logger) (*Pool, error) {
	if log == nil {
		log = logging.NewNopLogger()
	}
	pc, err := pgxpool.ParseConfig(DSN(cfg))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeTrackerQuery, "parse database config")
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		pc.MinConns = int32(cfg.MinConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		pc.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	if cfg.ConnMaxIdleTime > 0 {
		pc.MaxConnIdleTime = cfg.ConnMaxIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeTrackerQuery, "create connection pool")
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, apperrors.Wrap(err, apperrors.CodeTrackerQuery, "connect to database")
	}

	log.Info("database connected",
		logging.String("host", cfg.Host),
		logging.Int("port", cfg.Port),
		logging.String("db_name", cfg.DBName))
	return &Pool{pool: pool, log: log.Named("postgres")}, nil
}

// Pgx exposes the underlying pgx pool for repositories.
func (p *Pool) Pgx() *pgxpool.Pool {
	return p.pool
}

// Close shuts the pool down.
func (p *Pool) Close() {
	p.pool.Close()
}
