// Package db owns database connectivity and the transaction-handle
// interfaces threaded through the repositories. Repository methods never
// reach for an ambient connection: every call takes a DBTX, and the handle
// decides whether the statement runs inside a transaction.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for the sqlx handle
	"github.com/jmoiron/sqlx"
)

// DBTX is the statement-execution surface shared by *pgxpool.Pool and
// pgx.Tx. Repositories accept it so the same method runs standalone or
// inside a caller-owned transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Tx is a transaction handle. pgx.Tx satisfies it structurally, so
// production code pays no adapter cost and tests can supply a fake.
type Tx interface {
	DBTX
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Beginner starts transactions. Services depend on this rather than on the
// concrete pool.
type Beginner interface {
	Begin(ctx context.Context) (Tx, error)
}

type poolBeginner struct {
	pool *pgxpool.Pool
}

func (b poolBeginner) Begin(ctx context.Context) (Tx, error) {
	return b.pool.Begin(ctx)
}

// NewBeginner wraps a pgx pool as a Beginner.
func NewBeginner(pool *pgxpool.Pool) Beginner {
	return poolBeginner{pool: pool}
}

// Connect builds the pgx connection pool with production tuning and verifies
// connectivity before returning.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 5 * time.Minute
	poolConfig.MaxConnIdleTime = 1 * time.Minute
	poolConfig.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

// OpenSQL opens the secondary sqlx handle used by the audit store. It rides
// the pgx stdlib driver against the same database, so the audit trail needs
// no extra infrastructure.
func OpenSQL(ctx context.Context, url string) (*sqlx.DB, error) {
	sqlxDB, err := sqlx.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open sql database: %w", err)
	}

	sqlxDB.SetMaxOpenConns(10)
	sqlxDB.SetMaxIdleConns(2)
	sqlxDB.SetConnMaxLifetime(5 * time.Minute)

	if err := sqlxDB.PingContext(ctx); err != nil {
		sqlxDB.Close()
		return nil, fmt.Errorf("failed to ping sql database: %w", err)
	}

	return sqlxDB, nil
}
