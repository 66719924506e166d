package metrics

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Pool label values.
const (
	PoolPgx = "pgx"
	PoolSQL = "sql"
)

// DBStatsCollector periodically copies connection-pool statistics into the
// db gauges. The pgx pool serves the transactional auth path and the sql
// pool serves the audit store, so each reports under its own pool label.
type DBStatsCollector struct {
	pgxPool *pgxpool.Pool
	sqlDB   *sql.DB
	stopCh  chan struct{}
}

// NewDBStatsCollector creates a collector over the given pools. Either may
// be nil.
func NewDBStatsCollector(pgxPool *pgxpool.Pool, sqlDB *sql.DB) *DBStatsCollector {
	return &DBStatsCollector{
		pgxPool: pgxPool,
		sqlDB:   sqlDB,
		stopCh:  make(chan struct{}),
	}
}

// Start begins collecting pool statistics at the given interval.
func (c *DBStatsCollector) Start(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				return
			}
		}
	}()

	slog.Info("database stats collector started", "interval", interval)
}

// Stop stops the collector.
func (c *DBStatsCollector) Stop() {
	close(c.stopCh)
	slog.Info("database stats collector stopped")
}

func (c *DBStatsCollector) collect() {
	if c.pgxPool != nil {
		stat := c.pgxPool.Stat()
		DBConnectionsOpen.WithLabelValues(PoolPgx).Set(float64(stat.TotalConns()))
		DBConnectionsInUse.WithLabelValues(PoolPgx).Set(float64(stat.AcquiredConns()))
		DBConnectionsIdle.WithLabelValues(PoolPgx).Set(float64(stat.IdleConns()))
		DBConnectionsMaxOpen.WithLabelValues(PoolPgx).Set(float64(stat.MaxConns()))
	}

	if c.sqlDB != nil {
		stats := c.sqlDB.Stats()
		DBConnectionsOpen.WithLabelValues(PoolSQL).Set(float64(stats.OpenConnections))
		DBConnectionsInUse.WithLabelValues(PoolSQL).Set(float64(stats.InUse))
		DBConnectionsIdle.WithLabelValues(PoolSQL).Set(float64(stats.Idle))
		DBConnectionsMaxOpen.WithLabelValues(PoolSQL).Set(float64(stats.MaxOpenConnections))
	}
}

// RecordQueryDuration records the duration of a database operation.
func RecordQueryDuration(operation string, duration time.Duration) {
	DBQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// TimeQuery times a database operation.
// Usage: defer metrics.TimeQuery("select_auth_record")()
func TimeQuery(operation string) func() {
	start := time.Now()
	return func() {
		RecordQueryDuration(operation, time.Since(start))
	}
}

// PingDatabase checks database connectivity and records the duration.
func PingDatabase(ctx context.Context, pool *pgxpool.Pool) error {
	start := time.Now()
	err := pool.Ping(ctx)
	RecordQueryDuration("ping", time.Since(start))
	return err
}
