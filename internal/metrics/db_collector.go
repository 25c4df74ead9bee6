package metrics

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DBStatsCollector periodically samples the Postgres storage
// backend's connection pool into the DBConnections* gauges. pgxPool is
// the hot-path pool internal/storage/postgres uses; sqlxDB is an
// optional *sql.DB whose stats are sampled the same way when non-nil.
type DBStatsCollector struct {
	pgxPool *pgxpool.Pool
	sqlxDB  *sql.DB
	log     *slog.Logger
	stopCh  chan struct{}
}

// NewDBStatsCollector creates a new database stats collector. Either
// argument may be nil.
func NewDBStatsCollector(pgxPool *pgxpool.Pool, sqlxDB *sql.DB, logger *slog.Logger) *DBStatsCollector {
	return &DBStatsCollector{
		pgxPool: pgxPool,
		sqlxDB:  sqlxDB,
		log:     logger,
		stopCh:  make(chan struct{}),
	}
}

// Start begins collecting database statistics at regular intervals.
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
	if c.log != nil {
		c.log.Info("database stats collector started", "interval", interval)
	}
}

// Stop stops the database stats collector.
func (c *DBStatsCollector) Stop() {
	close(c.stopCh)
}

func (c *DBStatsCollector) collect() {
	if c.pgxPool != nil {
		stat := c.pgxPool.Stat()
		DBConnectionsOpen.Set(float64(stat.TotalConns()))
		DBConnectionsInUse.Set(float64(stat.AcquiredConns()))
		DBConnectionsIdle.Set(float64(stat.IdleConns()))
		DBConnectionsMaxOpen.Set(float64(stat.MaxConns()))
	}

	if c.sqlxDB != nil {
		stats := c.sqlxDB.Stats()
		DBConnectionsOpen.Set(float64(stats.OpenConnections))
		DBConnectionsInUse.Set(float64(stats.InUse))
		DBConnectionsIdle.Set(float64(stats.Idle))
		DBConnectionsMaxOpen.Set(float64(stats.MaxOpenConnections))
	}
}

// RecordQueryDuration records the duration of a database query.
func RecordQueryDuration(operation string, duration time.Duration) {
	DBQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// TimeQuery times a database query.
// Usage: defer metrics.TimeQuery("write")()
func TimeQuery(operation string) func() {
	start := time.Now()
	return func() {
		RecordQueryDuration(operation, time.Since(start))
	}
}

// PingDatabase checks database connectivity and records the result.
func PingDatabase(ctx context.Context, pool *pgxpool.Pool) error {
	start := time.Now()
	err := pool.Ping(ctx)
	RecordQueryDuration("ping", time.Since(start))
	return err
}
