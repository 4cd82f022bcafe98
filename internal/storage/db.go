package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"llm_flow/internal/models"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// DB wraps the database connection and provides health checks
type DB struct {
	conn   *sqlx.DB
	driver string

	// Cache for recently read log entries
	entryCache *LRUCache[*models.LogEntry]
}

// DBConfig holds database configuration
type DBConfig struct {
	// Driver is "postgres" or "sqlite3"
	Driver string
	// DSN is the driver-specific connection string
	DSN string

	// Pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// Query timeouts
	QueryTimeout time.Duration

	// Cache settings
	EntryCacheSize int
	EntryCacheTTL  time.Duration
}

// DefaultDBConfig returns default database configuration
func DefaultDBConfig() DBConfig {
	return DBConfig{
		Driver: DriverSQLite,
		DSN:    "./data/flow.db",

		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,

		QueryTimeout: 5 * time.Second,

		EntryCacheSize: 1000,
		EntryCacheTTL:  5 * time.Minute,
	}
}

// NewDB opens the database and creates the log_entries schema
func NewDB(ctx context.Context, cfg DBConfig) (*DB, error) {
	if cfg.Driver != DriverPostgres && cfg.Driver != DriverSQLite {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, cfg.Driver)
	}

	conn, err := sqlx.ConnectContext(ctx, cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.Driver == DriverSQLite {
		// SQLite serializes writers; a single connection avoids SQLITE_BUSY.
		conn.SetMaxOpenConns(1)
	}
	conn.SetMaxIdleConns(cfg.MaxIdleConns)
	conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	conn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	db := &DB{
		conn:       conn,
		driver:     cfg.Driver,
		entryCache: NewLRUCache[*models.LogEntry](cfg.EntryCacheSize, cfg.EntryCacheTTL),
	}

	if err := db.Migrate(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

// Migrate creates the log_entries table and its indexes if missing
func (db *DB) Migrate(ctx context.Context) error {
	payloadType := "TEXT"
	if db.driver == DriverPostgres {
		payloadType = "JSONB"
	}

	statements := []string{
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS log_entries (
			request_id   TEXT PRIMARY KEY,
			session_id   TEXT NOT NULL,
			model        TEXT,
			model_family TEXT NOT NULL DEFAULT '',
			total_tokens INTEGER,
			request_cost DOUBLE PRECISION,
			has_error    BOOLEAN NOT NULL DEFAULT FALSE,
			payload      %s NOT NULL,
			created_at   TIMESTAMP NOT NULL
		)`, payloadType),
		`CREATE INDEX IF NOT EXISTS idx_log_entries_session ON log_entries (session_id, created_at)`,
	}

	for _, stmt := range statements {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate log_entries: %w", err)
		}
	}
	return nil
}

// Close closes the database connection and clears caches
func (db *DB) Close() error {
	db.entryCache.Clear()
	return db.conn.Close()
}

// Ping checks if the database is reachable
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Health returns the health status of the database
func (db *DB) Health(ctx context.Context) error {
	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var result int
	if err := db.conn.GetContext(ctx, &result, "SELECT 1"); err != nil {
		return fmt.Errorf("health check query failed: %w", err)
	}

	return nil
}

// DBStats reports pool and cache statistics
type DBStats struct {
	MaxOpenConnections int
	OpenConnections    int
	InUse              int
	Idle               int
	WaitCount          int64
	WaitDuration       time.Duration

	EntryCacheStats CacheStats
}

// GetStats returns current database and cache statistics
func (db *DB) GetStats() DBStats {
	stats := db.conn.Stats()

	return DBStats{
		MaxOpenConnections: stats.MaxOpenConnections,
		OpenConnections:    stats.OpenConnections,
		InUse:              stats.InUse,
		Idle:               stats.Idle,
		WaitCount:          stats.WaitCount,
		WaitDuration:       stats.WaitDuration,

		EntryCacheStats: db.entryCache.GetStats(),
	}
}

// NewLogEntryRepository creates a new log entry repository
func (db *DB) NewLogEntryRepository() *LogEntryRepository {
	return NewLogEntryRepository(db)
}
