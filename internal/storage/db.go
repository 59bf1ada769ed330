package storage

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"  // PostgreSQL driver
	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Driver names accepted by DBConfig.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// timeLayout is the fixed-width UTC format used for every persisted
// timestamp. Fixed width keeps lexicographic and chronological order
// identical, so ORDER BY on the column is correct in both dialects.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// DB wraps the database handle. Connections are drawn from the pool per
// operation and returned on every exit path.
type DB struct {
	conn   *sqlx.DB
	driver string
}

// DBConfig holds storage configuration.
type DBConfig struct {
	// Driver selects sqlite (default) or postgres.
	Driver string

	// Path is the canonical SQLite database location. LegacyPaths are
	// historical locations consulted once, in order, during Open.
	Path        string
	LegacyPaths []string

	// DSN is the PostgreSQL connection string (postgres driver only).
	DSN string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultDBConfig returns the default storage configuration.
func DefaultDBConfig() DBConfig {
	return DBConfig{
		Driver:          DriverSQLite,
		Path:            "data/cost_guardian.db",
		LegacyPaths:     []string{"cost_guardian.db"},
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// Open connects to the configured database. For SQLite it first relocates a
// legacy database file to the canonical path if needed; connecting would
// otherwise create an empty canonical file and shadow the legacy data.
func Open(cfg DBConfig) (*DB, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverSQLite
	}

	var dsn string
	switch driver {
	case DriverSQLite:
		if cfg.Path == "" {
			return nil, fmt.Errorf("sqlite path is required")
		}
		if _, err := RelocateLegacy(cfg.Path, cfg.LegacyPaths); err != nil {
			return nil, fmt.Errorf("failed to relocate legacy database: %w", err)
		}
		dsn = sqliteDSN(cfg.Path)
	case DriverPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres DSN is required")
		}
		dsn = cfg.DSN
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	conn, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if driver == DriverSQLite {
		// SQLite allows a single writer; serialize all access through one
		// connection instead of relying on SQLITE_BUSY retries.
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(cfg.MaxOpenConns)
		conn.SetMaxIdleConns(cfg.MaxIdleConns)
		conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	return &DB{conn: conn, driver: driver}, nil
}

func sqliteDSN(path string) string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	return "file:" + path + "?" + q.Encode()
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks if the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Health verifies the database can answer a trivial query.
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

// rebind converts ?-style placeholders to the dialect's style.
func (db *DB) rebind(query string) string {
	return db.conn.Rebind(query)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
