package db

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	"github.com/tripcore/internal/common/logger"
	_ "modernc.org/sqlite"
)

// Supported drivers. "postgres" uses lib/pq, "pgx" uses the pgx stdlib
// adapter, "sqlite" uses the pure Go modernc driver.
const (
	DriverPostgres = "postgres"
	DriverPgx      = "pgx"
	DriverSQLite   = "sqlite"
)

type DB struct {
	conn   *sql.DB
	driver string
	logger logger.Logger
}

func New(driver, dsn string, log logger.Logger) (*DB, error) {
	switch driver {
	case DriverPostgres, DriverPgx, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if driver == DriverSQLite {
		// sqlite allows a single writer; an in-memory database also
		// only exists on the connection that created it.
		conn.SetMaxOpenConns(1)
		conn.SetMaxIdleConns(1)
	} else {
		conn.SetMaxOpenConns(10)
		conn.SetConnMaxLifetime(time.Hour)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info("Database connection established", "driver", driver)

	return &DB{
		conn:   conn,
		driver: driver,
		logger: log,
	}, nil
}

// EnsureSchema creates the tables used by the key/value store and the
// schedule version tracker.
func (db *DB) EnsureSchema(ctx context.Context) error {
	blob := "BYTEA"
	if db.driver == DriverSQLite {
		blob = "BLOB"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kv_store (
			key TEXT PRIMARY KEY,
			value ` + blob + ` NOT NULL,
			updated_at_ms BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS schedule_versions (
			source_url TEXT NOT NULL,
			etag TEXT NOT NULL,
			last_modified_ms BIGINT NOT NULL,
			loaded_at_ms BIGINT NOT NULL,
			routes INTEGER NOT NULL,
			stops INTEGER NOT NULL,
			trips INTEGER NOT NULL,
			stop_times INTEGER NOT NULL,
			skipped INTEGER NOT NULL,
			is_active BOOLEAN NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating schema: %w", err)
		}
	}
	return nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return db.conn.BeginTx(ctx, nil)
}

// Driver returns the configured driver name.
func (db *DB) Driver() string {
	return db.driver
}

// Logger returns the logger instance
func (db *DB) Logger() logger.Logger {
	return db.logger
}

// rebind rewrites ? placeholders into $n for the postgres drivers.
func (db *DB) rebind(query string) string {
	if db.driver == DriverSQLite {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// Vacuum reclaims space after large deletes. It must run outside a
// transaction.
func (db *DB) Vacuum(ctx context.Context) error {
	stmts := []string{"VACUUM"}
	if db.driver != DriverSQLite {
		stmts = []string{"VACUUM ANALYZE kv_store", "VACUUM ANALYZE schedule_versions"}
	}
	for _, stmt := range stmts {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("running %s: %w", stmt, err)
		}
	}
	return nil
}
