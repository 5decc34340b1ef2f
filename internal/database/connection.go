package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Driver names accepted by NewDB
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// DB wraps the SQL connection used for bridge settings and issuance history
type DB struct {
	conn   *sql.DB
	driver string
}

// Config holds database configuration options
type Config struct {
	Driver       string
	DatabasePath string // sqlite3
	DSN          string // postgres
	MaxOpenConns int
	MaxLifetime  time.Duration
}

// NewDB opens the database for the configured driver and runs migrations
func NewDB(config Config) (*DB, error) {
	var dsn string
	switch config.Driver {
	case DriverSQLite:
		if err := os.MkdirAll(filepath.Dir(config.DatabasePath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000", config.DatabasePath)
	case DriverPostgres:
		dsn = config.DSN
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", config.Driver)
	}

	conn, err := sql.Open(config.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if config.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxLifetime > 0 {
		conn.SetConnMaxLifetime(config.MaxLifetime)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{
		conn:   conn,
		driver: config.Driver,
	}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Driver returns the driver the connection was opened with
func (db *DB) Driver() string {
	return db.driver
}

// Health checks the database connection health
func (db *DB) Health() error {
	return db.conn.Ping()
}

// rebind rewrites ? placeholders into $n for postgres
func (db *DB) rebind(query string) string {
	if db.driver != DriverPostgres {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
