// Package records reads leads, clients and groups from the business database.
// SQLite and PostgreSQL are supported; queries are written with ? placeholders
// and rebound for PostgreSQL.
package records

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Supported drivers
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// DB wraps a record database connection
type DB struct {
	*sql.DB
	driver string
}

// Open connects to the record database. For sqlite3 the DSN is a file path.
func Open(driver, dsn string) (*DB, error) {
	switch driver {
	case DriverSQLite:
		if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		db, err := sql.Open(DriverSQLite, dsn+"?_journal_mode=WAL&_busy_timeout=5000")
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
		}
		return &DB{DB: db, driver: driver}, nil

	case DriverPostgres:
		db, err := sql.Open(DriverPostgres, dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		return &DB{DB: db, driver: driver}, nil
	}
	return nil, fmt.Errorf("unsupported records driver: %s", driver)
}

// Driver returns the driver name
func (db *DB) Driver() string {
	return db.driver
}

// Rebind converts ? placeholders to $n for PostgreSQL
func (db *DB) Rebind(query string) string {
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

// Migrate creates the record tables if they do not exist
func (db *DB) Migrate() error {
	migrations := []string{
		migrationLeads,
		migrationClients,
		migrationGroups,
		migrationGroupMembers,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

const contactColumns = `
    id TEXT PRIMARY KEY,
    first_name TEXT NOT NULL DEFAULT '',
    last_name TEXT NOT NULL DEFAULT '',
    company TEXT NOT NULL DEFAULT '',
    email TEXT NOT NULL DEFAULT '',
    phone TEXT NOT NULL DEFAULT '',
    chat_handle TEXT NOT NULL DEFAULT '',
    industry TEXT NOT NULL DEFAULT '',
    tags TEXT NOT NULL DEFAULT '',
    opt_in_email BOOLEAN NOT NULL DEFAULT FALSE,
    opt_in_sms BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
`

const migrationLeads = `
CREATE TABLE IF NOT EXISTS leads (` + contactColumns + `);
`

const migrationClients = `
CREATE TABLE IF NOT EXISTS clients (` + contactColumns + `);
`

const migrationGroups = `
CREATE TABLE IF NOT EXISTS contact_groups (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

const migrationGroupMembers = `
CREATE TABLE IF NOT EXISTS group_members (
    group_id TEXT NOT NULL REFERENCES contact_groups(id) ON DELETE CASCADE,
    lead_id TEXT NOT NULL DEFAULT '',
    client_id TEXT NOT NULL DEFAULT '',
    address TEXT NOT NULL DEFAULT '',
    position INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (group_id, lead_id, client_id, address)
);
`
