// Package sqlite is the reference CA backend (C6): a SQLite-persisted
// implementation of backend.CA. Its migration runner started from the
// teacher's internal/store/db.go wrapper and was reworked for this
// package's own bootstrap shape: every pending migration applies as one
// all-or-nothing transaction instead of one transaction per file, a
// malformed migration filename is a hard error instead of silently
// migrating as version 0, and the DSN carries a busy_timeout so a
// concurrent enrolment and a GetCertInitial poll don't surface
// SQLITE_BUSY to a SCEP client instead of retrying internally.
package sqlite

import (
	"database/sql"
	"embed"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps the database connection and applies versioned migrations.
type DB struct {
	*sql.DB
}

// Open opens (and, if necessary, creates) the SQLite database at path.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", path)

	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open database: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("sqlite: ping database: %w", err)
	}
	return &DB{DB: sqlDB}, nil
}

// migrationFile is one parsed entry from the embedded migrations directory.
type migrationFile struct {
	version int
	name    string
	sql     string
}

// Migrate applies every pending migration as a single transaction: a
// backend either comes up with the full schema it expects or it doesn't
// come up at all, rather than leaving the database half-migrated if a
// later file in the batch fails.
func (db *DB) Migrate() error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("sqlite: create migrations table: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return fmt.Errorf("sqlite: query migrations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return err
		}
		applied[version] = true
	}

	pending, err := pendingMigrations(applied)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("sqlite: begin migration transaction: %w", err)
	}
	for _, m := range pending {
		log.Printf("sqlite: applying migration %d: %s", m.version, m.name)
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlite: apply migration %s: %w", m.name, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlite: record migration %d: %w", m.version, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit migration batch: %w", err)
	}
	return nil
}

// pendingMigrations reads and orders every embedded migration not yet in
// applied. A filename that doesn't start with a numeric version is a
// packaging bug, not a migration to skip, so it fails loudly.
func pendingMigrations(applied map[int]bool) ([]migrationFile, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("sqlite: read migrations directory: %w", err)
	}

	var pending []migrationFile
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		prefix, _, ok := strings.Cut(entry.Name(), "_")
		if !ok {
			return nil, fmt.Errorf("sqlite: migration %q has no version prefix", entry.Name())
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("sqlite: migration %q has a non-numeric version prefix: %w", entry.Name(), err)
		}
		if applied[version] {
			continue
		}
		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("sqlite: read migration %s: %w", entry.Name(), err)
		}
		pending = append(pending, migrationFile{version: version, name: entry.Name(), sql: string(content)})
	}

	sort.Slice(pending, func(i, j int) bool { return pending[i].version < pending[j].version })
	return pending, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
