package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "modernc.org/sqlite"
)

// SQLiteBackend stores objects in a single-file SQLite database.
//
// Use ":memory:" for a throwaway database in tests. WAL mode is enabled so
// status queries can read while a run is writing.
type SQLiteBackend struct {
	*sqlBackend
	path string
}

// NewSQLiteBackend opens (creating if needed) the database at path and applies
// the schema migrations
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=FULL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create migration driver: %w", err)
	}
	if err := runMigrations(driver, sqliteDialect.name); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLiteBackend{
		sqlBackend: &sqlBackend{db: db, dialect: sqliteDialect, clock: time.Now},
		path:       path,
	}, nil
}

// Path returns the database file path
func (b *SQLiteBackend) Path() string {
	return b.path
}
