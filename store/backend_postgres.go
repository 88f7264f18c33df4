package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/lib/pq"
)

// PostgresBackend stores objects in a PostgreSQL table so several engine
// processes can share run state
type PostgresBackend struct {
	*sqlBackend
}

// NewPostgresBackend connects using the given DSN and applies the schema
// migrations
func NewPostgresBackend(ctx context.Context, dsn string) (*PostgresBackend, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	driver, err := migratepostgres.WithInstance(db, &migratepostgres.Config{})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create migration driver: %w", err)
	}
	if err := runMigrations(driver, postgresDialect.name); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &PostgresBackend{
		sqlBackend: &sqlBackend{db: db, dialect: postgresDialect, clock: time.Now},
	}, nil
}
