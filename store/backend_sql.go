package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// sqlDialect captures the few differences between the supported databases
type sqlDialect struct {
	name        string
	placeholder func(n int) string
}

var (
	sqliteDialect = sqlDialect{
		name:        "sqlite",
		placeholder: func(int) string { return "?" },
	}
	postgresDialect = sqlDialect{
		name:        "postgres",
		placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	}
)

// sqlBackend stores objects as rows of the state_objects table. Every write
// is a single statement, so readers never see a partial object.
type sqlBackend struct {
	db      *sql.DB
	dialect sqlDialect
	clock   func() time.Time
}

// bind replaces each ? in query with the dialect placeholder
func (b *sqlBackend) bind(query string) string {
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString(b.dialect.placeholder(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (b *sqlBackend) Put(ctx context.Context, key string, data []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	query := b.bind(`
		INSERT INTO state_objects (object_key, data, size, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (object_key) DO UPDATE SET
			data = excluded.data,
			size = excluded.size,
			updated_at = excluded.updated_at`)
	if _, err := b.db.ExecContext(ctx, query, key, data, int64(len(data)), b.clock().UnixNano()); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

func (b *sqlBackend) Create(ctx context.Context, key string, data []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	query := b.bind(`
		INSERT INTO state_objects (object_key, data, size, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (object_key) DO NOTHING`)
	res, err := b.db.ExecContext(ctx, query, key, data, int64(len(data)), b.clock().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", key, err)
	}
	if n == 0 {
		return ErrObjectExists
	}
	return nil
}

func (b *sqlBackend) Get(ctx context.Context, key string) ([]byte, ObjectInfo, error) {
	query := b.bind(`SELECT data, size, updated_at FROM state_objects WHERE object_key = ?`)
	var (
		data    []byte
		size    int64
		updated int64
	)
	err := b.db.QueryRowContext(ctx, query, key).Scan(&data, &size, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ObjectInfo{}, ErrObjectNotExist
	}
	if err != nil {
		return nil, ObjectInfo{}, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, ObjectInfo{Key: key, Size: size, ModTime: time.Unix(0, updated)}, nil
}

func (b *sqlBackend) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	query := b.bind(`
		SELECT object_key, size, updated_at FROM state_objects
		WHERE substr(object_key, 1, ?) = ?
		ORDER BY object_key`)
	rows, err := b.db.QueryContext(ctx, query, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list objects: %w", err)
	}
	defer rows.Close()

	var infos []ObjectInfo
	for rows.Next() {
		var (
			info    ObjectInfo
			updated int64
		)
		if err := rows.Scan(&info.Key, &info.Size, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan object: %w", err)
		}
		info.ModTime = time.Unix(0, updated)
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list objects: %w", err)
	}
	return infos, nil
}

func (b *sqlBackend) Delete(ctx context.Context, prefix string) error {
	if prefix == "" {
		return fmt.Errorf("refusing to delete every object")
	}
	query := b.bind(`DELETE FROM state_objects WHERE substr(object_key, 1, ?) = ?`)
	if _, err := b.db.ExecContext(ctx, query, len(prefix), prefix); err != nil {
		return fmt.Errorf("failed to delete %s: %w", prefix, err)
	}
	return nil
}

func (b *sqlBackend) Close() error {
	return b.db.Close()
}

// runMigrations applies the embedded schema migrations for a dialect. The
// migrate instance is not closed because that would close db as well.
func runMigrations(driver database.Driver, dialect string) error {
	source, err := iofs.New(migrationsFS, "migrations/"+dialect)
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, dialect, driver)
	if err != nil {
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}
