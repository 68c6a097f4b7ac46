package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/Martian-dev/mailsync/internal/models"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// Supported database drivers
const (
	DriverSQLite   = "sqlite"  // modernc.org/sqlite, pure Go
	DriverSQLite3  = "sqlite3" // github.com/mattn/go-sqlite3, cgo
	DriverPostgres = "pgx"     // github.com/jackc/pgx/v5/stdlib
)

// Store is the durable state of the sync engine: mailboxes, credentials,
// watches, tracked senders, mail records and the event outbox.
type Store struct {
	DB     *sqlx.DB
	driver string
	now    func() time.Time
}

// Open opens the database behind driver and dsn. For the SQLite drivers dsn
// is a file path; WAL and a busy timeout are configured unless dsn already
// carries query parameters.
func Open(driver, dsn string) (*Store, error) {
	switch driver {
	case DriverSQLite, DriverSQLite3:
		if err := ensureDir(dsn); err != nil {
			return nil, err
		}
		dsn = sqliteDSN(driver, dsn)
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == DriverPostgres {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
	} else {
		// SQLite serializes writers anyway; one connection avoids SQLITE_BUSY
		// on lock upgrades.
		db.SetMaxOpenConns(1)
	}
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &Store{DB: db, driver: driver, now: time.Now}, nil
}

func ensureDir(path string) error {
	if path == ":memory:" || strings.HasPrefix(path, "file:") {
		return nil
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}
	return nil
}

func sqliteDSN(driver, path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	if driver == DriverSQLite3 {
		return path + "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000"
	}
	return path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
}

// Migrate applies the schema for the store's dialect
func (s *Store) Migrate(ctx context.Context) error {
	name := "schema/sqlite.sql"
	if s.driver == DriverPostgres {
		name = "schema/postgres.sql"
	}
	schema, err := schemaFS.ReadFile(name)
	if err != nil {
		return fmt.Errorf("failed to read schema: %w", err)
	}
	if _, err := s.DB.ExecContext(ctx, string(schema)); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.DB.Close()
}

func (s *Store) q(query string) string {
	return s.DB.Rebind(query)
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, models.ErrNotFound)
	}
	return fmt.Errorf("failed to get %s: %w", what, err)
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
