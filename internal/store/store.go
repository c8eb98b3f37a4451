package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

//go:embed schema_postgres.sql
var postgresSchemaSQL string

//go:embed schema_sqlite.sql
var sqliteSchemaSQL string

// Dialect names the SQL driver a SQLStore talks to.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite3"
)

// SQLStore implements Store on top of sqlx. Queries are written with ?
// placeholders and rebound for the driver, so the same statements serve
// Postgres and SQLite.
type SQLStore struct {
	db      *sqlx.DB
	dialect Dialect
}

// OpenPostgres connects to Postgres and verifies the connection.
func OpenPostgres(connString string, maxConns int) (*SQLStore, error) {
	db, err := sqlx.Connect("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(maxConns / 2)
	}

	return &SQLStore{db: db, dialect: DialectPostgres}, nil
}

// OpenSQLite creates or opens a SQLite database at the given path.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - a single open connection, so writers never see SQLITE_BUSY
//   - 5-second busy timeout
//   - foreign key enforcement
func OpenSQLite(path string) (*SQLStore, error) {
	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return &SQLStore{db: db, dialect: DialectSQLite}, nil
}

// NewSQLStore wraps an existing connection. Useful for tests.
func NewSQLStore(db *sqlx.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// InitSchema creates the tables if they don't exist. Idempotent.
func (s *SQLStore) InitSchema(ctx context.Context) error {
	schema := postgresSchemaSQL
	if s.dialect == DialectSQLite {
		schema = sqliteSchemaSQL
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Dialect reports which driver the store uses.
func (s *SQLStore) Dialect() Dialect {
	return s.dialect
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrConstraint
	}
	return false
}
