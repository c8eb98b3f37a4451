package datastore

import (
	"strings"

	"trustcase-svc/internal/store"
)

// Type represents the type of data store to use
type Type string

const (
	// PostgreSQLStore uses a PostgreSQL database
	PostgreSQLStore Type = "postgresql"
	// SQLiteStore uses a local SQLite file
	SQLiteStore Type = "sqlite"
	// MemoryStore keeps everything in process; nothing survives a restart
	MemoryStore Type = "memory"
)

// ParseType accepts the spellings operators tend to use for each store type.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "postgresql", "postgres", "db":
		return PostgreSQLStore, nil
	case "sqlite", "sqlite3":
		return SQLiteStore, nil
	case "memory", "mem", "mock":
		return MemoryStore, nil
	default:
		return "", &UnsupportedStoreTypeError{Type: s}
	}
}

// Config holds configuration for data store creation
type Config struct {
	Type             Type
	ConnectionString string
	SQLitePath       string
	MaxConns         int
}

// NewDataStore creates a new data store based on configuration
func NewDataStore(config Config) (store.Store, error) {
	switch config.Type {
	case PostgreSQLStore:
		return store.OpenPostgres(config.ConnectionString, config.MaxConns)
	case SQLiteStore:
		return store.OpenSQLite(config.SQLitePath)
	case MemoryStore:
		return store.NewMemoryStore(), nil
	default:
		return nil, &UnsupportedStoreTypeError{Type: string(config.Type)}
	}
}

// UnsupportedStoreTypeError is returned when an unsupported store type is requested
type UnsupportedStoreTypeError struct {
	Type string
}

func (e *UnsupportedStoreTypeError) Error() string {
	return "unsupported store type: " + e.Type
}
