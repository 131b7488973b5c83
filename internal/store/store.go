package store

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"courier/internal/database"
	"courier/internal/secrets"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when an insert collides with an existing row's
// unique key.
var ErrConflict = errors.New("already exists")

// Store provides row-level persistence for plugin configs, channel users,
// pairing requests, and sessions. Credential encryption is applied here,
// transparently to all callers.
type Store struct {
	db     *sql.DB
	cipher *secrets.Cipher
}

// NewStore opens (or creates) the gateway database at dbPath and applies
// pending migrations.
func NewStore(dbPath string, cipher *secrets.Cipher) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := database.ConfigureDatabase(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	return &Store{db: db, cipher: cipher}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for shared use
func (s *Store) DB() *sql.DB {
	return s.db
}
