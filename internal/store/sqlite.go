package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// SQLiteSlot keeps slots in a single-table sqlite database.
type SQLiteSlot struct {
	db *sql.DB
}

var _ Slot = &SQLiteSlot{}

// OpenSQLiteSlot opens (and creates) the database at path.
func OpenSQLiteSlot(path string) (*SQLiteSlot, error) {
	if path == "" {
		return nil, errors.New("sqlite slot: empty path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, errors.Wrap(err, "sqlite slot: create directory")
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// One connection keeps ":memory:" databases alive and serializes writers.
	db.SetMaxOpenConns(1)

	s := &SQLiteSlot{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSlot) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS slots (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			updated_at_ms INTEGER NOT NULL
		)
	`)
	if err != nil {
		return errors.Wrap(err, "sqlite slot: migrate")
	}
	return nil
}

// Get implements Slot.
func (s *SQLiteSlot) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM slots WHERE key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSlotEmpty
	}
	if err != nil {
		return nil, errors.Wrap(err, "sqlite slot: get")
	}
	return data, nil
}

// Put implements Slot.
func (s *SQLiteSlot) Put(ctx context.Context, key string, data []byte) error {
	if key == "" {
		return ErrInvalidKey
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO slots (key, value, updated_at_ms) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at_ms = excluded.updated_at_ms
	`, key, data, time.Now().UnixMilli())
	if err != nil {
		return errors.Wrap(err, "sqlite slot: put")
	}
	return nil
}

// Delete implements Slot.
func (s *SQLiteSlot) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM slots WHERE key = ?`, key); err != nil {
		return errors.Wrap(err, "sqlite slot: delete")
	}
	return nil
}

// Close closes the database.
func (s *SQLiteSlot) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
