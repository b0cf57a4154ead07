package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const defaultSQLiteSnapshotName = "sessions"

// SQLiteBlob stores the snapshot as a row in a SQLite database. The upsert
// runs in a single statement so readers see the old or the new row.
type SQLiteBlob struct {
	db   *sql.DB
	path string
	name string
}

// NewSQLiteBlob opens (or creates) the database at path. name selects the
// row and defaults to "sessions".
func NewSQLiteBlob(path, name string) (*SQLiteBlob, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if name == "" {
		name = defaultSQLiteSnapshotName
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS snapshots (
		name TEXT PRIMARY KEY,
		data BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteBlob{db: db, path: path, name: name}, nil
}

func (b *SQLiteBlob) Read(ctx context.Context) ([]byte, error) {
	var data []byte
	err := b.db.QueryRowContext(ctx, "SELECT data FROM snapshots WHERE name = ?", b.name).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read snapshot row: %w", err)
	}
	return data, nil
}

func (b *SQLiteBlob) Write(ctx context.Context, data []byte) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO snapshots (name, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		b.name, data, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to write snapshot row: %w", err)
	}
	return nil
}

func (b *SQLiteBlob) Name() string {
	return "sqlite:" + b.path + "#" + b.name
}

func (b *SQLiteBlob) Close() error {
	return b.db.Close()
}
