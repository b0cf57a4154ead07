// Package storage holds the durable targets a session snapshot is written to.
//
// Every backend stores a single opaque blob and replaces it wholesale on
// Write. A reader never observes a partially written blob.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by Read when nothing has been written yet.
var ErrNotFound = errors.New("snapshot not found")

// Blob is a byte-oriented snapshot target.
type Blob interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	// Name describes the target for logs and stats.
	Name() string
	Close() error
}

// Backend kinds accepted by Open.
const (
	KindFile   = "file"
	KindSQLite = "sqlite"
	KindRedis  = "redis"
	KindMemory = "memory"
)

// Kinds lists the accepted backend kinds.
var Kinds = []string{KindFile, KindSQLite, KindRedis, KindMemory}

// Config selects and configures a backend.
type Config struct {
	Kind       string // file, sqlite, redis, memory
	Path       string
	SQLitePath string
	RedisURL   string
	RedisKey   string
}

// Open constructs the backend named by cfg.Kind.
func Open(ctx context.Context, cfg Config) (Blob, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "", KindFile:
		return NewFileBlob(cfg.Path)
	case KindSQLite:
		return NewSQLiteBlob(cfg.SQLitePath, "")
	case KindRedis:
		return NewRedisBlobFromURL(ctx, cfg.RedisURL, cfg.RedisKey)
	case KindMemory:
		return NewMemoryBlob(), nil
	default:
		return nil, fmt.Errorf("unsupported store kind: %s", cfg.Kind)
	}
}
