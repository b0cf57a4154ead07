package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseBlob(t *testing.T, b Blob) {
	ctx := context.Background()

	_, err := b.Read(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, b.Write(ctx, []byte(`{"v":1}`)))
	data, err := b.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"v":1}`, string(data))

	require.NoError(t, b.Write(ctx, []byte(`{"v":2}`)))
	data, err = b.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"v":2}`, string(data))
}

func TestFileBlob(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "sessions.json")
	b, err := NewFileBlob(path)
	require.NoError(t, err)
	defer b.Close()

	exerciseBlob(t, b)
	assert.Equal(t, "file:"+path, b.Name())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestFileBlob_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFileBlob(filepath.Join(dir, "sessions.json"))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Write(context.Background(), []byte("x")))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFileBlob_RequiresPath(t *testing.T) {
	_, err := NewFileBlob("")
	assert.Error(t, err)
}

func TestSQLiteBlob(t *testing.T) {
	b, err := NewSQLiteBlob(filepath.Join(t.TempDir(), "snap.db"), "")
	require.NoError(t, err)
	defer b.Close()

	exerciseBlob(t, b)
	assert.Contains(t, b.Name(), "#sessions")
}

func TestSQLiteBlob_SeparateNames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap.db")
	a, err := NewSQLiteBlob(path, "a")
	require.NoError(t, err)
	defer a.Close()
	b, err := NewSQLiteBlob(path, "b")
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Write(context.Background(), []byte("first")))
	_, err = b.Read(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryBlob(t *testing.T) {
	b := NewMemoryBlob()
	exerciseBlob(t, b)
	assert.Equal(t, 2, b.Writes())
}

func TestRedisBlob_DefaultKey(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	b := NewRedisBlob(client, "")
	assert.Equal(t, "redis:"+defaultRedisKey, b.Name())
}

func TestNewRedisBlobFromURL_Invalid(t *testing.T) {
	_, err := NewRedisBlobFromURL(context.Background(), "not-a-url://", "")
	assert.Error(t, err)

	_, err = NewRedisBlobFromURL(context.Background(), "", "")
	assert.Error(t, err)
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()

	b, err := Open(context.Background(), Config{Kind: "file", Path: filepath.Join(dir, "s.json")})
	require.NoError(t, err)
	assert.IsType(t, &FileBlob{}, b)

	b, err = Open(context.Background(), Config{Kind: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryBlob{}, b)

	b, err = Open(context.Background(), Config{Kind: "sqlite", SQLitePath: filepath.Join(dir, "s.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteBlob{}, b)
	require.NoError(t, b.Close())

	_, err = Open(context.Background(), Config{Kind: "etcd"})
	assert.Error(t, err)
}
