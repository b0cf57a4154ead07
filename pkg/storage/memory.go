package storage

import (
	"context"
	"sync"
)

// MemoryBlob keeps the snapshot in process memory. Useful for tests and for
// running without durability.
type MemoryBlob struct {
	mu     sync.RWMutex
	data   []byte
	writes int
}

func NewMemoryBlob() *MemoryBlob {
	return &MemoryBlob{}
}

func (b *MemoryBlob) Read(_ context.Context) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.data == nil {
		return nil, ErrNotFound
	}
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out, nil
}

func (b *MemoryBlob) Write(_ context.Context, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = make([]byte, len(data))
	copy(b.data, data)
	b.writes++
	return nil
}

// Writes returns how many times Write succeeded.
func (b *MemoryBlob) Writes() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.writes
}

func (b *MemoryBlob) Name() string {
	return "memory"
}

func (b *MemoryBlob) Close() error {
	return nil
}
