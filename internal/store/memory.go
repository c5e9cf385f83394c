package store

import (
	"context"
	"sync"
)

// MemoryStore is a process-lifetime TokenStore, used for ephemeral sessions and tests.
type MemoryStore struct {
	mu    sync.Mutex
	token *string
}

// NewMemory returns an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{}
}

// LoadToken returns the held token or ErrNotFound.
func (m *MemoryStore) LoadToken(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == nil {
		return "", ErrNotFound
	}
	return *m.token, nil
}

// SaveToken replaces the held token.
func (m *MemoryStore) SaveToken(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = &token
	return nil
}

// DeleteToken forgets the held token.
func (m *MemoryStore) DeleteToken(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = nil
	return nil
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }
func (m *MemoryStore) Close() error                 { return nil }

var (
	_ TokenStore = (*MemoryStore)(nil)
	_ TokenStore = (*SQLiteStore)(nil)
)
