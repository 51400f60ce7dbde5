package kv

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	entry     Entry
	expiresAt time.Time
}

// MemStore is an in-process Store for tests and single-node setups.
type MemStore struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	rev     uint64
}

func NewMemStore() *MemStore {
	return &MemStore{entries: map[string]*memEntry{}}
}

func (m *MemStore) Put(_ context.Context, key string, entry Entry, opts PutOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rev++
	entry.Revision = m.rev

	var expiresAt time.Time
	if opts.TTL > 0 {
		expiresAt = time.Now().Add(opts.TTL)
	}
	m.entries[key] = &memEntry{entry: entry, expiresAt: expiresAt}
	return nil
}

func (m *MemStore) Get(_ context.Context, key string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return Entry{}, ErrNotFound
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(m.entries, key)
		return Entry{}, ErrNotFound
	}
	return e.entry, nil
}

func (m *MemStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

var _ Store = (*MemStore)(nil)
