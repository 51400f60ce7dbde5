package readmodel

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemStore is an in-process Store for tests and single-node setups.
type MemStore struct {
	mu      sync.RWMutex
	records map[string]map[string]Record
}

func NewMemStore() *MemStore {
	return &MemStore{records: map[string]map[string]Record{}}
}

func (m *MemStore) Upsert(_ context.Context, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now()
	}
	tenant, ok := m.records[record.Tenant]
	if !ok {
		tenant = map[string]Record{}
		m.records[record.Tenant] = tenant
	}
	tenant[record.Key] = record
	return nil
}

func (m *MemStore) Get(_ context.Context, tenant, key string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.records[tenant][key]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func (m *MemStore) Delete(_ context.Context, tenant, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records[tenant], key)
	return nil
}

func (m *MemStore) List(_ context.Context, filter Filter) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Record
	for _, r := range m.records[filter.Tenant] {
		if filter.KeyPrefix != "" && !strings.HasPrefix(r.Key, filter.KeyPrefix) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemStore) Truncate(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = map[string]map[string]Record{}
	return nil
}

var _ Store = (*MemStore)(nil)
