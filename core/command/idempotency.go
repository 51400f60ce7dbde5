package command

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/codewandler/cqrs-go/ports/kv"
)

var ErrNotRecorded = errors.New("command result not recorded")

// IdempotencyStore records the result of every successfully executed command
// keyed by tenant and command id. A result is recorded only after its events
// are durably appended; a crash between append and record means the retry
// conflicts on the stream version instead of double-appending.
type IdempotencyStore interface {
	Get(ctx context.Context, tenant, commandID string) (*Result, error)
	Put(ctx context.Context, tenant, commandID string, result *Result) error
}

// === In-memory store ===

type MemIdempotencyStore struct {
	mu      sync.Mutex
	results map[string]*Result
}

func NewMemIdempotencyStore() *MemIdempotencyStore {
	return &MemIdempotencyStore{results: map[string]*Result{}}
}

func (m *MemIdempotencyStore) Get(_ context.Context, tenant, commandID string) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[tenant+"/"+commandID]
	if !ok {
		return nil, ErrNotRecorded
	}
	return r, nil
}

func (m *MemIdempotencyStore) Put(_ context.Context, tenant, commandID string, result *Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[tenant+"/"+commandID] = result
	return nil
}

var _ IdempotencyStore = (*MemIdempotencyStore)(nil)

// === KV-backed store ===

// KvIdempotencyStore persists results in any kv.Store backend, expiring them
// after ttl (0 keeps them forever).
type KvIdempotencyStore struct {
	kv  kv.Store
	ttl time.Duration
}

func NewKvIdempotencyStore(store kv.Store, ttl time.Duration) *KvIdempotencyStore {
	return &KvIdempotencyStore{kv: store, ttl: ttl}
}

func (k *KvIdempotencyStore) key(tenant, commandID string) string {
	return "command/" + tenant + "/" + commandID
}

func (k *KvIdempotencyStore) Get(ctx context.Context, tenant, commandID string) (*Result, error) {
	r, err := kv.Get[Result](ctx, k.kv, k.key(tenant, commandID))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrNotRecorded
		}
		return nil, err
	}
	return &r, nil
}

func (k *KvIdempotencyStore) Put(ctx context.Context, tenant, commandID string, result *Result) error {
	return kv.Put(ctx, k.kv, k.key(tenant, commandID), result, kv.PutOptions{TTL: k.ttl})
}

var _ IdempotencyStore = (*KvIdempotencyStore)(nil)
