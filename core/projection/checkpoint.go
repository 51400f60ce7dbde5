package projection

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrCheckpointConflict means the stored checkpoint was not at the expected
// position: another worker advanced it concurrently.
var ErrCheckpointConflict = errors.New("checkpoint conflict")

// CheckpointStore persists how far each projection has processed the global
// log. A checkpoint of n means every event with Seq <= n has been applied
// (or deliberately skipped); 0 means nothing yet.
type CheckpointStore interface {
	Get(ctx context.Context, name string) (uint64, error)
	// Advance moves the checkpoint from from to to, compare-and-swap
	// style. ErrCheckpointConflict when the stored value is not from.
	Advance(ctx context.Context, name string, from, to uint64) error
	Reset(ctx context.Context, name string) error
}

type MemCheckpointStore struct {
	mu  sync.Mutex
	cps map[string]uint64
}

func NewMemCheckpointStore() *MemCheckpointStore {
	return &MemCheckpointStore{cps: map[string]uint64{}}
}

func (m *MemCheckpointStore) Get(_ context.Context, name string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cps[name], nil
}

func (m *MemCheckpointStore) Advance(_ context.Context, name string, from, to uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.cps[name]
	if cur != from {
		return fmt.Errorf("%w: %s at %d, expected %d", ErrCheckpointConflict, name, cur, from)
	}
	m.cps[name] = to
	return nil
}

func (m *MemCheckpointStore) Reset(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cps, name)
	return nil
}

var _ CheckpointStore = (*MemCheckpointStore)(nil)
