package projection

import (
	"context"
	"sync"
	"time"

	"github.com/codewandler/cqrs-go/core/es"
)

// DeadLetter records an event a projection could not apply after exhausting
// its retries. The projection advances past the event; operators inspect the
// dead letters and re-drive them after fixing the cause.
type DeadLetter struct {
	Projection string      `json:"projection"`
	Envelope   es.Envelope `json:"envelope"`
	Reason     string      `json:"reason"`
	Attempts   int         `json:"attempts"`
	FailedAt   time.Time   `json:"failed_at"`
}

type DeadLetterStore interface {
	Add(ctx context.Context, d DeadLetter) error
	List(ctx context.Context, projection string) ([]DeadLetter, error)
}

type MemDeadLetterStore struct {
	mu      sync.Mutex
	letters []DeadLetter
}

func NewMemDeadLetterStore() *MemDeadLetterStore {
	return &MemDeadLetterStore{}
}

func (m *MemDeadLetterStore) Add(_ context.Context, d DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.letters = append(m.letters, d)
	return nil
}

func (m *MemDeadLetterStore) List(_ context.Context, projection string) ([]DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []DeadLetter
	for _, d := range m.letters {
		if projection == "" || d.Projection == projection {
			out = append(out, d)
		}
	}
	return out, nil
}

var _ DeadLetterStore = (*MemDeadLetterStore)(nil)
