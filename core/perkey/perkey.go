// Package perkey provides a scheduler that serializes work per key while
// work for different keys runs concurrently.
//
// The command dispatcher uses it to serialize commands targeting the same
// stream within one process; commands for different streams never wait on
// each other. Correctness does not depend on it - the optimistic append
// contract still guards the store - it only cuts conflict-retry churn.
package perkey

import (
	"context"
	"errors"
	"sync"

	"github.com/codewandler/cqrs-go/internal/shard"
)

var ErrSchedulerClosed = errors.New("scheduler closed")

type Option func(*config)

type config struct {
	bufferSize int
}

// WithBufferSize sets the task buffer size per worker (default 64).
func WithBufferSize(size int) Option {
	return func(c *config) {
		if size > 0 {
			c.bufferSize = size
		}
	}
}

// Scheduler runs tasks such that for any given key, tasks execute
// sequentially in submission order. Tasks for different keys proceed in
// parallel.
type Scheduler[K comparable] struct {
	mu         sync.Mutex
	workers    map[K]*worker
	closed     bool
	wg         sync.WaitGroup
	bufferSize int
}

type worker struct {
	tasks chan *task
}

type task struct {
	fn   func() error
	done chan error
}

func New[K comparable](opts ...Option) *Scheduler[K] {
	cfg := &config{bufferSize: 64}
	for _, opt := range opts {
		opt(cfg)
	}
	return &Scheduler[K]{
		workers:    make(map[K]*worker),
		bufferSize: cfg.bufferSize,
	}
}

// Do schedules fn for key and blocks until it finishes, returning its error.
func (s *Scheduler[K]) Do(key K, fn func() error) error {
	return s.DoContext(context.Background(), key, fn)
}

// DoContext is like Do but respects cancellation while waiting. A task that
// was already enqueued still executes even if the caller stops waiting.
func (s *Scheduler[K]) DoContext(ctx context.Context, key K, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSchedulerClosed
	}
	s.wg.Add(1)
	w := s.getOrCreateWorkerLocked(key)
	s.mu.Unlock()

	t := &task{fn: fn, done: make(chan error, 1)}

	select {
	case w.tasks <- t:
	case <-ctx.Done():
		s.wg.Done()
		return ctx.Err()
	}

	select {
	case err := <-t.done:
		s.wg.Done()
		return err
	case <-ctx.Done():
		s.wg.Done()
		return ctx.Err()
	}
}

// Close stops accepting new tasks and shuts down all workers. Tasks already
// queued still run.
func (s *Scheduler[K]) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	// wait for in-flight Do calls to finish enqueueing before closing
	s.wg.Wait()

	s.mu.Lock()
	for _, w := range s.workers {
		close(w.tasks)
	}
	s.workers = nil
	s.mu.Unlock()
}

func (s *Scheduler[K]) getOrCreateWorkerLocked(key K) *worker {
	w, ok := s.workers[key]
	if ok {
		return w
	}
	w = &worker{tasks: make(chan *task, s.bufferSize)}
	s.workers[key] = w
	go runWorker(w)
	return w
}

func runWorker(w *worker) {
	for t := range w.tasks {
		t.done <- t.fn()
	}
}

// Sharded serializes string keys onto a bounded pool of workers. Keys in the
// same shard serialize against each other, so it trades some parallelism for
// a fixed upper bound on goroutines.
type Sharded struct {
	sched   *Scheduler[int]
	sharder shard.Sharder
}

// NewSharded creates a sharded scheduler with shards workers at most.
func NewSharded(shards int, opts ...Option) *Sharded {
	return &Sharded{
		sched:   New[int](opts...),
		sharder: shard.Distributed(shards),
	}
}

func (s *Sharded) Do(key string, fn func() error) error {
	return s.sched.Do(s.sharder.GetShardForKey(key), fn)
}

func (s *Sharded) DoContext(ctx context.Context, key string, fn func() error) error {
	return s.sched.DoContext(ctx, s.sharder.GetShardForKey(key), fn)
}

func (s *Sharded) Close() {
	s.sched.Close()
}
