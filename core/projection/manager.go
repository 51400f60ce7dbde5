package projection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codewandler/cqrs-go/core/es"
	"github.com/codewandler/cqrs-go/ports/readmodel"
)

type registration struct {
	p         Projection
	readModel readmodel.Store
	types     map[string]struct{}
}

func (r *registration) wants(eventType string) bool {
	if len(r.types) == 0 {
		return true
	}
	_, ok := r.types[eventType]
	return ok
}

// Manager drives registered projections against the event store. Each runs
// independently: a slow or failing projection never blocks the others, and
// each keeps its own checkpoint.
type Manager struct {
	log           *slog.Logger
	store         es.EventStore
	decoder       es.Decoder
	checkpoints   CheckpointStore
	deadLetters   DeadLetterStore
	metrics       Metrics
	pollInterval  time.Duration
	batchSize     int
	applyAttempts int
	applyBackoff  time.Duration

	mu            sync.Mutex
	registrations map[string]*registration
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	started       bool
}

type ManagerOption func(*Manager)

func WithLog(log *slog.Logger) ManagerOption {
	return func(m *Manager) { m.log = log }
}

func WithCheckpoints(store CheckpointStore) ManagerOption {
	return func(m *Manager) { m.checkpoints = store }
}

func WithDeadLetters(store DeadLetterStore) ManagerOption {
	return func(m *Manager) { m.deadLetters = store }
}

func WithManagerMetrics(metrics Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// WithPollInterval sets the fallback poll cadence used when the store's
// subscription misses a wake-up (default 500ms).
func WithPollInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

func WithBatchSize(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.batchSize = n
		}
	}
}

// WithApplyAttempts bounds apply retries per event before the event is dead
// lettered (default 3).
func WithApplyAttempts(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.applyAttempts = n
		}
	}
}

func WithApplyBackoff(d time.Duration) ManagerOption {
	return func(m *Manager) { m.applyBackoff = d }
}

func NewManager(store es.EventStore, decoder es.Decoder, opts ...ManagerOption) *Manager {
	m := &Manager{
		log:           slog.Default(),
		store:         store,
		decoder:       decoder,
		checkpoints:   NewMemCheckpointStore(),
		deadLetters:   NewMemDeadLetterStore(),
		metrics:       NopMetrics(),
		pollInterval:  500 * time.Millisecond,
		batchSize:     256,
		applyAttempts: 3,
		applyBackoff:  25 * time.Millisecond,
		registrations: map[string]*registration{},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With(slog.String("component", "projections"))
	return m
}

func (m *Manager) Checkpoints() CheckpointStore { return m.checkpoints }
func (m *Manager) DeadLetters() DeadLetterStore { return m.deadLetters }

type RegisterOption func(*registration)

// WithReadModel associates the projection's output store; it is truncated
// when the projection is rebuilt. Projections sharing one store are rebuilt
// together.
func WithReadModel(store readmodel.Store) RegisterOption {
	return func(r *registration) { r.readModel = store }
}

// Register adds a projection. Must be called before Start.
func (m *Manager) Register(p Projection, opts ...RegisterOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.New("manager already started")
	}
	if _, exists := m.registrations[p.Name()]; exists {
		return fmt.Errorf("projection %q already registered", p.Name())
	}
	reg := &registration{p: p, types: map[string]struct{}{}}
	for _, t := range p.EventTypes() {
		reg.types[t] = struct{}{}
	}
	for _, opt := range opts {
		opt(reg)
	}
	m.registrations[p.Name()] = reg
	m.log.Debug("projection registered", slog.String("projection", p.Name()))
	return nil
}

// Start launches one worker per registered projection and returns.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.New("manager already started")
	}
	m.started = true

	ctx, m.cancel = context.WithCancel(ctx)
	for _, reg := range m.registrations {
		m.wg.Add(1)
		go func(reg *registration) {
			defer m.wg.Done()
			m.run(ctx, reg)
		}(reg)
	}
	return nil
}

// Stop cancels all workers and waits for them to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

func (m *Manager) run(ctx context.Context, reg *registration) {
	log := m.log.With(slog.String("projection", reg.p.Name()))

	sub, err := m.store.Subscribe(ctx, es.WithDeliverPolicy(es.DeliverNewPolicy))
	if err != nil {
		log.Error("subscribe failed", "error", err)
		return
	}
	defer sub.Cancel()

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		if err := m.drain(ctx, reg); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("drain failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case _, ok := <-sub.Chan():
			if !ok {
				return
			}
			// collapse a burst of wake-ups into one drain
			for len(sub.Chan()) > 0 {
				<-sub.Chan()
			}
		}
	}
}

// drain applies everything between the projection's checkpoint and the end
// of the log. The subscription is only a wake-up; authoritative order comes
// from LoadAll.
func (m *Manager) drain(ctx context.Context, reg *registration) error {
	name := reg.p.Name()
	cp, err := m.checkpoints.Get(ctx, name)
	if err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		envs, err := m.store.LoadAll(ctx, cp+1, m.batchSize)
		if err != nil {
			return err
		}
		if len(envs) == 0 {
			return nil
		}

		for _, env := range envs {
			if reg.wants(env.Type) {
				if err := m.applyOne(ctx, reg, env); err != nil {
					return err
				}
			}
			if err := m.checkpoints.Advance(ctx, name, cp, env.Seq); err != nil {
				if errors.Is(err, ErrCheckpointConflict) {
					// another worker (or a rebuild) moved the checkpoint;
					// back off and let the next drain re-read it
					return nil
				}
				return err
			}
			cp = env.Seq
		}
	}
}

// applyOne applies env with bounded retries. An event that cannot be decoded
// or applied is dead lettered and skipped; an error is returned only when
// even recording the dead letter failed, in which case the checkpoint does
// not advance and the event is retried on the next drain.
func (m *Manager) applyOne(ctx context.Context, reg *registration, env es.Envelope) error {
	name := reg.p.Name()

	event, err := m.decoder.Decode(env)
	if err != nil {
		return m.deadLetter(ctx, reg, env, fmt.Sprintf("decode: %v", err), 1)
	}

	var lastErr error
	for attempt := 1; attempt <= m.applyAttempts; attempt++ {
		t := m.metrics.ApplyDuration(name)
		lastErr = reg.p.Apply(ctx, env, event)
		t.ObserveDuration()
		if lastErr == nil {
			m.metrics.Applied(name)
			return nil
		}
		m.metrics.ApplyFailure(name)

		if attempt < m.applyAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.applyBackoff):
			}
		}
	}
	return m.deadLetter(ctx, reg, env, lastErr.Error(), m.applyAttempts)
}

func (m *Manager) deadLetter(ctx context.Context, reg *registration, env es.Envelope, reason string, attempts int) error {
	name := reg.p.Name()
	err := m.deadLetters.Add(ctx, DeadLetter{
		Projection: name,
		Envelope:   env,
		Reason:     reason,
		Attempts:   attempts,
		FailedAt:   time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to dead letter event %s: %w", env.ID, err)
	}
	m.metrics.DeadLettered(name)
	m.log.Warn(
		"event dead lettered",
		slog.String("projection", name),
		slog.String("event_id", env.ID),
		slog.String("event_type", env.Type),
		slog.Uint64("seq", env.Seq),
		slog.String("reason", reason),
	)
	return nil
}

// CatchUp synchronously applies all pending events for every registered
// projection. Intended for tests and batch tooling; the workers started by
// Start do the same continuously.
func (m *Manager) CatchUp(ctx context.Context) error {
	m.mu.Lock()
	regs := make([]*registration, 0, len(m.registrations))
	for _, reg := range m.registrations {
		regs = append(regs, reg)
	}
	m.mu.Unlock()

	for _, reg := range regs {
		if err := m.drain(ctx, reg); err != nil {
			return fmt.Errorf("projection %s: %w", reg.p.Name(), err)
		}
	}
	return nil
}

// Rebuild truncates the projection's read model, resets its checkpoint and
// replays the full log through the projection. The result is equivalent to
// having run the projection against the log from the start.
func (m *Manager) Rebuild(ctx context.Context, name string) error {
	m.mu.Lock()
	reg, ok := m.registrations[name]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown projection %q", name)
	}

	if reg.readModel != nil {
		if err := reg.readModel.Truncate(ctx); err != nil {
			return fmt.Errorf("truncate read model: %w", err)
		}
	}
	if err := m.checkpoints.Reset(ctx, name); err != nil {
		return err
	}
	m.metrics.Rebuilt(name)
	m.log.Info("rebuilding projection", slog.String("projection", name))
	return m.drain(ctx, reg)
}
