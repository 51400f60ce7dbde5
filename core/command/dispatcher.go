package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codewandler/cqrs-go/core/es"
	"github.com/codewandler/cqrs-go/core/perkey"
)

type (
	// HandlerFunc executes one command against its aggregate. It returns
	// a *ConflictError (via es.ErrConcurrencyConflict) when another writer
	// interleaved; the dispatcher retries those.
	HandlerFunc func(ctx context.Context, cmd Command) (*Result, error)

	Middleware func(next HandlerFunc) HandlerFunc
)

// Dispatcher routes commands to registered handlers. Commands targeting the
// same stream are serialized in-process; conflicts that still occur (other
// processes, direct repository writers) and transient infrastructure errors
// are retried with backoff up to a bounded attempt count. Rejections return
// immediately.
type Dispatcher struct {
	log         *slog.Logger
	idem        IdempotencyStore
	sched       *perkey.Sharded
	authorize   Authorizer
	middleware  []Middleware
	metrics     Metrics
	maxAttempts int
	backoff     time.Duration

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// defaultShards bounds the scheduler worker pool. Streams hashing to the
// same shard serialize against each other, which is harmless.
const defaultShards = 256

type DispatcherOption func(*Dispatcher)

func WithLog(log *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.log = log }
}

func WithIdempotencyStore(store IdempotencyStore) DispatcherOption {
	return func(d *Dispatcher) { d.idem = store }
}

func WithAuthorizer(a Authorizer) DispatcherOption {
	return func(d *Dispatcher) { d.authorize = a }
}

func WithMiddleware(mw ...Middleware) DispatcherOption {
	return func(d *Dispatcher) { d.middleware = append(d.middleware, mw...) }
}

func WithDispatcherMetrics(m Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithMaxAttempts bounds conflict retries per dispatch (default 5).
func WithMaxAttempts(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

func WithBackoff(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) { disp.backoff = d }
}

func NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		log:         slog.Default(),
		idem:        NewMemIdempotencyStore(),
		sched:       perkey.NewSharded(defaultShards),
		metrics:     NopMetrics(),
		maxAttempts: 5,
		backoff:     25 * time.Millisecond,
		handlers:    map[string]HandlerFunc{},
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.With(slog.String("component", "dispatcher"))
	return d
}

// Register wires a handler for the given command type. Registering the same
// type twice is a programming error.
func (d *Dispatcher) Register(cmdType string, h HandlerFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.handlers[cmdType]; exists {
		return fmt.Errorf("handler for %q already registered", cmdType)
	}
	d.handlers[cmdType] = h
	d.log.Debug("handler registered", slog.String("command", cmdType))
	return nil
}

func (d *Dispatcher) handler(cmdType string) (HandlerFunc, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[cmdType]
	return h, ok
}

// Close shuts down the per-stream scheduler. In-flight dispatches finish.
func (d *Dispatcher) Close() {
	d.sched.Close()
}

// Dispatch validates, authorizes and executes cmd. A command id seen before
// (same tenant) returns the recorded result with Replayed set instead of
// executing again.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) (*Result, error) {
	if cmd.CommandID() == "" {
		return nil, &RejectionError{Reason: "command id is empty"}
	}
	stream := cmd.Stream()
	if err := stream.Validate(); err != nil {
		return nil, &RejectionError{Reason: err.Error()}
	}
	if v, ok := cmd.(Validating); ok {
		if err := v.Validate(); err != nil {
			return nil, &RejectionError{Reason: err.Error()}
		}
	}
	if d.authorize != nil {
		if err := d.authorize(ctx, cmd); err != nil {
			return nil, err
		}
	}

	cmdType := CommandTypeOf(cmd)
	defer d.metrics.DispatchDuration(cmdType).ObserveDuration()
	log := d.log.With(
		slog.String("command", cmdType),
		slog.String("command_id", cmd.CommandID()),
		stream.SlogAttr(),
	)

	h, ok := d.handler(cmdType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, cmdType)
	}
	for i := len(d.middleware) - 1; i >= 0; i-- {
		h = d.middleware[i](h)
	}

	var result *Result
	err := d.sched.DoContext(ctx, stream.Key(), func() error {
		// lookup runs inside the serialized task so a concurrent duplicate
		// waits for the winner and then observes its recorded result
		if res, err := d.idem.Get(ctx, stream.Tenant, cmd.CommandID()); err == nil {
			replay := *res
			replay.Replayed = true
			result = &replay
			return nil
		} else if !errors.Is(err, ErrNotRecorded) {
			return fmt.Errorf("idempotency lookup failed: %w", err)
		}

		res, err := d.execute(ctx, cmdType, h, cmd)
		if err != nil {
			return err
		}
		if err := d.idem.Put(ctx, stream.Tenant, cmd.CommandID(), res); err != nil {
			// the events are already appended; a retry of this command will
			// conflict on the stream version rather than double-append
			log.Warn("failed to record command result", "error", err)
		}
		result = res
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrRejected):
			d.metrics.Dispatched(cmdType, "rejected")
		case errors.Is(err, es.ErrConcurrencyConflict):
			d.metrics.Dispatched(cmdType, "conflict")
		default:
			d.metrics.Dispatched(cmdType, "error")
		}
		return nil, err
	}

	if result.Replayed {
		d.metrics.Dispatched(cmdType, "replayed")
		log.Debug("replayed recorded result", result.Version.SlogAttr())
		return result, nil
	}
	d.metrics.Dispatched(cmdType, "ok")
	log.Debug("dispatched", result.Version.SlogAttr(), slog.Int("num_events", len(result.Events)))
	return result, nil
}

func (d *Dispatcher) execute(ctx context.Context, cmdType string, h HandlerFunc, cmd Command) (*Result, error) {
	var lastErr error
	for attempt := 0; attempt < d.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res, err := h(ctx, cmd)
		if err == nil {
			return res, nil
		}
		if !retryable(err) {
			return nil, err
		}
		lastErr = err
		if errors.Is(err, es.ErrConcurrencyConflict) {
			d.metrics.ConflictRetry(cmdType)
		} else {
			d.log.Debug("dispatch attempt failed",
				slog.String("command", cmdType),
				slog.Int("attempt", attempt+1),
				"error", err,
			)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d.backoff):
		}
	}
	return nil, fmt.Errorf("dispatch failed after %d attempts: %w", d.maxAttempts, lastErr)
}

// retryable reports whether another attempt may help. Conflicts and
// infrastructure failures are retried; rejections are deterministic and
// cancellations final. A save that landed before its error surfaced shows
// up as a conflict on the next attempt, so the loop cannot double-append.
func retryable(err error) bool {
	switch {
	case errors.Is(err, ErrRejected),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}
