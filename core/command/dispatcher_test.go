package command_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/cqrs-go/core/command"
	"github.com/codewandler/cqrs-go/core/es"
)

type counterIncremented struct {
	Amount int `json:"amount"`
}

type counter struct {
	es.BaseAggregate
	Value int `json:"value"`
}

func (c *counter) GetAggType() string { return "counter" }

func (c *counter) Register(r es.Registrar) {
	es.RegisterEventFor[counterIncremented](r)
}

func (c *counter) Apply(event any) error {
	switch e := event.(type) {
	case *counterIncremented:
		c.Value += e.Amount
	default:
		return fmt.Errorf("unexpected event %T", event)
	}
	return nil
}

func (c *counter) Increment(amount int) error {
	if amount < 0 {
		return command.Reject("amount must not be negative")
	}
	if amount == 0 {
		return nil
	}
	return es.RaiseAndApply(c, &counterIncremented{Amount: amount})
}

type incrementCmd struct {
	ID      string
	Tenant  string
	Counter string
	Amount  int
}

func (c incrementCmd) CommandID() string { return c.ID }

func (c incrementCmd) Stream() es.StreamID {
	return es.StreamID{Tenant: c.Tenant, AggregateType: "counter", AggregateID: c.Counter}
}

func newCounterDispatcher(t *testing.T, opts ...command.DispatcherOption) (*command.Dispatcher, es.TypedRepository[*counter]) {
	t.Helper()
	env := es.StartTestEnv(t, es.WithAggregates(&counter{}))
	repo := es.NewTypedRepositoryFrom[*counter](slog.Default(), env.Repository())

	d := command.NewDispatcher(opts...)
	t.Cleanup(d.Close)
	require.NoError(t, command.RegisterHandler(d, repo,
		func(_ context.Context, c *counter, cmd incrementCmd) error {
			return c.Increment(cmd.Amount)
		},
	))
	return d, repo
}

func TestDispatcher_handlesCommand(t *testing.T) {
	ctx := context.Background()
	d, repo := newCounterDispatcher(t)

	res, err := d.Dispatch(ctx, incrementCmd{ID: "cmd-1", Tenant: "t1", Counter: "c1", Amount: 5})
	require.NoError(t, err)
	require.Equal(t, es.Version(1), res.Version)
	require.Len(t, res.Events, 1)
	assert.False(t, res.Replayed)

	c, err := repo.GetByID(ctx, "t1", "c1")
	require.NoError(t, err)
	assert.Equal(t, 5, c.Value)
}

func TestDispatcher_replaysDuplicateCommandID(t *testing.T) {
	ctx := context.Background()
	d, repo := newCounterDispatcher(t)

	cmd := incrementCmd{ID: "cmd-1", Tenant: "t1", Counter: "c1", Amount: 5}

	first, err := d.Dispatch(ctx, cmd)
	require.NoError(t, err)

	second, err := d.Dispatch(ctx, cmd)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Version, second.Version)

	c, err := repo.GetByID(ctx, "t1", "c1")
	require.NoError(t, err)
	assert.Equal(t, 5, c.Value, "replay must not append again")
	assert.Equal(t, es.Version(1), c.GetVersion())
}

func TestDispatcher_commandIDScopedPerTenant(t *testing.T) {
	ctx := context.Background()
	d, _ := newCounterDispatcher(t)

	_, err := d.Dispatch(ctx, incrementCmd{ID: "cmd-1", Tenant: "t1", Counter: "c1", Amount: 1})
	require.NoError(t, err)

	res, err := d.Dispatch(ctx, incrementCmd{ID: "cmd-1", Tenant: "t2", Counter: "c1", Amount: 1})
	require.NoError(t, err)
	assert.False(t, res.Replayed, "same command id under another tenant is a distinct command")
}

func TestDispatcher_rejectsInvalidCommand(t *testing.T) {
	ctx := context.Background()
	d, _ := newCounterDispatcher(t)

	_, err := d.Dispatch(ctx, incrementCmd{ID: "cmd-1", Tenant: "t1", Counter: "c1", Amount: -1})
	require.ErrorIs(t, err, command.ErrRejected)

	// a rejection is not recorded, the same id can be retried with a fix
	res, err := d.Dispatch(ctx, incrementCmd{ID: "cmd-1", Tenant: "t1", Counter: "c1", Amount: 1})
	require.NoError(t, err)
	assert.False(t, res.Replayed)
}

func TestDispatcher_rejectsEmptyCommandID(t *testing.T) {
	ctx := context.Background()
	d, _ := newCounterDispatcher(t)

	_, err := d.Dispatch(ctx, incrementCmd{Tenant: "t1", Counter: "c1", Amount: 1})
	require.ErrorIs(t, err, command.ErrRejected)
}

func TestDispatcher_unknownCommand(t *testing.T) {
	ctx := context.Background()
	d := command.NewDispatcher()
	t.Cleanup(d.Close)

	_, err := d.Dispatch(ctx, incrementCmd{ID: "cmd-1", Tenant: "t1", Counter: "c1", Amount: 1})
	require.ErrorIs(t, err, command.ErrUnknownCommand)
}

func TestDispatcher_noEventsStillSucceeds(t *testing.T) {
	ctx := context.Background()
	d, _ := newCounterDispatcher(t)

	res, err := d.Dispatch(ctx, incrementCmd{ID: "cmd-1", Tenant: "t1", Counter: "c1", Amount: 0})
	require.NoError(t, err)
	assert.Empty(t, res.Events)
	assert.Equal(t, es.Version(0), res.Version)
}

func TestDispatcher_authorizer(t *testing.T) {
	ctx := context.Background()
	denied := errors.New("not allowed")
	d, _ := newCounterDispatcher(t, command.WithAuthorizer(
		func(_ context.Context, cmd command.Command) error {
			if cmd.Stream().Tenant == "t2" {
				return denied
			}
			return nil
		},
	))

	_, err := d.Dispatch(ctx, incrementCmd{ID: "cmd-1", Tenant: "t1", Counter: "c1", Amount: 1})
	require.NoError(t, err)

	_, err = d.Dispatch(ctx, incrementCmd{ID: "cmd-2", Tenant: "t2", Counter: "c1", Amount: 1})
	require.ErrorIs(t, err, denied)
}

type flakyCmd struct{ id string }

func (c flakyCmd) CommandID() string { return c.id }
func (c flakyCmd) Stream() es.StreamID {
	return es.StreamID{Tenant: "t1", AggregateType: "counter", AggregateID: "c1"}
}
func (c flakyCmd) CommandType() string { return "flaky" }

func TestDispatcher_retriesOnConflict(t *testing.T) {
	ctx := context.Background()
	d := command.NewDispatcher(command.WithBackoff(0))
	t.Cleanup(d.Close)

	var mu sync.Mutex
	attempts := 0
	require.NoError(t, d.Register("flaky", func(_ context.Context, cmd command.Command) (*command.Result, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return nil, &es.ConflictError{Stream: cmd.Stream(), Expected: 0, Actual: 1}
		}
		return &command.Result{Stream: cmd.Stream(), Version: 1}, nil
	}))

	res, err := d.Dispatch(ctx, flakyCmd{id: "cmd-1"})
	require.NoError(t, err)
	assert.Equal(t, es.Version(1), res.Version)
	assert.Equal(t, 3, attempts)
}

func TestDispatcher_conflictRetriesAreBounded(t *testing.T) {
	ctx := context.Background()
	d := command.NewDispatcher(command.WithBackoff(0), command.WithMaxAttempts(2))
	t.Cleanup(d.Close)

	require.NoError(t, d.Register("flaky", func(_ context.Context, cmd command.Command) (*command.Result, error) {
		return nil, &es.ConflictError{Stream: cmd.Stream(), Expected: 0, Actual: 1}
	}))

	_, err := d.Dispatch(ctx, flakyCmd{id: "cmd-1"})
	require.ErrorIs(t, err, es.ErrConcurrencyConflict)
}

func TestDispatcher_retriesTransientErrors(t *testing.T) {
	ctx := context.Background()
	d := command.NewDispatcher(command.WithBackoff(0))
	t.Cleanup(d.Close)

	unreachable := errors.New("store unreachable: i/o timeout")
	var mu sync.Mutex
	attempts := 0
	require.NoError(t, d.Register("flaky", func(_ context.Context, cmd command.Command) (*command.Result, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			return nil, unreachable
		}
		return &command.Result{Stream: cmd.Stream(), Version: 1}, nil
	}))

	res, err := d.Dispatch(ctx, flakyCmd{id: "cmd-1"})
	require.NoError(t, err)
	assert.Equal(t, es.Version(1), res.Version)
	assert.Equal(t, 2, attempts)
}

func TestDispatcher_transientRetriesAreBounded(t *testing.T) {
	ctx := context.Background()
	d := command.NewDispatcher(command.WithBackoff(0), command.WithMaxAttempts(2))
	t.Cleanup(d.Close)

	unreachable := errors.New("store unreachable")
	attempts := 0
	require.NoError(t, d.Register("flaky", func(_ context.Context, _ command.Command) (*command.Result, error) {
		attempts++
		return nil, unreachable
	}))

	_, err := d.Dispatch(ctx, flakyCmd{id: "cmd-1"})
	require.ErrorIs(t, err, unreachable)
	assert.Equal(t, 2, attempts)
}

func TestDispatcher_rejectionIsNotRetried(t *testing.T) {
	ctx := context.Background()
	d := command.NewDispatcher(command.WithBackoff(0))
	t.Cleanup(d.Close)

	attempts := 0
	require.NoError(t, d.Register("flaky", func(_ context.Context, _ command.Command) (*command.Result, error) {
		attempts++
		return nil, command.Reject("no")
	}))

	_, err := d.Dispatch(ctx, flakyCmd{id: "cmd-1"})
	require.ErrorIs(t, err, command.ErrRejected)
	assert.Equal(t, 1, attempts)
}

func TestDispatcher_concurrentDuplicateCommandID(t *testing.T) {
	ctx := context.Background()

	env := es.StartTestEnv(t, es.WithAggregates(&counter{}))
	repo := es.NewTypedRepositoryFrom[*counter](slog.Default(), env.Repository())

	d := command.NewDispatcher()
	t.Cleanup(d.Close)

	var executions atomic.Int32
	require.NoError(t, command.RegisterHandler(d, repo,
		func(_ context.Context, c *counter, cmd incrementCmd) error {
			executions.Add(1)
			time.Sleep(50 * time.Millisecond)
			return c.Increment(cmd.Amount)
		},
	))

	cmd := incrementCmd{ID: "dup-1", Tenant: "t1", Counter: "c1", Amount: 5}
	results := make([]*command.Result, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = d.Dispatch(ctx, cmd)
		}()
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.EqualValues(t, 1, executions.Load(), "one logical command must run domain logic once")
	assert.NotEqual(t, results[0].Replayed, results[1].Replayed)
	assert.Equal(t, results[0].Version, results[1].Version)

	c, err := repo.GetByID(ctx, "t1", "c1")
	require.NoError(t, err)
	assert.Equal(t, 5, c.Value)
	assert.Equal(t, es.Version(1), c.GetVersion())
}

func TestDispatcher_concurrentCommandsSameStream(t *testing.T) {
	ctx := context.Background()
	d, repo := newCounterDispatcher(t)

	const n = 10
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = d.Dispatch(ctx, incrementCmd{
				ID:      fmt.Sprintf("cmd-%d", i),
				Tenant:  "t1",
				Counter: "c1",
				Amount:  1,
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "command %d", i)
	}

	c, err := repo.GetByID(ctx, "t1", "c1")
	require.NoError(t, err)
	assert.Equal(t, n, c.Value)
	assert.Equal(t, es.Version(n), c.GetVersion())
}

func TestDispatcher_eventsCarryCausation(t *testing.T) {
	ctx := context.Background()

	env := es.StartTestEnv(t, es.WithAggregates(&counter{}))
	repo := es.NewTypedRepositoryFrom[*counter](slog.Default(), env.Repository())

	d := command.NewDispatcher()
	t.Cleanup(d.Close)
	require.NoError(t, command.RegisterHandler(d, repo,
		func(_ context.Context, c *counter, cmd incrementCmd) error {
			return c.Increment(cmd.Amount)
		},
	))

	_, err := d.Dispatch(ctx, incrementCmd{ID: "cmd-1", Tenant: "t1", Counter: "c1", Amount: 1})
	require.NoError(t, err)

	envs, err := env.Store().Load(ctx, es.StreamID{Tenant: "t1", AggregateType: "counter", AggregateID: "c1"})
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, "cmd-1", envs[0].Meta.CausationID)
}
