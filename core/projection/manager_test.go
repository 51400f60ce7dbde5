package projection_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/cqrs-go/core/es"
	"github.com/codewandler/cqrs-go/core/projection"
	"github.com/codewandler/cqrs-go/internal/reflector"
	"github.com/codewandler/cqrs-go/ports/readmodel"
)

type thingCreated struct {
	Name string `json:"name"`
}

type thingRenamed struct {
	Name string `json:"name"`
}

type thingDoc struct {
	Name string `json:"name"`
	Seq  uint64 `json:"seq"`
}

func thingStream(id string) es.StreamID {
	return es.StreamID{Tenant: "t1", AggregateType: "thing", AggregateID: id}
}

func newTestEnv(t *testing.T) *es.TestingEnv {
	return es.StartTestEnv(t,
		es.WithEvent[thingCreated](),
		es.WithEvent[thingRenamed](),
	)
}

// thingsProjection mirrors things into a read model store, counting applies.
func thingsProjection(store *readmodel.MemStore, applies *atomic.Int64) projection.Projection {
	return projection.NewFunc("things", nil,
		func(ctx context.Context, env es.Envelope, event any) error {
			if applies != nil {
				applies.Add(1)
			}
			var name string
			switch e := event.(type) {
			case *thingCreated:
				name = e.Name
			case *thingRenamed:
				name = e.Name
			default:
				return fmt.Errorf("unexpected event %T", event)
			}
			data, err := json.Marshal(thingDoc{Name: name, Seq: env.Seq})
			if err != nil {
				return err
			}
			return store.Upsert(ctx, readmodel.Record{
				Tenant: env.Tenant,
				Key:    "thing/" + env.AggregateID,
				Data:   data,
			})
		},
	)
}

func getDoc(t *testing.T, store *readmodel.MemStore, key string) thingDoc {
	t.Helper()
	r, err := store.Get(context.Background(), "t1", key)
	require.NoError(t, err)
	var doc thingDoc
	require.NoError(t, json.Unmarshal(r.Data, &doc))
	return doc
}

func TestManager_catchUpAppliesAll(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	store := readmodel.NewMemStore()

	env.MustAppend(ctx, thingStream("a"), 0, &thingCreated{Name: "alpha"})
	env.MustAppend(ctx, thingStream("b"), 0, &thingCreated{Name: "beta"})
	env.MustAppend(ctx, thingStream("a"), 1, &thingRenamed{Name: "alpha2"})

	m := projection.NewManager(env.Store(), env.Registry())
	require.NoError(t, m.Register(thingsProjection(store, nil), projection.WithReadModel(store)))

	require.NoError(t, m.CatchUp(ctx))

	assert.Equal(t, "alpha2", getDoc(t, store, "thing/a").Name)
	assert.Equal(t, "beta", getDoc(t, store, "thing/b").Name)

	cp, err := m.Checkpoints().Get(ctx, "things")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), cp)
}

func TestManager_resumeAppliesOnlyNewEvents(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	store := readmodel.NewMemStore()
	var applies atomic.Int64

	env.MustAppend(ctx, thingStream("a"), 0, &thingCreated{Name: "alpha"})

	m := projection.NewManager(env.Store(), env.Registry())
	require.NoError(t, m.Register(thingsProjection(store, &applies)))
	require.NoError(t, m.CatchUp(ctx))
	require.EqualValues(t, 1, applies.Load())

	env.MustAppend(ctx, thingStream("a"), 1, &thingRenamed{Name: "alpha2"})
	require.NoError(t, m.CatchUp(ctx))

	assert.EqualValues(t, 2, applies.Load(), "already applied events must not be re-applied")
	assert.Equal(t, "alpha2", getDoc(t, store, "thing/a").Name)
}

func TestManager_reappliesAfterCheckpointRollback(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	store := readmodel.NewMemStore()
	var applies atomic.Int64

	env.MustAppend(ctx, thingStream("a"), 0, &thingCreated{Name: "alpha"})
	env.MustAppend(ctx, thingStream("a"), 1, &thingRenamed{Name: "alpha2"})

	m := projection.NewManager(env.Store(), env.Registry())
	require.NoError(t, m.Register(thingsProjection(store, &applies), projection.WithReadModel(store)))
	require.NoError(t, m.CatchUp(ctx))
	require.EqualValues(t, 2, applies.Load())
	before := getDoc(t, store, "thing/a")

	// read-model write committed but the worker died before the checkpoint
	// advanced: wind it back one position to reopen that window
	cps := m.Checkpoints()
	cp, err := cps.Get(ctx, "things")
	require.NoError(t, err)
	require.NoError(t, cps.Advance(ctx, "things", cp, cp-1))

	require.NoError(t, m.CatchUp(ctx))
	assert.EqualValues(t, 3, applies.Load(), "the uncheckpointed event is delivered again")
	assert.Equal(t, before, getDoc(t, store, "thing/a"), "idempotent re-apply leaves the read model unchanged")

	cp, err = cps.Get(ctx, "things")
	require.NoError(t, err)
	assert.EqualValues(t, 2, cp)
}

func TestManager_eventTypeFilterStillAdvances(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	var applies atomic.Int64

	env.MustAppend(ctx, thingStream("a"), 0, &thingCreated{Name: "alpha"}, &thingRenamed{Name: "alpha2"})

	p := projection.NewFunc("created-only", []string{reflector.TypeInfoFor[thingCreated]().Name},
		func(context.Context, es.Envelope, any) error {
			applies.Add(1)
			return nil
		},
	)

	m := projection.NewManager(env.Store(), env.Registry())
	require.NoError(t, m.Register(p))
	require.NoError(t, m.CatchUp(ctx))

	assert.EqualValues(t, 1, applies.Load())

	cp, err := m.Checkpoints().Get(ctx, "created-only")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cp, "skipped events still advance the checkpoint")
}

func TestManager_deadLettersPoisonEvent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	var applies atomic.Int64

	env.MustAppend(ctx, thingStream("a"), 0, &thingCreated{Name: "poison"})
	env.MustAppend(ctx, thingStream("b"), 0, &thingCreated{Name: "fine"})

	p := projection.NewFunc("picky", nil,
		func(_ context.Context, _ es.Envelope, event any) error {
			if e, ok := event.(*thingCreated); ok && e.Name == "poison" {
				return errors.New("cannot digest")
			}
			applies.Add(1)
			return nil
		},
	)

	m := projection.NewManager(env.Store(), env.Registry(),
		projection.WithApplyAttempts(2),
		projection.WithApplyBackoff(0),
	)
	require.NoError(t, m.Register(p))
	require.NoError(t, m.CatchUp(ctx))

	letters, err := m.DeadLetters().List(ctx, "picky")
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, 2, letters[0].Attempts)
	assert.Equal(t, uint64(1), letters[0].Envelope.Seq)

	assert.EqualValues(t, 1, applies.Load(), "events after the poison one are still applied")

	cp, err := m.Checkpoints().Get(ctx, "picky")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cp, "the poison event is skipped, not blocking")
}

func TestManager_undecodableEventIsDeadLettered(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	type unregisteredEvent struct {
		X int `json:"x"`
	}
	env.MustAppend(ctx, thingStream("a"), 0, &unregisteredEvent{X: 1})

	m := projection.NewManager(env.Store(), env.Registry())
	require.NoError(t, m.Register(projection.NewFunc("all", nil,
		func(context.Context, es.Envelope, any) error { return nil },
	)))
	require.NoError(t, m.CatchUp(ctx))

	letters, err := m.DeadLetters().List(ctx, "all")
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Contains(t, letters[0].Reason, "decode")
}

func TestManager_rebuild(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	store := readmodel.NewMemStore()
	var applies atomic.Int64

	env.MustAppend(ctx, thingStream("a"), 0, &thingCreated{Name: "alpha"}, &thingRenamed{Name: "alpha2"})
	env.MustAppend(ctx, thingStream("b"), 0, &thingCreated{Name: "beta"})

	m := projection.NewManager(env.Store(), env.Registry())
	require.NoError(t, m.Register(thingsProjection(store, &applies), projection.WithReadModel(store)))
	require.NoError(t, m.CatchUp(ctx))

	before, err := store.List(ctx, readmodel.Filter{Tenant: "t1"})
	require.NoError(t, err)

	require.NoError(t, m.Rebuild(ctx, "things"))

	after, err := store.List(ctx, readmodel.Filter{Tenant: "t1"})
	require.NoError(t, err)
	assert.EqualValues(t, 6, applies.Load(), "rebuild replays the full log")
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].Key, after[i].Key)
		assert.JSONEq(t, string(before[i].Data), string(after[i].Data))
	}
}

func TestManager_rebuildUnknownProjection(t *testing.T) {
	env := newTestEnv(t)
	m := projection.NewManager(env.Store(), env.Registry())
	require.Error(t, m.Rebuild(context.Background(), "nope"))
}

func TestManager_liveDelivery(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	store := readmodel.NewMemStore()

	m := projection.NewManager(env.Store(), env.Registry(),
		projection.WithPollInterval(10*time.Millisecond),
	)
	require.NoError(t, m.Register(thingsProjection(store, nil), projection.WithReadModel(store)))
	require.NoError(t, m.Start(ctx))
	t.Cleanup(m.Stop)

	env.MustAppend(ctx, thingStream("a"), 0, &thingCreated{Name: "alpha"})

	require.Eventually(t, func() bool {
		_, err := store.Get(ctx, "t1", "thing/a")
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestManager_registerAfterStartFails(t *testing.T) {
	env := newTestEnv(t)
	m := projection.NewManager(env.Store(), env.Registry())
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Stop)

	err := m.Register(projection.NewFunc("late", nil,
		func(context.Context, es.Envelope, any) error { return nil },
	))
	require.Error(t, err)
}
