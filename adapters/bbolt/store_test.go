package bbolt_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/cqrs-go/adapters/bbolt"
	"github.com/codewandler/cqrs-go/core/es"
)

type noteAdded struct {
	Text string `json:"text"`
}

func openStore(t *testing.T) *bbolt.Store {
	t.Helper()
	store, err := bbolt.Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func noteStream(id string) es.StreamID {
	return es.StreamID{Tenant: "t1", AggregateType: "note", AggregateID: id}
}

func TestStore_appendAndLoad(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	res, err := es.AppendEvents(ctx, store, noteStream("a"), 0, es.Metadata{},
		&noteAdded{Text: "one"}, &noteAdded{Text: "two"})
	require.NoError(t, err)
	assert.Equal(t, es.Version(2), res.NewVersion)
	assert.Equal(t, uint64(2), res.LastSeq)

	envs, err := store.Load(ctx, noteStream("a"))
	require.NoError(t, err)
	require.Len(t, envs, 2)
	assert.Equal(t, es.Version(1), envs[0].Version)
	assert.Equal(t, es.Version(2), envs[1].Version)

	envs, err = store.Load(ctx, noteStream("a"), es.WithStartAtVersion(2))
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, es.Version(2), envs[0].Version)
}

func TestStore_conflict(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	_, err := es.AppendEvents(ctx, store, noteStream("a"), 0, es.Metadata{}, &noteAdded{Text: "one"})
	require.NoError(t, err)

	_, err = es.AppendEvents(ctx, store, noteStream("a"), 0, es.Metadata{}, &noteAdded{Text: "dup"})
	require.ErrorIs(t, err, es.ErrConcurrencyConflict)

	ce, ok := es.AsConflict(err)
	require.True(t, ok)
	assert.Equal(t, es.Version(1), ce.Actual)

	envs, err := store.Load(ctx, noteStream("a"))
	require.NoError(t, err)
	assert.Len(t, envs, 1, "conflicting append is all-or-nothing")
}

func TestStore_loadAllCrossesStreams(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	_, err := es.AppendEvents(ctx, store, noteStream("a"), 0, es.Metadata{}, &noteAdded{Text: "1"})
	require.NoError(t, err)
	_, err = es.AppendEvents(ctx, store, noteStream("b"), 0, es.Metadata{}, &noteAdded{Text: "2"})
	require.NoError(t, err)
	_, err = es.AppendEvents(ctx, store, noteStream("a"), 1, es.Metadata{}, &noteAdded{Text: "3"})
	require.NoError(t, err)

	envs, err := store.LoadAll(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, envs, 3)
	for i, e := range envs {
		assert.Equal(t, uint64(i+1), e.Seq)
	}

	envs, err = store.LoadAll(ctx, 2, 1)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, uint64(2), envs[0].Seq)
}

func TestStore_survivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "events.db")

	store, err := bbolt.Open(path)
	require.NoError(t, err)
	_, err = es.AppendEvents(ctx, store, noteStream("a"), 0, es.Metadata{}, &noteAdded{Text: "durable"})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = bbolt.Open(path)
	require.NoError(t, err)
	defer store.Close()

	envs, err := store.Load(ctx, noteStream("a"))
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, uint64(1), envs[0].Seq)

	// the sequence counter survives too
	res, err := es.AppendEvents(ctx, store, noteStream("b"), 0, es.Metadata{}, &noteAdded{Text: "next"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.LastSeq)
}

func TestStore_subscribe(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	_, err := es.AppendEvents(ctx, store, noteStream("a"), 0, es.Metadata{}, &noteAdded{Text: "old"})
	require.NoError(t, err)

	sub, err := store.Subscribe(ctx, es.WithDeliverPolicy(es.DeliverAllPolicy))
	require.NoError(t, err)
	defer sub.Cancel()
	assert.Equal(t, uint64(1), sub.MaxSequence())

	_, err = es.AppendEvents(ctx, store, noteStream("a"), 1, es.Metadata{}, &noteAdded{Text: "new"})
	require.NoError(t, err)

	seen := map[uint64]bool{}
	for len(seen) < 2 {
		select {
		case e := <-sub.Chan():
			seen[e.Seq] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out, saw %v", seen)
		}
	}
}

func TestStore_worksWithRepository(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	env := es.NewEnv(
		es.WithStore(store),
		es.WithEvent[noteAdded](),
	)
	stream := noteStream("a")
	require.NoError(t, env.Append(ctx, stream, 0, &noteAdded{Text: "hello"}))

	envs, err := env.Store().Load(ctx, stream)
	require.NoError(t, err)
	require.Len(t, envs, 1)

	ev, err := env.Registry().Decode(envs[0])
	require.NoError(t, err)
	assert.Equal(t, "hello", ev.(*noteAdded).Text)
}
