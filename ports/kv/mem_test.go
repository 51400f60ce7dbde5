package kv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemStore_putGet(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	require.NoError(t, Put(ctx, store, "a", map[string]int{"x": 1}, PutOptions{}))

	v, err := Get[map[string]int](ctx, store, "a")
	require.NoError(t, err)
	require.Equal(t, 1, v["x"])
}

func TestMemStore_notFound(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	_, err := store.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemStore_ttl(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	require.NoError(t, store.Put(ctx, "a", Entry{Data: []byte("1")}, PutOptions{TTL: time.Millisecond}))
	time.Sleep(5 * time.Millisecond)

	_, err := store.Get(ctx, "a")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemStore_delete(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	require.NoError(t, store.Put(ctx, "a", Entry{Data: []byte("1")}, PutOptions{}))
	require.NoError(t, store.Delete(ctx, "a"))

	_, err := store.Get(ctx, "a")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemStore_revisionIncreases(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	require.NoError(t, store.Put(ctx, "a", Entry{Data: []byte("1")}, PutOptions{}))
	e1, err := store.Get(ctx, "a")
	require.NoError(t, err)

	require.NoError(t, store.Put(ctx, "a", Entry{Data: []byte("2")}, PutOptions{}))
	e2, err := store.Get(ctx, "a")
	require.NoError(t, err)

	require.Greater(t, e2.Revision, e1.Revision)
}
