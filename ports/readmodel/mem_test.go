package readmodel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemStore_upsertGet(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	require.NoError(t, store.Upsert(ctx, Record{Tenant: "t1", Key: "a", Data: []byte(`{"n":1}`)}))

	r, err := store.Get(ctx, "t1", "a")
	require.NoError(t, err)
	require.JSONEq(t, `{"n":1}`, string(r.Data))

	_, err = store.Get(ctx, "t2", "a")
	require.ErrorIs(t, err, ErrNotFound, "records are tenant scoped")
}

func TestMemStore_list(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	for _, key := range []string{"acct/2", "acct/1", "user/1"} {
		require.NoError(t, store.Upsert(ctx, Record{Tenant: "t1", Key: key, Data: []byte("{}")}))
	}
	require.NoError(t, store.Upsert(ctx, Record{Tenant: "t2", Key: "acct/9", Data: []byte("{}")}))

	records, err := store.List(ctx, Filter{Tenant: "t1", KeyPrefix: "acct/"})
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "acct/1", records[0].Key)
	require.Equal(t, "acct/2", records[1].Key)
}

func TestMemStore_listPaging(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	for _, key := range []string{"a", "b", "c", "d"} {
		require.NoError(t, store.Upsert(ctx, Record{Tenant: "t1", Key: key, Data: []byte("{}")}))
	}

	records, err := store.List(ctx, Filter{Tenant: "t1", Offset: 1, Limit: 2})
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "b", records[0].Key)
	require.Equal(t, "c", records[1].Key)

	records, err = store.List(ctx, Filter{Tenant: "t1", Offset: 10})
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestMemStore_truncate(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	require.NoError(t, store.Upsert(ctx, Record{Tenant: "t1", Key: "a", Data: []byte("{}")}))
	require.NoError(t, store.Truncate(ctx))

	_, err := store.Get(ctx, "t1", "a")
	require.ErrorIs(t, err, ErrNotFound)
}
