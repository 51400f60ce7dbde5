package query_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/cqrs-go/core/query"
	"github.com/codewandler/cqrs-go/ports/readmodel"
)

type accountDoc struct {
	Owner   string `json:"owner"`
	Balance int64  `json:"balance"`
}

func seed(t *testing.T, store readmodel.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, readmodel.Record{
		Tenant: "t1", Key: "account/a1", Data: []byte(`{"owner":"ada","balance":100}`),
	}))
	require.NoError(t, store.Upsert(ctx, readmodel.Record{
		Tenant: "t1", Key: "account/a2", Data: []byte(`{"owner":"bob","balance":50}`),
	}))
	require.NoError(t, store.Upsert(ctx, readmodel.Record{
		Tenant: "t2", Key: "account/a1", Data: []byte(`{"owner":"eve","balance":7}`),
	}))
}

func TestGet(t *testing.T) {
	ctx := context.Background()
	store := readmodel.NewMemStore()
	seed(t, store)

	doc, err := query.Get[accountDoc](ctx, store, "t1", "account/a1")
	require.NoError(t, err)
	assert.Equal(t, "ada", doc.Owner)
	assert.EqualValues(t, 100, doc.Balance)
}

func TestGet_notFoundIsExplicit(t *testing.T) {
	ctx := context.Background()
	store := readmodel.NewMemStore()
	seed(t, store)

	_, err := query.Get[accountDoc](ctx, store, "t1", "account/missing")
	require.ErrorIs(t, err, query.ErrNotFound)
}

func TestGet_tenantIsolation(t *testing.T) {
	ctx := context.Background()
	store := readmodel.NewMemStore()
	seed(t, store)

	doc, err := query.Get[accountDoc](ctx, store, "t2", "account/a1")
	require.NoError(t, err)
	assert.Equal(t, "eve", doc.Owner)

	_, err = query.Get[accountDoc](ctx, store, "t2", "account/a2")
	require.ErrorIs(t, err, query.ErrNotFound)
}

func TestGet_emptyTenant(t *testing.T) {
	store := readmodel.NewMemStore()
	_, err := query.Get[accountDoc](context.Background(), store, "", "account/a1")
	require.Error(t, err)
}

func TestList(t *testing.T) {
	ctx := context.Background()
	store := readmodel.NewMemStore()
	seed(t, store)

	docs, err := query.List[accountDoc](ctx, store, readmodel.Filter{Tenant: "t1", KeyPrefix: "account/"})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "ada", docs[0].Owner)
	assert.Equal(t, "bob", docs[1].Owner)
}

func TestList_noMatchesIsEmpty(t *testing.T) {
	ctx := context.Background()
	store := readmodel.NewMemStore()
	seed(t, store)

	docs, err := query.List[accountDoc](ctx, store, readmodel.Filter{Tenant: "t1", KeyPrefix: "user/"})
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestList_paging(t *testing.T) {
	ctx := context.Background()
	store := readmodel.NewMemStore()
	seed(t, store)

	docs, err := query.List[accountDoc](ctx, store, readmodel.Filter{Tenant: "t1", Offset: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "bob", docs[0].Owner)
}
