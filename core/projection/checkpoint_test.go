package projection_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/cqrs-go/core/projection"
)

func TestMemCheckpointStore(t *testing.T) {
	ctx := context.Background()
	store := projection.NewMemCheckpointStore()

	cp, err := store.Get(ctx, "p1")
	require.NoError(t, err)
	require.Zero(t, cp)

	require.NoError(t, store.Advance(ctx, "p1", 0, 5))

	cp, err = store.Get(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, uint64(5), cp)

	err = store.Advance(ctx, "p1", 3, 7)
	require.ErrorIs(t, err, projection.ErrCheckpointConflict)

	require.NoError(t, store.Reset(ctx, "p1"))
	cp, err = store.Get(ctx, "p1")
	require.NoError(t, err)
	require.Zero(t, cp)
}
