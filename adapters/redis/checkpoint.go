package redis

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/codewandler/cqrs-go/core/projection"
)

// CheckpointStore keeps projection checkpoints in Redis. Advance runs as a
// WATCH transaction so two workers racing on the same projection cannot both
// win.
type CheckpointStore struct {
	rdb    goredis.UniversalClient
	prefix string
}

func NewCheckpointStore(rdb goredis.UniversalClient, opts ...Option) *CheckpointStore {
	o := newOptions(opts...)
	return &CheckpointStore{rdb: rdb, prefix: o.prefix + "checkpoint:"}
}

func (c *CheckpointStore) key(name string) string { return c.prefix + name }

func (c *CheckpointStore) Get(ctx context.Context, name string) (uint64, error) {
	cp, err := c.rdb.Get(ctx, c.key(name)).Uint64()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return 0, nil
		}
		return 0, err
	}
	return cp, nil
}

func (c *CheckpointStore) Advance(ctx context.Context, name string, from, to uint64) error {
	key := c.key(name)
	err := c.rdb.Watch(ctx, func(tx *goredis.Tx) error {
		cur, err := tx.Get(ctx, key).Uint64()
		if err != nil && !errors.Is(err, goredis.Nil) {
			return err
		}
		if cur != from {
			return fmt.Errorf("%w: %s at %d, expected %d", projection.ErrCheckpointConflict, name, cur, from)
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, to, 0)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, goredis.TxFailedErr) {
		return fmt.Errorf("%w: %s moved concurrently", projection.ErrCheckpointConflict, name)
	}
	return err
}

func (c *CheckpointStore) Reset(ctx context.Context, name string) error {
	return c.rdb.Del(ctx, c.key(name)).Err()
}

var _ projection.CheckpointStore = (*CheckpointStore)(nil)
