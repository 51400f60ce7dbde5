package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/codewandler/cqrs-go/core/command"
)

// IdempotencyStore records command results in Redis. SETNX keeps the first
// recorded result authoritative even if two workers finish the same command.
type IdempotencyStore struct {
	rdb    goredis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewIdempotencyStore(rdb goredis.UniversalClient, ttl time.Duration, opts ...Option) *IdempotencyStore {
	o := newOptions(opts...)
	return &IdempotencyStore{rdb: rdb, prefix: o.prefix + "command:", ttl: ttl}
}

func (s *IdempotencyStore) key(tenant, commandID string) string {
	return s.prefix + tenant + ":" + commandID
}

func (s *IdempotencyStore) Get(ctx context.Context, tenant, commandID string) (*command.Result, error) {
	data, err := s.rdb.Get(ctx, s.key(tenant, commandID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, command.ErrNotRecorded
		}
		return nil, err
	}
	var r command.Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode result %s/%s: %w", tenant, commandID, err)
	}
	return &r, nil
}

func (s *IdempotencyStore) Put(ctx context.Context, tenant, commandID string, result *command.Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result %s/%s: %w", tenant, commandID, err)
	}
	return s.rdb.SetNX(ctx, s.key(tenant, commandID), data, s.ttl).Err()
}

var _ command.IdempotencyStore = (*IdempotencyStore)(nil)
