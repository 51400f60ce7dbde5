// Package redis backs the read side with Redis: projection output, projection
// checkpoints and command idempotency records. One hash per tenant keeps read
// model records; checkpoints use WATCH-based compare-and-swap.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/codewandler/cqrs-go/ports/readmodel"
)

const defaultPrefix = "cqrs:"

type ReadModelStore struct {
	rdb    goredis.UniversalClient
	prefix string
}

type Option func(*options)

type options struct {
	prefix string
}

// WithPrefix namespaces all keys (default "cqrs:"). Two components sharing
// one Redis must use distinct prefixes.
func WithPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

func newOptions(opts ...Option) options {
	o := options{prefix: defaultPrefix}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func NewReadModelStore(rdb goredis.UniversalClient, opts ...Option) *ReadModelStore {
	o := newOptions(opts...)
	return &ReadModelStore{rdb: rdb, prefix: o.prefix + "rm:"}
}

func (s *ReadModelStore) tenantsKey() string           { return s.prefix + "tenants" }
func (s *ReadModelStore) hashKey(tenant string) string { return s.prefix + "t:" + tenant }

func (s *ReadModelStore) Upsert(ctx context.Context, record readmodel.Record) error {
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now()
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode record %s/%s: %w", record.Tenant, record.Key, err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.SAdd(ctx, s.tenantsKey(), record.Tenant)
		pipe.HSet(ctx, s.hashKey(record.Tenant), record.Key, data)
		return nil
	})
	return err
}

func (s *ReadModelStore) Get(ctx context.Context, tenant, key string) (readmodel.Record, error) {
	data, err := s.rdb.HGet(ctx, s.hashKey(tenant), key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return readmodel.Record{}, readmodel.ErrNotFound
		}
		return readmodel.Record{}, err
	}
	var r readmodel.Record
	if err := json.Unmarshal(data, &r); err != nil {
		return readmodel.Record{}, fmt.Errorf("decode record %s/%s: %w", tenant, key, err)
	}
	return r, nil
}

func (s *ReadModelStore) Delete(ctx context.Context, tenant, key string) error {
	return s.rdb.HDel(ctx, s.hashKey(tenant), key).Err()
}

func (s *ReadModelStore) List(ctx context.Context, filter readmodel.Filter) ([]readmodel.Record, error) {
	all, err := s.rdb.HGetAll(ctx, s.hashKey(filter.Tenant)).Result()
	if err != nil {
		return nil, err
	}

	var out []readmodel.Record
	for key, data := range all {
		if filter.KeyPrefix != "" && !strings.HasPrefix(key, filter.KeyPrefix) {
			continue
		}
		var r readmodel.Record
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, fmt.Errorf("decode record %s/%s: %w", filter.Tenant, key, err)
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *ReadModelStore) Truncate(ctx context.Context) error {
	tenants, err := s.rdb.SMembers(ctx, s.tenantsKey()).Result()
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(tenants)+1)
	for _, tenant := range tenants {
		keys = append(keys, s.hashKey(tenant))
	}
	keys = append(keys, s.tenantsKey())
	return s.rdb.Del(ctx, keys...).Err()
}

var _ readmodel.Store = (*ReadModelStore)(nil)
