// Package kv defines a minimal key/value store port. Backends range from an
// in-process map to NATS JetStream KV; values are opaque bytes with optional
// per-entry TTL.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("key not found")

type (
	Entry struct {
		Data []byte
		// Revision is a backend-specific modification counter, zero when
		// the backend does not track revisions.
		Revision uint64
	}

	PutOptions struct {
		TTL time.Duration
	}

	Store interface {
		Put(ctx context.Context, key string, entry Entry, opts PutOptions) error
		Get(ctx context.Context, key string) (Entry, error)
		Delete(ctx context.Context, key string) error
	}
)

// Put JSON-encodes v and stores it under key.
func Put[T any](ctx context.Context, store Store, key string, v T, opts PutOptions) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("kv: encode %s: %w", key, err)
	}
	return store.Put(ctx, key, Entry{Data: data}, opts)
}

// Get loads key and JSON-decodes it into T.
func Get[T any](ctx context.Context, store Store, key string) (T, error) {
	var v T
	entry, err := store.Get(ctx, key)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(entry.Data, &v); err != nil {
		return v, fmt.Errorf("kv: decode %s: %w", key, err)
	}
	return v, nil
}
