// Package cache provides a small cache abstraction used for rehydrated
// aggregate state. Implementations store values by key; eviction policy is
// implementation-defined.
package cache

import "time"

type PutOptions struct {
	TTL time.Duration
}

type PutOption func(*PutOptions)

func WithTTL(ttl time.Duration) PutOption {
	return func(o *PutOptions) { o.TTL = ttl }
}

type Cache interface {
	Get(key string) (any, bool)
	Put(key string, val any, opts ...PutOption)
	Delete(key string)
}
