// Package readmodel defines the storage port for projection output. Records
// are tenant-scoped JSON documents addressed by key; projections write them,
// the query layer reads them.
package readmodel

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("record not found")

type (
	Record struct {
		Tenant    string    `json:"tenant"`
		Key       string    `json:"key"`
		Data      []byte    `json:"data"`
		UpdatedAt time.Time `json:"updated_at"`
	}

	// Filter selects records for List. Tenant is required; KeyPrefix narrows
	// by key prefix. Offset/Limit page through key order.
	Filter struct {
		Tenant    string
		KeyPrefix string
		Offset    int
		Limit     int
	}

	Store interface {
		Upsert(ctx context.Context, record Record) error
		Get(ctx context.Context, tenant, key string) (Record, error)
		Delete(ctx context.Context, tenant, key string) error
		List(ctx context.Context, filter Filter) ([]Record, error)
		// Truncate drops every record. Used when a projection is rebuilt.
		Truncate(ctx context.Context) error
	}
)
