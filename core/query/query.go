// Package query is the read side: typed access to projection output. All
// lookups are tenant scoped and absence is an explicit ErrNotFound, never a
// zero value.
package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/codewandler/cqrs-go/ports/readmodel"
)

var ErrNotFound = errors.New("not found")

// Get loads one record and decodes it into T.
func Get[T any](ctx context.Context, store readmodel.Store, tenant, key string) (T, error) {
	var v T
	if tenant == "" {
		return v, errors.New("tenant is empty")
	}
	r, err := store.Get(ctx, tenant, key)
	if err != nil {
		if errors.Is(err, readmodel.ErrNotFound) {
			return v, fmt.Errorf("%w: %s/%s", ErrNotFound, tenant, key)
		}
		return v, fmt.Errorf("read model get %s/%s: %w", tenant, key, err)
	}
	if err := json.Unmarshal(r.Data, &v); err != nil {
		return v, fmt.Errorf("decode %s/%s: %w", tenant, key, err)
	}
	return v, nil
}

// List loads matching records in key order and decodes each into T. No
// matches is a valid result: an empty slice, not an error.
func List[T any](ctx context.Context, store readmodel.Store, filter readmodel.Filter) ([]T, error) {
	if filter.Tenant == "" {
		return nil, errors.New("tenant is empty")
	}
	records, err := store.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("read model list %s: %w", filter.Tenant, err)
	}
	out := make([]T, 0, len(records))
	for _, r := range records {
		var v T
		if err := json.Unmarshal(r.Data, &v); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", r.Tenant, r.Key, err)
		}
		out = append(out, v)
	}
	return out, nil
}
