package es

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestingEnv wraps Env with require-based helpers for tests.
type TestingEnv struct {
	*Env
	t *testing.T
}

func StartTestEnv(t *testing.T, opts ...EnvOption) *TestingEnv {
	e := NewEnv(
		WithInMemory(),
		WithEnvOpts(opts...),
	)
	return &TestingEnv{t: t, Env: e}
}

// MustAppend appends events and fails the test on error.
func (e *TestingEnv) MustAppend(ctx context.Context, stream StreamID, expect Version, events ...any) *StoreAppendResult {
	res, err := e.AppendWithResult(ctx, stream, expect, events...)
	require.NoError(e.t, err)
	return res
}
