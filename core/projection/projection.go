// Package projection feeds the event log into read models. A manager runs
// each registered projection in its own goroutine: it catches up from the
// projection's checkpoint, applies events in global append order and advances
// the checkpoint only after a successful apply.
//
// Delivery is at-least-once. A crash between apply and checkpoint advance
// re-delivers the event on restart, so Apply must be idempotent with respect
// to re-application of the same envelope.
package projection

import (
	"context"

	"github.com/codewandler/cqrs-go/core/es"
)

// Projection consumes events and maintains derived state. Name must be
// stable across restarts; it keys the checkpoint.
type Projection interface {
	Name() string
	// EventTypes returns the event type names the projection consumes;
	// empty means all. Events of other types still advance the checkpoint.
	EventTypes() []string
	// Apply folds one event into the read model. env.Seq is the global
	// position; idempotent implementations use it to detect re-delivery.
	Apply(ctx context.Context, env es.Envelope, event any) error
}

type funcProjection struct {
	name  string
	types []string
	apply func(ctx context.Context, env es.Envelope, event any) error
}

func (f *funcProjection) Name() string         { return f.name }
func (f *funcProjection) EventTypes() []string { return f.types }
func (f *funcProjection) Apply(ctx context.Context, env es.Envelope, event any) error {
	return f.apply(ctx, env, event)
}

// NewFunc builds a projection from a closure.
func NewFunc(
	name string,
	types []string,
	apply func(ctx context.Context, env es.Envelope, event any) error,
) Projection {
	return &funcProjection{name: name, types: types, apply: apply}
}
