package es

import (
	"fmt"
)

// Applier is the interface for types that can apply events to update their
// state.
type Applier interface {
	Apply(event any) error
}

// Aggregate is the contract for event-sourced domain objects. An aggregate
// is reconstructed on demand by folding its stream (optionally seeded by a
// snapshot) and discarded after use.
//
// The typical lifecycle is:
//  1. Construct (or load via Repository) with tenant + id set
//  2. Domain logic calls RaiseAndApply to record and apply events
//  3. Repository.Save persists uncommitted events and clears them
type Aggregate interface {
	// GetAggType returns the aggregate type name used for stream identity.
	GetAggType() string
	GetID() string
	SetID(string)
	GetTenant() string
	SetTenant(string)

	// GetVersion returns the current stream version (0 when unloaded).
	GetVersion() Version
	setVersion(Version)

	// GetSeq returns the global sequence of the last applied event.
	GetSeq() uint64
	setSeq(uint64)

	// Register registers the aggregate's event types with the Registrar.
	Register(r Registrar)
	// Raise records an event as uncommitted without applying it.
	Raise(event any)
	// Apply updates the aggregate state from an event.
	Apply(event any) error

	// Uncommitted returns a copy of events raised but not yet persisted.
	Uncommitted() []any
	// ClearUncommitted removes all uncommitted events after a save.
	ClearUncommitted()
}

// AggregateStream returns the stream identity of a.
func AggregateStream(a Aggregate) StreamID {
	return StreamID{
		Tenant:        a.GetTenant(),
		AggregateType: a.GetAggType(),
		AggregateID:   a.GetID(),
	}
}

// BaseAggregate is an embeddable helper that tracks identity, version and
// uncommitted events.
type BaseAggregate struct {
	tenant      string
	id          string
	version     Version
	seq         uint64
	uncommitted []any
}

func (b *BaseAggregate) GetID() string            { return b.id }
func (b *BaseAggregate) SetID(id string)          { b.id = id }
func (b *BaseAggregate) GetTenant() string        { return b.tenant }
func (b *BaseAggregate) SetTenant(tenant string)  { b.tenant = tenant }
func (b *BaseAggregate) GetVersion() Version      { return b.version }
func (b *BaseAggregate) setVersion(v Version)     { b.version = v }
func (b *BaseAggregate) GetSeq() uint64           { return b.seq }
func (b *BaseAggregate) setSeq(s uint64)          { b.seq = s }
func (b *BaseAggregate) Register(_ Registrar)     {}
func (b *BaseAggregate) Raise(event any)          { b.uncommitted = append(b.uncommitted, event) }
func (b *BaseAggregate) ClearUncommitted()        { b.uncommitted = nil }
func (b *BaseAggregate) Uncommitted() []any {
	out := make([]any, len(b.uncommitted))
	copy(out, b.uncommitted)
	return out
}

// === Helpers ===

type raiseApplier interface {
	Raise(event any)
	Apply(event any) error
}

// RaiseAndApply records the events as uncommitted and applies them to mutate
// state. Events implementing Validate() error are validated first; nothing
// is raised when any of them is invalid.
func RaiseAndApply(a raiseApplier, events ...any) (err error) {
	if len(events) == 0 {
		return
	}
	for _, e := range events {
		if ev, ok := e.(interface{ Validate() error }); ok {
			err = ev.Validate()
			if err != nil {
				return fmt.Errorf("invalid event %T: %w", ev, err)
			}
		}
	}
	for _, e := range events {
		a.Raise(e)
		err = a.Apply(e)
		if err != nil {
			return
		}
	}
	return
}
