package es

import (
	"context"
)

type DeliverPolicy string

const (
	// DeliverAllPolicy replays the retained history before live events.
	DeliverAllPolicy DeliverPolicy = "all"
	// DeliverNewPolicy delivers only events appended after subscribing.
	DeliverNewPolicy DeliverPolicy = "new"
)

// SubscribeFilter limits a subscription to matching streams. Empty fields
// match everything.
type SubscribeFilter struct {
	Tenant        string
	AggregateType string
	AggregateID   string
}

type SubscribeOpts struct {
	deliverPolicy DeliverPolicy
	filters       []SubscribeFilter
	startSeq      uint64
}

func (s *SubscribeOpts) DeliverPolicy() DeliverPolicy { return s.deliverPolicy }
func (s *SubscribeOpts) Filters() []SubscribeFilter   { return s.filters }
func (s *SubscribeOpts) StartSeq() uint64             { return s.startSeq }

type SubscribeOption func(opts *SubscribeOpts)

func NewSubscribeOpts(opts ...SubscribeOption) SubscribeOpts {
	options := SubscribeOpts{deliverPolicy: DeliverNewPolicy}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

func WithDeliverPolicy(policy DeliverPolicy) SubscribeOption {
	return func(opts *SubscribeOpts) { opts.deliverPolicy = policy }
}

func WithFilters(filters ...SubscribeFilter) SubscribeOption {
	return func(opts *SubscribeOpts) { opts.filters = filters }
}

func WithStartSequence(startSeq uint64) SubscribeOption {
	return func(opts *SubscribeOpts) { opts.startSeq = startSeq }
}

// Subscription is an at-least-once feed of envelopes. It is a wake-up
// signal, not an ordered source of truth: consumers re-derive authoritative
// order from EventStore.LoadAll.
type Subscription interface {
	Cancel()
	Chan() <-chan Envelope
	// MaxSequence is the highest global sequence that existed when the
	// subscription was created; consumers use it to detect when they have
	// caught up with the retained history.
	MaxSequence() uint64
}

type Stream interface {
	Subscribe(ctx context.Context, opts ...SubscribeOption) (Subscription, error)
}

// MatchFilters reports whether env matches any of the filters (all of them
// match when the list is empty). Store adapters use it for client-side
// subscription filtering.
func MatchFilters(env Envelope, filters []SubscribeFilter) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if matchFilter(env, f) {
			return true
		}
	}
	return false
}

func matchFilter(env Envelope, f SubscribeFilter) bool {
	if f.Tenant != "" && env.Tenant != f.Tenant {
		return false
	}
	if f.AggregateType != "" && env.AggregateType != f.AggregateType {
		return false
	}
	if f.AggregateID != "" && env.AggregateID != f.AggregateID {
		return false
	}
	return true
}
