package es

import (
	"log/slog"

	"github.com/codewandler/cqrs-go/internal/reflector"
)

type (
	envOptions struct {
		log         *slog.Logger
		store       EventStore
		snapshotter Snapshotter
		events      []EventRegisterOption
		upcasters   []UpcasterRegisterOption
		aggregates  []Aggregate
		metrics     ESMetrics
		repoOpts    []RepositoryOption
	}

	EnvOption interface {
		applyToEnv(*envOptions)
	}
)

type (
	MultiOption[T any] struct{ opts []T }

	StoreOption         valueOption[EventStore]
	MemoryOption        struct{}
	LogOption           struct{ l *slog.Logger }
	EventRegisterOption struct {
		t    string
		ctor func() any
	}
	UpcasterRegisterOption struct {
		t    string
		from int
		up   Upcaster
	}
	AggregateOption struct{ aggregates []Aggregate }
	RepoOptsOption  struct{ opts []RepositoryOption }
	EnvOpts         MultiOption[EnvOption]
)

func WithInMemory() MemoryOption         { return MemoryOption{} }
func WithStore(s EventStore) StoreOption { return StoreOption{v: s} }
func WithLog(l *slog.Logger) LogOption   { return LogOption{l: l} }

func WithEvent[T any]() EventRegisterOption {
	t := reflector.TypeInfoFor[T]().Name
	return EventRegisterOption{t: t, ctor: func() any { return any(new(T)) }}
}

// WithUpcaster registers the schema conversion from fromVersion to
// fromVersion+1 for event type T.
func WithUpcaster[T any](fromVersion int, up Upcaster) UpcasterRegisterOption {
	return UpcasterRegisterOption{
		t:    reflector.TypeInfoFor[T]().Name,
		from: fromVersion,
		up:   up,
	}
}

func WithAggregates(a ...Aggregate) AggregateOption {
	return AggregateOption{aggregates: a}
}

func WithRepoOpts(opts ...RepositoryOption) RepoOptsOption {
	return RepoOptsOption{opts: opts}
}

func WithEnvOpts(opts ...EnvOption) EnvOpts { return EnvOpts{opts: opts} }

func (o StoreOption) applyToEnv(e *envOptions)       { e.store = o.v }
func (o SnapshotterOption) applyToEnv(e *envOptions) { e.snapshotter = o.v }
func (o LogOption) applyToEnv(e *envOptions)         { e.log = o.l }
func (o MemoryOption) applyToEnv(e *envOptions) {
	e.store = NewInMemoryStore()
	e.snapshotter = NewInMemorySnapshotter()
}
func (o EventRegisterOption) applyToEnv(e *envOptions) {
	e.events = append(e.events, o)
}
func (o UpcasterRegisterOption) applyToEnv(e *envOptions) {
	e.upcasters = append(e.upcasters, o)
}
func (o AggregateOption) applyToEnv(e *envOptions) {
	e.aggregates = append(e.aggregates, o.aggregates...)
}
func (o RepoOptsOption) applyToEnv(e *envOptions) {
	e.repoOpts = append(e.repoOpts, o.opts...)
}
func (o EnvOpts) applyToEnv(e *envOptions) {
	for _, opt := range o.opts {
		opt.applyToEnv(e)
	}
}

func newEnvOptions(opts ...EnvOption) envOptions {
	options := envOptions{}
	for _, opt := range opts {
		opt.applyToEnv(&options)
	}
	return options
}
