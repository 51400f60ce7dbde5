package es

import (
	"context"
	"fmt"
	"log/slog"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Env bundles a configured store, snapshotter, registry and repository.
// It is the assembly point for everything the command and projection sides
// share.
type Env struct {
	id          string
	log         *slog.Logger
	store       EventStore
	snapshotter Snapshotter
	registry    *EventRegistry
	repo        Repository
}

func (e *Env) Repository() Repository   { return e.repo }
func (e *Env) Store() EventStore        { return e.store }
func (e *Env) Snapshotter() Snapshotter { return e.snapshotter }
func (e *Env) Registry() *EventRegistry { return e.registry }

func NewEnv(opts ...EnvOption) *Env {
	var (
		id      = gonanoid.Must(6)
		options = newEnvOptions(opts...)
	)

	log := options.log
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("env", id))

	store := options.store
	if store == nil {
		store = NewInMemoryStore()
	}
	snapshotter := options.snapshotter
	if snapshotter == nil {
		snapshotter = NewInMemorySnapshotter()
	}

	e := &Env{
		id:          id,
		log:         log,
		store:       store,
		snapshotter: snapshotter,
		registry:    NewRegistry(),
	}

	for _, agg := range options.aggregates {
		agg.Register(e.registry)
		e.log.Debug("registered aggregate", "type", fmt.Sprintf("%T", agg))
	}
	for _, s := range options.events {
		e.registry.Register(s.t, s.ctor)
		e.log.Debug("registered event", "type", s.t)
	}
	for _, u := range options.upcasters {
		e.registry.RegisterUpcaster(u.t, u.from, u.up)
		e.log.Debug("registered upcaster", "type", u.t, "from", u.from)
	}

	repoOpts := append(
		[]RepositoryOption{WithSnapshotter(e.snapshotter)},
		options.repoOpts...,
	)
	if options.metrics != nil {
		repoOpts = append(repoOpts, WithMetrics(options.metrics))
	}
	e.repo = NewRepository(e.log, e.store, e.registry, repoOpts...)

	return e
}

// Append encodes and appends raw events; mostly useful in tests and tools.
func (e *Env) Append(ctx context.Context, stream StreamID, expect Version, events ...any) error {
	_, err := e.AppendWithResult(ctx, stream, expect, events...)
	return err
}

func (e *Env) AppendWithResult(
	ctx context.Context,
	stream StreamID,
	expect Version,
	events ...any,
) (*StoreAppendResult, error) {
	return AppendEvents(ctx, e.store, stream, expect, Metadata{}, events...)
}
