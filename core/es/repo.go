package es

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/codewandler/cqrs-go/core/cache"
)

type Repository interface {
	Load(ctx context.Context, agg Aggregate, opts ...LoadOption) error
	// Save appends the aggregate's uncommitted events at its loaded version
	// and returns the appended envelopes. A *ConflictError means another
	// writer got there first; the caller reloads and redecides.
	Save(ctx context.Context, agg Aggregate, opts ...SaveOption) ([]Envelope, error)
	CreateSnapshot(ctx context.Context, agg Aggregate) (*Snapshot, error)
}

// cachedAggState is what the repository keeps in its cache: an encoded copy
// of the aggregate state, never the live aggregate, so concurrent loads
// cannot share mutable state.
type cachedAggState struct {
	Data    []byte
	Version Version
	Seq     uint64
}

type repository struct {
	log           *slog.Logger
	store         EventStore
	registry      *EventRegistry
	snapshotter   Snapshotter
	cache         cache.Cache
	idGenerator   IDGenerator
	metrics       ESMetrics
	snapshotEvery uint64
}

func NewRepository(
	log *slog.Logger,
	store EventStore,
	registry *EventRegistry,
	opts ...RepositoryOption,
) Repository {
	options := newRepoOpts(opts...)
	return &repository{
		log:           log.With(slog.String("repo", fmt.Sprintf("%T", store))),
		store:         store,
		registry:      registry,
		snapshotter:   options.snapshotter,
		cache:         options.cache,
		idGenerator:   options.idGenerator,
		metrics:       options.metrics,
		snapshotEvery: options.snapshotEvery,
	}
}

// Load rehydrates agg from the store: cached state or snapshot first (when
// enabled and present), then the event tail.
func (r *repository) Load(ctx context.Context, agg Aggregate, opts ...LoadOption) error {
	stream := AggregateStream(agg)
	if err := stream.Validate(); err != nil {
		return err
	}
	if len(agg.Uncommitted()) != 0 {
		return errors.New("aggregate has uncommitted events")
	}
	defer r.metrics.RepoLoadDuration(stream.AggregateType).ObserveDuration()

	loadOptions := newLoadOptions(opts...)

	restored := false
	if loadOptions.useCache {
		if v, ok := r.cache.Get(stream.Key()); ok {
			if state, ok := v.(cachedAggState); ok {
				if err := restoreAggState(agg, state.Data); err != nil {
					return err
				}
				agg.setVersion(state.Version)
				agg.setSeq(state.Seq)
				restored = true
				r.metrics.CacheHit(stream.AggregateType)
			}
		}
		if !restored {
			r.metrics.CacheMiss(stream.AggregateType)
		}
	}

	if !restored && loadOptions.snapshot {
		if r.snapshotter == nil {
			return ErrSnapshotterUnconfigured
		}
		t := r.metrics.SnapshotLoadDuration(stream.AggregateType)
		err := ApplySnapshot(ctx, r.snapshotter, agg)
		t.ObserveDuration()
		if err != nil && !errors.Is(err, ErrSnapshotNotFound) {
			return fmt.Errorf("failed to apply snapshot: %w", err)
		}
	}

	log := r.log.With(stream.SlogAttr())

	var (
		curVersion = agg.GetVersion()
		curSeq     = agg.GetSeq()
	)

	st := r.metrics.StoreLoadDuration(stream.AggregateType)
	loaded, err := r.store.Load(
		ctx,
		stream,
		WithStartAtVersion(curVersion+1),
		WithStartSeq(curSeq+1),
	)
	st.ObserveDuration()
	if err != nil {
		return err
	}

	for _, e := range loaded {
		expectVersion := agg.GetVersion() + 1
		if e.Version != expectVersion {
			return fmt.Errorf("expect version %d, got %d", expectVersion, e.Version)
		}
		evt, err := r.registry.Decode(e)
		if err != nil {
			return err
		}
		if err := agg.Apply(evt); err != nil {
			return err
		}
		agg.setVersion(e.Version)
		agg.setSeq(e.Seq)
	}

	if agg.GetVersion() == 0 {
		return ErrAggregateNotFound
	}

	log.Debug(
		"loaded",
		agg.GetVersion().SlogAttr(),
		slog.Int("tail_events", len(loaded)),
	)
	return nil
}

func (r *repository) Save(ctx context.Context, agg Aggregate, saveOpts ...SaveOption) ([]Envelope, error) {
	uncommitted := agg.Uncommitted()
	if len(uncommitted) == 0 {
		return nil, nil
	}
	stream := AggregateStream(agg)
	if err := stream.Validate(); err != nil {
		return nil, err
	}
	defer r.metrics.RepoSaveDuration(stream.AggregateType).ObserveDuration()

	saveOptions := newSaveOptions(saveOpts...)

	expectVersion := agg.GetVersion()
	v := expectVersion
	newEnvs := make([]Envelope, 0, len(uncommitted))
	for _, ev := range uncommitted {
		data, err := json.Marshal(ev)
		if err != nil {
			return nil, err
		}
		v++
		env := Envelope{
			ID:            r.idGenerator(),
			Type:          getEventTypeOf(ev),
			SchemaVersion: getSchemaVersionOf(ev),
			Tenant:        stream.Tenant,
			AggregateType: stream.AggregateType,
			AggregateID:   stream.AggregateID,
			Version:       v,
			OccurredAt:    time.Now(),
			Meta:          saveOptions.meta,
			Data:          data,
		}
		if err := env.Validate(); err != nil {
			return nil, err
		}
		newEnvs = append(newEnvs, env)
	}

	st := r.metrics.StoreAppendDuration(stream.AggregateType)
	res, err := r.store.Append(ctx, stream, expectVersion, newEnvs)
	st.ObserveDuration()
	if err != nil {
		if errors.Is(err, ErrConcurrencyConflict) {
			r.metrics.ConcurrencyConflict(stream.AggregateType)
			return nil, err
		}
		return nil, fmt.Errorf("failed to save stream=%s: %w", stream.Key(), err)
	}
	if res == nil {
		return nil, errors.New("append returned nil result")
	}

	// fill in the sequences the store assigned
	for i := range newEnvs {
		newEnvs[i].Seq = res.LastSeq - uint64(len(newEnvs)-1-i)
	}

	agg.setVersion(v)
	agg.setSeq(res.LastSeq)
	agg.ClearUncommitted()
	r.metrics.EventsAppended(stream.AggregateType, len(newEnvs))

	takeSnapshot := saveOptions.snapshot
	if !takeSnapshot && r.snapshotEvery > 0 && r.snapshotter != nil {
		takeSnapshot = uint64(v)/r.snapshotEvery > uint64(expectVersion)/r.snapshotEvery
	}
	if takeSnapshot {
		if _, err := r.CreateSnapshot(ctx, agg); err != nil {
			return nil, err
		}
	}

	if saveOptions.useCache {
		if data, err := encodeAggState(agg); err == nil {
			r.cache.Put(stream.Key(), cachedAggState{Data: data, Version: v, Seq: res.LastSeq})
		}
	}

	r.log.Debug(
		"saved",
		stream.SlogAttr(),
		agg.GetVersion().SlogAttr(),
		slog.Uint64("seq", agg.GetSeq()),
		slog.Int("num_events", len(newEnvs)),
	)
	return newEnvs, nil
}

func (r *repository) CreateSnapshot(ctx context.Context, agg Aggregate) (*Snapshot, error) {
	if r.snapshotter == nil {
		return nil, ErrSnapshotterUnconfigured
	}
	ss, err := CreateSnapshot(agg)
	if err != nil {
		return nil, err
	}
	t := r.metrics.SnapshotSaveDuration(agg.GetAggType())
	err = r.snapshotter.SaveSnapshot(ctx, ss)
	t.ObserveDuration()
	if err != nil {
		return nil, fmt.Errorf("failed to save snapshot: %w", err)
	}
	r.log.Debug("snapshot saved", ss.logAttrs())
	return ss, nil
}

func encodeAggState(agg Aggregate) ([]byte, error) {
	if s, ok := any(agg).(Snapshottable); ok {
		return s.Snapshot()
	}
	return json.Marshal(agg)
}

func restoreAggState(agg Aggregate, data []byte) error {
	if s, ok := any(agg).(Snapshottable); ok {
		return s.RestoreSnapshot(data)
	}
	return json.Unmarshal(data, agg)
}

var _ Repository = (*repository)(nil)

// === TypedRepository ===

type TypedRepository[T Aggregate] interface {
	GetAggType() string
	New() T
	NewWithID(tenant, id string) T
	Load(ctx context.Context, a T, opts ...LoadOption) error
	GetByID(ctx context.Context, tenant, id string, opts ...LoadOption) (T, error)
	Save(ctx context.Context, agg T, opts ...SaveOption) ([]Envelope, error)
	// WithTransaction loads the aggregate (a fresh one when the stream does
	// not exist yet), applies fn and saves, retrying the whole cycle on
	// concurrency conflicts up to a bounded attempt count.
	WithTransaction(ctx context.Context, tenant, id string, fn func(T) error, opts ...TxOption) error
}

type typedRepo[T Aggregate] struct {
	r   Repository
	log *slog.Logger
}

func NewTypedRepository[T Aggregate](log *slog.Logger, s EventStore, reg *EventRegistry, opts ...RepositoryOption) TypedRepository[T] {
	return NewTypedRepositoryFrom[T](log, NewRepository(log, s, reg, opts...))
}

func NewTypedRepositoryFrom[T Aggregate](log *slog.Logger, r Repository) TypedRepository[T] {
	return &typedRepo[T]{r: r, log: log.With(slog.String("repo", fmt.Sprintf("%T", *new(T))))}
}

func (t *typedRepo[T]) New() T {
	var a T
	rt := reflect.TypeOf((*T)(nil)).Elem()
	if rt.Kind() == reflect.Pointer {
		a = reflect.New(rt.Elem()).Interface().(T)
	} else {
		a = *new(T)
	}
	return a
}

func (t *typedRepo[T]) NewWithID(tenant, id string) T {
	a := t.New()
	a.SetTenant(tenant)
	a.SetID(id)
	return a
}

func (t *typedRepo[T]) GetAggType() string {
	return t.New().GetAggType()
}

func (t *typedRepo[T]) Load(ctx context.Context, a T, opts ...LoadOption) error {
	return t.r.Load(ctx, a, opts...)
}

func (t *typedRepo[T]) GetByID(ctx context.Context, tenant, id string, opts ...LoadOption) (a T, err error) {
	if id == "" {
		return a, errors.New("aggregate id is empty")
	}
	a = t.NewWithID(tenant, id)
	if err = t.r.Load(ctx, a, opts...); err != nil {
		return a, err
	}
	return a, nil
}

func (t *typedRepo[T]) Save(ctx context.Context, agg T, opts ...SaveOption) ([]Envelope, error) {
	return t.r.Save(ctx, agg, opts...)
}

func (t *typedRepo[T]) WithTransaction(ctx context.Context, tenant, id string, fn func(T) error, opts ...TxOption) error {
	options := newTxOptions(opts...)

	var lastErr error
	for attempt := 0; attempt < options.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		a := t.NewWithID(tenant, id)
		err := t.r.Load(ctx, a, options.loadOpts...)
		if err != nil && !errors.Is(err, ErrAggregateNotFound) {
			return err
		}

		if err := fn(a); err != nil {
			return err
		}

		if _, err = t.r.Save(ctx, a, options.saveOpts...); err == nil {
			return nil
		} else if !errors.Is(err, ErrConcurrencyConflict) {
			return err
		} else {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(options.backoff):
		}
	}
	return fmt.Errorf("transaction failed after %d attempts: %w", options.maxAttempts, lastErr)
}

var _ TypedRepository[Aggregate] = (*typedRepo[Aggregate])(nil)
