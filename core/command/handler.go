package command

import (
	"context"
	"errors"
	"fmt"

	"github.com/codewandler/cqrs-go/core/es"
)

// RegisterHandler binds a decide function for command type C against
// aggregates of type T. The handler rehydrates the aggregate (a fresh one at
// version 0 when the stream does not exist), runs decide, and appends
// whatever events it raised. The events carry the command id as causation.
func RegisterHandler[C Command, T es.Aggregate](
	d *Dispatcher,
	repo es.TypedRepository[T],
	decide func(ctx context.Context, agg T, cmd C) error,
) error {
	cmdType := commandTypeFor[C]()

	h := func(ctx context.Context, cmd Command) (*Result, error) {
		c, ok := cmd.(C)
		if !ok {
			return nil, fmt.Errorf("handler for %s received %T", cmdType, cmd)
		}
		stream := cmd.Stream()
		if stream.AggregateType != repo.GetAggType() {
			return nil, &RejectionError{Reason: fmt.Sprintf(
				"command targets aggregate type %q, handler works on %q",
				stream.AggregateType, repo.GetAggType(),
			)}
		}

		agg := repo.NewWithID(stream.Tenant, stream.AggregateID)
		if err := repo.Load(ctx, agg); err != nil && !errors.Is(err, es.ErrAggregateNotFound) {
			return nil, err
		}

		if err := decide(ctx, agg, c); err != nil {
			return nil, err
		}

		envs, err := repo.Save(ctx, agg, es.WithMeta(metaOf(cmd)))
		if err != nil {
			return nil, err
		}

		res := &Result{Stream: stream, Version: agg.GetVersion(), Events: []AppliedEvent{}}
		for _, e := range envs {
			res.Events = append(res.Events, AppliedEvent{ID: e.ID, Type: e.Type, Seq: e.Seq})
		}
		return res, nil
	}

	return d.Register(cmdType, h)
}

func metaOf(cmd Command) es.Metadata {
	meta := es.Metadata{}
	if mp, ok := cmd.(MetadataProvider); ok {
		meta = mp.CommandMeta()
	}
	if meta.CausationID == "" {
		meta.CausationID = cmd.CommandID()
	}
	if meta.CorrelationID == "" {
		meta.CorrelationID = cmd.CommandID()
	}
	return meta
}
