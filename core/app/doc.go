// Package app assembles the engine from environment configuration: it picks
// the event store backend, wires snapshots, the command dispatcher and the
// projection manager, and exposes the read side.
//
// # Basic Usage
//
//	cfg, err := app.ParseConfig()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	a, err := app.New(cfg,
//	    es.WithAggregates(&Account{}),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer a.Close()
//
//	command.RegisterHandler(a.Dispatcher(), es.NewTypedRepositoryFrom[*Account](a.Log(), a.Env().Repository()),
//	    func(ctx context.Context, acc *Account, cmd OpenAccount) error {
//	        return acc.Open(cmd.Owner)
//	    })
//
//	_ = a.Projections().Register(balances, projection.WithReadModel(a.ReadModel()))
//	if err := a.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Backends are selected with CQRS_STORE (memory, bbolt or nats) and
// CQRS_REDIS_ADDR (empty keeps read models, checkpoints and idempotency
// records in process).
package app
