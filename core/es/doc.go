// Package es is the event-sourcing core: an append-only, per-stream ordered
// event log with optimistic concurrency, snapshots and aggregate
// rehydration.
//
// # Core components
//
// Envelope is the unit of storage: an immutable event with stream identity
// (tenant, aggregate type, aggregate id), a gapless per-stream Version
// starting at 1, a store-assigned global Seq, a schema version and
// caller-supplied metadata (correlation, causation, actor).
//
// EventStore is the persistence port. [EventStore.Append] writes
// all-or-nothing, guarded by the expected stream version; a losing writer
// receives a [ConflictError] carrying both expected and actual versions.
// [EventStore.Load] reads one stream in order, [EventStore.LoadAll] reads
// across streams in append order (no cross-stream causal guarantee), and
// [EventStore.Subscribe] provides an at-least-once wake-up feed. Use
// [NewInMemoryStore] for tests, or the adapters/nats and adapters/bbolt
// backends for durable storage.
//
// Aggregates embed [BaseAggregate] and mutate state via [RaiseAndApply]:
//
//	type Account struct {
//	    es.BaseAggregate
//	    Balance int64
//	}
//
//	func (a *Account) Deposit(amount int64) error {
//	    return es.RaiseAndApply(a, &Deposited{Amount: amount})
//	}
//
// Repository rehydrates aggregates (latest snapshot plus event tail) and
// persists uncommitted events. [NewTypedRepository] adds type-safe loading
// and a bounded-retry [TypedRepository.WithTransaction].
//
// # Event registration and schema evolution
//
// Events are registered with an [EventRegistry] before they can be decoded.
// Payloads that evolved past schema version 1 implement [SchemaVersioned]
// and register pure [Upcaster] functions per (event type, from version);
// Decode upcasts older payloads to the current shape before unmarshalling.
//
//	registry.Register("account.Deposited", es.Event[Deposited]())
//	registry.RegisterUpcaster("account.Deposited", 1, upcastDepositedV1)
//
// # Concurrency
//
// Writers on different streams never wait on each other. Writers on the
// same stream race on the expected version: the loser reloads and
// redecides. Command-side retry policy lives in core/command; projections
// consume the log via core/projection.
package es
