package es

import (
	"context"
)

type (
	valueOption[T any] struct{ v T }

	startVersionOption valueOption[Version]
	StartSeqOption     valueOption[uint64]

	// StoreLoadOptions is the resolved form of StoreLoadOption, exposed so
	// store adapters outside this package can evaluate them.
	StoreLoadOptions struct {
		startVersion Version
		startSeq     uint64
	}

	storeLoadOptionsReceiver interface {
		SetStartVersion(Version)
		SetStartSeq(uint64)
	}

	// StoreLoadOption narrows which part of a stream Load returns.
	StoreLoadOption interface {
		ApplyToStoreLoadOptions(storeLoadOptionsReceiver)
	}
)

func (e *StoreLoadOptions) SetStartVersion(v Version) { e.startVersion = v }
func (e *StoreLoadOptions) SetStartSeq(seq uint64)    { e.startSeq = seq }

func (e *StoreLoadOptions) StartVersion() Version { return e.startVersion }
func (e *StoreLoadOptions) StartSeq() uint64      { return e.startSeq }

// WithStartAtVersion returns only events with Version >= startVersion.
func WithStartAtVersion(startVersion Version) StoreLoadOption {
	return startVersionOption{startVersion}
}

// WithStartSeq returns only events with Seq >= startSeq.
func WithStartSeq(startSeq uint64) StartSeqOption { return StartSeqOption{startSeq} }

func (o startVersionOption) ApplyToStoreLoadOptions(r storeLoadOptionsReceiver) {
	r.SetStartVersion(o.v)
}
func (o StartSeqOption) ApplyToStoreLoadOptions(r storeLoadOptionsReceiver) {
	r.SetStartSeq(o.v)
}

func NewStoreLoadOptions(opts ...StoreLoadOption) StoreLoadOptions {
	options := StoreLoadOptions{}
	for _, opt := range opts {
		opt.ApplyToStoreLoadOptions(&options)
	}
	return options
}

type (
	StoreAppendResult struct {
		// NewVersion is the stream version after the append.
		NewVersion Version
		// LastSeq is the global sequence of the last appended event.
		LastSeq uint64
	}

	// EventStore is the append-only event log. Appends are all-or-nothing
	// per call and guarded by the expected stream version; on mismatch a
	// *ConflictError is returned and nothing is written.
	//
	// LoadAll returns events across all streams in append order. That order
	// preserves per-stream order but carries no cross-stream causal
	// guarantee; projection authors must not assume one.
	EventStore interface {
		Stream
		Load(ctx context.Context, stream StreamID, opts ...StoreLoadOption) ([]Envelope, error)
		LoadAll(ctx context.Context, fromSeq uint64, limit int) ([]Envelope, error)
		Append(ctx context.Context, stream StreamID, expectedVersion Version, events []Envelope) (*StoreAppendResult, error)
	}
)

// AppendEvents encodes the given payloads and appends them to the stream at
// the expected version. Versions are assigned consecutively starting at
// expect+1.
func AppendEvents(
	ctx context.Context,
	store EventStore,
	stream StreamID,
	expect Version,
	meta Metadata,
	events ...any,
) (*StoreAppendResult, error) {
	if len(events) == 0 {
		return nil, ErrStoreNoEvents
	}
	envelopes := make([]Envelope, 0, len(events))
	for i, ev := range events {
		env, err := NewEnvelope(stream, expect+Version(i+1), meta, ev)
		if err != nil {
			return nil, err
		}
		envelopes = append(envelopes, env)
	}
	return store.Append(ctx, stream, expect, envelopes)
}
