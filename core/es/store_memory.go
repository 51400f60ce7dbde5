package es

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// InMemoryStore is a simple, correct (optimistic) store for tests and
// development. All events are kept in append order; per-stream slices hold
// the same envelopes for cheap stream reads.
type InMemoryStore struct {
	mu      sync.Mutex
	log     *slog.Logger
	all     []Envelope
	streams map[string][]Envelope
	subs    map[string]*inMemorySubscription
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		log:     slog.Default().With(slog.String("store", "memory")),
		streams: map[string][]Envelope{},
		subs:    map[string]*inMemorySubscription{},
	}
}

func (s *InMemoryStore) Load(
	_ context.Context,
	stream StreamID,
	opts ...StoreLoadOption,
) ([]Envelope, error) {
	if err := stream.Validate(); err != nil {
		return nil, err
	}
	loadOpts := NewStoreLoadOptions(opts...)

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Envelope, 0)
	for _, e := range s.streams[stream.Key()] {
		if e.Version < loadOpts.StartVersion() {
			continue
		}
		if e.Seq < loadOpts.StartSeq() {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *InMemoryStore) LoadAll(_ context.Context, fromSeq uint64, limit int) ([]Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Envelope, 0)
	for _, e := range s.all {
		if e.Seq < fromSeq {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *InMemoryStore) Append(
	_ context.Context,
	stream StreamID,
	expectedVersion Version,
	events []Envelope,
) (*StoreAppendResult, error) {
	if len(events) == 0 {
		return nil, ErrStoreNoEvents
	}
	if err := stream.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()

	var (
		sk         = stream.Key()
		curStream  = s.streams[sk]
		curVersion Version
	)
	if len(curStream) > 0 {
		curVersion = curStream[len(curStream)-1].Version
	}
	if curVersion != expectedVersion {
		s.mu.Unlock()
		return nil, &ConflictError{Stream: stream, Expected: expectedVersion, Actual: curVersion}
	}

	var (
		lastSeq   uint64
		appended  = make([]Envelope, 0, len(events))
		wantNext  = expectedVersion + 1
		newAll    = s.all
		newStream = curStream
	)
	for _, e := range events {
		if err := e.Validate(); err != nil {
			s.mu.Unlock()
			return nil, err
		}
		if e.Version != wantNext {
			s.mu.Unlock()
			return nil, fmt.Errorf("envelope version %d out of order, want %d", e.Version, wantNext)
		}
		wantNext++

		lastSeq = uint64(len(newAll) + 1)
		e.Seq = lastSeq
		newAll = append(newAll, e)
		newStream = append(newStream, e)
		appended = append(appended, e)
	}
	s.all = newAll
	s.streams[sk] = newStream

	subs := make([]*inMemorySubscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	s.log.Debug(
		"append",
		stream.SlogAttr(),
		slog.Uint64("last_seq", lastSeq),
		slog.Int("num_events", len(appended)),
	)

	for _, sub := range subs {
		sub.send(appended)
	}

	return &StoreAppendResult{NewVersion: wantNext - 1, LastSeq: lastSeq}, nil
}

func (s *InMemoryStore) Subscribe(ctx context.Context, opts ...SubscribeOption) (Subscription, error) {
	options := NewSubscribeOpts(opts...)

	s.mu.Lock()
	var (
		subID  = gonanoid.Must()
		maxSeq = uint64(len(s.all))
		replay []Envelope
	)
	if options.DeliverPolicy() == DeliverAllPolicy {
		for _, e := range s.all {
			if e.Seq < options.StartSeq() {
				continue
			}
			if MatchFilters(e, options.Filters()) {
				replay = append(replay, e)
			}
		}
	}
	sub := &inMemorySubscription{
		filters: options.Filters(),
		ch:      make(chan Envelope, 256),
		done:    make(chan struct{}),
		maxSeq:  maxSeq,
	}
	sub.cancel = func() {
		s.mu.Lock()
		delete(s.subs, subID)
		s.mu.Unlock()
		sub.closeOnce.Do(func() { close(sub.done) })
	}
	s.subs[subID] = sub
	s.mu.Unlock()

	context.AfterFunc(ctx, sub.Cancel)

	if len(replay) > 0 {
		go sub.send(replay)
	}

	return sub, nil
}

// === Subscription ===

type inMemorySubscription struct {
	filters   []SubscribeFilter
	ch        chan Envelope
	done      chan struct{}
	cancel    func()
	closeOnce sync.Once
	maxSeq    uint64
}

func (i *inMemorySubscription) Chan() <-chan Envelope { return i.ch }
func (i *inMemorySubscription) Cancel()               { i.cancel() }
func (i *inMemorySubscription) MaxSequence() uint64   { return i.maxSeq }

func (i *inMemorySubscription) send(events []Envelope) {
	for _, e := range events {
		if !MatchFilters(e, i.filters) {
			continue
		}
		select {
		case i.ch <- e:
		case <-i.done:
			return
		}
	}
}

var _ EventStore = (*InMemoryStore)(nil)
