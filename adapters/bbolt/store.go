// Package bbolt provides a single-node, file-backed EventStore on bbolt.
// Events live in two places inside one transaction: a per-stream bucket
// keyed by version for stream reads, and a global bucket keyed by sequence
// for LoadAll. Subscriptions are in-process fan-out, same contract as the
// in-memory store.
package bbolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/codewandler/cqrs-go/core/es"
)

var (
	bucketStreams = []byte("streams")
	bucketEvents  = []byte("events")
)

type Store struct {
	db  *bolt.DB
	log *slog.Logger

	mu   sync.Mutex
	subs map[string]*subscription
}

type Option func(*Store)

func WithLog(log *slog.Logger) Option {
	return func(s *Store) { s.log = log }
}

func Open(path string, opts ...Option) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketStreams); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketEvents)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		db:   db,
		log:  slog.Default(),
		subs: map[string]*subscription{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(slog.String("store", "bbolt"), slog.String("path", path))
	return s, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	for _, sub := range s.subs {
		sub.close()
	}
	s.subs = map[string]*subscription{}
	s.mu.Unlock()
	return s.db.Close()
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func (s *Store) Load(_ context.Context, stream es.StreamID, opts ...es.StoreLoadOption) ([]es.Envelope, error) {
	if err := stream.Validate(); err != nil {
		return nil, err
	}
	loadOpts := es.NewStoreLoadOptions(opts...)

	out := make([]es.Envelope, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStreams).Bucket([]byte(stream.Key()))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		start := loadOpts.StartVersion()
		if start < 1 {
			start = 1
		}
		for k, v := c.Seek(itob(uint64(start))); k != nil; k, v = c.Next() {
			var env es.Envelope
			if err := json.Unmarshal(v, &env); err != nil {
				return fmt.Errorf("decode event %x: %w", k, err)
			}
			if env.Seq < loadOpts.StartSeq() {
				continue
			}
			out = append(out, env)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) LoadAll(_ context.Context, fromSeq uint64, limit int) ([]es.Envelope, error) {
	if fromSeq < 1 {
		fromSeq = 1
	}
	out := make([]es.Envelope, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.Seek(itob(fromSeq)); k != nil; k, v = c.Next() {
			var env es.Envelope
			if err := json.Unmarshal(v, &env); err != nil {
				return fmt.Errorf("decode event %x: %w", k, err)
			}
			out = append(out, env)
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Append(
	_ context.Context,
	stream es.StreamID,
	expectedVersion es.Version,
	events []es.Envelope,
) (*es.StoreAppendResult, error) {
	if len(events) == 0 {
		return nil, es.ErrStoreNoEvents
	}
	if err := stream.Validate(); err != nil {
		return nil, err
	}

	var (
		lastSeq  uint64
		appended = make([]es.Envelope, 0, len(events))
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		sb, err := tx.Bucket(bucketStreams).CreateBucketIfNotExists([]byte(stream.Key()))
		if err != nil {
			return err
		}

		var curVersion es.Version
		if k, _ := sb.Cursor().Last(); k != nil {
			curVersion = es.Version(binary.BigEndian.Uint64(k))
		}
		if curVersion != expectedVersion {
			return &es.ConflictError{Stream: stream, Expected: expectedVersion, Actual: curVersion}
		}

		eb := tx.Bucket(bucketEvents)
		wantNext := expectedVersion + 1
		for _, e := range events {
			if err := e.Validate(); err != nil {
				return err
			}
			if e.Version != wantNext {
				return fmt.Errorf("envelope version %d out of order, want %d", e.Version, wantNext)
			}
			wantNext++

			seq, err := eb.NextSequence()
			if err != nil {
				return err
			}
			e.Seq = seq
			lastSeq = seq

			data, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := sb.Put(itob(uint64(e.Version)), data); err != nil {
				return err
			}
			if err := eb.Put(itob(seq), data); err != nil {
				return err
			}
			appended = append(appended, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	subs := make([]*subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		sub.send(appended)
	}

	s.log.Debug(
		"append",
		stream.SlogAttr(),
		slog.Uint64("last_seq", lastSeq),
		slog.Int("num_events", len(appended)),
	)
	return &es.StoreAppendResult{
		NewVersion: expectedVersion + es.Version(len(events)),
		LastSeq:    lastSeq,
	}, nil
}

func (s *Store) Subscribe(ctx context.Context, opts ...es.SubscribeOption) (es.Subscription, error) {
	options := es.NewSubscribeOpts(opts...)

	var maxSeq uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		maxSeq = tx.Bucket(bucketEvents).Sequence()
		return nil
	})
	if err != nil {
		return nil, err
	}

	var replay []es.Envelope
	if options.DeliverPolicy() == es.DeliverAllPolicy {
		fromSeq := options.StartSeq()
		if fromSeq < 1 {
			fromSeq = 1
		}
		all, err := s.LoadAll(ctx, fromSeq, 0)
		if err != nil {
			return nil, err
		}
		replay = all
	}

	subID := gonanoid.Must()
	sub := &subscription{
		filters: options.Filters(),
		ch:      make(chan es.Envelope, 256),
		done:    make(chan struct{}),
		maxSeq:  maxSeq,
	}
	sub.cancel = func() {
		s.mu.Lock()
		delete(s.subs, subID)
		s.mu.Unlock()
		sub.close()
	}

	s.mu.Lock()
	s.subs[subID] = sub
	s.mu.Unlock()

	context.AfterFunc(ctx, sub.Cancel)

	if len(replay) > 0 {
		go sub.send(replay)
	}
	return sub, nil
}

type subscription struct {
	filters   []es.SubscribeFilter
	ch        chan es.Envelope
	done      chan struct{}
	cancel    func()
	closeOnce sync.Once
	maxSeq    uint64
}

func (s *subscription) Chan() <-chan es.Envelope { return s.ch }
func (s *subscription) Cancel()                  { s.cancel() }
func (s *subscription) MaxSequence() uint64      { return s.maxSeq }

func (s *subscription) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *subscription) send(events []es.Envelope) {
	for _, e := range events {
		if !es.MatchFilters(e, s.filters) {
			continue
		}
		select {
		case s.ch <- e:
		case <-s.done:
			return
		}
	}
}

var _ es.EventStore = (*Store)(nil)
