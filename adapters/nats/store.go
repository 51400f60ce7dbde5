// Package nats backs the event store with a JetStream stream. Every event is
// one message on subject <prefix>.<tenant>.<aggregateType>.<aggregateID>;
// the JetStream stream sequence is the global event sequence. Optimistic
// concurrency uses expected-last-sequence-per-subject on publish, so a lost
// race is rejected by the server, not just by the read-check.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/cqrs-go/core/es"
)

const defaultSubjectPrefix = "cqrs.es"

type EventStoreConfig struct {
	Connect       Connector // nil means ConnectDefault()
	Log           *slog.Logger
	SubjectPrefix string
	StreamName    string
}

type EventStore struct {
	nc            *natsgo.Conn
	closeNc       closeFunc
	js            jetstream.JetStream
	stream        jetstream.Stream
	log           *slog.Logger
	subjectPrefix string
	streamName    string
}

func NewEventStore(cfg EventStoreConfig) (*EventStore, error) {
	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}

	nc, closeNatsCon, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, err
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	streamName := strings.ToUpper(cfg.StreamName)
	if streamName == "" {
		streamName = "CQRS_ES"
	}
	subjectPrefix := cfg.SubjectPrefix
	if subjectPrefix == "" {
		subjectPrefix = defaultSubjectPrefix
	}

	log = log.With(
		slog.String("store", "nats_js"),
		slog.String("stream", streamName),
		slog.String("subjectPrefix", subjectPrefix),
	)

	stream, streamInfo, err := ensureStream(js, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{subjectPrefix + ".>"},
		Storage:  jetstream.FileStorage,
		FirstSeq: 1,
	})
	if err != nil {
		return nil, err
	}
	log.Debug("ensured stream", slog.Any("state", streamInfo.State))

	return &EventStore{
		nc:            nc,
		closeNc:       closeNatsCon,
		js:            js,
		stream:        stream,
		log:           log,
		subjectPrefix: subjectPrefix,
		streamName:    streamName,
	}, nil
}

func (e *EventStore) Close() error {
	e.js.CleanupPublisher()
	e.closeNc()
	e.log.Debug("closed event store")
	return nil
}

func (e *EventStore) subjectFor(stream es.StreamID) string {
	return e.subjectPrefix + "." + stream.Tenant + "." + stream.AggregateType + "." + stream.AggregateID
}

func ensureStream(js jetstream.JetStream, cfg jetstream.StreamConfig) (jetstream.Stream, *jetstream.StreamInfo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*natsgo.DefaultTimeout)
	defer cancel()

	s, err := js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	si, err := s.Info(ctx)
	if err != nil {
		return nil, nil, err
	}
	return s, si, nil
}

func (e *EventStore) decodeMsg(msg jetstream.Msg) (*es.Envelope, error) {
	md, err := msg.Metadata()
	if err != nil {
		return nil, err
	}
	env := &es.Envelope{}
	if err := json.Unmarshal(msg.Data(), env); err != nil {
		return nil, err
	}
	env.Seq = md.Sequence.Stream
	return env, nil
}

// lastForSubject returns the most recent envelope on the subject and its
// stream sequence, or nil when the subject has no messages.
func (e *EventStore) lastForSubject(ctx context.Context, subject string) (*es.Envelope, uint64, error) {
	lm, err := e.stream.GetLastMsgForSubject(ctx, subject)
	if err != nil {
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	env := &es.Envelope{}
	if err := json.Unmarshal(lm.Data, env); err != nil {
		return nil, 0, fmt.Errorf("failed to unmarshal last message for subject %q: %w", subject, err)
	}
	env.Seq = lm.Sequence
	return env, lm.Sequence, nil
}

func (e *EventStore) Load(
	ctx context.Context,
	stream es.StreamID,
	opts ...es.StoreLoadOption,
) ([]es.Envelope, error) {
	if err := stream.Validate(); err != nil {
		return nil, err
	}
	loadOpts := es.NewStoreLoadOptions(opts...)

	var (
		startAt = time.Now()
		subject = e.subjectFor(stream)
	)

	last, _, err := e.lastForSubject(ctx, subject)
	if err != nil {
		return nil, err
	}
	if last == nil {
		return []es.Envelope{}, nil
	}
	endSeq := last.Seq

	consumerCfg := jetstream.OrderedConsumerConfig{
		DeliverPolicy:  jetstream.DeliverAllPolicy,
		FilterSubjects: []string{subject},
	}
	if startSeq := loadOpts.StartSeq(); startSeq > 0 {
		consumerCfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		consumerCfg.OptStartSeq = startSeq
	}
	cc, err := e.stream.OrderedConsumer(ctx, consumerCfg)
	if err != nil {
		return nil, err
	}

	all, err := e.consumeEvents(ctx, cc, endSeq, 0)
	if err != nil {
		return nil, err
	}

	out := make([]es.Envelope, 0, len(all))
	for _, env := range all {
		if env.Version < loadOpts.StartVersion() {
			continue
		}
		out = append(out, env)
	}

	e.log.Debug(
		"loaded events",
		stream.SlogAttr(),
		slog.Int("num_events", len(out)),
		slog.Duration("duration", time.Since(startAt)),
	)
	return out, nil
}

func (e *EventStore) LoadAll(ctx context.Context, fromSeq uint64, limit int) ([]es.Envelope, error) {
	info, err := e.stream.Info(ctx)
	if err != nil {
		return nil, err
	}
	lastSeq := info.State.LastSeq
	if fromSeq < 1 {
		fromSeq = 1
	}
	if lastSeq == 0 || fromSeq > lastSeq {
		return []es.Envelope{}, nil
	}

	cc, err := e.stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		DeliverPolicy:  jetstream.DeliverByStartSequencePolicy,
		OptStartSeq:    fromSeq,
		FilterSubjects: []string{e.subjectPrefix + ".>"},
	})
	if err != nil {
		return nil, err
	}
	return e.consumeEvents(ctx, cc, lastSeq, limit)
}

func (e *EventStore) consumeEvents(
	ctx context.Context,
	cc jetstream.Consumer,
	endSeq uint64,
	limit int,
) ([]es.Envelope, error) {
	loaded := make([]es.Envelope, 0)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		mb, err := cc.FetchNoWait(100)
		if err != nil {
			return nil, err
		}

		empty := true
		for msg := range mb.Messages() {
			empty = false
			env, err := e.decodeMsg(msg)
			if err != nil {
				return nil, fmt.Errorf("failed to decode message: %w", err)
			}
			loaded = append(loaded, *env)
			if limit > 0 && len(loaded) >= limit {
				return loaded, nil
			}
			if endSeq > 0 && env.Seq >= endSeq {
				return loaded, nil
			}
		}
		if err := mb.Error(); err != nil {
			return nil, err
		}
		if empty {
			return loaded, nil
		}
	}
}

// Append publishes one message per envelope with a server-side
// last-sequence-per-subject check, so concurrent writers cannot interleave.
// Unlike the single-transaction backends, a broker failure mid-batch can
// leave a committed prefix of the batch; the returned error reports how many
// events landed, and the per-message id dedup makes a prompt retry of the
// same envelopes safe within the stream's duplicate window.
func (e *EventStore) Append(
	ctx context.Context,
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
	subject := e.subjectFor(stream)

	last, lastSubjectSeq, err := e.lastForSubject(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("failed to get current version: %w", err)
	}
	var curVersion es.Version
	if last != nil {
		curVersion = last.Version
	}
	if curVersion != expectedVersion {
		return nil, &es.ConflictError{Stream: stream, Expected: expectedVersion, Actual: curVersion}
	}

	// validate the whole batch up front so only infrastructure failures
	// can interrupt the publish loop
	wantNext := expectedVersion + 1
	for _, ev := range events {
		if err := ev.Validate(); err != nil {
			return nil, err
		}
		if ev.Version != wantNext {
			return nil, fmt.Errorf("envelope version %d out of order, want %d", ev.Version, wantNext)
		}
		wantNext++
	}

	var lastSeq uint64
	for i, ev := range events {
		lastSeq, err = e.publish(ctx, subject, ev, lastSubjectSeq)
		if err != nil {
			if isWrongLastSequence(err) {
				// another writer got in between the read-check and the
				// publish; the server rejected us
				return nil, &es.ConflictError{Stream: stream, Expected: expectedVersion, Actual: curVersion + 1}
			}
			if i > 0 {
				return nil, fmt.Errorf("append interrupted after %d of %d events: %w", i, len(events), err)
			}
			return nil, err
		}
		lastSubjectSeq = lastSeq
	}

	return &es.StoreAppendResult{
		NewVersion: expectedVersion + es.Version(len(events)),
		LastSeq:    lastSeq,
	}, nil
}

func (e *EventStore) publish(ctx context.Context, subject string, ev es.Envelope, expectLastSubjectSeq uint64) (uint64, error) {
	msg := natsgo.NewMsg(subject)
	msg.Header.Set("x-event-type", ev.Type)
	msg.Header.Set("x-tenant", ev.Tenant)
	msg.Header.Set("x-aggregate-type", ev.AggregateType)
	msg.Header.Set("x-aggregate-id", ev.AggregateID)

	data, err := json.Marshal(ev)
	if err != nil {
		return 0, err
	}
	msg.Data = data

	ack, err := e.js.PublishMsg(
		ctx,
		msg,
		jetstream.WithMsgID(ev.ID),
		jetstream.WithExpectLastSequencePerSubject(expectLastSubjectSeq),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to append to subject %s %s: %w", subject, ev.Type, err)
	}
	return ack.Sequence, nil
}

func isWrongLastSequence(err error) bool {
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

func (e *EventStore) Subscribe(ctx context.Context, opts ...es.SubscribeOption) (es.Subscription, error) {
	options := es.NewSubscribeOpts(opts...)

	var filterSubjects []string
	for _, f := range options.Filters() {
		filterSubjects = append(filterSubjects, e.subjectForFilter(f))
	}
	if len(filterSubjects) == 0 {
		filterSubjects = []string{e.subjectPrefix + ".>"}
	}

	info, err := e.stream.Info(ctx)
	if err != nil {
		return nil, err
	}
	maxSeq := info.State.LastSeq

	consumerCfg := jetstream.ConsumerConfig{
		DeliverPolicy:     jetstream.DeliverNewPolicy,
		AckPolicy:         jetstream.AckExplicitPolicy,
		FilterSubjects:    filterSubjects,
		InactiveThreshold: 10 * time.Minute,
	}
	if options.DeliverPolicy() == es.DeliverAllPolicy {
		consumerCfg.DeliverPolicy = jetstream.DeliverAllPolicy
	}
	if startSeq := options.StartSeq(); startSeq > 0 {
		consumerCfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		consumerCfg.OptStartSeq = startSeq
	}

	consumer, err := e.stream.CreateOrUpdateConsumer(ctx, consumerCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer filter_subjects=%+v: %w", filterSubjects, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan es.Envelope, 64)

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := msg.Ack(); err != nil {
			e.log.Error("failed to ack message", slog.Any("error", err))
			return
		}
		env, err := e.decodeMsg(msg)
		if err != nil {
			e.log.Error("failed to decode message", slog.Any("error", err))
			return
		}
		select {
		case ch <- *env:
		case <-ctx.Done():
		}
	})
	if err != nil {
		cancel()
		return nil, err
	}

	stopOnce := sync.Once{}
	stop := func() {
		stopOnce.Do(func() {
			cc.Drain()
			cancel()
			close(ch)
		})
	}
	context.AfterFunc(ctx, stop)

	return &jsSubscription{ch: ch, cancel: stop, maxSeq: maxSeq}, nil
}

func (e *EventStore) subjectForFilter(f es.SubscribeFilter) string {
	part := func(s string) string {
		if s == "" {
			return "*"
		}
		return s
	}
	if f.Tenant == "" && f.AggregateType == "" && f.AggregateID == "" {
		return e.subjectPrefix + ".>"
	}
	return e.subjectPrefix + "." + part(f.Tenant) + "." + part(f.AggregateType) + "." + part(f.AggregateID)
}

type jsSubscription struct {
	ch     chan es.Envelope
	cancel func()
	maxSeq uint64
}

func (s *jsSubscription) Chan() <-chan es.Envelope { return s.ch }
func (s *jsSubscription) Cancel()                  { s.cancel() }
func (s *jsSubscription) MaxSequence() uint64      { return s.maxSeq }

var _ es.EventStore = (*EventStore)(nil)
var _ es.Subscription = (*jsSubscription)(nil)
