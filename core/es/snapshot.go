package es

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/codewandler/cqrs-go/ports/kv"
)

var (
	ErrSnapshotterUnconfigured = errors.New("no snapshotter configured")
	ErrSnapshotNotFound        = errors.New("snapshot not found")
)

type (
	// Snapshot is a materialization of an aggregate's state at a stream
	// version. Its version never exceeds the stream's current version;
	// applying the snapshot and folding events strictly after Version must
	// reconstruct the same state as folding from version 0.
	Snapshot struct {
		SnapshotID string   `json:"snapshot_id"`
		Stream     StreamID `json:"stream"`
		Version    Version  `json:"version"`
		// Seq is the global sequence of the last event covered.
		Seq uint64 `json:"seq"`

		CreatedAt     time.Time `json:"created_at"`
		SchemaVersion int       `json:"schema_version"`
		Encoding      string    `json:"encoding"`
		Data          []byte    `json:"data"`
	}

	// Snapshottable lets aggregates control their snapshot serialization;
	// without it, JSON marshalling of the aggregate is used.
	Snapshottable interface {
		Snapshot() (data []byte, err error)
		RestoreSnapshot(data []byte) error
	}

	Snapshotter interface {
		SaveSnapshot(ctx context.Context, snapshot *Snapshot) error
		LoadSnapshot(ctx context.Context, stream StreamID) (*Snapshot, error)
	}
)

func (s *Snapshot) logAttrs() slog.Attr {
	return slog.Group(
		"snapshot",
		slog.String("id", s.SnapshotID),
		s.Stream.SlogAttr(),
		s.Version.SlogAttr(),
		slog.Uint64("seq", s.Seq),
		slog.Int("size", len(s.Data)),
	)
}

func LoadSnapshot(ctx context.Context, snapshotter Snapshotter, stream StreamID) (*Snapshot, error) {
	if snapshotter == nil {
		return nil, ErrSnapshotterUnconfigured
	}
	return snapshotter.LoadSnapshot(ctx, stream)
}

// ApplySnapshot restores agg from its latest snapshot, setting version and
// sequence to the snapshot position.
func ApplySnapshot(ctx context.Context, snapshotter Snapshotter, agg Aggregate) error {
	snapshot, err := LoadSnapshot(ctx, snapshotter, AggregateStream(agg))
	if err != nil {
		return err
	}
	if s, ok := any(agg).(Snapshottable); ok {
		err = s.RestoreSnapshot(snapshot.Data)
	} else {
		err = json.Unmarshal(snapshot.Data, agg)
	}
	if err != nil {
		return fmt.Errorf("failed to restore snapshot: %w", err)
	}
	agg.setVersion(snapshot.Version)
	agg.setSeq(snapshot.Seq)
	return nil
}

// CreateSnapshot captures agg's state at its current version.
func CreateSnapshot(agg Aggregate) (*Snapshot, error) {
	var (
		data []byte
		err  error
	)
	if s, ok := any(agg).(Snapshottable); ok {
		data, err = s.Snapshot()
	} else {
		data, err = json.Marshal(agg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot: %w", err)
	}
	return &Snapshot{
		SnapshotID:    gonanoid.Must(),
		Stream:        AggregateStream(agg),
		Version:       agg.GetVersion(),
		Seq:           agg.GetSeq(),
		CreatedAt:     time.Now(),
		SchemaVersion: 1,
		Encoding:      "json",
		Data:          data,
	}, nil
}

// === In-memory snapshotter ===

type InMemorySnapshotter struct {
	mu        sync.Mutex
	snapshots map[string]*Snapshot
}

func NewInMemorySnapshotter() *InMemorySnapshotter {
	return &InMemorySnapshotter{snapshots: map[string]*Snapshot{}}
}

func (i *InMemorySnapshotter) SaveSnapshot(_ context.Context, snapshot *Snapshot) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.snapshots[snapshot.Stream.Key()] = snapshot
	return nil
}

func (i *InMemorySnapshotter) LoadSnapshot(_ context.Context, stream StreamID) (*Snapshot, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	s, ok := i.snapshots[stream.Key()]
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	return s, nil
}

var _ Snapshotter = (*InMemorySnapshotter)(nil)

// === KV-backed snapshotter ===

// KvSnapshotter persists snapshots in any kv.Store backend.
type KvSnapshotter struct {
	kv     kv.Store
	prefix string
}

func NewKvSnapshotter(store kv.Store) *KvSnapshotter {
	return &KvSnapshotter{kv: store, prefix: "snapshot/"}
}

func (k *KvSnapshotter) SaveSnapshot(ctx context.Context, snapshot *Snapshot) error {
	return kv.Put(ctx, k.kv, k.prefix+snapshot.Stream.Key(), snapshot, kv.PutOptions{})
}

func (k *KvSnapshotter) LoadSnapshot(ctx context.Context, stream StreamID) (*Snapshot, error) {
	s, err := kv.Get[Snapshot](ctx, k.kv, k.prefix+stream.Key())
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrSnapshotNotFound
		}
		return nil, err
	}
	return &s, nil
}

var _ Snapshotter = (*KvSnapshotter)(nil)
