package nats

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/cqrs-go/core/projection"
)

type CheckpointConfig struct {
	Connect Connector // nil means ConnectDefault()
	Bucket  string
}

// CheckpointStore keeps projection checkpoints in a JetStream KV bucket.
// Advance uses the KV revision for compare-and-swap, so two workers racing
// on the same projection cannot both win.
type CheckpointStore struct {
	kv      jetstream.KeyValue
	closeNc closeFunc
}

func NewCheckpointStore(cfg CheckpointConfig) (*CheckpointStore, error) {
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = "cqrs_checkpoints"
	}

	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}
	nc, closeNc, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	b, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:   bucket,
		Storage:  jetstream.FileStorage,
		MaxBytes: 1024 * 1024,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure bucket %s: %w", bucket, err)
	}

	return &CheckpointStore{kv: b, closeNc: closeNc}, nil
}

func (c *CheckpointStore) Close() {
	c.closeNc()
}

func (c *CheckpointStore) get(ctx context.Context, name string) (cp uint64, revision uint64, err error) {
	e, err := c.kv.Get(ctx, name)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return 0, 0, nil
		}
		return 0, 0, err
	}
	cp, err = strconv.ParseUint(string(e.Value()), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("corrupt checkpoint %s: %w", name, err)
	}
	return cp, e.Revision(), nil
}

func (c *CheckpointStore) Get(ctx context.Context, name string) (uint64, error) {
	cp, _, err := c.get(ctx, name)
	return cp, err
}

func (c *CheckpointStore) Advance(ctx context.Context, name string, from, to uint64) error {
	cur, revision, err := c.get(ctx, name)
	if err != nil {
		return err
	}
	if cur != from {
		return fmt.Errorf("%w: %s at %d, expected %d", projection.ErrCheckpointConflict, name, cur, from)
	}

	value := []byte(strconv.FormatUint(to, 10))
	if revision == 0 {
		_, err = c.kv.Create(ctx, name, value)
		if errors.Is(err, jetstream.ErrKeyExists) {
			return fmt.Errorf("%w: %s created concurrently", projection.ErrCheckpointConflict, name)
		}
		return err
	}
	_, err = c.kv.Update(ctx, name, value, revision)
	if isWrongRevision(err) {
		return fmt.Errorf("%w: %s moved concurrently", projection.ErrCheckpointConflict, name)
	}
	return err
}

func (c *CheckpointStore) Reset(ctx context.Context, name string) error {
	err := c.kv.Purge(ctx, name)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return err
}

func isWrongRevision(err error) bool {
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

var _ projection.CheckpointStore = (*CheckpointStore)(nil)
