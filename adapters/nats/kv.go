package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/cqrs-go/ports/kv"
)

type KvConfig struct {
	Connect Connector // nil means ConnectDefault()
	Bucket  string
	// TTL applies to the whole bucket; JetStream KV has no per-key TTL, so
	// kv.PutOptions.TTL is ignored here.
	TTL      time.Duration
	MaxBytes int64
}

// KvStore implements the kv port on a JetStream key/value bucket. Snapshots
// and command results ride on it in a NATS deployment.
type KvStore struct {
	kv      jetstream.KeyValue
	closeNc closeFunc
}

func NewKvStore(cfg KvConfig) (*KvStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
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

	maxBytes := cfg.MaxBytes
	if maxBytes == 0 {
		maxBytes = 64 * 1024 * 1024
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	bucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:   cfg.Bucket,
		Storage:  jetstream.FileStorage,
		TTL:      cfg.TTL,
		MaxBytes: maxBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure bucket %s: %w", cfg.Bucket, err)
	}

	return &KvStore{kv: bucket, closeNc: closeNc}, nil
}

func (k *KvStore) Close() {
	k.closeNc()
}

// sanitizeKey maps arbitrary keys onto the JetStream KV key alphabet, which
// treats '.' as a hierarchy separator and forbids '/'.
func sanitizeKey(key string) string {
	out := make([]byte, len(key))
	for i := 0; i < len(key); i++ {
		switch c := key[i]; c {
		case '/', ' ':
			out[i] = '.'
		default:
			out[i] = c
		}
	}
	return string(out)
}

func (k *KvStore) Put(ctx context.Context, key string, entry kv.Entry, _ kv.PutOptions) error {
	_, err := k.kv.Put(ctx, sanitizeKey(key), entry.Data)
	return err
}

func (k *KvStore) Get(ctx context.Context, key string) (kv.Entry, error) {
	e, err := k.kv.Get(ctx, sanitizeKey(key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return kv.Entry{}, kv.ErrNotFound
		}
		return kv.Entry{}, err
	}
	return kv.Entry{Data: e.Value(), Revision: e.Revision()}, nil
}

func (k *KvStore) Delete(ctx context.Context, key string) error {
	return k.kv.Delete(ctx, sanitizeKey(key))
}

var _ kv.Store = (*KvStore)(nil)
