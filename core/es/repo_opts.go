package es

import (
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/codewandler/cqrs-go/core/cache"
)

// IDGenerator generates unique ids for event envelopes.
type IDGenerator func() string

func DefaultIDGenerator() IDGenerator {
	return func() string { return gonanoid.Must() }
}

type (
	repoOpts struct {
		snapshotter   Snapshotter
		cache         cache.Cache
		idGenerator   IDGenerator
		metrics       ESMetrics
		snapshotEvery uint64
	}

	repoSaveOptions struct {
		snapshot bool
		useCache bool
		meta     Metadata
	}

	repoLoadOptions struct {
		snapshot bool
		useCache bool
	}

	RepositoryOption interface{ applyToRepository(*repoOpts) }
	SaveOption       interface{ applyToSaveOptions(*repoSaveOptions) }
	LoadOption       interface{ applyToLoadOptions(*repoLoadOptions) }
)

type (
	SnapshotterOption     valueOption[Snapshotter]
	SnapshotOption        valueOption[bool]
	SnapshotEveryOption   valueOption[uint64]
	RepoCacheOption       valueOption[cache.Cache]
	RepoUseCacheOption    valueOption[bool]
	RepoIDGeneratorOption valueOption[IDGenerator]
	MetaOption            valueOption[Metadata]
)

func WithSnapshotter(s Snapshotter) SnapshotterOption { return SnapshotterOption{v: s} }

// WithSnapshot toggles snapshot usage for a single Load or Save call.
func WithSnapshot(v bool) SnapshotOption { return SnapshotOption{v: v} }

// WithSnapshotEvery makes the repository create a snapshot automatically
// whenever a save crosses a multiple of n stream versions.
func WithSnapshotEvery(n uint64) SnapshotEveryOption { return SnapshotEveryOption{v: n} }

func WithRepoCache(c cache.Cache) RepoCacheOption { return RepoCacheOption{v: c} }
func WithRepoCacheLRU(size int) RepoCacheOption {
	return WithRepoCache(cache.NewLRU(cache.LRUOpts{Size: size}))
}
func WithUseCache(v bool) RepoUseCacheOption { return RepoUseCacheOption{v: v} }

// WithIDGenerator sets a custom id generator for event envelope ids.
func WithIDGenerator(gen IDGenerator) RepoIDGeneratorOption {
	return RepoIDGeneratorOption{v: gen}
}

// WithMeta attaches caller metadata to the envelopes written by a Save.
func WithMeta(meta Metadata) MetaOption { return MetaOption{v: meta} }

func (o SnapshotterOption) applyToRepository(opts *repoOpts)     { opts.snapshotter = o.v }
func (o RepoCacheOption) applyToRepository(opts *repoOpts)       { opts.cache = o.v }
func (o RepoIDGeneratorOption) applyToRepository(opts *repoOpts) { opts.idGenerator = o.v }
func (o SnapshotEveryOption) applyToRepository(opts *repoOpts)   { opts.snapshotEvery = o.v }

func (o SnapshotOption) applyToSaveOptions(opts *repoSaveOptions)     { opts.snapshot = o.v }
func (o RepoUseCacheOption) applyToSaveOptions(opts *repoSaveOptions) { opts.useCache = o.v }
func (o MetaOption) applyToSaveOptions(opts *repoSaveOptions)         { opts.meta = o.v }

func (o SnapshotOption) applyToLoadOptions(opts *repoLoadOptions)     { opts.snapshot = o.v }
func (o RepoUseCacheOption) applyToLoadOptions(opts *repoLoadOptions) { opts.useCache = o.v }

func newRepoOpts(opts ...RepositoryOption) repoOpts {
	options := repoOpts{
		cache:       cache.NewNop(),
		idGenerator: DefaultIDGenerator(),
		metrics:     NopESMetrics(),
	}
	for _, opt := range opts {
		opt.applyToRepository(&options)
	}
	return options
}

func newSaveOptions(opts ...SaveOption) repoSaveOptions {
	options := repoSaveOptions{useCache: true}
	for _, opt := range opts {
		opt.applyToSaveOptions(&options)
	}
	return options
}

func newLoadOptions(opts ...LoadOption) repoLoadOptions {
	options := repoLoadOptions{useCache: true}
	for _, opt := range opts {
		opt.applyToLoadOptions(&options)
	}
	return options
}

// === transaction options ===

type (
	txOpts struct {
		maxAttempts int
		backoff     time.Duration
		saveOpts    []SaveOption
		loadOpts    []LoadOption
	}

	TxOption interface{ applyToTxOptions(*txOpts) }

	TxMaxAttemptsOption valueOption[int]
	TxBackoffOption     valueOption[time.Duration]
	TxSaveOptsOption    struct{ opts []SaveOption }
	TxLoadOptsOption    struct{ opts []LoadOption }
)

func WithTxMaxAttempts(n int) TxMaxAttemptsOption            { return TxMaxAttemptsOption{v: n} }
func WithTxBackoff(d time.Duration) TxBackoffOption          { return TxBackoffOption{v: d} }
func WithTxSaveOpts(opts ...SaveOption) TxSaveOptsOption     { return TxSaveOptsOption{opts: opts} }
func WithTxLoadOpts(opts ...LoadOption) TxLoadOptsOption     { return TxLoadOptsOption{opts: opts} }

func (o TxMaxAttemptsOption) applyToTxOptions(opts *txOpts) { opts.maxAttempts = o.v }
func (o TxBackoffOption) applyToTxOptions(opts *txOpts)     { opts.backoff = o.v }
func (o TxSaveOptsOption) applyToTxOptions(opts *txOpts)    { opts.saveOpts = append(opts.saveOpts, o.opts...) }
func (o TxLoadOptsOption) applyToTxOptions(opts *txOpts)    { opts.loadOpts = append(opts.loadOpts, o.opts...) }

func newTxOptions(opts ...TxOption) txOpts {
	options := txOpts{
		maxAttempts: 5,
		backoff:     25 * time.Millisecond,
	}
	for _, opt := range opts {
		opt.applyToTxOptions(&options)
	}
	return options
}
