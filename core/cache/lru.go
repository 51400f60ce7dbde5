package cache

import (
	"container/list"
	"sync"
	"time"
)

type LRUOpts struct {
	Size int
}

type lruEntry struct {
	key       string
	val       any
	expiresAt time.Time
}

// LRU is a fixed-size least-recently-used cache with optional per-entry TTL.
type LRU struct {
	mu    sync.Mutex
	size  int
	ll    *list.List
	items map[string]*list.Element
}

func NewLRU(opts LRUOpts) *LRU {
	if opts.Size <= 0 {
		opts.Size = 128
	}
	return &LRU{
		size:  opts.Size,
		ll:    list.New(),
		items: map[string]*list.Element{},
	}
}

func (l *LRU) Get(key string) (any, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	el, ok := l.items[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*lruEntry)
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		l.removeLocked(el)
		return nil, false
	}
	l.ll.MoveToFront(el)
	return e.val, true
}

func (l *LRU) Put(key string, val any, opts ...PutOption) {
	options := PutOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	var expiresAt time.Time
	if options.TTL > 0 {
		expiresAt = time.Now().Add(options.TTL)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if el, ok := l.items[key]; ok {
		l.ll.MoveToFront(el)
		e := el.Value.(*lruEntry)
		e.val = val
		e.expiresAt = expiresAt
		return
	}

	el := l.ll.PushFront(&lruEntry{key: key, val: val, expiresAt: expiresAt})
	l.items[key] = el

	if l.ll.Len() > l.size {
		l.removeLocked(l.ll.Back())
	}
}

func (l *LRU) Delete(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.items[key]; ok {
		l.removeLocked(el)
	}
}

func (l *LRU) removeLocked(el *list.Element) {
	e := el.Value.(*lruEntry)
	l.ll.Remove(el)
	delete(l.items, e.key)
}

var _ Cache = (*LRU)(nil)
