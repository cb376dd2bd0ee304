// Package query is a keyed, invalidation-driven cache for asynchronous reads.
//
// A key's fetcher runs at most once per generation; subscribers that arrive
// while a fetch is in flight share its result. Results are applied in the
// order fetches were started, so a slow response never overwrites a newer one.
// Fetch failures keep the previous value and only raise the error flag.
package query

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"pledgechain/internal/observable"
)

const (
	defaultTimeout = 15 * time.Second
	defaultGCTime  = 5 * time.Minute
)

// Key identifies a cached read. Two keys are equal when kind and every
// parameter render identically.
type Key struct {
	Kind   string
	Params string
}

// NewKey builds a key from a kind and its parameters.
func NewKey(kind string, params ...any) Key {
	return Key{Kind: kind, Params: encodeParams(params)}
}

// encodeParams quotes every parameter so that distinct parameter lists never
// encode to the same string.
func encodeParams(params []any) string {
	parts := make([]string, len(params))
	for i, p := range params {
		parts[i] = strconv.Quote(fmt.Sprint(p))
	}
	return strings.Join(parts, ",")
}

// HasPrefix reports whether k is of kind and its leading parameters equal
// params.
func (k Key) HasPrefix(kind string, params ...any) bool {
	if k.Kind != kind {
		return false
	}
	prefix := encodeParams(params)
	return len(params) == 0 || k.Params == prefix || strings.HasPrefix(k.Params, prefix+",")
}

func (k Key) String() string {
	return k.Kind + ":" + k.Params
}

// Fetcher loads the value of a key. ctx is bounded by the cache timeout.
type Fetcher[T any] func(ctx context.Context) (T, error)

// Snapshot is the observable state of one key. Key is zero for an idle
// observer.
type Snapshot[T any] struct {
	Key       Key
	Value     T
	HasValue  bool
	IsLoading bool
	IsError   bool
	Err       error
	FetchedAt time.Time
}

// Stale reports whether the value shown is known to be outdated: a refresh is
// running or the last one failed.
func (s Snapshot[T]) Stale() bool {
	return s.HasValue && (s.IsLoading || s.IsError)
}

// Outcome of a finished fetch, reported to the observer hook.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeError     Outcome = "error"
	OutcomeDiscarded Outcome = "discarded"
)

// CacheOption configures a Cache.
type CacheOption func(*cacheConfig)

type cacheConfig struct {
	timeout  time.Duration
	gcTime   time.Duration
	now      func() time.Time
	log      *zap.Logger
	observer func(kind string, outcome Outcome, took time.Duration)
}

// WithTimeout bounds every fetch.
func WithTimeout(d time.Duration) CacheOption {
	return func(c *cacheConfig) { c.timeout = d }
}

// WithGCTime sets how long an entry survives after its last subscriber left.
func WithGCTime(d time.Duration) CacheOption {
	return func(c *cacheConfig) { c.gcTime = d }
}

// WithLogger sets the logger used for fetch failures.
func WithLogger(log *zap.Logger) CacheOption {
	return func(c *cacheConfig) { c.log = log }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) CacheOption {
	return func(c *cacheConfig) { c.now = now }
}

// WithObserver receives every finished fetch.
func WithObserver(fn func(kind string, outcome Outcome, took time.Duration)) CacheOption {
	return func(c *cacheConfig) { c.observer = fn }
}

// Cache maps keys to their latest fetched value.
type Cache[T any] struct {
	cfg    cacheConfig
	log    *zap.Logger
	flight singleflight.Group

	mu      sync.Mutex
	entries map[Key]*entry[T]
}

type entry[T any] struct {
	key  Key
	snap *observable.Value[Snapshot[T]]

	// guarded by Cache.mu
	started     uint64
	applied     uint64
	waiting     int
	invalidated bool
	refs        int
	enabledRefs int
	fetcher     Fetcher[T]
	gc          *time.Timer
}

// NewCache returns an empty cache.
func NewCache[T any](opts ...CacheOption) *Cache[T] {
	cfg := cacheConfig{
		timeout: defaultTimeout,
		gcTime:  defaultGCTime,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.log == nil {
		cfg.log = zap.NewNop()
	}
	return &Cache[T]{
		cfg:     cfg,
		log:     cfg.log.Named("query"),
		entries: make(map[Key]*entry[T]),
	}
}

// Subscribe returns a live handle on key, fetching when the cached value is
// missing, invalidated or older than the stale time. The handle must be closed.
func (c *Cache[T]) Subscribe(key Key, fetcher Fetcher[T], opts ...Option) *Handle[T] {
	o := resolveOptions(opts)

	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		e = &entry[T]{key: key, snap: observable.New(Snapshot[T]{Key: key})}
		c.entries[key] = e
	}
	e.refs++
	if o.enabled {
		e.enabledRefs++
		e.fetcher = fetcher
	}
	if e.gc != nil {
		e.gc.Stop()
		e.gc = nil
	}
	c.mu.Unlock()

	h := &Handle[T]{cache: c, entry: e, fetcher: fetcher, opts: o}
	if o.enabled && c.needsFetch(e, o.staleTime) {
		c.fetch(e, fetcher)
	}
	return h
}

// Invalidate marks key as outdated. Live subscribers refetch immediately;
// otherwise the next subscription does.
func (c *Cache[T]) Invalidate(key Key) {
	c.InvalidateWhere(func(k Key) bool { return k == key })
}

// InvalidateWhere invalidates every key matching pred.
func (c *Cache[T]) InvalidateWhere(pred func(Key) bool) {
	type refetch struct {
		e       *entry[T]
		fetcher Fetcher[T]
	}
	c.mu.Lock()
	var live []refetch
	for k, e := range c.entries {
		if !pred(k) {
			continue
		}
		e.invalidated = true
		c.flight.Forget(k.String())
		if e.enabledRefs > 0 && e.fetcher != nil {
			live = append(live, refetch{e: e, fetcher: e.fetcher})
		}
	}
	c.mu.Unlock()

	for _, r := range live {
		c.fetch(r.e, r.fetcher)
	}
}

// Len reports the number of retained entries.
func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache[T]) needsFetch(e *entry[T], staleTime time.Duration) bool {
	c.mu.Lock()
	invalidated := e.invalidated
	c.mu.Unlock()
	s := e.snap.Get()
	if invalidated || !s.HasValue {
		return true
	}
	return c.cfg.now().Sub(s.FetchedAt) >= staleTime
}

// fetch starts a fetch for e, or joins the one already running. IsLoading
// stays set while any caller waits on a flight.
func (c *Cache[T]) fetch(e *entry[T], fetcher Fetcher[T]) {
	c.mu.Lock()
	e.waiting++
	c.mu.Unlock()
	c.refreshLoading(e)

	done := c.flight.DoChan(e.key.String(), func() (any, error) {
		c.mu.Lock()
		e.started++
		gen := e.started
		e.invalidated = false
		c.mu.Unlock()

		began := c.cfg.now()
		v, err := c.run(fetcher)
		c.complete(e, gen, v, err, c.cfg.now().Sub(began))
		return v, err
	})

	go func() {
		<-done
		c.mu.Lock()
		e.waiting--
		c.mu.Unlock()
		c.refreshLoading(e)
	}()
}

// refreshLoading recomputes IsLoading inside the update so that concurrent
// refreshes settle on the latest waiter count.
func (c *Cache[T]) refreshLoading(e *entry[T]) {
	e.snap.Update(func(s Snapshot[T]) Snapshot[T] {
		c.mu.Lock()
		s.IsLoading = e.waiting > 0
		c.mu.Unlock()
		return s
	})
}

func (c *Cache[T]) run(fetcher Fetcher[T]) (v T, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fetcher panic: %v", r)
		}
	}()
	return fetcher(ctx)
}

func (c *Cache[T]) complete(e *entry[T], gen uint64, v T, err error, took time.Duration) {
	c.mu.Lock()
	if gen <= e.applied {
		c.mu.Unlock()
		c.observe(e.key, OutcomeDiscarded, took)
		return
	}
	e.applied = gen
	c.mu.Unlock()

	e.snap.Update(func(s Snapshot[T]) Snapshot[T] {
		if err != nil {
			s.IsError = true
			s.Err = err
			return s
		}
		s.Value = v
		s.HasValue = true
		s.IsError = false
		s.Err = nil
		s.FetchedAt = c.cfg.now()
		return s
	})

	if err != nil {
		c.log.Warn("query fetch failed", zap.String("key", e.key.String()), zap.Error(err))
		c.observe(e.key, OutcomeError, took)
		return
	}
	c.observe(e.key, OutcomeSuccess, took)
}

func (c *Cache[T]) observe(key Key, outcome Outcome, took time.Duration) {
	if c.cfg.observer != nil {
		c.cfg.observer(key.Kind, outcome, took)
	}
}

func (c *Cache[T]) release(e *entry[T], enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e.refs--
	if enabled {
		e.enabledRefs--
		if e.enabledRefs == 0 {
			e.fetcher = nil
		}
	}
	if e.refs > 0 {
		return
	}
	if c.cfg.gcTime <= 0 {
		c.removeLocked(e)
		return
	}
	e.gc = time.AfterFunc(c.cfg.gcTime, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if e.refs == 0 {
			c.removeLocked(e)
		}
	})
}

func (c *Cache[T]) removeLocked(e *entry[T]) {
	if cur, ok := c.entries[e.key]; ok && cur == e {
		delete(c.entries, e.key)
		c.flight.Forget(e.key.String())
	}
}
