package query

import (
	"sync"
	"sync/atomic"
	"time"

	"pledgechain/internal/observable"
)

// Option configures a subscription.
type Option func(*options)

type options struct {
	enabled            bool
	staleTime          time.Duration
	refetchOnKeyChange bool
}

func resolveOptions(opts []Option) options {
	o := options{enabled: true}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Enabled skips fetching entirely when false.
func Enabled(enabled bool) Option {
	return func(o *options) { o.enabled = enabled }
}

// StaleTime is how long a cached value is served before a new subscription
// refetches it. Zero means always refetch.
func StaleTime(d time.Duration) Option {
	return func(o *options) { o.staleTime = d }
}

// RefetchOnKeyChange makes an Observer fetch every time its key changes, even
// when a fresh value is cached.
func RefetchOnKeyChange(refetch bool) Option {
	return func(o *options) { o.refetchOnKeyChange = refetch }
}

// Handle is one subscription to a key.
type Handle[T any] struct {
	cache   *Cache[T]
	entry   *entry[T]
	fetcher Fetcher[T]
	opts    options

	once sync.Once
}

// Key returns the subscribed key.
func (h *Handle[T]) Key() Key {
	return h.entry.key
}

// Snapshot returns the current state. A disabled handle without a cached
// value reports neither loading nor error.
func (h *Handle[T]) Snapshot() Snapshot[T] {
	return h.entry.snap.Get()
}

// Watch registers fn for state changes of the key.
func (h *Handle[T]) Watch(fn func(Snapshot[T])) (cancel func()) {
	return h.entry.snap.Subscribe(fn)
}

// Refetch invalidates the key and fetches it again.
func (h *Handle[T]) Refetch() {
	if !h.opts.enabled {
		return
	}
	h.cache.Invalidate(h.entry.key)
}

// Close releases the subscription.
func (h *Handle[T]) Close() {
	h.once.Do(func() {
		h.cache.release(h.entry, h.opts.enabled)
	})
}

// Observer follows one key at a time and republishes only that key's state,
// the way a view re-subscribes when its parameters change.
type Observer[T any] struct {
	cache *Cache[T]
	base  []Option
	out   *observable.Value[Snapshot[T]]

	// seq identifies the current subscription; callbacks of released
	// subscriptions compare against it inside the output update.
	seq atomic.Uint64

	mu     sync.Mutex
	handle *Handle[T]
	stop   func()
}

// Observe returns an Observer with default options for every SetKey.
func (c *Cache[T]) Observe(opts ...Option) *Observer[T] {
	return &Observer[T]{
		cache: c,
		base:  opts,
		out:   observable.New(Snapshot[T]{}),
	}
}

// SetKey moves the observer to key. With Enabled(false) the observer releases
// its subscription and reports an empty, idle snapshot without fetching.
func (o *Observer[T]) SetKey(key Key, fetcher Fetcher[T], opts ...Option) {
	all := append(append([]Option{}, o.base...), opts...)
	resolved := resolveOptions(all)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.handle != nil && o.handle.Key() == key && resolved.enabled {
		return
	}
	seq := o.seq.Add(1)
	o.releaseLocked()

	if !resolved.enabled {
		o.out.Set(Snapshot[T]{})
		return
	}
	if resolved.refetchOnKeyChange {
		o.cache.Invalidate(key)
	}

	h := o.cache.Subscribe(key, fetcher, all...)
	o.handle = h
	o.stop = h.Watch(func(s Snapshot[T]) {
		o.out.Update(func(cur Snapshot[T]) Snapshot[T] {
			if o.seq.Load() != seq {
				return cur
			}
			return s
		})
	})
	// The entry is read inside the update so a fetch that completed after
	// Watch was registered is not overwritten by an older snapshot.
	o.out.Update(func(cur Snapshot[T]) Snapshot[T] {
		if o.seq.Load() != seq {
			return cur
		}
		return h.Snapshot()
	})
}

// Snapshot returns the state of the current key.
func (o *Observer[T]) Snapshot() Snapshot[T] {
	return o.out.Get()
}

// Subscribe registers fn for state changes of whichever key is current.
func (o *Observer[T]) Subscribe(fn func(Snapshot[T])) (unsubscribe func()) {
	return o.out.Subscribe(fn)
}

// Key returns the current key and whether one is active.
func (o *Observer[T]) Key() (Key, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.handle == nil {
		return Key{}, false
	}
	return o.handle.Key(), true
}

// Refetch forces a fetch of the current key.
func (o *Observer[T]) Refetch() {
	o.mu.Lock()
	h := o.handle
	o.mu.Unlock()
	if h != nil {
		h.Refetch()
	}
}

// Close releases the current subscription.
func (o *Observer[T]) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seq.Add(1)
	o.releaseLocked()
}

func (o *Observer[T]) releaseLocked() {
	if o.stop != nil {
		o.stop()
		o.stop = nil
	}
	if o.handle != nil {
		o.handle.Close()
		o.handle = nil
	}
}
