// Package observable provides a value holder that notifies subscribers on change.
package observable

import "sync"

// Value holds a T and pushes every new value to its subscribers, in the order
// the values were set. Subscribers run on the setting goroutine and must not
// call Set on the same Value.
type Value[T any] struct {
	mu      sync.Mutex
	deliver sync.Mutex
	val     T
	nextID  uint64
	subs    []subscriber[T]
}

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

// New returns a Value initialised to v.
func New[T any](v T) *Value[T] {
	return &Value[T]{val: v}
}

// Get returns the current value.
func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.val
}

// Set stores val and notifies subscribers.
func (v *Value[T]) Set(val T) {
	v.Update(func(T) T { return val })
}

// Update applies fn to the current value atomically and notifies subscribers
// with the result.
func (v *Value[T]) Update(fn func(T) T) T {
	v.deliver.Lock()
	defer v.deliver.Unlock()

	v.mu.Lock()
	v.val = fn(v.val)
	next := v.val
	subs := make([]subscriber[T], len(v.subs))
	copy(subs, v.subs)
	v.mu.Unlock()

	for _, s := range subs {
		s.fn(next)
	}
	return next
}

// Subscribe registers fn for future values. The returned func unregisters it
// and is safe to call more than once.
func (v *Value[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	v.mu.Lock()
	v.nextID++
	id := v.nextID
	v.subs = append(v.subs, subscriber[T]{id: id, fn: fn})
	v.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			v.mu.Lock()
			defer v.mu.Unlock()
			for i, s := range v.subs {
				if s.id == id {
					v.subs = append(v.subs[:i:i], v.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Subscribers reports how many callbacks are registered.
func (v *Value[T]) Subscribers() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.subs)
}
