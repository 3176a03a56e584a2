// Package observe provides small observable primitives used to expose
// connectivity, pending mutation counts and sync events to the UI layer.
//
// Listeners are invoked synchronously on the goroutine that published the
// change, one notification at a time. A listener must not publish to the same
// observable it is subscribed to.
package observe

import "sync"

// Subscription is the handle returned by Subscribe. Close deregisters the
// listener; it is safe to call more than once.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Close deregisters the listener.
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

// listeners is an ordered set of callbacks keyed by registration id.
type listeners[T any] struct {
	mu   sync.Mutex
	next uint64
	fns  map[uint64]func(T)
}

func (l *listeners[T]) add(fn func(T)) *Subscription {
	l.mu.Lock()
	if l.fns == nil {
		l.fns = make(map[uint64]func(T))
	}
	id := l.next
	l.next++
	l.fns[id] = fn
	l.mu.Unlock()

	return &Subscription{cancel: func() {
		l.mu.Lock()
		delete(l.fns, id)
		l.mu.Unlock()
	}}
}

// snapshot returns the callbacks in registration order.
func (l *listeners[T]) snapshot() []func(T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]func(T), 0, len(l.fns))
	for id := uint64(0); id < l.next; id++ {
		if fn, ok := l.fns[id]; ok {
			out = append(out, fn)
		}
	}
	return out
}

func (l *listeners[T]) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.fns)
}

// Value holds a single observable value. Subscribers are notified only when
// Set stores a value different from the current one.
type Value[T comparable] struct {
	mu      sync.RWMutex
	current T

	deliver sync.Mutex
	subs    listeners[T]
}

// NewValue returns a Value seeded with initial.
func NewValue[T comparable](initial T) *Value[T] {
	return &Value[T]{current: initial}
}

// Get returns the current value without blocking on listeners.
func (v *Value[T]) Get() T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.current
}

// Set stores next and notifies subscribers if it differs from the current
// value. It reports whether a change happened.
func (v *Value[T]) Set(next T) bool {
	v.deliver.Lock()
	defer v.deliver.Unlock()

	v.mu.Lock()
	if v.current == next {
		v.mu.Unlock()
		return false
	}
	v.current = next
	v.mu.Unlock()

	for _, fn := range v.subs.snapshot() {
		fn(next)
	}
	return true
}

// Subscribe registers fn for future changes. The current value is not replayed.
func (v *Value[T]) Subscribe(fn func(T)) *Subscription {
	return v.subs.add(fn)
}

// Subscribers returns the number of registered listeners.
func (v *Value[T]) Subscribers() int {
	return v.subs.len()
}

// Feed broadcasts every published item to its subscribers.
type Feed[T any] struct {
	deliver sync.Mutex
	subs    listeners[T]
}

// Publish delivers item to every current subscriber.
func (f *Feed[T]) Publish(item T) {
	f.deliver.Lock()
	defer f.deliver.Unlock()
	for _, fn := range f.subs.snapshot() {
		fn(item)
	}
}

// Subscribe registers fn for future items.
func (f *Feed[T]) Subscribe(fn func(T)) *Subscription {
	return f.subs.add(fn)
}

// Subscribers returns the number of registered listeners.
func (f *Feed[T]) Subscribers() int {
	return f.subs.len()
}
