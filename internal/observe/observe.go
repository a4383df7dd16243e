// Package observe provides a watchable value for component state.
package observe

import "sync"

type Value[T any] struct {
	mu       sync.RWMutex
	current  T
	watchers map[int]func(T)
	nextID   int
}

func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{current: initial, watchers: map[int]func(T){}}
}

func (v *Value[T]) Get() T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.current
}

// Set stores next and notifies watchers outside the lock.
func (v *Value[T]) Set(next T) {
	v.Update(func(T) T { return next })
}

// Update applies fn to the current value atomically and notifies watchers
// with the result.
func (v *Value[T]) Update(fn func(T) T) T {
	v.mu.Lock()
	next := fn(v.current)
	v.current = next
	watchers := make([]func(T), 0, len(v.watchers))
	for _, w := range v.watchers {
		watchers = append(watchers, w)
	}
	v.mu.Unlock()
	for _, w := range watchers {
		w(next)
	}
	return next
}

// Watch registers fn for future changes. The returned func unregisters it.
func (v *Value[T]) Watch(fn func(T)) func() {
	if fn == nil {
		return func() {}
	}
	v.mu.Lock()
	id := v.nextID
	v.nextID++
	if v.watchers == nil {
		v.watchers = map[int]func(T){}
	}
	v.watchers[id] = fn
	v.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			v.mu.Lock()
			delete(v.watchers, id)
			v.mu.Unlock()
		})
	}
}
