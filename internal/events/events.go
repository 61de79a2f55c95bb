// Package events provides a typed publish/subscribe registry.
//
// Handlers run synchronously on the publishing goroutine, in registration order.
// A handler may unsubscribe itself (or others) while being invoked; the change
// takes effect from the next Publish.
package events

import "sync"

// Handler receives published values.
type Handler[T any] func(T)

// Registry fans a value out to every subscribed [Handler]. The zero value is ready to use.
type Registry[T any] struct {
	mu       sync.RWMutex
	next     uint64
	handlers []entry[T]
}

type entry[T any] struct {
	id uint64
	fn Handler[T]
}

// NewRegistry creates an empty [Registry].
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{}
}

// Subscribe registers fn and returns a function that removes it. The returned function is idempotent.
func (r *Registry[T]) Subscribe(fn Handler[T]) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}

	r.mu.Lock()
	r.next++
	id := r.next
	r.handlers = append(r.handlers, entry[T]{id: id, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(id) })
	}
}

func (r *Registry[T]) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, e := range r.handlers {
		if e.id == id {
			r.handlers = append(r.handlers[:i:i], r.handlers[i+1:]...)
			return
		}
	}
}

// Publish invokes every handler with v.
func (r *Registry[T]) Publish(v T) {
	r.mu.RLock()
	handlers := r.handlers
	r.mu.RUnlock()

	for _, e := range handlers {
		e.fn(v)
	}
}

// Len returns the number of subscribed handlers.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}
