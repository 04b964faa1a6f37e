package store

import (
	"context"
	"sync"
)

// Listener receives the shard-key values touched by a mutation.
type Listener func(ctx context.Context, shards []string) error

// Event is a synchronous publish/subscribe primitive. Listeners are invoked
// in registration order; the first error stops delivery. Past publications
// are not replayed to late listeners.
type Event struct {
	mu        sync.Mutex
	next      uint64
	listeners []registration
}

type registration struct {
	id uint64
	fn Listener
}

// Listen registers fn and returns a function that unregisters it.
func (e *Event) Listen(fn Listener) (cancel func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.next++
	id := e.next
	e.listeners = append(e.listeners, registration{id: id, fn: fn})

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, r := range e.listeners {
			if r.id == id {
				e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers shards to every listener registered at the time of the
// call. An empty list is not published.
func (e *Event) Publish(ctx context.Context, shards []string) error {
	if len(shards) == 0 {
		return nil
	}

	e.mu.Lock()
	listeners := make([]registration, len(e.listeners))
	copy(listeners, e.listeners)
	e.mu.Unlock()

	for _, r := range listeners {
		if err := r.fn(ctx, shards); err != nil {
			return err
		}
	}
	return nil
}
