// Package events provides a small named publish/subscribe registry.
package events

import "sync"

// Emitter maps an event name to an ordered list of handlers.
type Emitter[E any] struct {
	mu       sync.Mutex
	seq      uint64
	handlers map[string][]handler[E]
}

type handler[E any] struct {
	id uint64
	fn func(E)
}

// New creates an empty Emitter.
func New[E any]() *Emitter[E] {
	return &Emitter[E]{handlers: make(map[string][]handler[E])}
}

// On registers fn for name and returns a func that removes it again.
// Calling the returned func more than once is a no-op.
func (e *Emitter[E]) On(name string, fn func(E)) func() {
	e.mu.Lock()
	e.seq++
	id := e.seq
	e.handlers[name] = append(e.handlers[name], handler[E]{id: id, fn: fn})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { e.off(name, id) })
	}
}

func (e *Emitter[E]) off(name string, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	hs := e.handlers[name]
	for i, h := range hs {
		if h.id != id {
			continue
		}
		// Copy so that an Emit iterating the old slice is unaffected.
		next := make([]handler[E], 0, len(hs)-1)
		next = append(next, hs[:i]...)
		next = append(next, hs[i+1:]...)
		if len(next) == 0 {
			delete(e.handlers, name)
		} else {
			e.handlers[name] = next
		}
		return
	}
}

// Emit calls every handler registered for name, in registration order.
// Handlers run on the caller's goroutine and may subscribe or unsubscribe.
func (e *Emitter[E]) Emit(name string, ev E) {
	e.mu.Lock()
	hs := e.handlers[name]
	e.mu.Unlock()

	for _, h := range hs {
		h.fn(ev)
	}
}

// Count reports how many handlers are registered for name.
func (e *Emitter[E]) Count(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handlers[name])
}
