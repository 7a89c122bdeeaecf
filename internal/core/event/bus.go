package event

import (
	"reflect"
	"sync"
)

type queued struct {
	typ reflect.Type
	ev  any
}

// Bus is a double-buffered event bus. Events emitted during step N are
// delivered by DispatchAll in step N+1, after SwapBuffers, in emission order.
type Bus struct {
	mu       sync.Mutex // guards back, pending and handlers
	front    []queued
	back     []queued
	pending  map[reflect.Type]int
	handlers map[reflect.Type][]func(any)
}

func NewBus() *Bus {
	return &Bus{
		pending:  make(map[reflect.Type]int),
		handlers: make(map[reflect.Type][]func(any)),
	}
}

func typeOf[T any]() reflect.Type { return reflect.TypeOf((*T)(nil)).Elem() }

// Emit queues an event for the next dispatch. Safe from encode workers.
func Emit[T any](b *Bus, event T) {
	t := typeOf[T]()
	b.mu.Lock()
	b.back = append(b.back, queued{typ: t, ev: event})
	b.pending[t]++
	b.mu.Unlock()
}

// Subscribe registers a typed handler for events of type T.
func Subscribe[T any](b *Bus, fn func(T)) {
	t := typeOf[T]()
	b.mu.Lock()
	b.handlers[t] = append(b.handlers[t], func(ev any) { fn(ev.(T)) })
	b.mu.Unlock()
}

// SwapBuffers moves this step's events to the front for dispatch.
func (b *Bus) SwapBuffers() {
	b.mu.Lock()
	clear(b.front)
	b.front, b.back = b.back, b.front[:0]
	clear(b.pending)
	b.mu.Unlock()
}

// DispatchAll delivers front-buffer events to their handlers. Handlers may
// Emit; those events land in the back buffer.
func (b *Bus) DispatchAll() {
	for _, q := range b.front {
		b.mu.Lock()
		hs := b.handlers[q.typ]
		b.mu.Unlock()
		for _, h := range hs {
			h(q.ev)
		}
	}
}

// Pending returns how many events of type T wait in the back buffer.
func Pending[T any](b *Bus) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending[typeOf[T]()]
}
