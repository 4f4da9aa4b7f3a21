package libmux

import (
	"sync"
)

type callback[T any] func(T)

type listener[V any] struct {
	id uint64
	fn callback[V]
}

// EventEmitterCallback maps events (of type K) to callbacks receiving V.
// Callbacks run synchronously on the emitting goroutine, outside the
// emitter's lock, so they may register or remove listeners themselves.
type EventEmitterCallback[K comparable, V any] struct {
	listeners map[K][]listener[V]
	nextID    uint64
	closed    bool
	onPanic   func(event K, recovered any)
	lock      sync.RWMutex
}

// ListenerHandle removes the listener it was returned for.
type ListenerHandle struct {
	once sync.Once
	off  func()
}

// Off removes the listener. Calling it more than once is a no-op.
func (h *ListenerHandle) Off() {
	if h == nil || h.off == nil {
		return
	}
	h.once.Do(h.off)
}

func NewEventEmitter[K comparable, V any]() *EventEmitterCallback[K, V] {
	return &EventEmitterCallback[K, V]{
		listeners: make(map[K][]listener[V]),
	}
}

// On registers a new listener for the given event.
func (e *EventEmitterCallback[K, V]) On(event K, fn func(V)) *ListenerHandle {
	e.lock.Lock()
	defer e.lock.Unlock()

	if e.closed {
		return &ListenerHandle{}
	}

	e.nextID++
	id := e.nextID
	e.listeners[event] = append(e.listeners[event], listener[V]{id: id, fn: fn})

	return &ListenerHandle{off: func() { e.remove(event, id) }}
}

func (e *EventEmitterCallback[K, V]) remove(event K, id uint64) {
	e.lock.Lock()
	defer e.lock.Unlock()

	current := e.listeners[event]
	for i, l := range current {
		if l.id != id {
			continue
		}
		next := make([]listener[V], 0, len(current)-1)
		next = append(next, current[:i]...)
		next = append(next, current[i+1:]...)
		e.listeners[event] = next
		return
	}
}

// Emit calls every listener registered for event, in registration order.
func (e *EventEmitterCallback[K, V]) Emit(event K, data V) {
	e.lock.RLock()
	listeners := e.listeners[event]
	e.lock.RUnlock()

	for _, l := range listeners {
		e.call(event, l, data)
	}
}

// call runs one listener; a panic is recovered so the remaining listeners
// and the emitting goroutine keep going.
func (e *EventEmitterCallback[K, V]) call(event K, l listener[V], data V) {
	defer func() {
		if r := recover(); r != nil {
			e.lock.RLock()
			onPanic := e.onPanic
			e.lock.RUnlock()
			if onPanic != nil {
				onPanic(event, r)
			}
		}
	}()
	l.fn(data)
}

// OnPanic sets the function told about recovered listener panics.
func (e *EventEmitterCallback[K, V]) OnPanic(fn func(event K, recovered any)) {
	e.lock.Lock()
	e.onPanic = fn
	e.lock.Unlock()
}

// Len returns how many listeners are registered for event.
func (e *EventEmitterCallback[K, V]) Len(event K) int {
	e.lock.RLock()
	defer e.lock.RUnlock()
	return len(e.listeners[event])
}

// Close removes all listeners; later registrations are ignored.
func (e *EventEmitterCallback[K, V]) Close() {
	e.lock.Lock()
	defer e.lock.Unlock()

	e.closed = true
	e.listeners = make(map[K][]listener[V])
}
