// Package event provides typed one-to-many notification with synchronous, in-order delivery.
package event

import "sync"

// Event is a list of observers for values of type T.
// The zero value is ready to use.
type Event[T any] struct {
	m         sync.RWMutex
	nextID    uint64
	observers []observer[T]
}

type observer[T any] struct {
	id uint64
	fn func(T)
}

// Subscribe adds fn to the observers. The returned function removes it.
func (e *Event[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	e.m.Lock()
	id := e.nextID
	e.nextID++
	e.observers = append(e.observers, observer[T]{id: id, fn: fn})
	e.m.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() { e.remove(id) })
	}
}

func (e *Event[T]) remove(id uint64) {
	e.m.Lock()
	defer e.m.Unlock()
	for i, o := range e.observers {
		if o.id == id {
			e.observers = append(e.observers[:i:i], e.observers[i+1:]...)
			return
		}
	}
}

// Notify calls every current observer with v in subscription order on the calling goroutine.
// Observers may subscribe or unsubscribe from inside the callback.
func (e *Event[T]) Notify(v T) {
	e.m.RLock()
	observers := e.observers
	e.m.RUnlock()
	for _, o := range observers {
		o.fn(v)
	}
}

// Len returns the number of observers.
func (e *Event[T]) Len() int {
	e.m.RLock()
	defer e.m.RUnlock()
	return len(e.observers)
}
