// Package events provides a small in-process publish/subscribe bus used to
// push state changes to UI collaborators instead of having them poll stores.
package events

import (
	"sync"
)

type Handler[T any] func(T)

// Bus fans an event out to every subscriber, synchronously and in
// subscription order. Handlers are snapshotted before dispatch, so a handler
// may unsubscribe itself or subscribe others while being called.
type Bus[T any] struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[uint64]Handler[T]
	order    []uint64
}

func NewBus[T any]() *Bus[T] {
	return &Bus[T]{
		handlers: make(map[uint64]Handler[T]),
	}
}

// Subscribe registers h and returns a function that removes it.
func (b *Bus[T]) Subscribe(h Handler[T]) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers[id] = h
	b.order = append(b.order, id)

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(id) })
	}
}

func (b *Bus[T]) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.handlers, id)
	for i, v := range b.order {
		if v == id {
			b.order = append(b.order[:i:i], b.order[i+1:]...)
			break
		}
	}
}

func (b *Bus[T]) Publish(event T) {
	b.mu.RLock()
	handlers := make([]Handler[T], 0, len(b.order))
	for _, id := range b.order {
		handlers = append(handlers, b.handlers[id])
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}
