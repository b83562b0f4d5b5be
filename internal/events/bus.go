package events

import (
	"sync"

	"complyline/internal/domain"
)

// Handler receives committed change events. Handlers run on the publishing
// goroutine and must not block.
type Handler func(domain.Event)

// Bus fans committed events out to in-process subscribers.
type Bus struct {
	mu       sync.RWMutex
	next     int
	handlers map[int]Handler
}

func NewBus() *Bus {
	return &Bus{handlers: map[int]Handler{}}
}

// Subscribe registers h and returns a function that removes it.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	b.handlers[id] = h
	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

// Publish delivers evts in order to every subscriber. A nil Bus drops them.
func (b *Bus) Publish(evts ...domain.Event) {
	if b == nil || len(evts) == 0 {
		return
	}
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()
	for _, evt := range evts {
		for _, h := range handlers {
			h(evt)
		}
	}
}
