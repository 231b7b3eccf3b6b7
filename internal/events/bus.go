package events

import (
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
)

type subscriber struct {
	id uint64
	fn func(Event)
}

// Bus delivers events synchronously to subscribers in subscription order.
// A panicking subscriber is logged and skipped; the remaining subscribers
// still receive the event.
type Bus struct {
	mu   sync.RWMutex
	subs []subscriber
	next uint64
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers fn and returns a function that removes it. The returned
// function is idempotent.
func (b *Bus) Subscribe(fn func(Event)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	b.mu.Lock()
	b.next++
	id := b.next
	b.subs = append(b.subs, subscriber{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.subs = slices.DeleteFunc(b.subs, func(s subscriber) bool { return s.id == id })
		})
	}
}

// Publish calls every subscriber with evt. Subscribers run outside the bus
// lock, so they may subscribe, unsubscribe, or publish.
func (b *Bus) Publish(evt Event) {
	if b == nil || evt == nil {
		return
	}
	b.mu.RLock()
	subs := slices.Clone(b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		deliver(s.fn, evt)
	}
}

// Len returns the number of subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func deliver(fn func(Event), evt Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[EVENTS] subscriber panicked",
				"topic", evt.Topic(),
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	fn(evt)
}
