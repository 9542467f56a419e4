// Package feed is a small in-process fan-out with explicit subscribe and unsubscribe.
package feed

import (
	"sync"

	"go.uber.org/zap"
)

// Feed delivers every published value to all current subscribers.
// Publish never blocks: a subscriber whose buffer is full misses the value.
type Feed[T any] struct {
	mu      sync.Mutex
	subs    map[uint64]chan T
	nextID  uint64
	closed  bool
	dropped uint64
	name    string
	logger  *zap.Logger
}

// New creates a feed; name is only used in log lines
func New[T any](name string, logger *zap.Logger) *Feed[T] {
	return &Feed[T]{
		subs:   make(map[uint64]chan T),
		name:   name,
		logger: logger,
	}
}

// Subscribe registers a subscriber with the given channel buffer.
// The returned func unsubscribes and closes the channel; it is safe to call more than once.
func (f *Feed[T]) Subscribe(buffer int) (<-chan T, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan T, buffer)
	if f.closed {
		close(ch)
		return ch, func() {}
	}

	id := f.nextID
	f.nextID++
	f.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if c, ok := f.subs[id]; ok {
				delete(f.subs, id)
				close(c)
			}
		})
	}
}

// Publish sends v to every subscriber and returns how many received it
func (f *Feed[T]) Publish(v T) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	delivered := 0
	for _, ch := range f.subs {
		select {
		case ch <- v:
			delivered++
		default:
			f.dropped++
			f.logger.Warn("feed subscriber is full, dropping value",
				zap.String("feed", f.name),
				zap.Uint64("dropped_total", f.dropped),
			)
		}
	}
	return delivered
}

// Subscribers returns the number of active subscriptions
func (f *Feed[T]) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Close closes every subscriber channel; later subscriptions get a closed channel
func (f *Feed[T]) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}
