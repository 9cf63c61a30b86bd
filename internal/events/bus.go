// Package events is an in-process publish/subscribe bus used to signal
// between components that must not call each other directly.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/nholik/cutover/internal/phase"
)

const defaultBuffer = 16

// PhaseChange announces a published phase transition.
type PhaseChange struct {
	From    phase.Phase
	To      phase.Phase
	Version uint64
	Actor   string
	At      time.Time
}

// Bus fans out values of type T to every subscriber.
type Bus[T any] struct {
	mu     sync.RWMutex
	subs   map[int]chan T
	nextID int
	closed bool
}

// NewBus returns an empty bus.
func NewBus[T any]() *Bus[T] {
	return &Bus[T]{subs: map[int]chan T{}}
}

// Subscribe returns a buffered receive channel and a function that removes it.
func (b *Bus[T]) Subscribe() (<-chan T, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan T, defaultBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

// Publish delivers v to every subscriber, waiting on full buffers until ctx is done.
// It returns the number of subscribers that received v.
func (b *Bus[T]) Publish(ctx context.Context, v T) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for _, ch := range b.subs {
		select {
		case ch <- v:
			delivered++
			continue
		default:
		}
		select {
		case ch <- v:
			delivered++
		case <-ctx.Done():
			return delivered
		}
	}
	return delivered
}

// Close closes every subscriber channel. Later publishes are dropped.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
