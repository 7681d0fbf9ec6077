// Package pubsub fans events out to subscribers over buffered
// channels. Publishing never blocks: a subscriber that falls behind
// loses events instead of stalling the publisher. The engine's event
// stream and the debug log listener are both built on it.
package pubsub

import (
	"context"
	"sync"
	"time"
)

const defaultBuffer = 64

// Event wraps a published payload with the time it was published.
type Event[T any] struct {
	Payload T
	At      time.Time
}

// Broker fans payloads of one type out to any number of subscribers.
// The zero value is not usable; construct with NewBroker.
type Broker[T any] struct {
	mu     sync.RWMutex
	subs   map[chan Event[T]]struct{}
	buffer int
	closed bool
}

// NewBroker returns a broker whose subscriber channels hold up to 64
// events.
func NewBroker[T any]() *Broker[T] {
	return NewBrokerWithBuffer[T](defaultBuffer)
}

// NewBrokerWithBuffer returns a broker with the given per-subscriber
// channel capacity.
func NewBrokerWithBuffer[T any](size int) *Broker[T] {
	return &Broker[T]{
		subs:   make(map[chan Event[T]]struct{}),
		buffer: size,
	}
}

// Subscribe registers a new subscriber. The returned channel closes
// when ctx is cancelled or the broker shuts down; subscribing to a
// closed broker yields an already-closed channel.
func (b *Broker[T]) Subscribe(ctx context.Context) <-chan Event[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event[T])
		close(ch)
		return ch
	}

	sub := make(chan Event[T], b.buffer)
	b.subs[sub] = struct{}{}

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		// Close may have won the race and already closed the channel.
		if _, live := b.subs[sub]; live {
			delete(b.subs, sub)
			close(sub)
		}
	}()

	return sub
}

// Publish delivers the payload to every subscriber with buffer space
// left. Payloads for full subscribers are silently dropped.
func (b *Broker[T]) Publish(payload T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	ev := Event[T]{Payload: payload, At: time.Now()}
	for sub := range b.subs {
		select {
		case sub <- ev:
		default:
		}
	}
}

// Close shuts the broker down and closes every subscriber channel.
// Safe to call more than once.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub)
	}
	b.subs = nil
}

// SubscriberCount reports how many subscribers are attached.
func (b *Broker[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
