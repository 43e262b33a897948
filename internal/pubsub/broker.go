// Package pubsub fans registry events out to any number of watchers.
package pubsub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/workspace/livesync/internal/clock"
)

const defaultBufferSize = 64

// EventType names what happened.
type EventType string

const (
	ChannelOpened EventType = "opened"
	StatusChanged EventType = "status"
	ChannelClosed EventType = "closed"
)

// Event is one published notification.
type Event[T any] struct {
	Type      EventType
	Payload   T
	Timestamp time.Time
}

// Broker delivers events to subscriber channels. Publishing never blocks:
// a subscriber whose buffer is full misses the event and the miss is counted.
type Broker[T any] struct {
	clock      clock.Clock
	bufferSize int

	mu     sync.RWMutex
	subs   map[chan Event[T]]struct{}
	closed bool

	missed atomic.Int64
}

// NewBroker creates a broker whose subscriber channels buffer size events.
// A non-positive size uses 64.
func NewBroker[T any](clk clock.Clock, size int) *Broker[T] {
	if clk == nil {
		clk = clock.Real()
	}
	if size <= 0 {
		size = defaultBufferSize
	}
	return &Broker[T]{
		clock:      clk,
		bufferSize: size,
		subs:       make(map[chan Event[T]]struct{}),
	}
}

// Subscribe returns a channel that receives events until ctx is done or the
// broker is closed, at which point the channel is closed.
func (b *Broker[T]) Subscribe(ctx context.Context) <-chan Event[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event[T])
		close(ch)
		return ch
	}

	sub := make(chan Event[T], b.bufferSize)
	b.subs[sub] = struct{}{}

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[sub]; !ok {
			return
		}
		delete(b.subs, sub)
		close(sub)
	}()

	return sub
}

// Publish sends an event to every subscriber.
func (b *Broker[T]) Publish(eventType EventType, payload T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	event := Event[T]{
		Type:      eventType,
		Payload:   payload,
		Timestamp: b.clock.Now(),
	}
	for sub := range b.subs {
		select {
		case sub <- event:
		default:
			b.missed.Add(1)
		}
	}
}

// Close closes every subscriber channel. Later Publish calls are ignored.
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
	b.subs = make(map[chan Event[T]]struct{})
}

// SubscriberCount returns the number of open subscriptions.
func (b *Broker[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Missed returns how many deliveries were skipped because a subscriber was
// full.
func (b *Broker[T]) Missed() int64 { return b.missed.Load() }
