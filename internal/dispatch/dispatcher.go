// Package dispatch routes decoded frames to the subscribers of a channel.
//
// A subscriber that panics is logged and skipped; the remaining subscribers
// still receive the message and the caller never sees the panic.
package dispatch

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/workspace/livesync/internal/clock"
	"github.com/workspace/livesync/internal/logging"
	"github.com/workspace/livesync/internal/metrics"
	"github.com/workspace/livesync/internal/wire"
)

// Message is what subscribers receive.
type Message struct {
	Channel   string
	Type      string
	Payload   map[string]any
	Timestamp time.Time
	// Samples is set on coalesced metrics messages.
	Samples []metrics.Sample
}

// Handler receives messages for one subscription.
type Handler func(Message)

type subscription struct {
	id         string
	channel    string
	typeFilter string
	handler    Handler
}

func (s *subscription) matches(msgType string) bool {
	return s.typeFilter == "" || s.typeFilter == msgType
}

// Dispatcher holds the subscriptions of every channel.
type Dispatcher struct {
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.RWMutex
	subs    map[string][]*subscription
	dropped map[string]int64

	totalDropped atomic.Int64
	delivered    atomic.Int64
	panics       atomic.Int64
}

// New creates an empty dispatcher.
func New(clk clock.Clock, logger *slog.Logger) *Dispatcher {
	if clk == nil {
		clk = clock.Real()
	}
	return &Dispatcher{
		clock:   clk,
		logger:  logging.Component(logger, "dispatch"),
		subs:    make(map[string][]*subscription),
		dropped: make(map[string]int64),
	}
}

// Subscribe registers h for messages on channelID whose type equals
// typeFilter, or every message when typeFilter is empty. The returned
// function removes only this subscription and is safe to call more than once.
func (d *Dispatcher) Subscribe(channelID, typeFilter string, h Handler) func() {
	sub := &subscription{
		id:         uuid.NewString(),
		channel:    channelID,
		typeFilter: typeFilter,
		handler:    h,
	}

	d.mu.Lock()
	d.subs[channelID] = append(d.subs[channelID], sub)
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { d.remove(sub) })
	}
}

func (d *Dispatcher) remove(sub *subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()

	list := d.subs[sub.channel]
	for i, s := range list {
		if s != sub {
			continue
		}
		next := make([]*subscription, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(d.subs, sub.channel)
		} else {
			d.subs[sub.channel] = next
		}
		return
	}
}

// Dispatch decodes raw and delivers it when it is an event. Dropped frames
// are counted and logged. Ping and pong frames are not delivered. Sample
// frames are returned untouched for the caller to batch; they are not
// delivered here.
func (d *Dispatcher) Dispatch(channelID string, raw []byte) wire.Frame {
	frame := wire.Decode(raw, d.clock.Now())

	switch frame.Kind {
	case wire.KindDropped:
		d.mu.Lock()
		d.dropped[channelID]++
		d.mu.Unlock()
		d.totalDropped.Add(1)
		d.logger.Debug("Dropped frame", "channel", channelID, "reason", frame.Reason, "bytes", len(raw))
	case wire.KindEvent:
		if frame.Control() {
			break
		}
		d.Deliver(Message{
			Channel:   channelID,
			Type:      frame.Type,
			Payload:   frame.Payload,
			Timestamp: frame.Timestamp,
		})
	}
	return frame
}

// Deliver invokes every matching subscriber of msg.Channel and returns how
// many were invoked, including any that panicked.
func (d *Dispatcher) Deliver(msg Message) int {
	d.mu.RLock()
	var targets []*subscription
	for _, s := range d.subs[msg.Channel] {
		if s.matches(msg.Type) {
			targets = append(targets, s)
		}
	}
	d.mu.RUnlock()

	for _, s := range targets {
		d.invoke(s, msg)
	}
	d.delivered.Add(int64(len(targets)))
	return len(targets)
}

func (d *Dispatcher) invoke(s *subscription, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			d.panics.Add(1)
			d.logger.Error("Subscriber panicked",
				"channel", msg.Channel,
				"type", msg.Type,
				"subscription", s.id,
				"error", fmt.Sprint(r),
			)
		}
	}()
	s.handler(msg)
}

// Clear removes every subscription of a channel and its drop counter.
// Unsubscribe functions handed out earlier become no-ops.
func (d *Dispatcher) Clear(channelID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := len(d.subs[channelID])
	delete(d.subs, channelID)
	delete(d.dropped, channelID)
	return n
}

// SubscriberCount returns the number of subscriptions on a channel.
func (d *Dispatcher) SubscriberCount(channelID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs[channelID])
}

// Dropped returns the number of frames dropped on a channel.
func (d *Dispatcher) Dropped(channelID string) int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.dropped[channelID]
}

// TotalDropped returns frames dropped across all channels, including
// channels that have since been cleared.
func (d *Dispatcher) TotalDropped() int64 { return d.totalDropped.Load() }

// Delivered returns the number of handler invocations.
func (d *Dispatcher) Delivered() int64 { return d.delivered.Load() }

// Panics returns the number of subscriber panics recovered.
func (d *Dispatcher) Panics() int64 { return d.panics.Load() }
