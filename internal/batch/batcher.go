// Package batch coalesces items that arrive within a fixed window into a
// single flush.
package batch

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/workspace/livesync/internal/clock"
	"github.com/workspace/livesync/internal/logging"
)

// DefaultWindow is the coalescing window used when none is configured.
const DefaultWindow = 100 * time.Millisecond

// Batcher buffers items and hands them to a flush function once per window.
// The first Enqueue after a flush opens a window; every item enqueued before
// the window closes is delivered in that window's flush, in arrival order.
type Batcher[T any] struct {
	window time.Duration
	clock  clock.Clock
	flush  func([]T)
	logger *slog.Logger

	mu      sync.Mutex
	pending []T
	timer   clock.Timer
	gen     uint64
	stopped bool

	// flushMu serializes calls to flush so batches arrive in order.
	flushMu sync.Mutex
	flushes atomic.Int64
}

// New creates a Batcher. A non-positive window uses DefaultWindow.
func New[T any](window time.Duration, clk clock.Clock, flush func([]T), logger *slog.Logger) *Batcher[T] {
	if window <= 0 {
		window = DefaultWindow
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Batcher[T]{
		window: window,
		clock:  clk,
		flush:  flush,
		logger: logging.Component(logger, "batch"),
	}
}

// Enqueue adds items to the open window, opening one if needed. It reports
// false once the batcher has been stopped.
func (b *Batcher[T]) Enqueue(items ...T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return false
	}
	if len(items) == 0 {
		return true
	}
	b.pending = append(b.pending, items...)
	if b.timer == nil {
		gen := b.gen
		b.timer = b.clock.AfterFunc(b.window, func() { b.fire(gen) })
	}
	return true
}

func (b *Batcher[T]) fire(gen uint64) {
	b.mu.Lock()
	if b.stopped || gen != b.gen {
		b.mu.Unlock()
		return
	}
	items := b.takeLocked()
	b.mu.Unlock()

	b.deliver(items)
}

// takeLocked closes the current window and returns its items.
func (b *Batcher[T]) takeLocked() []T {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.gen++
	items := b.pending
	b.pending = nil
	return items
}

// Flush closes the open window early and delivers its items immediately.
func (b *Batcher[T]) Flush() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	items := b.takeLocked()
	b.mu.Unlock()

	b.deliver(items)
}

func (b *Batcher[T]) deliver(items []T) {
	if len(items) == 0 {
		return
	}

	b.flushMu.Lock()
	defer b.flushMu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Flush panicked", "items", len(items), "error", fmt.Sprint(r))
		}
	}()

	b.flushes.Add(1)
	b.flush(items)
}

// Stop cancels the open window and discards its items. Later calls to
// Enqueue are rejected. Stop is idempotent.
func (b *Batcher[T]) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return
	}
	b.stopped = true
	if dropped := len(b.takeLocked()); dropped > 0 {
		b.logger.Debug("Discarded pending items on stop", "items", dropped)
	}
}

// Pending returns the number of items waiting for the open window to close.
func (b *Batcher[T]) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Flushes returns the number of non-empty flushes delivered.
func (b *Batcher[T]) Flushes() int64 { return b.flushes.Load() }

// Window returns the coalescing window.
func (b *Batcher[T]) Window() time.Duration { return b.window }
