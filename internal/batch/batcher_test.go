package batch

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/workspace/livesync/internal/clock"
	"github.com/workspace/livesync/internal/logging"
)

type collector struct {
	mu      sync.Mutex
	batches [][]int
}

func (c *collector) flush(items []int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, append([]int(nil), items...))
}

func (c *collector) snapshot() [][]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]int(nil), c.batches...)
}

func newTestBatcher(t *testing.T) (*Batcher[int], *clock.FakeClock, *collector) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := &collector{}
	return New[int](100*time.Millisecond, clk, c.flush, logging.Discard()), clk, c
}

func TestBatcher_BurstWithinWindowFlushesOnce(t *testing.T) {
	b, clk, c := newTestBatcher(t)

	for i := 0; i < 10; i++ {
		require.True(t, b.Enqueue(i))
		clk.Advance(5 * time.Millisecond)
	}
	assert.Empty(t, c.snapshot())
	assert.Equal(t, 10, b.Pending())
	assert.Equal(t, 1, clk.Pending(), "a single window timer")

	clk.Advance(100 * time.Millisecond)

	batches := c.snapshot()
	require.Len(t, batches, 1)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, batches[0])
	assert.Equal(t, 0, b.Pending())
	assert.Equal(t, int64(1), b.Flushes())
}

func TestBatcher_SpacedItemsFlushSeparately(t *testing.T) {
	b, clk, c := newTestBatcher(t)

	for i := 0; i < 3; i++ {
		b.Enqueue(i)
		clk.Advance(150 * time.Millisecond)
	}

	assert.Equal(t, [][]int{{0}, {1}, {2}}, c.snapshot())
}

func TestBatcher_WindowOpensOnFirstEnqueue(t *testing.T) {
	b, clk, c := newTestBatcher(t)

	clk.Advance(time.Second)
	assert.Equal(t, 0, clk.Pending())

	b.Enqueue(1)
	clk.Advance(99 * time.Millisecond)
	assert.Empty(t, c.snapshot())

	clk.Advance(time.Millisecond)
	assert.Equal(t, [][]int{{1}}, c.snapshot())
}

func TestBatcher_FlushDeliversEarly(t *testing.T) {
	b, clk, c := newTestBatcher(t)

	b.Enqueue(1, 2)
	b.Flush()

	assert.Equal(t, [][]int{{1, 2}}, c.snapshot())
	assert.Equal(t, 0, clk.Pending())

	clk.Advance(time.Second)
	assert.Len(t, c.snapshot(), 1, "stale window must not flush again")
}

func TestBatcher_StopDiscardsAndRejects(t *testing.T) {
	b, clk, c := newTestBatcher(t)

	b.Enqueue(1, 2, 3)
	b.Stop()
	b.Stop()

	assert.Equal(t, 0, clk.Pending())
	assert.Equal(t, 0, b.Pending())
	assert.False(t, b.Enqueue(4))

	clk.Advance(time.Second)
	b.Flush()
	assert.Empty(t, c.snapshot())
}

func TestBatcher_FlushPanicIsRecovered(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	calls := 0
	b := New[int](0, clk, func([]int) {
		calls++
		panic("boom")
	}, logging.Discard())

	assert.Equal(t, DefaultWindow, b.Window())

	b.Enqueue(1)
	require.NotPanics(t, func() { clk.Advance(DefaultWindow) })
	b.Enqueue(2)
	require.NotPanics(t, func() { clk.Advance(DefaultWindow) })

	assert.Equal(t, 2, calls)
}

func TestBatcher_EmptyEnqueueDoesNotOpenWindow(t *testing.T) {
	b, clk, _ := newTestBatcher(t)

	assert.True(t, b.Enqueue())
	assert.Equal(t, 0, clk.Pending())
}

func TestBatcher_RealClock(t *testing.T) {
	c := &collector{}
	b := New[int](20*time.Millisecond, clock.Real(), c.flush, logging.Discard())
	defer b.Stop()

	for i := 0; i < 5; i++ {
		b.Enqueue(i)
	}

	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, c.snapshot()[0])
}

func TestBatcher_CoalescingProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		gaps := rapid.SliceOfN(rapid.IntRange(0, 250), 1, 40).Draw(rt, "gapsMs")

		clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
		c := &collector{}
		b := New[int](100*time.Millisecond, clk, c.flush, logging.Discard())

		enqueuedAt := make([]time.Time, len(gaps))
		for i, gap := range gaps {
			enqueuedAt[i] = clk.Now()
			b.Enqueue(i)
			clk.Advance(time.Duration(gap) * time.Millisecond)
		}
		clk.Advance(100 * time.Millisecond)

		next := 0
		for _, batch := range c.snapshot() {
			if len(batch) == 0 {
				rt.Fatalf("empty batch flushed")
			}
			opened := enqueuedAt[batch[0]]
			for _, item := range batch {
				if item != next {
					rt.Fatalf("item %d flushed out of order, want %d", item, next)
				}
				if span := enqueuedAt[item].Sub(opened); span >= 100*time.Millisecond {
					rt.Fatalf("item %d joined a batch opened %v earlier", item, span)
				}
				next++
			}
		}
		if next != len(gaps) {
			rt.Fatalf("flushed %d items, want %d", next, len(gaps))
		}
	})
}
