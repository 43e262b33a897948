package reconnect

import (
	"sync"

	"github.com/workspace/livesync/internal/clock"
)

// Scheduler arms one reconnection timer at a time and counts attempts
// against a retry budget. Attempts accumulate until Reset.
type Scheduler struct {
	policy     Policy
	maxRetries int
	clock      clock.Clock

	mu       sync.Mutex
	attempts int
	timer    clock.Timer
	gen      uint64
}

// NewScheduler creates a scheduler. A nil policy uses Fixed with the default
// interval and a non-positive maxRetries uses DefaultMaxRetries.
func NewScheduler(policy Policy, maxRetries int, clk clock.Clock) *Scheduler {
	if policy == nil {
		policy = Fixed{Interval: DefaultInterval}
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Scheduler{policy: policy, maxRetries: maxRetries, clock: clk}
}

// Schedule arms fn to run after the policy delay for the next attempt and
// returns that attempt number. It returns ok=false without arming anything
// once the retry budget is spent. A timer armed earlier is replaced.
func (s *Scheduler) Schedule(fn func(attempt int)) (attempt int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.attempts >= s.maxRetries {
		return s.attempts, false
	}
	s.stopLocked()
	s.attempts++
	attempt = s.attempts
	gen := s.gen
	s.timer = s.clock.AfterFunc(s.policy.Delay(attempt), func() {
		s.mu.Lock()
		if gen != s.gen {
			s.mu.Unlock()
			return
		}
		s.timer = nil
		s.gen++
		s.mu.Unlock()

		fn(attempt)
	})
	return attempt, true
}

func (s *Scheduler) stopLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
}

// Cancel disarms the pending timer, if any. The attempt count is kept.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

// Reset disarms the pending timer and restores the full retry budget.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	s.attempts = 0
}

// Attempts returns the number of attempts scheduled since the last Reset.
func (s *Scheduler) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Armed reports whether a timer is pending.
func (s *Scheduler) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

// MaxRetries returns the retry budget.
func (s *Scheduler) MaxRetries() int { return s.maxRetries }
