// Package reconnect schedules bounded reconnection attempts.
package reconnect

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"
)

// DefaultInterval and DefaultMaxRetries are used when no settings are stored.
const (
	DefaultInterval   = 5 * time.Second
	DefaultMaxRetries = 10
)

// Policy returns the delay before a reconnection attempt. attempt starts at 1.
type Policy interface {
	Delay(attempt int) time.Duration
}

// Fixed waits the same interval before every attempt.
type Fixed struct {
	Interval time.Duration
}

func (p Fixed) Delay(int) time.Duration {
	if p.Interval <= 0 {
		return DefaultInterval
	}
	return p.Interval
}

// Exponential doubles the delay after every attempt, capped at Max.
// With Jitter set, up to half the delay is added at random.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  bool
}

func (p Exponential) Delay(attempt int) time.Duration {
	initial := p.Initial
	if initial <= 0 {
		initial = time.Second
	}
	maxDelay := p.Max
	if maxDelay < initial {
		maxDelay = 30 * time.Second
		if maxDelay < initial {
			maxDelay = initial
		}
	}
	if attempt < 1 {
		attempt = 1
	}

	exp := float64(initial) * math.Pow(2, float64(attempt-1))
	delay := time.Duration(math.Min(exp, float64(maxDelay)))

	if p.Jitter && delay >= 2 {
		delay += time.Duration(rand.Int63n(int64(delay) / 2))
	}
	return delay
}

// ParsePolicy builds a policy from its configured name.
func ParsePolicy(name string, interval time.Duration) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "fixed":
		return Fixed{Interval: interval}, nil
	case "exponential":
		return Exponential{Initial: interval, Max: 12 * interval, Jitter: true}, nil
	default:
		return nil, fmt.Errorf("unknown reconnect strategy %q", name)
	}
}
