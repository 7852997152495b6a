// Package backoff holds the delay policies threaded through every retry and
// delayed jump of an executor.
package backoff

import (
	"sync"
	"time"
)

// Policy maps a requested delay (and the error that caused it, if any) to the
// delay that is actually waited.
type Policy func(delay time.Duration, err error) time.Duration

func Identity(delay time.Duration, _ error) time.Duration {
	if delay < 0 {
		return 0
	}
	return delay
}

// Modulator is the worker-level policy. Callers flag "don't modify" with
// HoldNext after a server-provided wait hint; each hold covers exactly one
// later Modify call, so overlapping hints each get their own pass-through.
type Modulator struct {
	// SnapToMinute shortens a delay to the distance until the next wall-clock
	// minute when that comes sooner.
	SnapToMinute bool
	// Floor is the smallest delay a modified wait may shrink to.
	Floor time.Duration
	Now   func() time.Time

	mu    sync.Mutex
	holds int
}

func (m *Modulator) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// HoldNext makes the next Modify call return its input untouched.
func (m *Modulator) HoldNext() {
	m.mu.Lock()
	m.holds++
	m.mu.Unlock()
}

func (m *Modulator) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.holds
}

func (m *Modulator) Modify(delay time.Duration, _ error) time.Duration {
	if delay < 0 {
		delay = 0
	}
	m.mu.Lock()
	if m.holds > 0 {
		m.holds--
		m.mu.Unlock()
		return delay
	}
	m.mu.Unlock()

	if !m.SnapToMinute || delay == 0 {
		return delay
	}
	now := m.now()
	until := now.Truncate(time.Minute).Add(time.Minute).Sub(now)
	if until >= delay {
		return delay
	}
	if until < m.Floor {
		until = m.Floor
	}
	if until > delay {
		return delay
	}
	return until
}

func (m *Modulator) Policy() Policy {
	return m.Modify
}

// Exponential grows base by factor per attempt, capped at max. It is used
// for preflight style backoff where no server hint exists.
func Exponential(base, max time.Duration, factor float64, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if factor < 1 {
		factor = 1
	}
	d := float64(base)
	for i := 0; i < attempt; i++ {
		d *= factor
		if max > 0 && d >= float64(max) {
			return max
		}
	}
	if max > 0 && time.Duration(d) > max {
		return max
	}
	return time.Duration(d)
}
