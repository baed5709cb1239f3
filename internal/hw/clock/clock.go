// Package clock provides the monotonic microsecond time base used to pace step pulses.
package clock

import (
	"context"
	"runtime"
	"time"
)

// Timestamp is an absolute time in microseconds on a Clock's own time base.
// It is 64 bits wide so that it does not wrap during any realistic run.
type Timestamp uint64

// Clock is the time source consumed by the stepper engine and its scheduler.
type Clock interface {
	// Now returns the current time in microseconds.
	Now() Timestamp
	// Delay waits at least us microseconds before returning.
	Delay(us uint64)
	// Sleep waits for d or until ctx is done, whichever comes first, and
	// returns ctx.Err() in the latter case. It is meant for long pauses.
	Sleep(ctx context.Context, d time.Duration) error
}

// sleepSlack is how far ahead of a deadline System stops sleeping and starts spinning.
const sleepSlack = 500 * time.Microsecond

// System is a Clock backed by the Go monotonic clock, counting from its creation.
type System struct {
	start time.Time
}

// NewSystem returns a System clock whose time base starts at 1µs, so that
// a valid timestamp is never zero.
func NewSystem() *System {
	return &System{start: time.Now().Add(-time.Microsecond)}
}

func (s *System) Now() Timestamp {
	return Timestamp(time.Since(s.start) / time.Microsecond)
}

// Delay sleeps for the bulk of long waits and spins for the remainder,
// since the scheduler's sleep granularity is far coarser than a step pulse.
func (s *System) Delay(us uint64) {
	d := time.Duration(us) * time.Microsecond
	deadline := time.Now().Add(d)
	if d > 2*sleepSlack {
		time.Sleep(d - sleepSlack)
	}
	for time.Now().Before(deadline) {
		runtime.Gosched()
	}
}

func (s *System) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Manual is a deterministic Clock: time only moves when Delay, Set or Advance
// is called. Tests and dry runs use it to execute whole profiles instantly.
type Manual struct {
	now Timestamp
}

// NewManual returns a Manual clock starting at start.
func NewManual(start Timestamp) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() Timestamp { return m.now }

func (m *Manual) Delay(us uint64) { m.now += Timestamp(us) }

// Sleep advances the clock by d at once, unless ctx is already done.
func (m *Manual) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d > 0 {
		m.now += Timestamp(d / time.Microsecond)
	}
	return nil
}

// Set moves the clock to t. Moving backwards is ignored.
func (m *Manual) Set(t Timestamp) {
	if t > m.now {
		m.now = t
	}
}

// Advance moves the clock forward by us microseconds.
func (m *Manual) Advance(us uint64) { m.now += Timestamp(us) }
