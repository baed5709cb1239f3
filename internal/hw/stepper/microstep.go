package stepper

import (
	"github.com/cjeanneret/RampGo/internal/debug"
)

// selectMicrostep moves at most one microstep level per call: finer while
// accelerating past the smooth delay, coarser while decelerating above it.
// Delays are compared per full step so the decision does not depend on the
// current level. It reports whether the mode pins changed.
func (s *Stepper) selectMicrostep() bool {
	fullStep := uint64(s.delay) << s.micro

	switch {
	case s.phase == Accel && s.accelSteps > 0 &&
		fullStep <= uint64(s.smoothDelay) && s.micro < len(s.startDelay)-1:
		s.micro++
		s.delay >>= 1
		if s.delay == 0 {
			s.delay = 1
		}
		s.accelSteps <<= 1
		s.pos <<= 1
		s.targetPos <<= 1
		s.rest = 0

	case s.phase == Decel && s.micro > 0 && fullStep > uint64(s.smoothDelay) &&
		s.pos%2 == 0 && s.accelSteps >= 2:
		s.micro--
		next := uint64(s.delay) << 1
		if limit := uint64(s.cfg.ShiftThreshold) - 1; next > limit {
			next = limit
		}
		s.delay = Delay(next)
		s.accelSteps >>= 1
		s.pos /= 2
		s.targetPos /= 2
		s.rest = 0

	default:
		return false
	}

	debug.Verbose("Axis %s: microstep level %d (x%d) at %d", s.cfg.Name, s.micro, 1<<s.micro, s.Position())
	for i, pin := range s.cfg.MicrostepPins {
		s.write(pin, s.cfg.modeLevel(s.micro, i))
	}
	return true
}
