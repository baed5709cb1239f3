package stepper

import (
	"github.com/cjeanneret/RampGo/internal/hw/clock"
	"github.com/cjeanneret/RampGo/internal/hw/gpio"
)

// Step emits one step pulse and returns the earliest time at which Step must
// be called again. It returns NoStep, without touching any pin, when the axis
// is at rest on its target.
//
// Direction and microstep-mode changes wait out their settle time before the
// pulse; that wait is included in the returned timestamp.
func (s *Stepper) Step() clock.Timestamp {
	if s.Stopped() {
		return NoStep
	}

	now := s.clock.Now()
	var settle uint64

	if s.accelSteps == 0 {
		dir := int8(1)
		if s.targetPos < s.pos {
			dir = -1
		}
		if dir != s.dir {
			s.dir = dir
			level := s.cfg.ForwardLevel
			if dir < 0 {
				level = level.Not()
			}
			s.write(s.cfg.DirPin, level)
			settle += uint64(s.cfg.Timing.ModeChangeUS)
		}
	}

	if s.selectMicrostep() {
		settle += uint64(s.cfg.Timing.ModeChangeUS)
	}

	s.advanceRamp()

	if settle > 0 {
		s.clock.Delay(settle)
	}
	s.write(s.cfg.StepPin, gpio.High)
	s.clock.Delay(uint64(s.cfg.Timing.SteppingPulseUS))
	s.write(s.cfg.StepPin, gpio.Low)

	s.pos += int64(s.dir)
	s.reevaluate()

	// carry the bits below one microsecond so the mean interval is the delay
	interval := uint64(s.delay) + s.frac
	s.frac = interval & (uint64(1)<<s.shift - 1)

	return now + clock.Timestamp(settle) + clock.Timestamp(interval>>s.shift)
}
