package stepper

import "math"

// startDelayFactor is the first-step correction of a discrete linear ramp.
const startDelayFactor = 0.676

func delayFromSpeed(speed float64, threshold Delay) Delay {
	return clampDelay(math.Ceil(1e6/speed), threshold)
}

// SetAcceleration rebuilds the ramp table for a (full steps/s²).
// It does nothing unless the axis is stopped, or if a is not a positive number.
func (s *Stepper) SetAcceleration(a float64) {
	if !s.Stopped() || !positiveFinite(a) {
		return
	}

	s.scaleDown()
	d0 := math.Sqrt(1/a) * startDelayFactor * 1e6
	for m := range s.startDelay {
		s.startDelay[m] = clampDelay(d0*math.Sqrt(float64(uint64(1)<<m)), s.cfg.ShiftThreshold)
	}
	s.delay = s.startDelay[s.micro]
	s.rest = 0
	s.cfg.Acceleration = a
	s.scaleUp()
}

// SetTargetSpeed sets the cruise speed in full steps/s. It may be called at
// any time: a lower speed while moving starts decelerating at once, a higher
// one while decelerating only takes effect after the current step.
func (s *Stepper) SetTargetSpeed(speed float64) {
	if !positiveFinite(speed) {
		return
	}

	s.scaleDown()
	s.targetDelay = delayFromSpeed(speed, s.cfg.ShiftThreshold)
	s.cfg.TargetSpeed = speed
	s.scaleUp()

	if s.Stopped() || s.phase == Off {
		return
	}
	eff := s.effectiveTarget()
	switch {
	case eff > s.delay:
		s.setPhase(Decel)
	case s.phase == Decel:
		// raised while slowing down: reevaluate picks it up after the next step
	case eff < s.delay:
		s.setPhase(Accel)
	default:
		s.setPhase(TargetSpeed)
	}
}

// effectiveTarget is the cruise delay per step at the current microstep level.
func (s *Stepper) effectiveTarget() Delay {
	eff := s.targetDelay >> s.micro
	if eff == 0 {
		eff = 1
	}
	return eff
}

// advanceRamp computes the delay following the step about to be emitted and
// updates the ramp step count.
func (s *Stepper) advanceRamp() {
	if s.accelSteps == 0 && s.phase != Off && s.phase != Accel {
		s.setPhase(Accel)
	}

	start := s.startDelay[s.micro]
	eff := s.effectiveTarget()

	switch s.phase {
	case Off:
		s.delay = start

	case Accel:
		remaining := (s.targetPos - s.pos) * int64(s.dir)
		n := uint64(s.accelSteps)
		if remaining-1 >= int64(n)+1 {
			if n == 0 {
				s.delay = start
				s.rest = 0
			} else {
				num := 2*uint64(s.delay) + s.rest
				den := 4*n + 1
				dec := num / den
				s.rest = num % den
				if dec >= uint64(s.delay) {
					s.delay = 1
				} else {
					s.delay -= Delay(dec)
				}
			}
			s.accelSteps++
		} else if n == 0 {
			s.delay = start
		}
		if s.delay <= eff {
			s.delay = eff
			s.setPhase(TargetSpeed)
		}

	case TargetSpeed:
		s.delay = eff

	case Decel:
		prev := s.delay
		ceiling := start
		if prev > ceiling {
			ceiling = prev
		}
		s.accelSteps--
		n := uint64(s.accelSteps)
		if n == 0 {
			s.delay = ceiling
		} else {
			num := 2*uint64(s.delay) + s.rest
			den := 4*n - 1
			next := uint64(s.delay) + num/den
			s.rest = num % den
			if next > uint64(ceiling) {
				next = uint64(ceiling)
			}
			s.delay = Delay(next)
		}
		if prev < eff && s.delay >= eff {
			s.delay = eff
			s.setPhase(TargetSpeed)
		}
	}
}
