package stepper

import "math"

// maxShift keeps a shifted value representable even for a threshold of 2.
const maxShift = 31

// scaleDown returns every delay field to plain microseconds and clears shift.
// Mutators call it before touching a delay field and scaleUp afterwards.
func (s *Stepper) scaleDown() {
	if s.shift == 0 {
		return
	}
	for i := range s.startDelay {
		s.startDelay[i] >>= s.shift
	}
	s.delay >>= s.shift
	s.targetDelay >>= s.shift
	s.smoothDelay >>= s.shift
	s.rest >>= s.shift
	s.frac = 0
	s.shift = 0
}

// scaleUp picks the largest shift keeping every delay field under the
// threshold and applies it. It does nothing if a shift is already applied.
func (s *Stepper) scaleUp() {
	if s.shift != 0 {
		return
	}

	m := s.startDelay[len(s.startDelay)-1]
	if s.targetDelay > m {
		m = s.targetDelay
	}
	if s.smoothDelay > m {
		m = s.smoothDelay
	}
	if s.delay > m {
		m = s.delay
	}
	if m == 0 {
		return
	}

	threshold := uint64(s.cfg.ShiftThreshold)
	var shift uint8
	for shift < maxShift && uint64(m)<<(shift+1) < threshold {
		shift++
	}

	for i := range s.startDelay {
		s.startDelay[i] <<= shift
	}
	s.delay <<= shift
	s.smoothDelay <<= shift
	s.rest <<= shift
	// from the speed itself, with the bits scaleDown dropped
	s.targetDelay = scaledDelay(1e6/s.cfg.TargetSpeed, shift, s.cfg.ShiftThreshold)
	s.shift = shift
}

// scaledDelay converts microseconds to a Delay at shift, rounding up so an
// interval is never shorter than asked.
func scaledDelay(us float64, shift uint8, threshold Delay) Delay {
	return clampDelay(math.Ceil(us*float64(uint64(1)<<shift)), threshold)
}

// clampDelay converts a microsecond value to a Delay in [1, threshold).
func clampDelay(us float64, threshold Delay) Delay {
	switch {
	case us < 1:
		return 1
	case us >= float64(threshold):
		return threshold - 1
	default:
		return Delay(us)
	}
}
