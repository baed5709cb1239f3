package stepper

import "github.com/cjeanneret/RampGo/internal/debug"

// Phase is the motion state of an axis.
type Phase int

const (
	// Off: driver disabled. Left only by PowerOn.
	Off Phase = iota
	// Accel: the delay shrinks every step and the ramp step count grows.
	Accel
	// Decel: the delay grows back toward the start delay and the ramp step count shrinks.
	Decel
	// TargetSpeed: cruising at the target delay.
	TargetSpeed
)

func (p Phase) String() string {
	switch p {
	case Off:
		return "OFF"
	case Accel:
		return "ACCEL"
	case Decel:
		return "DECEL"
	case TargetSpeed:
		return "TARGET_SPEED"
	default:
		return "UNKNOWN"
	}
}

func (s *Stepper) setPhase(p Phase) {
	if p == s.phase {
		return
	}
	debug.Phase(s.cfg.Name, s.phase, p, s.Position())
	s.phase = p
	s.rest = 0
}

// reevaluate applies the distance and speed transitions after a step or a
// target change. Nothing changes while off or at rest.
func (s *Stepper) reevaluate() {
	if s.phase == Off || s.accelSteps == 0 {
		return
	}

	remaining := (s.targetPos - s.pos) * int64(s.dir)
	switch {
	case remaining <= int64(s.accelSteps):
		s.setPhase(Decel)
	case s.phase == Decel && s.delay > s.effectiveTarget():
		s.setPhase(Accel)
	case s.phase == Decel && s.delay == s.effectiveTarget():
		s.setPhase(TargetSpeed)
	}
}
