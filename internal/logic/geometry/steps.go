package geometry

import "math"

// StepsCalculator converts between angles and full steps of one axis.
// The engine counts full steps whatever the microstep level, so the
// driver's microstepping does not enter the conversion.
type StepsCalculator struct {
	stepsPerRev    float64
	stepsPerDegree float64
}

// NewStepsCalculator creates a calculator for a motor with stepsPerRev full
// steps per revolution (after any gearing).
func NewStepsCalculator(stepsPerRev int) *StepsCalculator {
	return &StepsCalculator{
		stepsPerRev:    float64(stepsPerRev),
		stepsPerDegree: float64(stepsPerRev) / 360.0,
	}
}

// StepsFromAngle converts an absolute angle (in degrees) to the nearest full step.
func (s *StepsCalculator) StepsFromAngle(angleDegrees float64) int64 {
	return int64(math.Round(angleDegrees * s.stepsPerDegree))
}

// AngleFromSteps converts a full-step position to degrees.
func (s *StepsCalculator) AngleFromSteps(steps int64) float64 {
	if s.stepsPerRev == 0 {
		return 0
	}
	return float64(steps) * 360.0 / s.stepsPerRev
}

// SpeedFromRPM converts revolutions per minute to full steps per second.
func (s *StepsCalculator) SpeedFromRPM(rpm float64) float64 {
	return rpm * s.stepsPerRev / 60.0
}

// RPMFromSpeed converts full steps per second to revolutions per minute.
func (s *StepsCalculator) RPMFromSpeed(speed float64) float64 {
	if s.stepsPerRev == 0 {
		return 0
	}
	return speed * 60.0 / s.stepsPerRev
}
