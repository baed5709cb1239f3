package sequence

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/cjeanneret/RampGo/internal/debug"
	"github.com/cjeanneret/RampGo/internal/hw/trigger"
	"github.com/cjeanneret/RampGo/internal/logic/motion"
)

// Waypoint is one stop of a program.
type Waypoint struct {
	Position int64         // absolute, full steps
	Speed    float64       // full steps/s; 0 keeps the current speed
	Dwell    time.Duration // pause once arrived
	Release  bool          // power the driver off during the dwell
	Trigger  bool          // fire the trigger once arrived, before the dwell
}

// Program is an ordered list of waypoints.
type Program struct {
	Name      string
	Waypoints []Waypoint
}

// Validate checks that the program can run.
func (p Program) Validate() error {
	if len(p.Waypoints) == 0 {
		return errors.New("program has no waypoints")
	}
	for i, wp := range p.Waypoints {
		if wp.Speed < 0 {
			return errors.Errorf("waypoint %d: speed must be >= 0, got %g", i+1, wp.Speed)
		}
		if wp.Dwell < 0 {
			return errors.Errorf("waypoint %d: dwell must be >= 0, got %s", i+1, wp.Dwell)
		}
	}
	return nil
}

// Sequence runs programs on one axis.
type Sequence struct {
	motion  *motion.Controller
	trigger trigger.Trigger
}

func NewSequence(m *motion.Controller) *Sequence {
	return &Sequence{motion: m}
}

// SetTrigger sets the device fired at waypoints flagged with Trigger.
func (s *Sequence) SetTrigger(t trigger.Trigger) {
	s.trigger = t
}

// Run moves through every waypoint in order. Cancelling ctx stops the
// current move (the axis decelerates to rest) or cuts the current dwell short.
func (s *Sequence) Run(ctx context.Context, p Program) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if s.trigger == nil {
		for i, wp := range p.Waypoints {
			if wp.Trigger {
				return errors.Errorf("waypoint %d: trigger requested but none configured", i+1)
			}
		}
	}

	debug.Section("Program " + p.Name)
	debug.Value("Waypoints", len(p.Waypoints))

	for i, wp := range p.Waypoints {
		if err := ctx.Err(); err != nil {
			return err
		}

		debug.Live("Waypoint %d/%d: position %d", i+1, len(p.Waypoints), wp.Position)
		if err := s.motion.MoveTo(ctx, wp.Position, wp.Speed); err != nil {
			return errors.Wrapf(err, "waypoint %d", i+1)
		}

		if wp.Trigger {
			if err := s.trigger.Fire(ctx); err != nil {
				return errors.Wrapf(err, "waypoint %d: trigger", i+1)
			}
		}

		if wp.Dwell <= 0 {
			continue
		}
		if err := s.dwell(ctx, wp); err != nil {
			return errors.Wrapf(err, "waypoint %d", i+1)
		}
	}

	debug.Live("Program %s complete", p.Name)
	return nil
}

func (s *Sequence) dwell(ctx context.Context, wp Waypoint) error {
	if wp.Release {
		// No holding torque during the dwell (less heat and vibration)
		if err := s.motion.Release(); err != nil {
			return err
		}
		defer func() { _ = s.motion.Hold() }()
	}

	return s.motion.Pause(ctx, wp.Dwell)
}
