// Package stepper implements a single-axis step/dir motion-profile engine.
//
// The engine is driven one pulse at a time: an external scheduler calls Step,
// which emits one step pulse and returns the absolute time at which it must be
// called again. Between calls the engine follows a trapezoidal velocity profile
// (accelerate, cruise, decelerate) and switches the driver's microstepping
// resolution with speed.
//
// The engine is not safe for concurrent use; one scheduling context owns an axis.
package stepper

import (
	"math"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/cjeanneret/RampGo/internal/debug"
	"github.com/cjeanneret/RampGo/internal/hw/clock"
	"github.com/cjeanneret/RampGo/internal/hw/gpio"
)

// Delay is a fixed-point inter-step interval: microseconds multiplied by 2^shift.
type Delay = uint32

// Driver constants.
const (
	// DefaultShiftThreshold bounds every scaled delay. Doubling a value under it
	// still fits in a Delay.
	DefaultShiftThreshold Delay = 1 << 30
	// MaxShiftThreshold is the largest threshold a Delay can carry.
	MaxShiftThreshold Delay = 1 << 31

	DefaultMicrostepLevels = 6 // 1, 2, 4, 8, 16, 32 microsteps per full step
	DefaultTargetSpeed     = 10.0
	DefaultAcceleration    = 10.0
)

// NoStep is returned by Step when the axis is at rest on its target.
const NoStep clock.Timestamp = 0

// Timing holds the driver's settle times in microseconds.
type Timing struct {
	ModeChangeUS    uint32 // after a direction or microstep-mode pin change
	EnableUS        uint32 // after the enable pin changes
	SteppingPulseUS uint32 // minimal high time of a step pulse
}

// DefaultTiming matches common step/dir drivers (A4988, DRV8825).
var DefaultTiming = Timing{ModeChangeUS: 1, EnableUS: 1, SteppingPulseUS: 1}

// Config holds the immutable identity of an axis and its initial motion settings.
type Config struct {
	Name          string
	StepPin       int
	DirPin        int
	EnablePin     int   // 0 = not wired
	MicrostepPins []int // mode select pins, MS1 first

	// MicrostepModes holds the mode pin pattern of each level, bit i driving
	// MicrostepPins[i]. Nil means the binary level itself (DRV8825 table).
	MicrostepModes []uint

	ForwardLevel gpio.Level // DIR level meaning forward
	EnableLevel  gpio.Level // ENABLE level that powers the driver (A4988: low)

	MicrostepLevels int   // count including level 0; 0 means DefaultMicrostepLevels
	SmoothDelay     Delay // µs per full step at or below which finer microstepping engages

	Acceleration float64 // full steps/s²; 0 means DefaultAcceleration
	TargetSpeed  float64 // full steps/s; 0 means DefaultTargetSpeed

	ShiftThreshold Delay  // 0 means DefaultShiftThreshold
	Timing         Timing // zero value means DefaultTiming
}

func (c *Config) applyDefaults() {
	if c.MicrostepLevels == 0 {
		c.MicrostepLevels = DefaultMicrostepLevels
		if c.MicrostepModes != nil {
			c.MicrostepLevels = len(c.MicrostepModes)
		}
	}
	if c.Acceleration == 0 {
		c.Acceleration = DefaultAcceleration
	}
	if c.TargetSpeed == 0 {
		c.TargetSpeed = DefaultTargetSpeed
	}
	if c.ShiftThreshold == 0 {
		c.ShiftThreshold = DefaultShiftThreshold
	}
	if c.MicrostepModes == nil {
		c.MicrostepModes = make([]uint, c.MicrostepLevels)
		for level := range c.MicrostepModes {
			c.MicrostepModes[level] = uint(level)
		}
	}
	if c.Timing == (Timing{}) {
		c.Timing = DefaultTiming
	}
}

// Validate checks the configuration after defaults are applied.
func (c Config) Validate() error {
	c.applyDefaults()

	if c.StepPin == c.DirPin {
		return errors.Errorf("step_pin and dir_pin must differ (both %d)", c.StepPin)
	}
	if c.MicrostepLevels < 1 || c.MicrostepLevels > 16 {
		return errors.Errorf("microstep levels must be between 1 and 16, got %d", c.MicrostepLevels)
	}
	if len(c.MicrostepModes) != c.MicrostepLevels {
		return errors.Errorf("%d microstep modes given for %d microstep levels",
			len(c.MicrostepModes), c.MicrostepLevels)
	}
	seen := make(map[uint]int, len(c.MicrostepModes))
	for level, mode := range c.MicrostepModes {
		if mode >= 1<<len(c.MicrostepPins) {
			return errors.Errorf("microstep level %d: mode %#b needs more than %d microstep pins",
				level, mode, len(c.MicrostepPins))
		}
		if prev, ok := seen[mode]; ok {
			return errors.Errorf("microstep levels %d and %d share mode %#b", prev, level, mode)
		}
		seen[mode] = level
	}
	if !positiveFinite(c.Acceleration) {
		return errors.Errorf("acceleration must be > 0, got %g", c.Acceleration)
	}
	if !positiveFinite(c.TargetSpeed) {
		return errors.Errorf("target speed must be > 0, got %g", c.TargetSpeed)
	}
	if c.ShiftThreshold < 2 || c.ShiftThreshold > MaxShiftThreshold {
		return errors.Errorf("shift threshold must be between 2 and %d, got %d", MaxShiftThreshold, c.ShiftThreshold)
	}
	if c.SmoothDelay >= c.ShiftThreshold {
		return errors.Errorf("smooth delay %dµs exceeds the shift threshold", c.SmoothDelay)
	}
	if c.Timing.SteppingPulseUS == 0 {
		return errors.New("stepping pulse width must be at least 1µs")
	}
	return nil
}

// modeLevel is the level of MicrostepPins[pin] for a microstep level.
func (c *Config) modeLevel(level, pin int) gpio.Level {
	return gpio.Level(c.MicrostepModes[level]>>pin&1 == 1)
}

func positiveFinite(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

// Stepper is the motion-profile engine of one axis.
type Stepper struct {
	gpio  gpio.Driver
	clock clock.Clock
	cfg   Config

	// Position and stepping. Positions are in microsteps of the current level.
	dir        int8
	pos        int64
	targetPos  int64
	accelSteps uint32
	micro      int

	// Delays, all scaled by 2^shift.
	startDelay  []Delay // per microstep level
	delay       Delay   // current inter-step interval
	smoothDelay Delay
	targetDelay Delay // per full step
	shift       uint8
	rest        uint64 // ramp recurrence remainder
	frac        uint64 // sub-microsecond part of the intervals emitted so far

	phase Phase
}

// New configures the axis pins and returns a stopped, powered-off engine.
func New(drv gpio.Driver, clk clock.Clock, cfg Config) (*Stepper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	s := &Stepper{
		gpio:        drv,
		clock:       clk,
		cfg:         cfg,
		dir:         1,
		startDelay:  make([]Delay, cfg.MicrostepLevels),
		smoothDelay: cfg.SmoothDelay,
		targetDelay: delayFromSpeed(DefaultTargetSpeed, cfg.ShiftThreshold),
		phase:       Off,
	}

	pins := append([]int{cfg.StepPin, cfg.DirPin}, cfg.MicrostepPins...)
	if cfg.EnablePin > 0 {
		pins = append(pins, cfg.EnablePin)
	}
	var err error
	for _, pin := range pins {
		err = multierr.Append(err, drv.SetupPin(pin, gpio.Output))
	}
	err = multierr.Append(err, drv.WritePin(cfg.DirPin, cfg.ForwardLevel))
	err = multierr.Append(err, drv.WritePin(cfg.StepPin, gpio.Low))
	if cfg.EnablePin > 0 {
		err = multierr.Append(err, drv.WritePin(cfg.EnablePin, cfg.EnableLevel.Not()))
	}
	for i, pin := range cfg.MicrostepPins {
		err = multierr.Append(err, drv.WritePin(pin, cfg.modeLevel(0, i)))
	}
	if err != nil {
		return nil, errors.Wrapf(err, "configure pins of axis %q", cfg.Name)
	}

	s.SetAcceleration(cfg.Acceleration)
	s.SetTargetSpeed(cfg.TargetSpeed)

	debug.PrintStruct("Stepper config", cfg)
	return s, nil
}

// Name returns the configured axis name.
func (s *Stepper) Name() string { return s.cfg.Name }

// Stopped reports whether the axis is at rest on its target.
func (s *Stepper) Stopped() bool {
	return s.pos == s.targetPos && s.accelSteps == 0
}

// CalibratePosition declares the current position to be pos full steps.
// It only has an effect while stopped; the target follows so the axis stays at rest.
func (s *Stepper) CalibratePosition(pos int64) {
	if !s.Stopped() {
		return
	}

	s.scaleDown()
	s.pos = pos << s.micro
	s.targetPos = s.pos
	s.scaleUp()
}

// PowerOn enables the driver. Powering on while not stopped loses track of
// position and speed; stop first.
//
// It returns the time at which the driver is ready.
func (s *Stepper) PowerOn() clock.Timestamp {
	now := s.clock.Now()
	s.enable(s.cfg.EnableLevel)
	s.setPhase(Accel)
	return now + clock.Timestamp(s.cfg.Timing.EnableUS) + 1
}

// PowerOff disables the driver. Doing so while moving loses track of position.
//
// It returns the time at which the driver is released.
func (s *Stepper) PowerOff() clock.Timestamp {
	now := s.clock.Now()
	s.enable(s.cfg.EnableLevel.Not())
	s.accelSteps = 0
	s.rest = 0
	s.frac = 0
	s.delay = s.startDelay[s.micro]
	s.setPhase(Off)
	return now + clock.Timestamp(s.cfg.Timing.EnableUS) + 1
}

// SetTargetPosition sets the absolute target in full steps. It may be called at any time.
func (s *Stepper) SetTargetPosition(pos int64) {
	s.targetPos = pos << s.micro
	s.reevaluate()
}

// Phase returns the current motion phase.
func (s *Stepper) Phase() Phase { return s.phase }

// Position returns the absolute position in full steps, rounded toward negative infinity.
func (s *Stepper) Position() int64 { return s.pos >> s.micro }

// TargetPosition returns the target in full steps.
func (s *Stepper) TargetPosition() int64 { return s.targetPos >> s.micro }

// AccelSteps returns the number of ramp steps accumulated at the current resolution.
func (s *Stepper) AccelSteps() uint32 { return s.accelSteps }

// MicrostepLevel returns the active microstep level (0 = full steps).
func (s *Stepper) MicrostepLevel() int { return s.micro }

// Delay returns the current inter-step interval in microseconds.
func (s *Stepper) Delay() uint32 { return s.delay >> s.shift }

// State is a raw snapshot of the engine, fixed-point fields included.
type State struct {
	Name           string  `json:"name"`
	Phase          string  `json:"phase"`
	Stopped        bool    `json:"stopped"`
	Position       int64   `json:"position"`        // full steps
	TargetPosition int64   `json:"target_position"` // full steps
	MicroPosition  int64   `json:"micro_position"`  // at the current level
	Direction      int8    `json:"direction"`
	AccelSteps     uint32  `json:"accel_steps"`
	MicrostepLevel int     `json:"microstep_level"`
	DelayUS        uint32  `json:"delay_us"`
	Shift          uint8   `json:"shift"`
	Delay          Delay   `json:"delay"`
	TargetDelay    Delay   `json:"target_delay"`
	SmoothDelay    Delay   `json:"smooth_delay"`
	StartDelays    []Delay `json:"start_delays"`
}

// Snapshot returns the engine state.
func (s *Stepper) Snapshot() State {
	return State{
		Name:           s.cfg.Name,
		Phase:          s.phase.String(),
		Stopped:        s.Stopped(),
		Position:       s.Position(),
		TargetPosition: s.TargetPosition(),
		MicroPosition:  s.pos,
		Direction:      s.dir,
		AccelSteps:     s.accelSteps,
		MicrostepLevel: s.micro,
		DelayUS:        s.Delay(),
		Shift:          s.shift,
		Delay:          s.delay,
		TargetDelay:    s.targetDelay,
		SmoothDelay:    s.smoothDelay,
		StartDelays:    append([]Delay(nil), s.startDelay...),
	}
}

// write drives a pin; failures are logged, never returned, since the
// per-step path has no error channel.
func (s *Stepper) write(pin int, level gpio.Level) {
	if err := s.gpio.WritePin(pin, level); err != nil {
		debug.Error(errors.Wrapf(err, "axis %s: write pin %d", s.cfg.Name, pin))
	}
}

func (s *Stepper) enable(level gpio.Level) {
	if s.cfg.EnablePin > 0 {
		s.write(s.cfg.EnablePin, level)
	}
}
