package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cjeanneret/RampGo/internal/hw/gpio"
	"github.com/cjeanneret/RampGo/internal/hw/stepper"
	"github.com/cjeanneret/RampGo/internal/hw/trigger"
	"github.com/cjeanneret/RampGo/internal/logic/geometry"
	"github.com/cjeanneret/RampGo/internal/logic/sequence"
)

// MaxConfigFileBytes caps the size of a configuration file.
const MaxConfigFileBytes = 1 << 20

// TimingConfig holds the driver settle times in microseconds. 0 keeps the default (1µs).
type TimingConfig struct {
	ModeChangeUs    uint32 `yaml:"mode_change_us"`
	EnableUs        uint32 `yaml:"enable_us"`
	SteppingPulseUs uint32 `yaml:"stepping_pulse_us"`
}

// AxisConfig holds the configuration of the stepper axis.
type AxisConfig struct {
	Name            string       `yaml:"name"`
	StepPin         int          `yaml:"step_pin"`
	DirPin          int          `yaml:"dir_pin"`
	EnablePin       int          `yaml:"enable_pin"`       // 0 = not used
	MicrostepPins   []int        `yaml:"microstep_pins"`   // MS1, MS2, MS3 (BCM)
	ForwardLevel    string       `yaml:"forward_level"`    // DIR level for forward: high or low
	EnableLevel     string       `yaml:"enable_level"`     // ENABLE level that powers the driver (A4988: low)
	MicrostepLevels int          `yaml:"microstep_levels"` // including full step
	MicrostepModes  []uint       `yaml:"microstep_modes"`  // pin pattern per level, MS1 = bit 0; empty = binary level
	SmoothDelayUs   uint32       `yaml:"smooth_delay_us"`  // µs per full step below which microstepping gets finer
	Acceleration    float64      `yaml:"acceleration"`     // full steps/s²
	TargetSpeed     float64      `yaml:"target_speed"`     // full steps/s
	StepsPerRev     int          `yaml:"steps_per_rev"`    // full steps per output revolution
	ShiftThreshold  uint32       `yaml:"shift_threshold"`  // 0 = engine default
	Timing          TimingConfig `yaml:"timing"`
}

// DefaultsConfig contains generic runtime parameters.
type DefaultsConfig struct {
	DebugLevel  int    `yaml:"debug_level"`  // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	GPIOBackend string `yaml:"gpio_backend"` // mock, rpio, cdev or periph
	GPIOChip    string `yaml:"gpio_chip"`    // cdev only, e.g. gpiochip0
	DryRun      bool   `yaml:"dry_run"`      // mock GPIO and simulated time
	StatusEvery int    `yaml:"status_every"` // pulses between status updates
}

// WaypointConfig is one program stop. Exactly one of Position and AngleDeg is set.
type WaypointConfig struct {
	Position *int64   `yaml:"position,omitempty"`  // full steps
	AngleDeg *float64 `yaml:"angle_deg,omitempty"` // degrees
	Speed    float64  `yaml:"speed"`               // full steps/s, 0 = axis target speed
	DwellMs  int      `yaml:"dwell_ms"`
	Release  bool     `yaml:"release"`
	Trigger  bool     `yaml:"trigger"`
}

// TriggerConfig is the optional output fired at waypoints (camera remote, sync line).
type TriggerConfig struct {
	Pin         int    `yaml:"pin"`          // 0 = no trigger
	PreparePin  int    `yaml:"prepare_pin"`  // e.g. camera FOCUS; 0 = not used
	ActiveLevel string `yaml:"active_level"` // high or low
	PrepareMs   int    `yaml:"prepare_ms"`
	HoldMs      int    `yaml:"hold_ms"`
}

// ProgramConfig is an optional waypoint program.
type ProgramConfig struct {
	Name      string           `yaml:"name"`
	Waypoints []WaypointConfig `yaml:"waypoints"`
}

// Config aggregates all application configuration.
type Config struct {
	Axis     AxisConfig     `yaml:"axis"`
	Defaults DefaultsConfig `yaml:"defaults"`
	Trigger  TriggerConfig  `yaml:"trigger"`
	Program  ProgramConfig  `yaml:"program"`
}

// ValidateConfigPath rejects paths that are not a .yaml file directly inside
// a configs/ directory, or that try to climb out of it.
func ValidateConfigPath(path string) error {
	if path == "" {
		return fmt.Errorf("config path is empty")
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("config path %q must not contain '..'", path)
		}
	}

	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config path %q must have a .yaml extension", path)
	}
	if filepath.Base(filepath.Dir(clean)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file and returns the configuration, with defaults applied.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if info.Size() > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file is %d bytes, limit is %d", info.Size(), MaxConfigFileBytes)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	a := &c.Axis
	if a.Name == "" {
		a.Name = "axis"
	}
	if a.ForwardLevel == "" {
		a.ForwardLevel = "high"
	}
	if a.EnableLevel == "" {
		a.EnableLevel = "low"
	}
	if a.MicrostepLevels == 0 && len(a.MicrostepModes) > 0 {
		a.MicrostepLevels = len(a.MicrostepModes)
	}
	if a.MicrostepLevels == 0 {
		// DRV8825: three pins select up to 1/32
		a.MicrostepLevels = 1
		if len(a.MicrostepPins) > 0 {
			a.MicrostepLevels = 1 << len(a.MicrostepPins)
			if a.MicrostepLevels > stepper.DefaultMicrostepLevels {
				a.MicrostepLevels = stepper.DefaultMicrostepLevels
			}
		}
	}
	if a.SmoothDelayUs == 0 {
		a.SmoothDelayUs = 1000
	}
	if a.Acceleration == 0 {
		a.Acceleration = 800
	}
	if a.TargetSpeed == 0 {
		a.TargetSpeed = 400
	}
	if a.StepsPerRev <= 0 {
		a.StepsPerRev = 200
	}

	if c.Defaults.GPIOBackend == "" {
		c.Defaults.GPIOBackend = gpio.BackendMock
	}
	if c.Defaults.GPIOChip == "" {
		c.Defaults.GPIOChip = gpio.DefaultChip
	}
	if c.Defaults.StatusEvery <= 0 {
		c.Defaults.StatusEvery = 50
	}
	if c.Trigger.ActiveLevel == "" {
		c.Trigger.ActiveLevel = "low"
	}
	if c.Trigger.Pin > 0 && c.Trigger.HoldMs == 0 {
		c.Trigger.HoldMs = 200
	}
	if c.Program.Name == "" {
		c.Program.Name = "program"
	}
}

// Validate checks the configuration. Engine parameters are checked by the
// engine's own validation so both layers agree.
func (c *Config) Validate() error {
	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return fmt.Errorf("debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}
	switch c.Defaults.GPIOBackend {
	case gpio.BackendMock, gpio.BackendRPi, gpio.BackendCdev, gpio.BackendPeriph:
	default:
		return fmt.Errorf("gpio_backend must be one of mock, rpio, cdev, periph, got %q", c.Defaults.GPIOBackend)
	}
	sc, err := c.StepperConfig()
	if err != nil {
		return err
	}
	if err := sc.Validate(); err != nil {
		return fmt.Errorf("axis: %w", err)
	}
	if err := c.validateTrigger(); err != nil {
		return err
	}

	for i, wp := range c.Program.Waypoints {
		if (wp.Position == nil) == (wp.AngleDeg == nil) {
			return fmt.Errorf("program waypoint %d: set exactly one of position and angle_deg", i+1)
		}
		if wp.AngleDeg != nil && (math.IsNaN(*wp.AngleDeg) || math.IsInf(*wp.AngleDeg, 0)) {
			return fmt.Errorf("program waypoint %d: invalid angle_deg", i+1)
		}
		if wp.Speed < 0 {
			return fmt.Errorf("program waypoint %d: speed must be >= 0, got %g", i+1, wp.Speed)
		}
		if wp.DwellMs < 0 {
			return fmt.Errorf("program waypoint %d: dwell_ms must be >= 0, got %d", i+1, wp.DwellMs)
		}
		if wp.Trigger && !c.HasTrigger() {
			return fmt.Errorf("program waypoint %d: trigger requires trigger.pin", i+1)
		}
	}
	return nil
}

func (c *Config) validateTrigger() error {
	t := c.Trigger
	if t.Pin < 0 || t.PreparePin < 0 {
		return fmt.Errorf("trigger pins must be >= 0")
	}
	if t.PrepareMs < 0 || t.HoldMs < 0 {
		return fmt.Errorf("trigger.prepare_ms and trigger.hold_ms must be >= 0")
	}
	if t.Pin == 0 {
		if t.PreparePin != 0 {
			return fmt.Errorf("trigger.prepare_pin requires trigger.pin")
		}
		return nil
	}
	if t.PreparePin == t.Pin {
		return fmt.Errorf("trigger.prepare_pin must differ from trigger.pin")
	}
	if _, err := gpio.ParseLevel(t.ActiveLevel); err != nil {
		return fmt.Errorf("trigger.active_level: %w", err)
	}

	used := append([]int{c.Axis.StepPin, c.Axis.DirPin, c.Axis.EnablePin}, c.Axis.MicrostepPins...)
	for _, pin := range used {
		if pin > 0 && (pin == t.Pin || pin == t.PreparePin) {
			return fmt.Errorf("trigger pin %d is already used by the axis", pin)
		}
	}
	return nil
}

// HasTrigger reports whether a trigger output is configured.
func (c *Config) HasTrigger() bool {
	return c.Trigger.Pin > 0
}

// TriggerSettings converts the trigger section for trigger.NewGPIO.
func (c *Config) TriggerSettings() (trigger.Config, error) {
	level, err := gpio.ParseLevel(c.Trigger.ActiveLevel)
	if err != nil {
		return trigger.Config{}, fmt.Errorf("trigger.active_level: %w", err)
	}
	return trigger.Config{
		Pin:         c.Trigger.Pin,
		PreparePin:  c.Trigger.PreparePin,
		ActiveLevel: level,
		Prepare:     time.Duration(c.Trigger.PrepareMs) * time.Millisecond,
		Hold:        time.Duration(c.Trigger.HoldMs) * time.Millisecond,
	}, nil
}

// StepperConfig converts the axis section to an engine configuration.
func (c *Config) StepperConfig() (stepper.Config, error) {
	a := c.Axis
	forward, err := gpio.ParseLevel(a.ForwardLevel)
	if err != nil {
		return stepper.Config{}, fmt.Errorf("axis.forward_level: %w", err)
	}
	enable, err := gpio.ParseLevel(a.EnableLevel)
	if err != nil {
		return stepper.Config{}, fmt.Errorf("axis.enable_level: %w", err)
	}

	var modes []uint
	if len(a.MicrostepModes) > 0 {
		modes = a.MicrostepModes
	}

	return stepper.Config{
		Name:            a.Name,
		StepPin:         a.StepPin,
		DirPin:          a.DirPin,
		EnablePin:       a.EnablePin,
		MicrostepPins:   a.MicrostepPins,
		ForwardLevel:    forward,
		EnableLevel:     enable,
		MicrostepLevels: a.MicrostepLevels,
		MicrostepModes:  modes,
		SmoothDelay:     a.SmoothDelayUs,
		Acceleration:    a.Acceleration,
		TargetSpeed:     a.TargetSpeed,
		ShiftThreshold:  a.ShiftThreshold,
		Timing: stepper.Timing{
			ModeChangeUS:    a.Timing.ModeChangeUs,
			EnableUS:        a.Timing.EnableUs,
			SteppingPulseUS: a.Timing.SteppingPulseUs,
		},
	}, nil
}

// StepsCalculator returns the angle/step converter of the axis.
func (c *Config) StepsCalculator() *geometry.StepsCalculator {
	return geometry.NewStepsCalculator(c.Axis.StepsPerRev)
}

// SequenceProgram converts the program section, resolving angles to steps.
func (c *Config) SequenceProgram() sequence.Program {
	calc := c.StepsCalculator()
	p := sequence.Program{Name: c.Program.Name}
	for _, wp := range c.Program.Waypoints {
		var pos int64
		switch {
		case wp.Position != nil:
			pos = *wp.Position
		case wp.AngleDeg != nil:
			pos = calc.StepsFromAngle(*wp.AngleDeg)
		}
		p.Waypoints = append(p.Waypoints, sequence.Waypoint{
			Position: pos,
			Speed:    wp.Speed,
			Dwell:    time.Duration(wp.DwellMs) * time.Millisecond,
			Release:  wp.Release,
			Trigger:  wp.Trigger,
		})
	}
	return p
}

// DryRun reports whether hardware access is simulated.
func (c *Config) DryRun() bool {
	return c.Defaults.DryRun
}
