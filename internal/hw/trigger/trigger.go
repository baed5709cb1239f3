package trigger

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/cjeanneret/RampGo/internal/debug"
	"github.com/cjeanneret/RampGo/internal/hw/gpio"
)

// Trigger is an external device fired once the axis rests on a waypoint
// (a camera remote, the sync input of another controller, ...).
type Trigger interface {
	// Fire emits one pulse and returns once the lines are back to idle.
	Fire(ctx context.Context) error
}

// Config describes a GPIO trigger. Lines idle at the opposite of ActiveLevel.
//
// When PreparePin is set it's asserted first, for Prepare, and stays
// asserted while Pin is pulsed. With a camera on its 3-pin remote connector
// PreparePin is the FOCUS line and Pin the SHUTTER line, both active low.
type Config struct {
	Pin         int
	PreparePin  int // 0 = not used
	ActiveLevel gpio.Level
	Prepare     time.Duration
	Hold        time.Duration
}

// GPIO is a Trigger driving one or two output pins.
type GPIO struct {
	gpio gpio.Driver
	cfg  Config
}

// NewGPIO configures the trigger pins as outputs, idle.
func NewGPIO(g gpio.Driver, cfg Config) (*GPIO, error) {
	if cfg.Pin <= 0 {
		return nil, errors.Errorf("trigger pin must be > 0, got %d", cfg.Pin)
	}
	if cfg.PreparePin == cfg.Pin {
		return nil, errors.Errorf("trigger prepare pin %d is the trigger pin", cfg.PreparePin)
	}
	if cfg.Prepare < 0 || cfg.Hold < 0 {
		return nil, errors.New("trigger durations must be >= 0")
	}

	t := &GPIO{gpio: g, cfg: cfg}
	idle := cfg.ActiveLevel.Not()
	err := multierr.Combine(
		g.SetupPin(cfg.Pin, gpio.Output),
		g.WritePin(cfg.Pin, idle),
	)
	if cfg.PreparePin > 0 {
		err = multierr.Combine(err,
			g.SetupPin(cfg.PreparePin, gpio.Output),
			g.WritePin(cfg.PreparePin, idle),
		)
	}
	if err != nil {
		return nil, errors.Wrap(err, "configure trigger pins")
	}
	return t, nil
}

// Fire runs prepare -> pulse -> release. The lines are released even when
// ctx ends early; ctx.Err() is returned in that case.
func (t *GPIO) Fire(ctx context.Context) (err error) {
	active, idle := t.cfg.ActiveLevel, t.cfg.ActiveLevel.Not()
	debug.Live("Trigger: firing (pin=%d, prepare=%d)", t.cfg.Pin, t.cfg.PreparePin)

	if t.cfg.PreparePin > 0 {
		if err := t.write(t.cfg.PreparePin, active); err != nil {
			return err
		}
		defer func() {
			err = multierr.Append(err, t.write(t.cfg.PreparePin, idle))
		}()
		debug.Verbose("Trigger: preparing (%v)", t.cfg.Prepare)
		if err := sleep(ctx, t.cfg.Prepare); err != nil {
			return err
		}
	}

	if err := t.write(t.cfg.Pin, active); err != nil {
		return err
	}
	debug.Verbose("Trigger: holding (%v)", t.cfg.Hold)
	held := sleep(ctx, t.cfg.Hold)
	return multierr.Append(held, t.write(t.cfg.Pin, idle))
}

func (t *GPIO) write(pin int, level gpio.Level) error {
	debug.GPIO("trigger write", pin, level)
	return errors.Wrapf(t.gpio.WritePin(pin, level), "trigger pin %d", pin)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
