//go:build linux

package gpio

import (
	"github.com/pkg/errors"
	"github.com/warthog618/go-gpiocdev"
	"go.uber.org/multierr"

	"github.com/cjeanneret/RampGo/internal/debug"
)

// CdevDriver drives pins through the Linux GPIO character device, so it
// works on any board with a gpiochip (not only the Raspberry Pi).
type CdevDriver struct {
	chip  string
	lines map[int]*gpiocdev.Line
	modes map[int]PinMode
}

// NewCdevDriver creates a driver for the given chip (e.g. "gpiochip0").
func NewCdevDriver(chip string) (*CdevDriver, error) {
	if chip == "" {
		chip = DefaultChip
	}
	debug.Info("Initializing GPIO character device driver on %s", chip)

	return &CdevDriver{
		chip:  chip,
		lines: make(map[int]*gpiocdev.Line),
		modes: make(map[int]PinMode),
	}, nil
}

func (c *CdevDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)

	var opt gpiocdev.LineReqOption
	switch mode {
	case Input:
		opt = gpiocdev.AsInput
	case Output:
		opt = gpiocdev.AsOutput(0)
	default:
		return errors.Errorf("unknown pin mode: %d", mode)
	}

	if l, ok := c.lines[pin]; ok {
		// Direction changes re-request the line.
		if err := l.Close(); err != nil {
			return errors.Wrapf(err, "release %s line %d", c.chip, pin)
		}
		delete(c.lines, pin)
	}

	l, err := gpiocdev.RequestLine(c.chip, pin, opt, gpiocdev.WithConsumer("rampgo"))
	if err != nil {
		return errors.Wrapf(err, "request %s line %d", c.chip, pin)
	}
	c.lines[pin] = l
	c.modes[pin] = mode
	return nil
}

func (c *CdevDriver) WritePin(pin int, level Level) error {
	l, ok := c.lines[pin]
	if !ok || c.modes[pin] != Output {
		if err := c.SetupPin(pin, Output); err != nil {
			return err
		}
		l = c.lines[pin]
	}

	v := 0
	if level == High {
		v = 1
	}
	return l.SetValue(v)
}

func (c *CdevDriver) ReadPin(pin int) (Level, error) {
	l, ok := c.lines[pin]
	if !ok {
		if err := c.SetupPin(pin, Input); err != nil {
			return Low, err
		}
		l = c.lines[pin]
	}

	v, err := l.Value()
	if err != nil {
		return Low, errors.Wrapf(err, "read %s line %d", c.chip, pin)
	}
	return Level(v != 0), nil
}

// Close releases every requested line; all release errors are reported.
func (c *CdevDriver) Close() error {
	debug.Trace("GPIO Close (cdev %s)", c.chip)

	var err error
	for pin, l := range c.lines {
		debug.Verbose("Releasing line %d", pin)
		err = multierr.Append(err, l.Close())
		delete(c.lines, pin)
	}
	return err
}
