package gpio

import (
	"strconv"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	pgpio "periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"github.com/cjeanneret/RampGo/internal/debug"
)

// PeriphDriver drives pins through periph.io, which supports a wide range
// of single-board computers. Pins are looked up by their GPIO number.
type PeriphDriver struct {
	pins map[int]pgpio.PinIO
}

// NewPeriphDriver initializes the periph host drivers.
func NewPeriphDriver() (*PeriphDriver, error) {
	debug.Info("Initializing periph.io GPIO driver")

	if _, err := host.Init(); err != nil {
		return nil, errors.Wrap(err, "periph host init")
	}

	return &PeriphDriver{pins: make(map[int]pgpio.PinIO)}, nil
}

func (p *PeriphDriver) lookup(pin int) (pgpio.PinIO, error) {
	if io, ok := p.pins[pin]; ok {
		return io, nil
	}
	io := gpioreg.ByName(strconv.Itoa(pin))
	if io == nil {
		return nil, errors.Errorf("periph: no GPIO %d on this host", pin)
	}
	p.pins[pin] = io
	return io, nil
}

func (p *PeriphDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)

	io, err := p.lookup(pin)
	if err != nil {
		return err
	}
	switch mode {
	case Input:
		return io.In(pgpio.PullNoChange, pgpio.NoEdge)
	case Output:
		return io.Out(pgpio.Low)
	default:
		return errors.Errorf("unknown pin mode: %d", mode)
	}
}

func (p *PeriphDriver) WritePin(pin int, level Level) error {
	io, err := p.lookup(pin)
	if err != nil {
		return err
	}
	return io.Out(pgpio.Level(level))
}

func (p *PeriphDriver) ReadPin(pin int) (Level, error) {
	io, err := p.lookup(pin)
	if err != nil {
		return Low, err
	}
	return Level(io.Read()), nil
}

// Close returns every used pin to a high-impedance input.
func (p *PeriphDriver) Close() error {
	debug.Trace("GPIO Close (periph)")

	var err error
	for pin, io := range p.pins {
		if inErr := io.In(pgpio.PullNoChange, pgpio.NoEdge); inErr != nil {
			err = multierr.Append(err, errors.Wrapf(inErr, "release GPIO %d", pin))
		}
	}
	return err
}
