package motion

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/cjeanneret/RampGo/internal/debug"
	"github.com/cjeanneret/RampGo/internal/hw/clock"
	"github.com/cjeanneret/RampGo/internal/hw/stepper"
)

// ErrMoving is returned by operations that require the axis to be at rest.
var ErrMoving = errors.New("axis is moving")

// Axis is the part of the stepper engine the controller drives.
type Axis interface {
	Name() string
	Step() clock.Timestamp
	Stopped() bool
	Phase() stepper.Phase
	Position() int64
	SetTargetPosition(pos int64)
	SetTargetSpeed(speed float64)
	CalibratePosition(pos int64)
	PowerOn() clock.Timestamp
	PowerOff() clock.Timestamp
	Snapshot() stepper.State
}

// Observer receives the axis state while a move runs.
type Observer func(stepper.State)

// Controller is the scheduler of one axis: it calls Step and waits for the
// returned timestamp until the axis rests on its target. It's the layer
// between business logic (programs, web requests) and the engine.
//
// The engine itself is not safe for concurrent use; every call to it goes
// through the controller, which serializes them.
type Controller struct {
	axis  Axis
	clock clock.Clock

	mu sync.Mutex // held for the whole of a move

	stateMu      sync.RWMutex
	state        stepper.State
	observer     Observer
	observeEvery int
}

func NewController(axis Axis, clk clock.Clock) *Controller {
	c := &Controller{
		axis:         axis,
		clock:        clk,
		observeEvery: 1,
	}
	c.state = axis.Snapshot()
	return c
}

// SetObserver registers fn to be called every `every` pulses, and at the
// start and end of each move. A nil fn removes the observer.
func (c *Controller) SetObserver(every int, fn Observer) {
	if every < 1 {
		every = 1
	}
	c.stateMu.Lock()
	c.observer = fn
	c.observeEvery = every
	c.stateMu.Unlock()
}

// Status returns the last published axis state. It's safe to call while a move runs.
func (c *Controller) Status() stepper.State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

func (c *Controller) publish() {
	st := c.axis.Snapshot()
	c.stateMu.Lock()
	c.state = st
	fn := c.observer
	c.stateMu.Unlock()
	if fn != nil {
		fn(st)
	}
}

func (c *Controller) waitUntil(ts clock.Timestamp) {
	if now := c.clock.Now(); ts > now {
		c.clock.Delay(uint64(ts - now))
	}
}

// MoveTo drives the axis to pos (full steps) at speed (full steps/s; 0 keeps
// the current target speed) and returns once it rests there. The driver is
// powered on first if needed.
//
// When ctx is done the target becomes the current position, the axis
// decelerates to rest and ctx.Err() is returned.
func (c *Controller) MoveTo(ctx context.Context, pos int64, speed float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	name := c.axis.Name()
	if speed > 0 {
		c.axis.SetTargetSpeed(speed)
	}
	if c.axis.Phase() == stepper.Off {
		c.waitUntil(c.axis.PowerOn())
	}

	from := c.axis.Position()
	debug.Move(name, from, pos, speed)
	c.axis.SetTargetPosition(pos)
	c.publish()

	c.stateMu.RLock()
	every := c.observeEvery
	c.stateMu.RUnlock()

	var cancelled bool
	pulses := 0
	for {
		if !cancelled {
			select {
			case <-ctx.Done():
				cancelled = true
				here := c.axis.Position()
				debug.Live("Axis %s: move cancelled at %d", name, here)
				c.axis.SetTargetPosition(here)
			default:
			}
		}

		ts := c.axis.Step()
		if ts == stepper.NoStep {
			break
		}
		pulses++
		if pulses%every == 0 {
			c.publish()
		}
		c.waitUntil(ts)
	}

	c.publish()
	debug.Arrived(name, c.axis.Position(), pulses)

	if cancelled {
		return ctx.Err()
	}
	return nil
}

// Pause waits for d on the axis clock, or until ctx is done. The driver keeps
// its current power state.
func (c *Controller) Pause(ctx context.Context, d time.Duration) error {
	debug.Verbose("Axis %s: pause %s", c.axis.Name(), d)
	return c.clock.Sleep(ctx, d)
}

// MoveBy moves the axis by delta full steps from its current position.
func (c *Controller) MoveBy(ctx context.Context, delta int64, speed float64) error {
	return c.MoveTo(ctx, c.Position()+delta, speed)
}

// Position returns the last published position in full steps.
func (c *Controller) Position() int64 {
	return c.Status().Position
}

// Hold powers the driver on so the axis keeps its holding torque.
func (c *Controller) Hold() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	debug.Live("Axis %s: power on", c.axis.Name())
	c.waitUntil(c.axis.PowerOn())
	c.publish()
	return nil
}

// Release powers the driver off. The axis must be at rest, since
// powering off while moving loses the position.
func (c *Controller) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.axis.Stopped() {
		return errors.Wrapf(ErrMoving, "release axis %s", c.axis.Name())
	}
	debug.Live("Axis %s: power off", c.axis.Name())
	c.waitUntil(c.axis.PowerOff())
	c.publish()
	return nil
}

// Calibrate declares the current position to be pos full steps.
func (c *Controller) Calibrate(pos int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.axis.Stopped() {
		return errors.Wrapf(ErrMoving, "calibrate axis %s", c.axis.Name())
	}
	c.axis.CalibratePosition(pos)
	c.publish()
	return nil
}
