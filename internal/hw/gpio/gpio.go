package gpio

import (
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/cjeanneret/RampGo/internal/debug"
)

// Level represents the logical state of a GPIO pin.
type Level bool

const (
	Low  Level = false
	High Level = true
)

// Not returns the opposite level.
func (l Level) Not() Level { return !l }

func (l Level) String() string {
	if l {
		return "high"
	}
	return "low"
}

// ParseLevel converts "high"/"low" (or "1"/"0") to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high", "1":
		return High, nil
	case "low", "0":
		return Low, nil
	default:
		return Low, errors.Errorf("invalid pin level %q (want high or low)", s)
	}
}

// PinMode indicates whether a GPIO is input or output.
type PinMode int

const (
	Input PinMode = iota
	Output
)

// Driver defines the abstract interface for controlling GPIOs.
// The stepper engine only ever configures outputs and writes them; writes
// are expected to complete well within a microsecond budget.
type Driver interface {
	SetupPin(pin int, mode PinMode) error
	WritePin(pin int, level Level) error
	ReadPin(pin int) (Level, error)
	Close() error
}

// Backend names accepted by NewDriver.
const (
	BackendMock   = "mock"
	BackendRPi    = "rpio"
	BackendCdev   = "cdev"
	BackendPeriph = "periph"
)

// DefaultChip is the GPIO character device used when none is configured.
const DefaultChip = "gpiochip0"

// ErrUnknownBackend is returned by NewDriver for an unsupported backend name.
var ErrUnknownBackend = errors.New("unknown GPIO backend")

// NewDriver creates a GPIO driver for the named backend.
// chip is only used by the cdev backend (e.g. "gpiochip0").
func NewDriver(backend, chip string) (Driver, error) {
	switch backend {
	case BackendMock, "":
		debug.Info("Using MOCK GPIO driver (development mode)")
		return NewMockDriver(), nil
	case BackendRPi:
		return NewRPiRealDriver()
	case BackendCdev:
		return NewCdevDriver(chip)
	case BackendPeriph:
		return NewPeriphDriver()
	default:
		return nil, errors.Wrapf(ErrUnknownBackend, "%q", backend)
	}
}

// MockDriver is an in-memory implementation that logs actions and
// remembers the last level written to each pin.
type MockDriver struct {
	mu     sync.Mutex
	levels map[int]Level
	modes  map[int]PinMode
}

// NewMockDriver returns an empty MockDriver.
func NewMockDriver() *MockDriver {
	return &MockDriver{
		levels: make(map[int]Level),
		modes:  make(map[int]PinMode),
	}
}

func (m *MockDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.modes == nil {
		m.modes = make(map[int]PinMode)
	}
	m.modes[pin] = mode
	return nil
}

func (m *MockDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.levels == nil {
		m.levels = make(map[int]Level)
	}
	m.levels[pin] = level
	return nil
}

func (m *MockDriver) ReadPin(pin int) (Level, error) {
	debug.GPIO("ReadPin", pin, nil)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.levels[pin], nil
}

func (m *MockDriver) Close() error {
	debug.Trace("GPIO Close (mock)")
	return nil
}
