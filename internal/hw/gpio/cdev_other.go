//go:build !linux

package gpio

import "github.com/pkg/errors"

// CdevDriver is only available on Linux.
type CdevDriver struct{}

func NewCdevDriver(chip string) (*CdevDriver, error) {
	return nil, errors.New("cdev GPIO backend requires Linux")
}

func (c *CdevDriver) SetupPin(pin int, mode PinMode) error { return nil }
func (c *CdevDriver) WritePin(pin int, level Level) error { return nil }
func (c *CdevDriver) ReadPin(pin int) (Level, error) { return Low, nil }
func (c *CdevDriver) Close() error { return nil }
