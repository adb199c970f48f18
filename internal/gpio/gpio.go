// Package gpio is the pin actuation primitive used by outputs.
//
// Pins use BCM numbering. A Driver hands out exclusive output pins: Setup
// claims a pin driven low, Release drives it low and frees it, and Close
// releases every claimed pin.
package gpio

import (
	"errors"
	"fmt"
	"strings"
)

type Level int

const (
	Low  Level = 0
	High Level = 1
)

func (l Level) String() string {
	if l == High {
		return "high"
	}
	return "low"
}

type PinMode int

const (
	Other PinMode = iota
	Output
)

var (
	ErrUnsupported = errors.New("gpio: unsupported on this platform")
	ErrNotClaimed  = errors.New("gpio: pin not claimed")
	ErrClaimed     = errors.New("gpio: pin already claimed")
)

// Driver is implemented by every pin backend. Implementations are safe for
// concurrent use.
type Driver interface {
	Setup(pin int) error
	Set(pin int, level Level) error
	Mode(pin int) PinMode
	Release(pin int) error
	Close() error
}

const (
	BackendGPIOCDev = "gpiocdev"
	BackendRPIO     = "rpio"
	BackendSim      = "sim"
)

// Open returns the named backend.
func Open(backend string) (Driver, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendGPIOCDev:
		return openGPIOCDevFn()
	case BackendRPIO:
		return openRPIOFn()
	case BackendSim:
		return NewSim(), nil
	}
	return nil, fmt.Errorf("gpio: unknown backend %q", backend)
}

func validPin(pin int) error {
	if pin <= 0 || pin > 53 {
		return fmt.Errorf("gpio: invalid pin %d", pin)
	}
	return nil
}
