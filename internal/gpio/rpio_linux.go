//go:build linux

package gpio

import (
	"fmt"
	"sync"

	"github.com/stianeikeland/go-rpio/v4"
)

var openRPIOFn = openRPIO

// rpioDriver drives pins through /dev/gpiomem register access. It is the
// fallback for older kernels without the GPIO character device.
type rpioDriver struct {
	mu      sync.Mutex
	claimed map[int]bool
	closed  bool
}

func openRPIO() (Driver, error) {
	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("gpio: rpio open: %w", err)
	}
	return &rpioDriver{claimed: make(map[int]bool)}, nil
}

func (d *rpioDriver) Setup(pin int) error {
	if err := validPin(pin); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("gpio: driver closed")
	}
	if d.claimed[pin] {
		return ErrClaimed
	}
	p := rpio.Pin(pin)
	p.Output()
	p.Low()
	d.claimed[pin] = true
	return nil
}

func (d *rpioDriver) Set(pin int, level Level) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.claimed[pin] {
		return ErrNotClaimed
	}
	if level == High {
		rpio.Pin(pin).High()
	} else {
		rpio.Pin(pin).Low()
	}
	return nil
}

func (d *rpioDriver) Mode(pin int) PinMode {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.claimed[pin] {
		return Output
	}
	return Other
}

func (d *rpioDriver) Release(pin int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.claimed[pin] {
		return ErrNotClaimed
	}
	delete(d.claimed, pin)
	p := rpio.Pin(pin)
	p.Low()
	p.Input()
	return nil
}

func (d *rpioDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	for pin := range d.claimed {
		p := rpio.Pin(pin)
		p.Low()
		p.Input()
	}
	d.claimed = nil
	return rpio.Close()
}
