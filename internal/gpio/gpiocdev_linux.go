//go:build linux

package gpio

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/warthog618/go-gpiocdev"
	"go.uber.org/multierr"
)

const consumer = "beerery"

var openGPIOCDevFn = openGPIOCDev

// gpiocdevDriver drives header pins through the Linux GPIO character device.
type gpiocdevDriver struct {
	mu     sync.Mutex
	chips  map[string]*gpiocdev.Chip
	lines  map[int]*gpiocdev.Line
	closed bool
}

func openGPIOCDev() (Driver, error) {
	if len(chipCandidates()) == 0 {
		return nil, fmt.Errorf("gpio: no gpiochip devices found")
	}
	return &gpiocdevDriver{
		chips: make(map[string]*gpiocdev.Chip),
		lines: make(map[int]*gpiocdev.Line),
	}, nil
}

// chipCandidates lists likely chips first (Pi 5 kernels can expose header
// GPIOs on gpiochip4) followed by everything under /dev.
func chipCandidates() []string {
	seen := map[string]bool{}
	var out []string
	add := func(p string) {
		if seen[p] {
			return
		}
		if _, err := os.Stat(p); err != nil {
			return
		}
		seen[p] = true
		out = append(out, p)
	}
	add("/dev/gpiochip0")
	add("/dev/gpiochip4")
	entries, _ := os.ReadDir("/dev")
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "gpiochip") {
			add(filepath.Join("/dev", e.Name()))
		}
	}
	return out
}

func (d *gpiocdevDriver) chip(path string) (*gpiocdev.Chip, error) {
	if c, ok := d.chips[path]; ok {
		return c, nil
	}
	c, err := gpiocdev.NewChip(path, gpiocdev.WithConsumer(consumer))
	if err != nil {
		return nil, err
	}
	d.chips[path] = c
	return c, nil
}

func (d *gpiocdevDriver) Setup(pin int) error {
	if err := validPin(pin); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("gpio: driver closed")
	}
	if _, ok := d.lines[pin]; ok {
		return ErrClaimed
	}

	// On Pi, line names are commonly "GPIO18", etc.
	lineName := fmt.Sprintf("GPIO%d", pin)
	for _, path := range chipCandidates() {
		c, err := d.chip(path)
		if err != nil {
			continue
		}
		offset, err := c.FindLine(lineName)
		if err != nil {
			continue
		}
		line, err := c.RequestLine(offset, gpiocdev.AsOutput(0), gpiocdev.WithConsumer(consumer))
		if err != nil {
			return fmt.Errorf("gpio: request %s on %s: %w", lineName, path, err)
		}
		d.lines[pin] = line
		return nil
	}
	return fmt.Errorf("gpio: line %q not found (or busy)", lineName)
}

func (d *gpiocdevDriver) Set(pin int, level Level) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	line, ok := d.lines[pin]
	if !ok {
		return ErrNotClaimed
	}
	return line.SetValue(int(level))
}

func (d *gpiocdevDriver) Mode(pin int) PinMode {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.lines[pin]; ok {
		return Output
	}
	return Other
}

func (d *gpiocdevDriver) Release(pin int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	line, ok := d.lines[pin]
	if !ok {
		return ErrNotClaimed
	}
	delete(d.lines, pin)
	return releaseLine(line)
}

func releaseLine(line *gpiocdev.Line) error {
	// Leave the heater off before handing the line back.
	errSet := line.SetValue(0)
	errClose := line.Close()
	if errSet != nil {
		return errSet
	}
	return errClose
}

func (d *gpiocdevDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	var err error
	for pin, line := range d.lines {
		if e := releaseLine(line); e != nil {
			err = multierr.Append(err, fmt.Errorf("gpio: release pin %d: %w", pin, e))
		}
	}
	d.lines = nil
	for _, c := range d.chips {
		_ = c.Close()
	}
	d.chips = nil
	return err
}
