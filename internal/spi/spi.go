// Package spi talks to devices on the Linux spidev interface.
package spi

import "fmt"

// Config holds the bus parameters applied at Open.
type Config struct {
	Mode        uint8
	BitsPerWord uint8
	SpeedHz     uint32
}

// DefaultSpeedHz is conservative enough for an MCP3008 at 3.3V.
const DefaultSpeedHz = 1_000_000

func (c Config) withDefaults() Config {
	if c.BitsPerWord == 0 {
		c.BitsPerWord = 8
	}
	if c.SpeedHz == 0 {
		c.SpeedHz = DefaultSpeedHz
	}
	return c
}

// DevicePath returns the spidev node for a bus and chip select.
func DevicePath(bus, cs int) string {
	return fmt.Sprintf("/dev/spidev%d.%d", bus, cs)
}
