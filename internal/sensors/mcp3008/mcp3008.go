package mcp3008

import (
	"fmt"
)

// Minimal MCP3008 driver: single-ended 10-bit conversions over SPI.

const (
	Channels = 8
	MaxCode  = 1023

	// DefaultVRef is the reference voltage on the Pi header's 3.3V rail.
	DefaultVRef = 3.3
)

// Conn is a full-duplex SPI transfer.
type Conn interface {
	Tx(w, r []byte) error
}

type ADC struct {
	conn Conn
	vref float64
}

func New(conn Conn, vref float64) (*ADC, error) {
	if conn == nil {
		return nil, fmt.Errorf("mcp3008: conn is nil")
	}
	if vref <= 0 {
		vref = DefaultVRef
	}
	return &ADC{conn: conn, vref: vref}, nil
}

func (a *ADC) VRef() float64 { return a.vref }

// Read returns the raw conversion for channel ch.
func (a *ADC) Read(ch int) (int, error) {
	if ch < 0 || ch >= Channels {
		return 0, fmt.Errorf("mcp3008: channel %d out of range", ch)
	}
	// Start bit, then single-ended mode + channel in the high nibble.
	w := []byte{0x01, byte((8 + ch) << 4), 0x00}
	r := make([]byte, 3)
	if err := a.conn.Tx(w, r); err != nil {
		return 0, fmt.Errorf("mcp3008: channel %d: %w", ch, err)
	}
	return int(r[1]&0x03)<<8 | int(r[2]), nil
}

// Volts converts a reading on ch to volts against the reference.
func (a *ADC) Volts(ch int) (float64, error) {
	code, err := a.Read(ch)
	if err != nil {
		return 0, err
	}
	return float64(code) / MaxCode * a.vref, nil
}
