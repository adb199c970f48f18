// Package ds18b20 reads one-wire DS18B20 probes through the kernel's w1-therm
// sysfs interface.
package ds18b20

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"

	billy "gopkg.in/src-d/go-billy.v4"
	"gopkg.in/src-d/go-billy.v4/osfs"
)

// BaseDir is where w1-therm exposes devices.
const BaseDir = "/sys/bus/w1/devices"

var (
	ErrCRC       = errors.New("ds18b20: crc check failed")
	ErrMalformed = errors.New("ds18b20: malformed w1_slave data")
)

// DefaultFS is the live one-wire device tree.
func DefaultFS() billy.Filesystem { return osfs.New(BaseDir) }

type Sensor struct {
	fs      billy.Filesystem
	address string
}

// New binds a probe by address (e.g. "28-0316a2796cff") under fs.
func New(fs billy.Filesystem, address string) (*Sensor, error) {
	if fs == nil {
		return nil, fmt.Errorf("ds18b20: fs is nil")
	}
	if address == "" || address != path.Base(address) {
		return nil, fmt.Errorf("ds18b20: invalid address %q", address)
	}
	return &Sensor{fs: fs, address: address}, nil
}

func (s *Sensor) Address() string { return s.address }

func (s *Sensor) Units() string { return "f" }

func (s *Sensor) Temperature(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f, err := s.fs.Open(path.Join(s.address, "w1_slave"))
	if err != nil {
		return 0, fmt.Errorf("ds18b20 %s: %w", s.address, err)
	}
	defer f.Close()

	// The kernel runs the conversion on read; this is the ~750ms part.
	data, err := io.ReadAll(f)
	if err != nil {
		return 0, fmt.Errorf("ds18b20 %s: %w", s.address, err)
	}
	c, err := Parse(data)
	if err != nil {
		return 0, fmt.Errorf("ds18b20 %s: %w", s.address, err)
	}
	return c*9.0/5.0 + 32.0, nil
}

// Parse extracts the temperature in °C from w1_slave contents:
//
//	72 01 4b 46 7f ff 0e 10 57 : crc=57 YES
//	72 01 4b 46 7f ff 0e 10 57 t=23125
func Parse(data []byte) (float64, error) {
	lines := bytes.Split(bytes.TrimSpace(data), []byte("\n"))
	if len(lines) < 2 {
		return 0, ErrMalformed
	}
	if !bytes.HasSuffix(bytes.TrimSpace(lines[0]), []byte("YES")) {
		return 0, ErrCRC
	}
	i := bytes.Index(lines[1], []byte("t="))
	if i < 0 {
		return 0, ErrMalformed
	}
	milli, err := strconv.ParseFloat(string(bytes.TrimSpace(lines[1][i+2:])), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return milli / 1000.0, nil
}
