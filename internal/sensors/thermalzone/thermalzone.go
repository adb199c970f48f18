// Package thermalzone reads a Linux thermal zone, usually the SoC of the
// board running the controller. It is handy for watching the control box
// itself, which sits next to a boil kettle.
package thermalzone

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	billy "gopkg.in/src-d/go-billy.v4"
	"gopkg.in/src-d/go-billy.v4/osfs"
)

const BaseDir = "/sys/class/thermal"

func DefaultFS() billy.Filesystem { return osfs.New(BaseDir) }

type Sensor struct {
	fs   billy.Filesystem
	zone int
}

func New(fs billy.Filesystem, zone int) (*Sensor, error) {
	if fs == nil {
		return nil, fmt.Errorf("thermalzone: fs is nil")
	}
	if zone < 0 {
		return nil, fmt.Errorf("thermalzone: invalid zone %d", zone)
	}
	return &Sensor{fs: fs, zone: zone}, nil
}

func (s *Sensor) Units() string { return "f" }

func (s *Sensor) path() string { return fmt.Sprintf("thermal_zone%d/temp", s.zone) }

func (s *Sensor) Temperature(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f, err := s.fs.Open(s.path())
	if err != nil {
		return 0, fmt.Errorf("thermalzone %d: %w", s.zone, err)
	}
	defer f.Close()
	b, err := io.ReadAll(f)
	if err != nil {
		return 0, fmt.Errorf("thermalzone %d: %w", s.zone, err)
	}
	c, err := ParseCelsius(string(b))
	if err != nil {
		return 0, fmt.Errorf("thermalzone %d: %w", s.zone, err)
	}
	return c*9.0/5.0 + 32.0, nil
}

// ParseCelsius parses a zone's temp file. The kernel reports millidegrees
// (e.g. 52345), though some drivers report whole degrees.
func ParseCelsius(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("temp empty")
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("parse temp %q: %w", s, err)
	}
	if n > 1000 || n < -1000 {
		return float64(n) / 1000.0, nil
	}
	return float64(n), nil
}
