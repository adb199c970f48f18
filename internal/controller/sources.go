package controller

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	billy "gopkg.in/src-d/go-billy.v4"
	"gopkg.in/src-d/go-billy.v4/osfs"

	"beerery/internal/config"
	"beerery/internal/i2c"
	"beerery/internal/sampling"
	"beerery/internal/sensors/analog"
	"beerery/internal/sensors/bmp280"
	"beerery/internal/sensors/ds18b20"
	"beerery/internal/sensors/mcp3008"
	"beerery/internal/sensors/simulated"
	"beerery/internal/sensors/thermalzone"
	"beerery/internal/spi"
)

// ErrUnknownInput is returned for an input type no driver handles.
var ErrUnknownInput = errors.New("controller: unknown input type")

// SourceBuilder turns one input declaration into a temperature source.
type SourceBuilder interface {
	Build(ctrl config.ControllerConfig, in config.InputConfig) (sampling.Source, error)
}

type spiConn interface {
	Tx(w, r []byte) error
	Close() error
}

var openSPIFn = func(path string, cfg spi.Config) (spiConn, error) {
	b, err := spi.Open(path, cfg)
	if err != nil {
		return nil, err
	}
	return b, nil
}

var openI2CFn = i2c.Open

var sysfsFn = func(dir string) billy.Filesystem { return osfs.New(dir) }

// HardwareSources builds sources on the rig's buses. The SPI and I2C buses
// are opened on first use and shared by every source on them; bus settings
// are fixed once a bus is open.
type HardwareSources struct {
	mu      sync.Mutex
	spiBus  spiConn
	adc     *mcp3008.ADC
	i2cBus  *i2c.Bus
	sysDirs map[string]billy.Filesystem
}

func NewHardwareSources() *HardwareSources {
	return &HardwareSources{sysDirs: make(map[string]billy.Filesystem)}
}

func (h *HardwareSources) Build(ctrl config.ControllerConfig, in config.InputConfig) (sampling.Source, error) {
	switch in.Type {
	case config.InputThermistor, config.InputTMP36:
		if in.ADCChannel == nil {
			return nil, fmt.Errorf("controller: input %s: adc_channel is required", in.Name)
		}
		adc, err := h.adcFor(ctrl.SPI)
		if err != nil {
			return nil, fmt.Errorf("controller: input %s: %w", in.Name, err)
		}
		if in.Type == config.InputThermistor {
			t, err := analog.NewThermistor(adc, *in.ADCChannel)
			if err != nil {
				return nil, err
			}
			return t, nil
		}
		t, err := analog.NewTMP36(adc, *in.ADCChannel)
		if err != nil {
			return nil, err
		}
		return t, nil

	case config.InputDS18B20:
		s, err := ds18b20.New(h.sysfs(ctrl.OneWireDir), in.Address)
		if err != nil {
			return nil, err
		}
		return s, nil

	case config.InputBMP280:
		bus, err := h.i2cFor(ctrl.I2C.Device)
		if err != nil {
			return nil, fmt.Errorf("controller: input %s: %w", in.Name, err)
		}
		d, err := bmp280.New(bus.Dev(in.I2CAddr))
		if err != nil {
			return nil, fmt.Errorf("controller: input %s: %w", in.Name, err)
		}
		return d, nil

	case config.InputThermalZone:
		z, err := thermalzone.New(h.sysfs(ctrl.ThermalDir), in.Zone)
		if err != nil {
			return nil, err
		}
		return z, nil

	case config.InputSimulated:
		return simulated.New(simulated.Config{
			Base:      in.Base,
			Amplitude: in.Amplitude,
			Period:    in.Period,
			Seed:      in.Seed,
		}), nil
	}
	return nil, fmt.Errorf("%w %q (input %s)", ErrUnknownInput, in.Type, in.Name)
}

func (h *HardwareSources) adcFor(c config.SPIConfig) (*mcp3008.ADC, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.adc != nil {
		return h.adc, nil
	}
	bus, err := openSPIFn(spi.DevicePath(c.Bus, c.ChipSelect), spi.Config{SpeedHz: c.SpeedHz})
	if err != nil {
		return nil, err
	}
	adc, err := mcp3008.New(bus, c.VRef)
	if err != nil {
		return nil, multierr.Append(err, bus.Close())
	}
	h.spiBus = bus
	h.adc = adc
	return adc, nil
}

func (h *HardwareSources) i2cFor(dev string) (*i2c.Bus, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.i2cBus != nil {
		return h.i2cBus, nil
	}
	bus, err := openI2CFn(dev)
	if err != nil {
		return nil, err
	}
	h.i2cBus = bus
	return bus, nil
}

func (h *HardwareSources) sysfs(dir string) billy.Filesystem {
	h.mu.Lock()
	defer h.mu.Unlock()
	if fs, ok := h.sysDirs[dir]; ok {
		return fs
	}
	fs := sysfsFn(dir)
	h.sysDirs[dir] = fs
	return fs
}

// Close closes any open bus.
func (h *HardwareSources) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var err error
	if h.spiBus != nil {
		err = multierr.Append(err, h.spiBus.Close())
		h.spiBus = nil
		h.adc = nil
	}
	if h.i2cBus != nil {
		err = multierr.Append(err, h.i2cBus.Close())
		h.i2cBus = nil
	}
	return err
}
