//go:build !linux

package gpio

// Stub implementations for non-Linux platforms. Use the sim backend there.
func openGPIOCDev() (Driver, error) { return nil, ErrUnsupported }

func openRPIO() (Driver, error) { return nil, ErrUnsupported }

var (
	openGPIOCDevFn = openGPIOCDev
	openRPIOFn     = openRPIO
)
