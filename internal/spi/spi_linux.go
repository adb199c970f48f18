//go:build linux

package spi

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Minimal Linux spidev implementation backed by /dev/spidevB.C.
//
// Each Tx is a single full-duplex SPI_IOC_MESSAGE(1) transfer; chip select is
// held for the whole transfer, which is what the MCP3008 expects.

const (
	iocWrMode        = 0x40016b01
	iocWrBitsPerWord = 0x40016b03
	iocWrMaxSpeedHz  = 0x40046b04
	iocMessage1      = 0x40206b00
)

// transfer mirrors struct spi_ioc_transfer (32 bytes).
type transfer struct {
	txBuf       uint64
	rxBuf       uint64
	length      uint32
	speedHz     uint32
	delayUsecs  uint16
	bitsPerWord uint8
	csChange    uint8
	txNbits     uint8
	rxNbits     uint8
	wordDelay   uint8
	pad         uint8
}

// Bus is an opened spidev device. Transfers are serialized so several
// samplers can share one ADC.
type Bus struct {
	mu   sync.Mutex
	f    *os.File
	path string
	cfg  Config
}

func Open(path string, cfg Config) (*Bus, error) {
	cfg = cfg.withDefaults()
	path = filepath.Clean(path)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	b := &Bus{f: f, path: path, cfg: cfg}

	mode := cfg.Mode
	bits := cfg.BitsPerWord
	speed := cfg.SpeedHz
	if err := b.ioctl(iocWrMode, unsafe.Pointer(&mode)); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("spi: %s: set mode: %w", path, err)
	}
	if err := b.ioctl(iocWrBitsPerWord, unsafe.Pointer(&bits)); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("spi: %s: set bits per word: %w", path, err)
	}
	if err := b.ioctl(iocWrMaxSpeedHz, unsafe.Pointer(&speed)); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("spi: %s: set speed: %w", path, err)
	}
	return b, nil
}

func (b *Bus) ioctl(req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, b.f.Fd(), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.f == nil {
		return nil
	}
	err := b.f.Close()
	b.f = nil
	return err
}

// Tx clocks out w and fills r with what was clocked in. Both must be the
// same length.
func (b *Bus) Tx(w, r []byte) error {
	if b == nil {
		return errors.New("spi: bus is nil")
	}
	if len(w) != len(r) {
		return fmt.Errorf("spi: tx len %d != rx len %d", len(w), len(r))
	}
	if len(w) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.f == nil {
		return errors.New("spi: bus closed")
	}

	xfer := transfer{
		txBuf:       uint64(uintptr(unsafe.Pointer(&w[0]))),
		rxBuf:       uint64(uintptr(unsafe.Pointer(&r[0]))),
		length:      uint32(len(w)),
		speedHz:     b.cfg.SpeedHz,
		bitsPerWord: b.cfg.BitsPerWord,
	}
	return b.ioctl(iocMessage1, unsafe.Pointer(&xfer))
}
