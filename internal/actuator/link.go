// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package actuator

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	serial "github.com/jacobsa/go-serial/serial"
)

// ErrActuatorUnavailable is returned when no link is open or a write failed.
var ErrActuatorUnavailable = errors.New("actuator: unavailable")

// DefaultBaudRate matches the robot firmware.
const DefaultBaudRate = 38400

// Link is a byte-oriented channel to the actuator. Writes are fire-and-forget;
// nothing is ever read back.
type Link interface {
	Write(p []byte) (int, error)
	Close() error
}

// SerialLink is a Link over a serial port.
type SerialLink struct {
	address string
	baud    uint

	mu   sync.Mutex
	port io.ReadWriteCloser
}

// Open opens the serial port at address (e.g. /dev/ttyACM0, COM3) with 8N1 framing.
func Open(address string, baudRate uint) (*SerialLink, error) {
	if address == "" {
		return nil, fmt.Errorf("%w: no port given", ErrActuatorUnavailable)
	}
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}

	opts := serial.OpenOptions{
		PortName:              address,
		BaudRate:              baudRate,
		DataBits:              8,
		StopBits:              1,
		MinimumReadSize:       1,
		ParityMode:            serial.PARITY_NONE,
		InterCharacterTimeout: 0,
	}

	port, err := serial.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrActuatorUnavailable, address, err)
	}
	log.Printf("actuator: serial port opened on %s at %d baud", address, baudRate)

	return &SerialLink{address: address, baud: baudRate, port: port}, nil
}

// Address returns the port name the link was opened on.
func (l *SerialLink) Address() string { return l.address }

// BaudRate returns the configured baud rate.
func (l *SerialLink) BaudRate() uint { return l.baud }

func (l *SerialLink) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.port == nil {
		return 0, fmt.Errorf("%w: %s is closed", ErrActuatorUnavailable, l.address)
	}
	n, err := l.port.Write(p)
	if err != nil {
		return n, fmt.Errorf("%w: write %s: %v", ErrActuatorUnavailable, l.address, err)
	}
	return n, nil
}

func (l *SerialLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.port == nil {
		return nil
	}
	err := l.port.Close()
	l.port = nil
	log.Printf("actuator: serial port %s closed", l.address)
	return err
}
