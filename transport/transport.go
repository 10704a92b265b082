// Package transport opens the two serial links to the instrument and provides
// in-memory test doubles for them.
package transport

import (
	"io"

	"github.com/potlab/pstat/fault"
	"go.bug.st/serial"
)

// Conn is one byte-oriented link to the instrument. Reads block until data
// arrives, Close unblocks a blocked Read.
type Conn interface {
	io.Reader
	io.Writer
	io.Closer
}

// Open connects to a serial port by name, e.g. /dev/ttyACM0 or COM5.
// The instrument enumerates as USB CDC so line parameters are irrelevant.
func Open(name string) (Conn, error) {
	if name == "" {
		return nil, fault.NewConnectionError("empty port name", nil)
	}
	port, err := serial.Open(name, &serial.Mode{})
	if err != nil {
		return nil, fault.NewConnectionError("could not open port "+name, err)
	}
	return port, nil
}

// ReadExactly blocks until exactly n bytes arrived.
func ReadExactly(r io.Reader, n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
