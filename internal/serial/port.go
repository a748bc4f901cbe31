// Package serial provides the small port abstraction the M-Bus transaction
// needs: byte I/O with a short read timeout, a NONE/EVEN parity toggle and
// separate input/output buffer control. On Linux the port drives termios
// directly so parity can change on the open descriptor; elsewhere it falls
// back to tarm/serial and reopens the device on a parity switch.
package serial

import "time"

type Parity uint8

const (
	ParityNone Parity = iota
	ParityEven
)

// Config describes how to open a meter port. M-Bus meters talk 2400 8N1
// for wakeup and 2400 8E1 for requests; Parity only sets the initial mode.
type Config struct {
	Device      string
	Baud        int
	Parity      Parity
	ReadTimeout time.Duration
}

// Port is a serial device handle with the capabilities the transaction
// state machine relies on. Read returns (0, nil) when the read timeout
// elapses without data.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	// SetParity switches between 8N1 and 8E1 on the same device.
	SetParity(p Parity) error
	// Drain blocks until queued output has been transmitted.
	Drain() error
	// ResetInput discards unread received bytes.
	ResetInput() error
	// ResetOutput discards untransmitted queued bytes.
	ResetOutput() error
	Close() error
}

// Open opens the device with the platform implementation.
func Open(cfg Config) (Port, error) { return open(cfg) }
