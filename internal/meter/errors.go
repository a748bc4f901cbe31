package meter

import (
	"errors"
	"fmt"
	"io/fs"
	"syscall"
)

// Sentinel errors for callers to classify via errors.Is. Absent, permission
// and config errors are terminal; transport errors are retried with a
// reconnect, no-valid-data in place.
var (
	ErrDeviceAbsent     = errors.New("meter device absent")
	ErrPermissionDenied = errors.New("meter device permission denied")
	ErrTransport        = errors.New("meter transport error")
	ErrNoValidData      = errors.New("no valid data from meter")
	ErrInvalidConfig    = errors.New("invalid meter configuration")
)

// classifyPortErr wraps an OS-level serial failure with its typed kind.
func classifyPortErr(err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, syscall.ENODEV), errors.Is(err, syscall.ENXIO):
		return fmt.Errorf("%w: %v", ErrDeviceAbsent, err)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	default:
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
}

// IsTerminal reports whether retrying the read cannot succeed.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrDeviceAbsent) ||
		errors.Is(err, ErrPermissionDenied) ||
		errors.Is(err, ErrInvalidConfig)
}
