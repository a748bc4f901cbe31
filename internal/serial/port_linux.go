//go:build linux

package serial

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// termiosPort drives the tty directly so the NONE/EVEN parity toggle and
// the input/output flushes land on the open descriptor, mid-session, the
// way the meter transaction needs them.
type termiosPort struct {
	fd  int
	cfg Config
}

func open(cfg Config) (Port, error) {
	fd, err := unix.Open(cfg.Device, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: cfg.Device, Err: err}
	}
	p := &termiosPort{fd: fd, cfg: cfg}
	if err := p.apply(cfg.Parity); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	// Reads are governed by VMIN/VTIME, so drop O_NONBLOCK again.
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFL, 0); err != nil {
		_ = unix.Close(fd)
		return nil, &os.PathError{Op: "fcntl", Path: cfg.Device, Err: err}
	}
	return p, nil
}

func baudFlag(baud int) (uint32, error) {
	switch baud {
	case 300:
		return unix.B300, nil
	case 600:
		return unix.B600, nil
	case 1200:
		return unix.B1200, nil
	case 2400:
		return unix.B2400, nil
	case 4800:
		return unix.B4800, nil
	case 9600:
		return unix.B9600, nil
	case 19200:
		return unix.B19200, nil
	case 38400:
		return unix.B38400, nil
	}
	return 0, fmt.Errorf("unsupported baud rate %d", baud)
}

// vtime converts a read timeout to VTIME deciseconds, clamped to 1..255.
func vtime(d int64) uint8 {
	ds := (d + 99) / 100
	if ds < 1 {
		ds = 1
	}
	if ds > 255 {
		ds = 255
	}
	return uint8(ds)
}

// apply programs raw 8N1/8E1 at the configured speed. The whole termios is
// rebuilt from zero, which clears canonical mode, echo and flow control.
func (p *termiosPort) apply(par Parity) error {
	spd, err := baudFlag(p.cfg.Baud)
	if err != nil {
		return err
	}
	var t unix.Termios
	t.Cflag = unix.CREAD | unix.CLOCAL | unix.CS8 | spd
	if par == ParityEven {
		t.Cflag |= unix.PARENB
	}
	t.Iflag = unix.IGNPAR
	t.Ispeed = spd
	t.Ospeed = spd
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = vtime(p.cfg.ReadTimeout.Milliseconds())
	if err := unix.IoctlSetTermios(p.fd, unix.TCSETS, &t); err != nil {
		return &os.PathError{Op: "tcsets", Path: p.cfg.Device, Err: err}
	}
	return nil
}

func (p *termiosPort) Read(b []byte) (int, error) {
	for {
		n, err := unix.Read(p.fd, b)
		if err == unix.EINTR {
			continue
		}
		if n < 0 {
			n = 0
		}
		if err != nil {
			return n, &os.PathError{Op: "read", Path: p.cfg.Device, Err: err}
		}
		return n, nil
	}
}

func (p *termiosPort) Write(b []byte) (int, error) {
	total := 0
	for total < len(b) {
		n, err := unix.Write(p.fd, b[total:])
		if err == unix.EINTR {
			continue
		}
		if n > 0 {
			total += n
		}
		if err != nil {
			return total, &os.PathError{Op: "write", Path: p.cfg.Device, Err: err}
		}
	}
	return total, nil
}

func (p *termiosPort) SetParity(par Parity) error { return p.apply(par) }

func (p *termiosPort) Drain() error {
	// tcdrain(3) is TCSBRK with a non-zero argument.
	if err := unix.IoctlSetInt(p.fd, unix.TCSBRK, 1); err != nil {
		return &os.PathError{Op: "tcdrain", Path: p.cfg.Device, Err: err}
	}
	return nil
}

func (p *termiosPort) ResetInput() error {
	if err := unix.IoctlSetInt(p.fd, unix.TCFLSH, unix.TCIFLUSH); err != nil {
		return &os.PathError{Op: "tciflush", Path: p.cfg.Device, Err: err}
	}
	return nil
}

func (p *termiosPort) ResetOutput() error {
	if err := unix.IoctlSetInt(p.fd, unix.TCFLSH, unix.TCOFLUSH); err != nil {
		return &os.PathError{Op: "tcoflush", Path: p.cfg.Device, Err: err}
	}
	return nil
}

func (p *termiosPort) Close() error { return unix.Close(p.fd) }
