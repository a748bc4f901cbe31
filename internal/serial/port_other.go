//go:build !linux

package serial

import (
	tarm "github.com/tarm/serial"
)

// tarmPort is the portable fallback. tarm/serial cannot retune an open
// descriptor, so a parity switch closes and reopens the device; the two
// reset operations both map onto its combined Flush. Drain returns at once
// and does not wait for queued output to be transmitted.
type tarmPort struct {
	cfg    Config
	parity Parity
	p      *tarm.Port
}

func open(cfg Config) (Port, error) {
	p, err := openTarm(cfg, cfg.Parity)
	if err != nil {
		return nil, err
	}
	return &tarmPort{cfg: cfg, parity: cfg.Parity, p: p}, nil
}

func openTarm(cfg Config, par Parity) (*tarm.Port, error) {
	tc := &tarm.Config{
		Name:        cfg.Device,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
		Size:        8,
		Parity:      tarm.ParityNone,
		StopBits:    tarm.Stop1,
	}
	if par == ParityEven {
		tc.Parity = tarm.ParityEven
	}
	return tarm.OpenPort(tc)
}

func (t *tarmPort) Read(b []byte) (int, error)  { return t.p.Read(b) }
func (t *tarmPort) Write(b []byte) (int, error) { return t.p.Write(b) }

func (t *tarmPort) SetParity(par Parity) error {
	if par == t.parity {
		return nil
	}
	if err := t.p.Close(); err != nil {
		return err
	}
	p, err := openTarm(t.cfg, par)
	if err != nil {
		return err
	}
	t.p = p
	t.parity = par
	return nil
}

func (t *tarmPort) Drain() error       { return nil }
func (t *tarmPort) ResetInput() error  { return t.p.Flush() }
func (t *tarmPort) ResetOutput() error { return t.p.Flush() }
func (t *tarmPort) Close() error       { return t.p.Close() }
