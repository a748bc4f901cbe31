// Package meter drives the wake/request/collect read transaction against an
// UltraLite PRO heat meter and turns the response telegrams into a Readout.
package meter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-mbus-meter/internal/logging"
	"github.com/kstaniek/go-mbus-meter/internal/mbus"
	"github.com/kstaniek/go-mbus-meter/internal/metrics"
	"github.com/kstaniek/go-mbus-meter/internal/serial"
)

const (
	baudRate         = 2400
	chunkReadTimeout = 150 * time.Millisecond
	readChunkSize    = 512
	maxAttempts      = 3

	// Water heat-exchange coefficient for the derived power figure:
	// kW = 1.163 * flow(m³/h) * ΔT(K).
	thermalCoefficient = 1.163
)

// timings holds the transaction delays. They are fields (not constants) so
// tests can shrink the whole transaction to milliseconds.
type timings struct {
	wakeup       time.Duration // continuous 0x55 emission at 8N1
	wakeupPause  time.Duration // after the last wakeup byte drains
	settle       time.Duration // before switching to request parity
	interCommand time.Duration // between SND_NKE and REQ_UD2
	window       time.Duration // response collect window
}

var defaultTimings = timings{
	wakeup:       2200 * time.Millisecond,
	wakeupPause:  50 * time.Millisecond,
	settle:       350 * time.Millisecond,
	interCommand: 350 * time.Millisecond,
	window:       2500 * time.Millisecond,
}

// wakeupChunk keeps single write syscalls small while the deadline loop
// saturates the line.
var wakeupChunk = bytes.Repeat([]byte{0x55}, 32)

// Config selects the meter to read.
type Config struct {
	Device         string
	PrimaryAddress uint8 // 0xFE broadcasts to any meter on the probe
}

// Reader owns one serial handle and performs strictly serialised read
// transactions against it. Distinct Readers (distinct devices) are
// independent.
type Reader struct {
	mu   sync.Mutex
	cfg  Config
	port serial.Port
	log  *slog.Logger
	t    timings

	// hooks for tests
	openPort    func(serial.Config) (serial.Port, error)
	sleep       func(context.Context, time.Duration) error
	backoffUnit time.Duration
}

func NewReader(cfg Config) *Reader {
	return &Reader{
		cfg:         cfg,
		log:         logging.For("meter"),
		t:           defaultTimings,
		openPort:    serial.Open,
		sleep:       sleepCtx,
		backoffUnit: time.Second,
	}
}

// Connect opens the serial device at 2400 8N1 with a short read timeout.
func (r *Reader) Connect() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connectLocked()
}

func (r *Reader) connectLocked() error {
	if r.port != nil {
		return nil
	}
	if r.cfg.Device == "" {
		return fmt.Errorf("%w: empty device path", ErrInvalidConfig)
	}
	p, err := r.openPort(serial.Config{
		Device:      r.cfg.Device,
		Baud:        baudRate,
		Parity:      serial.ParityNone,
		ReadTimeout: chunkReadTimeout,
	})
	if err != nil {
		metrics.IncError(metrics.ErrSerialOpen)
		return classifyPortErr(err)
	}
	r.port = p
	r.log.Debug("serial_open", "device", r.cfg.Device, "baud", baudRate)
	return nil
}

// Disconnect closes and releases the serial handle.
func (r *Reader) Disconnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnectLocked()
}

func (r *Reader) disconnectLocked() {
	if r.port != nil {
		_ = r.port.Close()
		r.port = nil
	}
}

// Read performs a read transaction with up to 3 attempts and 2^attempt
// seconds of backoff. Transport failures force a reconnect between
// attempts; absent-device, permission and config errors are terminal.
func (r *Reader) Read(ctx context.Context) (*Readout, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		ro, err := r.ReadOnce(ctx)
		if err == nil {
			return ro, nil
		}
		lastErr = err
		if IsTerminal(err) || ctx.Err() != nil {
			return nil, err
		}
		if errors.Is(err, ErrTransport) {
			r.Disconnect()
		}
		if attempt < maxAttempts-1 {
			backoff := time.Duration(1<<uint(attempt)) * r.backoffUnit
			r.log.Warn("read_retry", "attempt", attempt+1, "backoff", backoff, "error", err)
			metrics.IncRetry()
			if serr := r.sleep(ctx, backoff); serr != nil {
				return nil, serr
			}
		}
	}
	return nil, lastErr
}

// ReadOnce performs exactly one wake/request/collect/parse transaction.
// Calls on the same Reader are serialised; results correspond 1:1 to
// transactions.
func (r *Reader) ReadOnce(ctx context.Context) (*Readout, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.connectLocked(); err != nil {
		return nil, err
	}
	metrics.IncTransaction()
	ro, err := r.transact(ctx)
	if err != nil {
		if ctx.Err() != nil {
			// Aborted mid-transaction: close rather than leave the line in
			// an unknown parity mode.
			r.disconnectLocked()
		}
		return nil, err
	}
	metrics.IncReadSuccess()
	return ro, nil
}

func (r *Reader) transact(ctx context.Context) (*Readout, error) {
	if err := r.wakeup(ctx); err != nil {
		return nil, err
	}
	if err := r.request(ctx); err != nil {
		return nil, err
	}
	frames, err := r.collect(ctx)
	if err != nil {
		return nil, err
	}
	ro := r.decode(frames)
	if ro.Empty() {
		metrics.IncError(metrics.ErrNoData)
		return nil, ErrNoValidData
	}
	return ro, nil
}

// wakeup streams 0x55 at 8N1 until the wakeup deadline, then lets the line
// settle. The meter's optical head needs the sustained carrier to power up.
func (r *Reader) wakeup(ctx context.Context) error {
	if err := r.port.SetParity(serial.ParityNone); err != nil {
		metrics.IncError(metrics.ErrParity)
		return r.transportErr(err)
	}
	_ = r.port.ResetInput()
	_ = r.port.ResetOutput()

	deadline := time.Now().Add(r.t.wakeup)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := r.port.Write(wakeupChunk); err != nil {
			metrics.IncError(metrics.ErrSerialWrite)
			return r.transportErr(err)
		}
		if !time.Now().Before(deadline) {
			break
		}
	}
	_ = r.port.Drain()
	if err := r.sleep(ctx, r.t.wakeupPause); err != nil {
		return err
	}
	return r.sleep(ctx, r.t.settle)
}

// request switches to 8E1 and issues SND_NKE followed by REQ_UD2.
func (r *Reader) request(ctx context.Context) error {
	if err := r.port.SetParity(serial.ParityEven); err != nil {
		metrics.IncError(metrics.ErrParity)
		return r.transportErr(err)
	}
	_ = r.port.ResetInput()

	if _, err := r.port.Write(mbus.ShortFrame(mbus.CSndNke, r.cfg.PrimaryAddress)); err != nil {
		metrics.IncError(metrics.ErrSerialWrite)
		return r.transportErr(err)
	}
	_ = r.port.Drain()
	if err := r.sleep(ctx, r.t.interCommand); err != nil {
		return err
	}
	if _, err := r.port.Write(mbus.ShortFrame(mbus.CReqUD2, r.cfg.PrimaryAddress)); err != nil {
		metrics.IncError(metrics.ErrSerialWrite)
		return r.transportErr(err)
	}
	_ = r.port.Drain()
	return nil
}

// collect reads timed chunks until the window closes, recovering frames as
// they complete. The per-chunk timeout bounds each Read call so the window
// terminates even if bytes keep trickling.
func (r *Reader) collect(ctx context.Context) ([]*mbus.Frame, error) {
	var frames []*mbus.Frame
	acc := bytes.NewBuffer(nil)
	buf := make([]byte, readChunkSize)
	deadline := time.Now().Add(r.t.window)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := r.port.Read(buf)
		if n > 0 {
			acc.Write(buf[:n])
			mbus.DecodeStream(acc, func(fr *mbus.Frame) {
				metrics.IncFrameRx()
				frames = append(frames, fr)
			})
		}
		if err != nil {
			metrics.IncError(metrics.ErrSerialRead)
			return nil, r.transportErr(err)
		}
	}
	return frames, nil
}

// decode runs every long frame through the record parser and VIF mapper,
// merging quantities so later occurrences overwrite earlier, then adds the
// derived thermal power.
func (r *Reader) decode(frames []*mbus.Frame) *Readout {
	ro := NewReadout(time.Now())
	for _, fr := range frames {
		if fr.Kind != mbus.FrameLong {
			continue
		}
		tg := mbus.ParseTelegram(fr)
		if tg.Fixed != nil {
			ro.Device = &DeviceInfo{
				ID:           tg.Fixed.ID,
				Manufacturer: tg.Fixed.Manufacturer,
				Version:      tg.Fixed.Version,
				Medium:       tg.Fixed.Medium,
				AccessNo:     tg.Fixed.AccessNo,
				Status:       tg.Fixed.Status,
			}
		}
		mapped := 0
		for i := range tg.Records {
			q, ok := mbus.MapRecord(&tg.Records[i])
			if !ok {
				continue
			}
			ro.Values[q.Name] = Measurement{Value: q.Value, Unit: q.Unit}
			mapped++
		}
		metrics.AddRecords(mapped)
	}

	flow, fok := ro.Float("volume_flow")
	dt, dok := ro.Float("delta_temperature")
	if fok && dok {
		ro.Values["thermal_power"] = Measurement{
			Value: thermalCoefficient * flow * dt,
			Unit:  "kW",
		}
	}
	return ro
}

// transportErr classifies a port failure and closes the handle so the next
// attempt reopens it.
func (r *Reader) transportErr(err error) error {
	r.disconnectLocked()
	return classifyPortErr(err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
