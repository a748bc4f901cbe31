package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-mbus-meter/internal/hub"
	"github.com/kstaniek/go-mbus-meter/internal/meter"
	"github.com/kstaniek/go-mbus-meter/internal/metrics"
	"github.com/kstaniek/go-mbus-meter/internal/transport"
)

// publishQueueSize bounds readouts waiting for the broadcast stage. Polls
// are tens of seconds apart, so anything queued deeper than this means a
// wedged consumer.
const publishQueueSize = 4

var errPublishOverflow = errors.New("publish queue overflow")

// readFunc performs one retried meter read; in production it is
// (*meter.Reader).Read.
type readFunc func(context.Context) (*meter.Readout, error)

// startPoller launches the periodic read loop and returns the publisher
// feeding the hub. With polling disabled the publisher is still returned
// so one-shot reads could be wired the same way.
func startPoller(ctx context.Context, cfg *appConfig, read readFunc, h *hub.Hub, l *slog.Logger, wg *sync.WaitGroup) *transport.Publisher {
	pub := transport.NewPublisher(ctx, publishQueueSize, func(ro *meter.Readout) error {
		h.Broadcast(ro)
		return nil
	}, transport.Hooks{
		OnAfter: metrics.IncPublished,
		OnDrop: func() error {
			metrics.IncError(metrics.ErrPublish)
			return errPublishOverflow
		},
	})

	if cfg.pollInterval <= 0 {
		l.Info("polling_disabled")
		return pub
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer l.Info("poller_end")
		interval := time.Duration(cfg.pollInterval) * time.Second
		t := time.NewTicker(interval)
		defer t.Stop()
		poll := func() {
			ro, err := read(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				metrics.SetAvailable(false)
				// Terminal kinds are kept in the loop too: an unplugged
				// probe comes back as the same device path.
				l.Error("meter_read_failed", "error", err, "terminal", meter.IsTerminal(err))
				return
			}
			metrics.SetAvailable(true)
			metrics.LastReadTimestamp.Set(float64(ro.Taken.Unix()))
			exportReadings(ro)
			if perr := pub.Publish(ro); perr != nil {
				l.Warn("publish_drop", "error", perr)
			}
			l.Debug("meter_read_ok", "quantities", len(ro.Values))
		}
		poll()
		for {
			select {
			case <-t.C:
				poll()
			case <-ctx.Done():
				return
			}
		}
	}()
	return pub
}

// exportReadings mirrors the numeric quantities into the reading gauges.
func exportReadings(ro *meter.Readout) {
	for name, m := range ro.Values {
		if v, ok := m.Float64(); ok {
			metrics.SetReading(name, m.Unit, v)
		}
	}
}
