package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-mbus-meter/internal/hub"
	"github.com/kstaniek/go-mbus-meter/internal/meter"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func pollerConfig() *appConfig {
	cfg := validConfig()
	cfg.pollInterval = 10 // minimum; the first poll fires immediately
	return cfg
}

func TestPollerPublishesFirstReadoutImmediately(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := hub.New()
	cl := &hub.Client{Out: make(chan *meter.Readout, 1), Closed: make(chan struct{})}
	h.Add(cl)

	read := func(context.Context) (*meter.Readout, error) {
		ro := meter.NewReadout(time.Now())
		ro.Device = &meter.DeviceInfo{ID: 42}
		return ro, nil
	}
	var wg sync.WaitGroup
	pub := startPoller(ctx, pollerConfig(), read, h, testLogger(), &wg)
	defer pub.Close()

	select {
	case ro := <-cl.Out:
		if ro.Device.ID != 42 {
			t.Fatalf("unexpected readout id %d", ro.Device.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no readout published")
	}
	cancel()
	wg.Wait()
}

func TestPollerKeepsRunningAfterFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := hub.New()

	var mu sync.Mutex
	calls := 0
	read := func(context.Context) (*meter.Readout, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil, errors.New("probe unplugged")
	}
	cfg := pollerConfig()
	cfg.pollInterval = 1 // short tick so a second attempt follows the failed first one
	var wg sync.WaitGroup
	pub := startPoller(ctx, cfg, read, h, testLogger(), &wg)
	defer pub.Close()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := calls
		mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	n := calls
	mu.Unlock()
	if n < 2 {
		t.Fatalf("poller stopped after a failed read: %d attempts", n)
	}
	if h.Last() != nil {
		t.Fatal("failed reads must not publish readouts")
	}
	cancel()
	wg.Wait()
}

func TestPollerDisabled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := validConfig()
	cfg.pollInterval = 0
	read := func(context.Context) (*meter.Readout, error) {
		t.Fatal("read must not be called with polling disabled")
		return nil, nil
	}
	var wg sync.WaitGroup
	pub := startPoller(ctx, cfg, read, hub.New(), testLogger(), &wg)
	pub.Close()
	wg.Wait()
}
