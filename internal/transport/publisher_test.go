package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-mbus-meter/internal/meter"
)

func TestPublisherDeliversInOrder(t *testing.T) {
	var mu sync.Mutex
	var got []int64
	done := make(chan struct{})
	p := NewPublisher(context.Background(), 8, func(ro *meter.Readout) error {
		mu.Lock()
		got = append(got, ro.Device.ID)
		if len(got) == 3 {
			close(done)
		}
		mu.Unlock()
		return nil
	}, Hooks{})
	defer p.Close()

	for i := int64(1); i <= 3; i++ {
		ro := meter.NewReadout(time.Now())
		ro.Device = &meter.DeviceInfo{ID: i}
		if err := p.Publish(ro); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for deliveries")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, id := range got {
		if id != int64(i+1) {
			t.Fatalf("delivery order %v", got)
		}
	}
}

func TestPublisherDropHook(t *testing.T) {
	overflow := errors.New("overflow")
	block := make(chan struct{})
	p := NewPublisher(context.Background(), 1, func(*meter.Readout) error {
		<-block
		return nil
	}, Hooks{OnDrop: func() error { return overflow }})
	defer func() { close(block); p.Close() }()

	ro := meter.NewReadout(time.Now())
	// First publish is consumed by the worker (blocked in send), second
	// fills the buffer, third must overflow.
	deadline := time.After(time.Second)
	for {
		if err := p.Publish(ro); errors.Is(err, overflow) {
			return
		}
		select {
		case <-deadline:
			t.Fatal("never saw overflow")
		default:
		}
	}
}

func TestPublisherClosedRejects(t *testing.T) {
	p := NewPublisher(context.Background(), 1, func(*meter.Readout) error { return nil }, Hooks{})
	p.Close()
	if err := p.Publish(meter.NewReadout(time.Now())); !errors.Is(err, ErrPublisherClosed) {
		t.Fatalf("expected ErrPublisherClosed, got %v", err)
	}
	p.Close() // idempotent
}

func TestPublisherErrorHook(t *testing.T) {
	sendErr := errors.New("send failed")
	seen := make(chan error, 1)
	p := NewPublisher(context.Background(), 1, func(*meter.Readout) error { return sendErr }, Hooks{
		OnError: func(err error) {
			select {
			case seen <- err:
			default:
			}
		},
	})
	defer p.Close()
	_ = p.Publish(meter.NewReadout(time.Now()))
	select {
	case err := <-seen:
		if !errors.Is(err, sendErr) {
			t.Fatalf("unexpected error %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("error hook not invoked")
	}
}
