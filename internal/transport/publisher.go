// Package transport provides the asynchronous fan-in stage between the
// poller and the consumers of its readouts.
package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-mbus-meter/internal/meter"
)

// Publisher funnels readouts through a single goroutine so the poll loop
// never blocks behind a slow consumer. Enqueueing is non-blocking: when the
// buffer is full the OnDrop hook runs and its error is returned.
//
// After Close no more readouts are processed; late Publish calls return
// ErrPublisherClosed.
type Publisher struct {
	mu     sync.Mutex
	ch     chan *meter.Readout
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	send   func(*meter.Readout) error
	hooks  Hooks
	closed atomic.Bool
}

// Hooks customize Publisher behavior.
type Hooks struct {
	// OnError is called when send returns a non-nil error.
	OnError func(error)
	// OnAfter is called only after a successful send.
	OnAfter func()
	// OnDrop is called when the buffer is full; its returned error is
	// returned from Publish. If nil, the overflow is silent.
	OnDrop func() error
}

var ErrPublisherClosed = errors.New("publisher closed")

// NewPublisher constructs a Publisher with a buffered channel of size buf.
func NewPublisher(parent context.Context, buf int, send func(*meter.Readout) error, hooks Hooks) *Publisher {
	ctx, cancel := context.WithCancel(parent)
	p := &Publisher{
		ch:     make(chan *meter.Readout, buf),
		ctx:    ctx,
		cancel: cancel,
		send:   send,
		hooks:  hooks,
	}
	p.wg.Add(1)
	go p.loop()
	return p
}

func (p *Publisher) loop() {
	defer p.wg.Done()
	for {
		select {
		case ro, ok := <-p.ch:
			if !ok {
				return
			}
			if err := p.send(ro); err != nil {
				if p.hooks.OnError != nil {
					p.hooks.OnError(err)
				}
				continue
			}
			if p.hooks.OnAfter != nil {
				p.hooks.OnAfter()
			}
		case <-p.ctx.Done():
			return
		}
	}
}

// Publish queues a readout or returns the drop error if the buffer is full.
func (p *Publisher) Publish(ro *meter.Readout) error {
	if p.closed.Load() {
		return ErrPublisherClosed
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() {
		return ErrPublisherClosed
	}
	select {
	case p.ch <- ro:
		return nil
	default:
		if p.hooks.OnDrop != nil {
			return p.hooks.OnDrop()
		}
		return nil
	}
}

// Close stops the worker and waits for pending operations to finish.
func (p *Publisher) Close() {
	if p.closed.Swap(true) {
		return
	}
	p.cancel()
	p.mu.Lock()
	close(p.ch)
	p.mu.Unlock()
	p.wg.Wait()
}
