// Package hub fans readouts out to connected stream clients.
package hub

import (
	"sync"

	"github.com/kstaniek/go-mbus-meter/internal/logging"
	"github.com/kstaniek/go-mbus-meter/internal/meter"
	"github.com/kstaniek/go-mbus-meter/internal/metrics"
)

type BackpressurePolicy int

const (
	PolicyDrop BackpressurePolicy = iota
	PolicyKick
)

type Client struct {
	Out       chan *meter.Readout
	Closed    chan struct{}
	closeOnce sync.Once
}

// Close signals the client is closed (idempotent).
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.Closed)
	})
}

type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	last       *meter.Readout
	OutBufSize int
	Policy     BackpressurePolicy
}

// New creates a Hub with default settings.
func New() *Hub { return &Hub{clients: make(map[*Client]struct{})} }

// Add registers a client with the hub and hands it the retained readout so
// late joiners see the last known good data immediately.
func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	prev := len(h.clients)
	h.clients[c] = struct{}{}
	cur := len(h.clients)
	last := h.last
	h.mu.Unlock()
	if last != nil {
		select {
		case c.Out <- last:
		default:
		}
	}
	if prev == 0 && cur == 1 {
		logging.L().Info("clients_first_connected")
	}
}

// Remove unregisters a client and updates metrics; safe to call multiple times.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	_, existed := h.clients[c]
	if existed {
		delete(h.clients, c)
	}
	cur := len(h.clients)
	h.mu.Unlock()
	select {
	case <-c.Closed:
	default:
		c.Close()
	}
	metrics.SetHubClients(cur)
	if existed && cur == 0 {
		logging.L().Info("clients_last_disconnected")
	}
}

// Broadcast retains the readout and sends it to all connected clients
// honoring the backpressure policy.
func (h *Hub) Broadcast(ro *meter.Readout) {
	h.mu.Lock()
	h.last = ro
	h.mu.Unlock()
	clients := h.Snapshot()
	metrics.SetHubClients(len(clients))
	for _, c := range clients {
		select {
		case c.Out <- ro:
		default:
			if h.Policy == PolicyKick {
				metrics.IncHubKick()
				c.Close() // signal writer to exit; server will Remove on disconnect
			} else {
				metrics.IncHubDrop()
			}
		}
	}
}

// Last returns the retained readout, if any.
func (h *Hub) Last() *meter.Readout {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.last
}

// Snapshot returns a slice copy of current clients (read-only use).
func (h *Hub) Snapshot() []*Client {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	return clients
}

// Count returns the number of active clients.
func (h *Hub) Count() int { h.mu.RLock(); n := len(h.clients); h.mu.RUnlock(); return n }
