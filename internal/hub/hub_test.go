package hub

import (
	"testing"
	"time"

	"github.com/kstaniek/go-mbus-meter/internal/meter"
)

func testReadout(id int64) *meter.Readout {
	ro := meter.NewReadout(time.Unix(1700000000, 0))
	ro.Device = &meter.DeviceInfo{ID: id}
	return ro
}

func newClient(buf int) *Client {
	return &Client{Out: make(chan *meter.Readout, buf), Closed: make(chan struct{})}
}

func TestBroadcastDeliversToAllClients(t *testing.T) {
	h := New()
	a, b := newClient(1), newClient(1)
	h.Add(a)
	h.Add(b)
	ro := testReadout(1)
	h.Broadcast(ro)
	for i, c := range []*Client{a, b} {
		select {
		case got := <-c.Out:
			if got != ro {
				t.Fatalf("client %d got wrong readout", i)
			}
		default:
			t.Fatalf("client %d got nothing", i)
		}
	}
}

func TestBroadcastDropPolicy(t *testing.T) {
	h := New()
	c := newClient(1)
	h.Add(c)
	h.Broadcast(testReadout(1))
	h.Broadcast(testReadout(2)) // buffer full: dropped
	select {
	case <-c.Closed:
		t.Fatal("drop policy must not close the client")
	default:
	}
	if got := <-c.Out; got.Device.ID != 1 {
		t.Fatalf("expected first readout, got %d", got.Device.ID)
	}
}

func TestBroadcastKickPolicy(t *testing.T) {
	h := New()
	h.Policy = PolicyKick
	c := newClient(1)
	h.Add(c)
	h.Broadcast(testReadout(1))
	h.Broadcast(testReadout(2))
	select {
	case <-c.Closed:
	default:
		t.Fatal("kick policy must close the slow client")
	}
}

func TestLateJoinerGetsRetainedReadout(t *testing.T) {
	h := New()
	h.Broadcast(testReadout(7))
	c := newClient(1)
	h.Add(c)
	select {
	case got := <-c.Out:
		if got.Device.ID != 7 {
			t.Fatalf("expected retained readout 7, got %d", got.Device.ID)
		}
	default:
		t.Fatal("late joiner did not receive retained readout")
	}
	if h.Last() == nil {
		t.Fatal("Last should return the retained readout")
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	h := New()
	c := newClient(1)
	h.Add(c)
	h.Remove(c)
	h.Remove(c)
	if h.Count() != 0 {
		t.Fatalf("count = %d, want 0", h.Count())
	}
}
