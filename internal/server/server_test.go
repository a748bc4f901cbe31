package server

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kstaniek/go-mbus-meter/internal/hub"
	"github.com/kstaniek/go-mbus-meter/internal/meter"
	"github.com/kstaniek/go-mbus-meter/internal/wire"
)

func startTestServer(t *testing.T, h *hub.Hub, opts ...ServerOption) (*Server, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	opts = append([]ServerOption{WithHub(h), WithListenAddr("127.0.0.1:0")}, opts...)
	s := NewServer(opts...)
	go func() { _ = s.Serve(ctx) }()
	select {
	case <-s.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("server never became ready")
	}
	t.Cleanup(func() {
		cancel()
		shCtx, shCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shCancel()
		_ = s.Shutdown(shCtx)
	})
	return s, cancel
}

func dialAndGreet(t *testing.T, s *Server) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", s.Addr(), 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	br := bufio.NewReader(conn)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "mbus-meter 1\n", line)
	return conn, br
}

func testReadout(id int64) *meter.Readout {
	ro := meter.NewReadout(time.Unix(1700000000, 0))
	ro.Device = &meter.DeviceInfo{ID: id, Manufacturer: "ITR"}
	ro.Values["energy_total"] = meter.Measurement{Value: 11570.0, Unit: "kWh"}
	return ro
}

func TestServerStreamsReadouts(t *testing.T) {
	h := hub.New()
	s, _ := startTestServer(t, h)
	conn, br := dialAndGreet(t, s)

	// Wait for registration before broadcasting.
	deadline := time.Now().Add(2 * time.Second)
	for h.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 1, h.Count())

	h.Broadcast(testReadout(22016352))

	var c wire.Codec
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	m, err := c.DecodeLine(br)
	require.NoError(t, err)
	assert.Equal(t, float64(22016352), m["device_id"])
	energy, ok := m["energy_total"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "kWh", energy["unit"])
}

func TestServerDeliversRetainedReadoutToLateJoiner(t *testing.T) {
	h := hub.New()
	h.Broadcast(testReadout(7))
	s, _ := startTestServer(t, h)
	conn, br := dialAndGreet(t, s)

	var c wire.Codec
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	m, err := c.DecodeLine(br)
	require.NoError(t, err)
	assert.Equal(t, float64(7), m["device_id"])
}

func TestServerMaxClients(t *testing.T) {
	h := hub.New()
	s, _ := startTestServer(t, h, WithMaxClients(1))
	_, _ = dialAndGreet(t, s)
	deadline0 := time.Now().Add(2 * time.Second)
	for h.Count() == 0 && time.Now().Before(deadline0) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 1, h.Count())

	// Second connection is rejected: closed before any greeting.
	conn2, err := net.DialTimeout("tcp", s.Addr(), 2*time.Second)
	require.NoError(t, err)
	defer conn2.Close()
	_ = conn2.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, rerr := conn2.Read(buf); rerr != nil {
			return // connection closed as expected
		}
	}
	t.Fatal("second client was not rejected")
}
