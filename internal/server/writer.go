package server

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-mbus-meter/internal/hub"
	"github.com/kstaniek/go-mbus-meter/internal/meter"
	"github.com/kstaniek/go-mbus-meter/internal/metrics"
)

// startWriter launches the goroutine pushing hub readouts to a single
// client connection.
func (s *Server) startWriter(ctxDone <-chan struct{}, conn net.Conn, cl *hub.Client, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			_ = conn.Close()
			if s.Hub != nil {
				s.Hub.Remove(cl)
			}
			s.clientsMu.Lock()
			delete(s.clients, cl)
			s.clientsMu.Unlock()
			s.totalDisconnected.Add(1)
			logger.Info("client_disconnected")
		}()
		write := func(ro *meter.Readout) error {
			_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if _, err := s.Codec.EncodeTo(conn, []*meter.Readout{ro}); err != nil {
				wrap := fmt.Errorf("%w: %v", ErrConnWrite, err)
				metrics.IncError(mapErrToMetric(wrap))
				s.setError(wrap)
				return wrap
			}
			metrics.AddTCPTx(1)
			return nil
		}
		for {
			select {
			case ro := <-cl.Out:
				if err := write(ro); err != nil {
					return
				}
			case <-cl.Closed:
				return
			case <-ctxDone:
				return
			}
		}
	}()
}
