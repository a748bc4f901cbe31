package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/kstaniek/go-mbus-meter/internal/meter"
	"github.com/kstaniek/go-mbus-meter/internal/metrics"
	"github.com/kstaniek/go-mbus-meter/internal/server"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("meter-server %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(1)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	h := initHub(cfg, l)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	rd := meter.NewReader(meter.Config{Device: cfg.device, PrimaryAddress: cfg.primaryAddress})
	l.Info("meter_config", "device", cfg.device, "address", fmt.Sprintf("0x%02X", cfg.primaryAddress), "poll_interval_s", cfg.pollInterval)
	pub := startPoller(ctx, cfg, rd.Read, h, l, &wg)

	var srv *server.Server
	if cfg.listenAddr != "" {
		srv = server.NewServer(
			server.WithHub(h),
			server.WithLogger(l),
			server.WithMaxClients(cfg.maxClients),
			server.WithWriteTimeout(cfg.writeTimeout),
			server.WithListenAddr(cfg.listenAddr),
		)
		go func() {
			if err := srv.Serve(ctx); err != nil {
				l.Error("tcp_server_error", "error", err)
				cancel()
			}
		}()

		// Start mDNS advertisement once the listener is ready.
		go func() {
			if !cfg.mdnsEnable {
				return
			}
			select {
			case <-srv.Ready():
			case <-ctx.Done():
				return
			}
			var portNum int
			if _, p, err := net.SplitHostPort(srv.Addr()); err == nil {
				if pn, perr := strconv.Atoi(p); perr == nil {
					portNum = pn
				}
			}
			cleanupMDNS, err := startMDNS(ctx, cfg, portNum)
			if err != nil {
				l.Warn("mdns_start_failed", "error", err)
				return
			}
			l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", portNum)
			go func() { <-ctx.Done(); cleanupMDNS() }()
		}()
	}

	// Ready once the stream listener (when enabled) is bound and the
	// context is live.
	metrics.SetReadinessFunc(func() bool {
		if srv != nil {
			select {
			case <-srv.Ready():
			default:
				return false
			}
		}
		return ctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	cancel()
	pub.Close()
	rd.Disconnect()
	wg.Wait()
}
