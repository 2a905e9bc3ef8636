// Command vstp-udp-server is an example wrapper around the datagram
// adapter: configuration, logging, metrics, and optional mDNS
// advertisement, delegating the protocol to vstp/datagram.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/vishurizz/vstp"
	"github.com/vishurizz/vstp/datagram"
	"github.com/vishurizz/vstp/internal/logging"
	"github.com/vishurizz/vstp/internal/metrics"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func setupLogger(format, level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	l := logging.New(format, lvl, os.Stderr).With("app", "vstp-udp-server")
	logging.Set(l)
	return l
}

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("vstp-udp-server %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(2)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)

	srv := datagram.NewServer(
		datagram.WithListenAddr(cfg.listenAddr),
		datagram.WithLogger(l),
		datagram.WithMaxFrameSize(cfg.maxFrameSize),
		datagram.WithRequireCRC(cfg.requireCRC),
		datagram.WithAllowFragments(cfg.allowFrag),
		datagram.WithMaxReassemblyGroups(cfg.maxReassembly),
		datagram.WithReassemblyTTL(cfg.reassemblyTTL),
		datagram.WithHandler(func(peer *net.UDPAddr, f vstp.Frame) {
			l.Info("frame_received", "peer", peer.String(), "type", f.Type.String(), "payload_len", len(f.Payload))
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := srv.Serve(ctx); err != nil {
			l.Error("serve_error", "error", err)
			cancel()
		}
	}()

	go func() {
		if !cfg.mdnsEnable {
			return
		}
		select {
		case <-srv.Ready():
		case <-ctx.Done():
			return
		}
		port := portOf(srv.Addr())
		cleanupMDNS, err := startMDNS(ctx, cfg, port)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
			return
		}
		l.Info("mdns_started", "service", mdnsServiceType, "port", port)
		go func() { <-ctx.Done(); cleanupMDNS() }()
	}()

	metrics.SetReadinessFunc(func() bool {
		select {
		case <-srv.Ready():
		default:
			return false
		}
		return ctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		httpSrv := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = httpSrv.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	cancel()
	_ = srv.Shutdown(context.Background())
}

func portOf(addr string) int {
	if _, p, err := net.SplitHostPort(addr); err == nil {
		if n, err := strconv.Atoi(p); err == nil {
			return n
		}
	}
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		if n, err := strconv.Atoi(addr[i+1:]); err == nil {
			return n
		}
	}
	return 0
}
