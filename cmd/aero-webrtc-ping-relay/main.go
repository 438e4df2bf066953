package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/wilsonzlin/aero/proxy/webrtc-ping-relay/internal/clients"
	"github.com/wilsonzlin/aero/proxy/webrtc-ping-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-ping-relay/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-ping-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-ping-relay/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/webrtc-ping-relay/internal/relay"
	"github.com/wilsonzlin/aero/proxy/webrtc-ping-relay/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-ping-relay/internal/webrtcpeer"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting aero-webrtc-ping-relay",
		"listen_addr", cfg.ListenAddr,
		"webrtc_addr", cfg.WebRTCAddr.String(),
		"public_webrtc_addr", cfg.PublicWebRTCAddr.String(),
		"mode", cfg.Mode,
		"allowed_origins", cfg.AllowedOrigins,
		"ice_gathering_timeout", cfg.ICEGatheringTimeout,
		"webrtc_session_connect_timeout", cfg.WebRTCSessionConnectTimeout,
		"datagram_queue_len", cfg.DatagramQueueLen,
	)

	counters := metrics.New()

	endpoint, err := webrtcpeer.NewEndpoint(webrtcpeer.Config{
		ListenAddr:     cfg.WebRTCAddr,
		PublicAddr:     cfg.PublicWebRTCAddr,
		GatherTimeout:  cfg.ICEGatheringTimeout,
		ConnectTimeout: cfg.WebRTCSessionConnectTimeout,
		QueueLen:       cfg.DatagramQueueLen,
		Logger:         logger,
		Metrics:        counters,
	})
	if err != nil {
		logger.Error("failed to bind webrtc transport", "addr", cfg.WebRTCAddr.String(), "err", err)
		os.Exit(1)
	}

	logStartupWarnings(logger, cfg, addrPortOf(endpoint.LocalAddr()))

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		_ = endpoint.Close()
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, builtAt := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: builtAt})

	registry := clients.NewRegistry(logger)
	sig, err := signaling.NewServer(signaling.Config{
		Negotiator:        endpoint,
		Registry:          registry,
		IDs:               clients.NewIDAllocator(),
		Origins:           srv.Origins(),
		Metrics:           counters,
		Logger:            logger,
		MaxMessageBytes:   cfg.MaxSignalingMessageBytes,
		MessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		IdleTimeout:       cfg.SignalingWSIdleTimeout,
		PingInterval:      cfg.SignalingWSPingInterval,
		Clock:             ratelimit.RealClock{},
	})
	if err != nil {
		_ = endpoint.Close()
		logger.Error("failed to configure signaling", "err", err)
		os.Exit(2)
	}
	sig.RegisterRoutes(srv.Mux())

	loop := relay.NewLoop(relay.Config{
		Transport: endpoint,
		Samples:   registry,
		Metrics:   counters,
		Logger:    logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := loop.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("relay loop: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		return shutdown(logger, cfg, srv, sig, endpoint)
	})

	err = g.Wait()
	counters.Log(logger, "relay counters at shutdown")
	if err != nil {
		logger.Error("relay exited", "err", err)
		os.Exit(1)
	}
}

// shutdown stops accepting HTTP connections, closes open signaling sockets
// and finally the WebRTC endpoint, which also ends the relay loop.
func shutdown(logger *slog.Logger, cfg config.Config, srv *httpserver.Server, sig *signaling.Server, endpoint *webrtcpeer.Endpoint) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
		_ = srv.Close()
	}
	sig.Close()
	sig.Wait()

	if err := endpoint.Close(); err != nil {
		return fmt.Errorf("close webrtc endpoint: %w", err)
	}
	return nil
}

func addrPortOf(addr net.Addr) netip.AddrPort {
	if udp, ok := addr.(*net.UDPAddr); ok {
		return udp.AddrPort()
	}
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return netip.AddrPort{}
	}
	return ap
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
