package main

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-ping-relay/internal/config"
)

type recordedLog struct {
	level slog.Level
	msg   string
	attrs map[string]any
}

type recordingHandler struct {
	mu      *sync.Mutex
	records *[]recordedLog
	attrs   []slog.Attr
	groups  []string
}

func newRecordingLogger() (*slog.Logger, func() []recordedLog) {
	mu := &sync.Mutex{}
	records := &[]recordedLog{}
	h := &recordingHandler{mu: mu, records: records}
	logger := slog.New(h)
	return logger, func() []recordedLog {
		mu.Lock()
		defer mu.Unlock()
		out := make([]recordedLog, len(*records))
		copy(out, *records)
		return out
	}
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	rec := recordedLog{
		level: r.Level,
		msg:   r.Message,
		attrs: map[string]any{},
	}
	for _, a := range h.attrs {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
		return true
	})

	h.mu.Lock()
	*h.records = append(*h.records, rec)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := h.clone()
	nh.attrs = append(nh.attrs, attrs...)
	return nh
}

func (h *recordingHandler) WithGroup(name string) slog.Handler {
	nh := h.clone()
	nh.groups = append(nh.groups, name)
	return nh
}

func (h *recordingHandler) clone() *recordingHandler {
	cp := &recordingHandler{
		mu:      h.mu,
		records: h.records,
	}
	if len(h.attrs) > 0 {
		cp.attrs = append([]slog.Attr(nil), h.attrs...)
	}
	if len(h.groups) > 0 {
		cp.groups = append([]string(nil), h.groups...)
	}
	return cp
}

func (h *recordingHandler) key(k string) string {
	if len(h.groups) == 0 {
		return k
	}
	return strings.Join(h.groups, ".") + "." + k
}

func warningCodes(records []recordedLog) map[string]bool {
	codes := map[string]bool{}
	for _, r := range records {
		if r.level != slog.LevelWarn {
			continue
		}
		if code, ok := r.attrs["warning_code"].(string); ok {
			codes[code] = true
		}
	}
	return codes
}

func quietConfig() config.Config {
	return config.Config{
		Mode:                        config.ModeProd,
		PublicWebRTCAddr:            netip.MustParseAddrPort("203.0.113.7:3478"),
		AllowedOrigins:              []string{"https://app.example.com"},
		WebRTCSessionConnectTimeout: 30 * time.Second,
		MaxSignalingMessageBytes:    64 * 1024,
	}
}

func TestStartupWarnings_QuietConfig(t *testing.T) {
	logger, records := newRecordingLogger()

	logStartupWarnings(logger, quietConfig(), netip.MustParseAddrPort("0.0.0.0:3478"))

	if codes := warningCodes(records()); len(codes) != 0 {
		t.Fatalf("warning codes=%v, want none", codes)
	}
}

func TestStartupWarnings(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		bound  netip.AddrPort
		want   string
	}{
		{
			name:   "loopback public address",
			mutate: func(c *config.Config) { c.PublicWebRTCAddr = netip.MustParseAddrPort("127.0.0.1:3478") },
			want:   "public_webrtc_addr_not_routable",
		},
		{
			name:  "public port differs from bound port",
			bound: netip.MustParseAddrPort("0.0.0.0:40000"),
			want:  "public_webrtc_port_mismatch",
		},
		{
			name:   "wildcard origins in prod",
			mutate: func(c *config.Config) { c.AllowedOrigins = []string{"*"} },
			want:   "allowed_origins_wildcard",
		},
		{
			name:   "large connect timeout",
			mutate: func(c *config.Config) { c.WebRTCSessionConnectTimeout = 10 * time.Minute },
			want:   "webrtc_session_connect_timeout_large",
		},
		{
			name:   "large signaling messages",
			mutate: func(c *config.Config) { c.MaxSignalingMessageBytes = 4 << 20 },
			want:   "max_signaling_message_bytes_large",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			logger, records := newRecordingLogger()
			cfg := quietConfig()
			if tc.mutate != nil {
				tc.mutate(&cfg)
			}
			bound := tc.bound
			if !bound.IsValid() {
				bound = netip.AddrPortFrom(netip.IPv4Unspecified(), cfg.PublicWebRTCAddr.Port())
			}

			logStartupWarnings(logger, cfg, bound)

			codes := warningCodes(records())
			if !codes[tc.want] || len(codes) != 1 {
				t.Fatalf("warning codes=%v, want only %q", codes, tc.want)
			}
		})
	}
}

func TestStartupWarnings_WildcardOriginsInDevIsQuiet(t *testing.T) {
	logger, records := newRecordingLogger()
	cfg := quietConfig()
	cfg.Mode = config.ModeDev
	cfg.AllowedOrigins = []string{"*"}

	logStartupWarnings(logger, cfg, netip.MustParseAddrPort("0.0.0.0:3478"))

	if codes := warningCodes(records()); codes["allowed_origins_wildcard"] {
		t.Fatalf("warning codes=%v, want no wildcard warning in dev", codes)
	}
}

func TestAddrPortOf(t *testing.T) {
	udp := &net.UDPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 3478}
	if got, want := addrPortOf(udp), netip.MustParseAddrPort("192.0.2.1:3478"); got.Addr().Unmap() != want.Addr() || got.Port() != want.Port() {
		t.Fatalf("addrPortOf(%v)=%v, want %v", udp, got, want)
	}

	tcp := &net.TCPAddr{IP: net.ParseIP("2001:db8::1"), Port: 443}
	if got, want := addrPortOf(tcp), netip.MustParseAddrPort("[2001:db8::1]:443"); got != want {
		t.Fatalf("addrPortOf(%v)=%v, want %v", tcp, got, want)
	}
}
