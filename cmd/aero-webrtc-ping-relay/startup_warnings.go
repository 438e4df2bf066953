package main

import (
	"log/slog"
	"net/netip"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-ping-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-ping-relay/internal/origin"
)

// logStartupWarnings flags configurations that start fine but leave browsers
// unable to reach the relay, or that are too permissive for production.
func logStartupWarnings(logger *slog.Logger, cfg config.Config, bound netip.AddrPort) {
	if logger == nil {
		logger = slog.Default()
	}

	publicIP := cfg.PublicWebRTCAddr.Addr().Unmap()
	if publicIP.IsLoopback() || publicIP.IsUnspecified() {
		logger.Warn("startup warning: PUBLIC_WEBRTC_ADDR is not reachable from other hosts; only local browsers can connect",
			"warning_code", "public_webrtc_addr_not_routable",
			"public_webrtc_addr", cfg.PublicWebRTCAddr.String(),
			"mode", cfg.Mode,
		)
	}

	// Candidates carry the bound port, so a different public port only works
	// behind a port-preserving forward.
	if bound.IsValid() && cfg.PublicWebRTCAddr.Port() != bound.Port() {
		logger.Warn("startup warning: PUBLIC_WEBRTC_ADDR port differs from the bound transport port; answers advertise the bound port",
			"warning_code", "public_webrtc_port_mismatch",
			"public_webrtc_addr", cfg.PublicWebRTCAddr.String(),
			"bound_addr", bound.String(),
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && containsString(cfg.AllowedOrigins, origin.Any) {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' while --mode=prod (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.WebRTCSessionConnectTimeout > 2*time.Minute {
		logger.Warn("startup security warning: WEBRTC_SESSION_CONNECT_TIMEOUT is very large (increases half-open WebRTC session resource exposure)",
			"warning_code", "webrtc_session_connect_timeout_large",
			"webrtc_session_connect_timeout", cfg.WebRTCSessionConnectTimeout,
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxSignalingMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (increases per-message allocation risk)",
			"warning_code", "max_signaling_message_bytes_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}
