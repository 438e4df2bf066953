package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/wilsonzlin/aero/proxy/webrtc-ping-relay/internal/origin"
)

const (
	EnvWebSocketPort    = "WEBSOCKET_PORT"
	EnvWebSocketHost    = "WEBSOCKET_HOST"
	EnvWebRTCAddr       = "WEBRTC_ADDR"
	EnvPublicWebRTCAddr = "PUBLIC_WEBRTC_ADDR"

	EnvEnvFile         = "ENV_FILE"
	EnvMode            = "AERO_PING_RELAY_MODE"
	EnvLogFormat       = "AERO_PING_RELAY_LOG_FORMAT"
	EnvLogLevel        = "AERO_PING_RELAY_LOG_LEVEL"
	EnvShutdownTimeout = "AERO_PING_RELAY_SHUTDOWN_TIMEOUT"
	EnvAllowedOrigins  = "ALLOWED_ORIGINS"

	EnvICEGatheringTimeout         = "ICE_GATHERING_TIMEOUT"
	EnvWebRTCSessionConnectTimeout = "WEBRTC_SESSION_CONNECT_TIMEOUT"
	EnvDatagramQueueLen            = "DATAGRAM_QUEUE_LEN"

	EnvMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	EnvMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	EnvSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	EnvSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"

	DefaultEnvFile                          = ".env"
	DefaultWebSocketHost                    = "0.0.0.0"
	DefaultMode                        Mode = ModeDev
	DefaultShutdown                         = 15 * time.Second
	DefaultICEGatheringTimeout              = 2 * time.Second
	DefaultWebRTCSessionConnectTimeout      = 30 * time.Second
	DefaultDatagramQueueLen                 = 1024

	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50
	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	// ListenAddr is the HTTP/WebSocket listen address, built from
	// WEBSOCKET_HOST and WEBSOCKET_PORT.
	ListenAddr string

	// WebRTCAddr is the local UDP address the transport binds its single ICE
	// socket to.
	WebRTCAddr netip.AddrPort
	// PublicWebRTCAddr is the address advertised to browsers in the SDP answer.
	PublicWebRTCAddr netip.AddrPort

	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	// ICEGatheringTimeout bounds how long a negotiation waits for candidate
	// gathering before answering.
	ICEGatheringTimeout time.Duration
	// WebRTCSessionConnectTimeout bounds how long a negotiated PeerConnection may
	// stay unconnected before it is closed.
	WebRTCSessionConnectTimeout time.Duration
	// DatagramQueueLen is the capacity of the queue between pion's DataChannel
	// callbacks and the relay loop. Datagrams are dropped when it is full.
	DatagramQueueLen int

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	SignalingWSIdleTimeout        time.Duration
	SignalingWSPingInterval       time.Duration
}

// Load reads configuration from the process environment (after applying an
// optional dotenv file) and command-line flags. Flags win over env vars.
func Load(args []string) (Config, error) {
	envFile := DefaultEnvFile
	if v, ok := os.LookupEnv(EnvEnvFile); ok && strings.TrimSpace(v) != "" {
		envFile = strings.TrimSpace(v)
	}
	if err := loadEnvFile(envFile); err != nil {
		return Config{}, err
	}
	return load(os.LookupEnv, args)
}

// loadEnvFile applies a dotenv file without overriding variables that are
// already set. A missing file is not an error.
func loadEnvFile(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load %s: %w", path, err)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	modeDefault := envOrDefault(lookup, EnvMode, string(DefaultMode))
	logFormatDefault := envOrDefault(lookup, EnvLogFormat, defaultLogFormatForMode(modeDefault))
	logLevelDefault := envOrDefault(lookup, EnvLogLevel, defaultLogLevelForMode(modeDefault))
	envLogFormatSet := envSet(lookup, EnvLogFormat)
	envLogLevelSet := envSet(lookup, EnvLogLevel)

	wsPortStr := envOrDefault(lookup, EnvWebSocketPort, "")
	wsHost := envOrDefault(lookup, EnvWebSocketHost, DefaultWebSocketHost)
	webrtcAddrStr := envOrDefault(lookup, EnvWebRTCAddr, "")
	publicAddrStr := envOrDefault(lookup, EnvPublicWebRTCAddr, "")
	allowedOriginsStr := envOrDefault(lookup, EnvAllowedOrigins, "*")

	shutdownTimeout, err := envDurationOrDefault(lookup, EnvShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	iceGatherTimeout, err := envDurationOrDefault(lookup, EnvICEGatheringTimeout, DefaultICEGatheringTimeout)
	if err != nil {
		return Config{}, err
	}
	connectTimeout, err := envDurationOrDefault(lookup, EnvWebRTCSessionConnectTimeout, DefaultWebRTCSessionConnectTimeout)
	if err != nil {
		return Config{}, err
	}
	datagramQueueLen, err := envIntOrDefault(lookup, EnvDatagramQueueLen, DefaultDatagramQueueLen)
	if err != nil {
		return Config{}, err
	}
	maxMessagesPerSecond, err := envIntOrDefault(lookup, EnvMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	maxMessageBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(EnvMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", EnvMaxSignalingMessageBytes, raw, err)
		}
		maxMessageBytes = n
	}
	wsIdleTimeout, err := envDurationOrDefault(lookup, EnvSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	wsPingInterval, err := envDurationOrDefault(lookup, EnvSignalingWSPingInterval, DefaultSignalingWSPingInterval)
	if err != nil {
		return Config{}, err
	}

	var modeStr, logFormatStr, logLevelStr string

	fs := flag.NewFlagSet("aero-webrtc-ping-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	fs.StringVar(&wsPortStr, "websocket-port", wsPortStr, "HTTP/WebSocket listen port (env "+EnvWebSocketPort+")")
	fs.StringVar(&wsHost, "websocket-host", wsHost, "HTTP/WebSocket listen host (env "+EnvWebSocketHost+")")
	fs.StringVar(&webrtcAddrStr, "webrtc-addr", webrtcAddrStr, "UDP address the WebRTC transport binds to, e.g. 0.0.0.0:3478 (env "+EnvWebRTCAddr+")")
	fs.StringVar(&publicAddrStr, "public-webrtc-addr", publicAddrStr, "Public UDP address advertised to browsers (env "+EnvPublicWebRTCAddr+")")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins, or * (env "+EnvAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.DurationVar(&iceGatherTimeout, "ice-gather-timeout", iceGatherTimeout, "Max time to wait for ICE gathering when answering an offer (env "+EnvICEGatheringTimeout+")")
	fs.DurationVar(&connectTimeout, "webrtc-session-connect-timeout", connectTimeout, "Close negotiated sessions that fail to connect within this duration (env "+EnvWebRTCSessionConnectTimeout+")")
	fs.IntVar(&datagramQueueLen, "datagram-queue-len", datagramQueueLen, "Inbound datagram queue capacity (env "+EnvDatagramQueueLen+")")
	fs.Int64Var(&maxMessageBytes, "max-signaling-message-bytes", maxMessageBytes, "Max inbound signaling message size (env "+EnvMaxSignalingMessageBytes+")")
	fs.IntVar(&maxMessagesPerSecond, "max-signaling-messages-per-second", maxMessagesPerSecond, "Max inbound signaling messages per second per connection (env "+EnvMaxSignalingMessagesPerSecond+")")
	fs.DurationVar(&wsIdleTimeout, "signaling-ws-idle-timeout", wsIdleTimeout, "Close signaling WebSockets idle for this long (env "+EnvSignalingWSIdleTimeout+")")
	fs.DurationVar(&wsPingInterval, "signaling-ws-ping-interval", wsPingInterval, "Send ping frames at this interval (must be < --signaling-ws-idle-timeout; env "+EnvSignalingWSPingInterval+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	// --mode may differ from the env mode the defaults were built from.
	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	if strings.TrimSpace(wsPortStr) == "" {
		return Config{}, fmt.Errorf("%s not set", EnvWebSocketPort)
	}
	wsPort, err := parsePortString(wsPortStr)
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse %s: %w", EnvWebSocketPort, err)
	}
	webrtcAddr, err := parseAddrPort(EnvWebRTCAddr, webrtcAddrStr)
	if err != nil {
		return Config{}, err
	}
	publicAddr, err := parseAddrPort(EnvPublicWebRTCAddr, publicAddrStr)
	if err != nil {
		return Config{}, err
	}
	if publicAddr.Addr().IsUnspecified() {
		return Config{}, fmt.Errorf("invalid %s %q: public address must not be unspecified", EnvPublicWebRTCAddr, publicAddrStr)
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", EnvAllowedOrigins, err)
	}

	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if iceGatherTimeout <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", EnvICEGatheringTimeout)
	}
	if connectTimeout <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", EnvWebRTCSessionConnectTimeout)
	}
	if datagramQueueLen <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", EnvDatagramQueueLen)
	}
	if maxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", EnvMaxSignalingMessageBytes)
	}
	if maxMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", EnvMaxSignalingMessagesPerSecond)
	}
	if wsIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", EnvSignalingWSIdleTimeout)
	}
	if wsPingInterval <= 0 || wsPingInterval >= wsIdleTimeout {
		return Config{}, fmt.Errorf("%s must be > 0 and < %s", EnvSignalingWSPingInterval, EnvSignalingWSIdleTimeout)
	}

	return Config{
		ListenAddr:       net.JoinHostPort(strings.TrimSpace(wsHost), strconv.Itoa(int(wsPort))),
		WebRTCAddr:       webrtcAddr,
		PublicWebRTCAddr: publicAddr,
		AllowedOrigins:   allowedOrigins,
		LogFormat:        logFormat,
		LogLevel:         level,
		ShutdownTimeout:  shutdownTimeout,
		Mode:             mode,

		ICEGatheringTimeout:         iceGatherTimeout,
		WebRTCSessionConnectTimeout: connectTimeout,
		DatagramQueueLen:            datagramQueueLen,

		MaxSignalingMessageBytes:      maxMessageBytes,
		MaxSignalingMessagesPerSecond: maxMessagesPerSecond,
		SignalingWSIdleTimeout:        wsIdleTimeout,
		SignalingWSPingInterval:       wsPingInterval,
	}, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envSet(lookup func(string) (string, bool), key string) bool {
	v, ok := lookup(key)
	return ok && strings.TrimSpace(v) != ""
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parsePortString(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	if v == 0 {
		return 0, fmt.Errorf("port %d out of range (1-65535)", v)
	}
	return uint16(v), nil
}

// parseAddrPort parses a required "ip:port" value. Hostnames are rejected: the
// transport advertises the address verbatim in ICE candidates.
func parseAddrPort(key, raw string) (netip.AddrPort, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return netip.AddrPort{}, fmt.Errorf("%s not set", key)
	}
	ap, err := netip.ParseAddrPort(raw)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("failed to parse %s %q: %w", key, raw, err)
	}
	if ap.Port() == 0 {
		return netip.AddrPort{}, fmt.Errorf("failed to parse %s %q: port must be non-zero", key, raw)
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if entry == "*" {
			out = append(out, entry)
			continue
		}

		normalizedOrigin, _, ok := origin.NormalizeHeader(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalizedOrigin)
	}

	return out, nil
}
