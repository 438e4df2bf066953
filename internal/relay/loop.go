package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"strconv"

	"github.com/wilsonzlin/aero/proxy/webrtc-ping-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-ping-relay/internal/pingproto"
	"github.com/wilsonzlin/aero/proxy/webrtc-ping-relay/internal/webrtcpeer"
)

// Transport is the datagram side of webrtcpeer.Endpoint.
type Transport interface {
	Recv(ctx context.Context) (webrtcpeer.Datagram, error)
	Send(payload []byte, kind webrtcpeer.MessageKind, remote netip.AddrPort) error
}

// SampleRecorder is the part of clients.Registry the loop writes to.
type SampleRecorder interface {
	RecordSample(port string, index int64) bool
}

type Config struct {
	Transport Transport
	Samples   SampleRecorder
	Codec     pingproto.Codec
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

type Loop struct {
	transport Transport
	samples   SampleRecorder
	codec     pingproto.Codec
	metrics   *metrics.Metrics
	log       *slog.Logger
}

func NewLoop(cfg Config) *Loop {
	codec := cfg.Codec
	if codec.MaxPayload <= 0 {
		codec = pingproto.DefaultCodec
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		transport: cfg.Transport,
		samples:   cfg.Samples,
		codec:     codec,
		metrics:   cfg.Metrics,
		log:       logger.With("component", "relay"),
	}
}

// Run processes datagrams until ctx is cancelled or the transport is closed.
// Per-datagram failures are logged and never end the loop.
func (l *Loop) Run(ctx context.Context) error {
	for {
		d, err := l.transport.Recv(ctx)
		if err != nil {
			if errors.Is(err, webrtcpeer.ErrClosed) {
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			l.metrics.Inc(metrics.DatagramRecvError)
			l.log.Warn("datagram receive failed", "err", err)
			continue
		}
		l.handle(d)
	}
}

func (l *Loop) handle(d webrtcpeer.Datagram) {
	env, err := l.codec.Decode(d.Payload)
	if err != nil {
		l.metrics.Inc(metrics.DatagramDroppedInvalid)
		l.log.Debug("dropping malformed datagram", "remote", d.Remote.String(), "bytes", len(d.Payload), "err", err)
		return
	}

	port := strconv.Itoa(int(d.Remote.Port()))
	if l.samples.RecordSample(port, env.Index) {
		l.metrics.Inc(metrics.SampleRecorded)
	} else {
		l.metrics.Inc(metrics.SampleUnattributed)
		l.log.Debug("no client registered for datagram source port", "port", port, "i", env.Index)
	}

	reply, err := l.codec.Encode(env)
	if err != nil {
		l.metrics.Inc(metrics.EchoFailed)
		l.log.Warn("encode echo failed", "remote", d.Remote.String(), "err", err)
		return
	}
	if err := l.transport.Send(reply, d.Kind, d.Remote); err != nil {
		l.metrics.Inc(metrics.EchoFailed)
		l.log.Warn("echo send failed", "remote", d.Remote.String(), "err", err)
		return
	}
	l.metrics.Inc(metrics.EchoSent)
}
