package webrtcpeer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/pion/ice/v4"
	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-ping-relay/internal/metrics"
)

var (
	ErrClosed      = errors.New("webrtcpeer: endpoint closed")
	ErrNegotiation = errors.New("webrtcpeer: negotiation failed")
	ErrUnknownPeer = errors.New("webrtcpeer: unknown peer")
)

const (
	DefaultGatherTimeout  = 2 * time.Second
	DefaultConnectTimeout = 30 * time.Second
	DefaultQueueLen       = 1024
)

type Config struct {
	// ListenAddr is the local UDP address of the single ICE socket. Port 0
	// picks an ephemeral port.
	ListenAddr netip.AddrPort
	// PublicAddr is advertised in host candidates in place of the local IP.
	// Only the IP is used: the mux's bound port is always advertised.
	PublicAddr netip.AddrPort

	GatherTimeout  time.Duration
	ConnectTimeout time.Duration
	QueueLen       int

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Net replaces the OS network stack (tests use a virtual network).
	Net transport.Net
}

func (c Config) withDefaults() Config {
	if c.GatherTimeout <= 0 {
		c.GatherTimeout = DefaultGatherTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.QueueLen <= 0 {
		c.QueueLen = DefaultQueueLen
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Endpoint is the server side of every browser's unreliable DataChannel. All
// sessions share one UDP socket; inbound messages from every session are
// funneled into a single queue read with Recv.
type Endpoint struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics

	conn net.PacketConn
	mux  ice.UDPMux
	api  *webrtc.API

	inbound   chan Datagram
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	sessions map[*session]struct{}
	peers    map[netip.AddrPort]*session
}

// NewEndpoint binds the ICE socket. It fails if the address cannot be bound.
func NewEndpoint(cfg Config) (*Endpoint, error) {
	cfg = cfg.withDefaults()
	if !cfg.ListenAddr.IsValid() {
		return nil, fmt.Errorf("webrtcpeer: invalid listen address %v", cfg.ListenAddr)
	}
	if !cfg.PublicAddr.Addr().IsValid() {
		return nil, fmt.Errorf("webrtcpeer: invalid public address %v", cfg.PublicAddr)
	}

	log := cfg.Logger.With("component", "webrtc")
	loggerFactory := NewLoggerFactory(cfg.Logger)

	conn, err := listenUDP(cfg.Net, cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("webrtcpeer: bind %s: %w", cfg.ListenAddr, err)
	}

	mux := ice.NewUDPMuxDefault(ice.UDPMuxParams{
		Logger:  loggerFactory.NewLogger("ice-mux"),
		UDPConn: conn,
		Net:     cfg.Net,
	})

	listenIP := cfg.ListenAddr.Addr().Unmap()
	networkType := webrtc.NetworkTypeUDP4
	if listenIP.Is6() {
		networkType = webrtc.NetworkTypeUDP6
	}

	se := webrtc.SettingEngine{LoggerFactory: loggerFactory}
	se.SetICEUDPMux(mux)
	se.SetLite(true)
	se.SetNetworkTypes([]webrtc.NetworkType{networkType})
	se.SetNAT1To1IPs([]string{cfg.PublicAddr.Addr().Unmap().String()}, webrtc.ICECandidateTypeHost)
	se.SetIncludeLoopbackCandidate(listenIP.IsLoopback() || listenIP.IsUnspecified())
	if cfg.Net != nil {
		se.SetNet(cfg.Net)
	}

	e := &Endpoint{
		cfg:      cfg,
		log:      log,
		metrics:  cfg.Metrics,
		conn:     conn,
		mux:      mux,
		api:      webrtc.NewAPI(webrtc.WithSettingEngine(se)),
		inbound:  make(chan Datagram, cfg.QueueLen),
		closed:   make(chan struct{}),
		sessions: make(map[*session]struct{}),
		peers:    make(map[netip.AddrPort]*session),
	}
	log.Info("webrtc endpoint listening", "addr", e.LocalAddr().String(), "public_ip", cfg.PublicAddr.Addr().String())
	return e, nil
}

func listenUDP(n transport.Net, addr netip.AddrPort) (net.PacketConn, error) {
	udpAddr := net.UDPAddrFromAddrPort(netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port()))
	network := "udp4"
	if addr.Addr().Unmap().Is6() {
		network = "udp6"
	}
	if n != nil {
		return n.ListenUDP(network, udpAddr)
	}
	return net.ListenUDP(network, udpAddr)
}

// LocalAddr is the bound address of the ICE socket.
func (e *Endpoint) LocalAddr() net.Addr {
	return e.conn.LocalAddr()
}

// Negotiate answers a browser's SDP offer. The returned text is a JSON session
// description ({"type":"answer","sdp":...}) with every server candidate
// inlined, so no candidate trickling is needed.
func (e *Endpoint) Negotiate(ctx context.Context, offer string) (string, error) {
	answer, err := e.negotiate(ctx, offer)
	if err != nil {
		e.metrics.Inc(metrics.NegotiationFailed)
		return "", err
	}
	e.metrics.Inc(metrics.NegotiationSucceeded)
	return answer, nil
}

func (e *Endpoint) negotiate(ctx context.Context, offer string) (string, error) {
	if e.isClosed() {
		return "", ErrClosed
	}
	if err := validateOffer(offer); err != nil {
		return "", fmt.Errorf("%w: %v", ErrNegotiation, err)
	}

	pc, err := e.api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return "", fmt.Errorf("%w: new peer connection: %v", ErrNegotiation, err)
	}
	s := newSession(e, pc)
	if !e.track(s) {
		_ = pc.Close()
		return "", ErrClosed
	}

	fail := func(step string, err error) (string, error) {
		_ = s.Close()
		return "", fmt.Errorf("%w: %s: %v", ErrNegotiation, step, err)
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		return fail("set remote description", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fail("create answer", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return fail("set local description", err)
	}

	timer := time.NewTimer(e.cfg.GatherTimeout)
	defer timer.Stop()
	select {
	case <-gathered:
	case <-timer.C:
		s.log.Warn("ice gathering timed out; answering with candidates gathered so far", "timeout", e.cfg.GatherTimeout)
	case <-ctx.Done():
		return fail("wait for ice gathering", ctx.Err())
	case <-e.closed:
		_ = s.Close()
		return "", ErrClosed
	}

	local := pc.LocalDescription()
	if local == nil {
		return fail("local description", errors.New("missing after gathering"))
	}
	b, err := json.Marshal(local)
	if err != nil {
		return fail("encode answer", err)
	}

	s.armConnectTimeout(e.cfg.ConnectTimeout)
	s.log.Debug("negotiated webrtc session")
	return string(b), nil
}

// Recv blocks until a datagram from any session is available.
func (e *Endpoint) Recv(ctx context.Context) (Datagram, error) {
	select {
	case d := <-e.inbound:
		return d, nil
	case <-ctx.Done():
		return Datagram{}, ctx.Err()
	case <-e.closed:
		return Datagram{}, ErrClosed
	}
}

// Send writes payload to the session whose datagrams arrive from remote.
func (e *Endpoint) Send(payload []byte, kind MessageKind, remote netip.AddrPort) error {
	if e.isClosed() {
		return ErrClosed
	}
	e.mu.Lock()
	s, ok := e.peers[remote]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, remote)
	}
	return s.send(payload, kind)
}

// Sessions is the number of live PeerConnections.
func (e *Endpoint) Sessions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// Close tears down every session and releases the socket. Blocked Recv calls
// return ErrClosed.
func (e *Endpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.closed)

		e.mu.Lock()
		sessions := make([]*session, 0, len(e.sessions))
		for s := range e.sessions {
			sessions = append(sessions, s)
		}
		e.mu.Unlock()

		for _, s := range sessions {
			_ = s.Close()
		}
		err = e.mux.Close()
		_ = e.conn.Close()
	})
	return err
}

func (e *Endpoint) isClosed() bool {
	select {
	case <-e.closed:
		return true
	default:
		return false
	}
}

func (e *Endpoint) deliver(d Datagram) {
	e.metrics.Inc(metrics.DatagramReceived)
	select {
	case e.inbound <- d:
	default:
		e.metrics.Inc(metrics.DatagramDroppedQueue)
		e.log.Debug("dropping datagram: inbound queue full", "remote", d.Remote.String())
	}
}

func (e *Endpoint) track(s *session) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.isClosed() {
		return false
	}
	e.sessions[s] = struct{}{}
	return true
}

func (e *Endpoint) bindPeer(remote netip.AddrPort, s *session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, live := e.sessions[s]; !live {
		return
	}
	if prev, ok := e.peers[remote]; ok && prev != s {
		e.log.Warn("remote address rebound to a new webrtc session", "remote", remote.String())
	}
	e.peers[remote] = s
}

func (e *Endpoint) forget(s *session, remote netip.AddrPort) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, s)
	if remote.IsValid() && e.peers[remote] == s {
		delete(e.peers, remote)
	}
}
