package webrtcpeer

import (
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-ping-relay/internal/metrics"
)

// session owns one server-side PeerConnection and the single DataChannel the
// browser opens on it.
type session struct {
	id  string
	ep  *Endpoint
	pc  *webrtc.PeerConnection
	log *slog.Logger

	mu           sync.Mutex
	dc           *webrtc.DataChannel
	remote       netip.AddrPort
	connectTimer *time.Timer

	closeOnce sync.Once
}

func newSession(ep *Endpoint, pc *webrtc.PeerConnection) *session {
	id := uuid.NewString()
	s := &session{
		id:  id,
		ep:  ep,
		pc:  pc,
		log: ep.log.With("webrtc_session", id),
	}

	pc.OnDataChannel(s.handleDataChannel)
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.log.Debug("peer connection state changed", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateConnected:
			s.stopConnectTimer()
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			_ = s.Close()
		}
	})
	return s
}

// armConnectTimeout closes the session if it has not connected within d.
func (s *session) armConnectTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectTimer = time.AfterFunc(d, func() {
		if s.pc.ConnectionState() == webrtc.PeerConnectionStateConnected {
			return
		}
		s.log.Info("closing webrtc session that never connected", "timeout", d)
		_ = s.Close()
	})
}

func (s *session) stopConnectTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connectTimer != nil {
		s.connectTimer.Stop()
	}
}

func (s *session) handleDataChannel(dc *webrtc.DataChannel) {
	s.mu.Lock()
	if s.dc != nil {
		s.mu.Unlock()
		s.log.Warn("rejecting additional datachannel", dataChannelAttrs(dc)...)
		_ = dc.Close()
		return
	}
	s.dc = dc
	s.mu.Unlock()

	if !isUnreliable(dc) {
		s.log.Debug("datachannel is not unordered/unreliable; relaying anyway", dataChannelAttrs(dc)...)
	}

	dc.OnOpen(func() {
		if remote, ok := s.resolveRemote(); ok {
			s.log.Debug("datachannel open", "remote", remote.String(), "label", dc.Label())
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		remote, ok := s.resolveRemote()
		if !ok {
			s.ep.metrics.Inc(metrics.DatagramRecvError)
			s.log.Debug("dropping datagram: remote address not yet known")
			return
		}
		// pion reuses its read buffer.
		payload := append([]byte(nil), msg.Data...)
		s.ep.deliver(Datagram{Payload: payload, Kind: kindOf(msg), Remote: remote})
	})
	dc.OnClose(func() {
		_ = s.Close()
	})
}

// resolveRemote looks up (once) the peer's transport address from the
// selected candidate pair and binds it in the endpoint's peer table.
func (s *session) resolveRemote() (netip.AddrPort, bool) {
	s.mu.Lock()
	if s.remote.IsValid() {
		remote := s.remote
		s.mu.Unlock()
		return remote, true
	}
	s.mu.Unlock()

	remote, ok := selectedRemote(s.pc)
	if !ok {
		return netip.AddrPort{}, false
	}

	s.mu.Lock()
	s.remote = remote
	s.mu.Unlock()
	s.ep.bindPeer(remote, s)
	return remote, true
}

func (s *session) send(payload []byte, kind MessageKind) error {
	s.mu.Lock()
	dc := s.dc
	s.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return fmt.Errorf("%w: datachannel not open", ErrUnknownPeer)
	}
	if kind == MessageKindText {
		return dc.SendText(string(payload))
	}
	return dc.Send(payload)
}

func (s *session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.stopConnectTimer()

		s.mu.Lock()
		remote := s.remote
		s.mu.Unlock()

		s.ep.forget(s, remote)
		err = s.pc.Close()
	})
	return err
}
