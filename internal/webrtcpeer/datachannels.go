package webrtcpeer

import (
	"net/netip"

	"github.com/pion/webrtc/v4"
)

// MessageKind is the SCTP payload type a datagram was carried with. Echoes are
// sent back with the same kind.
type MessageKind uint8

const (
	MessageKindBinary MessageKind = iota
	MessageKindText
)

func (k MessageKind) String() string {
	if k == MessageKindText {
		return "text"
	}
	return "binary"
}

// Datagram is one DataChannel message together with the transport address of
// the peer that sent it.
type Datagram struct {
	Payload []byte
	Kind    MessageKind
	Remote  netip.AddrPort
}

func kindOf(msg webrtc.DataChannelMessage) MessageKind {
	if msg.IsString {
		return MessageKindText
	}
	return MessageKindBinary
}

// isUnreliable reports whether dc has UDP-like semantics (unordered, no
// retransmissions). Other channels are accepted but logged.
func isUnreliable(dc *webrtc.DataChannel) bool {
	if dc.Ordered() {
		return false
	}
	if dc.MaxPacketLifeTime() != nil {
		return true
	}
	maxRetransmits := dc.MaxRetransmits()
	return maxRetransmits != nil && *maxRetransmits == 0
}

func dataChannelAttrs(dc *webrtc.DataChannel) []any {
	var maxRetransmits any
	if v := dc.MaxRetransmits(); v != nil {
		maxRetransmits = int(*v)
	}
	var maxPacketLifeTime any
	if v := dc.MaxPacketLifeTime(); v != nil {
		maxPacketLifeTime = int(*v)
	}
	return []any{
		"label", dc.Label(),
		"ordered", dc.Ordered(),
		"max_retransmits", maxRetransmits,
		"max_packet_life_time", maxPacketLifeTime,
	}
}

// selectedRemote returns the remote transport address of pc's nominated ICE
// candidate pair. It is the peer's datagram source address.
func selectedRemote(pc *webrtc.PeerConnection) (netip.AddrPort, bool) {
	sctp := pc.SCTP()
	if sctp == nil {
		return netip.AddrPort{}, false
	}
	dtls := sctp.Transport()
	if dtls == nil {
		return netip.AddrPort{}, false
	}
	ice := dtls.ICETransport()
	if ice == nil {
		return netip.AddrPort{}, false
	}
	pair, err := ice.GetSelectedCandidatePair()
	if err != nil || pair == nil || pair.Remote == nil {
		return netip.AddrPort{}, false
	}
	addr, err := netip.ParseAddr(pair.Remote.Address)
	if err != nil || pair.Remote.Port == 0 {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(addr.Unmap(), pair.Remote.Port), true
}
