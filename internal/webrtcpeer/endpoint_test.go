package webrtcpeer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-ping-relay/internal/metrics"
)

func newLoopbackEndpoint(t *testing.T, m *metrics.Metrics) *Endpoint {
	t.Helper()
	ep, err := NewEndpoint(Config{
		ListenAddr:    netip.MustParseAddrPort("127.0.0.1:0"),
		PublicAddr:    netip.MustParseAddrPort("203.0.113.7:3478"),
		GatherTimeout: 5 * time.Second,
		Logger:        discardLogger(),
		Metrics:       m,
	})
	if err != nil {
		t.Fatalf("NewEndpoint: %v", err)
	}
	t.Cleanup(func() { _ = ep.Close() })
	return ep
}

func TestNewEndpoint_BindFailure(t *testing.T) {
	ep := newLoopbackEndpoint(t, nil)
	port := ep.LocalAddr().(*net.UDPAddr).Port

	_, err := NewEndpoint(Config{
		ListenAddr: netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(port)),
		PublicAddr: netip.MustParseAddrPort("203.0.113.7:3478"),
		Logger:     discardLogger(),
	})
	if err == nil {
		t.Fatalf("second bind on %d succeeded", port)
	}
}

func TestNegotiate_RejectsMalformedOffer(t *testing.T) {
	m := metrics.New()
	ep := newLoopbackEndpoint(t, m)

	_, err := ep.Negotiate(context.Background(), "not an offer")
	if !errors.Is(err, ErrNegotiation) {
		t.Fatalf("err=%v, want %v", err, ErrNegotiation)
	}
	if got := m.Get(metrics.NegotiationFailed); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.NegotiationFailed, got)
	}
	if ep.Sessions() != 0 {
		t.Fatalf("Sessions()=%d after failed negotiation, want 0", ep.Sessions())
	}
}

func TestNegotiate_AnswerAdvertisesPublicAddress(t *testing.T) {
	m := metrics.New()
	ep := newLoopbackEndpoint(t, m)
	_, _, offer := newClientOffer(t, nil)

	answerText, err := ep.Negotiate(context.Background(), offer)
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}

	var answer webrtc.SessionDescription
	if err := json.Unmarshal([]byte(answerText), &answer); err != nil {
		t.Fatalf("answer is not a JSON session description: %v\n%s", err, answerText)
	}
	if answer.Type != webrtc.SDPTypeAnswer {
		t.Fatalf("answer type=%s, want answer", answer.Type)
	}

	port := ep.LocalAddr().(*net.UDPAddr).Port
	want := fmt.Sprintf(" 203.0.113.7 %d typ host", port)
	if !strings.Contains(answer.SDP, want) {
		t.Fatalf("answer missing candidate %q:\n%s", want, answer.SDP)
	}
	if !strings.Contains(answer.SDP, "a=ice-lite") {
		t.Fatalf("answer is not ice-lite:\n%s", answer.SDP)
	}
	if strings.Contains(answer.SDP, " 127.0.0.1 ") {
		t.Fatalf("answer leaks the bind address:\n%s", answer.SDP)
	}

	if got := m.Get(metrics.NegotiationSucceeded); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.NegotiationSucceeded, got)
	}
	if ep.Sessions() != 1 {
		t.Fatalf("Sessions()=%d, want 1", ep.Sessions())
	}
}

func TestRecvAndSend_Errors(t *testing.T) {
	ep := newLoopbackEndpoint(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := ep.Recv(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Recv(cancelled)=%v, want %v", err, context.Canceled)
	}

	err := ep.Send([]byte("x"), MessageKindText, netip.MustParseAddrPort("192.0.2.1:54321"))
	if !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("Send(unknown)=%v, want %v", err, ErrUnknownPeer)
	}

	done := make(chan error, 1)
	go func() {
		_, err := ep.Recv(context.Background())
		done <- err
	}()
	if err := ep.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("Recv after Close=%v, want %v", err, ErrClosed)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Recv did not unblock on Close")
	}

	if _, err := ep.Negotiate(context.Background(), "v=0"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Negotiate after Close=%v, want %v", err, ErrClosed)
	}
	if err := ep.Send(nil, MessageKindBinary, netip.MustParseAddrPort("192.0.2.1:1")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after Close=%v, want %v", err, ErrClosed)
	}
}

func TestDeliver_DropsWhenQueueFull(t *testing.T) {
	m := metrics.New()
	ep, err := NewEndpoint(Config{
		ListenAddr: netip.MustParseAddrPort("127.0.0.1:0"),
		PublicAddr: netip.MustParseAddrPort("127.0.0.1:0"),
		QueueLen:   1,
		Logger:     discardLogger(),
		Metrics:    m,
	})
	if err != nil {
		t.Fatalf("NewEndpoint: %v", err)
	}
	t.Cleanup(func() { _ = ep.Close() })

	remote := netip.MustParseAddrPort("192.0.2.1:54321")
	ep.deliver(Datagram{Payload: []byte("a"), Kind: MessageKindText, Remote: remote})
	ep.deliver(Datagram{Payload: []byte("b"), Kind: MessageKindText, Remote: remote})

	d, err := ep.Recv(context.Background())
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(d.Payload) != "a" || d.Remote != remote || d.Kind != MessageKindText {
		t.Fatalf("Recv=%+v", d)
	}
	if got := m.Get(metrics.DatagramDroppedQueue); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.DatagramDroppedQueue, got)
	}
	if got := m.Get(metrics.DatagramReceived); got != 2 {
		t.Fatalf("%s=%d, want 2", metrics.DatagramReceived, got)
	}
}
