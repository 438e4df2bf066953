// Command ping-client-go plays the browser side of a ping session against a
// running relay: it negotiates a DataChannel over /ws, trickles its candidates,
// sends PING_COUNT envelopes and prints the relay's results.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"golang.org/x/net/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-ping-relay/internal/pingproto"
)

type results struct {
	Type          string  `json:"type"`
	List          []int64 `json:"list"`
	ReceivedCount int     `json:"receivedCount"`
}

func main() {
	relayURL := envOrDefault("RELAY_WS_URL", "ws://127.0.0.1:8080/ws")
	originURL := envOrDefault("ORIGIN", "http://localhost")
	count := envIntOrDefault("PING_COUNT", 10)
	interval := time.Duration(envIntOrDefault("PING_INTERVAL_MS", 50)) * time.Millisecond
	timeout := time.Duration(envIntOrDefault("TIMEOUT_MS", 15000)) * time.Millisecond

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, echoed, err := run(ctx, relayURL, originURL, count, interval)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ping client: %v\n", err)
		os.Exit(1)
	}

	out, _ := json.Marshal(res)
	fmt.Printf("RESULTS %s\n", out)
	fmt.Printf("SENT %d ECHOED %d RECORDED %d\n", count, echoed, res.ReceivedCount)
}

func run(ctx context.Context, relayURL, originURL string, count int, interval time.Duration) (results, int, error) {
	ws, err := websocket.Dial(relayURL, "", originURL)
	if err != nil {
		return results{}, 0, fmt.Errorf("dial %s: %w", relayURL, err)
	}
	defer ws.Close()

	var sendMu sync.Mutex
	send := func(v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		sendMu.Lock()
		defer sendMu.Unlock()
		return websocket.Message.Send(ws, string(b))
	}

	inbound := make(chan string, 4)
	go func() {
		defer close(inbound)
		for {
			var raw string
			if err := websocket.Message.Receive(ws, &raw); err != nil {
				return
			}
			inbound <- raw
		}
	}()

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return results{}, 0, fmt.Errorf("new peer connection: %w", err)
	}
	defer pc.Close()

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		_ = send(map[string]any{"type": "ice", "ice": c.ToJSON()})
	})

	ordered := false
	maxRetransmits := uint16(0)
	dc, err := pc.CreateDataChannel("ping", &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &maxRetransmits,
	})
	if err != nil {
		return results{}, 0, fmt.Errorf("create datachannel: %w", err)
	}

	opened := make(chan struct{})
	dc.OnOpen(func() { close(opened) })

	var (
		echoMu sync.Mutex
		echoed int
		rtt    time.Duration
	)
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		env, err := pingproto.Decode(msg.Data)
		if err != nil {
			return
		}
		echoMu.Lock()
		echoed++
		rtt += time.Since(time.UnixMilli(int64(env.Time)))
		echoMu.Unlock()
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return results{}, 0, fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return results{}, 0, fmt.Errorf("set local description: %w", err)
	}
	if err := send(map[string]any{"type": "offer", "sdp": offer.SDP}); err != nil {
		return results{}, 0, fmt.Errorf("send offer: %w", err)
	}

	answerText, err := next(ctx, inbound)
	if err != nil {
		return results{}, 0, fmt.Errorf("wait for answer: %w", err)
	}
	var answer webrtc.SessionDescription
	if err := json.Unmarshal([]byte(answerText), &answer); err != nil {
		return results{}, 0, fmt.Errorf("decode answer: %w", err)
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return results{}, 0, fmt.Errorf("set remote description: %w", err)
	}

	select {
	case <-opened:
	case <-ctx.Done():
		return results{}, 0, fmt.Errorf("wait for datachannel: %w", ctx.Err())
	}

	for i := 1; i <= count; i++ {
		payload, err := pingproto.Encode(pingproto.Envelope{Index: int64(i), Time: uint64(time.Now().UnixMilli())})
		if err != nil {
			return results{}, 0, err
		}
		if err := dc.SendText(string(payload)); err != nil {
			return results{}, 0, fmt.Errorf("send ping %d: %w", i, err)
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return results{}, 0, ctx.Err()
		}
	}
	// Late echoes still count towards the relay's list; give them a moment.
	time.Sleep(4 * interval)

	if err := send(map[string]any{"type": "done"}); err != nil {
		return results{}, 0, fmt.Errorf("send done: %w", err)
	}
	resultsText, err := next(ctx, inbound)
	if err != nil {
		return results{}, 0, fmt.Errorf("wait for results: %w", err)
	}
	var res results
	if err := json.Unmarshal([]byte(resultsText), &res); err != nil || res.Type != "results" {
		return results{}, 0, fmt.Errorf("unexpected reply %q", resultsText)
	}

	echoMu.Lock()
	defer echoMu.Unlock()
	if echoed > 0 {
		fmt.Printf("RTT_AVG_MS %d\n", (rtt / time.Duration(echoed)).Milliseconds())
	}
	return res, echoed, nil
}

func next(ctx context.Context, inbound <-chan string) (string, error) {
	select {
	case raw, ok := <-inbound:
		if !ok {
			return "", fmt.Errorf("websocket closed")
		}
		return raw, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return fallback
}
