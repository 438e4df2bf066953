package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-ping-relay/internal/clients"
	"github.com/wilsonzlin/aero/proxy/webrtc-ping-relay/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-ping-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-ping-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-ping-relay/internal/ratelimit"
)

const (
	wsWriteWait = 1 * time.Second
	// closeGracePeriod bounds how long a finished connection waits for the
	// browser's half of the close handshake.
	closeGracePeriod = 5 * time.Second

	DefaultMaxMessageBytes   = int64(64 * 1024)
	DefaultMessagesPerSecond = 50
	DefaultIdleTimeout       = 60 * time.Second
	DefaultPingInterval      = 20 * time.Second
)

// Negotiator answers SDP offers; webrtcpeer.Endpoint implements it.
type Negotiator interface {
	Negotiate(ctx context.Context, offer string) (string, error)
}

// Registry is the part of clients.Registry the handler uses.
type Registry interface {
	Register(port string, id clients.ID)
	LookupPortByID(id clients.ID) (string, bool)
	ReadSamples(id clients.ID) ([]int64, bool)
	Remove(port string)
}

type Config struct {
	Negotiator Negotiator
	Registry   Registry
	IDs        *clients.IDAllocator
	Origins    origin.Policy
	Metrics    *metrics.Metrics
	Logger     *slog.Logger

	MaxMessageBytes   int64
	MessagesPerSecond int
	IdleTimeout       time.Duration
	PingInterval      time.Duration
	Clock             ratelimit.Clock
}

type Server struct {
	cfg      Config
	log      *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	wg       sync.WaitGroup
	mu       sync.Mutex
	closed   bool
	sessions map[*wsSession]struct{}
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Negotiator == nil {
		return nil, errors.New("signaling: negotiator is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("signaling: registry is required")
	}
	if cfg.IDs == nil {
		cfg.IDs = clients.NewIDAllocator()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.MessagesPerSecond <= 0 {
		cfg.MessagesPerSecond = DefaultMessagesPerSecond
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.IdleTimeout {
		cfg.PingInterval = cfg.IdleTimeout / 3
	}

	s := &Server{
		cfg:      cfg,
		log:      cfg.Logger.With("component", "signaling"),
		metrics:  cfg.Metrics,
		sessions: make(map[*wsSession]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
		Error: func(w http.ResponseWriter, r *http.Request, status int, reason error) {
			s.log.Debug("websocket upgrade rejected", "status", status, "err", reason, "remote_addr", r.RemoteAddr)
			httpserver.WriteError(w, status)
		},
	}
	return s, nil
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /ws", s)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	originHeader := strings.TrimSpace(r.Header.Get("Origin"))
	if originHeader == "" {
		return true
	}
	_, ok := s.cfg.Origins.Check(originHeader, r.Host)
	return ok
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the rejection.
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()

	id := s.cfg.IDs.Next()
	connID := uuid.NewString()
	wss := &wsSession{
		srv:     s,
		conn:    conn,
		id:      id,
		log:     s.log.With("client_id", uint64(id), "conn_id", connID, "request_id", r.Header.Get("X-Request-ID")),
		limiter: ratelimit.NewBucket(s.cfg.Clock, s.cfg.MessagesPerSecond, s.cfg.MessagesPerSecond),
		done:    make(chan struct{}),
	}
	if !s.track(wss) {
		wss.closeWith(websocket.CloseGoingAway, "server shutting down")
		_ = conn.Close()
		return
	}
	defer s.untrack(wss)

	s.metrics.Inc(metrics.SignalingConnections)
	wss.run(r.Context())
}

func (s *Server) track(wss *wsSession) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sessions[wss] = struct{}{}
	return true
}

func (s *Server) untrack(wss *wsSession) {
	s.mu.Lock()
	delete(s.sessions, wss)
	s.mu.Unlock()
}

// Close sends a going-away close frame to every open connection and tears it
// down. Upgrades that complete afterwards are closed immediately.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	open := make([]*wsSession, 0, len(s.sessions))
	for wss := range s.sessions {
		open = append(open, wss)
	}
	s.mu.Unlock()

	for _, wss := range open {
		wss.closeWith(websocket.CloseGoingAway, "server shutting down")
		wss.Close()
	}
}

// Wait blocks until every connection handler has returned. Callers shut the
// HTTP server down and call Close first so no connection stays open.
func (s *Server) Wait() {
	s.wg.Wait()
}

type wsSession struct {
	srv     *Server
	conn    *websocket.Conn
	id      clients.ID
	log     *slog.Logger
	limiter *ratelimit.Bucket

	state State

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

var errSendFailed = errors.New("signaling: websocket send failed")

func (wss *wsSession) run(ctx context.Context) {
	defer func() {
		wss.Close()
		wss.setState(StateDisconnected)
	}()

	wss.setState(StateConnected)
	wss.conn.SetReadLimit(wss.srv.cfg.MaxMessageBytes)
	wss.extendReadDeadline()
	wss.conn.SetPongHandler(func(string) error {
		wss.extendReadDeadline()
		return nil
	})
	go wss.keepalive()

	for {
		msgType, data, err := wss.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				wss.log.Debug("websocket read ended", "err", err)
			}
			return
		}
		if wss.state == StateDone {
			// Waiting for the browser's close frame.
			continue
		}
		wss.extendReadDeadline()

		if !wss.limiter.Allow() {
			wss.srv.metrics.Inc(metrics.SignalingRateLimited)
			wss.log.Warn("signaling rate limit exceeded; closing")
			wss.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		if msgType != websocket.TextMessage {
			wss.ignore("non-text frame")
			continue
		}
		if err := wss.handleMessage(ctx, data); err != nil {
			wss.log.Info("closing signaling connection", "err", err)
			return
		}
	}
}

func (wss *wsSession) handleMessage(ctx context.Context, data []byte) error {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		wss.ignore("malformed json")
		return nil
	}

	switch msg.Type {
	case messageTypeOffer:
		return wss.handleOffer(ctx, msg)
	case messageTypeICE:
		wss.handleICE(msg)
		return nil
	case messageTypeDone:
		return wss.handleDone()
	default:
		wss.ignore("unknown message type")
		return nil
	}
}

func (wss *wsSession) handleOffer(ctx context.Context, msg inboundMessage) error {
	offer, err := msg.offerSDP()
	if err != nil {
		wss.ignore("offer without sdp")
		return nil
	}

	// Negotiation outlives the connection if it closes mid-flight; the
	// endpoint bounds it with its gathering timeout.
	answer, err := wss.srv.cfg.Negotiator.Negotiate(context.WithoutCancel(ctx), offer)
	if err != nil {
		wss.log.Warn("negotiation failed", "err", err)
		return nil
	}
	if err := wss.sendText([]byte(answer)); err != nil {
		return err
	}
	if wss.state == StateConnected {
		wss.setState(StateAwaitingNegotiation)
	}
	return nil
}

func (wss *wsSession) handleICE(msg inboundMessage) {
	if msg.ICE == nil || strings.TrimSpace(msg.ICE.Candidate) == "" {
		wss.ignore("empty ice candidate")
		return
	}
	port, err := CandidatePort(msg.ICE.Candidate)
	if err != nil {
		if errors.Is(err, ErrNotUDPCandidate) {
			wss.log.Debug("ignoring non-udp ice candidate", "candidate", msg.ICE.Candidate)
			return
		}
		wss.srv.metrics.Inc(metrics.CandidateMalformed)
		wss.log.Warn("ignoring malformed ice candidate", "candidate", msg.ICE.Candidate, "err", err)
		return
	}

	wss.srv.cfg.Registry.Register(port, wss.id)
	wss.srv.metrics.Inc(metrics.CandidateRegistered)
	wss.log.Debug("registered client port", "port", port)
	wss.setState(StateRegistered)
}

func (wss *wsSession) handleDone() error {
	samples, ok := wss.srv.cfg.Registry.ReadSamples(wss.id)
	if !ok {
		wss.log.Debug("done before any candidate was registered; ignoring")
		return nil
	}

	payload, err := json.Marshal(newResultsMessage(samples))
	if err != nil {
		return err
	}
	if err := wss.sendText(payload); err != nil {
		return err
	}
	wss.srv.metrics.Inc(metrics.ResultsSent)
	wss.log.Info("sent ping results", "received_count", len(samples))

	wss.closeWith(websocket.CloseNormalClosure, "")
	wss.setState(StateDone)
	_ = wss.conn.SetReadDeadline(time.Now().Add(closeGracePeriod))
	return nil
}

func (wss *wsSession) ignore(reason string) {
	wss.srv.metrics.Inc(metrics.SignalingMessageIgnored)
	wss.log.Debug("ignoring signaling message", "reason", reason)
}

func (wss *wsSession) setState(next State) {
	if wss.state == next {
		return
	}
	wss.log.Debug("signaling state", "from", wss.state.String(), "to", next.String())
	wss.state = next
}

func (wss *wsSession) extendReadDeadline() {
	_ = wss.conn.SetReadDeadline(time.Now().Add(wss.srv.cfg.IdleTimeout))
}

func (wss *wsSession) keepalive() {
	ticker := time.NewTicker(wss.srv.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-wss.done:
			return
		case <-ticker.C:
			wss.writeMu.Lock()
			err := wss.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			wss.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (wss *wsSession) sendText(payload []byte) error {
	wss.writeMu.Lock()
	defer wss.writeMu.Unlock()
	_ = wss.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := wss.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return errors.Join(errSendFailed, err)
	}
	return nil
}

func (wss *wsSession) closeWith(code int, reason string) {
	wss.writeMu.Lock()
	defer wss.writeMu.Unlock()
	_ = wss.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

// Close releases the connection and the client's registry entry. It is the
// only place entries are removed. Safe to call from any goroutine.
func (wss *wsSession) Close() {
	wss.closeOnce.Do(func() {
		close(wss.done)
		if port, ok := wss.srv.cfg.Registry.LookupPortByID(wss.id); ok {
			wss.srv.cfg.Registry.Remove(port)
			wss.log.Debug("removed client port", "port", port)
		}
		_ = wss.conn.Close()
	})
}
