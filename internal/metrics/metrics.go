package metrics

import (
	"log/slog"
	"sort"
	"sync"
)

// Event names. They double as log attribute keys when a snapshot is logged.
const (
	DatagramReceived        = "datagram_received"
	DatagramDroppedQueue    = "datagram_dropped_queue_full"
	DatagramDroppedInvalid  = "datagram_dropped_malformed"
	DatagramRecvError       = "datagram_recv_error"
	SampleRecorded          = "sample_recorded"
	SampleUnattributed      = "sample_unattributed"
	EchoSent                = "echo_sent"
	EchoFailed              = "echo_failed"
	NegotiationSucceeded    = "negotiation_ok"
	NegotiationFailed       = "negotiation_failed"
	CandidateRegistered     = "candidate_registered"
	CandidateMalformed      = "candidate_malformed"
	ResultsSent             = "results_sent"
	SignalingRateLimited    = "signaling_rate_limited"
	SignalingConnections    = "signaling_connections"
	SignalingMessageIgnored = "signaling_message_ignored"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// Counters stay in process: they back tests and are logged once at shutdown.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, n uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += n
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	if m == nil {
		return out
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.m {
		out[k] = v
	}
	return out
}

// Log writes every counter as a single structured log record, sorted by name.
func (m *Metrics) Log(logger *slog.Logger, msg string) {
	if logger == nil {
		logger = slog.Default()
	}
	snap := m.Snapshot()
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]any, 0, 2*len(keys))
	for _, k := range keys {
		args = append(args, k, snap[k])
	}
	logger.Info(msg, args...)
}
