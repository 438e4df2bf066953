package metrics

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func TestMetrics_CountersAndSnapshot(t *testing.T) {
	m := New()
	m.Inc(SampleRecorded)
	m.Inc(SampleRecorded)
	m.Add(EchoSent, 3)

	if got := m.Get(SampleRecorded); got != 2 {
		t.Fatalf("%s=%d, want 2", SampleRecorded, got)
	}
	snap := m.Snapshot()
	if snap[EchoSent] != 3 {
		t.Fatalf("snapshot[%s]=%d, want 3", EchoSent, snap[EchoSent])
	}

	snap[EchoSent] = 100
	if got := m.Get(EchoSent); got != 3 {
		t.Fatalf("snapshot aliased internal state: %d", got)
	}
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	m.Inc(EchoFailed)
	if got := m.Get(EchoFailed); got != 0 {
		t.Fatalf("nil Get=%d, want 0", got)
	}
	if len(m.Snapshot()) != 0 {
		t.Fatalf("nil snapshot not empty")
	}
}

func TestMetrics_ConcurrentInc(t *testing.T) {
	m := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				m.Inc(DatagramReceived)
			}
		}()
	}
	wg.Wait()
	if got := m.Get(DatagramReceived); got != 8000 {
		t.Fatalf("%s=%d, want 8000", DatagramReceived, got)
	}
}

func TestMetrics_LogIncludesCounters(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	m := New()
	m.Inc(ResultsSent)
	m.Log(logger, "relay counters")

	out := buf.String()
	if !strings.Contains(out, "relay counters") || !strings.Contains(out, ResultsSent+"=1") {
		t.Fatalf("unexpected log output: %s", out)
	}
}
