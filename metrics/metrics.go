package metrics

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Recorder receives orchestration measurements.
type Recorder interface {
	RecordDecision(ctx context.Context, intent string, allowed bool)
	RecordEffect(ctx context.Context, kind, status string, duration time.Duration)
	RecordRetryDecision(ctx context.Context, category string, retry bool)
	RecordSweep(ctx context.Context, stats SweepStats)
}

// SweepStats summarizes one retry sweep.
type SweepStats struct {
	Scanned     int
	Resubmitted int
	Aborted     int
	Failed      int
	Duration    time.Duration
}

// Noop drops every measurement.
type Noop struct{}

func (Noop) RecordDecision(context.Context, string, bool)                {}
func (Noop) RecordEffect(context.Context, string, string, time.Duration) {}
func (Noop) RecordRetryDecision(context.Context, string, bool)           {}
func (Noop) RecordSweep(context.Context, SweepStats)                     {}

// Normalize returns r, or Noop when r is nil.
func Normalize(r Recorder) Recorder {
	if r == nil {
		return Noop{}
	}
	return r
}

// Memory counts measurements in process. Useful in tests and the CLI.
type Memory struct {
	mu       sync.Mutex
	counters map[string]int
	sweeps   []SweepStats
}

// NewMemory constructs an empty in-memory recorder.
func NewMemory() *Memory {
	return &Memory{counters: make(map[string]int)}
}

func (m *Memory) RecordDecision(_ context.Context, intent string, allowed bool) {
	m.inc(fmt.Sprintf("decision.%s.%s", intent, verdict(allowed, "allowed", "denied")))
}

func (m *Memory) RecordEffect(_ context.Context, kind, status string, _ time.Duration) {
	m.inc(fmt.Sprintf("effect.%s.%s", kind, status))
}

func (m *Memory) RecordRetryDecision(_ context.Context, category string, retry bool) {
	m.inc(fmt.Sprintf("retry.%s.%s", category, verdict(retry, "retry", "abort")))
}

func (m *Memory) RecordSweep(_ context.Context, stats SweepStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweeps = append(m.sweeps, stats)
}

// Count returns the counter for name, e.g. "effect.upload_images.error".
func (m *Memory) Count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

// Names lists every counter that was incremented, sorted.
func (m *Memory) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.counters))
	for k := range m.counters {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Sweeps returns the recorded sweep summaries.
func (m *Memory) Sweeps() []SweepStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SweepStats(nil), m.sweeps...)
}

func (m *Memory) inc(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name]++
}

func verdict(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}
