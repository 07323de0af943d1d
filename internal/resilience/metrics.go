package resilience

import (
	"sync"
	"time"
)

var latencyBounds = []time.Duration{
	5 * time.Millisecond,
	25 * time.Millisecond,
	100 * time.Millisecond,
	250 * time.Millisecond,
	time.Second,
	2500 * time.Millisecond,
	10 * time.Second,
}

type opStats struct {
	attempts int64
	failures int64
	buckets  []int64
}

// Metrics counts attempts and bucketed latencies per operation. It is
// consumed externally via Snapshot.
type Metrics struct {
	mu  sync.Mutex
	ops map[string]*opStats
}

func newMetrics() *Metrics {
	return &Metrics{ops: make(map[string]*opStats)}
}

func (m *Metrics) observe(op string, latency time.Duration, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats, found := m.ops[op]
	if !found {
		stats = &opStats{buckets: make([]int64, len(latencyBounds)+1)}
		m.ops[op] = stats
	}
	stats.attempts++
	if !ok {
		stats.failures++
	}
	idx := len(latencyBounds)
	for i, bound := range latencyBounds {
		if latency <= bound {
			idx = i
			break
		}
	}
	stats.buckets[idx]++
}

// OpSnapshot is a point-in-time view of one operation's counters.
type OpSnapshot struct {
	Attempts int64            `json:"attempts"`
	Failures int64            `json:"failures"`
	Latency  map[string]int64 `json:"latency"`
}

// Snapshot returns a copy of all per-operation counters.
func (m *Metrics) Snapshot() map[string]OpSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]OpSnapshot, len(m.ops))
	for op, stats := range m.ops {
		latency := make(map[string]int64, len(stats.buckets))
		for i, count := range stats.buckets {
			if i < len(latencyBounds) {
				latency["le_"+latencyBounds[i].String()] = count
			} else {
				latency["gt_"+latencyBounds[len(latencyBounds)-1].String()] = count
			}
		}
		out[op] = OpSnapshot{
			Attempts: stats.attempts,
			Failures: stats.failures,
			Latency:  latency,
		}
	}
	return out
}
