// Package timelog is a small process-local timestamp ring used only by the
// CLI's perf subcommand for latency diagnostics. It is explicitly not part
// of the shared-memory IPC surface — no process other than the one that
// created it ever reads it, unlike pkg/ringbuf or pkg/shmpool.
package timelog

import (
	"sort"
	"sync"
	"time"
)

// Log is a fixed-capacity ring of timestamps, recorded in the order
// Mark is called and overwritten oldest-first once full.
type Log struct {
	mu     sync.Mutex
	marks  []time.Time
	cap    int
	next   int
	filled bool
}

// New returns a Log that keeps the most recent capacity marks.
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = 1
	}
	return &Log{marks: make([]time.Time, capacity), cap: capacity}
}

// Mark records now.
func (l *Log) Mark(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.marks[l.next] = now
	l.next = (l.next + 1) % l.cap
	if l.next == 0 {
		l.filled = true
	}
}

// Deltas returns the recorded marks' consecutive differences, in
// chronological order.
func (l *Log) Deltas() []time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	var ordered []time.Time
	if l.filled {
		ordered = append(ordered, l.marks[l.next:]...)
		ordered = append(ordered, l.marks[:l.next]...)
	} else {
		ordered = append(ordered, l.marks[:l.next]...)
	}

	if len(ordered) < 2 {
		return nil
	}
	deltas := make([]time.Duration, 0, len(ordered)-1)
	for i := 1; i < len(ordered); i++ {
		deltas = append(deltas, ordered[i].Sub(ordered[i-1]))
	}
	return deltas
}

// Percentile returns the p-th percentile (0-100) of the recorded deltas,
// or 0 if fewer than two marks have been recorded.
func (l *Log) Percentile(p float64) time.Duration {
	deltas := l.Deltas()
	if len(deltas) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), deltas...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(p / 100 * float64(len(sorted)-1))
	return sorted[idx]
}
