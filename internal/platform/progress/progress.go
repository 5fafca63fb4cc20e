// Package progress aggregates pipeline counters behind a mutex so workers
// can report without sharing globals; callers log snapshots
package progress

import (
	"fmt"
	"sync"
	"time"
)

// Tracker accumulates embed/fetch progress across workers
type Tracker struct {
	mu      sync.Mutex
	tag     string
	total   int
	done    int
	tokens  int64
	costUSD float64
	started time.Time
}

// Snapshot is a point-in-time copy of the tracker state
type Snapshot struct {
	Tag     string
	Done    int
	Total   int
	Rate    float64 // items/s since start
	Tokens  int64
	CostUSD float64
}

// New returns a Tracker for total items under the given log tag
func New(tag string, total int) *Tracker {
	return &Tracker{tag: tag, total: total, started: time.Now()}
}

// Add records n completed items plus their token and cost usage
func (t *Tracker) Add(n int, tokens int64, costUSD float64) {
	t.mu.Lock()
	t.done += n
	t.tokens += tokens
	t.costUSD += costUSD
	t.mu.Unlock()
}

// AddTotal grows the expected total (used when work is discovered late)
func (t *Tracker) AddTotal(n int) {
	t.mu.Lock()
	t.total += n
	t.mu.Unlock()
}

// Snap returns a consistent snapshot
func (t *Tracker) Snap() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	el := time.Since(t.started).Seconds()
	rate := 0.0
	if el > 0 {
		rate = float64(t.done) / el
	}
	return Snapshot{Tag: t.tag, Done: t.done, Total: t.total, Rate: rate, Tokens: t.tokens, CostUSD: t.costUSD}
}

// String renders the operator-facing progress line
func (s Snapshot) String() string {
	return fmt.Sprintf("[%s] %d/%d | %.1f items/s | %.2fM tok | $%.4f",
		s.Tag, s.Done, s.Total, s.Rate, float64(s.Tokens)/1e6, s.CostUSD)
}
