// Package buffer is the bounded producer/consumer queue between the
// item loader and the realtime embed workers
package buffer

import (
	"sync"

	embdomain "repolens/internal/services/embedder/domain"
)

// Buffer holds items up to a capacity. Push blocks when full, Pull
// blocks when empty; Finish lets consumers drain and then observe nil.
// sync.Cond instead of a channel because Pull hands out variable-size
// batches, not single elements
type Buffer struct {
	mu       sync.Mutex
	notFull  *sync.Cond
	notEmpty *sync.Cond

	items    []embdomain.Item
	capacity int
	finished bool
}

// New creates a Buffer with the given capacity
func New(capacity int) *Buffer {
	b := &Buffer{capacity: capacity}
	b.notFull = sync.NewCond(&b.mu)
	b.notEmpty = sync.NewCond(&b.mu)
	return b
}

// Push appends items, blocking while the buffer is at capacity. Once
// Finish has been called remaining items are dropped and Push reports
// false, so producers unblock when consumers shut down early
func (b *Buffer) Push(items []embdomain.Item) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, it := range items {
		for len(b.items) >= b.capacity && !b.finished {
			b.notFull.Wait()
		}
		if b.finished {
			return false
		}
		b.items = append(b.items, it)
		b.notEmpty.Signal()
	}
	return true
}

// Pull removes up to max items, blocking until a full batch of max items
// is buffered or the producer finished, so slow producers do not cause
// undersized provider calls. The wait is bounded by capacity to stay
// deadlock-free when max exceeds it. A nil return means drained and
// finished; consumers exit on it
func (b *Buffer) Pull(max int) []embdomain.Item {
	b.mu.Lock()
	defer b.mu.Unlock()
	need := max
	if need > b.capacity {
		need = b.capacity
	}
	for len(b.items) < need && !b.finished {
		b.notEmpty.Wait()
	}
	if len(b.items) == 0 {
		return nil
	}
	n := max
	if n > len(b.items) {
		n = len(b.items)
	}
	out := make([]embdomain.Item, n)
	copy(out, b.items[:n])
	b.items = b.items[n:]
	b.notFull.Broadcast()
	return out
}

// Finish marks the producer done and wakes every blocked consumer
func (b *Buffer) Finish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finished = true
	b.notEmpty.Broadcast()
	b.notFull.Broadcast()
}

// Len reports the current depth, for progress lines
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}
