package recorder

import (
	"sync"

	"github.com/taskrt/tracecore/pkg/tracecore/ids"
	"github.com/taskrt/tracecore/pkg/tracecore/traceerr"
)

// PhysicalOnlyCounter implements §4.1's "physical-only mode": when the
// recorder is disabled for dependence tracking, per-op memoization only
// needs a contiguous trace_local_id counter. A gap in the observed indices
// is the "partial memoization" error.
type PhysicalOnlyCounter struct {
	mu   sync.Mutex
	seen map[uint64]bool
	next uint64
}

// NewPhysicalOnlyCounter constructs an empty counter.
func NewPhysicalOnlyCounter() *PhysicalOnlyCounter {
	return &PhysicalOnlyCounter{seen: map[uint64]bool{}}
}

// Observe records that contextIndex has been memoized. Indices must arrive
// 0..N-1 contiguously (duplicates from index-point expansion of the same
// context index are tolerated); a gap raises ErrPartialMemoization naming
// the missing index.
func (c *PhysicalOnlyCounter) Observe(id ids.TraceLocalID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := id.ContextIndex
	if c.seen[idx] {
		return nil
	}
	if idx != c.next {
		return traceerr.NewPartialMemoization(c.next, idx)
	}
	c.seen[idx] = true
	c.next++
	return nil
}

// Count returns the number of contiguous indices observed so far.
func (c *PhysicalOnlyCounter) Count() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next
}
