package sharded

import (
	"github.com/taskrt/tracecore/pkg/tracecore/events"
	"github.com/taskrt/tracecore/pkg/tracecore/ids"
	"github.com/taskrt/tracecore/pkg/tracecore/instr"
)

// RecordCollectiveBarrier implements §4.5.3: emits a BarrierArrival with
// collective=true whose barrier is filled in per-replay by an externally
// supplied value keyed by key, so that multiple shards participating in
// the same distributed barrier all name it identically.
func (t *Template) RecordCollectiveBarrier(owner ids.TraceLocalID, pre ids.EventSlot, key string, arrivals uint32, maxGenerations uint64) ids.EventSlot {
	t.mu.Lock()
	b, ok := t.collectiveBarriers[key]
	if !ok {
		b = t.Transport.NewBarrier(arrivals, maxGenerations)
		t.collectiveBarriers[key] = b
	}
	t.mu.Unlock()

	return t.RecordBarrierArrival(owner, pre, b, arrivals, true)
}

// SupplyCollectiveBarrier lets the caller bind the externally-supplied
// distributed barrier value for key before a replay begins, for the case
// where the barrier was allocated by another shard and must be imported
// rather than freshly created.
func (t *Template) SupplyCollectiveBarrier(key string, b *events.Barrier) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.collectiveBarriers[key]; ok && old != b {
		// Rebind arrivals already recorded against the previous barrier.
		for _, in := range t.Instructions() {
			if ba, ok := in.(*instr.BarrierArrival); ok && ba.Barrier == old {
				ba.Barrier = b
			}
		}
	}
	t.collectiveBarriers[key] = b
}

// CollectiveBarrier returns the barrier registered for key, if any.
func (t *Template) CollectiveBarrier(key string) (*events.Barrier, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.collectiveBarriers[key]
	return b, ok
}
