package sharded

import (
	"context"
	"fmt"

	"github.com/taskrt/tracecore/pkg/tracecore/events"
	"github.com/taskrt/tracecore/pkg/tracecore/external"
	"github.com/taskrt/tracecore/pkg/tracecore/ids"
	"github.com/taskrt/tracecore/pkg/tracecore/tracelog"
)

// frontierRefreshRequest is the wire payload for MsgFrontierBarrierRefresh
// (§4.5.2): the owner tells every subscribed shard that a barrier has been
// replaced.
type frontierRefreshRequest struct {
	OldID          events.ID
	NewID          events.ID
	ArrivalCount   uint32
	MaxGenerations uint64
}

// PerReplayArrive arrives every local frontier barrier with the
// replay-local precondition event (the value this shard computed for that
// slot this replay), publishing it for remote subscribers, and advances
// remote-imported barriers on this shard's side so the next replay reads
// the new generation (§4.5.2 "arrivals trigger local_frontiers; advances
// are performed on both ends").
func (t *Template) PerReplayArrive(ctx context.Context) error {
	t.mu.Lock()
	locals := make(map[ids.EventSlot]*events.Barrier, len(t.localFrontiers))
	for slot, b := range t.localFrontiers {
		locals[slot] = b
	}
	remotes := append([]remoteFrontier(nil), t.remoteFrontiers...)
	t.mu.Unlock()

	for slot, b := range locals {
		if b.AtMaxGeneration() {
			if err := t.refreshOwnedBarrier(ctx, slot, b); err != nil {
				return err
			}
		}
		pre := t.EventAt(slot)
		t.Transport.BarrierArrival(b, 1, pre, false)
	}
	for _, rf := range remotes {
		t.Transport.BarrierAdvance(rf.barrier)
	}
	return nil
}

// refreshOwnedBarrier implements the owner side of §4.5.2's MAX_PHASES
// refresh: destroy the barrier, create a fresh one, and notify every
// subscribed shard via FRONTIER_BARRIER_REFRESH before replay proceeds.
func (t *Template) refreshOwnedBarrier(ctx context.Context, slot ids.EventSlot, old *events.Barrier) error {
	oldID := old.ID()
	fresh := t.Transport.NewBarrier(old.ArrivalCount(), old.MaxGenerations())
	old.Refresh(fresh.ID())

	t.mu.Lock()
	subs := make([]ids.ShardID, 0, len(t.localSubscriptions[slot]))
	for s := range t.localSubscriptions[slot] {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	req := frontierRefreshRequest{OldID: oldID, NewID: old.ID(), ArrivalCount: old.ArrivalCount(), MaxGenerations: old.MaxGenerations()}
	for _, s := range subs {
		if _, err := t.Transport.Send(ctx, s, external.MsgFrontierBarrierRefresh, req); err != nil {
			return fmt.Errorf("sharded: frontier refresh notify to shard %d failed: %w", s, err)
		}
	}
	tracelog.Info("msg", "sharded: frontier barrier refreshed", "slot", int(slot), "subscribers", len(subs))
	return nil
}

// RemoteFrontierBarrierIDs reports the identities of the barriers imported
// from other shards, for tests and status reporting.
func (t *Template) RemoteFrontierBarrierIDs() []events.ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]events.ID, 0, len(t.remoteFrontiers))
	for _, rf := range t.remoteFrontiers {
		out = append(out, rf.barrier.ID())
	}
	return out
}

// applyFrontierRefresh is the listener side of §4.5.2: replace the local
// copy of a remote-imported barrier's identity once the owner has
// refreshed it. Replay blocks until all subscribed refreshes have been
// applied, which in this synchronous Send model is automatic (the owner's
// refresh call does not return until every Send completes).
func (t *Template) applyFrontierRefresh(req frontierRefreshRequest) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rf := range t.remoteFrontiers {
		if rf.barrier.ID() == req.OldID {
			rf.barrier.Refresh(req.NewID)
		}
	}
}
