package template

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/taskrt/tracecore/pkg/tracecore/events"
	"github.com/taskrt/tracecore/pkg/tracecore/ids"
	"github.com/taskrt/tracecore/pkg/tracecore/instr"
)

type pendingReplay struct {
	completion events.Handle
	recurrent  bool
}

// InitializeReplay queues (completion, recurrent) for the next PerformReplay
// call (§4.4.4).
func (t *PhysicalTemplate) InitializeReplay(completion events.Handle, recurrent bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = append(t.pending, pendingReplay{completion, recurrent})
}

// PerformReplay runs one queued replay: it applies any pending deferred
// reduction, seeds the fence and frontier slots, freshly allocates the
// cross-slice relay events (the template's prelude), and dispatches every
// slice to its own goroutine, bounded at ReplayParallelism workers by
// construction (one goroutine per slice, and len(slices) == ReplayParallelism).
//
// Barrier-generation refresh at MAX_PHASES (invariant 6) is handled by the
// sharded variant's cross-shard refresh protocol (§4.5.2); a non-sharded
// template advances its barriers' local generation counters here but has no
// peer to notify.
func (t *PhysicalTemplate) PerformReplay(ctx context.Context) error {
	t.mu.Lock()
	if len(t.pending) == 0 {
		t.mu.Unlock()
		return fmt.Errorf("template: PerformReplay called with no queued replay")
	}
	next := t.pending[0]
	t.pending = t.pending[1:]

	if t.deferredReduction != nil {
		t.applyReduction(t.deferredReduction)
		t.collapseSingleInputMerges()
		t.deferredReduction = nil
	}

	var fenceCompletion events.Handle
	if next.recurrent {
		fenceCompletion = events.NoEvent
		for dst, src := range t.frontiers {
			t.events[dst] = t.events[src]
		}
	} else {
		fenceCompletion = next.completion
		for dst := range t.frontiers {
			t.events[dst] = next.completion
		}
	}
	t.events[ids.FenceSlot] = fenceCompletion

	rs := &instr.ReplayState{
		Events:          t.events,
		Transport:       t.Transport,
		Operations:      t.operations,
		Recurrent:       next.recurrent,
		FenceCompletion: fenceCompletion,
	}

	for _, in := range t.prelude {
		if err := in.Replay(ctx, rs); err != nil {
			t.mu.Unlock()
			return fmt.Errorf("template: prelude replay failed: %w", err)
		}
	}

	slices := t.slices
	t.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, slice := range slices {
		slice := slice
		g.Go(func() error {
			for _, in := range slice {
				if err := in.Replay(gctx, rs); err != nil {
					return fmt.Errorf("template: slice replay failed: %w", err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	t.mu.Lock()
	t.replayCount++
	t.mu.Unlock()
	return nil
}

// FinishReplay collects postconditions for the enclosing parent task to
// depend on: the event slot of every ViewUser across every view_users
// entry, plus the last-fence slot (§4.4.4).
func (t *PhysicalTemplate) FinishReplay() []events.Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []events.Handle
	seen := map[ids.EventSlot]bool{}
	for _, users := range t.viewUsers {
		for _, u := range users {
			if u.UserSlot < 0 || seen[u.UserSlot] {
				continue
			}
			seen[u.UserSlot] = true
			if int(u.UserSlot) < len(t.events) {
				out = append(out, t.events[u.UserSlot])
			}
		}
	}
	out = append(out, t.events[ids.FenceSlot])
	return out
}
