package template

import (
	"context"
	"fmt"

	"github.com/taskrt/tracecore/pkg/tracecore/instr"
)

// Finalize implements §4.4.3: it evaluates replayability, then (only if
// replayable) runs the optimization pipeline in order. A non-replayable
// template is kept as a diagnostic only — its recorded instructions are left
// untouched so Replayable().Reason stays meaningful.
//
// The transitive-reduction step is documented (§4.4.3 step 4) as eligible
// for background deferral; this package computes it synchronously inside
// Finalize for determinism, but still exposes Reoptimize to recompute it via
// Transport.LaunchMetaTask and apply it lazily at the next PerformReplay,
// for callers that want the background path.
func (t *PhysicalTemplate) Finalize(ctx context.Context) Replayable {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.finalized {
		return t.replayable
	}
	t.finalized = true

	if t.blockingCall {
		t.replayable = Replayable{OK: false, Reason: "blocking call"}
		return t.replayable
	}
	if t.virtualMapping {
		t.replayable = Replayable{OK: false, Reason: "virtual mapping"}
		return t.replayable
	}

	// recording_size guard (EXPANSION, supplemented from original_source):
	// refuse to mark a template with nothing recorded as replayable.
	if len(t.instructions) <= 1 {
		t.replayable = Replayable{OK: false, Reason: "empty recording"}
		return t.replayable
	}

	for _, cs := range t.conditions {
		ok, reason := cs.IsReplayable(t.Forest)
		if !ok {
			t.replayable = Replayable{OK: false, Reason: reason}
			return t.replayable
		}
	}

	t.elideFences()
	t.propagateMerges(true)

	reduction := t.transitiveReduce()
	t.applyReduction(reduction)
	t.collapseSingleInputMerges()

	t.eliminateDeadCode()
	t.partitionSlices()
	t.pushCompleteReplaysLast()
	t.markImmutableIndirections()

	t.replayable = Replayable{OK: true}
	return t.replayable
}

// Reoptimize recomputes the transitive-reduction pass in a meta-task
// launched via Transport.LaunchMetaTask, holding the template lock while it
// runs, and stores the result to be applied at the start of the next replay
// (§4.4.3 step 4, §4.4.4 step 1).
func (t *PhysicalTemplate) Reoptimize(ctx context.Context) <-chan error {
	return t.Transport.LaunchMetaTask(ctx, func(ctx context.Context) error {
		t.mu.Lock()
		defer t.mu.Unlock()
		if !t.replayable.OK {
			return fmt.Errorf("template: cannot reoptimize a non-replayable template")
		}
		t.deferredReduction = t.transitiveReduce()
		return nil
	})
}

// pushCompleteReplaysLast implements §4.4.3 step 8: within each slice, move
// every CompleteReplay instruction to the end, preserving relative order
// both among themselves and among what remains.
func (t *PhysicalTemplate) pushCompleteReplaysLast() {
	for i, slice := range t.slices {
		var rest, completions []instr.Instruction
		for _, in := range slice {
			if _, ok := in.(*instr.CompleteReplay); ok {
				completions = append(completions, in)
			} else {
				rest = append(rest, in)
			}
		}
		t.slices[i] = append(rest, completions...)
	}
}
