package template

import (
	"github.com/taskrt/tracecore/pkg/tracecore/ids"
	"github.com/taskrt/tracecore/pkg/tracecore/instr"
)

// reductionResult is the output of transitiveReduce: the reduced
// incoming-edge set for every MergeEvent. Finalize applies it at once;
// Reoptimize computes it in a meta-task that holds the template lock and
// stores it to be applied at the start of the next replay (§4.4.3 step 4,
// §4.4.4 step 1).
type reductionResult struct {
	reduced map[ids.EventSlot][]ids.EventSlot
}

// transitiveReduce builds the event-slot DAG, topologically sorts it with a
// Kahn queue, and for each node keeps only the incoming edges not implied by
// another retained edge of the same node — the chain-decomposition rule of
// §4.4.3 step 4 phrased as a reachability test: an edge u->w is dropped when
// some other predecessor v of w is itself reachable from u, since the path
// u ~> v -> w already implies u precedes w.
func (t *PhysicalTemplate) transitiveReduce() *reductionResult {
	order := t.topoOrder()
	reach := t.reachability(order)
	merges := t.mergeInstructions()

	reduced := make(map[ids.EventSlot][]ids.EventSlot, len(merges))
	for w, m := range merges {
		preds := m.RhsSet
		var kept []ids.EventSlot
		for _, u := range preds {
			redundant := false
			for _, v := range preds {
				if v == u {
					continue
				}
				if reach[u][v] {
					redundant = true
					break
				}
			}
			if !redundant {
				kept = append(kept, u)
			}
		}
		reduced[w] = kept
	}
	return &reductionResult{reduced: reduced}
}

// applyReduction substitutes the reduced incoming sets into each MergeEvent
// and removes any TriggerEvent whose target slot no longer appears in a
// merge's operand set.
func (t *PhysicalTemplate) applyReduction(r *reductionResult) {
	if r == nil {
		return
	}
	merges := t.mergeInstructions()
	for w, kept := range r.reduced {
		if m, ok := merges[w]; ok {
			m.RhsSet = kept
		}
	}
	t.pruneDeadTriggers()
}

// pruneDeadTriggers drops TriggerEvent instructions whose triggered slot is
// not read by any remaining MergeEvent, implementing the "remove crossing
// TriggerEvents whose merge user disappears" clause of §4.4.3 step 4.
func (t *PhysicalTemplate) pruneDeadTriggers() {
	referenced := map[ids.EventSlot]bool{}
	for _, in := range t.instructions {
		if m, ok := in.(*instr.MergeEvent); ok {
			for _, r := range m.RhsSet {
				referenced[r] = true
			}
		}
	}

	var out []instr.Instruction
	for _, in := range t.instructions {
		if tg, ok := in.(*instr.TriggerEvent); ok {
			if !referenced[tg.Lhs] {
				continue
			}
		}
		out = append(out, in)
	}
	t.instructions = out
}

// collapseSingleInputMerges implements §4.4.3 step 5: any MergeEvent whose
// reduced operand set has exactly one member is an alias, not a real merge;
// references to its Lhs are substituted with that one operand throughout the
// remaining instructions, and the MergeEvent itself is dropped.
func (t *PhysicalTemplate) collapseSingleInputMerges() {
	changed := true
	for changed {
		changed = false
		alias := map[ids.EventSlot]ids.EventSlot{}
		var kept []instr.Instruction
		for _, in := range t.instructions {
			if m, ok := in.(*instr.MergeEvent); ok && len(m.RhsSet) == 1 {
				alias[m.Lhs] = m.RhsSet[0]
				changed = true
				continue
			}
			kept = append(kept, in)
		}
		if !changed {
			break
		}
		t.instructions = kept
		t.substituteSlots(alias)
	}
}

// substituteSlots rewrites every instruction's slot-valued fields through
// alias, following chains (alias may itself point through another alias).
func (t *PhysicalTemplate) substituteSlots(alias map[ids.EventSlot]ids.EventSlot) {
	resolve := func(s ids.EventSlot) ids.EventSlot {
		seen := map[ids.EventSlot]bool{}
		for {
			next, ok := alias[s]
			if !ok || seen[s] {
				return s
			}
			seen[s] = true
			s = next
		}
	}

	for _, in := range t.instructions {
		switch v := in.(type) {
		case *instr.TriggerEvent:
			v.Lhs = resolve(v.Lhs)
			v.Rhs = resolve(v.Rhs)
		case *instr.MergeEvent:
			for i, r := range v.RhsSet {
				v.RhsSet[i] = resolve(r)
			}
		case *instr.IssueCopy:
			v.Precondition = resolve(v.Precondition)
		case *instr.IssueFill:
			v.Precondition = resolve(v.Precondition)
		case *instr.IssueAcross:
			v.CopyPre = resolve(v.CopyPre)
			v.CollectivePre = resolve(v.CollectivePre)
			v.SrcIndirectPre = resolve(v.SrcIndirectPre)
			v.DstIndirectPre = resolve(v.DstIndirectPre)
		case *instr.SetEffects:
			v.Rhs = resolve(v.Rhs)
		case *instr.CompleteReplay:
			v.Rhs = resolve(v.Rhs)
		case *instr.BarrierArrival:
			v.Rhs = resolve(v.Rhs)
		}
	}

	for slot, target := range t.frontiers {
		t.frontiers[slot] = resolve(target)
	}
}
