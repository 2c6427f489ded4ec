package template

import (
	"github.com/taskrt/tracecore/pkg/tracecore/ids"
	"github.com/taskrt/tracecore/pkg/tracecore/instr"
)

// elideFences implements §4.4.3 step 2: any IssueCopy/IssueFill/IssueAcross/
// CompleteReplay precondition that is the fence slot itself, or a MergeEvent
// that directly includes the fence slot, is replaced by a fresh merge of the
// last-user events recorded for the owning instruction's views at the time
// it was recorded (instrViews, snapshotted in recordViewLocked). The
// instruction list is rebuilt so every replacement merge sits immediately
// before the instruction that reads it.
func (t *PhysicalTemplate) elideFences() {
	writer := t.writerIndex()
	rebuilt := make([]instr.Instruction, 0, len(t.instructions))
	for i, in := range t.instructions {
		switch v := in.(type) {
		case *instr.IssueCopy:
			v.Precondition = t.elideSlot(writer, i, v.Precondition, &rebuilt)
		case *instr.IssueFill:
			v.Precondition = t.elideSlot(writer, i, v.Precondition, &rebuilt)
		case *instr.IssueAcross:
			v.CopyPre = t.elideSlot(writer, i, v.CopyPre, &rebuilt)
			v.CollectivePre = t.elideSlot(writer, i, v.CollectivePre, &rebuilt)
			v.SrcIndirectPre = t.elideSlot(writer, i, v.SrcIndirectPre, &rebuilt)
			v.DstIndirectPre = t.elideSlot(writer, i, v.DstIndirectPre, &rebuilt)
		case *instr.CompleteReplay:
			v.Rhs = t.elideSlot(writer, i, v.Rhs, &rebuilt)
		}
		rebuilt = append(rebuilt, in)
	}
	t.instructions = rebuilt
}

func (t *PhysicalTemplate) touchesFence(writer map[ids.EventSlot]int, slot ids.EventSlot) bool {
	if slot == ids.FenceSlot {
		return true
	}
	wi, ok := writer[slot]
	if !ok {
		return false
	}
	m, ok := t.instructions[wi].(*instr.MergeEvent)
	if !ok {
		return false
	}
	for _, r := range m.RhsSet {
		if r == ids.FenceSlot {
			return true
		}
	}
	return false
}

func (t *PhysicalTemplate) elideSlot(writer map[ids.EventSlot]int, instrIdx int, slot ids.EventSlot, rebuilt *[]instr.Instruction) ids.EventSlot {
	if !t.touchesFence(writer, slot) {
		return slot
	}

	seen := map[ids.EventSlot]bool{}
	var priors []ids.EventSlot
	for _, ref := range t.instrViews[instrIdx] {
		for _, p := range ref.PriorSlots {
			if !seen[p] {
				seen[p] = true
				priors = append(priors, p)
			}
		}
	}
	if len(priors) == 0 {
		return slot
	}

	owner := t.instructions[instrIdx].Owner()
	lhs := t.newSlotUntracked(t.Transport.Merge())
	*rebuilt = append(*rebuilt, instr.NewMergeEvent(owner, lhs, priors))
	return lhs
}
