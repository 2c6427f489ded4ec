package template

import (
	"github.com/taskrt/tracecore/pkg/tracecore/ids"
	"github.com/taskrt/tracecore/pkg/tracecore/instr"
)

// propagateMerges implements §4.4.3 step 3: flatten chains of MergeEvent
// feeding MergeEvent, and drop the fence slot from any operand set if fence
// elision already ran (the fence is no longer a real dependence once its
// edges have been replaced).
func (t *PhysicalTemplate) propagateMerges(fenceElided bool) {
	writer := t.writerIndex()

	for _, in := range t.instructions {
		m, ok := in.(*instr.MergeEvent)
		if !ok {
			continue
		}
		m.RhsSet = t.flattenOperands(writer, m.RhsSet, fenceElided)
	}
}

func (t *PhysicalTemplate) flattenOperands(writer map[ids.EventSlot]int, rhs []ids.EventSlot, fenceElided bool) []ids.EventSlot {
	seen := map[ids.EventSlot]bool{}
	var flat []ids.EventSlot

	var walk func(slot ids.EventSlot)
	walk = func(slot ids.EventSlot) {
		if fenceElided && slot == ids.FenceSlot {
			return
		}
		if wi, ok := writer[slot]; ok {
			if nested, ok := t.instructions[wi].(*instr.MergeEvent); ok {
				for _, r := range nested.RhsSet {
					walk(r)
				}
				return
			}
		}
		if !seen[slot] {
			seen[slot] = true
			flat = append(flat, slot)
		}
	}

	for _, r := range rhs {
		walk(r)
	}
	return flat
}
