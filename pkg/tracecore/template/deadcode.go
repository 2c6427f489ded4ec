package template

import "github.com/taskrt/tracecore/pkg/tracecore/instr"

// eliminateDeadCode implements §4.4.3 step 6: GetTermEvent and
// SetOpSyncEvent instructions are live only if some other instruction still
// reads the slot they write; everything else (copies, fills, barriers,
// effects, replay completion) is kept unconditionally since it has
// observable side effects beyond its written slot.
func (t *PhysicalTemplate) eliminateDeadCode() {
	readSlots := map[int]bool{}
	for _, in := range t.instructions {
		for _, r := range in.Reads() {
			readSlots[int(r)] = true
		}
	}

	var out []instr.Instruction
	for _, in := range t.instructions {
		switch v := in.(type) {
		case *instr.GetTermEvent:
			if !readSlots[int(v.Lhs)] {
				continue
			}
		case *instr.SetOpSyncEvent:
			if !readSlots[int(v.Lhs)] {
				continue
			}
		}
		out = append(out, in)
	}
	t.instructions = out
}
