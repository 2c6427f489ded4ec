package template

import (
	"github.com/cespare/xxhash/v2"

	"github.com/taskrt/tracecore/pkg/tracecore/events"
	"github.com/taskrt/tracecore/pkg/tracecore/ids"
	"github.com/taskrt/tracecore/pkg/tracecore/instr"
)

// partitionSlices implements §4.4.3 step 7: assign every instruction to one
// of K = ReplayParallelism slices (all instructions owned by the same op
// share its slice), then materialize cross-slice relays for any operand a
// consumer reads that was produced in a different slice.
func (t *PhysicalTemplate) partitionSlices() {
	k := t.ReplayParallelism
	if k < 1 {
		k = 1
	}

	sliceOf := t.assignOpSlices(k)

	instrSlice := make([]int, len(t.instructions))
	for i, in := range t.instructions {
		instrSlice[i] = sliceOf[in.Owner().Key()]
	}

	writer := t.writerIndex()
	producerSlice := func(slot ids.EventSlot) (int, bool) {
		wi, ok := writer[slot]
		if !ok {
			return 0, false
		}
		return instrSlice[wi], true
	}

	type relayKey struct {
		producer ids.EventSlot
		consumer int
	}
	relays := map[relayKey]ids.EventSlot{}

	relayFor := func(producerSlot ids.EventSlot, fromSlice, toSlice int) ids.EventSlot {
		key := relayKey{producerSlot, toSlice}
		if existing, ok := relays[key]; ok {
			return existing
		}
		newSlot := t.newSlotUntracked(events.NoEvent)
		t.prelude = append(t.prelude, instr.NewCreateApUserEvent(ids.TraceLocalID{}, newSlot))
		trigger := instr.NewTriggerEvent(ids.TraceLocalID{}, newSlot, producerSlot)
		t.instructions = append(t.instructions, trigger)
		instrSlice = append(instrSlice, fromSlice)
		relays[key] = newSlot
		return newSlot
	}

	substitute := func(slot ids.EventSlot, consumerSlice int) ids.EventSlot {
		ps, ok := producerSlice(slot)
		if !ok || ps == consumerSlice {
			return slot
		}
		return relayFor(slot, ps, consumerSlice)
	}

	for i, in := range t.instructions {
		cs := instrSlice[i]
		switch v := in.(type) {
		case *instr.MergeEvent:
			for j, r := range v.RhsSet {
				v.RhsSet[j] = substitute(r, cs)
			}
		case *instr.IssueCopy:
			v.Precondition = substitute(v.Precondition, cs)
		case *instr.IssueFill:
			v.Precondition = substitute(v.Precondition, cs)
		case *instr.IssueAcross:
			v.CopyPre = substitute(v.CopyPre, cs)
			v.CollectivePre = substitute(v.CollectivePre, cs)
			v.SrcIndirectPre = substitute(v.SrcIndirectPre, cs)
			v.DstIndirectPre = substitute(v.DstIndirectPre, cs)
		case *instr.SetEffects:
			v.Rhs = substitute(v.Rhs, cs)
		case *instr.CompleteReplay:
			v.Rhs = substitute(v.Rhs, cs)
		case *instr.BarrierArrival:
			v.Rhs = substitute(v.Rhs, cs)
		}
	}

	t.slices = make([][]instr.Instruction, k)
	for i, in := range t.instructions {
		s := instrSlice[i]
		t.slices[s] = append(t.slices[s], in)
	}
}

// assignOpSlices implements the hash-vs-round-robin rule of §4.4.3 step 7:
// if cached mapper outputs place ops on at least K distinct processors,
// slice by xxhash(target_procs[0]) mod K; otherwise round-robin in order of
// first appearance.
func (t *PhysicalTemplate) assignOpSlices(k int) map[string]int {
	distinctProcs := map[uint64]bool{}
	for _, out := range t.cachedMappings {
		if len(out.TargetProcs) > 0 {
			distinctProcs[out.TargetProcs[0]] = true
		}
	}
	hashMode := len(distinctProcs) >= k

	sliceOf := map[string]int{}
	var order []string
	seen := map[string]bool{}
	for _, in := range t.instructions {
		key := in.Owner().Key()
		if !seen[key] {
			seen[key] = true
			order = append(order, key)
		}
	}

	if hashMode {
		for _, key := range order {
			if out, ok := t.cachedMappings[key]; ok && len(out.TargetProcs) > 0 {
				h := xxhash.Sum64String(uint64ToString(out.TargetProcs[0]))
				sliceOf[key] = int(h % uint64(k))
				continue
			}
			sliceOf[key] = 0
		}
		return sliceOf
	}

	for i, key := range order {
		sliceOf[key] = i % k
	}
	return sliceOf
}

func uint64ToString(v uint64) string {
	const digits = "0123456789"
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = digits[v%10]
		v /= 10
	}
	return string(buf[i:])
}
