package template

import (
	"github.com/taskrt/tracecore/pkg/tracecore/ids"
	"github.com/taskrt/tracecore/pkg/tracecore/instr"
)

// writerIndex maps each written event slot to the index of the instruction
// that writes it. Not every instruction writes a slot (SetEffects,
// CompleteReplay, TriggerEvent do not), so this is sparse.
func (t *PhysicalTemplate) writerIndex() map[ids.EventSlot]int {
	idx := make(map[ids.EventSlot]int, len(t.instructions))
	for i, in := range t.instructions {
		if w := in.Writes(); w >= 0 {
			idx[w] = i
		}
	}
	return idx
}

// topoOrder Kahn-sorts the event-slot DAG (edges read-slot -> written-slot)
// and returns the slots in dependency order. The graph is acyclic by
// construction (a slot is only ever read after something wrote it), so every
// slot ends up in the order.
func (t *PhysicalTemplate) topoOrder() []ids.EventSlot {
	indegree := map[ids.EventSlot]int{}
	children := map[ids.EventSlot][]ids.EventSlot{}
	all := map[ids.EventSlot]bool{}

	for slot := range t.eventMap {
		all[slot] = true
	}
	for _, in := range t.instructions {
		if w := in.Writes(); w >= 0 {
			all[w] = true
		}
		for _, r := range in.Reads() {
			all[r] = true
		}
	}

	for slot := range all {
		if _, ok := indegree[slot]; !ok {
			indegree[slot] = 0
		}
	}
	for _, in := range t.instructions {
		w := in.Writes()
		if w < 0 {
			continue
		}
		for _, r := range in.Reads() {
			if r == w {
				continue
			}
			children[r] = append(children[r], w)
			indegree[w]++
		}
	}

	var queue []ids.EventSlot
	for slot := range all {
		if indegree[slot] == 0 {
			queue = append(queue, slot)
		}
	}
	// Deterministic order: sort the initial frontier and each children list by
	// slot value before walking.
	sortSlots(queue)
	for i := range children {
		sortSlots(children[i])
	}

	var order []ids.EventSlot
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)
		for _, c := range children[n] {
			indegree[c]--
			if indegree[c] == 0 {
				queue = append(queue, c)
				sortSlots(queue)
			}
		}
	}
	return order
}

func sortSlots(s []ids.EventSlot) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// reachability computes, for every slot in topo order, the set of slots
// reachable by following read->write edges forward from it (its
// descendants), via a reverse-topo-order DP.
func (t *PhysicalTemplate) reachability(order []ids.EventSlot) map[ids.EventSlot]map[ids.EventSlot]bool {
	children := map[ids.EventSlot][]ids.EventSlot{}
	for _, in := range t.instructions {
		w := in.Writes()
		if w < 0 {
			continue
		}
		for _, r := range in.Reads() {
			if r != w {
				children[r] = append(children[r], w)
			}
		}
	}

	reach := map[ids.EventSlot]map[ids.EventSlot]bool{}
	for i := len(order) - 1; i >= 0; i-- {
		n := order[i]
		set := map[ids.EventSlot]bool{}
		for _, c := range children[n] {
			set[c] = true
			for d := range reach[c] {
				set[d] = true
			}
		}
		reach[n] = set
	}
	return reach
}

// mergeInstructions returns the MergeEvent instructions, indexed by the slot
// they write.
func (t *PhysicalTemplate) mergeInstructions() map[ids.EventSlot]*instr.MergeEvent {
	out := map[ids.EventSlot]*instr.MergeEvent{}
	for _, in := range t.instructions {
		if m, ok := in.(*instr.MergeEvent); ok {
			out[m.Lhs] = m
		}
	}
	return out
}
