package template

import (
	"testing"

	"github.com/taskrt/tracecore/pkg/tracecore/ids"
	"github.com/taskrt/tracecore/pkg/tracecore/internal/exprtest"
	"github.com/taskrt/tracecore/pkg/tracecore/internal/transporttest"
)

// TestS5TransitiveReductionPrunes is end-to-end scenario S5 (§8): edges
// 1->2, 2->3, 1->3, 1->4, 3->4, 2->4 must reduce to incoming(4)={3} and
// incoming(3)={2} — the chain-decomposition rule of §4.4.3 step 4.
func TestS5TransitiveReductionPrunes(t *testing.T) {
	forest := exprtest.NewForest()
	transport := transporttest.New()
	tmpl := New(forest, transport, 1)

	owner := ids.TraceLocalID{ContextIndex: 0}

	s1 := tmpl.newSlotUntracked(transport.CreateUserEvent())
	s2 := tmpl.recordMergeSlotsLocked(owner, []ids.EventSlot{s1})
	s3 := tmpl.recordMergeSlotsLocked(owner, []ids.EventSlot{s1, s2})
	s4 := tmpl.recordMergeSlotsLocked(owner, []ids.EventSlot{s1, s2, s3})

	reduction := tmpl.transitiveReduce()
	tmpl.applyReduction(reduction)

	merges := tmpl.mergeInstructions()
	if got := merges[s4].RhsSet; len(got) != 1 || got[0] != s3 {
		t.Fatalf("incoming(4) = %v, want [%v]", got, s3)
	}
	if got := merges[s3].RhsSet; len(got) != 1 || got[0] != s2 {
		t.Fatalf("incoming(3) = %v, want [%v]", got, s2)
	}
}
