package template

import (
	"testing"

	"github.com/taskrt/tracecore/pkg/tracecore/external"
	"github.com/taskrt/tracecore/pkg/tracecore/fields"
	"github.com/taskrt/tracecore/pkg/tracecore/ids"
	"github.com/taskrt/tracecore/pkg/tracecore/instr"
	"github.com/taskrt/tracecore/pkg/tracecore/internal/exprtest"
	"github.com/taskrt/tracecore/pkg/tracecore/internal/optest"
	"github.com/taskrt/tracecore/pkg/tracecore/internal/transporttest"
)

// TestS1FenceElisionCollapsesChain is end-to-end scenario S1 (§8): a copy
// whose precondition is the fence slot has that edge replaced by the last
// writer of the view it reads, and a resulting single-input merge collapses
// to a direct slot reference rather than surviving as a MergeEvent.
func TestS1FenceElisionCollapsesChain(t *testing.T) {
	forest := exprtest.NewForest()
	transport := transporttest.New()
	tmpl := New(forest, transport, 1)

	opA := optest.New(ids.TraceLocalID{ContextIndex: 0}, transport.CreateUserEvent(), transport.CreateUserEvent())
	opB := optest.New(ids.TraceLocalID{ContextIndex: 1}, transport.CreateUserEvent(), transport.CreateUserEvent())
	issuer := &optest.CopyIssuer{Source: transport.CreateUserEvent}

	view := external.ViewID("v0")
	expr := exprtest.New("r", exprtest.Interval{Lo: 0, Hi: 10})
	mask := fields.Of(0)

	tmpl.RecordGetTermEvent(opA)
	tmpl.RecordSetOpSyncEvent(opA)

	slotA := tmpl.RecordIssueCopy(opA.ID, expr, nil, nil, ids.FenceSlot, issuer)
	idxA := len(tmpl.Instructions()) - 1
	tmpl.RecordOpView(idxA, view, external.UsageReadWrite, expr, mask, opA.ID, 0, 0)

	tmpl.RecordGetTermEvent(opB)

	tmpl.RecordIssueCopy(opB.ID, expr, nil, nil, ids.FenceSlot, issuer)
	idxB := len(tmpl.Instructions()) - 1
	tmpl.RecordOpView(idxB, view, external.UsageReadOnly, expr, mask, opB.ID, 0, 0)

	tmpl.elideFences()
	tmpl.propagateMerges(true)
	reduction := tmpl.transitiveReduce()
	tmpl.applyReduction(reduction)
	tmpl.collapseSingleInputMerges()

	copyB, ok := tmpl.Instructions()[idxB].(*instr.IssueCopy)
	if !ok {
		t.Fatalf("instruction at %d is not an IssueCopy", idxB)
	}
	if copyB.Precondition != slotA {
		t.Fatalf("B's precondition = %v, want direct reference to A's copy slot %v", copyB.Precondition, slotA)
	}
	if copyB.Precondition == ids.FenceSlot {
		t.Fatalf("B's precondition still reads the fence slot")
	}
}
