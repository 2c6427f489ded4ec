package recorder_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/taskrt/tracecore/pkg/tracecore/events"
	"github.com/taskrt/tracecore/pkg/tracecore/external"
	"github.com/taskrt/tracecore/pkg/tracecore/fields"
	"github.com/taskrt/tracecore/pkg/tracecore/ids"
	"github.com/taskrt/tracecore/pkg/tracecore/internal/optest"
	"github.com/taskrt/tracecore/pkg/tracecore/recorder"
	"github.com/taskrt/tracecore/pkg/tracecore/traceerr"
)

type fakeParent struct {
	plainDeps  []struct{ op, prev ids.TraceLocalID }
	regionDeps []struct{ op, prev ids.TraceLocalID }
}

func (p *fakeParent) RegisterDependence(op, previous ids.TraceLocalID, validates bool) {
	p.plainDeps = append(p.plainDeps, struct{ op, prev ids.TraceLocalID }{op, previous})
}

func (p *fakeParent) RegisterRegionDependence(op, previous ids.TraceLocalID, reqIndex, prevReqIndex int, mask fields.Mask) {
	p.regionDeps = append(p.regionDeps, struct{ op, prev ids.TraceLocalID }{op, previous})
}

func (p *fakeParent) FenceCompletion() events.Handle { return events.NoEvent }
func (p *fakeParent) EquivalenceSetsFor(_ external.Expr, _ fields.Mask) []external.EquivalenceSet {
	return nil
}
func (p *fakeParent) CreateSummaryOperation() external.Operation { return nil }
func (p *fakeParent) NextUniqueID() uint64                       { return 0 }

func op(idx uint64, kind external.OpKind) *optest.Op {
	o := optest.New(ids.TraceLocalID{ContextIndex: idx}, events.NoEvent, events.NoEvent)
	o.Kind = kind
	return o
}

func TestDynamicRecordAndVerifySucceeds(t *testing.T) {
	parent := &fakeParent{}
	d := recorder.NewDynamic(parent, recorder.ModeDependenceTracking)

	require.NoError(t, d.RecordOperation(op(0, external.OpKindTask), nil))
	require.NoError(t, d.RecordOperation(op(1, external.OpKindCopy), []recorder.DependenceRecord{
		{PrevIdx: 0, ReqIndex: -1, PrevReqIndex: -1, Kind: recorder.TrueDependence, Validates: true},
	}))
	require.Equal(t, 2, d.Len())

	d.BeginVerifying()
	require.NoError(t, d.RecordOperation(op(0, external.OpKindTask), nil))
	require.NoError(t, d.RecordOperation(op(1, external.OpKindCopy), nil))
	require.Len(t, parent.plainDeps, 1)
	require.True(t, parent.plainDeps[0].op.Equal(ids.TraceLocalID{ContextIndex: 1}))
	require.True(t, parent.plainDeps[0].prev.Equal(ids.TraceLocalID{ContextIndex: 0}))
}

func TestDynamicVerifyDetectsStructuralMismatch(t *testing.T) {
	parent := &fakeParent{}
	d := recorder.NewDynamic(parent, recorder.ModeDependenceTracking)
	require.NoError(t, d.RecordOperation(op(0, external.OpKindTask), nil))

	d.BeginVerifying()
	err := d.RecordOperation(op(0, external.OpKindCopy), nil)
	require.Error(t, err)
	require.ErrorIs(t, err, traceerr.ErrTraceStructureViolation)
}

func TestDependenceMergeOnInsertDeduplicates(t *testing.T) {
	parent := &fakeParent{}
	d := recorder.NewDynamic(parent, recorder.ModeDependenceTracking)
	require.NoError(t, d.RecordOperation(op(0, external.OpKindTask), nil))

	require.NoError(t, d.RecordOperation(op(1, external.OpKindCopy), []recorder.DependenceRecord{
		{PrevIdx: 0, ReqIndex: 0, PrevReqIndex: 0, Kind: recorder.NoDependence},
		{PrevIdx: 0, ReqIndex: 0, PrevReqIndex: 0, Kind: recorder.TrueDependence},
	}))

	deps := d.DependencesFor(1)
	require.Len(t, deps, 1)
	require.Equal(t, recorder.TrueDependence, deps[0].Kind)
}

func TestPhysicalOnlyCounterDetectsGap(t *testing.T) {
	c := recorder.NewPhysicalOnlyCounter()
	require.NoError(t, c.Observe(ids.TraceLocalID{ContextIndex: 0}))
	require.NoError(t, c.Observe(ids.TraceLocalID{ContextIndex: 1}))
	err := c.Observe(ids.TraceLocalID{ContextIndex: 3})
	require.Error(t, err)
	require.ErrorIs(t, err, traceerr.ErrPartialMemoization)
}

func TestStaticMaterializeResolvesOffsetsAndDeduplicates(t *testing.T) {
	s := recorder.NewStatic(map[int][]recorder.StaticDependence{
		1: {
			{PreviousOffset: 1, CurrentReqIndex: 0, PreviousReqIndex: 0, Kind: recorder.NoDependence},
			{PreviousOffset: 1, CurrentReqIndex: 0, PreviousReqIndex: 0, Kind: recorder.TrueDependence, DependentFields: []int{2}},
		},
	}, 2)

	recs := s.Materialize(1)
	require.Len(t, recs, 1)
	require.Equal(t, 0, recs[0].PrevIdx)
	require.Equal(t, recorder.TrueDependence, recs[0].Kind)
	require.True(t, recs[0].FieldMask.Contains(fields.Of(2)))
}
