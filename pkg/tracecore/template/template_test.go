package template_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/taskrt/tracecore/pkg/tracecore/condset"
	"github.com/taskrt/tracecore/pkg/tracecore/events"
	"github.com/taskrt/tracecore/pkg/tracecore/external"
	"github.com/taskrt/tracecore/pkg/tracecore/fields"
	"github.com/taskrt/tracecore/pkg/tracecore/ids"
	"github.com/taskrt/tracecore/pkg/tracecore/internal/exprtest"
	"github.com/taskrt/tracecore/pkg/tracecore/internal/optest"
	"github.com/taskrt/tracecore/pkg/tracecore/internal/transporttest"
	"github.com/taskrt/tracecore/pkg/tracecore/template"
)

func TestNewReservesFenceSlot(t *testing.T) {
	forest := exprtest.NewForest()
	transport := transporttest.New()
	tmpl := template.New(forest, transport, 2)

	require.Equal(t, 1, tmpl.Slots())
	require.Len(t, tmpl.Instructions(), 1)
}

func TestRecordGetTermEventDeduplicatesBySlot(t *testing.T) {
	forest := exprtest.NewForest()
	transport := transporttest.New()
	tmpl := template.New(forest, transport, 1)

	op := optest.New(ids.TraceLocalID{ContextIndex: 0}, transport.CreateUserEvent(), events.NoEvent)
	first := tmpl.RecordGetTermEvent(op)
	second := tmpl.RecordGetTermEvent(op)

	require.Equal(t, first, second)
	require.Len(t, tmpl.Instructions(), 2)
}

func TestRecordMergeEventsAllocatesFreshSlotForExternalHandle(t *testing.T) {
	forest := exprtest.NewForest()
	transport := transporttest.New()
	tmpl := template.New(forest, transport, 1)

	owner := ids.TraceLocalID{ContextIndex: 0}
	slot := tmpl.RecordMergeEvents(owner, transport.CreateUserEvent(), transport.CreateUserEvent())

	require.Greater(t, int(slot), 0)
	require.Len(t, tmpl.Instructions(), 2)
}

func TestFinalizeRejectsEmptyRecording(t *testing.T) {
	forest := exprtest.NewForest()
	transport := transporttest.New()
	tmpl := template.New(forest, transport, 1)

	result := tmpl.Finalize(context.Background())
	require.False(t, result.OK)
	require.Equal(t, "empty recording", result.Reason)
	require.Equal(t, result, tmpl.Replayable())
}

func TestFinalizeRejectsBlockingCall(t *testing.T) {
	forest := exprtest.NewForest()
	transport := transporttest.New()
	tmpl := template.New(forest, transport, 1)

	op := optest.New(ids.TraceLocalID{ContextIndex: 0}, transport.CreateUserEvent(), events.NoEvent)
	tmpl.RecordGetTermEvent(op)
	tmpl.MarkBlockingCallObserved()

	result := tmpl.Finalize(context.Background())
	require.False(t, result.OK)
	require.Equal(t, "blocking call", result.Reason)
	require.Zero(t, tmpl.SlicesCount())
}

func TestFinalizeIsIdempotent(t *testing.T) {
	forest := exprtest.NewForest()
	transport := transporttest.New()
	tmpl := template.New(forest, transport, 1)

	op := optest.New(ids.TraceLocalID{ContextIndex: 0}, transport.CreateUserEvent(), events.NoEvent)
	tmpl.RecordGetTermEvent(op)

	first := tmpl.Finalize(context.Background())
	second := tmpl.Finalize(context.Background())
	require.Equal(t, first, second)
}

func TestFinalizeChecksRegisteredConditionSets(t *testing.T) {
	forest := exprtest.NewForest()
	transport := transporttest.New()
	tmpl := template.New(forest, transport, 1)

	op := optest.New(ids.TraceLocalID{ContextIndex: 0}, transport.CreateUserEvent(), events.NoEvent)
	tmpl.RecordGetTermEvent(op)

	root := exprtest.New("root", exprtest.Interval{Lo: 0, Hi: 10})
	cs := condset.New(ids.TraceLocalID{ContextIndex: 0}, root)
	tmpl.AddConditionSet(cs)

	result := tmpl.Finalize(context.Background())
	require.True(t, result.OK)
	require.Len(t, tmpl.Conditions(), 1)
}

func TestViewUserConflictFilterDropsSupersededEntry(t *testing.T) {
	forest := exprtest.NewForest()
	transport := transporttest.New()
	tmpl := template.New(forest, transport, 1)

	owner := ids.TraceLocalID{ContextIndex: 0}
	op := optest.New(owner, transport.CreateUserEvent(), events.NoEvent)
	tmpl.RecordGetTermEvent(op)

	view := external.ViewID("v0")
	expr := exprtest.New("r", exprtest.Interval{Lo: 0, Hi: 10})
	mask := fields.Of(0)

	tmpl.RecordOpView(1, view, external.UsageReadWrite, expr, mask, owner, 0, 0)
	tmpl.RecordOpView(1, view, external.UsageReadWrite, expr, mask, owner, 0, 0)

	users := tmpl.ViewUsers()[view]
	require.Len(t, users, 1)
}

func TestReplayCycleRunsPreludeAndSlicesAndAdvancesReplayCount(t *testing.T) {
	forest := exprtest.NewForest()
	transport := transporttest.New()
	tmpl := template.New(forest, transport, 2)

	owner := ids.TraceLocalID{ContextIndex: 0}
	op := optest.New(owner, transport.CreateUserEvent(), events.NoEvent)
	tmpl.RecordGetTermEvent(op)
	tmpl.RecordSetEffects(owner, ids.FenceSlot)

	result := tmpl.Finalize(context.Background())
	require.True(t, result.OK)

	completion := transport.CreateUserEvent()
	tmpl.InitializeReplay(completion, false)
	require.NoError(t, tmpl.PerformReplay(context.Background()))

	post := tmpl.FinishReplay()
	require.NotEmpty(t, post)
	require.Equal(t, completion, post[len(post)-1])
}

func TestSlotSingletonWriters(t *testing.T) {
	forest := exprtest.NewForest()
	transport := transporttest.New()
	tmpl := template.New(forest, transport, 1)

	opA := optest.New(ids.TraceLocalID{ContextIndex: 0}, transport.CreateUserEvent(), transport.CreateUserEvent())
	opB := optest.New(ids.TraceLocalID{ContextIndex: 1}, transport.CreateUserEvent(), transport.CreateUserEvent())
	issuer := &optest.CopyIssuer{Source: transport.CreateUserEvent}
	expr := exprtest.New("r", exprtest.Interval{Lo: 0, Hi: 10})

	tmpl.RecordGetTermEvent(opA)
	tmpl.RecordSetOpSyncEvent(opA)
	slotCopy := tmpl.RecordIssueCopy(opA.ID, expr, nil, nil, ids.FenceSlot, issuer)
	tmpl.RecordGetTermEvent(opB)
	tmpl.RecordMergeEvents(opB.ID, opA.Completion, opB.Completion)
	tmpl.RecordSetEffects(opB.ID, slotCopy)

	writers := map[ids.EventSlot]int{}
	for _, in := range tmpl.Instructions() {
		if w := in.Writes(); w >= 0 {
			writers[w]++
		}
	}
	for slot, n := range writers {
		require.Equal(t, 1, n, "slot %d written by %d instructions", slot, n)
	}
}

func TestRecurrentReplayIsStructurallyDeterministic(t *testing.T) {
	forest := exprtest.NewForest()
	transport := transporttest.New()
	tmpl := template.New(forest, transport, 1)

	owner := ids.TraceLocalID{ContextIndex: 0}
	op := optest.New(owner, transport.CreateUserEvent(), events.NoEvent)
	tmpl.RecordGetTermEvent(op)
	tmpl.RecordSetEffects(owner, ids.FenceSlot)
	require.True(t, tmpl.Finalize(context.Background()).OK)

	tmpl.InitializeReplay(transport.CreateUserEvent(), false)
	require.NoError(t, tmpl.PerformReplay(context.Background()))
	first := tmpl.FinishReplay()

	tmpl.InitializeReplay(events.NoEvent, true)
	require.NoError(t, tmpl.PerformReplay(context.Background()))
	second := tmpl.FinishReplay()

	tmpl.InitializeReplay(events.NoEvent, true)
	require.NoError(t, tmpl.PerformReplay(context.Background()))
	third := tmpl.FinishReplay()

	require.Len(t, second, len(first))
	require.Len(t, third, len(second))
}

func TestPerformReplayFailsWithoutQueuedReplay(t *testing.T) {
	forest := exprtest.NewForest()
	transport := transporttest.New()
	tmpl := template.New(forest, transport, 1)

	op := optest.New(ids.TraceLocalID{ContextIndex: 0}, transport.CreateUserEvent(), events.NoEvent)
	tmpl.RecordGetTermEvent(op)
	require.True(t, tmpl.Finalize(context.Background()).OK)

	err := tmpl.PerformReplay(context.Background())
	require.Error(t, err)
}
