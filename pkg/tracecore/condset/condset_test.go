package condset_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/taskrt/tracecore/pkg/tracecore/condset"
	"github.com/taskrt/tracecore/pkg/tracecore/external"
	"github.com/taskrt/tracecore/pkg/tracecore/fields"
	"github.com/taskrt/tracecore/pkg/tracecore/ids"
	"github.com/taskrt/tracecore/pkg/tracecore/internal/exprtest"
)

var errBoom = errors.New("boom")

const viewV external.ViewID = "V"

type fakeEqSet struct {
	triples []external.ViewSetTriple

	invalidCalls    int
	antivalidCalls  int
	overwriteCalls  int
	failInvalid     bool
	failAntivalid   bool
	subscribed      fields.Mask
	cancelled       bool
}

func (f *fakeEqSet) EmitViewSets(_ context.Context, _ external.Expr, _ fields.Mask) <-chan external.ViewSetTriple {
	ch := make(chan external.ViewSetTriple, len(f.triples))
	for _, t := range f.triples {
		ch <- t
	}
	close(ch)
	return ch
}

func (f *fakeEqSet) InvalidInstAnalysis(context.Context, external.ViewID, external.Expr, fields.Mask) error {
	f.invalidCalls++
	if f.failInvalid {
		return errBoom
	}
	return nil
}

func (f *fakeEqSet) AntivalidInstAnalysis(context.Context, external.ViewID, external.Expr, fields.Mask) error {
	f.antivalidCalls++
	if f.failAntivalid {
		return errBoom
	}
	return nil
}

func (f *fakeEqSet) OverwriteAnalysis(context.Context, external.ViewID, external.Expr, fields.Mask) error {
	f.overwriteCalls++
	return nil
}

func (f *fakeEqSet) Subscribe(_ ids.TraceLocalID, mask fields.Mask) { f.subscribed = f.subscribed.Union(mask) }
func (f *fakeEqSet) Cancel(ids.TraceLocalID)                       { f.cancelled = true }

func TestIsReplayableAcceptsSubsumedIndependent(t *testing.T) {
	forest := exprtest.NewForest()
	root := exprtest.New("root", exprtest.Interval{Lo: 0, Hi: 100})
	cs := condset.New(ids.TraceLocalID{ContextIndex: 1}, root)

	cs.Pre.Insert(forest, viewV, root, fields.Of(0))
	cs.Post.Insert(forest, viewV, root, fields.Of(0))

	ok, reason := cs.IsReplayable(forest)
	require.True(t, ok, reason)
}

func TestIsReplayableRejectsAnticonditionConflict(t *testing.T) {
	forest := exprtest.NewForest()
	root := exprtest.New("root", exprtest.Interval{Lo: 0, Hi: 100})
	cs := condset.New(ids.TraceLocalID{ContextIndex: 1}, root)

	cs.Pre.Insert(forest, viewV, root, fields.Of(0))
	cs.Post.Insert(forest, viewV, root, fields.Of(0))
	cs.Anti.Insert(forest, viewV, root, fields.Of(0))

	ok, _ := cs.IsReplayable(forest)
	require.False(t, ok)
}

func TestCaptureAndTestRequire(t *testing.T) {
	forest := exprtest.NewForest()
	root := exprtest.New("root", exprtest.Interval{Lo: 0, Hi: 100})
	owner := ids.TraceLocalID{ContextIndex: 7}
	cs := condset.New(owner, root)

	eq := &fakeEqSet{triples: []external.ViewSetTriple{
		{View: viewV, Expr: root, Mask: fields.Of(0), Kind: external.ViewSetPre},
		{View: viewV, Expr: root, Mask: fields.Of(0), Kind: external.ViewSetPost},
	}}

	ctx := condset.WithForest(context.Background(), forest)
	require.NoError(t, cs.Capture(ctx, []external.EquivalenceSet{eq}, root, fields.Of(0)))

	require.NoError(t, cs.TestRequire(ctx, forest))
	require.Equal(t, 1, eq.invalidCalls)

	require.NoError(t, cs.Ensure(ctx, forest))
	// Pre == Post here, so Ensure should short-circuit via NoopPostconditions.
	require.Equal(t, 0, eq.overwriteCalls)

	cs.Teardown()
	require.True(t, eq.cancelled)
}

func TestNoopPostconditionsFalseWhenDifferent(t *testing.T) {
	forest := exprtest.NewForest()
	root := exprtest.New("root", exprtest.Interval{Lo: 0, Hi: 100})
	half := exprtest.New("half", exprtest.Interval{Lo: 0, Hi: 50})
	cs := condset.New(ids.TraceLocalID{ContextIndex: 1}, root)

	cs.Pre.Insert(forest, viewV, root, fields.Of(0))
	cs.Post.Insert(forest, viewV, half, fields.Of(0))

	require.False(t, cs.NoopPostconditions(forest))
}
