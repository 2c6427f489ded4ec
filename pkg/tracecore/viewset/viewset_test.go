package viewset_test

import (
	"testing"

	"github.com/go-test/deep"
	"github.com/stretchr/testify/require"

	"github.com/taskrt/tracecore/pkg/tracecore/external"
	"github.com/taskrt/tracecore/pkg/tracecore/fields"
	"github.com/taskrt/tracecore/pkg/tracecore/internal/exprtest"
	"github.com/taskrt/tracecore/pkg/tracecore/viewset"
)

const viewV external.ViewID = "V"

// TestDominanceRoundTrip is testable property 3: inserting (view, expr,
// mask) and then asking whether it dominates the same triple must report
// it fully dominated.
func TestDominanceRoundTrip(t *testing.T) {
	forest := exprtest.NewForest()
	ts := viewset.New(nil)

	full := exprtest.New("full", exprtest.Interval{Lo: 0, Hi: 100})
	mask := fields.Of(0)

	ts.Insert(forest, viewV, full, mask)

	dominated, nonDominated := ts.Dominates(forest, viewV, full, mask)
	require.Equal(t, mask, dominated)
	require.Empty(t, nonDominated)
}

// TestInvalidateIdempotence is testable property 4.
func TestInvalidateIdempotence(t *testing.T) {
	forest := exprtest.NewForest()

	mk := func() *viewset.TraceViewSet {
		ts := viewset.New(nil)
		full := exprtest.New("full", exprtest.Interval{Lo: 0, Hi: 100})
		ts.Insert(forest, viewV, full, fields.Of(0, 1))
		return ts
	}

	half := exprtest.New("half", exprtest.Interval{Lo: 0, Hi: 50})
	mask := fields.Of(0)

	once := mk()
	once.Invalidate(forest, viewV, half, mask)

	twice := mk()
	twice.Invalidate(forest, viewV, half, mask)
	twice.Invalidate(forest, viewV, half, mask)

	if diff := deep.Equal(once.Entries(viewV), twice.Entries(viewV)); diff != nil {
		t.Fatalf("repeated invalidate changed entries: %v", diff)
	}
}

// TestSubsumptionTransitivity is testable property 5.
func TestSubsumptionTransitivity(t *testing.T) {
	forest := exprtest.NewForest()
	mask := fields.Of(0)

	full := exprtest.New("full", exprtest.Interval{Lo: 0, Hi: 100})
	half := exprtest.New("half", exprtest.Interval{Lo: 0, Hi: 50})
	quarter := exprtest.New("quarter", exprtest.Interval{Lo: 0, Hi: 25})

	a := viewset.New(nil)
	a.Insert(forest, viewV, quarter, mask)
	b := viewset.New(nil)
	b.Insert(forest, viewV, half, mask)
	c := viewset.New(nil)
	c.Insert(forest, viewV, full, mask)

	require.True(t, a.SubsumedBy(forest, b, false))
	require.True(t, b.SubsumedBy(forest, c, false))
	require.True(t, a.SubsumedBy(forest, c, false))
}

// TestS3SubsumptionRejects is end-to-end scenario S3.
func TestS3SubsumptionRejects(t *testing.T) {
	forest := exprtest.NewForest()
	mask := fields.Of(0)

	full := exprtest.New("full", exprtest.Interval{Lo: 0, Hi: 100})
	half := exprtest.New("half", exprtest.Interval{Lo: 0, Hi: 50})

	pre := viewset.New(nil)
	pre.Insert(forest, viewV, full, mask)
	post := viewset.New(nil)
	post.Insert(forest, viewV, half, mask)

	require.False(t, pre.SubsumedBy(forest, post, true))
}

// TestS4ReadOnlyIndependenceSurvives is end-to-end scenario S4.
func TestS4ReadOnlyIndependenceSurvives(t *testing.T) {
	forest := exprtest.NewForest()

	full := exprtest.New("full", exprtest.Interval{Lo: 0, Hi: 100})

	pre := viewset.New(nil)
	pre.Insert(forest, viewV, full, fields.Of(0))

	post := viewset.New(nil)
	post.Insert(forest, viewV, full, fields.Of(1))

	require.True(t, pre.SubsumedBy(forest, post, true))
	require.False(t, pre.SubsumedBy(forest, post, false))
}

// TestTransposeUniqueness is testable property 6: the output map of
// TransposeUniquely has pairwise expression-disjoint keys.
func TestTransposeUniqueness(t *testing.T) {
	forest := exprtest.NewForest()

	left := exprtest.New("left", exprtest.Interval{Lo: 0, Hi: 60})
	right := exprtest.New("right", exprtest.Interval{Lo: 40, Hi: 100})

	ts := viewset.New(nil)
	ts.Insert(forest, "A", left, fields.Of(0))
	ts.Insert(forest, "B", right, fields.Of(0))

	pieces := ts.TransposeUniquely(forest)
	for i := 0; i < len(pieces); i++ {
		for j := i + 1; j < len(pieces); j++ {
			inter := forest.Intersect(pieces[i].Expr, pieces[j].Expr)
			require.True(t, forest.IsEmpty(inter), "pieces %d and %d must be disjoint", i, j)
		}
	}

	var totalVolume uint64
	for _, p := range pieces {
		totalVolume += forest.Volume(p.Expr)
	}
	require.Equal(t, forest.Volume(forest.Union(left, right)), totalVolume)
}

func TestCanonicalizesToRoot(t *testing.T) {
	forest := exprtest.NewForest()
	root := exprtest.New("root", exprtest.Interval{Lo: 0, Hi: 100})
	ts := viewset.New(root)

	left := exprtest.New("left", exprtest.Interval{Lo: 0, Hi: 60})
	right := exprtest.New("right", exprtest.Interval{Lo: 60, Hi: 100})

	ts.Insert(forest, viewV, left, fields.Of(0))
	ts.Insert(forest, viewV, right, fields.Of(0))

	entries := ts.Entries(viewV)
	require.Len(t, entries, 1)
	require.True(t, forest.Equal(entries[0].Expr, root))
}
