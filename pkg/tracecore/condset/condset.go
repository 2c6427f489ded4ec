// Package condset implements TraceConditionSet (C3): the pre/anti/post view
// sets rooted at one region that decide whether a template may be replayed,
// and the protocol that checks and enforces those conditions against live
// equivalence sets.
package condset

import (
	"context"
	"fmt"
	"sync"

	"github.com/taskrt/tracecore/pkg/tracecore/external"
	"github.com/taskrt/tracecore/pkg/tracecore/fields"
	"github.com/taskrt/tracecore/pkg/tracecore/ids"
	"github.com/taskrt/tracecore/pkg/tracecore/viewset"
)

// TraceConditionSet holds the three view sets captured for one root region
// a template's footprint touches, plus the equivalence sets it is currently
// subscribed to and the mask of fields whose equivalence sets are stale.
type TraceConditionSet struct {
	mu sync.Mutex

	Owner ids.TraceLocalID
	Root  external.Expr

	Pre  *viewset.TraceViewSet
	Anti *viewset.TraceViewSet
	Post *viewset.TraceViewSet

	subscribed  map[external.EquivalenceSet]fields.Mask
	invalidMask fields.Mask

	// refs is the explicit refcount table realizing the "nested reference"
	// ownership graph of §9: views/expressions are shared across templates,
	// so condset tracks how many (expr) it has pinned rather than relying on
	// GC semantics the source assumes via its own reference-counted pointers.
	refs map[string]int
}

// New constructs an empty condition set rooted at root.
func New(owner ids.TraceLocalID, root external.Expr) *TraceConditionSet {
	return &TraceConditionSet{
		Owner:      owner,
		Root:       root,
		Pre:        viewset.New(root),
		Anti:       viewset.New(root),
		Post:       viewset.New(root),
		subscribed: map[external.EquivalenceSet]fields.Mask{},
		refs:       map[string]int{},
	}
}

// pin increments the refcount for expr and must be called under mu. No
// function in this package decrements the count.
func (cs *TraceConditionSet) pin(e external.Expr) {
	if e == nil {
		return
	}
	cs.refs[e.ExprID()]++
}

// Capture asks each of eqSets to emit its pre/anti/post view triples for the
// covered (expr, mask), and records them, pinning references as they come
// in (§4.3 Capture).
func (cs *TraceConditionSet) Capture(ctx context.Context, eqSets []external.EquivalenceSet, expr external.Expr, mask fields.Mask) error {
	cs.mu.Lock()
	for _, es := range eqSets {
		cs.subscribed[es] = cs.subscribed[es].Union(mask)
		es.Subscribe(cs.Owner, mask)
	}
	cs.mu.Unlock()

	for _, es := range eqSets {
		ch := es.EmitViewSets(ctx, expr, mask)
		for triple := range ch {
			var dst *viewset.TraceViewSet
			switch triple.Kind {
			case external.ViewSetPre:
				dst = cs.Pre
			case external.ViewSetAnti:
				dst = cs.Anti
			case external.ViewSetPost:
				dst = cs.Post
			default:
				continue
			}

			forest := forestFrom(ctx)
			if forest == nil {
				return fmt.Errorf("condset: Capture requires a RegionForest in context")
			}

			dst.Insert(forest, triple.View, triple.Expr, triple.Mask)
			cs.mu.Lock()
			cs.pin(triple.Expr)
			cs.mu.Unlock()
		}
	}
	return nil
}

type forestKey struct{}

// WithForest attaches the region-tree forest collaborator to ctx so Capture
// (and any other condset call that needs the algebra) can reach it without
// every call site threading an extra parameter through channels.
func WithForest(ctx context.Context, forest external.RegionForest) context.Context {
	return context.WithValue(ctx, forestKey{}, forest)
}

func forestFrom(ctx context.Context) external.RegionForest {
	f, _ := ctx.Value(forestKey{}).(external.RegionForest)
	return f
}

// IsReplayable implements §4.3: preconditions must be subsumed by
// postconditions (allowing independent fields), and postconditions must be
// independent of anticonditions.
func (cs *TraceConditionSet) IsReplayable(forest external.RegionForest) (bool, string) {
	if !cs.Pre.SubsumedBy(forest, cs.Post, true) {
		return false, fmt.Sprintf("preconditions of root %s are not subsumed by postconditions", exprID(cs.Root))
	}
	if !cs.Post.IndependentOf(forest, cs.Anti) {
		return false, fmt.Sprintf("postconditions of root %s are not independent of anticonditions", exprID(cs.Root))
	}
	return true, ""
}

func exprID(e external.Expr) string {
	if e == nil {
		return "<nil>"
	}
	return e.ExprID()
}

// NoopPostconditions reports whether the postconditions add nothing beyond
// what preconditions already guaranteed, letting Summary skip the
// OverwriteAnalysis dispatch entirely (§9 EXPANSION: supplemented from
// original_source's summary-op short-circuit).
func (cs *TraceConditionSet) NoopPostconditions(forest external.RegionForest) bool {
	return cs.Post.SubsumedBy(forest, cs.Pre, false) && cs.Pre.SubsumedBy(forest, cs.Post, false)
}

// MarkInvalid records that fields in mask were touched by activity outside
// the template and must have their equivalence sets recomputed before the
// next test_require.
func (cs *TraceConditionSet) MarkInvalid(mask fields.Mask) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.invalidMask = cs.invalidMask.Union(mask)
}

// NeedsRecompute reports whether any field's equivalence sets are stale.
func (cs *TraceConditionSet) NeedsRecompute() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return !cs.invalidMask.Empty()
}

// ClearInvalid is called once the condition set has recomputed its
// equivalence sets for invalidMask.
func (cs *TraceConditionSet) ClearInvalid() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.invalidMask = 0
}

// RecomputeEquivalenceSets re-subscribes the equivalence sets for fields
// whose previous subscriptions were filtered by outside activity, then
// clears the invalid mask. Must run before TestRequire when NeedsRecompute
// reports true (§4.3).
func (cs *TraceConditionSet) RecomputeEquivalenceSets(parent external.ParentContext) {
	cs.mu.Lock()
	mask := cs.invalidMask
	cs.mu.Unlock()
	if mask.Empty() {
		return
	}

	eqSets := parent.EquivalenceSetsFor(cs.Root, mask)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for _, es := range eqSets {
		cs.subscribed[es] = cs.subscribed[es].Union(mask)
		es.Subscribe(cs.Owner, mask)
	}
	cs.invalidMask = 0
}

// TestRequire traverses the preconditions dispatching InvalidInstAnalysis
// (fails if a required instance is missing) and the anticonditions
// dispatching AntivalidInstAnalysis (fails if a conflicting instance
// exists). It returns nil only if every dispatch reported success.
func (cs *TraceConditionSet) TestRequire(ctx context.Context, forest external.RegionForest) error {
	for _, view := range cs.Pre.Views() {
		for _, e := range cs.Pre.Entries(view) {
			for _, es := range cs.equivalenceSetsFor(e.Mask) {
				if err := es.InvalidInstAnalysis(ctx, view, e.Expr, e.Mask); err != nil {
					return fmt.Errorf("precondition failed at replay for view %s: %w", view, err)
				}
			}
		}
	}
	for _, view := range cs.Anti.Views() {
		for _, e := range cs.Anti.Entries(view) {
			for _, es := range cs.equivalenceSetsFor(e.Mask) {
				if err := es.AntivalidInstAnalysis(ctx, view, e.Expr, e.Mask); err != nil {
					return fmt.Errorf("precondition failed at replay (anticondition) for view %s: %w", view, err)
				}
			}
		}
	}
	return nil
}

// Ensure overwrites the equivalence sets with the postconditions, one
// OverwriteAnalysis dispatch per entry, unless NoopPostconditions applies.
func (cs *TraceConditionSet) Ensure(ctx context.Context, forest external.RegionForest) error {
	if cs.NoopPostconditions(forest) {
		return nil
	}
	for _, view := range cs.Post.Views() {
		for _, e := range cs.Post.Entries(view) {
			for _, es := range cs.equivalenceSetsFor(e.Mask) {
				if err := es.OverwriteAnalysis(ctx, view, e.Expr, e.Mask); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (cs *TraceConditionSet) equivalenceSetsFor(mask fields.Mask) []external.EquivalenceSet {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	var out []external.EquivalenceSet
	for es, m := range cs.subscribed {
		if m.Overlaps(mask) {
			out = append(out, es)
		}
	}
	return out
}

// Teardown performs the cancellation handshake of §9: equivalence sets hold
// back-pointers to subscribed condition sets, and those must be told to
// drop them when the owning template is retired.
func (cs *TraceConditionSet) Teardown() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for es := range cs.subscribed {
		es.Cancel(cs.Owner)
	}
	cs.subscribed = map[external.EquivalenceSet]fields.Mask{}
}
