// Package viewset implements TraceViewSet (C2): a field-masked, expression-
// aware mapping from data views to index-space expressions, with the
// invariant that at most one expression is recorded per (view, field).
package viewset

import (
	"sync"

	"github.com/taskrt/tracecore/pkg/tracecore/external"
	"github.com/taskrt/tracecore/pkg/tracecore/fields"
)

// Entry is one (expression, field mask) pair recorded for a view.
type Entry struct {
	Expr external.Expr
	Mask fields.Mask
}

// TraceViewSet is rooted at a region (its Root, used to canonicalize an
// expression that grows to cover the whole region back to the compact root
// expression) and stores a field-masked expression per view.
type TraceViewSet struct {
	mu      sync.Mutex
	Root    external.Expr
	entries map[external.ViewID][]Entry

	// generation increments on every mutating call and is exposed through
	// Generation. TransposeUniquely does not consult it and recomputes its
	// result on every call.
	generation uint64
}

func New(root external.Expr) *TraceViewSet {
	return &TraceViewSet{Root: root, entries: map[external.ViewID][]Entry{}}
}

// Generation returns the current dirty-bit generation.
func (ts *TraceViewSet) Generation() uint64 {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.generation
}

// Entries returns a snapshot of the recorded entries for a view.
func (ts *TraceViewSet) Entries(view external.ViewID) []Entry {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := make([]Entry, len(ts.entries[view]))
	copy(out, ts.entries[view])
	return out
}

// Views returns the set of views this TraceViewSet has any entry for.
func (ts *TraceViewSet) Views() []external.ViewID {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := make([]external.ViewID, 0, len(ts.entries))
	for v := range ts.entries {
		out = append(out, v)
	}
	return out
}

// Insert records that fields in mask of view are covered by expr, merging
// with whatever was previously recorded for overlapping fields.
func (ts *TraceViewSet) Insert(forest external.RegionForest, view external.ViewID, expr external.Expr, mask fields.Mask) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.generation++

	existing := ts.entries[view]
	var out []Entry
	remainingMask := mask
	combinedExpr := expr

	for _, e := range existing {
		overlap := e.Mask.Intersect(mask)
		if overlap.Empty() {
			out = append(out, e)
			continue
		}

		remaining := e.Mask.Subtract(mask)
		if !remaining.Empty() {
			out = append(out, Entry{e.Expr, remaining})
		}

		union := forest.Union(e.Expr, expr)
		switch {
		case ts.Root != nil && forest.Covers(union, ts.Root):
			// The union happens to reconstruct the whole root region;
			// canonicalize to it regardless of how the pieces overlap.
			combinedExpr = ts.Root
		case forest.Volume(union) < forest.Volume(e.Expr)+forest.Volume(expr):
			// The two expressions overlap: the precise union is worth
			// keeping as the new combined expression for these fields.
			combinedExpr = union
		default:
			// Disjoint and not a full-region tiling: approximate by keeping
			// the larger of the two rather than carrying an exact but
			// unwieldy disjoint union forward.
			if forest.Volume(e.Expr) >= forest.Volume(expr) {
				combinedExpr = e.Expr
			} else {
				combinedExpr = expr
			}
		}
		remainingMask = remainingMask.Union(overlap)
	}

	if ts.Root != nil && forest.Covers(combinedExpr, ts.Root) {
		combinedExpr = ts.Root
	}

	out = append(out, Entry{combinedExpr, remainingMask})
	ts.entries[view] = out
}

// Invalidate removes expr/mask's coverage from view, keeping the difference
// e' \ expr for fields where expr only partially dominates the stored e'.
func (ts *TraceViewSet) Invalidate(forest external.RegionForest, view external.ViewID, expr external.Expr, mask fields.Mask) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.generation++
	ts.entries[view] = invalidateEntries(forest, ts.entries[view], expr, mask)
}

func invalidateEntries(forest external.RegionForest, entries []Entry, expr external.Expr, mask fields.Mask) []Entry {
	var out []Entry
	for _, e := range entries {
		overlap := e.Mask.Intersect(mask)
		if overlap.Empty() {
			out = append(out, e)
			continue
		}

		remaining := e.Mask.Subtract(mask)
		if !remaining.Empty() {
			out = append(out, Entry{e.Expr, remaining})
		}

		diff := forest.Difference(e.Expr, expr)
		if !forest.IsEmpty(diff) {
			out = append(out, Entry{diff, overlap})
		}
	}
	return out
}

// InvalidateAllBut applies Invalidate to every view other than except.
func (ts *TraceViewSet) InvalidateAllBut(forest external.RegionForest, except external.ViewID, expr external.Expr, mask fields.Mask) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.generation++
	for view, entries := range ts.entries {
		if view == except {
			continue
		}
		ts.entries[view] = invalidateEntries(forest, entries, expr, mask)
	}
}

// Dominates reports, for each recorded entry overlapping expr/mask, which
// fields are fully accounted for by existing coverage (dominated) and which
// residual (expr, mask) slices still need separate validation.
func (ts *TraceViewSet) Dominates(forest external.RegionForest, view external.ViewID, expr external.Expr, mask fields.Mask) (dominated fields.Mask, nonDominated []Entry) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	remaining := mask
	for _, e := range ts.entries[view] {
		overlap := e.Mask.Intersect(remaining)
		if overlap.Empty() {
			continue
		}
		inter := forest.Intersect(e.Expr, expr)
		if forest.IsEmpty(inter) {
			continue
		}
		dominated = dominated.Union(overlap)
		residue := forest.Difference(expr, inter)
		if !forest.IsEmpty(residue) {
			nonDominated = append(nonDominated, Entry{residue, overlap})
		}
		remaining = remaining.Subtract(overlap)
	}

	if !remaining.Empty() {
		nonDominated = append(nonDominated, Entry{expr, remaining})
	}
	return dominated, nonDominated
}

// FilterIndependentFields removes from mask any field that appears, in any
// view, with an expression that overlaps expr.
func (ts *TraceViewSet) FilterIndependentFields(forest external.RegionForest, expr external.Expr, mask fields.Mask) fields.Mask {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	result := mask
	for _, entries := range ts.entries {
		for _, e := range entries {
			overlap := e.Mask.Intersect(result)
			if overlap.Empty() {
				continue
			}
			if !forest.IsEmpty(forest.Intersect(e.Expr, expr)) {
				result = result.Subtract(overlap)
			}
		}
	}
	return result
}

// SubsumedBy reports whether every entry of ts is dominated by other: for
// each field, the union of other's recorded expressions for that (view,
// field) must cover the entry's expression. When allowIndependent, fields
// whose expression overlaps nothing at all in other also count as dominated
// (read-only preconditions that no postcondition writes, §4.3); a field
// that overlaps other only partially is not independent and must be fully
// covered.
func (ts *TraceViewSet) SubsumedBy(forest external.RegionForest, other *TraceViewSet, allowIndependent bool) bool {
	ts.mu.Lock()
	snapshot := make(map[external.ViewID][]Entry, len(ts.entries))
	for v, e := range ts.entries {
		snapshot[v] = append([]Entry(nil), e...)
	}
	ts.mu.Unlock()

	for view, entries := range snapshot {
		otherEntries := other.Entries(view)
		for _, e := range entries {
			checkMask := e.Mask
			if allowIndependent {
				checkMask = checkMask.Subtract(other.FilterIndependentFields(forest, e.Expr, e.Mask))
			}
			if checkMask.Empty() {
				continue
			}

			// Peel covered (expr, field) pieces off until nothing remains or
			// no entry of other can shrink a piece any further.
			pieces := []Entry{{e.Expr, checkMask}}
			for _, oe := range otherEntries {
				var next []Entry
				for _, p := range pieces {
					overlap := p.Mask.Intersect(oe.Mask)
					if overlap.Empty() || forest.IsEmpty(forest.Intersect(p.Expr, oe.Expr)) {
						next = append(next, p)
						continue
					}
					if rest := p.Mask.Subtract(overlap); !rest.Empty() {
						next = append(next, Entry{p.Expr, rest})
					}
					if residue := forest.Difference(p.Expr, oe.Expr); !forest.IsEmpty(residue) {
						next = append(next, Entry{residue, overlap})
					}
				}
				pieces = next
			}
			if len(pieces) != 0 {
				return false
			}
		}
	}
	return true
}

// IndependentOf reports whether no (view, expr, field) triple appears in
// both ts and other with non-empty expression intersection.
func (ts *TraceViewSet) IndependentOf(forest external.RegionForest, other *TraceViewSet) bool {
	ts.mu.Lock()
	snapshot := make(map[external.ViewID][]Entry, len(ts.entries))
	for v, e := range ts.entries {
		snapshot[v] = append([]Entry(nil), e...)
	}
	ts.mu.Unlock()

	for view, entries := range snapshot {
		otherEntries := other.Entries(view)
		for _, e := range entries {
			for _, oe := range otherEntries {
				if !e.Mask.Overlaps(oe.Mask) {
					continue
				}
				if !forest.IsEmpty(forest.Intersect(e.Expr, oe.Expr)) {
					return false
				}
			}
		}
	}
	return true
}

// Transposed is one output piece of TransposeUniquely: an expression
// (disjoint from every other piece's expression) mapped to the views/masks
// that cover it.
type Transposed struct {
	Expr  external.Expr
	Views map[external.ViewID]fields.Mask
}

// TransposeUniquely inverts view->(expr,mask) into a list of pairwise
// expression-disjoint pieces, each carrying the set of views (with their
// field masks) that cover that piece. Required for postconditions, where
// duplicate overwrites of the same (expr, field) across views are illegal.
func (ts *TraceViewSet) TransposeUniquely(forest external.RegionForest) []Transposed {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	var result []Transposed
	for view, entries := range ts.entries {
		for _, e := range entries {
			result = insertDisjoint(forest, result, e.Expr, view, e.Mask)
		}
	}
	return result
}

func insertDisjoint(forest external.RegionForest, result []Transposed, expr external.Expr, view external.ViewID, mask fields.Mask) []Transposed {
	remaining := expr
	out := make([]Transposed, 0, len(result)+1)

	for _, t := range result {
		if remaining == nil || forest.IsEmpty(remaining) {
			out = append(out, t)
			continue
		}

		inter := forest.Intersect(t.Expr, remaining)
		if forest.IsEmpty(inter) {
			out = append(out, t)
			continue
		}

		onlyOld := forest.Difference(t.Expr, remaining)
		if !forest.IsEmpty(onlyOld) {
			out = append(out, Transposed{onlyOld, cloneViews(t.Views)})
		}

		merged := cloneViews(t.Views)
		merged[view] = merged[view].Union(mask)
		out = append(out, Transposed{inter, merged})

		remaining = forest.Difference(remaining, inter)
	}

	if remaining != nil && !forest.IsEmpty(remaining) {
		out = append(out, Transposed{remaining, map[external.ViewID]fields.Mask{view: mask}})
	}
	return out
}

func cloneViews(in map[external.ViewID]fields.Mask) map[external.ViewID]fields.Mask {
	out := make(map[external.ViewID]fields.Mask, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
