// Package exprtest is a minimal, in-memory external.RegionForest used by the
// CORE's own unit tests. It models index-space expressions as sets of
// half-open integer intervals [Lo, Hi); the real region-tree forest (out of
// scope) would back this with a real index space, but the algebra
// (union/intersect/difference/volume) the CORE depends on is identical in
// shape.
package exprtest

import (
	"fmt"

	"github.com/taskrt/tracecore/pkg/tracecore/external"
)

// Interval is one half-open range [Lo, Hi).
type Interval struct{ Lo, Hi int64 }

// Set is an external.Expr backed by a normalized (sorted, merged,
// non-overlapping) list of intervals.
type Set struct {
	ID        string
	Intervals []Interval
}

func (s *Set) ExprID() string { return s.ID }

// New builds a normalized Set from an id and raw intervals.
func New(id string, intervals ...Interval) *Set {
	return &Set{ID: id, Intervals: normalize(intervals)}
}

func normalize(in []Interval) []Interval {
	var pts []Interval
	for _, iv := range in {
		if iv.Lo < iv.Hi {
			pts = append(pts, iv)
		}
	}
	if len(pts) == 0 {
		return nil
	}
	for i := 1; i < len(pts); i++ {
		for j := i; j > 0 && pts[j-1].Lo > pts[j].Lo; j-- {
			pts[j-1], pts[j] = pts[j], pts[j-1]
		}
	}
	out := []Interval{pts[0]}
	for _, iv := range pts[1:] {
		last := &out[len(out)-1]
		if iv.Lo <= last.Hi {
			if iv.Hi > last.Hi {
				last.Hi = iv.Hi
			}
			continue
		}
		out = append(out, iv)
	}
	return out
}

// Forest is the external.RegionForest implementation over Set.
type Forest struct{}

func NewForest() *Forest { return &Forest{} }

// derivedID names a computed expression by its normalized content, so two
// algebraically equal results compare equal structurally as well.
func derivedID(intervals []Interval) string {
	return fmt.Sprintf("%v", intervals)
}

func asSet(e external.Expr) *Set {
	if e == nil {
		return &Set{ID: "<empty>"}
	}
	return e.(*Set)
}

func (f *Forest) Union(a, b external.Expr) external.Expr {
	sa, sb := asSet(a), asSet(b)
	merged := normalize(append(append([]Interval{}, sa.Intervals...), sb.Intervals...))
	return &Set{ID: derivedID(merged), Intervals: merged}
}

func (f *Forest) Intersect(a, b external.Expr) external.Expr {
	sa, sb := asSet(a), asSet(b)
	var out []Interval
	for _, x := range sa.Intervals {
		for _, y := range sb.Intervals {
			lo, hi := max64(x.Lo, y.Lo), min64(x.Hi, y.Hi)
			if lo < hi {
				out = append(out, Interval{lo, hi})
			}
		}
	}
	out = normalize(out)
	return &Set{ID: derivedID(out), Intervals: out}
}

func (f *Forest) Difference(a, b external.Expr) external.Expr {
	sa, sb := asSet(a), asSet(b)
	out := append([]Interval{}, sa.Intervals...)
	for _, y := range sb.Intervals {
		var next []Interval
		for _, x := range out {
			if y.Hi <= x.Lo || y.Lo >= x.Hi {
				next = append(next, x)
				continue
			}
			if y.Lo > x.Lo {
				next = append(next, Interval{x.Lo, y.Lo})
			}
			if y.Hi < x.Hi {
				next = append(next, Interval{y.Hi, x.Hi})
			}
		}
		out = next
	}
	out = normalize(out)
	return &Set{ID: derivedID(out), Intervals: out}
}

func (f *Forest) Volume(e external.Expr) uint64 {
	s := asSet(e)
	var total uint64
	for _, iv := range s.Intervals {
		total += uint64(iv.Hi - iv.Lo)
	}
	return total
}

func (f *Forest) IsEmpty(e external.Expr) bool {
	return len(asSet(e).Intervals) == 0
}

func (f *Forest) Equal(a, b external.Expr) bool {
	sa, sb := asSet(a), asSet(b)
	if len(sa.Intervals) != len(sb.Intervals) {
		return false
	}
	for i := range sa.Intervals {
		if sa.Intervals[i] != sb.Intervals[i] {
			return false
		}
	}
	return true
}

func (f *Forest) Covers(e external.Expr, root external.Expr) bool {
	return f.Volume(e) == f.Volume(root) && f.Equal(f.Intersect(e, root), root)
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
