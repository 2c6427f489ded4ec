package recorder

import (
	"sync"

	"github.com/taskrt/tracecore/pkg/tracecore/fields"
)

// StaticDependence is one caller-supplied dependence tuple for the Static
// recorder, materialized to a DependenceRecord lazily on first use (§4.1).
type StaticDependence struct {
	PreviousOffset   int // offset, relative to the current op's index, of the previous op
	CurrentReqIndex  int
	PreviousReqIndex int
	DependentFields  []int
	FieldSpace       fields.Mask // resolved field_space -> field_mask is the identity here; a real region forest would carry the translation
	Kind             DependenceKind
	Validates        bool
}

// Static is the recorder variant whose dependence tuples are supplied up
// front by the caller (the compiler that produced the static trace
// template) rather than discovered on first execution.
type Static struct {
	mu sync.Mutex

	byIndex map[int][]StaticDependence
	opCount int

	materialized map[int][]DependenceRecord
}

// NewStatic constructs a Static recorder over the given per-index
// dependence tuples.
func NewStatic(byIndex map[int][]StaticDependence, opCount int) *Static {
	cp := make(map[int][]StaticDependence, len(byIndex))
	for k, v := range byIndex {
		cp[k] = append([]StaticDependence(nil), v...)
	}
	return &Static{byIndex: cp, opCount: opCount, materialized: map[int][]DependenceRecord{}}
}

// Materialize lazily resolves the StaticDependence tuples for idx into
// DependenceRecords, merging duplicates by (PrevIdx, ReqIndex, PrevReqIndex)
// exactly as the Dynamic recorder does, and caches the result.
func (s *Static) Materialize(idx int) []DependenceRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if recs, ok := s.materialized[idx]; ok {
		return recs
	}

	dedup := map[[3]int]int{}
	var out []DependenceRecord
	for _, sd := range s.byIndex[idx] {
		mask := sd.FieldSpace
		if len(sd.DependentFields) > 0 {
			mask = mask.Union(fields.Of(sd.DependentFields...))
		}
		rec := DependenceRecord{
			OpIdx:        idx,
			PrevIdx:      idx - sd.PreviousOffset,
			ReqIndex:     sd.CurrentReqIndex,
			PrevReqIndex: sd.PreviousReqIndex,
			Kind:         sd.Kind,
			Validates:    sd.Validates,
			FieldMask:    mask,
		}
		k := rec.key()
		if i, ok := dedup[k]; ok {
			out[i] = rec
			continue
		}
		dedup[k] = len(out)
		out = append(out, rec)
	}
	s.materialized[idx] = out
	return out
}

// OpCount returns the number of operations the static template describes.
func (s *Static) OpCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opCount
}
