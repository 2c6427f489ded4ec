// Package recorder implements the trace recorder (C6): as each
// non-internal operation is submitted inside a trace, it assigns the
// operation a stable index and records its dependences on earlier indices,
// sharing one contract between the Dynamic and Static variants (§4.1).
//
// Grounded on the teacher's append-only, mutex-guarded, index-looked-up job
// ledger (modules/backendscheduler/work) and on the deduplicated-slice
// pattern of tenantselector.PriorityQueue: DependenceRecords are merged on
// insert rather than accumulated as a naive append-only log.
package recorder

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/taskrt/tracecore/pkg/tracecore/external"
	"github.com/taskrt/tracecore/pkg/tracecore/fields"
	"github.com/taskrt/tracecore/pkg/tracecore/ids"
	"github.com/taskrt/tracecore/pkg/tracecore/traceerr"
)

// DependenceKind classifies one recorded dependence edge.
type DependenceKind int

const (
	NoDependence DependenceKind = iota
	TrueDependence
	AntiDependence
	SimultaneousDependence
)

// DependenceRecord is one deduplicated dependence edge captured during
// recording, keyed by (PrevIdx, ReqIndex, PrevReqIndex) for merge-on-insert
// (§4.1).
type DependenceRecord struct {
	OpIdx        int
	PrevIdx      int
	ReqIndex     int
	PrevReqIndex int
	Kind         DependenceKind
	Validates    bool
	FieldMask    fields.Mask
}

func (d DependenceRecord) key() [3]int {
	return [3]int{d.PrevIdx, d.ReqIndex, d.PrevReqIndex}
}

// opSlot is what the recorder remembers about one indexed operation: its
// structural shape (for the replay-time alignment check) and its
// deduplicated dependence list.
type opSlot struct {
	id           ids.TraceLocalID
	kind         external.OpKind
	regionCount  int
	dependences  []DependenceRecord
	dependenceAt map[[3]int]int // key -> index into dependences, for merge-on-insert
}

// Mode selects whether the recorder tracks full dependence tuples or only
// assigns trace_local_id counters (§4.1 "physical-only mode").
type Mode int

const (
	ModeDependenceTracking Mode = iota
	ModePhysicalOnly
)

// Dynamic is the recorder variant that records dependences on first
// execution and verifies structural alignment on every later execution
// (§4.1).
type Dynamic struct {
	mu sync.Mutex

	Parent external.ParentContext
	Mode   Mode

	recording bool
	slots     []opSlot
	byKey     map[string]int // TraceLocalID.Key() -> index into slots

	// lastNonInternal tracks, for internal-operation dependence inheritance, the
	// most recently recorded non-internal op's slot index.
	lastNonInternal int

	replayIdx int // next index expected on a verifying pass
}

// NewDynamic constructs a Dynamic recorder in recording mode (first
// execution of its trace).
func NewDynamic(parent external.ParentContext, mode Mode) *Dynamic {
	return &Dynamic{
		Parent:          parent,
		Mode:            mode,
		recording:       true,
		byKey:           map[string]int{},
		lastNonInternal: -1,
	}
}

// BeginVerifying switches the recorder from recording to verifying mode for
// a subsequent execution of the same trace window.
func (d *Dynamic) BeginVerifying() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recording = false
	d.replayIdx = 0
}

// Len returns the number of indexed operations recorded so far.
func (d *Dynamic) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.slots)
}

// RecordOperation assigns op a stable index and, in dependence-tracking
// mode, records true/anti/simultaneous dependences on every previously
// indexed operation the caller names via deps. In physical-only mode, deps
// is ignored and only the trace_local_id counter advances.
//
// On a recording pass this appends a new slot. On a verifying pass (after
// BeginVerifying) it instead checks op against the slot recorded for the
// next expected index, raising ErrTraceStructureViolation on mismatch, then
// replays the recorded dependences through Parent.
func (d *Dynamic) RecordOperation(op external.Operation, deps []DependenceRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.recording {
		idx := len(d.slots)
		slot := opSlot{
			id:           op.TraceLocalID(),
			kind:         op.OperationKind(),
			regionCount:  op.RegionCount(),
			dependenceAt: map[[3]int]int{},
		}
		if d.Mode == ModeDependenceTracking {
			for _, rec := range deps {
				rec.OpIdx = idx
				d.mergeDependence(&slot, rec)
			}
		}
		d.slots = append(d.slots, slot)
		d.byKey[op.TraceLocalID().Key()] = idx
		if op.OperationKind() != external.OpKindInternal {
			d.lastNonInternal = idx
		}
		return nil
	}

	return d.verifyAndRegister(op)
}

// mergeDependence implements "merged on insert": a new record with the same
// (PrevIdx, ReqIndex, PrevReqIndex) key replaces the prior one in place
// rather than appending a duplicate.
func (d *Dynamic) mergeDependence(slot *opSlot, rec DependenceRecord) {
	k := rec.key()
	if i, ok := slot.dependenceAt[k]; ok {
		slot.dependences[i] = rec
		return
	}
	slot.dependenceAt[k] = len(slot.dependences)
	slot.dependences = append(slot.dependences, rec)
}

func (d *Dynamic) verifyAndRegister(op external.Operation) error {
	idx := d.replayIdx
	if idx >= len(d.slots) {
		return traceerr.NewTraceStructureViolation(idx, external.OpKindInternal, op.OperationKind(), "index out of range of recorded trace")
	}
	slot := d.slots[idx]
	if op.OperationKind() != external.OpKindInternal {
		if op.OperationKind() != slot.kind {
			return traceerr.NewTraceStructureViolation(idx, slot.kind, op.OperationKind(), "operation kind mismatch")
		}
		if op.RegionCount() != slot.regionCount {
			return errors.Wrapf(traceerr.ErrTraceStructureViolation, "index %d recorded %d region requirements, observed %d", idx, slot.regionCount, op.RegionCount())
		}
	}
	d.replayIdx++

	if d.Mode == ModePhysicalOnly {
		return nil
	}
	for _, rec := range slot.dependences {
		prev := d.slots[rec.PrevIdx].id
		if rec.ReqIndex >= 0 && rec.PrevReqIndex >= 0 {
			d.Parent.RegisterRegionDependence(op.TraceLocalID(), prev, rec.ReqIndex, rec.PrevReqIndex, rec.FieldMask)
		} else {
			d.Parent.RegisterDependence(op.TraceLocalID(), prev, rec.Validates)
		}
	}
	return nil
}

// RecordInternal records an internal operation (close/refinement, §4.1):
// these are not indexed, and inherit the dependence set of their creator
// (the immediately preceding non-internal op) filtered to internalIndex,
// with NO_DEPENDENCE entries promoted to TRUE_DEPENDENCE.
func (d *Dynamic) RecordInternal(op external.Operation, internalIndex ids.InternalIndex) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.recording {
		return d.verifyAndRegister(op)
	}

	if d.lastNonInternal < 0 {
		return fmt.Errorf("recorder: internal operation recorded before any non-internal creator")
	}
	creator := d.slots[d.lastNonInternal]
	slot := opSlot{
		id:           op.TraceLocalID(),
		kind:         external.OpKindInternal,
		regionCount:  op.RegionCount(),
		dependenceAt: map[[3]int]int{},
	}
	for _, rec := range creator.dependences {
		if rec.ReqIndex != int(internalIndex) {
			continue
		}
		if rec.Kind == NoDependence {
			rec.Kind = TrueDependence
		}
		d.mergeDependence(&slot, rec)
	}
	d.slots = append(d.slots, slot)
	d.byKey[op.TraceLocalID().Key()] = len(d.slots) - 1
	return nil
}

// DependencesFor returns the deduplicated dependence list recorded for the
// operation with the given index, for tests and diagnostics.
func (d *Dynamic) DependencesFor(idx int) []DependenceRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	if idx < 0 || idx >= len(d.slots) {
		return nil
	}
	out := make([]DependenceRecord, len(d.slots[idx].dependences))
	copy(out, d.slots[idx].dependences)
	return out
}
