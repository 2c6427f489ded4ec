// Package template implements PhysicalTemplate (C4): it records a partial-
// order DAG of low-level events, copies, fills and barrier arrivals during a
// trace, optimizes that DAG on finalize, and replays it in parallel slices
// on every subsequent matching trace entry.
//
// The optimizer passes live in their own files (fences.go, merges.go,
// reduction.go, slicing.go, deadcode.go, indirect.go); this file owns the
// struct, the recording contract (§4.4.1), and the bookkeeping every pass
// shares.
package template

import (
	"sync"

	"github.com/taskrt/tracecore/pkg/tracecore/condset"
	"github.com/taskrt/tracecore/pkg/tracecore/events"
	"github.com/taskrt/tracecore/pkg/tracecore/external"
	"github.com/taskrt/tracecore/pkg/tracecore/fields"
	"github.com/taskrt/tracecore/pkg/tracecore/ids"
	"github.com/taskrt/tracecore/pkg/tracecore/instr"
)

// ViewUser is one entry of view_users: which operation used which
// sub-expression of a view, and how.
type ViewUser struct {
	Usage    external.Usage
	UserSlot ids.EventSlot
	Expr     external.Expr
	Mask     fields.Mask
	Owner    ids.TraceLocalID
	Shard    ids.ShardID
	ReduceOp int
}

// viewRef snapshots, for one recorded instruction, the view_users entries
// that existed for a view immediately before that instruction's own entry
// was inserted. Fence elision (§4.4.3 step 2) replays these snapshots to
// reconstruct "the last-user events for the op's views" at the point each
// instruction was recorded, rather than reading the final (conflict-
// collapsed) view_users table.
type viewRef struct {
	View       external.ViewID
	PriorSlots []ids.EventSlot
}

// MemoEntry records the slot and operation kind of an operation's
// GetTermEvent. RecordGetTermEvent fills it in; nothing in this package
// reads it back.
type MemoEntry struct {
	Slot   ids.EventSlot
	OpKind external.OpKind
}

// Replayable is the outcome of finalize's conditions check (§4.4.3 step 1).
type Replayable struct {
	OK     bool
	Reason string
}

// PhysicalTemplate is the CORE's compiled recording of one trace.
type PhysicalTemplate struct {
	mu sync.Mutex // template_lock (§5)

	ID ids.TemplateID

	Forest    external.RegionForest
	Transport external.Transport

	ReplayParallelism int

	events   []events.Handle
	eventMap map[events.Handle]ids.EventSlot

	instructions []instr.Instruction
	instrViews   map[int][]viewRef

	slices  [][]instr.Instruction
	prelude []instr.Instruction

	frontiers map[ids.EventSlot]ids.EventSlot

	memoEntries map[string]MemoEntry

	cachedMappings      map[string]external.MapperOutput
	cachedPremappings   map[string]any
	cachedReservations  map[string][]uint64

	viewUsers map[external.ViewID][]ViewUser

	conditions []*condset.TraceConditionSet

	replayable        Replayable
	finalized         bool
	deferredReduction *reductionResult
	replayCount       uint64
	pending           []pendingReplay

	blockingCall   bool
	virtualMapping bool

	operations map[string]external.Operation
}

// New constructs an empty PhysicalTemplate. Slot 0 is reserved as the fence
// slot per invariant 2.
func New(forest external.RegionForest, transport external.Transport, replayParallelism int) *PhysicalTemplate {
	if replayParallelism < 1 {
		replayParallelism = 1
	}
	t := &PhysicalTemplate{
		ID:                 ids.NewTemplateID(),
		Forest:             forest,
		Transport:          transport,
		ReplayParallelism:  replayParallelism,
		eventMap:           map[events.Handle]ids.EventSlot{},
		instrViews:         map[int][]viewRef{},
		frontiers:          map[ids.EventSlot]ids.EventSlot{},
		memoEntries:        map[string]MemoEntry{},
		cachedMappings:     map[string]external.MapperOutput{},
		cachedPremappings:  map[string]any{},
		cachedReservations: map[string][]uint64{},
		viewUsers:          map[external.ViewID][]ViewUser{},
		operations:         map[string]external.Operation{},
	}
	// slot 0: fence slot, written once by an AssignFenceCompletion owned by
	// no particular operation (the template itself).
	t.events = append(t.events, events.NoEvent)
	t.instructions = append(t.instructions, instr.NewAssignFenceCompletion(ids.TraceLocalID{}, ids.FenceSlot))
	return t
}

// Instructions returns a read-only snapshot of the recorded/optimized
// instruction stream, for tests and diagnostics.
func (t *PhysicalTemplate) Instructions() []instr.Instruction {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]instr.Instruction, len(t.instructions))
	copy(out, t.instructions)
	return out
}

// Slots returns the number of event slots allocated, including fence slot
// 0. It is not derived from the instruction count: a fresh template has one
// slot and one instruction (the fence slot and its AssignFenceCompletion).
func (t *PhysicalTemplate) Slots() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.events)
}

// SlicesCount returns the number of replay slices computed by Finalize (0
// before Finalize runs, or if it stopped before partitioning).
func (t *PhysicalTemplate) SlicesCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slices)
}

// Replayable returns the current replayability verdict.
func (t *PhysicalTemplate) Replayable() Replayable {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.replayable
}

// AddConditionSet registers a root region's TraceConditionSet with the
// template; finalize requires every one of these to be replayable.
func (t *PhysicalTemplate) AddConditionSet(cs *condset.TraceConditionSet) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conditions = append(t.conditions, cs)
}

// Conditions returns the registered condition sets.
func (t *PhysicalTemplate) Conditions() []*condset.TraceConditionSet {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*condset.TraceConditionSet, len(t.conditions))
	copy(out, t.conditions)
	return out
}

// RegisterOperation makes op reachable by TraceLocalID during replay
// (instructions look operations up by owner to read/write their
// completion/effects/sync events).
func (t *PhysicalTemplate) RegisterOperation(op external.Operation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.operations[op.TraceLocalID().Key()] = op
}

func (t *PhysicalTemplate) slotFor(h events.Handle) (ids.EventSlot, bool) {
	if h.IsNoEvent() {
		return 0, false
	}
	slot, ok := t.eventMap[h]
	return slot, ok
}

// LookupSlot exposes slotFor for the sharded variant (C5): when another
// shard asks "do you have a slot for this event", the owner consults the
// same event_map recording itself uses (§4.5.1).
func (t *PhysicalTemplate) LookupSlot(h events.Handle) (ids.EventSlot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.slotFor(h)
}

// EventAt returns the handle currently stored at slot, for diagnostics and
// for the sharded variant's cross-shard renaming (§4.5.1).
func (t *PhysicalTemplate) EventAt(slot ids.EventSlot) events.Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(slot) < 0 || int(slot) >= len(t.events) {
		return events.NoEvent
	}
	return t.events[slot]
}

func (t *PhysicalTemplate) newSlot(h events.Handle) ids.EventSlot {
	slot := ids.EventSlot(len(t.events))
	t.events = append(t.events, h)
	if !h.IsNoEvent() {
		t.eventMap[h] = slot
	}
	return slot
}

// RecordGetTermEvent materializes op's completion event, deduplicating
// against any slot already recorded for the same handle.
func (t *PhysicalTemplate) RecordGetTermEvent(op external.Operation) ids.EventSlot {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.operations[op.TraceLocalID().Key()] = op
	h := op.CompletionEvent()
	if slot, ok := t.slotFor(h); ok {
		return slot
	}
	slot := t.newSlot(h)
	t.instructions = append(t.instructions, instr.NewGetTermEvent(op.TraceLocalID(), slot))
	t.memoEntries[op.TraceLocalID().Key()] = MemoEntry{slot, op.OperationKind()}
	return slot
}

// RecordSetOpSyncEvent records op's mapping-sync precondition.
func (t *PhysicalTemplate) RecordSetOpSyncEvent(op external.Operation) ids.EventSlot {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.operations[op.TraceLocalID().Key()] = op
	h := op.SyncPrecondition()
	if slot, ok := t.slotFor(h); ok {
		return slot
	}
	slot := t.newSlot(h)
	t.instructions = append(t.instructions, instr.NewSetOpSyncEvent(op.TraceLocalID(), slot))
	return slot
}

// RecordMergeEvents appends a MergeEvent combining rhs (already-recorded
// handles) into a new slot, deduplicating operands against known slots and
// allocating fresh slots, registered in the event map, for handles external
// to the trace.
func (t *PhysicalTemplate) RecordMergeEvents(owner ids.TraceLocalID, rhs ...events.Handle) ids.EventSlot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recordMergeEventsLocked(owner, rhs...)
}

func (t *PhysicalTemplate) recordMergeEventsLocked(owner ids.TraceLocalID, rhs ...events.Handle) ids.EventSlot {
	rhsSlots := make([]ids.EventSlot, 0, len(rhs))
	for _, h := range rhs {
		slot, ok := t.slotFor(h)
		if !ok {
			slot = t.newSlot(h)
		}
		rhsSlots = append(rhsSlots, slot)
	}
	merged := t.Transport.Merge(rhs...)
	lhs := t.newSlot(merged)
	t.instructions = append(t.instructions, instr.NewMergeEvent(owner, lhs, rhsSlots))
	return lhs
}

// recordMergeSlotsLocked is the slot-native form of RecordMergeEvents, for
// operands that are already event slots rather than live handles. Its merge
// slot is not registered in the event map.
func (t *PhysicalTemplate) recordMergeSlotsLocked(owner ids.TraceLocalID, rhsSlots []ids.EventSlot) ids.EventSlot {
	merged := t.Transport.Merge() // placeholder handle; replay recomputes it
	lhs := t.newSlotUntracked(merged)
	t.instructions = append(t.instructions, instr.NewMergeEvent(owner, lhs, rhsSlots))
	return lhs
}

// newSlotUntracked allocates a slot without registering it in eventMap,
// used for slots whose handle is not yet known (recording-time placeholder,
// optimizer-inserted merges).
func (t *PhysicalTemplate) newSlotUntracked(h events.Handle) ids.EventSlot {
	slot := ids.EventSlot(len(t.events))
	t.events = append(t.events, h)
	return slot
}

// RecordIssueCopy appends an IssueCopy instruction for op with the given
// precondition slot.
func (t *PhysicalTemplate) RecordIssueCopy(owner ids.TraceLocalID, expr external.Expr, transfers []instr.FieldTransfer, reservations []uint64, pre ids.EventSlot, issuer instr.CopyIssuer) ids.EventSlot {
	t.mu.Lock()
	defer t.mu.Unlock()

	lhs := t.newSlotUntracked(events.NoEvent)
	t.instructions = append(t.instructions, instr.NewIssueCopy(owner, lhs, expr, transfers, reservations, pre, issuer))
	return lhs
}

// RecordIssueFill appends an IssueFill instruction.
func (t *PhysicalTemplate) RecordIssueFill(owner ids.TraceLocalID, expr external.Expr, fieldIDs []int, fillValue []byte, pre ids.EventSlot, issuer instr.CopyIssuer) ids.EventSlot {
	t.mu.Lock()
	defer t.mu.Unlock()

	lhs := t.newSlotUntracked(events.NoEvent)
	t.instructions = append(t.instructions, instr.NewIssueFill(owner, lhs, expr, fieldIDs, fillValue, pre, issuer))
	return lhs
}

// RecordIssueAcross appends an IssueAcross instruction.
func (t *PhysicalTemplate) RecordIssueAcross(owner ids.TraceLocalID, executor instr.AcrossExecutor, copyPre, collectivePre, srcIndirectPre, dstIndirectPre ids.EventSlot, issuer instr.CopyIssuer) ids.EventSlot {
	t.mu.Lock()
	defer t.mu.Unlock()

	lhs := t.newSlotUntracked(events.NoEvent)
	t.instructions = append(t.instructions, instr.NewIssueAcross(owner, lhs, executor, copyPre, collectivePre, srcIndirectPre, dstIndirectPre, issuer))
	return lhs
}

// RecordSetEffects appends a SetEffects instruction reading slot rhs.
func (t *PhysicalTemplate) RecordSetEffects(owner ids.TraceLocalID, rhs ids.EventSlot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.instructions = append(t.instructions, instr.NewSetEffects(owner, rhs))
}

// RecordCompleteReplay appends a CompleteReplay instruction reading slot rhs.
func (t *PhysicalTemplate) RecordCompleteReplay(owner ids.TraceLocalID, rhs ids.EventSlot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.instructions = append(t.instructions, instr.NewCompleteReplay(owner, rhs))
}

// RecordBarrierArrival appends a BarrierArrival instruction.
func (t *PhysicalTemplate) RecordBarrierArrival(owner ids.TraceLocalID, rhs ids.EventSlot, barrier *events.Barrier, arrivals uint32, collective bool) ids.EventSlot {
	t.mu.Lock()
	defer t.mu.Unlock()
	lhs := t.newSlotUntracked(events.NoEvent)
	t.instructions = append(t.instructions, instr.NewBarrierArrival(owner, lhs, rhs, barrier, arrivals, collective))
	t.frontiers[lhs] = rhs
	return lhs
}

// RecordBarrierAdvance appends a BarrierAdvance instruction.
func (t *PhysicalTemplate) RecordBarrierAdvance(owner ids.TraceLocalID, barrier *events.Barrier) ids.EventSlot {
	t.mu.Lock()
	defer t.mu.Unlock()
	lhs := t.newSlotUntracked(events.NoEvent)
	t.instructions = append(t.instructions, instr.NewBarrierAdvance(owner, lhs, barrier))
	return lhs
}

// RecordMapperOutput caches a mapper decision verbatim, keyed by op.
func (t *PhysicalTemplate) RecordMapperOutput(op ids.TraceLocalID, out external.MapperOutput) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cachedMappings[op.Key()] = out
}

func (t *PhysicalTemplate) CachedMapperOutput(op ids.TraceLocalID) (external.MapperOutput, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out, ok := t.cachedMappings[op.Key()]
	return out, ok
}

// RecordPremapOutput caches a premap decision verbatim.
func (t *PhysicalTemplate) RecordPremapOutput(op ids.TraceLocalID, out any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cachedPremappings[op.Key()] = out
}

// RecordReservations caches the reservation acquisitions for an op.
func (t *PhysicalTemplate) RecordReservations(op ids.TraceLocalID, reservations []uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cachedReservations[op.Key()] = reservations
}

// RecordOpView / RecordCopyViews / RecordFillViews / RecordIndirectViews all
// build view_users the same way: given the slot an instruction just wrote,
// snapshot the view's current last-users (for later fence elision), then
// insert this instruction's own entry under the view-user conflict filter
// (§4.4.2).
func (t *PhysicalTemplate) RecordOpView(instrIdx int, view external.ViewID, usage external.Usage, expr external.Expr, mask fields.Mask, owner ids.TraceLocalID, shard ids.ShardID, reduceOp int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recordViewLocked(instrIdx, view, usage, expr, mask, owner, shard, reduceOp)
}

func (t *PhysicalTemplate) RecordCopyViews(instrIdx int, view external.ViewID, usage external.Usage, expr external.Expr, mask fields.Mask, owner ids.TraceLocalID, shard ids.ShardID, reduceOp int) {
	t.RecordOpView(instrIdx, view, usage, expr, mask, owner, shard, reduceOp)
}

func (t *PhysicalTemplate) RecordFillViews(instrIdx int, view external.ViewID, expr external.Expr, mask fields.Mask, owner ids.TraceLocalID, shard ids.ShardID) {
	t.RecordOpView(instrIdx, view, external.UsageWriteDiscard, expr, mask, owner, shard, 0)
}

func (t *PhysicalTemplate) RecordIndirectViews(instrIdx int, view external.ViewID, usage external.Usage, expr external.Expr, mask fields.Mask, owner ids.TraceLocalID, shard ids.ShardID) {
	t.RecordOpView(instrIdx, view, usage, expr, mask, owner, shard, 0)
}

func (t *PhysicalTemplate) recordViewLocked(instrIdx int, view external.ViewID, usage external.Usage, expr external.Expr, mask fields.Mask, owner ids.TraceLocalID, shard ids.ShardID, reduceOp int) {
	prior := t.viewUsers[view]
	priorSlots := make([]ids.EventSlot, 0, len(prior))
	for _, u := range prior {
		priorSlots = append(priorSlots, u.UserSlot)
	}
	t.instrViews[instrIdx] = append(t.instrViews[instrIdx], viewRef{View: view, PriorSlots: priorSlots})

	var userSlot ids.EventSlot = -1
	if instrIdx >= 0 && instrIdx < len(t.instructions) {
		userSlot = t.instructions[instrIdx].Writes()
	}

	t.addViewUserLocked(view, ViewUser{
		Usage: usage, UserSlot: userSlot, Expr: expr, Mask: mask,
		Owner: owner, Shard: shard, ReduceOp: reduceOp,
	})
}

// addViewUserLocked implements the view-user conflict filter (§4.4.2,
// invariant 3): drop every previously recorded user with overlapping
// fields, intersecting expression, and conflicting usage; only the most
// recent survives.
func (t *PhysicalTemplate) addViewUserLocked(view external.ViewID, vu ViewUser) {
	existing := t.viewUsers[view]
	kept := make([]ViewUser, 0, len(existing)+1)
	for _, e := range existing {
		fieldsOverlap := e.Mask.Overlaps(vu.Mask)
		exprOverlap := t.Forest != nil && !t.Forest.IsEmpty(t.Forest.Intersect(e.Expr, vu.Expr))
		conflict := !external.Compatible(e.Usage, vu.Usage, e.ReduceOp, vu.ReduceOp)
		if fieldsOverlap && exprOverlap && conflict {
			continue
		}
		kept = append(kept, e)
	}
	kept = append(kept, vu)
	t.viewUsers[view] = kept
}

// MarkBlockingCallObserved flags the recording as having observed a
// blocking call mid-trace; Finalize refuses to mark such a template
// replayable (§7, BlockingCallObserved).
func (t *PhysicalTemplate) MarkBlockingCallObserved() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.blockingCall = true
}

// MarkVirtualMappingObserved flags the recording as having observed a
// virtual mapping mid-trace; Finalize refuses to mark such a template
// replayable (§7, VirtualMappingObserved).
func (t *PhysicalTemplate) MarkVirtualMappingObserved() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.virtualMapping = true
}

// ViewUsers returns a snapshot of the current view_users table.
func (t *PhysicalTemplate) ViewUsers() map[external.ViewID][]ViewUser {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[external.ViewID][]ViewUser, len(t.viewUsers))
	for v, us := range t.viewUsers {
		out[v] = append([]ViewUser(nil), us...)
	}
	return out
}

