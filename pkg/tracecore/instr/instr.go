// Package instr defines Instruction, the tagged-variant node type of a
// compiled replay program (C1). Each case carries the TraceLocalID of the
// operation that owns it and knows how to replay itself against a
// ReplayState. The replay loop calls each case's Replay method through the
// Instruction interface; Kind tags the case, and the optimizer passes
// select cases with type switches.
package instr

import (
	"context"
	"fmt"

	"github.com/taskrt/tracecore/pkg/tracecore/events"
	"github.com/taskrt/tracecore/pkg/tracecore/external"
	"github.com/taskrt/tracecore/pkg/tracecore/ids"
)

// Kind tags an Instruction for logging, slicing, and dead-code analysis
// without requiring a type switch at every call site.
type Kind int

const (
	KindGetTermEvent Kind = iota
	KindCreateApUserEvent
	KindTriggerEvent
	KindMergeEvent
	KindAssignFenceCompletion
	KindIssueCopy
	KindIssueFill
	KindIssueAcross
	KindSetOpSyncEvent
	KindSetEffects
	KindCompleteReplay
	KindBarrierArrival
	KindBarrierAdvance
)

func (k Kind) String() string {
	switch k {
	case KindGetTermEvent:
		return "GetTermEvent"
	case KindCreateApUserEvent:
		return "CreateApUserEvent"
	case KindTriggerEvent:
		return "TriggerEvent"
	case KindMergeEvent:
		return "MergeEvent"
	case KindAssignFenceCompletion:
		return "AssignFenceCompletion"
	case KindIssueCopy:
		return "IssueCopy"
	case KindIssueFill:
		return "IssueFill"
	case KindIssueAcross:
		return "IssueAcross"
	case KindSetOpSyncEvent:
		return "SetOpSyncEvent"
	case KindSetEffects:
		return "SetEffects"
	case KindCompleteReplay:
		return "CompleteReplay"
	case KindBarrierArrival:
		return "BarrierArrival"
	case KindBarrierAdvance:
		return "BarrierAdvance"
	default:
		return "Unknown"
	}
}

// ReplayState is the mutable context one replay (or one slice of one
// replay) runs against. Events is shared across slices; per §4.4.3 step 7
// each slot is written by exactly one instruction/slice before any slice
// reads it, so no lock is required on Events itself during a single replay.
type ReplayState struct {
	Events     []events.Handle
	Transport  external.Transport
	Operations map[string]external.Operation // TraceLocalID.Key() -> Operation
	Recurrent  bool
	// FenceCompletion is this replay's fence input: the completion handed to
	// InitializeReplay, or NoEvent on a recurrent replay.
	FenceCompletion events.Handle
}

func (rs *ReplayState) op(owner ids.TraceLocalID) external.Operation {
	return rs.Operations[owner.Key()]
}

// Instruction is one node of the compiled replay program.
type Instruction interface {
	Owner() ids.TraceLocalID
	Kind() Kind
	// Reads returns the event slots this instruction reads, for the
	// transitive-reduction DAG build (§4.4.3 step 4).
	Reads() []ids.EventSlot
	// Writes returns the event slot this instruction writes, or -1 if it
	// writes none.
	Writes() ids.EventSlot
	Replay(ctx context.Context, rs *ReplayState) error
}

type base struct {
	owner ids.TraceLocalID
}

func (b base) Owner() ids.TraceLocalID { return b.owner }

// GetTermEvent materializes the owner operation's completion event into Lhs.
type GetTermEvent struct {
	base
	Lhs ids.EventSlot
}

func NewGetTermEvent(owner ids.TraceLocalID, lhs ids.EventSlot) *GetTermEvent {
	return &GetTermEvent{base{owner}, lhs}
}

func (i *GetTermEvent) Kind() Kind               { return KindGetTermEvent }
func (i *GetTermEvent) Reads() []ids.EventSlot   { return nil }
func (i *GetTermEvent) Writes() ids.EventSlot    { return i.Lhs }
func (i *GetTermEvent) Replay(_ context.Context, rs *ReplayState) error {
	op := rs.op(i.owner)
	if op == nil {
		return fmt.Errorf("GetTermEvent: no operation for %s", i.owner)
	}
	rs.Events[i.Lhs] = op.CompletionEvent()
	return nil
}

// CreateApUserEvent allocates a user-controlled event into Lhs.
type CreateApUserEvent struct {
	base
	Lhs ids.EventSlot
}

func NewCreateApUserEvent(owner ids.TraceLocalID, lhs ids.EventSlot) *CreateApUserEvent {
	return &CreateApUserEvent{base{owner}, lhs}
}

func (i *CreateApUserEvent) Kind() Kind             { return KindCreateApUserEvent }
func (i *CreateApUserEvent) Reads() []ids.EventSlot { return nil }
func (i *CreateApUserEvent) Writes() ids.EventSlot  { return i.Lhs }
func (i *CreateApUserEvent) Replay(_ context.Context, rs *ReplayState) error {
	rs.Events[i.Lhs] = rs.Transport.CreateUserEvent()
	return nil
}

// TriggerEvent triggers the user event at Lhs, using Rhs as its precondition.
type TriggerEvent struct {
	base
	Lhs, Rhs ids.EventSlot
}

func NewTriggerEvent(owner ids.TraceLocalID, lhs, rhs ids.EventSlot) *TriggerEvent {
	return &TriggerEvent{base{owner}, lhs, rhs}
}

func (i *TriggerEvent) Kind() Kind             { return KindTriggerEvent }
func (i *TriggerEvent) Reads() []ids.EventSlot { return []ids.EventSlot{i.Rhs} }
func (i *TriggerEvent) Writes() ids.EventSlot  { return -1 }
func (i *TriggerEvent) Replay(_ context.Context, rs *ReplayState) error {
	rs.Transport.TriggerEvent(rs.Events[i.Lhs], rs.Events[i.Rhs])
	return nil
}

// MergeEvent computes events[Lhs] = merge(events[r] for r in RhsSet).
type MergeEvent struct {
	base
	Lhs    ids.EventSlot
	RhsSet []ids.EventSlot
}

func NewMergeEvent(owner ids.TraceLocalID, lhs ids.EventSlot, rhs []ids.EventSlot) *MergeEvent {
	return &MergeEvent{base{owner}, lhs, rhs}
}

func (i *MergeEvent) Kind() Kind             { return KindMergeEvent }
func (i *MergeEvent) Reads() []ids.EventSlot { return i.RhsSet }
func (i *MergeEvent) Writes() ids.EventSlot  { return i.Lhs }
func (i *MergeEvent) Replay(_ context.Context, rs *ReplayState) error {
	operands := make([]events.Handle, 0, len(i.RhsSet))
	for _, s := range i.RhsSet {
		operands = append(operands, rs.Events[s])
	}
	rs.Events[i.Lhs] = rs.Transport.Merge(operands...)
	return nil
}

// AssignFenceCompletion sets events[Lhs] to the current fence completion.
type AssignFenceCompletion struct {
	base
	Lhs ids.EventSlot
}

func NewAssignFenceCompletion(owner ids.TraceLocalID, lhs ids.EventSlot) *AssignFenceCompletion {
	return &AssignFenceCompletion{base{owner}, lhs}
}

func (i *AssignFenceCompletion) Kind() Kind             { return KindAssignFenceCompletion }
func (i *AssignFenceCompletion) Reads() []ids.EventSlot { return nil }
func (i *AssignFenceCompletion) Writes() ids.EventSlot  { return i.Lhs }
func (i *AssignFenceCompletion) Replay(_ context.Context, rs *ReplayState) error {
	rs.Events[i.Lhs] = rs.FenceCompletion
	return nil
}

// FieldTransfer names one field moved by a copy.
type FieldTransfer struct {
	SrcField int
	DstField int
}

// CopyIssuer performs the actual runtime copy/fill/across dispatch; it is
// supplied by the out-of-scope launcher surface and invoked here only to
// obtain the completion event.
type CopyIssuer interface {
	IssueCopy(ctx context.Context, expr external.Expr, fields []FieldTransfer, reservations []uint64, pre events.Handle) (events.Handle, error)
	IssueFill(ctx context.Context, expr external.Expr, fields []int, fillValue []byte, pre events.Handle) (events.Handle, error)
	IssueAcross(ctx context.Context, executor AcrossExecutor, copyPre, collectivePre, srcIndirectPre, dstIndirectPre events.Handle) (events.Handle, error)
}

// AcrossExecutor is the opaque indirection-copy executor (out of scope; see
// §4.4.5).
type AcrossExecutor interface {
	MarkTraceImmutableIndirection()
}

// IssueCopy issues a region-to-region copy.
type IssueCopy struct {
	base
	Lhs          ids.EventSlot
	Expr         external.Expr
	Fields       []FieldTransfer
	Reservations []uint64
	Precondition ids.EventSlot
	Issuer       CopyIssuer
}

func NewIssueCopy(owner ids.TraceLocalID, lhs ids.EventSlot, expr external.Expr, transfers []FieldTransfer, reservations []uint64, pre ids.EventSlot, issuer CopyIssuer) *IssueCopy {
	return &IssueCopy{base{owner}, lhs, expr, transfers, reservations, pre, issuer}
}

func (i *IssueCopy) Kind() Kind             { return KindIssueCopy }
func (i *IssueCopy) Reads() []ids.EventSlot { return []ids.EventSlot{i.Precondition} }
func (i *IssueCopy) Writes() ids.EventSlot  { return i.Lhs }
func (i *IssueCopy) Replay(ctx context.Context, rs *ReplayState) error {
	h, err := i.Issuer.IssueCopy(ctx, i.Expr, i.Fields, i.Reservations, rs.Events[i.Precondition])
	if err != nil {
		return err
	}
	rs.Events[i.Lhs] = h
	return nil
}

// IssueFill issues a fill of Fields over Expr with FillValue.
type IssueFill struct {
	base
	Lhs          ids.EventSlot
	Expr         external.Expr
	Fields       []int
	FillValue    []byte
	Precondition ids.EventSlot
	Issuer       CopyIssuer
}

func NewIssueFill(owner ids.TraceLocalID, lhs ids.EventSlot, expr external.Expr, fieldIDs []int, fillValue []byte, pre ids.EventSlot, issuer CopyIssuer) *IssueFill {
	return &IssueFill{base{owner}, lhs, expr, fieldIDs, fillValue, pre, issuer}
}

func (i *IssueFill) Kind() Kind             { return KindIssueFill }
func (i *IssueFill) Reads() []ids.EventSlot { return []ids.EventSlot{i.Precondition} }
func (i *IssueFill) Writes() ids.EventSlot  { return i.Lhs }
func (i *IssueFill) Replay(ctx context.Context, rs *ReplayState) error {
	h, err := i.Issuer.IssueFill(ctx, i.Expr, i.Fields, i.FillValue, rs.Events[i.Precondition])
	if err != nil {
		return err
	}
	rs.Events[i.Lhs] = h
	return nil
}

// IssueAcross issues an indirect (gather/scatter) copy.
type IssueAcross struct {
	base
	Lhs                                                    ids.EventSlot
	Executor                                               AcrossExecutor
	CopyPre, CollectivePre, SrcIndirectPre, DstIndirectPre ids.EventSlot
	Issuer                                                 CopyIssuer
}

func NewIssueAcross(owner ids.TraceLocalID, lhs ids.EventSlot, executor AcrossExecutor, copyPre, collectivePre, srcIndirectPre, dstIndirectPre ids.EventSlot, issuer CopyIssuer) *IssueAcross {
	return &IssueAcross{base{owner}, lhs, executor, copyPre, collectivePre, srcIndirectPre, dstIndirectPre, issuer}
}

func (i *IssueAcross) Kind() Kind { return KindIssueAcross }
func (i *IssueAcross) Reads() []ids.EventSlot {
	return []ids.EventSlot{i.CopyPre, i.CollectivePre, i.SrcIndirectPre, i.DstIndirectPre}
}
func (i *IssueAcross) Writes() ids.EventSlot { return i.Lhs }
func (i *IssueAcross) Replay(ctx context.Context, rs *ReplayState) error {
	h, err := i.Issuer.IssueAcross(ctx, i.Executor,
		rs.Events[i.CopyPre], rs.Events[i.CollectivePre], rs.Events[i.SrcIndirectPre], rs.Events[i.DstIndirectPre])
	if err != nil {
		return err
	}
	rs.Events[i.Lhs] = h
	return nil
}

// SetOpSyncEvent records the owner's mapping-sync precondition into Lhs.
type SetOpSyncEvent struct {
	base
	Lhs ids.EventSlot
}

func NewSetOpSyncEvent(owner ids.TraceLocalID, lhs ids.EventSlot) *SetOpSyncEvent {
	return &SetOpSyncEvent{base{owner}, lhs}
}

func (i *SetOpSyncEvent) Kind() Kind             { return KindSetOpSyncEvent }
func (i *SetOpSyncEvent) Reads() []ids.EventSlot { return nil }
func (i *SetOpSyncEvent) Writes() ids.EventSlot  { return i.Lhs }
func (i *SetOpSyncEvent) Replay(_ context.Context, rs *ReplayState) error {
	op := rs.op(i.owner)
	if op == nil {
		return fmt.Errorf("SetOpSyncEvent: no operation for %s", i.owner)
	}
	rs.Events[i.Lhs] = op.SyncPrecondition()
	return nil
}

// SetEffects feeds events[Rhs] back to the owner as its effects postcondition.
type SetEffects struct {
	base
	Rhs ids.EventSlot
}

func NewSetEffects(owner ids.TraceLocalID, rhs ids.EventSlot) *SetEffects {
	return &SetEffects{base{owner}, rhs}
}

func (i *SetEffects) Kind() Kind             { return KindSetEffects }
func (i *SetEffects) Reads() []ids.EventSlot { return []ids.EventSlot{i.Rhs} }
func (i *SetEffects) Writes() ids.EventSlot  { return -1 }
func (i *SetEffects) Replay(_ context.Context, rs *ReplayState) error {
	op := rs.op(i.owner)
	if op == nil {
		return fmt.Errorf("SetEffects: no operation for %s", i.owner)
	}
	op.SetEffectsPostcondition(rs.Events[i.Rhs])
	return nil
}

// CompleteReplay hands events[Rhs] to the owner as its termination event.
type CompleteReplay struct {
	base
	Rhs ids.EventSlot
}

func NewCompleteReplay(owner ids.TraceLocalID, rhs ids.EventSlot) *CompleteReplay {
	return &CompleteReplay{base{owner}, rhs}
}

func (i *CompleteReplay) Kind() Kind             { return KindCompleteReplay }
func (i *CompleteReplay) Reads() []ids.EventSlot { return []ids.EventSlot{i.Rhs} }
func (i *CompleteReplay) Writes() ids.EventSlot  { return -1 }
func (i *CompleteReplay) Replay(_ context.Context, rs *ReplayState) error {
	op := rs.op(i.owner)
	if op == nil {
		return fmt.Errorf("CompleteReplay: no operation for %s", i.owner)
	}
	op.CompleteReplay(rs.Events[i.Rhs])
	return nil
}

// BarrierArrival arrives at Barrier with events[Rhs] as precondition and
// stores the barrier's generation handle into Lhs; advances the barrier
// unless Collective.
type BarrierArrival struct {
	base
	Lhs, Rhs   ids.EventSlot
	Barrier    *events.Barrier
	Arrivals   uint32
	Collective bool
}

func NewBarrierArrival(owner ids.TraceLocalID, lhs, rhs ids.EventSlot, barrier *events.Barrier, arrivals uint32, collective bool) *BarrierArrival {
	return &BarrierArrival{base{owner}, lhs, rhs, barrier, arrivals, collective}
}

func (i *BarrierArrival) Kind() Kind             { return KindBarrierArrival }
func (i *BarrierArrival) Reads() []ids.EventSlot { return []ids.EventSlot{i.Rhs} }
func (i *BarrierArrival) Writes() ids.EventSlot  { return i.Lhs }
func (i *BarrierArrival) Replay(_ context.Context, rs *ReplayState) error {
	rs.Events[i.Lhs] = rs.Transport.BarrierArrival(i.Barrier, i.Arrivals, rs.Events[i.Rhs], i.Collective)
	return nil
}

// BarrierAdvance stores the barrier's (already advanced, externally driven)
// generation handle into Lhs and advances the local view of it.
type BarrierAdvance struct {
	base
	Lhs     ids.EventSlot
	Barrier *events.Barrier
}

func NewBarrierAdvance(owner ids.TraceLocalID, lhs ids.EventSlot, barrier *events.Barrier) *BarrierAdvance {
	return &BarrierAdvance{base{owner}, lhs, barrier}
}

func (i *BarrierAdvance) Kind() Kind             { return KindBarrierAdvance }
func (i *BarrierAdvance) Reads() []ids.EventSlot { return nil }
func (i *BarrierAdvance) Writes() ids.EventSlot  { return i.Lhs }
func (i *BarrierAdvance) Replay(_ context.Context, rs *ReplayState) error {
	rs.Events[i.Lhs] = rs.Transport.BarrierAdvance(i.Barrier)
	return nil
}
