// Package optest provides in-memory external.Operation and instr.CopyIssuer
// test doubles shared by the template and recorder test suites.
package optest

import (
	"context"

	"github.com/taskrt/tracecore/pkg/tracecore/events"
	"github.com/taskrt/tracecore/pkg/tracecore/external"
	"github.com/taskrt/tracecore/pkg/tracecore/ids"
	"github.com/taskrt/tracecore/pkg/tracecore/instr"
)

// Op is a fake external.Operation.
type Op struct {
	ID         ids.TraceLocalID
	Kind       external.OpKind
	Regions    int
	Sync       events.Handle
	Completion events.Handle

	MemoizableV bool

	LastMapping  external.MapperOutput
	LastEffects  events.Handle
	LastReplayed events.Handle
}

func New(id ids.TraceLocalID, completion, sync events.Handle) *Op {
	return &Op{ID: id, Completion: completion, Sync: sync, MemoizableV: true}
}

func (o *Op) TraceLocalID() ids.TraceLocalID      { return o.ID }
func (o *Op) OperationKind() external.OpKind      { return o.Kind }
func (o *Op) RegionCount() int                    { return o.Regions }
func (o *Op) SyncPrecondition() events.Handle     { return o.Sync }
func (o *Op) CompletionEvent() events.Handle      { return o.Completion }
func (o *Op) Memoizable() bool                    { return o.MemoizableV }
func (o *Op) ReplayMappingOutput(m external.MapperOutput) { o.LastMapping = m }
func (o *Op) CompleteReplay(h events.Handle)              { o.LastReplayed = h }
func (o *Op) SetEffectsPostcondition(h events.Handle)     { o.LastEffects = h }

// CopyIssuer is a fake instr.CopyIssuer that hands back a fresh handle via a
// transport-like event source each time it is invoked.
type CopyIssuer struct {
	Source func() events.Handle
}

func (c *CopyIssuer) IssueCopy(_ context.Context, _ external.Expr, _ []instr.FieldTransfer, _ []uint64, _ events.Handle) (events.Handle, error) {
	return c.Source(), nil
}

func (c *CopyIssuer) IssueFill(_ context.Context, _ external.Expr, _ []int, _ []byte, _ events.Handle) (events.Handle, error) {
	return c.Source(), nil
}

func (c *CopyIssuer) IssueAcross(_ context.Context, _ instr.AcrossExecutor, _, _, _, _ events.Handle) (events.Handle, error) {
	return c.Source(), nil
}

// Executor is a fake instr.AcrossExecutor.
type Executor struct {
	Marked bool
}

func (e *Executor) MarkTraceImmutableIndirection() { e.Marked = true }
