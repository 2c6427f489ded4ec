// Package external declares the narrow interfaces the CORE uses to reach
// every collaborator spec.md places out of scope: the operation launcher
// surface, the mapper, the region-tree/index-space algebra, the
// equivalence-set/version-manager subsystem, and the runtime transport. The
// CORE never imports a concrete launcher, mapper, or region-tree package —
// it only ever sees these interfaces.
package external

import (
	"context"

	"github.com/taskrt/tracecore/pkg/tracecore/events"
	"github.com/taskrt/tracecore/pkg/tracecore/fields"
	"github.com/taskrt/tracecore/pkg/tracecore/ids"
)

// Expr is an opaque index-space expression handle. Two Exprs are the same
// expression iff RegionForest.Equal reports true for them; the CORE never
// inspects an Expr's internals.
type Expr interface {
	// ExprID is a stable identity used only for map keys and logging; it is
	// not a substitute for RegionForest.Equal.
	ExprID() string
}

// RegionForest supplies the index-space algebra views and view_users rely
// on. All operations are pure (no mutation of their arguments).
type RegionForest interface {
	Union(a, b Expr) Expr
	Intersect(a, b Expr) Expr
	Difference(a, b Expr) Expr
	Volume(e Expr) uint64
	IsEmpty(e Expr) bool
	Equal(a, b Expr) bool
	// Covers reports whether e's volume equals the volume of the root
	// region expression it was carved from, i.e. e "covers the whole
	// region" (§4.2 insert canonicalization).
	Covers(e Expr, root Expr) bool
}

// ViewID names a field-masked handle to a physical instance.
type ViewID string

// Usage is the read/write/reduce compatibility classification used by the
// view-user conflict filter (§4.4.2).
type Usage int

const (
	UsageReadOnly Usage = iota
	UsageReadWrite
	UsageWriteDiscard
	UsageReduce
)

// Compatible implements the read/write/reduce compatibility table: two
// usages conflict unless both are read-only, or both are reduce with the
// same reduction operator.
func Compatible(a, b Usage, reduceOpA, reduceOpB int) bool {
	if a == UsageReadOnly && b == UsageReadOnly {
		return true
	}
	if a == UsageReduce && b == UsageReduce {
		return reduceOpA == reduceOpB
	}
	return false
}

// OpKind enumerates the kinds of operations the recorder/template can
// observe.
type OpKind int

const (
	OpKindTask OpKind = iota
	OpKindCopy
	OpKindFill
	OpKindAcross
	OpKindAttach
	OpKindInternal
)

// MapperOutput is cached verbatim by PhysicalTemplate.cached_mappings (§6).
type MapperOutput struct {
	Variant          uint64
	TargetProcs      []uint64
	TaskPriority     int
	PostmapTask      bool
	FutureLocations  []uint64
	FutureSizeBounds []uint64
	PhysicalInstances []uint64
	Reservations     []uint64
}

// Operation is the per-op-kind surface the trace control state machine and
// the template drive (§6).
type Operation interface {
	TraceLocalID() ids.TraceLocalID
	OperationKind() OpKind
	RegionCount() int
	SyncPrecondition() events.Handle
	CompletionEvent() events.Handle
	Memoizable() bool

	ReplayMappingOutput(MapperOutput)
	CompleteReplay(events.Handle)
	SetEffectsPostcondition(events.Handle)
}

// EquivalenceSet is the data-version-tracking entity queried to enumerate
// current view->expression mappings for a field mask, and to receive
// invalid/antivalid/overwrite analyses from TraceConditionSet (§4.3).
type EquivalenceSet interface {
	// EmitViewSets asks the equivalence set to (asynchronously) produce the
	// pre/anti/post view sets for the covered expression and field mask. The
	// returned channel may carry several triples and is closed after the
	// last one has been sent.
	EmitViewSets(ctx context.Context, expr Expr, mask fields.Mask) <-chan ViewSetTriple

	InvalidInstAnalysis(ctx context.Context, view ViewID, expr Expr, mask fields.Mask) error
	AntivalidInstAnalysis(ctx context.Context, view ViewID, expr Expr, mask fields.Mask) error
	OverwriteAnalysis(ctx context.Context, view ViewID, expr Expr, mask fields.Mask) error

	// Subscribe/Cancel implement the back-pointer handshake of §9: equivalence
	// sets hold back-pointers to subscribed condition sets and must be told
	// to drop them on template teardown.
	Subscribe(subscriber ids.TraceLocalID, mask fields.Mask)
	Cancel(subscriber ids.TraceLocalID)
}

// ViewSetTriple is what an EquivalenceSet emits in response to a capture
// request: the pre/anti/post (view, expr, mask) triples for its footprint.
type ViewSetTriple struct {
	View    ViewID
	Expr    Expr
	Mask    fields.Mask
	Kind    ViewSetKind
}

type ViewSetKind int

const (
	ViewSetPre ViewSetKind = iota
	ViewSetAnti
	ViewSetPost
)

// ParentContext is the enclosing parent task's surface (§6): dependence
// registration, fence queries, equivalence-set lookup, summary-op creation,
// unique-ID generation.
type ParentContext interface {
	RegisterDependence(op, previous ids.TraceLocalID, validates bool)
	RegisterRegionDependence(op, previous ids.TraceLocalID, reqIndex, prevReqIndex int, mask fields.Mask)

	FenceCompletion() events.Handle
	EquivalenceSetsFor(expr Expr, mask fields.Mask) []EquivalenceSet

	CreateSummaryOperation() Operation
	NextUniqueID() uint64
}

// Transport supplies event creation/trigger/merge, barrier allocation, and
// meta-task launch (§5, §6). The sharded variant layers ShardTransport on
// top for inter-shard messaging.
type Transport interface {
	CreateUserEvent() events.Handle
	// TriggerEvent fires the user event once pre has completed; a NoEvent
	// precondition fires it immediately.
	TriggerEvent(h events.Handle, pre events.Handle)
	Merge(evts ...events.Handle) events.Handle
	FenceCompletion() events.Handle

	NewBarrier(arrivalCount uint32, maxGenerations uint64) *events.Barrier
	// BarrierArrival arrives at the barrier with the given precondition and
	// arrival count, returning the handle for this arrival's generation. It
	// advances the barrier unless collective is true (collective barriers are
	// advanced externally once all participants have arrived).
	BarrierArrival(b *events.Barrier, arrivals uint32, pre events.Handle, collective bool) events.Handle
	BarrierAdvance(b *events.Barrier) events.Handle

	// LaunchMetaTask enqueues fn on a background worker pool and returns
	// once it has been scheduled (not once it has run); fn's own completion
	// is signalled by closing the returned channel.
	LaunchMetaTask(ctx context.Context, fn func(context.Context) error) <-chan error
}

// MessageKind enumerates the sharded variant's inter-shard message types
// (§6).
type MessageKind string

const (
	MsgUpdateViewUser           MessageKind = "UPDATE_VIEW_USER"
	MsgUpdateLastUser           MessageKind = "UPDATE_LAST_USER"
	MsgFindLastUsersRequest     MessageKind = "FIND_LAST_USERS_REQUEST"
	MsgFindLastUsersResponse    MessageKind = "FIND_LAST_USERS_RESPONSE"
	MsgFindFrontierRequest      MessageKind = "FIND_FRONTIER_REQUEST"
	MsgFindFrontierResponse     MessageKind = "FIND_FRONTIER_RESPONSE"
	MsgReadOnlyUsersRequest     MessageKind = "READ_ONLY_USERS_REQUEST"
	MsgReadOnlyUsersResponse    MessageKind = "READ_ONLY_USERS_RESPONSE"
	MsgTemplateBarrierRefresh   MessageKind = "TEMPLATE_BARRIER_REFRESH"
	MsgFrontierBarrierRefresh   MessageKind = "FRONTIER_BARRIER_REFRESH"
	MsgFindTraceShardEvent      MessageKind = "FIND_TRACE_SHARD_EVENT"
	// MsgExchangeReplayable realizes §4.5.4's exchange_replayable call as an
	// explicit message kind; spec.md names the mechanism but not a wire
	// constant for it the way it does for the other cross-shard exchanges.
	MsgExchangeReplayable MessageKind = "EXCHANGE_REPLAYABLE"
)

// ShardTransport extends Transport with the cross-shard messaging the
// sharded variant needs (§4.5, §6).
type ShardTransport interface {
	Transport

	Self() ids.ShardID
	Shards() []ids.ShardID
	// EventOwner derives the shard that created an event, analogous to
	// Realm::ID(event).event_creator_node() in the source transport (§9 open
	// question: this couples to the transport's ID encoding by design).
	EventOwner(events.Handle) ids.ShardID

	// Send delivers kind/payload to the target shard and blocks for its
	// reply. The sharded template never re-enters its own recording lock
	// while a Send is outstanding.
	Send(ctx context.Context, to ids.ShardID, kind MessageKind, payload any) (any, error)
}
