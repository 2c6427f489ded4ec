// Package events models the opaque asynchronous-completion handles the
// CORE manipulates (Ap/Rt events and generational barriers) without
// depending on any concrete runtime transport. Creation, triggering and
// merging of real handles is delegated to the external.Transport collaborator
// (see pkg/tracecore/external); this package only defines the value types and
// the pure arithmetic on them (barrier generation bookkeeping).
package events

import "fmt"

// Kind distinguishes the two handle families the recorder observes.
type Kind uint8

const (
	// ApKind is an application/operation completion event.
	ApKind Kind = iota
	// RtKind is a runtime-internal (meta-task, messaging) event.
	RtKind
)

// ID is an opaque, transport-assigned identifier for one created event.
type ID uint64

// Handle is an asynchronous completion handle. The zero Handle is NoEvent,
// meaning "already happened" / "no precondition".
type Handle struct {
	id   ID
	kind Kind
	set  bool
}

// NoEvent is the canonical "no precondition" handle.
var NoEvent = Handle{}

// New constructs a Handle for a transport-assigned id and kind.
func New(id ID, kind Kind) Handle {
	return Handle{id: id, kind: kind, set: true}
}

func (h Handle) ID() ID     { return h.id }
func (h Handle) Kind() Kind { return h.kind }

// IsNoEvent reports whether h denotes "no precondition".
func (h Handle) IsNoEvent() bool { return !h.set }

func (h Handle) String() string {
	if !h.set {
		return "<no-event>"
	}
	prefix := "ap"
	if h.kind == RtKind {
		prefix = "rt"
	}
	return fmt.Sprintf("%s:%d", prefix, h.id)
}

// Equal compares two handles for identity (same transport-assigned id).
func (h Handle) Equal(other Handle) bool {
	return h.set == other.set && h.id == other.id && h.kind == other.kind
}

// Barrier is a generational, arrival-counted event. Arrivals at a given
// generation are idempotent only up to ArrivalCount; Advance moves to the
// next generation non-destructively until MaxGenerations is reached, at
// which point the barrier must be refreshed (replaced by a new one).
type Barrier struct {
	id             ID
	arrivalCount   uint32
	generation     uint64
	maxGenerations uint64
}

// NewBarrier constructs a barrier at generation 0.
func NewBarrier(id ID, arrivalCount uint32, maxGenerations uint64) *Barrier {
	if maxGenerations == 0 {
		maxGenerations = 1
	}
	return &Barrier{id: id, arrivalCount: arrivalCount, maxGenerations: maxGenerations}
}

func (b *Barrier) ID() ID                  { return b.id }
func (b *Barrier) ArrivalCount() uint32    { return b.arrivalCount }
func (b *Barrier) Generation() uint64      { return b.generation }
func (b *Barrier) MaxGenerations() uint64  { return b.maxGenerations }
func (b *Barrier) AtMaxGeneration() bool   { return b.generation+1 >= b.maxGenerations }

// Advance moves the barrier to its next generation and returns a Handle
// naming that generation's arrival event.
func (b *Barrier) Advance() Handle {
	b.generation++
	return b.generationHandle()
}

// Handle returns the event handle for the barrier's current generation,
// without advancing.
func (b *Barrier) Handle() Handle {
	return b.generationHandle()
}

func (b *Barrier) generationHandle() Handle {
	// Generation is folded into the low bits of a synthetic ID so that two
	// handles from different generations of the same barrier compare
	// unequal, matching the real barrier's "advancing is a new event" rule.
	return Handle{id: ID(uint64(b.id)<<20 | (b.generation & 0xFFFFF)), kind: RtKind, set: true}
}

// Refresh replaces the barrier's identity (a new physical barrier object)
// while resetting its generation to 0. Used by the MAX_PHASES refresh
// protocol (§4.5.2).
func (b *Barrier) Refresh(newID ID) {
	b.id = newID
	b.generation = 0
}
