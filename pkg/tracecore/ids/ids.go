// Package ids defines the stable identifiers used to address operations and
// shards inside a trace window.
package ids

import (
	"fmt"

	"github.com/google/uuid"
)

// TraceLocalID identifies an operation's position in a trace, stable across
// replays of the same template. IndexPoint is empty for single tasks and
// populated with the point's coordinates for index-space tasks.
type TraceLocalID struct {
	ContextIndex uint64
	IndexPoint   []int64
}

// Key returns a canonical, comparable string for use as a map key. Two
// TraceLocalIDs with equal ContextIndex and IndexPoint contents produce the
// same key regardless of slice identity.
func (id TraceLocalID) Key() string {
	if len(id.IndexPoint) == 0 {
		return fmt.Sprintf("%d", id.ContextIndex)
	}
	return fmt.Sprintf("%d%v", id.ContextIndex, id.IndexPoint)
}

// Equal reports whether two TraceLocalIDs name the same operation.
func (id TraceLocalID) Equal(other TraceLocalID) bool {
	if id.ContextIndex != other.ContextIndex {
		return false
	}
	if len(id.IndexPoint) != len(other.IndexPoint) {
		return false
	}
	for i := range id.IndexPoint {
		if id.IndexPoint[i] != other.IndexPoint[i] {
			return false
		}
	}
	return true
}

func (id TraceLocalID) String() string {
	return id.Key()
}

// ShardID names one control-replicated instance of the parent task in the
// sharded variant.
type ShardID uint32

// EventSlot is an index into PhysicalTemplate.events. Slot 0 is always the
// fence slot.
type EventSlot int

const FenceSlot EventSlot = 0

// TemplateID uniquely names one PhysicalTemplate for the lifetime of the
// process, so a manager's ring buffer and status page can refer to a
// template without holding a pointer to it.
type TemplateID uuid.UUID

// NewTemplateID allocates a fresh TemplateID.
func NewTemplateID() TemplateID {
	return TemplateID(uuid.New())
}

func (id TemplateID) String() string {
	return uuid.UUID(id).String()
}

// InternalIndex identifies an internal operation (close/refinement) relative
// to the non-internal operation that created it.
type InternalIndex uint32
