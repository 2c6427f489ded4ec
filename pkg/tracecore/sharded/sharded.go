// Package sharded implements ShardedPhysicalTemplate (C5): it extends
// PhysicalTemplate for control-replicated execution across N shards,
// naming events across shard boundaries, exchanging frontiers via
// barriers, and requiring all shards to agree on replayability.
//
// Grounded on the teacher's modules/backendscheduler/cache_sharded.go (its
// own cross-instance cache reconciliation with per-shard ownership: "each
// shard owns a slice, asks others for what it lacks") for the shape of the
// cross-shard protocol, and on dskit/ring-style membership for the
// ownership/fallback rule of §4.5.
package sharded

import (
	"context"
	"fmt"
	"sync"

	"github.com/taskrt/tracecore/pkg/tracecore/events"
	"github.com/taskrt/tracecore/pkg/tracecore/external"
	"github.com/taskrt/tracecore/pkg/tracecore/ids"
	"github.com/taskrt/tracecore/pkg/tracecore/template"
	"github.com/taskrt/tracecore/pkg/tracecore/tracelog"
)

// remoteFrontier is one barrier imported from another shard, paired with
// the local slot that must be re-bound from it on each replay.
type remoteFrontier struct {
	barrier *events.Barrier
	slot    ids.EventSlot
}

// Template extends template.PhysicalTemplate with the cross-shard naming
// and frontier machinery of §4.5. Every PhysicalTemplate method remains
// available through embedding; this type only adds what the sharded
// variant needs on top.
type Template struct {
	*template.PhysicalTemplate

	mu sync.Mutex

	Transport external.ShardTransport

	// localFrontiers are barriers this shard arrives on each replay so
	// other shards can observe our slot values (§4.5.2).
	localFrontiers map[ids.EventSlot]*events.Barrier
	// localSubscriptions tracks who listens to each local frontier.
	localSubscriptions map[ids.EventSlot]map[ids.ShardID]bool
	// remoteFrontiers are barriers imported from other shards.
	remoteFrontiers []remoteFrontier

	// collectiveBarriers holds barriers keyed by a caller-chosen key so
	// multiple shards can name the same distributed barrier (§4.5.3).
	collectiveBarriers map[string]*events.Barrier

	// localLastUsers tracks view_users entries this shard recorded for a
	// view it does not own, so that after forwarding them to the owner
	// (UPDATE_VIEW_USER) this shard's own replay postconditions still
	// include them (§4.5.4).
	localLastUsers []template.ViewUser

	localReplayable template.Replayable

	// maxGenerations is the MAX_PHASES budget for every frontier barrier
	// this shard allocates; once a barrier's generations run out,
	// PerReplayArrive refreshes it (§4.5.2).
	maxGenerations uint64
}

// New constructs a ShardedPhysicalTemplate for one shard. maxGenerations is
// the MAX_PHASES barrier generation budget; zero selects the default.
func New(forest external.RegionForest, transport external.ShardTransport, replayParallelism int, maxGenerations uint64) *Template {
	if maxGenerations == 0 {
		maxGenerations = maxGenerationsDefault
	}
	return &Template{
		PhysicalTemplate:   template.New(forest, transport, replayParallelism),
		Transport:          transport,
		localFrontiers:     map[ids.EventSlot]*events.Barrier{},
		localSubscriptions: map[ids.EventSlot]map[ids.ShardID]bool{},
		collectiveBarriers: map[string]*events.Barrier{},
		maxGenerations:     maxGenerations,
	}
}

// MaxGenerations returns the MAX_PHASES budget this template allocates its
// frontier barriers with.
func (t *Template) MaxGenerations() uint64 { return t.maxGenerations }

// findTraceShardEventRequest/Response are the wire payloads for
// MsgFindTraceShardEvent (§4.5.1, §6).
type findTraceShardEventRequest struct {
	Owner ids.TraceLocalID
	Event events.Handle
	Asker ids.ShardID
}

type findTraceShardEventResponse struct {
	Found          bool
	BarrierID      events.ID
	ArrivalCount   uint32
	MaxGenerations uint64
}

// ResolveEvent implements §4.5.1: if h's authoritative owner shard is not
// local, the shard issues FIND_TRACE_SHARD_EVENT to that owner. On a hit,
// the owner returns a single-arrival barrier which this shard imports with
// a BarrierAdvance instruction into a fresh local slot; on a miss ("not in
// my trace"), the caller records NO_INDEX (an empty, untracked slot whose
// creator shard is responsible for renaming, per invariant 5).
func (t *Template) ResolveEvent(ctx context.Context, owner ids.TraceLocalID, h events.Handle) (ids.EventSlot, error) {
	if slot, ok := t.LookupSlot(h); ok {
		return slot, nil
	}

	ownerShard := t.Transport.EventOwner(h)
	if ownerShard == t.Transport.Self() {
		// Locally created but not yet in the event map: record it as a
		// fresh, untracked slot (case (c) of invariant 5 — the creator
		// shard renames it when it becomes relevant).
		return t.noIndexSlot(owner), nil
	}

	reply, err := t.Transport.Send(ctx, ownerShard, external.MsgFindTraceShardEvent, findTraceShardEventRequest{Owner: owner, Event: h, Asker: t.Transport.Self()})
	if err != nil {
		return 0, fmt.Errorf("sharded: FIND_TRACE_SHARD_EVENT to shard %d failed: %w", ownerShard, err)
	}
	resp, ok := reply.(findTraceShardEventResponse)
	if !ok {
		return 0, fmt.Errorf("sharded: unexpected FIND_TRACE_SHARD_EVENT reply type %T", reply)
	}
	if !resp.Found {
		return t.noIndexSlot(owner), nil
	}

	barrier := events.NewBarrier(resp.BarrierID, resp.ArrivalCount, resp.MaxGenerations)
	slot := t.RecordBarrierAdvance(owner, barrier)

	t.mu.Lock()
	t.remoteFrontiers = append(t.remoteFrontiers, remoteFrontier{barrier: barrier, slot: slot})
	t.mu.Unlock()
	return slot, nil
}

// noIndexSlot allocates an untracked slot standing in for NO_INDEX: an
// event this shard cannot yet name, to be renamed by its creator shard.
func (t *Template) noIndexSlot(owner ids.TraceLocalID) ids.EventSlot {
	return t.RecordMergeEvents(owner) // zero-operand merge: an empty, renameable placeholder slot
}

// HandleFindTraceShardEvent answers an incoming FIND_TRACE_SHARD_EVENT
// request on the owner side (§4.5.1 case (a)/(b)): if this shard already
// has a slot for the named event, it allocates a fresh single-arrival
// barrier, records a BarrierArrival{arrivals=1} on its own stream so the
// slot's value is published each replay, and returns the barrier. If it
// has no slot for the event, it reports "not in my trace".
func (t *Template) HandleFindTraceShardEvent(req findTraceShardEventRequest) findTraceShardEventResponse {
	slot, ok := t.LookupSlot(req.Event)
	if !ok {
		return findTraceShardEventResponse{Found: false}
	}

	barrier := t.Transport.NewBarrier(1, t.maxGenerations)
	t.RecordBarrierArrival(req.Owner, slot, barrier, 1, false)

	t.mu.Lock()
	t.localFrontiers[slot] = barrier
	if t.localSubscriptions[slot] == nil {
		t.localSubscriptions[slot] = map[ids.ShardID]bool{}
	}
	t.localSubscriptions[slot][req.Asker] = true
	t.mu.Unlock()

	return findTraceShardEventResponse{
		Found:          true,
		BarrierID:      barrier.ID(),
		ArrivalCount:   barrier.ArrivalCount(),
		MaxGenerations: barrier.MaxGenerations(),
	}
}

// maxGenerationsDefault is the MAX_PHASES used when New is given a zero
// generation budget (collective barriers carry their own via
// RecordCollectiveBarrier).
const maxGenerationsDefault = 64

// DispatchMessage is the single entry point a real transport's message
// handler would call into; exposed so a test double (or a future real
// transport adapter) can route MsgFindTraceShardEvent without reaching into
// package internals.
func (t *Template) DispatchMessage(kind external.MessageKind, payload any) (any, error) {
	switch kind {
	case external.MsgFindTraceShardEvent:
		req, ok := payload.(findTraceShardEventRequest)
		if !ok {
			return nil, fmt.Errorf("sharded: bad payload for %s", kind)
		}
		return t.HandleFindTraceShardEvent(req), nil
	case external.MsgUpdateViewUser:
		req, ok := payload.(updateViewUserRequest)
		if !ok {
			return nil, fmt.Errorf("sharded: bad payload for %s", kind)
		}
		t.receiveViewUser(req)
		return struct{}{}, nil
	case external.MsgFrontierBarrierRefresh:
		req, ok := payload.(frontierRefreshRequest)
		if !ok {
			return nil, fmt.Errorf("sharded: bad payload for %s", kind)
		}
		t.applyFrontierRefresh(req)
		return struct{}{}, nil
	case external.MsgExchangeReplayable:
		return t.LocalReplayable(), nil
	default:
		tracelog.Warn("msg", "sharded: unhandled message kind", "kind", string(kind))
		return nil, fmt.Errorf("sharded: unhandled message kind %s", kind)
	}
}
