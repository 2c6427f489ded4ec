// Package shardtest is an in-memory, multi-shard external.ShardTransport
// test double shared by the sharded package's own tests: N Transports
// registered to one Network route Send calls to each other's
// DispatchMessage synchronously, the same way transporttest.Transport
// fakes a single-shard transport.
package shardtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/taskrt/tracecore/pkg/tracecore/events"
	"github.com/taskrt/tracecore/pkg/tracecore/external"
	"github.com/taskrt/tracecore/pkg/tracecore/ids"
)

// Dispatcher is implemented by sharded.Template so Network can route
// messages to it.
type Dispatcher interface {
	DispatchMessage(kind external.MessageKind, payload any) (any, error)
}

// Network wires a fixed set of shards together for message routing.
type Network struct {
	mu    sync.Mutex
	peers map[ids.ShardID]Dispatcher
}

func NewNetwork() *Network {
	return &Network{peers: map[ids.ShardID]Dispatcher{}}
}

func (n *Network) Register(shard ids.ShardID, d Dispatcher) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.peers[shard] = d
}

// Transport is one shard's external.ShardTransport, sharing a Network with
// its peers and encoding each event's owning shard in the event ID itself
// (mirroring how Realm::ID(event).event_creator_node() derives ownership
// from the transport's own ID encoding, per §9).
type Transport struct {
	mu      sync.Mutex
	self    ids.ShardID
	shards  []ids.ShardID
	network *Network
	nextID  uint64
	fence   events.Handle
}

func NewTransport(self ids.ShardID, shards []ids.ShardID, network *Network) *Transport {
	return &Transport{self: self, shards: shards, network: network, fence: events.New(0, events.RtKind)}
}

func (t *Transport) Self() ids.ShardID     { return t.self }
func (t *Transport) Shards() []ids.ShardID { return t.shards }

// CreateEventOwnedBy creates a fresh event whose owning shard is encoded in
// the high bits of its ID, the same way the real transport's
// Realm::ID(event).event_creator_node() derives ownership from the event
// ID's own encoding rather than a side table (§9 open question).
func (t *Transport) CreateEventOwnedBy(owner ids.ShardID) events.Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := (uint64(owner) << 32) | (t.nextID & 0xFFFFFFFF)
	return events.New(events.ID(id), events.ApKind)
}

func (t *Transport) EventOwner(h events.Handle) ids.ShardID {
	return ids.ShardID(uint64(h.ID()) >> 32)
}

func (t *Transport) CreateUserEvent() events.Handle {
	return t.CreateEventOwnedBy(t.self)
}

func (t *Transport) TriggerEvent(_, _ events.Handle) {}

func (t *Transport) Merge(_ ...events.Handle) events.Handle {
	return t.CreateEventOwnedBy(t.self)
}

func (t *Transport) FenceCompletion() events.Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fence
}

func (t *Transport) NewBarrier(arrivalCount uint32, maxGenerations uint64) *events.Barrier {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.mu.Unlock()
	return events.NewBarrier(events.ID(id), arrivalCount, maxGenerations)
}

func (t *Transport) BarrierArrival(b *events.Barrier, _ uint32, _ events.Handle, collective bool) events.Handle {
	h := b.Handle()
	if !collective {
		b.Advance()
	}
	return h
}

func (t *Transport) BarrierAdvance(b *events.Barrier) events.Handle { return b.Advance() }

func (t *Transport) LaunchMetaTask(ctx context.Context, fn func(context.Context) error) <-chan error {
	ch := make(chan error, 1)
	ch <- fn(ctx)
	close(ch)
	return ch
}

func (t *Transport) Send(ctx context.Context, to ids.ShardID, kind external.MessageKind, payload any) (any, error) {
	t.network.mu.Lock()
	peer, ok := t.network.peers[to]
	t.network.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("shardtest: no peer registered for shard %d", to)
	}
	return peer.DispatchMessage(kind, payload)
}
