// Package testutil provides minimal in-process external.Transport and
// external.ParentContext doubles for integration tests that exercise a
// Manager end to end, the same role tempodb/backend/test's local backend
// plays for storage-layer integration tests: a real implementation of the
// narrow interface, not a mock recording expectations.
package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/taskrt/tracecore/pkg/tracecore/events"
	"github.com/taskrt/tracecore/pkg/tracecore/external"
	"github.com/taskrt/tracecore/pkg/tracecore/fields"
	"github.com/taskrt/tracecore/pkg/tracecore/ids"
)

// Transport is a synchronous, single-process external.Transport.
type Transport struct {
	mu     sync.Mutex
	nextID uint64
	fence  events.Handle
}

func NewTransport() *Transport {
	return &Transport{fence: events.New(0, events.RtKind)}
}

func (t *Transport) nextEvent(kind events.Kind) events.Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	return events.New(events.ID(t.nextID), kind)
}

func (t *Transport) CreateUserEvent() events.Handle  { return t.nextEvent(events.ApKind) }
func (t *Transport) TriggerEvent(_, _ events.Handle) {}
func (t *Transport) Merge(_ ...events.Handle) events.Handle {
	return t.nextEvent(events.RtKind)
}
func (t *Transport) FenceCompletion() events.Handle { return t.fence }

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

// ShardTransport extends Transport with the single-shard surface a
// Manager-level test needs to construct a sharded template; it has no peers,
// so Send always fails.
type ShardTransport struct {
	*Transport
	Shard ids.ShardID
	All   []ids.ShardID
}

func NewShardTransport(shard ids.ShardID, all []ids.ShardID) *ShardTransport {
	return &ShardTransport{Transport: NewTransport(), Shard: shard, All: all}
}

func (s *ShardTransport) Self() ids.ShardID     { return s.Shard }
func (s *ShardTransport) Shards() []ids.ShardID { return s.All }

func (s *ShardTransport) EventOwner(events.Handle) ids.ShardID { return s.Shard }

func (s *ShardTransport) Send(_ context.Context, to ids.ShardID, kind external.MessageKind, _ any) (any, error) {
	return nil, fmt.Errorf("testutil: no peer shard %d to deliver %s to", to, kind)
}

// ParentContext is a trivial external.ParentContext that records every
// dependence it is asked to register, for assertions in Manager-level
// integration tests.
type ParentContext struct {
	mu         sync.Mutex
	fence      events.Handle
	Deps       []struct{ Op, Previous ids.TraceLocalID }
	uniqueNext uint64
}

func NewParentContext() *ParentContext {
	return &ParentContext{fence: events.NoEvent}
}

func (p *ParentContext) RegisterDependence(op, previous ids.TraceLocalID, _ bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Deps = append(p.Deps, struct{ Op, Previous ids.TraceLocalID }{op, previous})
}

func (p *ParentContext) RegisterRegionDependence(op, previous ids.TraceLocalID, _, _ int, _ fields.Mask) {
	p.RegisterDependence(op, previous, true)
}

func (p *ParentContext) FenceCompletion() events.Handle { return p.fence }

func (p *ParentContext) EquivalenceSetsFor(_ external.Expr, _ fields.Mask) []external.EquivalenceSet {
	return nil
}

func (p *ParentContext) CreateSummaryOperation() external.Operation { return nil }

func (p *ParentContext) NextUniqueID() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.uniqueNext++
	return p.uniqueNext
}

// SetFence lets a test drive successive fence values.
func (p *ParentContext) SetFence(h events.Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fence = h
}
