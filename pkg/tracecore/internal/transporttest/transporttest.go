// Package transporttest is an in-memory external.Transport test double, the
// CORE's own stand-in for a real runtime transport, used the same way the
// examples use an in-memory backend fake to exercise storage code without a
// real object store.
package transporttest

import (
	"context"
	"sync"

	"github.com/taskrt/tracecore/pkg/tracecore/events"
)

// Transport is a synchronous, single-process external.Transport.
type Transport struct {
	mu     sync.Mutex
	nextID uint64
	fence  events.Handle
}

func New() *Transport {
	return &Transport{fence: events.New(0, events.RtKind)}
}

func (f *Transport) nextEvent(kind events.Kind) events.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return events.New(events.ID(f.nextID), kind)
}

func (f *Transport) CreateUserEvent() events.Handle  { return f.nextEvent(events.ApKind) }
func (f *Transport) TriggerEvent(_, _ events.Handle) {}
func (f *Transport) Merge(_ ...events.Handle) events.Handle {
	return f.nextEvent(events.RtKind)
}
func (f *Transport) FenceCompletion() events.Handle { return f.fence }

// SetFenceCompletion lets a test drive successive fence values.
func (f *Transport) SetFenceCompletion(h events.Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fence = h
}

func (f *Transport) NewBarrier(arrivalCount uint32, maxGenerations uint64) *events.Barrier {
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.mu.Unlock()
	return events.NewBarrier(events.ID(id), arrivalCount, maxGenerations)
}

func (f *Transport) BarrierArrival(b *events.Barrier, _ uint32, _ events.Handle, collective bool) events.Handle {
	h := b.Handle()
	if !collective {
		b.Advance()
	}
	return h
}

func (f *Transport) BarrierAdvance(b *events.Barrier) events.Handle { return b.Advance() }

func (f *Transport) LaunchMetaTask(ctx context.Context, fn func(context.Context) error) <-chan error {
	ch := make(chan error, 1)
	ch <- fn(ctx)
	close(ch)
	return ch
}
