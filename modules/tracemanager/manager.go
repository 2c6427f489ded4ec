// Package tracemanager sits above the CORE trace packages
// (pkg/tracecore/...), owning everything a single CORE component must not
// own itself: a per-task ring buffer of physical templates that evicts the
// oldest-recorded template first, the NON_REPLAYABLE_WARNING and
// NEW_TEMPLATE_WARNING_COUNT operator-facing counters, Prometheus metrics,
// and the dskit/services.Service lifecycle that wires a Manager into a
// binary's module graph the way BackendScheduler is wired into
// cmd/tempo/app.
package tracemanager

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gogo/status"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc/codes"

	"github.com/taskrt/tracecore/pkg/tracecore/events"
	"github.com/taskrt/tracecore/pkg/tracecore/external"
	"github.com/taskrt/tracecore/pkg/tracecore/ids"
	"github.com/taskrt/tracecore/pkg/tracecore/sharded"
	"github.com/taskrt/tracecore/pkg/tracecore/template"
	"github.com/taskrt/tracecore/pkg/tracecore/traceops"
	"github.com/taskrt/tracecore/pkg/tracecore/tracelog"
)

var (
	// ErrUnknownTask is returned when an RPC names a task the Manager has
	// never seen a Begin for.
	ErrUnknownTask = fmt.Errorf("tracemanager: unknown task")
	// ErrNoFlaggedTasks is returned by NextFlagged when no task currently
	// exceeds a warning threshold.
	ErrNoFlaggedTasks = fmt.Errorf("tracemanager: no flagged tasks")
)

// task bundles one parent task's state-machine controller with the ring
// buffer of templates it has recorded, mirroring how BackendScheduler
// bundles a worker's in-flight job with its cached state.
type task struct {
	key        string
	controller *traceops.Controller
	ring       *templateRing

	// flaggedSince is the time the task first crossed a warning threshold,
	// zero while unflagged. NextFlagged auto-acknowledges the task once it
	// has been flagged longer than Config.AcknowledgeTimeout.
	flaggedSince time.Time
}

// Manager owns every trace-control Controller for a process, keyed by an
// opaque task key the caller chooses (typically a serialized parent-task
// ID). It implements services.Service via embedding, the same pattern
// BackendScheduler uses (services.NewBasicService(starting, running,
// stopping)).
type Manager struct {
	services.Service

	cfg     Config
	metrics *Metrics

	mu    sync.RWMutex
	tasks map[string]*task
}

// New constructs a Manager. reg is typically prometheus.DefaultRegisterer;
// tests pass a fresh prometheus.NewRegistry() so metric registration does
// not collide across test cases.
func New(cfg Config, reg prometheus.Registerer) *Manager {
	m := &Manager{
		cfg:     cfg,
		metrics: newMetrics(reg),
		tasks:   map[string]*task{},
	}
	m.Service = services.NewBasicService(m.starting, m.running, m.stopping)
	return m
}

func (m *Manager) starting(_ context.Context) error {
	tracelog.Info("msg", "tracemanager starting", "ring_size", m.cfg.RingSize)
	return nil
}

func (m *Manager) running(ctx context.Context) error {
	tracelog.Info("msg", "tracemanager running")
	<-ctx.Done()
	return nil
}

func (m *Manager) stopping(_ error) error {
	tracelog.Info("msg", "tracemanager stopping")
	return nil
}

// Register begins tracking a task: a fresh Controller in StateLogicalOnly
// and an empty ring buffer. Calling Register again for a key that already
// exists is a no-op and returns the existing controller, so callers can
// call it idempotently at the top of every trace-control operation.
func (m *Manager) Register(key string, parent external.ParentContext, forest external.RegionForest, transport external.Transport) *traceops.Controller {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.tasks[key]; ok {
		return t.controller
	}

	ring := newTemplateRing(m.cfg.RingSize, m.metrics)
	c := traceops.NewController(parent, forest, transport, ring)
	c.ReplayParallelism = m.cfg.ReplayParallelism
	m.tasks[key] = &task{key: key, controller: c, ring: ring}
	return c
}

// NewShardedTemplate constructs a control-replicated template for one shard
// of a task, threading the configured replay parallelism and MAX_PHASES
// barrier generation budget into it.
func (m *Manager) NewShardedTemplate(forest external.RegionForest, transport external.ShardTransport) *sharded.Template {
	return sharded.New(forest, transport, m.cfg.ReplayParallelism, m.cfg.MaxPhases)
}

func (m *Manager) controllerFor(key string) (*task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[key]
	return t, ok
}

// Unregister drops a task entirely, releasing its ring buffer.
func (m *Manager) Unregister(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[key]; ok {
		m.metrics.templatesActive.Sub(float64(t.ring.Len()))
		delete(m.tasks, key)
	}
}

// ReplayResponse is the RPC-style response for Replay and Complete,
// mirroring tempopb.NextJobResponse's shape without requiring a generated
// proto package for a purely in-process control surface.
type ReplayResponse struct {
	State string
}

// Replay drives a registered task's Controller.Replay: it tests every
// candidate template in that task's ring and either selects one for replay
// or falls back to starting a fresh recording.
func (m *Manager) Replay(ctx context.Context, key string, completion events.Handle, recurrent bool) (ReplayResponse, error) {
	t, ok := m.controllerFor(key)
	if !ok {
		return ReplayResponse{}, status.Error(codes.NotFound, ErrUnknownTask.Error())
	}
	if err := t.controller.Replay(ctx, completion, recurrent); err != nil {
		return ReplayResponse{}, status.Error(codes.Internal, err.Error())
	}
	return ReplayResponse{State: t.controller.State().String()}, nil
}

// CaptureResponse reports the outcome of a Capture RPC.
type CaptureResponse struct {
	OK     bool
	Reason string
}

// Capture drives a registered task's Controller.Capture and records the
// outcome in the captures_total/non_replayable_total metrics, returning a
// gRPC-style status error when the task is unknown (mirrors
// BackendScheduler.Next's codes.NotFound for "no jobs found").
func (m *Manager) Capture(ctx context.Context, key string) (CaptureResponse, error) {
	t, ok := m.controllerFor(key)
	if !ok {
		return CaptureResponse{}, status.Error(codes.NotFound, ErrUnknownTask.Error())
	}

	result, err := t.controller.Capture(ctx)
	if err != nil {
		return CaptureResponse{}, status.Error(codes.Internal, err.Error())
	}

	if result.OK {
		m.metrics.capturesTotal.WithLabelValues("replayable").Inc()
	} else {
		m.metrics.capturesTotal.WithLabelValues("non_replayable").Inc()
		m.metrics.nonReplayableTotal.WithLabelValues(result.Reason).Inc()
	}

	if t.controller.ConsecutiveNonReplayable() >= m.cfg.NonReplayableWarningThreshold {
		tracelog.Warn("msg", "NON_REPLAYABLE_WARNING", "task", key, "streak", t.controller.ConsecutiveNonReplayable())
		m.noteFlagged(t)
	}
	if t.controller.TemplatesSinceReplay() >= m.cfg.NewTemplateWarningCount {
		tracelog.Warn("msg", "NEW_TEMPLATE_WARNING_COUNT", "task", key, "count", t.controller.TemplatesSinceReplay())
		m.noteFlagged(t)
	}

	return CaptureResponse{OK: result.OK, Reason: result.Reason}, nil
}

// noteFlagged stamps the time a task first crossed a warning threshold, so
// NextFlagged can expire the flag after Config.AcknowledgeTimeout.
func (m *Manager) noteFlagged(t *task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.flaggedSince.IsZero() {
		t.flaggedSince = time.Now()
	}
}

// Complete drives a registered task's Controller.Complete and records the
// replay outcome.
func (m *Manager) Complete(ctx context.Context, key string) (ReplayResponse, error) {
	t, ok := m.controllerFor(key)
	if !ok {
		return ReplayResponse{}, status.Error(codes.NotFound, ErrUnknownTask.Error())
	}
	_, err := t.controller.Complete(ctx)
	if err != nil {
		m.metrics.replaysTotal.WithLabelValues("failed").Inc()
		return ReplayResponse{}, status.Error(codes.Internal, err.Error())
	}
	outcome := "no_op"
	if t.controller.State() == traceops.StateReplaying {
		outcome = "replayed"
	}
	m.metrics.replaysTotal.WithLabelValues(outcome).Inc()
	return ReplayResponse{State: t.controller.State().String()}, nil
}

// FlaggedTask describes one task currently past a warning threshold, as
// returned by NextFlagged.
type FlaggedTask struct {
	Key                      string
	ConsecutiveNonReplayable int
	TemplatesSinceReplay     int
}

// NextFlagged returns one task currently past either warning threshold, in
// map iteration order (Go's map order is unspecified, matching
// BackendScheduler.Next's "whichever job is available" semantics — callers
// needing a stable order should page through Acknowledge calls instead).
// It returns codes.NotFound when nothing is flagged, mirroring
// BackendScheduler.Next's empty-queue response.
//
// A task flagged longer than Config.AcknowledgeTimeout is acknowledged
// automatically and skipped, so a crashed operator tool cannot wedge the
// flag queue forever.
func (m *Manager) NextFlagged(_ context.Context) (FlaggedTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, t := range m.tasks {
		streak := t.controller.ConsecutiveNonReplayable()
		thrash := t.controller.TemplatesSinceReplay()
		if streak < m.cfg.NonReplayableWarningThreshold && thrash < m.cfg.NewTemplateWarningCount {
			t.flaggedSince = time.Time{}
			continue
		}
		if t.flaggedSince.IsZero() {
			t.flaggedSince = time.Now()
		}
		if m.cfg.AcknowledgeTimeout > 0 && time.Since(t.flaggedSince) >= m.cfg.AcknowledgeTimeout {
			tracelog.Warn("msg", "flagged task auto-acknowledged after timeout", "task", key, "flagged_for", time.Since(t.flaggedSince).String())
			t.controller.AcknowledgeWarnings()
			t.flaggedSince = time.Time{}
			continue
		}
		return FlaggedTask{Key: key, ConsecutiveNonReplayable: streak, TemplatesSinceReplay: thrash}, nil
	}
	return FlaggedTask{}, status.Error(codes.NotFound, ErrNoFlaggedTasks.Error())
}

// Acknowledge clears a flagged task's warning counters, mirroring
// BackendScheduler.UpdateJob's role of clearing a worker's assignment once
// it has been dealt with.
func (m *Manager) Acknowledge(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[key]
	if !ok {
		return status.Error(codes.NotFound, ErrUnknownTask.Error())
	}
	t.controller.AcknowledgeWarnings()
	t.flaggedSince = time.Time{}
	return nil
}

// templateRing is a TemplateSource (traceops.TemplateSource) backed by a
// fixed-size ring that evicts the oldest-recorded template once full,
// ordered by a monotonically increasing counter stamped in Record, via
// container/heap — the same ordering structure tenantselector.PriorityQueue
// uses for compaction priority, repurposed here for recency instead of
// tenant weight. Selecting a template for replay does not restamp it, so
// eviction order is record order.
type templateRing struct {
	mu      sync.Mutex
	size    int
	metrics *Metrics
	clock   uint64
	entries ringHeap
	byID    map[ids.TemplateID]*ringEntry
}

type ringEntry struct {
	tmpl     *template.PhysicalTemplate
	lastUsed uint64
}

type ringHeap []*ringEntry

func (h ringHeap) Len() int           { return len(h) }
func (h ringHeap) Less(i, j int) bool { return h[i].lastUsed < h[j].lastUsed }
func (h ringHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *ringHeap) Push(x interface{}) {
	*h = append(*h, x.(*ringEntry))
}
func (h *ringHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

func newTemplateRing(size int, metrics *Metrics) *templateRing {
	if size < 1 {
		size = 1
	}
	return &templateRing{size: size, metrics: metrics, byID: map[ids.TemplateID]*ringEntry{}}
}

// Candidates implements traceops.TemplateSource, returning every template
// currently in the ring, newest lastUsed first so the controller tries the
// most recently recorded template before older ones.
func (r *templateRing) Candidates() []*template.PhysicalTemplate {
	r.mu.Lock()
	defer r.mu.Unlock()

	sorted := make(ringHeap, len(r.entries))
	copy(sorted, r.entries)
	ordered := make([]*template.PhysicalTemplate, 0, len(sorted))
	for len(sorted) > 0 {
		e := heap.Pop(&sorted).(*ringEntry)
		ordered = append(ordered, e.tmpl)
	}
	// ordered is currently oldest-first (heap.Pop yields smallest lastUsed
	// first); reverse so Candidates tries the most recently recorded
	// template first.
	for i, j := 0, len(ordered)-1; i < j; i, j = i+1, j-1 {
		ordered[i], ordered[j] = ordered[j], ordered[i]
	}
	return ordered
}

// Record implements traceops.TemplateSource: inserts t as the newest entry,
// evicting the oldest-recorded template if the ring is full.
func (r *templateRing) Record(t *template.PhysicalTemplate) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clock++
	key := t.ID
	entry := &ringEntry{tmpl: t, lastUsed: r.clock}
	heap.Push(&r.entries, entry)
	r.byID[key] = entry
	if r.metrics != nil {
		r.metrics.templatesActive.Inc()
	}

	for len(r.entries) > r.size {
		evicted := heap.Pop(&r.entries).(*ringEntry)
		delete(r.byID, evicted.tmpl.ID)
		// Retiring a template must run the equivalence-set cancellation
		// handshake so no equivalence set keeps a back-pointer to a
		// condition set that is about to go away.
		for _, cs := range evicted.tmpl.Conditions() {
			cs.Teardown()
		}
		if r.metrics != nil {
			r.metrics.templatesActive.Dec()
			r.metrics.evictionsTotal.Inc()
		}
	}
}

// Len reports how many templates the ring currently holds.
func (r *templateRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
