// Package traceops drives the trace control state machine (C7) from the
// enclosing parent task: Begin/Capture/Complete/Replay/Summary operations
// injected into the parent task's stream.
//
// Grounded on dskit/services.BasicService's starting/running/stopping
// three-phase lifecycle (github.com/grafana/dskit/services), mapped here
// onto an explicit finite-state machine type rather than a callback-driven
// one, matching how the teacher models BackendScheduler's own lifecycle.
package traceops

import (
	"context"
	"fmt"
	"sync"

	"github.com/taskrt/tracecore/pkg/tracecore/condset"
	"github.com/taskrt/tracecore/pkg/tracecore/events"
	"github.com/taskrt/tracecore/pkg/tracecore/external"
	"github.com/taskrt/tracecore/pkg/tracecore/template"
	"github.com/taskrt/tracecore/pkg/tracecore/tracelog"
)

// State is one state of the per-trace state machine (§4.6).
type State int

const (
	// StateLogicalOnly is the initial state: the recorder tracks
	// dependences but no physical template has been created yet.
	StateLogicalOnly State = iota
	// StateRecording is active while a physical template is being built
	// (first capture, or after a replay's test_require failed).
	StateRecording
	// StateReplaying is active once a template has matched and its
	// instruction stream is being replayed in place of the normal pipeline.
	StateReplaying
)

func (s State) String() string {
	switch s {
	case StateLogicalOnly:
		return "logical-only"
	case StateRecording:
		return "recording"
	case StateReplaying:
		return "replaying"
	default:
		return "unknown"
	}
}

// TemplateSource supplies candidate templates to test at trace entry and
// receives the newly recorded one at trace close. Realized by
// modules/tracemanager.Manager's ring buffer in the expanded system; tests
// use a trivial single-slot implementation.
type TemplateSource interface {
	Candidates() []*template.PhysicalTemplate
	Record(t *template.PhysicalTemplate)
}

// Controller drives one parent task's trace through the state machine.
// Intermediate, non-memoizing operations between two REPLAYING entries that
// invalidate the cache go through InvalidateCurrentTemplate, which always
// takes the summary-op path.
type Controller struct {
	mu sync.Mutex

	Parent    external.ParentContext
	Forest    external.RegionForest
	Transport external.Transport
	Templates TemplateSource

	// ReplayParallelism is handed to every template this controller starts
	// recording; template.New clamps it to at least 1.
	ReplayParallelism int

	state   State
	current *template.PhysicalTemplate

	// lastCompletion is the termination event of the most recent replay,
	// stored by Complete. Nothing in this package reads it back.
	lastCompletion events.Handle

	consecutiveNonReplayable int
	templatesSinceReplay     int
}

// NewController constructs a Controller in StateLogicalOnly.
func NewController(parent external.ParentContext, forest external.RegionForest, transport external.Transport, src TemplateSource) *Controller {
	return &Controller{Parent: parent, Forest: forest, Transport: transport, Templates: src, state: StateLogicalOnly}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Begin executes the Begin trace-control operation: a mapping fence that
// ensures ordering with operations submitted before the trace window
// opened.
func (c *Controller) Begin(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	fence := c.Parent.FenceCompletion()
	tracelog.Debug("msg", "trace begin", "fence", fence.String())
	return nil
}

// Replay executes the Replay trace-control operation on trace entry: it
// sets/clears equivalence sets implicitly via TestRequire, tests every
// candidate template's preconditions, and on the first match switches the
// trace to StateReplaying and queues that template's replay.
//
// If no candidate matches, the controller starts a fresh capture
// (StateRecording) and returns nil: this is not an error, it is the normal
// fallback path.
func (c *Controller) Replay(ctx context.Context, completion events.Handle, recurrent bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, cand := range c.Templates.Candidates() {
		if !cand.Replayable().OK {
			continue
		}
		ok := true
		for _, cs := range cand.Conditions() {
			if cs.NeedsRecompute() {
				cs.RecomputeEquivalenceSets(c.Parent)
			}
			if err := cs.TestRequire(ctx, c.Forest); err != nil {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		c.current = cand
		c.state = StateReplaying
		c.templatesSinceReplay = 0
		cand.InitializeReplay(completion, recurrent)
		tracelog.Info("msg", "trace replay selected template")
		return nil
	}

	c.current = template.New(c.Forest, c.Transport, c.ReplayParallelism)
	c.state = StateRecording
	tracelog.Debug("msg", "trace replay found no match, recording a new template")
	return nil
}

// Capture executes the Capture trace-control operation on first trace
// exit: it marks recording done and invokes Finalize. A non-replayable
// result does not delete the template (it is kept as a diagnostic, per
// Finalize's own contract); the controller instead tracks the consecutive-
// failure count for the NON_REPLAYABLE_WARNING threshold (owned by
// modules/tracemanager in the expanded system).
func (c *Controller) Capture(ctx context.Context) (template.Replayable, error) {
	c.mu.Lock()
	cur := c.current
	c.mu.Unlock()

	if cur == nil {
		return template.Replayable{}, fmt.Errorf("traceops: Capture called with no active template")
	}
	result := cur.Finalize(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if result.OK {
		c.consecutiveNonReplayable = 0
		c.Templates.Record(cur)
	} else {
		c.consecutiveNonReplayable++
		tracelog.Warn("msg", "trace capture non-replayable", "reason", result.Reason, "consecutive", c.consecutiveNonReplayable)
	}
	c.templatesSinceReplay++
	c.state = StateRecording
	return result, nil
}

// Complete executes the Complete trace-control operation on trace exit
// when a template already exists: on replay it chains this replay after
// any previous one (serializing successive replays) and, at replay time,
// triggers completion with the merge of all postconditions.
func (c *Controller) Complete(ctx context.Context) (events.Handle, error) {
	c.mu.Lock()
	cur := c.current
	state := c.state
	c.mu.Unlock()

	if cur == nil {
		return events.NoEvent, fmt.Errorf("traceops: Complete called with no active template")
	}

	if state == StateReplaying {
		if err := cur.PerformReplay(ctx); err != nil {
			c.mu.Lock()
			c.state = StateRecording
			c.mu.Unlock()
			return events.NoEvent, err
		}
		post := cur.FinishReplay()
		completion := c.Transport.Merge(post...)
		c.mu.Lock()
		c.lastCompletion = completion
		c.mu.Unlock()
		return completion, nil
	}

	// Recording-path completion: nothing to replay yet, the template is
	// still accumulating instructions for the next Capture.
	return events.NoEvent, nil
}

// Summary executes the Summary trace-control operation, applied lazily on
// invalidation: it applies every condition set's postconditions to the
// equivalence sets, short-circuiting no-op postconditions (§9 EXPANSION).
func (c *Controller) Summary(ctx context.Context) error {
	c.mu.Lock()
	cur := c.current
	c.mu.Unlock()
	if cur == nil {
		return nil
	}
	for _, cs := range cur.Conditions() {
		if err := cs.Ensure(ctx, c.Forest); err != nil {
			return fmt.Errorf("traceops: summary failed: %w", err)
		}
	}
	return nil
}

// InvalidateCurrentTemplate implements §4.6's handling of intermediate ops
// between two REPLAYING entries that invalidate the cache: it passes every
// condition set of the current template to mask, then runs Summary. There
// is no execution-fence path.
func (c *Controller) InvalidateCurrentTemplate(ctx context.Context, mask func(*condset.TraceConditionSet)) error {
	c.mu.Lock()
	cur := c.current
	c.mu.Unlock()
	if cur == nil {
		return nil
	}
	for _, cs := range cur.Conditions() {
		mask(cs)
	}
	return c.Summary(ctx)
}

// ConsecutiveNonReplayable exposes the running streak of failed captures
// for the NON_REPLAYABLE_WARNING threshold owned by the enclosing manager.
func (c *Controller) ConsecutiveNonReplayable() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consecutiveNonReplayable
}

// TemplatesSinceReplay exposes the running count of new templates recorded
// without an intervening replay hit, for the NEW_TEMPLATE_WARNING_COUNT
// threshold.
func (c *Controller) TemplatesSinceReplay() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.templatesSinceReplay
}

// AcknowledgeWarnings clears both warning counters, letting an operator (or
// the manager's acknowledge timeout) silence a NON_REPLAYABLE_WARNING or
// NEW_TEMPLATE_WARNING_COUNT after investigating it.
func (c *Controller) AcknowledgeWarnings() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecutiveNonReplayable = 0
	c.templatesSinceReplay = 0
}

// Current exposes the active template for status reporting, nil before the
// first Replay call.
func (c *Controller) Current() *template.PhysicalTemplate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}
