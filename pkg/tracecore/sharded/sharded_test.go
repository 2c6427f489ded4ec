package sharded_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/taskrt/tracecore/pkg/tracecore/events"
	"github.com/taskrt/tracecore/pkg/tracecore/external"
	"github.com/taskrt/tracecore/pkg/tracecore/ids"
	"github.com/taskrt/tracecore/pkg/tracecore/internal/exprtest"
	"github.com/taskrt/tracecore/pkg/tracecore/internal/optest"
	"github.com/taskrt/tracecore/pkg/tracecore/internal/shardtest"
	"github.com/taskrt/tracecore/pkg/tracecore/sharded"
)

// TestS6_CrossShardEventRenameRoundTrip exercises the scenario from
// spec.md §8 S6: shard 0 asks shard 1 for an event it owns; shard 1 has a
// slot for it and returns a single-arrival barrier; shard 0 imports it with
// a BarrierAdvance into a new local slot.
func TestS6_CrossShardEventRenameRoundTrip(t *testing.T) {
	forest := exprtest.NewForest()
	net := shardtest.NewNetwork()

	t0 := shardtest.NewTransport(0, []ids.ShardID{0, 1}, net)
	t1 := shardtest.NewTransport(1, []ids.ShardID{0, 1}, net)

	shard0 := sharded.New(forest, t0, 1, 64)
	shard1 := sharded.New(forest, t1, 1, 64)
	net.Register(0, shard0)
	net.Register(1, shard1)

	// shard 1 records an operation and has a slot for its completion event.
	e := t1.CreateEventOwnedBy(1)
	op1 := optest.New(ids.TraceLocalID{ContextIndex: 0}, e, e)
	slot1 := shard1.RecordGetTermEvent(op1)
	require.NotZero(t, int(slot1))

	// shard 0 asks for that same event.
	owner := ids.TraceLocalID{ContextIndex: 1}
	slot0, err := shard0.ResolveEvent(context.Background(), owner, e)
	require.NoError(t, err)
	require.NotZero(t, int(slot0))

	instrs := shard0.Instructions()
	require.NotEmpty(t, instrs)
	found := false
	for _, in := range instrs {
		if in.Writes() == slot0 {
			found = true
		}
	}
	require.True(t, found, "expected a BarrierAdvance instruction writing the imported slot")
}

// TestS6_UnknownEventReportsNoIndex covers the "not in my trace" branch of
// §4.5.1: the owner shard has no slot for the asked-about event, so the
// asker falls back to an untracked placeholder slot instead of erroring.
func TestS6_UnknownEventReportsNoIndex(t *testing.T) {
	forest := exprtest.NewForest()
	net := shardtest.NewNetwork()

	t0 := shardtest.NewTransport(0, []ids.ShardID{0, 1}, net)
	t1 := shardtest.NewTransport(1, []ids.ShardID{0, 1}, net)

	shard0 := sharded.New(forest, t0, 1, 64)
	shard1 := sharded.New(forest, t1, 1, 64)
	net.Register(0, shard0)
	net.Register(1, shard1)

	unknown := t1.CreateEventOwnedBy(1)
	owner := ids.TraceLocalID{ContextIndex: 0}
	slot, err := shard0.ResolveEvent(context.Background(), owner, unknown)
	require.NoError(t, err)
	require.GreaterOrEqual(t, int(slot), 0)
}

// TestBarrierRefreshAfterMaxPhases is testable property 9: once the owner
// shard's frontier barrier runs out of generations, it is reissued and every
// subscribed shard observes the new identity before the next replay.
func TestBarrierRefreshAfterMaxPhases(t *testing.T) {
	forest := exprtest.NewForest()
	net := shardtest.NewNetwork()

	t0 := shardtest.NewTransport(0, []ids.ShardID{0, 1}, net)
	t1 := shardtest.NewTransport(1, []ids.ShardID{0, 1}, net)

	shard0 := sharded.New(forest, t0, 1, 64)
	shard1 := sharded.New(forest, t1, 1, 64)
	net.Register(0, shard0)
	net.Register(1, shard1)

	e := t1.CreateEventOwnedBy(1)
	op1 := optest.New(ids.TraceLocalID{ContextIndex: 0}, e, e)
	shard1.RecordGetTermEvent(op1)

	_, err := shard0.ResolveEvent(context.Background(), ids.TraceLocalID{ContextIndex: 1}, e)
	require.NoError(t, err)

	before := shard0.RemoteFrontierBarrierIDs()
	require.Len(t, before, 1)

	// Drive shard 1 through enough replays to exhaust the barrier's
	// generations; the refresh must reach shard 0 before replay proceeds.
	for i := 0; i < 70; i++ {
		require.NoError(t, shard1.PerReplayArrive(context.Background()))
	}

	after := shard0.RemoteFrontierBarrierIDs()
	require.Len(t, after, 1)
	require.NotEqual(t, before[0], after[0])
}

func TestExchangeReplayableAllShardsAgree(t *testing.T) {
	forest := exprtest.NewForest()
	net := shardtest.NewNetwork()

	t0 := shardtest.NewTransport(0, []ids.ShardID{0, 1}, net)
	t1 := shardtest.NewTransport(1, []ids.ShardID{0, 1}, net)

	shard0 := sharded.New(forest, t0, 1, 64)
	shard1 := sharded.New(forest, t1, 1, 64)
	net.Register(0, shard0)
	net.Register(1, shard1)

	op0 := optest.New(ids.TraceLocalID{ContextIndex: 0}, t0.CreateUserEvent(), events.NoEvent)
	shard0.RecordGetTermEvent(op0)
	op1 := optest.New(ids.TraceLocalID{ContextIndex: 0}, t1.CreateUserEvent(), events.NoEvent)
	shard1.RecordGetTermEvent(op1)

	owns := func(external.ViewID) ids.ShardID { return 1 }

	// shard 0 computes and publishes its own local verdict first so shard
	// 1's exchange below has something to poll.
	_, err := shard0.ExchangeReplayable(context.Background(), owns, []ids.ShardID{0})
	require.NoError(t, err)

	result, err := shard1.ExchangeReplayable(context.Background(), owns, []ids.ShardID{0, 1})
	require.NoError(t, err)
	require.True(t, result.OK)
}
