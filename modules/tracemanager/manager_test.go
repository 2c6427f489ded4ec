package tracemanager_test

import (
	"context"
	"flag"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/taskrt/tracecore/modules/tracemanager"
	"github.com/taskrt/tracecore/modules/tracemanager/testutil"
	"github.com/taskrt/tracecore/pkg/tracecore/events"
	"github.com/taskrt/tracecore/pkg/tracecore/ids"
)

func newManager(t *testing.T) *tracemanager.Manager {
	t.Helper()
	var cfg tracemanager.Config
	cfg.RegisterFlagsAndApplyDefaults("tracemanager", &flag.FlagSet{})
	cfg.RingSize = 2
	cfg.NonReplayableWarningThreshold = 2
	return tracemanager.New(cfg, prometheus.NewRegistry())
}

func TestManagerRecordsEmptyTraceAsNonReplayableAndFlagsAfterThreshold(t *testing.T) {
	m := newManager(t)
	transport := testutil.NewTransport()
	parent := testutil.NewParentContext()

	m.Register("task-1", parent, nil, transport)

	ctx := context.Background()
	_, err := m.Replay(ctx, "task-1", events.NoEvent, false)
	require.NoError(t, err)

	result, err := m.Capture(ctx, "task-1")
	require.NoError(t, err)
	require.False(t, result.OK)
	require.Equal(t, "empty recording", result.Reason)

	_, err = m.NextFlagged(ctx)
	require.Error(t, err)

	_, err = m.Replay(ctx, "task-1", events.NoEvent, false)
	require.NoError(t, err)
	_, err = m.Capture(ctx, "task-1")
	require.NoError(t, err)

	flagged, err := m.NextFlagged(ctx)
	require.NoError(t, err)
	require.Equal(t, "task-1", flagged.Key)
	require.Equal(t, 2, flagged.ConsecutiveNonReplayable)

	require.NoError(t, m.Acknowledge("task-1"))
	_, err = m.NextFlagged(ctx)
	require.Error(t, err)
}

func TestManagerAutoAcknowledgesFlaggedTaskAfterTimeout(t *testing.T) {
	var cfg tracemanager.Config
	cfg.RegisterFlagsAndApplyDefaults("tracemanager", &flag.FlagSet{})
	cfg.NonReplayableWarningThreshold = 1
	cfg.AcknowledgeTimeout = time.Nanosecond
	m := tracemanager.New(cfg, prometheus.NewRegistry())

	transport := testutil.NewTransport()
	parent := testutil.NewParentContext()
	c := m.Register("task-1", parent, nil, transport)

	ctx := context.Background()
	_, err := m.Replay(ctx, "task-1", events.NoEvent, false)
	require.NoError(t, err)
	_, err = m.Capture(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, 1, c.ConsecutiveNonReplayable())

	// The flag timestamp was stamped at Capture time, so by now the
	// nanosecond timeout has long expired and NextFlagged must expire the
	// flag instead of surfacing it.
	_, err = m.NextFlagged(ctx)
	require.Error(t, err)
	require.Zero(t, c.ConsecutiveNonReplayable())
}

func TestManagerThreadsConfigIntoShardedTemplates(t *testing.T) {
	var cfg tracemanager.Config
	cfg.RegisterFlagsAndApplyDefaults("tracemanager", &flag.FlagSet{})
	cfg.ReplayParallelism = 2
	cfg.MaxPhases = 16
	m := tracemanager.New(cfg, prometheus.NewRegistry())

	transport := testutil.NewShardTransport(0, []ids.ShardID{0})
	tmpl := m.NewShardedTemplate(nil, transport)
	require.Equal(t, uint64(16), tmpl.MaxGenerations())
	require.Equal(t, 2, tmpl.ReplayParallelism)
}

func TestManagerUnknownTaskReportsNotFound(t *testing.T) {
	m := newManager(t)
	_, err := m.Capture(context.Background(), "missing")
	require.Error(t, err)
}

func TestManagerStatusHandlerRendersTables(t *testing.T) {
	m := newManager(t)
	transport := testutil.NewTransport()
	parent := testutil.NewParentContext()
	m.Register("task-1", parent, nil, transport)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	m.StatusHandler(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "task-1")
}
