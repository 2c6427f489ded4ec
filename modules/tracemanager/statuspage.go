package tracemanager

import (
	"io"
	"net/http"

	"github.com/jedib0t/go-pretty/v6/table"
)

// StatusHandler renders every task's trace-control state and flagged-
// warning counters as two plain-text tables, mirroring
// BackendScheduler.StatusHandler's use of go-pretty/table for its job and
// tenant-priority views.
func (m *Manager) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if token := m.cfg.StatusPageToken.Value; token != "" {
		if r.Header.Get("Authorization") != "Bearer "+token {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	tasks := table.NewWriter()
	tasks.AppendHeader(table.Row{"task", "state", "templates", "consecutive_non_replayable", "templates_since_replay"})
	for key, t := range m.tasks {
		tasks.AppendRows([]table.Row{
			{key, t.controller.State().String(), t.ring.Len(), t.controller.ConsecutiveNonReplayable(), t.controller.TemplatesSinceReplay()},
		})
	}
	tasks.AppendSeparator()

	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, tasks.Render())

	flagged := table.NewWriter()
	flagged.AppendHeader(table.Row{"task", "reason"})
	for key, t := range m.tasks {
		if t.controller.ConsecutiveNonReplayable() >= m.cfg.NonReplayableWarningThreshold {
			flagged.AppendRow(table.Row{key, "NON_REPLAYABLE_WARNING"})
		}
		if t.controller.TemplatesSinceReplay() >= m.cfg.NewTemplateWarningCount {
			flagged.AppendRow(table.Row{key, "NEW_TEMPLATE_WARNING_COUNT"})
		}
	}
	flagged.AppendSeparator()

	_, _ = io.WriteString(w, flagged.Render())
}
