package tracemanager

import (
	"flag"
	"time"

	"github.com/grafana/dskit/flagext"
)

// Config configures one Manager: how many parallel slices a replay may
// dispatch, how many generations a cross-shard barrier survives before it
// must be refreshed, how many templates a task's ring buffer keeps before
// evicting the oldest-recorded one, and the warning thresholds that
// drive tracecore_non_replayable_total's operator-facing counterpart.
type Config struct {
	ReplayParallelism int `yaml:"replay_parallelism"`

	// MaxPhases bounds a cross-shard frontier barrier's generation count
	// (MAX_PHASES, §4.5.2) before PerReplayArrive refreshes it.
	MaxPhases uint64 `yaml:"max_phases"`

	// RingSize is the number of templates kept per task before the oldest
	// is evicted.
	RingSize int `yaml:"ring_size"`

	// NonReplayableWarningThreshold is the number of consecutive
	// non-replayable captures before a task is surfaced as flagged.
	NonReplayableWarningThreshold int `yaml:"non_replayable_warning_threshold"`

	// NewTemplateWarningCount is the number of new templates recorded
	// without an intervening replay before a task is flagged as thrashing.
	NewTemplateWarningCount int `yaml:"new_template_warning_count"`

	// AcknowledgeTimeout bounds how long a flagged task stays surfaced by
	// NextFlagged before it is acknowledged automatically, so a crashed
	// operator tool cannot wedge the status page forever.
	AcknowledgeTimeout time.Duration `yaml:"acknowledge_timeout"`

	// StatusPageToken, if set, must be presented as a bearer token to
	// StatusHandler. Empty disables the check.
	StatusPageToken flagext.Secret `yaml:"status_page_token"`
}

// RegisterFlagsAndApplyDefaults registers flags under prefix and applies
// defaults, mirroring modules/backendscheduler.Config and
// cmd/tempo/app.Config.
func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	c.ReplayParallelism = 4
	c.MaxPhases = 64
	c.RingSize = 8
	c.NonReplayableWarningThreshold = 3
	c.NewTemplateWarningCount = 5
	c.AcknowledgeTimeout = 10 * time.Minute

	f.IntVar(&c.ReplayParallelism, prefix+".replay-parallelism", c.ReplayParallelism, "Number of slices a replay may dispatch concurrently.")
	f.Uint64Var(&c.MaxPhases, prefix+".max-phases", c.MaxPhases, "Number of generations a cross-shard frontier barrier survives before refresh.")
	f.IntVar(&c.RingSize, prefix+".ring-size", c.RingSize, "Number of templates kept per task before the oldest-recorded one is evicted.")
	f.IntVar(&c.NonReplayableWarningThreshold, prefix+".non-replayable-warning-threshold", c.NonReplayableWarningThreshold, "Consecutive non-replayable captures before a task is flagged.")
	f.IntVar(&c.NewTemplateWarningCount, prefix+".new-template-warning-count", c.NewTemplateWarningCount, "New templates recorded without an intervening replay before a task is flagged as thrashing.")
	f.DurationVar(&c.AcknowledgeTimeout, prefix+".acknowledge-timeout", c.AcknowledgeTimeout, "How long a flagged task stays surfaced before it is acknowledged automatically.")
	f.Var(&c.StatusPageToken, prefix+".status-page-token", "Bearer token required to view the status page, empty to disable.")
}
