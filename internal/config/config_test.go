package config

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestDefaultRuntimeConfigValidates(t *testing.T) {
	require.NoError(t, DefaultRuntimeConfig().Validate())
}

func TestLoadBytesOverridesOnlyGivenFields(t *testing.T) {
	cfg, err := LoadBytes([]byte(`
shard_count: 4
worker_count: 8
budget:
  collapse_budget_per_tick: 1
  active_domain_budget: 1
  macro_event_budget_per_tick: 1
`))
	require.NoError(t, err)
	require.Equal(t, uint32(4), cfg.ShardCount)
	require.Equal(t, uint32(8), cfg.WorkerCount)
	require.Equal(t, uint32(1), cfg.Budget.CollapseBudgetPerTick)
	require.Equal(t, uint32(1), cfg.Budget.ActiveDomainBudget)
	require.Equal(t, uint32(1), cfg.Budget.MacroEventBudgetPerTick)
	// Fields not present in the YAML keep their default-policy values.
	require.Equal(t, uint32(32), cfg.Budget.SnapshotBudgetPerTick)
	require.Equal(t, int64(256), cfg.Budget.MacroIntervalTicks)
}

func TestLoadBytesRejectsZeroShardCount(t *testing.T) {
	_, err := LoadBytes([]byte(`shard_count: 0`))
	require.ErrorIs(t, err, ErrInvalidShardCount)
}

func TestLoadBytesRejectsZeroWorkerCount(t *testing.T) {
	_, err := LoadBytes([]byte(`
shard_count: 1
worker_count: 0
`))
	require.ErrorIs(t, err, ErrInvalidWorkerCount)
}

func TestLoadBytesRejectsZeroMacroInterval(t *testing.T) {
	_, err := LoadBytes([]byte(`
budget:
  macro_interval_ticks: 0
`))
	require.ErrorIs(t, err, ErrInvalidMacroInterval)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/does-not-exist.yaml")
	require.Error(t, err)
}

func TestDefaultBudgetPolicyDeferredQueueLimitMatchesSpecDefault(t *testing.T) {
	require.Equal(t, uint32(64), DefaultBudgetPolicy().DeferredQueueLimit)
}

func TestLoadBytesRejectsDeferredQueueLimitAboveAbsoluteCap(t *testing.T) {
	_, err := LoadBytes([]byte(`
budget:
  deferred_queue_limit: 129
`))
	require.ErrorIs(t, err, ErrDeferredQueueLimitHigh)
}

func TestLoadBytesAcceptsDeferredQueueLimitAtAbsoluteCap(t *testing.T) {
	cfg, err := LoadBytes([]byte(`
budget:
  deferred_queue_limit: 128
`))
	require.NoError(t, err)
	require.Equal(t, uint32(MaxDeferredQueueLimit), cfg.Budget.DeferredQueueLimit)
}
