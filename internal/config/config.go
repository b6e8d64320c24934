// Package config loads the budget policy and runtime configuration that
// parameterize the scale engine and runtime, the way cmd/node and
// cmd/coordinator load their settings from the environment — but for a
// library-embedded engine, the natural source is a YAML file a caller
// supplies (scenario fixtures, a deployment's worlddef), not env vars.
package config

import (
	"errors"
	"os"

	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidShardCount      = errors.New("config: shard_count must be >= 1")
	ErrInvalidWorkerCount     = errors.New("config: worker_count must be >= 1")
	ErrInvalidMinDwell        = errors.New("config: min_dwell_ticks must be >= 0")
	ErrInvalidMacroInterval   = errors.New("config: macro_interval_ticks must be >= 1")
	ErrDeferredQueueLimitHigh = errors.New("config: deferred_queue_limit must be <= 128")
)

// MaxDeferredQueueLimit is the absolute deferred-queue cap: no policy,
// configured or default, may admit a deferred queue larger than this.
const MaxDeferredQueueLimit = 128

// BudgetPolicy carries the per-tick budget caps and admission thresholds:
// tier caps, dwell ticks, compaction thresholds, and the per-tick cost for
// each budget kind.
type BudgetPolicy struct {
	CollapseBudgetPerTick      uint32 `yaml:"collapse_budget_per_tick"`
	MacroEventBudgetPerTick    uint32 `yaml:"macro_event_budget_per_tick"`
	AgentPlanningBudgetPerTick uint32 `yaml:"agent_planning_budget_per_tick"`
	SnapshotBudgetPerTick      uint32 `yaml:"snapshot_budget_per_tick"`
	RefinementBudgetPerTick    uint32 `yaml:"refinement_budget_per_tick"`
	ActiveDomainBudget         uint32 `yaml:"active_domain_budget"`
	MaxTier2Domains            uint32 `yaml:"max_tier2_domains"`
	DeferredQueueLimit         uint32 `yaml:"deferred_queue_limit"`
	CompactionBudgetPerTick    uint32 `yaml:"compaction_budget_per_tick"`
	CompactionEventThreshold   uint32 `yaml:"compaction_event_threshold"`
	CompactionTimeThreshold    int64  `yaml:"compaction_time_threshold"`
	MinDwellTicks              int64  `yaml:"min_dwell_ticks"`
	MacroIntervalTicks         int64  `yaml:"macro_interval_ticks"`

	// Interest hysteresis thresholds over an external interest signal's
	// strength. A domain enters WARM once its signal
	// strength reaches InterestEnterWarm but only falls back to LATENT once
	// it drops below the lower InterestExitWarm threshold, and likewise for
	// HOT/InterestEnterHot/InterestExitHot — the gap between enter and exit
	// is the hysteresis band that keeps a signal hovering near a boundary
	// from flickering the domain's interest state tick over tick.
	InterestEnterWarm uint32 `yaml:"interest_enter_warm"`
	InterestExitWarm  uint32 `yaml:"interest_exit_warm"`
	InterestEnterHot  uint32 `yaml:"interest_enter_hot"`
	InterestExitHot   uint32 `yaml:"interest_exit_hot"`
}

// DefaultBudgetPolicy returns the default per-tick cost for each budget
// kind plus the default admission thresholds.
func DefaultBudgetPolicy() BudgetPolicy {
	return BudgetPolicy{
		CollapseBudgetPerTick:      16,
		MacroEventBudgetPerTick:    64,
		AgentPlanningBudgetPerTick: 64,
		SnapshotBudgetPerTick:      32,
		RefinementBudgetPerTick:    1,
		ActiveDomainBudget:         256,
		MaxTier2Domains:            256,
		DeferredQueueLimit:         64,
		CompactionBudgetPerTick:    8,
		CompactionEventThreshold:   64,
		CompactionTimeThreshold:    4096,
		MinDwellTicks:              4,
		MacroIntervalTicks:         256,

		// Strength bands on a 0-100 axis; each exit threshold sits below
		// its enter threshold to form the hysteresis gap.
		InterestEnterWarm: 10,
		InterestExitWarm:  5,
		InterestEnterHot:  100,
		InterestExitHot:   50,
	}
}

// RuntimeConfig is the top-level configuration for one runtime instance:
// shard topology, the declarative worker_count hashing parameter (the
// engine is single-threaded; this only perturbs hashes so implementations
// can be cross-checked regardless of any parallel implementation choice),
// and the budget policy every shard's scale engine enforces.
type RuntimeConfig struct {
	ShardCount  uint32       `yaml:"shard_count"`
	WorkerCount uint32       `yaml:"worker_count"`
	Budget      BudgetPolicy `yaml:"budget"`
}

// DefaultRuntimeConfig returns a single-shard, single-worker configuration
// with the default budget policy.
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		ShardCount:  1,
		WorkerCount: 1,
		Budget:      DefaultBudgetPolicy(),
	}
}

// Validate reports the first configuration invariant violated, if any.
func (c RuntimeConfig) Validate() error {
	if c.ShardCount < 1 {
		return ErrInvalidShardCount
	}
	if c.WorkerCount < 1 {
		return ErrInvalidWorkerCount
	}
	if c.Budget.MinDwellTicks < 0 {
		return ErrInvalidMinDwell
	}
	if c.Budget.MacroIntervalTicks < 1 {
		return ErrInvalidMacroInterval
	}
	if c.Budget.DeferredQueueLimit > MaxDeferredQueueLimit {
		return ErrDeferredQueueLimitHigh
	}
	return nil
}

// Load reads and parses a RuntimeConfig from a YAML file at path, applying
// DefaultRuntimeConfig's values as a base so a fixture only needs to
// override what it cares about.
func Load(path string) (RuntimeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RuntimeConfig{}, err
	}
	return LoadBytes(data)
}

// LoadBytes parses a RuntimeConfig from raw YAML bytes.
func LoadBytes(data []byte) (RuntimeConfig, error) {
	cfg := DefaultRuntimeConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return RuntimeConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return RuntimeConfig{}, err
	}
	return cfg, nil
}
