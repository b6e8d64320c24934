package scaleengine

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dreamware/dominium-scale/internal/capsule"
	"github.com/dreamware/dominium-scale/internal/config"
	"github.com/dreamware/dominium-scale/internal/events"
	"github.com/dreamware/dominium-scale/internal/scalemodel"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	policy := config.DefaultBudgetPolicy()
	policy.MinDwellTicks = 0
	return New(1, policy)
}

func resourcesDomain(id uint64) *scalemodel.Domain {
	return &scalemodel.Domain{
		ID:   id,
		Kind: scalemodel.DomainResources,
		Tier: scalemodel.TierMicro,
		Payload: &scalemodel.ResourcesPayload{
			Entries: []scalemodel.ResourceEntry{
				{ResourceID: 1, Quantity: 10},
				{ResourceID: 2, Quantity: 20},
			},
		},
	}
}

func TestCollapseAdmitsAndTransitionsToLatent(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.RegisterDomain(resourcesDomain(1)))
	e.BeginTick(100)

	res := e.Collapse(1, 0, scalemodel.NewCommitToken(100))
	require.True(t, res.Accepted)
	require.Equal(t, scalemodel.TierLatent, e.Domains[1].Tier)
	require.NotZero(t, e.Domains[1].CapsuleID)
	require.Equal(t, 1, e.Capsules.Count())
	require.Equal(t, 1, e.Schedules.Count())
	require.Equal(t, 1, e.Events.Count())
}

func TestCollapseRefusesStaleToken(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.RegisterDomain(resourcesDomain(1)))
	e.BeginTick(100)

	res := e.Collapse(1, 0, scalemodel.NewCommitToken(99))
	require.False(t, res.Accepted)
	require.Equal(t, events.RefuseInvalidIntent, res.RefusalCode)
	require.Equal(t, events.DetailCommitTick, res.DetailCode)
}

func TestCollapseRefusesHotInterest(t *testing.T) {
	e := newTestEngine(t)
	d := resourcesDomain(1)
	d.Interest = scalemodel.InterestHot
	require.NoError(t, e.RegisterDomain(d))
	e.BeginTick(100)

	res := e.Collapse(1, 0, scalemodel.NewCommitToken(100))
	require.False(t, res.Accepted)
	require.Equal(t, events.RefuseDomainForbidden, res.RefusalCode)
	require.Equal(t, events.DetailInterestTier2, res.DetailCode)
}

func TestCollapseDefersWhenBudgetExhausted(t *testing.T) {
	e := newTestEngine(t)
	e.Policy.CollapseBudgetPerTick = 1
	require.NoError(t, e.RegisterDomain(resourcesDomain(1)))
	require.NoError(t, e.RegisterDomain(resourcesDomain(2)))
	e.BeginTick(100)

	first := e.Collapse(1, 0, scalemodel.NewCommitToken(100))
	require.True(t, first.Accepted)

	second := e.Collapse(2, 0, scalemodel.NewCommitToken(100))
	require.False(t, second.Accepted)
	require.True(t, second.Deferred)
	require.Equal(t, events.BudgetCollapse, second.BudgetKind)
	require.Len(t, e.State.Deferred, 1)
}

func TestDeferredQueueNeverExceedsAbsoluteCapEvenIfPolicyAsksForMore(t *testing.T) {
	e := newTestEngine(t)
	e.Policy.CollapseBudgetPerTick = 0
	e.Policy.DeferredQueueLimit = 10000 // a misconfigured policy above spec's absolute cap of 128
	e.BeginTick(100)

	for id := uint64(1); id <= config.MaxDeferredQueueLimit+1; id++ {
		require.NoError(t, e.RegisterDomain(resourcesDomain(id)))
		e.Collapse(id, 0, scalemodel.NewCommitToken(100))
	}

	require.LessOrEqual(t, len(e.State.Deferred), config.MaxDeferredQueueLimit)
	require.Positive(t, e.State.DeferredOverflow, "the (domainID+1)th collapse must overflow, not grow past the absolute cap")
}

func TestCollapseThenExpandRoundTripsPayload(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.RegisterDomain(resourcesDomain(1)))
	e.BeginTick(100)

	collapseRes := e.Collapse(1, 0, scalemodel.NewCommitToken(100))
	require.True(t, collapseRes.Accepted)
	capsuleID := e.Domains[1].CapsuleID

	e.BeginTick(101)
	expandRes := e.Expand(capsuleID, scalemodel.TierMicro, 0, scalemodel.NewCommitToken(101))
	require.True(t, expandRes.Accepted)
	require.Equal(t, scalemodel.TierMicro, e.Domains[1].Tier)

	restored, ok := e.Domains[1].Payload.(*scalemodel.ResourcesPayload)
	require.True(t, ok)
	require.Equal(t, []scalemodel.ResourceEntry{
		{ResourceID: 1, Quantity: 10},
		{ResourceID: 2, Quantity: 20},
	}, restored.Entries)
}

func TestExpandDefersWithinDwellWindow(t *testing.T) {
	e := newTestEngine(t)
	e.Policy.MinDwellTicks = 10
	require.NoError(t, e.RegisterDomain(resourcesDomain(1)))
	e.BeginTick(100)

	collapseRes := e.Collapse(1, 0, scalemodel.NewCommitToken(100))
	require.True(t, collapseRes.Accepted)
	capsuleID := e.Domains[1].CapsuleID

	e.BeginTick(101)
	expandRes := e.Expand(capsuleID, scalemodel.TierMicro, 0, scalemodel.NewCommitToken(101))
	require.False(t, expandRes.Accepted)
	require.True(t, expandRes.Deferred)
	require.Equal(t, events.DetailDwellTicks, expandRes.DetailCode)
}

func TestMacroAdvanceExecutesDueEventAndReschedules(t *testing.T) {
	e := newTestEngine(t)
	e.Policy.MacroIntervalTicks = 10
	require.NoError(t, e.RegisterDomain(resourcesDomain(1)))
	e.BeginTick(100)
	require.True(t, e.Collapse(1, 0, scalemodel.NewCommitToken(100)).Accepted)

	e.BeginTick(110)
	res := e.MacroAdvance(110, scalemodel.NewCommitToken(110))
	require.True(t, res.Accepted)

	sched, ok := e.Schedules.Get(1)
	require.True(t, ok)
	require.Equal(t, uint32(1), sched.ExecutedEvents)
	require.Equal(t, int64(120), sched.NextEventTime)
	require.Equal(t, 1, e.Events.Count(), "next event must be rescheduled")
	require.Equal(t, uint64(1), e.MacroEventsExecuted, "the shard-wide counter tracks every execution")
}

func TestExpandAfterMacroEventExecutionPreservesPayload(t *testing.T) {
	e := newTestEngine(t)
	e.Policy.MacroIntervalTicks = 10
	require.NoError(t, e.RegisterDomain(resourcesDomain(1)))
	e.BeginTick(100)
	require.True(t, e.Collapse(1, 0, scalemodel.NewCommitToken(100)).Accepted)
	capsuleID := e.Domains[1].CapsuleID

	e.BeginTick(110)
	require.True(t, e.MacroAdvance(110, scalemodel.NewCommitToken(110)).Accepted)

	sched, ok := e.Schedules.Get(1)
	require.True(t, ok)
	require.Equal(t, uint32(1), sched.ExecutedEvents, "event must have executed before this expand")

	e.BeginTick(111)
	expandRes := e.Expand(capsuleID, scalemodel.TierMicro, 0, scalemodel.NewCommitToken(111))
	require.True(t, expandRes.Accepted, "expand must succeed against the capsule a macro event rewrote")

	restored, ok := e.Domains[1].Payload.(*scalemodel.ResourcesPayload)
	require.True(t, ok)
	require.Equal(t, []scalemodel.ResourceEntry{
		{ResourceID: 1, Quantity: 10},
		{ResourceID: 2, Quantity: 20},
	}, restored.Entries, "macro execution must re-encode the real payload, not an empty one")
}

func TestMacroAdvanceStopsWhenBudgetExhausted(t *testing.T) {
	e := newTestEngine(t)
	e.Policy.MacroIntervalTicks = 10
	e.Policy.MacroEventBudgetPerTick = 0
	require.NoError(t, e.RegisterDomain(resourcesDomain(1)))
	e.BeginTick(100)
	require.True(t, e.Collapse(1, 0, scalemodel.NewCommitToken(100)).Accepted)

	e.BeginTick(110)
	res := e.MacroAdvance(110, scalemodel.NewCommitToken(110))
	require.True(t, res.Accepted, "MacroAdvance itself is never refused by budget exhaustion")

	sched, ok := e.Schedules.Get(1)
	require.True(t, ok)
	require.Equal(t, uint32(0), sched.ExecutedEvents, "event must remain queued, not executed")
}

func TestMacroCompactClearsQueueAndBumpsCount(t *testing.T) {
	e := newTestEngine(t)
	e.Policy.MacroIntervalTicks = 10
	e.Policy.CompactionEventThreshold = 1
	require.NoError(t, e.RegisterDomain(resourcesDomain(1)))
	e.BeginTick(100)
	require.True(t, e.Collapse(1, 0, scalemodel.NewCommitToken(100)).Accepted)

	e.BeginTick(110)
	require.True(t, e.MacroAdvance(110, scalemodel.NewCommitToken(110)).Accepted)

	res := e.MacroCompact(1, 110, scalemodel.NewCommitToken(110))
	require.True(t, res.Accepted)

	sched, ok := e.Schedules.Get(1)
	require.True(t, ok)
	require.Equal(t, uint32(1), sched.CompactionCount)
	require.Equal(t, 1, e.Events.Count())
}

func TestExpandSynthesizesAgentsFromSummaryOnlyCapsule(t *testing.T) {
	e := newTestEngine(t)

	// The capsule is produced externally in summary-only form: the agent
	// list is dropped, only the distributions and the seed extension remain.
	source := &scalemodel.Domain{ID: 5, Kind: scalemodel.DomainAgents, Payload: &scalemodel.AgentsPayload{
		Agents: []scalemodel.AgentEntry{
			{AgentID: 1, RoleID: 2, TraitMask: 0x10, PlanningBucket: 1},
			{AgentID: 2, RoleID: 2, TraitMask: 0x10, PlanningBucket: 3},
			{AgentID: 3, RoleID: 5, TraitMask: 0x01, PlanningBucket: 1},
		},
	}}
	blob, _, err := capsule.EncodeAgentSummary(source, 90, 0, 0x51, 0xACE, nil)
	require.NoError(t, err)

	latent := &scalemodel.Domain{ID: 5, Kind: scalemodel.DomainAgents, Tier: scalemodel.TierLatent, CapsuleID: 0x51}
	require.NoError(t, e.RegisterDomain(latent))
	require.NoError(t, e.Capsules.SetBlob(0x51, 5, 90, blob))

	e.BeginTick(100)
	res := e.Expand(0x51, scalemodel.TierMicro, 0, scalemodel.NewCommitToken(100))
	require.True(t, res.Accepted, "expand must reconstruct agents from the summary, got refusal %v/%v", res.RefusalCode, res.DetailCode)

	restored, ok := e.Domains[5].Payload.(*scalemodel.AgentsPayload)
	require.True(t, ok)
	require.Len(t, restored.Agents, 3, "summary accounted for 3 agents")

	seed := capsule.DeriveAgentReconstructSeed(0xACE, 5)
	require.Equal(t, capsule.SynthesizeAgents(seed, 3), restored.Agents,
		"synthesized agents must be exactly the deterministic id stream")
}

func TestExpandRefusesOnCorruptedRequiredExtension(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.RegisterDomain(resourcesDomain(1)))
	e.BeginTick(100)
	require.True(t, e.Collapse(1, 0, scalemodel.NewCommitToken(100)).Accepted)
	capsuleID := e.Domains[1].CapsuleID

	blob, ok := e.Capsules.GetBlob(capsuleID)
	require.True(t, ok)
	// The blob ends with the value of the required dominium.scale1 extension.
	corrupted := append([]byte(nil), blob...)
	corrupted[len(corrupted)-1] ^= 0xFF
	require.NoError(t, e.Capsules.SetBlob(capsuleID, 1, 100, corrupted))

	e.BeginTick(101)
	res := e.Expand(capsuleID, scalemodel.TierMicro, 0, scalemodel.NewCommitToken(101))
	require.False(t, res.Accepted)
	require.Equal(t, events.RefuseInvalidIntent, res.RefusalCode)
}

func TestNextInterestStateAppliesHysteresisBand(t *testing.T) {
	p := config.DefaultBudgetPolicy()

	// A signal that dips into the gap between ExitWarm and EnterWarm must
	// not flicker a WARM domain back to LATENT, nor a LATENT domain up to
	// WARM: only crossing the relevant threshold for the *current* state
	// moves it.
	require.Equal(t, scalemodel.InterestWarm, nextInterestState(scalemodel.InterestWarm, p.InterestExitWarm, p))
	require.Equal(t, scalemodel.InterestLatent, nextInterestState(scalemodel.InterestWarm, p.InterestExitWarm-1, p))
	require.Equal(t, scalemodel.InterestLatent, nextInterestState(scalemodel.InterestLatent, p.InterestExitWarm, p))
	require.Equal(t, scalemodel.InterestWarm, nextInterestState(scalemodel.InterestLatent, p.InterestEnterWarm, p))

	// Same band shape at the WARM/HOT boundary.
	require.Equal(t, scalemodel.InterestHot, nextInterestState(scalemodel.InterestHot, p.InterestExitHot, p))
	require.Equal(t, scalemodel.InterestWarm, nextInterestState(scalemodel.InterestHot, p.InterestExitHot-1, p))
	require.Equal(t, scalemodel.InterestWarm, nextInterestState(scalemodel.InterestWarm, p.InterestEnterHot-1, p))
	require.Equal(t, scalemodel.InterestHot, nextInterestState(scalemodel.InterestWarm, p.InterestEnterHot, p))
}

func TestApplyInterestResolvesIndependentSignalsPerDomain(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.RegisterDomain(resourcesDomain(1)))
	require.NoError(t, e.RegisterDomain(resourcesDomain(2)))
	e.BeginTick(100)

	signals := []InterestSignal{
		{DomainID: 2, Strength: e.Policy.InterestEnterWarm},
		{DomainID: 1, Strength: e.Policy.InterestEnterHot},
	}
	results := e.ApplyInterest(signals, scalemodel.NewCommitToken(100))
	// Both domains are registered at MICRO and were never collapsed: neither
	// target tier is LATENT and neither domain has a capsule to expand, so
	// no Collapse or Expand is dispatched.
	require.Len(t, results, 0)

	require.Equal(t, scalemodel.InterestHot, e.Domains[1].Interest)
	require.Equal(t, scalemodel.InterestWarm, e.Domains[2].Interest)
}

func TestApplyInterestRefusesStaleToken(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.RegisterDomain(resourcesDomain(1)))
	e.BeginTick(100)

	results := e.ApplyInterest([]InterestSignal{{DomainID: 1, Strength: e.Policy.InterestEnterHot}}, scalemodel.NewCommitToken(99))
	require.Len(t, results, 1)
	require.False(t, results[0].Accepted)
	require.Equal(t, events.RefuseInvalidIntent, results[0].RefusalCode)
	require.Equal(t, events.DetailCommitTick, results[0].DetailCode)
	require.Equal(t, scalemodel.InterestLatent, e.Domains[1].Interest)
}

func TestApplyInterestDrivesCollapseToLatentTarget(t *testing.T) {
	e := newTestEngine(t)
	d := resourcesDomain(1)
	d.Interest = scalemodel.InterestWarm
	require.NoError(t, e.RegisterDomain(d))
	e.BeginTick(100)

	results := e.ApplyInterest([]InterestSignal{{DomainID: 1, Strength: 0}}, scalemodel.NewCommitToken(100))
	require.Len(t, results, 1)
	require.True(t, results[0].Accepted)
	require.Equal(t, scalemodel.InterestLatent, e.Domains[1].Interest)
	require.Equal(t, scalemodel.TierLatent, e.Domains[1].Tier)
	require.NotZero(t, e.Domains[1].CapsuleID)
}

func TestApplyInterestDrivesExpandToMicroTarget(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.RegisterDomain(resourcesDomain(1)))
	e.BeginTick(100)
	require.True(t, e.Collapse(1, 0, scalemodel.NewCommitToken(100)).Accepted)
	require.Equal(t, scalemodel.TierLatent, e.Domains[1].Tier)

	e.BeginTick(101)
	results := e.ApplyInterest([]InterestSignal{{DomainID: 1, Strength: e.Policy.InterestEnterHot}}, scalemodel.NewCommitToken(101))
	require.Len(t, results, 1)
	require.True(t, results[0].Accepted)
	require.Equal(t, scalemodel.InterestHot, e.Domains[1].Interest)
	require.Equal(t, scalemodel.TierMicro, e.Domains[1].Tier)
}

func TestApplyInterestSkipsDomainsWithNoStateChange(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.RegisterDomain(resourcesDomain(1)))
	e.BeginTick(100)

	results := e.ApplyInterest([]InterestSignal{{DomainID: 1, Strength: 0}}, scalemodel.NewCommitToken(100))
	require.Empty(t, results)
	require.Equal(t, scalemodel.InterestLatent, e.Domains[1].Interest)
}

func TestBeginTickResetsCountersOncePerTick(t *testing.T) {
	e := newTestEngine(t)
	e.BeginTick(5)
	e.State.CollapseUsed = 3
	e.BeginTick(5) // same tick: no reset
	require.Equal(t, uint32(3), e.State.CollapseUsed)

	e.BeginTick(6) // new tick: reset
	require.Equal(t, uint32(0), e.State.CollapseUsed)
}
