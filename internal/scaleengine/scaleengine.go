// Package scaleengine implements the Scale Engine: collapse, expand, macro
// advance/compact, budget admission, and refusal/deferral accounting for
// the domains owned by one shard.
//
// Every mutating entry point takes a scalemodel.CommitToken for the
// engine's current tick and refuses otherwise: the tick you compute for
// must equal the tick you act on.
package scaleengine

import (
	"errors"

	"github.com/dreamware/dominium-scale/internal/capsule"
	"github.com/dreamware/dominium-scale/internal/capsulestore"
	"github.com/dreamware/dominium-scale/internal/config"
	"github.com/dreamware/dominium-scale/internal/events"
	"github.com/dreamware/dominium-scale/internal/fnvhash"
	"github.com/dreamware/dominium-scale/internal/macroevent"
	"github.com/dreamware/dominium-scale/internal/macroschedule"
	"github.com/dreamware/dominium-scale/internal/scalemodel"

	"golang.org/x/exp/slices"
)

// ErrDomainAlreadyRegistered is returned by RegisterDomain for a duplicate id.
var ErrDomainAlreadyRegistered = errors.New("scaleengine: domain already registered")

// DeferredOp is one entry on the deferred queue: an admission that could
// not proceed this tick but will be retried on a later one.
type DeferredOp struct {
	DomainID      uint64
	CapsuleID     uint64
	Kind          events.IntentKind
	RequestedTick int64
	DetailCode    events.DetailCode
	BudgetKind    events.BudgetKind
}

func compareDeferred(a, b DeferredOp) int {
	switch {
	case a.DomainID != b.DomainID:
		return cmpU64(a.DomainID, b.DomainID)
	case a.CapsuleID != b.CapsuleID:
		return cmpU64(a.CapsuleID, b.CapsuleID)
	case a.Kind != b.Kind:
		return cmpU32(uint32(a.Kind), uint32(b.Kind))
	case a.RequestedTick != b.RequestedTick:
		return cmpI64(a.RequestedTick, b.RequestedTick)
	case a.DetailCode != b.DetailCode:
		return cmpU32(uint32(a.DetailCode), uint32(b.DetailCode))
	default:
		return cmpU32(uint32(a.BudgetKind), uint32(b.BudgetKind))
	}
}

func cmpU64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
func cmpU32(a, b uint32) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
func cmpI64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// BudgetState is the per-shard, per-tick admission ledger.
type BudgetState struct {
	BudgetTick       int64
	CollapseUsed     uint32
	ExpandUsed       uint32
	RefinementUsed   uint32
	PlanningUsed     uint32
	MacroEventUsed   uint32
	CompactionUsed   uint32
	SnapshotUsed     uint32
	ActiveTier1      uint32
	ActiveTier2      uint32
	Deferred         []DeferredOp
	DeferredOverflow uint32
	RefusalCounts    map[events.BudgetKind]uint32
}

func newBudgetState() BudgetState {
	return BudgetState{RefusalCounts: make(map[events.BudgetKind]uint32)}
}

// Result is the structured outcome of one mutating call: never a panic,
// never a bare error for a policy refusal — only for malformed input.
type Result struct {
	Accepted    bool
	Deferred    bool
	RefusalCode events.RefusalCode
	DetailCode  events.DetailCode
	BudgetKind  events.BudgetKind
	Event       events.Event
	HashBefore  uint64
}

// Engine owns one shard's domains and the stores that back them.
type Engine struct {
	ShardID   uint32
	NowTick   int64
	Policy    config.BudgetPolicy
	Domains   map[uint64]*scalemodel.Domain
	Capsules  *capsulestore.Store
	Schedules *macroschedule.Store
	Events    *macroevent.Store
	Log       []events.Event
	State     BudgetState

	// MacroEventsExecuted counts every macro event this shard has ever
	// executed, across all domains — schedules are removed on expansion,
	// so a running counter is the only record that survives the domain's
	// whole collapse/advance/expand history.
	MacroEventsExecuted uint64

	capsuleOwner map[uint64]uint64 // capsule_id -> domain_id
	nextSeq      uint64
	nextEventIdx map[uint64]uint64 // domain_id -> next macro event index, for event_id derivation
}

// New returns an empty engine for shardID governed by policy.
func New(shardID uint32, policy config.BudgetPolicy) *Engine {
	return &Engine{
		ShardID:      shardID,
		Policy:       policy,
		Domains:      make(map[uint64]*scalemodel.Domain),
		Capsules:     capsulestore.New(),
		Schedules:    macroschedule.New(),
		Events:       macroevent.New(),
		State:        newBudgetState(),
		capsuleOwner: make(map[uint64]uint64),
		nextEventIdx: make(map[uint64]uint64),
	}
}

// RestoreOwnerIndex replaces the engine's capsule_id -> domain_id index and
// resets its per-domain macro event id counters, for use by the checkpoint
// package after it has swapped in a restored Domains map and stores
// directly — those do not go through RegisterDomain/Collapse, so this
// index has to be rebuilt explicitly.
func (e *Engine) RestoreOwnerIndex(capsuleOwner map[uint64]uint64) {
	e.capsuleOwner = capsuleOwner
	e.nextEventIdx = make(map[uint64]uint64, len(e.Domains))
	for id := range e.Domains {
		if sched, ok := e.Schedules.Get(id); ok {
			e.nextEventIdx[id] = uint64(sched.ExecutedEvents) + uint64(sched.CompactionCount) + 1
		}
	}
}

// RegisterDomain adds d to the shard, seeding the active-tier counters from
// its initial tier so subsequent admission checks are O(1).
func (e *Engine) RegisterDomain(d *scalemodel.Domain) error {
	if _, exists := e.Domains[d.ID]; exists {
		return ErrDomainAlreadyRegistered
	}
	e.Domains[d.ID] = d
	e.bumpTierCount(d.Tier, 1)
	if d.CapsuleID != 0 {
		e.capsuleOwner[d.CapsuleID] = d.ID
	}
	return nil
}

func (e *Engine) bumpTierCount(tier scalemodel.FidelityTier, delta int32) {
	switch {
	case tier.IsTier2():
		e.State.ActiveTier2 = addClamped(e.State.ActiveTier2, delta)
	case tier.IsTier1():
		e.State.ActiveTier1 = addClamped(e.State.ActiveTier1, delta)
	}
}

func addClamped(v uint32, delta int32) uint32 {
	if delta < 0 && uint32(-delta) > v {
		return 0
	}
	return uint32(int64(v) + int64(delta))
}

// BeginTick resets the per-tick counters exactly once per tick, mirroring
// "reset per-tick counters iff budget_tick != now_tick".
func (e *Engine) BeginTick(tick int64) {
	e.NowTick = tick
	if e.State.BudgetTick == tick {
		return
	}
	e.State.BudgetTick = tick
	e.State.CollapseUsed = 0
	e.State.ExpandUsed = 0
	e.State.RefinementUsed = 0
	e.State.PlanningUsed = 0
	e.State.MacroEventUsed = 0
	e.State.CompactionUsed = 0
	e.State.SnapshotUsed = 0
}

func (e *Engine) emit(k events.Kind, domainID, capsuleID uint64, refusal events.RefusalCode, detail events.DetailCode, budget events.BudgetKind) events.Event {
	e.nextSeq++
	ev := events.Event{
		Kind:        k,
		DomainID:    domainID,
		CapsuleID:   capsuleID,
		Tick:        e.NowTick,
		RefusalCode: refusal,
		DetailCode:  detail,
		BudgetKind:  budget,
		ShardID:     e.ShardID,
		Sequence:    e.nextSeq,
	}
	e.Log = append(e.Log, ev)
	return ev
}

func (e *Engine) refuse(kind events.IntentKind, domainID, capsuleID uint64, refusal events.RefusalCode, detail events.DetailCode) Result {
	budgetKind := events.BudgetKindFromDetail(detail)
	if budgetKind != events.BudgetNone {
		e.State.RefusalCounts[budgetKind]++
	}
	ev := e.emit(events.KindIntentRefuse, domainID, capsuleID, refusal, detail, budgetKind)
	return Result{Accepted: false, RefusalCode: refusal, DetailCode: detail, BudgetKind: budgetKind, Event: ev}
}

// defer pushes an admission onto the deferred queue, sorted and deduplicated
// by (domain_id, capsule_id, kind, requested_tick, reason_code, budget_kind),
// or refuses with DEFER_QUEUE_LIMIT on overflow.
func (e *Engine) deferOp(kind events.IntentKind, domainID, capsuleID uint64, detail events.DetailCode) Result {
	budgetKind := events.BudgetKindFromDetail(detail)
	e.State.RefusalCounts[budgetKind]++

	op := DeferredOp{
		DomainID:      domainID,
		CapsuleID:     capsuleID,
		Kind:          kind,
		RequestedTick: e.NowTick + 1,
		DetailCode:    detail,
		BudgetKind:    budgetKind,
	}
	idx, found := slices.BinarySearchFunc(e.State.Deferred, op, compareDeferred)
	if found {
		ev := e.emit(events.KindIntentDefer, domainID, capsuleID, events.RefuseNone, detail, budgetKind)
		return Result{Deferred: true, DetailCode: detail, BudgetKind: budgetKind, Event: ev}
	}
	effectiveLimit := e.Policy.DeferredQueueLimit
	if effectiveLimit > config.MaxDeferredQueueLimit {
		effectiveLimit = config.MaxDeferredQueueLimit
	}
	if effectiveLimit == 0 || uint32(len(e.State.Deferred)) >= effectiveLimit {
		e.State.DeferredOverflow++
		return e.refuse(kind, domainID, capsuleID, events.RefuseDeferQueueLimit, events.DetailDeferQueueLimit)
	}
	e.State.Deferred = slices.Insert(e.State.Deferred, idx, op)
	ev := e.emit(events.KindIntentDefer, domainID, capsuleID, events.RefuseNone, detail, budgetKind)
	return Result{Deferred: true, DetailCode: detail, BudgetKind: budgetKind, Event: ev}
}

func hasBudget(used, cap uint32, amount uint32) bool {
	return used+amount <= cap
}

// Collapse transitions domainID from its current tier to LATENT.
func (e *Engine) Collapse(domainID uint64, reason uint32, token scalemodel.CommitToken) Result {
	if !token.Valid(e.NowTick) {
		return e.refuse(events.IntentCollapse, domainID, 0, events.RefuseInvalidIntent, events.DetailCommitTick)
	}
	domain, ok := e.Domains[domainID]
	if !ok || !domain.Kind.Supported() {
		return e.refuse(events.IntentCollapse, domainID, 0, events.RefuseCapabilityMissing, events.DetailDomainUnsupported)
	}
	if domain.Interest == scalemodel.InterestHot {
		return e.refuse(events.IntentCollapse, domainID, 0, events.RefuseDomainForbidden, events.DetailInterestTier2)
	}
	if e.NowTick-domain.LastTransitionTick < e.Policy.MinDwellTicks {
		return e.deferOp(events.IntentCollapse, domainID, 0, events.DetailDwellTicks)
	}
	if !hasBudget(e.State.CollapseUsed, e.Policy.CollapseBudgetPerTick, 1) {
		return e.deferOp(events.IntentCollapse, domainID, 0, events.DetailBudgetCollapse)
	}
	if !hasBudget(e.State.SnapshotUsed, e.Policy.SnapshotBudgetPerTick, 1) {
		return e.deferOp(events.IntentCollapse, domainID, 0, events.DetailBudgetSnapshot)
	}

	e.State.CollapseUsed++
	e.State.SnapshotUsed++

	hashBefore := capsule.ComputeInvariantHash(domain.Kind, e.NowTick, domain.Payload)
	capsuleID := capsuleIDFor(domainID, domain.Kind, e.NowTick, reason)
	seedBase := uint32(fnvhash.SplitMix64Finalize(capsuleID ^ uint64(e.NowTick)))

	blob, _, err := capsule.Encode(domain, e.NowTick, reason, capsuleID, seedBase, nil)
	if err != nil {
		return e.refuse(events.IntentCollapse, domainID, capsuleID, events.RefuseInvalidIntent, events.DetailCapsuleParse)
	}
	if err := e.Capsules.SetBlob(capsuleID, domainID, e.NowTick, blob); err != nil {
		return e.refuse(events.IntentCollapse, domainID, capsuleID, events.RefuseInvalidIntent, events.DetailCapacity)
	}
	e.capsuleOwner[capsuleID] = domainID

	fromTier := domain.Tier
	domain.Tier = scalemodel.TierLatent
	domain.LastTransitionTick = e.NowTick
	domain.CapsuleID = capsuleID
	domain.Payload = nil
	e.bumpTierCount(fromTier, -1)

	orderKeySeed := orderKeySeedFor(capsuleID, domainID, domain.Kind, reason)
	interval := e.Policy.MacroIntervalTicks
	e.Schedules.Set(macroschedule.Entry{
		DomainID:             domainID,
		CapsuleID:            capsuleID,
		LastEventTime:        e.NowTick,
		NextEventTime:        e.NowTick + interval,
		IntervalTicks:        interval,
		OrderKeySeed:         orderKeySeed,
		CompactedThroughTime: e.NowTick,
	})
	e.nextEventIdx[domainID] = 1
	e.Events.Schedule(macroevent.Entry{
		EventID:   macroEventIDFor(domainID, capsuleID, e.NowTick, 0, 0),
		DomainID:  domainID,
		EventTime: e.NowTick + interval,
		OrderKey:  orderKeySeed,
		Payload0:  capsuleID,
	})

	ev := e.emit(events.KindCollapse, domainID, capsuleID, events.RefuseNone, events.DetailNone, events.BudgetNone)
	return Result{Accepted: true, Event: ev, HashBefore: hashBefore}
}

func capsuleIDFor(domainID uint64, kind scalemodel.DomainKind, tick int64, reason uint32) uint64 {
	return fnvhash.New().WriteU64(domainID).WriteU32(uint32(kind)).WriteI64(tick).WriteU32(reason).Sum()
}

func orderKeySeedFor(capsuleID, domainID uint64, kind scalemodel.DomainKind, reason uint32) uint64 {
	return fnvhash.New().WriteU64(capsuleID).WriteU64(domainID).WriteU32(uint32(kind)).WriteU32(reason).Sum()
}

func macroEventIDFor(domainID, capsuleID uint64, tick int64, index uint64, kind uint32) uint64 {
	return fnvhash.New().WriteU64(domainID).WriteU64(capsuleID).WriteI64(tick).WriteU64(index).WriteU32(kind).Sum()
}

// Expand transitions the domain owning capsuleID toward targetTier.
func (e *Engine) Expand(capsuleID uint64, targetTier scalemodel.FidelityTier, reason uint32, token scalemodel.CommitToken) Result {
	if !token.Valid(e.NowTick) {
		return e.refuse(events.IntentExpand, 0, capsuleID, events.RefuseInvalidIntent, events.DetailCommitTick)
	}
	domainID, ok := e.capsuleOwner[capsuleID]
	if !ok {
		return e.refuse(events.IntentExpand, 0, capsuleID, events.RefuseInvalidIntent, events.DetailCapsuleParse)
	}
	domain := e.Domains[domainID]

	// finalize-for-expand: run the same macro advance the runtime would
	// drive independently, so any due events for this capsule execute
	// before we reconstruct it.
	e.macroAdvanceInternal(e.NowTick)
	if head, ok := e.Events.PeekNext(); ok && head.EventTime <= e.NowTick {
		return e.deferOp(events.IntentExpand, domainID, capsuleID, events.DetailBudgetMacroEvent)
	}
	e.macroCompactIfDue(domainID, e.NowTick)

	blob, ok := e.Capsules.GetBlob(capsuleID)
	if !ok {
		return e.refuse(events.IntentExpand, domainID, capsuleID, events.RefuseInvalidIntent, events.DetailCapsuleParse)
	}
	decoded, err := capsule.Decode(blob)
	if err != nil {
		return e.refuse(events.IntentExpand, domainID, capsuleID, events.RefuseInvalidIntent, events.DetailCapsuleParse)
	}
	if decoded.Capsule.DomainKind != domain.Kind {
		return e.refuse(events.IntentExpand, domainID, capsuleID, events.RefuseInvalidIntent, events.DetailCapsuleParse)
	}
	if decoded.Capsule.Extensions[capsule.ExtKeyScale1] != capsule.ExtValScale1V1 {
		return e.refuse(events.IntentExpand, domainID, capsuleID, events.RefuseInvalidIntent, events.DetailCapsuleParse)
	}

	if e.NowTick-domain.LastTransitionTick < e.Policy.MinDwellTicks {
		return e.deferOp(events.IntentExpand, domainID, capsuleID, events.DetailDwellTicks)
	}

	// Reserve the target tier slot and vacate the source one up front so the
	// cap check sees the post-transition occupancy; any refusal below must
	// undo both reservations before returning.
	fromTier := domain.Tier
	e.bumpTierCount(fromTier, -1)
	tierOK := e.checkTierCap(targetTier)
	if !tierOK {
		e.bumpTierCount(targetTier, -1)
		e.bumpTierCount(fromTier, 1)
		return e.deferOp(events.IntentExpand, domainID, capsuleID, events.DetailTierCap)
	}
	if !hasBudget(e.State.RefinementUsed, e.Policy.RefinementBudgetPerTick, 1) {
		e.bumpTierCount(targetTier, -1)
		e.bumpTierCount(fromTier, 1)
		return e.deferOp(events.IntentExpand, domainID, capsuleID, events.DetailBudgetExpand)
	}
	if domain.Kind == scalemodel.DomainAgents {
		if !hasBudget(e.State.PlanningUsed, e.Policy.AgentPlanningBudgetPerTick, 1) {
			e.bumpTierCount(targetTier, -1)
			e.bumpTierCount(fromTier, 1)
			return e.deferOp(events.IntentExpand, domainID, capsuleID, events.DetailBudgetPlanning)
		}
		e.State.PlanningUsed++
	}
	e.State.RefinementUsed++

	// Reconstruction for an agents capsule whose agent list was dropped at
	// encode time: the summary block still accounts for N agents, so
	// regenerate them from the capsule's seed extension before the hash gate.
	// A summary-only capsule missing its seed extension is unparseable.
	if ag, isAg := decoded.Payload.(*scalemodel.AgentsPayload); isAg && len(ag.Agents) == 0 && decoded.StoredAgentSummary != nil {
		if n := decoded.StoredAgentSummary.AgentCount(); n > 0 {
			seed, ok := capsule.ParseAgentSeed(decoded.Capsule.Extensions)
			if !ok {
				e.bumpTierCount(targetTier, -1)
				e.bumpTierCount(fromTier, 1)
				return e.refuse(events.IntentExpand, domainID, capsuleID, events.RefuseInvalidIntent, events.DetailCapsuleParse)
			}
			ag.Agents = capsule.SynthesizeAgents(seed, n)
		}
	}

	recomputedInvariant := capsule.ComputeInvariantHash(decoded.Capsule.DomainKind, decoded.Capsule.SourceTick, decoded.Payload)
	recomputedStatistic := capsule.ComputeStatisticHash(decoded.Capsule.DomainKind, decoded.Payload)
	if recomputedInvariant != decoded.Capsule.InvariantHash || recomputedStatistic != decoded.Capsule.StatisticHash {
		e.bumpTierCount(targetTier, -1)
		e.bumpTierCount(fromTier, 1)
		return e.refuse(events.IntentExpand, domainID, capsuleID, events.RefuseIntegrityViolation, events.DetailInvariantMismatch)
	}
	if net, isNet := decoded.Payload.(*scalemodel.NetworkPayload); isNet && decoded.StoredWearAggregate != nil {
		reconstructed := capsule.ComputeWearAggregate(net.Edges)
		if !capsule.WearToleranceOK(*decoded.StoredWearAggregate, reconstructed) {
			e.bumpTierCount(targetTier, -1)
			e.bumpTierCount(fromTier, 1)
			return e.refuse(events.IntentExpand, domainID, capsuleID, events.RefuseIntegrityViolation, events.DetailInvariantMismatch)
		}
	}

	domain.Payload = decoded.Payload
	domain.Tier = targetTier
	domain.LastTransitionTick = e.NowTick
	e.Schedules.Remove(domainID)
	e.Events.RemoveDomain(domainID)

	ev := e.emit(events.KindExpand, domainID, capsuleID, events.RefuseNone, events.DetailNone, events.BudgetNone)
	return Result{Accepted: true, Event: ev}
}

// checkTierCap provisionally reserves a slot in targetTier and reports
// whether the reservation stays within policy. Callers that abandon the
// attempt must call bumpTierCount(targetTier, -1) themselves.
func (e *Engine) checkTierCap(targetTier scalemodel.FidelityTier) bool {
	e.bumpTierCount(targetTier, 1)
	switch {
	case targetTier.IsTier2():
		return e.State.ActiveTier2 <= e.Policy.MaxTier2Domains && e.State.ActiveTier2 <= e.Policy.ActiveDomainBudget
	default:
		return true
	}
}

// macroAdvanceInternal is the un-tokened core of MacroAdvance, reused by
// Expand's finalize-for-expand step.
func (e *Engine) macroAdvanceInternal(upToTick int64) {
	for domainID, domain := range e.Domains {
		if domain.Tier != scalemodel.TierLatent || domain.CapsuleID == 0 {
			continue
		}
		sched, ok := e.Schedules.Get(domainID)
		if !ok || sched.NextEventTime > upToTick || e.Events.HasDomain(domainID) {
			continue
		}
		idx := e.nextEventIdx[domainID]
		e.Events.Schedule(macroevent.Entry{
			EventID:   macroEventIDFor(domainID, sched.CapsuleID, sched.NextEventTime, idx, 0),
			DomainID:  domainID,
			EventTime: sched.NextEventTime,
			OrderKey:  sched.OrderKeySeed,
			Payload0:  sched.CapsuleID,
		})
		e.nextEventIdx[domainID] = idx + 1
	}

	for {
		head, ok := e.Events.PeekNext()
		if !ok || head.EventTime > upToTick {
			return
		}
		if !hasBudget(e.State.MacroEventUsed, e.Policy.MacroEventBudgetPerTick, 1) {
			return
		}
		domain, ok := e.Domains[head.DomainID]
		if !ok {
			return
		}
		if domain.Kind == scalemodel.DomainAgents && !hasBudget(e.State.PlanningUsed, e.Policy.AgentPlanningBudgetPerTick, 1) {
			return
		}
		if !hasBudget(e.State.SnapshotUsed, e.Policy.SnapshotBudgetPerTick, 1) {
			return
		}

		popped, _ := e.Events.PopNext(upToTick)
		e.State.MacroEventUsed++
		e.State.SnapshotUsed++
		if domain.Kind == scalemodel.DomainAgents {
			e.State.PlanningUsed++
		}
		e.executeMacroEvent(popped)
	}
}

func (e *Engine) executeMacroEvent(ev macroevent.Entry) {
	capsuleID := ev.Payload0
	blob, ok := e.Capsules.GetBlob(capsuleID)
	if !ok {
		e.emit(events.KindIntentRefuse, ev.DomainID, capsuleID, events.RefuseInvalidIntent, events.DetailCapsuleParse, events.BudgetNone)
		return
	}
	decoded, err := capsule.Decode(blob)
	if err != nil {
		e.emit(events.KindIntentRefuse, ev.DomainID, capsuleID, events.RefuseInvalidIntent, events.DetailCapsuleParse, events.BudgetNone)
		return
	}

	sched, ok := e.Schedules.Get(ev.DomainID)
	if !ok {
		return
	}
	sched.LastEventTime = ev.EventTime
	sched.ExecutedEvents++
	sched.CompactedThroughTime = ev.EventTime
	sched.NextEventTime = ev.EventTime + sched.IntervalTicks
	if ev.Flags&macroevent.FlagNarrative != 0 {
		sched.NarrativeEvents++
	}
	e.Schedules.Set(sched)

	domain := e.Domains[ev.DomainID]
	seedBase := uint32(fnvhash.SplitMix64Finalize(capsuleID ^ uint64(ev.EventTime)))
	ext := map[string]string{
		capsule.ExtKeyMacroLastTick:      itoa64(sched.LastEventTime),
		capsule.ExtKeyMacroEvents:        itoa64(int64(sched.ExecutedEvents)),
		capsule.ExtKeyMacroCompactedThru: itoa64(sched.CompactedThroughTime),
		capsule.ExtKeyMacroInterval:      itoa64(sched.IntervalTicks),
		capsule.ExtKeyNarrativeEvents:    itoa64(int64(sched.NarrativeEvents)),
	}
	// domain.Payload is nil while the domain is latent (scalemodel.go: Payload
	// is cleared at collapse time); the capsule just decoded above is the only
	// place the real content survives, so re-encode from decoded.Payload, not
	// the live (empty) domain, or every macro event would overwrite the stored
	// capsule with zero resources/nodes/agents.
	encDomain := &scalemodel.Domain{ID: domain.ID, Kind: domain.Kind, Payload: decoded.Payload}
	newBlob, _, err := capsule.Encode(encDomain, ev.EventTime, 0, capsuleID, seedBase, mergeExt(decoded.Capsule.Extensions, ext))
	if err == nil {
		e.Capsules.SetBlob(capsuleID, ev.DomainID, ev.EventTime, newBlob)
	}

	idx := e.nextEventIdx[ev.DomainID]
	e.Events.Schedule(macroevent.Entry{
		EventID:   macroEventIDFor(ev.DomainID, capsuleID, sched.NextEventTime, idx, ev.EventKind),
		DomainID:  ev.DomainID,
		EventTime: sched.NextEventTime,
		OrderKey:  sched.OrderKeySeed,
		EventKind: ev.EventKind,
		Flags:     ev.Flags,
		Payload0:  capsuleID,
	})
	e.nextEventIdx[ev.DomainID] = idx + 1

	e.MacroEventsExecuted++
	e.emit(events.KindMacroExecute, ev.DomainID, capsuleID, events.RefuseNone, events.DetailNone, events.BudgetNone)
}

func mergeExt(base, overlay map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

func itoa64(v int64) string {
	neg := v < 0
	if v == 0 {
		return "0"
	}
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// MacroAdvance is the tokened public entry point for driving macro events
// up to upToTick.
// MacroAdvance executes every due macro event up to upToTick that the
// shard's per-tick budgets can afford. Running out of budget mid-advance is
// not a refusal: the remaining events simply stay queued for a later tick.
func (e *Engine) MacroAdvance(upToTick int64, token scalemodel.CommitToken) Result {
	if !token.Valid(e.NowTick) {
		return e.refuse(events.IntentMacroAdvance, 0, 0, events.RefuseInvalidIntent, events.DetailCommitTick)
	}
	e.macroAdvanceInternal(upToTick)
	ev := e.emit(events.KindIntentAccept, 0, 0, events.RefuseNone, events.DetailNone, events.BudgetNone)
	return Result{Accepted: true, Event: ev}
}

// macroCompactIfDue removes all queued events for domainID and re-schedules
// the next one.
func (e *Engine) macroCompactIfDue(domainID uint64, upToTick int64) Result {
	sched, ok := e.Schedules.Get(domainID)
	if !ok {
		return Result{}
	}
	due := sched.ExecutedEvents >= e.Policy.CompactionEventThreshold ||
		(upToTick-sched.LastEventTime) >= e.Policy.CompactionTimeThreshold
	if !due {
		return Result{}
	}
	if !hasBudget(e.State.CompactionUsed, e.Policy.CompactionBudgetPerTick, 1) {
		return e.deferOp(events.IntentMacroAdvance, domainID, sched.CapsuleID, events.DetailBudgetCompaction)
	}
	if !hasBudget(e.State.SnapshotUsed, e.Policy.SnapshotBudgetPerTick, 1) {
		return e.deferOp(events.IntentMacroAdvance, domainID, sched.CapsuleID, events.DetailBudgetSnapshot)
	}
	e.State.CompactionUsed++
	e.State.SnapshotUsed++

	e.Events.RemoveDomain(domainID)
	sched.CompactionCount++
	sched.NextEventTime = sched.LastEventTime + sched.IntervalTicks
	e.Schedules.Set(sched)

	idx := e.nextEventIdx[domainID]
	e.Events.Schedule(macroevent.Entry{
		EventID:   macroEventIDFor(domainID, sched.CapsuleID, sched.NextEventTime, idx, 0),
		DomainID:  domainID,
		EventTime: sched.NextEventTime,
		OrderKey:  sched.OrderKeySeed,
		Payload0:  sched.CapsuleID,
	})
	e.nextEventIdx[domainID] = idx + 1

	ev := e.emit(events.KindMacroCompact, domainID, sched.CapsuleID, events.RefuseNone, events.DetailNone, events.BudgetNone)
	return Result{Accepted: true, Event: ev}
}

// MacroCompact is the tokened public entry point for macro compaction,
// exposed directly so tests (and macro-compare-style scenarios) can compact
// without going through Expand's finalize step.
func (e *Engine) MacroCompact(domainID uint64, upToTick int64, token scalemodel.CommitToken) Result {
	if !token.Valid(e.NowTick) {
		return e.refuse(events.IntentMacroAdvance, domainID, 0, events.RefuseInvalidIntent, events.DetailCommitTick)
	}
	return e.macroCompactIfDue(domainID, upToTick)
}

// InterestSignal is one domain's externally observed interest strength for
// this tick: the raw numeric input to the hysteresis policy, not a
// pre-resolved category.
type InterestSignal struct {
	DomainID uint64
	Strength uint32
}

// interestTransition is one domain's resolved from-state/to-state pair
// after hysteresis, held only long enough to establish the
// (target_id, to_state, from_state) sort order before the resulting tier
// transitions are driven.
type interestTransition struct {
	DomainID  uint64
	FromState scalemodel.InterestState
	ToState   scalemodel.InterestState
}

// nextInterestState advances current under the policy's hysteresis bands:
// entering WARM/HOT requires reaching the higher EnterWarm/EnterHot
// threshold, but falling back out only happens once strength drops below
// the lower ExitWarm/ExitHot threshold, so a signal hovering near a
// boundary does not flicker the domain's interest state tick over tick.
func nextInterestState(current scalemodel.InterestState, strength uint32, p config.BudgetPolicy) scalemodel.InterestState {
	switch current {
	case scalemodel.InterestHot:
		if strength >= p.InterestExitHot {
			return scalemodel.InterestHot
		}
		if strength >= p.InterestExitWarm {
			return scalemodel.InterestWarm
		}
		return scalemodel.InterestLatent
	case scalemodel.InterestWarm:
		if strength >= p.InterestEnterHot {
			return scalemodel.InterestHot
		}
		if strength >= p.InterestExitWarm {
			return scalemodel.InterestWarm
		}
		return scalemodel.InterestLatent
	default:
		if strength >= p.InterestEnterHot {
			return scalemodel.InterestHot
		}
		if strength >= p.InterestEnterWarm {
			return scalemodel.InterestWarm
		}
		return scalemodel.InterestLatent
	}
}

// ApplyInterest advances each signaled domain's interest state under the
// hysteresis policy, translates each resulting state to its target tier
// (HOT->MICRO, WARM->MESO, else LATENT per scalemodel.InterestState.
// TargetTier), and drives the domain toward that tier by calling Collapse
// or Expand directly. The transition set is sorted by
// (target_id, to_state, from_state) first so replay order is
// implementation-independent; each dispatch uses the transition's
// to_state as the collapse/expand reason code.
func (e *Engine) ApplyInterest(signals []InterestSignal, token scalemodel.CommitToken) []Result {
	if !token.Valid(e.NowTick) {
		return []Result{e.refuse(events.IntentCollapse, 0, 0, events.RefuseInvalidIntent, events.DetailCommitTick)}
	}

	transitions := make([]interestTransition, 0, len(signals))
	for _, sig := range signals {
		d, ok := e.Domains[sig.DomainID]
		if !ok {
			continue
		}
		to := nextInterestState(d.Interest, sig.Strength, e.Policy)
		if to == d.Interest {
			continue
		}
		transitions = append(transitions, interestTransition{DomainID: sig.DomainID, FromState: d.Interest, ToState: to})
	}

	slices.SortFunc(transitions, func(a, b interestTransition) int {
		if a.DomainID != b.DomainID {
			return cmpU64(a.DomainID, b.DomainID)
		}
		if a.ToState != b.ToState {
			return cmpU32(uint32(a.ToState), uint32(b.ToState))
		}
		return cmpU32(uint32(a.FromState), uint32(b.FromState))
	})

	results := make([]Result, 0, len(transitions))
	for _, tr := range transitions {
		domain, ok := e.Domains[tr.DomainID]
		if !ok {
			continue
		}
		domain.Interest = tr.ToState
		targetTier := tr.ToState.TargetTier()
		reason := uint32(tr.ToState)
		switch {
		case targetTier == scalemodel.TierLatent && domain.Tier != scalemodel.TierLatent:
			results = append(results, e.Collapse(tr.DomainID, reason, token))
		case targetTier != scalemodel.TierLatent && domain.CapsuleID != 0:
			results = append(results, e.Expand(domain.CapsuleID, targetTier, reason, token))
		}
	}
	return results
}
