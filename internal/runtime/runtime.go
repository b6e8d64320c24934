// Package runtime implements the authoritative multi-shard runtime that
// drives the scale engine: intent admission, per-tick scheduling, the
// cross-shard message log, and checkpoint capture/recovery. One Runtime
// is one logical authority; it owns a fixed number of shards, clients, a
// message log, a checkpoint store, an intent queue, a deferred queue, an
// audit event log, and an owner table mapping domain_id -> shard_id.
package runtime

import (
	"errors"
	"sort"

	"go.uber.org/zap"

	"github.com/dreamware/dominium-scale/internal/checkpoint"
	"github.com/dreamware/dominium-scale/internal/config"
	"github.com/dreamware/dominium-scale/internal/crossshardlog"
	"github.com/dreamware/dominium-scale/internal/events"
	"github.com/dreamware/dominium-scale/internal/fnvhash"
	"github.com/dreamware/dominium-scale/internal/scaleengine"
	"github.com/dreamware/dominium-scale/internal/scalemodel"
	"github.com/dreamware/dominium-scale/internal/shardlifecycle"
)

// Errors returned by Runtime's setup and submission APIs. These are
// parameter errors, never deferred.
var (
	ErrUnknownShard  = errors.New("runtime: unknown shard id")
	ErrUnknownClient = errors.New("runtime: unknown client id")
	ErrInvalidIntent = errors.New("runtime: intent has a zero target shard or client id")
)

// Client is one submitter of intents: its home shard, its capability mask
// (bit 0 permits MACRO_ADVANCE), its inspect-only policy gate, and its
// per-tick rate-limit budget.
type Client struct {
	ClientID       uint64
	HomeShardID    uint32
	InspectOnly    bool
	CapabilityMask uint32
	IntentsPerTick uint32
	BytesPerTick   uint32

	budgetTick  int64
	intentsUsed uint32
	bytesUsed   uint32
}

// CapabilityMacroAdvance is the capability bit MACRO_ADVANCE intents
// require.
const CapabilityMacroAdvance uint32 = 1 << 0

func (c *Client) beginTick(tick int64) {
	if c.budgetTick == tick {
		return
	}
	c.budgetTick = tick
	c.intentsUsed = 0
	c.bytesUsed = 0
}

// consumeBudget reports whether admitting an intent of byteCost bytes
// stays within the client's per-tick caps, consuming the budget if so.
// A zero-valued cap is treated as unlimited. (The scale engine's per-tick
// budgets work the other way: a zero cap there admits nothing.)
func (c *Client) consumeBudget(byteCost uint32) bool {
	if c.IntentsPerTick != 0 && c.intentsUsed >= c.IntentsPerTick {
		return false
	}
	if c.BytesPerTick != 0 && c.bytesUsed+byteCost > c.BytesPerTick {
		return false
	}
	c.intentsUsed++
	c.bytesUsed += byteCost
	return true
}

// Intent is one client-submitted request.
type Intent struct {
	IntentID       uint64
	ClientID       uint64
	TargetShard    uint32
	DomainID       uint64
	CapsuleID      uint64
	Kind           events.IntentKind
	IntentTick     int64
	IdempotencyKey uint64
	PayloadU32     uint32
	PayloadBytes   []byte
}

func compareIntent(a, b Intent) int {
	if a.IntentTick != b.IntentTick {
		return cmpI64(a.IntentTick, b.IntentTick)
	}
	if a.TargetShard != b.TargetShard {
		return cmpU32(a.TargetShard, b.TargetShard)
	}
	if a.DomainID != b.DomainID {
		return cmpU64(a.DomainID, b.DomainID)
	}
	if a.ClientID != b.ClientID {
		return cmpU64(a.ClientID, b.ClientID)
	}
	return cmpU64(a.IntentID, b.IntentID)
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

// Shard bundles one shard's scale engine with its lifecycle state.
type Shard struct {
	ID        uint32
	Engine    *scaleengine.Engine
	Lifecycle shardlifecycle.State
}

// Runtime is one logical authority over a fixed shard topology.
type Runtime struct {
	NowTick        int64
	WorkerCount    uint32
	WorlddefHash   uint64
	CapabilityHash uint64

	Shards      map[uint32]*Shard
	Clients     map[uint64]*Client
	Owner       map[uint64]uint32 // domain_id -> shard_id
	CrossShard  *crossshardlog.Log
	Lifecycle   *shardlifecycle.Log
	Checkpoints *checkpoint.Store
	Log         []events.Event

	MessageSequence uint64
	MessageApplied  uint64

	pending  []Intent
	deferred []Intent

	seenIntents map[uint64]struct{}

	nextIntentID     uint64
	nextEventSeq     uint64
	nextCheckpointID uint64

	log *zap.Logger
}

// New returns a Runtime configured from cfg, with shardCount shards
// pre-registered in StateInitializing, a cross-shard log sized by
// crossShardCapacity/idempotencyCapacity, and a checkpoint store sized by
// checkpointCapacity. logger may be nil (defaults to zap.NewNop()).
func New(cfg config.RuntimeConfig, crossShardCapacity, idempotencyCapacity, lifecycleLogCapacity, checkpointCapacity uint32, logger *zap.Logger) *Runtime {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runtime{
		WorkerCount: cfg.WorkerCount,
		Shards:      make(map[uint32]*Shard, cfg.ShardCount),
		Clients:     make(map[uint64]*Client),
		Owner:       make(map[uint64]uint32),
		CrossShard:  crossshardlog.New(crossShardCapacity, idempotencyCapacity),
		Lifecycle:   shardlifecycle.NewLog(lifecycleLogCapacity),
		Checkpoints: checkpoint.NewStore(checkpointCapacity),
		log:         logger,
	}
	for id := uint32(1); id <= cfg.ShardCount; id++ {
		r.Shards[id] = &Shard{
			ID:        id,
			Engine:    scaleengine.New(id, cfg.Budget),
			Lifecycle: shardlifecycle.StateInitializing,
		}
	}
	return r
}

// ActivateShard transitions a shard from INITIALIZING to ACTIVE, recording
// the transition in the runtime's lifecycle log. Intent processing and
// beginTick do not consult a shard's lifecycle state; it is checked only for
// the destination shard of a TRANSFER_OWNERSHIP intent.
func (r *Runtime) ActivateShard(shardID uint32, tick int64, reasonCode uint32) error {
	sh, ok := r.Shards[shardID]
	if !ok {
		return ErrUnknownShard
	}
	if err := r.Lifecycle.Transition(shardID, tick, sh.Lifecycle, shardlifecycle.StateActive, reasonCode); err != nil {
		return err
	}
	sh.Lifecycle = shardlifecycle.StateActive
	return nil
}

// Join admits c as a submitter of intents: validates its home-shard
// assignment, installs it, folds its capability surface into the
// runtime's capability lock hash, and emits a JOIN event. A zero
// HomeShardID leaves the client free to target any shard.
func (r *Runtime) Join(c *Client) (events.Event, error) {
	if c.ClientID == 0 {
		return events.Event{}, ErrUnknownClient
	}
	if c.HomeShardID != 0 {
		if _, ok := r.Shards[c.HomeShardID]; !ok {
			return events.Event{}, ErrUnknownShard
		}
	}
	r.Clients[c.ClientID] = c
	r.CapabilityHash = r.capabilityLockHash()
	return r.emit(events.KindJoin, 0, 0, events.RefuseNone, events.DetailNone, events.BudgetNone, c.ClientID, c.HomeShardID), nil
}

// capabilityLockHash folds every client's capability surface — mask,
// inspect-only gate, rate-limit caps — into one deterministic hash in
// sorted client order. Checkpoints record it and Recover refuses across
// a change to it, so admitting or re-empowering a client fences off
// every earlier checkpoint. Shard assignment is deliberately excluded:
// a Resync re-home is not a capability change.
func (r *Runtime) capabilityLockHash() uint64 {
	ids := make([]uint64, 0, len(r.Clients))
	for id := range r.Clients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	h := fnvhash.New().WriteU32(uint32(len(ids)))
	for _, id := range ids {
		c := r.Clients[id]
		inspect := uint32(0)
		if c.InspectOnly {
			inspect = 1
		}
		h = h.WriteU64(c.ClientID).
			WriteU32(c.CapabilityMask).
			WriteU32(inspect).
			WriteU32(c.IntentsPerTick).
			WriteU32(c.BytesPerTick)
	}
	return h.Sum()
}

// Resync re-attaches an already-joined client to shardID. allowPartial
// selects how much state the client is asking to be re-delivered: a full
// resync (allowPartial=false) re-issues everything, which an
// inspect-only client is not entitled to, so that combination refuses
// with CAPABILITY_MISSING; a partial resync only re-delivers what the
// client could observe anyway and is always admissible. Every attempt,
// refused or not, emits a RESYNC event carrying the outcome.
func (r *Runtime) Resync(clientID uint64, shardID uint32, allowPartial bool) (events.Event, error) {
	client, ok := r.Clients[clientID]
	if !ok {
		return events.Event{}, ErrUnknownClient
	}
	if _, ok := r.Shards[shardID]; !ok {
		return events.Event{}, ErrUnknownShard
	}
	if !allowPartial && client.InspectOnly {
		return r.emit(events.KindResync, 0, 0, events.RefuseCapabilityMissing, events.DetailNone, events.BudgetNone, clientID, shardID), nil
	}
	client.HomeShardID = shardID
	return r.emit(events.KindResync, 0, 0, events.RefuseNone, events.DetailNone, events.BudgetNone, clientID, shardID), nil
}

// RegisterDomain installs d into shardID's engine and records ownership.
func (r *Runtime) RegisterDomain(shardID uint32, d *scalemodel.Domain) error {
	sh, ok := r.Shards[shardID]
	if !ok {
		return ErrUnknownShard
	}
	if err := sh.Engine.RegisterDomain(d); err != nil {
		return err
	}
	r.Owner[d.ID] = shardID
	return nil
}

// SubmitIntent validates and queues in for processing once its
// intent_tick is reached. It is the only way an Intent enters the
// runtime; IntentID is assigned here so submission order breaks ties
// deterministically when two intents otherwise compare equal.
func (r *Runtime) SubmitIntent(in Intent) (Intent, error) {
	if in.TargetShard == 0 || in.ClientID == 0 {
		return Intent{}, ErrInvalidIntent
	}
	if _, ok := r.Shards[in.TargetShard]; !ok {
		return Intent{}, ErrUnknownShard
	}
	if _, ok := r.Clients[in.ClientID]; !ok {
		return Intent{}, ErrUnknownClient
	}
	r.nextIntentID++
	in.IntentID = r.nextIntentID
	r.pending = append(r.pending, in)
	return in, nil
}

// Tick runs the tick protocol for every not-yet-processed tick up to and
// including targetTick: begin tick, deliver due cross-shard messages,
// retry the deferred queue, then process ready intents in sorted order.
func (r *Runtime) Tick(targetTick int64) {
	for t := r.NowTick; t <= targetTick; t++ {
		r.NowTick = t
		r.beginTick(t)
		r.processCrossShardMessages(t)
		r.processDeferredQueue(t)
		r.processReadyIntents(t)
	}
	r.NowTick = targetTick + 1
}

func (r *Runtime) beginTick(t int64) {
	for _, c := range r.Clients {
		c.beginTick(t)
	}
	for _, sh := range r.Shards {
		sh.Engine.BeginTick(t)
	}
}

func (r *Runtime) processCrossShardMessages(t int64) {
	for {
		msg, _, ok := r.CrossShard.PopNextReady(t)
		if !ok {
			break
		}
		r.Owner[msg.DomainID] = msg.DestShardID
		r.MessageApplied++
		r.emit(events.KindMessageApply, msg.DomainID, 0, events.RefuseNone, events.DetailNone, events.BudgetNone, 0, msg.DestShardID)
	}
}

// processDeferredQueue drains runtime-level deferred intents whose
// intent_tick has come due, processing each exactly as a freshly-ready
// intent — a distinct step from the ready-intent batch, run first so
// deferred work is not starved by newly-submitted intents.
func (r *Runtime) processDeferredQueue(t int64) {
	var due, keep []Intent
	for _, in := range r.deferred {
		if in.IntentTick <= t {
			due = append(due, in)
		} else {
			keep = append(keep, in)
		}
	}
	r.deferred = keep
	sort.Slice(due, func(i, j int) bool { return compareIntent(due[i], due[j]) < 0 })
	for _, in := range due {
		r.processIntent(in)
	}
}

func (r *Runtime) processReadyIntents(t int64) {
	var ready, keep []Intent
	for _, in := range r.pending {
		if in.IntentTick <= t {
			ready = append(ready, in)
		} else {
			keep = append(keep, in)
		}
	}
	r.pending = keep
	sort.Slice(ready, func(i, j int) bool { return compareIntent(ready[i], ready[j]) < 0 })
	for _, in := range ready {
		r.processIntent(in)
	}
}

// requeueDeferred pushes in back onto the runtime-level deferred queue
// with intent_tick <- now+1, the runtime analogue of the scale engine's
// own deferred queue.
func (r *Runtime) requeueDeferred(in Intent) {
	in.IntentTick = r.NowTick + 1
	r.deferred = append(r.deferred, in)
}

// processIntent performs the admission chain: client
// and shard lookup, client-shard match, per-client budget consume,
// inspect_only gate, idempotency dedupe, domain lookup/ownership check,
// then dispatch by kind.
func (r *Runtime) processIntent(in Intent) {
	client, ok := r.Clients[in.ClientID]
	if !ok {
		return
	}
	sh, ok := r.Shards[in.TargetShard]
	if !ok {
		return
	}
	if client.HomeShardID != 0 && client.HomeShardID != in.TargetShard {
		r.emit(events.KindIntentRefuse, in.DomainID, in.CapsuleID, events.RefuseDomainForbidden, events.DetailNone, events.BudgetNone, in.ClientID, in.TargetShard)
		return
	}
	if !client.consumeBudget(uint32(len(in.PayloadBytes))) {
		r.emit(events.KindIntentRefuse, in.DomainID, in.CapsuleID, events.RefuseRateLimit, events.DetailNone, events.BudgetNone, in.ClientID, in.TargetShard)
		return
	}
	if client.InspectOnly && in.Kind != events.IntentObserve {
		r.emit(events.KindIntentRefuse, in.DomainID, in.CapsuleID, events.RefuseCapabilityMissing, events.DetailNone, events.BudgetNone, in.ClientID, in.TargetShard)
		return
	}
	if in.IdempotencyKey != 0 {
		dedupeKey := fnvhash.New().WriteU64(in.ClientID).WriteU64(in.IdempotencyKey).Sum()
		if _, seen := r.seenIntents[dedupeKey]; seen {
			return
		}
		if r.seenIntents == nil {
			r.seenIntents = make(map[uint64]struct{})
		}
		r.seenIntents[dedupeKey] = struct{}{}
	}
	if in.DomainID != 0 {
		ownerShard, ok := r.Owner[in.DomainID]
		if !ok || ownerShard != in.TargetShard {
			r.emit(events.KindIntentRefuse, in.DomainID, in.CapsuleID, events.RefuseDomainForbidden, events.DetailNone, events.BudgetNone, in.ClientID, in.TargetShard)
			return
		}
	}

	switch in.Kind {
	case events.IntentObserve:
		r.dispatchObserve(in)
	case events.IntentCollapse:
		r.dispatchCollapse(sh, in)
	case events.IntentExpand:
		r.dispatchExpand(sh, in)
	case events.IntentMacroAdvance:
		r.dispatchMacroAdvance(sh, client, in)
	case events.IntentTransferOwnership:
		r.dispatchTransferOwnership(sh, in)
	default:
		r.emit(events.KindIntentRefuse, in.DomainID, in.CapsuleID, events.RefuseInvalidIntent, events.DetailNone, events.BudgetNone, in.ClientID, in.TargetShard)
	}
}

func (r *Runtime) dispatchObserve(in Intent) {
	r.emit(events.KindBudgetSnapshot, in.DomainID, in.CapsuleID, events.RefuseNone, events.DetailNone, events.BudgetNone, in.ClientID, in.TargetShard)
}

func (r *Runtime) dispatchCollapse(sh *Shard, in Intent) {
	res := sh.Engine.Collapse(in.DomainID, in.PayloadU32, scalemodel.NewCommitToken(r.NowTick))
	r.translate(res, in)
}

func (r *Runtime) dispatchExpand(sh *Shard, in Intent) {
	res := sh.Engine.Expand(in.CapsuleID, scalemodel.FidelityTier(in.PayloadU32), 0, scalemodel.NewCommitToken(r.NowTick))
	r.translate(res, in)
}

// dispatchMacroAdvance requires capability bit 0. If
// the advance consumed zero work across every budget kind and the
// macro-event refusal counter is positive, the runtime itself refuses
// with MACRO_EVENT_BUDGET rather than accepting a no-op advance.
func (r *Runtime) dispatchMacroAdvance(sh *Shard, client *Client, in Intent) {
	if client.CapabilityMask&CapabilityMacroAdvance == 0 {
		r.emit(events.KindIntentRefuse, in.DomainID, in.CapsuleID, events.RefuseCapabilityMissing, events.DetailNone, events.BudgetNone, in.ClientID, in.TargetShard)
		return
	}
	macroBefore := sh.Engine.State.MacroEventUsed
	compactBefore := sh.Engine.State.CompactionUsed
	refusalsBefore := sh.Engine.State.RefusalCounts[events.BudgetMacroEvent]

	res := sh.Engine.MacroAdvance(r.NowTick, scalemodel.NewCommitToken(r.NowTick))

	zeroWork := sh.Engine.State.MacroEventUsed == macroBefore && sh.Engine.State.CompactionUsed == compactBefore
	if zeroWork && sh.Engine.State.RefusalCounts[events.BudgetMacroEvent] > refusalsBefore {
		r.emit(events.KindIntentRefuse, in.DomainID, in.CapsuleID, events.RefusalCodeForBudgetKind(events.BudgetMacroEvent), events.DetailBudgetMacroEvent, events.BudgetMacroEvent, in.ClientID, in.TargetShard)
		return
	}
	r.translate(res, in)
}

// dispatchTransferOwnership mints a message id and appends a cross-shard
// message; the transfer only takes effect once the message is delivered
// in a later tick's cross-shard processing step. Destination shards in
// DRAINING, FROZEN or OFFLINE lifecycle state refuse the transfer outright
// with DOMAIN_FORBIDDEN.
func (r *Runtime) dispatchTransferOwnership(sh *Shard, in Intent) {
	destShard := in.PayloadU32
	dest, ok := r.Shards[destShard]
	if !ok || destShard == 0 {
		r.emit(events.KindIntentRefuse, in.DomainID, in.CapsuleID, events.RefuseInvalidIntent, events.DetailNone, events.BudgetNone, in.ClientID, in.TargetShard)
		return
	}
	if dest.Lifecycle == shardlifecycle.StateDraining || dest.Lifecycle == shardlifecycle.StateFrozen || dest.Lifecycle == shardlifecycle.StateOffline {
		r.emit(events.KindIntentRefuse, in.DomainID, in.CapsuleID, events.RefuseDomainForbidden, events.DetailNone, events.BudgetNone, in.ClientID, in.TargetShard)
		return
	}

	r.MessageSequence++
	msg := crossshardlog.Message{
		MessageID:      r.MessageSequence,
		IdempotencyKey: in.IdempotencyKey,
		OriginShardID:  sh.ID,
		DestShardID:    destShard,
		DomainID:       in.DomainID,
		OriginTick:     r.NowTick,
		DeliveryTick:   r.NowTick + 1,
	}
	r.CrossShard.Append(msg)
	r.emit(events.KindOwnershipTransfer, in.DomainID, in.CapsuleID, events.RefuseNone, events.DetailNone, events.BudgetNone, in.ClientID, in.TargetShard)
}

// translate converts a scale engine Result into a runtime audit event,
// copying refusal_code/detail_code verbatim, or requeues the intent on
// the runtime's own deferred queue when the engine deferred it.
func (r *Runtime) translate(res scaleengine.Result, in Intent) {
	switch {
	case res.Deferred:
		r.requeueDeferred(in)
		r.emit(events.KindIntentDefer, in.DomainID, in.CapsuleID, events.RefuseNone, res.DetailCode, res.BudgetKind, in.ClientID, in.TargetShard)
	case !res.Accepted:
		r.emit(events.KindIntentRefuse, in.DomainID, in.CapsuleID, res.RefusalCode, res.DetailCode, res.BudgetKind, in.ClientID, in.TargetShard)
	default:
		r.emit(res.Event.Kind, in.DomainID, in.CapsuleID, events.RefuseNone, events.DetailNone, events.BudgetNone, in.ClientID, in.TargetShard)
	}
}

// emit mints the next event in the runtime-wide audit log through a
// shard-tagged id minter, independent of any shard's own scale-event log
// sequence numbering.
func (r *Runtime) emit(k events.Kind, domainID, capsuleID uint64, refusal events.RefusalCode, detail events.DetailCode, budget events.BudgetKind, clientID uint64, shardID uint32) events.Event {
	r.nextEventSeq++
	ev := events.Event{
		Kind:        k,
		DomainID:    domainID,
		CapsuleID:   capsuleID,
		Tick:        r.NowTick,
		RefusalCode: refusal,
		DetailCode:  detail,
		BudgetKind:  budget,
		ClientID:    clientID,
		ShardID:     shardID,
		Sequence:    r.nextEventSeq,
	}
	r.Log = append(r.Log, ev)
	if refusal != events.RefuseNone {
		r.log.Debug("intent refused",
			zap.Uint32("refusal_code", uint32(refusal)),
			zap.Uint32("detail_code", uint32(detail)),
			zap.Uint64("domain_id", domainID),
			zap.Uint32("shard_id", shardID),
		)
	}
	return ev
}

// Hash computes the runtime-wide deterministic hash: tick, worker count, the
// shard/client/pending/deferred/owner/event counts, message
// sequence/applied, the cross-shard log hash (which carries its own
// overflow counter), the owner table,
// every shard's scale-event-log hash, every domain's content hash, and
// every audit event's fields, all folded in a fixed, sorted order.
func (r *Runtime) Hash() uint64 {
	h := fnvhash.New().
		WriteI64(r.NowTick).
		WriteU32(r.WorkerCount).
		WriteU32(uint32(len(r.Shards))).
		WriteU32(uint32(len(r.Clients))).
		WriteU32(uint32(len(r.pending))).
		WriteU32(uint32(len(r.deferred))).
		WriteU32(uint32(len(r.Owner))).
		WriteU32(uint32(len(r.Log))).
		WriteU64(r.MessageSequence).
		WriteU64(r.MessageApplied).
		WriteU64(r.CrossShard.Hash())

	shardIDs := make([]uint32, 0, len(r.Shards))
	for id := range r.Shards {
		shardIDs = append(shardIDs, id)
	}
	sort.Slice(shardIDs, func(i, j int) bool { return shardIDs[i] < shardIDs[j] })
	for _, id := range shardIDs {
		sh := r.Shards[id]
		h = h.WriteU32(id).WriteU32(uint32(sh.Lifecycle)).WriteU64(scaleEventLogHash(sh.Engine.Log))

		domainIDs := make([]uint64, 0, len(sh.Engine.Domains))
		for did := range sh.Engine.Domains {
			domainIDs = append(domainIDs, did)
		}
		sort.Slice(domainIDs, func(i, j int) bool { return domainIDs[i] < domainIDs[j] })
		for _, did := range domainIDs {
			h = h.WriteU64(sh.Engine.Domains[did].ContentHash(r.NowTick, r.WorkerCount))
		}
	}

	ownerDomainIDs := make([]uint64, 0, len(r.Owner))
	for did := range r.Owner {
		ownerDomainIDs = append(ownerDomainIDs, did)
	}
	sort.Slice(ownerDomainIDs, func(i, j int) bool { return ownerDomainIDs[i] < ownerDomainIDs[j] })
	for _, did := range ownerDomainIDs {
		h = h.WriteU64(did).WriteU32(r.Owner[did])
	}

	for _, ev := range r.Log {
		h = h.WriteU32(uint32(ev.Kind)).
			WriteU64(ev.DomainID).
			WriteU64(ev.CapsuleID).
			WriteI64(ev.Tick).
			WriteU32(uint32(ev.RefusalCode)).
			WriteU32(uint32(ev.DetailCode)).
			WriteU32(uint32(ev.BudgetKind)).
			WriteU64(ev.ClientID).
			WriteU32(ev.ShardID).
			WriteU64(ev.Sequence)
	}
	return h.Sum()
}

func scaleEventLogHash(log []events.Event) uint64 {
	h := fnvhash.New().WriteU32(uint32(len(log)))
	for _, ev := range log {
		h = h.WriteU32(uint32(ev.Kind)).
			WriteU64(ev.DomainID).
			WriteU64(ev.CapsuleID).
			WriteI64(ev.Tick).
			WriteU32(uint32(ev.RefusalCode)).
			WriteU32(uint32(ev.DetailCode)).
			WriteU32(uint32(ev.BudgetKind)).
			WriteU64(ev.Sequence)
	}
	return h.Sum()
}

// Capture snapshots every shard into a new checkpoint record and records
// it in the Checkpoints ring.
func (r *Runtime) Capture(triggerReason uint32) checkpoint.Record {
	shardIDs := make([]uint32, 0, len(r.Shards))
	for id := range r.Shards {
		shardIDs = append(shardIDs, id)
	}
	sort.Slice(shardIDs, func(i, j int) bool { return shardIDs[i] < shardIDs[j] })

	snaps := make([]checkpoint.ShardSnapshot, 0, len(shardIDs))
	var macroEventsExecuted uint64
	for _, id := range shardIDs {
		sh := r.Shards[id]
		snaps = append(snaps, checkpoint.CaptureShard(id, sh.Lifecycle, sh.Engine))
		macroEventsExecuted += sh.Engine.MacroEventsExecuted
	}

	owner := make(map[uint64]uint32, len(r.Owner))
	for k, v := range r.Owner {
		owner[k] = v
	}
	lifecycleSnap := r.Lifecycle.Snapshot()

	r.nextCheckpointID++
	manifest := checkpoint.Manifest{
		SchemaVersion:       checkpoint.SchemaVersion,
		CheckpointID:        r.nextCheckpointID,
		Tick:                r.NowTick,
		TriggerReason:       triggerReason,
		WorlddefHash:        r.WorlddefHash,
		CapabilityLockHash:  r.CapabilityHash,
		RuntimeHash:         checkpoint.RuntimeHash(snaps, r.WorkerCount),
		LifecycleHash:       checkpoint.LifecycleHash(lifecycleSnap.Entries),
		MessageSequence:     r.MessageSequence,
		MessageApplied:      r.MessageApplied,
		MacroEventsExecuted: macroEventsExecuted,
		EventCount:          uint32(len(r.Log)),
		ShardCount:          uint32(len(shardIDs)),
	}

	idempotencyKeys := make([]uint64, 0, len(r.seenIntents))
	for k := range r.seenIntents {
		idempotencyKeys = append(idempotencyKeys, k)
	}
	sort.Slice(idempotencyKeys, func(i, j int) bool { return idempotencyKeys[i] < idempotencyKeys[j] })

	runtimeEventLog := make([]events.Event, len(r.Log))
	copy(runtimeEventLog, r.Log)

	rec := checkpoint.Record{
		Manifest:        manifest,
		Shards:          snaps,
		Lifecycle:       lifecycleSnap,
		CrossShard:      r.CrossShard.Snapshot(),
		OwnerTable:      owner,
		PendingIntents:  intentRecords(r.pending),
		DeferredIntents: intentRecords(r.deferred),
		RuntimeEventLog: runtimeEventLog,
		IdempotencyKeys: idempotencyKeys,
		NextIntentID:    r.nextIntentID,
		NextEventSeq:    r.nextEventSeq,
	}
	r.Checkpoints.Record(rec)
	return rec
}

func intentRecords(in []Intent) []checkpoint.IntentRecord {
	out := make([]checkpoint.IntentRecord, len(in))
	for i, it := range in {
		out[i] = checkpoint.IntentRecord{
			IntentID:       it.IntentID,
			ClientID:       it.ClientID,
			TargetShard:    it.TargetShard,
			DomainID:       it.DomainID,
			CapsuleID:      it.CapsuleID,
			Kind:           it.Kind,
			IntentTick:     it.IntentTick,
			IdempotencyKey: it.IdempotencyKey,
			PayloadU32:     it.PayloadU32,
			PayloadBytes:   append([]byte(nil), it.PayloadBytes...),
		}
	}
	return out
}

func intentsFromRecords(in []checkpoint.IntentRecord) []Intent {
	out := make([]Intent, len(in))
	for i, it := range in {
		out[i] = Intent{
			IntentID:       it.IntentID,
			ClientID:       it.ClientID,
			TargetShard:    it.TargetShard,
			DomainID:       it.DomainID,
			CapsuleID:      it.CapsuleID,
			Kind:           it.Kind,
			IntentTick:     it.IntentTick,
			IdempotencyKey: it.IdempotencyKey,
			PayloadU32:     it.PayloadU32,
			PayloadBytes:   append([]byte(nil), it.PayloadBytes...),
		}
	}
	return out
}

// Recover validates rec against the runtime's current identifying
// hashes and, only if every shard validates, shadow-restores each one:
// cloning first and swapping in only on success.
func (r *Runtime) Recover(rec checkpoint.Record) error {
	expectedShardIDs := make([]uint32, 0, len(r.Shards))
	for id := range r.Shards {
		expectedShardIDs = append(expectedShardIDs, id)
	}
	// The lifecycle hash is validated against the record's own carried
	// entries: it detects a corrupted or hand-altered record, not drift in
	// the live log, which recovery exists to roll back.
	recLifecycleHash := checkpoint.LifecycleHash(rec.Lifecycle.Entries)
	if err := checkpoint.Validate(rec, r.WorlddefHash, r.CapabilityHash, recLifecycleHash, expectedShardIDs); err != nil {
		return err
	}

	restored := make(map[uint32]*scaleengine.Engine, len(rec.Shards))
	for _, snap := range rec.Shards {
		target := scaleengine.New(snap.ShardID, r.Shards[snap.ShardID].Engine.Policy)
		if err := checkpoint.RestoreShard(snap, target); err != nil {
			return err
		}
		restored[snap.ShardID] = target
	}

	for _, snap := range rec.Shards {
		sh := r.Shards[snap.ShardID]
		sh.Engine = restored[snap.ShardID]
		sh.Lifecycle = snap.LifecycleState
	}
	owner := make(map[uint64]uint32, len(rec.OwnerTable))
	for k, v := range rec.OwnerTable {
		owner[k] = v
	}
	r.Owner = owner
	r.MessageSequence = rec.Manifest.MessageSequence
	r.MessageApplied = rec.Manifest.MessageApplied
	r.NowTick = rec.Manifest.Tick

	r.CrossShard = crossshardlog.Restore(rec.CrossShard)
	r.Lifecycle = shardlifecycle.Restore(rec.Lifecycle)
	r.pending = intentsFromRecords(rec.PendingIntents)
	r.deferred = intentsFromRecords(rec.DeferredIntents)
	r.Log = append([]events.Event(nil), rec.RuntimeEventLog...)
	r.seenIntents = make(map[uint64]struct{}, len(rec.IdempotencyKeys))
	for _, k := range rec.IdempotencyKeys {
		r.seenIntents[k] = struct{}{}
	}
	r.nextIntentID = rec.NextIntentID
	r.nextEventSeq = rec.NextEventSeq

	for _, c := range r.Clients {
		c.budgetTick = 0
		c.intentsUsed = 0
		c.bytesUsed = 0
	}
	return nil
}
