// Package checkpoint implements the Checkpoint Store: a ring-buffered
// history of full restorable runtime images, captured and recovered with
// shadow-restore semantics — a recovery attempt only replaces live state
// once every shard's snapshot has been validated and cloned.
package checkpoint

import (
	"errors"
	"sort"

	"github.com/dreamware/dominium-scale/internal/capsulestore"
	"github.com/dreamware/dominium-scale/internal/crossshardlog"
	"github.com/dreamware/dominium-scale/internal/events"
	"github.com/dreamware/dominium-scale/internal/fnvhash"
	"github.com/dreamware/dominium-scale/internal/macroevent"
	"github.com/dreamware/dominium-scale/internal/macroschedule"
	"github.com/dreamware/dominium-scale/internal/scaleengine"
	"github.com/dreamware/dominium-scale/internal/scalemodel"
	"github.com/dreamware/dominium-scale/internal/shardlifecycle"
)

// Manifest is the checkpoint's header: everything Recover validates
// before it will touch live state.
type Manifest struct {
	SchemaVersion       uint32
	CheckpointID        uint64
	Tick                int64
	TriggerReason       uint32
	WorlddefHash        uint64
	CapabilityLockHash  uint64
	RuntimeHash         uint64
	LifecycleHash       uint64
	MessageSequence     uint64
	MessageApplied      uint64
	MacroEventsExecuted uint64
	EventCount          uint32
	EventOverflow       uint32
	ShardCount          uint32
}

// SchemaVersion is the only manifest schema version this store understands.
const SchemaVersion uint32 = 1

// ShardSnapshot is one shard's complete captured state: its domain set
// deep-cloned, its capsule/schedule/macro-event stores serialized to bytes
// (already a deep copy by construction), its budget state, and its own
// slice of the audit event log.
type ShardSnapshot struct {
	ShardID             uint32
	NowTick             int64
	Domains             map[uint64]*scalemodel.Domain
	CapsulesBlob        []byte
	SchedulesBlob       []byte
	MacroEventsBlob     []byte
	Budget              scaleengine.BudgetState
	EventLog            []events.Event
	LifecycleState      shardlifecycle.State
	MacroEventsExecuted uint64
}

// IntentRecord is the checkpoint-owned shape of a runtime.Intent. The
// runtime package owns the live Intent type; checkpoint cannot import it
// back (runtime already imports checkpoint), so Capture/Recover convert
// field-for-field at the boundary.
type IntentRecord struct {
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

// Record is one complete checkpoint: the manifest, every shard's snapshot,
// and the runtime-wide state recovery installs verbatim —
// pending/deferred intents, the audit event log, the ownership
// table, the cross-shard message log (messages and idempotency window
// together, via Snapshot), the lifecycle log, and the idempotency dedup
// keys the runtime itself tracks for exact-duplicate intent submission.
type Record struct {
	Manifest        Manifest
	Shards          []ShardSnapshot
	Lifecycle       shardlifecycle.Snapshot
	CrossShard      crossshardlog.Snapshot
	OwnerTable      map[uint64]uint32 // domain_id -> shard_id
	PendingIntents  []IntentRecord
	DeferredIntents []IntentRecord
	RuntimeEventLog []events.Event
	IdempotencyKeys []uint64
	NextIntentID    uint64
	NextEventSeq    uint64
}

// ErrSchemaMismatch, ErrWorlddefMismatch, ErrCapabilityMismatch, and
// ErrLifecycleMismatch are returned by Recover's validation pass; the
// runtime's live state is left untouched when any of these fire.
var (
	ErrSchemaMismatch     = errors.New("checkpoint: schema_version mismatch")
	ErrWorlddefMismatch   = errors.New("checkpoint: worlddef_hash mismatch")
	ErrCapabilityMismatch = errors.New("checkpoint: capability_lock_hash mismatch")
	ErrLifecycleMismatch  = errors.New("checkpoint: lifecycle_hash mismatch")
	ErrShardShapeMismatch = errors.New("checkpoint: shard count or id shape mismatch")
)

func cloneDomain(d *scalemodel.Domain) *scalemodel.Domain {
	clone := *d
	clone.Payload = clonePayload(d.Payload)
	return &clone
}

func clonePayload(p scalemodel.Payload) scalemodel.Payload {
	switch v := p.(type) {
	case *scalemodel.ResourcesPayload:
		entries := make([]scalemodel.ResourceEntry, len(v.Entries))
		copy(entries, v.Entries)
		return &scalemodel.ResourcesPayload{Entries: entries}
	case *scalemodel.NetworkPayload:
		nodes := make([]scalemodel.NetworkNode, len(v.Nodes))
		copy(nodes, v.Nodes)
		edges := make([]scalemodel.NetworkEdge, len(v.Edges))
		copy(edges, v.Edges)
		return &scalemodel.NetworkPayload{Nodes: nodes, Edges: edges}
	case *scalemodel.AgentsPayload:
		agents := make([]scalemodel.AgentEntry, len(v.Agents))
		copy(agents, v.Agents)
		return &scalemodel.AgentsPayload{Agents: agents}
	default:
		return nil
	}
}

// CaptureShard snapshots one shard's engine state.
func CaptureShard(shardID uint32, lifecycleState shardlifecycle.State, e *scaleengine.Engine) ShardSnapshot {
	domains := make(map[uint64]*scalemodel.Domain, len(e.Domains))
	for id, d := range e.Domains {
		domains[id] = cloneDomain(d)
	}
	eventLog := make([]events.Event, len(e.Log))
	copy(eventLog, e.Log)

	return ShardSnapshot{
		ShardID:             shardID,
		NowTick:             e.NowTick,
		Domains:             domains,
		CapsulesBlob:        e.Capsules.Serialize(),
		SchedulesBlob:       e.Schedules.Serialize(),
		MacroEventsBlob:     e.Events.Serialize(),
		Budget:              e.State,
		EventLog:            eventLog,
		LifecycleState:      lifecycleState,
		MacroEventsExecuted: e.MacroEventsExecuted,
	}
}

// RestoreShard installs snap into e, which the caller constructs fresh with
// the budget policy it wants (the snapshot carries none), so the caller's
// live engine stays untouched until it swaps e in — the "clone first" half
// of shadow-restore.
func RestoreShard(snap ShardSnapshot, e *scaleengine.Engine) error {
	capsules, err := capsulestore.Deserialize(snap.CapsulesBlob)
	if err != nil {
		return err
	}
	schedules, err := macroschedule.Deserialize(snap.SchedulesBlob)
	if err != nil {
		return err
	}
	macroEvents, err := macroevent.Deserialize(snap.MacroEventsBlob)
	if err != nil {
		return err
	}

	e.ShardID = snap.ShardID
	e.NowTick = snap.NowTick
	e.Capsules = capsules
	e.Schedules = schedules
	e.Events = macroEvents
	e.State = snap.Budget
	e.MacroEventsExecuted = snap.MacroEventsExecuted

	domains := make(map[uint64]*scalemodel.Domain, len(snap.Domains))
	capsuleOwner := make(map[uint64]uint64, len(snap.Domains))
	for id, d := range snap.Domains {
		clone := cloneDomain(d)
		domains[id] = clone
		if clone.CapsuleID != 0 {
			capsuleOwner[clone.CapsuleID] = id
		}
	}
	e.Domains = domains
	e.RestoreOwnerIndex(capsuleOwner)

	eventLog := make([]events.Event, len(snap.EventLog))
	copy(eventLog, snap.EventLog)
	e.Log = eventLog
	return nil
}

// RuntimeHash computes a deterministic hash over every shard's content
// hash plus its capsule/schedule/event store bytes, suitable for the
// manifest's runtime_hash field.
func RuntimeHash(shards []ShardSnapshot, workerCount uint32) uint64 {
	h := fnvhash.New().WriteU32(uint32(len(shards)))
	for _, s := range shards {
		h = h.WriteU32(s.ShardID).WriteI64(s.NowTick)
		h = h.WriteU32(uint32(len(s.Domains)))
		ids := make([]uint64, 0, len(s.Domains))
		for id := range s.Domains {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			h = h.WriteU64(s.Domains[id].ContentHash(s.NowTick, workerCount))
		}
		h = h.WriteBytes(s.CapsulesBlob).WriteBytes(s.SchedulesBlob).WriteBytes(s.MacroEventsBlob)
	}
	return h.Sum()
}

// LifecycleHash hashes the runtime-wide lifecycle entry set, matching the
// manifest's lifecycle_hash field.
func LifecycleHash(entries []shardlifecycle.Entry) uint64 {
	h := fnvhash.New().WriteU32(uint32(len(entries)))
	for _, e := range entries {
		h = h.WriteU32(e.ShardID).WriteI64(e.Tick).WriteU32(uint32(e.FromState)).WriteU32(uint32(e.ToState)).WriteU32(e.ReasonCode)
	}
	return h.Sum()
}

// Store is a ring buffer of captured Records: writing to a full store
// evicts the oldest record and increments Overflow.
type Store struct {
	records  []Record
	Capacity uint32
	head     uint32
	Overflow uint32
}

// NewStore returns an empty checkpoint store with the given capacity.
func NewStore(capacity uint32) *Store {
	return &Store{Capacity: capacity}
}

// Record appends rec to the ring, evicting the oldest entry and bumping
// Overflow once the store is full.
func (s *Store) Record(rec Record) {
	if s.Capacity == 0 {
		s.Overflow++
		return
	}
	if uint32(len(s.records)) < s.Capacity {
		s.records = append(s.records, rec)
		return
	}
	s.records[s.head] = rec
	s.head = (s.head + 1) % s.Capacity
	s.Overflow++
}

// Last returns the most recently recorded checkpoint, if any.
func (s *Store) Last() (Record, bool) {
	if len(s.records) == 0 {
		return Record{}, false
	}
	if uint32(len(s.records)) < s.Capacity {
		return s.records[len(s.records)-1], true
	}
	idx := (s.head + s.Capacity - 1) % s.Capacity
	return s.records[idx], true
}

// Count returns the number of live records.
func (s *Store) Count() int { return len(s.records) }

// Hash computes a deterministic hash over the store's manifests in ring
// order, plus Capacity/Overflow.
func (s *Store) Hash() uint64 {
	h := fnvhash.New().WriteU32(uint32(len(s.records))).WriteU32(s.Capacity).WriteU32(s.Overflow)
	for _, r := range s.records {
		h = h.WriteU32(r.Manifest.SchemaVersion).
			WriteU64(r.Manifest.CheckpointID).
			WriteI64(r.Manifest.Tick).
			WriteU64(r.Manifest.RuntimeHash).
			WriteU64(r.Manifest.LifecycleHash)
	}
	return h.Sum()
}

// Validate checks rec's manifest against the given identifying hashes and
// shard ids, the first step of Recover's shadow-restore discipline — it
// never mutates anything. Recover passes the runtime's current worlddef and
// capability hashes and a lifecycle hash recomputed from rec's own
// lifecycle entries.
func Validate(rec Record, worlddefHash, capabilityLockHash uint64, lifecycleHash uint64, expectedShardIDs []uint32) error {
	if rec.Manifest.SchemaVersion != SchemaVersion {
		return ErrSchemaMismatch
	}
	if rec.Manifest.WorlddefHash != worlddefHash {
		return ErrWorlddefMismatch
	}
	if rec.Manifest.CapabilityLockHash != capabilityLockHash {
		return ErrCapabilityMismatch
	}
	if rec.Manifest.LifecycleHash != lifecycleHash {
		return ErrLifecycleMismatch
	}
	if int(rec.Manifest.ShardCount) != len(expectedShardIDs) || len(rec.Shards) != len(expectedShardIDs) {
		return ErrShardShapeMismatch
	}
	present := make(map[uint32]bool, len(expectedShardIDs))
	for _, id := range expectedShardIDs {
		present[id] = true
	}
	for _, s := range rec.Shards {
		if !present[s.ShardID] {
			return ErrShardShapeMismatch
		}
	}
	return nil
}
