// Package shardlifecycle implements the Shard Lifecycle Log: the state
// machine a shard moves through over its operational life, plus a
// capacity-capped, deterministically-hashed record of the transitions taken.
// Once the record is full, later transitions are dropped and counted in
// Overflow; the oldest entries are never evicted.
package shardlifecycle

import "github.com/dreamware/dominium-scale/internal/fnvhash"

// State is a shard's current position in its operational lifecycle.
//
// State transitions follow a fixed closure, enforced by TransitionAllowed:
//   - INITIALIZING → ACTIVE, FROZEN, OFFLINE
//   - ACTIVE → DRAINING, FROZEN, OFFLINE
//   - DRAINING → ACTIVE, FROZEN, OFFLINE
//   - FROZEN → INITIALIZING, ACTIVE, OFFLINE
//   - OFFLINE → INITIALIZING, FROZEN
//
// A state is always allowed to transition to itself (a no-op retry of the
// same admission is never refused for that reason alone).
type State uint32

const (
	// StateInitializing is a shard that has not yet been activated.
	StateInitializing State = 1
	// StateActive is a shard fully participating in tick processing.
	StateActive State = 2
	// StateDraining is an active shard finishing in-flight work before
	// freezing or going offline.
	StateDraining State = 3
	// StateFrozen is a shard taken out of service without being removed
	// from the runtime's topology.
	StateFrozen State = 4
	// StateOffline is a shard that has been removed from the runtime's
	// active topology.
	StateOffline State = 5
)

// String returns the state's wire-level name.
func (s State) String() string {
	switch s {
	case StateInitializing:
		return "INITIALIZING"
	case StateActive:
		return "ACTIVE"
	case StateDraining:
		return "DRAINING"
	case StateFrozen:
		return "FROZEN"
	case StateOffline:
		return "OFFLINE"
	default:
		return "UNKNOWN"
	}
}

// TransitionAllowed reports whether from -> to is a legal lifecycle edge.
func TransitionAllowed(from, to State) bool {
	if from == to {
		return true
	}
	switch from {
	case StateInitializing:
		return to == StateActive || to == StateFrozen || to == StateOffline
	case StateActive:
		return to == StateDraining || to == StateFrozen || to == StateOffline
	case StateDraining:
		return to == StateActive || to == StateFrozen || to == StateOffline
	case StateFrozen:
		return to == StateInitializing || to == StateActive || to == StateOffline
	case StateOffline:
		return to == StateInitializing || to == StateFrozen
	default:
		return false
	}
}

// Entry is one recorded transition.
type Entry struct {
	ShardID    uint32
	Tick       int64
	FromState  State
	ToState    State
	ReasonCode uint32
}

// ErrTransitionForbidden is returned by Log.Transition when from->to is not
// in TransitionAllowed's closure; the log is left unchanged.
type ErrTransitionForbidden struct {
	From, To State
}

func (e *ErrTransitionForbidden) Error() string {
	return "shardlifecycle: " + e.From.String() + " -> " + e.To.String() + " is not an allowed transition"
}

// Log is a shard's fixed-capacity lifecycle history: once Capacity entries
// have accumulated, further transitions are still validated and still
// change the shard's current state, but stop being recorded — Overflow
// counts how many were dropped.
type Log struct {
	entries  []Entry
	Capacity uint32
	Overflow uint32
}

// NewLog returns an empty log with the given capacity.
func NewLog(capacity uint32) *Log {
	return &Log{Capacity: capacity}
}

// Transition validates from->to and, if allowed, appends an entry (subject
// to Capacity/Overflow accounting). It returns ErrTransitionForbidden
// without touching the log if the edge is not allowed.
func (l *Log) Transition(shardID uint32, tick int64, from, to State, reasonCode uint32) error {
	if !TransitionAllowed(from, to) {
		return &ErrTransitionForbidden{From: from, To: to}
	}
	if l.Capacity == 0 || uint32(len(l.entries)) >= l.Capacity {
		l.Overflow++
		return nil
	}
	l.entries = append(l.entries, Entry{
		ShardID:    shardID,
		Tick:       tick,
		FromState:  from,
		ToState:    to,
		ReasonCode: reasonCode,
	})
	return nil
}

// Count returns the number of recorded transitions.
func (l *Log) Count() int { return len(l.entries) }

// GetByIndex returns the entry recorded at position i.
func (l *Log) GetByIndex(i int) (Entry, bool) {
	if i < 0 || i >= len(l.entries) {
		return Entry{}, false
	}
	return l.entries[i], true
}

// Clear empties the log, resetting Overflow.
func (l *Log) Clear() {
	l.entries = nil
	l.Overflow = 0
}

// Snapshot is the log's complete state, sufficient to rebuild an identical
// Log via Restore.
type Snapshot struct {
	Entries  []Entry
	Capacity uint32
	Overflow uint32
}

// Snapshot captures l's complete state as an independent copy, safe to
// store in a checkpoint without aliasing l's internal slice.
func (l *Log) Snapshot() Snapshot {
	return Snapshot{
		Entries:  append([]Entry(nil), l.entries...),
		Capacity: l.Capacity,
		Overflow: l.Overflow,
	}
}

// Restore rebuilds a Log from a Snapshot taken by Snapshot.
func Restore(snap Snapshot) *Log {
	return &Log{
		entries:  append([]Entry(nil), snap.Entries...),
		Capacity: snap.Capacity,
		Overflow: snap.Overflow,
	}
}

// Hash computes a deterministic FNV-1a 64 hash over the log's exact state.
func (l *Log) Hash() uint64 {
	h := fnvhash.New().
		WriteU32(uint32(len(l.entries))).
		WriteU32(l.Capacity).
		WriteU32(l.Overflow)
	for _, e := range l.entries {
		h = h.WriteU32(e.ShardID).
			WriteI64(e.Tick).
			WriteU32(uint32(e.FromState)).
			WriteU32(uint32(e.ToState)).
			WriteU32(e.ReasonCode)
	}
	return h.Sum()
}
