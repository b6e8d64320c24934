// Package crossshardlog implements the Cross-Shard Log: the deterministic,
// fixed-capacity queue of messages one shard has sent toward others,
// ordered by (delivery_tick, causal_key, origin_shard, dest_shard,
// domain_id, order_key, message_id, sequence, payload_hash), with a
// ring-capped idempotency window sized independently from message
// capacity.
package crossshardlog

import (
	"golang.org/x/exp/slices"

	"github.com/dreamware/dominium-scale/internal/fnvhash"
)

// Message is one cross-shard delivery.
type Message struct {
	MessageID      uint64
	IdempotencyKey uint64
	OriginShardID  uint32
	DestShardID    uint32
	DomainID       uint64
	OriginTick     int64
	DeliveryTick   int64
	CausalKey      uint64
	OrderKey       uint64
	MessageKind    uint32
	Sequence       uint32
	PayloadHash    uint64
}

func compare(a, b Message) int {
	switch {
	case a.DeliveryTick != b.DeliveryTick:
		return cmpI64(a.DeliveryTick, b.DeliveryTick)
	case a.CausalKey != b.CausalKey:
		return cmpU64(a.CausalKey, b.CausalKey)
	case a.OriginShardID != b.OriginShardID:
		return cmpU32(a.OriginShardID, b.OriginShardID)
	case a.DestShardID != b.DestShardID:
		return cmpU32(a.DestShardID, b.DestShardID)
	case a.DomainID != b.DomainID:
		return cmpU64(a.DomainID, b.DomainID)
	case a.OrderKey != b.OrderKey:
		return cmpU64(a.OrderKey, b.OrderKey)
	case a.MessageID != b.MessageID:
		return cmpU64(a.MessageID, b.MessageID)
	case a.Sequence != b.Sequence:
		return cmpU32(a.Sequence, b.Sequence)
	default:
		return cmpU64(a.PayloadHash, b.PayloadHash)
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

// idempotencyEntry is one slot of the ring-capped dedup window.
type idempotencyEntry struct {
	DestShardID    uint32
	IdempotencyKey uint64
}

// Log is one shard's outbound cross-shard message queue plus its
// idempotency dedup window. MessageCapacity and IdempotencyCapacity are
// sized independently: a log can hold many more pending messages than it
// remembers delivered idempotency keys, or vice versa.
type Log struct {
	messages          []Message
	MessageCapacity   uint32
	MessageOverflow   uint32
	idempotency       []idempotencyEntry
	IdempotencyCap    uint32
	idempotencyCursor uint32
	IdempotencyCount  uint32
}

// New returns an empty log with the given message and idempotency-window
// capacities.
func New(messageCapacity, idempotencyCapacity uint32) *Log {
	return &Log{MessageCapacity: messageCapacity, IdempotencyCap: idempotencyCapacity}
}

// Append inserts message in sorted position, or increments MessageOverflow
// and reports false if the log is already at capacity. An OrderKey of zero
// defaults to the message's own id.
func (l *Log) Append(message Message) bool {
	if l.MessageCapacity == 0 || uint32(len(l.messages)) >= l.MessageCapacity {
		l.MessageOverflow++
		return false
	}
	if message.OrderKey == 0 {
		message.OrderKey = message.MessageID
	}
	idx, _ := slices.BinarySearchFunc(l.messages, message, compare)
	l.messages = slices.Insert(l.messages, idx, message)
	return true
}

func (l *Log) idempotencySeen(destShardID uint32, key uint64) bool {
	if key == 0 || l.IdempotencyCap == 0 {
		return false
	}
	for _, e := range l.idempotency {
		if e.DestShardID == destShardID && e.IdempotencyKey == key {
			return true
		}
	}
	return false
}

func (l *Log) idempotencyRecord(destShardID uint32, key uint64) {
	if key == 0 || l.IdempotencyCap == 0 {
		return
	}
	entry := idempotencyEntry{DestShardID: destShardID, IdempotencyKey: key}
	if uint32(len(l.idempotency)) < l.IdempotencyCap {
		l.idempotency = append(l.idempotency, entry)
	} else {
		l.idempotency[l.idempotencyCursor%l.IdempotencyCap] = entry
	}
	l.idempotencyCursor++
	l.IdempotencyCount++
}

// PopNextReady removes and returns the earliest-ordered message whose
// DeliveryTick is at or before upToTick, silently discarding (and counting)
// any messages whose idempotency key was already delivered to the same
// destination shard.
func (l *Log) PopNextReady(upToTick int64) (msg Message, skippedIdempotent uint32, ok bool) {
	for len(l.messages) > 0 {
		head := l.messages[0]
		if head.DeliveryTick > upToTick {
			return Message{}, skippedIdempotent, false
		}
		l.messages = slices.Delete(l.messages, 0, 1)
		if l.idempotencySeen(head.DestShardID, head.IdempotencyKey) {
			skippedIdempotent++
			continue
		}
		if head.IdempotencyKey != 0 {
			l.idempotencyRecord(head.DestShardID, head.IdempotencyKey)
		}
		return head, skippedIdempotent, true
	}
	return Message{}, skippedIdempotent, false
}

// Count returns the number of pending messages.
func (l *Log) Count() int { return len(l.messages) }

// GetByIndex returns the pending message at position i in sorted order.
func (l *Log) GetByIndex(i int) (Message, bool) {
	if i < 0 || i >= len(l.messages) {
		return Message{}, false
	}
	return l.messages[i], true
}

// Clear empties both the message queue and the idempotency window.
func (l *Log) Clear() {
	l.messages = nil
	l.MessageOverflow = 0
	l.idempotency = nil
	l.idempotencyCursor = 0
	l.IdempotencyCount = 0
}

// Hash computes a deterministic FNV-1a 64 hash over the log's exact state:
// counts and capacities first, then every pending message, then every live
// idempotency entry.
func (l *Log) Hash() uint64 {
	h := fnvhash.New().
		WriteU32(uint32(len(l.messages))).
		WriteU32(l.MessageCapacity).
		WriteU32(l.MessageOverflow).
		WriteU32(l.IdempotencyCount).
		WriteU32(l.IdempotencyCap)
	for _, m := range l.messages {
		h = h.WriteU64(m.MessageID).
			WriteU64(m.IdempotencyKey).
			WriteU32(m.OriginShardID).
			WriteU32(m.DestShardID).
			WriteU64(m.DomainID).
			WriteI64(m.OriginTick).
			WriteI64(m.DeliveryTick).
			WriteU64(m.CausalKey).
			WriteU64(m.OrderKey).
			WriteU32(m.MessageKind).
			WriteU32(m.Sequence).
			WriteU64(m.PayloadHash)
	}
	entries := l.liveIdempotencyEntries()
	for _, e := range entries {
		h = h.WriteU32(e.DestShardID).WriteU64(e.IdempotencyKey)
	}
	return h.Sum()
}

func (l *Log) liveIdempotencyEntries() []idempotencyEntry {
	if uint32(len(l.idempotency)) < l.IdempotencyCap || l.IdempotencyCap == 0 {
		return l.idempotency
	}
	return l.idempotency[:l.IdempotencyCap]
}

// IdempotencyEntry is the exported shape of one dedup-window slot, used by
// Snapshot/Restore to carry the ring's exact state across a checkpoint.
type IdempotencyEntry struct {
	DestShardID    uint32
	IdempotencyKey uint64
}

// Snapshot is the log's complete state, sufficient to rebuild an identical
// Log via Restore — including the idempotency ring's write cursor, which
// Hash's "live entries" view alone cannot reconstruct.
type Snapshot struct {
	Messages          []Message
	MessageCapacity   uint32
	MessageOverflow   uint32
	Idempotency       []IdempotencyEntry
	IdempotencyCap    uint32
	IdempotencyCursor uint32
	IdempotencyCount  uint32
}

// Snapshot captures l's complete state as independent copies, safe to store
// in a checkpoint without aliasing l's internal slices.
func (l *Log) Snapshot() Snapshot {
	messages := append([]Message(nil), l.messages...)
	idempotency := make([]IdempotencyEntry, len(l.idempotency))
	for i, e := range l.idempotency {
		idempotency[i] = IdempotencyEntry(e)
	}
	return Snapshot{
		Messages:          messages,
		MessageCapacity:   l.MessageCapacity,
		MessageOverflow:   l.MessageOverflow,
		Idempotency:       idempotency,
		IdempotencyCap:    l.IdempotencyCap,
		IdempotencyCursor: l.idempotencyCursor,
		IdempotencyCount:  l.IdempotencyCount,
	}
}

// Restore rebuilds a Log from a Snapshot taken by Snapshot, reproducing the
// exact pending-message order and idempotency ring cursor rather than
// re-deriving them through Append/PopNextReady.
func Restore(snap Snapshot) *Log {
	l := New(snap.MessageCapacity, snap.IdempotencyCap)
	l.messages = append([]Message(nil), snap.Messages...)
	l.MessageOverflow = snap.MessageOverflow
	l.idempotency = make([]idempotencyEntry, len(snap.Idempotency))
	for i, e := range snap.Idempotency {
		l.idempotency[i] = idempotencyEntry(e)
	}
	l.idempotencyCursor = snap.IdempotencyCursor
	l.IdempotencyCount = snap.IdempotencyCount
	return l
}
