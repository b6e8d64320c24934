// Package macroevent implements the Macro Event Heap: a stable
// insertion-sorted sequence of scheduled macro-scale events, ordered by
// (event_time, order_key, domain_id, event_id, sequence).
//
// "Heap" names the role (a priority queue of pending macro events), not the
// data structure — the store is a flat, fully-sorted vector, matching the
// same arena-allocated-vector-with-sort-invariant shape as the Capsule
// Store and Macro Schedule Store rather than a binary heap.
package macroevent

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/exp/slices"
)

// Version is the only container version this store understands.
const Version uint32 = 1

// recordSize is the fixed per-entry wire size: 5 x u64/i64 fields (40 bytes)
// + 2 x u32 fields (8 bytes) + 2 x u64 generic argument fields (16 bytes) = 64.
const recordSize = 64

var (
	ErrUnknownVersion = errors.New("macroevent: unknown version")
	ErrTruncated      = errors.New("macroevent: truncated container")
	ErrTrailingBytes  = errors.New("macroevent: trailing bytes after container")
)

// Entry is one scheduled macro event. Flags bit 0 marks a narrative event
// (propagated from the collapse site through subsequent executions).
// Payload0/Payload1 carry event-kind-specific parameters whose
// interpretation belongs to the scale engine, not this store.
type Entry struct {
	EventID   uint64
	DomainID  uint64
	EventTime int64
	OrderKey  uint64
	Sequence  uint64
	EventKind uint32
	Flags     uint32
	Payload0  uint64
	Payload1  uint64
}

// FlagNarrative is bit 0 of Flags: the event is a narrative event, counted
// separately in the owning domain's macro schedule.
const FlagNarrative uint32 = 1

// compare implements the total order (event_time, order_key, domain_id,
// event_id, sequence).
func compare(a, b Entry) int {
	switch {
	case a.EventTime != b.EventTime:
		return cmpInt64(a.EventTime, b.EventTime)
	case a.OrderKey != b.OrderKey:
		return cmpUint64(a.OrderKey, b.OrderKey)
	case a.DomainID != b.DomainID:
		return cmpUint64(a.DomainID, b.DomainID)
	case a.EventID != b.EventID:
		return cmpUint64(a.EventID, b.EventID)
	default:
		return cmpUint64(a.Sequence, b.Sequence)
	}
}

func cmpUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Store is a fully-sorted vector of pending macro events.
type Store struct {
	entries []Entry
}

// New returns an empty macro event store.
func New() *Store {
	return &Store{}
}

func (s *Store) maxSequence() uint64 {
	var max uint64
	for _, e := range s.entries {
		if e.Sequence > max {
			max = e.Sequence
		}
	}
	return max
}

// indexOfKey finds the entry matching (eventID, domainID) by linear scan.
// The replace key is independent of the sort order, so a binary search over
// the ordering comparator cannot be used to locate it.
func (s *Store) indexOfKey(eventID, domainID uint64) int {
	for i, e := range s.entries {
		if e.EventID == eventID && e.DomainID == domainID {
			return i
		}
	}
	return -1
}

// Schedule inserts entry, replacing any existing entry with the same
// (EventID, DomainID), and assigns it a fresh Sequence one past the current
// maximum so ties break in schedule order.
func (s *Store) Schedule(entry Entry) {
	if idx := s.indexOfKey(entry.EventID, entry.DomainID); idx >= 0 {
		s.entries = slices.Delete(s.entries, idx, idx+1)
	}
	entry.Sequence = s.maxSequence() + 1

	idx, _ := slices.BinarySearchFunc(s.entries, entry, compare)
	s.entries = slices.Insert(s.entries, idx, entry)
}

// PeekNext returns the lowest-ordered pending event without removing it.
func (s *Store) PeekNext() (Entry, bool) {
	if len(s.entries) == 0 {
		return Entry{}, false
	}
	return s.entries[0], true
}

// PopNext removes and returns the lowest-ordered pending event if its
// EventTime is at or before upToTime.
func (s *Store) PopNext(upToTime int64) (Entry, bool) {
	if len(s.entries) == 0 {
		return Entry{}, false
	}
	front := s.entries[0]
	if front.EventTime > upToTime {
		return Entry{}, false
	}
	s.entries = slices.Delete(s.entries, 0, 1)
	return front, true
}

// HasDomain reports whether any entry is currently scheduled for domainID.
func (s *Store) HasDomain(domainID uint64) bool {
	for _, e := range s.entries {
		if e.DomainID == domainID {
			return true
		}
	}
	return false
}

// RemoveDomain deletes every pending event for domainID and returns how
// many were removed.
func (s *Store) RemoveDomain(domainID uint64) int {
	removed := 0
	kept := s.entries[:0]
	for _, e := range s.entries {
		if e.DomainID == domainID {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return removed
}

// GetByIndex returns the entry at position i in sorted order.
func (s *Store) GetByIndex(i int) (Entry, bool) {
	if i < 0 || i >= len(s.entries) {
		return Entry{}, false
	}
	return s.entries[i], true
}

// Count returns the number of pending events.
func (s *Store) Count() int {
	return len(s.entries)
}

// Clear empties the store.
func (s *Store) Clear() {
	s.entries = nil
}

// Serialize writes u32 version, u32 count, then count fixed-width records
// in current sorted order.
func (s *Store) Serialize() []byte {
	var buf bytes.Buffer
	var u32 [4]byte

	binary.BigEndian.PutUint32(u32[:], Version)
	buf.Write(u32[:])
	binary.BigEndian.PutUint32(u32[:], uint32(len(s.entries)))
	buf.Write(u32[:])

	for _, e := range s.entries {
		var rec [recordSize]byte
		binary.BigEndian.PutUint64(rec[0:8], e.EventID)
		binary.BigEndian.PutUint64(rec[8:16], e.DomainID)
		binary.BigEndian.PutUint64(rec[16:24], uint64(e.EventTime))
		binary.BigEndian.PutUint64(rec[24:32], e.OrderKey)
		binary.BigEndian.PutUint64(rec[32:40], e.Sequence)
		binary.BigEndian.PutUint32(rec[40:44], e.EventKind)
		binary.BigEndian.PutUint32(rec[44:48], e.Flags)
		binary.BigEndian.PutUint64(rec[48:56], e.Payload0)
		binary.BigEndian.PutUint64(rec[56:64], e.Payload1)
		buf.Write(rec[:])
	}
	return buf.Bytes()
}

// Deserialize rebuilds the store by re-scheduling each stored entry through
// Schedule, so Sequence values and sort position regenerate from scratch
// rather than being trusted from the wire.
func Deserialize(data []byte) (*Store, error) {
	r := bytes.NewReader(data)
	var u32 [4]byte

	if _, err := io.ReadFull(r, u32[:]); err != nil {
		return nil, ErrTruncated
	}
	if binary.BigEndian.Uint32(u32[:]) != Version {
		return nil, ErrUnknownVersion
	}
	if _, err := io.ReadFull(r, u32[:]); err != nil {
		return nil, ErrTruncated
	}
	count := binary.BigEndian.Uint32(u32[:])

	s := New()
	var rec [recordSize]byte
	for i := uint32(0); i < count; i++ {
		if _, err := io.ReadFull(r, rec[:]); err != nil {
			return nil, ErrTruncated
		}
		e := Entry{
			EventID:   binary.BigEndian.Uint64(rec[0:8]),
			DomainID:  binary.BigEndian.Uint64(rec[8:16]),
			EventTime: int64(binary.BigEndian.Uint64(rec[16:24])),
			OrderKey:  binary.BigEndian.Uint64(rec[24:32]),
			Sequence:  binary.BigEndian.Uint64(rec[32:40]),
			EventKind: binary.BigEndian.Uint32(rec[40:44]),
			Flags:     binary.BigEndian.Uint32(rec[44:48]),
			Payload0:  binary.BigEndian.Uint64(rec[48:56]),
			Payload1:  binary.BigEndian.Uint64(rec[56:64]),
		}
		s.Schedule(e)
	}

	if r.Len() != 0 {
		return nil, ErrTrailingBytes
	}
	return s, nil
}
