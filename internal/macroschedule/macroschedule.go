// Package macroschedule implements the Macro Schedule Store: a
// sorted-by-domain_id collection of per-latent-domain timer state, with the
// same shape and invariants as the Capsule Store but a fixed-width record
// instead of a variable-length blob.
package macroschedule

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/exp/slices"
)

// Version is the only container version this store understands.
const Version uint32 = 1

// recordSize is the fixed per-entry wire size: 7 x u64/i64 fields (56 bytes)
// + 3 x u32 fields (12 bytes) = 68.
const recordSize = 68

var (
	ErrUnknownVersion = errors.New("macroschedule: unknown version")
	ErrTruncated      = errors.New("macroschedule: truncated container")
	ErrTrailingBytes  = errors.New("macroschedule: trailing bytes after container")
)

// Entry is one domain's macro timer state.
type Entry struct {
	DomainID             uint64
	CapsuleID            uint64
	LastEventTime        int64
	NextEventTime        int64
	IntervalTicks        int64
	OrderKeySeed         uint64
	ExecutedEvents       uint32
	NarrativeEvents      uint32
	CompactedThroughTime int64
	CompactionCount      uint32
}

// Store is a sorted-by-domain_id vector of schedule entries.
type Store struct {
	entries []Entry
}

// New returns an empty schedule store.
func New() *Store {
	return &Store{}
}

func (s *Store) search(domainID uint64) (int, bool) {
	return slices.BinarySearchFunc(s.entries, domainID, func(e Entry, id uint64) int {
		switch {
		case e.DomainID < id:
			return -1
		case e.DomainID > id:
			return 1
		default:
			return 0
		}
	})
}

// Set inserts or replaces the schedule entry for entry.DomainID.
func (s *Store) Set(entry Entry) {
	idx, found := s.search(entry.DomainID)
	if found {
		s.entries[idx] = entry
		return
	}
	s.entries = slices.Insert(s.entries, idx, entry)
}

// Get returns the schedule entry for domainID.
func (s *Store) Get(domainID uint64) (Entry, bool) {
	idx, found := s.search(domainID)
	if !found {
		return Entry{}, false
	}
	return s.entries[idx], true
}

// Remove deletes the schedule entry for domainID, if present.
func (s *Store) Remove(domainID uint64) bool {
	idx, found := s.search(domainID)
	if !found {
		return false
	}
	s.entries = slices.Delete(s.entries, idx, idx+1)
	return true
}

// GetByIndex returns the entry at position i in sorted order.
func (s *Store) GetByIndex(i int) (Entry, bool) {
	if i < 0 || i >= len(s.entries) {
		return Entry{}, false
	}
	return s.entries[i], true
}

// Count returns the number of stored schedules.
func (s *Store) Count() int {
	return len(s.entries)
}

// Clear empties the store.
func (s *Store) Clear() {
	s.entries = nil
}

// Serialize writes u32 version, u32 count, then count fixed-width records.
func (s *Store) Serialize() []byte {
	var buf bytes.Buffer
	var u32 [4]byte

	binary.BigEndian.PutUint32(u32[:], Version)
	buf.Write(u32[:])
	binary.BigEndian.PutUint32(u32[:], uint32(len(s.entries)))
	buf.Write(u32[:])

	for _, e := range s.entries {
		var rec [recordSize]byte
		binary.BigEndian.PutUint64(rec[0:8], e.DomainID)
		binary.BigEndian.PutUint64(rec[8:16], e.CapsuleID)
		binary.BigEndian.PutUint64(rec[16:24], uint64(e.LastEventTime))
		binary.BigEndian.PutUint64(rec[24:32], uint64(e.NextEventTime))
		binary.BigEndian.PutUint64(rec[32:40], uint64(e.IntervalTicks))
		binary.BigEndian.PutUint64(rec[40:48], e.OrderKeySeed)
		binary.BigEndian.PutUint32(rec[48:52], e.ExecutedEvents)
		binary.BigEndian.PutUint32(rec[52:56], e.NarrativeEvents)
		binary.BigEndian.PutUint64(rec[56:64], uint64(e.CompactedThroughTime))
		binary.BigEndian.PutUint32(rec[64:68], e.CompactionCount)
		buf.Write(rec[:])
	}
	return buf.Bytes()
}

// Deserialize rejects trailing or truncated bytes and an unrecognized version.
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
	s.entries = make([]Entry, 0, count)
	var rec [recordSize]byte
	for i := uint32(0); i < count; i++ {
		if _, err := io.ReadFull(r, rec[:]); err != nil {
			return nil, ErrTruncated
		}
		e := Entry{
			DomainID:             binary.BigEndian.Uint64(rec[0:8]),
			CapsuleID:            binary.BigEndian.Uint64(rec[8:16]),
			LastEventTime:        int64(binary.BigEndian.Uint64(rec[16:24])),
			NextEventTime:        int64(binary.BigEndian.Uint64(rec[24:32])),
			IntervalTicks:        int64(binary.BigEndian.Uint64(rec[32:40])),
			OrderKeySeed:         binary.BigEndian.Uint64(rec[40:48]),
			ExecutedEvents:       binary.BigEndian.Uint32(rec[48:52]),
			NarrativeEvents:      binary.BigEndian.Uint32(rec[52:56]),
			CompactedThroughTime: int64(binary.BigEndian.Uint64(rec[56:64])),
			CompactionCount:      binary.BigEndian.Uint32(rec[64:68]),
		}
		s.entries = append(s.entries, e)
	}

	if r.Len() != 0 {
		return nil, ErrTrailingBytes
	}
	return s, nil
}
