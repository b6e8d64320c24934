// Package capsulestore implements the Capsule Store: a sorted-by-capsule_id
// collection of binary capsule blobs, with the container serialization used
// to move a store across a checkpoint or a macro-long replay boundary.
//
// The store never interprets the bytes it holds — that is the capsule
// codec's job. It only guarantees sorted-by-id storage, stable binary
// search, and a borrowed-view read path: capsules are owned by the store;
// readers get a view of the bytes that lives as long as the store does.
package capsulestore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/exp/slices"

	"github.com/dreamware/dominium-scale/internal/capsule"
)

// Version is the only container version this store understands.
const Version uint32 = 1

var (
	// ErrZeroCapsuleID is returned when SetBlob is called with capsule_id == 0.
	ErrZeroCapsuleID = errors.New("capsulestore: capsule_id must be nonzero")
	// ErrUnknownVersion is returned when Deserialize sees an unrecognized version.
	ErrUnknownVersion = errors.New("capsulestore: unknown version")
	// ErrTruncated is returned when Deserialize runs out of bytes mid-record.
	ErrTruncated = errors.New("capsulestore: truncated container")
	// ErrTrailingBytes is returned when Deserialize has bytes left after the
	// declared entry count has been consumed.
	ErrTrailingBytes = errors.New("capsulestore: trailing bytes after container")
	// ErrCorruptBlob is returned by GetBlobVerified when the stored bytes no
	// longer hash to the value recorded at SetBlob/Deserialize time.
	ErrCorruptBlob = errors.New("capsulestore: blob hash mismatch")
	// ErrBlobNotFound is returned by GetBlobVerified when capsuleID is absent.
	ErrBlobNotFound = errors.New("capsulestore: capsule_id not found")
)

// Entry is one stored capsule blob and its indexing metadata. BlobHash is
// derived from Bytes, not independently settable, and exists purely so a
// reader can detect corruption on the store's own arena without involving
// the capsule codec's authoritative invariant/statistic hashes.
type Entry struct {
	Bytes      []byte
	CapsuleID  uint64
	DomainID   uint64
	SourceTick int64
	BlobHash   uint64
}

// Store is a sorted-by-capsule_id vector of capsule blobs.
type Store struct {
	entries []Entry
}

// New returns an empty capsule store.
func New() *Store {
	return &Store{}
}

func (s *Store) search(capsuleID uint64) (int, bool) {
	return slices.BinarySearchFunc(s.entries, capsuleID, func(e Entry, id uint64) int {
		switch {
		case e.CapsuleID < id:
			return -1
		case e.CapsuleID > id:
			return 1
		default:
			return 0
		}
	})
}

// SetBlob inserts a new capsule or replaces an existing one with the same
// capsule_id, deep-copying bytes so the caller's buffer remains theirs.
func (s *Store) SetBlob(capsuleID, domainID uint64, sourceTick int64, blob []byte) error {
	if capsuleID == 0 {
		return ErrZeroCapsuleID
	}
	owned := make([]byte, len(blob))
	copy(owned, blob)

	idx, found := s.search(capsuleID)
	entry := Entry{CapsuleID: capsuleID, DomainID: domainID, SourceTick: sourceTick, Bytes: owned, BlobHash: capsule.HashBlob(owned)}
	if found {
		s.entries[idx] = entry
		return nil
	}
	s.entries = slices.Insert(s.entries, idx, entry)
	return nil
}

// GetBlob returns a borrowed view of the stored bytes for capsuleID.
// The returned slice must not be retained past the store's next mutation.
func (s *Store) GetBlob(capsuleID uint64) ([]byte, bool) {
	idx, found := s.search(capsuleID)
	if !found {
		return nil, false
	}
	return s.entries[idx].Bytes, true
}

// GetBlobVerified returns the stored bytes for capsuleID only if they still
// hash to the value recorded when they were stored, catching corruption
// that a plain GetBlob would silently pass through.
func (s *Store) GetBlobVerified(capsuleID uint64) ([]byte, error) {
	idx, found := s.search(capsuleID)
	if !found {
		return nil, ErrBlobNotFound
	}
	e := s.entries[idx]
	if capsule.HashBlob(e.Bytes) != e.BlobHash {
		return nil, ErrCorruptBlob
	}
	return e.Bytes, nil
}

// GetByIndex returns the entry at position i in sorted order.
func (s *Store) GetByIndex(i int) (Entry, bool) {
	if i < 0 || i >= len(s.entries) {
		return Entry{}, false
	}
	return s.entries[i], true
}

// Remove deletes the entry for capsuleID, if present.
func (s *Store) Remove(capsuleID uint64) bool {
	idx, found := s.search(capsuleID)
	if !found {
		return false
	}
	s.entries = slices.Delete(s.entries, idx, idx+1)
	return true
}

// Count returns the number of stored capsules.
func (s *Store) Count() int {
	return len(s.entries)
}

// Clear empties the store.
func (s *Store) Clear() {
	s.entries = nil
}

// Serialize writes the container format:
// u32 version, u32 count, then per entry {u64 capsule_id, u64 domain_id,
// i64 source_tick, u32 byte_count, bytes[byte_count]}.
func (s *Store) Serialize() []byte {
	var buf bytes.Buffer
	var tmp [8]byte

	binary.BigEndian.PutUint32(tmp[:4], Version)
	buf.Write(tmp[:4])
	binary.BigEndian.PutUint32(tmp[:4], uint32(len(s.entries)))
	buf.Write(tmp[:4])

	for _, e := range s.entries {
		binary.BigEndian.PutUint64(tmp[:], e.CapsuleID)
		buf.Write(tmp[:])
		binary.BigEndian.PutUint64(tmp[:], e.DomainID)
		buf.Write(tmp[:])
		binary.BigEndian.PutUint64(tmp[:], uint64(e.SourceTick))
		buf.Write(tmp[:])
		binary.BigEndian.PutUint32(tmp[:4], uint32(len(e.Bytes)))
		buf.Write(tmp[:4])
		buf.Write(e.Bytes)
	}
	return buf.Bytes()
}

// Deserialize rejects trailing or truncated bytes and an unrecognized version.
func Deserialize(data []byte) (*Store, error) {
	r := bytes.NewReader(data)

	var u32buf [4]byte
	var u64buf [8]byte

	if _, err := io.ReadFull(r, u32buf[:]); err != nil {
		return nil, ErrTruncated
	}
	version := binary.BigEndian.Uint32(u32buf[:])
	if version != Version {
		return nil, ErrUnknownVersion
	}
	if _, err := io.ReadFull(r, u32buf[:]); err != nil {
		return nil, ErrTruncated
	}
	count := binary.BigEndian.Uint32(u32buf[:])

	s := New()
	s.entries = make([]Entry, 0, count)
	for i := uint32(0); i < count; i++ {
		var e Entry

		if _, err := io.ReadFull(r, u64buf[:]); err != nil {
			return nil, ErrTruncated
		}
		e.CapsuleID = binary.BigEndian.Uint64(u64buf[:])

		if _, err := io.ReadFull(r, u64buf[:]); err != nil {
			return nil, ErrTruncated
		}
		e.DomainID = binary.BigEndian.Uint64(u64buf[:])

		if _, err := io.ReadFull(r, u64buf[:]); err != nil {
			return nil, ErrTruncated
		}
		e.SourceTick = int64(binary.BigEndian.Uint64(u64buf[:]))

		if _, err := io.ReadFull(r, u32buf[:]); err != nil {
			return nil, ErrTruncated
		}
		byteCount := binary.BigEndian.Uint32(u32buf[:])

		e.Bytes = make([]byte, byteCount)
		if _, err := io.ReadFull(r, e.Bytes); err != nil {
			return nil, ErrTruncated
		}
		e.BlobHash = capsule.HashBlob(e.Bytes)

		s.entries = append(s.entries, e)
	}

	if r.Len() != 0 {
		return nil, ErrTrailingBytes
	}
	return s, nil
}
