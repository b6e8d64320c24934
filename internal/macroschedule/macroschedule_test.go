package macroschedule

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func entry(domainID, capsuleID uint64) Entry {
	return Entry{
		DomainID:             domainID,
		CapsuleID:            capsuleID,
		LastEventTime:        10,
		NextEventTime:        20,
		IntervalTicks:        10,
		OrderKeySeed:         0xABCD,
		ExecutedEvents:       3,
		NarrativeEvents:      1,
		CompactedThroughTime: 5,
		CompactionCount:      1,
	}
}

func TestSetInsertOrderAndReplace(t *testing.T) {
	s := New()
	s.Set(entry(5, 50))
	s.Set(entry(1, 10))
	s.Set(entry(3, 30))
	require.Equal(t, 3, s.Count())

	e0, ok := s.GetByIndex(0)
	require.True(t, ok)
	require.Equal(t, uint64(1), e0.DomainID)
	e1, _ := s.GetByIndex(1)
	require.Equal(t, uint64(3), e1.DomainID)
	e2, _ := s.GetByIndex(2)
	require.Equal(t, uint64(5), e2.DomainID)

	replaced := entry(3, 30)
	replaced.ExecutedEvents = 99
	s.Set(replaced)
	require.Equal(t, 3, s.Count())
	got, ok := s.Get(3)
	require.True(t, ok)
	require.Equal(t, uint32(99), got.ExecutedEvents)
}

func TestGetMissing(t *testing.T) {
	s := New()
	_, ok := s.Get(999)
	require.False(t, ok)
}

func TestRemoveAndClear(t *testing.T) {
	s := New()
	s.Set(entry(1, 10))
	s.Set(entry(2, 20))
	require.True(t, s.Remove(1))
	require.False(t, s.Remove(1))
	require.Equal(t, 1, s.Count())
	s.Clear()
	require.Equal(t, 0, s.Count())
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	s := New()
	s.Set(entry(10, 100))
	s.Set(entry(20, 200))

	blob := s.Serialize()
	restored, err := Deserialize(blob)
	require.NoError(t, err)
	require.Equal(t, s.Count(), restored.Count())

	got, ok := restored.Get(20)
	require.True(t, ok)
	require.Equal(t, uint64(200), got.CapsuleID)
	require.Equal(t, int64(20), got.NextEventTime)
	require.Equal(t, uint32(1), got.CompactionCount)
}

func TestSerializeProducesFixedRecordSize(t *testing.T) {
	s := New()
	s.Set(entry(1, 1))
	s.Set(entry(2, 2))
	blob := s.Serialize()
	// 8 bytes header (version + count) + 2 * 68-byte records.
	require.Equal(t, 8+2*recordSize, len(blob))
}

func TestDeserializeRejectsUnknownVersion(t *testing.T) {
	s := New()
	s.Set(entry(1, 10))
	blob := s.Serialize()
	blob[3] = 9
	_, err := Deserialize(blob)
	require.ErrorIs(t, err, ErrUnknownVersion)
}

func TestDeserializeRejectsTruncated(t *testing.T) {
	s := New()
	s.Set(entry(1, 10))
	blob := s.Serialize()
	_, err := Deserialize(blob[:len(blob)-2])
	require.ErrorIs(t, err, ErrTruncated)
}

func TestDeserializeRejectsTrailingBytes(t *testing.T) {
	s := New()
	s.Set(entry(1, 10))
	blob := append(s.Serialize(), 0x00)
	_, err := Deserialize(blob)
	require.ErrorIs(t, err, ErrTrailingBytes)
}
