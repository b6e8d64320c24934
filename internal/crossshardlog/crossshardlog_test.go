package crossshardlog

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func msg(id uint64, deliveryTick int64, idemKey uint64) Message {
	return Message{
		MessageID:      id,
		IdempotencyKey: idemKey,
		OriginShardID:  1,
		DestShardID:    2,
		DomainID:       10,
		DeliveryTick:   deliveryTick,
	}
}

func TestAppendOrdersByDeliveryTick(t *testing.T) {
	l := New(10, 10)
	require.True(t, l.Append(msg(3, 30, 0)))
	require.True(t, l.Append(msg(1, 10, 0)))
	require.True(t, l.Append(msg(2, 20, 0)))

	e0, _ := l.GetByIndex(0)
	require.Equal(t, uint64(1), e0.MessageID)
	e2, _ := l.GetByIndex(2)
	require.Equal(t, uint64(3), e2.MessageID)
}

func TestAppendOverflowsPastCapacity(t *testing.T) {
	l := New(1, 10)
	require.True(t, l.Append(msg(1, 10, 0)))
	require.False(t, l.Append(msg(2, 20, 0)))
	require.Equal(t, uint32(1), l.MessageOverflow)
}

func TestOrderKeyDefaultsToMessageID(t *testing.T) {
	l := New(10, 10)
	l.Append(msg(7, 10, 0))
	e, _ := l.GetByIndex(0)
	require.Equal(t, uint64(7), e.OrderKey)
}

func TestPopNextReadyRespectsUpToTick(t *testing.T) {
	l := New(10, 10)
	l.Append(msg(1, 100, 0))
	_, _, ok := l.PopNextReady(50)
	require.False(t, ok)

	popped, _, ok := l.PopNextReady(100)
	require.True(t, ok)
	require.Equal(t, uint64(1), popped.MessageID)
	require.Equal(t, 0, l.Count())
}

func TestPopNextReadySkipsDuplicateIdempotencyKey(t *testing.T) {
	l := New(10, 10)
	l.Append(msg(1, 10, 99))
	first, skipped, ok := l.PopNextReady(10)
	require.True(t, ok)
	require.Equal(t, uint64(1), first.MessageID)
	require.Equal(t, uint32(0), skipped)

	l.Append(msg(2, 10, 99)) // same (dest_shard, idempotency_key) pair
	_, skipped, ok = l.PopNextReady(10)
	require.False(t, ok)
	require.Equal(t, uint32(1), skipped)
}

func TestIdempotencyWindowIsARingBuffer(t *testing.T) {
	l := New(10, 2)
	l.Append(msg(1, 10, 11))
	l.PopNextReady(10)
	l.Append(msg(2, 10, 12))
	l.PopNextReady(10)
	l.Append(msg(3, 10, 13)) // evicts key 11 from the 2-entry window
	l.PopNextReady(10)

	require.False(t, l.idempotencySeen(2, 11), "oldest key should have been evicted")
	require.True(t, l.idempotencySeen(2, 12))
	require.True(t, l.idempotencySeen(2, 13))
}

func TestClearResetsEverything(t *testing.T) {
	l := New(10, 10)
	l.Append(msg(1, 10, 5))
	l.PopNextReady(5) // does not pop (delivery_tick 10 > upToTick 5); leaves state
	l.Clear()
	require.Equal(t, 0, l.Count())
	require.Equal(t, uint32(0), l.MessageOverflow)
	require.Equal(t, uint32(0), l.IdempotencyCount)
}

func TestHashIsDeterministicAndContentSensitive(t *testing.T) {
	a := New(10, 10)
	a.Append(msg(1, 10, 0))
	b := New(10, 10)
	b.Append(msg(1, 10, 0))
	require.Equal(t, a.Hash(), b.Hash())

	b.Append(msg(2, 20, 0))
	require.NotEqual(t, a.Hash(), b.Hash())
}
