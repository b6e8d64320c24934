package fnvhash

import (
	"testing"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestNewIsOffsetBasis(t *testing.T) {
	if got := New().Sum(); got != offsetBasis {
		t.Fatalf("New().Sum() = %#x, want %#x", got, offsetBasis)
	}
}

func TestWriteBytesMatchesManualFold(t *testing.T) {
	h := New()
	want := offsetBasis
	input := []byte{0x01, 0x02, 0xff}
	for _, c := range input {
		want ^= uint64(c)
		want *= prime
	}
	if got := h.WriteBytes(input).Sum(); got != want {
		t.Fatalf("WriteBytes = %#x, want %#x", got, want)
	}
}

func TestWriteU64RoundTripsThroughBytes(t *testing.T) {
	a := New().WriteU64(0x0102030405060708).Sum()
	b := New().WriteBytes([]byte{1, 2, 3, 4, 5, 6, 7, 8}).Sum()
	if a != b {
		t.Fatalf("WriteU64 = %#x, want %#x", a, b)
	}
}

func TestWriteIsImmutable(t *testing.T) {
	h := New()
	h2 := h.WriteU32(7)
	if h.Sum() == h2.Sum() {
		t.Fatalf("Write should not mutate receiver in place")
	}
	if h.Sum() != offsetBasis {
		t.Fatalf("original hash mutated: %#x", h.Sum())
	}
}

func TestSplitMix64FinalizeDeterministic(t *testing.T) {
	a := SplitMix64Finalize(42)
	b := SplitMix64Finalize(42)
	if a != b {
		t.Fatalf("SplitMix64Finalize not deterministic: %#x vs %#x", a, b)
	}
	if a == 42 {
		t.Fatalf("SplitMix64Finalize should mix the input")
	}
}

func TestFoldU64(t *testing.T) {
	got := FoldU64(0x00000001FFFFFFFE)
	want := uint32(1) ^ uint32(0xFFFFFFFE)
	if got != want {
		t.Fatalf("FoldU64 = %#x, want %#x", got, want)
	}
}

func TestHashString32Deterministic(t *testing.T) {
	if HashString32("abc") != HashString32("abc") {
		t.Fatalf("HashString32 not deterministic")
	}
	if HashString32("abc") == HashString32("abd") {
		t.Fatalf("HashString32 collided trivially")
	}
}
