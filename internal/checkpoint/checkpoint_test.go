package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dreamware/dominium-scale/internal/config"
	"github.com/dreamware/dominium-scale/internal/crossshardlog"
	"github.com/dreamware/dominium-scale/internal/events"
	"github.com/dreamware/dominium-scale/internal/scaleengine"
	"github.com/dreamware/dominium-scale/internal/scalemodel"
	"github.com/dreamware/dominium-scale/internal/shardlifecycle"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestEngine(t *testing.T) *scaleengine.Engine {
	t.Helper()
	policy := config.DefaultBudgetPolicy()
	policy.MinDwellTicks = 0
	return scaleengine.New(1, policy)
}

func resourcesDomain(id uint64) *scalemodel.Domain {
	return &scalemodel.Domain{
		ID:   id,
		Kind: scalemodel.DomainResources,
		Tier: scalemodel.TierMicro,
		Payload: &scalemodel.ResourcesPayload{
			Entries: []scalemodel.ResourceEntry{
				{ResourceID: 1, Quantity: 10},
				{ResourceID: 2, Quantity: 20},
			},
		},
	}
}

func TestCaptureShardRoundTripsThroughRestore(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.RegisterDomain(resourcesDomain(1)))
	e.BeginTick(100)
	require.True(t, e.Collapse(1, 0, scalemodel.NewCommitToken(100)).Accepted)

	snap := CaptureShard(1, shardlifecycle.StateActive, e)

	target := scaleengine.New(1, e.Policy)
	require.NoError(t, RestoreShard(snap, target))

	require.Equal(t, e.NowTick, target.NowTick)
	require.Equal(t, e.Domains[1].Tier, target.Domains[1].Tier)
	require.Equal(t, e.Domains[1].CapsuleID, target.Domains[1].CapsuleID)
	require.Equal(t, e.Capsules.Count(), target.Capsules.Count())

	target.BeginTick(101)
	res := target.Expand(target.Domains[1].CapsuleID, scalemodel.TierMicro, 0, scalemodel.NewCommitToken(101))
	require.True(t, res.Accepted, "restored engine's owner index must resolve the capsule's domain")
}

func TestCaptureShardDeepCopiesDomains(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.RegisterDomain(resourcesDomain(1)))
	e.BeginTick(100)

	snap := CaptureShard(1, shardlifecycle.StateActive, e)

	payload := e.Domains[1].Payload.(*scalemodel.ResourcesPayload)
	payload.Entries[0].Quantity = 999

	snapPayload := snap.Domains[1].Payload.(*scalemodel.ResourcesPayload)
	require.Equal(t, uint64(10), snapPayload.Entries[0].Quantity, "snapshot must not alias the live payload")
}

func TestStoreRecordIsARingBufferWithOverflow(t *testing.T) {
	s := NewStore(2)
	s.Record(Record{Manifest: Manifest{CheckpointID: 1}})
	s.Record(Record{Manifest: Manifest{CheckpointID: 2}})
	require.Equal(t, 2, s.Count())
	require.Equal(t, uint32(0), s.Overflow)

	s.Record(Record{Manifest: Manifest{CheckpointID: 3}})
	require.Equal(t, 2, s.Count())
	require.Equal(t, uint32(1), s.Overflow)

	last, ok := s.Last()
	require.True(t, ok)
	require.Equal(t, uint64(3), last.Manifest.CheckpointID)
}

func TestStoreLastOnEmptyStore(t *testing.T) {
	s := NewStore(4)
	_, ok := s.Last()
	require.False(t, ok)
}

func TestValidateRejectsEachMismatchKind(t *testing.T) {
	base := Record{
		Manifest: Manifest{
			SchemaVersion:      SchemaVersion,
			WorlddefHash:       1,
			CapabilityLockHash: 2,
			LifecycleHash:      3,
			ShardCount:         1,
		},
		Shards: []ShardSnapshot{{ShardID: 7}},
	}
	expectedShardIDs := []uint32{7}

	require.NoError(t, Validate(base, 1, 2, 3, expectedShardIDs))

	bad := base
	bad.Manifest.SchemaVersion = SchemaVersion + 1
	require.ErrorIs(t, Validate(bad, 1, 2, 3, expectedShardIDs), ErrSchemaMismatch)

	require.ErrorIs(t, Validate(base, 99, 2, 3, expectedShardIDs), ErrWorlddefMismatch)
	require.ErrorIs(t, Validate(base, 1, 99, 3, expectedShardIDs), ErrCapabilityMismatch)
	require.ErrorIs(t, Validate(base, 1, 2, 99, expectedShardIDs), ErrLifecycleMismatch)
	require.ErrorIs(t, Validate(base, 1, 2, 3, []uint32{7, 8}), ErrShardShapeMismatch)
	require.ErrorIs(t, Validate(base, 1, 2, 3, []uint32{9}), ErrShardShapeMismatch)
}

func TestCheckpointRecoveryRestoresCapturedHash(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.RegisterDomain(resourcesDomain(1)))
	e.BeginTick(100)
	require.True(t, e.Collapse(1, 0, scalemodel.NewCommitToken(100)).Accepted)

	snap := CaptureShard(1, shardlifecycle.StateActive, e)
	capturedHash := RuntimeHash([]ShardSnapshot{snap}, 1)

	// Mutate the live engine after capture.
	e.BeginTick(101)
	target := scaleengine.New(1, config.DefaultBudgetPolicy())
	target.BeginTick(101)
	require.NoError(t, target.RegisterDomain(resourcesDomain(2)))

	// Recover: validate (trivially here) then restore into target.
	require.NoError(t, RestoreShard(snap, target))
	restoredSnap := CaptureShard(1, shardlifecycle.StateActive, target)
	restoredHash := RuntimeHash([]ShardSnapshot{restoredSnap}, 1)

	require.Equal(t, capturedHash, restoredHash, "recovering the last checkpoint must reproduce its hash")
}

func TestLifecycleHashIsDeterministicAndContentSensitive(t *testing.T) {
	a := []shardlifecycle.Entry{{ShardID: 1, Tick: 100, FromState: shardlifecycle.StateInitializing, ToState: shardlifecycle.StateActive}}
	b := []shardlifecycle.Entry{{ShardID: 1, Tick: 100, FromState: shardlifecycle.StateInitializing, ToState: shardlifecycle.StateActive}}
	require.Equal(t, LifecycleHash(a), LifecycleHash(b))

	c := append(b, shardlifecycle.Entry{ShardID: 1, Tick: 101, FromState: shardlifecycle.StateActive, ToState: shardlifecycle.StateDraining})
	require.NotEqual(t, LifecycleHash(a), LifecycleHash(c))
}

func TestStoreHashIsDeterministicAndContentSensitive(t *testing.T) {
	a := NewStore(4)
	a.Record(Record{Manifest: Manifest{CheckpointID: 1}})
	b := NewStore(4)
	b.Record(Record{Manifest: Manifest{CheckpointID: 1}})
	require.Equal(t, a.Hash(), b.Hash())

	b.Record(Record{Manifest: Manifest{CheckpointID: 2}})
	require.NotEqual(t, a.Hash(), b.Hash())
}

func TestRecordCarriesCrossShardAndOwnerTable(t *testing.T) {
	rec := Record{
		Manifest: Manifest{SchemaVersion: SchemaVersion},
		CrossShard: crossshardlog.Snapshot{
			Messages: []crossshardlog.Message{{MessageID: 1, DeliveryTick: 5}},
		},
		OwnerTable: map[uint64]uint32{10: 1},
	}
	require.Len(t, rec.CrossShard.Messages, 1)
	require.Equal(t, uint32(1), rec.OwnerTable[10])
}

func TestRecordCarriesIntentsEventsAndIdempotency(t *testing.T) {
	rec := Record{
		Manifest:        Manifest{SchemaVersion: SchemaVersion},
		PendingIntents:  []IntentRecord{{IntentID: 1, ClientID: 2, TargetShard: 1, IntentTick: 5}},
		DeferredIntents: []IntentRecord{{IntentID: 2, ClientID: 3, TargetShard: 1, IntentTick: 6}},
		RuntimeEventLog: []events.Event{{Kind: events.KindIntentAccept, Sequence: 1}},
		IdempotencyKeys: []uint64{42},
		NextIntentID:    2,
		NextEventSeq:    1,
	}
	require.Len(t, rec.PendingIntents, 1)
	require.Len(t, rec.DeferredIntents, 1)
	require.Len(t, rec.RuntimeEventLog, 1)
	require.Equal(t, []uint64{42}, rec.IdempotencyKeys)
}
