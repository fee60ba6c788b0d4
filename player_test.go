package main

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	deltas []PersistenceDelta
}

func (s *recordingSink) Enqueue(delta PersistenceDelta) {
	s.mu.Lock()
	s.deltas = append(s.deltas, delta)
	s.mu.Unlock()
}

func (s *recordingSink) all() []PersistenceDelta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PersistenceDelta(nil), s.deltas...)
}

func newTestStore(t *testing.T, mutate func(st *PlayerEconomyState)) (*OptimisticStore, *recordingSink) {
	t.Helper()
	st := newPlayerState("p1", defaultTuning(), testEpoch)
	if mutate != nil {
		mutate(&st)
	}
	store := NewOptimisticStore(st, defaultTuning(), testCatalog(), fixedRandom(0.99))
	sink := &recordingSink{}
	store.AttachSink(sink)
	return store, sink
}

func TestOptimisticStore_TapWithoutEnergyIsRejected(t *testing.T) {
	store, sink := newTestStore(t, func(st *PlayerEconomyState) {
		st.Energy = 0
		st.Points = 10
	})
	before := store.Snapshot()

	_, err := store.ApplyTap(testEpoch)
	assert.ErrorIs(t, err, ErrEnergyExhausted)
	assert.Equal(t, before, store.Snapshot())
	assert.Empty(t, sink.all())
}

func TestOptimisticStore_TapRewardsAndEnqueues(t *testing.T) {
	store, sink := newTestStore(t, func(st *PlayerEconomyState) {
		st.Level = 2
		st.CharacterID = "hero"
	})

	outcome, err := store.ApplyTap(testEpoch)
	require.NoError(t, err)
	assert.Equal(t, int64(2), outcome.Reward)
	assert.Equal(t, 1, outcome.ComboCountAfter)
	assert.Equal(t, int64(999), outcome.EnergyAfter)
	assert.Equal(t, int64(2), outcome.PointsAfter)
	assert.Equal(t, uint64(1), outcome.Version)

	deltas := sink.all()
	require.Len(t, deltas, 1)
	assert.Equal(t, uint64(1), deltas[0].LocalVersion)
	assert.True(t, deltas[0].Fields.Has(FieldPoints|FieldEnergy|FieldCombo|FieldLastAction))
	assert.Equal(t, int64(2), deltas[0].State.Points)
}

func TestOptimisticStore_ComboBuildsAndResets(t *testing.T) {
	store, _ := newTestStore(t, nil)

	now := testEpoch
	for i := 1; i <= 3; i++ {
		outcome, err := store.ApplyTap(now)
		require.NoError(t, err)
		assert.Equal(t, i, outcome.ComboCountAfter)
		now = now.Add(500 * time.Millisecond)
	}
	assert.Equal(t, 3, store.DisplayedCombo(now))
	assert.Equal(t, 0, store.DisplayedCombo(now.Add(2*time.Second)))

	outcome, err := store.ApplyTap(now.Add(2 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.ComboCountAfter)
}

func TestOptimisticStore_TapBeforeLastActionIsRejected(t *testing.T) {
	store, _ := newTestStore(t, nil)

	_, err := store.ApplyTap(testEpoch.Add(time.Second))
	require.NoError(t, err)

	_, err = store.ApplyTap(testEpoch)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, uint64(1), store.Version())
}

func TestOptimisticStore_CompareAndApplyTap(t *testing.T) {
	store, _ := newTestStore(t, nil)

	_, err := store.CompareAndApplyTap(0, testEpoch)
	require.NoError(t, err)

	_, err = store.CompareAndApplyTap(0, testEpoch.Add(time.Second))
	assert.ErrorIs(t, err, ErrStaleWriter)
	assert.Equal(t, uint64(1), store.Version())

	outcome, err := store.CompareAndApplyTap(1, testEpoch.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), outcome.Version)
}

func TestOptimisticStore_Regenerate(t *testing.T) {
	store, sink := newTestStore(t, func(st *PlayerEconomyState) {
		st.Energy = 0
	})

	state, err := store.Regenerate(testEpoch.Add(2500 * time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, int64(2), state.Energy)
	assert.Equal(t, testEpoch.Add(2*time.Second), state.EnergyUpdatedAt, "partial second carries over")

	state, err = store.Regenerate(testEpoch.Add(3 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(3), state.Energy)

	// No change, no new version.
	state, err = store.Regenerate(testEpoch.Add(3 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), state.LocalVersion)
	assert.Len(t, sink.all(), 2)
}

func TestOptimisticStore_RegenerationEnablesTap(t *testing.T) {
	store, _ := newTestStore(t, func(st *PlayerEconomyState) {
		st.Energy = 0
	})

	_, err := store.ApplyTap(testEpoch)
	require.ErrorIs(t, err, ErrEnergyExhausted)

	outcome, err := store.ApplyTap(testEpoch.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(0), outcome.EnergyAfter)
}

func TestOptimisticStore_ApplyPurchase(t *testing.T) {
	store, sink := newTestStore(t, func(st *PlayerEconomyState) {
		st.Points = 60
	})

	state, err := store.ApplyPurchase(UpgradeTapPower)
	require.NoError(t, err)
	assert.Equal(t, int64(10), state.Points)
	assert.Equal(t, 1, state.Upgrades[UpgradeTapPower])

	deltas := sink.all()
	require.Len(t, deltas, 1)
	assert.Equal(t, FieldPoints|FieldUpgrades, deltas[0].Fields)

	_, err = store.ApplyPurchase(UpgradeTapPower)
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, int64(10), store.Snapshot().Points)
}

func TestOptimisticStore_PurchaseRejections(t *testing.T) {
	store, _ := newTestStore(t, func(st *PlayerEconomyState) {
		st.Points = 1_000_000
		st.Upgrades = map[string]int{UpgradeCriticalHit: 25}
	})

	_, err := store.ApplyPurchase("doesNotExist")
	assert.ErrorIs(t, err, errUnknownUpgrade)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = store.ApplyPurchase(UpgradeCriticalHit)
	assert.ErrorIs(t, err, errUpgradeMaxLevel)
	assert.Equal(t, uint64(0), store.Version())
}

func TestOptimisticStore_EnergyCapacityRaisesCap(t *testing.T) {
	store, sink := newTestStore(t, func(st *PlayerEconomyState) {
		st.Points = 1000
	})

	state, err := store.ApplyPurchase(UpgradeEnergyCapacity)
	require.NoError(t, err)
	assert.Equal(t, int64(1100), state.EnergyMax)
	assert.Equal(t, int64(800), state.Points)
	assert.True(t, sink.all()[0].Fields.Has(FieldEnergyMax))

	state, err = store.ApplyPurchase(UpgradeEnergyCapacity)
	require.NoError(t, err)
	assert.Equal(t, int64(1200), state.EnergyMax, "each level adds the value increment")
}

func TestOptimisticStore_ApplyLevelUp(t *testing.T) {
	store, _ := newTestStore(t, func(st *PlayerEconomyState) {
		st.Points = 600
	})

	state, err := store.ApplyLevelUp()
	require.NoError(t, err)
	assert.Equal(t, 2, state.Level)
	assert.Equal(t, int64(100), state.Points)
	assert.Equal(t, int64(1100), state.EnergyMax)

	_, err = store.ApplyLevelUp()
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestOptimisticStore_BoostExpires(t *testing.T) {
	store, sink := newTestStore(t, nil)

	state, err := store.ApplyBoost(50, 10*time.Second, testEpoch)
	require.NoError(t, err)
	assert.Equal(t, 10.0, state.BoostMultiplier, "clamped to the maximum")

	outcome, err := store.ApplyTap(testEpoch.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(10), outcome.Reward)

	outcome, err = store.ApplyTap(testEpoch.Add(20 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), outcome.Reward)
	snapshot := store.Snapshot()
	assert.Equal(t, 1.0, snapshot.BoostMultiplier)
	assert.Nil(t, snapshot.BoostExpiresAt)

	deltas := sink.all()
	assert.True(t, deltas[len(deltas)-1].Fields.Has(FieldBoost))

	_, err = store.ApplyBoost(2, 0, testEpoch)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestOptimisticStore_SelectCharacter(t *testing.T) {
	store, sink := newTestStore(t, nil)

	_, err := store.SelectCharacter("nobody")
	assert.ErrorIs(t, err, ErrValidation)

	state, err := store.SelectCharacter("hero")
	require.NoError(t, err)
	assert.Equal(t, "hero", state.CharacterID)

	_, err = store.SelectCharacter("hero")
	require.NoError(t, err)
	assert.Len(t, sink.all(), 1, "reselecting is a no-op")
}

func TestOptimisticStore_SnapshotIsACopy(t *testing.T) {
	store, _ := newTestStore(t, func(st *PlayerEconomyState) {
		st.Upgrades = map[string]int{UpgradeTapPower: 2}
	})

	snapshot := store.Snapshot()
	snapshot.Upgrades[UpgradeTapPower] = 99
	snapshot.Points = 1 << 40

	assert.Equal(t, 2, store.Snapshot().Upgrades[UpgradeTapPower])
	assert.Equal(t, int64(0), store.Snapshot().Points)
}

func TestOptimisticStore_Subscribe(t *testing.T) {
	store, _ := newTestStore(t, nil)

	var seen []uint64
	unsubscribe := store.Subscribe(func(state PlayerEconomyState) {
		seen = append(seen, state.LocalVersion)
	})

	_, err := store.ApplyTap(testEpoch)
	require.NoError(t, err)
	_, err = store.ApplyTap(testEpoch.Add(time.Second))
	require.NoError(t, err)

	// A stale snapshot is never delivered.
	store.notify(PlayerEconomyState{LocalVersion: 1})

	unsubscribe()
	_, err = store.ApplyTap(testEpoch.Add(2 * time.Second))
	require.NoError(t, err)

	assert.Equal(t, []uint64{1, 2}, seen)
}

func TestOptimisticStore_ReconcileAppliesRemoteEnergy(t *testing.T) {
	store, sink := newTestStore(t, func(st *PlayerEconomyState) {
		st.Energy = 10
		st.EnergyMax = 10
		st.EnergyUpdatedAt = testEpoch
	})

	_, err := store.ApplyTap(testEpoch)
	require.NoError(t, err)
	flushed := store.Snapshot()
	_, err = store.ApplyTap(testEpoch.Add(100 * time.Millisecond))
	require.NoError(t, err)

	remote := flushed.clone()
	remote.Energy = flushed.Energy - 2
	requeued := store.Reconcile(flushed, remote)

	after := store.Snapshot()
	assert.Equal(t, int64(6), after.Energy)
	assert.Equal(t, StateField(0), requeued, "local fields written since the flush are already queued")
	assert.Equal(t, uint64(3), after.LocalVersion)
	deltas := sink.all()
	require.Len(t, deltas, 3)
	assert.Equal(t, FieldEnergy, deltas[2].Fields)
}

func TestOptimisticStore_ReconcileKeepsVersionOnMatchingEcho(t *testing.T) {
	store, sink := newTestStore(t, nil)

	_, err := store.ApplyTap(testEpoch.Add(1234567 * time.Nanosecond))
	require.NoError(t, err)
	flushed := store.Snapshot()
	held, err := store.ApplyTap(testEpoch.Add(2 * time.Second))
	require.NoError(t, err)

	remote := flushed.clone()
	remote.LastActionAt = remote.LastActionAt.Truncate(time.Microsecond)
	remote.EnergyUpdatedAt = remote.EnergyUpdatedAt.Truncate(time.Microsecond)

	assert.Equal(t, StateField(0), store.Reconcile(flushed, remote))
	assert.Equal(t, held.Version, store.Version())
	assert.Len(t, sink.all(), 2)

	_, err = store.CompareAndApplyTap(held.Version, testEpoch.Add(3*time.Second))
	assert.NoError(t, err, "a client holding its latest version is not stale")
}

func TestOptimisticStore_ReconcileReportsDisagreement(t *testing.T) {
	store, sink := newTestStore(t, nil)

	_, err := store.ApplyTap(testEpoch)
	require.NoError(t, err)
	flushed := store.Snapshot()

	remote := flushed.clone()
	remote.Points = 0
	requeued := store.Reconcile(flushed, remote)

	assert.Equal(t, FieldPoints, requeued)
	assert.Equal(t, flushed.Points, store.Snapshot().Points, "local points win")
	assert.Equal(t, uint64(1), store.Version())
	assert.Len(t, sink.all(), 1)
}

func TestOptimisticStore_ReconcileNoopWhenInSync(t *testing.T) {
	store, sink := newTestStore(t, nil)

	_, err := store.ApplyTap(testEpoch)
	require.NoError(t, err)
	flushed := store.Snapshot()

	assert.Equal(t, StateField(0), store.Reconcile(flushed, flushed.clone()))
	assert.Len(t, sink.all(), 1)
	assert.Equal(t, uint64(1), store.Version())
}

func TestOptimisticStore_MergeConcurrentWriter(t *testing.T) {
	store, sink := newTestStore(t, func(st *PlayerEconomyState) {
		st.Points = 100
	})
	base := store.Snapshot()

	_, err := store.ApplyTap(testEpoch)
	require.NoError(t, err)
	local := store.Snapshot()

	remote := base.clone()
	remote.Points = 150
	remote.Level = 3
	remote.Upgrades = map[string]int{UpgradeTapPower: 2}

	fields := store.Merge(base, remote)
	merged := store.Snapshot()
	assert.Equal(t, local.Points+50, merged.Points)
	assert.Equal(t, 3, merged.Level)
	assert.Equal(t, 2, merged.Upgrades[UpgradeTapPower])
	assert.Equal(t, local.ComboCount, merged.ComboCount)
	assert.True(t, fields.Has(FieldPoints))
	assert.Equal(t, fields, sink.all()[1].Fields)
}

func TestOptimisticStore_ClosedRejectsWrites(t *testing.T) {
	store, _ := newTestStore(t, nil)
	store.Close()

	_, err := store.ApplyTap(testEpoch)
	assert.ErrorIs(t, err, errSessionClosed)
	_, err = store.ApplyPurchase(UpgradeTapPower)
	assert.ErrorIs(t, err, errSessionClosed)
	assert.Equal(t, StateField(0), store.Merge(PlayerEconomyState{}, PlayerEconomyState{Points: 5}))
}

func TestOptimisticStore_ConcurrentTapsKeepVersionsDense(t *testing.T) {
	store, sink := newTestStore(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = store.ApplyTap(testEpoch)
		}()
	}
	wg.Wait()

	deltas := sink.all()
	require.Len(t, deltas, 20)
	for i, delta := range deltas {
		assert.Equal(t, uint64(i+1), delta.LocalVersion)
	}
	assert.Equal(t, int64(980), store.Snapshot().Energy)
}

func TestOptimisticStore_SnapshotRoundTrip(t *testing.T) {
	store, _ := newTestStore(t, func(st *PlayerEconomyState) {
		st.Points = 400
	})
	_, err := store.ApplyPurchase(UpgradeTapPower)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err = store.ApplyTap(testEpoch.Add(time.Duration(i) * 200 * time.Millisecond))
		require.NoError(t, err)
	}
	persisted := store.Snapshot()

	fresh := NewOptimisticStore(persisted, defaultTuning(), testCatalog(), fixedRandom(0.99))
	restored := fresh.Snapshot()
	assert.Equal(t, persisted.Points, restored.Points)
	assert.Equal(t, persisted.Energy, restored.Energy)
	assert.Equal(t, persisted.ComboCount, restored.ComboCount)
	assert.Equal(t, persisted.Upgrades, restored.Upgrades)
	assert.Equal(t, persisted.LocalVersion, restored.LocalVersion)
}

func TestOptimisticStore_EnergyStaysInBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	store, _ := newTestStore(t, func(st *PlayerEconomyState) {
		st.Energy = 5
		st.EnergyMax = 20
	})

	now := testEpoch
	for i := 0; i < 500; i++ {
		now = now.Add(time.Duration(rng.Intn(1500)) * time.Millisecond)
		_, err := store.ApplyTap(now)
		if err != nil {
			require.ErrorIs(t, err, ErrEnergyExhausted)
		}
		st := store.Snapshot()
		require.GreaterOrEqual(t, st.Energy, int64(0))
		require.LessOrEqual(t, st.Energy, st.EnergyMax)
		require.GreaterOrEqual(t, st.Points, int64(0))
	}
}
