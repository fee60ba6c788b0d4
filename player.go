package main

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// DeltaSink receives every committed mutation. Enqueue must not block on
// I/O; it is called with the store lock held so deltas arrive in version
// order.
type DeltaSink interface {
	Enqueue(delta PersistenceDelta)
}

// StateListener observes committed state. It runs outside the store lock.
type StateListener func(state PlayerEconomyState)

type listenerEntry struct {
	fn          StateListener
	lastVersion uint64
}

// OptimisticStore owns one player's economy state. Every mutation is
// synchronous and in-memory; persistence happens behind the DeltaSink.
type OptimisticStore struct {
	mu      sync.Mutex
	state   PlayerEconomyState
	tuning  Tuning
	catalog Catalog
	calc    RewardCalculator
	combo   ComboTracker
	rng     RandomSource
	sink    DeltaSink
	closed  bool

	listenersMu  sync.Mutex
	listeners    map[int]*listenerEntry
	nextListener int
}

func NewOptimisticStore(initial PlayerEconomyState, tuning Tuning, catalog Catalog, rng RandomSource) *OptimisticStore {
	tuning = tuning.normalized()
	return &OptimisticStore{
		state:     sanitizeState(initial, tuning),
		tuning:    tuning,
		catalog:   catalog,
		calc:      newRewardCalculator(tuning),
		combo:     newComboTracker(tuning),
		rng:       rng,
		listeners: make(map[int]*listenerEntry),
	}
}

// sanitizeState restores the invariants on a snapshot loaded from outside.
func sanitizeState(st PlayerEconomyState, tuning Tuning) PlayerEconomyState {
	st = st.clone()
	if st.Points < 0 {
		st.Points = 0
	}
	if st.EnergyMax <= 0 {
		st.EnergyMax = tuning.StartingEnergyMax
	}
	st.Energy = clampEnergy(st.Energy, st.EnergyMax)
	if st.Level < 1 {
		st.Level = 1
	}
	if st.ComboCount < 0 {
		st.ComboCount = 0
	}
	if st.ComboCount > tuning.MaxCombo {
		st.ComboCount = tuning.MaxCombo
	}
	if st.BoostMultiplier <= 0 || math.IsNaN(st.BoostMultiplier) {
		st.BoostMultiplier = 1
		st.BoostExpiresAt = nil
	}
	for id, level := range st.Upgrades {
		if level < 0 {
			st.Upgrades[id] = 0
		}
	}
	return st
}

// AttachSink sets where committed deltas go. It is set once, before the
// store is shared.
func (s *OptimisticStore) AttachSink(sink DeltaSink) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

func (s *OptimisticStore) Snapshot() PlayerEconomyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

func (s *OptimisticStore) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.LocalVersion
}

func (s *OptimisticStore) Tuning() Tuning {
	return s.tuning
}

// Subscribe registers fn and returns a function that removes it. A listener
// never sees versions go backwards.
func (s *OptimisticStore) Subscribe(fn StateListener) func() {
	s.listenersMu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = &listenerEntry{fn: fn}
	s.listenersMu.Unlock()

	return func() {
		s.listenersMu.Lock()
		delete(s.listeners, id)
		s.listenersMu.Unlock()
	}
}

func (s *OptimisticStore) notify(state PlayerEconomyState) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	for _, entry := range s.listeners {
		if state.LocalVersion <= entry.lastVersion {
			continue
		}
		entry.lastVersion = state.LocalVersion
		entry.fn(state.clone())
	}
}

// commit installs next as the new state. Callers hold s.mu. The returned
// snapshot is passed to notify after the lock is released.
func (s *OptimisticStore) commit(next PlayerEconomyState, fields StateField) PlayerEconomyState {
	next.LocalVersion = s.state.LocalVersion + 1
	s.state = next
	if s.sink != nil && fields != 0 {
		s.sink.Enqueue(PersistenceDelta{
			PlayerID:     next.PlayerID,
			Fields:       fields,
			State:        next.clone(),
			LocalVersion: next.LocalVersion,
		})
	}
	return next.clone()
}

func (s *OptimisticStore) checkWriter(expected *uint64) error {
	if s.closed {
		return errSessionClosed
	}
	if expected != nil && *expected != s.state.LocalVersion {
		return fmt.Errorf("%w: expected version %d, store at %d", ErrStaleWriter, *expected, s.state.LocalVersion)
	}
	return nil
}

// regenerateInto credits the energy earned since st.EnergyUpdatedAt. The
// anchor only advances by the time that produced whole units, so partial
// progress carries over to the next call.
func (s *OptimisticStore) regenerateInto(st *PlayerEconomyState, now time.Time) {
	rate := s.tuning.EnergyRegenPerSecond
	if st.EnergyUpdatedAt.IsZero() || st.Energy >= st.EnergyMax || rate <= 0 {
		st.Energy = clampEnergy(st.Energy, st.EnergyMax)
		st.EnergyUpdatedAt = now
		return
	}
	if now.Before(st.EnergyUpdatedAt) {
		return
	}

	gov := EnergyGovernor{Energy: st.Energy, Max: st.EnergyMax}
	after := gov.Regenerate(now.Sub(st.EnergyUpdatedAt).Seconds(), rate)
	if after >= st.EnergyMax {
		st.Energy = st.EnergyMax
		st.EnergyUpdatedAt = now
		return
	}
	gained := after - st.Energy
	if gained <= 0 {
		return
	}
	st.Energy = after
	st.EnergyUpdatedAt = st.EnergyUpdatedAt.Add(time.Duration(float64(gained) / rate * float64(time.Second)))
}

// Regenerate applies pending regeneration at now. It only creates a new
// version when energy actually changed.
func (s *OptimisticStore) Regenerate(now time.Time) (PlayerEconomyState, error) {
	s.mu.Lock()
	if err := s.checkWriter(nil); err != nil {
		s.mu.Unlock()
		return PlayerEconomyState{}, err
	}
	next := s.state.clone()
	s.regenerateInto(&next, now)
	if next.Energy == s.state.Energy {
		snapshot := s.state.clone()
		s.mu.Unlock()
		return snapshot, nil
	}
	snapshot := s.commit(next, FieldEnergy)
	s.mu.Unlock()

	s.notify(snapshot)
	return snapshot, nil
}

func (s *OptimisticStore) ApplyPurchase(upgradeID string) (PlayerEconomyState, error) {
	return s.applyPurchase(upgradeID, nil)
}

// CompareAndApplyPurchase is ApplyPurchase for writers that may be stale.
func (s *OptimisticStore) CompareAndApplyPurchase(expectedVersion uint64, upgradeID string) (PlayerEconomyState, error) {
	return s.applyPurchase(upgradeID, &expectedVersion)
}

func (s *OptimisticStore) applyPurchase(upgradeID string, expected *uint64) (PlayerEconomyState, error) {
	def, err := s.catalog.UpgradeDefinition(upgradeID)
	if err != nil {
		return PlayerEconomyState{}, err
	}

	s.mu.Lock()
	if err := s.checkWriter(expected); err != nil {
		s.mu.Unlock()
		return PlayerEconomyState{}, err
	}

	level := s.state.Upgrades[upgradeID]
	if def.AtMax(level) {
		s.mu.Unlock()
		return PlayerEconomyState{}, fmt.Errorf("%w: %s level %d", errUpgradeMaxLevel, upgradeID, level)
	}
	cost := def.CostAt(level)
	if s.state.Points < cost {
		s.mu.Unlock()
		return PlayerEconomyState{}, fmt.Errorf("%w: need %d, have %d", ErrInsufficientFunds, cost, s.state.Points)
	}

	next := s.state.clone()
	next.Points -= cost
	next.Upgrades[upgradeID] = level + 1
	fields := FieldPoints | FieldUpgrades
	if def.Type == UpgradeTypeEnergy {
		bonus := int64(math.Floor(def.ValueAt(level+1) - def.ValueAt(level)))
		if bonus > 0 {
			next.EnergyMax += bonus
			fields |= FieldEnergyMax
		}
	}
	snapshot := s.commit(next, fields)
	s.mu.Unlock()

	s.notify(snapshot)
	return snapshot, nil
}

// ApplyLevelUp spends levelUpCost points to raise the player level by one.
// Each level also raises the energy cap.
func (s *OptimisticStore) ApplyLevelUp() (PlayerEconomyState, error) {
	s.mu.Lock()
	if err := s.checkWriter(nil); err != nil {
		s.mu.Unlock()
		return PlayerEconomyState{}, err
	}
	cost := levelUpCost(s.tuning, s.state.Level)
	if s.state.Points < cost {
		s.mu.Unlock()
		return PlayerEconomyState{}, fmt.Errorf("%w: need %d, have %d", ErrInsufficientFunds, cost, s.state.Points)
	}

	next := s.state.clone()
	next.Points -= cost
	next.Level++
	next.EnergyMax += s.tuning.EnergyMaxPerLevel
	snapshot := s.commit(next, FieldPoints|FieldLevel|FieldEnergyMax)
	s.mu.Unlock()

	s.notify(snapshot)
	return snapshot, nil
}

// ApplyBoost installs an externally granted reward multiplier. A new grant
// replaces the previous one.
func (s *OptimisticStore) ApplyBoost(multiplier float64, duration time.Duration, now time.Time) (PlayerEconomyState, error) {
	multiplier, expiresAt, ok := boostExpiry(s.tuning, multiplier, duration, now)
	if !ok {
		return PlayerEconomyState{}, fmt.Errorf("%w: boost needs a positive multiplier and duration", ErrValidation)
	}

	s.mu.Lock()
	if err := s.checkWriter(nil); err != nil {
		s.mu.Unlock()
		return PlayerEconomyState{}, err
	}
	next := s.state.clone()
	next.BoostMultiplier = multiplier
	next.BoostExpiresAt = &expiresAt
	snapshot := s.commit(next, FieldBoost)
	s.mu.Unlock()

	s.notify(snapshot)
	return snapshot, nil
}

// SelectCharacter switches the character whose bonus and luck apply to taps.
func (s *OptimisticStore) SelectCharacter(characterID string) (PlayerEconomyState, error) {
	if !s.catalog.HasCharacter(characterID) {
		return PlayerEconomyState{}, fmt.Errorf("%w: unknown character %q", ErrValidation, characterID)
	}

	s.mu.Lock()
	if err := s.checkWriter(nil); err != nil {
		s.mu.Unlock()
		return PlayerEconomyState{}, err
	}
	if s.state.CharacterID == characterID {
		snapshot := s.state.clone()
		s.mu.Unlock()
		return snapshot, nil
	}
	next := s.state.clone()
	next.CharacterID = characterID
	snapshot := s.commit(next, FieldCharacter)
	s.mu.Unlock()

	s.notify(snapshot)
	return snapshot, nil
}

// Reconcile folds in the authoritative record returned by a successful
// flush of flushed. Energy is owned remotely, so a remote adjustment is
// applied on top of whatever was spent locally since, and only that bumps
// the version. Every other field is owned locally and is left alone. The
// returned fields are those the remote record disagrees with; the queue
// sends them again with the next write.
func (s *OptimisticStore) Reconcile(flushed PlayerEconomyState, remote PlayerEconomyState) StateField {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0
	}

	stale := diffFields(flushed, remote) &^ FieldEnergy
	if remote.Energy == flushed.Energy {
		s.mu.Unlock()
		return stale
	}
	next := s.state.clone()
	next.Energy = clampEnergy(next.Energy+(remote.Energy-flushed.Energy), next.EnergyMax)
	if next.Energy == s.state.Energy {
		s.mu.Unlock()
		return stale
	}

	snapshot := s.commit(next, FieldEnergy)
	s.mu.Unlock()

	s.notify(snapshot)
	return stale
}

// Merge folds in the changes a concurrent writer made between base and
// remote. Additive fields take the remote delta on top of the local value,
// progression fields take the higher of the two and per-action fields stay
// local. The merged fields are queued against the remote version.
func (s *OptimisticStore) Merge(base PlayerEconomyState, remote PlayerEconomyState) StateField {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0
	}

	next := s.state.clone()
	next.Points += remote.Points - base.Points
	if next.Points < 0 {
		next.Points = 0
	}
	if remote.Level > next.Level {
		next.Level = remote.Level
	}
	if remote.EnergyMax > next.EnergyMax {
		next.EnergyMax = remote.EnergyMax
	}
	next.Energy = clampEnergy(next.Energy+(remote.Energy-base.Energy), next.EnergyMax)
	for id, level := range remote.Upgrades {
		if level > next.Upgrades[id] {
			next.Upgrades[id] = level
		}
	}

	fields := diffFields(next, remote)
	if fields == 0 && diffFields(next, s.state) == 0 {
		s.mu.Unlock()
		return 0
	}
	snapshot := s.commit(next, fields)
	s.mu.Unlock()

	s.notify(snapshot)
	return fields
}

// Close stops all further mutation and drops the listeners.
func (s *OptimisticStore) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.listenersMu.Lock()
	s.listeners = make(map[int]*listenerEntry)
	s.listenersMu.Unlock()
}
