package main

import (
	"fmt"
	"math"
	"time"
)

// ApplyTap turns one tap at now into points. A rejected tap leaves the
// state exactly as it was.
func (s *OptimisticStore) ApplyTap(now time.Time) (TapOutcome, error) {
	return s.applyTap(now, nil)
}

// CompareAndApplyTap is ApplyTap for a writer that may hold a stale view:
// it fails with ErrStaleWriter unless expectedVersion is current.
func (s *OptimisticStore) CompareAndApplyTap(expectedVersion uint64, now time.Time) (TapOutcome, error) {
	return s.applyTap(now, &expectedVersion)
}

func (s *OptimisticStore) applyTap(now time.Time, expected *uint64) (TapOutcome, error) {
	s.mu.Lock()
	if err := s.checkWriter(expected); err != nil {
		s.mu.Unlock()
		return TapOutcome{}, err
	}
	if !s.state.LastActionAt.IsZero() && now.Before(s.state.LastActionAt) {
		last := s.state.LastActionAt
		s.mu.Unlock()
		return TapOutcome{}, fmt.Errorf("%w: tap at %s precedes last action at %s", ErrValidation, now.Format(time.RFC3339Nano), last.Format(time.RFC3339Nano))
	}

	next := s.state.clone()
	s.regenerateInto(&next, now)

	gov := EnergyGovernor{Energy: next.Energy, Max: next.EnergyMax}
	if !gov.CanConsume(s.tuning.EnergyPerTap) {
		s.mu.Unlock()
		return TapOutcome{}, ErrEnergyExhausted
	}
	energy, err := gov.Consume(s.tuning.EnergyPerTap)
	if err != nil {
		s.mu.Unlock()
		return TapOutcome{}, err
	}

	fields := FieldPoints | FieldEnergy | FieldCombo | FieldLastAction
	next.ComboCount = s.combo.RegisterAction(now, next.LastActionAt, s.tuning.comboTimeout(), next.ComboCount)

	boost := next.activeBoost(now)
	if next.BoostExpiresAt != nil && !now.Before(*next.BoostExpiresAt) {
		next.BoostMultiplier = 1
		next.BoostExpiresAt = nil
		fields |= FieldBoost
	}

	outcome := s.calc.Compute(RewardInput{
		Level:           next.Level,
		Upgrades:        next.Upgrades,
		ComboCount:      next.ComboCount,
		BoostMultiplier: boost,
		CharacterBonus:  s.catalog.CharacterBonus(next.CharacterID),
		Luck:            s.catalog.CharacterLuck(next.CharacterID),
	}, s.rng)

	if outcome.Reward > math.MaxInt64-next.Points {
		next.Points = math.MaxInt64
	} else {
		next.Points += outcome.Reward
	}
	next.Energy = energy
	next.LastActionAt = now

	snapshot := s.commit(next, fields)
	s.mu.Unlock()

	s.notify(snapshot)

	outcome.ComboCountAfter = snapshot.ComboCount
	outcome.EnergyAfter = snapshot.Energy
	outcome.PointsAfter = snapshot.Points
	outcome.Version = snapshot.LocalVersion
	return outcome, nil
}

// DisplayedCombo is the combo the UI should show at now; a streak that has
// timed out reads as zero even though no action reset it yet.
func (s *OptimisticStore) DisplayedCombo(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.combo.Current(now, s.state.LastActionAt, s.tuning.comboTimeout(), s.state.ComboCount)
}
