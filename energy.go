package main

import (
	"fmt"
	"math"
)

// EnergyGovernor answers questions about a bounded energy pool. It is a
// value; callers store the returned energy back into the player state.
type EnergyGovernor struct {
	Energy int64
	Max    int64
}

func (g EnergyGovernor) CanConsume(cost int64) bool {
	return g.Energy >= cost
}

func (g EnergyGovernor) Consume(cost int64) (int64, error) {
	if cost < 0 {
		return g.Energy, fmt.Errorf("%w: negative energy cost %d", ErrValidation, cost)
	}
	if !g.CanConsume(cost) {
		return g.Energy, ErrEnergyExhausted
	}
	return g.Energy - cost, nil
}

// Regenerate returns the energy after elapsedSeconds at ratePerSecond, in
// whole units and never above Max. Negative elapsed time counts as zero.
func (g EnergyGovernor) Regenerate(elapsedSeconds float64, ratePerSecond float64) int64 {
	if elapsedSeconds < 0 || math.IsNaN(elapsedSeconds) {
		elapsedSeconds = 0
	}
	if ratePerSecond <= 0 || g.Energy >= g.Max {
		return clampEnergy(g.Energy, g.Max)
	}
	gained := math.Floor(elapsedSeconds * ratePerSecond)
	if gained >= float64(g.Max-g.Energy) {
		return g.Max
	}
	return clampEnergy(g.Energy+int64(gained), g.Max)
}

func clampEnergy(energy int64, max int64) int64 {
	if energy < 0 {
		return 0
	}
	if energy > max {
		return max
	}
	return energy
}
