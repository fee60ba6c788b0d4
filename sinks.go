package main

import (
	"math"
	"time"
)

// Upgrade types. The reward formula reads tap, passive and critical; the
// others are catalog metadata for the client.
const (
	UpgradeTypeTap      = "perTap"
	UpgradeTypePassive  = "perHour"
	UpgradeTypeCritical = "critical"
	UpgradeTypeEnergy   = "energy"
)

// UpgradeDefinition is read-only catalog data.
type UpgradeDefinition struct {
	ID             string  `yaml:"id" json:"id"`
	Name           string  `yaml:"name" json:"name,omitempty"`
	Type           string  `yaml:"type" json:"type"`
	BaseValue      float64 `yaml:"baseValue" json:"baseValue"`
	ValueIncrement float64 `yaml:"valueIncrement" json:"valueIncrement"`
	BaseCost       float64 `yaml:"baseCost" json:"baseCost"`
	CostMultiplier float64 `yaml:"costMultiplier" json:"costMultiplier"`
	MaxLevel       int     `yaml:"maxLevel" json:"maxLevel"`
}

// CostAt returns the price of buying the level after currentLevel.
func (d UpgradeDefinition) CostAt(currentLevel int) int64 {
	if currentLevel < 0 {
		currentLevel = 0
	}
	multiplier := d.CostMultiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	cost := math.Floor(d.BaseCost * math.Pow(multiplier, float64(currentLevel)))
	if cost < 0 || math.IsNaN(cost) {
		return 0
	}
	if cost > math.MaxInt64/2 {
		return math.MaxInt64 / 2
	}
	return int64(cost)
}

// ValueAt returns the effect value of the upgrade at level:
// BaseValue + ValueIncrement*level.
func (d UpgradeDefinition) ValueAt(level int) float64 {
	if level < 0 {
		level = 0
	}
	return d.BaseValue + d.ValueIncrement*float64(level)
}

// AtMax reports whether level cannot be raised further. MaxLevel 0 means
// unbounded.
func (d UpgradeDefinition) AtMax(level int) bool {
	return d.MaxLevel > 0 && level >= d.MaxLevel
}

// levelUpCost is the price of leaving level.
func levelUpCost(t Tuning, level int) int64 {
	if level < 1 {
		level = 1
	}
	cost := math.Floor(t.LevelBaseCost * math.Pow(t.LevelCostGrowth, float64(level-1)))
	if cost > math.MaxInt64/2 || math.IsInf(cost, 1) {
		return math.MaxInt64 / 2
	}
	return int64(cost)
}

// boostExpiry clamps a granted boost and returns its expiry.
func boostExpiry(t Tuning, multiplier float64, duration time.Duration, now time.Time) (float64, time.Time, bool) {
	if multiplier <= 0 || math.IsNaN(multiplier) || duration <= 0 {
		return 0, time.Time{}, false
	}
	if multiplier > t.MaxBoostMultiplier {
		multiplier = t.MaxBoostMultiplier
	}
	return multiplier, now.Add(duration), true
}
