package main

import "math"

// Upgrade ids that feed the reward formula.
const (
	UpgradeTapPower      = "tapPower"
	UpgradePassiveIncome = "passiveIncome"
	UpgradeCriticalHit   = "criticalHit"

	UpgradeEnergyCapacity = "energyCapacity"
)

// RandomSource is the dice used for critical hits. *math/rand.Rand
// satisfies it.
type RandomSource interface {
	Float64() float64
}

// RewardInput is everything a single reward computation depends on.
type RewardInput struct {
	Level           int
	Upgrades        map[string]int
	ComboCount      int
	BoostMultiplier float64
	CharacterBonus  float64
	Luck            float64
}

// RewardBreakdown exposes the intermediate factors of a computation.
type RewardBreakdown struct {
	BaseReward      float64
	TapMultiplier   float64
	PassiveBonus    float64
	ComboMultiplier float64
	CharacterBonus  float64
	BoostMultiplier float64
	RawReward       float64
	CritChance      float64
}

// RewardCalculator turns progression, combo and luck into a tap reward.
type RewardCalculator struct {
	tuning Tuning
	combo  ComboTracker
}

func newRewardCalculator(t Tuning) RewardCalculator {
	return RewardCalculator{tuning: t, combo: newComboTracker(t)}
}

// Breakdown computes every factor except the critical roll.
func (c RewardCalculator) Breakdown(in RewardInput) RewardBreakdown {
	t := c.tuning
	b := RewardBreakdown{
		BaseReward:      t.BaseReward + math.Floor(float64(in.Level)*t.LevelScaling),
		TapMultiplier:   1 + float64(upgradeLevel(in.Upgrades, UpgradeTapPower))*t.TapUpgradeStep,
		PassiveBonus:    1 + float64(upgradeLevel(in.Upgrades, UpgradePassiveIncome))*t.PassiveUpgradeStep,
		ComboMultiplier: c.combo.Multiplier(in.ComboCount),
		CharacterBonus:  in.CharacterBonus,
		BoostMultiplier: in.BoostMultiplier,
	}
	if b.CharacterBonus <= 0 || math.IsNaN(b.CharacterBonus) {
		b.CharacterBonus = 1
	}
	if b.BoostMultiplier <= 0 || math.IsNaN(b.BoostMultiplier) {
		b.BoostMultiplier = 1
	}
	b.RawReward = b.BaseReward * b.TapMultiplier * b.PassiveBonus * b.ComboMultiplier * b.CharacterBonus * b.BoostMultiplier
	if b.RawReward < 0 || math.IsNaN(b.RawReward) {
		b.RawReward = 0
	}

	chance := t.BaseCritChance + in.Luck*t.LuckCritFactor + float64(upgradeLevel(in.Upgrades, UpgradeCriticalHit))*t.CritUpgradeStep
	b.CritChance = math.Max(0, math.Min(1, chance))
	if math.IsNaN(b.CritChance) {
		b.CritChance = 0
	}
	return b
}

// Compute rolls rng exactly once and returns the reward. Only Reward and
// IsCritical of the outcome are filled in.
func (c RewardCalculator) Compute(in RewardInput, rng RandomSource) TapOutcome {
	b := c.Breakdown(in)
	isCritical := rng.Float64() < b.CritChance
	reward := int64(math.Floor(b.RawReward))
	if isCritical {
		reward *= c.tuning.CritMultiplier
	}
	return TapOutcome{
		Reward:     reward,
		IsCritical: isCritical,
	}
}

func upgradeLevel(upgrades map[string]int, id string) int {
	level := upgrades[id]
	if level < 0 {
		return 0
	}
	return level
}
