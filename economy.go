package main

import (
	"time"
)

// Tuning holds every constant of the reward path. Defaults live in
// defaultTuning; the YAML file and global_settings rows override them.
type Tuning struct {
	BaseReward         float64 `yaml:"baseReward" json:"baseReward"`
	LevelScaling       float64 `yaml:"levelScaling" json:"levelScaling"`
	TapUpgradeStep     float64 `yaml:"tapUpgradeStep" json:"tapUpgradeStep"`
	PassiveUpgradeStep float64 `yaml:"passiveUpgradeStep" json:"passiveUpgradeStep"`
	ComboStep          float64 `yaml:"comboStep" json:"comboStep"`
	ComboCapMultiplier float64 `yaml:"comboCapMultiplier" json:"comboCapMultiplier"`
	MaxCombo           int     `yaml:"maxCombo" json:"maxCombo"`
	ComboTimeoutMs     int64   `yaml:"comboTimeoutMs" json:"comboTimeoutMs"`
	BaseCritChance     float64 `yaml:"baseCritChance" json:"baseCritChance"`
	LuckCritFactor     float64 `yaml:"luckCritFactor" json:"luckCritFactor"`
	CritUpgradeStep    float64 `yaml:"critUpgradeStep" json:"critUpgradeStep"`
	CritMultiplier     int64   `yaml:"critMultiplier" json:"critMultiplier"`

	EnergyPerTap          int64   `yaml:"energyPerTap" json:"energyPerTap"`
	EnergyRegenPerSecond  float64 `yaml:"energyRegenPerSecond" json:"energyRegenPerSecond"`
	StartingEnergyMax     int64   `yaml:"startingEnergyMax" json:"startingEnergyMax"`
	EnergyMaxPerLevel     int64   `yaml:"energyMaxPerLevel" json:"energyMaxPerLevel"`
	LevelBaseCost         float64 `yaml:"levelBaseCost" json:"levelBaseCost"`
	LevelCostGrowth       float64 `yaml:"levelCostGrowth" json:"levelCostGrowth"`
	MaxBoostMultiplier    float64 `yaml:"maxBoostMultiplier" json:"maxBoostMultiplier"`
	DefaultCharacterBonus float64 `yaml:"defaultCharacterBonus" json:"defaultCharacterBonus"`

	Sync SyncTuning `yaml:"sync" json:"sync"`
}

// SyncTuning configures the persistence queue.
type SyncTuning struct {
	DebounceMs         int64 `yaml:"debounceMs" json:"debounceMs"`
	MaxFlushIntervalMs int64 `yaml:"maxFlushIntervalMs" json:"maxFlushIntervalMs"`
	FlushTimeoutMs     int64 `yaml:"flushTimeoutMs" json:"flushTimeoutMs"`
	MaxRetries         int   `yaml:"maxRetries" json:"maxRetries"`
	BackoffBaseMs      int64 `yaml:"backoffBaseMs" json:"backoffBaseMs"`
	BackoffMaxMs       int64 `yaml:"backoffMaxMs" json:"backoffMaxMs"`
}

func defaultTuning() Tuning {
	return Tuning{
		BaseReward:         1,
		LevelScaling:       0.5,
		TapUpgradeStep:     0.1,
		PassiveUpgradeStep: 0.05,
		ComboStep:          0.05,
		ComboCapMultiplier: 2.5,
		MaxCombo:           50,
		ComboTimeoutMs:     1500,
		BaseCritChance:     0.05,
		LuckCritFactor:     0.01,
		CritUpgradeStep:    0.02,
		CritMultiplier:     2,

		EnergyPerTap:          1,
		EnergyRegenPerSecond:  1,
		StartingEnergyMax:     1000,
		EnergyMaxPerLevel:     100,
		LevelBaseCost:         500,
		LevelCostGrowth:       1.8,
		MaxBoostMultiplier:    10,
		DefaultCharacterBonus: 1,

		Sync: SyncTuning{
			DebounceMs:         1000,
			MaxFlushIntervalMs: 5000,
			FlushTimeoutMs:     4000,
			MaxRetries:         5,
			BackoffBaseMs:      500,
			BackoffMaxMs:       30000,
		},
	}
}

func (t Tuning) comboTimeout() time.Duration {
	return time.Duration(t.ComboTimeoutMs) * time.Millisecond
}

func (s SyncTuning) debounce() time.Duration {
	return time.Duration(s.DebounceMs) * time.Millisecond
}

func (s SyncTuning) maxFlushInterval() time.Duration {
	return time.Duration(s.MaxFlushIntervalMs) * time.Millisecond
}

func (s SyncTuning) flushTimeout() time.Duration {
	return time.Duration(s.FlushTimeoutMs) * time.Millisecond
}

func (s SyncTuning) backoffBase() time.Duration {
	return time.Duration(s.BackoffBaseMs) * time.Millisecond
}

func (s SyncTuning) backoffMax() time.Duration {
	return time.Duration(s.BackoffMaxMs) * time.Millisecond
}

// normalized repairs values that would break the invariants of the reward
// path (a zero cap, a negative step) by falling back to the defaults.
func (t Tuning) normalized() Tuning {
	def := defaultTuning()
	if t.BaseReward < 0 {
		t.BaseReward = def.BaseReward
	}
	if t.LevelScaling < 0 {
		t.LevelScaling = def.LevelScaling
	}
	if t.TapUpgradeStep < 0 {
		t.TapUpgradeStep = def.TapUpgradeStep
	}
	if t.PassiveUpgradeStep < 0 {
		t.PassiveUpgradeStep = def.PassiveUpgradeStep
	}
	if t.ComboStep < 0 {
		t.ComboStep = def.ComboStep
	}
	if t.ComboCapMultiplier < 1 {
		t.ComboCapMultiplier = def.ComboCapMultiplier
	}
	if t.MaxCombo < 1 {
		t.MaxCombo = def.MaxCombo
	}
	if t.ComboTimeoutMs <= 0 {
		t.ComboTimeoutMs = def.ComboTimeoutMs
	}
	if t.CritMultiplier < 1 {
		t.CritMultiplier = def.CritMultiplier
	}
	if t.EnergyPerTap < 0 {
		t.EnergyPerTap = def.EnergyPerTap
	}
	if t.EnergyRegenPerSecond < 0 {
		t.EnergyRegenPerSecond = def.EnergyRegenPerSecond
	}
	if t.StartingEnergyMax <= 0 {
		t.StartingEnergyMax = def.StartingEnergyMax
	}
	if t.EnergyMaxPerLevel < 0 {
		t.EnergyMaxPerLevel = def.EnergyMaxPerLevel
	}
	if t.LevelBaseCost <= 0 {
		t.LevelBaseCost = def.LevelBaseCost
	}
	if t.LevelCostGrowth < 1 {
		t.LevelCostGrowth = def.LevelCostGrowth
	}
	if t.MaxBoostMultiplier < 1 {
		t.MaxBoostMultiplier = def.MaxBoostMultiplier
	}
	if t.DefaultCharacterBonus <= 0 {
		t.DefaultCharacterBonus = def.DefaultCharacterBonus
	}
	if t.Sync.DebounceMs <= 0 {
		t.Sync.DebounceMs = def.Sync.DebounceMs
	}
	if t.Sync.MaxFlushIntervalMs <= 0 {
		t.Sync.MaxFlushIntervalMs = def.Sync.MaxFlushIntervalMs
	}
	if t.Sync.DebounceMs > t.Sync.MaxFlushIntervalMs {
		t.Sync.DebounceMs = t.Sync.MaxFlushIntervalMs
	}
	if t.Sync.FlushTimeoutMs <= 0 {
		t.Sync.FlushTimeoutMs = def.Sync.FlushTimeoutMs
	}
	if t.Sync.MaxRetries < 1 {
		t.Sync.MaxRetries = def.Sync.MaxRetries
	}
	if t.Sync.BackoffBaseMs <= 0 {
		t.Sync.BackoffBaseMs = def.Sync.BackoffBaseMs
	}
	if t.Sync.BackoffMaxMs < t.Sync.BackoffBaseMs {
		t.Sync.BackoffMaxMs = t.Sync.BackoffBaseMs
	}
	return t
}

/* ======================
   Player state
   ====================== */

// PlayerEconomyState is the per-player economy record. Values of this type
// handed out by the store are copies; mutating them has no effect.
type PlayerEconomyState struct {
	PlayerID        string         `json:"playerId"`
	CharacterID     string         `json:"characterId,omitempty"`
	Points          int64          `json:"points"`
	Energy          int64          `json:"energy"`
	EnergyMax       int64          `json:"energyMax"`
	EnergyUpdatedAt time.Time      `json:"energyUpdatedAt"`
	Level           int            `json:"level"`
	Upgrades        map[string]int `json:"upgrades"`
	ComboCount      int            `json:"comboCount"`
	LastActionAt    time.Time      `json:"lastActionAt"`
	BoostMultiplier float64        `json:"boostMultiplier"`
	BoostExpiresAt  *time.Time     `json:"boostExpiresAt,omitempty"`
	LocalVersion    uint64         `json:"localVersion"`
}

func newPlayerState(playerID string, tuning Tuning, now time.Time) PlayerEconomyState {
	return PlayerEconomyState{
		PlayerID:        playerID,
		Energy:          tuning.StartingEnergyMax,
		EnergyMax:       tuning.StartingEnergyMax,
		EnergyUpdatedAt: now,
		Level:           1,
		Upgrades:        map[string]int{},
		BoostMultiplier: 1,
	}
}

func (s PlayerEconomyState) clone() PlayerEconomyState {
	out := s
	out.Upgrades = make(map[string]int, len(s.Upgrades))
	for id, level := range s.Upgrades {
		out.Upgrades[id] = level
	}
	if s.BoostExpiresAt != nil {
		expires := *s.BoostExpiresAt
		out.BoostExpiresAt = &expires
	}
	return out
}

// activeBoost returns the boost multiplier in effect at now.
func (s PlayerEconomyState) activeBoost(now time.Time) float64 {
	if s.BoostMultiplier <= 0 {
		return 1
	}
	if s.BoostExpiresAt != nil && !now.Before(*s.BoostExpiresAt) {
		return 1
	}
	return s.BoostMultiplier
}

// TapOutcome is the result of a single accepted tap.
type TapOutcome struct {
	Reward          int64  `json:"reward"`
	IsCritical      bool   `json:"isCritical"`
	ComboCountAfter int    `json:"comboCountAfter"`
	EnergyAfter     int64  `json:"energyAfter"`
	PointsAfter     int64  `json:"pointsAfter"`
	Version         uint64 `json:"version"`
}

/* ======================
   Deltas
   ====================== */

// StateField names one persisted column group of PlayerEconomyState.
type StateField uint16

const (
	FieldPoints StateField = 1 << iota
	FieldEnergy
	FieldEnergyMax
	FieldLevel
	FieldUpgrades
	FieldCombo
	FieldLastAction
	FieldBoost
	FieldCharacter
)

const allStateFields = FieldPoints | FieldEnergy | FieldEnergyMax | FieldLevel |
	FieldUpgrades | FieldCombo | FieldLastAction | FieldBoost | FieldCharacter

var stateFieldNames = []struct {
	field StateField
	name  string
}{
	{FieldPoints, "points"},
	{FieldEnergy, "energy"},
	{FieldEnergyMax, "energyMax"},
	{FieldLevel, "level"},
	{FieldUpgrades, "upgrades"},
	{FieldCombo, "comboCount"},
	{FieldLastAction, "lastActionAt"},
	{FieldBoost, "boost"},
	{FieldCharacter, "characterId"},
}

func (f StateField) Has(other StateField) bool {
	return f&other == other
}

// Names lists the set fields in a stable order.
func (f StateField) Names() []string {
	names := make([]string, 0, len(stateFieldNames))
	for _, entry := range stateFieldNames {
		if f.Has(entry.field) {
			names = append(names, entry.name)
		}
	}
	return names
}

// PersistenceDelta is what the store hands to the sync queue after each
// mutation: the changed fields, the full state they were read from and the
// version of that state.
type PersistenceDelta struct {
	PlayerID     string
	Fields       StateField
	State        PlayerEconomyState
	LocalVersion uint64
}

// merge folds a newer delta into d. Older deltas never overwrite newer values.
func (d PersistenceDelta) merge(next PersistenceDelta) PersistenceDelta {
	if next.LocalVersion <= d.LocalVersion {
		d.Fields |= next.Fields
		return d
	}
	return PersistenceDelta{
		PlayerID:     next.PlayerID,
		Fields:       d.Fields | next.Fields,
		State:        next.State,
		LocalVersion: next.LocalVersion,
	}
}

// diffFields reports which persisted fields differ between a and b.
func diffFields(a, b PlayerEconomyState) StateField {
	var changed StateField
	if a.Points != b.Points {
		changed |= FieldPoints
	}
	if a.Energy != b.Energy || !sameInstant(a.EnergyUpdatedAt, b.EnergyUpdatedAt) {
		changed |= FieldEnergy
	}
	if a.EnergyMax != b.EnergyMax {
		changed |= FieldEnergyMax
	}
	if a.Level != b.Level {
		changed |= FieldLevel
	}
	if !sameUpgrades(a.Upgrades, b.Upgrades) {
		changed |= FieldUpgrades
	}
	if a.ComboCount != b.ComboCount {
		changed |= FieldCombo
	}
	if !sameInstant(a.LastActionAt, b.LastActionAt) {
		changed |= FieldLastAction
	}
	if a.BoostMultiplier != b.BoostMultiplier || !sameOptionalTime(a.BoostExpiresAt, b.BoostExpiresAt) {
		changed |= FieldBoost
	}
	if a.CharacterID != b.CharacterID {
		changed |= FieldCharacter
	}
	return changed
}

func sameUpgrades(a, b map[string]int) bool {
	if len(a) != len(b) {
		return false
	}
	for id, level := range a {
		if other, ok := b[id]; !ok || other != level {
			return false
		}
	}
	return true
}

func sameOptionalTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return sameInstant(*a, *b)
}

// sameInstant compares at the microsecond precision Postgres stores.
func sameInstant(a, b time.Time) bool {
	return a.Truncate(time.Microsecond).Equal(b.Truncate(time.Microsecond))
}
