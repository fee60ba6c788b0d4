package main

import (
	"database/sql"
	"strconv"
	"strings"
	"sync"
	"time"
)

// GlobalSettings is the runtime-adjustable configuration. Rows in
// global_settings override the values built from the environment and the
// economy file. Tuning changes apply to sessions opened afterwards.
type GlobalSettings struct {
	SessionIdleTimeoutSeconds int
	SweepIntervalSeconds      int
	TapRatePerSecond          float64
	TapBurst                  int
	TapThrottleEnabled        bool
	Tuning                    Tuning
}

func defaultGlobalSettings() GlobalSettings {
	return GlobalSettings{
		SessionIdleTimeoutSeconds: 300,
		SweepIntervalSeconds:      30,
		TapRatePerSecond:          20,
		TapBurst:                  40,
		TapThrottleEnabled:        true,
		Tuning:                    defaultTuning(),
	}
}

var (
	settingsMu     sync.RWMutex
	cachedSettings = defaultGlobalSettings()
)

// LoadGlobalSettings resets the cache to base and applies every stored row.
func LoadGlobalSettings(db *sql.DB, base GlobalSettings) error {
	rows, err := db.Query(`
		SELECT key, value
		FROM global_settings
	`)
	if err != nil {
		settingsMu.Lock()
		cachedSettings = base
		settingsMu.Unlock()
		return err
	}
	defer rows.Close()

	settingsMu.Lock()
	defer settingsMu.Unlock()

	cachedSettings = base
	for rows.Next() {
		var key string
		var value string
		if err := rows.Scan(&key, &value); err != nil {
			continue
		}
		applySetting(&cachedSettings, key, value)
	}
	cachedSettings.Tuning = cachedSettings.Tuning.normalized()
	return rows.Err()
}

func GetGlobalSettings() GlobalSettings {
	settingsMu.RLock()
	defer settingsMu.RUnlock()
	return cachedSettings
}

func UpdateGlobalSettings(db *sql.DB, updates map[string]string) (GlobalSettings, error) {
	settingsMu.Lock()
	defer settingsMu.Unlock()
	for key, value := range updates {
		if !knownSetting(key) {
			continue
		}
		applySetting(&cachedSettings, key, value)
		_, err := db.Exec(`
			INSERT INTO global_settings (key, value, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
		`, normalizeSettingKey(key), value)
		if err != nil {
			return cachedSettings, err
		}
	}
	cachedSettings.Tuning = cachedSettings.Tuning.normalized()
	return cachedSettings, nil
}

func normalizeSettingKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

var settingKeys = map[string]struct{}{
	"session_idle_timeout_seconds": {},
	"sweep_interval_seconds":       {},
	"tap_rate_per_second":          {},
	"tap_burst":                    {},
	"tap_throttle_enabled":         {},
	"base_reward":                  {},
	"level_scaling":                {},
	"combo_step":                   {},
	"combo_cap_multiplier":         {},
	"max_combo":                    {},
	"combo_timeout_ms":             {},
	"base_crit_chance":             {},
	"crit_multiplier":              {},
	"energy_per_tap":               {},
	"energy_regen_per_second":      {},
	"starting_energy_max":          {},
	"max_boost_multiplier":         {},
	"debounce_ms":                  {},
	"max_flush_interval_ms":        {},
	"flush_timeout_ms":             {},
	"max_retries":                  {},
	"backoff_base_ms":              {},
	"backoff_max_ms":               {},
}

func knownSetting(key string) bool {
	_, ok := settingKeys[normalizeSettingKey(key)]
	return ok
}

func applySetting(target *GlobalSettings, key string, value string) {
	value = strings.TrimSpace(value)
	setInt := func(dst *int) {
		if v, err := strconv.Atoi(value); err == nil {
			*dst = v
		}
	}
	setInt64 := func(dst *int64) {
		if v, err := strconv.ParseInt(value, 10, 64); err == nil {
			*dst = v
		}
	}
	setFloat := func(dst *float64) {
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			*dst = v
		}
	}

	t := &target.Tuning
	switch normalizeSettingKey(key) {
	case "session_idle_timeout_seconds":
		setInt(&target.SessionIdleTimeoutSeconds)
	case "sweep_interval_seconds":
		setInt(&target.SweepIntervalSeconds)
	case "tap_rate_per_second":
		setFloat(&target.TapRatePerSecond)
	case "tap_burst":
		setInt(&target.TapBurst)
	case "tap_throttle_enabled":
		if v, err := parseBool(value); err == nil {
			target.TapThrottleEnabled = v
		}
	case "base_reward":
		setFloat(&t.BaseReward)
	case "level_scaling":
		setFloat(&t.LevelScaling)
	case "combo_step":
		setFloat(&t.ComboStep)
	case "combo_cap_multiplier":
		setFloat(&t.ComboCapMultiplier)
	case "max_combo":
		setInt(&t.MaxCombo)
	case "combo_timeout_ms":
		setInt64(&t.ComboTimeoutMs)
	case "base_crit_chance":
		setFloat(&t.BaseCritChance)
	case "crit_multiplier":
		setInt64(&t.CritMultiplier)
	case "energy_per_tap":
		setInt64(&t.EnergyPerTap)
	case "energy_regen_per_second":
		setFloat(&t.EnergyRegenPerSecond)
	case "starting_energy_max":
		setInt64(&t.StartingEnergyMax)
	case "max_boost_multiplier":
		setFloat(&t.MaxBoostMultiplier)
	case "debounce_ms":
		setInt64(&t.Sync.DebounceMs)
	case "max_flush_interval_ms":
		setInt64(&t.Sync.MaxFlushIntervalMs)
	case "flush_timeout_ms":
		setInt64(&t.Sync.FlushTimeoutMs)
	case "max_retries":
		setInt(&t.Sync.MaxRetries)
	case "backoff_base_ms":
		setInt64(&t.Sync.BackoffBaseMs)
	case "backoff_max_ms":
		setInt64(&t.Sync.BackoffMaxMs)
	}
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off":
		return false, nil
	default:
		return false, strconv.ErrSyntax
	}
}

func (s GlobalSettings) sessionIdleTimeout() time.Duration {
	if s.SessionIdleTimeoutSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(s.SessionIdleTimeoutSeconds) * time.Second
}

func (s GlobalSettings) sweepInterval() time.Duration {
	if s.SweepIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.SweepIntervalSeconds) * time.Second
}
