package main

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Catalog is the read-only configuration collaborator.
type Catalog interface {
	UpgradeDefinition(id string) (UpgradeDefinition, error)
	Upgrades() []UpgradeDefinition
	CharacterBonus(characterID string) float64
	CharacterLuck(characterID string) float64
	HasCharacter(characterID string) bool
}

// Character is a selectable character profile.
type Character struct {
	ID    string  `yaml:"id" json:"id"`
	Name  string  `yaml:"name" json:"name,omitempty"`
	Bonus float64 `yaml:"bonus" json:"bonus"`
	Luck  float64 `yaml:"luck" json:"luck"`
}

// EconomyFile is the layout of the ECONOMY_CONFIG_PATH YAML file.
type EconomyFile struct {
	Tuning     *Tuning             `yaml:"tuning,omitempty" json:"tuning,omitempty"`
	Upgrades   []UpgradeDefinition `yaml:"upgrades" json:"upgrades"`
	Characters []Character         `yaml:"characters" json:"characters"`
}

// StaticCatalog is an in-memory Catalog. Replace swaps its contents
// atomically so a reload never exposes a half-built catalog.
type StaticCatalog struct {
	mu           sync.RWMutex
	upgrades     map[string]UpgradeDefinition
	characters   map[string]Character
	defaultBonus float64
}

func NewStaticCatalog(upgrades []UpgradeDefinition, characters []Character, defaultBonus float64) *StaticCatalog {
	c := &StaticCatalog{}
	c.Replace(upgrades, characters, defaultBonus)
	return c
}

func (c *StaticCatalog) Replace(upgrades []UpgradeDefinition, characters []Character, defaultBonus float64) {
	byID := make(map[string]UpgradeDefinition, len(upgrades))
	for _, def := range upgrades {
		if def.ID == "" {
			continue
		}
		byID[def.ID] = def
	}
	chars := make(map[string]Character, len(characters))
	for _, ch := range characters {
		if ch.ID == "" {
			continue
		}
		chars[ch.ID] = ch
	}
	if defaultBonus <= 0 {
		defaultBonus = 1
	}

	c.mu.Lock()
	c.upgrades = byID
	c.characters = chars
	c.defaultBonus = defaultBonus
	c.mu.Unlock()
}

func (c *StaticCatalog) UpgradeDefinition(id string) (UpgradeDefinition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.upgrades[id]
	if !ok {
		return UpgradeDefinition{}, fmt.Errorf("%w: %q", errUnknownUpgrade, id)
	}
	return def, nil
}

func (c *StaticCatalog) Upgrades() []UpgradeDefinition {
	c.mu.RLock()
	out := make([]UpgradeDefinition, 0, len(c.upgrades))
	for _, def := range c.upgrades {
		out = append(out, def)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *StaticCatalog) CharacterBonus(characterID string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if ch, ok := c.characters[characterID]; ok && ch.Bonus > 0 {
		return ch.Bonus
	}
	return c.defaultBonus
}

func (c *StaticCatalog) CharacterLuck(characterID string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if ch, ok := c.characters[characterID]; ok && ch.Luck > 0 {
		return ch.Luck
	}
	return 0
}

func (c *StaticCatalog) HasCharacter(characterID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.characters[characterID]
	return ok
}

func defaultUpgrades() []UpgradeDefinition {
	return []UpgradeDefinition{
		{ID: UpgradeTapPower, Name: "Tap Power", Type: UpgradeTypeTap, BaseValue: 0, ValueIncrement: 1, BaseCost: 50, CostMultiplier: 1.15, MaxLevel: 100},
		{ID: UpgradePassiveIncome, Name: "Passive Income", Type: UpgradeTypePassive, BaseValue: 0, ValueIncrement: 1, BaseCost: 100, CostMultiplier: 1.2, MaxLevel: 100},
		{ID: UpgradeCriticalHit, Name: "Critical Hit", Type: UpgradeTypeCritical, BaseValue: 0, ValueIncrement: 2, BaseCost: 250, CostMultiplier: 1.35, MaxLevel: 25},
		{ID: UpgradeEnergyCapacity, Name: "Energy Capacity", Type: UpgradeTypeEnergy, BaseValue: 0, ValueIncrement: 100, BaseCost: 200, CostMultiplier: 1.25, MaxLevel: 50},
	}
}

// loadEconomyFile reads path. An empty path yields the built-in defaults.
func loadEconomyFile(path string) (Tuning, []UpgradeDefinition, []Character, error) {
	if strings.TrimSpace(path) == "" {
		return defaultTuning(), defaultUpgrades(), nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return defaultTuning(), nil, nil, err
	}
	return decodeEconomyFile(data)
}

// decodeEconomyFile starts from the built-in tuning so a file only needs the
// keys it changes. Unknown keys are an error so a typo in a tuning name does
// not silently fall back to a default.
func decodeEconomyFile(data []byte) (Tuning, []UpgradeDefinition, []Character, error) {
	tuning := defaultTuning()
	file := EconomyFile{Tuning: &tuning}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil && err != io.EOF {
		return defaultTuning(), nil, nil, fmt.Errorf("parse economy file: %w", err)
	}
	for i, def := range file.Upgrades {
		if def.ID == "" {
			return defaultTuning(), nil, nil, fmt.Errorf("upgrade #%d has no id", i)
		}
		if def.BaseCost < 0 {
			return defaultTuning(), nil, nil, fmt.Errorf("upgrade %s has negative baseCost", def.ID)
		}
	}
	upgrades := file.Upgrades
	if len(upgrades) == 0 {
		upgrades = defaultUpgrades()
	}
	if file.Tuning != nil {
		tuning = *file.Tuning
	}
	return tuning.normalized(), upgrades, file.Characters, nil
}

/* ======================
   Database overlay
   ====================== */

// loadCatalogRows reads the admin-maintained upgrade and character tables.
// Rows override file entries with the same id.
func loadCatalogRows(ctx context.Context, db *sql.DB) ([]UpgradeDefinition, []Character, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT upgrade_id, name, upgrade_type, base_value, value_increment,
			base_cost, cost_multiplier, max_level
		FROM upgrade_definitions
		ORDER BY upgrade_id
	`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var upgrades []UpgradeDefinition
	for rows.Next() {
		var def UpgradeDefinition
		if err := rows.Scan(&def.ID, &def.Name, &def.Type, &def.BaseValue, &def.ValueIncrement,
			&def.BaseCost, &def.CostMultiplier, &def.MaxLevel); err != nil {
			return nil, nil, err
		}
		upgrades = append(upgrades, def)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	charRows, err := db.QueryContext(ctx, `
		SELECT character_id, name, bonus, luck
		FROM characters
		ORDER BY character_id
	`)
	if err != nil {
		return nil, nil, err
	}
	defer charRows.Close()

	var characters []Character
	for charRows.Next() {
		var ch Character
		if err := charRows.Scan(&ch.ID, &ch.Name, &ch.Bonus, &ch.Luck); err != nil {
			return nil, nil, err
		}
		characters = append(characters, ch)
	}
	return upgrades, characters, charRows.Err()
}

func mergeUpgrades(base []UpgradeDefinition, overlay []UpgradeDefinition) []UpgradeDefinition {
	byID := make(map[string]UpgradeDefinition, len(base)+len(overlay))
	order := make([]string, 0, len(base)+len(overlay))
	for _, list := range [][]UpgradeDefinition{base, overlay} {
		for _, def := range list {
			if _, seen := byID[def.ID]; !seen {
				order = append(order, def.ID)
			}
			byID[def.ID] = def
		}
	}
	out := make([]UpgradeDefinition, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out
}

func mergeCharacters(base []Character, overlay []Character) []Character {
	byID := make(map[string]Character, len(base)+len(overlay))
	order := make([]string, 0, len(base)+len(overlay))
	for _, list := range [][]Character{base, overlay} {
		for _, ch := range list {
			if _, seen := byID[ch.ID]; !seen {
				order = append(order, ch.ID)
			}
			byID[ch.ID] = ch
		}
	}
	out := make([]Character, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out
}

// seedCatalog writes file entries that the tables do not have yet. Existing
// rows are left alone; the admin tooling owns them.
func seedCatalog(ctx context.Context, db *sql.DB, upgrades []UpgradeDefinition, characters []Character) error {
	for _, def := range upgrades {
		if _, err := db.ExecContext(ctx, `
			INSERT INTO upgrade_definitions (
				upgrade_id, name, upgrade_type, base_value, value_increment,
				base_cost, cost_multiplier, max_level, updated_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
			ON CONFLICT (upgrade_id) DO NOTHING
		`, def.ID, def.Name, def.Type, def.BaseValue, def.ValueIncrement,
			def.BaseCost, def.CostMultiplier, def.MaxLevel); err != nil {
			return err
		}
	}
	for _, ch := range characters {
		if _, err := db.ExecContext(ctx, `
			INSERT INTO characters (character_id, name, bonus, luck, updated_at)
			VALUES ($1, $2, $3, $4, NOW())
			ON CONFLICT (character_id) DO NOTHING
		`, ch.ID, ch.Name, ch.Bonus, ch.Luck); err != nil {
			return err
		}
	}
	return nil
}
