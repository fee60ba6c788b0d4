package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// PostgresBackend stores player economy rows in tap_player_state.
type PostgresBackend struct {
	db *sql.DB
}

func NewPostgresBackend(db *sql.DB) *PostgresBackend {
	return &PostgresBackend{db: db}
}

const playerStateColumns = `
	player_id, character_id, points, energy, energy_max, energy_updated_at,
	level, upgrades, combo_count, last_action_at, boost_multiplier,
	boost_expires_at, version, last_local_version`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPlayerState(row rowScanner) (PlayerEconomyState, uint64, error) {
	var st PlayerEconomyState
	var upgrades []byte
	var lastAction sql.NullTime
	var boostExpires sql.NullTime
	var version int64
	var lastLocal int64

	err := row.Scan(
		&st.PlayerID,
		&st.CharacterID,
		&st.Points,
		&st.Energy,
		&st.EnergyMax,
		&st.EnergyUpdatedAt,
		&st.Level,
		&upgrades,
		&st.ComboCount,
		&lastAction,
		&st.BoostMultiplier,
		&boostExpires,
		&version,
		&lastLocal,
	)
	if err != nil {
		return PlayerEconomyState{}, 0, err
	}

	st.Upgrades = map[string]int{}
	if len(upgrades) > 0 {
		if err := json.Unmarshal(upgrades, &st.Upgrades); err != nil {
			return PlayerEconomyState{}, 0, fmt.Errorf("decode upgrades for %s: %w", st.PlayerID, err)
		}
	}
	if lastAction.Valid {
		st.LastActionAt = lastAction.Time.UTC()
	}
	if boostExpires.Valid {
		expires := boostExpires.Time.UTC()
		st.BoostExpiresAt = &expires
	}
	st.EnergyUpdatedAt = st.EnergyUpdatedAt.UTC()
	st.LocalVersion = uint64(lastLocal)
	return st, uint64(version), nil
}

// LoadState returns the stored row, creating it from defaults on first
// sight. The returned state's LocalVersion continues from the last version
// any session wrote so versions are never reused across sessions.
func (b *PostgresBackend) LoadState(ctx context.Context, playerID string, defaults PlayerEconomyState) (PlayerEconomyState, uint64, error) {
	st, version, err := scanPlayerState(b.db.QueryRowContext(ctx, `
		SELECT `+playerStateColumns+`
		FROM tap_player_state
		WHERE player_id = $1
	`, playerID))
	if err == nil {
		return st, version, nil
	}
	if err != sql.ErrNoRows {
		return PlayerEconomyState{}, 0, err
	}

	upgrades, err := json.Marshal(nonNilUpgrades(defaults.Upgrades))
	if err != nil {
		return PlayerEconomyState{}, 0, err
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO tap_player_state (
			player_id,
			character_id,
			points,
			energy,
			energy_max,
			energy_updated_at,
			level,
			upgrades,
			combo_count,
			boost_multiplier,
			version,
			last_local_version,
			created_at,
			updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, 1, 0, NOW(), NOW())
		ON CONFLICT (player_id) DO NOTHING
	`, playerID, defaults.CharacterID, defaults.Points, defaults.Energy, defaults.EnergyMax,
		defaults.EnergyUpdatedAt, defaults.Level, string(upgrades), defaults.BoostMultiplier)
	if err != nil {
		return PlayerEconomyState{}, 0, err
	}

	return scanPlayerState(b.db.QueryRowContext(ctx, `
		SELECT `+playerStateColumns+`
		FROM tap_player_state
		WHERE player_id = $1
	`, playerID))
}

// PatchState applies the requested fields under a row lock. A LocalVersion
// the row has already seen is answered with the current record, which makes
// a retried write after a lost response harmless.
func (b *PostgresBackend) PatchState(ctx context.Context, req PatchRequest) (PatchResult, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return PatchResult{}, err
	}
	defer tx.Rollback()

	current, version, err := scanPlayerState(tx.QueryRowContext(ctx, `
		SELECT `+playerStateColumns+`
		FROM tap_player_state
		WHERE player_id = $1
		FOR UPDATE
	`, req.PlayerID))
	if err == sql.ErrNoRows {
		return PatchResult{}, fmt.Errorf("%w: %s", errUnknownPlayer, req.PlayerID)
	}
	if err != nil {
		return PatchResult{}, err
	}

	if req.LocalVersion <= current.LocalVersion {
		if err := tx.Commit(); err != nil {
			return PatchResult{}, err
		}
		return PatchResult{AcceptedFields: req.Fields, AuthoritativeVersion: version, Authoritative: current}, nil
	}
	if version != req.ExpectedVersion {
		return PatchResult{}, &VersionConflictError{
			ExpectedVersion: req.ExpectedVersion,
			Current:         current,
			CurrentVersion:  version,
		}
	}

	assignments, args, accepted, err := buildPatchAssignments(req.Fields, req.State, current)
	if err != nil {
		return PatchResult{}, err
	}
	args = append(args, req.PlayerID, int64(req.LocalVersion))
	query := fmt.Sprintf(`
		UPDATE tap_player_state
		SET %s
		WHERE player_id = $%d
		RETURNING %s
	`, strings.Join(append(assignments,
		"version = version + 1",
		fmt.Sprintf("last_local_version = $%d", len(args)),
		"updated_at = NOW()",
	), ",\n\t\t\t"), len(args)-1, playerStateColumns)

	updated, newVersion, err := scanPlayerState(tx.QueryRowContext(ctx, query, args...))
	if err != nil {
		return PatchResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return PatchResult{}, err
	}

	return PatchResult{
		AcceptedFields:       accepted,
		AuthoritativeVersion: newVersion,
		Authoritative:        updated,
	}, nil
}

// buildPatchAssignments renders the SET list for fields. Values are clamped
// the way the store enforces them: energy never exceeds the cap that will
// be in effect after the write, points never go negative.
func buildPatchAssignments(fields StateField, st PlayerEconomyState, current PlayerEconomyState) ([]string, []interface{}, StateField, error) {
	var assignments []string
	var args []interface{}
	var accepted StateField
	add := func(column string, value interface{}) {
		args = append(args, value)
		assignments = append(assignments, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	energyMax := current.EnergyMax
	if fields.Has(FieldEnergyMax) && st.EnergyMax > 0 {
		energyMax = st.EnergyMax
		add("energy_max", st.EnergyMax)
		accepted |= FieldEnergyMax
	}
	if fields.Has(FieldPoints) {
		points := st.Points
		if points < 0 {
			points = 0
		}
		add("points", points)
		accepted |= FieldPoints
	}
	if fields.Has(FieldEnergy) {
		add("energy", clampEnergy(st.Energy, energyMax))
		add("energy_updated_at", st.EnergyUpdatedAt)
		accepted |= FieldEnergy
	} else if energyMax < current.Energy {
		add("energy", energyMax)
	}
	if fields.Has(FieldLevel) && st.Level >= 1 {
		add("level", st.Level)
		accepted |= FieldLevel
	}
	if fields.Has(FieldUpgrades) {
		encoded, err := json.Marshal(nonNilUpgrades(st.Upgrades))
		if err != nil {
			return nil, nil, 0, err
		}
		add("upgrades", string(encoded))
		accepted |= FieldUpgrades
	}
	if fields.Has(FieldCombo) {
		add("combo_count", st.ComboCount)
		accepted |= FieldCombo
	}
	if fields.Has(FieldLastAction) {
		add("last_action_at", nullableTime(st.LastActionAt))
		accepted |= FieldLastAction
	}
	if fields.Has(FieldBoost) {
		add("boost_multiplier", st.BoostMultiplier)
		add("boost_expires_at", optionalTime(st.BoostExpiresAt))
		accepted |= FieldBoost
	}
	if fields.Has(FieldCharacter) {
		add("character_id", st.CharacterID)
		accepted |= FieldCharacter
	}
	return assignments, args, accepted, nil
}

func nonNilUpgrades(upgrades map[string]int) map[string]int {
	if upgrades == nil {
		return map[string]int{}
	}
	return upgrades
}

func nullableTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func optionalTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
