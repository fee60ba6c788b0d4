package main

import (
	"database/sql"
)

func ensureSchema(db *sql.DB) error {
	// 1️⃣ tap_player_state table
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS tap_player_state (
			player_id TEXT PRIMARY KEY,
			character_id TEXT NOT NULL DEFAULT '',
			points BIGINT NOT NULL DEFAULT 0,
			energy BIGINT NOT NULL,
			energy_max BIGINT NOT NULL,
			energy_updated_at TIMESTAMPTZ NOT NULL,
			level INT NOT NULL DEFAULT 1,
			upgrades JSONB NOT NULL DEFAULT '{}'::jsonb,
			combo_count INT NOT NULL DEFAULT 0,
			last_action_at TIMESTAMPTZ,
			boost_multiplier DOUBLE PRECISION NOT NULL DEFAULT 1.0,
			boost_expires_at TIMESTAMPTZ,
			version BIGINT NOT NULL DEFAULT 1,
			last_local_version BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		ALTER TABLE tap_player_state
			ADD COLUMN IF NOT EXISTS last_local_version BIGINT NOT NULL DEFAULT 0;
	`)
	if err != nil {
		return err
	}

	// 2️⃣ upgrade_definitions table
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS upgrade_definitions (
			upgrade_id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			upgrade_type TEXT NOT NULL,
			base_value DOUBLE PRECISION NOT NULL DEFAULT 0,
			value_increment DOUBLE PRECISION NOT NULL DEFAULT 0,
			base_cost DOUBLE PRECISION NOT NULL,
			cost_multiplier DOUBLE PRECISION NOT NULL DEFAULT 1.0,
			max_level INT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	if err != nil {
		return err
	}

	// 3️⃣ characters table
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS characters (
			character_id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			bonus DOUBLE PRECISION NOT NULL DEFAULT 1.0,
			luck DOUBLE PRECISION NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	if err != nil {
		return err
	}

	// 4️⃣ global_settings table
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS global_settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	if err != nil {
		return err
	}

	// 5️⃣ economy_events table
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS economy_events (
			id BIGSERIAL PRIMARY KEY,
			player_id TEXT NOT NULL DEFAULT '',
			event_type TEXT NOT NULL,
			payload JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		CREATE INDEX IF NOT EXISTS economy_events_player_type_idx
			ON economy_events (player_id, event_type, created_at DESC);
	`)
	return err
}
