package main

import (
	"context"
	"database/sql"
	"log"
	"time"
)

const startupAdvisoryLockID int64 = 824173921

var startupLockConn *sql.Conn

func acquireStartupLock(ctx context.Context, db *sql.DB) (*sql.Conn, bool, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, false, err
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, startupAdvisoryLockID).Scan(&acquired); err != nil {
		_ = conn.Close()
		return nil, false, err
	}
	if !acquired {
		_ = conn.Close()
		return nil, false, nil
	}
	return conn, true, nil
}

// seedEconomyCatalog copies the file catalog into the tables. Only the
// instance holding the startup lock runs it.
func seedEconomyCatalog(ctx context.Context, db *sql.DB, upgrades []UpgradeDefinition, characters []Character) error {
	seedCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := seedCatalog(seedCtx, db, upgrades, characters); err != nil {
		return err
	}
	log.Println("Catalog seeded:", len(upgrades), "upgrades,", len(characters), "characters")
	return nil
}

// loadEconomyCatalog overlays the table rows on the file catalog.
func loadEconomyCatalog(ctx context.Context, db *sql.DB, upgrades []UpgradeDefinition, characters []Character) ([]UpgradeDefinition, []Character, error) {
	rowUpgrades, rowCharacters, err := loadCatalogRows(ctx, db)
	if err != nil {
		return upgrades, characters, err
	}
	return mergeUpgrades(upgrades, rowUpgrades), mergeCharacters(characters, rowCharacters), nil
}

func updateStartupHeartbeat(db *sql.DB, now time.Time) {
	_, err := db.Exec(`
		INSERT INTO global_settings (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`, "leader_started_utc", now.UTC().Format(time.RFC3339))
	if err != nil {
		log.Println("startup heartbeat update failed:", err)
	}
}
