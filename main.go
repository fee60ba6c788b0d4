package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/invopop/jsonschema"
	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"
)

/* ======================
   Request / Response Types
   ====================== */

type TapRequest struct {
	PlayerID        string  `json:"playerId"`
	ExpectedVersion *uint64 `json:"expectedVersion,omitempty"`
}

type TapResponse struct {
	OK      bool        `json:"ok"`
	Error   string      `json:"error,omitempty"`
	Outcome *TapOutcome `json:"outcome,omitempty"`
}

type PurchaseUpgradeRequest struct {
	PlayerID        string  `json:"playerId"`
	UpgradeID       string  `json:"upgradeId"`
	ExpectedVersion *uint64 `json:"expectedVersion,omitempty"`
}

type SessionRequest struct {
	PlayerID string `json:"playerId"`
}

type SelectCharacterRequest struct {
	PlayerID    string `json:"playerId"`
	CharacterID string `json:"characterId"`
}

type GrantBoostRequest struct {
	PlayerID        string  `json:"playerId"`
	Multiplier      float64 `json:"multiplier"`
	DurationSeconds int64   `json:"durationSeconds"`
}

type StateResponse struct {
	OK    bool                `json:"ok"`
	Error string              `json:"error,omitempty"`
	State *PlayerEconomyState `json:"state,omitempty"`
}

type PlayerResponse struct {
	OK             bool                `json:"ok"`
	Error          string              `json:"error,omitempty"`
	State          *PlayerEconomyState `json:"state,omitempty"`
	DisplayedCombo int                 `json:"displayedCombo"`
	NextLevelCost  int64               `json:"nextLevelCost,omitempty"`
	Sync           SyncStatus          `json:"sync"`
}

type UpgradeQuote struct {
	UpgradeDefinition
	Level     int     `json:"level"`
	Value     float64 `json:"value"`
	NextCost  int64   `json:"nextCost,omitempty"`
	AtMax     bool    `json:"atMax"`
	CanAfford bool    `json:"canAfford"`
}

type UpgradesResponse struct {
	OK       bool           `json:"ok"`
	Error    string         `json:"error,omitempty"`
	Upgrades []UpgradeQuote `json:"upgrades,omitempty"`
}

type SyncStatusResponse struct {
	OK           bool        `json:"ok"`
	Error        string      `json:"error,omitempty"`
	LocalVersion uint64      `json:"localVersion,omitempty"`
	Sync         *SyncStatus `json:"sync,omitempty"`
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "config-schema" {
		if err := writeConfigSchema(os.Stdout); err != nil {
			log.Fatal("failed to write schema:", err)
		}
		return
	}

	// Environment
	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "local"
	}
	log.Println("App environment:", env)

	tuning, fileUpgrades, fileCharacters, err := loadEconomyFile(os.Getenv("ECONOMY_CONFIG_PATH"))
	if err != nil {
		log.Fatal("Failed to load economy config:", err)
	}
	log.Println("Economy config:", len(fileUpgrades), "upgrades,", len(fileCharacters), "characters")

	adminKey := strings.TrimSpace(os.Getenv("ADMIN_KEY"))
	if adminKey == "" {
		log.Println("ADMIN_KEY not set; admin routes disabled")
	}

	// Database
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is not set")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		log.Fatal("failed to open database:", err)
	}
	db.SetMaxOpenConns(parseEnvInt("DB_MAX_OPEN_CONNS", 10))
	db.SetMaxIdleConns(parseEnvInt("DB_MAX_IDLE_CONNS", 10))
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		log.Fatal("failed to ping database:", err)
	}
	log.Println("Connected to PostgreSQL")

	// Schema (all instances; statements are idempotent)
	if err := ensureSchema(db); err != nil {
		log.Fatal("Failed to ensure schema:", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lockConn, acquired, err := acquireStartupLock(ctx, db)
	if err != nil {
		log.Fatal("Failed to acquire startup lock:", err)
	}
	if acquired {
		startupLockConn = lockConn
		log.Println("Startup lock acquired; seeding catalog")
		if err := seedEconomyCatalog(ctx, db, fileUpgrades, fileCharacters); err != nil {
			log.Fatal("Failed to seed catalog:", err)
		}
		updateStartupHeartbeat(db, time.Now())
	} else {
		log.Println("Startup lock held by another instance; skipping leader-only initialization")
	}

	upgrades, characters, err := loadEconomyCatalog(ctx, db, fileUpgrades, fileCharacters)
	if err != nil {
		log.Println("Failed to load catalog rows; using file catalog:", err)
	}
	catalog := NewStaticCatalog(upgrades, characters, tuning.DefaultCharacterBonus)

	base := defaultGlobalSettings()
	base.Tuning = tuning
	applyEnvSettings(&base)
	if err := LoadGlobalSettings(db, base); err != nil {
		log.Println("Failed to load global settings:", err)
	}
	settings := GetGlobalSettings()
	log.Printf("ECONOMY_CONFIG: debounce=%dms max_flush=%dms retries=%d idle_timeout=%s",
		settings.Tuning.Sync.DebounceMs, settings.Tuning.Sync.MaxFlushIntervalMs,
		settings.Tuning.Sync.MaxRetries, settings.sessionIdleTimeout())

	throttle := newTapThrottle(settings.TapRatePerSecond, settings.TapBurst)
	hub := NewSessionHub(SessionHubConfig{
		Backend:  NewPostgresBackend(db),
		Catalog:  catalog,
		Settings: GetGlobalSettings,
		Events:   dbEventRecorder{db: db},
		OnClosed: throttle.Forget,
	})

	// HTTP server
	mux := http.NewServeMux()
	registerRoutes(mux, db, hub, catalog, throttle, adminKey)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	addr := "0.0.0.0:" + port
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Println("Listening on", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return runSessionSweeper(gctx, hub, GetGlobalSettings)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Println("Shutting down; flushing", hub.Count(), "sessions")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Println("server shutdown:", err)
		}
		if err := hub.CloseAll(shutdownCtx); err != nil {
			log.Println("final flush incomplete:", err)
		}
		if startupLockConn != nil {
			_ = startupLockConn.Close()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatal(err)
	}
	log.Println("Shutdown complete")
}

/* ======================
   Routes
   ====================== */

func registerRoutes(mux *http.ServeMux, db *sql.DB, hub *SessionHub, catalog Catalog, throttle *tapThrottle, adminKey string) {
	clock := realClock{}
	stream := NewStreamHandler(hub, StreamHandlerConfig{})

	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/player", playerHandler(hub, clock))
	mux.HandleFunc("/tap", tapHandler(hub, throttle, clock))
	mux.HandleFunc("/purchase-upgrade", purchaseUpgradeHandler(hub))
	mux.HandleFunc("/level-up", levelUpHandler(hub))
	mux.HandleFunc("/select-character", selectCharacterHandler(hub))
	mux.HandleFunc("/grant-boost", grantBoostHandler(hub, adminKey, clock))
	mux.HandleFunc("/upgrades", upgradesHandler(hub, catalog))
	mux.HandleFunc("/sync-status", syncStatusHandler(hub))
	mux.HandleFunc("/session/close", sessionCloseHandler(hub))
	mux.HandleFunc("/stream", stream.Handle)
	mux.HandleFunc("/telemetry", telemetryHandler(db))
	mux.HandleFunc("/admin/settings", adminSettingsHandler(db, adminKey, throttle))
}

/* ======================
   Configuration
   ====================== */

// applyEnvSettings maps the environment onto the settings defaults. Rows in
// global_settings still take precedence.
func applyEnvSettings(target *GlobalSettings) {
	if raw := strings.TrimSpace(os.Getenv("SESSION_IDLE_TIMEOUT")); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			target.SessionIdleTimeoutSeconds = int(d.Seconds())
		} else {
			applySetting(target, "session_idle_timeout_seconds", raw)
		}
	}
	if raw := os.Getenv("TAP_RATE_PER_SECOND"); raw != "" {
		applySetting(target, "tap_rate_per_second", raw)
	}
	if raw := os.Getenv("TAP_RATE_BURST"); raw != "" {
		applySetting(target, "tap_burst", raw)
	}
	target.TapThrottleEnabled = target.TapThrottleEnabled && featureFlags.TapThrottle
}

func parseEnvInt(key string, fallback int) int {
	if raw := strings.TrimSpace(os.Getenv(key)); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			return parsed
		}
	}
	return fallback
}

func buildConfigSchema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
	}
	schema := reflector.Reflect(new(EconomyFile))
	schema.Title = "Tap Economy Config"
	schema.Description = "Validates the file named by ECONOMY_CONFIG_PATH"
	return schema
}

func writeConfigSchema(out io.Writer) error {
	data, err := json.MarshalIndent(buildConfigSchema(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	_, err = out.Write(append(data, '\n'))
	return err
}
