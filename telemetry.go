package main

import (
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"time"
)

type TelemetryEventRequest struct {
	PlayerID  string          `json:"playerId"`
	EventType string          `json:"eventType"`
	Payload   json.RawMessage `json:"payload"`
}

// EventRecorder writes economy events. The session hub reports queue
// degradation and recovery through it.
type EventRecorder interface {
	Record(playerID string, eventType string, payload map[string]interface{})
	RecordWithCooldown(playerID string, eventType string, payload map[string]interface{}, cooldown time.Duration)
}

type dbEventRecorder struct {
	db *sql.DB
}

func (r dbEventRecorder) Record(playerID string, eventType string, payload map[string]interface{}) {
	emitServerTelemetry(r.db, playerID, eventType, payload)
}

func (r dbEventRecorder) RecordWithCooldown(playerID string, eventType string, payload map[string]interface{}, cooldown time.Duration) {
	emitServerTelemetryWithCooldown(r.db, playerID, eventType, payload, cooldown)
}

func emitServerTelemetry(db *sql.DB, playerID string, eventType string, payload map[string]interface{}) {
	if db == nil || eventType == "" {
		return
	}
	if !featureFlags.Telemetry {
		log.Println("telemetry disabled:", eventType, payload)
		return
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		log.Println("telemetry marshal failed:", err)
		return
	}
	_, err = db.Exec(`
		INSERT INTO economy_events (player_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, NOW())
	`, playerID, eventType, string(encoded))
	if err != nil {
		log.Println("telemetry insert failed:", err)
	}
}

func emitServerTelemetryWithCooldown(db *sql.DB, playerID string, eventType string, payload map[string]interface{}, cooldown time.Duration) {
	if db == nil || eventType == "" {
		return
	}
	if cooldown > 0 {
		var last time.Time
		err := db.QueryRow(`
			SELECT created_at
			FROM economy_events
			WHERE player_id = $1 AND event_type = $2
			ORDER BY created_at DESC
			LIMIT 1
		`, playerID, eventType).Scan(&last)
		if err == nil && time.Since(last) < cooldown {
			return
		}
	}
	emitServerTelemetry(db, playerID, eventType, payload)
}

func telemetryHandler(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !featureFlags.Telemetry {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		var req TelemetryEventRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req.EventType == "" || (req.PlayerID != "" && !isValidPlayerID(req.PlayerID)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		var payload interface{}
		if len(req.Payload) > 0 {
			payload = string(req.Payload)
		}
		_, _ = db.Exec(`
			INSERT INTO economy_events (player_id, event_type, payload, created_at)
			VALUES ($1, $2, $3, NOW())
		`, req.PlayerID, "client:"+req.EventType, payload)

		w.WriteHeader(http.StatusNoContent)
	}
}
