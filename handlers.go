package main

import (
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"
)

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func playerHandler(hub *SessionHub, clock Clock) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		playerID := r.URL.Query().Get("playerId")
		if !isValidPlayerID(playerID) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		var response PlayerResponse
		err := hub.Do(r.Context(), playerID, func(session *Session) error {
			now := clock.Now()
			state, err := session.Store.Regenerate(now)
			if err != nil {
				return err
			}
			response = PlayerResponse{
				OK:             true,
				State:          &state,
				DisplayedCombo: session.Store.DisplayedCombo(now),
				NextLevelCost:  levelUpCost(session.Store.Tuning(), state.Level),
				Sync:           session.Queue.Status(),
			}
			return nil
		})
		if err != nil {
			log.Println("Failed to open player session:", playerID, err)
			json.NewEncoder(w).Encode(PlayerResponse{OK: false, Error: errorCode(err)})
			return
		}
		json.NewEncoder(w).Encode(response)
	}
}

func tapHandler(hub *SessionHub, throttle *tapThrottle, clock Clock) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		var req TapRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			json.NewEncoder(w).Encode(TapResponse{OK: false, Error: "INVALID_REQUEST"})
			return
		}
		if !isValidPlayerID(req.PlayerID) {
			json.NewEncoder(w).Encode(TapResponse{OK: false, Error: "INVALID_PLAYER_ID"})
			return
		}
		if throttle != nil && featureFlags.TapThrottle && GetGlobalSettings().TapThrottleEnabled && !throttle.Allow(req.PlayerID) {
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(TapResponse{OK: false, Error: "RATE_LIMITED"})
			return
		}

		var outcome TapOutcome
		err := hub.Do(r.Context(), req.PlayerID, func(session *Session) error {
			var err error
			if req.ExpectedVersion != nil {
				outcome, err = session.Store.CompareAndApplyTap(*req.ExpectedVersion, clock.Now())
			} else {
				outcome, err = session.Store.ApplyTap(clock.Now())
			}
			return err
		})
		if err != nil {
			if !isRejection(err) {
				log.Println("tap failed:", req.PlayerID, err)
			}
			json.NewEncoder(w).Encode(TapResponse{OK: false, Error: errorCode(err)})
			return
		}

		json.NewEncoder(w).Encode(TapResponse{OK: true, Outcome: &outcome})
	}
}

func purchaseUpgradeHandler(hub *SessionHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		var req PurchaseUpgradeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			json.NewEncoder(w).Encode(StateResponse{OK: false, Error: "INVALID_REQUEST"})
			return
		}
		if !isValidPlayerID(req.PlayerID) {
			json.NewEncoder(w).Encode(StateResponse{OK: false, Error: "INVALID_PLAYER_ID"})
			return
		}
		if !isValidUpgradeID(req.UpgradeID) {
			json.NewEncoder(w).Encode(StateResponse{OK: false, Error: "UNKNOWN_UPGRADE"})
			return
		}

		var state PlayerEconomyState
		err := hub.Do(r.Context(), req.PlayerID, func(session *Session) error {
			var err error
			if req.ExpectedVersion != nil {
				state, err = session.Store.CompareAndApplyPurchase(*req.ExpectedVersion, req.UpgradeID)
			} else {
				state, err = session.Store.ApplyPurchase(req.UpgradeID)
			}
			return err
		})
		writeStateResult(w, req.PlayerID, state, err)
	}
}

func levelUpHandler(hub *SessionHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		var req SessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			json.NewEncoder(w).Encode(StateResponse{OK: false, Error: "INVALID_REQUEST"})
			return
		}
		if !isValidPlayerID(req.PlayerID) {
			json.NewEncoder(w).Encode(StateResponse{OK: false, Error: "INVALID_PLAYER_ID"})
			return
		}

		var state PlayerEconomyState
		err := hub.Do(r.Context(), req.PlayerID, func(session *Session) error {
			var err error
			state, err = session.Store.ApplyLevelUp()
			return err
		})
		writeStateResult(w, req.PlayerID, state, err)
	}
}

func selectCharacterHandler(hub *SessionHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		var req SelectCharacterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			json.NewEncoder(w).Encode(StateResponse{OK: false, Error: "INVALID_REQUEST"})
			return
		}
		if !isValidPlayerID(req.PlayerID) {
			json.NewEncoder(w).Encode(StateResponse{OK: false, Error: "INVALID_PLAYER_ID"})
			return
		}

		var state PlayerEconomyState
		err := hub.Do(r.Context(), req.PlayerID, func(session *Session) error {
			var err error
			state, err = session.Store.SelectCharacter(req.CharacterID)
			return err
		})
		writeStateResult(w, req.PlayerID, state, err)
	}
}

func grantBoostHandler(hub *SessionHub, adminKey string, clock Clock) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !adminAuthorized(r, adminKey) {
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(StateResponse{OK: false, Error: "FORBIDDEN"})
			return
		}

		var req GrantBoostRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			json.NewEncoder(w).Encode(StateResponse{OK: false, Error: "INVALID_REQUEST"})
			return
		}
		if !isValidPlayerID(req.PlayerID) {
			json.NewEncoder(w).Encode(StateResponse{OK: false, Error: "INVALID_PLAYER_ID"})
			return
		}

		duration := time.Duration(req.DurationSeconds) * time.Second
		var state PlayerEconomyState
		err := hub.Do(r.Context(), req.PlayerID, func(session *Session) error {
			var err error
			state, err = session.Store.ApplyBoost(req.Multiplier, duration, clock.Now())
			return err
		})
		if err == nil {
			log.Printf("boost granted: player=%s multiplier=%.2f duration=%s", req.PlayerID, state.BoostMultiplier, duration)
		}
		writeStateResult(w, req.PlayerID, state, err)
	}
}

func upgradesHandler(hub *SessionHub, catalog Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		playerID := r.URL.Query().Get("playerId")
		owned := map[string]int{}
		var points int64
		if playerID != "" {
			if !isValidPlayerID(playerID) {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			session, err := hub.Open(r.Context(), playerID)
			if err != nil {
				json.NewEncoder(w).Encode(UpgradesResponse{OK: false, Error: errorCode(err)})
				return
			}
			state := session.Store.Snapshot()
			owned = state.Upgrades
			points = state.Points
		}

		defs := catalog.Upgrades()
		quotes := make([]UpgradeQuote, 0, len(defs))
		for _, def := range defs {
			level := owned[def.ID]
			quote := UpgradeQuote{
				UpgradeDefinition: def,
				Level:             level,
				Value:             def.ValueAt(level),
				AtMax:             def.AtMax(level),
			}
			if !quote.AtMax {
				quote.NextCost = def.CostAt(level)
				quote.CanAfford = points >= quote.NextCost
			}
			quotes = append(quotes, quote)
		}

		json.NewEncoder(w).Encode(UpgradesResponse{OK: true, Upgrades: quotes})
	}
}

func syncStatusHandler(hub *SessionHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		playerID := r.URL.Query().Get("playerId")
		if !isValidPlayerID(playerID) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		session, ok := hub.Lookup(playerID)
		if !ok {
			json.NewEncoder(w).Encode(SyncStatusResponse{OK: false, Error: "NO_SESSION"})
			return
		}
		status := session.Queue.Status()
		json.NewEncoder(w).Encode(SyncStatusResponse{
			OK:           true,
			LocalVersion: session.Store.Version(),
			Sync:         &status,
		})
	}
}

func sessionCloseHandler(hub *SessionHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		var req SessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !isValidPlayerID(req.PlayerID) {
			json.NewEncoder(w).Encode(SyncStatusResponse{OK: false, Error: "INVALID_REQUEST"})
			return
		}

		if err := hub.Close(r.Context(), req.PlayerID); err != nil {
			json.NewEncoder(w).Encode(SyncStatusResponse{OK: false, Error: "FLUSH_FAILED"})
			return
		}
		json.NewEncoder(w).Encode(SyncStatusResponse{OK: true})
	}
}

func adminSettingsHandler(db *sql.DB, adminKey string, throttle *tapThrottle) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !adminAuthorized(r, adminKey) {
			w.WriteHeader(http.StatusForbidden)
			return
		}

		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(GetGlobalSettings())
		case http.MethodPost:
			var updates map[string]string
			if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			settings, err := UpdateGlobalSettings(db, updates)
			if err != nil {
				log.Println("settings update failed:", err)
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			if throttle != nil {
				throttle.Configure(settings.TapRatePerSecond, settings.TapBurst)
			}
			json.NewEncoder(w).Encode(settings)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}
}

func writeStateResult(w http.ResponseWriter, playerID string, state PlayerEconomyState, err error) {
	if err != nil {
		if !isRejection(err) {
			log.Println("economy action failed:", playerID, err)
		}
		json.NewEncoder(w).Encode(StateResponse{OK: false, Error: errorCode(err)})
		return
	}
	json.NewEncoder(w).Encode(StateResponse{OK: true, State: &state})
}

// adminAuthorized checks X-Admin-Key. An empty configured key disables the
// admin routes entirely.
func adminAuthorized(r *http.Request, adminKey string) bool {
	if adminKey == "" {
		return false
	}
	provided := strings.TrimSpace(r.Header.Get("X-Admin-Key"))
	return subtle.ConstantTimeCompare([]byte(provided), []byte(adminKey)) == 1
}
