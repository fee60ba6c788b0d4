package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

type BotConfig struct {
	PlayerID   string `json:"playerId"`
	Strategy   string `json:"strategy"`
	TapsPerRun int    `json:"tapsPerRun,omitempty"`
	Reserve    int64  `json:"reserve,omitempty"`
}

type BotState struct {
	Config    BotConfig
	Points    int64
	Energy    int64
	Taps      int
	Purchases int
}

type TapResponse struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Outcome *struct {
		Reward          int64 `json:"reward"`
		IsCritical      bool  `json:"isCritical"`
		ComboCountAfter int   `json:"comboCountAfter"`
		EnergyAfter     int64 `json:"energyAfter"`
		PointsAfter     int64 `json:"pointsAfter"`
	} `json:"outcome,omitempty"`
}

type PlayerResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	State *struct {
		Points    int64          `json:"points"`
		Energy    int64          `json:"energy"`
		EnergyMax int64          `json:"energyMax"`
		Level     int            `json:"level"`
		Upgrades  map[string]int `json:"upgrades"`
	} `json:"state,omitempty"`
}

type UpgradeQuote struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Level    int    `json:"level"`
	NextCost int64  `json:"nextCost,omitempty"`
	AtMax    bool   `json:"atMax"`
}

type UpgradesResponse struct {
	OK       bool           `json:"ok"`
	Error    string         `json:"error,omitempty"`
	Upgrades []UpgradeQuote `json:"upgrades,omitempty"`
}

type StateResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	State *struct {
		Points int64 `json:"points"`
	} `json:"state,omitempty"`
}

var errEnergyExhausted = errors.New("ENERGY_EXHAUSTED")

func main() {
	if !botsEnabled() {
		logInfo("bots disabled")
		return
	}

	baseURL := strings.TrimRight(strings.TrimSpace(os.Getenv("API_BASE_URL")), "/")
	if baseURL == "" {
		logError("API_BASE_URL is required")
		os.Exit(1)
	}

	bots, err := loadBots()
	if err != nil {
		logError(fmt.Sprintf("failed to load bots: %v", err))
		os.Exit(1)
	}
	if len(bots) == 0 {
		logInfo("no bots configured")
		return
	}

	minDelay := parseEnvInt("BOT_TAP_MIN_MS", 80)
	maxDelay := parseEnvInt("BOT_TAP_MAX_MS", 400)
	actionProbability := parseEnvFloat("BOT_ACTION_PROBABILITY", 1.0)
	defaultTaps := parseEnvInt("BOT_TAPS_PER_RUN", 50)

	states := make([]*BotState, 0, len(bots))
	for _, bot := range bots {
		if bot.TapsPerRun <= 0 {
			bot.TapsPerRun = defaultTaps
		}
		states = append(states, &BotState{Config: bot})
	}

	rand.Seed(time.Now().UnixNano())
	shuffle(states)

	client := &http.Client{Timeout: 15 * time.Second}

	for _, bot := range states {
		if rand.Float64() > actionProbability {
			continue
		}
		if err := runBot(client, baseURL, bot, minDelay, maxDelay); err != nil {
			logError(fmt.Sprintf("%s: %v", bot.Config.PlayerID, err))
		}
		logInfo(fmt.Sprintf("%s done: taps=%d purchases=%d points=%d", bot.Config.PlayerID, bot.Taps, bot.Purchases, bot.Points))
	}
}

func runBot(client *http.Client, baseURL string, bot *BotState, minDelay int, maxDelay int) error {
	if err := fetchPlayerState(client, baseURL, bot); err != nil {
		return fmt.Errorf("player fetch failed: %w", err)
	}

	for bot.Taps < bot.Config.TapsPerRun {
		err := tap(client, baseURL, bot)
		if errors.Is(err, errEnergyExhausted) {
			logInfo(fmt.Sprintf("%s out of energy after %d taps", bot.Config.PlayerID, bot.Taps))
			break
		}
		if err != nil {
			return fmt.Errorf("tap failed: %w", err)
		}
		sleepJitter(minDelay, maxDelay)
	}

	for {
		quotes, err := fetchUpgrades(client, baseURL, bot)
		if err != nil {
			return fmt.Errorf("upgrades fetch failed: %w", err)
		}
		choice := decidePurchase(bot, quotes)
		if choice == "" {
			break
		}
		if err := purchase(client, baseURL, bot, choice); err != nil {
			return fmt.Errorf("purchase %s failed: %w", choice, err)
		}
		logInfo(fmt.Sprintf("%s bought %s", bot.Config.PlayerID, choice))
		bot.Purchases++
	}

	return closeSession(client, baseURL, bot)
}

func botsEnabled() bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv("BOTS_ENABLED")))
	if value == "" {
		return true
	}
	return value == "true" || value == "1" || value == "yes" || value == "on"
}

func loadBots() ([]BotConfig, error) {
	if raw := strings.TrimSpace(os.Getenv("BOT_LIST")); raw != "" {
		var bots []BotConfig
		if err := json.Unmarshal([]byte(raw), &bots); err != nil {
			return nil, err
		}
		return bots, nil
	}
	if raw := strings.TrimSpace(os.Getenv("BOT_LIST_PATH")); raw != "" {
		path := filepath.Clean(raw)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var bots []BotConfig
		if err := json.Unmarshal(data, &bots); err != nil {
			return nil, err
		}
		return bots, nil
	}
	return nil, nil
}

func fetchPlayerState(client *http.Client, baseURL string, bot *BotState) error {
	res, err := client.Get(baseURL + "/player?playerId=" + bot.Config.PlayerID)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	var response PlayerResponse
	if err := decodeJSON(res.Body, &response); err != nil {
		return err
	}
	if !response.OK || response.State == nil {
		return errors.New(response.Error)
	}
	bot.Points = response.State.Points
	bot.Energy = response.State.Energy
	return nil
}

func tap(client *http.Client, baseURL string, bot *BotState) error {
	var response TapResponse
	if err := postJSON(client, baseURL+"/tap", map[string]string{"playerId": bot.Config.PlayerID}, &response); err != nil {
		return err
	}
	if !response.OK {
		if response.Error == errEnergyExhausted.Error() {
			return errEnergyExhausted
		}
		return errors.New(response.Error)
	}
	bot.Taps++
	if response.Outcome != nil {
		bot.Points = response.Outcome.PointsAfter
		bot.Energy = response.Outcome.EnergyAfter
	}
	return nil
}

func fetchUpgrades(client *http.Client, baseURL string, bot *BotState) ([]UpgradeQuote, error) {
	res, err := client.Get(baseURL + "/upgrades?playerId=" + bot.Config.PlayerID)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	var response UpgradesResponse
	if err := decodeJSON(res.Body, &response); err != nil {
		return nil, err
	}
	if !response.OK {
		return nil, errors.New(response.Error)
	}
	return response.Upgrades, nil
}

func purchase(client *http.Client, baseURL string, bot *BotState, upgradeID string) error {
	var response StateResponse
	payload := map[string]string{"playerId": bot.Config.PlayerID, "upgradeId": upgradeID}
	if err := postJSON(client, baseURL+"/purchase-upgrade", payload, &response); err != nil {
		return err
	}
	if !response.OK {
		return errors.New(response.Error)
	}
	if response.State != nil {
		bot.Points = response.State.Points
	}
	return nil
}

func closeSession(client *http.Client, baseURL string, bot *BotState) error {
	var response struct {
		OK    bool   `json:"ok"`
		Error string `json:"error,omitempty"`
	}
	if err := postJSON(client, baseURL+"/session/close", map[string]string{"playerId": bot.Config.PlayerID}, &response); err != nil {
		return err
	}
	if !response.OK {
		return errors.New(response.Error)
	}
	return nil
}

// decidePurchase picks the next upgrade to buy, or "" to stop.
func decidePurchase(bot *BotState, quotes []UpgradeQuote) string {
	budget := bot.Points - bot.Config.Reserve
	affordable := make([]UpgradeQuote, 0, len(quotes))
	for _, quote := range quotes {
		if quote.AtMax || quote.NextCost <= 0 || quote.NextCost > budget {
			continue
		}
		affordable = append(affordable, quote)
	}
	if len(affordable) == 0 {
		return ""
	}
	sort.SliceStable(affordable, func(i, j int) bool {
		return affordable[i].NextCost < affordable[j].NextCost
	})

	switch bot.Config.Strategy {
	case "tap_power_focus":
		for _, quote := range affordable {
			if quote.Type == "perTap" {
				return quote.ID
			}
		}
		return ""
	case "saver":
		// Only buys when the purchase leaves at least half the points.
		if affordable[0].NextCost*2 <= budget {
			return affordable[0].ID
		}
		return ""
	default:
		return affordable[0].ID
	}
}

func postJSON(client *http.Client, url string, payload interface{}, target interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	return decodeJSON(res.Body, target)
}

func decodeJSON(reader io.Reader, target interface{}) error {
	decoder := json.NewDecoder(reader)
	return decoder.Decode(target)
}

func sleepJitter(minMs int, maxMs int) {
	if minMs <= 0 {
		return
	}
	if maxMs < minMs {
		maxMs = minMs
	}
	jitter := rand.Intn(maxMs-minMs+1) + minMs
	time.Sleep(time.Duration(jitter) * time.Millisecond)
}

func shuffle(states []*BotState) {
	rand.Shuffle(len(states), func(i, j int) {
		states[i], states[j] = states[j], states[i]
	})
}

func parseEnvInt(key string, fallback int) int {
	if raw := strings.TrimSpace(os.Getenv(key)); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			return parsed
		}
	}
	return fallback
}

func parseEnvFloat(key string, fallback float64) float64 {
	if raw := strings.TrimSpace(os.Getenv(key)); raw != "" {
		if parsed, err := strconv.ParseFloat(raw, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func logInfo(message string) {
	fmt.Printf("[INFO] %s %s\n", time.Now().Format(time.RFC3339), message)
}

func logError(message string) {
	fmt.Printf("[ERROR] %s %s\n", time.Now().Format(time.RFC3339), message)
}
