package main

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	streamWriteWait  = 5 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = 45 * time.Second
)

type StreamHandlerConfig struct {
	Logger *log.Logger
}

// StreamHandler pushes a player's committed state over a WebSocket. Each
// connection gets the current snapshot on connect and one message per
// mutation afterwards. When the session ends it sends a final "closed"
// message and closes the socket.
type StreamHandler struct {
	hub      *SessionHub
	logger   *log.Logger
	upgrader websocket.Upgrader
}

type streamMessage struct {
	Type  string              `json:"type"`
	State *PlayerEconomyState `json:"state,omitempty"`
	Sync  *SyncStatus         `json:"sync,omitempty"`
}

func NewStreamHandler(hub *SessionHub, cfg StreamHandlerConfig) *StreamHandler {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	return &StreamHandler{
		hub:      hub,
		logger:   logger,
		upgrader: upgrader,
	}
}

func (h *StreamHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if !featureFlags.Stream {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	playerID := r.URL.Query().Get("playerId")
	if !isValidPlayerID(playerID) {
		http.Error(w, "invalid playerId", http.StatusBadRequest)
		return
	}

	session, err := h.hub.Open(r.Context(), playerID)
	if err != nil {
		h.logger.Printf("stream: open session for %s: %v", playerID, err)
		http.Error(w, errorCode(err), http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("stream: upgrade failed for %s: %v", playerID, err)
		return
	}
	defer conn.Close()

	// Listeners run synchronously after each commit; a buffered channel
	// keeps a slow socket from stalling taps. When it is full the newest
	// snapshot replaces whatever is waiting.
	updates := make(chan PlayerEconomyState, 1)
	var dropMu sync.Mutex
	unsubscribe := session.Store.Subscribe(func(state PlayerEconomyState) {
		dropMu.Lock()
		defer dropMu.Unlock()
		select {
		case updates <- state:
		default:
			select {
			case <-updates:
			default:
			}
			updates <- state
		}
	})
	defer unsubscribe()

	initial := session.Store.Snapshot()
	status := session.Queue.Status()
	if err := h.write(conn, streamMessage{Type: "snapshot", State: &initial, Sync: &status}); err != nil {
		return
	}

	closed := make(chan struct{})
	go h.readPump(conn, closed)

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-session.Done():
			final := session.Store.Snapshot()
			status := session.Queue.Status()
			if err := h.write(conn, streamMessage{Type: "closed", State: &final, Sync: &status}); err != nil {
				return
			}
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
				time.Now().Add(streamWriteWait))
			return
		case state := <-updates:
			status := session.Queue.Status()
			if err := h.write(conn, streamMessage{Type: "state", State: &state, Sync: &status}); err != nil {
				h.logger.Printf("stream: write for %s failed: %v", playerID, err)
				return
			}
			session.touch(time.Now().UTC())
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			// An open stream keeps its session from being swept.
			session.touch(time.Now().UTC())
		}
	}
}

// readPump drains client frames so pongs and close frames are processed.
func (h *StreamHandler) readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(streamPongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *StreamHandler) write(conn *websocket.Conn, msg streamMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}
