package main

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Session is one player's live economy: the store the handlers mutate and
// the queue that persists it.
type Session struct {
	PlayerID string
	Store    *OptimisticStore
	Queue    *SyncQueue

	mu       sync.Mutex
	lastSeen time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// Done is closed once the hub has torn the session down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) markClosed() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	if now.After(s.lastSeen) {
		s.lastSeen = now
	}
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

type SessionHubConfig struct {
	Backend   StateBackend
	Catalog   Catalog
	Settings  func() GlobalSettings
	Clock     Clock
	Scheduler Scheduler
	Events    EventRecorder
	Logger    *log.Logger
	NewRandom func() RandomSource

	// OnClosed runs after a session is torn down.
	OnClosed func(playerID string)
}

// SessionHub keeps at most one Session per player in this process.
type SessionHub struct {
	cfg    SessionHubConfig
	logger *log.Logger
	group  singleflight.Group

	mu       sync.Mutex
	sessions map[string]*Session
	closing  map[string]chan struct{}
	shutdown bool
}

func NewSessionHub(cfg SessionHubConfig) *SessionHub {
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = realScheduler{}
	}
	if cfg.Settings == nil {
		cfg.Settings = GetGlobalSettings
	}
	if cfg.NewRandom == nil {
		cfg.NewRandom = newSessionRandom
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &SessionHub{
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*Session),
		closing:  make(map[string]chan struct{}),
	}
}

func newSessionRandom() RandomSource {
	var seed [8]byte
	if _, err := cryptorand.Read(seed[:]); err != nil {
		return rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return rand.New(rand.NewSource(int64(binary.LittleEndian.Uint64(seed[:]))))
}

// Open returns the player's session, loading it from the backend on first
// use. Concurrent opens for the same player share one load.
func (h *SessionHub) Open(ctx context.Context, playerID string) (*Session, error) {
	for {
		h.mu.Lock()
		if h.shutdown {
			h.mu.Unlock()
			return nil, errSessionClosed
		}
		if session, ok := h.sessions[playerID]; ok {
			h.mu.Unlock()
			session.touch(h.cfg.Clock.Now())
			return session, nil
		}
		wait, closing := h.closing[playerID]
		h.mu.Unlock()
		if !closing {
			break
		}
		// A session that is still writing its final flush must finish
		// before the row is loaded again.
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrPersistenceTransient, ctx.Err())
		}
	}

	result, err, _ := h.group.Do(playerID, func() (interface{}, error) {
		return h.load(ctx, playerID)
	})
	if err != nil {
		return nil, err
	}
	session := result.(*Session)
	session.touch(h.cfg.Clock.Now())
	return session, nil
}

func (h *SessionHub) load(ctx context.Context, playerID string) (*Session, error) {
	h.mu.Lock()
	if session, ok := h.sessions[playerID]; ok {
		h.mu.Unlock()
		return session, nil
	}
	h.mu.Unlock()

	tuning := h.cfg.Settings().Tuning.normalized()
	now := h.cfg.Clock.Now()

	loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), tuning.Sync.flushTimeout())
	defer cancel()
	state, version, err := h.cfg.Backend.LoadState(loadCtx, playerID, newPlayerState(playerID, tuning, now))
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", playerID, classifyPersistenceError(err))
	}
	state.PlayerID = playerID

	store := NewOptimisticStore(state, tuning, h.cfg.Catalog, h.cfg.NewRandom())
	queue := NewSyncQueue(SyncQueueConfig{
		PlayerID:      playerID,
		Backend:       h.cfg.Backend,
		Reconciler:    store,
		Clock:         h.cfg.Clock,
		Scheduler:     h.cfg.Scheduler,
		Tuning:        tuning.Sync,
		RemoteVersion: version,
		RemoteState:   state,
		Logger:        h.logger,
		OnDegraded:    h.onDegraded,
		OnRecovered:   h.onRecovered,
	})
	store.AttachSink(queue)

	session := &Session{PlayerID: playerID, Store: store, Queue: queue, lastSeen: now, done: make(chan struct{})}

	h.mu.Lock()
	if h.shutdown {
		h.mu.Unlock()
		store.Close()
		session.markClosed()
		return nil, errSessionClosed
	}
	h.sessions[playerID] = session
	count := len(h.sessions)
	h.mu.Unlock()

	h.logger.Printf("session: opened %s at remote v%d (local v%d, %d open)", playerID, version, state.LocalVersion, count)
	return session, nil
}

// Do runs fn against the player's session. A session closed by the sweeper
// between lookup and use is reopened once.
func (h *SessionHub) Do(ctx context.Context, playerID string, fn func(*Session) error) error {
	for attempt := 0; ; attempt++ {
		session, err := h.Open(ctx, playerID)
		if err != nil {
			return err
		}
		err = fn(session)
		if errors.Is(err, errSessionClosed) && attempt == 0 {
			continue
		}
		return err
	}
}

// Lookup returns an open session without loading one.
func (h *SessionHub) Lookup(playerID string) (*Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	session, ok := h.sessions[playerID]
	return session, ok
}

func (h *SessionHub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Close tears down the player's session after a final flush. The flush
// error is returned but the session is gone either way.
func (h *SessionHub) Close(ctx context.Context, playerID string) error {
	h.mu.Lock()
	session, ok := h.sessions[playerID]
	if !ok {
		h.mu.Unlock()
		return nil
	}
	delete(h.sessions, playerID)
	done := make(chan struct{})
	h.closing[playerID] = done
	h.mu.Unlock()

	defer func() {
		session.markClosed()
		h.mu.Lock()
		delete(h.closing, playerID)
		h.mu.Unlock()
		close(done)
		if h.cfg.OnClosed != nil {
			h.cfg.OnClosed(playerID)
		}
	}()

	session.Store.Close()
	err := session.Queue.Close(ctx)
	if err != nil {
		status := session.Queue.Status()
		h.logger.Printf("session: final flush for %s failed, v%d not persisted: %v", playerID, status.PendingVersion, err)
		if h.cfg.Events != nil {
			h.cfg.Events.Record(playerID, "session_flush_failed", map[string]interface{}{
				"pendingVersion": status.PendingVersion,
				"pendingFields":  status.PendingFields,
				"error":          err.Error(),
			})
		}
		return err
	}
	h.logger.Printf("session: closed %s at local v%d", playerID, session.Store.Version())
	return nil
}

// CloseAll stops accepting sessions and closes every open one concurrently.
func (h *SessionHub) CloseAll(ctx context.Context) error {
	h.mu.Lock()
	h.shutdown = true
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	// One failed flush must not cancel the others.
	var g errgroup.Group
	g.SetLimit(8)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			return h.Close(ctx, id)
		})
	}
	return g.Wait()
}

// Sweep closes sessions idle for longer than idleTimeout and returns how many
// it closed.
func (h *SessionHub) Sweep(ctx context.Context, now time.Time, idleTimeout time.Duration) int {
	h.mu.Lock()
	var idle []string
	for id, session := range h.sessions {
		if now.Sub(session.idleSince()) > idleTimeout {
			idle = append(idle, id)
		}
	}
	h.mu.Unlock()

	for _, id := range idle {
		if err := h.Close(ctx, id); err != nil {
			h.logger.Printf("session: sweep close %s: %v", id, err)
		}
	}
	return len(idle)
}

func (h *SessionHub) onDegraded(playerID string, err error) {
	if h.cfg.Events == nil {
		return
	}
	h.cfg.Events.RecordWithCooldown(playerID, "persistence_degraded", map[string]interface{}{
		"error": err.Error(),
	}, 5*time.Minute)
}

func (h *SessionHub) onRecovered(playerID string) {
	if h.cfg.Events == nil {
		return
	}
	h.cfg.Events.Record(playerID, "persistence_recovered", nil)
}
