package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// PatchRequest is one coalesced write to the persistence backend.
type PatchRequest struct {
	PlayerID        string
	Fields          StateField
	State           PlayerEconomyState
	ExpectedVersion uint64
	LocalVersion    uint64
}

// PatchResult is the backend's view after a successful write.
type PatchResult struct {
	AcceptedFields       StateField
	AuthoritativeVersion uint64
	Authoritative        PlayerEconomyState
}

// StateBackend is the persistence collaborator. PatchState must be
// idempotent for a replayed LocalVersion and return *VersionConflictError
// when ExpectedVersion is not current.
type StateBackend interface {
	LoadState(ctx context.Context, playerID string, defaults PlayerEconomyState) (PlayerEconomyState, uint64, error)
	PatchState(ctx context.Context, req PatchRequest) (PatchResult, error)
}

// Reconciler folds authoritative records back into local state.
type Reconciler interface {
	Reconcile(flushed PlayerEconomyState, remote PlayerEconomyState) StateField
	Merge(base PlayerEconomyState, remote PlayerEconomyState) StateField
}

type SyncState int

const (
	SyncIdle SyncState = iota
	SyncPending
	SyncFlushing
	SyncBackoff
)

func (s SyncState) String() string {
	switch s {
	case SyncIdle:
		return "idle"
	case SyncPending:
		return "pending"
	case SyncFlushing:
		return "flushing"
	case SyncBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

type SyncStatus struct {
	State          string   `json:"state"`
	Degraded       bool     `json:"degraded"`
	PendingVersion uint64   `json:"pendingVersion,omitempty"`
	PendingFields  []string `json:"pendingFields,omitempty"`
	FlushedVersion uint64   `json:"flushedVersion"`
	RemoteVersion  uint64   `json:"remoteVersion"`
	Attempts       int      `json:"attempts"`
	Flushes        int      `json:"flushes"`
	LastError      string   `json:"lastError,omitempty"`
}

type SyncQueueConfig struct {
	PlayerID      string
	Backend       StateBackend
	Reconciler    Reconciler
	Clock         Clock
	Scheduler     Scheduler
	Tuning        SyncTuning
	RemoteVersion uint64
	RemoteState   PlayerEconomyState
	Logger        *log.Logger

	// OnDegraded fires once when the retry budget runs out; OnRecovered
	// fires on the first success after that.
	OnDegraded  func(playerID string, err error)
	OnRecovered func(playerID string)
}

// SyncQueue coalesces one player's deltas and writes them to the backend
// with at most one write in flight.
//
// Idle -> Pending (delta buffered, debounce armed) -> Flushing -> Idle on
// success, Pending when more deltas arrived meanwhile, Backoff on failure.
type SyncQueue struct {
	cfg    SyncQueueConfig
	logger *log.Logger

	mu             sync.Mutex
	state          SyncState
	pending        *PersistenceDelta
	firstPendingAt time.Time
	timer          Cancel
	gen            uint64
	inflight       chan struct{}
	attempts       int
	degraded       bool
	remoteVersion  uint64
	remoteState    PlayerEconomyState
	flushedVersion uint64
	flushes        int
	lastErr        error
	closed         bool

	// carry holds fields the backend echoed back differently; they ride
	// along with the next delta instead of forcing a write of their own.
	carry StateField
}

func NewSyncQueue(cfg SyncQueueConfig) *SyncQueue {
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = realScheduler{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &SyncQueue{
		cfg:           cfg,
		logger:        logger,
		remoteVersion: cfg.RemoteVersion,
		remoteState:   cfg.RemoteState.clone(),
	}
}

// Enqueue records delta and arms the debounce timer. It never blocks on the
// backend.
func (q *SyncQueue) Enqueue(delta PersistenceDelta) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.pending != nil && delta.LocalVersion <= q.pending.LocalVersion {
		q.logger.Printf("sync: %s: out-of-order delta v%d behind pending v%d", q.cfg.PlayerID, delta.LocalVersion, q.pending.LocalVersion)
	}
	q.bufferLocked(delta)

	switch q.state {
	case SyncFlushing, SyncBackoff:
		return
	}
	if q.closed {
		return
	}
	q.state = SyncPending
	q.scheduleLocked(q.debounceDelayLocked())
}

func (q *SyncQueue) bufferLocked(delta PersistenceDelta) {
	if q.pending == nil {
		copied := delta
		copied.Fields |= q.carry
		q.carry = 0
		q.pending = &copied
		q.firstPendingAt = q.cfg.Clock.Now()
		return
	}
	merged := q.pending.merge(delta)
	q.pending = &merged
}

// debounceDelayLocked is the debounce delay, shortened so the flush never
// happens later than MaxFlushInterval after the first unflushed delta.
func (q *SyncQueue) debounceDelayLocked() time.Duration {
	delay := q.cfg.Tuning.debounce()
	remaining := q.cfg.Tuning.maxFlushInterval() - q.cfg.Clock.Now().Sub(q.firstPendingAt)
	if remaining < delay {
		delay = remaining
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

func (q *SyncQueue) backoffDelay(attempts int) time.Duration {
	delay := q.cfg.Tuning.backoffBase()
	max := q.cfg.Tuning.backoffMax()
	for i := 1; i < attempts && delay < max; i++ {
		delay *= 2
	}
	if delay > max {
		delay = max
	}
	return delay
}

// scheduleLocked replaces any armed timer. The generation check in fire
// drops callbacks of timers that could not be stopped in time.
func (q *SyncQueue) scheduleLocked(delay time.Duration) {
	if q.timer != nil {
		q.timer.Stop()
	}
	q.gen++
	gen := q.gen
	q.timer = q.cfg.Scheduler.ScheduleAfter(delay, func() { q.fire(gen) })
}

func (q *SyncQueue) stopTimerLocked() {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.gen++
}

func (q *SyncQueue) fire(gen uint64) {
	q.mu.Lock()
	if gen != q.gen || q.state == SyncFlushing {
		q.mu.Unlock()
		return
	}
	q.timer = nil
	batch, expected, ok := q.takeLocked()
	q.mu.Unlock()
	if !ok {
		return
	}
	_ = q.send(context.Background(), batch, expected)
}

// takeLocked moves the pending delta into flight.
func (q *SyncQueue) takeLocked() (PersistenceDelta, uint64, bool) {
	if q.pending == nil {
		q.state = SyncIdle
		return PersistenceDelta{}, 0, false
	}
	batch := *q.pending
	q.pending = nil
	q.firstPendingAt = time.Time{}
	q.state = SyncFlushing
	q.inflight = make(chan struct{})
	return batch, q.remoteVersion, true
}

// restoreLocked puts an unsent batch back in front of anything that
// arrived while it was in flight.
func (q *SyncQueue) restoreLocked(batch PersistenceDelta) {
	if q.pending == nil {
		q.pending = &batch
	} else {
		merged := batch.merge(*q.pending)
		q.pending = &merged
	}
	if q.firstPendingAt.IsZero() {
		q.firstPendingAt = q.cfg.Clock.Now()
	}
}

func (q *SyncQueue) finishInflightLocked() {
	if q.inflight != nil {
		close(q.inflight)
		q.inflight = nil
	}
}

func (q *SyncQueue) send(ctx context.Context, batch PersistenceDelta, expected uint64) error {
	callCtx, cancel := context.WithTimeout(ctx, q.cfg.Tuning.flushTimeout())
	result, err := q.cfg.Backend.PatchState(callCtx, PatchRequest{
		PlayerID:        batch.PlayerID,
		Fields:          batch.Fields,
		State:           batch.State,
		ExpectedVersion: expected,
		LocalVersion:    batch.LocalVersion,
	})
	cancel()

	if err == nil {
		q.onSuccess(batch, result)
		return nil
	}

	var conflict *VersionConflictError
	if errors.As(err, &conflict) {
		q.onConflict(batch, conflict)
		return nil
	}
	return q.onFailure(batch, classifyPersistenceError(err))
}

func (q *SyncQueue) onSuccess(batch PersistenceDelta, result PatchResult) {
	q.mu.Lock()
	q.remoteVersion = result.AuthoritativeVersion
	q.remoteState = result.Authoritative.clone()
	q.flushedVersion = batch.LocalVersion
	q.flushes++
	q.attempts = 0
	q.lastErr = nil
	recovered := q.degraded
	q.degraded = false
	q.state = SyncIdle
	q.finishInflightLocked()
	if q.pending != nil && !q.closed {
		q.state = SyncPending
		q.scheduleLocked(q.debounceDelayLocked())
	}
	q.mu.Unlock()

	if missing := batch.Fields &^ result.AcceptedFields; missing != 0 {
		q.logger.Printf("sync: %s: backend did not accept %v at v%d", q.cfg.PlayerID, missing.Names(), batch.LocalVersion)
	}
	if recovered {
		q.logger.Printf("sync: %s: recovered at remote v%d", q.cfg.PlayerID, result.AuthoritativeVersion)
		if q.cfg.OnRecovered != nil {
			q.cfg.OnRecovered(q.cfg.PlayerID)
		}
	}
	if q.cfg.Reconciler != nil {
		if requeued := q.cfg.Reconciler.Reconcile(batch.State, result.Authoritative); requeued != 0 {
			q.mu.Lock()
			if q.pending != nil {
				q.pending.Fields |= requeued
			} else {
				q.carry |= requeued
			}
			q.mu.Unlock()
			q.logger.Printf("sync: %s: re-queued %v after flush of v%d", q.cfg.PlayerID, requeued.Names(), batch.LocalVersion)
		}
	}
}

// onConflict adopts the store's version, lets the reconciler merge the
// concurrent writer's changes and resends right away. Conflicts count
// against the retry budget so two writers cannot ping-pong forever.
func (q *SyncQueue) onConflict(batch PersistenceDelta, conflict *VersionConflictError) {
	q.mu.Lock()
	base := q.remoteState
	q.remoteVersion = conflict.CurrentVersion
	q.remoteState = conflict.Current.clone()
	q.attempts++
	q.restoreLocked(batch)
	q.state = SyncBackoff
	q.finishInflightLocked()
	q.mu.Unlock()

	q.logger.Printf("sync: %s: version conflict (expected v%d, store v%d); merging", q.cfg.PlayerID, conflict.ExpectedVersion, conflict.CurrentVersion)
	if q.cfg.Reconciler != nil {
		q.cfg.Reconciler.Merge(base, conflict.Current)
	}

	q.mu.Lock()
	delay := time.Duration(0)
	signal := false
	if q.attempts >= q.cfg.Tuning.MaxRetries {
		delay = q.cfg.Tuning.backoffMax()
		signal = !q.degraded
		q.degraded = true
		q.lastErr = conflict
	}
	if !q.closed {
		q.scheduleLocked(delay)
	}
	q.mu.Unlock()

	if signal {
		q.raiseDegraded(fmt.Errorf("%w: %v", ErrPersistenceDegraded, conflict))
	}
}

func (q *SyncQueue) onFailure(batch PersistenceDelta, err error) error {
	q.mu.Lock()
	q.attempts++
	q.lastErr = err
	q.restoreLocked(batch)
	q.state = SyncBackoff
	signal := false
	delay := q.backoffDelay(q.attempts)
	if q.attempts >= q.cfg.Tuning.MaxRetries {
		delay = q.cfg.Tuning.backoffMax()
		signal = !q.degraded
		q.degraded = true
	}
	attempts := q.attempts
	q.finishInflightLocked()
	if !q.closed {
		q.scheduleLocked(delay)
	}
	q.mu.Unlock()

	q.logger.Printf("sync: %s: flush of v%d failed (attempt %d, retry in %s): %v", q.cfg.PlayerID, batch.LocalVersion, attempts, delay, err)
	if signal {
		q.raiseDegraded(fmt.Errorf("%w: %v", ErrPersistenceDegraded, err))
	}
	return err
}

func (q *SyncQueue) raiseDegraded(err error) {
	q.logger.Printf("sync: %s: %v", q.cfg.PlayerID, err)
	if q.cfg.OnDegraded != nil {
		q.cfg.OnDegraded(q.cfg.PlayerID, err)
	}
}

// Flush writes whatever is pending now, waiting for an in-flight write
// first. It returns the error of its own write attempt, if any.
func (q *SyncQueue) Flush(ctx context.Context) error {
	q.mu.Lock()
	for q.inflight != nil {
		ch := q.inflight
		q.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrPersistenceTransient, ctx.Err())
		}
		q.mu.Lock()
	}
	q.stopTimerLocked()
	batch, expected, ok := q.takeLocked()
	q.mu.Unlock()
	if !ok {
		return nil
	}
	return q.send(ctx, batch, expected)
}

// Close makes the final best-effort flush. Nothing is scheduled afterwards;
// a failed final flush leaves the delta in Status but is not retried.
func (q *SyncQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.stopTimerLocked()
	q.mu.Unlock()

	return q.Flush(ctx)
}

func (q *SyncQueue) Status() SyncStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	status := SyncStatus{
		State:          q.state.String(),
		Degraded:       q.degraded,
		FlushedVersion: q.flushedVersion,
		RemoteVersion:  q.remoteVersion,
		Attempts:       q.attempts,
		Flushes:        q.flushes,
	}
	if q.pending != nil {
		status.PendingVersion = q.pending.LocalVersion
		status.PendingFields = q.pending.Fields.Names()
	}
	if q.lastErr != nil {
		status.LastError = q.lastErr.Error()
	}
	return status
}
