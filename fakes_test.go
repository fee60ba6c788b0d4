package main

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var testEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// manualScheduler is a Clock and Scheduler driven by Advance.
type manualScheduler struct {
	mu    sync.Mutex
	now   time.Time
	seq   int
	tasks []*manualTask
}

type manualTask struct {
	s       *manualScheduler
	due     time.Time
	seq     int
	fn      func()
	stopped bool
	fired   bool
}

func (t *manualTask) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

func newManualScheduler(now time.Time) *manualScheduler {
	return &manualScheduler{now: now}
}

func (s *manualScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *manualScheduler) ScheduleAfter(d time.Duration, fn func()) Cancel {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d < 0 {
		d = 0
	}
	s.seq++
	task := &manualTask{s: s, due: s.now.Add(d), seq: s.seq, fn: fn}
	s.tasks = append(s.tasks, task)
	return task
}

// Advance moves time forward by d, running every task that comes due in
// order. Tasks scheduled by running tasks are honoured.
func (s *manualScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now.Add(d)
	s.mu.Unlock()

	for {
		s.mu.Lock()
		next := s.nextDueLocked(target)
		if next == nil {
			s.now = target
			s.mu.Unlock()
			return
		}
		if next.due.After(s.now) {
			s.now = next.due
		}
		next.fired = true
		s.mu.Unlock()
		next.fn()
	}
}

func (s *manualScheduler) nextDueLocked(target time.Time) *manualTask {
	var live []*manualTask
	for _, task := range s.tasks {
		if !task.fired && !task.stopped {
			live = append(live, task)
		}
	}
	s.tasks = live
	sort.Slice(live, func(i, j int) bool {
		if live[i].due.Equal(live[j].due) {
			return live[i].seq < live[j].seq
		}
		return live[i].due.Before(live[j].due)
	})
	if len(live) == 0 || live[0].due.After(target) {
		return nil
	}
	return live[0]
}

// Pending is the number of armed timers.
func (s *manualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, task := range s.tasks {
		if !task.fired && !task.stopped {
			count++
		}
	}
	return count
}

type fixedRandom float64

func (f fixedRandom) Float64() float64 { return float64(f) }

type countingRandom struct {
	value float64
	calls int
}

func (c *countingRandom) Float64() float64 {
	c.calls++
	return c.value
}

type memoryRecord struct {
	state   PlayerEconomyState
	version uint64
}

// memoryBackend is an in-memory StateBackend with the same replay and
// conflict rules as the Postgres one.
type memoryBackend struct {
	mu      sync.Mutex
	records map[string]*memoryRecord
	patches []PatchRequest
	loads   int

	failures int
	failErr  error
	onPatch  func(req PatchRequest)

	// truncate stores times at microsecond precision like TIMESTAMPTZ.
	truncate bool
	// stall makes PatchState wait for its context to end.
	stall    bool
	stallErr error
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{records: make(map[string]*memoryRecord)}
}

var errBackendDown = errors.New("backend unavailable")

func (b *memoryBackend) LoadState(ctx context.Context, playerID string, defaults PlayerEconomyState) (PlayerEconomyState, uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loads++
	rec, ok := b.records[playerID]
	if !ok {
		rec = &memoryRecord{state: defaults.clone(), version: 1}
		rec.state.LocalVersion = 0
		b.records[playerID] = rec
	}
	return rec.state.clone(), rec.version, nil
}

func (b *memoryBackend) PatchState(ctx context.Context, req PatchRequest) (PatchResult, error) {
	b.mu.Lock()
	hook := b.onPatch
	b.patches = append(b.patches, req)
	if b.stall {
		b.mu.Unlock()
		<-ctx.Done()
		b.mu.Lock()
		b.stallErr = ctx.Err()
		b.mu.Unlock()
		return PatchResult{}, ctx.Err()
	}
	if b.failures != 0 {
		if b.failures > 0 {
			b.failures--
		}
		err := b.failErr
		if err == nil {
			err = errBackendDown
		}
		b.mu.Unlock()
		return PatchResult{}, err
	}
	rec, ok := b.records[req.PlayerID]
	if !ok {
		b.mu.Unlock()
		return PatchResult{}, errUnknownPlayer
	}
	if req.LocalVersion <= rec.state.LocalVersion {
		result := PatchResult{AcceptedFields: req.Fields, AuthoritativeVersion: rec.version, Authoritative: rec.state.clone()}
		b.mu.Unlock()
		return result, nil
	}
	if req.ExpectedVersion != rec.version {
		conflict := &VersionConflictError{ExpectedVersion: req.ExpectedVersion, Current: rec.state.clone(), CurrentVersion: rec.version}
		b.mu.Unlock()
		return PatchResult{}, conflict
	}
	copyFields(&rec.state, req.State, req.Fields)
	rec.state.Energy = clampEnergy(rec.state.Energy, rec.state.EnergyMax)
	if b.truncate {
		truncateTimes(&rec.state)
	}
	rec.state.LocalVersion = req.LocalVersion
	rec.version++
	result := PatchResult{AcceptedFields: req.Fields, AuthoritativeVersion: rec.version, Authoritative: rec.state.clone()}
	b.mu.Unlock()

	if hook != nil {
		hook(req)
	}
	return result, nil
}

// externalWrite simulates another writer changing the row.
func (b *memoryBackend) externalWrite(playerID string, fn func(st *PlayerEconomyState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec := b.records[playerID]
	fn(&rec.state)
	rec.version++
}

func (b *memoryBackend) record(playerID string) (PlayerEconomyState, uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec := b.records[playerID]
	return rec.state.clone(), rec.version
}

func (b *memoryBackend) patchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.patches)
}

func (b *memoryBackend) lastPatch() PatchRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.patches[len(b.patches)-1]
}

func (b *memoryBackend) setFailures(n int) {
	b.mu.Lock()
	b.failures = n
	b.mu.Unlock()
}

func truncateTimes(st *PlayerEconomyState) {
	st.EnergyUpdatedAt = st.EnergyUpdatedAt.Truncate(time.Microsecond)
	st.LastActionAt = st.LastActionAt.Truncate(time.Microsecond)
	if st.BoostExpiresAt != nil {
		expires := st.BoostExpiresAt.Truncate(time.Microsecond)
		st.BoostExpiresAt = &expires
	}
}

func (b *memoryBackend) setStall(stall bool) {
	b.mu.Lock()
	b.stall = stall
	b.mu.Unlock()
}

func (b *memoryBackend) lastStallErr() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stallErr
}

func copyFields(dst *PlayerEconomyState, src PlayerEconomyState, fields StateField) {
	if fields.Has(FieldPoints) {
		dst.Points = src.Points
	}
	if fields.Has(FieldEnergy) {
		dst.Energy = src.Energy
		dst.EnergyUpdatedAt = src.EnergyUpdatedAt
	}
	if fields.Has(FieldEnergyMax) {
		dst.EnergyMax = src.EnergyMax
	}
	if fields.Has(FieldLevel) {
		dst.Level = src.Level
	}
	if fields.Has(FieldUpgrades) {
		dst.Upgrades = src.clone().Upgrades
	}
	if fields.Has(FieldCombo) {
		dst.ComboCount = src.ComboCount
	}
	if fields.Has(FieldLastAction) {
		dst.LastActionAt = src.LastActionAt
	}
	if fields.Has(FieldBoost) {
		dst.BoostMultiplier = src.BoostMultiplier
		dst.BoostExpiresAt = src.clone().BoostExpiresAt
	}
	if fields.Has(FieldCharacter) {
		dst.CharacterID = src.CharacterID
	}
}

type recordedEvent struct {
	playerID  string
	eventType string
	payload   map[string]interface{}
}

type memoryEvents struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (m *memoryEvents) Record(playerID string, eventType string, payload map[string]interface{}) {
	m.mu.Lock()
	m.events = append(m.events, recordedEvent{playerID, eventType, payload})
	m.mu.Unlock()
}

func (m *memoryEvents) RecordWithCooldown(playerID string, eventType string, payload map[string]interface{}, cooldown time.Duration) {
	m.Record(playerID, eventType, payload)
}

func (m *memoryEvents) types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.eventType)
	}
	return out
}

func testCatalog() *StaticCatalog {
	return NewStaticCatalog(defaultUpgrades(), []Character{
		{ID: "hero", Name: "Hero", Bonus: 1.2},
		{ID: "lucky", Name: "Lucky", Bonus: 1, Luck: 5},
	}, 1)
}
