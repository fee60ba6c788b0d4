package main

import (
	"math"
	"time"
)

// ComboTracker is the streak state machine. Idle is comboCount 0, Active is
// 1..MaxCombo. There is no decay timer: a streak that timed out is noticed
// when the next action arrives.
type ComboTracker struct {
	MaxCombo      int
	Step          float64
	CapMultiplier float64
}

func newComboTracker(t Tuning) ComboTracker {
	return ComboTracker{
		MaxCombo:      t.MaxCombo,
		Step:          t.ComboStep,
		CapMultiplier: t.ComboCapMultiplier,
	}
}

// RegisterAction returns the combo count after an action at now. A zero
// lastAction means the player never acted and always starts a fresh streak.
func (c ComboTracker) RegisterAction(now, lastAction time.Time, timeout time.Duration, comboCount int) int {
	if lastAction.IsZero() || now.Sub(lastAction) >= timeout {
		return 1
	}
	next := comboCount + 1
	if next < 1 {
		next = 1
	}
	if next > c.MaxCombo {
		next = c.MaxCombo
	}
	return next
}

// Current returns the combo count as the UI should show it at now, without
// registering an action.
func (c ComboTracker) Current(now, lastAction time.Time, timeout time.Duration, comboCount int) int {
	if lastAction.IsZero() || now.Sub(lastAction) >= timeout {
		return 0
	}
	return comboCount
}

func (c ComboTracker) Multiplier(comboCount int) float64 {
	if comboCount < 0 {
		comboCount = 0
	}
	return math.Min(c.CapMultiplier, 1+float64(comboCount)*c.Step)
}
