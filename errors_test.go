package main

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestErrorCode(t *testing.T) {
	cases := map[string]error{
		"ENERGY_EXHAUSTED":   ErrEnergyExhausted,
		"INSUFFICIENT_FUNDS": fmt.Errorf("%w: need 5", ErrInsufficientFunds),
		"STALE_VERSION":      fmt.Errorf("%w: behind", ErrStaleWriter),
		"UNKNOWN_UPGRADE":    fmt.Errorf("%w: %q", errUnknownUpgrade, "x"),
		"MAX_LEVEL":          errUpgradeMaxLevel,
		"INVALID_REQUEST":    ErrValidation,
		"SESSION_CLOSED":     errSessionClosed,
		"INTERNAL_ERROR":     errors.New("boom"),
		"":                   nil,
	}
	for want, err := range cases {
		assert.Equal(t, want, errorCode(err))
	}
}

func TestIsRejection(t *testing.T) {
	assert.True(t, isRejection(ErrEnergyExhausted))
	assert.True(t, isRejection(errUnknownUpgrade))
	assert.False(t, isRejection(ErrPersistenceTransient))
	assert.False(t, isRejection(&VersionConflictError{}))
}

func TestClassifyPersistenceError(t *testing.T) {
	assert.NoError(t, classifyPersistenceError(nil))

	conflict := &VersionConflictError{ExpectedVersion: 1, CurrentVersion: 2}
	assert.Same(t, conflict, classifyPersistenceError(conflict))
	assert.ErrorIs(t, conflict, ErrVersionConflict)

	assert.ErrorIs(t, classifyPersistenceError(context.DeadlineExceeded), ErrPersistenceTransient)
	assert.ErrorIs(t, classifyPersistenceError(&pq.Error{Code: "40001"}), ErrPersistenceTransient)
	assert.ErrorIs(t, classifyPersistenceError(errors.New("connection reset")), ErrPersistenceTransient)

	constraint := &pq.Error{Code: "23514"}
	assert.NotErrorIs(t, classifyPersistenceError(constraint), ErrPersistenceTransient)
}
