package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// Rejection-class errors are returned to the caller and never retried.
var (
	ErrEnergyExhausted   = errors.New("energy exhausted")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrValidation        = errors.New("validation error")
	ErrStaleWriter       = errors.New("stale writer")
)

// Persistence-class errors are handled inside the sync queue.
var (
	ErrPersistenceTransient = errors.New("persistence transient failure")
	ErrPersistenceDegraded  = errors.New("persistence degraded")
	ErrVersionConflict      = errors.New("version conflict")
)

var (
	errUnknownUpgrade  = fmt.Errorf("%w: unknown upgrade", ErrValidation)
	errUpgradeMaxLevel = fmt.Errorf("%w: upgrade at max level", ErrValidation)
	errUnknownPlayer   = errors.New("unknown player")
	errSessionClosed   = errors.New("session closed")
)

// VersionConflictError is returned by a persistence backend when the
// expected version no longer matches. It carries the authoritative record so
// the caller can merge instead of failing.
type VersionConflictError struct {
	ExpectedVersion uint64
	Current         PlayerEconomyState
	CurrentVersion  uint64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict: expected %d, store at %d", e.ExpectedVersion, e.CurrentVersion)
}

func (e *VersionConflictError) Unwrap() error {
	return ErrVersionConflict
}

// isRejection reports whether err belongs to the synchronous rejection class.
func isRejection(err error) bool {
	return errors.Is(err, ErrEnergyExhausted) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrStaleWriter)
}

// classifyPersistenceError maps backend failures onto the persistence error
// taxonomy. Version conflicts pass through untouched.
func classifyPersistenceError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrPersistenceTransient) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrPersistenceTransient, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "57P01", "53300":
			return fmt.Errorf("%w: %v", ErrPersistenceTransient, err)
		}
		return err
	}
	return fmt.Errorf("%w: %v", ErrPersistenceTransient, err)
}

// errorCode renders err as the upper-case code used in JSON responses.
func errorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrEnergyExhausted):
		return "ENERGY_EXHAUSTED"
	case errors.Is(err, ErrInsufficientFunds):
		return "INSUFFICIENT_FUNDS"
	case errors.Is(err, ErrStaleWriter):
		return "STALE_VERSION"
	case errors.Is(err, errUnknownUpgrade):
		return "UNKNOWN_UPGRADE"
	case errors.Is(err, errUpgradeMaxLevel):
		return "MAX_LEVEL"
	case errors.Is(err, ErrValidation):
		return "INVALID_REQUEST"
	case errors.Is(err, errSessionClosed):
		return "SESSION_CLOSED"
	default:
		return "INTERNAL_ERROR"
	}
}
