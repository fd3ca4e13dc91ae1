// Package fault defines the error taxonomy shared by every component.
// Callers and the HTTP layer match with errors.Is; services wrap these
// sentinels with context via fmt.Errorf("...: %w", ...).
package fault

import "errors"

var (
	// ErrInvalidInput marks malformed requests. Never retried.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict marks a lost state-machine or binding race. The ride
	// was already handled elsewhere; callers must not retry blindly.
	ErrConflict = errors.New("conflict")

	// ErrForbidden marks an actor not authorized for this ride or wallet.
	ErrForbidden = errors.New("forbidden")

	ErrNotFound = errors.New("not found")

	// ErrInsufficientFunds marks a withdrawal exceeding the available
	// balance.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrNoDrivers is surfaced after all dispatch rounds are exhausted.
	ErrNoDrivers = errors.New("no drivers available")

	// ErrExternal marks a dependency failure (payout, routing). Retried
	// with backoff where idempotent, otherwise surfaced.
	ErrExternal = errors.New("external service failure")
)
