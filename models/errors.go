package models

import (
	"errors"
	"fmt"
)

// Error taxonomy. Validation and state-conflict errors surface to the
// caller immediately; delivery and payment errors stay inside their
// subsystems.
var (
	ErrValidation       = errors.New("validation error")
	ErrStateConflict    = errors.New("operation invalid for current status")
	ErrGameNotFound     = errors.New("game not found")
	ErrGameFull         = fmt.Errorf("%w: game is full", ErrValidation)
	ErrDuplicateJoin    = fmt.Errorf("%w: user already joined", ErrValidation)
	ErrNumberTaken      = fmt.Errorf("%w: number already selected", ErrValidation)
	ErrNumberOutOfRange = fmt.Errorf("%w: number out of range", ErrValidation)

	ErrPaymentNotFound    = errors.New("payment record not found")
	ErrPaymentExpired     = errors.New("payment window expired")
	ErrPaymentPending     = errors.New("payment not yet received")
	ErrAlreadyRefunded    = errors.New("payment already refunded")
	ErrAlreadyDistributed = fmt.Errorf("%w: distribution already performed", ErrStateConflict)

	ErrInstanceUnavailable = errors.New("instance unavailable")
	ErrNotOwner            = errors.New("instance does not own this game")
	ErrLeaseHeld           = errors.New("lease held by another instance")
)

// StateConflictError carries the rejected transition for logs and replies.
type StateConflictError struct {
	GameID string
	From   GameStatus
	To     GameStatus
	Op     string
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("%s: game %s is %s, cannot %s", ErrStateConflict, e.GameID, e.From, e.Op)
}

func (e *StateConflictError) Unwrap() error { return ErrStateConflict }

// NewStateConflict builds a StateConflictError for a guarded operation.
func NewStateConflict(gameID string, from, to GameStatus, op string) error {
	return &StateConflictError{GameID: gameID, From: from, To: to, Op: op}
}
