// Package store is the shared-state layer both instances read and write.
// Redis offers no multi-step transactions across these structures, so
// every game status change goes through a conditional compare-and-set
// rather than a blind overwrite.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/mworlabs/lotteryd/models"
)

var (
	ErrNotFound    = errors.New("key not found")
	ErrCASConflict = errors.New("stored status does not match expected")
)

// GameStore holds the per-game snapshots and membership sets.
type GameStore interface {
	SaveGame(ctx context.Context, game *models.Game) error
	LoadGame(ctx context.Context, gameID string) (*models.Game, error)
	// UpdateGameStatus is the transition guard: it succeeds only when the
	// stored status equals from, so a message processed twice, or by both
	// instances, cannot double-apply.
	UpdateGameStatus(ctx context.Context, gameID string, from, to models.GameStatus) error
	AddActiveGame(ctx context.Context, gameID string) error
	RemoveActiveGame(ctx context.Context, gameID string) error
	ActiveGames(ctx context.Context) ([]string, error)
	AddUserGame(ctx context.Context, userID, gameID string) error
	UserGames(ctx context.Context, userID string) ([]string, error)
}

// PaymentStore keeps payment records keyed by reference.
type PaymentStore interface {
	SavePayment(ctx context.Context, rec *models.PaymentRecord) error
	LoadPayment(ctx context.Context, reference string) (*models.PaymentRecord, error)
	// UpdatePaymentStatus guards payment transitions the same way
	// UpdateGameStatus guards game transitions.
	UpdatePaymentStatus(ctx context.Context, reference string, from, to models.PaymentStatus) error
}

// RefundQueue is the durable list consumed by the out-of-band worker.
type RefundQueue interface {
	PushRefund(ctx context.Context, req *models.RefundRequest) error
	PopRefund(ctx context.Context, timeout time.Duration) (*models.RefundRequest, error)
}

// DueStore schedules game-end and payment-expiry actions where either
// instance can see them.
type DueStore interface {
	ScheduleDue(ctx context.Context, rec *models.DueRecord) error
	CancelDue(ctx context.Context, kind models.DueKind, gameID string) error
	// ClaimDue atomically removes and returns records due at or before
	// now. Removal is the fire-once guarantee: the instance that claims a
	// record is the only one that acts on it.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]models.DueRecord, error)
}

// LeaseStore implements the single-writer rule for money-moving actions.
type LeaseStore interface {
	AcquireLease(ctx context.Context, gameID, instanceID string, ttl time.Duration) (bool, error)
	RenewLease(ctx context.Context, gameID, instanceID string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, gameID, instanceID string) error
	LeaseHolder(ctx context.Context, gameID string) (string, error)
}

// PubSub carries cross-instance soft-state and health broadcasts.
type PubSub interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)
}

// Store is the full shared-store contract.
type Store interface {
	GameStore
	PaymentStore
	RefundQueue
	DueStore
	LeaseStore
	PubSub
	Close() error
}
