// game/interfaces.go
package game

import (
	"context"
)

// Ownership is the single-writer rule for money-moving actions. The
// coordinator implements it with leased ownership records; the
// orchestrator must hold ownership of a game before ending, distributing
// or confirming payments for it. Defined here to break the import cycle
// between game and coordinator.
type Ownership interface {
	EnsureOwner(ctx context.Context, gameID string) error
	Release(ctx context.Context, gameID string)
}
