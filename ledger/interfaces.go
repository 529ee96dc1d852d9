// Package ledger talks to the on-chain lottery program and the wallet
// service. Calls are fallible remote calls with eventual confirmation;
// callers treat every method as retryable and idempotent at the program
// level.
package ledger

import (
	"context"
	"time"
)

// InboundTransfer is a transfer matching a payment reference, as returned
// by the read path used for payment verification.
type InboundTransfer struct {
	Reference string    `json:"reference"`
	From      string    `json:"from"`
	Amount    int64     `json:"amount"`
	Token     string    `json:"token"`
	TxHash    string    `json:"tx_hash"`
	Slot      uint64    `json:"slot"`
	At        time.Time `json:"at"`
}

// Client is the full surface the engine consumes. The program instructions
// map one to one onto the on-chain lottery program.
type Client interface {
	// Program instructions.
	CreateGame(ctx context.Context, gameID string, entryFee int64, maxPlayers, winnerCount int, deadlineMinutes int) (string, error)
	JoinGame(ctx context.Context, gameID, userID string) (string, error)
	SelectNumber(ctx context.Context, gameID, userID string, number int) (string, error)
	SubmitVRF(ctx context.Context, gameID string, round int, randomValue [32]byte, proof []byte) (string, error)
	ProcessElimination(ctx context.Context, gameID string, round int) (string, error)
	CompleteGame(ctx context.Context, gameID string) (string, error)
	CancelGame(ctx context.Context, gameID, reason string) (string, error)
	ClaimPrize(ctx context.Context, gameID, userID string) (string, error)

	// Fairness oracle read path: the verifiable seed for a game draw.
	RandomSeed(ctx context.Context, gameID string) (string, error)

	// Wallet / transfer surface.
	Transfer(ctx context.Context, recipient string, amount int64) (string, error)
	Balance(ctx context.Context, wallet string) (int64, error)
	FindInboundTransfer(ctx context.Context, reference string, minAmount int64, after time.Time) (*InboundTransfer, error)

	// Liveness, used by health probes and circuit breakers.
	Ping(ctx context.Context) error
}
