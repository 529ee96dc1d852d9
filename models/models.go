package models

import (
	"time"
)

// GameKind distinguishes free play from pay-to-enter games.
type GameKind string

const (
	GameKindFree GameKind = "free"
	GameKindPaid GameKind = "paid"
)

// NumberRange bounds the numbers players may select.
type NumberRange struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// Game is the authoritative record of a single lottery game. It is created
// and mutated only by the orchestrator through guarded transitions, and
// archived rather than deleted once terminal.
type Game struct {
	ID              string            `json:"id"`
	ChatID          int64             `json:"chat_id"`
	Kind            GameKind          `json:"kind"`
	Status          GameStatus        `json:"status"`
	EntryFee        int64             `json:"entry_fee"`
	PrizePool       int64             `json:"prize_pool"`
	MaxPlayers      int               `json:"max_players"`
	CurrentPlayers  int               `json:"current_players"`
	WinnerCount     int               `json:"winner_count"`
	NumberRange     NumberRange       `json:"number_range"`
	Participants    []Participant     `json:"participants"` // join order preserved
	Winners         []string          `json:"winners"`      // user ids, set on completion
	Seed            string            `json:"seed"`         // random seed used for the draw
	CurrentRound    int               `json:"current_round"`
	DrawnNumbers    []int             `json:"drawn_numbers"`
	CancelReason    string            `json:"cancel_reason,omitempty"`
	StartAt         time.Time         `json:"start_at"`
	EndAt           time.Time         `json:"end_at"`
	PaymentDeadline time.Time         `json:"payment_deadline"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	CompletedAt     time.Time         `json:"completed_at,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Participant is one (game, user) row, owned by its Game.
type Participant struct {
	UserID          string        `json:"user_id"`
	DisplayName     string        `json:"display_name"`
	JoinedAt        time.Time     `json:"joined_at"`
	SelectedNumber  *int          `json:"selected_number,omitempty"`
	Payment         PaymentStatus `json:"payment"`
	PaymentRef      string        `json:"payment_ref,omitempty"`
	EliminatedRound *int          `json:"eliminated_round,omitempty"`
	IsWinner        bool          `json:"is_winner"`
	PrizeAmount     int64         `json:"prize_amount"`
	PrizeClaimed    bool          `json:"prize_claimed"`
}

// Eliminated reports whether the participant has been knocked out.
func (p *Participant) Eliminated() bool {
	return p.EliminatedRound != nil
}

// PaymentRecord tracks one entry-fee payment from request to terminal state.
type PaymentRecord struct {
	Reference string        `json:"reference"` // uuid, used to match the inbound transfer
	UserID    string        `json:"user_id"`
	GameID    string        `json:"game_id"`
	Amount    int64         `json:"amount"`
	Token     string        `json:"token"`
	Status    PaymentStatus `json:"status"`
	ExpiresAt time.Time     `json:"expires_at"`
	TxHash    string        `json:"tx_hash,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// FailedTransfer records a single failed payout inside a distribution.
type FailedTransfer struct {
	UserID string `json:"user_id"`
	Amount int64  `json:"amount"`
	Error  string `json:"error"`
}

// TransferOutcome is the per-winner result of a distribution.
type TransferOutcome struct {
	UserID string `json:"user_id"`
	Amount int64  `json:"amount"`
	TxHash string `json:"tx_hash,omitempty"`
}

// PrizeDistributionResult is produced exactly once per completed paid game.
// Failed entries go to the operator retry ledger, never dropped.
type PrizeDistributionResult struct {
	GameID          string            `json:"game_id"`
	Success         bool              `json:"success"`
	SystemFee       int64             `json:"system_fee"`
	PerWinner       int64             `json:"per_winner"`
	Transfers       []TransferOutcome `json:"transfers"`
	FailedTransfers []FailedTransfer  `json:"failed_transfers,omitempty"`
	DistributedAt   time.Time         `json:"distributed_at"`
}

// RefundRequest is one entry in the durable refund queue.
type RefundRequest struct {
	Reference string    `json:"reference"`
	UserID    string    `json:"user_id"`
	GameID    string    `json:"game_id"`
	Amount    int64     `json:"amount"`
	Reason    string    `json:"reason"`
	QueuedAt  time.Time `json:"queued_at"`
}

// InstanceRole identifies which of the two process instances a record
// belongs to.
type InstanceRole string

const (
	RolePrimary   InstanceRole = "primary"
	RoleSecondary InstanceRole = "secondary"
)

// InstanceStatus is the coordinator's view of one instance.
type InstanceStatus string

const (
	InstanceStopped InstanceStatus = "stopped"
	InstanceRunning InstanceStatus = "running"
	InstanceError   InstanceStatus = "error"
)

// InstanceHealthRecord is updated by the coordinator's health probes.
type InstanceHealthRecord struct {
	InstanceID    string         `json:"instance_id"`
	Role          InstanceRole   `json:"role"`
	Status        InstanceStatus `json:"status"`
	StartedAt     time.Time      `json:"started_at"`
	LastError     string         `json:"last_error,omitempty"`
	LastHeartbeat time.Time      `json:"last_heartbeat"`
}

// DueKind names the scheduled actions either instance may fire.
type DueKind string

const (
	DueGameEnd       DueKind = "game_end"
	DuePaymentExpiry DueKind = "payment_expiry"
)

// DueRecord is an externally visible scheduled action. Local timers only
// shortcut the poll latency; the record is the source of truth, so a
// restart or failover cannot drop the action.
type DueRecord struct {
	Kind   DueKind   `json:"kind"`
	GameID string    `json:"game_id"`
	Ref    string    `json:"ref,omitempty"` // payment reference for expiries
	At     time.Time `json:"at"`
}
