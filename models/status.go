package models

// GameStatus is the closed set of game lifecycle states. Transitions go
// through CanTransition; nothing compares raw strings ad hoc.
type GameStatus string

const (
	GamePending         GameStatus = "pending"          // created, accepting joins/payments
	GameNumberSelection GameStatus = "number_selection" // full or started, players pick numbers
	GameActive          GameStatus = "active"           // rounds in progress
	GameDistributing    GameStatus = "distributing"     // winners picked, payouts running
	GameCompleted       GameStatus = "completed"
	GameCancelled       GameStatus = "cancelled"
)

var gameTransitions = map[GameStatus][]GameStatus{
	GamePending:         {GameNumberSelection, GameActive, GameCancelled},
	GameNumberSelection: {GameActive, GameCancelled},
	GameActive:          {GameDistributing, GameCompleted, GameCancelled},
	GameDistributing:    {GameCompleted},
	GameCompleted:       {},
	GameCancelled:       {},
}

// CanTransition reports whether moving from s to next is legal.
func (s GameStatus) CanTransition(next GameStatus) bool {
	for _, allowed := range gameTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the status is final. Terminal games are
// archived, never mutated.
func (s GameStatus) Terminal() bool {
	return s == GameCompleted || s == GameCancelled
}

// Open reports whether the game still accepts participants.
func (s GameStatus) Open() bool {
	return s == GamePending || s == GameNumberSelection
}

// PaymentStatus is the closed set of payment record states.
type PaymentStatus string

const (
	PaymentNone         PaymentStatus = "none"
	PaymentInitiated    PaymentStatus = "initiated"
	PaymentAwaiting     PaymentStatus = "awaiting"
	PaymentConfirming   PaymentStatus = "confirming"
	PaymentConfirmed    PaymentStatus = "confirmed"
	PaymentDistributing PaymentStatus = "distributing"
	PaymentCompleted    PaymentStatus = "completed"
	PaymentFailed       PaymentStatus = "failed"
	PaymentRefunded     PaymentStatus = "refunded"
	PaymentExpired      PaymentStatus = "expired"
)

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentNone:         {PaymentInitiated},
	PaymentInitiated:    {PaymentAwaiting, PaymentExpired, PaymentFailed},
	PaymentAwaiting:     {PaymentConfirming, PaymentExpired, PaymentFailed},
	PaymentConfirming:   {PaymentConfirmed, PaymentFailed, PaymentExpired},
	PaymentConfirmed:    {PaymentDistributing, PaymentRefunded},
	PaymentDistributing: {PaymentCompleted, PaymentFailed},
	PaymentCompleted:    {},
	PaymentFailed:       {},
	PaymentRefunded:     {},
	PaymentExpired:      {},
}

// CanTransition reports whether moving from s to next is legal. Terminal
// payment states are immutable.
func (s PaymentStatus) CanTransition(next PaymentStatus) bool {
	for _, allowed := range paymentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the payment state is final.
func (s PaymentStatus) Terminal() bool {
	switch s {
	case PaymentCompleted, PaymentFailed, PaymentRefunded, PaymentExpired:
		return true
	}
	return false
}

// NotifyPriority orders queued notifications. Lower value drains first.
type NotifyPriority int

const (
	PriorityCritical NotifyPriority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

func (p NotifyPriority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}
