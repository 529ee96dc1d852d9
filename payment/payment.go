// Package payment owns entry-fee bookkeeping: issuing payment requests,
// verifying inbound transfers against the ledger, and the durable refund
// queue. Money-moving calls happen here and in the distributor only.
package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mworlabs/lotteryd/ledger"
	"github.com/mworlabs/lotteryd/logger"
	"github.com/mworlabs/lotteryd/models"
	"github.com/mworlabs/lotteryd/persistence"
	"github.com/mworlabs/lotteryd/store"
)

// VerifyResult is the user-facing payment status, reported as a status
// rather than an error.
type VerifyResult string

const (
	VerifyReceived VerifyResult = "received"
	VerifyPending  VerifyResult = "pending"
	VerifyExpired  VerifyResult = "expired"
)

// Store is what the payment ledger needs from the shared store.
type Store interface {
	store.PaymentStore
	store.RefundQueue
}

// Ledger issues payment requests and drives their verification.
type Ledger struct {
	store   Store
	chain   ledger.Client
	archive persistence.Archive
	token   string
	window  time.Duration

	now func() time.Time
}

func NewLedger(st Store, chain ledger.Client, archive persistence.Archive, token string, deadlineMinutes int) *Ledger {
	return &Ledger{
		store:   st,
		chain:   chain,
		archive: archive,
		token:   token,
		window:  time.Duration(deadlineMinutes) * time.Minute,
		now:     time.Now,
	}
}

// CreateRequest opens a payment window for one paid join. The reference
// key is what the user attaches to their transfer.
func (l *Ledger) CreateRequest(ctx context.Context, userID, gameID string, amount int64) (*models.PaymentRecord, error) {
	now := l.now()
	rec := &models.PaymentRecord{
		Reference: uuid.New().String(),
		UserID:    userID,
		GameID:    gameID,
		Amount:    amount,
		Token:     l.token,
		Status:    models.PaymentAwaiting,
		ExpiresAt: now.Add(l.window),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := l.store.SavePayment(ctx, rec); err != nil {
		return nil, fmt.Errorf("save payment: %w", err)
	}
	if err := l.archive.SavePaymentRecord(rec); err != nil {
		logger.Log.Warnf("archive payment %s failed: %v", rec.Reference, err)
	}
	return rec, nil
}

// Verify polls the ledger for an inbound transfer matching the reference.
// The awaiting -> confirming -> confirmed walk is guarded by conditional
// updates, so concurrent verification from both instances confirms once.
func (l *Ledger) Verify(ctx context.Context, reference string) (VerifyResult, error) {
	rec, err := l.store.LoadPayment(ctx, reference)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", models.ErrPaymentNotFound
		}
		return "", err
	}

	switch rec.Status {
	case models.PaymentConfirmed, models.PaymentDistributing, models.PaymentCompleted:
		return VerifyReceived, nil
	case models.PaymentExpired:
		return VerifyExpired, nil
	case models.PaymentRefunded, models.PaymentFailed:
		return VerifyExpired, nil
	}

	now := l.now()
	if now.After(rec.ExpiresAt) {
		if err := l.store.UpdatePaymentStatus(ctx, reference, rec.Status, models.PaymentExpired); err == nil {
			rec.Status = models.PaymentExpired
			rec.UpdatedAt = now
			l.persist(ctx, rec)
		}
		return VerifyExpired, nil
	}

	transfer, err := l.chain.FindInboundTransfer(ctx, reference, rec.Amount, rec.CreatedAt)
	if err != nil {
		if errors.Is(err, ledger.ErrTransferNotFound) {
			return VerifyPending, nil
		}
		return "", fmt.Errorf("find inbound transfer: %w", err)
	}

	// Claim the confirmation. Losing the race means the other instance
	// already advanced the record, which is success from here.
	if err := l.store.UpdatePaymentStatus(ctx, reference, rec.Status, models.PaymentConfirming); err != nil {
		if errors.Is(err, store.ErrCASConflict) {
			return VerifyReceived, nil
		}
		return "", err
	}
	if err := l.store.UpdatePaymentStatus(ctx, reference, models.PaymentConfirming, models.PaymentConfirmed); err != nil {
		return "", err
	}

	rec.Status = models.PaymentConfirmed
	rec.TxHash = transfer.TxHash
	rec.UpdatedAt = l.now()
	l.persist(ctx, rec)

	logger.Log.Infof("payment %s confirmed, tx %s", reference, transfer.TxHash)
	return VerifyReceived, nil
}

// QueueRefund appends the record to the durable refund queue. The
// confirmed -> refunded conditional update makes a second request for the
// same reference fail before any transfer is created.
func (l *Ledger) QueueRefund(ctx context.Context, rec *models.PaymentRecord, reason string) error {
	if rec.Status == models.PaymentRefunded {
		return models.ErrAlreadyRefunded
	}
	if rec.Status != models.PaymentConfirmed {
		return fmt.Errorf("%w: payment %s is %s", models.ErrStateConflict, rec.Reference, rec.Status)
	}

	if err := l.store.UpdatePaymentStatus(ctx, rec.Reference, models.PaymentConfirmed, models.PaymentRefunded); err != nil {
		if errors.Is(err, store.ErrCASConflict) {
			return models.ErrAlreadyRefunded
		}
		return err
	}

	rec.Status = models.PaymentRefunded
	rec.UpdatedAt = l.now()
	l.persist(ctx, rec)

	return l.store.PushRefund(ctx, &models.RefundRequest{
		Reference: rec.Reference,
		UserID:    rec.UserID,
		GameID:    rec.GameID,
		Amount:    rec.Amount,
		Reason:    reason,
		QueuedAt:  l.now(),
	})
}

func (l *Ledger) persist(ctx context.Context, rec *models.PaymentRecord) {
	if err := l.store.SavePayment(ctx, rec); err != nil {
		logger.Log.Errorf("save payment %s failed: %v", rec.Reference, err)
	}
	if err := l.archive.SavePaymentRecord(rec); err != nil {
		logger.Log.Warnf("archive payment %s failed: %v", rec.Reference, err)
	}
}
