package payment

import (
	"context"
	"time"

	"github.com/mworlabs/lotteryd/logger"
	"github.com/mworlabs/lotteryd/models"
	"github.com/mworlabs/lotteryd/monitor"
	"github.com/mworlabs/lotteryd/notify"
	"github.com/mworlabs/lotteryd/store"
)

// RefundWorker drains the durable refund queue out of band. Both
// instances may run one; BLPop hands each entry to exactly one of them.
type RefundWorker struct {
	ledger   *Ledger
	notifier *notify.Notifier
	metrics  *monitor.Monitor
}

func NewRefundWorker(ledger *Ledger, notifier *notify.Notifier, metrics *monitor.Monitor) *RefundWorker {
	return &RefundWorker{ledger: ledger, notifier: notifier, metrics: metrics}
}

// Run blocks until ctx is cancelled.
func (w *RefundWorker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		req, err := w.ledger.store.PopRefund(ctx, 5*time.Second)
		if err != nil {
			if err == store.ErrNotFound || ctx.Err() != nil {
				continue
			}
			logger.Log.Errorf("refund queue pop failed: %v", err)
			time.Sleep(time.Second)
			continue
		}

		w.process(ctx, req)
	}
}

func (w *RefundWorker) process(ctx context.Context, req *models.RefundRequest) {
	txHash, err := w.ledger.chain.Transfer(ctx, req.UserID, req.Amount)
	if err != nil {
		logger.Log.Errorf("refund transfer for %s failed: %v", req.Reference, err)
		if archErr := w.ledger.archive.SaveRetryEntry(req.GameID, req.UserID, req.Amount, "refund", err.Error()); archErr != nil {
			logger.Log.Errorf("record refund retry entry failed: %v", archErr)
		}
		return
	}

	logger.Log.Infof("refunded %d to %s for game %s, tx %s", req.Amount, req.UserID, req.GameID, txHash)
	if w.metrics != nil {
		w.metrics.IncRefunds()
	}
	if w.notifier != nil {
		if chatID, ok := chatTarget(req); ok {
			w.notifier.Send(chatID, refundText(req), models.PriorityHigh)
		}
	}
}

// chatTarget resolves the user's direct chat. Telegram user ids double as
// private chat ids.
func chatTarget(req *models.RefundRequest) (int64, bool) {
	var id int64
	for _, c := range req.UserID {
		if c < '0' || c > '9' {
			return 0, false
		}
		id = id*10 + int64(c-'0')
	}
	return id, id != 0
}

func refundText(req *models.RefundRequest) string {
	if req.Reason != "" {
		return "Your entry fee was refunded (" + req.Reason + ")."
	}
	return "Your entry fee was refunded."
}
