package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/mworlabs/lotteryd/ledger"
	"github.com/mworlabs/lotteryd/logger"
	"github.com/mworlabs/lotteryd/models"
	"github.com/mworlabs/lotteryd/monitor"
	"github.com/mworlabs/lotteryd/notify"
	"github.com/mworlabs/lotteryd/persistence"
)

// Distributor pays out a completed paid game: system fee to the treasury
// first, then one transfer per winner. A failed transfer is recorded and
// does not abort the rest; nothing here rolls back.
type Distributor struct {
	chain         ledger.Client
	archive       persistence.Archive
	notifier      *notify.Notifier
	metrics       *monitor.Monitor
	treasury      string
	feePct        int
	transferDelay time.Duration

	now   func() time.Time
	sleep func(time.Duration)
}

func NewDistributor(chain ledger.Client, archive persistence.Archive, notifier *notify.Notifier, metrics *monitor.Monitor, treasury string, feePct int, transferDelay time.Duration) *Distributor {
	return &Distributor{
		chain:         chain,
		archive:       archive,
		notifier:      notifier,
		metrics:       metrics,
		treasury:      treasury,
		feePct:        feePct,
		transferDelay: transferDelay,
		now:           time.Now,
		sleep:         time.Sleep,
	}
}

// SplitPool computes the fee and per-winner amounts with floor division.
// The rounding remainder stays in escrow and is strictly less than the
// winner count plus the fee rounding.
func SplitPool(pool int64, feePct int, winners int) (systemFee, perWinner int64) {
	systemFee = pool * int64(feePct) / 100
	if winners > 0 {
		perWinner = (pool - systemFee) / int64(winners)
	}
	return systemFee, perWinner
}

// Distribute runs the payout for one game. The caller guarantees
// at-most-once by moving the game into its distributing status before
// calling; Distribute itself never re-checks.
func (d *Distributor) Distribute(ctx context.Context, game *models.Game, winners []string, pool int64) (*models.PrizeDistributionResult, error) {
	if len(winners) == 0 {
		return nil, fmt.Errorf("distribute %s: no winners", game.ID)
	}

	systemFee, perWinner := SplitPool(pool, d.feePct, len(winners))

	result := &models.PrizeDistributionResult{
		GameID:        game.ID,
		SystemFee:     systemFee,
		PerWinner:     perWinner,
		DistributedAt: d.now(),
	}

	// Fee first: the treasury transfer failing is an operator problem,
	// not a reason to withhold winner payouts.
	if systemFee > 0 {
		if _, err := d.chain.Transfer(ctx, d.treasury, systemFee); err != nil {
			logger.Log.Errorf("treasury fee transfer for game %s failed: %v", game.ID, err)
			result.FailedTransfers = append(result.FailedTransfers, models.FailedTransfer{
				UserID: d.treasury,
				Amount: systemFee,
				Error:  err.Error(),
			})
		}
	}

	for i, winner := range winners {
		if i > 0 || systemFee > 0 {
			// The ledger collaborator has its own throughput limits.
			d.sleep(d.transferDelay)
		}

		txHash, err := d.chain.Transfer(ctx, winner, perWinner)
		if err != nil {
			logger.Log.Errorf("prize transfer to %s for game %s failed: %v", winner, game.ID, err)
			result.FailedTransfers = append(result.FailedTransfers, models.FailedTransfer{
				UserID: winner,
				Amount: perWinner,
				Error:  err.Error(),
			})
			if archErr := d.archive.SaveRetryEntry(game.ID, winner, perWinner, "payout", err.Error()); archErr != nil {
				logger.Log.Errorf("record payout retry entry failed: %v", archErr)
			}
			if d.metrics != nil {
				d.metrics.IncDistributionFailures()
			}
			continue
		}

		result.Transfers = append(result.Transfers, models.TransferOutcome{
			UserID: winner,
			Amount: perWinner,
			TxHash: txHash,
		})
	}

	result.Success = len(result.FailedTransfers) == 0

	if err := d.archive.SaveDistributionResult(result); err != nil {
		logger.Log.Errorf("archive distribution result for game %s failed: %v", game.ID, err)
	}
	if d.metrics != nil {
		d.metrics.IncDistributions()
	}
	d.announce(game, result)

	return result, nil
}

func (d *Distributor) announce(game *models.Game, result *models.PrizeDistributionResult) {
	if d.notifier == nil {
		return
	}
	if result.Success {
		d.notifier.Send(game.ChatID,
			fmt.Sprintf("Prizes paid out: %d winner(s) received %d %s each.",
				len(result.Transfers), result.PerWinner, "tokens"),
			models.PriorityHigh)
		return
	}
	d.notifier.Send(game.ChatID,
		fmt.Sprintf("Prize payout finished with %d failed transfer(s); they will be retried.",
			len(result.FailedTransfers)),
		models.PriorityHigh)
}
