package game

import (
	"context"
	"errors"
	"time"

	"github.com/mworlabs/lotteryd/logger"
	"github.com/mworlabs/lotteryd/models"
	"github.com/mworlabs/lotteryd/store"
)

// Scheduler polls the shared due set and fires claimed records. Both
// instances run one; the atomic claim in the store decides which instance
// acts, so no record fires twice and a crashed instance loses nothing.
type Scheduler struct {
	store    store.DueStore
	orch     *Orchestrator
	interval time.Duration
	batch    int
}

func NewScheduler(st store.DueStore, orch *Orchestrator, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Second
	}
	return &Scheduler{
		store:    st,
		orch:     orch,
		interval: interval,
		batch:    16,
	}
}

func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	recs, err := s.store.ClaimDue(ctx, time.Now(), s.batch)
	if err != nil {
		logger.Log.Errorf("claim due records failed: %v", err)
		return
	}
	for i := range recs {
		s.fire(ctx, &recs[i])
	}
}

func (s *Scheduler) fire(ctx context.Context, rec *models.DueRecord) {
	var err error
	switch rec.Kind {
	case models.DueGameEnd:
		err = s.orch.End(ctx, rec.GameID)
	case models.DuePaymentExpiry:
		err = s.orch.ExpirePayment(ctx, rec.GameID, rec.Ref)
	default:
		logger.Log.Warnf("unknown due kind %q for game %s", rec.Kind, rec.GameID)
		return
	}

	if err == nil {
		return
	}
	if errors.Is(err, models.ErrLeaseHeld) || errors.Is(err, models.ErrNotOwner) {
		// The peer owns this game right now. Hand the record back so
		// whichever instance ends up owning it fires it shortly.
		rec.At = time.Now().Add(2 * s.interval)
		if serr := s.store.ScheduleDue(ctx, rec); serr != nil {
			logger.Log.Errorf("reschedule due %s/%s failed: %v", rec.Kind, rec.GameID, serr)
		}
		return
	}
	if errors.Is(err, models.ErrStateConflict) || errors.Is(err, models.ErrGameNotFound) {
		// Already handled elsewhere; claiming the record was still correct.
		return
	}

	// Transient failure. The claim already removed the record, so dropping
	// it here would lose the action; hand it back and retry.
	logger.Log.Errorf("due %s for game %s failed, retrying: %v", rec.Kind, rec.GameID, err)
	rec.At = time.Now().Add(2 * s.interval)
	if serr := s.store.ScheduleDue(ctx, rec); serr != nil {
		logger.Log.Errorf("reschedule due %s/%s failed: %v", rec.Kind, rec.GameID, serr)
	}
}
