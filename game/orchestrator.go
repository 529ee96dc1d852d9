// Package game drives the lifecycle of a lottery game from creation to
// archive. Every lifecycle mutation runs through the shared store's
// conditional status update, so replayed messages and the second process
// instance cannot double-apply a transition.
package game

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mworlabs/lotteryd/config"
	"github.com/mworlabs/lotteryd/fairness"
	"github.com/mworlabs/lotteryd/ledger"
	"github.com/mworlabs/lotteryd/logger"
	"github.com/mworlabs/lotteryd/models"
	"github.com/mworlabs/lotteryd/monitor"
	"github.com/mworlabs/lotteryd/notify"
	"github.com/mworlabs/lotteryd/payment"
	"github.com/mworlabs/lotteryd/persistence"
	"github.com/mworlabs/lotteryd/store"
)

// Orchestrator owns game state. It is safe for concurrent use; the store
// CAS, not a local mutex, is what serialises transitions across instances.
type Orchestrator struct {
	store       store.Store
	payments    *payment.Ledger
	distributor *payment.Distributor
	chain       ledger.Client
	notifier    *notify.Notifier
	archive     persistence.Archive
	metrics     *monitor.Monitor
	owner       Ownership
	cfg         config.GameConfig

	now func() time.Time
}

func NewOrchestrator(st store.Store, payments *payment.Ledger, distributor *payment.Distributor,
	chain ledger.Client, notifier *notify.Notifier, archive persistence.Archive,
	metrics *monitor.Monitor, owner Ownership, cfg config.GameConfig) *Orchestrator {
	return &Orchestrator{
		store:       st,
		payments:    payments,
		distributor: distributor,
		chain:       chain,
		notifier:    notifier,
		archive:     archive,
		metrics:     metrics,
		owner:       owner,
		cfg:         cfg,
		now:         time.Now,
	}
}

// CreateOptions carries the per-game knobs; zero values fall back to the
// configured defaults.
type CreateOptions struct {
	ChatID      int64
	Kind        models.GameKind
	EntryFee    int64
	MaxPlayers  int
	WinnerCount int
	Duration    time.Duration
}

// Create registers a new game in pending state and schedules its end.
func (o *Orchestrator) Create(ctx context.Context, opts CreateOptions) (*models.Game, error) {
	if opts.MaxPlayers <= 0 {
		opts.MaxPlayers = o.cfg.DefaultMaxPlayers
	}
	if opts.WinnerCount <= 0 {
		opts.WinnerCount = o.cfg.DefaultWinnerCount
	}
	if opts.WinnerCount > opts.MaxPlayers {
		return nil, fmt.Errorf("%w: winner count %d exceeds max players %d",
			models.ErrValidation, opts.WinnerCount, opts.MaxPlayers)
	}
	if opts.Kind == models.GameKindPaid && opts.EntryFee <= 0 {
		return nil, fmt.Errorf("%w: paid game needs a positive entry fee", models.ErrValidation)
	}
	if opts.Duration <= 0 {
		return nil, fmt.Errorf("%w: game duration must be positive", models.ErrValidation)
	}

	now := o.now()
	game := &models.Game{
		ID:          uuid.New().String(),
		ChatID:      opts.ChatID,
		Kind:        opts.Kind,
		Status:      models.GamePending,
		EntryFee:    opts.EntryFee,
		MaxPlayers:  opts.MaxPlayers,
		WinnerCount: opts.WinnerCount,
		NumberRange: models.NumberRange{Min: o.cfg.NumberRangeMin, Max: o.cfg.NumberRangeMax},
		StartAt:     now,
		EndAt:       now.Add(opts.Duration),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if opts.Kind == models.GameKindPaid {
		game.PaymentDeadline = now.Add(time.Duration(o.cfg.PaymentDeadlineMinutes) * time.Minute)
	}

	if opts.Kind == models.GameKindPaid {
		if _, err := o.chain.CreateGame(ctx, game.ID, game.EntryFee, game.MaxPlayers,
			game.WinnerCount, o.cfg.PaymentDeadlineMinutes); err != nil {
			return nil, fmt.Errorf("register game on ledger: %w", err)
		}
	}

	if err := o.store.SaveGame(ctx, game); err != nil {
		return nil, fmt.Errorf("save game: %w", err)
	}
	if err := o.store.AddActiveGame(ctx, game.ID); err != nil {
		return nil, fmt.Errorf("track active game: %w", err)
	}
	if err := o.store.ScheduleDue(ctx, &models.DueRecord{
		Kind: models.DueGameEnd, GameID: game.ID, At: game.EndAt,
	}); err != nil {
		return nil, fmt.Errorf("schedule game end: %w", err)
	}

	o.refreshActiveGauge(ctx)
	o.announceState(game)
	logger.Log.Infof("game %s created in chat %d, kind=%s fee=%d max=%d winners=%d",
		game.ID, game.ChatID, game.Kind, game.EntryFee, game.MaxPlayers, game.WinnerCount)
	return game, nil
}

// AddParticipant joins a user to an open game. Paid games get a payment
// request back; the join only counts toward the pool once the payment
// confirms.
func (o *Orchestrator) AddParticipant(ctx context.Context, gameID, userID, displayName string) (*models.PaymentRecord, error) {
	game, err := o.load(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if !game.Status.Open() {
		return nil, models.NewStateConflict(gameID, game.Status, game.Status, "join")
	}
	if game.CurrentPlayers >= game.MaxPlayers {
		return nil, models.ErrGameFull
	}
	for i := range game.Participants {
		if game.Participants[i].UserID == userID {
			return nil, models.ErrDuplicateJoin
		}
	}

	now := o.now()
	p := models.Participant{
		UserID:      userID,
		DisplayName: displayName,
		JoinedAt:    now,
	}

	var rec *models.PaymentRecord
	if game.Kind == models.GameKindPaid {
		rec, err = o.payments.CreateRequest(ctx, userID, gameID, game.EntryFee)
		if err != nil {
			return nil, fmt.Errorf("create payment request: %w", err)
		}
		p.Payment = models.PaymentAwaiting
		p.PaymentRef = rec.Reference
		if err := o.store.ScheduleDue(ctx, &models.DueRecord{
			Kind: models.DuePaymentExpiry, GameID: gameID, Ref: rec.Reference, At: rec.ExpiresAt,
		}); err != nil {
			logger.Log.Errorf("schedule payment expiry for %s failed: %v", rec.Reference, err)
		}
	} else {
		p.Payment = models.PaymentNone
	}

	game.Participants = append(game.Participants, p)
	game.CurrentPlayers++
	game.UpdatedAt = now
	if err := o.store.SaveGame(ctx, game); err != nil {
		return nil, fmt.Errorf("save game: %w", err)
	}
	if err := o.store.AddUserGame(ctx, userID, gameID); err != nil {
		logger.Log.Warnf("track user game failed: %v", err)
	}

	if _, err := o.chain.JoinGame(ctx, gameID, userID); err != nil {
		// The on-chain join is retried by the payment confirmation path
		// for paid games; for free games the local record is authoritative.
		logger.Log.Warnf("ledger join for %s/%s failed: %v", gameID, userID, err)
	}

	o.notifier.SendJoin(game.ChatID, displayName, models.PriorityLow)
	return rec, nil
}

// ConfirmPayment verifies one reference and folds a received payment into
// the pool. Verify-and-advance moves money state, so it runs under the
// game's single-writer lease. A payment that lands after the game was
// cancelled is refunded instead of joining a dead pool.
func (o *Orchestrator) ConfirmPayment(ctx context.Context, gameID, reference string) (payment.VerifyResult, error) {
	if err := o.owner.EnsureOwner(ctx, gameID); err != nil {
		return "", err
	}
	defer o.owner.Release(ctx, gameID)
	return o.confirmPayment(ctx, gameID, reference)
}

func (o *Orchestrator) confirmPayment(ctx context.Context, gameID, reference string) (payment.VerifyResult, error) {
	res, err := o.payments.Verify(ctx, reference)
	if err != nil {
		return res, err
	}
	if res == payment.VerifyExpired {
		return res, models.ErrPaymentExpired
	}
	if res != payment.VerifyReceived {
		return res, nil
	}

	game, err := o.load(ctx, gameID)
	if err != nil {
		return res, err
	}

	if game.Status.Terminal() {
		rec, lerr := o.store.LoadPayment(ctx, reference)
		if lerr != nil {
			return res, lerr
		}
		if qerr := o.payments.QueueRefund(ctx, rec, "confirmed after game "+string(game.Status)); qerr != nil &&
			!errors.Is(qerr, models.ErrAlreadyRefunded) {
			return res, qerr
		}
		return res, nil
	}

	idx := -1
	for i := range game.Participants {
		if game.Participants[i].PaymentRef == reference {
			idx = i
			break
		}
	}
	if idx < 0 {
		return res, models.ErrPaymentNotFound
	}
	if game.Participants[idx].Payment == models.PaymentConfirmed {
		return res, nil
	}

	game.Participants[idx].Payment = models.PaymentConfirmed
	game.PrizePool += game.EntryFee
	game.UpdatedAt = o.now()
	if err := o.store.SaveGame(ctx, game); err != nil {
		return res, fmt.Errorf("save game: %w", err)
	}

	o.notifier.Send(game.ChatID,
		fmt.Sprintf("%s is in! Prize pool is now %d.", game.Participants[idx].DisplayName, game.PrizePool),
		models.PriorityNormal)
	return res, nil
}

// ExpirePayment handles a fired payment-expiry record: the unpaid seat is
// released so it does not count against the player cap. It holds the same
// lease as confirmation; the two paths race over one payment record.
func (o *Orchestrator) ExpirePayment(ctx context.Context, gameID, reference string) error {
	if err := o.owner.EnsureOwner(ctx, gameID); err != nil {
		return err
	}
	defer o.owner.Release(ctx, gameID)

	res, err := o.payments.Verify(ctx, reference)
	if err != nil {
		if errors.Is(err, models.ErrPaymentNotFound) {
			return nil
		}
		return err
	}
	if res == payment.VerifyReceived {
		// Paid at the last moment; the confirmation path owns it now.
		_, err := o.confirmPayment(ctx, gameID, reference)
		return err
	}

	game, err := o.load(ctx, gameID)
	if err != nil {
		return err
	}
	if game.Status.Terminal() {
		return nil
	}

	for i := range game.Participants {
		if game.Participants[i].PaymentRef != reference {
			continue
		}
		if game.Participants[i].Payment == models.PaymentConfirmed {
			return nil
		}
		game.Participants = append(game.Participants[:i], game.Participants[i+1:]...)
		game.CurrentPlayers--
		game.UpdatedAt = o.now()
		if err := o.store.SaveGame(ctx, game); err != nil {
			return fmt.Errorf("save game: %w", err)
		}
		break
	}
	logger.Log.Infof("payment %s for game %s expired, seat released", reference, gameID)
	return nil
}

// Start moves a pending game into its number-selection phase.
func (o *Orchestrator) Start(ctx context.Context, gameID string) error {
	game, err := o.load(ctx, gameID)
	if err != nil {
		return err
	}
	if err := o.transition(ctx, game, models.GamePending, models.GameNumberSelection); err != nil {
		return err
	}
	game.UpdatedAt = o.now()
	if err := o.store.SaveGame(ctx, game); err != nil {
		return fmt.Errorf("save game: %w", err)
	}
	o.notifier.Send(game.ChatID,
		fmt.Sprintf("Game on! Pick your number between %d and %d.", game.NumberRange.Min, game.NumberRange.Max),
		models.PriorityHigh)
	return nil
}

// SelectNumber records one participant's number. Numbers are unique per
// game; once every eligible participant has picked, the game activates.
func (o *Orchestrator) SelectNumber(ctx context.Context, gameID, userID string, number int) error {
	game, err := o.load(ctx, gameID)
	if err != nil {
		return err
	}
	if game.Status != models.GameNumberSelection {
		return models.NewStateConflict(gameID, game.Status, models.GameNumberSelection, "select number")
	}
	if number < game.NumberRange.Min || number > game.NumberRange.Max {
		return fmt.Errorf("%w: %d not in [%d,%d]", models.ErrNumberOutOfRange,
			number, game.NumberRange.Min, game.NumberRange.Max)
	}

	idx := -1
	for i := range game.Participants {
		p := &game.Participants[i]
		if p.SelectedNumber != nil && *p.SelectedNumber == number && p.UserID != userID {
			return models.ErrNumberTaken
		}
		if p.UserID == userID {
			idx = i
		}
	}
	if idx < 0 {
		return models.ErrGameNotFound
	}
	if game.Kind == models.GameKindPaid && game.Participants[idx].Payment != models.PaymentConfirmed {
		return models.ErrPaymentPending
	}

	game.Participants[idx].SelectedNumber = &number
	game.UpdatedAt = o.now()
	if err := o.store.SaveGame(ctx, game); err != nil {
		return fmt.Errorf("save game: %w", err)
	}

	if _, err := o.chain.SelectNumber(ctx, gameID, userID, number); err != nil {
		logger.Log.Warnf("ledger select number for %s/%s failed: %v", gameID, userID, err)
	}

	if o.allSelected(game) {
		return o.activate(ctx, game)
	}
	return nil
}

func (o *Orchestrator) allSelected(game *models.Game) bool {
	if game.CurrentPlayers == 0 {
		return false
	}
	for i := range game.Participants {
		p := &game.Participants[i]
		if game.Kind == models.GameKindPaid && p.Payment != models.PaymentConfirmed {
			continue
		}
		if p.SelectedNumber == nil {
			return false
		}
	}
	return true
}

// activate fixes the seed at the moment play begins so every subsequent
// draw is verifiable against it.
func (o *Orchestrator) activate(ctx context.Context, game *models.Game) error {
	seed, err := o.chain.RandomSeed(ctx, game.ID)
	if err != nil {
		return fmt.Errorf("fetch random seed: %w", err)
	}
	if err := o.transition(ctx, game, models.GameNumberSelection, models.GameActive); err != nil {
		return err
	}
	game.Seed = seed
	game.UpdatedAt = o.now()
	if err := o.store.SaveGame(ctx, game); err != nil {
		return fmt.Errorf("save game: %w", err)
	}
	o.notifier.Send(game.ChatID, "All numbers are in. Let the draws begin!", models.PriorityHigh)
	return nil
}

// RunEliminationRound draws one number and knocks out everyone holding it.
// When the survivors fit inside the winner count the game completes with
// those survivors as winners.
func (o *Orchestrator) RunEliminationRound(ctx context.Context, gameID string) error {
	game, err := o.load(ctx, gameID)
	if err != nil {
		return err
	}
	if game.Status != models.GameActive {
		return models.NewStateConflict(gameID, game.Status, models.GameActive, "elimination round")
	}
	if game.Seed == "" {
		return fmt.Errorf("game %s has no seed", gameID)
	}

	round := game.CurrentRound + 1
	drawn := fairness.DrawNumber(game.Seed, round, game.NumberRange.Min, game.NumberRange.Max)

	randomValue := sha256.Sum256([]byte(fmt.Sprintf("%s:round:%d", game.Seed, round)))
	if _, err := o.chain.SubmitVRF(ctx, gameID, round, randomValue, nil); err != nil {
		logger.Log.Warnf("submit vrf for %s round %d failed: %v", gameID, round, err)
	}
	if _, err := o.chain.ProcessElimination(ctx, gameID, round); err != nil {
		logger.Log.Warnf("ledger elimination for %s round %d failed: %v", gameID, round, err)
	}

	var knockedOut []string
	for i := range game.Participants {
		p := &game.Participants[i]
		if p.Eliminated() || p.SelectedNumber == nil {
			continue
		}
		if *p.SelectedNumber == drawn {
			r := round
			p.EliminatedRound = &r
			knockedOut = append(knockedOut, p.DisplayName)
		}
	}

	game.CurrentRound = round
	game.DrawnNumbers = append(game.DrawnNumbers, drawn)
	game.UpdatedAt = o.now()
	if err := o.store.SaveGame(ctx, game); err != nil {
		return fmt.Errorf("save game: %w", err)
	}

	survivors := o.remaining(game)
	o.notifier.Send(game.ChatID, roundText(round, drawn, knockedOut, len(survivors)), models.PriorityHigh)
	logger.Log.Infof("game %s round %d drew %d, eliminated %d, %d remain",
		gameID, round, drawn, len(knockedOut), len(survivors))

	if len(survivors) <= game.WinnerCount {
		return o.End(ctx, gameID)
	}
	return nil
}

func (o *Orchestrator) remaining(game *models.Game) []string {
	var out []string
	for i := range game.Participants {
		p := &game.Participants[i]
		if p.Eliminated() {
			continue
		}
		if game.Kind == models.GameKindPaid && p.Payment != models.PaymentConfirmed {
			continue
		}
		out = append(out, p.UserID)
	}
	return out
}

// End completes a game: pick winners deterministically from the seed,
// persist winners and seed in one snapshot write, then distribute prizes
// for paid games. The active -> distributing conditional update is the
// at-most-once guard; a second concurrent End loses that update and stops.
func (o *Orchestrator) End(ctx context.Context, gameID string) error {
	if err := o.owner.EnsureOwner(ctx, gameID); err != nil {
		return err
	}
	defer o.owner.Release(ctx, gameID)

	game, err := o.load(ctx, gameID)
	if err != nil {
		return err
	}
	switch game.Status {
	case models.GameActive:
	case models.GamePending, models.GameNumberSelection:
		// Ended before play could begin; nothing to draw over.
		return o.Cancel(ctx, gameID, "not enough players by the deadline")
	case models.GameDistributing, models.GameCompleted:
		return fmt.Errorf("%w: game %s", models.ErrAlreadyDistributed, gameID)
	default:
		return models.NewStateConflict(gameID, game.Status, models.GameActive, "end")
	}

	seed := game.Seed
	if seed == "" {
		seed, err = o.chain.RandomSeed(ctx, gameID)
		if err != nil {
			return fmt.Errorf("fetch random seed: %w", err)
		}
	}

	eligible := o.remaining(game)
	if len(eligible) == 0 {
		return o.Cancel(ctx, gameID, "no eligible participants at game end")
	}

	winners, err := fairness.SelectWinners(eligible, game.WinnerCount, seed)
	if err != nil {
		return fmt.Errorf("select winners: %w", err)
	}

	if err := o.transition(ctx, game, models.GameActive, models.GameDistributing); err != nil {
		return err
	}

	game.Seed = seed
	game.Winners = winners
	o.markWinners(game, winners)
	game.UpdatedAt = o.now()
	if err := o.store.SaveGame(ctx, game); err != nil {
		return fmt.Errorf("save game: %w", err)
	}

	if _, err := o.chain.CompleteGame(ctx, gameID); err != nil {
		logger.Log.Warnf("ledger complete for %s failed: %v", gameID, err)
	}

	if game.Kind == models.GameKindPaid && game.PrizePool > 0 {
		result, derr := o.distributor.Distribute(ctx, game, winners, game.PrizePool)
		if derr != nil {
			logger.Log.Errorf("distribute for game %s failed: %v", gameID, derr)
		} else {
			o.applyDistribution(game, result)
		}
	}

	if err := o.transition(ctx, game, models.GameDistributing, models.GameCompleted); err != nil {
		return err
	}
	game.CompletedAt = o.now()
	game.UpdatedAt = game.CompletedAt
	if err := o.store.SaveGame(ctx, game); err != nil {
		return fmt.Errorf("save game: %w", err)
	}

	o.finish(ctx, game)
	o.notifier.Announce(game.ChatID, announceKey(game.ID), winnerText(game), models.PriorityCritical)
	logger.Log.Infof("game %s completed, winners=%v pool=%d", gameID, winners, game.PrizePool)
	return nil
}

// Cancel aborts a non-terminal game and refunds every confirmed payment.
func (o *Orchestrator) Cancel(ctx context.Context, gameID, reason string) error {
	game, err := o.load(ctx, gameID)
	if err != nil {
		return err
	}
	if game.Status.Terminal() || game.Status == models.GameDistributing {
		return models.NewStateConflict(gameID, game.Status, models.GameCancelled, "cancel")
	}

	if err := o.transition(ctx, game, game.Status, models.GameCancelled); err != nil {
		return err
	}
	game.CancelReason = reason
	game.UpdatedAt = o.now()
	if err := o.store.SaveGame(ctx, game); err != nil {
		return fmt.Errorf("save game: %w", err)
	}

	if _, err := o.chain.CancelGame(ctx, gameID, reason); err != nil {
		logger.Log.Warnf("ledger cancel for %s failed: %v", gameID, err)
	}

	for i := range game.Participants {
		p := &game.Participants[i]
		if p.PaymentRef == "" || p.Payment != models.PaymentConfirmed {
			continue
		}
		rec, lerr := o.store.LoadPayment(ctx, p.PaymentRef)
		if lerr != nil {
			logger.Log.Errorf("load payment %s for refund failed: %v", p.PaymentRef, lerr)
			continue
		}
		if qerr := o.payments.QueueRefund(ctx, rec, "game cancelled: "+reason); qerr != nil &&
			!errors.Is(qerr, models.ErrAlreadyRefunded) {
			logger.Log.Errorf("queue refund %s failed: %v", p.PaymentRef, qerr)
		}
	}

	o.finish(ctx, game)
	o.notifier.Announce(game.ChatID, announceKey(game.ID),
		fmt.Sprintf("Game cancelled: %s. Entry fees will be refunded.", reason),
		models.PriorityCritical)
	logger.Log.Infof("game %s cancelled: %s", gameID, reason)
	return nil
}

// ClaimPrize forwards a winner's claim to the ledger and marks it locally.
func (o *Orchestrator) ClaimPrize(ctx context.Context, gameID, userID string) error {
	game, err := o.load(ctx, gameID)
	if err != nil {
		return err
	}
	if game.Status != models.GameCompleted {
		return models.NewStateConflict(gameID, game.Status, models.GameCompleted, "claim prize")
	}
	for i := range game.Participants {
		p := &game.Participants[i]
		if p.UserID != userID {
			continue
		}
		if !p.IsWinner {
			return fmt.Errorf("%w: %s did not win game %s", models.ErrValidation, userID, gameID)
		}
		if p.PrizeClaimed {
			return nil
		}
		if _, err := o.chain.ClaimPrize(ctx, gameID, userID); err != nil {
			return fmt.Errorf("claim prize: %w", err)
		}
		p.PrizeClaimed = true
		game.UpdatedAt = o.now()
		return o.store.SaveGame(ctx, game)
	}
	return models.ErrGameNotFound
}

// Game returns the current snapshot for one game.
func (o *Orchestrator) Game(ctx context.Context, gameID string) (*models.Game, error) {
	return o.load(ctx, gameID)
}

func (o *Orchestrator) load(ctx context.Context, gameID string) (*models.Game, error) {
	game, err := o.store.LoadGame(ctx, gameID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, models.ErrGameNotFound
		}
		return nil, err
	}
	return game, nil
}

// transition is the single choke point for status changes: the store CAS
// first, then the in-memory copy.
func (o *Orchestrator) transition(ctx context.Context, game *models.Game, from, to models.GameStatus) error {
	if !from.CanTransition(to) {
		return models.NewStateConflict(game.ID, from, to, "transition")
	}
	if err := o.store.UpdateGameStatus(ctx, game.ID, from, to); err != nil {
		if errors.Is(err, store.ErrCASConflict) {
			return models.NewStateConflict(game.ID, game.Status, to, "transition")
		}
		return err
	}
	game.Status = to
	return nil
}

func (o *Orchestrator) markWinners(game *models.Game, winners []string) {
	_, perWinner := payment.SplitPool(game.PrizePool, o.cfg.FeePercent, len(winners))
	set := make(map[string]bool, len(winners))
	for _, w := range winners {
		set[w] = true
	}
	for i := range game.Participants {
		p := &game.Participants[i]
		if set[p.UserID] {
			p.IsWinner = true
			if game.Kind == models.GameKindPaid {
				p.PrizeAmount = perWinner
			}
		}
	}
}

func (o *Orchestrator) applyDistribution(game *models.Game, result *models.PrizeDistributionResult) {
	paid := make(map[string]bool, len(result.Transfers))
	for _, t := range result.Transfers {
		paid[t.UserID] = true
	}
	for i := range game.Participants {
		p := &game.Participants[i]
		if p.IsWinner && paid[p.UserID] {
			p.PrizeClaimed = true
		}
	}
}

// finish removes the game from the live indexes and writes the archive
// row. The snapshot stays in the store until its TTL runs out.
func (o *Orchestrator) finish(ctx context.Context, game *models.Game) {
	if err := o.store.RemoveActiveGame(ctx, game.ID); err != nil {
		logger.Log.Warnf("remove active game %s failed: %v", game.ID, err)
	}
	if err := o.store.CancelDue(ctx, models.DueGameEnd, game.ID); err != nil {
		logger.Log.Warnf("cancel game end due for %s failed: %v", game.ID, err)
	}
	if err := o.archive.ArchiveGame(game); err != nil {
		logger.Log.Errorf("archive game %s failed: %v", game.ID, err)
	}
	o.refreshActiveGauge(ctx)
}

func (o *Orchestrator) refreshActiveGauge(ctx context.Context) {
	if o.metrics == nil {
		return
	}
	ids, err := o.store.ActiveGames(ctx)
	if err != nil {
		return
	}
	o.metrics.SetActiveGames(len(ids))
}

func (o *Orchestrator) announceState(game *models.Game) {
	text := fmt.Sprintf("New lottery! Up to %d players, %d winner(s).", game.MaxPlayers, game.WinnerCount)
	if game.Kind == models.GameKindPaid {
		text = fmt.Sprintf("New lottery! Entry fee %d, up to %d players, %d winner(s). Pay within %d minutes of joining.",
			game.EntryFee, game.MaxPlayers, game.WinnerCount, o.cfg.PaymentDeadlineMinutes)
	}
	o.notifier.Announce(game.ChatID, announceKey(game.ID), text, models.PriorityHigh)
}

func announceKey(gameID string) string {
	return "game:" + gameID
}

func roundText(round, drawn int, knockedOut []string, remaining int) string {
	if len(knockedOut) == 0 {
		return fmt.Sprintf("Round %d drew %d. Nobody out, %d still in.", round, drawn, remaining)
	}
	out := knockedOut[0]
	for i := 1; i < len(knockedOut); i++ {
		out += ", " + knockedOut[i]
	}
	return fmt.Sprintf("Round %d drew %d. Out: %s. %d still in.", round, drawn, out, remaining)
}

func winnerText(game *models.Game) string {
	names := make(map[string]string, len(game.Participants))
	for i := range game.Participants {
		names[game.Participants[i].UserID] = game.Participants[i].DisplayName
	}
	text := "The game is over! Winner(s):"
	for _, w := range game.Winners {
		name := names[w]
		if name == "" {
			name = w
		}
		text += " " + name
	}
	if game.Kind == models.GameKindPaid {
		for i := range game.Participants {
			if game.Participants[i].IsWinner && game.Participants[i].PrizeAmount > 0 {
				text += fmt.Sprintf(" Each wins %d.", game.Participants[i].PrizeAmount)
				break
			}
		}
	}
	return text
}
