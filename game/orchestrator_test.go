package game

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/mworlabs/lotteryd/config"
	"github.com/mworlabs/lotteryd/ledger"
	"github.com/mworlabs/lotteryd/logger"
	"github.com/mworlabs/lotteryd/models"
	"github.com/mworlabs/lotteryd/notify"
	"github.com/mworlabs/lotteryd/payment"
	"github.com/mworlabs/lotteryd/persistence"
)

func TestMain(m *testing.M) {
	logger.InitDevelopment()
	os.Exit(m.Run())
}

type fakeChain struct {
	mu        sync.Mutex
	transfers map[string]*ledger.InboundTransfer
	sent      []string
	cancelled []string
	seedErr   error
}

func newFakeChain() *fakeChain {
	return &fakeChain{transfers: make(map[string]*ledger.InboundTransfer)}
}

func (c *fakeChain) CreateGame(ctx context.Context, gameID string, entryFee int64, maxPlayers, winnerCount, deadlineMinutes int) (string, error) {
	return "tx", nil
}
func (c *fakeChain) JoinGame(ctx context.Context, gameID, userID string) (string, error) {
	return "tx", nil
}
func (c *fakeChain) SelectNumber(ctx context.Context, gameID, userID string, number int) (string, error) {
	return "tx", nil
}
func (c *fakeChain) SubmitVRF(ctx context.Context, gameID string, round int, randomValue [32]byte, proof []byte) (string, error) {
	return "tx", nil
}
func (c *fakeChain) ProcessElimination(ctx context.Context, gameID string, round int) (string, error) {
	return "tx", nil
}
func (c *fakeChain) CompleteGame(ctx context.Context, gameID string) (string, error) {
	return "tx", nil
}
func (c *fakeChain) CancelGame(ctx context.Context, gameID, reason string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = append(c.cancelled, gameID)
	return "tx", nil
}
func (c *fakeChain) ClaimPrize(ctx context.Context, gameID, userID string) (string, error) {
	return "tx", nil
}
func (c *fakeChain) RandomSeed(ctx context.Context, gameID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seedErr != nil {
		return "", c.seedErr
	}
	return "seed-" + gameID, nil
}
func (c *fakeChain) Transfer(ctx context.Context, recipient string, amount int64) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, recipient)
	return "tx", nil
}
func (c *fakeChain) Balance(ctx context.Context, wallet string) (int64, error) { return 0, nil }
func (c *fakeChain) FindInboundTransfer(ctx context.Context, reference string, minAmount int64, after time.Time) (*ledger.InboundTransfer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tr, ok := c.transfers[reference]
	if !ok {
		return nil, ledger.ErrTransferNotFound
	}
	return tr, nil
}
func (c *fakeChain) Ping(ctx context.Context) error { return nil }

func (c *fakeChain) addInbound(reference string, amount int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transfers[reference] = &ledger.InboundTransfer{Reference: reference, Amount: amount, TxHash: "tx-in", At: time.Now()}
}

func (c *fakeChain) transferCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *fakeChain) setSeedErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seedErr = err
}

type fakeArchive struct {
	mu       sync.Mutex
	archived []string
}

func (a *fakeArchive) ArchiveGame(game *models.Game) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.archived = append(a.archived, game.ID)
	return nil
}
func (a *fakeArchive) SavePaymentRecord(rec *models.PaymentRecord) error { return nil }
func (a *fakeArchive) SaveDistributionResult(result *models.PrizeDistributionResult) error {
	return nil
}
func (a *fakeArchive) SaveRetryEntry(gameID, userID string, amount int64, kind, lastErr string) error {
	return nil
}
func (a *fakeArchive) ReportGames(limit int) ([]persistence.GameReportRow, error) { return nil, nil }
func (a *fakeArchive) Close() error                                               { return nil }

type stubTransport struct{}

func (stubTransport) SendMessage(chatID int64, text string) (int, error)      { return 1, nil }
func (stubTransport) EditMessage(chatID int64, messageID int, t string) error { return nil }
func (stubTransport) DeleteMessage(chatID int64, messageID int) error         { return nil }
func (stubTransport) AnswerCallback(callbackID, text string) error            { return nil }
func (stubTransport) Ping() error                                             { return nil }

type openOwnership struct{}

func (openOwnership) EnsureOwner(ctx context.Context, gameID string) error { return nil }
func (openOwnership) Release(ctx context.Context, gameID string)           {}

type deniedOwnership struct{}

func (deniedOwnership) EnsureOwner(ctx context.Context, gameID string) error {
	return models.ErrLeaseHeld
}
func (deniedOwnership) Release(ctx context.Context, gameID string) {}

type testEnv struct {
	store *memStore
	chain *fakeChain
	arch  *fakeArchive
	orch  *Orchestrator
}

func newTestEnv(owner Ownership) *testEnv {
	st := newMemStore()
	chain := newFakeChain()
	arch := &fakeArchive{}

	notifier := notify.NewNotifier(config.NotifyConfig{
		QueueLimit:   100,
		BundleWindow: time.Second,
		MaxAttempts:  3,
		DrainPerTick: 10,
	}, stubTransport{}, nil)

	payments := payment.NewLedger(st, chain, arch, "TOKEN", 15)
	distributor := payment.NewDistributor(chain, arch, notifier, nil, "treasury", 10, 0)

	cfg := config.GameConfig{
		FeePercent:             10,
		DefaultMaxPlayers:      10,
		DefaultWinnerCount:     1,
		PaymentDeadlineMinutes: 15,
		NumberRangeMin:         1,
		NumberRangeMax:         3,
	}
	orch := NewOrchestrator(st, payments, distributor, chain, notifier, arch, nil, owner, cfg)
	return &testEnv{store: st, chain: chain, arch: arch, orch: orch}
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv(openOwnership{})
	ctx := context.Background()

	_, err := env.orch.Create(ctx, CreateOptions{
		ChatID: 1, Kind: models.GameKindFree, MaxPlayers: 2, WinnerCount: 3, Duration: time.Minute,
	})
	if !errors.Is(err, models.ErrValidation) {
		t.Fatalf("winner count above max players should fail, got %v", err)
	}

	_, err = env.orch.Create(ctx, CreateOptions{
		ChatID: 1, Kind: models.GameKindPaid, EntryFee: 0, Duration: time.Minute,
	})
	if !errors.Is(err, models.ErrValidation) {
		t.Fatalf("paid game without fee should fail, got %v", err)
	}
}

func TestJoinGuards(t *testing.T) {
	env := newTestEnv(openOwnership{})
	ctx := context.Background()

	g, err := env.orch.Create(ctx, CreateOptions{
		ChatID: 1, Kind: models.GameKindFree, MaxPlayers: 2, WinnerCount: 1, Duration: time.Minute,
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := env.orch.AddParticipant(ctx, g.ID, "u1", "Alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.orch.AddParticipant(ctx, g.ID, "u1", "Alice"); !errors.Is(err, models.ErrDuplicateJoin) {
		t.Fatalf("duplicate join should fail, got %v", err)
	}
	if _, err := env.orch.AddParticipant(ctx, g.ID, "u2", "Bob"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.orch.AddParticipant(ctx, g.ID, "u3", "Carol"); !errors.Is(err, models.ErrGameFull) {
		t.Fatalf("join beyond max players should fail, got %v", err)
	}
}

func TestPaidGameLifecycle(t *testing.T) {
	env := newTestEnv(openOwnership{})
	ctx := context.Background()

	g, err := env.orch.Create(ctx, CreateOptions{
		ChatID: 1, Kind: models.GameKindPaid, EntryFee: 50, MaxPlayers: 2, WinnerCount: 1,
		Duration: time.Minute,
	})
	if err != nil {
		t.Fatal(err)
	}

	rec1, err := env.orch.AddParticipant(ctx, g.ID, "u1", "Alice")
	if err != nil || rec1 == nil {
		t.Fatalf("paid join should return a payment request: rec=%v err=%v", rec1, err)
	}
	rec2, _ := env.orch.AddParticipant(ctx, g.ID, "u2", "Bob")

	// Numbers may not be picked before the fee confirms.
	if err := env.orch.Start(ctx, g.ID); err != nil {
		t.Fatal(err)
	}
	if err := env.orch.SelectNumber(ctx, g.ID, "u1", 1); !errors.Is(err, models.ErrPaymentPending) {
		t.Fatalf("unpaid participant should not select, got %v", err)
	}

	for _, rec := range []*models.PaymentRecord{rec1, rec2} {
		env.chain.addInbound(rec.Reference, 50)
		if _, err := env.orch.ConfirmPayment(ctx, g.ID, rec.Reference); err != nil {
			t.Fatal(err)
		}
	}

	snap, _ := env.orch.Game(ctx, g.ID)
	if snap.PrizePool != 100 {
		t.Fatalf("pool should be 100 after two confirmations, got %d", snap.PrizePool)
	}

	if err := env.orch.SelectNumber(ctx, g.ID, "u1", 1); err != nil {
		t.Fatal(err)
	}
	if err := env.orch.SelectNumber(ctx, g.ID, "u2", 1); !errors.Is(err, models.ErrNumberTaken) {
		t.Fatalf("taken number should fail, got %v", err)
	}
	if err := env.orch.SelectNumber(ctx, g.ID, "u2", 9); !errors.Is(err, models.ErrNumberOutOfRange) {
		t.Fatalf("out-of-range number should fail, got %v", err)
	}
	if err := env.orch.SelectNumber(ctx, g.ID, "u2", 2); err != nil {
		t.Fatal(err)
	}

	// All numbers in: the game activates with a fixed seed.
	snap, _ = env.orch.Game(ctx, g.ID)
	if snap.Status != models.GameActive {
		t.Fatalf("expected active after all selections, got %s", snap.Status)
	}
	if snap.Seed == "" {
		t.Fatal("seed should be fixed at activation")
	}

	if err := env.orch.End(ctx, g.ID); err != nil {
		t.Fatal(err)
	}

	final, _ := env.orch.Game(ctx, g.ID)
	if final.Status != models.GameCompleted {
		t.Fatalf("expected completed, got %s", final.Status)
	}
	if len(final.Winners) != 1 {
		t.Fatalf("expected one winner, got %v", final.Winners)
	}
	// Fee 10 to treasury, 90 to the winner.
	if got := env.chain.transferCount(); got != 2 {
		t.Fatalf("expected treasury + winner transfers, got %d", got)
	}
	if len(env.arch.archived) != 1 {
		t.Fatalf("completed game should be archived once, got %d", len(env.arch.archived))
	}
}

func TestEndRunsDistributionAtMostOnce(t *testing.T) {
	env := newTestEnv(openOwnership{})
	ctx := context.Background()

	g, _ := env.orch.Create(ctx, CreateOptions{
		ChatID: 1, Kind: models.GameKindPaid, EntryFee: 50, MaxPlayers: 2, WinnerCount: 1,
		Duration: time.Minute,
	})
	rec1, _ := env.orch.AddParticipant(ctx, g.ID, "u1", "Alice")
	rec2, _ := env.orch.AddParticipant(ctx, g.ID, "u2", "Bob")
	env.chain.addInbound(rec1.Reference, 50)
	env.chain.addInbound(rec2.Reference, 50)
	env.orch.ConfirmPayment(ctx, g.ID, rec1.Reference)
	env.orch.ConfirmPayment(ctx, g.ID, rec2.Reference)
	env.orch.Start(ctx, g.ID)
	env.orch.SelectNumber(ctx, g.ID, "u1", 1)
	env.orch.SelectNumber(ctx, g.ID, "u2", 2)

	if err := env.orch.End(ctx, g.ID); err != nil {
		t.Fatal(err)
	}
	sentAfterFirst := env.chain.transferCount()

	if err := env.orch.End(ctx, g.ID); !errors.Is(err, models.ErrAlreadyDistributed) {
		t.Fatalf("second end should report the finished distribution, got %v", err)
	}
	if env.chain.transferCount() != sentAfterFirst {
		t.Fatal("second end must not move money again")
	}
}

func TestCancelRefundsConfirmedOnly(t *testing.T) {
	env := newTestEnv(openOwnership{})
	ctx := context.Background()

	g, _ := env.orch.Create(ctx, CreateOptions{
		ChatID: 1, Kind: models.GameKindPaid, EntryFee: 50, MaxPlayers: 5, WinnerCount: 1,
		Duration: time.Minute,
	})
	rec1, _ := env.orch.AddParticipant(ctx, g.ID, "u1", "Alice")
	_, _ = env.orch.AddParticipant(ctx, g.ID, "u2", "Bob") // never pays

	env.chain.addInbound(rec1.Reference, 50)
	env.orch.ConfirmPayment(ctx, g.ID, rec1.Reference)

	if err := env.orch.Cancel(ctx, g.ID, "host left"); err != nil {
		t.Fatal(err)
	}

	final, _ := env.orch.Game(ctx, g.ID)
	if final.Status != models.GameCancelled || final.CancelReason != "host left" {
		t.Fatalf("unexpected final state: %s / %q", final.Status, final.CancelReason)
	}
	if env.store.refundCount() != 1 {
		t.Fatalf("only the confirmed payment should be refunded, got %d", env.store.refundCount())
	}
	if len(env.chain.cancelled) != 1 {
		t.Fatal("cancel should reach the ledger")
	}
}

func TestLateConfirmationAfterCancelIsRefunded(t *testing.T) {
	env := newTestEnv(openOwnership{})
	ctx := context.Background()

	g, _ := env.orch.Create(ctx, CreateOptions{
		ChatID: 1, Kind: models.GameKindPaid, EntryFee: 50, MaxPlayers: 5, WinnerCount: 1,
		Duration: time.Minute,
	})
	rec, _ := env.orch.AddParticipant(ctx, g.ID, "u1", "Alice")

	if err := env.orch.Cancel(ctx, g.ID, "not enough players"); err != nil {
		t.Fatal(err)
	}
	if env.store.refundCount() != 0 {
		t.Fatal("awaiting payment has nothing to refund yet")
	}

	// The transfer lands after cancellation.
	env.chain.addInbound(rec.Reference, 50)
	res, err := env.orch.ConfirmPayment(ctx, g.ID, rec.Reference)
	if err != nil {
		t.Fatal(err)
	}
	if res != payment.VerifyReceived {
		t.Fatalf("payment should verify as received, got %s", res)
	}
	if env.store.refundCount() != 1 {
		t.Fatalf("late confirmation on a cancelled game must queue a refund, got %d", env.store.refundCount())
	}
}

func TestEliminationRoundsCompleteGame(t *testing.T) {
	env := newTestEnv(openOwnership{})
	ctx := context.Background()

	g, _ := env.orch.Create(ctx, CreateOptions{
		ChatID: 1, Kind: models.GameKindFree, MaxPlayers: 3, WinnerCount: 1, Duration: time.Minute,
	})
	for _, u := range []string{"u1", "u2", "u3"} {
		if _, err := env.orch.AddParticipant(ctx, g.ID, u, u); err != nil {
			t.Fatal(err)
		}
	}
	env.orch.Start(ctx, g.ID)
	for i, u := range []string{"u1", "u2", "u3"} {
		if err := env.orch.SelectNumber(ctx, g.ID, u, i+1); err != nil {
			t.Fatal(err)
		}
	}

	for round := 0; round < 50; round++ {
		snap, _ := env.orch.Game(ctx, g.ID)
		if snap.Status == models.GameCompleted {
			break
		}
		if err := env.orch.RunEliminationRound(ctx, g.ID); err != nil {
			t.Fatal(err)
		}
	}

	final, _ := env.orch.Game(ctx, g.ID)
	if final.Status != models.GameCompleted {
		t.Fatalf("elimination game should finish, stuck at %s after %d rounds", final.Status, final.CurrentRound)
	}
	if len(final.Winners) != 1 {
		t.Fatalf("expected one winner, got %v", final.Winners)
	}
	if len(final.DrawnNumbers) != final.CurrentRound {
		t.Fatalf("drawn numbers (%d) should match rounds (%d)", len(final.DrawnNumbers), final.CurrentRound)
	}
	// The winner must have survived every draw.
	for i := range final.Participants {
		p := &final.Participants[i]
		if p.UserID == final.Winners[0] && p.Eliminated() {
			t.Fatal("winner was eliminated")
		}
	}
}

func TestExpirePaymentReleasesSeat(t *testing.T) {
	env := newTestEnv(openOwnership{})
	ctx := context.Background()

	g, _ := env.orch.Create(ctx, CreateOptions{
		ChatID: 1, Kind: models.GameKindPaid, EntryFee: 50, MaxPlayers: 1, WinnerCount: 1,
		Duration: time.Minute,
	})
	rec, _ := env.orch.AddParticipant(ctx, g.ID, "u1", "Alice")

	if _, err := env.orch.AddParticipant(ctx, g.ID, "u2", "Bob"); !errors.Is(err, models.ErrGameFull) {
		t.Fatalf("seat should be held while payment pends, got %v", err)
	}

	if err := env.orch.ExpirePayment(ctx, g.ID, rec.Reference); err != nil {
		t.Fatal(err)
	}

	if _, err := env.orch.AddParticipant(ctx, g.ID, "u2", "Bob"); err != nil {
		t.Fatalf("seat should free up after expiry, got %v", err)
	}
}

func TestSchedulerReschedulesWhenLeaseHeld(t *testing.T) {
	env := newTestEnv(deniedOwnership{})
	ctx := context.Background()

	g, _ := env.orch.Create(ctx, CreateOptions{
		ChatID: 1, Kind: models.GameKindFree, MaxPlayers: 2, WinnerCount: 1, Duration: time.Millisecond,
	})

	s := NewScheduler(env.store, env.orch, time.Second)
	time.Sleep(5 * time.Millisecond)
	s.tick(ctx)

	if env.store.dueCount() != 1 {
		t.Fatalf("lease-held due record should be handed back, got %d records", env.store.dueCount())
	}
	snap, _ := env.orch.Game(ctx, g.ID)
	if snap.Status.Terminal() {
		t.Fatalf("game must not end while the peer holds the lease, status=%s", snap.Status)
	}
}

func TestStartPersistsNumberSelection(t *testing.T) {
	env := newTestEnv(openOwnership{})
	ctx := context.Background()

	g, _ := env.orch.Create(ctx, CreateOptions{
		ChatID: 1, Kind: models.GameKindFree, MaxPlayers: 2, WinnerCount: 1, Duration: time.Minute,
	})
	if _, err := env.orch.AddParticipant(ctx, g.ID, "u1", "Alice"); err != nil {
		t.Fatal(err)
	}
	if err := env.orch.Start(ctx, g.ID); err != nil {
		t.Fatal(err)
	}

	reloaded, err := env.store.LoadGame(ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Status != models.GameNumberSelection {
		t.Fatalf("started game must be reloadable as %s, got %s", models.GameNumberSelection, reloaded.Status)
	}
	if err := env.orch.SelectNumber(ctx, g.ID, "u1", 1); err != nil {
		t.Fatalf("selection should be allowed after start, got %v", err)
	}
}

func TestStaleSnapshotSaveCannotRerunDistribution(t *testing.T) {
	env := newTestEnv(openOwnership{})
	ctx := context.Background()

	g, _ := env.orch.Create(ctx, CreateOptions{
		ChatID: 1, Kind: models.GameKindPaid, EntryFee: 50, MaxPlayers: 2, WinnerCount: 1,
		Duration: time.Minute,
	})
	rec1, _ := env.orch.AddParticipant(ctx, g.ID, "u1", "Alice")
	rec2, _ := env.orch.AddParticipant(ctx, g.ID, "u2", "Bob")
	env.chain.addInbound(rec1.Reference, 50)
	env.chain.addInbound(rec2.Reference, 50)
	env.orch.ConfirmPayment(ctx, g.ID, rec1.Reference)
	env.orch.ConfirmPayment(ctx, g.ID, rec2.Reference)
	env.orch.Start(ctx, g.ID)
	env.orch.SelectNumber(ctx, g.ID, "u1", 1)
	env.orch.SelectNumber(ctx, g.ID, "u2", 2)

	// A reader loaded the snapshot while the game was still active.
	stale, err := env.store.LoadGame(ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stale.Status != models.GameActive {
		t.Fatalf("setup: expected active snapshot, got %s", stale.Status)
	}

	if err := env.orch.End(ctx, g.ID); err != nil {
		t.Fatal(err)
	}
	sent := env.chain.transferCount()

	// The stale read-modify-write lands after completion. It must not
	// reopen the status and let a second end pay out again.
	if err := env.store.SaveGame(ctx, stale); err != nil {
		t.Fatal(err)
	}
	if err := env.orch.End(ctx, g.ID); !errors.Is(err, models.ErrStateConflict) {
		t.Fatalf("end after a stale save must conflict, got %v", err)
	}
	if env.chain.transferCount() != sent {
		t.Fatalf("stale save let the distribution run twice: %d transfers, then %d",
			sent, env.chain.transferCount())
	}
}

func TestConfirmPaymentRequiresOwnership(t *testing.T) {
	env := newTestEnv(deniedOwnership{})
	ctx := context.Background()

	g, _ := env.orch.Create(ctx, CreateOptions{
		ChatID: 1, Kind: models.GameKindPaid, EntryFee: 50, MaxPlayers: 2, WinnerCount: 1,
		Duration: time.Minute,
	})
	rec, _ := env.orch.AddParticipant(ctx, g.ID, "u1", "Alice")
	env.chain.addInbound(rec.Reference, 50)

	if _, err := env.orch.ConfirmPayment(ctx, g.ID, rec.Reference); !errors.Is(err, models.ErrLeaseHeld) {
		t.Fatalf("confirmation without the lease must be refused, got %v", err)
	}
	snap, _ := env.orch.Game(ctx, g.ID)
	if snap.PrizePool != 0 {
		t.Fatalf("pool must not grow without the lease, got %d", snap.PrizePool)
	}
	if err := env.orch.ExpirePayment(ctx, g.ID, rec.Reference); !errors.Is(err, models.ErrLeaseHeld) {
		t.Fatalf("expiry without the lease must be refused, got %v", err)
	}
}

func TestConfirmExpiredPaymentReportsExpiry(t *testing.T) {
	env := newTestEnv(openOwnership{})
	ctx := context.Background()

	g, _ := env.orch.Create(ctx, CreateOptions{
		ChatID: 1, Kind: models.GameKindPaid, EntryFee: 50, MaxPlayers: 2, WinnerCount: 1,
		Duration: time.Minute,
	})
	rec, _ := env.orch.AddParticipant(ctx, g.ID, "u1", "Alice")
	if err := env.store.UpdatePaymentStatus(ctx, rec.Reference, models.PaymentAwaiting, models.PaymentExpired); err != nil {
		t.Fatal(err)
	}

	res, err := env.orch.ConfirmPayment(ctx, g.ID, rec.Reference)
	if !errors.Is(err, models.ErrPaymentExpired) {
		t.Fatalf("expired reference should report expiry, got %v", err)
	}
	if res != payment.VerifyExpired {
		t.Fatalf("expected %s, got %s", payment.VerifyExpired, res)
	}
}

func TestSchedulerRetriesTransientEndFailure(t *testing.T) {
	env := newTestEnv(openOwnership{})
	ctx := context.Background()

	g := &models.Game{
		ID:             "g-retry",
		ChatID:         1,
		Kind:           models.GameKindFree,
		Status:         models.GameActive,
		MaxPlayers:     2,
		CurrentPlayers: 1,
		WinnerCount:    1,
		Participants:   []models.Participant{{UserID: "u1", DisplayName: "Alice"}},
	}
	if err := env.store.SaveGame(ctx, g); err != nil {
		t.Fatal(err)
	}
	env.store.ScheduleDue(ctx, &models.DueRecord{
		Kind: models.DueGameEnd, GameID: g.ID, At: time.Now().Add(-time.Second),
	})

	env.chain.setSeedErr(errors.New("rpc unavailable"))
	s := NewScheduler(env.store, env.orch, time.Millisecond)
	s.tick(ctx)

	if env.store.dueCount() != 1 {
		t.Fatalf("failed game end must be handed back, got %d records", env.store.dueCount())
	}
	snap, _ := env.orch.Game(ctx, g.ID)
	if snap.Status != models.GameActive {
		t.Fatalf("game must stay active until the end succeeds, got %s", snap.Status)
	}

	env.chain.setSeedErr(nil)
	time.Sleep(5 * time.Millisecond)
	s.tick(ctx)

	final, _ := env.orch.Game(ctx, g.ID)
	if final.Status != models.GameCompleted {
		t.Fatalf("retried game end should complete, got %s", final.Status)
	}
	if env.store.dueCount() != 0 {
		t.Fatalf("completed game must not leave due records, got %d", env.store.dueCount())
	}
}
