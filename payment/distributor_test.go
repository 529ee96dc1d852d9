package payment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mworlabs/lotteryd/models"
)

func newTestDistributor(chain *fakeChain, archive *fakeArchive) *Distributor {
	d := NewDistributor(chain, archive, nil, nil, "treasury", 10, 50*time.Millisecond)
	d.sleep = func(time.Duration) {}
	d.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return d
}

func testGame() *models.Game {
	return &models.Game{
		ID:     "g1",
		ChatID: -100,
		Kind:   models.GameKindPaid,
	}
}

func TestDistributeFeeFirstThenWinners(t *testing.T) {
	chain := newFakeChain()
	archive := &fakeArchive{}
	d := newTestDistributor(chain, archive)

	result, err := d.Distribute(context.Background(), testGame(), []string{"w1", "w2"}, 100)
	if err != nil {
		t.Fatal(err)
	}

	if !result.Success {
		t.Fatal("expected full success")
	}
	if result.SystemFee != 10 || result.PerWinner != 45 {
		t.Fatalf("split = (%d, %d), want (10, 45)", result.SystemFee, result.PerWinner)
	}

	sent := chain.sentTo()
	if len(sent) != 3 || sent[0] != "treasury" || sent[1] != "w1" || sent[2] != "w2" {
		t.Fatalf("unexpected transfer order: %v", sent)
	}
	if len(archive.results) != 1 {
		t.Fatalf("expected one archived result, got %d", len(archive.results))
	}
}

func TestDistributePartialFailure(t *testing.T) {
	chain := newFakeChain()
	chain.failFor["w2"] = errors.New("account frozen")
	archive := &fakeArchive{}
	d := newTestDistributor(chain, archive)

	result, err := d.Distribute(context.Background(), testGame(), []string{"w1", "w2", "w3"}, 45)
	if err != nil {
		t.Fatal(err)
	}

	if result.Success {
		t.Fatal("a failed transfer must not report success")
	}
	if len(result.Transfers) != 2 {
		t.Fatalf("expected 2 successful transfers, got %d", len(result.Transfers))
	}
	if len(result.FailedTransfers) != 1 || result.FailedTransfers[0].UserID != "w2" {
		t.Fatalf("unexpected failures: %+v", result.FailedTransfers)
	}
	// pool 45: fee 4, remaining 41 over 3 winners is 13 each.
	if result.SystemFee != 4 || result.PerWinner != 13 {
		t.Fatalf("split = (%d, %d), want (4, 13)", result.SystemFee, result.PerWinner)
	}

	if len(archive.retryEntries) != 1 || archive.retryEntries[0] != "payout:w2" {
		t.Fatalf("failed payout should land in the retry ledger, got %v", archive.retryEntries)
	}
}

func TestDistributeTreasuryFailureStillPaysWinners(t *testing.T) {
	chain := newFakeChain()
	chain.failFor["treasury"] = errors.New("treasury unavailable")
	archive := &fakeArchive{}
	d := newTestDistributor(chain, archive)

	result, err := d.Distribute(context.Background(), testGame(), []string{"w1"}, 100)
	if err != nil {
		t.Fatal(err)
	}

	if len(result.Transfers) != 1 || result.Transfers[0].UserID != "w1" {
		t.Fatalf("winner should still be paid, got %+v", result.Transfers)
	}
	if result.Success {
		t.Fatal("fee failure must surface in the result")
	}
}

func TestDistributeNoWinners(t *testing.T) {
	d := newTestDistributor(newFakeChain(), &fakeArchive{})
	if _, err := d.Distribute(context.Background(), testGame(), nil, 100); err == nil {
		t.Fatal("expected error for empty winner list")
	}
}
