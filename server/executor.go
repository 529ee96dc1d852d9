package server

import (
	"context"
	"fmt"
	"strconv"

	"github.com/mworlabs/lotteryd/coordinator"
	"github.com/mworlabs/lotteryd/game"
)

// Command op names routed between instances.
const (
	OpJoin           = "join"
	OpSelectNumber   = "select_number"
	OpStart          = "start"
	OpEnd            = "end"
	OpCancel         = "cancel"
	OpConfirmPayment = "confirm_payment"
	OpClaimPrize     = "claim_prize"
	OpRound          = "elimination_round"
)

// executor adapts the orchestrator to the coordinator's command surface.
// Whatever instance the coordinator picks, this is what finally runs.
type executor struct {
	orch *game.Orchestrator
}

func (e *executor) Execute(ctx context.Context, cmd coordinator.Command) (string, error) {
	switch cmd.Op {
	case OpJoin:
		rec, err := e.orch.AddParticipant(ctx, cmd.GameID, cmd.UserID, cmd.DisplayName)
		if err != nil {
			return "", err
		}
		if rec == nil {
			return "", nil
		}
		return rec.Reference, nil
	case OpSelectNumber:
		return "", e.orch.SelectNumber(ctx, cmd.GameID, cmd.UserID, cmd.Number)
	case OpStart:
		return "", e.orch.Start(ctx, cmd.GameID)
	case OpEnd:
		return "", e.orch.End(ctx, cmd.GameID)
	case OpCancel:
		return "", e.orch.Cancel(ctx, cmd.GameID, cmd.Reason)
	case OpConfirmPayment:
		res, err := e.orch.ConfirmPayment(ctx, cmd.GameID, cmd.Reference)
		return string(res), err
	case OpClaimPrize:
		return "", e.orch.ClaimPrize(ctx, cmd.GameID, cmd.UserID)
	case OpRound:
		return "", e.orch.RunEliminationRound(ctx, cmd.GameID)
	default:
		return "", fmt.Errorf("unknown command op %q", cmd.Op)
	}
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
