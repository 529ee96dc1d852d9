package server

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/mworlabs/lotteryd/coordinator"
	"github.com/mworlabs/lotteryd/game"
	"github.com/mworlabs/lotteryd/logger"
	"github.com/mworlabs/lotteryd/models"
)

// updateLoop is the Telegram front end: it reads chat updates and turns
// them into routed commands. Replies about command outcomes go straight
// back; game announcements flow through the notifier with its rate
// limits.
func (a *App) updateLoop(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := a.transport.Bot().GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			a.transport.Bot().StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			a.handleUpdate(ctx, update)
		}
	}
}

func (a *App) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.CallbackQuery != nil:
		a.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil && update.Message.IsCommand():
		a.handleCommand(ctx, update.Message)
	}
}

func (a *App) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	userID := itoa(msg.From.ID)
	name := displayName(msg.From)
	args := strings.Fields(msg.CommandArguments())

	switch msg.Command() {
	case "newgame":
		a.cmdNewGame(ctx, chatID, args)
	case "join":
		a.cmdJoin(ctx, chatID, userID, name)
	case "begin":
		a.cmdRoute(ctx, chatID, coordinator.Command{Op: OpStart}, "Number selection is open.")
	case "pick":
		if len(args) != 1 {
			a.notifier.Send(chatID, "Usage: /pick <number>", models.PriorityNormal)
			return
		}
		n, err := strconv.Atoi(args[0])
		if err != nil {
			a.notifier.Send(chatID, "That is not a number.", models.PriorityNormal)
			return
		}
		a.cmdRoute(ctx, chatID, coordinator.Command{Op: OpSelectNumber, UserID: userID, Number: n}, "")
	case "round":
		a.cmdRoute(ctx, chatID, coordinator.Command{Op: OpRound}, "")
	case "cancel":
		reason := strings.TrimSpace(msg.CommandArguments())
		if reason == "" {
			reason = "cancelled by " + name
		}
		a.cmdRoute(ctx, chatID, coordinator.Command{Op: OpCancel, Reason: reason}, "")
	case "claim":
		a.cmdRoute(ctx, chatID, coordinator.Command{Op: OpClaimPrize, UserID: userID}, "Prize claim submitted.")
	case "status":
		a.cmdStatus(ctx, chatID)
	}
}

func (a *App) cmdNewGame(ctx context.Context, chatID int64, args []string) {
	opts := game.CreateOptions{
		ChatID:   chatID,
		Kind:     models.GameKindFree,
		Duration: 10 * time.Minute,
	}
	// /newgame [entry-fee] [max-players] [winners] [minutes]
	if len(args) > 0 {
		fee, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || fee < 0 {
			a.notifier.Send(chatID, "Usage: /newgame [entry-fee] [max-players] [winners] [minutes]", models.PriorityNormal)
			return
		}
		if fee > 0 {
			opts.Kind = models.GameKindPaid
			opts.EntryFee = fee
		}
	}
	if len(args) > 1 {
		opts.MaxPlayers, _ = strconv.Atoi(args[1])
	}
	if len(args) > 2 {
		opts.WinnerCount, _ = strconv.Atoi(args[2])
	}
	if len(args) > 3 {
		if minutes, err := strconv.Atoi(args[3]); err == nil && minutes > 0 {
			opts.Duration = time.Duration(minutes) * time.Minute
		}
	}

	g, err := a.orch.Create(ctx, opts)
	if err != nil {
		a.replyError(chatID, err)
		return
	}
	a.rememberGame(chatID, g.ID)
	a.sendJoinKeyboard(chatID)
}

// sendJoinKeyboard goes through the bot directly: interactive markup is
// the front end's business, not the notifier's.
func (a *App) sendJoinKeyboard(chatID int64) {
	msg := tgbotapi.NewMessage(chatID, "Tap to enter:")
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Join", "join"),
		),
	)
	if _, err := a.transport.Bot().Send(msg); err != nil {
		logger.Log.Warnf("send join keyboard: %v", err)
	}
}

func (a *App) cmdJoin(ctx context.Context, chatID int64, userID, name string) {
	gameID, ok := a.chatGame(ctx, chatID)
	if !ok {
		a.notifier.Send(chatID, "No open game here. Start one with /newgame.", models.PriorityNormal)
		return
	}
	reference, err := a.coord.RouteCommand(ctx, coordinator.Command{
		Op: OpJoin, GameID: gameID, UserID: userID, DisplayName: name,
	})
	if err != nil {
		a.replyError(chatID, err)
		return
	}
	if reference != "" {
		// Payment instructions go to the user, not the group.
		if uid, err := strconv.ParseInt(userID, 10, 64); err == nil {
			a.notifier.Send(uid,
				fmt.Sprintf("To enter, transfer the entry fee with reference %s before the deadline.", reference),
				models.PriorityHigh)
		}
	}
}

func (a *App) cmdRoute(ctx context.Context, chatID int64, cmd coordinator.Command, okText string) {
	gameID, ok := a.chatGame(ctx, chatID)
	if !ok {
		a.notifier.Send(chatID, "No open game here.", models.PriorityNormal)
		return
	}
	cmd.GameID = gameID
	if _, err := a.coord.RouteCommand(ctx, cmd); err != nil {
		a.replyError(chatID, err)
		return
	}
	if okText != "" {
		a.notifier.Send(chatID, okText, models.PriorityNormal)
	}
}

func (a *App) cmdStatus(ctx context.Context, chatID int64) {
	gameID, ok := a.chatGame(ctx, chatID)
	if !ok {
		a.notifier.Send(chatID, "No open game here.", models.PriorityNormal)
		return
	}
	g, err := a.orch.Game(ctx, gameID)
	if err != nil {
		a.replyError(chatID, err)
		return
	}
	text := fmt.Sprintf("Game %s: %s, %d/%d players, pool %d",
		g.ID[:8], g.Status, g.CurrentPlayers, g.MaxPlayers, g.PrizePool)
	if g.CurrentRound > 0 {
		text += fmt.Sprintf(", round %d, drawn %v", g.CurrentRound, g.DrawnNumbers)
	}
	a.notifier.Send(chatID, text, models.PriorityNormal)
}

func (a *App) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.Message == nil {
		a.notifier.Ack(cb.ID, "")
		return
	}
	chatID := cb.Message.Chat.ID
	userID := itoa(cb.From.ID)
	name := displayName(cb.From)

	switch {
	case cb.Data == "join":
		a.cmdJoin(ctx, chatID, userID, name)
		a.notifier.Ack(cb.ID, "You're in the queue!")
	case strings.HasPrefix(cb.Data, "pick:"):
		n, err := strconv.Atoi(strings.TrimPrefix(cb.Data, "pick:"))
		if err != nil {
			a.notifier.Ack(cb.ID, "Bad number.")
			return
		}
		a.cmdRoute(ctx, chatID, coordinator.Command{Op: OpSelectNumber, UserID: userID, Number: n}, "")
		a.notifier.Ack(cb.ID, fmt.Sprintf("Picked %d", n))
	default:
		a.notifier.Ack(cb.ID, "")
	}
}

// replyError maps engine errors to user-facing text; internals stay in
// the log.
func (a *App) replyError(chatID int64, err error) {
	var text string
	switch {
	case errors.Is(err, models.ErrGameFull):
		text = "The game is full."
	case errors.Is(err, models.ErrDuplicateJoin):
		text = "You already joined."
	case errors.Is(err, models.ErrNumberTaken):
		text = "That number is taken, pick another."
	case errors.Is(err, models.ErrNumberOutOfRange):
		text = "That number is out of range."
	case errors.Is(err, models.ErrPaymentPending):
		text = "Your entry fee has not confirmed yet."
	case errors.Is(err, models.ErrPaymentExpired):
		text = "Your payment window expired; join again for a new one."
	case errors.Is(err, models.ErrStateConflict):
		text = "The game is not in the right state for that."
	case errors.Is(err, models.ErrGameNotFound):
		text = "No such game."
	case errors.Is(err, models.ErrValidation):
		text = err.Error()
	default:
		logger.Log.Errorf("command failed: %v", err)
		text = "Something went wrong, try again."
	}
	a.notifier.Send(chatID, text, models.PriorityNormal)
}

func displayName(u *tgbotapi.User) string {
	if u.UserName != "" {
		return "@" + u.UserName
	}
	name := u.FirstName
	if u.LastName != "" {
		name += " " + u.LastName
	}
	return name
}
