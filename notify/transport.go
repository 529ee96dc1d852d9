// Package notify is the rate-limit-aware outbound delivery subsystem.
// Everything participant-facing flows through here; game logic never
// talks to the chat transport directly and never sees a rate limit.
package notify

import (
	"errors"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Transport is the chat surface the delivery system drives. Implementations
// return the structured errors below so failures can be classified.
type Transport interface {
	SendMessage(chatID int64, text string) (messageID int, err error)
	EditMessage(chatID int64, messageID int, text string) error
	DeleteMessage(chatID int64, messageID int) error
	AnswerCallback(callbackID, text string) error
	Ping() error
}

// RateLimitError is transient and carries the transport's retry-after.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %v", e.RetryAfter)
}

// PermanentError means the target can never be delivered to: blocked
// recipient, unknown chat. Dropped after logging.
type PermanentError struct {
	Reason string
}

func (e *PermanentError) Error() string {
	return "permanent delivery error: " + e.Reason
}

// TelegramTransport implements Transport over the Bot API.
type TelegramTransport struct {
	bot *tgbotapi.BotAPI
}

func NewTelegramTransport(token string) (*TelegramTransport, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram auth: %w", err)
	}
	return &TelegramTransport{bot: bot}, nil
}

// Bot exposes the underlying API for the update loop in server.
func (t *TelegramTransport) Bot() *tgbotapi.BotAPI {
	return t.bot
}

func (t *TelegramTransport) SendMessage(chatID int64, text string) (int, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	sent, err := t.bot.Send(msg)
	if err != nil {
		return 0, classifyTelegramError(err)
	}
	return sent.MessageID, nil
}

func (t *TelegramTransport) EditMessage(chatID int64, messageID int, text string) error {
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	if _, err := t.bot.Send(edit); err != nil {
		return classifyTelegramError(err)
	}
	return nil
}

func (t *TelegramTransport) DeleteMessage(chatID int64, messageID int) error {
	del := tgbotapi.NewDeleteMessage(chatID, messageID)
	if _, err := t.bot.Request(del); err != nil {
		return classifyTelegramError(err)
	}
	return nil
}

func (t *TelegramTransport) AnswerCallback(callbackID, text string) error {
	cb := tgbotapi.NewCallback(callbackID, text)
	if _, err := t.bot.Request(cb); err != nil {
		return classifyTelegramError(err)
	}
	return nil
}

func (t *TelegramTransport) Ping() error {
	_, err := t.bot.GetMe()
	return err
}

// classifyTelegramError maps Bot API failures onto the delivery taxonomy.
func classifyTelegramError(err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == 429 || apiErr.RetryAfter > 0 {
			retry := time.Duration(apiErr.RetryAfter) * time.Second
			if retry == 0 {
				retry = 5 * time.Second
			}
			return &RateLimitError{RetryAfter: retry}
		}
		msg := strings.ToLower(apiErr.Message)
		if apiErr.Code == 403 ||
			strings.Contains(msg, "blocked") ||
			strings.Contains(msg, "chat not found") ||
			strings.Contains(msg, "user is deactivated") {
			return &PermanentError{Reason: apiErr.Message}
		}
	}
	return err
}
