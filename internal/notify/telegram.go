package notify

import (
	"context"
	"fmt"

	"diet-report/internal/models"
	"diet-report/pkg/logger"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type telegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram sends the retrieval link to the chat the user gave in the
// questionnaire.
type Telegram struct {
	bot       telegramSender
	publicURL string
	logger    *logger.Logger
}

func NewTelegram(token, publicURL string, log *logger.Logger) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	log.Infow("Authorized on Telegram", "username", bot.Self.UserName)

	return &Telegram{bot: bot, publicURL: publicURL, logger: log.Named("telegram")}, nil
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) ReportReady(_ context.Context, r *models.Report, p models.Profile) error {
	if p.TelegramChatID == 0 {
		return nil
	}
	link := Link(t.publicURL, r.AccessToken)

	msg := tgbotapi.NewMessage(p.TelegramChatID, readyText(p.Name, link, r.ExpiresAt))
	msg.DisableWebPagePreview = true
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonURL("Open report", link),
		),
	)

	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("failed to send Telegram message: %w", err)
	}
	t.logger.Infow("Report link sent", "report", r.ID, "chat_id", p.TelegramChatID)
	return nil
}
