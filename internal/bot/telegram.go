// Package bot runs the questionnaire as a Telegram conversation. Answers go
// through the same session store and payment gate as the HTTP API, and the
// chat ID is stored with the answers so the report link can be sent back.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"diet-report/internal/apperr"
	"diet-report/internal/macros"
	"diet-report/internal/models"
	"diet-report/internal/payment"
	"diet-report/pkg/logger"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	answerConfirm   = "Yes, continue"
	answerStartOver = "Start over"
)

type Sessions interface {
	Create(ctx context.Context) (*models.Session, error)
	SubmitStep(ctx context.Context, token string, step int, payload map[string]any) (map[string]any, error)
	MergedProfile(ctx context.Context, token string) (models.Profile, error)
}

type Payments interface {
	Tiers() []models.Tier
	SelectTier(ctx context.Context, token, tierID string) (payment.Quote, error)
	ApplyCoupon(ctx context.Context, token, code string) (payment.Quote, error)
	Checkout(ctx context.Context, token string) (*payment.CheckoutResult, error)
	ConfirmPayment(ctx context.Context, token, reference string) (*payment.Confirmation, error)
}

// botAPI is the part of *tgbotapi.BotAPI the bot uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// conversation tracks one chat. state indexes questions; len(questions)
// means the summary is waiting for confirmation.
type conversation struct {
	token        string
	state        int
	tierSelected bool
}

type TelegramBot struct {
	bot      botAPI
	sessions Sessions
	payments Payments
	logger   *logger.Logger

	mu    sync.Mutex
	chats map[int64]*conversation
}

func NewTelegramBot(token string, sessions Sessions, payments Payments, log *logger.Logger) (*TelegramBot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	log.Infow("Authorized on Telegram", "username", api.Self.UserName)

	return newTelegramBot(api, sessions, payments, log), nil
}

func newTelegramBot(api botAPI, sessions Sessions, payments Payments, log *logger.Logger) *TelegramBot {
	return &TelegramBot{
		bot:      api,
		sessions: sessions,
		payments: payments,
		logger:   log.Named("bot"),
		chats:    make(map[int64]*conversation),
	}
}

// Run receives updates by long polling until ctx is done. Updates are
// handled in order so one chat's answers cannot overtake each other.
func (t *TelegramBot) Run(ctx context.Context) error {
	// Polling does not work while a webhook is registered
	if _, err := t.bot.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		return fmt.Errorf("failed to delete webhook: %w", err)
	}

	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = 60
	updates := t.bot.GetUpdatesChan(updateConfig)

	t.logger.Infow("Started receiving Telegram updates")

	for {
		select {
		case <-ctx.Done():
			t.bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(ctx, update)
		}
	}
}

func (t *TelegramBot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Errorw("Recovered from panic while processing update", "update_id", update.UpdateID, "panic", r)
		}
	}()

	switch {
	case update.Message != nil && update.Message.IsCommand():
		t.handleCommand(ctx, update.Message)
	case update.Message != nil:
		t.handleMessage(ctx, update.Message)
	case update.CallbackQuery != nil:
		// Acknowledge the callback
		t.bot.Request(tgbotapi.NewCallback(update.CallbackQuery.ID, ""))
	}
}

func (t *TelegramBot) lookup(chatID int64) *conversation {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.chats[chatID]
}

func (t *TelegramBot) handleCommand(ctx context.Context, message *tgbotapi.Message) {
	chatID := message.Chat.ID
	t.logger.Debugw("Handling command", "command", message.Command(), "chat_id", chatID)

	switch message.Command() {
	case "start":
		switch message.CommandArguments() {
		case "payment_success":
			t.send(chatID, "Thank you for your payment! Your report is being prepared and the link will arrive in this chat.", nil)
			return
		case "payment_cancel":
			t.send(chatID, "The payment was cancelled. Send /pay to try again.", nil)
			return
		}
		t.begin(ctx, message)

	case "coupon":
		conv := t.lookup(chatID)
		if conv == nil {
			t.send(chatID, "Please use /start first.", nil)
			return
		}
		t.applyCoupon(ctx, chatID, conv, message.CommandArguments())

	case "pay":
		conv := t.lookup(chatID)
		if conv == nil || conv.state < len(questions) {
			t.send(chatID, "Please finish the questionnaire first.", nil)
			return
		}
		t.checkout(ctx, chatID, conv)

	case "help":
		t.send(chatID, "I calculate your daily macros and prepare a personalized nutrition report.\n\n"+
			"/start - answer the questionnaire\n/coupon CODE - apply a coupon\n/pay - get the payment link", nil)

	default:
		t.send(chatID, "Unknown command. Use /start to begin.", nil)
	}
}

// begin opens a new session for the chat; an unfinished one is abandoned.
func (t *TelegramBot) begin(ctx context.Context, message *tgbotapi.Message) {
	chatID := message.Chat.ID
	sess, err := t.sessions.Create(ctx)
	if err != nil {
		t.logger.Errorw("Failed to create session", "chat_id", chatID, "error", err)
		t.send(chatID, "Sorry, something went wrong. Please try again later.", nil)
		return
	}

	contact := map[string]any{"telegram_chat_id": chatID}
	if message.From != nil && message.From.FirstName != "" {
		contact["name"] = message.From.FirstName
	}
	if _, err := t.sessions.SubmitStep(ctx, sess.Token, len(questions)+1, contact); err != nil {
		t.logger.Errorw("Failed to save chat contact", "chat_id", chatID, "error", err)
	}

	t.mu.Lock()
	t.chats[chatID] = &conversation{token: sess.Token}
	t.mu.Unlock()

	t.ask(chatID, 0)
}

func (t *TelegramBot) ask(chatID int64, state int) {
	q := questions[state]
	t.send(chatID, q.prompt, keyboard(q.options))
}

func (t *TelegramBot) handleMessage(ctx context.Context, message *tgbotapi.Message) {
	chatID := message.Chat.ID
	conv := t.lookup(chatID)
	if conv == nil {
		t.send(chatID, "Please use /start to begin.", nil)
		return
	}

	if conv.state >= len(questions) {
		t.handleConfirm(ctx, message, conv)
		return
	}

	payload, err := questions[conv.state].parse(message.Text)
	if err != nil {
		t.send(chatID, err.Error(), keyboard(questions[conv.state].options))
		return
	}
	if _, err := t.sessions.SubmitStep(ctx, conv.token, conv.state+1, payload); err != nil {
		t.sessionFailed(chatID, err)
		return
	}

	conv.state++
	if conv.state < len(questions) {
		t.ask(chatID, conv.state)
		return
	}
	t.summarize(ctx, chatID, conv)
}

func (t *TelegramBot) summarize(ctx context.Context, chatID int64, conv *conversation) {
	profile, err := t.sessions.MergedProfile(ctx, conv.token)
	if err != nil {
		t.sessionFailed(chatID, err)
		return
	}
	res, err := macros.ComputeProfile(profile)
	if err != nil {
		t.logger.Warnw("Questionnaire produced an invalid profile", "chat_id", chatID, "error", err)
		t.send(chatID, "I could not calculate your macros from these answers. Send /start to try again.", nil)
		return
	}

	text := fmt.Sprintf("Your daily target: %d kcal\nProtein: %d g\nFat: %d g\nCarbs: %d g\n\n"+
		"The full report includes a food guide for the %s diet built around your allergies and preferences. Continue?",
		res.Calories, res.ProteinG, res.FatG, res.CarbG, profile.DietType)
	t.send(chatID, text, keyboard([][]string{{answerConfirm, answerStartOver}}))
}

func (t *TelegramBot) handleConfirm(ctx context.Context, message *tgbotapi.Message, conv *conversation) {
	switch message.Text {
	case answerStartOver:
		t.begin(ctx, message)
	case answerConfirm:
		t.checkout(ctx, message.Chat.ID, conv)
	default:
		t.send(message.Chat.ID, "Please choose one of the options.", keyboard([][]string{{answerConfirm, answerStartOver}}))
	}
}

func (t *TelegramBot) selectTier(ctx context.Context, conv *conversation) error {
	if conv.tierSelected {
		return nil
	}
	if _, err := t.payments.SelectTier(ctx, conv.token, t.payments.Tiers()[0].ID); err != nil {
		return err
	}
	conv.tierSelected = true
	return nil
}

func (t *TelegramBot) applyCoupon(ctx context.Context, chatID int64, conv *conversation, code string) {
	if strings.TrimSpace(code) == "" {
		t.send(chatID, "Usage: /coupon CODE", nil)
		return
	}
	if err := t.selectTier(ctx, conv); err != nil {
		t.sessionFailed(chatID, err)
		return
	}
	q, err := t.payments.ApplyCoupon(ctx, conv.token, code)
	switch {
	case errors.Is(err, apperr.ErrInvalidCoupon):
		t.send(chatID, "This coupon is not valid.", nil)
	case err != nil:
		t.sessionFailed(chatID, err)
	default:
		t.send(chatID, fmt.Sprintf("Coupon applied. Price: %s (was %s).", money(q.FinalCents), money(q.PriceCents)), nil)
	}
}

func (t *TelegramBot) checkout(ctx context.Context, chatID int64, conv *conversation) {
	if err := t.selectTier(ctx, conv); err != nil {
		t.sessionFailed(chatID, err)
		return
	}
	res, err := t.payments.Checkout(ctx, conv.token)
	if err != nil {
		t.sessionFailed(chatID, err)
		return
	}

	if strings.HasPrefix(res.Reference, payment.FreeReferencePrefix) {
		if _, err := t.payments.ConfirmPayment(ctx, conv.token, res.Reference); err != nil {
			t.sessionFailed(chatID, err)
			return
		}
		t.send(chatID, "Your report is being prepared. The link will arrive in this chat.", tgbotapi.NewRemoveKeyboard(true))
		return
	}

	t.logger.Infow("Checkout link sent", "chat_id", chatID, "reference", res.Reference)

	msg := tgbotapi.NewMessage(chatID, fmt.Sprintf("The full report costs %s. Press the button below to pay:", money(res.Quote.FinalCents)))
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonURL("Pay "+money(res.Quote.FinalCents), res.URL),
		),
	)
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Errorw("Failed to send checkout link", "chat_id", chatID, "error", err)
	}
}

// sessionFailed tells the user what went wrong in terms they can act on.
func (t *TelegramBot) sessionFailed(chatID int64, err error) {
	switch {
	case errors.Is(err, apperr.ErrSessionNotFound):
		t.mu.Lock()
		delete(t.chats, chatID)
		t.mu.Unlock()
		t.send(chatID, "Your questionnaire has expired. Send /start to begin again.", tgbotapi.NewRemoveKeyboard(true))
	case errors.Is(err, apperr.ErrAlreadyPaid):
		t.send(chatID, "This questionnaire is already paid for. The report link will arrive in this chat.", nil)
	default:
		t.logger.Errorw("Telegram request failed", "chat_id", chatID, "error", err)
		t.send(chatID, "Sorry, something went wrong. Please try again later.", nil)
	}
}

func (t *TelegramBot) send(chatID int64, text string, markup any) {
	msg := tgbotapi.NewMessage(chatID, text)
	if markup != nil {
		msg.ReplyMarkup = markup
	}
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Errorw("Failed to send message", "chat_id", chatID, "error", err)
	}
}

func keyboard(rows [][]string) any {
	if len(rows) == 0 {
		return tgbotapi.NewRemoveKeyboard(true)
	}
	buttons := make([][]tgbotapi.KeyboardButton, 0, len(rows))
	for _, row := range rows {
		r := make([]tgbotapi.KeyboardButton, 0, len(row))
		for _, label := range row {
			r = append(r, tgbotapi.NewKeyboardButton(label))
		}
		buttons = append(buttons, r)
	}
	kb := tgbotapi.NewReplyKeyboard(buttons...)
	kb.OneTimeKeyboard = true
	return kb
}

func money(cents int64) string {
	return fmt.Sprintf("$%d.%02d", cents/100, cents%100)
}
