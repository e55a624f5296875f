package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"commerce-bot/internal/models"
	"commerce-bot/internal/util"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

const updateDedupTTL = 24 * time.Hour

// Claimer remembers keys already seen
type Claimer interface {
	ClaimIdempotencyKey(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Telegram sends replies through the Bot API and polls it for updates
type Telegram struct {
	api    *tgbotapi.BotAPI
	logger *zap.Logger
}

// NewTelegram connects to the Bot API with token
func NewTelegram(token string, debug bool) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to telegram: %w", err)
	}
	api.Debug = debug

	t := &Telegram{api: api, logger: util.GetLogger()}
	t.logger.Info("Telegram bot authorized", zap.String("username", api.Self.UserName))
	return t, nil
}

// Send delivers r to chatID. A photo that Telegram refuses is resent as text.
func (t *Telegram) Send(ctx context.Context, chatID int64, r Reply) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	markup := keyboard(r.Buttons)

	if r.ImageURL != "" {
		photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(r.ImageURL))
		photo.Caption = r.Text
		if markup != nil {
			photo.ReplyMarkup = *markup
		}
		_, err := t.api.Send(photo)
		if err == nil {
			return nil
		}
		t.logger.Warn("Failed to send photo, falling back to text",
			zap.Int64("chat_id", chatID),
			zap.String("image_url", r.ImageURL),
			zap.Error(err))
	}

	msg := tgbotapi.NewMessage(chatID, r.Text)
	msg.DisableWebPagePreview = true
	if markup != nil {
		msg.ReplyMarkup = *markup
	}
	if _, err := t.api.Send(msg); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// AnswerCallback stops the client's loading indicator on a pressed button
func (t *Telegram) AnswerCallback(ctx context.Context, callbackID, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := t.api.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		return fmt.Errorf("failed to answer callback: %w", err)
	}
	return nil
}

// NotifyUser sends a notification with one row of buttons
func (t *Telegram) NotifyUser(ctx context.Context, chatID int64, text string, actions []models.Action) error {
	r := Reply{Text: text}
	if len(actions) > 0 {
		r.Buttons = [][]models.Action{actions}
	}
	return t.Send(ctx, chatID, r)
}

// Poll feeds updates into d until ctx is done. With seen set, an update
// delivered twice is dispatched once.
func (t *Telegram) Poll(ctx context.Context, d *Dispatcher, seen Claimer) {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = 30
	updates := t.api.GetUpdatesChan(cfg)

	t.logger.Info("Polling telegram updates")
	for {
		select {
		case <-ctx.Done():
			t.api.StopReceivingUpdates()
			t.logger.Info("Stopped polling telegram updates")
			return
		case upd, ok := <-updates:
			if !ok {
				return
			}
			if !fresh(ctx, seen, upd.UpdateID) {
				t.logger.Debug("Skipping redelivered update", zap.Int("update_id", upd.UpdateID))
				continue
			}
			if u, ok := toUpdate(upd); ok {
				d.Dispatch(ctx, u)
			}
		}
	}
}

// fresh claims the update id. Claim errors let the update through.
func fresh(ctx context.Context, seen Claimer, updateID int) bool {
	if seen == nil {
		return true
	}
	ok, err := seen.ClaimIdempotencyKey(ctx, fmt.Sprintf("tg-update:%d", updateID), updateDedupTTL)
	return err != nil || ok
}

func keyboard(rows [][]models.Action) *tgbotapi.InlineKeyboardMarkup {
	if len(rows) == 0 {
		return nil
	}
	out := make([][]tgbotapi.InlineKeyboardButton, 0, len(rows))
	for _, r := range rows {
		if len(r) == 0 {
			continue
		}
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(r))
		for _, a := range r {
			if a.URL != "" {
				buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonURL(a.Label, a.URL))
			} else {
				buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(a.Label, a.Data))
			}
		}
		out = append(out, tgbotapi.NewInlineKeyboardRow(buttons...))
	}
	if len(out) == 0 {
		return nil
	}
	markup := tgbotapi.NewInlineKeyboardMarkup(out...)
	return &markup
}

func toUpdate(upd tgbotapi.Update) (Update, bool) {
	switch {
	case upd.CallbackQuery != nil && upd.CallbackQuery.From != nil:
		q := upd.CallbackQuery
		chatID := q.From.ID
		if q.Message != nil && q.Message.Chat != nil {
			chatID = q.Message.Chat.ID
		}
		return Update{
			TelegramID:   q.From.ID,
			ChatID:       chatID,
			Name:         displayName(q.From),
			CallbackID:   q.ID,
			CallbackData: q.Data,
		}, true

	case upd.Message != nil && upd.Message.From != nil && upd.Message.Chat != nil:
		m := upd.Message
		return Update{
			TelegramID: m.From.ID,
			ChatID:     m.Chat.ID,
			Name:       displayName(m.From),
			Text:       m.Text,
		}, true
	}
	return Update{}, false
}

func displayName(u *tgbotapi.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.UserName
	}
	return name
}
