package bot

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"commerce-bot/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyboard(t *testing.T) {
	assert.Nil(t, keyboard(nil))
	assert.Nil(t, keyboard([][]models.Action{{}}))

	markup := keyboard([][]models.Action{
		{{Label: "Cart", Data: "view_cart"}, {Label: "Pay", URL: "https://pay.example/1"}},
		{{Label: "Menu", Data: "start"}},
	})
	require.NotNil(t, markup)
	require.Len(t, markup.InlineKeyboard, 2)

	cart := markup.InlineKeyboard[0][0]
	require.NotNil(t, cart.CallbackData)
	assert.Equal(t, "view_cart", *cart.CallbackData)

	pay := markup.InlineKeyboard[0][1]
	require.NotNil(t, pay.URL)
	assert.Equal(t, "https://pay.example/1", *pay.URL)
	assert.Nil(t, pay.CallbackData)
}

func TestToUpdate(t *testing.T) {
	from := &tgbotapi.User{ID: 42, FirstName: "Ann", LastName: "Lee"}

	u, ok := toUpdate(tgbotapi.Update{Message: &tgbotapi.Message{
		From: from,
		Chat: &tgbotapi.Chat{ID: 420},
		Text: "hello",
	}})
	require.True(t, ok)
	assert.Equal(t, Update{TelegramID: 42, ChatID: 420, Name: "Ann Lee", Text: "hello"}, u)

	u, ok = toUpdate(tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb1",
		From:    &tgbotapi.User{ID: 42, UserName: "ann"},
		Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 420}},
		Data:    "view_cart",
	}})
	require.True(t, ok)
	assert.Equal(t, Update{TelegramID: 42, ChatID: 420, Name: "ann", CallbackID: "cb1", CallbackData: "view_cart"}, u)

	_, ok = toUpdate(tgbotapi.Update{})
	assert.False(t, ok)
}

type memoryClaimer struct {
	keys map[string]bool
	err  error
}

func (m *memoryClaimer) ClaimIdempotencyKey(_ context.Context, key string, _ time.Duration) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	if m.keys[key] {
		return false, nil
	}
	m.keys[key] = true
	return true, nil
}

func TestFreshSkipsRedeliveredUpdates(t *testing.T) {
	ctx := context.Background()
	seen := &memoryClaimer{keys: map[string]bool{}}

	assert.True(t, fresh(ctx, seen, 10))
	assert.False(t, fresh(ctx, seen, 10))
	assert.True(t, fresh(ctx, seen, 11))
	assert.True(t, seen.keys[fmt.Sprintf("tg-update:%d", 11)])

	assert.True(t, fresh(ctx, nil, 10))

	seen.err = errors.New("redis down")
	assert.True(t, fresh(ctx, seen, 10))
}
