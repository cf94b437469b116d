package telegram

import (
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func textMessage(text string) *tgbotapi.Message {
	return &tgbotapi.Message{
		MessageID: 7,
		From:      &tgbotapi.User{ID: 42, UserName: "alice"},
		Chat:      &tgbotapi.Chat{ID: 420},
		Text:      text,
	}
}

func commandMessage(cmd string) *tgbotapi.Message {
	msg := textMessage("/" + cmd)
	msg.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(cmd) + 1}}
	return msg
}

func TestNormalizeText(t *testing.T) {
	ev, ok := normalize(tgbotapi.Update{Message: textMessage("a red fox")})
	require.True(t, ok)
	assert.Equal(t, EventText, ev.Kind)
	assert.Equal(t, int64(42), ev.UserID)
	assert.Equal(t, int64(420), ev.ChatID)
	assert.Equal(t, "alice", ev.Username)
	assert.Equal(t, "a red fox", ev.Text)
}

func TestNormalizeIgnoresBlankText(t *testing.T) {
	_, ok := normalize(tgbotapi.Update{Message: textMessage("   ")})
	assert.False(t, ok)

	_, ok = normalize(tgbotapi.Update{})
	assert.False(t, ok)
}

func TestNormalizeCommands(t *testing.T) {
	ev, ok := normalize(tgbotapi.Update{Message: commandMessage("start")})
	require.True(t, ok)
	assert.Equal(t, EventCommand, ev.Kind)
	assert.Equal(t, ActionStart, ev.Action)

	ev, ok = normalize(tgbotapi.Update{Message: commandMessage("unknown")})
	require.True(t, ok)
	assert.Equal(t, ActionHelp, ev.Action)
}

func TestNormalizeCallbacks(t *testing.T) {
	cb := &tgbotapi.CallbackQuery{
		ID:      "cb-1",
		From:    &tgbotapi.User{ID: 42},
		Message: textMessage("menu"),
		Data:    "buy:pack-100",
	}
	ev, ok := normalize(tgbotapi.Update{CallbackQuery: cb})
	require.True(t, ok)
	assert.Equal(t, EventMenu, ev.Kind)
	assert.Equal(t, ActionBuy, ev.Action)
	assert.Equal(t, "pack-100", ev.PackageID)
	assert.Equal(t, "cb-1", ev.CallbackID)

	cb.Data = "menu:shop"
	ev, ok = normalize(tgbotapi.Update{CallbackQuery: cb})
	require.True(t, ok)
	assert.Equal(t, ActionShop, ev.Action)

	cb.Data = "something-else"
	_, ok = normalize(tgbotapi.Update{CallbackQuery: cb})
	assert.False(t, ok)
}

func TestNormalizePhotoUsesLargestSize(t *testing.T) {
	msg := textMessage("")
	msg.Photo = []tgbotapi.PhotoSize{{FileID: "small"}, {FileID: "medium"}, {FileID: "large"}}
	msg.Caption = "anime style"

	ev, ok := normalize(tgbotapi.Update{Message: msg})
	require.True(t, ok)
	assert.Equal(t, EventPhoto, ev.Kind)
	assert.Equal(t, "large", ev.FileID)
	assert.Equal(t, "anime style", ev.Text)
}

func TestNormalizeImageDocument(t *testing.T) {
	msg := textMessage("")
	msg.Document = &tgbotapi.Document{FileID: "doc", MimeType: "image/png"}

	ev, ok := normalize(tgbotapi.Update{Message: msg})
	require.True(t, ok)
	assert.Equal(t, EventPhoto, ev.Kind)
	assert.Equal(t, "doc", ev.FileID)
	assert.Equal(t, "image/png", ev.MimeType)

	msg.Document = &tgbotapi.Document{FileID: "doc", MimeType: "application/pdf"}
	_, ok = normalize(tgbotapi.Update{Message: msg})
	assert.False(t, ok)
}

func TestNormalizePayments(t *testing.T) {
	msg := textMessage("")
	msg.SuccessfulPayment = &tgbotapi.SuccessfulPayment{Currency: "XTR", TotalAmount: 100, TelegramPaymentChargeID: "ch-1"}
	ev, ok := normalize(tgbotapi.Update{Message: msg})
	require.True(t, ok)
	assert.Equal(t, EventPayment, ev.Kind)
	assert.Equal(t, "ch-1", ev.Payment.TelegramPaymentChargeID)

	q := &tgbotapi.PreCheckoutQuery{ID: "pc-1", From: &tgbotapi.User{ID: 42}, Currency: "XTR", TotalAmount: 100, InvoicePayload: "pack-100"}
	ev, ok = normalize(tgbotapi.Update{PreCheckoutQuery: q})
	require.True(t, ok)
	assert.Equal(t, EventPreCheckout, ev.Kind)
	assert.Equal(t, int64(42), ev.UserID)
	assert.Equal(t, "pre_checkout", ev.Kind.String())
}
