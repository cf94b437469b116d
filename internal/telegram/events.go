package telegram

import (
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type EventKind int

const (
	EventCommand EventKind = iota + 1
	EventMenu
	EventText
	EventPhoto
	EventPreCheckout
	EventPayment
)

func (k EventKind) String() string {
	switch k {
	case EventCommand:
		return "command"
	case EventMenu:
		return "menu"
	case EventText:
		return "text"
	case EventPhoto:
		return "photo"
	case EventPreCheckout:
		return "pre_checkout"
	case EventPayment:
		return "payment"
	default:
		return "unknown"
	}
}

type MenuAction string

const (
	ActionStart   MenuAction = "start"
	ActionBalance MenuAction = "balance"
	ActionShop    MenuAction = "shop"
	ActionHelp    MenuAction = "help"
	ActionCreate  MenuAction = "create"
	ActionEdit    MenuAction = "edit"
	ActionBack    MenuAction = "back"
	ActionBuy     MenuAction = "buy"
)

const (
	callbackMenuPrefix = "menu:"
	callbackBuyPrefix  = "buy:"
)

var commands = map[string]MenuAction{
	"start":   ActionStart,
	"balance": ActionBalance,
	"shop":    ActionShop,
	"buy":     ActionShop,
	"help":    ActionHelp,
	"create":  ActionCreate,
	"edit":    ActionEdit,
}

// Event is a Telegram update reduced to what the handlers need.
type Event struct {
	Kind       EventKind
	UserID     int64
	ChatID     int64
	Username   string
	Action     MenuAction
	PackageID  string
	Text       string
	FileID     string
	MimeType   string
	CallbackID string
	MessageID  int

	PreCheckout *tgbotapi.PreCheckoutQuery
	Payment     *tgbotapi.SuccessfulPayment
}

// normalize maps an update to an Event. Updates the bot does not react to
// report false.
func normalize(update tgbotapi.Update) (Event, bool) {
	switch {
	case update.PreCheckoutQuery != nil:
		q := update.PreCheckoutQuery
		if q.From == nil {
			return Event{}, false
		}
		return Event{
			Kind:        EventPreCheckout,
			UserID:      q.From.ID,
			ChatID:      q.From.ID,
			Username:    q.From.UserName,
			PreCheckout: q,
		}, true

	case update.CallbackQuery != nil:
		return normalizeCallback(update.CallbackQuery)

	case update.Message != nil:
		return normalizeMessage(update.Message)
	}
	return Event{}, false
}

func normalizeCallback(cb *tgbotapi.CallbackQuery) (Event, bool) {
	if cb.From == nil || cb.Message == nil || cb.Message.Chat == nil {
		return Event{}, false
	}
	ev := Event{
		Kind:       EventMenu,
		UserID:     cb.From.ID,
		ChatID:     cb.Message.Chat.ID,
		Username:   cb.From.UserName,
		CallbackID: cb.ID,
		MessageID:  cb.Message.MessageID,
	}
	switch {
	case strings.HasPrefix(cb.Data, callbackMenuPrefix):
		ev.Action = MenuAction(strings.TrimPrefix(cb.Data, callbackMenuPrefix))
	case strings.HasPrefix(cb.Data, callbackBuyPrefix):
		ev.Action = ActionBuy
		ev.PackageID = strings.TrimPrefix(cb.Data, callbackBuyPrefix)
	default:
		return Event{}, false
	}
	return ev, true
}

func normalizeMessage(msg *tgbotapi.Message) (Event, bool) {
	if msg.From == nil || msg.Chat == nil {
		return Event{}, false
	}
	ev := Event{
		UserID:    msg.From.ID,
		ChatID:    msg.Chat.ID,
		Username:  msg.From.UserName,
		MessageID: msg.MessageID,
	}

	switch {
	case msg.SuccessfulPayment != nil:
		ev.Kind = EventPayment
		ev.Payment = msg.SuccessfulPayment

	case len(msg.Photo) > 0:
		ev.Kind = EventPhoto
		ev.FileID = msg.Photo[len(msg.Photo)-1].FileID
		ev.Text = msg.Caption

	case msg.Document != nil && strings.HasPrefix(strings.ToLower(msg.Document.MimeType), "image/"):
		ev.Kind = EventPhoto
		ev.FileID = msg.Document.FileID
		ev.MimeType = msg.Document.MimeType
		ev.Text = msg.Caption

	case msg.IsCommand():
		ev.Kind = EventCommand
		action, ok := commands[strings.ToLower(msg.Command())]
		if !ok {
			action = ActionHelp
		}
		ev.Action = action
		ev.Text = msg.CommandArguments()

	case strings.TrimSpace(msg.Text) != "":
		ev.Kind = EventText
		ev.Text = msg.Text

	default:
		return Event{}, false
	}
	return ev, true
}
