package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/digkill/TGImageBot/internal/config"
	"github.com/digkill/TGImageBot/internal/models"
	"github.com/digkill/TGImageBot/internal/service"
)

const maxPhotoBytes = 20 << 20

var errReferenceNotImage = errors.New("reference not image")

// sender is the part of *tgbotapi.BotAPI used by handlers.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetFileDirectURL(fileID string) (string, error)
}

type updateSource interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

type Ledger interface {
	Touch(ctx context.Context, userID int64, username string) error
	GrantTrial(ctx context.Context, userID int64) (bool, error)
	GetBalance(ctx context.Context, userID int64) (int, error)
}

type Payments interface {
	Prices() service.PriceTable
	Invoice(packageID string) (service.Invoice, error)
	Authorize(query service.PreCheckout) error
	Apply(ctx context.Context, event service.PaymentEvent) (int, error)
}

type Gate interface {
	Submit(ctx context.Context, req models.GenerationRequest) service.Outcome
}

type handlerFunc func(ctx context.Context, ev Event)

type Bot struct {
	api           sender
	updates       updateSource
	log           zerolog.Logger
	ledger        Ledger
	payments      Payments
	gate          Gate
	dispatcher    *Dispatcher
	httpClient    *http.Client
	providerToken string

	deliveryRetries uint64
	retryBase       time.Duration

	handlers map[EventKind]handlerFunc
	actions  map[MenuAction]handlerFunc
}

func NewBot(cfg config.Config, api *tgbotapi.BotAPI, log zerolog.Logger, ledger Ledger, payments Payments, gate Gate) *Bot {
	return newBot(cfg, api, api, log, ledger, payments, gate)
}

func newBot(cfg config.Config, api sender, updates updateSource, log zerolog.Logger, ledger Ledger, payments Payments, gate Gate) *Bot {
	b := &Bot{
		api:             api,
		updates:         updates,
		log:             log.With().Str("component", "telegram").Logger(),
		ledger:          ledger,
		payments:        payments,
		gate:            gate,
		dispatcher:      NewDispatcher(cfg.MaxConcurrentRequests, log),
		httpClient:      &http.Client{Timeout: 60 * time.Second},
		providerToken:   cfg.TelegramPaymentProviderToken,
		deliveryRetries: 3,
		retryBase:       500 * time.Millisecond,
	}
	b.handlers = map[EventKind]handlerFunc{
		EventCommand: b.handleMenu,
		EventMenu:    b.handleMenu,
		EventText:    b.handleText,
		EventPhoto:   b.handlePhoto,
		EventPayment: b.handlePayment,
	}
	b.actions = map[MenuAction]handlerFunc{
		ActionStart:   b.handleStart,
		ActionBalance: b.handleBalance,
		ActionShop:    b.handleShop,
		ActionHelp:    b.handleHelp,
		ActionCreate:  b.handleCreate,
		ActionEdit:    b.handleEdit,
		ActionBack:    b.handleBack,
		ActionBuy:     b.handleBuy,
	}
	return b
}

func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.updates.GetUpdatesChan(u)
	b.log.Info().Msg("telegram bot started")

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				b.dispatcher.Wait()
				return nil
			}
			b.handleUpdate(ctx, update)
		case <-ctx.Done():
			b.updates.StopReceivingUpdates()
			b.flushPayments(ctx, updates)
			b.dispatcher.Wait()
			return ctx.Err()
		}
	}
}

// flushPayments applies successful payments still buffered in the update
// channel. Their offsets are already confirmed, so Telegram will not resend them.
func (b *Bot) flushPayments(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return
			}
			if ev, ok := normalize(update); ok && ev.Kind == EventPayment {
				b.handlePayment(ctx, ev)
			}
		default:
			return
		}
	}
}

// handleUpdate answers pre-checkout queries and applies payments inline.
// Everything else is queued behind earlier work of the same user and may be
// dropped on shutdown.
func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	ev, ok := normalize(update)
	if !ok {
		return
	}
	switch ev.Kind {
	case EventPreCheckout:
		b.handlePreCheckout(ev)
		return
	case EventPayment:
		b.handlePayment(ctx, ev)
		return
	}
	if ev.CallbackID != "" {
		if _, err := b.api.Request(tgbotapi.NewCallback(ev.CallbackID, "")); err != nil {
			b.log.Warn().Err(err).Int64("user_id", ev.UserID).Msg("callback ack failed")
		}
	}
	b.dispatcher.Submit(ctx, ev.UserID, func(ctx context.Context) {
		b.dispatch(ctx, ev)
	})
}

func (b *Bot) dispatch(ctx context.Context, ev Event) {
	h, ok := b.handlers[ev.Kind]
	if !ok {
		b.log.Warn().Str("kind", ev.Kind.String()).Msg("no handler for event")
		return
	}
	h(ctx, ev)
}

func (b *Bot) handleMenu(ctx context.Context, ev Event) {
	h, ok := b.actions[ev.Action]
	if !ok {
		h = b.handleHelp
	}
	h(ctx, ev)
}

func (b *Bot) handleStart(ctx context.Context, ev Event) {
	if err := b.ledger.Touch(ctx, ev.UserID, ev.Username); err != nil {
		b.log.Error().Err(err).Int64("user_id", ev.UserID).Msg("touch user")
		b.sendText(ev.ChatID, textInternalError)
		return
	}
	granted, err := b.ledger.GrantTrial(ctx, ev.UserID)
	if err != nil {
		b.log.Error().Err(err).Int64("user_id", ev.UserID).Msg("grant trial")
	}
	balance, err := b.ledger.GetBalance(ctx, ev.UserID)
	if err != nil {
		b.log.Error().Err(err).Int64("user_id", ev.UserID).Msg("get balance")
	}

	text := fmt.Sprintf(textWelcome, balance)
	if granted {
		text += textTrialGranted
	}
	text += textChooseAction
	b.sendMarkup(ev.ChatID, text, mainMenu())
}

func (b *Bot) handleBalance(ctx context.Context, ev Event) {
	balance, err := b.ledger.GetBalance(ctx, ev.UserID)
	if err != nil {
		b.log.Error().Err(err).Int64("user_id", ev.UserID).Msg("get balance")
		b.sendText(ev.ChatID, textInternalError)
		return
	}
	b.sendMarkup(ev.ChatID, fmt.Sprintf(textBalance, balance), mainMenu())
}

func (b *Bot) handleShop(_ context.Context, ev Event) {
	b.sendMarkup(ev.ChatID, textChoosePackage, shopMenu(b.payments.Prices().Packages()))
}

func (b *Bot) handleBack(_ context.Context, ev Event) {
	b.sendMarkup(ev.ChatID, textMainMenu, mainMenu())
}

func (b *Bot) handleHelp(_ context.Context, ev Event) {
	b.sendMarkup(ev.ChatID, textHelp, mainMenu())
}

func (b *Bot) handleCreate(_ context.Context, ev Event) {
	b.sendText(ev.ChatID, textAskPrompt)
}

func (b *Bot) handleEdit(_ context.Context, ev Event) {
	b.sendText(ev.ChatID, textAskPhoto)
}

func (b *Bot) handleBuy(_ context.Context, ev Event) {
	inv, err := b.payments.Invoice(ev.PackageID)
	if err != nil {
		b.log.Warn().Err(err).Str("package", ev.PackageID).Msg("invoice for unknown package")
		b.sendMarkup(ev.ChatID, textPackageUnknown, shopMenu(b.payments.Prices().Packages()))
		return
	}

	invoice := tgbotapi.NewInvoice(ev.ChatID,
		inv.Title,
		inv.Description,
		inv.Payload,
		b.providerToken,
		invoiceStartParam,
		inv.Currency,
		[]tgbotapi.LabeledPrice{{Label: inv.Title, Amount: inv.Amount}},
	)
	// An unset slice is serialized as null, which the API rejects.
	invoice.SuggestedTipAmounts = []int{}

	if _, err := b.api.Send(invoice); err != nil {
		b.log.Error().Err(err).Int64("user_id", ev.UserID).Str("package", ev.PackageID).Msg("send invoice")
		b.sendText(ev.ChatID, textInvoiceFailed)
	}
}

func (b *Bot) handlePreCheckout(ev Event) {
	q := ev.PreCheckout
	err := b.payments.Authorize(service.PreCheckout{
		PayerID:  ev.UserID,
		Payload:  q.InvoicePayload,
		Amount:   q.TotalAmount,
		Currency: q.Currency,
	})
	answer := tgbotapi.PreCheckoutConfig{
		PreCheckoutQueryID: q.ID,
		OK:                 err == nil,
	}
	if err != nil {
		answer.ErrorMessage = textPackageUnknown
		b.log.Warn().Err(err).Int64("user_id", ev.UserID).Str("payload", q.InvoicePayload).Int("amount", q.TotalAmount).Msg("pre-checkout declined")
	}
	if _, err := b.api.Request(answer); err != nil {
		b.log.Error().Err(err).Int64("user_id", ev.UserID).Msg("answer pre-checkout")
	}
}

func (b *Bot) handlePayment(ctx context.Context, ev Event) {
	ctx = context.WithoutCancel(ctx)
	p := ev.Payment
	chargeID := p.TelegramPaymentChargeID
	if chargeID == "" {
		chargeID = p.ProviderPaymentChargeID
	}
	raw, err := json.Marshal(p)
	if err != nil {
		raw = []byte("{}")
	}

	_, err = b.payments.Apply(ctx, service.PaymentEvent{
		PayerID:    ev.UserID,
		Provider:   service.ProviderTelegram,
		ChargeID:   chargeID,
		Amount:     p.TotalAmount,
		Currency:   p.Currency,
		RawPayload: string(raw),
	})

	switch {
	case err == nil:
		b.sendMarkup(ev.ChatID, fmt.Sprintf(textPaid, b.balance(ctx, ev.UserID)), mainMenu())
	case errors.Is(err, service.ErrDuplicatePayment):
		b.sendMarkup(ev.ChatID, fmt.Sprintf(textPaidDuplicate, b.balance(ctx, ev.UserID)), mainMenu())
	case errors.Is(err, service.ErrPaymentMismatch):
		b.sendText(ev.ChatID, textPaymentMismatch)
	default:
		b.log.Error().Err(err).Int64("user_id", ev.UserID).Str("charge_id", chargeID).Msg("apply payment")
		b.sendText(ev.ChatID, textPaymentFailed)
	}
}

func (b *Bot) handleText(ctx context.Context, ev Event) {
	progress := b.sendProgress(ev.ChatID, textGenerating)
	out := b.gate.Submit(ctx, models.GenerationRequest{
		RequesterID: ev.UserID,
		Kind:        models.KindTextToImage,
		Prompt:      ev.Text,
	})
	b.deleteMessage(ev.ChatID, progress)
	b.reply(ctx, ev, models.KindTextToImage, out)
}

func (b *Bot) handlePhoto(ctx context.Context, ev Event) {
	progress := b.sendProgress(ev.ChatID, textProcessing)
	data, err := b.downloadFile(ctx, ev.FileID, ev.MimeType)
	if err != nil {
		b.deleteMessage(ev.ChatID, progress)
		if errors.Is(err, errReferenceNotImage) {
			b.sendText(ev.ChatID, textNotImage)
			return
		}
		b.log.Error().Err(err).Int64("user_id", ev.UserID).Msg("download photo")
		b.sendText(ev.ChatID, textDownloadFailed)
		return
	}

	out := b.gate.Submit(ctx, models.GenerationRequest{
		RequesterID: ev.UserID,
		Kind:        models.KindImageEdit,
		SourceImage: data,
		Caption:     ev.Text,
	})
	b.deleteMessage(ev.ChatID, progress)
	b.reply(ctx, ev, models.KindImageEdit, out)
}

func (b *Bot) reply(ctx context.Context, ev Event, kind models.RequestKind, out service.Outcome) {
	switch {
	case out.Delivered():
		name := defaultImageFileName
		if kind == models.KindImageEdit {
			name = defaultEditFileName
		}
		if err := b.deliverPhoto(ctx, ev.ChatID, out.Artifact, name); err != nil {
			b.log.Error().Err(err).Int64("user_id", ev.UserID).Str("fingerprint", out.Fingerprint).Msg("deliver image")
		}
	case out.Reason == service.ReasonInsufficientCredit:
		b.sendMarkup(ev.ChatID, textNoCredits, mainMenu())
	case out.Reason == service.ReasonInvalidRequest:
		if kind == models.KindImageEdit {
			b.sendText(ev.ChatID, textAskPhoto)
		} else {
			b.sendText(ev.ChatID, textAskPrompt)
		}
	case out.Reason == service.ReasonGenerationFailure:
		if out.Refunded {
			b.sendText(ev.ChatID, textFailedRefunded)
		} else {
			b.sendText(ev.ChatID, textFailed)
		}
	default:
		b.sendText(ev.ChatID, textInternalError)
	}
}

// deliverPhoto retries transient send failures. The artifact is already paid
// for, so delivery outlives the caller's context.
func (b *Bot) deliverPhoto(ctx context.Context, chatID int64, data []byte, name string) error {
	photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{Name: name, Bytes: data})
	backoff := retry.WithMaxRetries(b.deliveryRetries, retry.NewExponential(b.retryBase))
	return retry.Do(context.WithoutCancel(ctx), backoff, func(ctx context.Context) error {
		if _, err := b.api.Send(photo); err != nil {
			if permanentSendError(err) {
				return err
			}
			b.log.Warn().Err(err).Int64("chat_id", chatID).Msg("send photo failed, retrying")
			return retry.RetryableError(err)
		}
		return nil
	})
}

func permanentSendError(err error) bool {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusBadRequest || apiErr.Code == http.StatusForbidden
	}
	return false
}

// Broadcast sends text to every user and returns how many messages went out.
func (b *Bot) Broadcast(ctx context.Context, userIDs []int64, text string) int {
	sent := 0
	for _, id := range userIDs {
		if ctx.Err() != nil {
			break
		}
		if _, err := b.api.Send(tgbotapi.NewMessage(id, text)); err != nil {
			b.log.Error().Err(err).Int64("user_id", id).Msg("send broadcast")
			continue
		}
		sent++
	}
	return sent
}

func (b *Bot) balance(ctx context.Context, userID int64) int {
	balance, err := b.ledger.GetBalance(ctx, userID)
	if err != nil {
		b.log.Error().Err(err).Int64("user_id", userID).Msg("get balance")
	}
	return balance
}

func (b *Bot) downloadFile(ctx context.Context, fileID, mimeType string) ([]byte, error) {
	if mimeType != "" && !strings.HasPrefix(strings.ToLower(mimeType), "image/") {
		return nil, errReferenceNotImage
	}
	fileURL, err := b.api.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("telegram file status: %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPhotoBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read file body: %w", err)
	}
	if len(body) > maxPhotoBytes {
		return nil, fmt.Errorf("file exceeds %d bytes", maxPhotoBytes)
	}
	if _, err := normalizeImageContentType(resp.Header.Get("Content-Type"), body); err != nil {
		return nil, err
	}
	return body, nil
}

func (b *Bot) sendText(chatID int64, text string) {
	if _, err := b.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		b.log.Error().Err(err).Int64("chat_id", chatID).Msg("send text")
	}
}

func (b *Bot) sendMarkup(chatID int64, text string, markup tgbotapi.InlineKeyboardMarkup) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = markup
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error().Err(err).Int64("chat_id", chatID).Msg("send menu")
	}
}

func (b *Bot) sendProgress(chatID int64, text string) int {
	sent, err := b.api.Send(tgbotapi.NewMessage(chatID, text))
	if err != nil {
		b.log.Warn().Err(err).Int64("chat_id", chatID).Msg("send progress")
		return 0
	}
	return sent.MessageID
}

func (b *Bot) deleteMessage(chatID int64, messageID int) {
	if messageID == 0 {
		return
	}
	if _, err := b.api.Request(tgbotapi.NewDeleteMessage(chatID, messageID)); err != nil {
		b.log.Warn().Err(err).Int64("chat_id", chatID).Msg("delete progress message")
	}
}

func normalizeImageContentType(headerCT string, data []byte) (string, error) {
	ct := strings.ToLower(strings.TrimSpace(headerCT))
	if idx := strings.Index(ct, ";"); idx > 0 {
		ct = ct[:idx]
	}
	if ct == "" || ct == "application/octet-stream" || !strings.HasPrefix(ct, "image/") {
		if len(data) > 0 {
			ct = http.DetectContentType(data)
			if idx := strings.Index(ct, ";"); idx > 0 {
				ct = ct[:idx]
			}
		}
	}

	switch ct {
	case "image/jpeg", "image/jpg":
		return "image/jpeg", nil
	case "image/png":
		return "image/png", nil
	case "image/webp":
		return "image/webp", nil
	default:
		return "", errReferenceNotImage
	}
}
