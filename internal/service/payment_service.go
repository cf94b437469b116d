package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/digkill/TGImageBot/internal/config"
	"github.com/digkill/TGImageBot/internal/database"
	"github.com/digkill/TGImageBot/internal/metrics"
	"github.com/digkill/TGImageBot/internal/models"
	"github.com/digkill/TGImageBot/internal/repository"
)

const ProviderTelegram = "telegram"

var (
	ErrPaymentMismatch    = errors.New("payment amount or currency matches no package")
	ErrDuplicatePayment   = errors.New("payment already processed")
	ErrPaymentMissingID   = errors.New("payment has no charge id")
	ErrUnknownPackage     = errors.New("unknown price package")
	ErrPaymentNotFound    = errors.New("payment not found")
	ErrPaymentNotRejected = errors.New("payment is not awaiting reconciliation")
)

// PriceTable maps paid amounts to credit bundles. It is immutable after
// construction.
type PriceTable struct {
	packages []config.Package
	byAmount map[int]config.Package
	byID     map[string]config.Package
}

func NewPriceTable(packages config.Packages) PriceTable {
	t := PriceTable{
		packages: append([]config.Package(nil), packages...),
		byAmount: make(map[int]config.Package, len(packages)),
		byID:     make(map[string]config.Package, len(packages)),
	}
	for _, p := range packages {
		t.byAmount[p.Amount] = p
		t.byID[p.ID] = p
	}
	return t
}

func (t PriceTable) Lookup(amount int) (config.Package, bool) {
	p, ok := t.byAmount[amount]
	return p, ok
}

func (t PriceTable) ByID(id string) (config.Package, bool) {
	p, ok := t.byID[id]
	return p, ok
}

// Packages returns the bundles ordered by amount.
func (t PriceTable) Packages() []config.Package {
	return append([]config.Package(nil), t.packages...)
}

// PaymentEvent is a completed payment as reported by the chat platform.
type PaymentEvent struct {
	PayerID    int64
	Provider   string
	ChargeID   string
	Amount     int
	Currency   string
	RawPayload string
}

// PreCheckout is the approval request sent before the user is charged.
type PreCheckout struct {
	PayerID  int64
	Payload  string
	Amount   int
	Currency string
}

type Invoice struct {
	Title       string
	Description string
	Payload     string
	Currency    string
	Amount      int
	Credits     int
}

type PaymentService struct {
	db       *database.DB
	payments *repository.PaymentRepository
	users    *repository.UserRepository
	prices   PriceTable
	currency string
	log      zerolog.Logger
	metrics  *metrics.Recorder
}

func NewPaymentService(cfg config.Config, db *database.DB, payments *repository.PaymentRepository, users *repository.UserRepository, log zerolog.Logger, rec *metrics.Recorder) *PaymentService {
	return &PaymentService{
		db:       db,
		payments: payments,
		users:    users,
		prices:   NewPriceTable(cfg.PricePackages),
		currency: cfg.PaymentCurrency,
		log:      log,
		metrics:  rec,
	}
}

func (s *PaymentService) Prices() PriceTable {
	return s.prices
}

// Invoice describes the invoice the transport should send for a package.
func (s *PaymentService) Invoice(packageID string) (Invoice, error) {
	pkg, ok := s.prices.ByID(packageID)
	if !ok {
		return Invoice{}, ErrUnknownPackage
	}
	title := pkg.Title
	if title == "" {
		title = fmt.Sprintf("%d генераций", pkg.Credits)
	}
	return Invoice{
		Title:       title,
		Description: fmt.Sprintf("Пополнение баланса на %d генераций", pkg.Credits),
		Payload:     pkg.ID,
		Currency:    s.currency,
		Amount:      pkg.Amount,
		Credits:     pkg.Credits,
	}, nil
}

// Authorize approves a pre-checkout query only for a known package at its
// listed price.
func (s *PaymentService) Authorize(query PreCheckout) error {
	pkg, ok := s.prices.ByID(query.Payload)
	if !ok || pkg.Amount != query.Amount || !strings.EqualFold(query.Currency, s.currency) {
		return ErrUnknownPackage
	}
	return nil
}

// Apply credits the payer for a completed payment and returns the credits
// added. Each (provider, charge id) is applied at most once. The user has
// already been charged, so the write ignores caller cancellation.
func (s *PaymentService) Apply(ctx context.Context, event PaymentEvent) (int, error) {
	ctx = context.WithoutCancel(ctx)
	if strings.TrimSpace(event.ChargeID) == "" {
		s.log.Error().Int64("user_id", event.PayerID).Int("amount", event.Amount).Msg("payment without charge id")
		return 0, ErrPaymentMissingID
	}
	provider := event.Provider
	if provider == "" {
		provider = ProviderTelegram
	}

	record := &models.Payment{
		UserID:         event.PayerID,
		Provider:       provider,
		ProviderCharge: event.ChargeID,
		Currency:       event.Currency,
		Amount:         event.Amount,
		Status:         models.PaymentPaid,
		RawPayload:     event.RawPayload,
	}
	pkg, ok := s.prices.Lookup(event.Amount)
	if !ok || !strings.EqualFold(event.Currency, s.currency) {
		record.Status = models.PaymentRejected
	} else {
		record.Credits = pkg.Credits
	}

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		created, err := s.payments.WithTx(tx).CreateOnce(ctx, record)
		if err != nil {
			return err
		}
		if !created {
			return ErrDuplicatePayment
		}
		if record.Status != models.PaymentPaid {
			return nil
		}
		return s.users.WithTx(tx).AddCredits(ctx, event.PayerID, record.Credits)
	})
	if errors.Is(err, ErrDuplicatePayment) {
		entry := s.log.Warn().Int64("user_id", event.PayerID).Str("charge_id", event.ChargeID)
		if existing, lookupErr := s.payments.FindByProviderCharge(ctx, provider, event.ChargeID); lookupErr == nil && existing != nil {
			entry = entry.Int64("payment_id", existing.ID).Str("status", string(existing.Status))
		}
		entry.Msg("duplicate payment ignored")
		s.metrics.IncPayment("duplicate")
		return 0, err
	}
	if err != nil {
		return 0, fmt.Errorf("apply payment: %w", err)
	}

	s.metrics.IncPayment(string(record.Status))
	if record.Status == models.PaymentRejected {
		s.log.Error().
			Int64("user_id", event.PayerID).
			Int64("payment_id", record.ID).
			Int("amount", event.Amount).
			Str("currency", event.Currency).
			Msg("payment matches no package, awaiting reconciliation")
		return 0, ErrPaymentMismatch
	}

	s.log.Info().Int64("user_id", event.PayerID).Int("credits", record.Credits).Str("charge_id", event.ChargeID).Msg("payment applied")
	return record.Credits, nil
}

func (s *PaymentService) ListRejected(ctx context.Context) ([]models.Payment, error) {
	payments, err := s.payments.ListByStatus(ctx, models.PaymentRejected)
	if err != nil {
		return nil, fmt.Errorf("list rejected payments: %w", err)
	}
	return payments, nil
}

// Resolve closes a rejected payment by granting the given credits to its payer.
func (s *PaymentService) Resolve(ctx context.Context, paymentID int64, credits int) (*models.Payment, error) {
	if credits <= 0 {
		return nil, ErrInvalidAmount
	}

	var resolved *models.Payment
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		payments := s.payments.WithTx(tx)
		payment, err := payments.FindByID(ctx, paymentID)
		if err != nil {
			return err
		}
		if payment == nil {
			return ErrPaymentNotFound
		}
		moved, err := payments.Transition(ctx, paymentID, models.PaymentRejected, models.PaymentResolved, credits)
		if err != nil {
			return err
		}
		if !moved {
			return ErrPaymentNotRejected
		}
		if err := s.users.WithTx(tx).AddCredits(ctx, payment.UserID, credits); err != nil {
			return err
		}
		payment.Status = models.PaymentResolved
		payment.Credits = credits
		resolved = payment
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrPaymentNotFound) || errors.Is(err, ErrPaymentNotRejected) {
			return nil, err
		}
		return nil, fmt.Errorf("resolve payment: %w", err)
	}

	s.metrics.IncPayment(string(models.PaymentResolved))
	s.log.Info().Int64("payment_id", paymentID).Int64("user_id", resolved.UserID).Int("credits", credits).Msg("payment resolved")
	return resolved, nil
}
