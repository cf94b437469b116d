package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/TGImageBot/internal/config"
	"github.com/digkill/TGImageBot/internal/database"
	"github.com/digkill/TGImageBot/internal/metrics"
	"github.com/digkill/TGImageBot/internal/models"
	"github.com/digkill/TGImageBot/internal/repository"
)

func testPackages(t *testing.T) config.Packages {
	t.Helper()
	var pkgs config.Packages
	require.NoError(t, pkgs.Decode("p2:1:2:Trial,p5:75:5:Starter,p10:140:10:Popular,p20:260:20:Pro"))
	return pkgs
}

func newTestPayments(t *testing.T) (*PaymentService, *LedgerService, *database.DB) {
	t.Helper()
	db := database.OpenTest(t)
	users := repository.NewUserRepository(db)
	cfg := config.Config{PaymentCurrency: "XTR", PricePackages: testPackages(t)}
	svc := NewPaymentService(cfg, db, repository.NewPaymentRepository(db), users, zerolog.Nop(), metrics.New(prometheus.NewRegistry()))
	return svc, NewLedgerService(users), db
}

func TestPriceTable(t *testing.T) {
	table := NewPriceTable(testPackages(t))

	for amount, credits := range map[int]int{1: 2, 75: 5, 140: 10, 260: 20} {
		pkg, ok := table.Lookup(amount)
		require.True(t, ok, "amount %d", amount)
		assert.Equal(t, credits, pkg.Credits)
	}
	_, ok := table.Lookup(100)
	assert.False(t, ok)

	pkg, ok := table.ByID("p10")
	require.True(t, ok)
	assert.Equal(t, 140, pkg.Amount)

	pkgs := table.Packages()
	require.Len(t, pkgs, 4)
	assert.Equal(t, 1, pkgs[0].Amount)
	assert.Equal(t, 260, pkgs[3].Amount)
}

func TestPaymentApplyCreditsPackage(t *testing.T) {
	svc, ledger, _ := newTestPayments(t)
	ctx := context.Background()

	credits, err := svc.Apply(ctx, PaymentEvent{PayerID: 1, ChargeID: "ch-1", Amount: 75, Currency: "XTR", RawPayload: `{"x":1}`})
	require.NoError(t, err)
	assert.Equal(t, 5, credits)

	balance, err := ledger.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 5, balance)
}

func TestPaymentApplySurvivesCancelledContext(t *testing.T) {
	svc, ledger, db := newTestPayments(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	credits, err := svc.Apply(ctx, PaymentEvent{PayerID: 9, ChargeID: "ch-x", Amount: 75, Currency: "XTR"})
	require.NoError(t, err)
	assert.Equal(t, 5, credits)

	stored, err := repository.NewPaymentRepository(db).FindByProviderCharge(context.Background(), ProviderTelegram, "ch-x")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, models.PaymentPaid, stored.Status)
	assert.Equal(t, 5, stored.Credits)

	balance, err := ledger.GetBalance(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, 5, balance)

	missing, err := repository.NewPaymentRepository(db).FindByProviderCharge(context.Background(), ProviderTelegram, "ch-unknown")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestPaymentApplyDuplicateIsIgnored(t *testing.T) {
	svc, ledger, _ := newTestPayments(t)
	ctx := context.Background()
	event := PaymentEvent{PayerID: 1, ChargeID: "ch-dup", Amount: 140, Currency: "XTR"}

	_, err := svc.Apply(ctx, event)
	require.NoError(t, err)
	credits, err := svc.Apply(ctx, event)
	assert.ErrorIs(t, err, ErrDuplicatePayment)
	assert.Zero(t, credits)

	balance, err := ledger.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 10, balance)
}

func TestPaymentApplyConcurrentDuplicates(t *testing.T) {
	svc, ledger, _ := newTestPayments(t)
	ctx := context.Background()
	event := PaymentEvent{PayerID: 4, ChargeID: "ch-race", Amount: 1, Currency: "XTR"}

	var applied atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Apply(ctx, event); err == nil {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, applied.Load())
	balance, err := ledger.GetBalance(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, 2, balance)
}

func TestPaymentApplyMismatchIsRecorded(t *testing.T) {
	svc, ledger, _ := newTestPayments(t)
	ctx := context.Background()

	credits, err := svc.Apply(ctx, PaymentEvent{PayerID: 2, ChargeID: "ch-odd", Amount: 100, Currency: "XTR"})
	assert.ErrorIs(t, err, ErrPaymentMismatch)
	assert.Zero(t, credits)

	_, err = svc.Apply(ctx, PaymentEvent{PayerID: 2, ChargeID: "ch-usd", Amount: 75, Currency: "USD"})
	assert.ErrorIs(t, err, ErrPaymentMismatch)

	balance, err := ledger.GetBalance(ctx, 2)
	require.NoError(t, err)
	assert.Zero(t, balance)

	rejected, err := svc.ListRejected(ctx)
	require.NoError(t, err)
	require.Len(t, rejected, 2)
	assert.Equal(t, "ch-odd", rejected[0].ProviderCharge)
	assert.Equal(t, models.PaymentRejected, rejected[0].Status)
	assert.Equal(t, ProviderTelegram, rejected[0].Provider)
}

func TestPaymentApplyMissingChargeID(t *testing.T) {
	svc, _, _ := newTestPayments(t)

	_, err := svc.Apply(context.Background(), PaymentEvent{PayerID: 3, Amount: 75, Currency: "XTR"})
	assert.ErrorIs(t, err, ErrPaymentMissingID)

	rejected, err := svc.ListRejected(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rejected)
}

func TestPaymentResolve(t *testing.T) {
	svc, ledger, _ := newTestPayments(t)
	ctx := context.Background()

	_, err := svc.Apply(ctx, PaymentEvent{PayerID: 9, ChargeID: "ch-9", Amount: 99, Currency: "XTR"})
	require.ErrorIs(t, err, ErrPaymentMismatch)
	rejected, err := svc.ListRejected(ctx)
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	id := rejected[0].ID

	_, err = svc.Resolve(ctx, id, 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	resolved, err := svc.Resolve(ctx, id, 6)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentResolved, resolved.Status)
	assert.Equal(t, int64(9), resolved.UserID)

	_, err = svc.Resolve(ctx, id, 6)
	assert.ErrorIs(t, err, ErrPaymentNotRejected)
	_, err = svc.Resolve(ctx, id+100, 6)
	assert.ErrorIs(t, err, ErrPaymentNotFound)

	balance, err := ledger.GetBalance(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, 6, balance)

	rejected, err = svc.ListRejected(ctx)
	require.NoError(t, err)
	assert.Empty(t, rejected)
}

func TestPaymentAuthorize(t *testing.T) {
	svc, _, _ := newTestPayments(t)

	assert.NoError(t, svc.Authorize(PreCheckout{Payload: "p5", Amount: 75, Currency: "XTR"}))
	assert.ErrorIs(t, svc.Authorize(PreCheckout{Payload: "p5", Amount: 74, Currency: "XTR"}), ErrUnknownPackage)
	assert.ErrorIs(t, svc.Authorize(PreCheckout{Payload: "gold", Amount: 75, Currency: "XTR"}), ErrUnknownPackage)
	assert.ErrorIs(t, svc.Authorize(PreCheckout{Payload: "p5", Amount: 75, Currency: "EUR"}), ErrUnknownPackage)
}

func TestPaymentInvoice(t *testing.T) {
	svc, _, _ := newTestPayments(t)

	inv, err := svc.Invoice("p20")
	require.NoError(t, err)
	assert.Equal(t, "Pro", inv.Title)
	assert.Equal(t, "p20", inv.Payload)
	assert.Equal(t, "XTR", inv.Currency)
	assert.Equal(t, 260, inv.Amount)
	assert.Equal(t, 20, inv.Credits)

	_, err = svc.Invoice("nope")
	assert.ErrorIs(t, err, ErrUnknownPackage)
}
