package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/TGImageBot/internal/database"
	"github.com/digkill/TGImageBot/internal/repository"
)

func newTestLedger(t *testing.T) (*LedgerService, *database.DB) {
	t.Helper()
	db := database.OpenTest(t)
	return NewLedgerService(repository.NewUserRepository(db)), db
}

func TestLedgerUnknownUserHasZeroBalance(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	balance, err := ledger.GetBalance(ctx, 42)
	require.NoError(t, err)
	assert.Zero(t, balance)

	ok, err := ledger.ConsumeCredit(ctx, 42)
	require.NoError(t, err)
	assert.False(t, ok)

	account, err := ledger.Account(ctx, 42)
	require.NoError(t, err)
	assert.Nil(t, account, "consume must not create an account")
}

func TestLedgerGrantTrialOnce(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	granted, err := ledger.GrantTrial(ctx, 7)
	require.NoError(t, err)
	assert.True(t, granted)

	granted, err = ledger.GrantTrial(ctx, 7)
	require.NoError(t, err)
	assert.False(t, granted)

	balance, err := ledger.GetBalance(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, balance)

	account, err := ledger.Account(ctx, 7)
	require.NoError(t, err)
	require.NotNil(t, account)
	assert.True(t, account.TrialGranted)
}

func TestLedgerGrantTrialConcurrent(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := ledger.GrantTrial(ctx, 99)
			assert.NoError(t, err)
			if ok {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, granted.Load())
	balance, err := ledger.GetBalance(ctx, 99)
	require.NoError(t, err)
	assert.Equal(t, 1, balance)
}

func TestLedgerTrialAfterPurchase(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, ledger.AddCredits(ctx, 5, 10))
	granted, err := ledger.GrantTrial(ctx, 5)
	require.NoError(t, err)
	assert.True(t, granted)

	balance, err := ledger.GetBalance(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 11, balance)
}

func TestLedgerAddCreditsRejectsNonPositive(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	assert.ErrorIs(t, ledger.AddCredits(ctx, 1, 0), ErrInvalidAmount)
	assert.ErrorIs(t, ledger.AddCredits(ctx, 1, -3), ErrInvalidAmount)

	account, err := ledger.Account(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, account)
}

func TestLedgerConsumeConcurrentNeverOverspends(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, ledger.AddCredits(ctx, 3, 3))

	var consumed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := ledger.ConsumeCredit(ctx, 3)
			assert.NoError(t, err)
			if ok {
				consumed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 3, consumed.Load())
	balance, err := ledger.GetBalance(ctx, 3)
	require.NoError(t, err)
	assert.Zero(t, balance)
}

func TestLedgerRefundRestoresCredit(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, ledger.AddCredits(ctx, 8, 1))

	ok, err := ledger.ConsumeCredit(ctx, 8)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, ledger.Refund(ctx, 8))

	balance, err := ledger.GetBalance(ctx, 8)
	require.NoError(t, err)
	assert.Equal(t, 1, balance)
}

func TestLedgerTouchAndList(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, ledger.Touch(ctx, 20, "alice"))
	require.NoError(t, ledger.Touch(ctx, 10, ""))
	require.NoError(t, ledger.Touch(ctx, 20, "alice_new"))

	account, err := ledger.Account(ctx, 20)
	require.NoError(t, err)
	require.NotNil(t, account)
	assert.Equal(t, "alice_new", account.Username)
	assert.Zero(t, account.Balance)
	assert.False(t, account.TrialGranted)

	ids, err := ledger.ListUserIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 20}, ids)
}
