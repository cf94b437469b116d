package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/digkill/TGImageBot/internal/models"
	"github.com/digkill/TGImageBot/internal/repository"
)

var ErrInvalidAmount = errors.New("credit amount must be positive")

// LedgerService is the authoritative per-user credit balance.
type LedgerService struct {
	users *repository.UserRepository
}

func NewLedgerService(users *repository.UserRepository) *LedgerService {
	return &LedgerService{users: users}
}

// GetBalance returns 0 for users that never interacted.
func (s *LedgerService) GetBalance(ctx context.Context, userID int64) (int, error) {
	balance, err := s.users.Balance(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

func (s *LedgerService) Account(ctx context.Context, userID int64) (*models.UserAccount, error) {
	user, err := s.users.FindByTelegramID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return user, nil
}

// GrantTrial gives the one-time free credit. It reports whether this call
// granted it.
func (s *LedgerService) GrantTrial(ctx context.Context, userID int64) (bool, error) {
	granted, err := s.users.GrantTrial(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("grant trial: %w", err)
	}
	return granted, nil
}

func (s *LedgerService) AddCredits(ctx context.Context, userID int64, amount int) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if err := s.users.AddCredits(ctx, userID, amount); err != nil {
		return fmt.Errorf("add credits: %w", err)
	}
	return nil
}

// ConsumeCredit atomically takes one credit. False means the balance was zero
// or the user is unknown; no state changed.
func (s *LedgerService) ConsumeCredit(ctx context.Context, userID int64) (bool, error) {
	ok, err := s.users.ConsumeCredit(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("consume credit: %w", err)
	}
	return ok, nil
}

// Refund returns a credit taken by ConsumeCredit.
func (s *LedgerService) Refund(ctx context.Context, userID int64) error {
	return s.AddCredits(ctx, userID, 1)
}

func (s *LedgerService) Touch(ctx context.Context, userID int64, username string) error {
	if err := s.users.Touch(ctx, userID, username); err != nil {
		return fmt.Errorf("touch user: %w", err)
	}
	return nil
}

func (s *LedgerService) ListUserIDs(ctx context.Context) ([]int64, error) {
	ids, err := s.users.ListTelegramIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list telegram ids: %w", err)
	}
	return ids, nil
}
