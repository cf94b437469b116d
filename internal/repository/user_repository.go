package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/digkill/TGImageBot/internal/database"
	"github.com/digkill/TGImageBot/internal/models"
)

// UserRepository owns the users table. Every balance mutation is a single
// conditional statement so concurrent requests never read-then-write.
type UserRepository struct {
	q       database.Querier
	dialect database.Dialect
}

func NewUserRepository(db *database.DB) *UserRepository {
	return &UserRepository{q: db.DB, dialect: db.Dialect}
}

// WithTx binds the repository to a running transaction.
func (r *UserRepository) WithTx(tx *sql.Tx) *UserRepository {
	if tx == nil {
		return r
	}
	return &UserRepository{q: tx, dialect: r.dialect}
}

func (r *UserRepository) ensure(ctx context.Context, telegramID int64) error {
	query := r.dialect.InsertIgnore() + ` INTO users (telegram_id) VALUES (?)`
	if _, err := r.q.ExecContext(ctx, query, telegramID); err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	return nil
}

func (r *UserRepository) FindByTelegramID(ctx context.Context, telegramID int64) (*models.UserAccount, error) {
	const query = `
SELECT telegram_id, COALESCE(username, ''), balance, trial_granted, created_at, updated_at
FROM users WHERE telegram_id = ?`
	row := r.q.QueryRowContext(ctx, query, telegramID)
	var u models.UserAccount
	var granted int
	if err := row.Scan(&u.TelegramID, &u.Username, &u.Balance, &granted, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.TrialGranted = granted != 0
	return &u, nil
}

func (r *UserRepository) Balance(ctx context.Context, telegramID int64) (int, error) {
	const query = `SELECT balance FROM users WHERE telegram_id = ?`
	var balance int
	if err := r.q.QueryRowContext(ctx, query, telegramID).Scan(&balance); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

// Touch creates the account if needed and records the latest username.
func (r *UserRepository) Touch(ctx context.Context, telegramID int64, username string) error {
	if err := r.ensure(ctx, telegramID); err != nil {
		return err
	}
	const query = `UPDATE users SET username = NULLIF(?, ''), updated_at = CURRENT_TIMESTAMP WHERE telegram_id = ?`
	if _, err := r.q.ExecContext(ctx, query, username, telegramID); err != nil {
		return fmt.Errorf("update username: %w", err)
	}
	return nil
}

// GrantTrial adds one credit and flips trial_granted, once per account.
func (r *UserRepository) GrantTrial(ctx context.Context, telegramID int64) (bool, error) {
	if err := r.ensure(ctx, telegramID); err != nil {
		return false, err
	}
	const query = `
UPDATE users SET balance = balance + 1, trial_granted = 1, updated_at = CURRENT_TIMESTAMP
WHERE telegram_id = ? AND trial_granted = 0`
	res, err := r.q.ExecContext(ctx, query, telegramID)
	if err != nil {
		return false, fmt.Errorf("grant trial: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("trial rows affected: %w", err)
	}
	return affected > 0, nil
}

func (r *UserRepository) AddCredits(ctx context.Context, telegramID int64, amount int) error {
	if err := r.ensure(ctx, telegramID); err != nil {
		return err
	}
	const query = `UPDATE users SET balance = balance + ?, updated_at = CURRENT_TIMESTAMP WHERE telegram_id = ?`
	if _, err := r.q.ExecContext(ctx, query, amount, telegramID); err != nil {
		return fmt.Errorf("add credits: %w", err)
	}
	return nil
}

// ConsumeCredit decrements by one only while the balance is positive.
// Unknown users get no row.
func (r *UserRepository) ConsumeCredit(ctx context.Context, telegramID int64) (bool, error) {
	const query = `
UPDATE users SET balance = balance - 1, updated_at = CURRENT_TIMESTAMP
WHERE telegram_id = ? AND balance > 0`
	res, err := r.q.ExecContext(ctx, query, telegramID)
	if err != nil {
		return false, fmt.Errorf("consume credit: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("consume rows affected: %w", err)
	}
	return affected > 0, nil
}

func (r *UserRepository) ListTelegramIDs(ctx context.Context) ([]int64, error) {
	const query = `SELECT telegram_id FROM users ORDER BY telegram_id`
	rows, err := r.q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list telegram ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan telegram id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
