package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/digkill/TGImageBot/internal/database"
	"github.com/digkill/TGImageBot/internal/models"
)

type PaymentRepository struct {
	q       database.Querier
	dialect database.Dialect
}

func NewPaymentRepository(db *database.DB) *PaymentRepository {
	return &PaymentRepository{q: db.DB, dialect: db.Dialect}
}

func (r *PaymentRepository) WithTx(tx *sql.Tx) *PaymentRepository {
	if tx == nil {
		return r
	}
	return &PaymentRepository{q: tx, dialect: r.dialect}
}

// CreateOnce inserts the payment unless (provider, charge id) was already
// recorded. It reports false for a duplicate delivery.
func (r *PaymentRepository) CreateOnce(ctx context.Context, payment *models.Payment) (bool, error) {
	query := r.dialect.InsertIgnore() + ` INTO payments (user_id, provider, provider_payment_charge_id, currency, amount, credits, status, raw_payload)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := r.q.ExecContext(ctx, query, payment.UserID, payment.Provider, payment.ProviderCharge, payment.Currency, payment.Amount, payment.Credits, payment.Status, payment.RawPayload)
	if err != nil {
		return false, fmt.Errorf("insert payment: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("payment rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return false, fmt.Errorf("last insert id: %w", err)
	}
	payment.ID = id
	return true, nil
}

// Transition moves a payment between statuses and reports whether this call
// performed the move.
func (r *PaymentRepository) Transition(ctx context.Context, paymentID int64, from, to models.PaymentStatus, credits int) (bool, error) {
	const query = `
UPDATE payments SET status = ?, credits = ?, updated_at = CURRENT_TIMESTAMP
WHERE id = ? AND status = ?`
	res, err := r.q.ExecContext(ctx, query, to, credits, paymentID, from)
	if err != nil {
		return false, fmt.Errorf("update payment status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("payment status rows affected: %w", err)
	}
	return affected > 0, nil
}

const paymentColumns = `id, user_id, provider, provider_payment_charge_id, currency, amount, credits, status, COALESCE(raw_payload, ''), created_at, updated_at`

func (r *PaymentRepository) FindByID(ctx context.Context, id int64) (*models.Payment, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id)
	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan payment: %w", err)
	}
	return p, nil
}

func (r *PaymentRepository) FindByProviderCharge(ctx context.Context, provider, chargeID string) (*models.Payment, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE provider = ? AND provider_payment_charge_id = ? LIMIT 1`, provider, chargeID)
	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan payment: %w", err)
	}
	return p, nil
}

func (r *PaymentRepository) ListByStatus(ctx context.Context, status models.PaymentStatus) ([]models.Payment, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE status = ? ORDER BY id ASC`, status)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	var payments []models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment list: %w", err)
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*models.Payment, error) {
	var p models.Payment
	if err := row.Scan(&p.ID, &p.UserID, &p.Provider, &p.ProviderCharge, &p.Currency, &p.Amount, &p.Credits, &p.Status, &p.RawPayload, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}
