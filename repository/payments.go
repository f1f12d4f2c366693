package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"checkout-svc/models"
)

var ErrPaymentNotFound = errors.New("payment not found")

// PaymentRepository persists the local projection of remote payments. The
// UNIQUE constraint on order_id makes Create safe to race: the loser gets
// the winner's row back instead of an error.
type PaymentRepository interface {
	Create(ctx context.Context, payment models.Payment) (models.Payment, error)
	GetByOrderID(ctx context.Context, orderID uuid.UUID) (models.Payment, error)
	UpdateStatus(ctx context.Context, orderID uuid.UUID, status models.PaymentStatus, transactionRef *string) error
}

const paymentColumns = "id, order_id, user_id, amount, currency, status, remote_payment_id, transaction_ref, client_secret, checkout_url, referrer_id, created_at, updated_at"

type paymentRepository struct {
	db *sql.DB
}

func NewPaymentRepository(db *sql.DB) PaymentRepository {
	return &paymentRepository{db: db}
}

func (r *paymentRepository) Create(ctx context.Context, payment models.Payment) (models.Payment, error) {
	var p models.Payment

	if payment.ID == uuid.Nil {
		payment.ID = uuid.New()
	}

	err := r.db.QueryRowContext(ctx,
		`INSERT INTO payments (id, order_id, user_id, amount, currency, status, remote_payment_id, transaction_ref, client_secret, checkout_url, referrer_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING created_at, updated_at`,
		payment.ID, payment.OrderID, payment.UserID, payment.Amount, payment.Currency,
		payment.Status, payment.RemotePaymentID, payment.TransactionRef,
		payment.ClientSecret, payment.CheckoutURL, payment.ReferrerID,
	).Scan(&payment.CreatedAt, &payment.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			existing, getErr := r.GetByOrderID(ctx, payment.OrderID)
			if getErr != nil {
				return p, fmt.Errorf("get payment after conflict: %w", getErr)
			}
			return existing, nil
		}
		return p, fmt.Errorf("insert payment: %w", err)
	}

	return payment, nil
}

func (r *paymentRepository) GetByOrderID(ctx context.Context, orderID uuid.UUID) (models.Payment, error) {
	var p models.Payment

	row := r.db.QueryRowContext(ctx,
		"SELECT "+paymentColumns+" FROM payments WHERE order_id = $1", orderID)

	payment, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, fmt.Errorf("get payment for order %s: %w", orderID, ErrPaymentNotFound)
		}
		return p, fmt.Errorf("get payment for order %s: %w", orderID, err)
	}

	return payment, nil
}

// UpdateStatus mirrors the reconciled status onto the projection. A nil
// transactionRef keeps the stored value.
func (r *paymentRepository) UpdateStatus(ctx context.Context, orderID uuid.UUID, status models.PaymentStatus, transactionRef *string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE payments SET status = $2, transaction_ref = COALESCE($3, transaction_ref), updated_at = NOW()
		 WHERE order_id = $1`,
		orderID, status, transactionRef)
	if err != nil {
		return fmt.Errorf("update payment for order %s: %w", orderID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("update payment for order %s: %w", orderID, ErrPaymentNotFound)
	}

	return nil
}

func scanPayment(row rowScanner) (models.Payment, error) {
	var (
		p      models.Payment
		status string
	)

	err := row.Scan(&p.ID, &p.OrderID, &p.UserID, &p.Amount, &p.Currency, &status,
		&p.RemotePaymentID, &p.TransactionRef, &p.ClientSecret, &p.CheckoutURL,
		&p.ReferrerID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return p, err
	}
	p.Status = models.PaymentStatus(status)

	return p, nil
}
