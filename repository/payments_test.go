package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"checkout-svc/models"
)

func paymentRows(orderID uuid.UUID, remoteID, status string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "order_id", "user_id", "amount", "currency", "status",
		"remote_payment_id", "transaction_ref", "client_secret", "checkout_url",
		"referrer_id", "created_at", "updated_at",
	}).AddRow(uuid.New().String(), orderID.String(), "user-1", "100.00", "USD", status,
		remoteID, nil, "secret", "https://pay.example.com/c/1", nil, now, now)
}

func TestPaymentRepositoryCreate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPaymentRepository(db)
	now := time.Now()

	mock.ExpectQuery("INSERT INTO payments").
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))

	payment, err := repo.Create(context.Background(), models.Payment{
		OrderID:         uuid.New(),
		UserID:          "user-1",
		Amount:          decimal.RequireFromString("100.00"),
		Currency:        "USD",
		Status:          models.PaymentStatusCreated,
		RemotePaymentID: "pay_123",
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, payment.ID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

// A second insert for the same order must surface the first row, not an
// error: the UNIQUE constraint is how concurrent creations converge.
func TestPaymentRepositoryCreateConflictReturnsExisting(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPaymentRepository(db)
	orderID := uuid.New()

	mock.ExpectQuery("INSERT INTO payments").
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectQuery("SELECT (.+) FROM payments WHERE order_id").
		WithArgs(orderID).
		WillReturnRows(paymentRows(orderID, "pay_first", "CREATED"))

	payment, err := repo.Create(context.Background(), models.Payment{
		OrderID:         orderID,
		UserID:          "user-1",
		Amount:          decimal.RequireFromString("100.00"),
		Currency:        "USD",
		Status:          models.PaymentStatusCreated,
		RemotePaymentID: "pay_second",
	})
	require.NoError(t, err)
	assert.Equal(t, "pay_first", payment.RemotePaymentID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentRepositoryGetByOrderIDNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPaymentRepository(db)
	orderID := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM payments WHERE order_id").
		WithArgs(orderID).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err = repo.GetByOrderID(context.Background(), orderID)
	assert.ErrorIs(t, err, ErrPaymentNotFound)
}

func TestPaymentRepositoryUpdateStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPaymentRepository(db)
	orderID := uuid.New()

	mock.ExpectExec("UPDATE payments SET status").
		WithArgs(orderID, "SUCCEEDED", "txn_9").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ref := "txn_9"
	err = repo.UpdateStatus(context.Background(), orderID, models.PaymentStatusSucceeded, &ref)
	assert.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentRepositoryUpdateStatusMissingRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPaymentRepository(db)
	orderID := uuid.New()

	mock.ExpectExec("UPDATE payments SET status").
		WithArgs(orderID, "FAILED", nil).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = repo.UpdateStatus(context.Background(), orderID, models.PaymentStatusFailed, nil)
	assert.ErrorIs(t, err, ErrPaymentNotFound)
}
