package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentStatusCreated    PaymentStatus = "CREATED"
	PaymentStatusProcessing PaymentStatus = "PROCESSING"
	PaymentStatusSucceeded  PaymentStatus = "SUCCEEDED"
	PaymentStatusFailed     PaymentStatus = "FAILED"
	PaymentStatusRefunded   PaymentStatus = "REFUNDED"
	PaymentStatusCanceled   PaymentStatus = "CANCELED"
)

// Payment is the local projection of a payment owned by the remote payment
// service. It is created on the first successful remote call and updated only
// through reconciliation.
type Payment struct {
	ID              uuid.UUID       `json:"id"`
	OrderID         uuid.UUID       `json:"order_id"`
	UserID          string          `json:"user_id"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Status          PaymentStatus   `json:"status"`
	RemotePaymentID string          `json:"remote_payment_id"`
	TransactionRef  *string         `json:"transaction_ref,omitempty"`
	ClientSecret    string          `json:"client_secret,omitempty"`
	CheckoutURL     string          `json:"checkout_url,omitempty"`
	ReferrerID      *string         `json:"referrer_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// PaymentHandle is what an order-creation caller gets back: enough to finish
// the checkout on the client side.
type PaymentHandle struct {
	PaymentID    string `json:"payment_id"`
	ClientSecret string `json:"client_secret,omitempty"`
	CheckoutURL  string `json:"checkout_url,omitempty"`
}

type CreatePaymentRequest struct {
	PaymentMethodToken string `json:"payment_method_token" binding:"required"`
}

// StatusNotification is the asynchronous payment-status payload. The same
// shape arrives on the provider webhook, on the internal payment-status
// endpoint, and inside payment_events Kafka messages.
type StatusNotification struct {
	OrderID        string `json:"order_id"`
	Status         string `json:"status"`
	PaymentID      string `json:"payment_id,omitempty"`
	ReceiptURL     string `json:"receipt_url,omitempty"`
	TransactionRef string `json:"transaction_ref,omitempty"`
}

var ErrMissingField = errors.New("missing required field")

// Validate checks the fields every notification must carry. Field-level
// problems map to 400 at the HTTP boundary.
func (n StatusNotification) Validate() error {
	if n.OrderID == "" {
		return fmt.Errorf("order_id: %w", ErrMissingField)
	}
	if n.Status == "" {
		return fmt.Errorf("status: %w", ErrMissingField)
	}
	return nil
}

type PaymentEvent struct {
	OrderID        string `json:"order_id"`
	PaymentID      string `json:"payment_id"`
	UserID         string `json:"user_id"`
	Amount         string `json:"amount"`
	Status         string `json:"status"`
	EventType      string `json:"event_type"` // payment_success, payment_failed, payment_refunded, payment_canceled
	TransactionRef string `json:"transaction_ref,omitempty"`
	ReceiptURL     string `json:"receipt_url,omitempty"`
}
