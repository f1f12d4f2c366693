package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusCreated  OrderStatus = "CREATED"
	OrderStatusPending  OrderStatus = "PENDING"
	OrderStatusPaid     OrderStatus = "PAID"
	OrderStatusShipped  OrderStatus = "SHIPPED"
	OrderStatusCanceled OrderStatus = "CANCELED"
	OrderStatusFailed   OrderStatus = "FAILED"
	OrderStatusRefunded OrderStatus = "REFUNDED"
)

var validOrderStatuses = map[OrderStatus]struct{}{
	OrderStatusCreated:  {},
	OrderStatusPending:  {},
	OrderStatusPaid:     {},
	OrderStatusShipped:  {},
	OrderStatusCanceled: {},
	OrderStatusFailed:   {},
	OrderStatusRefunded: {},
}

func ToOrderStatus(s string) (OrderStatus, error) {
	status := OrderStatus(s)
	if _, ok := validOrderStatuses[status]; ok {
		return status, nil
	}
	return "", errors.New("invalid order status")
}

// orderTransitions is the reconciliation state graph. SHIPPED belongs to the
// fulfillment flow and is never produced here; PAID -> REFUNDED is the only
// way out of a terminal status.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusCreated: {OrderStatusPending, OrderStatusPaid, OrderStatusFailed, OrderStatusCanceled},
	OrderStatusPending: {OrderStatusPaid, OrderStatusFailed, OrderStatusCanceled},
	OrderStatusPaid:    {OrderStatusRefunded},
}

func (s OrderStatus) CanTransitionTo(target OrderStatus) bool {
	for _, next := range orderTransitions[s] {
		if next == target {
			return true
		}
	}
	return false
}

// Terminal reports whether the payment flow is finished for this status.
// Creating a payment for a terminal order can never move it forward.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusPaid || s == OrderStatusCanceled ||
		s == OrderStatusFailed || s == OrderStatusRefunded
}

type Order struct {
	ID           uuid.UUID       `json:"id"`
	UserID       string          `json:"user_id"`
	Status       OrderStatus     `json:"status"`
	Total        decimal.Decimal `json:"total"`
	Currency     string          `json:"currency"`
	Items        []OrderItem     `json:"items"`
	PaymentID    *string         `json:"payment_id,omitempty"`
	ReceiptURL   *string         `json:"receipt_url,omitempty"`
	ReferralCode *string         `json:"referral_code,omitempty"`
	ReferrerID   *string         `json:"referrer_id,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// OrderItem is an immutable snapshot of the purchased product taken at order
// creation time.
type OrderItem struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type CreateOrderRequest struct {
	Items              []OrderItemRequest `json:"items" binding:"required,min=1,dive"`
	Currency           string             `json:"currency"`
	PaymentMethodToken string             `json:"payment_method_token" binding:"required"`
	ReferralCode       string             `json:"referral_code"`
	ReferrerID         string             `json:"referrer_id"`
}

type OrderItemRequest struct {
	ProductID string  `json:"product_id" binding:"required"`
	Name      string  `json:"name" binding:"required"`
	Quantity  int     `json:"quantity" binding:"required,gt=0"`
	UnitPrice float64 `json:"unit_price" binding:"gte=0"`
}

type OrderEvent struct {
	OrderID   string      `json:"order_id"`
	UserID    string      `json:"user_id"`
	Status    OrderStatus `json:"status"`
	Total     string      `json:"total"`
	Currency  string      `json:"currency"`
	EventType string      `json:"event_type"` // order_created, order_paid, order_failed, commission_accrued
}
