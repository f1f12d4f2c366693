package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"checkout-svc/circuitbreaker"
	"checkout-svc/gateway"
	"checkout-svc/idempotency"
	"checkout-svc/models"
	"checkout-svc/repository"
)

// ErrInvalidPaymentRequest marks precondition failures: zero amounts, missing
// identities. Never retried.
var ErrInvalidPaymentRequest = errors.New("invalid payment request")

// PaymentProcessingError wraps the final cause after the bounded retry policy
// is exhausted.
type PaymentProcessingError struct {
	OrderID string
	Err     error
}

func (e *PaymentProcessingError) Error() string {
	return fmt.Sprintf("payment processing failed for order %s: %v", e.OrderID, e.Err)
}

func (e *PaymentProcessingError) Unwrap() error { return e.Err }

// Gateway is the slice of the payment client the orchestrator drives.
type Gateway interface {
	CreatePayment(ctx context.Context, req gateway.CreatePaymentRequest) (gateway.PaymentResponse, error)
	GetPayment(ctx context.Context, paymentID string) (gateway.PaymentResponse, error)
}

// PaymentOrchestrator owns the order → remote payment flow. The whole path is
// idempotent: the result store short-circuits repeats, the idempotency key
// dedupes on the remote side and the payments.order_id constraint dedupes
// locally.
type PaymentOrchestrator struct {
	orders   repository.OrderRepository
	payments repository.PaymentRepository
	gateway  Gateway
	store    idempotency.Store
	logger   *zap.Logger
	ttl      time.Duration
}

func NewPaymentOrchestrator(
	orders repository.OrderRepository,
	payments repository.PaymentRepository,
	gw Gateway,
	store idempotency.Store,
	ttl time.Duration,
	logger *zap.Logger,
) *PaymentOrchestrator {
	return &PaymentOrchestrator{
		orders:   orders,
		payments: payments,
		gateway:  gw,
		store:    store,
		logger:   logger,
		ttl:      ttl,
	}
}

// IdempotencyKey derives the stable key for an order's payment. It is a
// function of the order alone so every retry, from any instance, lands on the
// same key.
func IdempotencyKey(orderID string) string {
	return "payment:" + orderID
}

// CreatePayment drives one order through remote payment creation and returns
// the client handoff data. Calling it twice for the same order returns the
// same handle and never creates a second payment.
func (po *PaymentOrchestrator) CreatePayment(ctx context.Context, order models.Order, paymentMethodToken string) (models.PaymentHandle, error) {
	var handle models.PaymentHandle

	ctx, span := otel.Tracer("orchestrator").Start(ctx, "CreatePayment")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", order.ID.String()))

	if err := validatePaymentRequest(order, paymentMethodToken); err != nil {
		return handle, err
	}

	key := IdempotencyKey(order.ID.String())

	found, err := po.store.Get(ctx, key, &handle)
	if err != nil {
		// The store is an accelerator; the remote key and the local unique
		// constraint still guarantee single execution without it.
		po.logger.Warn("Idempotency store lookup failed", zap.String("key", key), zap.Error(err))
	}
	if found {
		po.logger.Info("Returning stored payment result",
			zap.String("order_id", order.ID.String()),
			zap.String("payment_id", handle.PaymentID))
		return handle, nil
	}

	resp, err := po.gateway.CreatePayment(ctx, gateway.CreatePaymentRequest{
		OrderID:            order.ID.String(),
		UserID:             order.UserID,
		Amount:             order.Total,
		Currency:           order.Currency,
		PaymentMethodToken: paymentMethodToken,
		ReferralCode:       lo.FromPtr(order.ReferralCode),
		ReferrerID:         lo.FromPtr(order.ReferrerID),
		IdempotencyKey:     key,
	})
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, gateway.ErrPaymentRejected) {
			return handle, fmt.Errorf("%w: %w", ErrInvalidPaymentRequest, err)
		}
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, context.Canceled) {
			return handle, err
		}
		return handle, &PaymentProcessingError{OrderID: order.ID.String(), Err: err}
	}

	// The remote payment exists from here on. Finish bookkeeping even if the
	// caller has gone away, so no payment is left without a local record.
	persistCtx := context.WithoutCancel(ctx)

	payment, err := po.payments.Create(persistCtx, models.Payment{
		OrderID:         order.ID,
		UserID:          order.UserID,
		Amount:          order.Total,
		Currency:        order.Currency,
		Status:          resp.ToModelStatus(),
		RemotePaymentID: resp.PaymentID,
		ClientSecret:    resp.ClientSecret,
		CheckoutURL:     resp.CheckoutURL,
		ReferrerID:      order.ReferrerID,
	})
	if err != nil {
		po.logger.Error("Failed to persist payment projection",
			zap.String("order_id", order.ID.String()), zap.Error(err))
		return handle, &PaymentProcessingError{OrderID: order.ID.String(), Err: err}
	}

	_, err = po.orders.UpdateLocked(persistCtx, order.ID, func(o *models.Order) (bool, error) {
		o.PaymentID = &payment.RemotePaymentID
		if o.Status == models.OrderStatusCreated {
			o.Status = models.OrderStatusPending
		}
		return true, nil
	})
	if err != nil {
		po.logger.Error("Failed to attach payment to order",
			zap.String("order_id", order.ID.String()), zap.Error(err))
		return handle, &PaymentProcessingError{OrderID: order.ID.String(), Err: err}
	}

	handle = models.PaymentHandle{
		PaymentID:    payment.RemotePaymentID,
		ClientSecret: payment.ClientSecret,
		CheckoutURL:  payment.CheckoutURL,
	}

	if err := po.store.Set(persistCtx, key, handle, po.ttl); err != nil {
		po.logger.Warn("Failed to store payment result", zap.String("key", key), zap.Error(err))
	}

	po.logger.Info("Payment created",
		zap.String("order_id", order.ID.String()),
		zap.String("payment_id", handle.PaymentID))

	return handle, nil
}

// PaymentStatus returns the local projection next to the provider's live
// view. The projection is never written here; reconciliation owns updates.
func (po *PaymentOrchestrator) PaymentStatus(ctx context.Context, order models.Order) (models.Payment, gateway.PaymentResponse, error) {
	payment, err := po.payments.GetByOrderID(ctx, order.ID)
	if err != nil {
		return models.Payment{}, gateway.PaymentResponse{}, err
	}

	remote, err := po.gateway.GetPayment(ctx, payment.RemotePaymentID)
	if err != nil {
		return payment, gateway.PaymentResponse{}, fmt.Errorf("remote payment lookup: %w", err)
	}

	return payment, remote, nil
}

func validatePaymentRequest(order models.Order, paymentMethodToken string) error {
	if order.ID == uuid.Nil {
		return fmt.Errorf("%w: order id is empty", ErrInvalidPaymentRequest)
	}
	if order.UserID == "" {
		return fmt.Errorf("%w: user id is empty", ErrInvalidPaymentRequest)
	}
	if !order.Total.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidPaymentRequest)
	}
	if paymentMethodToken == "" {
		return fmt.Errorf("%w: payment method token is empty", ErrInvalidPaymentRequest)
	}
	return nil
}
