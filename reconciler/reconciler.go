package reconciler

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"checkout-svc/middleware"
	"checkout-svc/models"
	"checkout-svc/repository"
)

var (
	// ErrInvalidOrderID marks a payload order id that does not parse.
	ErrInvalidOrderID = errors.New("invalid order id")
	// ErrUnknownStatus marks a remote status outside the fixed mapping table.
	ErrUnknownStatus = errors.New("unknown payment status")
	// ErrIllegalTransition marks a rejected move in the order state graph.
	ErrIllegalTransition = errors.New("illegal status transition")
)

// statusMap is the full set of remote statuses this side acts on. Anything
// else is rejected, never guessed.
var statusMap = map[string]models.OrderStatus{
	"succeeded": models.OrderStatusPaid,
	"failed":    models.OrderStatusFailed,
	"refunded":  models.OrderStatusRefunded,
	"canceled":  models.OrderStatusCanceled,
}

// CommissionAccruer runs the referral commission pipeline for a paid order.
// A nil commission with nil error means every guard decided to skip.
type CommissionAccruer interface {
	Accrue(ctx context.Context, order models.Order) (*models.Commission, error)
}

// EventPublisher pushes order lifecycle events downstream.
type EventPublisher interface {
	PublishOrderEvent(ctx context.Context, event models.OrderEvent) error
}

// Reconciler applies asynchronous payment outcomes to orders. Webhook
// deliveries and payment_events messages both land here; the row lock plus
// the no-op-on-same-status rule make redeliveries harmless.
type Reconciler struct {
	orders     repository.OrderRepository
	payments   repository.PaymentRepository
	commission CommissionAccruer
	publisher  EventPublisher
	logger     *zap.Logger
}

func NewReconciler(
	orders repository.OrderRepository,
	payments repository.PaymentRepository,
	commission CommissionAccruer,
	publisher EventPublisher,
	logger *zap.Logger,
) *Reconciler {
	return &Reconciler{
		orders:     orders,
		payments:   payments,
		commission: commission,
		publisher:  publisher,
		logger:     logger,
	}
}

// ProcessStatusUpdate validates the notification, moves the order along the
// state graph under a row lock and, on a transition into PAID, accrues the
// referral commission. The order status is authoritative: commission or
// projection failures are logged and never revert it.
func (r *Reconciler) ProcessStatusUpdate(ctx context.Context, n models.StatusNotification) (models.Order, error) {
	var o models.Order

	ctx, span := otel.Tracer("reconciler").Start(ctx, "ProcessStatusUpdate")
	defer span.End()
	span.SetAttributes(
		attribute.String("order.id", n.OrderID),
		attribute.String("payment.status", n.Status),
	)

	if err := n.Validate(); err != nil {
		return o, err
	}

	orderID, err := uuid.Parse(n.OrderID)
	if err != nil {
		return o, fmt.Errorf("order id %q: %w", n.OrderID, ErrInvalidOrderID)
	}

	target, ok := statusMap[n.Status]
	if !ok {
		return o, fmt.Errorf("status %q: %w", n.Status, ErrUnknownStatus)
	}

	var applied bool
	order, err := r.orders.UpdateLocked(ctx, orderID, func(order *models.Order) (bool, error) {
		if order.Status == target {
			return false, nil
		}
		if !order.Status.CanTransitionTo(target) {
			return false, fmt.Errorf("%s -> %s: %w", order.Status, target, ErrIllegalTransition)
		}

		order.Status = target
		if n.PaymentID != "" && order.PaymentID == nil {
			order.PaymentID = &n.PaymentID
		}
		if n.ReceiptURL != "" {
			order.ReceiptURL = &n.ReceiptURL
		}
		applied = true
		return true, nil
	})
	if err != nil {
		if errors.Is(err, ErrIllegalTransition) {
			r.logger.Warn("Rejected illegal status transition",
				zap.String("order_id", n.OrderID),
				zap.String("remote_status", n.Status),
				zap.Error(err))
		}
		span.RecordError(err)
		return o, err
	}

	if !applied {
		r.logger.Info("Order already in target status, skipping",
			zap.String("order_id", n.OrderID),
			zap.String("status", string(target)))
		return order, nil
	}

	r.mirrorPaymentProjection(ctx, orderID, target, n.TransactionRef)

	switch target {
	case models.OrderStatusPaid:
		r.accrueCommission(ctx, order)
		r.publishEvent(ctx, order, "order_paid")
	case models.OrderStatusFailed:
		r.publishEvent(ctx, order, "order_failed")
	}

	r.logger.Info("Order status reconciled",
		zap.String("order_id", n.OrderID),
		zap.String("status", string(target)))

	return order, nil
}

// mirrorPaymentProjection keeps the local payment row in step with the order.
// Reconciliation is the only writer of projection status.
func (r *Reconciler) mirrorPaymentProjection(ctx context.Context, orderID uuid.UUID, target models.OrderStatus, transactionRef string) {
	var ref *string
	if transactionRef != "" {
		ref = &transactionRef
	}

	err := r.payments.UpdateStatus(ctx, orderID, paymentStatusFor(target), ref)
	if err != nil && !errors.Is(err, repository.ErrPaymentNotFound) {
		r.logger.Error("Failed to update payment projection",
			zap.String("order_id", orderID.String()), zap.Error(err))
	}
}

func (r *Reconciler) accrueCommission(ctx context.Context, order models.Order) {
	commission, err := r.commission.Accrue(ctx, order)
	if err != nil {
		r.logger.Error("Commission accrual failed",
			zap.String("order_id", order.ID.String()), zap.Error(err))
		return
	}
	if commission == nil {
		return
	}

	middleware.RecordCommissionAccrued()
	r.logger.Info("Commission accrued",
		zap.String("order_id", order.ID.String()),
		zap.String("referrer_id", commission.ReferrerID),
		zap.String("amount", commission.Amount.String()))
	r.publishEvent(ctx, order, "commission_accrued")
}

func (r *Reconciler) publishEvent(ctx context.Context, order models.Order, eventType string) {
	if r.publisher == nil {
		return
	}

	event := models.OrderEvent{
		OrderID:   order.ID.String(),
		UserID:    order.UserID,
		Status:    order.Status,
		Total:     order.Total.String(),
		Currency:  order.Currency,
		EventType: eventType,
	}
	if err := r.publisher.PublishOrderEvent(ctx, event); err != nil {
		r.logger.Error("Failed to publish order event",
			zap.String("order_id", order.ID.String()),
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

func paymentStatusFor(status models.OrderStatus) models.PaymentStatus {
	switch status {
	case models.OrderStatusPaid:
		return models.PaymentStatusSucceeded
	case models.OrderStatusFailed:
		return models.PaymentStatusFailed
	case models.OrderStatusRefunded:
		return models.PaymentStatusRefunded
	case models.OrderStatusCanceled:
		return models.PaymentStatusCanceled
	default:
		return models.PaymentStatusProcessing
	}
}
