package handlers

import (
	"context"
	"errors"
	"net/http"

	"checkout-svc/middleware"
	"checkout-svc/models"
	"checkout-svc/reconciler"
	"checkout-svc/repository"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Reconciler applies a payment status notification to the owning order.
type Reconciler interface {
	ProcessStatusUpdate(ctx context.Context, n models.StatusNotification) (models.Order, error)
}

type WebhookHandler struct {
	reconciler Reconciler
	logger     *zap.Logger
}

func NewWebhookHandler(rec Reconciler, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		reconciler: rec,
		logger:     logger,
	}
}

// HandlePaymentWebhook is the provider-facing door. Redeliveries are expected
// and answered 2xx; 4xx is reserved for payloads that can never succeed.
func (h *WebhookHandler) HandlePaymentWebhook(c *gin.Context) {
	ctx, span := otel.Tracer("handlers").Start(c.Request.Context(), "HandlePaymentWebhook")
	defer span.End()

	var payload models.StatusNotification
	if err := c.ShouldBindJSON(&payload); err != nil {
		middleware.RecordWebhookProcessed("malformed")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	span.SetAttributes(
		attribute.String("order.id", payload.OrderID),
		attribute.String("payment.status", payload.Status),
	)

	order, err := h.reconciler.ProcessStatusUpdate(ctx, payload)
	if err != nil {
		span.RecordError(err)
		status := reconcileStatusCode(err)
		if status == http.StatusInternalServerError {
			middleware.RecordWebhookProcessed("error")
			h.logger.Error("Webhook processing failed",
				zap.String("order_id", payload.OrderID), zap.Error(err))
			c.JSON(status, gin.H{"error": "Internal server error"})
			return
		}
		middleware.RecordWebhookProcessed("rejected")
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	middleware.RecordWebhookProcessed("processed")
	c.JSON(http.StatusOK, gin.H{
		"order_id": order.ID,
		"status":   order.Status,
	})
}

// UpdatePaymentStatus is the order-side face of the payment service's status
// notification call. Same semantics as the webhook, {"success": bool} body.
func (h *WebhookHandler) UpdatePaymentStatus(c *gin.Context) {
	ctx, span := otel.Tracer("handlers").Start(c.Request.Context(), "UpdatePaymentStatus")
	defer span.End()

	var payload models.StatusNotification
	if err := c.ShouldBindJSON(&payload); err != nil {
		middleware.RecordWebhookProcessed("malformed")
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	span.SetAttributes(
		attribute.String("order.id", payload.OrderID),
		attribute.String("payment.status", payload.Status),
	)

	if _, err := h.reconciler.ProcessStatusUpdate(ctx, payload); err != nil {
		span.RecordError(err)
		status := reconcileStatusCode(err)
		if status == http.StatusInternalServerError {
			middleware.RecordWebhookProcessed("error")
			h.logger.Error("Status update failed",
				zap.String("order_id", payload.OrderID), zap.Error(err))
			c.JSON(status, gin.H{"success": false, "error": "Internal server error"})
			return
		}
		middleware.RecordWebhookProcessed("rejected")
		c.JSON(status, gin.H{"success": false, "error": err.Error()})
		return
	}

	middleware.RecordWebhookProcessed("processed")
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// reconcileStatusCode maps reconciler failures onto HTTP statuses. Anything
// that retrying cannot fix is a 4xx so upstream delivery loops stop.
func reconcileStatusCode(err error) int {
	switch {
	case errors.Is(err, models.ErrMissingField),
		errors.Is(err, reconciler.ErrInvalidOrderID),
		errors.Is(err, reconciler.ErrUnknownStatus),
		errors.Is(err, reconciler.ErrIllegalTransition):
		return http.StatusBadRequest
	case errors.Is(err, repository.ErrOrderNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
