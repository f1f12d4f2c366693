package handlers

import (
	"context"
	"errors"
	"net/http"

	"checkout-svc/circuitbreaker"
	"checkout-svc/gateway"
	"checkout-svc/middleware"
	"checkout-svc/models"
	"checkout-svc/orchestrator"
	"checkout-svc/repository"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/text/currency"
)

// Orchestrator drives payment creation and reads for an order.
type Orchestrator interface {
	CreatePayment(ctx context.Context, order models.Order, paymentMethodToken string) (models.PaymentHandle, error)
	PaymentStatus(ctx context.Context, order models.Order) (models.Payment, gateway.PaymentResponse, error)
}

// EventPublisher pushes order lifecycle events downstream.
type EventPublisher interface {
	PublishOrderEvent(ctx context.Context, event models.OrderEvent) error
}

type OrderHandler struct {
	orders       repository.OrderRepository
	commissions  repository.CommissionRepository
	orchestrator Orchestrator
	publisher    EventPublisher
	logger       *zap.Logger
}

func NewOrderHandler(
	orders repository.OrderRepository,
	commissions repository.CommissionRepository,
	orch Orchestrator,
	publisher EventPublisher,
	logger *zap.Logger,
) *OrderHandler {
	return &OrderHandler{
		orders:       orders,
		commissions:  commissions,
		orchestrator: orch,
		publisher:    publisher,
		logger:       logger,
	}
}

func (h *OrderHandler) CreateOrder(c *gin.Context) {
	ctx, span := otel.Tracer("handlers").Start(c.Request.Context(), "CreateOrder")
	defer span.End()

	var req models.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	code := req.Currency
	if code == "" {
		code = "USD"
	}
	unit, err := currency.ParseISO(code)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid currency"})
		return
	}

	items := lo.Map(req.Items, func(it models.OrderItemRequest, _ int) models.OrderItem {
		return models.OrderItem{
			ProductID: it.ProductID,
			Name:      it.Name,
			Quantity:  it.Quantity,
			UnitPrice: decimal.NewFromFloat(it.UnitPrice),
		}
	})

	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	if !total.IsPositive() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Order total must be positive"})
		return
	}

	order := models.Order{
		UserID:   userID,
		Status:   models.OrderStatusCreated,
		Total:    total,
		Currency: unit.String(),
		Items:    items,
	}
	if req.ReferralCode != "" {
		order.ReferralCode = &req.ReferralCode
	}
	if req.ReferrerID != "" {
		order.ReferrerID = &req.ReferrerID
	}

	span.SetAttributes(
		attribute.String("user.id", userID),
		attribute.String("order.total", total.String()),
	)

	order, err = h.orders.Create(ctx, order)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to create order", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	span.SetAttributes(attribute.String("order.id", order.ID.String()))

	h.publishOrderEvent(ctx, order, "order_created")

	handle, err := h.orchestrator.CreatePayment(ctx, order, req.PaymentMethodToken)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Payment creation failed",
			zap.String("order_id", order.ID.String()), zap.Error(err))
		h.respondPaymentError(c, order.ID, err)
		return
	}
	middleware.RecordPaymentCreated("success")

	// The orchestrator moved the order along; return the fresh row.
	if updated, err := h.orders.GetByID(ctx, order.ID); err == nil {
		order = updated
	}

	h.logger.Info("Order created", zap.String("order_id", order.ID.String()))
	c.JSON(http.StatusCreated, gin.H{"order": order, "payment": handle})
}

func (h *OrderHandler) GetOrder(c *gin.Context) {
	ctx, span := otel.Tracer("handlers").Start(c.Request.Context(), "GetOrder")
	defer span.End()

	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order ID"})
		return
	}

	span.SetAttributes(attribute.String("order.id", orderID.String()))

	order, err := h.orders.GetByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
			return
		}
		span.RecordError(err)
		h.logger.Error("Failed to get order", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, order)
}

// CreatePayment (re)drives payment creation for an existing order. The path
// is idempotent end to end, so clients can call it after any ambiguous
// failure.
func (h *OrderHandler) CreatePayment(c *gin.Context) {
	ctx, span := otel.Tracer("handlers").Start(c.Request.Context(), "CreatePayment")
	defer span.End()

	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order ID"})
		return
	}

	var req models.CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	span.SetAttributes(attribute.String("order.id", orderID.String()))

	order, err := h.orders.GetByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
			return
		}
		span.RecordError(err)
		h.logger.Error("Failed to get order", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	if order.Status.Terminal() {
		c.JSON(http.StatusConflict, gin.H{
			"error":    "Order is already " + string(order.Status),
			"order_id": order.ID,
		})
		return
	}

	handle, err := h.orchestrator.CreatePayment(ctx, order, req.PaymentMethodToken)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Payment creation failed",
			zap.String("order_id", order.ID.String()), zap.Error(err))
		h.respondPaymentError(c, order.ID, err)
		return
	}
	middleware.RecordPaymentCreated("success")

	c.JSON(http.StatusOK, gin.H{"payment": handle})
}

// GetPayment returns the local projection next to the provider's live view.
// The remote leg is best effort: when it fails the projection alone is
// served.
func (h *OrderHandler) GetPayment(c *gin.Context) {
	ctx, span := otel.Tracer("handlers").Start(c.Request.Context(), "GetPayment")
	defer span.End()

	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order ID"})
		return
	}

	span.SetAttributes(attribute.String("order.id", orderID.String()))

	payment, remote, err := h.orchestrator.PaymentStatus(ctx, models.Order{ID: orderID})
	if err != nil {
		if errors.Is(err, repository.ErrPaymentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "No payment for this order"})
			return
		}
		if payment.ID == uuid.Nil {
			span.RecordError(err)
			h.logger.Error("Failed to get payment", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}
		h.logger.Warn("Remote payment lookup failed, serving projection only",
			zap.String("order_id", orderID.String()), zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"payment": payment})
		return
	}

	c.JSON(http.StatusOK, gin.H{"payment": payment, "remote": remote})
}

func (h *OrderHandler) GetCommission(c *gin.Context) {
	ctx, span := otel.Tracer("handlers").Start(c.Request.Context(), "GetCommission")
	defer span.End()

	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order ID"})
		return
	}

	span.SetAttributes(attribute.String("order.id", orderID.String()))

	commission, err := h.commissions.GetByOrderID(ctx, orderID)
	if err != nil {
		if errors.Is(err, repository.ErrCommissionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "No commission for this order"})
			return
		}
		span.RecordError(err)
		h.logger.Error("Failed to get commission", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, commission)
}

func (h *OrderHandler) publishOrderEvent(ctx context.Context, order models.Order, eventType string) {
	if h.publisher == nil {
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
	if err := h.publisher.PublishOrderEvent(ctx, event); err != nil {
		// Don't fail the request, but log the error
		h.logger.Error("Failed to publish order event",
			zap.String("order_id", order.ID.String()),
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

func (h *OrderHandler) respondPaymentError(c *gin.Context, orderID uuid.UUID, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidPaymentRequest):
		middleware.RecordPaymentCreated("rejected")
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":    "Payment was rejected",
			"order_id": orderID,
		})
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		middleware.RecordPaymentCreated("circuit_open")
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":    "Payment service unavailable, try again later",
			"order_id": orderID,
		})
	default:
		middleware.RecordPaymentCreated("error")
		c.JSON(http.StatusBadGateway, gin.H{
			"error":    "Payment processing failed",
			"order_id": orderID,
		})
	}
}
