package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"checkout-svc/middleware"
	"checkout-svc/models"
	"checkout-svc/reconciler"
	"checkout-svc/repository"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// eventStatuses maps payment event types to the status strings the
// reconciler understands. Used when the message carries no explicit status.
var eventStatuses = map[string]string{
	"payment_success":  "succeeded",
	"payment_failed":   "failed",
	"payment_refunded": "refunded",
	"payment_canceled": "canceled",
}

// StatusReconciler applies a payment status notification to the owning order.
type StatusReconciler interface {
	ProcessStatusUpdate(ctx context.Context, n models.StatusNotification) (models.Order, error)
}

func InitConsumer(logger *zap.Logger) (sarama.Consumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Return.Errors = true
	config.Consumer.Retry.Backoff = 1 * time.Second

	brokers := []string{getEnv("KAFKA_BROKER", "localhost:9092")}

	consumer, err := sarama.NewConsumer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer: %w", err)
	}

	logger.Info("Kafka consumer initialized")
	return consumer, nil
}

// StartConsumer feeds payment_events messages into the reconciler until ctx
// is canceled. Delivery is at-least-once; the reconciler absorbs duplicates.
func StartConsumer(ctx context.Context, consumer sarama.Consumer, rec StatusReconciler, logger *zap.Logger) error {
	topic := getEnv("KAFKA_PAYMENT_TOPIC", "payment_events")
	partitionConsumer, err := consumer.ConsumePartition(topic, 0, sarama.OffsetNewest)
	if err != nil {
		return fmt.Errorf("failed to consume partition: %w", err)
	}
	defer partitionConsumer.Close()

	logger.Info("Kafka consumer started", zap.String("topic", topic))

	for {
		select {
		case <-ctx.Done():
			logger.Info("Kafka consumer stopped", zap.String("topic", topic))
			return nil
		case message := <-partitionConsumer.Messages():
			if err := handleMessageWithRetry(ctx, message, rec, logger, 3); err != nil {
				middleware.RecordPaymentEventConsumed("error")
				logger.Error("Failed to handle message after retries", zap.Error(err))
			}
		case err := <-partitionConsumer.Errors():
			logger.Error("Kafka consumer error", zap.Error(err))
		}
	}
}

func handleMessageWithRetry(ctx context.Context, message *sarama.ConsumerMessage, rec StatusReconciler, logger *zap.Logger, maxRetries int) error {
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		err := handleMessage(ctx, message, rec, logger)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt < maxRetries {
			backoff := time.Duration(attempt) * time.Second
			logger.Warn("Retrying message handling",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(err),
			)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", maxRetries, lastErr)
}

func handleMessage(ctx context.Context, message *sarama.ConsumerMessage, rec StatusReconciler, logger *zap.Logger) error {
	// Extract trace context from Kafka message headers
	var propagator propagation.TextMapPropagator = otel.GetTextMapPropagator()
	carrier := saramaHeaderCarrierConsumer(message.Headers)
	msgCtx := propagator.Extract(ctx, carrier)

	var tracer trace.Tracer = otel.Tracer("kafka")
	msgCtx, span := tracer.Start(msgCtx, "ReconcilePaymentEvent")
	defer span.End()

	var event models.PaymentEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		span.RecordError(err)
		middleware.RecordPaymentEventConsumed("malformed")
		logger.Warn("Dropping malformed payment event", zap.Error(err))
		return nil
	}

	status := event.Status
	if status == "" {
		status = eventStatuses[event.EventType]
	}
	if status == "" {
		// Another consumer's event type on a shared topic.
		logger.Debug("Unknown event type", zap.String("event_type", event.EventType))
		middleware.RecordPaymentEventConsumed("skipped")
		return nil
	}

	span.SetAttributes(
		attribute.String("event.type", event.EventType),
		attribute.String("order.id", event.OrderID),
		attribute.String("payment.status", status),
	)

	traceID := middleware.GetTraceID(msgCtx)
	logger.Info("Processing payment event",
		zap.String("trace_id", traceID),
		zap.String("event_type", event.EventType),
		zap.String("order_id", event.OrderID),
		zap.String("status", status),
	)

	notification := models.StatusNotification{
		OrderID:        event.OrderID,
		Status:         status,
		PaymentID:      event.PaymentID,
		ReceiptURL:     event.ReceiptURL,
		TransactionRef: event.TransactionRef,
	}

	_, err := rec.ProcessStatusUpdate(msgCtx, notification)
	switch {
	case err == nil:
		middleware.RecordPaymentEventConsumed("processed")
		return nil
	case errors.Is(err, models.ErrMissingField),
		errors.Is(err, reconciler.ErrInvalidOrderID),
		errors.Is(err, reconciler.ErrUnknownStatus),
		errors.Is(err, reconciler.ErrIllegalTransition),
		errors.Is(err, repository.ErrOrderNotFound):
		// Retrying cannot fix these; drop instead of poisoning the partition.
		span.RecordError(err)
		middleware.RecordPaymentEventConsumed("dropped")
		logger.Warn("Dropping unprocessable payment event",
			zap.String("trace_id", traceID),
			zap.String("order_id", event.OrderID),
			zap.Error(err),
		)
		return nil
	default:
		span.RecordError(err)
		return fmt.Errorf("reconcile order %s: %w", event.OrderID, err)
	}
}

// saramaHeaderCarrierConsumer implements the TextMapCarrier interface for Kafka headers (for consumer)
type saramaHeaderCarrierConsumer []*sarama.RecordHeader

func (c saramaHeaderCarrierConsumer) Get(key string) string {
	for _, h := range c {
		if string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c saramaHeaderCarrierConsumer) Set(key, value string) {
	// Not needed for extraction
}

func (c saramaHeaderCarrierConsumer) Keys() []string {
	keys := make([]string, len(c))
	for i, h := range c {
		keys[i] = string(h.Key)
	}
	return keys
}
