package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"checkout-svc/middleware"
	"checkout-svc/models"
	"checkout-svc/reconciler"
	"checkout-svc/repository"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type mockReconciler struct {
	processFunc func(ctx context.Context, n models.StatusNotification) (models.Order, error)
}

func (m *mockReconciler) ProcessStatusUpdate(ctx context.Context, n models.StatusNotification) (models.Order, error) {
	if m.processFunc != nil {
		return m.processFunc(ctx, n)
	}
	return models.Order{}, nil
}

func setupWebhookTest(t *testing.T, rec *mockReconciler) *gin.Engine {
	t.Helper()

	logger := zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))
	handler := NewWebhookHandler(rec, logger)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/webhooks/payment", handler.HandlePaymentWebhook)
	router.POST("/internal/payment-status", handler.UpdatePaymentStatus)

	return router
}

func webhookRequest(path, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestWebhookHandler_Success(t *testing.T) {
	orderID := uuid.New()
	rec := &mockReconciler{
		processFunc: func(_ context.Context, n models.StatusNotification) (models.Order, error) {
			if n.OrderID != orderID.String() || n.Status != "succeeded" {
				t.Errorf("Unexpected notification: %+v", n)
			}
			return models.Order{ID: orderID, Status: models.OrderStatusPaid}, nil
		},
	}
	router := setupWebhookTest(t, rec)

	body := fmt.Sprintf(`{"order_id": %q, "status": "succeeded", "payment_id": "pay_1"}`, orderID)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, webhookRequest("/webhooks/payment", body))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"PAID"`) {
		t.Errorf("Expected reconciled status in body, got %s", w.Body.String())
	}
}

func TestWebhookHandler_MalformedBody(t *testing.T) {
	router := setupWebhookTest(t, &mockReconciler{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, webhookRequest("/webhooks/payment", `{not json`))

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestWebhookHandler_ErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"missing field", fmt.Errorf("order_id: %w", models.ErrMissingField), http.StatusBadRequest},
		{"invalid order id", fmt.Errorf("order id \"x\": %w", reconciler.ErrInvalidOrderID), http.StatusBadRequest},
		{"unknown status", fmt.Errorf("status \"disputed\": %w", reconciler.ErrUnknownStatus), http.StatusBadRequest},
		{"illegal transition", fmt.Errorf("CANCELED -> PAID: %w", reconciler.ErrIllegalTransition), http.StatusBadRequest},
		{"order not found", repository.ErrOrderNotFound, http.StatusNotFound},
		{"infrastructure", errors.New("db gone"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := &mockReconciler{
				processFunc: func(_ context.Context, _ models.StatusNotification) (models.Order, error) {
					return models.Order{}, tc.err
				},
			}
			router := setupWebhookTest(t, rec)

			body := fmt.Sprintf(`{"order_id": %q, "status": "succeeded"}`, uuid.NewString())
			w := httptest.NewRecorder()
			router.ServeHTTP(w, webhookRequest("/webhooks/payment", body))

			if w.Code != tc.want {
				t.Errorf("Expected status %d, got %d", tc.want, w.Code)
			}
		})
	}
}

func TestWebhookHandler_RedeliveryIsOK(t *testing.T) {
	orderID := uuid.New()
	rec := &mockReconciler{
		processFunc: func(_ context.Context, _ models.StatusNotification) (models.Order, error) {
			// Reconciler treats a repeat as a no-op, not an error.
			return models.Order{ID: orderID, Status: models.OrderStatusPaid}, nil
		},
	}
	router := setupWebhookTest(t, rec)

	body := fmt.Sprintf(`{"order_id": %q, "status": "succeeded"}`, orderID)
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, webhookRequest("/webhooks/payment", body))
		if w.Code != http.StatusOK {
			t.Fatalf("Delivery %d: expected status %d, got %d", i+1, http.StatusOK, w.Code)
		}
	}
}

func TestUpdatePaymentStatus_Success(t *testing.T) {
	router := setupWebhookTest(t, &mockReconciler{})

	body := fmt.Sprintf(`{"order_id": %q, "status": "failed"}`, uuid.NewString())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, webhookRequest("/internal/payment-status", body))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	if !strings.Contains(w.Body.String(), `"success":true`) {
		t.Errorf("Expected success body, got %s", w.Body.String())
	}
}

func TestUpdatePaymentStatus_Failure(t *testing.T) {
	rec := &mockReconciler{
		processFunc: func(_ context.Context, _ models.StatusNotification) (models.Order, error) {
			return models.Order{}, fmt.Errorf("status \"odd\": %w", reconciler.ErrUnknownStatus)
		},
	}
	router := setupWebhookTest(t, rec)

	body := fmt.Sprintf(`{"order_id": %q, "status": "odd"}`, uuid.NewString())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, webhookRequest("/internal/payment-status", body))

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
	if !strings.Contains(w.Body.String(), `"success":false`) {
		t.Errorf("Expected failure body, got %s", w.Body.String())
	}
}

func TestWebhookHandler_RequiresAPIKey(t *testing.T) {
	t.Setenv("WEBHOOK_API_KEY", "hook-key-1")

	logger := zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))
	handler := NewWebhookHandler(&mockReconciler{}, logger)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/webhooks/payment", middleware.RequireAPIKey(), handler.HandlePaymentWebhook)

	body := fmt.Sprintf(`{"order_id": %q, "status": "succeeded"}`, uuid.NewString())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, webhookRequest("/webhooks/payment", body))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status %d without key, got %d", http.StatusUnauthorized, w.Code)
	}

	req := webhookRequest("/webhooks/payment", body)
	req.Header.Set("X-API-Key", "hook-key-1")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d with key, got %d", http.StatusOK, w.Code)
	}
}
