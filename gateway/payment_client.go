package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"checkout-svc/circuitbreaker"
	"checkout-svc/middleware"
	"checkout-svc/models"

	"github.com/shopspring/decimal"
)

var (
	// ErrPaymentRejected marks a remote rejection that retrying cannot fix.
	ErrPaymentRejected = errors.New("payment rejected by provider")
	// ErrRemoteNotFound is returned when the provider has no such payment.
	ErrRemoteNotFound = errors.New("payment not found at provider")
)

type CreatePaymentRequest struct {
	OrderID            string          `json:"order_id"`
	UserID             string          `json:"user_id"`
	Amount             decimal.Decimal `json:"amount"`
	Currency           string          `json:"currency"`
	PaymentMethodToken string          `json:"payment_method_token"`
	ReferralCode       string          `json:"referral_code,omitempty"`
	ReferrerID         string          `json:"referrer_id,omitempty"`
	IdempotencyKey     string          `json:"-"`
}

type PaymentResponse struct {
	PaymentID      string          `json:"payment_id"`
	Status         string          `json:"status"`
	ClientSecret   string          `json:"client_secret,omitempty"`
	CheckoutURL    string          `json:"checkout_url,omitempty"`
	ReceiptURL     string          `json:"receipt_url,omitempty"`
	TransactionRef string          `json:"transaction_ref,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error   apiError         `json:"error"`
	Payment *PaymentResponse `json:"payment,omitempty"`
}

// PaymentClient talks to the remote payment service. All calls share one
// circuit breaker; the write path retries with exponential backoff, the read
// path does not.
type PaymentClient struct {
	baseURL     string
	apiKey      string
	client      *http.Client
	breaker     circuitbreaker.Breaker
	logger      *zap.Logger
	maxRetries  int
	baseDelay   time.Duration
	rpcTimeout  time.Duration
	readTimeout time.Duration
}

func InitPaymentClient(breaker circuitbreaker.Breaker, logger *zap.Logger) *PaymentClient {
	return &PaymentClient{
		baseURL:     strings.TrimRight(getEnv("PAYMENT_SERVICE_URL", "http://localhost:8085"), "/"),
		apiKey:      os.Getenv("PAYMENT_API_KEY"),
		client:      &http.Client{},
		breaker:     breaker,
		logger:      logger,
		maxRetries:  getEnvInt("PAYMENT_MAX_RETRIES", 3),
		baseDelay:   getEnvDuration("PAYMENT_BASE_DELAY", time.Second),
		rpcTimeout:  getEnvDuration("PAYMENT_RPC_TIMEOUT", 8*time.Second),
		readTimeout: getEnvDuration("PAYMENT_READ_TIMEOUT", 3*time.Second),
	}
}

// CreatePayment registers a payment with the remote service. Every attempt
// carries the same Idempotency-Key so the remote side can collapse retries
// whose responses were lost; a "payment_already_exists" conflict is therefore
// a success carrying the original payment.
func (pc *PaymentClient) CreatePayment(ctx context.Context, req CreatePaymentRequest) (PaymentResponse, error) {
	var out PaymentResponse

	ctx, span := otel.Tracer("gateway").Start(ctx, "CreatePayment")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", req.OrderID))

	if req.IdempotencyKey == "" {
		return out, errors.New("idempotency key is required")
	}

	if pc.breaker.IsOpen() {
		middleware.SetCircuitBreakerOpen(true)
		pc.logger.Warn("Payment service circuit open, failing fast",
			zap.String("order_id", req.OrderID))
		return out, circuitbreaker.ErrCircuitOpen
	}

	body, err := json.Marshal(req)
	if err != nil {
		return out, fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < pc.maxRetries; attempt++ {
		resp, err := pc.doCreate(ctx, body, req.IdempotencyKey)
		if err == nil {
			pc.breaker.RecordSuccess()
			middleware.SetCircuitBreakerOpen(false)
			span.SetAttributes(attribute.Int("attempts", attempt+1))
			return resp, nil
		}

		pc.breaker.RecordFailure()
		span.RecordError(err)

		if errors.Is(err, ErrPaymentRejected) {
			return out, err
		}
		lastErr = err

		if attempt < pc.maxRetries-1 {
			backoff := pc.baseDelay * time.Duration(1<<attempt)
			pc.logger.Warn("Retrying payment creation",
				zap.String("order_id", req.OrderID),
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", backoff),
				zap.Error(err),
			)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				// The finished attempts already recorded their outcomes and
				// the idempotency key stays valid for a later retry.
				return out, fmt.Errorf("create payment canceled during backoff: %w", ctx.Err())
			}
		}
	}

	return out, fmt.Errorf("create payment for order %s failed after %d attempts: %w",
		req.OrderID, pc.maxRetries, lastErr)
}

// GetPayment reads the remote payment state. Reads are not idempotency-key
// scoped, so a blind retry could mask staleness; one attempt, short timeout.
func (pc *PaymentClient) GetPayment(ctx context.Context, paymentID string) (PaymentResponse, error) {
	var out PaymentResponse

	if paymentID == "" {
		return out, errors.New("payment id is required")
	}

	if pc.breaker.IsOpen() {
		middleware.SetCircuitBreakerOpen(true)
		return out, circuitbreaker.ErrCircuitOpen
	}

	reqCtx, cancel := context.WithTimeout(ctx, pc.readTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet,
		pc.baseURL+"/payments/"+url.PathEscape(paymentID), nil)
	if err != nil {
		return out, fmt.Errorf("build request: %w", err)
	}
	pc.setHeaders(reqCtx, httpReq, "")

	httpResp, err := pc.client.Do(httpReq)
	if err != nil {
		pc.breaker.RecordFailure()
		return out, fmt.Errorf("payment service request: %w", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		pc.breaker.RecordFailure()
		return out, fmt.Errorf("read response: %w", err)
	}

	switch {
	case httpResp.StatusCode >= 200 && httpResp.StatusCode < 300:
		if err := json.Unmarshal(raw, &out); err != nil {
			pc.breaker.RecordFailure()
			return out, fmt.Errorf("decode response: %w", err)
		}
		pc.breaker.RecordSuccess()
		middleware.SetCircuitBreakerOpen(false)
		return out, nil
	case httpResp.StatusCode == http.StatusNotFound:
		pc.breaker.RecordFailure()
		return out, fmt.Errorf("get payment %s: %w", paymentID, ErrRemoteNotFound)
	default:
		pc.breaker.RecordFailure()
		return out, fmt.Errorf("payment service returned %d: %s", httpResp.StatusCode, errorMessage(raw))
	}
}

// doCreate runs a single attempt on its own deadline, detached from caller
// cancellation: a disconnecting client must not abandon a charge mid-flight.
func (pc *PaymentClient) doCreate(ctx context.Context, body []byte, idempotencyKey string) (PaymentResponse, error) {
	var out PaymentResponse

	attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pc.rpcTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost,
		pc.baseURL+"/payments", bytes.NewReader(body))
	if err != nil {
		return out, fmt.Errorf("build request: %w", err)
	}
	pc.setHeaders(attemptCtx, httpReq, idempotencyKey)

	httpResp, err := pc.client.Do(httpReq)
	if err != nil {
		return out, fmt.Errorf("payment service request: %w", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return out, fmt.Errorf("read response: %w", err)
	}

	switch {
	case httpResp.StatusCode >= 200 && httpResp.StatusCode < 300:
		if err := json.Unmarshal(raw, &out); err != nil {
			return out, fmt.Errorf("decode response: %w", err)
		}
		return out, nil
	case httpResp.StatusCode == http.StatusConflict:
		var envelope errorEnvelope
		if err := json.Unmarshal(raw, &envelope); err == nil &&
			envelope.Error.Code == "payment_already_exists" && envelope.Payment != nil {
			pc.logger.Info("Remote payment already exists, treating as success",
				zap.String("payment_id", envelope.Payment.PaymentID))
			return *envelope.Payment, nil
		}
		return out, fmt.Errorf("conflict without existing payment: %w", ErrPaymentRejected)
	case httpResp.StatusCode >= 400 && httpResp.StatusCode < 500 &&
		httpResp.StatusCode != http.StatusTooManyRequests:
		return out, fmt.Errorf("payment service rejected request (%d): %s: %w",
			httpResp.StatusCode, errorMessage(raw), ErrPaymentRejected)
	default:
		return out, fmt.Errorf("payment service returned %d: %s", httpResp.StatusCode, errorMessage(raw))
	}
}

func (pc *PaymentClient) setHeaders(ctx context.Context, req *http.Request, idempotencyKey string) {
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	if pc.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+pc.apiKey)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
}

// ToModelStatus maps the provider's payment status string onto the local
// projection enum; unrecognized values stay PROCESSING until reconciliation.
func (r PaymentResponse) ToModelStatus() models.PaymentStatus {
	switch r.Status {
	case "succeeded":
		return models.PaymentStatusSucceeded
	case "processing", "pending":
		return models.PaymentStatusProcessing
	case "failed":
		return models.PaymentStatusFailed
	case "refunded":
		return models.PaymentStatusRefunded
	case "canceled":
		return models.PaymentStatusCanceled
	case "created", "":
		return models.PaymentStatusCreated
	default:
		return models.PaymentStatusProcessing
	}
}

func errorMessage(raw []byte) string {
	var envelope errorEnvelope
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	return strings.TrimSpace(string(raw))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
