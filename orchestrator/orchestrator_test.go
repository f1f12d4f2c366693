package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"checkout-svc/circuitbreaker"
	"checkout-svc/gateway"
	"checkout-svc/idempotency"
	"checkout-svc/models"
	"checkout-svc/repository"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type mockOrders struct {
	mu      sync.Mutex
	order   models.Order
	lockErr error
}

func (m *mockOrders) Create(_ context.Context, order models.Order) (models.Order, error) {
	return order, nil
}

func (m *mockOrders) GetByID(_ context.Context, _ uuid.UUID) (models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order, nil
}

func (m *mockOrders) UpdateLocked(_ context.Context, _ uuid.UUID, fn func(o *models.Order) (bool, error)) (models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lockErr != nil {
		return models.Order{}, m.lockErr
	}
	if _, err := fn(&m.order); err != nil {
		return models.Order{}, err
	}
	return m.order, nil
}

// mockPayments converges on order id the way the UNIQUE constraint does: a
// second insert for the same order returns the first row.
type mockPayments struct {
	mu       sync.Mutex
	created  []models.Payment
	existing *models.Payment
	getErr   error
}

func (m *mockPayments) Create(_ context.Context, payment models.Payment) (models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.existing != nil {
		return *m.existing, nil
	}
	for _, p := range m.created {
		if p.OrderID == payment.OrderID {
			return p, nil
		}
	}
	if payment.ID == uuid.Nil {
		payment.ID = uuid.New()
	}
	m.created = append(m.created, payment)
	return payment, nil
}

func (m *mockPayments) GetByOrderID(_ context.Context, orderID uuid.UUID) (models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return models.Payment{}, m.getErr
	}
	if m.existing != nil {
		return *m.existing, nil
	}
	return models.Payment{}, repository.ErrPaymentNotFound
}

func (m *mockPayments) UpdateStatus(_ context.Context, _ uuid.UUID, _ models.PaymentStatus, _ *string) error {
	return nil
}

func (m *mockPayments) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.created)
}

type mockGateway struct {
	mu      sync.Mutex
	calls   int
	resp    gateway.PaymentResponse
	err     error
	getResp gateway.PaymentResponse
	getErr  error
	lastReq gateway.CreatePaymentRequest
}

func (m *mockGateway) CreatePayment(_ context.Context, req gateway.CreatePaymentRequest) (gateway.PaymentResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.lastReq = req
	if m.err != nil {
		return gateway.PaymentResponse{}, m.err
	}
	return m.resp, nil
}

func (m *mockGateway) GetPayment(_ context.Context, _ string) (gateway.PaymentResponse, error) {
	if m.getErr != nil {
		return gateway.PaymentResponse{}, m.getErr
	}
	return m.getResp, nil
}

func testOrder() models.Order {
	return models.Order{
		ID:       uuid.New(),
		UserID:   "user-1",
		Status:   models.OrderStatusCreated,
		Total:    decimal.RequireFromString("100.00"),
		Currency: "USD",
	}
}

func newOrchestrator(t *testing.T, orders *mockOrders, payments *mockPayments, gw *mockGateway) *PaymentOrchestrator {
	t.Helper()
	return NewPaymentOrchestrator(orders, payments, gw,
		idempotency.NewMemoryStore(), 24*time.Hour, zaptest.NewLogger(t))
}

func TestCreatePaymentHappyPath(t *testing.T) {
	order := testOrder()
	orders := &mockOrders{order: order}
	payments := &mockPayments{}
	gw := &mockGateway{resp: gateway.PaymentResponse{
		PaymentID:    "pay_1",
		Status:       "created",
		ClientSecret: "cs_1",
		CheckoutURL:  "https://pay.example.com/c/1",
	}}

	po := newOrchestrator(t, orders, payments, gw)

	handle, err := po.CreatePayment(context.Background(), order, "tok_visa")
	require.NoError(t, err)

	assert.Equal(t, "pay_1", handle.PaymentID)
	assert.Equal(t, "cs_1", handle.ClientSecret)

	require.Len(t, payments.created, 1)
	assert.Equal(t, order.ID, payments.created[0].OrderID)
	assert.Equal(t, models.PaymentStatusCreated, payments.created[0].Status)

	require.NotNil(t, orders.order.PaymentID)
	assert.Equal(t, "pay_1", *orders.order.PaymentID)
	assert.Equal(t, models.OrderStatusPending, orders.order.Status)

	assert.Equal(t, "payment:"+order.ID.String(), gw.lastReq.IdempotencyKey)
}

func TestCreatePaymentSecondCallReturnsStoredResult(t *testing.T) {
	order := testOrder()
	orders := &mockOrders{order: order}
	payments := &mockPayments{}
	gw := &mockGateway{resp: gateway.PaymentResponse{PaymentID: "pay_1", Status: "created"}}

	po := newOrchestrator(t, orders, payments, gw)

	first, err := po.CreatePayment(context.Background(), order, "tok_visa")
	require.NoError(t, err)

	second, err := po.CreatePayment(context.Background(), order, "tok_visa")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, gw.calls, "the stored result must short-circuit the remote call")
	assert.Len(t, payments.created, 1)
}

func TestCreatePaymentConcurrentCallersConverge(t *testing.T) {
	order := testOrder()
	orders := &mockOrders{order: order}
	payments := &mockPayments{}
	gw := &mockGateway{resp: gateway.PaymentResponse{PaymentID: "pay_1", Status: "created", ClientSecret: "cs_1"}}

	po := newOrchestrator(t, orders, payments, gw)

	var wg sync.WaitGroup
	handles := make([]models.PaymentHandle, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = po.CreatePayment(context.Background(), order, "tok_visa")
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	// Both callers may race past the result store, but the remote idempotency
	// key and the order_id constraint still collapse them onto one payment.
	assert.Equal(t, 1, payments.count(), "exactly one local payment row may exist")
	assert.Equal(t, handles[0], handles[1])
	assert.Equal(t, "pay_1", handles[0].PaymentID)
}

func TestCreatePaymentValidatesPreconditions(t *testing.T) {
	orders := &mockOrders{}
	payments := &mockPayments{}
	gw := &mockGateway{}
	po := newOrchestrator(t, orders, payments, gw)

	cases := []struct {
		name  string
		order models.Order
		token string
	}{
		{"empty order id", models.Order{UserID: "u", Total: decimal.NewFromInt(10)}, "tok"},
		{"empty user id", models.Order{ID: uuid.New(), Total: decimal.NewFromInt(10)}, "tok"},
		{"zero amount", models.Order{ID: uuid.New(), UserID: "u"}, "tok"},
		{"negative amount", models.Order{ID: uuid.New(), UserID: "u", Total: decimal.NewFromInt(-5)}, "tok"},
		{"missing token", models.Order{ID: uuid.New(), UserID: "u", Total: decimal.NewFromInt(10)}, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := po.CreatePayment(context.Background(), tc.order, tc.token)
			assert.ErrorIs(t, err, ErrInvalidPaymentRequest)
		})
	}

	assert.Equal(t, 0, gw.calls, "invalid requests must not reach the gateway")
}

func TestCreatePaymentOpenBreakerPassesThrough(t *testing.T) {
	order := testOrder()
	orders := &mockOrders{order: order}
	payments := &mockPayments{}
	gw := &mockGateway{err: circuitbreaker.ErrCircuitOpen}

	po := newOrchestrator(t, orders, payments, gw)

	_, err := po.CreatePayment(context.Background(), order, "tok_visa")
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)

	var processing *PaymentProcessingError
	assert.False(t, errors.As(err, &processing),
		"an open breaker is unavailability, not a processing failure")
	assert.Empty(t, payments.created)
}

func TestCreatePaymentWrapsTransientExhaustion(t *testing.T) {
	order := testOrder()
	orders := &mockOrders{order: order}
	payments := &mockPayments{}
	gw := &mockGateway{err: errors.New("create payment failed after 3 attempts: 502")}

	po := newOrchestrator(t, orders, payments, gw)

	_, err := po.CreatePayment(context.Background(), order, "tok_visa")
	require.Error(t, err)

	var processing *PaymentProcessingError
	require.ErrorAs(t, err, &processing)
	assert.Equal(t, order.ID.String(), processing.OrderID)
}

func TestCreatePaymentRejectionIsValidationError(t *testing.T) {
	order := testOrder()
	orders := &mockOrders{order: order}
	payments := &mockPayments{}
	gw := &mockGateway{err: gateway.ErrPaymentRejected}

	po := newOrchestrator(t, orders, payments, gw)

	_, err := po.CreatePayment(context.Background(), order, "tok_bad")
	assert.ErrorIs(t, err, ErrInvalidPaymentRequest)
}

func TestCreatePaymentKeepsAdvancedOrderStatus(t *testing.T) {
	// A fast webhook can move the order to PAID before the orchestrator's
	// bookkeeping runs; the payment id must still be recorded without
	// touching the status.
	order := testOrder()
	order.Status = models.OrderStatusPaid
	orders := &mockOrders{order: order}
	payments := &mockPayments{}
	gw := &mockGateway{resp: gateway.PaymentResponse{PaymentID: "pay_1", Status: "succeeded"}}

	po := newOrchestrator(t, orders, payments, gw)

	_, err := po.CreatePayment(context.Background(), order, "tok_visa")
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusPaid, orders.order.Status)
	require.NotNil(t, orders.order.PaymentID)
	assert.Equal(t, "pay_1", *orders.order.PaymentID)
}

func TestCreatePaymentUsesExistingProjectionOnConflict(t *testing.T) {
	order := testOrder()
	orders := &mockOrders{order: order}
	existing := models.Payment{
		ID:              uuid.New(),
		OrderID:         order.ID,
		RemotePaymentID: "pay_first",
		ClientSecret:    "cs_first",
		Status:          models.PaymentStatusCreated,
	}
	payments := &mockPayments{existing: &existing}
	gw := &mockGateway{resp: gateway.PaymentResponse{PaymentID: "pay_second", ClientSecret: "cs_second"}}

	po := newOrchestrator(t, orders, payments, gw)

	handle, err := po.CreatePayment(context.Background(), order, "tok_visa")
	require.NoError(t, err)
	assert.Equal(t, "pay_first", handle.PaymentID,
		"the handle must come from the surviving local row")
	assert.Equal(t, "cs_first", handle.ClientSecret)
}

func TestPaymentStatusDoesNotWriteProjection(t *testing.T) {
	order := testOrder()
	existing := models.Payment{
		OrderID:         order.ID,
		RemotePaymentID: "pay_1",
		Status:          models.PaymentStatusProcessing,
	}
	payments := &mockPayments{existing: &existing}
	gw := &mockGateway{getResp: gateway.PaymentResponse{PaymentID: "pay_1", Status: "succeeded"}}

	po := newOrchestrator(t, &mockOrders{order: order}, payments, gw)

	local, remote, err := po.PaymentStatus(context.Background(), order)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusProcessing, local.Status)
	assert.Equal(t, "succeeded", remote.Status)
}

func TestPaymentStatusNotFound(t *testing.T) {
	order := testOrder()
	payments := &mockPayments{getErr: repository.ErrPaymentNotFound}
	po := newOrchestrator(t, &mockOrders{order: order}, payments, &mockGateway{})

	_, _, err := po.PaymentStatus(context.Background(), order)
	assert.ErrorIs(t, err, repository.ErrPaymentNotFound)
}
