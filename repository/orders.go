package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"checkout-svc/models"
)

var ErrOrderNotFound = errors.New("order not found")

// OrderRepository persists orders and their item snapshots.
type OrderRepository interface {
	Create(ctx context.Context, order models.Order) (models.Order, error)
	GetByID(ctx context.Context, orderID uuid.UUID) (models.Order, error)
	// UpdateLocked loads the order under a row lock, applies fn and, when fn
	// reports a change, writes the mutable columns back before committing.
	// An error from fn rolls back and is returned unwrapped.
	UpdateLocked(ctx context.Context, orderID uuid.UUID, fn func(o *models.Order) (bool, error)) (models.Order, error)
}

const orderColumns = "id, user_id, status, total, currency, payment_id, receipt_url, referral_code, referrer_id, created_at, updated_at"

type orderRepository struct {
	db *sql.DB
}

func NewOrderRepository(db *sql.DB) OrderRepository {
	return &orderRepository{db: db}
}

func (r *orderRepository) Create(ctx context.Context, order models.Order) (models.Order, error) {
	var o models.Order

	if len(order.Items) == 0 {
		return o, errors.New("order has no items")
	}
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return o, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx,
		`INSERT INTO orders (id, user_id, status, total, currency, referral_code, referrer_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING created_at, updated_at`,
		order.ID, order.UserID, order.Status, order.Total, order.Currency, order.ReferralCode, order.ReferrerID,
	).Scan(&order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return o, fmt.Errorf("insert order: %w", err)
	}

	for _, item := range order.Items {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO order_items (order_id, product_id, name, quantity, unit_price)
			 VALUES ($1, $2, $3, $4, $5)`,
			order.ID, item.ProductID, item.Name, item.Quantity, item.UnitPrice,
		)
		if err != nil {
			return o, fmt.Errorf("insert order item: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return o, fmt.Errorf("commit tx: %w", err)
	}

	return order, nil
}

func (r *orderRepository) GetByID(ctx context.Context, orderID uuid.UUID) (models.Order, error) {
	var o models.Order

	row := r.db.QueryRowContext(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1", orderID)

	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return o, fmt.Errorf("get order %s: %w", orderID, ErrOrderNotFound)
		}
		return o, fmt.Errorf("get order %s: %w", orderID, err)
	}

	items, err := r.getItems(ctx, orderID)
	if err != nil {
		return o, fmt.Errorf("get order items %s: %w", orderID, err)
	}
	order.Items = items

	return order, nil
}

// UpdateLocked does not load order items; callers that only move status, set
// payment handles or compute commissions work off the orders row alone.
func (r *orderRepository) UpdateLocked(ctx context.Context, orderID uuid.UUID, fn func(o *models.Order) (bool, error)) (models.Order, error) {
	var o models.Order

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return o, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1 FOR UPDATE", orderID)

	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return o, fmt.Errorf("lock order %s: %w", orderID, ErrOrderNotFound)
		}
		return o, fmt.Errorf("lock order %s: %w", orderID, err)
	}

	changed, err := fn(&order)
	if err != nil {
		return o, err
	}

	if changed {
		err = tx.QueryRowContext(ctx,
			`UPDATE orders SET status = $2, payment_id = $3, receipt_url = $4, updated_at = NOW()
			 WHERE id = $1
			 RETURNING updated_at`,
			orderID, order.Status, order.PaymentID, order.ReceiptURL,
		).Scan(&order.UpdatedAt)
		if err != nil {
			return o, fmt.Errorf("update order %s: %w", orderID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return o, fmt.Errorf("commit tx: %w", err)
	}

	return order, nil
}

func (r *orderRepository) getItems(ctx context.Context, orderID uuid.UUID) ([]models.OrderItem, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT product_id, name, quantity, unit_price FROM order_items WHERE order_id = $1 ORDER BY id`,
		orderID)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	var items []models.OrderItem
	for rows.Next() {
		var item models.OrderItem
		if err := rows.Scan(&item.ProductID, &item.Name, &item.Quantity, &item.UnitPrice); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}

	return items, nil
}

func scanOrder(row rowScanner) (models.Order, error) {
	var (
		o      models.Order
		status string
	)

	err := row.Scan(&o.ID, &o.UserID, &status, &o.Total, &o.Currency,
		&o.PaymentID, &o.ReceiptURL, &o.ReferralCode, &o.ReferrerID,
		&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return o, err
	}

	o.Status, err = models.ToOrderStatus(status)
	if err != nil {
		return o, fmt.Errorf("models.ToOrderStatus[%s]: %w", status, err)
	}

	return o, nil
}
