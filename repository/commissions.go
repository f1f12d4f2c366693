package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"checkout-svc/models"
)

var ErrCommissionNotFound = errors.New("commission not found")

// CommissionRepository persists referral commission records, at most one per
// order. Create reports whether this call inserted the row or found one
// already written by an earlier or concurrent accrual.
type CommissionRepository interface {
	Create(ctx context.Context, commission models.Commission) (models.Commission, bool, error)
	GetByOrderID(ctx context.Context, orderID uuid.UUID) (models.Commission, error)
}

type commissionRepository struct {
	db *sql.DB
}

func NewCommissionRepository(db *sql.DB) CommissionRepository {
	return &commissionRepository{db: db}
}

func (r *commissionRepository) Create(ctx context.Context, commission models.Commission) (models.Commission, bool, error) {
	var c models.Commission

	if commission.ID == uuid.Nil {
		commission.ID = uuid.New()
	}

	audit, err := json.Marshal(commission.Audit)
	if err != nil {
		return c, false, fmt.Errorf("marshal audit: %w", err)
	}

	err = r.db.QueryRowContext(ctx,
		`INSERT INTO commissions (id, referrer_id, order_id, amount, status, audit_log)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING created_at`,
		commission.ID, commission.ReferrerID, commission.OrderID,
		commission.Amount, commission.Status, audit,
	).Scan(&commission.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			existing, getErr := r.GetByOrderID(ctx, commission.OrderID)
			if getErr != nil {
				return c, false, fmt.Errorf("get commission after conflict: %w", getErr)
			}
			return existing, false, nil
		}
		return c, false, fmt.Errorf("insert commission: %w", err)
	}

	return commission, true, nil
}

func (r *commissionRepository) GetByOrderID(ctx context.Context, orderID uuid.UUID) (models.Commission, error) {
	var (
		c     models.Commission
		audit []byte
	)

	err := r.db.QueryRowContext(ctx,
		`SELECT id, referrer_id, order_id, amount, status, audit_log, created_at
		 FROM commissions WHERE order_id = $1`,
		orderID,
	).Scan(&c.ID, &c.ReferrerID, &c.OrderID, &c.Amount, &c.Status, &audit, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return c, fmt.Errorf("get commission for order %s: %w", orderID, ErrCommissionNotFound)
		}
		return c, fmt.Errorf("get commission for order %s: %w", orderID, err)
	}

	if err := json.Unmarshal(audit, &c.Audit); err != nil {
		return c, fmt.Errorf("unmarshal audit: %w", err)
	}

	return c, nil
}
