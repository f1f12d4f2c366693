package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type CommissionStatus string

const (
	CommissionStatusPending CommissionStatus = "pending"
	CommissionStatusPaid    CommissionStatus = "paid"
)

// Commission is the referral side-ledger entry. At most one exists per order;
// the amount is computed once and never recalculated.
type Commission struct {
	ID         uuid.UUID        `json:"id"`
	ReferrerID string           `json:"referrer_id"`
	OrderID    uuid.UUID        `json:"order_id"`
	Amount     decimal.Decimal  `json:"amount"`
	Status     CommissionStatus `json:"status"`
	Audit      CommissionAudit  `json:"audit_log"`
	CreatedAt  time.Time        `json:"created_at"`
}

// CommissionAudit snapshots the inputs the amount was computed from. Stored
// as JSONB and immutable after creation.
type CommissionAudit struct {
	CalculatedAt   time.Time       `json:"calculated_at"`
	OrderAmount    decimal.Decimal `json:"order_amount"`
	CustomerID     string          `json:"customer_id"`
	ReferrerID     string          `json:"referrer_id"`
	CommissionRate decimal.Decimal `json:"commission_rate"`
}

// Referral links a shareable code to the referrer who issued it and the user
// it was issued to. Rows are written by the profile service; this service
// only reads them.
type Referral struct {
	ID             uuid.UUID `json:"id"`
	Code           string    `json:"code"`
	ReferrerID     string    `json:"referrer_id"`
	ReferredUserID string    `json:"referred_user_id"`
	CreatedAt      time.Time `json:"created_at"`
}
