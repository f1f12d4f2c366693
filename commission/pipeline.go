package commission

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"checkout-svc/models"
	"checkout-svc/repository"
)

// Pipeline accrues referral commissions for paid orders behind an ordered
// guard chain. Guards skip, they do not fail: a skipped commission is an
// expected business outcome and returns (nil, nil).
type Pipeline struct {
	commissions repository.CommissionRepository
	referrals   repository.ReferralRepository
	rate        decimal.Decimal
	minAmount   decimal.Decimal
	logger      *zap.Logger
}

func NewPipeline(
	commissions repository.CommissionRepository,
	referrals repository.ReferralRepository,
	rate decimal.Decimal,
	minAmount decimal.Decimal,
	logger *zap.Logger,
) *Pipeline {
	return &Pipeline{
		commissions: commissions,
		referrals:   referrals,
		rate:        rate,
		minAmount:   minAmount,
		logger:      logger,
	}
}

// InitPipeline builds a Pipeline from environment configuration.
func InitPipeline(commissions repository.CommissionRepository, referrals repository.ReferralRepository, logger *zap.Logger) *Pipeline {
	return NewPipeline(commissions, referrals,
		getEnvDecimal("COMMISSION_RATE", "0.05"),
		getEnvDecimal("COMMISSION_MIN_AMOUNT", "1.00"),
		logger)
}

// Accrue runs the guard chain and, when every guard passes, writes exactly
// one commission for the order. Calling it again, or concurrently, returns
// the already-recorded row.
//
// Guard order: attribution present, code resolves, no self-referral, code
// belongs to the paying customer, no existing commission, order above the
// minimum amount.
func (p *Pipeline) Accrue(ctx context.Context, order models.Order) (*models.Commission, error) {
	referrerID := lo.FromPtr(order.ReferrerID)
	code := lo.FromPtr(order.ReferralCode)

	if referrerID == "" && code == "" {
		p.logger.Debug("No referral attribution on order",
			zap.String("order_id", order.ID.String()))
		return nil, nil
	}

	var referral *models.Referral
	if referrerID == "" {
		ref, err := p.referrals.GetByCode(ctx, code)
		if err != nil {
			if errors.Is(err, repository.ErrReferralNotFound) {
				// Stale or mistyped codes arrive in normal traffic.
				p.logger.Info("Referral code does not resolve, skipping commission",
					zap.String("order_id", order.ID.String()),
					zap.String("code", code))
				return nil, nil
			}
			return nil, fmt.Errorf("resolve referral code: %w", err)
		}
		referral = &ref
		referrerID = ref.ReferrerID
	}

	if referrerID == order.UserID {
		p.logger.Warn("Blocked self-referral commission",
			zap.String("order_id", order.ID.String()),
			zap.String("user_id", order.UserID))
		return nil, nil
	}

	if referral != nil && referral.ReferredUserID != order.UserID {
		p.logger.Warn("Referral code issued to a different user, skipping commission",
			zap.String("order_id", order.ID.String()),
			zap.String("code", code),
			zap.String("referred_user_id", referral.ReferredUserID),
			zap.String("customer_id", order.UserID))
		return nil, nil
	}

	existing, err := p.commissions.GetByOrderID(ctx, order.ID)
	if err == nil {
		p.logger.Info("Commission already exists for order",
			zap.String("order_id", order.ID.String()))
		return &existing, nil
	}
	if !errors.Is(err, repository.ErrCommissionNotFound) {
		return nil, fmt.Errorf("check existing commission: %w", err)
	}

	if order.Total.LessThan(p.minAmount) {
		p.logger.Info("Order below commission minimum, skipping",
			zap.String("order_id", order.ID.String()),
			zap.String("total", order.Total.String()),
			zap.String("minimum", p.minAmount.String()))
		return nil, nil
	}

	commission := models.Commission{
		ReferrerID: referrerID,
		OrderID:    order.ID,
		Amount:     order.Total.Mul(p.rate).Round(2),
		Status:     models.CommissionStatusPending,
		Audit: models.CommissionAudit{
			CalculatedAt:   time.Now().UTC(),
			OrderAmount:    order.Total,
			CustomerID:     order.UserID,
			ReferrerID:     referrerID,
			CommissionRate: p.rate,
		},
	}

	created, inserted, err := p.commissions.Create(ctx, commission)
	if err != nil {
		return nil, fmt.Errorf("create commission: %w", err)
	}
	if !inserted {
		// Lost the insert race to a concurrent reconciliation; that row is
		// the commission for this order.
		p.logger.Info("Concurrent accrual won, returning existing commission",
			zap.String("order_id", order.ID.String()))
	}

	return &created, nil
}

func getEnvDecimal(key, defaultValue string) decimal.Decimal {
	value := os.Getenv(key)
	if value == "" {
		value = defaultValue
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.RequireFromString(defaultValue)
	}
	return d
}
