package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"checkout-svc/models"
)

var ErrReferralNotFound = errors.New("referral not found")

// ReferralRepository reads referral codes. Rows are owned by the profile
// service; this side never writes them.
type ReferralRepository interface {
	GetByCode(ctx context.Context, code string) (models.Referral, error)
}

type referralRepository struct {
	db *sql.DB
}

func NewReferralRepository(db *sql.DB) ReferralRepository {
	return &referralRepository{db: db}
}

func (r *referralRepository) GetByCode(ctx context.Context, code string) (models.Referral, error) {
	var ref models.Referral

	err := r.db.QueryRowContext(ctx,
		`SELECT id, code, referrer_id, referred_user_id, created_at FROM referrals WHERE code = $1`,
		code,
	).Scan(&ref.ID, &ref.Code, &ref.ReferrerID, &ref.ReferredUserID, &ref.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ref, fmt.Errorf("get referral %q: %w", code, ErrReferralNotFound)
		}
		return ref, fmt.Errorf("get referral %q: %w", code, err)
	}

	return ref, nil
}
