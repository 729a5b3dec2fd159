package sql

import (
	"atelier/internal/entity"
	"context"
	"fmt"
	"time"

	"gorm.io/gorm/clause"
)

// SelectUserCredits loads a user's credit row. Returns
// gorm.ErrRecordNotFound for users that never touched their balance.
func (r *GormRepository) SelectUserCredits(ctx context.Context, userID uint) (*entity.DbUserCredits, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("repository not initialised")
	}
	if userID == 0 {
		return nil, fmt.Errorf("invalid user id")
	}

	var credits entity.DbUserCredits
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&credits).Error; err != nil {
		return nil, err
	}
	return &credits, nil
}

// UpdateUserCreditsBalance upserts the balance row. Last write wins; the
// ledger clamps the value non-negative before calling this.
func (r *GormRepository) UpdateUserCreditsBalance(ctx context.Context, userID uint, balance float64) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("repository not initialised")
	}
	if userID == 0 {
		return fmt.Errorf("invalid user id")
	}

	row := entity.DbUserCredits{UserID: userID, Balance: balance}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"balance": balance}),
	}).Create(&row).Error
}

// UpdateUserCreditsDailyClaim records a daily claim together with the new
// balance.
func (r *GormRepository) UpdateUserCreditsDailyClaim(ctx context.Context, userID uint, balance float64, claimedAt time.Time) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("repository not initialised")
	}
	if userID == 0 {
		return fmt.Errorf("invalid user id")
	}

	row := entity.DbUserCredits{UserID: userID, Balance: balance, LastDailyClaimAt: &claimedAt}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"balance":             balance,
			"last_daily_claim_at": claimedAt,
		}),
	}).Create(&row).Error
}
