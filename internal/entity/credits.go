package entity

import "time"

// DbUserCredits stores a user's spendable balance. Balance mutations are
// last-write-wins and clamped non-negative by the ledger.
type DbUserCredits struct {
	UserID    uint      `gorm:"column:user_id;primarykey" json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Balance          float64    `gorm:"column:balance;not null;default:0" json:"balance"`
	LastDailyClaimAt *time.Time `gorm:"column:last_daily_claim_at" json:"last_daily_claim_at,omitempty"`
}

// TableName 指定表名。
func (DbUserCredits) TableName() string {
	return "user_credits"
}

// CreditsResponse is returned by the balance endpoints.
type CreditsResponse struct {
	Balance          float64    `json:"balance"`
	LastDailyClaimAt *time.Time `json:"last_daily_claim_at,omitempty"`
}
