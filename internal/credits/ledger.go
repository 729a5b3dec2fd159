package credits

import (
	"atelier/internal/entity"
	"atelier/internal/model"
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ErrDailyAlreadyClaimed is returned when the daily grant was already
// claimed within the last 24 hours.
var ErrDailyAlreadyClaimed = errors.New("daily credits already claimed")

// Ledger reads and mutates user balances through the repository. Balance
// writes are last-write-wins and clamped non-negative; users without a
// credit row are treated as having a zero balance.
type Ledger struct {
	repo model.Repository
}

// NewLedger creates a ledger over the given repository.
func NewLedger(repo model.Repository) *Ledger {
	return &Ledger{repo: repo}
}

// Snapshot returns the full credit row, synthesising a zero row for users
// that never touched their balance.
func (l *Ledger) Snapshot(ctx context.Context, userID uint) (*entity.DbUserCredits, error) {
	if l == nil || l.repo == nil {
		return nil, fmt.Errorf("ledger not initialised")
	}
	row, err := l.repo.SelectUserCredits(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &entity.DbUserCredits{UserID: userID}, nil
		}
		return nil, err
	}
	return row, nil
}

// Balance returns the current spendable balance.
func (l *Ledger) Balance(ctx context.Context, userID uint) (float64, error) {
	row, err := l.Snapshot(ctx, userID)
	if err != nil {
		return 0, err
	}
	return row.Balance, nil
}

// Debit subtracts amount from the balance and returns the new balance.
// The result is clamped at zero; callers wanting an insufficient-funds
// error must check the balance first.
func (l *Ledger) Debit(ctx context.Context, userID uint, amount float64) (float64, error) {
	return l.adjust(ctx, userID, -amount)
}

// Credit adds amount to the balance and returns the new balance.
func (l *Ledger) Credit(ctx context.Context, userID uint, amount float64) (float64, error) {
	return l.adjust(ctx, userID, amount)
}

func (l *Ledger) adjust(ctx context.Context, userID uint, delta float64) (float64, error) {
	if l == nil || l.repo == nil {
		return 0, fmt.Errorf("ledger not initialised")
	}
	if userID == 0 {
		return 0, fmt.Errorf("invalid user id")
	}

	balance, err := l.Balance(ctx, userID)
	if err != nil {
		return 0, err
	}

	next := balance + delta
	if next < 0 {
		next = 0
	}
	if err := l.repo.UpdateUserCreditsBalance(ctx, userID, next); err != nil {
		return 0, err
	}
	return next, nil
}

// ClaimDaily grants the daily credit amount. A claim within 24 hours of the
// previous one returns ErrDailyAlreadyClaimed.
func (l *Ledger) ClaimDaily(ctx context.Context, userID uint, amount float64) (*entity.DbUserCredits, error) {
	if l == nil || l.repo == nil {
		return nil, fmt.Errorf("ledger not initialised")
	}
	if userID == 0 {
		return nil, fmt.Errorf("invalid user id")
	}

	row, err := l.Snapshot(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if row.LastDailyClaimAt != nil && now.Sub(*row.LastDailyClaimAt) < 24*time.Hour {
		return nil, ErrDailyAlreadyClaimed
	}

	next := row.Balance + amount
	if err := l.repo.UpdateUserCreditsDailyClaim(ctx, userID, next, now); err != nil {
		return nil, err
	}
	return &entity.DbUserCredits{UserID: userID, Balance: next, LastDailyClaimAt: &now}, nil
}
