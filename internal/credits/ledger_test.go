package credits

import (
	"atelier/internal/model"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerBalanceMissingRow(t *testing.T) {
	ledger := NewLedger(model.NewMemoryRepository())

	balance, err := ledger.Balance(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, 0.0, balance)
}

func TestLedgerCreditAndDebit(t *testing.T) {
	ledger := NewLedger(model.NewMemoryRepository())
	ctx := context.Background()

	balance, err := ledger.Credit(ctx, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, 3.0, balance)

	balance, err = ledger.Debit(ctx, 1, 0.5)
	require.NoError(t, err)
	assert.Equal(t, 2.5, balance)
}

func TestLedgerDebitClampsAtZero(t *testing.T) {
	ledger := NewLedger(model.NewMemoryRepository())
	ctx := context.Background()

	_, err := ledger.Credit(ctx, 1, 1)
	require.NoError(t, err)

	balance, err := ledger.Debit(ctx, 1, 5)
	require.NoError(t, err)
	assert.Equal(t, 0.0, balance)
}

func TestLedgerClaimDaily(t *testing.T) {
	repo := model.NewMemoryRepository()
	ledger := NewLedger(repo)
	ctx := context.Background()

	row, err := ledger.ClaimDaily(ctx, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 1.0, row.Balance)
	require.NotNil(t, row.LastDailyClaimAt)

	// A second claim within the window is rejected.
	_, err = ledger.ClaimDaily(ctx, 1, 1)
	assert.ErrorIs(t, err, ErrDailyAlreadyClaimed)
}

func TestLedgerClaimDailyAfterWindow(t *testing.T) {
	repo := model.NewMemoryRepository()
	ledger := NewLedger(repo)
	ctx := context.Background()

	old := time.Now().UTC().Add(-25 * time.Hour)
	require.NoError(t, repo.UpdateUserCreditsDailyClaim(ctx, 1, 2, old))

	row, err := ledger.ClaimDaily(ctx, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 3.0, row.Balance)
	assert.True(t, row.LastDailyClaimAt.After(old))
}
