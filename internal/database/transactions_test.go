package database

import (
	"context"
	"testing"
	"time"

	"rentledger/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkTransactionFailed(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	unitIDs := seedProperty(t, db, 1, 100, "A1")
	_, txn := preparePaidBooking(t, db, unitIDs)

	err := db.MarkTransactionFailed(ctx, txn.Reference, "gateway reported abandoned")
	require.NoError(t, err)

	stored, err := db.GetTransactionByReference(ctx, txn.Reference)
	require.NoError(t, err)
	assert.Equal(t, models.TxFailed, stored.Status)
	assert.Equal(t, "gateway reported abandoned", stored.Metadata.FailureReason)
	assert.NotNil(t, stored.ProcessedAt)

	// Terminal states cannot be overwritten.
	err = db.MarkTransactionFailed(ctx, txn.Reference, "again")
	assert.ErrorIs(t, err, ErrAlreadyResolved)

	err = db.MarkTransactionFailed(ctx, "rl_missing", "whatever")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateTransactionMetadata(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	unitIDs := seedProperty(t, db, 1, 100, "A1")
	_, txn := preparePaidBooking(t, db, unitIDs)

	now := time.Now()
	meta := txn.Metadata
	meta.RetryCount = 2
	meta.LastRetryAt = &now
	meta.GatewayReference = "GW-123"
	require.NoError(t, db.UpdateTransactionMetadata(ctx, txn.Reference, meta))

	stored, err := db.GetTransactionByReference(ctx, txn.Reference)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Metadata.RetryCount)
	assert.Equal(t, "GW-123", stored.Metadata.GatewayReference)
	require.NotNil(t, stored.Metadata.LastRetryAt)
}

func TestGetStalePendingTransactions(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	unitIDs := seedProperty(t, db, 1, 100, "A1", "A2")
	_, stale := preparePaidBooking(t, db, unitIDs[:1])

	// Backdate the pending attempt past the grace period.
	_, err := db.ExecContext(ctx, `UPDATE transactions SET created_at = ? WHERE reference = ?`,
		time.Now().Add(-time.Hour), stale.Reference)
	require.NoError(t, err)

	fresh := &models.Transaction{
		Reference: "rl_fresh", Type: models.TxTypeRentPayment,
		AmountMinor: 100, Currency: "NGN", Status: models.TxPending, UserID: 9,
	}
	require.NoError(t, db.CreateTransaction(ctx, fresh))

	txns, err := db.GetStalePendingTransactions(ctx, time.Now().Add(-5*time.Minute), 50)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, stale.Reference, txns[0].Reference)

	// Resolved attempts drop out of the sweep.
	require.NoError(t, db.MarkTransactionFailed(ctx, stale.Reference, "expired"))
	txns, err = db.GetStalePendingTransactions(ctx, time.Now().Add(-5*time.Minute), 50)
	require.NoError(t, err)
	assert.Empty(t, txns)
}

func TestCreateTransaction_Payout(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	now := time.Now()
	payout := &models.Transaction{
		Reference:   "rl_payout_1",
		Type:        models.TxTypePayout,
		AmountMinor: 9_500_00,
		Currency:    "NGN",
		Status:      models.TxCompleted,
		UserID:      100,
		Metadata:    models.TransactionMetadata{SubaccountCode: "SUB_TEST"},
		ProcessedAt: &now,
	}
	require.NoError(t, db.CreateTransaction(ctx, payout))
	require.NotZero(t, payout.ID)

	stored, err := db.GetTransaction(ctx, payout.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TxTypePayout, stored.Type)
	assert.Equal(t, int64(9_500_00), stored.AmountMinor)
	assert.Equal(t, "SUB_TEST", stored.Metadata.SubaccountCode)
	assert.NotNil(t, stored.ProcessedAt)
}
