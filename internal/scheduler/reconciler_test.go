package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"rentledger/internal/database"
	"rentledger/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConfirmer struct {
	err  error
	refs []string
	srcs []string
}

func (f *fakeConfirmer) ConfirmBookingPayment(ctx context.Context, reference, source string) error {
	f.refs = append(f.refs, reference)
	f.srcs = append(f.srcs, source)
	return f.err
}

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "scheduler.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func createStaleTransaction(t *testing.T, db *database.DB, reference string, age time.Duration) *models.Transaction {
	t.Helper()
	ctx := context.Background()
	txn := &models.Transaction{
		Reference:   reference,
		Type:        models.TxTypeRentPayment,
		AmountMinor: 100_000_00,
		Currency:    "NGN",
		Status:      models.TxPending,
		UserID:      7,
	}
	require.NoError(t, db.CreateTransaction(ctx, txn))
	_, err := db.ExecContext(ctx, `UPDATE transactions SET created_at = ? WHERE reference = ?`,
		time.Now().Add(-age), reference)
	require.NoError(t, err)
	return txn
}

func TestReconcilerResolvesStaleTransactions(t *testing.T) {
	db := newTestDB(t)
	confirmer := &fakeConfirmer{}
	rec := NewReconciler(db, confirmer, 15*time.Minute, 5*time.Minute, 3, zerolog.Nop())

	createStaleTransaction(t, db, "rl_stale", time.Hour)
	// Inside the grace window; must be left alone.
	createStaleTransaction(t, db, "rl_fresh", time.Minute)

	rec.runOnce(context.Background())

	require.Len(t, confirmer.refs, 1)
	assert.Equal(t, "rl_stale", confirmer.refs[0])
	assert.Equal(t, "reconciler", confirmer.srcs[0])
}

func TestReconcilerTracksRetries(t *testing.T) {
	db := newTestDB(t)
	confirmer := &fakeConfirmer{err: errors.New("gateway timeout")}
	rec := NewReconciler(db, confirmer, 15*time.Minute, 5*time.Minute, 3, zerolog.Nop())

	createStaleTransaction(t, db, "rl_flaky", time.Hour)

	rec.runOnce(context.Background())

	stored, err := db.GetTransactionByReference(context.Background(), "rl_flaky")
	require.NoError(t, err)
	assert.Equal(t, models.TxPending, stored.Status)
	assert.Equal(t, 1, stored.Metadata.RetryCount)
	require.NotNil(t, stored.Metadata.LastRetryAt)
}

func TestReconcilerFailsAfterMaxRetries(t *testing.T) {
	db := newTestDB(t)
	confirmer := &fakeConfirmer{err: errors.New("gateway timeout")}
	rec := NewReconciler(db, confirmer, 15*time.Minute, 5*time.Minute, 3, zerolog.Nop())

	createStaleTransaction(t, db, "rl_doomed", time.Hour)

	for i := 0; i < 3; i++ {
		rec.runOnce(context.Background())
	}

	stored, err := db.GetTransactionByReference(context.Background(), "rl_doomed")
	require.NoError(t, err)
	assert.Equal(t, models.TxFailed, stored.Status)
	// The three verification attempts happened before failing.
	assert.Len(t, confirmer.refs, 3)

	// Failed transactions drop out of later sweeps.
	confirmer.refs = nil
	rec.runOnce(context.Background())
	assert.Empty(t, confirmer.refs)
}

func TestReconcilerHoldsMismatchForReview(t *testing.T) {
	db := newTestDB(t)
	confirmer := &fakeConfirmer{err: database.ErrAmountMismatch}
	rec := NewReconciler(db, confirmer, 15*time.Minute, 5*time.Minute, 3, zerolog.Nop())

	createStaleTransaction(t, db, "rl_mismatch", time.Hour)

	for i := 0; i < 5; i++ {
		rec.runOnce(context.Background())
	}

	// Never auto-failed, never retry-counted: a human resolves it.
	stored, err := db.GetTransactionByReference(context.Background(), "rl_mismatch")
	require.NoError(t, err)
	assert.Equal(t, models.TxPending, stored.Status)
	assert.Equal(t, 0, stored.Metadata.RetryCount)
}
