package database

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"rentledger/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *DB {
	logger := zerolog.Nop()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"), &logger)
	require.NoError(t, err)
	return db
}

// seedProperty creates a property with the given units and returns the
// unit IDs in insertion order.
func seedProperty(t *testing.T, db *DB, id, ownerID int64, unitNames ...string) []int64 {
	t.Helper()
	ctx := context.Background()

	prop := models.Property{
		ID:             id,
		OwnerID:        ownerID,
		Name:           fmt.Sprintf("Property %d", id),
		PriceMinor:     10_000_00,
		SubaccountCode: "SUB_TEST",
		IsActive:       true,
	}
	units := map[int64][]models.Unit{}
	for _, name := range unitNames {
		units[id] = append(units[id], models.Unit{Name: name, PriceMinor: 5_000_00})
	}
	require.NoError(t, db.Seed(ctx, []models.Property{prop}, units))

	rows, err := db.QueryContext(ctx, `SELECT id FROM units WHERE property_id = ? ORDER BY id`, id)
	require.NoError(t, err)
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var uid int64
		require.NoError(t, rows.Scan(&uid))
		ids = append(ids, uid)
	}
	require.NoError(t, rows.Err())
	return ids
}

func TestCreateBookingRequest_ReservesUnits(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	unitIDs := seedProperty(t, db, 1, 100, "A1", "A2")

	booking := &models.Booking{
		RenterID:    7,
		PropertyID:  1,
		AmountMinor: 5_000_00,
		UnitIDs:     unitIDs[:1],
	}
	err := db.CreateBookingRequest(ctx, booking)
	require.NoError(t, err)
	require.NotZero(t, booking.ID)
	assert.Equal(t, models.BookingPendingApproval, booking.Status)

	unit, err := db.GetUnit(ctx, unitIDs[0])
	require.NoError(t, err)
	require.NotNil(t, unit.BookingID)
	assert.Equal(t, booking.ID, *unit.BookingID)
	// Claimed, not yet occupied.
	assert.Equal(t, models.UnitAvailable, unit.Status)

	// The same unit cannot be claimed twice.
	second := &models.Booking{RenterID: 8, PropertyID: 1, AmountMinor: 5_000_00, UnitIDs: unitIDs[:1]}
	err = db.CreateBookingRequest(ctx, second)
	assert.ErrorIs(t, err, ErrNotAvailable)

	// The rolled back loser must not leave booking_units rows behind.
	loaded, err := db.GetBooking(ctx, booking.ID)
	require.NoError(t, err)
	assert.Equal(t, unitIDs[:1], loaded.UnitIDs)
}

func TestCreateBookingRequest_PropertyChecks(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	booking := &models.Booking{RenterID: 7, PropertyID: 42, AmountMinor: 100}
	assert.ErrorIs(t, db.CreateBookingRequest(ctx, booking), ErrNotFound)

	prop := models.Property{ID: 2, OwnerID: 100, Name: "Inactive", PriceMinor: 100, IsActive: false}
	require.NoError(t, db.UpsertProperty(ctx, &prop))

	booking = &models.Booking{RenterID: 7, PropertyID: 2, AmountMinor: 100}
	assert.ErrorIs(t, db.CreateBookingRequest(ctx, booking), ErrNotBookable)
}

func TestUpdateBookingStatusFrom(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	unitIDs := seedProperty(t, db, 1, 100, "A1")
	booking := &models.Booking{RenterID: 7, PropertyID: 1, AmountMinor: 5_000_00, UnitIDs: unitIDs}
	require.NoError(t, db.CreateBookingRequest(ctx, booking))

	err := db.UpdateBookingStatusFrom(ctx, booking.ID, models.BookingPendingApproval, models.BookingPendingPayment)
	require.NoError(t, err)

	loaded, err := db.GetBooking(ctx, booking.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BookingPendingPayment, loaded.Status)
	assert.NotNil(t, loaded.RespondedAt, "host response transitions record responded_at")

	// A second responder loses the conditional update.
	err = db.UpdateBookingStatusFrom(ctx, booking.ID, models.BookingPendingApproval, models.BookingDeclined)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func preparePaidBooking(t *testing.T, db *DB, unitIDs []int64) (*models.Booking, *models.Transaction) {
	t.Helper()
	ctx := context.Background()

	booking := &models.Booking{RenterID: 7, PropertyID: 1, AmountMinor: 5_000_00, UnitIDs: unitIDs}
	require.NoError(t, db.CreateBookingRequest(ctx, booking))
	require.NoError(t, db.UpdateBookingStatusFrom(ctx, booking.ID, models.BookingPendingApproval, models.BookingPendingPayment))

	start := time.Now().AddDate(0, 0, 7)
	end := start.AddDate(0, 2, 0)
	txn := &models.Transaction{
		Reference:   fmt.Sprintf("rl_test_%d", booking.ID),
		Type:        models.TxTypeRentPayment,
		AmountMinor: 10_000_00,
		Currency:    models.DefaultCurrency,
		UserID:      booking.RenterID,
	}
	require.NoError(t, db.PrepareBookingPayment(ctx, booking.ID, start, end, 10_000_00, txn))
	return booking, txn
}

func TestPrepareBookingPayment(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	unitIDs := seedProperty(t, db, 1, 100, "A1", "A2")
	_, txn := preparePaidBooking(t, db, unitIDs[:1])

	unit, err := db.GetUnit(ctx, unitIDs[0])
	require.NoError(t, err)
	assert.Equal(t, models.UnitPendingBooking, unit.Status)

	prop, err := db.GetProperty(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), prop.AvailableUnits)

	stored, err := db.GetTransactionByReference(ctx, txn.Reference)
	require.NoError(t, err)
	assert.Equal(t, models.TxPending, stored.Status)
	assert.Equal(t, int64(10_000_00), stored.AmountMinor)
}

func TestPrepareBookingPayment_RequiresApprovedBooking(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	unitIDs := seedProperty(t, db, 1, 100, "A1")
	booking := &models.Booking{RenterID: 7, PropertyID: 1, AmountMinor: 5_000_00, UnitIDs: unitIDs}
	require.NoError(t, db.CreateBookingRequest(ctx, booking))

	txn := &models.Transaction{Reference: "rl_x", Type: models.TxTypeRentPayment, AmountMinor: 100, Currency: "NGN", UserID: 7}
	err := db.PrepareBookingPayment(ctx, booking.ID, time.Now(), time.Now().AddDate(0, 1, 0), 100, txn)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCompletePayment_FirstCommitterWins(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	unitIDs := seedProperty(t, db, 1, 100, "A1")
	booking, txn := preparePaidBooking(t, db, unitIDs)

	won, err := db.CompletePayment(ctx, txn)
	require.NoError(t, err)
	assert.True(t, won)

	// The slower resolver is a no-op, not an error.
	won, err = db.CompletePayment(ctx, txn)
	require.NoError(t, err)
	assert.False(t, won)

	loaded, err := db.GetBooking(ctx, booking.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BookingConfirmed, loaded.Status)
	require.NotNil(t, loaded.EscrowTransactionID)
	assert.Equal(t, txn.ID, *loaded.EscrowTransactionID)

	unit, err := db.GetUnit(ctx, unitIDs[0])
	require.NoError(t, err)
	assert.Equal(t, models.UnitRented, unit.Status)

	stored, err := db.GetTransactionByReference(ctx, txn.Reference)
	require.NoError(t, err)
	assert.Equal(t, models.TxCompleted, stored.Status)
	assert.Equal(t, models.EscrowHeld, stored.EscrowStatus)
	assert.NotNil(t, stored.ProcessedAt)
}

func TestEscrowLifecycle(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	unitIDs := seedProperty(t, db, 1, 100, "A1")
	booking, txn := preparePaidBooking(t, db, unitIDs)

	won, err := db.CompletePayment(ctx, txn)
	require.NoError(t, err)
	require.True(t, won)

	require.NoError(t, db.UpdateBookingStatusFrom(ctx, booking.ID, models.BookingConfirmed, models.BookingCompleted))

	// Not yet past the grace period.
	eligible, err := db.GetEscrowEligibleBookings(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, eligible)

	eligible, err = db.GetEscrowEligibleBookings(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, eligible, 1)
	assert.Equal(t, booking.ID, eligible[0].ID)

	now := time.Now()
	payout := &models.Transaction{
		Reference: "rl_payout_1", Type: models.TxTypePayout,
		AmountMinor: 9_500_00, Currency: "NGN", Status: models.TxCompleted,
		BookingID: &booking.ID, UserID: 100, ProcessedAt: &now,
	}
	released, err := db.ReleaseEscrowPayout(ctx, txn.ID, payout)
	require.NoError(t, err)
	assert.True(t, released)

	// The payout row committed together with the flip.
	stored, err := db.GetTransactionByReference(ctx, "rl_payout_1")
	require.NoError(t, err)
	assert.Equal(t, int64(9_500_00), stored.AmountMinor)
	assert.NotNil(t, stored.ProcessedAt)

	// Exactly once: the losing sweep records nothing.
	second := &models.Transaction{
		Reference: "rl_payout_2", Type: models.TxTypePayout,
		AmountMinor: 9_500_00, Currency: "NGN", Status: models.TxCompleted,
		BookingID: &booking.ID, UserID: 100,
	}
	released, err = db.ReleaseEscrowPayout(ctx, txn.ID, second)
	require.NoError(t, err)
	assert.False(t, released)
	_, err = db.GetTransactionByReference(ctx, "rl_payout_2")
	assert.ErrorIs(t, err, ErrNotFound)

	eligible, err = db.GetEscrowEligibleBookings(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, eligible)
}

func TestFinishBookingReleasesUnits(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	unitIDs := seedProperty(t, db, 1, 100, "A1", "A2")
	booking, txn := preparePaidBooking(t, db, unitIDs[:1])

	won, err := db.CompletePayment(ctx, txn)
	require.NoError(t, err)
	require.True(t, won)

	// One call flips the status and frees the units atomically.
	require.NoError(t, db.FinishBooking(ctx, booking.ID, models.BookingConfirmed, models.BookingCancelled))

	loaded, err := db.GetBooking(ctx, booking.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BookingCancelled, loaded.Status)

	unit, err := db.GetUnit(ctx, unitIDs[0])
	require.NoError(t, err)
	assert.Equal(t, models.UnitAvailable, unit.Status)
	assert.Nil(t, unit.BookingID)

	prop, err := db.GetProperty(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), prop.AvailableUnits)

	// The slower of two racing writers loses and the units stay put.
	err = db.FinishBooking(ctx, booking.ID, models.BookingConfirmed, models.BookingCompleted)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestFinishBookingDeclineSetsRespondedAt(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	unitIDs := seedProperty(t, db, 1, 100, "A1")
	booking := &models.Booking{RenterID: 7, PropertyID: 1, UnitIDs: unitIDs, AmountMinor: 5_000_00}
	require.NoError(t, db.CreateBookingRequest(ctx, booking))

	require.NoError(t, db.FinishBooking(ctx, booking.ID, models.BookingPendingApproval, models.BookingDeclined))

	loaded, err := db.GetBooking(ctx, booking.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BookingDeclined, loaded.Status)
	assert.NotNil(t, loaded.RespondedAt)

	unit, err := db.GetUnit(ctx, unitIDs[0])
	require.NoError(t, err)
	assert.Equal(t, models.UnitAvailable, unit.Status)
	assert.Nil(t, unit.BookingID)
}

func TestGetBookingsStartingBetween(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	unitIDs := seedProperty(t, db, 1, 100, "A1")
	_, txn := preparePaidBooking(t, db, unitIDs)
	won, err := db.CompletePayment(ctx, txn)
	require.NoError(t, err)
	require.True(t, won)

	// preparePaidBooking sets the start date a week out.
	window, err := db.GetBookingsStartingBetween(ctx, time.Now().AddDate(0, 0, 6), time.Now().AddDate(0, 0, 8))
	require.NoError(t, err)
	assert.Len(t, window, 1)

	window, err = db.GetBookingsStartingBetween(ctx, time.Now(), time.Now().AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Empty(t, window)
}
