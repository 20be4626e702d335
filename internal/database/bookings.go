package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"rentledger/internal/models"
)

const bookingColumns = `id, renter_id, property_id, amount_minor, status, start_date, end_date,
                 escrow_transaction_id, responded_at, created_at, updated_at`

func scanBooking(row interface{ Scan(...interface{}) error }) (*models.Booking, error) {
	b := &models.Booking{}
	err := row.Scan(
		&b.ID, &b.RenterID, &b.PropertyID, &b.AmountMinor, &b.Status,
		&b.StartDate, &b.EndDate, &b.EscrowTransactionID, &b.RespondedAt,
		&b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// CreateBookingRequest inserts the booking in pending_approval and claims
// the requested units, all in one storage transaction. If any unit is not
// available at write time the whole transaction rolls back; this is the
// mechanism that prevents double-booking under concurrent requests.
func (db *DB) CreateBookingRequest(ctx context.Context, booking *models.Booking) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var isActive bool
	err = tx.QueryRowContext(ctx, `SELECT is_active FROM properties WHERE id = ?`, booking.PropertyID).Scan(&isActive)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check property in tx: %w", err)
	}
	if !isActive {
		return ErrNotBookable
	}

	now := time.Now()
	result, err := tx.ExecContext(ctx,
		`INSERT INTO bookings (renter_id, property_id, amount_minor, status, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?)`,
		booking.RenterID, booking.PropertyID, booking.AmountMinor, models.BookingPendingApproval, now, now)
	if err != nil {
		return fmt.Errorf("failed to insert booking in tx: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id in tx: %w", err)
	}

	if err := reserveUnitsTx(ctx, tx, id, booking.UnitIDs); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit booking request: %w", err)
	}

	booking.ID = id
	booking.Status = models.BookingPendingApproval
	booking.CreatedAt = now
	booking.UpdatedAt = now
	return nil
}

func (db *DB) GetBooking(ctx context.Context, id int64) (*models.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE id = ?`
	booking, err := scanBooking(db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}

	booking.UnitIDs, err = db.GetBookingUnits(ctx, id)
	if err != nil {
		return nil, err
	}
	return booking, nil
}

// UpdateBookingStatusFrom transitions the booking only if it currently
// holds the expected status. The slower of two racing writers sees zero
// rows affected and gets ErrInvalidTransition.
func (db *DB) UpdateBookingStatusFrom(ctx context.Context, id int64, from, to string) error {
	var query string
	now := time.Now()
	switch to {
	case models.BookingPendingPayment, models.BookingDeclined:
		query = `UPDATE bookings SET status = ?, responded_at = ?, updated_at = ? WHERE id = ? AND status = ?`
		result, err := db.ExecContext(ctx, query, to, now, now, id, from)
		if err != nil {
			return fmt.Errorf("failed to update booking status: %w", err)
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return ErrInvalidTransition
		}
		return nil
	default:
		query = `UPDATE bookings SET status = ?, updated_at = ? WHERE id = ? AND status = ?`
		result, err := db.ExecContext(ctx, query, to, now, id, from)
		if err != nil {
			return fmt.Errorf("failed to update booking status: %w", err)
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return ErrInvalidTransition
		}
		return nil
	}
}

// PrepareBookingPayment is the atomic slice of createBooking: in one
// storage transaction it sets dates and total amount, flips the reserved
// units to pending_booking, decrements the property's available counter
// and records the pending ledger transaction. The gateway call that
// follows is deliberately outside this transaction; "reserved but not yet
// paid" is a normal, retryable state.
func (db *DB) PrepareBookingPayment(ctx context.Context, bookingID int64, start, end time.Time, amountMinor int64, txn *models.Transaction) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now()
	result, err := tx.ExecContext(ctx,
		`UPDATE bookings SET start_date = ?, end_date = ?, amount_minor = ?, updated_at = ?
         WHERE id = ? AND status = ?`,
		start, end, amountMinor, now, bookingID, models.BookingPendingPayment)
	if err != nil {
		return fmt.Errorf("failed to set booking dates: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrInvalidTransition
	}

	flipped, err := flipUnitsTx(ctx, tx, bookingID, models.UnitAvailable, models.UnitPendingBooking)
	if err != nil {
		return err
	}
	if flipped > 0 {
		result, err = tx.ExecContext(ctx,
			`UPDATE properties SET available_units = available_units - ?, updated_at = ?
             WHERE id = (SELECT property_id FROM bookings WHERE id = ?) AND available_units >= ?`,
			flipped, now, bookingID, flipped)
		if err != nil {
			return fmt.Errorf("failed to decrement available units: %w", err)
		}
		rows, _ = result.RowsAffected()
		if rows == 0 {
			return ErrNotAvailable
		}
	}

	metadata, err := marshalMetadata(txn.Metadata)
	if err != nil {
		return err
	}
	result, err = tx.ExecContext(ctx,
		`INSERT INTO transactions (reference, type, amount_minor, currency, status, booking_id, user_id, metadata, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.Reference, txn.Type, txn.AmountMinor, txn.Currency, models.TxPending,
		bookingID, txn.UserID, metadata, now, now)
	if err != nil {
		return fmt.Errorf("failed to insert transaction in tx: %w", err)
	}
	txn.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id in tx: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit payment preparation: %w", err)
	}

	txn.Status = models.TxPending
	bid := bookingID
	txn.BookingID = &bid
	txn.CreatedAt = now
	txn.UpdatedAt = now
	return nil
}

// CompletePayment performs the first-committer-wins payment finalization:
// transaction pending -> completed (with the escrow hold opened), booking
// pending_payment -> confirmed, claimed units -> rented. Returns false
// without error when another resolver already won the race.
func (db *DB) CompletePayment(ctx context.Context, txn *models.Transaction) (bool, error) {
	if txn.BookingID == nil {
		return false, fmt.Errorf("transaction %s has no booking", txn.Reference)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now()
	result, err := tx.ExecContext(ctx,
		`UPDATE transactions SET status = ?, escrow_status = ?, processed_at = ?, updated_at = ?
         WHERE reference = ? AND status = ?`,
		models.TxCompleted, models.EscrowHeld, now, now, txn.Reference, models.TxPending)
	if err != nil {
		return false, fmt.Errorf("failed to complete transaction: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		// Another resolver already finalized this reference.
		return false, nil
	}

	result, err = tx.ExecContext(ctx,
		`UPDATE bookings SET status = ?, escrow_transaction_id = ?, updated_at = ?
         WHERE id = ? AND status = ?`,
		models.BookingConfirmed, txn.ID, now, *txn.BookingID, models.BookingPendingPayment)
	if err != nil {
		return false, fmt.Errorf("failed to confirm booking: %w", err)
	}
	rows, _ = result.RowsAffected()
	if rows == 0 {
		return false, ErrInvalidTransition
	}

	if _, err := flipUnitsTx(ctx, tx, *txn.BookingID, models.UnitPendingBooking, models.UnitRented); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit payment completion: %w", err)
	}
	return true, nil
}

// GetEscrowEligibleBookings returns completed bookings older than the
// cutoff whose escrow transaction is still held.
func (db *DB) GetEscrowEligibleBookings(ctx context.Context, cutoff time.Time) ([]*models.Booking, error) {
	query := `SELECT b.` + joinBookingColumns("b") + `
              FROM bookings b
              JOIN transactions t ON t.id = b.escrow_transaction_id
              WHERE b.status = ? AND b.updated_at < ? AND t.escrow_status = ?
              ORDER BY b.updated_at ASC`
	rows, err := db.QueryContext(ctx, query, models.BookingCompleted, cutoff, models.EscrowHeld)
	if err != nil {
		return nil, fmt.Errorf("failed to get escrow eligible bookings: %w", err)
	}
	defer rows.Close()

	var bookings []*models.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan booking: %w", err)
		}
		bookings = append(bookings, b)
	}
	return bookings, rows.Err()
}

// ReleaseEscrowPayout flips the escrow hold released and records the
// owner payout in one storage transaction. The conditional flip makes it
// first-committer-wins; false means a previous sweep already released
// the hold and its payout row is the one on record. Keeping both writes
// in one transaction means a failed payout insert rolls the flip back,
// so the booking stays eligible for the next sweep.
func (db *DB) ReleaseEscrowPayout(ctx context.Context, transactionID int64, payout *models.Transaction) (bool, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now()
	result, err := tx.ExecContext(ctx,
		`UPDATE transactions SET escrow_status = ?, updated_at = ? WHERE id = ? AND escrow_status = ?`,
		models.EscrowReleased, now, transactionID, models.EscrowHeld)
	if err != nil {
		return false, fmt.Errorf("failed to release escrow hold: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return false, nil
	}

	metadata, err := marshalMetadata(payout.Metadata)
	if err != nil {
		return false, err
	}
	result, err = tx.ExecContext(ctx,
		`INSERT INTO transactions (reference, type, amount_minor, currency, status, escrow_status, booking_id, user_id, metadata, processed_at, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		payout.Reference, payout.Type, payout.AmountMinor, payout.Currency, payout.Status, payout.EscrowStatus,
		payout.BookingID, payout.UserID, metadata, payout.ProcessedAt, now, now)
	if err != nil {
		return false, fmt.Errorf("failed to record payout in tx: %w", err)
	}
	payout.ID, err = result.LastInsertId()
	if err != nil {
		return false, fmt.Errorf("failed to get last insert id in tx: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit escrow release: %w", err)
	}
	payout.CreatedAt = now
	payout.UpdatedAt = now
	return true, nil
}

// FinishBooking applies a terminal status transition and returns the
// booking's claimed units to the pool in one storage transaction, so a
// declined or finished booking can never keep units claimed. The
// conditional flip rejects the slower of two racing writers.
func (db *DB) FinishBooking(ctx context.Context, id int64, from, to string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now()
	var result sql.Result
	if to == models.BookingDeclined {
		result, err = tx.ExecContext(ctx,
			`UPDATE bookings SET status = ?, responded_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
			to, now, now, id, from)
	} else {
		result, err = tx.ExecContext(ctx,
			`UPDATE bookings SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			to, now, id, from)
	}
	if err != nil {
		return fmt.Errorf("failed to update booking status: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrInvalidTransition
	}

	if err := releaseUnitsTx(ctx, tx, id); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit booking finish: %w", err)
	}
	return nil
}

// GetBookingsStartingBetween returns confirmed bookings whose stay starts
// inside the window. Used by the reminder sweep.
func (db *DB) GetBookingsStartingBetween(ctx context.Context, start, end time.Time) ([]*models.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings
              WHERE status = ? AND start_date >= ? AND start_date < ?
              ORDER BY start_date ASC`
	return db.queryBookings(ctx, query, models.BookingConfirmed, start, end)
}

// GetBookingsCompletedBetween returns bookings completed inside the
// window. Used by the review-reminder sweep.
func (db *DB) GetBookingsCompletedBetween(ctx context.Context, start, end time.Time) ([]*models.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings
              WHERE status = ? AND updated_at >= ? AND updated_at < ?
              ORDER BY updated_at ASC`
	return db.queryBookings(ctx, query, models.BookingCompleted, start, end)
}

func (db *DB) queryBookings(ctx context.Context, query string, args ...interface{}) ([]*models.Booking, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query bookings: %w", err)
	}
	defer rows.Close()

	var bookings []*models.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan booking: %w", err)
		}
		bookings = append(bookings, b)
	}
	return bookings, rows.Err()
}

func joinBookingColumns(alias string) string {
	return `id, ` + alias + `.renter_id, ` + alias + `.property_id, ` + alias + `.amount_minor, ` + alias + `.status, ` +
		alias + `.start_date, ` + alias + `.end_date, ` + alias + `.escrow_transaction_id, ` + alias + `.responded_at, ` +
		alias + `.created_at, ` + alias + `.updated_at`
}
