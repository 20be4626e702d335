package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"rentledger/internal/models"
)

func (db *DB) GetUnit(ctx context.Context, id int64) (*models.Unit, error) {
	var u models.Unit
	query := `SELECT id, property_id, name, price_minor, status, booking_id, created_at, updated_at
              FROM units WHERE id = ?`
	err := db.QueryRowContext(ctx, query, id).Scan(
		&u.ID, &u.PropertyID, &u.Name, &u.PriceMinor, &u.Status, &u.BookingID, &u.CreatedAt, &u.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get unit: %w", err)
	}
	return &u, nil
}

// GetUnits loads units by ID preserving the requested order. A missing
// ID yields ErrNotFound.
func (db *DB) GetUnits(ctx context.Context, ids []int64) ([]*models.Unit, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	query := fmt.Sprintf(`SELECT id, property_id, name, price_minor, status, booking_id, created_at, updated_at
              FROM units WHERE id IN (%s)`, placeholders)

	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get units: %w", err)
	}
	defer rows.Close()

	byID := make(map[int64]*models.Unit, len(ids))
	for rows.Next() {
		u := &models.Unit{}
		if err := rows.Scan(&u.ID, &u.PropertyID, &u.Name, &u.PriceMinor, &u.Status, &u.BookingID, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan unit: %w", err)
		}
		byID[u.ID] = u
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	units := make([]*models.Unit, 0, len(ids))
	for _, id := range ids {
		u, ok := byID[id]
		if !ok {
			return nil, ErrNotFound
		}
		units = append(units, u)
	}
	return units, nil
}

func (db *DB) GetBookingUnits(ctx context.Context, bookingID int64) ([]int64, error) {
	query := `SELECT unit_id FROM booking_units WHERE booking_id = ? ORDER BY position`
	rows, err := db.QueryContext(ctx, query, bookingID)
	if err != nil {
		return nil, fmt.Errorf("failed to get booking units: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan unit id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// reserveUnitsTx claims each unit for the booking inside the caller's
// transaction. The booking_id IS NULL guard is what keeps two concurrent
// requests from reserving the same unit: the loser sees zero rows
// affected, gets ErrNotAvailable, and the whole transaction rolls back.
func reserveUnitsTx(ctx context.Context, tx *sql.Tx, bookingID int64, unitIDs []int64) error {
	now := time.Now()
	for pos, unitID := range unitIDs {
		result, err := tx.ExecContext(ctx,
			`UPDATE units SET booking_id = ?, updated_at = ? WHERE id = ? AND status = ? AND booking_id IS NULL`,
			bookingID, now, unitID, models.UnitAvailable)
		if err != nil {
			return fmt.Errorf("failed to reserve unit %d: %w", unitID, err)
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return ErrNotAvailable
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO booking_units (booking_id, unit_id, position) VALUES (?, ?, ?)`,
			bookingID, unitID, pos); err != nil {
			return fmt.Errorf("failed to record booking unit %d: %w", unitID, err)
		}
	}
	return nil
}

// flipUnitsTx moves every unit claimed by the booking from one status to
// another inside the caller's transaction.
func flipUnitsTx(ctx context.Context, tx *sql.Tx, bookingID int64, from, to string) (int64, error) {
	result, err := tx.ExecContext(ctx,
		`UPDATE units SET status = ?, updated_at = ? WHERE booking_id = ? AND status = ?`,
		to, time.Now(), bookingID, from)
	if err != nil {
		return 0, fmt.Errorf("failed to flip unit status: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}

// releaseUnitsTx returns every unit claimed by the booking to the pool
// and resyncs the parent property's available counter, inside the
// caller's transaction. Used on decline, cancel and completion.
func releaseUnitsTx(ctx context.Context, tx *sql.Tx, bookingID int64) error {
	now := time.Now()
	if _, err := tx.ExecContext(ctx,
		`UPDATE properties SET
             available_units = available_units + (SELECT COUNT(*) FROM units WHERE booking_id = ? AND status != ?),
             updated_at = ?
         WHERE id = (SELECT property_id FROM bookings WHERE id = ?)`,
		bookingID, models.UnitAvailable, now, bookingID); err != nil {
		return fmt.Errorf("failed to restore available counter: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE units SET booking_id = NULL, status = ?, updated_at = ? WHERE booking_id = ?`,
		models.UnitAvailable, now, bookingID); err != nil {
		return fmt.Errorf("failed to release units: %w", err)
	}
	return nil
}
